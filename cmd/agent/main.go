// Command agent is the process entrypoint for the conversational memory
// core: it loads configuration, wires every leaf component (Fact Store,
// Embedding Cache, Windower, Event Queue, Extractor, Quality Manager,
// Episode Monitor, Context Assembler, Intent Classifier, Proactive
// Trigger) into the Orchestrator, starts the HTTP operational surface, and
// runs until a shutdown signal arrives. It follows the teacher's
// cmd/api/main.go phase structure: config+logging, dependency
// construction, handler wiring, server startup, cooperative shutdown.
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chatmemory/agentcore/internal/cache"
	"github.com/chatmemory/agentcore/internal/classifier"
	"github.com/chatmemory/agentcore/internal/config"
	"github.com/chatmemory/agentcore/internal/contextassembler"
	"github.com/chatmemory/agentcore/internal/episode"
	"github.com/chatmemory/agentcore/internal/eventqueue"
	"github.com/chatmemory/agentcore/internal/extractor"
	"github.com/chatmemory/agentcore/internal/httpapi"
	"github.com/chatmemory/agentcore/internal/intent"
	"github.com/chatmemory/agentcore/internal/llm"
	"github.com/chatmemory/agentcore/internal/orchestrator"
	"github.com/chatmemory/agentcore/internal/platform"
	"github.com/chatmemory/agentcore/internal/proactive"
	"github.com/chatmemory/agentcore/internal/quality"
	"github.com/chatmemory/agentcore/internal/store"
	"github.com/chatmemory/agentcore/internal/windower"
)

// agentUserID identifies the agent's own author_id for excluding
// self-authored messages from fact attribution (§4.F) and the proactive
// trigger's "agent did not author any message in the window" check
// (§4.K.3). Not a tunable the spec names explicitly; read from the
// environment since it is deployment-specific (the platform assigns it).
func agentUserID() int64 {
	raw := os.Getenv("AGENT_USER_ID")
	if raw == "" {
		return 0
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		slog.Warn("invalid AGENT_USER_ID, defaulting to 0", "value", raw, "error", err)
		return 0
	}
	return id
}

// advertisedCapabilities is the tool/capability list the Intent Classifier
// tells the model about when asking whether a window warrants a proactive
// reply, per §4.J.
var advertisedCapabilities = []string{
	"answer_questions",
	"summarize_conversation",
	"recall_user_facts",
	"suggest_followup",
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load configuration:", err)
	}

	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if cfg.Server.Environment == "development" {
		opts.Level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, opts)))

	slog.Info("starting agent core", "environment", cfg.Server.Environment)

	// PHASE 1: FACT STORE (Component A)
	db, err := store.New(cfg)
	if err != nil {
		slog.Error("failed to connect to fact store", "error", err)
		log.Fatal(err)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		slog.Error("fact store migration check failed", "error", err)
	}

	// PHASE 2: REDIS CLIENT for the Embedding Cache's persistent tier
	// (Component B).
	redisClient := redis.NewClient(&redis.Options{
		Addr:     redisAddr(cfg.Redis.URL),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		slog.Warn("redis ping failed at startup, embedding cache persistent tier will degrade on use", "error", err)
	} else {
		slog.Info("redis connection established", "addr", cfg.Redis.URL)
	}
	pingCancel()
	defer redisClient.Close()

	// PHASE 3: EXTERNAL MODEL CLIENT (§6's generate/embed/generate_structured)
	modelClient := llm.New(cfg)

	// PHASE 4: EMBEDDING CACHE (Component B)
	embeddingCache := cache.New(cfg, modelClient, redisClient)

	agentID := agentUserID()

	// PHASE 5: CLASSIFIER (Component C) — pure, no construction needed
	// beyond its lexicon config.
	classifyCfg := classifier.DefaultConfig()

	// PHASE 6: CONVERSATION WINDOWER (Component D)
	windowerInst := windower.New(cfg)

	// PHASE 7: FACT EXTRACTOR (Component F)
	factExtractor := extractor.New(db, modelClient, agentID)

	// PHASE 8: FACT QUALITY MANAGER (Component G)
	qualityMgr := quality.New(db, embeddingCache, cfg.Learning)

	// PHASE 9: EPISODE MONITOR (Component H)
	episodeMonitor := episode.New(cfg, modelClient, db)

	// PHASE 10: CONTEXT ASSEMBLER (Component I)
	assembler := contextassembler.New(cfg, db, embeddingCache)

	// PHASE 11: INTENT CLASSIFIER (Component J)
	intentMonitor := intent.New(modelClient, advertisedCapabilities)

	// PHASE 12: OUTBOUND MESSAGING CLIENT (§6) — stub adapter; a real
	// deployment swaps this for the platform's SDK client.
	sender := platform.NewLoggingClient()

	// PHASE 13: PROACTIVE TRIGGER (Component K)
	trigger := proactive.New(db, assembler, modelClient, sender, agentID, cfg.Proactive)

	// PHASE 14: TOOL REGISTRY (§6's tool protocol)
	tools := orchestrator.NewToolRegistry()
	registerTools(tools, db)

	// PHASE 15: ORCHESTRATOR (Component L) — constructed with a nil queue
	// first, since the Pool needs the Orchestrator as its Handler; SetQueue
	// wires the resulting Pool back in before traffic starts.
	orch := orchestrator.New(
		db,
		classifyCfg,
		windowerInst,
		nil,
		assembler,
		modelClient,
		embeddingCache,
		factExtractor,
		qualityMgr,
		episodeMonitor,
		intentMonitor,
		trigger,
		sender,
		tools,
		agentID,
		cfg,
	)

	// PHASE 16: EVENT QUEUE & WORKERS (Component E)
	queue := eventqueue.NewQueue(cfg.Queue)
	pool := eventqueue.NewPool(cfg, queue, orch)
	orch.SetQueue(pool)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	go orch.RunWindowSweeper(ctx, time.Duration(cfg.Windower.TimeoutSeconds)*time.Second/4)
	go orch.RunEpisodeSweeper(ctx, time.Duration(cfg.Episode.SweepIntervalSeconds)*time.Second)

	// PHASE 17: HTTP OPERATIONAL SURFACE (admin/health/webhook)
	gate := httpapi.NewProactiveGate()
	if !cfg.Proactive.Enabled {
		gate.Pause()
	}
	orch.SetProactiveGate(gate)
	server := httpapi.New(cfg, pool, gate, orch)

	// PHASE 18: RETENTION SWEEP — prunes Messages older than RETENTION_DAYS
	// unless retention_flag is set, per §6's RETENTION_DAYS config option.
	go runRetentionSweep(ctx, db, cfg)

	// PHASE 19: GRACEFUL SHUTDOWN
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		slog.Info("shutdown signal received, draining")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		orch.Shutdown(shutdownCtx)
		pool.Shutdown()
		cancel()

		if err := server.Shutdown(); err != nil {
			slog.Error("http server shutdown error", "error", err)
		}

		slog.Info("shutdown complete")
		os.Exit(0)
	}()

	addr := cfg.Server.Host + ":" + cfg.Server.Port
	slog.Info("agent core listening", "addr", addr)
	if err := server.Listen(addr); err != nil {
		slog.Error("http server failed", "error", err)
		pool.Shutdown()
		log.Fatal(err)
	}
}

func redisAddr(url string) string {
	const prefix = "redis://"
	if len(url) > len(prefix) && url[:len(prefix)] == prefix {
		return url[len(prefix):]
	}
	return url
}

// runRetentionSweep prunes Messages older than RETENTION_DAYS whose
// retention_flag is not set, on a daily cadence, per §6.
func runRetentionSweep(ctx context.Context, db *store.DB, cfg *config.Config) {
	if cfg.Retention.Days <= 0 {
		return
	}
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().AddDate(0, 0, -cfg.Retention.Days)
			n, err := db.PruneExpiredMessages(ctx, cutoff)
			if err != nil {
				slog.Warn("retention sweep failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("retention sweep pruned messages", "count", n, "cutoff", cutoff)
			}
		}
	}
}
