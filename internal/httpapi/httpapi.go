// Package httpapi exposes the operational and inbound-webhook surface the
// core needs to run as a standalone process: liveness/stats endpoints, an
// admin pause/resume gate for proactive sends, and a webhook endpoint
// standing in for the messaging-platform client's inbound half. It is
// grounded on the teacher's handlers package (HealthHandler's JSON shape)
// and cmd/api/main.go's Fiber middleware stack (recover, request id, cors).
package httpapi

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/google/uuid"

	"github.com/chatmemory/agentcore/internal/adminauth"
	"github.com/chatmemory/agentcore/internal/config"
	"github.com/chatmemory/agentcore/internal/platform"
)

// Inbound is the subset of the Orchestrator the webhook handler drives.
type Inbound interface {
	HandleInbound(ctx context.Context, ev platform.InboundEvent) error
}

// PoolStats is the subset of eventqueue.Pool the health/stats handlers read.
type PoolStats interface {
	Stats() map[string]interface{}
}

// ProactiveGate lets the admin surface pause/resume proactive sends at
// runtime, supplementing the static ENABLE_PROACTIVE config gate in §4.K.1
// with a live toggle (see SPEC_FULL.md's supplemented-features note).
type ProactiveGate struct {
	paused bool
}

func NewProactiveGate() *ProactiveGate { return &ProactiveGate{} }

func (g *ProactiveGate) Pause()       { g.paused = true }
func (g *ProactiveGate) Resume()      { g.paused = false }
func (g *ProactiveGate) Paused() bool { return g.paused }

// Server wires the HTTP surface together and owns the Fiber app.
type Server struct {
	app *fiber.App

	pool    PoolStats
	gate    *ProactiveGate
	inbound Inbound
	cfg     *config.Config
}

func New(cfg *config.Config, pool PoolStats, gate *ProactiveGate, inbound Inbound) *Server {
	app := fiber.New(fiber.Config{
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	})

	app.Use(recover.New())
	app.Use(requestID())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST",
		AllowHeaders: "Origin,Content-Type,Authorization,X-Request-Id",
	}))

	s := &Server{app: app, pool: pool, gate: gate, inbound: inbound, cfg: cfg}
	s.registerRoutes()
	return s
}

// App returns the underlying Fiber app, mainly for tests.
func (s *Server) App() *fiber.App { return s.app }

// Listen starts serving on addr, blocking until the server stops or errors.
func (s *Server) Listen(addr string) error {
	return s.app.Listen(addr)
}

// Shutdown gracefully stops accepting new connections, per the cooperative
// shutdown sequence in §5.
func (s *Server) Shutdown() error {
	return s.app.ShutdownWithTimeout(10 * time.Second)
}

func (s *Server) registerRoutes() {
	s.app.Get("/healthz", s.handleHealthz)

	admin := s.app.Group("/admin", adminauth.RequireAdmin(s.cfg.Admin.AdminTokenHash))
	admin.Get("/stats", s.handleAdminStats)
	admin.Post("/proactive/pause", s.handleProactivePause)
	admin.Post("/proactive/resume", s.handleProactiveResume)

	s.app.Post("/webhook/message", s.handleWebhookMessage)
}

func requestID() fiber.Handler {
	return func(c *fiber.Ctx) error {
		id := c.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		c.Locals("request_id", id)
		c.Set("X-Request-Id", id)
		return c.Next()
	}
}

// handleHealthz reports liveness plus enough breaker/queue state for a
// load balancer or operator to judge readiness, mirroring the teacher's
// HealthHandler.HandleHealth JSON shape.
func (s *Server) handleHealthz(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":             "ok",
		"timestamp":          time.Now(),
		"environment":        s.cfg.Server.Environment,
		"proactive_paused":   s.gate.Paused(),
		"queue_worker_stats": s.pool.Stats(),
	})
}

// handleAdminStats dumps the full queue/worker/breaker counter set,
// grounded on workers.PoolManager.GetStats() in the teacher.
func (s *Server) handleAdminStats(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"stats":            s.pool.Stats(),
		"proactive_paused": s.gate.Paused(),
	})
}

func (s *Server) handleProactivePause(c *fiber.Ctx) error {
	s.gate.Pause()
	return c.JSON(fiber.Map{"proactive_paused": true})
}

func (s *Server) handleProactiveResume(c *fiber.Ctx) error {
	s.gate.Resume()
	return c.JSON(fiber.Map{"proactive_paused": false})
}

// webhookPayload is the JSON body §6's messaging-platform client would hand
// the core for one inbound message.
type webhookPayload struct {
	MessageID        int64    `json:"message_id"`
	ChatID           int64    `json:"chat_id"`
	ThreadID         *int64   `json:"thread_id,omitempty"`
	UserID           int64    `json:"user_id"`
	AuthorName       string   `json:"author_name"`
	Text             string   `json:"text"`
	MediaRefs        []string `json:"media_refs,omitempty"`
	ReplyToMessageID *int64   `json:"reply_to_message_id,omitempty"`
	IsFromSelf       bool     `json:"is_from_self"`
	IsReplyToAgent   bool     `json:"is_reply_to_agent"`
	Timestamp        *time.Time `json:"timestamp,omitempty"`
}

// handleWebhookMessage is the concrete adapter implementing §6's inbound
// messaging-platform contract as an HTTP endpoint: decode, hand to the
// Orchestrator, acknowledge immediately. The orchestrator's own addressed
// reply is delivered through the outbound platform.Client, not this
// response body.
func (s *Server) handleWebhookMessage(c *fiber.Ctx) error {
	var payload webhookPayload
	if err := c.BodyParser(&payload); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_payload", "message": err.Error()})
	}
	if payload.ChatID == 0 || payload.UserID == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_payload", "message": "chat_id and user_id are required"})
	}

	ts := time.Now()
	if payload.Timestamp != nil {
		ts = *payload.Timestamp
	}

	ev := platform.InboundEvent{
		MessageID:        payload.MessageID,
		ChatID:           payload.ChatID,
		ThreadID:         payload.ThreadID,
		UserID:           payload.UserID,
		AuthorName:       payload.AuthorName,
		Text:             payload.Text,
		MediaRefs:        payload.MediaRefs,
		ReplyToMessageID: payload.ReplyToMessageID,
		IsFromSelf:       payload.IsFromSelf,
		IsReplyToAgent:   payload.IsReplyToAgent,
		Timestamp:        ts,
	}

	if err := s.inbound.HandleInbound(c.Context(), ev); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "processing_failed", "message": err.Error()})
	}

	return c.JSON(fiber.Map{"accepted": true})
}
