// Package orchestrator implements the Orchestrator (Component L): the
// per-message pipeline that persists inbound messages, classifies them,
// feeds the Conversation Windower, and either drives an immediate addressed
// reply or lets the window/event-queue path handle learning and
// proactivity asynchronously. It also implements eventqueue.Handler so the
// same struct backs both the hot message path and the worker pool's
// window-closed/episode-tick processing, mirroring the teacher's
// handlers.ChatHandler composition of RAG client + cache + store.
package orchestrator

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/chatmemory/agentcore/internal/apperr"
	"github.com/chatmemory/agentcore/internal/classifier"
	"github.com/chatmemory/agentcore/internal/config"
	"github.com/chatmemory/agentcore/internal/eventqueue"
	"github.com/chatmemory/agentcore/internal/extractor"
	"github.com/chatmemory/agentcore/internal/intent"
	"github.com/chatmemory/agentcore/internal/llm"
	"github.com/chatmemory/agentcore/internal/models"
	"github.com/chatmemory/agentcore/internal/platform"
	"github.com/chatmemory/agentcore/internal/proactive"
	"github.com/chatmemory/agentcore/internal/quality"
	"github.com/chatmemory/agentcore/internal/windower"
)

const maxToolHops = 3

const fallbackReplyText = "Sorry, I'm having trouble responding right now. Please try again shortly."

// Store is the subset of internal/store.DB the orchestrator depends on
// directly, beyond what it hands to the sub-components it owns.
type Store interface {
	CreateMessage(ctx context.Context, m *models.Message) error
	SetMessageEmbedding(ctx context.Context, messageID int64, embedding []float32) error
	UpsertProfile(ctx context.Context, userID, chatID int64, displayName string) (*models.Profile, error)
	GetProfile(ctx context.Context, userID, chatID int64) (*models.Profile, error)
	GetProfiles(ctx context.Context, chatID int64, userIDs []int64) ([]models.Profile, error)
	GetActiveFactsByTypeKey(ctx context.Context, userID, chatID int64, factType, key string) ([]models.Fact, error)
	GetInactiveFactsByTypeKey(ctx context.Context, userID, chatID int64, factType, key string) ([]models.Fact, error)
	GetMessage(ctx context.Context, id int64) (*models.Message, error)
	PersistClosedWindow(ctx context.Context, w *models.Window) error
	MarkWindowProcessed(ctx context.Context, windowID int64) error
	MarkWindowSkipped(ctx context.Context, windowID int64) error
	MarkWindowFailedPermanently(ctx context.Context, windowID int64) error
}

// EmbeddingProvider is the subset of internal/cache.EmbeddingCache the
// orchestrator needs to populate Message.embedding on write.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) (vec []float32, hit bool, err error)
}

// Generator is the subset of internal/llm.Client the orchestrator uses for
// addressed-reply generation, including the tool-calling loop.
type Generator interface {
	Generate(ctx context.Context, systemPrefix string, turns []llm.Turn, tools []llm.Tool) (*llm.GenerateResult, error)
}

// Assembler is the subset of internal/contextassembler.Assembler used by
// the addressed-reply path.
type Assembler interface {
	Assemble(ctx context.Context, msg models.Message, profile *models.Profile) models.AssembledContext
}

// ProactiveGate lets an operator pause proactive sends at runtime through
// the admin surface, independent of the static ENABLE_PROACTIVE config gate
// the Trigger itself already enforces.
type ProactiveGate interface {
	Paused() bool
}

// EpisodeObserver is the subset of internal/episode.Monitor fed every
// inbound message (addressed or not), so episodes capture the full
// conversation.
type EpisodeObserver interface {
	Observe(ctx context.Context, msg models.Message)
	Sweep(ctx context.Context)
	FlushAll(ctx context.Context)
}

// Orchestrator wires every leaf component into the per-message and
// per-event pipelines described in §4.L and §4.E.
type Orchestrator struct {
	store       Store
	classifyCfg classifier.Config
	windower    *windower.Windower
	queue       *eventqueue.Pool
	assembler   Assembler
	model       Generator
	embeddings  EmbeddingProvider
	extractor   *extractor.Extractor
	quality     *quality.Manager
	episodes    EpisodeObserver
	intent      *intent.Monitor
	trigger     *proactive.Trigger
	sender      platform.Client
	tools       *ToolRegistry
	agentID     int64
	enableAsync bool
	gate        ProactiveGate
}

// SetProactiveGate wires the admin-surface pause/resume toggle in after
// construction, mirroring SetQueue's late-binding for the same reason: the
// gate and the httpapi.Server that exposes it are naturally constructed
// after the Orchestrator in main.go's wiring order.
func (o *Orchestrator) SetProactiveGate(gate ProactiveGate) {
	o.gate = gate
}

// SetQueue wires the event queue pool in after construction, breaking the
// constructor cycle between eventqueue.NewPool (which needs a Handler) and
// the Orchestrator (which needs the resulting *Pool): callers build the
// Orchestrator with a nil pool, construct the Pool with the Orchestrator as
// its Handler, then call SetQueue before serving traffic.
func (o *Orchestrator) SetQueue(p *eventqueue.Pool) {
	o.queue = p
}

func New(
	st Store,
	classifyCfg classifier.Config,
	w *windower.Windower,
	queue *eventqueue.Pool,
	assembler Assembler,
	model Generator,
	embeddings EmbeddingProvider,
	ext *extractor.Extractor,
	qualityMgr *quality.Manager,
	episodes EpisodeObserver,
	intentMonitor *intent.Monitor,
	trigger *proactive.Trigger,
	sender platform.Client,
	tools *ToolRegistry,
	agentID int64,
	cfg *config.Config,
) *Orchestrator {
	return &Orchestrator{
		store:       st,
		classifyCfg: classifyCfg,
		windower:    w,
		queue:       queue,
		assembler:   assembler,
		model:       model,
		embeddings:  embeddings,
		extractor:   ext,
		quality:     qualityMgr,
		episodes:    episodes,
		intent:      intentMonitor,
		trigger:     trigger,
		sender:      sender,
		tools:       tools,
		agentID:     agentID,
		enableAsync: cfg.Queue.EnableAsyncProcessing,
	}
}

// HandleInbound runs the full per-message pipeline in §4.L's order: persist
// + upsert profile, classify, feed the windower, then either drive an
// addressed reply or return and let the asynchronous window path handle
// learning and proactivity.
func (o *Orchestrator) HandleInbound(ctx context.Context, ev platform.InboundEvent) error {
	msg := models.Message{
		ID:               ev.MessageID,
		ChatID:           ev.ChatID,
		ThreadID:         ev.ThreadID,
		UserID:           ev.UserID,
		AuthorName:       ev.AuthorName,
		Text:             ev.Text,
		Media:            ev.MediaRefs,
		ReplyToMessageID: ev.ReplyToMessageID,
		Timestamp:        ev.Timestamp,
		IsFromSelf:       ev.IsFromSelf,
	}

	// 1. Persist M and upsert Profile.
	if err := o.store.CreateMessage(ctx, &msg); err != nil {
		return err
	}
	if !ev.IsFromSelf {
		if _, err := o.store.UpsertProfile(ctx, msg.UserID, msg.ChatID, msg.AuthorName); err != nil {
			slog.Warn("profile upsert failed", "error", err, "user_id", msg.UserID, "chat_id", msg.ChatID)
		}
	}

	if vec, hit, err := o.embeddings.Embed(ctx, msg.Text); err == nil {
		msg.Embedding = vec
		if !hit {
			_ = o.store.SetMessageEmbedding(ctx, msg.ID, vec)
		}
	} else {
		slog.Warn("message embedding failed, continuing without it", "error", err, "message_id", msg.ID)
	}

	o.episodes.Observe(ctx, msg)

	// 2. Classify M via C.
	addressing := classifier.AddressingContext{IsReplyToAgent: ev.IsReplyToAgent}
	label, _ := classifier.Classify(o.classifyCfg, msg, addressing)

	// 3. Feed M to D; if D emits a closed Window, enqueue WINDOW_CLOSED.
	if closed, didClose := o.windower.Add(msg, label); didClose {
		o.dispatchClosedWindow(ctx, *closed)
	}

	// 4/5. Addressed messages get an immediate reply and inline fact
	// extraction; everything else is handled by the asynchronous window path.
	// "Addressed" is narrower than the HIGH label: a question that merely
	// looks interesting is HIGH but not addressed, per §4.C/§4.L.
	if o.isAddressed(msg, addressing) {
		o.respondToAddressed(ctx, msg)
	}

	return nil
}

// isAddressed decides whether M directly targets the agent: a reply to the
// agent's own message, an @-mention handle, or a configured wake-word, per
// the glossary's "Addressed message" definition.
func (o *Orchestrator) isAddressed(msg models.Message, addressing classifier.AddressingContext) bool {
	if addressing.IsReplyToAgent {
		return true
	}
	lower := strings.ToLower(msg.Text)
	for _, handle := range o.classifyCfg.MentionHandles {
		if strings.Contains(lower, strings.ToLower(handle)) {
			return true
		}
	}
	for _, kw := range o.classifyCfg.AddressKeywords {
		if strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// dispatchClosedWindow persists the closed Window and enqueues it, honoring
// ENABLE_ASYNC_PROCESSING: when false, processing runs inline on the hot
// path instead of going through the event queue.
func (o *Orchestrator) dispatchClosedWindow(ctx context.Context, closed windower.ClosedWindow) {
	if err := o.store.PersistClosedWindow(ctx, &closed.Window); err != nil {
		slog.Error("failed to persist closed window", "error", err, "chat_id", closed.Window.ChatID)
		return
	}

	if !o.enableAsync {
		if err := o.HandleWindowClosed(ctx, closed, false); err != nil {
			slog.Error("inline window processing failed", "error", err, "window_id", closed.Window.ID)
		}
		return
	}

	if err := o.queue.Submit(closed); err != nil {
		if ae, ok := apperr.As(err); ok && ae.Code == apperr.ErrQueueFull {
			_ = o.store.MarkWindowSkipped(ctx, closed.Window.ID)
			slog.Warn("window closed event rejected by admission control", "window_id", closed.Window.ID)
			return
		}
		slog.Error("failed to enqueue closed window", "error", err, "window_id", closed.Window.ID)
	}
}

// respondToAddressed assembles context, drives the tool-calling loop, sends
// the reply (or a fallback on failure), and extracts facts from the
// addressed message inline with source=addressed.
func (o *Orchestrator) respondToAddressed(ctx context.Context, msg models.Message) {
	profile, err := o.store.GetProfile(ctx, msg.UserID, msg.ChatID)
	if err != nil {
		profile = nil
	}

	text, err := o.generateReply(ctx, msg, profile)
	if err != nil {
		slog.Error("addressed reply generation failed, sending fallback", "error", err, "message_id", msg.ID)
		text = fallbackReplyText
	}

	if _, err := o.sender.SendMessage(ctx, msg.ChatID, msg.ThreadID, text, &msg.ID); err != nil {
		slog.Error("failed to send addressed reply", "error", err, "message_id", msg.ID)
	}

	o.extractAndLearnInline(ctx, msg)
}

// generateReply runs the assemble -> generate -> (tool dispatch -> generate)*
// loop from §6's tool protocol, bounded at maxToolHops round trips.
func (o *Orchestrator) generateReply(ctx context.Context, msg models.Message, profile *models.Profile) (string, error) {
	assembled := o.assembler.Assemble(ctx, msg, profile)
	turns := make([]llm.Turn, 0, len(assembled.Turns))
	for _, t := range assembled.Turns {
		turns = append(turns, llm.Turn{Role: t.Role, Text: t.Text})
	}

	var toolDescriptors []llm.Tool
	if o.tools != nil {
		toolDescriptors = o.tools.Descriptors()
	}

	result, err := o.model.Generate(ctx, assembled.SystemPrefix, turns, toolDescriptors)
	if err != nil {
		return "", err
	}

	for hop := 0; hop < maxToolHops && len(result.ToolCalls) > 0; hop++ {
		for _, call := range result.ToolCalls {
			toolResult, dispatchErr := o.dispatchTool(ctx, call)
			turns = append(turns, llm.Turn{Role: "tool_result", Text: toolResult})
			_ = dispatchErr // already folded into toolResult as an error payload
		}
		result, err = o.model.Generate(ctx, assembled.SystemPrefix, turns, toolDescriptors)
		if err != nil {
			return "", err
		}
	}

	return result.Text, nil
}

func (o *Orchestrator) dispatchTool(ctx context.Context, call llm.ToolCall) (string, error) {
	if o.tools == nil {
		return errorToolResult("no tools registered"), apperr.New(apperr.ErrUnknownTool, "no tools registered")
	}
	result, err := o.tools.Dispatch(ctx, call)
	if err != nil {
		return errorToolResult(err.Error()), err
	}
	return result, nil
}

func errorToolResult(message string) string {
	payload, _ := json.Marshal(map[string]string{"error": message})
	return string(payload)
}

// extractAndLearnInline extracts facts from the single addressed message
// with source=addressed, per §4.L.4, and runs them through the Fact
// Quality Manager immediately rather than waiting for a window to close.
func (o *Orchestrator) extractAndLearnInline(ctx context.Context, msg models.Message) {
	if msg.IsFromSelf || msg.UserID == o.agentID {
		return
	}

	candidates := o.extractor.Extract(ctx, models.Window{ChatID: msg.ChatID}, []models.Message{msg}, false)
	for i := range candidates {
		candidates[i].Source = models.SourceAddressed
	}
	if len(candidates) == 0 {
		return
	}

	existing := o.loadExistingFactsForCandidates(ctx, msg.UserID, msg.ChatID, candidates)

	if err := o.quality.Process(ctx, msg.UserID, msg.ChatID, candidates, existing); err != nil {
		slog.Warn("inline fact quality processing failed", "error", err, "message_id", msg.ID)
	}
}

// loadExistingFactsForCandidates scopes the Fact Quality Manager's "existing"
// input to exactly the (type, key) pairs a candidate batch can dedup or
// conflict against, instead of the user's entire active-fact set — so facts
// the batch never touches don't get their decay clock reset every time any
// fact for that user is processed. It also loads previously-deactivated
// facts for the same pairs, so a rematch can reactivate one (§4.G.4's
// correction transition) instead of only ever comparing against active rows.
func (o *Orchestrator) loadExistingFactsForCandidates(ctx context.Context, userID, chatID int64, candidates []models.CandidateFact) []models.Fact {
	type typeKey struct {
		factType, key string
	}
	seen := make(map[typeKey]struct{})
	var pairs []typeKey
	for _, c := range candidates {
		tk := typeKey{c.Type, c.Key}
		if _, ok := seen[tk]; ok {
			continue
		}
		seen[tk] = struct{}{}
		pairs = append(pairs, tk)
	}

	var existing []models.Fact
	for _, tk := range pairs {
		active, err := o.store.GetActiveFactsByTypeKey(ctx, userID, chatID, tk.factType, tk.key)
		if err != nil {
			slog.Warn("could not load active facts for learning", "error", err, "user_id", userID, "type", tk.factType, "key", tk.key)
		} else {
			existing = append(existing, active...)
		}

		inactive, err := o.store.GetInactiveFactsByTypeKey(ctx, userID, chatID, tk.factType, tk.key)
		if err != nil {
			slog.Warn("could not load inactive facts for learning", "error", err, "user_id", userID, "type", tk.factType, "key", tk.key)
		} else {
			existing = append(existing, inactive...)
		}
	}
	return existing
}

// HandleWindowClosed implements eventqueue.Handler: it runs the Fact
// Extractor and Fact Quality Manager over a closed Window's member
// messages, then the Intent Classifier and Proactive Trigger, skipping the
// latter two entirely when the LLM breaker is open, per §4.E.
func (o *Orchestrator) HandleWindowClosed(ctx context.Context, cw windower.ClosedWindow, llmBreakerOpen bool) error {
	window := cw.Window
	messages, err := o.loadWindowMessages(ctx, window)
	if err != nil {
		return err
	}

	if len(messages) == 0 {
		return o.store.MarkWindowProcessed(ctx, window.ID)
	}

	hasMediumOrHigh := false
	for _, m := range messages {
		label, _ := classifier.Classify(o.classifyCfg, m, classifier.AddressingContext{})
		if label == models.ValueMedium || label == models.ValueHigh {
			hasMediumOrHigh = true
			break
		}
	}

	candidates := o.extractor.Extract(ctx, window, messages, hasMediumOrHigh && !llmBreakerOpen)
	for _, uid := range window.Participants {
		var userCandidates []models.CandidateFact
		for _, c := range candidates {
			if c.UserID == uid {
				c.Source = models.SourceWindow
				userCandidates = append(userCandidates, c)
			}
		}
		if len(userCandidates) == 0 {
			continue
		}
		existing := o.loadExistingFactsForCandidates(ctx, uid, window.ChatID, userCandidates)
		if err := o.quality.Process(ctx, uid, window.ChatID, userCandidates, existing); err != nil {
			slog.Warn("window fact quality processing failed", "error", err, "window_id", window.ID, "user_id", uid)
		}
	}

	if err := o.store.MarkWindowProcessed(ctx, window.ID); err != nil {
		return err
	}

	if llmBreakerOpen {
		return nil
	}

	if o.gate != nil && o.gate.Paused() {
		return nil
	}

	intentResult := o.intent.Classify(ctx, window, messages)
	if o.trigger == nil {
		return nil
	}
	if _, err := o.trigger.Evaluate(ctx, window, messages, intentResult.Intent, intentResult.Confidence); err != nil {
		slog.Warn("proactive trigger evaluation failed", "error", err, "window_id", window.ID)
	}
	o.intent.Forget(window.ID)
	return nil
}

// HandleEpisodeTick implements eventqueue.Handler for the periodic
// EPISODE_TICK event: it runs one sweep of the Episode Monitor.
func (o *Orchestrator) HandleEpisodeTick(ctx context.Context) error {
	o.episodes.Sweep(ctx)
	return nil
}

func (o *Orchestrator) loadWindowMessages(ctx context.Context, window models.Window) ([]models.Message, error) {
	var messages []models.Message
	for id := window.FirstMessageID; id <= window.LastMessageID; id++ {
		m, err := o.store.GetMessage(ctx, id)
		if err != nil {
			if ae, ok := apperr.As(err); ok && ae.Code == apperr.ErrNotFound {
				continue
			}
			return nil, err
		}
		if m.ChatID != window.ChatID {
			continue
		}
		messages = append(messages, *m)
	}
	return messages, nil
}

// RunWindowSweeper periodically closes OPEN windows whose inactivity
// timeout has elapsed, since the Windower only checks timeouts when Add is
// called and a quiet chat would otherwise never close its window. Each
// closed window is dispatched exactly as an Add-triggered closure would be.
func (o *Orchestrator) RunWindowSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, closed := range o.windower.SweepTimeouts() {
				o.dispatchClosedWindow(ctx, closed)
			}
		}
	}
}

// RunEpisodeSweeper runs the Episode Monitor's periodic sweep on the
// interval configured for it, until ctx is cancelled. With async processing
// enabled it submits an EPISODE_TICK event each time, per §4.H; otherwise
// it runs the sweep inline.
func (o *Orchestrator) RunEpisodeSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if o.enableAsync {
				if err := o.queue.SubmitEpisodeTick(); err != nil {
					slog.Warn("episode tick enqueue failed", "error", err)
				}
				continue
			}
			if err := o.HandleEpisodeTick(ctx); err != nil {
				slog.Warn("inline episode tick failed", "error", err)
			}
		}
	}
}

// Shutdown flushes all OPEN windows as CLOSED with reason shutdown, per
// §5's cooperative shutdown sequence, and persists them before returning.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	for _, closed := range o.windower.FlushAll() {
		if err := o.store.PersistClosedWindow(ctx, &closed.Window); err != nil {
			slog.Error("failed to persist window during shutdown flush", "error", err)
			continue
		}
		if err := o.HandleWindowClosed(ctx, closed, false); err != nil {
			slog.Error("failed to process window during shutdown flush", "error", err)
		}
	}
	o.episodes.FlushAll(ctx)
}
