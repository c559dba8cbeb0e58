// Package proactive implements the Proactive Trigger (Component K): a
// strict ordered sequence of checks that decides SEND vs SUPPRESS for a
// closed Window and, on SEND, regenerates and sends an unsolicited reply.
// Each check's failure short-circuits the remaining checks and records a
// block_reason, per §4.K. It is grounded on the same ordered-guard style
// the teacher applies to auth/session validation in internal/auth/auth.go,
// generalized from a single pass/fail gate into a ten-stage decision chain.
package proactive

import (
	"context"
	"log/slog"
	"time"

	"github.com/chatmemory/agentcore/internal/config"
	"github.com/chatmemory/agentcore/internal/llm"
	"github.com/chatmemory/agentcore/internal/models"
)

// Store is the subset of internal/store.DB the trigger reads/writes.
type Store interface {
	GetLastSentProactiveEvent(ctx context.Context, chatID int64) (*models.ProactiveEvent, error)
	GetUserProactiveEvents(ctx context.Context, chatID int64, since time.Time, limit int) ([]models.ProactiveEvent, error)
	CountSentSince(ctx context.Context, chatID int64, since time.Time) (int, error)
	CreateProactiveEvent(ctx context.Context, e *models.ProactiveEvent) error
	GetMessage(ctx context.Context, id int64) (*models.Message, error)
	GetProfile(ctx context.Context, userID, chatID int64) (*models.Profile, error)
}

// ContextAssembler is the subset of internal/contextassembler.Assembler the
// trigger needs to build a reply over the window's last message.
type ContextAssembler interface {
	Assemble(ctx context.Context, msg models.Message, profile *models.Profile) models.AssembledContext
}

// ModelGenerator is the subset of internal/llm.Client the trigger needs to
// regenerate a reply.
type ModelGenerator interface {
	Generate(ctx context.Context, systemPrefix string, turns []llm.Turn, tools []llm.Tool) (*llm.GenerateResult, error)
}

// Sender delivers the outbound reply through the messaging-platform client.
type Sender interface {
	SendMessage(ctx context.Context, chatID int64, threadID *int64, text string, replyTo *int64) (int64, error)
}

// Decision is the trigger's full verdict, including enough detail for the
// orchestrator to log and for tests to assert against.
type Decision struct {
	Outcome            models.ProactiveDecision
	BlockReason        string
	IntentType         models.IntentType
	IntentConfidence   float64
	AdjustedConfidence float64
}

const (
	reasonDisabled             = "feature_disabled"
	reasonWindowTooSmall       = "window_too_small"
	reasonAgentAuthored        = "agent_authored_in_window"
	reasonStale                = "window_stale"
	reasonIntentNone           = "intent_none"
	reasonGlobalCooldown       = "global_cooldown"
	reasonUserCooldown         = "user_cooldown"
	reasonIntentCooldown       = "intent_cooldown"
	reasonHourlyRateLimit      = "hourly_rate_limit"
	reasonDailyRateLimit       = "daily_rate_limit"
	reasonConsecutiveIgnored   = "consecutive_ignored"
	reasonBelowMinConfidence   = "below_min_confidence"
)

// Trigger decides whether to inject an unsolicited reply for a closed
// Window and, on SEND, performs the send and persists the decision.
type Trigger struct {
	store      Store
	assembler  ContextAssembler
	model      ModelGenerator
	sender     Sender
	agentID    int64
	cfg        config.ProactiveConfig
}

func New(store Store, assembler ContextAssembler, model ModelGenerator, sender Sender, agentID int64, cfg config.ProactiveConfig) *Trigger {
	return &Trigger{store: store, assembler: assembler, model: model, sender: sender, agentID: agentID, cfg: cfg}
}

// Evaluate runs the ten ordered checks from §4.K against a closed Window
// plus its already-classified intent, and on SEND regenerates and sends the
// reply, persisting the resulting Proactive Event either way.
func (t *Trigger) Evaluate(ctx context.Context, window models.Window, messages []models.Message, intentType models.IntentType, intentConfidence float64) (Decision, error) {
	decision := t.decide(ctx, window, messages, intentType, intentConfidence)

	event := &models.ProactiveEvent{
		ChatID:             window.ChatID,
		WindowID:           window.ID,
		IntentType:         decision.IntentType,
		IntentConfidence:   decision.IntentConfidence,
		AdjustedConfidence: decision.AdjustedConfidence,
		Decision:           decision.Outcome,
		BlockReason:        decision.BlockReason,
	}

	if decision.Outcome == models.DecisionSend {
		responseID, err := t.sendReply(ctx, window, messages)
		if err != nil {
			slog.Warn("proactive reply send failed, recording as suppressed", "error", err, "window_id", window.ID)
			decision.Outcome = models.DecisionSuppress
			decision.BlockReason = "send_failed"
			event.Decision = decision.Outcome
			event.BlockReason = decision.BlockReason
		} else {
			event.ResponseMessageID = &responseID
		}
	}

	if err := t.store.CreateProactiveEvent(ctx, event); err != nil {
		return decision, err
	}
	return decision, nil
}

func (t *Trigger) decide(ctx context.Context, window models.Window, messages []models.Message, intentType models.IntentType, intentConfidence float64) Decision {
	base := Decision{IntentType: intentType, IntentConfidence: intentConfidence}

	// 1. Feature enabled.
	if !t.cfg.Enabled {
		return suppress(base, reasonDisabled)
	}

	// 2. message_count >= 3.
	if window.MessageCount < 3 {
		return suppress(base, reasonWindowTooSmall)
	}

	// 3. Agent did not author any message in the window.
	for _, m := range messages {
		if m.IsFromSelf || m.UserID == t.agentID {
			return suppress(base, reasonAgentAuthored)
		}
	}

	// 4. Window's last message age <= 300s.
	lastMessage := lastMessageOf(messages)
	if lastMessage == nil {
		return suppress(base, reasonWindowTooSmall)
	}
	if time.Since(lastMessage.Timestamp) > 300*time.Second {
		return suppress(base, reasonStale)
	}

	// 5. Intent != NONE.
	if intentType == models.IntentNone {
		return suppress(base, reasonIntentNone)
	}

	now := time.Now()

	// 6. Global cooldown: no SENT event in this chat in the last 300s.
	lastSent, err := t.store.GetLastSentProactiveEvent(ctx, window.ChatID)
	if err != nil {
		slog.Warn("proactive trigger could not read last sent event, suppressing conservatively", "error", err)
		return suppress(base, reasonGlobalCooldown)
	}
	if lastSent != nil && now.Sub(lastSent.CreatedAt) < time.Duration(t.cfg.GlobalCooldownSeconds)*time.Second {
		return suppress(base, reasonGlobalCooldown)
	}

	// 7. Per-user cooldown for the window's primary participant (the
	// author of its last message). §3's Proactive Event carries no user_id
	// of its own, so the per-user window is approximated over the same
	// chat-scoped SEND history the global cooldown reads, at the per-user
	// interval.
	userEvents, err := t.store.GetUserProactiveEvents(ctx, window.ChatID, now.Add(-365*24*time.Hour), 500)
	if err != nil {
		slog.Warn("proactive trigger could not read event history, suppressing conservatively", "error", err)
		return suppress(base, reasonUserCooldown)
	}
	if lastSent != nil && now.Sub(lastSent.CreatedAt) < time.Duration(t.cfg.UserCooldownSeconds)*time.Second {
		return suppress(base, reasonUserCooldown)
	}

	// 8. Per-intent cooldown for the same chat.
	for _, e := range userEvents {
		if e.Decision == models.DecisionSend && e.IntentType == intentType &&
			now.Sub(e.CreatedAt) < time.Duration(t.cfg.IntentCooldownSeconds)*time.Second {
			return suppress(base, reasonIntentCooldown)
		}
	}

	// 9. Hourly and daily rate limits.
	hourlyCount, err := t.store.CountSentSince(ctx, window.ChatID, now.Add(-time.Hour))
	if err != nil {
		return suppress(base, reasonHourlyRateLimit)
	}
	if hourlyCount >= t.cfg.HourlyRateLimit {
		return suppress(base, reasonHourlyRateLimit)
	}
	dailyCount, err := t.store.CountSentSince(ctx, window.ChatID, now.Add(-24*time.Hour))
	if err != nil {
		return suppress(base, reasonDailyRateLimit)
	}
	if dailyCount >= t.cfg.DailyRateLimit {
		return suppress(base, reasonDailyRateLimit)
	}

	// 10. User preference multiplier.
	mu, consecutiveIgnoredTripped := preferenceMultiplier(userEvents)
	if consecutiveIgnoredTripped {
		return suppress(base, reasonConsecutiveIgnored)
	}
	adjusted := intentConfidence * mu
	base.AdjustedConfidence = adjusted
	if adjusted < t.cfg.MinConfidence {
		return suppress(base, reasonBelowMinConfidence)
	}

	base.Outcome = models.DecisionSend
	return base
}

// preferenceMultiplier implements §4.K.10's reaction-history scoring: a
// base multiplier of 1.0 adjusted by reaction ratios over the user's SENT
// proactive event history, with an immediate-suppress override for three or
// more consecutive IGNORED reactions (most recent first).
func preferenceMultiplier(events []models.ProactiveEvent) (mu float64, consecutiveIgnored bool) {
	var sent []models.ProactiveEvent
	for _, e := range events {
		if e.Decision == models.DecisionSend && e.UserReaction != nil {
			sent = append(sent, e)
		}
	}
	if len(sent) == 0 {
		return 1.0, false
	}

	consecutive := 0
	for _, e := range sent {
		if *e.UserReaction == models.ReactionIgnored {
			consecutive++
			if consecutive >= 3 {
				return 0, true
			}
		} else {
			break
		}
	}

	var positive, negative, ignored int
	for _, e := range sent {
		switch *e.UserReaction {
		case models.ReactionPositive:
			positive++
		case models.ReactionNegative:
			negative++
		case models.ReactionIgnored:
			ignored++
		}
	}
	total := float64(len(sent))
	mu = 1.0

	posRatio := float64(positive) / total
	if posRatio >= 0.5 {
		mu += 0.3
	} else if posRatio >= 0.3 {
		mu += 0.1
	}

	negRatio := float64(negative) / total
	if negRatio >= 0.2 {
		mu -= 0.5
	} else if negRatio >= 0.1 {
		mu -= 0.3
	}

	ignoredRatio := float64(ignored) / total
	if ignoredRatio >= 0.6 {
		mu -= 0.4
	} else if ignoredRatio >= 0.4 {
		mu -= 0.2
	}

	if mu < 0 {
		mu = 0
	} else if mu > 2 {
		mu = 2
	}
	return mu, false
}

func (t *Trigger) sendReply(ctx context.Context, window models.Window, messages []models.Message) (int64, error) {
	last := lastMessageOf(messages)
	if last == nil {
		return 0, nil
	}
	profile, err := t.store.GetProfile(ctx, last.UserID, window.ChatID)
	if err != nil {
		profile = nil
	}

	assembled := t.assembler.Assemble(ctx, *last, profile)
	turns := make([]llm.Turn, 0, len(assembled.Turns))
	for _, turn := range assembled.Turns {
		turns = append(turns, llm.Turn{Role: turn.Role, Text: turn.Text})
	}

	result, err := t.model.Generate(ctx, assembled.SystemPrefix, turns, nil)
	if err != nil {
		return 0, err
	}

	return t.sender.SendMessage(ctx, window.ChatID, window.ThreadID, result.Text, &last.ID)
}

func lastMessageOf(messages []models.Message) *models.Message {
	if len(messages) == 0 {
		return nil
	}
	last := messages[0]
	for _, m := range messages[1:] {
		if m.Timestamp.After(last.Timestamp) {
			last = m
		}
	}
	return &last
}

func suppress(d Decision, reason string) Decision {
	d.Outcome = models.DecisionSuppress
	d.BlockReason = reason
	return d
}
