// Package episode implements the Episode Monitor (Component H): a
// per-(chat, thread) rolling buffer of messages that finalizes into a
// durable Episode on inactivity or size, summarized by one call to the
// external model. It mirrors the Windower's mutex-guarded map of live
// accumulators, generalized from a closure-only buffer into one that also
// calls out to a model before handing off its finalized result.
package episode

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/chatmemory/agentcore/internal/config"
	"github.com/chatmemory/agentcore/internal/models"
)

// Summarizer is the subset of internal/llm.Client the monitor needs.
type Summarizer interface {
	GenerateStructured(ctx context.Context, prompt string, schema json.RawMessage, dest interface{}) error
}

// Store is the subset of internal/store.DB the monitor persists through.
type Store interface {
	CreateEpisode(ctx context.Context, e *models.Episode) error
}

type bufferKey struct {
	chatID   int64
	threadID int64
}

// buffer is the live accumulator for one (chat, thread).
type buffer struct {
	messages     []models.Message
	participants map[int64]struct{}
	openedAt     time.Time
	lastActivity time.Time
}

// Monitor owns the per-(chat, thread) buffer map.
type Monitor struct {
	mu            sync.Mutex
	buffers       map[bufferKey]*buffer
	inactivity    time.Duration
	maxSize       int
	summarizer    Summarizer
	store         Store
}

func New(cfg *config.Config, summarizer Summarizer, store Store) *Monitor {
	return &Monitor{
		buffers:    make(map[bufferKey]*buffer),
		inactivity: time.Duration(cfg.Episode.InactivityTimeoutSeconds) * time.Second,
		maxSize:    cfg.Episode.MaxBufferSize,
		summarizer: summarizer,
		store:      store,
	}
}

func keyFor(chatID int64, threadID *int64) bufferKey {
	if threadID == nil {
		return bufferKey{chatID: chatID}
	}
	return bufferKey{chatID: chatID, threadID: *threadID}
}

// Observe appends a message to the matching buffer, opening one if none
// exists, and finalizes it immediately if the buffer has reached max size.
// Finalization failures leave the buffer in place for the next sweep.
func (m *Monitor) Observe(ctx context.Context, msg models.Message) {
	m.mu.Lock()
	key := keyFor(msg.ChatID, msg.ThreadID)
	b, exists := m.buffers[key]
	if !exists {
		b = &buffer{participants: make(map[int64]struct{}), openedAt: msg.Timestamp}
		m.buffers[key] = b
	}
	b.messages = append(b.messages, msg)
	b.participants[msg.UserID] = struct{}{}
	b.lastActivity = msg.Timestamp

	shouldFinalize := len(b.messages) >= m.maxSize
	m.mu.Unlock()

	if shouldFinalize {
		m.finalizeKey(ctx, key)
	}
}

// Sweep finalizes every buffer whose inactivity timeout has elapsed. Called
// periodically by the caller's scheduling loop.
func (m *Monitor) Sweep(ctx context.Context) {
	now := time.Now()

	m.mu.Lock()
	var due []bufferKey
	for key, b := range m.buffers {
		if now.Sub(b.lastActivity) >= m.inactivity {
			due = append(due, key)
		}
	}
	m.mu.Unlock()

	for _, key := range due {
		m.finalizeKey(ctx, key)
	}
}

// finalizeKey summarizes and persists the buffer at key, leaving it in
// place on failure so the next sweep retries.
func (m *Monitor) finalizeKey(ctx context.Context, key bufferKey) {
	m.mu.Lock()
	b, exists := m.buffers[key]
	if !exists {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	episode, err := m.summarize(ctx, key, b)
	if err != nil {
		slog.Warn("episode summarization failed, leaving buffer for retry", "chat_id", key.chatID, "error", err)
		return
	}

	if err := m.store.CreateEpisode(ctx, episode); err != nil {
		slog.Warn("episode persistence failed, leaving buffer for retry", "chat_id", key.chatID, "error", err)
		return
	}

	m.mu.Lock()
	delete(m.buffers, key)
	m.mu.Unlock()
}

type summaryResponse struct {
	Topic            string   `json:"topic"`
	Summary          string   `json:"summary"`
	EmotionalValence string   `json:"emotional_valence"`
	Importance       float64  `json:"importance"`
	Tags             []string `json:"tags"`
}

var episodeSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"topic": {"type": "string"},
		"summary": {"type": "string"},
		"emotional_valence": {"type": "string", "enum": ["positive", "negative", "neutral", "mixed"]},
		"importance": {"type": "number", "minimum": 0, "maximum": 1},
		"tags": {"type": "array", "items": {"type": "string"}}
	},
	"required": ["topic", "summary", "emotional_valence", "importance"]
}`)

func (m *Monitor) summarize(ctx context.Context, key bufferKey, b *buffer) (*models.Episode, error) {
	var sb strings.Builder
	messageIDs := make([]int64, 0, len(b.messages))
	for _, msg := range b.messages {
		fmt.Fprintf(&sb, "%s: %s\n", msg.AuthorName, msg.Text)
		messageIDs = append(messageIDs, msg.ID)
	}

	var resp summaryResponse
	err := m.summarizer.GenerateStructured(ctx, sb.String(), episodeSchema, &resp)
	if err != nil {
		return nil, err
	}

	valence := models.EmotionalValence(resp.EmotionalValence)
	switch valence {
	case models.ValencePositive, models.ValenceNegative, models.ValenceNeutral, models.ValenceMixed:
	default:
		valence = models.ValenceNeutral
	}

	importance := resp.Importance
	if importance < 0 {
		importance = 0
	} else if importance > 1 {
		importance = 1
	}

	participants := make([]int64, 0, len(b.participants))
	for uid := range b.participants {
		participants = append(participants, uid)
	}

	var threadID *int64
	if key.threadID != 0 {
		threadID = &key.threadID
	}

	return &models.Episode{
		ChatID:           key.chatID,
		ThreadID:         threadID,
		Topic:            resp.Topic,
		Summary:          resp.Summary,
		MessageIDs:       messageIDs,
		Participants:     participants,
		Importance:       importance,
		EmotionalValence: valence,
		Tags:             resp.Tags,
	}, nil
}

// BufferCount reports how many buffers are currently accumulating, used by
// admin/health reporting.
func (m *Monitor) BufferCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buffers)
}

// FlushAll force-finalizes every buffer on shutdown, best-effort: failures
// are logged by finalizeKey and the failed buffer stays in the map, as it
// does after any failed finalization.
func (m *Monitor) FlushAll(ctx context.Context) {
	m.mu.Lock()
	keys := make([]bufferKey, 0, len(m.buffers))
	for key := range m.buffers {
		keys = append(keys, key)
	}
	m.mu.Unlock()

	for _, key := range keys {
		m.finalizeKey(ctx, key)
	}
}
