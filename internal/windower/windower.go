// Package windower implements the Conversation Windower (Component D): an
// in-memory map from (chat_id, thread_id) to at most one OPEN Window,
// closing windows on size, timeout, or an explicit shutdown flush. It holds
// no persistence of its own — closed windows are hand off to the caller,
// which owns writing them to the Fact Store and enqueuing them on the
// Event Queue, mirroring the teacher's PoolManager pattern of a small
// struct guarding shared state behind a mutex rather than one goroutine
// per key.
package windower

import (
	"sync"
	"time"

	"github.com/chatmemory/agentcore/internal/config"
	"github.com/chatmemory/agentcore/internal/models"
)

// Priority is the queue priority a closed Window is emitted with, derived
// from its dominant Value label.
type Priority int

const (
	PriorityHigh   Priority = 1
	PriorityMedium Priority = 2
	PriorityLow    Priority = 3
)

// ClosedWindow pairs a closed Window with the priority E should enqueue it at.
type ClosedWindow struct {
	Window   models.Window
	Priority Priority
}

type windowKey struct {
	chatID   int64
	threadID int64 // 0 means no thread
}

// openWindow is the Windower's live accumulator for one key. It tracks
// enough to both derive message_count/participants/dominant_value and to
// decide closure without re-reading the Fact Store.
type openWindow struct {
	firstMessageID int64
	lastMessageID  int64
	messageCount   int
	participants   map[int64]struct{}
	openedAt       time.Time
	highestValue   models.Value
}

// Windower owns the OPEN-window map. Safe for concurrent use across the
// goroutines handling inbound messages for different chats.
type Windower struct {
	mu       sync.Mutex
	open     map[windowKey]*openWindow
	size     int
	timeout  time.Duration
}

func New(cfg *config.Config) *Windower {
	return &Windower{
		open:    make(map[windowKey]*openWindow),
		size:    cfg.Windower.Size,
		timeout: time.Duration(cfg.Windower.TimeoutSeconds) * time.Second,
	}
}

func keyFor(chatID int64, threadID *int64) windowKey {
	if threadID == nil {
		return windowKey{chatID: chatID}
	}
	return windowKey{chatID: chatID, threadID: *threadID}
}

// Add appends a non-NOISE Message to the matching OPEN window, opening one
// if none exists. It returns a ClosedWindow if the addition causes the
// window to close.
func (w *Windower) Add(msg models.Message, label models.Value) (*ClosedWindow, bool) {
	if label == models.ValueNoise {
		return nil, false
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	key := keyFor(msg.ChatID, msg.ThreadID)
	ow, exists := w.open[key]
	if !exists {
		ow = &openWindow{
			firstMessageID: msg.ID,
			participants:   make(map[int64]struct{}),
			openedAt:       msg.Timestamp,
			highestValue:   models.ValueLow,
		}
		w.open[key] = ow
	}

	ow.lastMessageID = msg.ID
	ow.messageCount++
	ow.participants[msg.UserID] = struct{}{}
	if rank(label) > rank(ow.highestValue) {
		ow.highestValue = label
	}

	reason, shouldClose := w.closureReason(ow, msg.Timestamp)
	if !shouldClose {
		return nil, false
	}

	closed := w.finalize(key, ow, reason)
	return closed, true
}

// closureReason implements the tie-break rule: size wins when both size and
// timeout trigger at once.
func (w *Windower) closureReason(ow *openWindow, now time.Time) (models.ClosureReason, bool) {
	if ow.messageCount >= w.size {
		return models.ClosureSize, true
	}
	if now.Sub(ow.openedAt) >= w.timeout {
		return models.ClosureTimeout, true
	}
	return "", false
}

func (w *Windower) finalize(key windowKey, ow *openWindow, reason models.ClosureReason) *ClosedWindow {
	delete(w.open, key)

	participants := make([]int64, 0, len(ow.participants))
	for uid := range ow.participants {
		participants = append(participants, uid)
	}

	now := time.Now()
	var threadID *int64
	if key.threadID != 0 {
		threadID = &key.threadID
	}

	window := models.Window{
		ChatID:         key.chatID,
		ThreadID:       threadID,
		FirstMessageID: ow.firstMessageID,
		LastMessageID:  ow.lastMessageID,
		MessageCount:   ow.messageCount,
		Participants:   participants,
		OpenedAt:       ow.openedAt,
		ClosedAt:       &now,
		ClosureReason:  reason,
		DominantValue:  ow.highestValue,
	}

	return &ClosedWindow{Window: window, Priority: priorityFor(ow.highestValue)}
}

// SweepTimeouts closes every OPEN window whose timeout has elapsed. Called
// periodically by the caller's scheduling loop, since no per-window timer
// goroutine is spawned.
func (w *Windower) SweepTimeouts() []ClosedWindow {
	w.mu.Lock()
	defer w.mu.Unlock()

	var closed []ClosedWindow
	now := time.Now()
	for key, ow := range w.open {
		if now.Sub(ow.openedAt) >= w.timeout {
			cw := w.finalize(key, ow, models.ClosureTimeout)
			closed = append(closed, *cw)
		}
	}
	return closed
}

// FlushAll force-closes every OPEN window on shutdown.
func (w *Windower) FlushAll() []ClosedWindow {
	w.mu.Lock()
	defer w.mu.Unlock()

	closed := make([]ClosedWindow, 0, len(w.open))
	for key, ow := range w.open {
		cw := w.finalize(key, ow, models.ClosureShutdown)
		closed = append(closed, *cw)
	}
	return closed
}

// OpenCount reports how many windows are currently accumulating, used by
// admin/health reporting.
func (w *Windower) OpenCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.open)
}

func rank(v models.Value) int {
	switch v {
	case models.ValueHigh:
		return 3
	case models.ValueMedium:
		return 2
	case models.ValueLow:
		return 1
	default:
		return 0
	}
}

func priorityFor(v models.Value) Priority {
	switch v {
	case models.ValueHigh:
		return PriorityHigh
	case models.ValueMedium:
		return PriorityMedium
	default:
		return PriorityLow
	}
}
