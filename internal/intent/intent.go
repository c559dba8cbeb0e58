// Package intent implements the Intent Classifier (Component J): a single
// external-model call that infers one of {QUESTION, REQUEST, PROBLEM,
// OPPORTUNITY, NONE} plus a confidence for a closed Window, cached by
// window_id so the Proactive Trigger's decision stays idempotent under
// retry. It follows the episode monitor's generate_structured call shape,
// generalized from a summarization prompt to a classification prompt.
package intent

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"

	"github.com/chatmemory/agentcore/internal/models"
)

// Classifier is the subset of internal/llm.Client the intent classifier needs.
type Classifier interface {
	GenerateStructured(ctx context.Context, prompt string, schema json.RawMessage, dest interface{}) error
}

// Result is the cached outcome of classifying one Window.
type Result struct {
	Intent     models.IntentType
	Confidence float64
}

// Monitor mirrors the spec's naming (Component J is the "Intent Classifier")
// but per-window caching requires holding state, so this is a struct rather
// than a free function, matching the Episode Monitor's shape.
type Monitor struct {
	model        Classifier
	capabilities []string

	mu    sync.Mutex
	cache map[int64]Result
}

func New(model Classifier, capabilities []string) *Monitor {
	return &Monitor{
		model:        model,
		capabilities: capabilities,
		cache:        make(map[int64]Result),
	}
}

type intentResponse struct {
	Intent     string  `json:"intent"`
	Confidence float64 `json:"confidence"`
}

var intentSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"intent": {"type": "string", "enum": ["QUESTION", "REQUEST", "PROBLEM", "OPPORTUNITY", "NONE"]},
		"confidence": {"type": "number", "minimum": 0, "maximum": 1}
	},
	"required": ["intent", "confidence"]
}`)

// Classify returns the cached Result for windowID if this Window has
// already been classified, otherwise calls the external model once and
// caches the outcome (including malformed-output fallbacks) so that a
// retried Proactive Trigger decision for the same window never re-asks the
// model or derives a different intent.
func (m *Monitor) Classify(ctx context.Context, window models.Window, messages []models.Message) Result {
	m.mu.Lock()
	if cached, ok := m.cache[window.ID]; ok {
		m.mu.Unlock()
		return cached
	}
	m.mu.Unlock()

	result := m.classifyUncached(ctx, window, messages)

	m.mu.Lock()
	m.cache[window.ID] = result
	m.mu.Unlock()

	return result
}

func (m *Monitor) classifyUncached(ctx context.Context, window models.Window, messages []models.Message) Result {
	var sb strings.Builder
	sb.WriteString("Agent capabilities: ")
	sb.WriteString(strings.Join(m.capabilities, ", "))
	sb.WriteString("\nConversation:\n")
	for _, msg := range messages {
		sb.WriteString(msg.AuthorName)
		sb.WriteString(": ")
		sb.WriteString(msg.Text)
		sb.WriteString("\n")
	}
	prompt := "Classify the conversational intent of this window as QUESTION, REQUEST, PROBLEM, OPPORTUNITY, or NONE:\n" + sb.String()

	var resp intentResponse
	if err := m.model.GenerateStructured(ctx, prompt, intentSchema, &resp); err != nil {
		slog.Warn("intent classification failed, defaulting to NONE", "error", err, "window_id", window.ID)
		return Result{Intent: models.IntentNone, Confidence: 0}
	}

	intentType := models.IntentType(resp.Intent)
	switch intentType {
	case models.IntentQuestion, models.IntentRequest, models.IntentProblem, models.IntentOpportunity, models.IntentNone:
	default:
		slog.Warn("intent classifier returned unrecognized intent, defaulting to NONE", "raw", resp.Intent, "window_id", window.ID)
		return Result{Intent: models.IntentNone, Confidence: 0}
	}

	confidence := resp.Confidence
	if confidence < 0 {
		confidence = 0
	} else if confidence > 1 {
		confidence = 1
	}
	if intentType == models.IntentNone {
		confidence = 0
	}

	return Result{Intent: intentType, Confidence: confidence}
}

// Forget evicts a window's cached result, used once the window's processing
// lifecycle is fully complete so the cache does not grow unbounded.
func (m *Monitor) Forget(windowID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cache, windowID)
}

// CacheSize reports the number of cached window classifications, used by
// admin/health reporting.
func (m *Monitor) CacheSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.cache)
}
