// Package extractor implements the Fact Extractor (Component F): a
// two-stage hybrid that always runs a rule stage over each participant's
// text and conditionally augments it with a model stage, following the
// teacher's pattern of a cheap deterministic path plus an optional
// external-model call whose failure never fails the surrounding request
// (mirrors RAGClient's non-fatal degrade in internal/services/rag_client.go).
package extractor

import (
	"context"
	"encoding/json"
	"log/slog"
	"regexp"
	"strings"

	"github.com/chatmemory/agentcore/internal/models"
)

// MessageProvider supplies the text of the Window's member messages; the
// extractor itself holds no store dependency.
type MessageProvider interface {
	GetMessage(ctx context.Context, id int64) (*models.Message, error)
}

// ModelCaller is the subset of internal/llm.Client the model stage needs.
type ModelCaller interface {
	GenerateStructured(ctx context.Context, prompt string, schema json.RawMessage, dest interface{}) error
}

type Extractor struct {
	messages MessageProvider
	model    ModelCaller
	agentID  int64
}

func New(messages MessageProvider, model ModelCaller, agentID int64) *Extractor {
	return &Extractor{messages: messages, model: model, agentID: agentID}
}

var (
	locationPattern   = regexp.MustCompile(`(?i)\bi(?:'m| am)? (?:currently )?(?:living|based|located) in ([a-z][a-z\s]{2,30})`)
	languagePattern   = regexp.MustCompile(`(?i)\bi (?:speak|code in|write|program in) ([a-z][a-z+#.\s]{1,20})`)
	professionPattern = regexp.MustCompile(`(?i)\bi(?:'m| am) an? ([a-z][a-z\s]{0,30}(?:engineer|developer|designer|manager|founder|student|teacher|writer|artist))`)
	likesPattern      = regexp.MustCompile(`(?i)\bi (?:really )?(?:like|love|enjoy) ([a-z][a-z0-9+#.\s]{1,30})`)
	dislikesPattern   = regexp.MustCompile(`(?i)\bi (?:really )?(?:hate|dislike|can't stand) ([a-z][a-z0-9+#.\s]{1,30})`)
)

// Extract runs both stages over the closed Window's member messages and
// returns the combined candidate list. model failures degrade silently.
func (e *Extractor) Extract(ctx context.Context, window models.Window, messages []models.Message, hasMediumOrHigh bool) []models.CandidateFact {
	var candidates []models.CandidateFact
	candidates = append(candidates, e.ruleStage(messages)...)

	if hasMediumOrHigh {
		modelCandidates, err := e.modelStage(ctx, window, messages)
		if err != nil {
			slog.Warn("fact extractor model stage failed, using rule output only", "error", err, "window_id", window.ID)
		} else {
			candidates = append(candidates, modelCandidates...)
		}
	}

	return candidates
}

// ruleStage is pattern-driven extraction over each participant's text,
// confidence fixed within [0.7, 0.95] per pattern specificity.
func (e *Extractor) ruleStage(messages []models.Message) []models.CandidateFact {
	var out []models.CandidateFact
	for _, msg := range messages {
		if msg.IsFromSelf || msg.UserID == e.agentID {
			continue
		}
		out = append(out, matchFact(msg, "location", locationPattern, 0.85)...)
		out = append(out, matchFact(msg, "language", languagePattern, 0.8)...)
		out = append(out, matchFact(msg, "profession", professionPattern, 0.85)...)
		out = append(out, matchFact(msg, "likes", likesPattern, 0.75)...)
		out = append(out, matchFact(msg, "dislikes", dislikesPattern, 0.75)...)
	}
	return out
}

func matchFact(msg models.Message, factType string, pattern *regexp.Regexp, confidence float64) []models.CandidateFact {
	m := pattern.FindStringSubmatch(msg.Text)
	if m == nil {
		return nil
	}
	value := strings.TrimSpace(m[1])
	if value == "" {
		return nil
	}
	return []models.CandidateFact{{
		UserID:            msg.UserID,
		ChatID:            msg.ChatID,
		Type:              factType,
		Key:               factType,
		ValueRaw:          value,
		Confidence:        clamp(confidence, 0.7, 0.95),
		EvidenceMessageID: msg.ID,
		Source:            models.SourceRule,
	}}
}

type modelFactResponse struct {
	Facts []struct {
		UserID            int64   `json:"user_id"`
		Type              string  `json:"type"`
		Key               string  `json:"key"`
		ValueRaw          string  `json:"value_raw"`
		Confidence        float64 `json:"confidence"`
		EvidenceMessageID int64   `json:"evidence_message_id"`
	} `json:"facts"`
}

var factExtractionSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"facts": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"user_id": {"type": "integer"},
					"type": {"type": "string"},
					"key": {"type": "string"},
					"value_raw": {"type": "string"},
					"confidence": {"type": "number"},
					"evidence_message_id": {"type": "integer"}
				},
				"required": ["user_id", "type", "key", "value_raw", "confidence", "evidence_message_id"]
			}
		}
	},
	"required": ["facts"]
}`)

// modelStage calls the external model with the whole window as context,
// clamping confidence to [0.5, 0.95] per the contract.
func (e *Extractor) modelStage(ctx context.Context, window models.Window, messages []models.Message) ([]models.CandidateFact, error) {
	var sb strings.Builder
	for _, msg := range messages {
		if msg.IsFromSelf || msg.UserID == e.agentID {
			continue
		}
		sb.WriteString(msg.AuthorName)
		sb.WriteString(": ")
		sb.WriteString(msg.Text)
		sb.WriteString("\n")
	}

	prompt := "Extract durable facts about the participants from this conversation window:\n" + sb.String()

	var resp modelFactResponse
	if err := e.model.GenerateStructured(ctx, prompt, factExtractionSchema, &resp); err != nil {
		return nil, err
	}

	candidates := make([]models.CandidateFact, 0, len(resp.Facts))
	for _, f := range resp.Facts {
		if f.UserID == e.agentID {
			continue
		}
		candidates = append(candidates, models.CandidateFact{
			UserID:            f.UserID,
			ChatID:            window.ChatID,
			Type:              f.Type,
			Key:               f.Key,
			ValueRaw:          f.ValueRaw,
			Confidence:        clamp(f.Confidence, 0.5, 0.95),
			EvidenceMessageID: f.EvidenceMessageID,
			Source:            models.SourceModel,
		})
	}
	return candidates, nil
}

func clamp(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
