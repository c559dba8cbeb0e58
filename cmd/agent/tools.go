package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/chatmemory/agentcore/internal/apperr"
	"github.com/chatmemory/agentcore/internal/orchestrator"
	"github.com/chatmemory/agentcore/internal/store"
)

// recallFactsArgs is the parameter shape for the recall_user_facts tool.
type recallFactsArgs struct {
	UserID int64 `json:"user_id"`
	ChatID int64 `json:"chat_id"`
}

type recallFactsResult struct {
	Facts []factSummary `json:"facts"`
}

type factSummary struct {
	Type       string  `json:"type"`
	Key        string  `json:"key"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
}

// registerTools advertises the tool list the orchestrator offers the model
// during the addressed-reply tool-calling loop (§6's tool protocol). Each
// handler validates its own arguments beyond the registry's required-field
// check and returns a JSON string, per the contract.
func registerTools(registry *orchestrator.ToolRegistry, db *store.DB) {
	registry.Register(
		"recall_user_facts",
		"Look up the learned facts the agent currently holds about a specific user in a specific chat.",
		json.RawMessage(`{
			"type": "object",
			"properties": {
				"user_id": {"type": "integer", "description": "the user's id"},
				"chat_id": {"type": "integer", "description": "the chat id"}
			},
			"required": ["user_id", "chat_id"]
		}`),
		func(ctx context.Context, args json.RawMessage) (string, error) {
			var a recallFactsArgs
			if err := json.Unmarshal(args, &a); err != nil {
				return "", fmt.Errorf("recall_user_facts: %w", err)
			}
			facts, err := db.GetActiveFacts(ctx, a.UserID, a.ChatID)
			if err != nil {
				return "", apperr.Wrap(err, apperr.ErrStoreUnavailable)
			}
			out := recallFactsResult{Facts: make([]factSummary, 0, len(facts))}
			for _, f := range facts {
				out.Facts = append(out.Facts, factSummary{
					Type:       f.Type,
					Key:        f.Key,
					Value:      f.ValueCanonical,
					Confidence: f.Confidence,
				})
			}
			payload, err := json.Marshal(out)
			if err != nil {
				return "", err
			}
			return string(payload), nil
		},
	)

	registry.Register(
		"summarize_conversation",
		"Return the most recent episode summaries the agent has recorded for a chat.",
		json.RawMessage(`{
			"type": "object",
			"properties": {
				"chat_id": {"type": "integer", "description": "the chat id"}
			},
			"required": ["chat_id"]
		}`),
		func(ctx context.Context, args json.RawMessage) (string, error) {
			var a struct {
				ChatID int64 `json:"chat_id"`
			}
			if err := json.Unmarshal(args, &a); err != nil {
				return "", fmt.Errorf("summarize_conversation: %w", err)
			}
			episodes, err := db.GetRecentEpisodes(ctx, a.ChatID, 5)
			if err != nil {
				return "", apperr.Wrap(err, apperr.ErrStoreUnavailable)
			}
			summaries := make([]map[string]any, 0, len(episodes))
			for _, e := range episodes {
				summaries = append(summaries, map[string]any{
					"topic":   e.Topic,
					"summary": e.Summary,
					"tags":    e.Tags,
				})
			}
			payload, err := json.Marshal(map[string]any{"episodes": summaries})
			if err != nil {
				return "", err
			}
			return string(payload), nil
		},
	)
}
