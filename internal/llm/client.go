// Package llm wraps the external generative-model provider: generate,
// embed, and generate_structured, plus the tool-call protocol described in
// §6. It follows the teacher's RAGClient shape closely — a resty.Client
// with retries and a base URL — generalized from the teacher's fixed
// chat/article endpoints to the three operations the spec's model contract
// names.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/chatmemory/agentcore/internal/apperr"
	"github.com/chatmemory/agentcore/internal/config"
)

// Turn is one (role, text) entry in a generate() request.
type Turn struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// Tool is a single entry in the tool list the system advertises to the model.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ToolCall is one invocation the model asked the orchestrator to perform.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// GenerateResult is generate()'s return shape.
type GenerateResult struct {
	Text      string     `json:"text"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

type generateRequest struct {
	SystemPrefix string `json:"system_prefix"`
	Turns        []Turn `json:"turns"`
	Tools        []Tool `json:"tools,omitempty"`
}

type embedRequest struct {
	Text    string `json:"text"`
	ModelID string `json:"model_id"`
}

type embedResponse struct {
	Vector []float32 `json:"vector"`
}

type structuredRequest struct {
	Prompt string          `json:"prompt"`
	Schema json.RawMessage `json:"schema"`
}

// Client is the agent core's single connection to the external model
// provider, shared by the extractor, episode monitor, intent classifier,
// proactive trigger, and embedding cache.
type Client struct {
	http    *resty.Client
	modelID string
}

func New(cfg *config.Config) *Client {
	client := resty.New()
	client.SetTimeout(cfg.Model.CallTimeout)
	client.SetRetryCount(2)
	client.SetRetryWaitTime(500 * time.Millisecond)
	client.SetRetryMaxWaitTime(5 * time.Second)
	client.SetHeader("Content-Type", "application/json")
	client.SetHeader("Accept", "application/json")
	client.SetBaseURL(cfg.Model.URL)
	client.AddRetryCondition(func(r *resty.Response, err error) bool {
		if err != nil {
			return true
		}
		return r.StatusCode() >= 500
	})

	return &Client{http: client, modelID: cfg.Model.EmbeddingModelID}
}

// Generate calls generate(system_prefix, turns, tools) -> {text, tool_calls}.
func (c *Client) Generate(ctx context.Context, systemPrefix string, turns []Turn, tools []Tool) (*GenerateResult, error) {
	var result GenerateResult
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(generateRequest{SystemPrefix: systemPrefix, Turns: turns, Tools: tools}).
		SetResult(&result).
		Post("/v1/generate")
	if err != nil {
		return nil, apperr.Wrap(err, apperr.ErrCallTimeout)
	}
	if resp.StatusCode() != http.StatusOK {
		slog.Error("model generate call failed", "status", resp.StatusCode())
		return nil, apperr.New(apperr.ErrModelMalformed, fmt.Sprintf("generate returned status %d", resp.StatusCode()))
	}
	return &result, nil
}

// Embed calls embed(text) -> vector[768]. The dimension is treated as
// opaque by every caller; only cosine similarity is ever applied to it.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	var result embedResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(embedRequest{Text: text, ModelID: c.modelID}).
		SetResult(&result).
		Post("/v1/embed")
	if err != nil {
		return nil, apperr.Wrap(err, apperr.ErrEmbeddingUnavailable)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, apperr.New(apperr.ErrEmbeddingUnavailable, fmt.Sprintf("embed returned status %d", resp.StatusCode()))
	}
	return result.Vector, nil
}

// GenerateStructured calls generate_structured(prompt, schema) -> json,
// unmarshalling the response into dest. Used by the intent classifier,
// episode monitor, and fact extractor's model stage.
func (c *Client) GenerateStructured(ctx context.Context, prompt string, schema json.RawMessage, dest interface{}) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(structuredRequest{Prompt: prompt, Schema: schema}).
		Post("/v1/generate_structured")
	if err != nil {
		return apperr.Wrap(err, apperr.ErrCallTimeout)
	}
	if resp.StatusCode() != http.StatusOK {
		return apperr.New(apperr.ErrModelMalformed, fmt.Sprintf("generate_structured returned status %d", resp.StatusCode()))
	}
	if err := json.Unmarshal(resp.Body(), dest); err != nil {
		return apperr.Wrap(err, apperr.ErrModelMalformed)
	}
	return nil
}
