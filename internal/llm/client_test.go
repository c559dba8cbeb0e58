package llm

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatmemory/agentcore/internal/apperr"
	"github.com/chatmemory/agentcore/internal/config"
)

func testClient(t *testing.T, handler http.HandlerFunc) (*Client, func()) {
	srv := httptest.NewServer(handler)
	cfg := &config.Config{}
	cfg.Model.URL = srv.URL
	cfg.Model.CallTimeout = 2 * time.Second
	cfg.Model.EmbeddingModelID = "test-model"
	return New(cfg), srv.Close
}

func TestClient_Generate(t *testing.T) {
	c, closeFn := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/generate", r.URL.Path)
		json.NewEncoder(w).Encode(GenerateResult{Text: "hello"})
	})
	defer closeFn()

	result, err := c.Generate(t.Context(), "sys", []Turn{{Role: "user", Text: "hi"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, "hello", result.Text)
}

func TestClient_Embed(t *testing.T) {
	c, closeFn := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(embedResponse{Vector: []float32{0.1, 0.2}})
	})
	defer closeFn()

	vec, err := c.Embed(t.Context(), "some text")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2}, vec)
}

func TestClient_EmbedFailureWrapsEmbeddingUnavailable(t *testing.T) {
	c, closeFn := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	defer closeFn()

	_, err := c.Embed(t.Context(), "text")
	require.Error(t, err)
	ae, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.ErrEmbeddingUnavailable, ae.Code)
}

func TestClient_GenerateStructured(t *testing.T) {
	c, closeFn := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"intent":"QUESTION","confidence":0.8}`))
	})
	defer closeFn()

	var dest struct {
		Intent     string  `json:"intent"`
		Confidence float64 `json:"confidence"`
	}
	err := c.GenerateStructured(t.Context(), "classify this", nil, &dest)
	require.NoError(t, err)
	assert.Equal(t, "QUESTION", dest.Intent)
	assert.Equal(t, 0.8, dest.Confidence)
}

func TestClient_MalformedResponseReturnsModelMalformed(t *testing.T) {
	c, closeFn := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json`))
	})
	defer closeFn()

	var dest struct{}
	err := c.GenerateStructured(t.Context(), "x", nil, &dest)
	require.Error(t, err)
	ae, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.ErrModelMalformed, ae.Code)
}
