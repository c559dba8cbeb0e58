package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatmemory/agentcore/internal/adminauth"
	"github.com/chatmemory/agentcore/internal/config"
	"github.com/chatmemory/agentcore/internal/platform"
)

type fakePool struct{}

func (fakePool) Stats() map[string]interface{} {
	return map[string]interface{}{"queue_depth": 0}
}

type fakeInbound struct {
	received []platform.InboundEvent
	err      error
}

func (f *fakeInbound) HandleInbound(ctx context.Context, ev platform.InboundEvent) error {
	if f.err != nil {
		return f.err
	}
	f.received = append(f.received, ev)
	return nil
}

func testCfg(t *testing.T) *config.Config {
	t.Helper()
	hash, err := adminauth.HashToken("test-admin-token")
	require.NoError(t, err)
	cfg := &config.Config{}
	cfg.Server.Environment = "test"
	cfg.Admin.AdminTokenHash = hash
	return cfg
}

func TestHealthz_ReportsOkWithStats(t *testing.T) {
	srv := New(testCfg(t), fakePool{}, NewProactiveGate(), &fakeInbound{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	resp, err := srv.App().Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAdminStats_RequiresBearerToken(t *testing.T) {
	srv := New(testCfg(t), fakePool{}, NewProactiveGate(), &fakeInbound{})

	req := httptest.NewRequest(http.MethodGet, "/admin/stats", nil)
	resp, err := srv.App().Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAdminProactivePauseResume_TogglesGate(t *testing.T) {
	gate := NewProactiveGate()
	srv := New(testCfg(t), fakePool{}, gate, &fakeInbound{})

	pauseReq := httptest.NewRequest(http.MethodPost, "/admin/proactive/pause", nil)
	pauseReq.Header.Set("Authorization", "Bearer test-admin-token")
	resp, err := srv.App().Test(pauseReq)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, gate.Paused())

	resumeReq := httptest.NewRequest(http.MethodPost, "/admin/proactive/resume", nil)
	resumeReq.Header.Set("Authorization", "Bearer test-admin-token")
	resp, err = srv.App().Test(resumeReq)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, gate.Paused())
}

func TestWebhookMessage_AcceptsValidPayloadAndForwards(t *testing.T) {
	inbound := &fakeInbound{}
	srv := New(testCfg(t), fakePool{}, NewProactiveGate(), inbound)

	payload, _ := json.Marshal(map[string]any{
		"message_id":  1,
		"chat_id":     100,
		"user_id":     7,
		"author_name": "alice",
		"text":        "hello",
	})
	req := httptest.NewRequest(http.MethodPost, "/webhook/message", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")

	resp, err := srv.App().Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, inbound.received, 1)
	assert.Equal(t, int64(100), inbound.received[0].ChatID)
}

func TestWebhookMessage_RejectsMissingChatID(t *testing.T) {
	inbound := &fakeInbound{}
	srv := New(testCfg(t), fakePool{}, NewProactiveGate(), inbound)

	payload, _ := json.Marshal(map[string]any{"user_id": 7, "text": "hello"})
	req := httptest.NewRequest(http.MethodPost, "/webhook/message", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")

	resp, err := srv.App().Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, inbound.received)
}

func TestWebhookMessage_OrchestratorFailureReturns500(t *testing.T) {
	inbound := &fakeInbound{err: assert.AnError}
	srv := New(testCfg(t), fakePool{}, NewProactiveGate(), inbound)

	payload, _ := json.Marshal(map[string]any{"chat_id": 100, "user_id": 7, "text": "hello"})
	req := httptest.NewRequest(http.MethodPost, "/webhook/message", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")

	resp, err := srv.App().Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}
