package episode

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatmemory/agentcore/internal/config"
	"github.com/chatmemory/agentcore/internal/models"
)

type fakeSummarizer struct {
	response summaryResponse
	err      error
	calls    int
}

func (f *fakeSummarizer) GenerateStructured(ctx context.Context, prompt string, schema json.RawMessage, dest interface{}) error {
	f.calls++
	if f.err != nil {
		return f.err
	}
	b, _ := json.Marshal(f.response)
	return json.Unmarshal(b, dest)
}

type fakeEpisodeStore struct {
	created []models.Episode
}

func (f *fakeEpisodeStore) CreateEpisode(ctx context.Context, e *models.Episode) error {
	e.ID = int64(len(f.created) + 1)
	f.created = append(f.created, *e)
	return nil
}

func testEpisodeConfig() *config.Config {
	return &config.Config{
		Episode: config.EpisodeConfig{
			InactivityTimeoutSeconds: 120,
			MaxBufferSize:            3,
			SweepIntervalSeconds:     60,
		},
	}
}

func TestObserve_FinalizesAtMaxBufferSize(t *testing.T) {
	summarizer := &fakeSummarizer{response: summaryResponse{
		Topic: "weekend plans", Summary: "discussed weekend trip", EmotionalValence: "positive", Importance: 0.6,
	}}
	st := &fakeEpisodeStore{}
	m := New(testEpisodeConfig(), summarizer, st)

	now := time.Now()
	for i := 0; i < 3; i++ {
		m.Observe(context.Background(), models.Message{
			ID: int64(i + 1), ChatID: 1, UserID: int64(i + 1), AuthorName: "user", Text: "hi", Timestamp: now,
		})
	}

	require.Len(t, st.created, 1)
	assert.Equal(t, "weekend plans", st.created[0].Topic)
	assert.Equal(t, models.ValencePositive, st.created[0].EmotionalValence)
	assert.Equal(t, 0, m.BufferCount(), "buffer should be cleared after successful finalize")
}

func TestSweep_FinalizesBuffersPastInactivityTimeout(t *testing.T) {
	summarizer := &fakeSummarizer{response: summaryResponse{
		Topic: "old chat", Summary: "stale thread", EmotionalValence: "neutral", Importance: 0.2,
	}}
	st := &fakeEpisodeStore{}
	m := New(testEpisodeConfig(), summarizer, st)

	stale := time.Now().Add(-200 * time.Second)
	m.Observe(context.Background(), models.Message{ID: 1, ChatID: 1, UserID: 1, AuthorName: "a", Text: "hey", Timestamp: stale})

	m.Sweep(context.Background())

	require.Len(t, st.created, 1)
	assert.Equal(t, 0, m.BufferCount())
}

func TestSweep_LeavesRecentBuffersAlone(t *testing.T) {
	summarizer := &fakeSummarizer{}
	st := &fakeEpisodeStore{}
	m := New(testEpisodeConfig(), summarizer, st)

	m.Observe(context.Background(), models.Message{ID: 1, ChatID: 1, UserID: 1, AuthorName: "a", Text: "hey", Timestamp: time.Now()})
	m.Sweep(context.Background())

	assert.Empty(t, st.created)
	assert.Equal(t, 1, m.BufferCount())
}

func TestFinalize_ModelFailureLeavesBufferForRetry(t *testing.T) {
	summarizer := &fakeSummarizer{err: assert.AnError}
	st := &fakeEpisodeStore{}
	m := New(testEpisodeConfig(), summarizer, st)

	stale := time.Now().Add(-200 * time.Second)
	m.Observe(context.Background(), models.Message{ID: 1, ChatID: 1, UserID: 1, AuthorName: "a", Text: "hey", Timestamp: stale})
	m.Sweep(context.Background())

	assert.Empty(t, st.created)
	assert.Equal(t, 1, m.BufferCount(), "buffer must remain for the next sweep to retry")
}

func TestFinalize_UnknownEmotionalValenceFallsBackToNeutral(t *testing.T) {
	summarizer := &fakeSummarizer{response: summaryResponse{
		Topic: "t", Summary: "s", EmotionalValence: "confused", Importance: 2.5,
	}}
	st := &fakeEpisodeStore{}
	m := New(testEpisodeConfig(), summarizer, st)

	stale := time.Now().Add(-200 * time.Second)
	m.Observe(context.Background(), models.Message{ID: 1, ChatID: 1, UserID: 1, AuthorName: "a", Text: "hey", Timestamp: stale})
	m.Sweep(context.Background())

	require.Len(t, st.created, 1)
	assert.Equal(t, models.ValenceNeutral, st.created[0].EmotionalValence)
	assert.Equal(t, 1.0, st.created[0].Importance, "importance should be clamped to 1")
}

func TestFlushAll_FinalizesEveryBuffer(t *testing.T) {
	summarizer := &fakeSummarizer{response: summaryResponse{
		Topic: "t", Summary: "s", EmotionalValence: "mixed", Importance: 0.5,
	}}
	st := &fakeEpisodeStore{}
	m := New(testEpisodeConfig(), summarizer, st)

	m.Observe(context.Background(), models.Message{ID: 1, ChatID: 1, UserID: 1, AuthorName: "a", Text: "hey", Timestamp: time.Now()})
	m.Observe(context.Background(), models.Message{ID: 2, ChatID: 2, UserID: 2, AuthorName: "b", Text: "hey", Timestamp: time.Now()})

	m.FlushAll(context.Background())

	assert.Len(t, st.created, 2)
	assert.Equal(t, 0, m.BufferCount())
}
