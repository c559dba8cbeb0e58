package windower

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatmemory/agentcore/internal/config"
	"github.com/chatmemory/agentcore/internal/models"
)

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Windower.Size = 3
	cfg.Windower.TimeoutSeconds = 180
	return cfg
}

func msg(id, chatID, userID int64, ts time.Time) models.Message {
	return models.Message{ID: id, ChatID: chatID, UserID: userID, Timestamp: ts, Text: "hello there friend"}
}

func TestWindower_ClosesOnSize(t *testing.T) {
	w := New(testConfig())
	now := time.Now()

	for i := int64(1); i < 3; i++ {
		closed, didClose := w.Add(msg(i, 1, i, now), models.ValueMedium)
		assert.False(t, didClose)
		assert.Nil(t, closed)
	}

	closed, didClose := w.Add(msg(3, 1, 3, now), models.ValueHigh)
	require.True(t, didClose)
	require.NotNil(t, closed)
	assert.Equal(t, models.ClosureSize, closed.Window.ClosureReason)
	assert.Equal(t, 3, closed.Window.MessageCount)
	assert.Equal(t, PriorityHigh, closed.Priority)
	assert.Equal(t, 0, w.OpenCount())
}

func TestWindower_NoiseMessagesNeverOpenAWindow(t *testing.T) {
	w := New(testConfig())
	closed, didClose := w.Add(msg(1, 1, 1, time.Now()), models.ValueNoise)
	assert.False(t, didClose)
	assert.Nil(t, closed)
	assert.Equal(t, 0, w.OpenCount())
}

func TestWindower_SweepTimeoutsClosesStaleWindows(t *testing.T) {
	cfg := testConfig()
	cfg.Windower.TimeoutSeconds = 1
	w := New(cfg)

	old := time.Now().Add(-10 * time.Second)
	w.Add(msg(1, 1, 1, old), models.ValueLow)
	assert.Equal(t, 1, w.OpenCount())

	closed := w.SweepTimeouts()
	require.Len(t, closed, 1)
	assert.Equal(t, models.ClosureTimeout, closed[0].Window.ClosureReason)
	assert.Equal(t, 0, w.OpenCount())
}

func TestWindower_FlushAllClosesEverythingOnShutdown(t *testing.T) {
	w := New(testConfig())
	w.Add(msg(1, 1, 1, time.Now()), models.ValueMedium)
	w.Add(msg(2, 2, 1, time.Now()), models.ValueMedium)

	closed := w.FlushAll()
	assert.Len(t, closed, 2)
	for _, c := range closed {
		assert.Equal(t, models.ClosureShutdown, c.Window.ClosureReason)
	}
	assert.Equal(t, 0, w.OpenCount())
}

func TestWindower_DifferentThreadsGetSeparateWindows(t *testing.T) {
	w := New(testConfig())
	thread1 := int64(100)
	thread2 := int64(200)

	m1 := msg(1, 1, 1, time.Now())
	m1.ThreadID = &thread1
	m2 := msg(2, 1, 1, time.Now())
	m2.ThreadID = &thread2

	w.Add(m1, models.ValueMedium)
	w.Add(m2, models.ValueMedium)
	assert.Equal(t, 2, w.OpenCount())
}

func TestWindower_DominantValueTracksHighestLabel(t *testing.T) {
	w := New(testConfig())
	now := time.Now()
	w.Add(msg(1, 1, 1, now), models.ValueLow)
	w.Add(msg(2, 1, 1, now), models.ValueMedium)
	closed, didClose := w.Add(msg(3, 1, 1, now), models.ValueLow)
	require.True(t, didClose)
	assert.Equal(t, models.ValueMedium, closed.Window.DominantValue)
	assert.Equal(t, PriorityMedium, closed.Priority)
}
