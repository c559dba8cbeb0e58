package proactive

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatmemory/agentcore/internal/config"
	"github.com/chatmemory/agentcore/internal/llm"
	"github.com/chatmemory/agentcore/internal/models"
)

type fakeStore struct {
	lastSent    *models.ProactiveEvent
	userEvents  []models.ProactiveEvent
	hourlyCount int
	dailyCount  int
	created     []models.ProactiveEvent
	profile     *models.Profile
}

func (f *fakeStore) GetLastSentProactiveEvent(ctx context.Context, chatID int64) (*models.ProactiveEvent, error) {
	return f.lastSent, nil
}
func (f *fakeStore) GetUserProactiveEvents(ctx context.Context, chatID int64, since time.Time, limit int) ([]models.ProactiveEvent, error) {
	return f.userEvents, nil
}
func (f *fakeStore) CountSentSince(ctx context.Context, chatID int64, since time.Time) (int, error) {
	if since.After(time.Now().Add(-2 * time.Hour)) {
		return f.hourlyCount, nil
	}
	return f.dailyCount, nil
}
func (f *fakeStore) CreateProactiveEvent(ctx context.Context, e *models.ProactiveEvent) error {
	f.created = append(f.created, *e)
	return nil
}
func (f *fakeStore) GetMessage(ctx context.Context, id int64) (*models.Message, error) { return nil, nil }
func (f *fakeStore) GetProfile(ctx context.Context, userID, chatID int64) (*models.Profile, error) {
	return f.profile, nil
}

type fakeAssembler struct{}

func (fakeAssembler) Assemble(ctx context.Context, msg models.Message, profile *models.Profile) models.AssembledContext {
	return models.AssembledContext{SystemPrefix: "", Turns: []models.Turn{{Role: "user", Text: msg.Text}}}
}

type fakeModel struct {
	result *llm.GenerateResult
	err    error
}

func (f *fakeModel) Generate(ctx context.Context, systemPrefix string, turns []llm.Turn, tools []llm.Tool) (*llm.GenerateResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type fakeSender struct {
	sent    bool
	nextID  int64
	chatID  int64
	text    string
}

func (f *fakeSender) SendMessage(ctx context.Context, chatID int64, threadID *int64, text string, replyTo *int64) (int64, error) {
	f.sent = true
	f.chatID = chatID
	f.text = text
	return f.nextID, nil
}

func testConfig() config.ProactiveConfig {
	return config.ProactiveConfig{
		Enabled:                true,
		GlobalCooldownSeconds:  300,
		UserCooldownSeconds:    600,
		IntentCooldownSeconds:  1800,
		HourlyRateLimit:        6,
		DailyRateLimit:         40,
		MinConfidence:          0.75,
		ReactionTimeoutSeconds: 600,
	}
}

func baseWindow() (models.Window, []models.Message) {
	now := time.Now()
	window := models.Window{ID: 1, ChatID: -100, MessageCount: 4}
	messages := []models.Message{
		{ID: 1, ChatID: -100, UserID: 7, Timestamp: now.Add(-30 * time.Second), Text: "hi"},
		{ID: 2, ChatID: -100, UserID: 7, Timestamp: now.Add(-20 * time.Second), Text: "anyone know a good plumber?"},
		{ID: 3, ChatID: -100, UserID: 8, Timestamp: now.Add(-10 * time.Second), Text: "not me"},
		{ID: 4, ChatID: -100, UserID: 7, Timestamp: now, Text: "ugh"},
	}
	return window, messages
}

func TestEvaluate_SendsWhenAllChecksPass(t *testing.T) {
	st := &fakeStore{}
	sender := &fakeSender{nextID: 555}
	model := &fakeModel{result: &llm.GenerateResult{Text: "try calling Joe's Plumbing"}}
	trig := New(st, fakeAssembler{}, model, sender, 999, testConfig())

	window, messages := baseWindow()
	decision, err := trig.Evaluate(context.Background(), window, messages, models.IntentQuestion, 0.9)

	require.NoError(t, err)
	assert.Equal(t, models.DecisionSend, decision.Outcome)
	assert.True(t, sender.sent)
	require.Len(t, st.created, 1)
	assert.Equal(t, models.DecisionSend, st.created[0].Decision)
	require.NotNil(t, st.created[0].ResponseMessageID)
	assert.Equal(t, int64(555), *st.created[0].ResponseMessageID)
}

func TestEvaluate_DisabledFeatureSuppresses(t *testing.T) {
	st := &fakeStore{}
	cfg := testConfig()
	cfg.Enabled = false
	trig := New(st, fakeAssembler{}, &fakeModel{}, &fakeSender{}, 999, cfg)

	window, messages := baseWindow()
	decision, err := trig.Evaluate(context.Background(), window, messages, models.IntentQuestion, 0.9)

	require.NoError(t, err)
	assert.Equal(t, models.DecisionSuppress, decision.Outcome)
	assert.Equal(t, reasonDisabled, decision.BlockReason)
}

func TestEvaluate_WindowTooSmallSuppresses(t *testing.T) {
	st := &fakeStore{}
	trig := New(st, fakeAssembler{}, &fakeModel{}, &fakeSender{}, 999, testConfig())

	window, messages := baseWindow()
	window.MessageCount = 2
	decision, err := trig.Evaluate(context.Background(), window, messages, models.IntentQuestion, 0.9)

	require.NoError(t, err)
	assert.Equal(t, models.DecisionSuppress, decision.Outcome)
	assert.Equal(t, reasonWindowTooSmall, decision.BlockReason)
}

func TestEvaluate_AgentAuthoredMessageSuppresses(t *testing.T) {
	st := &fakeStore{}
	trig := New(st, fakeAssembler{}, &fakeModel{}, &fakeSender{}, 999, testConfig())

	window, messages := baseWindow()
	messages[2].UserID = 999
	decision, err := trig.Evaluate(context.Background(), window, messages, models.IntentQuestion, 0.9)

	require.NoError(t, err)
	assert.Equal(t, models.DecisionSuppress, decision.Outcome)
	assert.Equal(t, reasonAgentAuthored, decision.BlockReason)
}

func TestEvaluate_IntentNoneSuppresses(t *testing.T) {
	st := &fakeStore{}
	trig := New(st, fakeAssembler{}, &fakeModel{}, &fakeSender{}, 999, testConfig())

	window, messages := baseWindow()
	decision, err := trig.Evaluate(context.Background(), window, messages, models.IntentNone, 0)

	require.NoError(t, err)
	assert.Equal(t, models.DecisionSuppress, decision.Outcome)
	assert.Equal(t, reasonIntentNone, decision.BlockReason)
}

// Scenario S3: a SEND at t=0 must suppress a new QUESTION at t=200s with
// block_reason="global_cooldown".
func TestEvaluate_GlobalCooldownSuppresses(t *testing.T) {
	st := &fakeStore{lastSent: &models.ProactiveEvent{
		ChatID: -100, Decision: models.DecisionSend, CreatedAt: time.Now().Add(-200 * time.Second),
	}}
	trig := New(st, fakeAssembler{}, &fakeModel{}, &fakeSender{}, 999, testConfig())

	window, messages := baseWindow()
	decision, err := trig.Evaluate(context.Background(), window, messages, models.IntentQuestion, 0.9)

	require.NoError(t, err)
	assert.Equal(t, models.DecisionSuppress, decision.Outcome)
	assert.Equal(t, reasonGlobalCooldown, decision.BlockReason)
}

func TestEvaluate_HourlyRateLimitSuppresses(t *testing.T) {
	st := &fakeStore{hourlyCount: 6}
	trig := New(st, fakeAssembler{}, &fakeModel{}, &fakeSender{}, 999, testConfig())

	window, messages := baseWindow()
	decision, err := trig.Evaluate(context.Background(), window, messages, models.IntentQuestion, 0.9)

	require.NoError(t, err)
	assert.Equal(t, models.DecisionSuppress, decision.Outcome)
	assert.Equal(t, reasonHourlyRateLimit, decision.BlockReason)
}

func TestEvaluate_ConsecutiveIgnoredSuppresses(t *testing.T) {
	ignored := models.ReactionIgnored
	st := &fakeStore{userEvents: []models.ProactiveEvent{
		{Decision: models.DecisionSend, UserReaction: &ignored, CreatedAt: time.Now().Add(-10 * time.Hour)},
		{Decision: models.DecisionSend, UserReaction: &ignored, CreatedAt: time.Now().Add(-20 * time.Hour)},
		{Decision: models.DecisionSend, UserReaction: &ignored, CreatedAt: time.Now().Add(-30 * time.Hour)},
	}}
	trig := New(st, fakeAssembler{}, &fakeModel{}, &fakeSender{}, 999, testConfig())

	window, messages := baseWindow()
	decision, err := trig.Evaluate(context.Background(), window, messages, models.IntentQuestion, 0.9)

	require.NoError(t, err)
	assert.Equal(t, models.DecisionSuppress, decision.Outcome)
	assert.Equal(t, reasonConsecutiveIgnored, decision.BlockReason)
}

func TestEvaluate_BelowMinConfidenceSuppresses(t *testing.T) {
	negative := models.ReactionNegative
	st := &fakeStore{userEvents: []models.ProactiveEvent{
		{Decision: models.DecisionSend, UserReaction: &negative, CreatedAt: time.Now().Add(-10 * time.Hour)},
		{Decision: models.DecisionSend, UserReaction: &negative, CreatedAt: time.Now().Add(-20 * time.Hour)},
	}}
	trig := New(st, fakeAssembler{}, &fakeModel{}, &fakeSender{}, 999, testConfig())

	window, messages := baseWindow()
	decision, err := trig.Evaluate(context.Background(), window, messages, models.IntentQuestion, 0.8)

	require.NoError(t, err)
	assert.Equal(t, models.DecisionSuppress, decision.Outcome)
	assert.Equal(t, reasonBelowMinConfidence, decision.BlockReason)
	assert.Less(t, decision.AdjustedConfidence, 0.75)
}

func TestEvaluate_SendFailureRecordsSuppressed(t *testing.T) {
	st := &fakeStore{}
	model := &fakeModel{err: assert.AnError}
	trig := New(st, fakeAssembler{}, model, &fakeSender{}, 999, testConfig())

	window, messages := baseWindow()
	decision, err := trig.Evaluate(context.Background(), window, messages, models.IntentQuestion, 0.9)

	require.NoError(t, err)
	assert.Equal(t, models.DecisionSuppress, decision.Outcome)
	assert.Equal(t, "send_failed", decision.BlockReason)
	require.Len(t, st.created, 1)
	assert.Equal(t, models.DecisionSuppress, st.created[0].Decision)
}

func TestPreferenceMultiplier_PositiveMajorityBoosts(t *testing.T) {
	positive := models.ReactionPositive
	events := []models.ProactiveEvent{
		{Decision: models.DecisionSend, UserReaction: &positive},
		{Decision: models.DecisionSend, UserReaction: &positive},
	}
	mu, tripped := preferenceMultiplier(events)
	assert.False(t, tripped)
	assert.Equal(t, 1.3, mu)
}

func TestPreferenceMultiplier_NoHistoryDefaultsToOne(t *testing.T) {
	mu, tripped := preferenceMultiplier(nil)
	assert.False(t, tripped)
	assert.Equal(t, 1.0, mu)
}
