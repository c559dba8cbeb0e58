package orchestrator

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatmemory/agentcore/internal/classifier"
	"github.com/chatmemory/agentcore/internal/config"
	"github.com/chatmemory/agentcore/internal/extractor"
	"github.com/chatmemory/agentcore/internal/intent"
	"github.com/chatmemory/agentcore/internal/llm"
	"github.com/chatmemory/agentcore/internal/models"
	"github.com/chatmemory/agentcore/internal/platform"
	"github.com/chatmemory/agentcore/internal/proactive"
	"github.com/chatmemory/agentcore/internal/quality"
	"github.com/chatmemory/agentcore/internal/store"
	"github.com/chatmemory/agentcore/internal/windower"
)

type fakeStore struct {
	messages      map[int64]*models.Message
	created       []models.Message
	profiles      map[int64]*models.Profile
	windowsDone   []int64
	activeFacts   []models.Fact
	inactiveFacts []models.Fact
	factWrites    []store.FactWrite
}

func newFakeStore() *fakeStore {
	return &fakeStore{messages: make(map[int64]*models.Message), profiles: make(map[int64]*models.Profile)}
}

func (f *fakeStore) CreateMessage(ctx context.Context, m *models.Message) error {
	f.created = append(f.created, *m)
	cp := *m
	f.messages[m.ID] = &cp
	return nil
}
func (f *fakeStore) SetMessageEmbedding(ctx context.Context, messageID int64, embedding []float32) error {
	return nil
}
func (f *fakeStore) UpsertProfile(ctx context.Context, userID, chatID int64, displayName string) (*models.Profile, error) {
	p := &models.Profile{UserID: userID, ChatID: chatID, DisplayName: displayName}
	f.profiles[userID] = p
	return p, nil
}
func (f *fakeStore) GetProfile(ctx context.Context, userID, chatID int64) (*models.Profile, error) {
	return f.profiles[userID], nil
}
func (f *fakeStore) GetProfiles(ctx context.Context, chatID int64, userIDs []int64) ([]models.Profile, error) {
	return nil, nil
}
func (f *fakeStore) GetActiveFactsByTypeKey(ctx context.Context, userID, chatID int64, factType, key string) ([]models.Fact, error) {
	var out []models.Fact
	for _, fact := range f.activeFacts {
		if fact.Type == factType && fact.Key == key {
			out = append(out, fact)
		}
	}
	return out, nil
}
func (f *fakeStore) GetInactiveFactsByTypeKey(ctx context.Context, userID, chatID int64, factType, key string) ([]models.Fact, error) {
	var out []models.Fact
	for _, fact := range f.inactiveFacts {
		if fact.Type == factType && fact.Key == key {
			out = append(out, fact)
		}
	}
	return out, nil
}
func (f *fakeStore) GetMessage(ctx context.Context, id int64) (*models.Message, error) {
	if m, ok := f.messages[id]; ok {
		return m, nil
	}
	return nil, nil
}
func (f *fakeStore) PersistClosedWindow(ctx context.Context, w *models.Window) error { return nil }
func (f *fakeStore) MarkWindowProcessed(ctx context.Context, windowID int64) error {
	f.windowsDone = append(f.windowsDone, windowID)
	return nil
}
func (f *fakeStore) MarkWindowSkipped(ctx context.Context, windowID int64) error           { return nil }
func (f *fakeStore) MarkWindowFailedPermanently(ctx context.Context, windowID int64) error { return nil }
func (f *fakeStore) CommitFactBatch(ctx context.Context, writes []store.FactWrite) error {
	f.factWrites = append(f.factWrites, writes...)
	return nil
}
func (f *fakeStore) GetLastSentProactiveEvent(ctx context.Context, chatID int64) (*models.ProactiveEvent, error) {
	return nil, nil
}
func (f *fakeStore) GetUserProactiveEvents(ctx context.Context, chatID int64, since time.Time, limit int) ([]models.ProactiveEvent, error) {
	return nil, nil
}
func (f *fakeStore) CountSentSince(ctx context.Context, chatID int64, since time.Time) (int, error) {
	return 0, nil
}
func (f *fakeStore) CreateProactiveEvent(ctx context.Context, e *models.ProactiveEvent) error { return nil }

type fakeEmbeddings struct{}

func (fakeEmbeddings) Embed(ctx context.Context, text string) ([]float32, bool, error) {
	return []float32{0.1, 0.2}, false, nil
}

type fakeGenerator struct {
	result *llm.GenerateResult
	err    error
}

func (f *fakeGenerator) Generate(ctx context.Context, systemPrefix string, turns []llm.Turn, tools []llm.Tool) (*llm.GenerateResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type fakeAssembler struct{}

func (fakeAssembler) Assemble(ctx context.Context, msg models.Message, profile *models.Profile) models.AssembledContext {
	return models.AssembledContext{SystemPrefix: "be helpful", Turns: []models.Turn{{Role: "user", Text: msg.Text}}}
}

type fakeEpisodes struct {
	observed []models.Message
	swept    int
	flushed  int
}

func (f *fakeEpisodes) Observe(ctx context.Context, msg models.Message) { f.observed = append(f.observed, msg) }
func (f *fakeEpisodes) Sweep(ctx context.Context)                      { f.swept++ }
func (f *fakeEpisodes) FlushAll(ctx context.Context)                   { f.flushed++ }

type fakeSender struct {
	sent []string
}

func (f *fakeSender) SendMessage(ctx context.Context, chatID int64, threadID *int64, text string, replyTo *int64) (int64, error) {
	f.sent = append(f.sent, text)
	return int64(len(f.sent)), nil
}

type fakeIntentModel struct{}

func (fakeIntentModel) GenerateStructured(ctx context.Context, prompt string, schema json.RawMessage, dest interface{}) error {
	return json.Unmarshal([]byte(`{"intent":"NONE","confidence":0}`), dest)
}

type fakeExtractModel struct{}

func (fakeExtractModel) GenerateStructured(ctx context.Context, prompt string, schema json.RawMessage, dest interface{}) error {
	return json.Unmarshal([]byte(`{"facts":[]}`), dest)
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Windower.Size = 10
	cfg.Windower.TimeoutSeconds = 300
	cfg.Queue.EnableAsyncProcessing = false
	cfg.Proactive = config.ProactiveConfig{
		Enabled:               true,
		GlobalCooldownSeconds: 300,
		UserCooldownSeconds:   600,
		IntentCooldownSeconds: 1800,
		HourlyRateLimit:       6,
		DailyRateLimit:        40,
		MinConfidence:         0.75,
	}
	return cfg
}

func buildOrchestrator(t *testing.T, st *fakeStore, gen *fakeGenerator, sender *fakeSender, cfg *config.Config) *Orchestrator {
	t.Helper()
	w := windower.New(cfg)
	ext := extractor.New(st, fakeExtractModel{}, 999)
	qualityMgr := quality.New(st, fakeEmbeddings{}, cfg.Learning)
	episodes := &fakeEpisodes{}
	intentMonitor := intent.New(fakeIntentModel{}, nil)
	trigger := proactive.New(st, fakeAssembler{}, gen, sender, 999, cfg.Proactive)
	tools := NewToolRegistry()

	return New(st, classifier.DefaultConfig(), w, nil, fakeAssembler{}, gen, fakeEmbeddings{}, ext, qualityMgr, episodes, intentMonitor, trigger, sender, tools, 999, cfg)
}

func TestHandleInbound_AddressedMessageSendsReplyAndPersists(t *testing.T) {
	st := newFakeStore()
	gen := &fakeGenerator{result: &llm.GenerateResult{Text: "here's the answer"}}
	sender := &fakeSender{}
	orch := buildOrchestrator(t, st, gen, sender, testConfig())

	ev := platform.InboundEvent{
		MessageID: 1, ChatID: 100, UserID: 7, AuthorName: "alice",
		Text: "@agent what time is it", Timestamp: time.Now(), IsReplyToAgent: true,
	}

	err := orch.HandleInbound(context.Background(), ev)
	require.NoError(t, err)

	require.Len(t, st.created, 1)
	assert.Equal(t, int64(1), st.created[0].ID)
	require.Len(t, sender.sent, 1)
	assert.Equal(t, "here's the answer", sender.sent[0])
}

func TestHandleInbound_NonAddressedMessageDoesNotReply(t *testing.T) {
	st := newFakeStore()
	gen := &fakeGenerator{result: &llm.GenerateResult{Text: "should not be sent"}}
	sender := &fakeSender{}
	orch := buildOrchestrator(t, st, gen, sender, testConfig())

	ev := platform.InboundEvent{
		MessageID: 1, ChatID: 100, UserID: 7, AuthorName: "alice",
		Text: "just chatting with friends", Timestamp: time.Now(),
	}

	err := orch.HandleInbound(context.Background(), ev)
	require.NoError(t, err)
	assert.Empty(t, sender.sent)
}

func TestHandleInbound_GenerationFailureSendsFallback(t *testing.T) {
	st := newFakeStore()
	gen := &fakeGenerator{err: assert.AnError}
	sender := &fakeSender{}
	orch := buildOrchestrator(t, st, gen, sender, testConfig())

	ev := platform.InboundEvent{
		MessageID: 1, ChatID: 100, UserID: 7, AuthorName: "alice",
		Text: "@agent help me", Timestamp: time.Now(), IsReplyToAgent: true,
	}

	err := orch.HandleInbound(context.Background(), ev)
	require.NoError(t, err)
	require.Len(t, sender.sent, 1)
	assert.Equal(t, fallbackReplyText, sender.sent[0])
}

func TestHandleInbound_SelfAuthoredMessageSkipsProfileUpsert(t *testing.T) {
	st := newFakeStore()
	gen := &fakeGenerator{result: &llm.GenerateResult{Text: "x"}}
	sender := &fakeSender{}
	orch := buildOrchestrator(t, st, gen, sender, testConfig())

	ev := platform.InboundEvent{
		MessageID: 1, ChatID: 100, UserID: 999, AuthorName: "agent",
		Text: "routine reply", Timestamp: time.Now(), IsFromSelf: true,
	}

	err := orch.HandleInbound(context.Background(), ev)
	require.NoError(t, err)
	assert.Empty(t, st.profiles)
}

func TestHandleWindowClosed_MarksProcessedWhenLLMBreakerOpen(t *testing.T) {
	st := newFakeStore()
	sender := &fakeSender{}
	orch := buildOrchestrator(t, st, &fakeGenerator{}, sender, testConfig())

	now := time.Now()
	msg := models.Message{ID: 1, ChatID: 100, UserID: 7, Text: "hello", Timestamp: now}
	st.messages[1] = &msg

	window := models.Window{ID: 1, ChatID: 100, FirstMessageID: 1, LastMessageID: 1, MessageCount: 1, Participants: []int64{7}}
	closed := windower.ClosedWindow{Window: window, Priority: windower.PriorityHigh}

	err := orch.HandleWindowClosed(context.Background(), closed, true)
	require.NoError(t, err)
	assert.Contains(t, st.windowsDone, int64(1))
}

func TestHandleEpisodeTick_SweepsEpisodeMonitor(t *testing.T) {
	st := newFakeStore()
	orch := buildOrchestrator(t, st, &fakeGenerator{}, &fakeSender{}, testConfig())

	err := orch.HandleEpisodeTick(context.Background())
	require.NoError(t, err)
}

func TestShutdown_FlushesOpenWindowsAndEpisodes(t *testing.T) {
	st := newFakeStore()
	orch := buildOrchestrator(t, st, &fakeGenerator{}, &fakeSender{}, testConfig())

	ev := platform.InboundEvent{MessageID: 1, ChatID: 100, UserID: 7, Text: "still typing", Timestamp: time.Now()}
	require.NoError(t, orch.HandleInbound(context.Background(), ev))

	orch.Shutdown(context.Background())
	assert.NotEmpty(t, st.windowsDone)
}
