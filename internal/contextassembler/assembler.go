// Package contextassembler implements the Context Assembler (Component I):
// a token-budgeted merge of Episodic, Retrieved, and Recent tiers into the
// ordered turns sent to the external model. It generalizes the teacher's
// RAGClient.BuildContext approach (cap context by a fixed allotment, degrade
// gracefully when retrieval comes up empty) from a single flat context into
// three independently budgeted tiers.
package contextassembler

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/chatmemory/agentcore/internal/config"
	"github.com/chatmemory/agentcore/internal/models"
)

const recencyReweightAlpha = 0.6

// Store is the subset of internal/store.DB the assembler reads from.
type Store interface {
	GetRecentEpisodes(ctx context.Context, chatID int64, limit int) ([]models.Episode, error)
	SearchMessagesFullText(ctx context.Context, chatID int64, query string, limit int) ([]models.Message, error)
	SearchMessagesByEmbedding(ctx context.Context, chatID int64, vector []float32, candidatePoolSize, limit int) ([]models.Message, error)
	GetRecentMessages(ctx context.Context, chatID int64, threadID *int64, n int) ([]models.Message, error)
	TouchEpisode(ctx context.Context, episodeID int64) error
}

// EmbeddingProvider embeds the current message text for the Retrieved tier's
// semantic leg. Embedding failure degrades to keyword-only retrieval.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, bool, error)
}

// Assembler builds AssembledContext values for the current Message.
type Assembler struct {
	store       Store
	embeddings  EmbeddingProvider
	tokenBudget int
	episodicShare,
	retrievedShare,
	recentShare float64
}

func New(cfg *config.Config, store Store, embeddings EmbeddingProvider) *Assembler {
	return &Assembler{
		store:          store,
		embeddings:     embeddings,
		tokenBudget:    cfg.Context.TokenBudget,
		episodicShare:  cfg.Context.EpisodicShare,
		retrievedShare: cfg.Context.RetrievedShare,
		recentShare:    cfg.Context.RecentShare,
	}
}

// estimateTokens approximates token count as chars/4, the same heuristic
// the teacher's prompt-budgeting code uses for quick truncation decisions.
func estimateTokens(text string) int {
	return len(text) / 4
}

// Assemble builds the full three-tier context for msg and its author's
// profile summary, falling back to the 10 most recent chat messages when
// every tier comes up empty.
func (a *Assembler) Assemble(ctx context.Context, msg models.Message, profile *models.Profile) models.AssembledContext {
	episodicBudget := int(float64(a.tokenBudget) * a.episodicShare)
	retrievedBudget := int(float64(a.tokenBudget) * a.retrievedShare)
	recentBudget := a.tokenBudget - episodicBudget - retrievedBudget

	episodicTurns := a.assembleEpisodic(ctx, msg.ChatID, episodicBudget)
	retrievedTurns := a.assembleRetrieved(ctx, msg, retrievedBudget)
	recentTurns := a.assembleRecent(ctx, msg, recentBudget)

	turns := append(append(episodicTurns, retrievedTurns...), recentTurns...)
	if len(turns) == 0 {
		turns = a.emergencyFallback(ctx, msg.ChatID)
	}
	turns = append(turns, models.Turn{Role: "user", Text: msg.Text})

	systemPrefix := ""
	if profile != nil && profile.SummaryText != "" {
		systemPrefix = profile.SummaryText
	}

	total := estimateTokens(systemPrefix)
	for _, t := range turns {
		total += estimateTokens(t.Text)
	}

	return models.AssembledContext{SystemPrefix: systemPrefix, Turns: turns, EstimatedTokens: total}
}

// assembleEpisodic fetches up to 5 recent Episodes and truncates
// oldest-first (by last_accessed_at) until the tier's token budget holds.
func (a *Assembler) assembleEpisodic(ctx context.Context, chatID int64, budget int) []models.Turn {
	episodes, err := a.store.GetRecentEpisodes(ctx, chatID, 5)
	if err != nil || len(episodes) == 0 {
		return nil
	}

	// The store returns the most recently accessed Episode first; build the
	// turns in the reverse order so truncateOldestFirst drops the oldest.
	turns := make([]models.Turn, 0, len(episodes))
	for i := len(episodes) - 1; i >= 0; i-- {
		e := episodes[i]
		turns = append(turns, models.Turn{Role: "system", Text: "Earlier: " + e.Topic + " - " + e.Summary})
		_ = a.store.TouchEpisode(ctx, e.ID)
	}
	return truncateOldestFirst(turns, budget)
}

type scoredMessage struct {
	msg   models.Message
	score float64
}

// assembleRetrieved runs keyword and semantic search against the current
// message text, merges and deduplicates by message id with a recency
// reweight, and truncates lowest-relevance-first.
func (a *Assembler) assembleRetrieved(ctx context.Context, msg models.Message, budget int) []models.Turn {
	const poolSize = 20
	now := msg.Timestamp

	byID := make(map[int64]*scoredMessage)

	if keywordHits, err := a.store.SearchMessagesFullText(ctx, msg.ChatID, msg.Text, poolSize); err == nil {
		for i, m := range keywordHits {
			relevance := 1.0 - float64(i)/float64(len(keywordHits)+1)
			mergeScored(byID, m, relevance, now)
		}
	}

	if a.embeddings != nil {
		if vec, _, err := a.embeddings.Embed(ctx, msg.Text); err == nil {
			if semanticHits, err := a.store.SearchMessagesByEmbedding(ctx, msg.ChatID, vec, poolSize, poolSize); err == nil {
				for i, m := range semanticHits {
					relevance := 1.0 - float64(i)/float64(len(semanticHits)+1)
					mergeScored(byID, m, relevance, now)
				}
			}
		}
	}

	scored := make([]scoredMessage, 0, len(byID))
	for _, s := range byID {
		scored = append(scored, *s)
	}
	sort.Slice(scored, func(i, j int) bool { return scored[i].score > scored[j].score })

	turns := make([]models.Turn, 0, len(scored))
	for _, s := range scored {
		turns = append(turns, models.Turn{Role: roleFor(s.msg), Text: s.msg.Text})
	}
	return truncateLowestRelevanceFirst(turns, budget)
}

// mergeScored applies the recency-reweighted score to m and keeps the
// higher of the new and any existing score for the same message id.
func mergeScored(byID map[int64]*scoredMessage, m models.Message, relevance float64, now time.Time) {
	deltaHours := now.Sub(m.Timestamp).Hours()
	final := recencyReweightAlpha*relevance + (1-recencyReweightAlpha)*math.Exp(-deltaHours/168)

	if existing, ok := byID[m.ID]; ok {
		if final > existing.score {
			existing.score = final
		}
		return
	}
	byID[m.ID] = &scoredMessage{msg: m, score: final}
}

// assembleRecent fetches the most recent contiguous messages from the same
// (chat, thread) and truncates oldest-first.
func (a *Assembler) assembleRecent(ctx context.Context, msg models.Message, budget int) []models.Turn {
	const poolSize = 50
	messages, err := a.store.GetRecentMessages(ctx, msg.ChatID, msg.ThreadID, poolSize)
	if err != nil || len(messages) == 0 {
		return nil
	}

	turns := make([]models.Turn, 0, len(messages))
	for _, m := range messages {
		turns = append(turns, models.Turn{Role: roleFor(m), Text: m.Text})
	}
	return truncateOldestFirst(turns, budget)
}

func (a *Assembler) emergencyFallback(ctx context.Context, chatID int64) []models.Turn {
	messages, err := a.store.GetRecentMessages(ctx, chatID, nil, 10)
	if err != nil {
		return nil
	}
	turns := make([]models.Turn, 0, len(messages))
	for _, m := range messages {
		turns = append(turns, models.Turn{Role: roleFor(m), Text: m.Text})
	}
	return truncateOldestFirst(turns, a.tokenBudget)
}

func roleFor(m models.Message) string {
	if m.IsFromSelf {
		return "assistant"
	}
	return "user"
}

// truncateOldestFirst drops leading turns until the remainder fits budget.
func truncateOldestFirst(turns []models.Turn, budget int) []models.Turn {
	total := sumTokens(turns)
	start := 0
	for total > budget && start < len(turns) {
		total -= estimateTokens(turns[start].Text)
		start++
	}
	return turns[start:]
}

// truncateLowestRelevanceFirst drops trailing turns (already ordered
// highest-relevance-first) until the remainder fits budget.
func truncateLowestRelevanceFirst(turns []models.Turn, budget int) []models.Turn {
	total := sumTokens(turns)
	end := len(turns)
	for total > budget && end > 0 {
		end--
		total -= estimateTokens(turns[end].Text)
	}
	return turns[:end]
}

func sumTokens(turns []models.Turn) int {
	total := 0
	for _, t := range turns {
		total += estimateTokens(t.Text)
	}
	return total
}
