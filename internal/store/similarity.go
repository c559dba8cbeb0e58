package store

import (
	"math"
	"sort"

	"github.com/chatmemory/agentcore/internal/models"
)

// CosineSimilarity mirrors the vector-store idiom used across the retrieved
// pack (see the sqvect vector store's similarity.go): plain float64 math
// over []float32 vectors, degrading to 0 for mismatched or zero vectors
// rather than panicking, since an embedding outage means most vectors here
// are simply absent.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

type scoredMessage struct {
	msg   models.Message
	score float64
}

// topKBySimilarity ranks candidates by cosine similarity to vector and
// returns the top limit, highest similarity first.
func topKBySimilarity(candidates []models.Message, vector []float32, limit int) []models.Message {
	scored := make([]scoredMessage, 0, len(candidates))
	for _, c := range candidates {
		if len(c.Embedding) == 0 {
			continue
		}
		scored = append(scored, scoredMessage{msg: c, score: CosineSimilarity(c.Embedding, vector)})
	}
	sort.Slice(scored, func(i, j int) bool { return scored[i].score > scored[j].score })
	if limit > len(scored) {
		limit = len(scored)
	}
	out := make([]models.Message, limit)
	for i := 0; i < limit; i++ {
		out[i] = scored[i].msg
	}
	return out
}
