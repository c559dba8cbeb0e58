// Package quality implements the Fact Quality Manager (Component G): the
// normalize -> dedup -> resolve-conflicts -> decay-and-persist pipeline
// that turns a batch of candidate facts plus the user's existing facts
// (scoped by the caller to the (type, key) pairs the batch touches) into a
// transactional write against the Fact Store. It is grounded on the
// teacher's transactional-write discipline in internal/database,
// generalized from request-scoped database writes into a multi-stage batch
// pipeline.
package quality

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/chatmemory/agentcore/internal/config"
	"github.com/chatmemory/agentcore/internal/models"
	"github.com/chatmemory/agentcore/internal/store"
)

const (
	dedupSimilarityDefault   = 0.85
	conflictSimilarityLow    = 0.70
	factHalfLifeDaysDefault  = 90.0
	factMinConfidenceDefault = 0.1
)

// EmbeddingProvider is the subset of internal/cache.EmbeddingCache the
// dedup/conflict stages need. Embedding failure degrades to string equality
// on value_canonical, per the contract.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, bool, error)
}

// Store is the subset of internal/store.DB the manager writes through.
type Store interface {
	CommitFactBatch(ctx context.Context, writes []store.FactWrite) error
}

type Manager struct {
	store      Store
	embeddings EmbeddingProvider
	learning   config.LearningConfig
}

func New(st Store, embeddings EmbeddingProvider, learning config.LearningConfig) *Manager {
	if learning.DedupSimilarity == 0 {
		learning.DedupSimilarity = dedupSimilarityDefault
	}
	if learning.ConflictSimilarityLow == 0 {
		learning.ConflictSimilarityLow = conflictSimilarityLow
	}
	if learning.FactHalfLifeDays == 0 {
		learning.FactHalfLifeDays = factHalfLifeDaysDefault
	}
	if learning.FactMinConfidence == 0 {
		learning.FactMinConfidence = factMinConfidenceDefault
	}
	return &Manager{store: st, embeddings: embeddings, learning: learning}
}

// mergeStep is one recorded touch against an entry — a dedup reinforcement,
// a reactivation, or a conflict-driven value change — captured at the
// moment it happens so decayAndPersist can replay each one as its own
// FactVersion instead of collapsing a whole batch's worth of touches into a
// single version carrying the net effect.
type mergeStep struct {
	oldConfidence float64
	newConfidence float64
	oldValue      string
	newValue      string
	changeType    models.ChangeType
	reason        string
}

// entry is the pipeline's working unit: either a pre-existing Fact (active
// or previously deactivated) or a fresh candidate, tracked together so
// dedup/conflict can compare both sets uniformly.
type entry struct {
	isExisting bool
	fact       models.Fact          // populated when isExisting
	candidate  models.CandidateFact // populated when !isExisting
	canonical  string
	embedding  []float32
	superseded bool
	mergedInto *entry

	// touched marks an entry that actually participated in a dedup or
	// conflict comparison this pass; decayAndPersist only ever decays or
	// versions touched entries.
	touched bool
	// reactivated marks a previously-deactivated existing Fact re-matched
	// by a new candidate this pass.
	reactivated bool

	// originalConfidence/originalValue/originalActive snapshot the entry's
	// state as loaded, before dedup/resolveConflicts mutate it in place, so
	// decayAndPersist can compute decay against the pre-batch baseline and
	// detect no-op supersessions of already-inactive facts.
	originalConfidence float64
	originalValue      string
	originalActive     bool

	mergeSteps []mergeStep
}

func (e *entry) userID() int64 {
	if e.isExisting {
		return e.fact.UserID
	}
	return e.candidate.UserID
}

func (e *entry) factType() string {
	if e.isExisting {
		return e.fact.Type
	}
	return e.candidate.Type
}

func (e *entry) key() string {
	if e.isExisting {
		return e.fact.Key
	}
	return e.candidate.Key
}

func (e *entry) confidence() float64 {
	if e.isExisting {
		return e.fact.Confidence
	}
	return e.candidate.Confidence
}

func (e *entry) setConfidence(v float64) {
	if e.isExisting {
		e.fact.Confidence = v
	} else {
		e.candidate.Confidence = v
	}
}

func (e *entry) source() models.FactSource {
	if e.isExisting {
		return e.fact.Source
	}
	return e.candidate.Source
}

func (e *entry) createdAt() time.Time {
	if e.isExisting {
		return e.fact.CreatedAt
	}
	return time.Now()
}

// Process runs the full pipeline for one user's batch and commits the
// result to the store in a single transaction. `existing` should already be
// scoped by the caller to the (type, key) pairs present in `candidates`
// (store.GetActiveFactsByTypeKey / GetInactiveFactsByTypeKey), not the
// user's entire fact set. A commit failure is returned to the caller; the
// orchestrator logs it and neither requeues the window nor marks it
// permanently failed.
func (m *Manager) Process(ctx context.Context, userID, chatID int64, candidates []models.CandidateFact, existing []models.Fact) error {
	entries := m.buildEntries(ctx, candidates, existing)
	m.dedup(entries)
	m.resolveConflicts(entries)
	writes := m.decayAndPersist(entries)

	if len(writes) == 0 {
		return nil
	}
	return m.store.CommitFactBatch(ctx, writes)
}

func (m *Manager) buildEntries(ctx context.Context, candidates []models.CandidateFact, existing []models.Fact) []*entry {
	entries := make([]*entry, 0, len(candidates)+len(existing))
	for _, f := range existing {
		canonical := normalizeValue(f.ValueCanonical)
		embedding := f.Embedding
		if len(embedding) == 0 && m.embeddings != nil {
			if vec, _, err := m.embeddings.Embed(ctx, canonical); err == nil {
				embedding = vec
			}
		}
		entries = append(entries, &entry{
			isExisting:         true,
			fact:               f,
			canonical:          canonical,
			embedding:          embedding,
			originalConfidence: f.Confidence,
			originalValue:      canonical,
			originalActive:     f.IsActive,
		})
	}
	for _, c := range candidates {
		canonical := normalizeValue(c.ValueRaw)
		e := &entry{
			isExisting:         false,
			candidate:          c,
			canonical:          canonical,
			originalConfidence: c.Confidence,
			originalValue:      canonical,
		}
		if m.embeddings != nil {
			if vec, _, err := m.embeddings.Embed(ctx, canonical); err == nil {
				e.embedding = vec
			} else {
				slog.Warn("fact quality manager embedding lookup failed, degrading to string equality", "error", err)
			}
		}
		entries = append(entries, e)
	}
	return entries
}

// dedup merges pairs at or above the dedup threshold. The surviving entry
// (the merge root) is chosen by pickMergeRoot, not simply by age: a
// previously-deactivated existing Fact always wins so a rematch reactivates
// it in place, and an existing Fact otherwise beats a brand-new candidate so
// repeated mentions reinforce the persisted row instead of spawning one.
// Every merge is recorded as its own mergeStep so a chain of N merges onto
// the same root produces N versions rather than one net-effect version.
func (m *Manager) dedup(entries []*entry) {
	for i := 0; i < len(entries); i++ {
		if entries[i].superseded {
			continue
		}
		for j := i + 1; j < len(entries); j++ {
			if entries[j].superseded {
				continue
			}
			if entries[i].userID() != entries[j].userID() || entries[i].factType() != entries[j].factType() || entries[i].key() != entries[j].key() {
				continue
			}
			if !similar(entries[i], entries[j], m.learning.DedupSimilarity) {
				continue
			}

			root, absorbed := pickMergeRoot(entries[i], entries[j])
			m.recordDedupMerge(root, absorbed)

			if entries[i].superseded {
				break
			}
		}
	}
}

func (m *Manager) recordDedupMerge(root, absorbed *entry) {
	root.touched = true
	absorbed.touched = true

	oldConf := root.confidence()
	newConf := oldConf + math.Min(0.1, 1.0-oldConf)

	changeType := models.ChangeReinforcement
	reason := "deduplicated with overlapping candidate"
	if root.isExisting && !root.fact.IsActive {
		root.fact.IsActive = true
		root.reactivated = true
		changeType = models.ChangeCorrection
		reason = "reactivated by a matching new candidate"
	}

	root.mergeSteps = append(root.mergeSteps, mergeStep{
		oldConfidence: oldConf,
		newConfidence: newConf,
		oldValue:      root.canonical,
		newValue:      root.canonical,
		changeType:    changeType,
		reason:        reason,
	})
	root.setConfidence(newConf)

	absorbed.superseded = true
	absorbed.mergedInto = root
}

// pickMergeRoot decides which of two similar entries survives a dedup
// merge: a previously-deactivated existing Fact outranks everything (a
// rematch should reactivate it, not spawn a new row), an existing active
// Fact outranks a brand-new candidate, and ties fall back to age.
func pickMergeRoot(a, b *entry) (root, absorbed *entry) {
	pa, pb := mergeRootPriority(a), mergeRootPriority(b)
	switch {
	case pa > pb:
		return a, b
	case pb > pa:
		return b, a
	default:
		return orderByAge(a, b)
	}
}

func mergeRootPriority(e *entry) int {
	switch {
	case e.isExisting && !e.fact.IsActive:
		return 2
	case e.isExisting:
		return 1
	default:
		return 0
	}
}

// resolveConflicts scores candidates in [conflictSimilarityLow, dedupSimilarity)
// for the same (type, key) and keeps only the highest scorer. When a new
// candidate outscores an existing active Fact with a different value, the
// candidate's value is written into the existing row in place (same id,
// `evolution` version) instead of deactivating the old row and creating a
// new one.
func (m *Manager) resolveConflicts(entries []*entry) {
	now := time.Now()
	for i := 0; i < len(entries); i++ {
		if entries[i].superseded {
			continue
		}
		for j := i + 1; j < len(entries); j++ {
			if entries[j].superseded {
				continue
			}
			if entries[i].userID() != entries[j].userID() || entries[i].factType() != entries[j].factType() || entries[i].key() != entries[j].key() {
				continue
			}
			sim := similarity(entries[i], entries[j])
			if sim < m.learning.ConflictSimilarityLow || sim >= m.learning.DedupSimilarity {
				continue
			}

			entries[i].touched = true
			entries[j].touched = true

			winner, loser := entries[i], entries[j]
			if score(entries[j], now) > score(entries[i], now) {
				winner, loser = entries[j], entries[i]
			}

			if loser.isExisting && loser.fact.IsActive && !winner.isExisting {
				m.recordEvolution(loser, winner)
			} else {
				loser.superseded = true
				loser.mergedInto = winner
			}

			if entries[i].superseded {
				break
			}
		}
	}
}

func (m *Manager) recordEvolution(existingLoser, newWinner *entry) {
	oldConf := existingLoser.confidence()
	newConf := newWinner.confidence()
	oldValue := existingLoser.canonical

	existingLoser.mergeSteps = append(existingLoser.mergeSteps, mergeStep{
		oldConfidence: oldConf,
		newConfidence: newConf,
		oldValue:      oldValue,
		newValue:      newWinner.canonical,
		changeType:    models.ChangeEvolution,
		reason:        "value changed by a higher-scoring conflicting candidate",
	})
	existingLoser.canonical = newWinner.canonical
	existingLoser.fact.ValueCanonical = newWinner.canonical
	existingLoser.embedding = newWinner.embedding
	existingLoser.setConfidence(newConf)

	newWinner.superseded = true
	newWinner.mergedInto = existingLoser
}

func score(e *entry, now time.Time) float64 {
	confidence := e.confidence()
	deltaDays := now.Sub(e.createdAt()).Hours() / 24
	recency := math.Exp(-deltaDays / 30)
	detail := sigmoid(float64(len(e.canonical)))
	reliability := models.SourceReliability[e.source()]
	return 0.40*confidence + 0.30*recency + 0.20*detail + 0.10*reliability
}

func sigmoid(length float64) float64 {
	return 1 / (1 + math.Exp(-(length-10)/10))
}

func decayConfidence(confidence, deltaDays, halfLifeDays, minConfidence float64) float64 {
	decayed := confidence * math.Exp(-math.Ln2*deltaDays/halfLifeDays)
	if decayed < minConfidence {
		return minConfidence
	}
	return decayed
}

// decayAndPersist applies exponential decay to every touched Fact and
// produces the FactWrite batch the store commits atomically. Untouched
// existing entries — facts that shared a (type, key) with the batch but
// matched no candidate closely enough to dedup or conflict against — are
// skipped entirely: no decay, no version, no write.
func (m *Manager) decayAndPersist(entries []*entry) []store.FactWrite {
	var writes []store.FactWrite
	for _, e := range entries {
		if e.isExisting {
			writes = append(writes, m.persistExisting(e)...)
			continue
		}
		writes = append(writes, m.persistNewCandidate(e)...)
	}
	return writes
}

func (m *Manager) persistExisting(e *entry) []store.FactWrite {
	if !e.touched {
		return nil
	}

	now := time.Now()
	factPtr := &e.fact

	if e.superseded {
		if !e.originalActive {
			// Already inactive before this pass and never reactivated or
			// evolved by it: losing a comparison against it changes nothing.
			return nil
		}
		oldConfidence := e.originalConfidence
		deltaDays := now.Sub(e.fact.LastReinforcedAt).Hours() / 24
		decayed := decayConfidence(oldConfidence, deltaDays, m.learning.FactHalfLifeDays, m.learning.FactMinConfidence)
		e.fact.Confidence = decayed
		e.fact.LastDecayedAt = now
		e.fact.IsActive = false
		return []store.FactWrite{{
			Fact: factPtr,
			Version: models.FactVersion{
				ChangeType:      models.ChangeSupersession,
				OldValue:        ptr(e.originalValue),
				NewValue:        e.fact.ValueCanonical,
				OldConfidence:   ptr(oldConfidence),
				NewConfidence:   decayed,
				DeltaConfidence: decayed - oldConfidence,
				Reason:          "superseded by conflict resolution",
			},
		}}
	}

	// Surviving, touched entry: decay once against the confidence as
	// loaded, then replay each recorded merge step (reinforcement,
	// correction, or evolution) as its own version in order, so a fact
	// touched by several candidates in one batch gets one version per
	// touch instead of a single version carrying the net effect.
	deltaDays := now.Sub(e.fact.LastReinforcedAt).Hours() / 24
	decayed := decayConfidence(e.originalConfidence, deltaDays, m.learning.FactHalfLifeDays, m.learning.FactMinConfidence)

	writes := []store.FactWrite{{
		Fact: factPtr,
		Version: models.FactVersion{
			ChangeType:      models.ChangeReinforcement,
			OldValue:        ptr(e.originalValue),
			NewValue:        e.originalValue,
			OldConfidence:   ptr(e.originalConfidence),
			NewConfidence:   decayed,
			DeltaConfidence: decayed - e.originalConfidence,
			Reason:          "periodic decay",
		},
	}}

	runningConfidence, runningValue := decayed, e.originalValue
	for _, step := range e.mergeSteps {
		delta := step.newConfidence - step.oldConfidence
		writes = append(writes, store.FactWrite{
			Fact: factPtr,
			Version: models.FactVersion{
				ChangeType:      step.changeType,
				OldValue:        ptr(step.oldValue),
				NewValue:        step.newValue,
				OldConfidence:   ptr(runningConfidence),
				NewConfidence:   runningConfidence + delta,
				DeltaConfidence: delta,
				Reason:          step.reason,
			},
		})
		runningConfidence += delta
		runningValue = step.newValue
	}

	e.fact.Confidence = runningConfidence
	e.fact.ValueCanonical = runningValue
	e.fact.LastDecayedAt = now
	e.fact.LastReinforcedAt = now
	return writes
}

func (m *Manager) persistNewCandidate(e *entry) []store.FactWrite {
	if e.superseded {
		return nil
	}

	newFact := &models.Fact{
		UserID:            e.candidate.UserID,
		ChatID:            e.candidate.ChatID,
		Type:              e.candidate.Type,
		Key:               e.candidate.Key,
		ValueCanonical:    e.originalValue,
		Confidence:        e.originalConfidence,
		IsActive:          true,
		EvidenceMessageID: ptrInt64(e.candidate.EvidenceMessageID),
		Source:            e.candidate.Source,
		Embedding:         e.embedding,
	}

	writes := []store.FactWrite{{
		Fact: newFact,
		Version: models.FactVersion{
			ChangeType:      models.ChangeCreation,
			NewValue:        newFact.ValueCanonical,
			NewConfidence:   newFact.Confidence,
			DeltaConfidence: newFact.Confidence,
			Reason:          "extracted",
		},
	}}

	// Every entry dedup-merged into this one before it was ever persisted
	// (§8 scenario S1) becomes its own reinforcement version against the
	// now-assigned row, not a single version carrying the net confidence.
	runningConfidence, runningValue := e.originalConfidence, e.originalValue
	for _, step := range e.mergeSteps {
		delta := step.newConfidence - step.oldConfidence
		writes = append(writes, store.FactWrite{
			Fact: newFact,
			Version: models.FactVersion{
				ChangeType:      step.changeType,
				OldValue:        ptr(step.oldValue),
				NewValue:        step.newValue,
				OldConfidence:   ptr(runningConfidence),
				NewConfidence:   runningConfidence + delta,
				DeltaConfidence: delta,
				Reason:          step.reason,
			},
		})
		runningConfidence += delta
		runningValue = step.newValue
	}

	newFact.Confidence = runningConfidence
	newFact.ValueCanonical = runningValue
	return writes
}

func similar(a, b *entry, threshold float64) bool {
	return similarity(a, b) >= threshold
}

func similarity(a, b *entry) float64 {
	if len(a.embedding) > 0 && len(b.embedding) > 0 {
		return store.CosineSimilarity(a.embedding, b.embedding)
	}
	if a.canonical == b.canonical {
		return 1.0
	}
	return 0.0
}

func orderByAge(a, b *entry) (older, newer *entry) {
	if a.createdAt().Before(b.createdAt()) {
		return a, b
	}
	return b, a
}

func ptr(s string) *string { return &s }

func ptrInt64(v int64) *int64 {
	if v == 0 {
		return nil
	}
	return &v
}

// RequeuePolicy tracks the single-retry-then-permanent-failure rule from
// §4.G's failure semantics. No caller in this module applies it around
// Process.
type RequeuePolicy struct {
	attempted bool
}

// ShouldRetry reports whether this is the first failure for a window (the
// caller should requeue) or the second (the caller should mark it
// permanently failed).
func (p *RequeuePolicy) ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if !p.attempted {
		p.attempted = true
		return true
	}
	return false
}
