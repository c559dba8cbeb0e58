// Package models holds the data model from the specification's data model
// section: Message, Profile, Fact, FactVersion, Window, Episode,
// ProactiveEvent, and EmbeddingCacheEntry, plus the small enums they share.
package models

import "time"

// Value is the advisory label the Message Classifier assigns.
type Value string

const (
	ValueHigh   Value = "HIGH"
	ValueMedium Value = "MEDIUM"
	ValueLow    Value = "LOW"
	ValueNoise  Value = "NOISE"
)

// FactSource records where a candidate fact's confidence baseline came from,
// used by the Fact Quality Manager's source_reliability term.
type FactSource string

const (
	SourceAddressed FactSource = "addressed"
	SourceWindow    FactSource = "window"
	SourceRule      FactSource = "rule"
	SourceModel     FactSource = "model"
)

// SourceReliability is the §4.G.3 source_reliability lookup table.
var SourceReliability = map[FactSource]float64{
	SourceRule:      0.6,
	SourceWindow:    0.7,
	SourceModel:     0.8,
	SourceAddressed: 1.0,
}

type ChangeType string

const (
	ChangeCreation      ChangeType = "creation"
	ChangeReinforcement ChangeType = "reinforcement"
	ChangeEvolution     ChangeType = "evolution"
	ChangeCorrection    ChangeType = "correction"
	ChangeSupersession  ChangeType = "supersession"
)

type ClosureReason string

const (
	ClosureSize     ClosureReason = "size"
	ClosureTimeout  ClosureReason = "timeout"
	ClosureShutdown ClosureReason = "shutdown"
)

type EmotionalValence string

const (
	ValencePositive EmotionalValence = "positive"
	ValenceNegative EmotionalValence = "negative"
	ValenceNeutral  EmotionalValence = "neutral"
	ValenceMixed    EmotionalValence = "mixed"
)

type ProactiveDecision string

const (
	DecisionSend     ProactiveDecision = "SEND"
	DecisionSuppress ProactiveDecision = "SUPPRESS"
)

type IntentType string

const (
	IntentQuestion    IntentType = "QUESTION"
	IntentRequest     IntentType = "REQUEST"
	IntentProblem     IntentType = "PROBLEM"
	IntentOpportunity IntentType = "OPPORTUNITY"
	IntentNone        IntentType = "NONE"
)

type Reaction string

const (
	ReactionPositive Reaction = "POSITIVE"
	ReactionNegative Reaction = "NEGATIVE"
	ReactionIgnored  Reaction = "IGNORED"
)

// Message is immutable after write.
type Message struct {
	ID                int64
	ChatID            int64
	ThreadID          *int64
	UserID            int64
	AuthorName        string
	Text              string
	Media             []string
	ReplyToMessageID  *int64
	Timestamp         time.Time
	Embedding         []float32
	RetentionFlag     bool
	IsFromSelf        bool
}

// Profile is one row per (user, chat).
type Profile struct {
	UserID            int64
	ChatID            int64
	DisplayName       string
	Aliases           []string
	FirstSeen         time.Time
	LastSeen          time.Time
	InteractionCount  int
	SummaryText       string
	SummaryVersion    int
	SummaryUpdatedAt  time.Time
}

// Fact is a structured, confidence-weighted statement about a user.
type Fact struct {
	ID                int64
	UserID            int64
	ChatID            int64
	Type              string
	Key               string
	ValueCanonical    string
	Confidence        float64
	IsActive          bool
	EvidenceMessageID *int64
	Source            FactSource
	Embedding         []float32
	CreatedAt         time.Time
	LastReinforcedAt  time.Time
	LastDecayedAt     time.Time
}

// FactVersion is an append-only record of a change to a Fact.
type FactVersion struct {
	ID              int64
	FactID          int64
	VersionNumber   int
	ChangeType      ChangeType
	OldValue        *string
	NewValue        string
	OldConfidence   *float64
	NewConfidence   float64
	DeltaConfidence float64
	Reason          string
	CreatedAt       time.Time
}

// Window groups a bounded contiguous run of non-NOISE messages.
type Window struct {
	ID              int64
	ChatID          int64
	ThreadID        *int64
	FirstMessageID  int64
	LastMessageID   int64
	MessageCount    int
	Participants    []int64
	OpenedAt        time.Time
	ClosedAt        *time.Time
	ClosureReason   ClosureReason
	DominantValue   Value
	Processed       bool
	Skipped         bool
	FailedPermanently bool
}

// Episode is a durable summary of a longer conversation segment.
type Episode struct {
	ID              int64
	ChatID          int64
	ThreadID        *int64
	Topic           string
	Summary         string
	MessageIDs      []int64
	Participants    []int64
	Importance      float64
	EmotionalValence EmotionalValence
	Tags            []string
	CreatedAt       time.Time
	LastAccessedAt  time.Time
}

// ProactiveEvent records one decision of the Proactive Trigger.
type ProactiveEvent struct {
	ID                  int64
	ChatID              int64
	WindowID            int64
	IntentType          IntentType
	IntentConfidence    float64
	AdjustedConfidence  float64
	Decision            ProactiveDecision
	BlockReason         string
	ResponseMessageID   *int64
	UserReaction        *Reaction
	ReactionDelayMs     *int64
	CreatedAt           time.Time
}

// EmbeddingCacheEntry is the persistent-tier row behind the Embedding Cache.
type EmbeddingCacheEntry struct {
	TextSHA256     string
	ModelID        string
	Vector         []float32
	CreatedAt      time.Time
	LastAccessedAt time.Time
	AccessCount    int64
}

// Turn is a single (role, text) entry in an assembled prompt context.
type Turn struct {
	Role string
	Text string
}

// AssembledContext is the Context Assembler's output.
type AssembledContext struct {
	SystemPrefix   string
	Turns          []Turn
	EstimatedTokens int
}

// CandidateFact is what the Fact Extractor emits, before quality management.
type CandidateFact struct {
	UserID            int64
	ChatID            int64
	Type              string
	Key               string
	ValueRaw          string
	Confidence        float64
	EvidenceMessageID int64
	Source            FactSource
}
