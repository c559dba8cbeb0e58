// Package classifier implements the Message Classifier (Component C): a
// pure, rule-based function from a Message to an advisory Value label. It
// has no external dependencies, mirroring the teacher's validation package
// in spirit — small, deterministic, table-driven rules with no I/O.
package classifier

import (
	"regexp"
	"strings"

	"github.com/chatmemory/agentcore/internal/models"
)

// Config holds the lexicons and addressing markers the classifier needs.
// These are loaded once at startup and passed to every Classify call.
type Config struct {
	MentionHandles  []string // e.g. "@agent", matched case-insensitively
	AddressKeywords []string // configured wake-words, e.g. "hey bot"
	Greetings       []string // greeting/acknowledgement lexicon for LOW
}

// DefaultConfig matches the lexicon a typical group-chat deployment uses.
func DefaultConfig() Config {
	return Config{
		MentionHandles:  []string{"@agent", "@bot"},
		AddressKeywords: []string{"hey bot", "hey agent"},
		Greetings: []string{
			"hi", "hello", "hey", "yo", "sup", "thanks", "thank you", "ty",
			"ok", "okay", "cool", "nice", "lol", "lmao", "haha", "gm", "gn",
			"bye", "goodbye", "welcome", "yep", "yes", "no", "nope", "k",
		},
	}
}

var interrogativeMarkers = regexp.MustCompile(`[?？]|^\s*(who|what|when|where|why|how|which|can|could|would|should|is|are|do|does|did)\b`)

// AddressingContext carries the facts the classifier cannot derive from the
// Message alone: whether the reply chain terminates at the agent. Mention
// and keyword detection work directly off Message.Text.
type AddressingContext struct {
	IsReplyToAgent bool
}

// Classify returns the advisory Value label and a confidence in [0,1].
func Classify(cfg Config, msg models.Message, addressing AddressingContext) (models.Value, float64) {
	text := strings.TrimSpace(msg.Text)

	if text == "" && !hasUserAuthoredMedia(msg) {
		return models.ValueNoise, 0.95
	}

	if isAddressed(cfg, msg, addressing) {
		return models.ValueHigh, 0.9
	}

	words := strings.Fields(text)
	lower := strings.ToLower(text)

	if len(words) <= 2 {
		return models.ValueLow, 0.8
	}
	if matchesGreeting(cfg, lower) {
		return models.ValueLow, 0.75
	}
	if repeatedTokenRatio(words) > 0.6 {
		return models.ValueLow, 0.7
	}

	if interrogativeMarkers.MatchString(lower) {
		return models.ValueHigh, 0.7
	}
	if len(words) >= 10 && uniqueContentTokens(words) >= 3 {
		return models.ValueHigh, 0.65
	}

	return models.ValueMedium, 0.5
}

func hasUserAuthoredMedia(msg models.Message) bool {
	for _, m := range msg.Media {
		if m != "sticker" && m != "forwarded" && !strings.HasPrefix(m, "emoji:") {
			return true
		}
	}
	return false
}

func isAddressed(cfg Config, msg models.Message, addressing AddressingContext) bool {
	if addressing.IsReplyToAgent {
		return true
	}
	lower := strings.ToLower(msg.Text)
	for _, handle := range cfg.MentionHandles {
		if strings.Contains(lower, strings.ToLower(handle)) {
			return true
		}
	}
	for _, kw := range cfg.AddressKeywords {
		if strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

func matchesGreeting(cfg Config, lower string) bool {
	trimmed := strings.Trim(lower, " !.,?")
	for _, g := range cfg.Greetings {
		if trimmed == g {
			return true
		}
	}
	return false
}

func repeatedTokenRatio(words []string) float64 {
	if len(words) == 0 {
		return 0
	}
	counts := make(map[string]int, len(words))
	for _, w := range words {
		counts[strings.ToLower(w)]++
	}
	repeated := 0
	for _, c := range counts {
		if c > 1 {
			repeated += c
		}
	}
	return float64(repeated) / float64(len(words))
}

func uniqueContentTokens(words []string) int {
	seen := make(map[string]struct{}, len(words))
	for _, w := range words {
		w = strings.ToLower(strings.Trim(w, ".,!?;:\"'"))
		if len(w) < 3 {
			continue
		}
		seen[w] = struct{}{}
	}
	return len(seen)
}
