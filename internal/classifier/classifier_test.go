package classifier

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/chatmemory/agentcore/internal/models"
)

func TestClassify_NoiseWhenEmptyAndNoUserMedia(t *testing.T) {
	msg := models.Message{Text: "", Media: []string{"sticker"}}
	label, _ := Classify(DefaultConfig(), msg, AddressingContext{})
	assert.Equal(t, models.ValueNoise, label)
}

func TestClassify_HighWhenAddressedByMention(t *testing.T) {
	msg := models.Message{Text: "@agent what do you think about this"}
	label, conf := Classify(DefaultConfig(), msg, AddressingContext{})
	assert.Equal(t, models.ValueHigh, label)
	assert.Greater(t, conf, 0.0)
}

func TestClassify_HighWhenReplyToAgent(t *testing.T) {
	msg := models.Message{Text: "yeah that works"}
	label, _ := Classify(DefaultConfig(), msg, AddressingContext{IsReplyToAgent: true})
	assert.Equal(t, models.ValueHigh, label)
}

func TestClassify_LowWhenShort(t *testing.T) {
	msg := models.Message{Text: "nice one"}
	label, _ := Classify(DefaultConfig(), msg, AddressingContext{})
	assert.Equal(t, models.ValueLow, label)
}

func TestClassify_LowWhenGreeting(t *testing.T) {
	msg := models.Message{Text: "thank you"}
	label, _ := Classify(DefaultConfig(), msg, AddressingContext{})
	assert.Equal(t, models.ValueLow, label)
}

func TestClassify_HighWhenInterrogative(t *testing.T) {
	msg := models.Message{Text: "why does the deploy keep failing on staging"}
	label, _ := Classify(DefaultConfig(), msg, AddressingContext{})
	assert.Equal(t, models.ValueHigh, label)
}

func TestClassify_HighWhenLongAndDiverse(t *testing.T) {
	msg := models.Message{Text: "the server crashed overnight because memory usage kept climbing steadily without any cleanup"}
	label, _ := Classify(DefaultConfig(), msg, AddressingContext{})
	assert.Equal(t, models.ValueHigh, label)
}

func TestClassify_MediumOtherwise(t *testing.T) {
	msg := models.Message{Text: "running it again now locally"}
	label, _ := Classify(DefaultConfig(), msg, AddressingContext{})
	assert.Equal(t, models.ValueMedium, label)
}

func TestClassify_LowWhenRepeatedTokens(t *testing.T) {
	msg := models.Message{Text: "lol lol lol lol really"}
	label, _ := Classify(DefaultConfig(), msg, AddressingContext{})
	assert.Equal(t, models.ValueLow, label)
}
