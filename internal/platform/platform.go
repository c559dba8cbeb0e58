// Package platform specifies the messaging-platform client boundary from
// §6: inbound Message records and an outbound send operation, both declared
// out of scope for this module's core but given one concrete, swappable Go
// shape so the orchestrator has something real to call. InboundEvent
// mirrors the exact field list §6 names; Client.SendMessage is the only
// outbound operation the core depends on.
package platform

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// InboundEvent is what the messaging-platform client hands the orchestrator
// for every incoming message, per §6.
type InboundEvent struct {
	MessageID        int64
	ChatID           int64
	ThreadID         *int64
	UserID           int64
	AuthorName       string
	Text             string
	MediaRefs        []string
	ReplyToMessageID *int64
	IsFromSelf       bool
	IsReplyToAgent   bool
	Timestamp        time.Time
}

// Client is the outbound half of §6's messaging-platform contract: send a
// reply and get back the platform's assigned message id.
type Client interface {
	SendMessage(ctx context.Context, chatID int64, threadID *int64, text string, replyTo *int64) (int64, error)
}

// LoggingClient is a stub outbound adapter: it logs the outbound send and
// assigns a locally-unique id, standing in for a real platform SDK call so
// the rest of the system has a concrete collaborator to exercise against.
// A production deployment swaps this for the platform's actual client.
type LoggingClient struct {
	counter int64
}

func NewLoggingClient() *LoggingClient {
	return &LoggingClient{}
}

func (c *LoggingClient) SendMessage(ctx context.Context, chatID int64, threadID *int64, text string, replyTo *int64) (int64, error) {
	id := atomic.AddInt64(&c.counter, 1)
	slog.Info("outbound message sent", "chat_id", chatID, "thread_id", threadID, "message_id", id, "reply_to", replyTo)
	return id, nil
}
