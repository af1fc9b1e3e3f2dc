package models

import (
	"time"

	"github.com/google/uuid"
)

// Message is a single entry in a conversation. Bot messages are created empty as a placeholder when a
// response starts, grow while the response streams in, and are frozen once it completes.
type Message struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Sender    Sender    `json:"sender"`
	Timestamp time.Time `json:"timestamp"`

	// Error marks a bot message that carries a failure description instead of a reply.
	Error bool `json:"error,omitempty"`
	// IsRetryable is set together with Error when the exchange can be sent again.
	IsRetryable bool `json:"isRetryable,omitempty"`
}

// Sender identifies who authored a message.
type Sender string

const (
	// SenderUser marks a message typed by the user.
	SenderUser Sender = "user"
	// SenderBot marks a message produced by the remote model.
	SenderBot Sender = "bot"
)

// NewMessage creates a message with a fresh client-side identifier.
func NewMessage(sender Sender, content string, ts time.Time) Message {
	return Message{
		ID:        uuid.New().String(),
		Content:   content,
		Sender:    sender,
		Timestamp: ts,
	}
}

// SenderFromRole maps a remote history role to a Sender. Anything that is not "user" is treated as
// the model's side of the exchange.
func SenderFromRole(role string) Sender {
	if role == "user" {
		return SenderUser
	}
	return SenderBot
}

// Role is the inverse of SenderFromRole.
func (s Sender) Role() string {
	if s == SenderUser {
		return "user"
	}
	return "assistant"
}
