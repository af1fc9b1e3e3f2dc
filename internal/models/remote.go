package models

import (
	"time"

	"github.com/google/uuid"
)

// GenerateRequest is the payload of the remote generate operation.
type GenerateRequest struct {
	Prompt         string `json:"prompt"`
	SessionID      string `json:"session_id,omitempty"`
	IncludeHistory bool   `json:"include_history"`
	Stream         *bool  `json:"stream,omitempty"`
}

// GenerateReply is the normalized result of the remote generate operation, whatever shape the
// server replied with.
type GenerateReply struct {
	Response  string `json:"response"`
	SessionID string `json:"session_id,omitempty"`
	Title     string `json:"title,omitempty"`

	// Streamed is true when Response was delivered incrementally. A reply that arrived in one piece
	// still has to be fed through a synthetic stream.
	Streamed bool `json:"-"`
}

// HistoryEntry is one message of a remote conversation history.
type HistoryEntry struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at,omitempty"`
}

// History is a remote conversation together with its messages.
type History struct {
	SessionID string         `json:"session_id"`
	Title     string         `json:"title,omitempty"`
	History   []HistoryEntry `json:"history"`
}

// DeleteResult is the reply of the remote delete operation.
type DeleteResult struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// Messages converts the remote history into messages. Identifiers of known messages are kept when
// the entry at the same position has the same sender and content, so a refresh does not churn ids
// the UI is already rendering.
func (h History) Messages(known []Message) []Message {
	msgs := make([]Message, len(h.History))
	for i, e := range h.History {
		ts := parseTimestamp(e.CreatedAt)
		msg := Message{
			ID:        uuid.New().String(),
			Content:   e.Content,
			Sender:    SenderFromRole(e.Role),
			Timestamp: ts,
		}
		if i < len(known) && known[i].Sender == msg.Sender && known[i].Content == msg.Content {
			msg.ID = known[i].ID
			if msg.Timestamp.IsZero() {
				msg.Timestamp = known[i].Timestamp
			}
		}
		msgs[i] = msg
	}
	return msgs
}

// Summary derives a conversation summary from the first and last history entries.
func (h History) Summary() ConversationSummary {
	s := ConversationSummary{
		ID:    h.SessionID,
		Title: h.Title,
	}
	if len(h.History) == 0 {
		return s
	}
	first := h.History[0]
	s.CreatedAt = parseTimestamp(first.CreatedAt)
	if s.Title == "" {
		for _, e := range h.History {
			if e.Role == "user" {
				s.Title = DeriveTitle(e.Content)
				break
			}
		}
	}
	s.UpdatedAt = parseTimestamp(h.History[len(h.History)-1].CreatedAt)
	return Summarize(s, h.Messages(nil))
}

func parseTimestamp(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t
		}
	}
	return time.Time{}
}
