package models

import (
	"strings"
	"time"
	"unicode/utf8"
)

// ConversationSummary is the list-level view of a conversation. Preview and MessageCount are
// denormalized from the message list so the conversation list can be rendered without loading
// full histories.
//
// A summary with MessageCount == 0 has never been confirmed by the remote API. Such a summary is
// local-only: it is never written to the local store and never deleted remotely.
type ConversationSummary struct {
	ID              string    `json:"id"`
	Title           string    `json:"title"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
	LastMessageDate time.Time `json:"lastMessageDate"`
	Preview         string    `json:"preview"`
	MessageCount    int       `json:"messageCount"`
}

// Record is the persisted layout of one conversation.
type Record struct {
	Summary     ConversationSummary `json:"summary"`
	Messages    []Message           `json:"messages"`
	LastFetched time.Time           `json:"lastFetched"`
}

const (
	// TitleMaxRunes is how much of the first user message is kept as a derived title.
	TitleMaxRunes = 50
	// PreviewMaxRunes is how much of the latest message is kept as a list preview.
	PreviewMaxRunes = 100

	// DefaultTitle is used when there is nothing to derive a title from.
	DefaultTitle = "New conversation"
)

// LocalOnly reports whether the summary has never been confirmed by the remote API.
func (c ConversationSummary) LocalOnly() bool {
	return c.MessageCount == 0
}

// DeriveTitle builds a title from the first user message.
func DeriveTitle(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if text == "" {
		return DefaultTitle
	}
	return truncate(text, TitleMaxRunes)
}

// Summarize recomputes the denormalized fields of summary from msgs. Caller-supplied values for
// Preview, MessageCount and LastMessageDate are ignored so that concurrent writers can never leave
// them out of step with the message list.
func Summarize(summary ConversationSummary, msgs []Message) ConversationSummary {
	summary.MessageCount = len(msgs)
	summary.Preview = ""
	summary.LastMessageDate = time.Time{}
	if len(msgs) == 0 {
		return summary
	}

	last := msgs[len(msgs)-1]
	summary.Preview = truncate(strings.Join(strings.Fields(last.Content), " "), PreviewMaxRunes)
	summary.LastMessageDate = last.Timestamp
	if summary.CreatedAt.IsZero() {
		summary.CreatedAt = msgs[0].Timestamp
	}
	if summary.LastMessageDate.After(summary.UpdatedAt) {
		summary.UpdatedAt = summary.LastMessageDate
	}
	if summary.Title == "" {
		for _, m := range msgs {
			if m.Sender == SenderUser {
				summary.Title = DeriveTitle(m.Content)
				break
			}
		}
	}
	return summary
}

func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:limit])) + "..."
}
