package models_test

import (
	"strings"
	"testing"
	"time"

	"github.com/MegaGrindStone/chat-sync/internal/models"
	"github.com/stretchr/testify/require"
)

func TestDeriveTitle(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "short", in: "Hello", want: "Hello"},
		{name: "collapses whitespace", in: "  Hello \n  world ", want: "Hello world"},
		{name: "blank", in: "   ", want: models.DefaultTitle},
		{name: "long", in: strings.Repeat("a", 80), want: strings.Repeat("a", models.TitleMaxRunes) + "..."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, models.DeriveTitle(tt.in))
		})
	}
}

func TestSummarizeRecomputesDenormalizedFields(t *testing.T) {
	t0 := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	msgs := []models.Message{
		{ID: "1", Sender: models.SenderUser, Content: "Hi there", Timestamp: t0},
		{ID: "2", Sender: models.SenderBot, Content: "Hello!", Timestamp: t0.Add(time.Minute)},
	}

	got := models.Summarize(models.ConversationSummary{
		ID:           "s1",
		Preview:      "stale",
		MessageCount: 42,
	}, msgs)

	require.Equal(t, 2, got.MessageCount)
	require.Equal(t, "Hello!", got.Preview)
	require.Equal(t, t0.Add(time.Minute), got.LastMessageDate)
	require.Equal(t, t0.Add(time.Minute), got.UpdatedAt)
	require.Equal(t, t0, got.CreatedAt)
	require.Equal(t, "Hi there", got.Title)
	require.False(t, got.LocalOnly())

	empty := models.Summarize(got, nil)
	require.True(t, empty.LocalOnly())
	require.Empty(t, empty.Preview)
}

func TestSessionRefTransitions(t *testing.T) {
	var zero models.SessionRef
	require.True(t, zero.IsZero())
	require.False(t, zero.Confirmed())

	pending := models.PendingSession()
	require.False(t, pending.IsZero())
	require.False(t, pending.Confirmed())

	kept := pending.Confirm("")
	require.True(t, kept.Confirmed())
	require.Equal(t, pending.ID(), kept.ID())

	replaced := pending.Confirm("server-id")
	require.True(t, replaced.Confirmed())
	require.Equal(t, "server-id", replaced.ID())
	require.Equal(t, "confirmed(server-id)", replaced.String())
}

func TestHistoryMessagesKeepsKnownIDs(t *testing.T) {
	known := []models.Message{
		{ID: "u1", Sender: models.SenderUser, Content: "Hi"},
		{ID: "b1", Sender: models.SenderBot, Content: "partial"},
	}
	h := models.History{
		SessionID: "s1",
		History: []models.HistoryEntry{
			{Role: "user", Content: "Hi", CreatedAt: "2025-01-02T03:04:05Z"},
			{Role: "assistant", Content: "Hello there", CreatedAt: "2025-01-02T03:04:06.123456"},
		},
	}

	msgs := h.Messages(known)
	require.Len(t, msgs, 2)
	require.Equal(t, "u1", msgs[0].ID)
	require.NotEqual(t, "b1", msgs[1].ID)
	require.Equal(t, models.SenderBot, msgs[1].Sender)
	require.False(t, msgs[1].Timestamp.IsZero())

	s := h.Summary()
	require.Equal(t, "s1", s.ID)
	require.Equal(t, "Hi", s.Title)
	require.Equal(t, 2, s.MessageCount)
	require.Equal(t, "Hello there", s.Preview)
}

func TestRenderContent(t *testing.T) {
	html, err := models.RenderContent("**bold**")
	require.NoError(t, err)
	require.Contains(t, html, "<strong>bold</strong>")

	html, err = models.RenderContent("")
	require.NoError(t, err)
	require.Empty(t, html)
}
