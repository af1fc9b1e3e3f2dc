package services_test

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/MegaGrindStone/chat-sync/internal/models"
	"github.com/MegaGrindStone/chat-sync/internal/services"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newBoltDB(t *testing.T) services.BoltDB {
	t.Helper()

	db, err := services.NewBoltDB(filepath.Join(t.TempDir(), "store.db"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func exchange(t0 time.Time, prompt, reply string) []models.Message {
	return []models.Message{
		{ID: prompt + "-u", Sender: models.SenderUser, Content: prompt, Timestamp: t0},
		{ID: prompt + "-b", Sender: models.SenderBot, Content: reply, Timestamp: t0.Add(time.Second)},
	}
}

func TestBoltDBSaveRecomputesSummary(t *testing.T) {
	ctx := context.Background()
	db := newBoltDB(t)
	t0 := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	ok := db.SaveFullConversation(ctx, "s1", models.ConversationSummary{
		Title:        "Greeting",
		Preview:      "bogus",
		MessageCount: 99,
	}, exchange(t0, "Hello", "Hi, how can I help?"))
	require.True(t, ok)

	rec, found := db.FullConversation(ctx, "s1")
	require.True(t, found)
	require.Equal(t, "s1", rec.Summary.ID)
	require.Equal(t, "Greeting", rec.Summary.Title)
	require.Equal(t, 2, rec.Summary.MessageCount)
	require.Equal(t, "Hi, how can I help?", rec.Summary.Preview)
	require.True(t, rec.Summary.LastMessageDate.Equal(t0.Add(time.Second)))
	require.False(t, rec.LastFetched.IsZero())
	require.Len(t, rec.Messages, 2)
}

func TestBoltDBRefusesLocalOnlyConversation(t *testing.T) {
	ctx := context.Background()
	db := newBoltDB(t)

	require.False(t, db.SaveFullConversation(ctx, "s1", models.ConversationSummary{Title: "x"}, nil))
	_, found := db.FullConversation(ctx, "s1")
	require.False(t, found)
	require.Empty(t, db.ConversationSummaries(ctx))
}

func TestBoltDBSummariesNewestFirst(t *testing.T) {
	ctx := context.Background()
	db := newBoltDB(t)
	t0 := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	db.SaveFullConversation(ctx, "old", models.ConversationSummary{}, exchange(t0, "a", "b"))
	db.SaveFullConversation(ctx, "new", models.ConversationSummary{}, exchange(t0.Add(time.Hour), "c", "d"))
	db.SaveFullConversation(ctx, "mid", models.ConversationSummary{}, exchange(t0.Add(time.Minute), "e", "f"))

	ids := func() []string {
		var out []string
		for _, s := range db.ConversationSummaries(ctx) {
			out = append(out, s.ID)
		}
		return out
	}
	require.Equal(t, []string{"new", "mid", "old"}, ids())

	// Touching the oldest conversation moves it to the front and leaves no stale index entry.
	require.True(t, db.AddMessage(ctx, "old", models.Message{
		ID: "late", Sender: models.SenderUser, Content: "again", Timestamp: t0.Add(2 * time.Hour),
	}))
	require.Equal(t, []string{"old", "new", "mid"}, ids())
}

func TestBoltDBMessageOperations(t *testing.T) {
	ctx := context.Background()
	db := newBoltDB(t)
	t0 := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	db.SaveFullConversation(ctx, "s1", models.ConversationSummary{}, exchange(t0, "Hello", "Hi"))

	require.True(t, db.UpdateMessageContent(ctx, "s1", "Hello-b", "Hi there!"))
	rec, _ := db.FullConversation(ctx, "s1")
	require.Equal(t, "Hi there!", rec.Messages[1].Content)
	require.Equal(t, "Hi there!", rec.Summary.Preview)

	require.False(t, db.UpdateMessageContent(ctx, "s1", "missing", "x"))
	require.False(t, db.AddMessage(ctx, "unknown", models.Message{ID: "m"}))

	require.True(t, db.DeleteMessage(ctx, "s1", "Hello-b"))
	rec, _ = db.FullConversation(ctx, "s1")
	require.Len(t, rec.Messages, 1)
	require.Equal(t, 1, rec.Summary.MessageCount)

	// Removing the last message leaves nothing worth keeping.
	require.True(t, db.DeleteMessage(ctx, "s1", "Hello-u"))
	_, found := db.FullConversation(ctx, "s1")
	require.False(t, found)
}

func TestBoltDBDeleteAndClear(t *testing.T) {
	ctx := context.Background()
	db := newBoltDB(t)
	t0 := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	db.SaveFullConversation(ctx, "a", models.ConversationSummary{}, exchange(t0, "a", "b"))
	db.SaveFullConversation(ctx, "b", models.ConversationSummary{}, exchange(t0, "c", "d"))

	require.True(t, db.DeleteConversation(ctx, "a"))
	require.True(t, db.DeleteConversation(ctx, "a"))
	require.Len(t, db.ConversationSummaries(ctx), 1)

	require.True(t, db.ClearAll(ctx))
	require.Empty(t, db.ConversationSummaries(ctx))
}

func TestBoltDBOperationsAreTotalAfterClose(t *testing.T) {
	ctx := context.Background()
	db, err := services.NewBoltDB(filepath.Join(t.TempDir(), "store.db"), testLogger())
	require.NoError(t, err)
	require.NoError(t, db.Close())

	require.Nil(t, db.ConversationSummaries(ctx))
	_, found := db.FullConversation(ctx, "x")
	require.False(t, found)
	require.False(t, db.SaveFullConversation(ctx, "x", models.ConversationSummary{},
		exchange(time.Now(), "a", "b")))
	require.False(t, db.DeleteConversation(ctx, "x"))
}
