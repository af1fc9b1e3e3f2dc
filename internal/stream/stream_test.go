package stream_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MegaGrindStone/chat-sync/internal/stream"
	"github.com/stretchr/testify/require"
)

func TestChunk(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		words int
		want  []string
	}{
		{name: "empty", text: "", words: 3, want: nil},
		{name: "fewer words than chunk", text: "hello there", words: 3, want: []string{"hello there"}},
		{name: "exact groups", text: "a b c d e f", words: 3, want: []string{"a b c ", "d e f"}},
		{name: "keeps whitespace", text: "  one\n\ntwo  three four ", words: 2, want: []string{"  one\n\ntwo  ", "three four "}},
		{name: "default size", text: "a b c d", words: 0, want: []string{"a b c ", "d"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := stream.Chunk(tt.text, tt.words)
			require.Equal(t, tt.want, got)
			require.Equal(t, tt.text, strings.Join(got, ""))
		})
	}
}

func TestIngestConcatenationIsAssociative(t *testing.T) {
	separate, err := stream.Ingest(sliceFeed([]string{"a ", "b ", "c "}), nil)
	require.NoError(t, err)

	whole, err := stream.Ingest(sliceFeed([]string{"a b c "}), nil)
	require.NoError(t, err)

	require.Equal(t, whole, separate)
}

func TestIngestAppliesChunksInOrder(t *testing.T) {
	var seen []string
	got, err := stream.Ingest(sliceFeed([]string{"x", "x", "y"}), func(c string) bool {
		seen = append(seen, c)
		return true
	})
	require.NoError(t, err)
	require.Equal(t, "xxy", got)
	require.Equal(t, []string{"x", "x", "y"}, seen)
}

func TestIngestStopsWhenApplyRejects(t *testing.T) {
	n := 0
	got, err := stream.Ingest(sliceFeed([]string{"a", "b", "c"}), func(string) bool {
		n++
		return n < 2
	})
	require.NoError(t, err)
	require.Equal(t, "a", got)
}

func TestIngestReturnsFeedError(t *testing.T) {
	boom := errors.New("boom")
	feed := func(yield func(string, error) bool) {
		if !yield("partial", nil) {
			return
		}
		yield("", boom)
	}
	got, err := stream.Ingest(feed, nil)
	require.ErrorIs(t, err, boom)
	require.Equal(t, "partial", got)
}

func TestSyntheticReproducesText(t *testing.T) {
	text := "The quick brown fox jumps over the lazy dog."
	got, err := stream.Ingest(stream.Synthetic(context.Background(), text, stream.WithWordsPerSecond(0)), nil)
	require.NoError(t, err)
	require.Equal(t, text, got)
}

func TestSyntheticIsPaced(t *testing.T) {
	// Six words, two per chunk, at twenty words per second: one chunk every 100ms after the first.
	start := time.Now()
	_, err := stream.Ingest(stream.Synthetic(context.Background(), "a b c d e f",
		stream.WithWordsPerChunk(2),
		stream.WithWordsPerSecond(20),
	), nil)
	require.NoError(t, err)
	require.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

func TestSyntheticStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	var chunks int
	got, err := stream.Ingest(stream.Synthetic(ctx, strings.Repeat("word ", 30), stream.WithWordsPerSecond(10)),
		func(string) bool {
			chunks++
			if chunks == 1 {
				cancel()
			}
			return true
		})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, "word word word ", got)
}

func sliceFeed(chunks []string) stream.Feed {
	return func(yield func(string, error) bool) {
		for _, c := range chunks {
			if !yield(c, nil) {
				return
			}
		}
	}
}
