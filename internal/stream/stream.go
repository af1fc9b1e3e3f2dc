// Package stream turns incremental chunk feeds into the growing content of a bot message.
//
// A feed is either genuine, yielding chunks as the network delivers them, or synthetic, produced
// from a reply that arrived in one piece and re-released in small chunks at reading pace so the
// experience is the same whichever way the backend answered.
package stream

import (
	"context"
	"iter"
	"strings"
	"unicode"

	"golang.org/x/time/rate"
)

// Feed yields text chunks in arrival order. A non-nil error ends the feed.
type Feed = iter.Seq2[string, error]

const (
	// DefaultWordsPerChunk is how many words a synthetic chunk carries.
	DefaultWordsPerChunk = 3
	// DefaultWordsPerSecond paces synthetic feeds.
	DefaultWordsPerSecond = 30
)

type syntheticConfig struct {
	wordsPerChunk  int
	wordsPerSecond float64
}

// SyntheticOption tunes a synthetic feed.
type SyntheticOption func(*syntheticConfig)

// WithWordsPerChunk sets the number of words per synthetic chunk.
func WithWordsPerChunk(n int) SyntheticOption {
	return func(c *syntheticConfig) {
		if n > 0 {
			c.wordsPerChunk = n
		}
	}
}

// WithWordsPerSecond sets the release pace of a synthetic feed. A non-positive value releases all
// chunks without pacing.
func WithWordsPerSecond(wps float64) SyntheticOption {
	return func(c *syntheticConfig) {
		c.wordsPerSecond = wps
	}
}

// Chunk splits text into pieces of at most words words each. Whitespace is kept attached to the
// preceding word, so concatenating the chunks gives back text exactly.
func Chunk(text string, words int) []string {
	if words <= 0 {
		words = DefaultWordsPerChunk
	}
	if text == "" {
		return nil
	}

	var chunks []string
	start, count := 0, 0
	inWord := false
	for i, r := range text {
		space := unicode.IsSpace(r)
		switch {
		case !space && !inWord:
			if count == words {
				chunks = append(chunks, text[start:i])
				start, count = i, 0
			}
			inWord = true
			count++
		case space && inWord:
			inWord = false
		}
	}
	return append(chunks, text[start:])
}

// Synthetic re-chunks a complete reply and releases the chunks at reading pace. Cancelling ctx halts
// the pacer; the feed then ends with ctx's error.
func Synthetic(ctx context.Context, text string, opts ...SyntheticOption) Feed {
	cfg := syntheticConfig{
		wordsPerChunk:  DefaultWordsPerChunk,
		wordsPerSecond: DefaultWordsPerSecond,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return func(yield func(string, error) bool) {
		chunks := Chunk(text, cfg.wordsPerChunk)

		limit := rate.Inf
		if cfg.wordsPerSecond > 0 {
			limit = rate.Limit(cfg.wordsPerSecond / float64(cfg.wordsPerChunk))
		}
		limiter := rate.NewLimiter(limit, 1)

		for _, c := range chunks {
			if err := limiter.Wait(ctx); err != nil {
				if ctx.Err() != nil {
					err = ctx.Err()
				}
				yield("", err)
				return
			}
			if !yield(c, nil) {
				return
			}
		}
	}
}

// Ingest folds feed into a single string. Each chunk is passed to apply as it arrives; when apply
// returns false ingestion stops, which is how a feed that is no longer current gets discarded.
// Chunks are concatenated in order without reordering or de-duplication.
func Ingest(feed Feed, apply func(chunk string) bool) (string, error) {
	var sb strings.Builder
	for chunk, err := range feed {
		if err != nil {
			return sb.String(), err
		}
		if apply != nil && !apply(chunk) {
			return sb.String(), nil
		}
		sb.WriteString(chunk)
	}
	return sb.String(), nil
}
