package backend

import (
	"context"
	"iter"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// Turn is one role-tagged message sent to a model.
type Turn struct {
	Role    string
	Content string
}

// LLM is a language model provider.
type LLM interface {
	// Chat streams the reply to the last turn.
	Chat(ctx context.Context, turns []Turn) iter.Seq2[string, error]
}

// TitleGenerator produces a short title for a conversation from its first prompt.
type TitleGenerator interface {
	GenerateTitle(ctx context.Context, prompt string) (string, error)
}

const (
	roleUser      = "user"
	roleAssistant = "assistant"

	// charsPerToken is the estimate used when no tokenizer is available.
	charsPerToken = 4

	maxTitleRunes = 50
)

// Tokenizer counts tokens for usage metadata.
type Tokenizer interface {
	CountTokens(text string) int
}

// TiktokenCounter counts tokens with a tiktoken encoding. The encoding is loaded on first use; if it
// cannot be loaded the counter falls back to EstimateTokens.
type TiktokenCounter struct {
	encoding string

	once *sync.Once
	enc  **tiktoken.Tiktoken
}

// EstimateCounter counts tokens as one per four characters.
type EstimateCounter struct{}

// NewTiktokenCounter returns a counter for the named encoding, such as "cl100k_base".
func NewTiktokenCounter(encoding string) TiktokenCounter {
	var enc *tiktoken.Tiktoken
	return TiktokenCounter{
		encoding: encoding,
		once:     &sync.Once{},
		enc:      &enc,
	}
}

// CountTokens implements Tokenizer.
func (t TiktokenCounter) CountTokens(text string) int {
	t.once.Do(func() {
		enc, err := tiktoken.GetEncoding(t.encoding)
		if err == nil {
			*t.enc = enc
		}
	})
	if *t.enc == nil {
		return EstimateTokens(text)
	}
	return len((*t.enc).Encode(text, nil, nil))
}

// CountTokens implements Tokenizer.
func (EstimateCounter) CountTokens(text string) int {
	return EstimateTokens(text)
}

// EstimateTokens approximates the token count of text.
func EstimateTokens(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	return max(1, n/charsPerToken)
}

// fallbackTitle derives a title from the first prompt when the provider cannot.
func fallbackTitle(prompt string) string {
	title := strings.Join(strings.Fields(prompt), " ")
	if utf8.RuneCountInString(title) <= maxTitleRunes {
		return title
	}
	r := []rune(title)
	return strings.TrimSpace(string(r[:maxTitleRunes])) + "..."
}

// cleanTitle tidies a generated title: one line, no surrounding quotes.
func cleanTitle(title string) string {
	title = strings.TrimSpace(title)
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = title[:i]
	}
	return strings.Trim(strings.TrimSpace(title), `"'`)
}
