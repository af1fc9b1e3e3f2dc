package backend

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"

	"google.golang.org/genai"
)

// Gemini provides an implementation of the LLM interface for Google's Gemini models.
type Gemini struct {
	model        string
	systemPrompt string
	titlePrompt  string

	client *genai.Client

	logger *slog.Logger
}

// NewGemini creates a Gemini client for the Gemini API with the given key.
func NewGemini(
	ctx context.Context,
	apiKey, model, systemPrompt, titlePrompt string,
	logger *slog.Logger,
) (Gemini, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return Gemini{}, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return Gemini{
		model:        model,
		systemPrompt: systemPrompt,
		titlePrompt:  titlePrompt,
		client:       client,
		logger:       logger.With(slog.String("module", "gemini")),
	}, nil
}

func geminiContents(turns []Turn) []*genai.Content {
	contents := make([]*genai.Content, 0, len(turns))
	for _, t := range turns {
		if t.Content == "" {
			continue
		}
		role := genai.Role(genai.RoleUser)
		if t.Role == roleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(t.Content, role))
	}
	return contents
}

// Chat implements the LLM interface.
func (g Gemini) Chat(ctx context.Context, turns []Turn) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		contents := geminiContents(turns)
		if len(contents) == 0 {
			yield("", errors.New("cannot send an empty prompt"))
			return
		}

		var cfg *genai.GenerateContentConfig
		if g.systemPrompt != "" {
			cfg = &genai.GenerateContentConfig{
				SystemInstruction: genai.NewContentFromText(g.systemPrompt, genai.RoleUser),
			}
		}

		for res, err := range g.client.Models.GenerateContentStream(ctx, g.model, contents, cfg) {
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				yield("", fmt.Errorf("error receiving response: %w", err))
				return
			}
			text := responseText(res)
			if text == "" {
				continue
			}
			if !yield(text, nil) {
				return
			}
		}
	}
}

// GenerateTitle implements the TitleGenerator interface.
func (g Gemini) GenerateTitle(ctx context.Context, prompt string) (string, error) {
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(g.titlePrompt, genai.RoleUser),
	}
	res, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), cfg)
	if err != nil {
		return "", fmt.Errorf("error sending request: %w", err)
	}
	title := responseText(res)
	if title == "" {
		return "", errors.New("no candidates found")
	}
	return title, nil
}

func responseText(res *genai.GenerateContentResponse) string {
	if res == nil {
		return ""
	}
	var text string
	for _, c := range res.Candidates {
		if c.Content == nil {
			continue
		}
		for _, p := range c.Content.Parts {
			if p != nil && !p.Thought {
				text += p.Text
			}
		}
	}
	return text
}
