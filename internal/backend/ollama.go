package backend

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"net/url"

	"github.com/ollama/ollama/api"
)

// Ollama provides an implementation of the LLM interface for models served by an Ollama instance.
type Ollama struct {
	model        string
	systemPrompt string
	titlePrompt  string

	client *api.Client
}

// NewOllama creates an Ollama instance for the server at host.
func NewOllama(host, model, systemPrompt, titlePrompt string) (Ollama, error) {
	u, err := url.Parse(host)
	if err != nil {
		return Ollama{}, fmt.Errorf("invalid ollama host %q: %w", host, err)
	}

	return Ollama{
		model:        model,
		systemPrompt: systemPrompt,
		titlePrompt:  titlePrompt,
		client:       api.NewClient(u, &http.Client{}),
	}, nil
}

func ollamaMessages(systemPrompt string, turns []Turn) []api.Message {
	msgs := make([]api.Message, 0, len(turns)+1)
	if systemPrompt != "" {
		msgs = append(msgs, api.Message{Role: "system", Content: systemPrompt})
	}
	for _, t := range turns {
		msgs = append(msgs, api.Message{Role: t.Role, Content: t.Content})
	}
	return msgs
}

// Chat implements the LLM interface by streaming responses from the Ollama model.
func (o Ollama) Chat(ctx context.Context, turns []Turn) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		t := true
		req := api.ChatRequest{
			Model:    o.model,
			Messages: ollamaMessages(o.systemPrompt, turns),
			Stream:   &t,
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		stopped := false
		if err := o.client.Chat(ctx, &req, func(res api.ChatResponse) error {
			if stopped || res.Message.Content == "" {
				return nil
			}
			if !yield(res.Message.Content, nil) {
				stopped = true
				cancel()
			}
			return nil
		}); err != nil {
			if stopped || errors.Is(err, context.Canceled) {
				return
			}
			yield("", fmt.Errorf("error sending request: %w", err))
		}
	}
}

// GenerateTitle asks the model for a title in a single non-streamed request.
func (o Ollama) GenerateTitle(ctx context.Context, prompt string) (string, error) {
	f := false
	req := api.ChatRequest{
		Model:    o.model,
		Messages: ollamaMessages(o.titlePrompt, []Turn{{Role: roleUser, Content: prompt}}),
		Stream:   &f,
	}

	var title string

	if err := o.client.Chat(ctx, &req, func(res api.ChatResponse) error {
		title = res.Message.Content
		return nil
	}); err != nil {
		return "", fmt.Errorf("error sending request: %w", err)
	}

	return title, nil
}
