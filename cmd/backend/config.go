package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/MegaGrindStone/chat-sync/internal/backend"
	"gopkg.in/yaml.v3"
)

type llmConfig interface {
	llm(ctx context.Context, systemPrompt, titlePrompt string, logger *slog.Logger) (provider, error)
}

// provider is a model that both chats and titles conversations.
type provider interface {
	backend.LLM
	backend.TitleGenerator
}

// BaseLLMConfig contains the common fields for all LLM configurations.
type BaseLLMConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

type config struct {
	Port                 string    `yaml:"port"`
	DBPath               string    `yaml:"dbPath"`
	LogLevel             string    `yaml:"logLevel"`
	SystemPrompt         string    `yaml:"systemPrompt"`
	TitleGeneratorPrompt string    `yaml:"titleGeneratorPrompt"`
	Tokenizer            string    `yaml:"tokenizer"`
	LLM                  llmConfig `yaml:"llm"`
}

type geminiConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
}

type openAIConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string             `yaml:"apiKey"`
	BaseURL       string             `yaml:"baseURL"`
	Parameters    backend.Parameters `yaml:"parameters"`
}

type ollamaConfig struct {
	BaseLLMConfig `yaml:",inline"`
	Host          string `yaml:"host"`
}

const (
	defaultSystemPrompt = "You are a helpful assistant. Answer clearly and format code with Markdown."
	defaultTitlePrompt  = "Generate a short title, at most six words, for a conversation that starts with " +
		"the following message. Reply with the title only."
	defaultGeminiModel = "gemini-2.0-flash"
	defaultTokenizer   = "cl100k_base"
)

func (c *config) UnmarshalYAML(value *yaml.Node) error {
	var rawConfig struct {
		Port                 string         `yaml:"port"`
		DBPath               string         `yaml:"dbPath"`
		LogLevel             string         `yaml:"logLevel"`
		SystemPrompt         string         `yaml:"systemPrompt"`
		TitleGeneratorPrompt string         `yaml:"titleGeneratorPrompt"`
		Tokenizer            string         `yaml:"tokenizer"`
		LLM                  map[string]any `yaml:"llm"`
	}

	if err := value.Decode(&rawConfig); err != nil {
		return err
	}

	c.Port = rawConfig.Port
	c.DBPath = rawConfig.DBPath
	c.LogLevel = rawConfig.LogLevel
	c.SystemPrompt = rawConfig.SystemPrompt
	c.TitleGeneratorPrompt = rawConfig.TitleGeneratorPrompt
	c.Tokenizer = rawConfig.Tokenizer

	if rawConfig.LLM == nil {
		return nil
	}

	llmProvider, ok := rawConfig.LLM["provider"].(string)
	if !ok {
		return fmt.Errorf("llm provider is required")
	}

	llmRawYAML, err := yaml.Marshal(rawConfig.LLM)
	if err != nil {
		return err
	}

	var llm llmConfig
	switch llmProvider {
	case "gemini":
		llm = &geminiConfig{}
	case "openai":
		llm = &openAIConfig{}
	case "ollama":
		llm = &ollamaConfig{}
	default:
		return fmt.Errorf("unknown llm provider: %s", llmProvider)
	}

	if err := yaml.Unmarshal(llmRawYAML, llm); err != nil {
		return err
	}

	c.LLM = llm
	return nil
}

func (c *config) applyDefaults(dataDir string) {
	if c.Port == "" {
		c.Port = "8000"
	}
	if c.DBPath == "" {
		c.DBPath = filepath.Join(dataDir, "backend.db")
	}
	if c.SystemPrompt == "" {
		c.SystemPrompt = defaultSystemPrompt
	}
	if c.TitleGeneratorPrompt == "" {
		c.TitleGeneratorPrompt = defaultTitlePrompt
	}
	if c.Tokenizer == "" {
		c.Tokenizer = defaultTokenizer
	}
	if c.LLM == nil {
		// The environment alone is enough to run against Gemini.
		c.LLM = &geminiConfig{BaseLLMConfig: BaseLLMConfig{Provider: "gemini", Model: os.Getenv("GEMINI_MODEL")}}
	}
}

func (g geminiConfig) llm(ctx context.Context, systemPrompt, titlePrompt string, logger *slog.Logger) (provider, error) {
	model := g.Model
	if model == "" {
		model = defaultGeminiModel
	}
	apiKey := g.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("GEMINI_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("gemini apiKey or GEMINI_API_KEY is required")
	}
	gem, err := backend.NewGemini(ctx, apiKey, model, systemPrompt, titlePrompt, logger)
	if err != nil {
		return nil, err
	}
	return gem, nil
}

func (o openAIConfig) llm(_ context.Context, systemPrompt, titlePrompt string, logger *slog.Logger) (provider, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	apiKey := o.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	return backend.NewOpenAI(apiKey, o.BaseURL, o.Model, systemPrompt, titlePrompt, o.Parameters, logger), nil
}

func (o ollamaConfig) llm(_ context.Context, systemPrompt, titlePrompt string, _ *slog.Logger) (provider, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	host := o.Host
	if host == "" {
		host = os.Getenv("OLLAMA_HOST")
	}
	if host == "" {
		host = "http://localhost:11434"
	}
	ol, err := backend.NewOllama(host, o.Model, systemPrompt, titlePrompt)
	if err != nil {
		return nil, err
	}
	return ol, nil
}
