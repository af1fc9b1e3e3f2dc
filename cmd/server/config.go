package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MegaGrindStone/chat-sync/internal/state"
	"github.com/MegaGrindStone/chat-sync/internal/stream"
	"github.com/MegaGrindStone/chat-sync/internal/tasks"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

type config struct {
	Port     string `yaml:"port"`
	BaseURL  string `yaml:"baseURL"`
	LogLevel string `yaml:"logLevel"`
	DBPath   string `yaml:"dbPath"`

	// RefreshSchedule is a cron expression or descriptor, such as "@every 5m", for reloading the
	// conversation list in the background.
	RefreshSchedule string        `yaml:"refreshSchedule"`
	MaxConcurrent   int64         `yaml:"maxConcurrent"`
	SaveDelay       time.Duration `yaml:"saveDelay"`
	Stream          streamConfig  `yaml:"stream"`
}

type streamConfig struct {
	WordsPerChunk  int     `yaml:"wordsPerChunk"`
	WordsPerSecond float64 `yaml:"wordsPerSecond"`
}

const (
	defaultPort            = "8080"
	defaultRefreshSchedule = "@every 5m"
)

// cronParser accepts standard 5-field expressions, an optional seconds field and descriptors.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// loadConfig reads the config file at path. A missing file is not an error: every field has a
// default except the backend URL, which can come from CHAT_SYNC_BASE_URL.
func loadConfig(path, dataDir string) (config, error) {
	cfg := config{}

	f, err := os.Open(path)
	switch {
	case err == nil:
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
			return config{}, fmt.Errorf("error decoding config file: %w", err)
		}
	case !os.IsNotExist(err):
		return config{}, fmt.Errorf("error opening config file: %w", err)
	}

	cfg.applyDefaults(dataDir)
	if err := cfg.validate(); err != nil {
		return config{}, err
	}
	return cfg, nil
}

func (c *config) applyDefaults(dataDir string) {
	if c.Port == "" {
		c.Port = defaultPort
	}
	if c.BaseURL == "" {
		c.BaseURL = os.Getenv("CHAT_SYNC_BASE_URL")
	}
	if c.DBPath == "" {
		c.DBPath = filepath.Join(dataDir, "store.db")
	}
	if c.RefreshSchedule == "" {
		c.RefreshSchedule = defaultRefreshSchedule
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = tasks.DefaultMaxConcurrent
	}
	if c.SaveDelay <= 0 {
		c.SaveDelay = state.DefaultSaveDelay
	}
	if c.Stream.WordsPerChunk <= 0 {
		c.Stream.WordsPerChunk = stream.DefaultWordsPerChunk
	}
	if c.Stream.WordsPerSecond == 0 {
		c.Stream.WordsPerSecond = stream.DefaultWordsPerSecond
	}
}

func (c config) validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("baseURL is required")
	}
	if _, err := cronParser.Parse(c.RefreshSchedule); err != nil {
		return fmt.Errorf("invalid refreshSchedule %q: %w", c.RefreshSchedule, err)
	}
	return nil
}

func (c config) level() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (c config) storeOptions() []state.Option {
	return []state.Option{
		state.WithSaveDelay(c.SaveDelay),
		state.WithSyntheticStream(
			stream.WithWordsPerChunk(c.Stream.WordsPerChunk),
			stream.WithWordsPerSecond(c.Stream.WordsPerSecond),
		),
	}
}
