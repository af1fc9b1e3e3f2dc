package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/MegaGrindStone/chat-sync/internal/backend"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "chat-sync-backend",
	Short: "Serve the reference chat API backed by an LLM provider",
	Args:  cobra.NoArgs,
	RunE:  runBackend,
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "",
		"config file path (default <user config dir>/chatsync/backend.yaml)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runBackend(cmd *cobra.Command, _ []string) error {
	// A missing .env is fine; the variables may already be set.
	_ = godotenv.Load()

	cfgDir, err := os.UserConfigDir()
	if err != nil {
		return fmt.Errorf("error getting user config dir: %w", err)
	}
	dataDir := filepath.Join(cfgDir, "chatsync")
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}
	if configPath == "" {
		configPath = filepath.Join(dataDir, "backend.yaml")
	}

	var cfg config
	f, err := os.Open(configPath)
	switch {
	case err == nil:
		err = yaml.NewDecoder(f).Decode(&cfg)
		f.Close()
		if err != nil {
			return fmt.Errorf("error decoding config file: %w", err)
		}
	case !os.IsNotExist(err):
		return fmt.Errorf("error opening config file: %w", err)
	}
	cfg.applyDefaults(dataDir)

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)
	gin.SetMode(gin.ReleaseMode)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	llm, err := cfg.LLM.llm(ctx, cfg.SystemPrompt, cfg.TitleGeneratorPrompt, logger)
	if err != nil {
		return fmt.Errorf("error creating llm provider: %w", err)
	}

	store, err := backend.NewStore(cfg.DBPath, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	s := backend.NewServer(store, llm, llm, backend.NewTiktokenCounter(cfg.Tokenizer), logger)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("Backend starting", slog.String("port", cfg.Port), slog.String("db", cfg.DBPath))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	case sig := <-shutdown:
		logger.Info("Start shutdown", slog.String("signal", sig.String()))

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Graceful shutdown failed", slog.String("err", err.Error()))
			if err := srv.Close(); err != nil {
				logger.Error("Forcing server close", slog.String("err", err.Error()))
			}
		}
	}
	return nil
}

func logLevel(v string) slog.Level {
	switch strings.ToLower(v) {
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
