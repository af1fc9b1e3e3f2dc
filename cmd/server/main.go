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
	"syscall"
	"time"

	"github.com/MegaGrindStone/chat-sync/internal/handlers"
	"github.com/MegaGrindStone/chat-sync/internal/services"
	"github.com/MegaGrindStone/chat-sync/internal/state"
	"github.com/MegaGrindStone/chat-sync/internal/tasks"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "chat-sync",
	Short: "Serve the local-first chat client",
	Args:  cobra.NoArgs,
	RunE:  runServer,
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "",
		"config file path (default <user config dir>/chatsync/config.yaml)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServer(cmd *cobra.Command, _ []string) error {
	cfgDir, err := os.UserConfigDir()
	if err != nil {
		return fmt.Errorf("error getting user config dir: %w", err)
	}
	dataDir := filepath.Join(cfgDir, "chatsync")
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}
	if configPath == "" {
		configPath = filepath.Join(dataDir, "config.yaml")
	}

	cfg, err := loadConfig(configPath, dataDir)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.level()}))
	slog.SetDefault(logger)

	boltDB, err := services.NewBoltDB(cfg.DBPath, logger)
	if err != nil {
		return err
	}
	defer boltDB.Close()

	remote, err := services.NewRemote(cfg.BaseURL, nil, logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	queue := tasks.NewQueue(cfg.MaxConcurrent, logger)
	queue.Start(ctx)
	defer queue.Stop()

	store := state.New(remote, boltDB, queue, logger, cfg.storeOptions()...)
	store.Start(ctx)

	scheduler := cron.New(cron.WithParser(cronParser))
	if _, err := scheduler.AddFunc(cfg.RefreshSchedule, func() {
		if !store.LoadAllConversations() {
			logger.Debug("Conversation list refresh already in progress")
		}
	}); err != nil {
		return fmt.Errorf("invalid refresh schedule: %w", err)
	}
	scheduler.Start()

	m := handlers.NewMain(store, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/state", m.HandleState)
	mux.HandleFunc("POST /api/messages", m.HandleMessages)
	mux.HandleFunc("POST /api/messages/retry", m.HandleRetry)
	mux.HandleFunc("POST /api/messages/cancel", m.HandleCancel)
	mux.HandleFunc("POST /api/chats/new", m.HandleNewChat)
	mux.HandleFunc("POST /api/chats/refresh", m.HandleRefresh)
	mux.HandleFunc("POST /api/chats/{id}/switch", m.HandleSwitch)
	mux.HandleFunc("DELETE /api/chats/{id}", m.HandleDelete)
	mux.HandleFunc("POST /api/local/clear", m.HandleClearLocal)
	mux.HandleFunc("GET /sse", m.HandleSSE)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	srv.RegisterOnShutdown(func() {
		if err := m.Shutdown(context.Background()); err != nil {
			logger.Error("Failed to shutdown sse server", slog.String("err", err.Error()))
		}
	})

	// Channel to listen for errors coming from the listener
	serverErrors := make(chan error, 1)

	go func() {
		logger.Info("Server starting",
			slog.String("port", cfg.Port),
			slog.String("baseURL", cfg.BaseURL),
			slog.String("db", cfg.DBPath))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	var runErr error
	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("server error: %w", err)
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

	<-scheduler.Stop().Done()
	// Pending writes reach the local store before it is closed.
	store.Close()
	return runErr
}
