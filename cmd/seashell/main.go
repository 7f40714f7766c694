package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/stupart/seashell/internal/chunk"
	"github.com/stupart/seashell/internal/config"
	"github.com/stupart/seashell/internal/logging"
	"github.com/stupart/seashell/internal/recorder"
	"github.com/stupart/seashell/internal/session"
	"github.com/stupart/seashell/internal/term"
	"github.com/stupart/seashell/internal/transcriber"
)

var (
	// Version is set via ldflags at build time
	Version = "dev"
	// Commit is set via ldflags at build time
	Commit = "unknown"
)

func main() {
	// Optional .env overrides, applied before config is read
	godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log := logging.New()
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	log := logging.NewWithLevel(cfg.LogLevel)
	log.Info().Str("version", Version).Str("commit", Commit).Msg("seashell starting")

	// Chunk audio is ephemeral; anything an earlier crashed run left
	// behind goes first.
	if removed := chunk.Sweep(); removed > 0 {
		log.Debug().Int("dirs", removed).Msg("removed stale chunk directories")
	}

	store, err := chunk.NewStore()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create chunk store")
	}
	defer store.Close()

	log = log.With().Str("session", store.SessionID()).Logger()

	jobs := transcriber.New(cfg.Whisper, store, log)
	// Once the session loop returns nothing drains results anymore;
	// closing lets any still-running jobs finish without blocking.
	defer jobs.Close()

	ui := term.New(log)

	ctrl := session.New(session.Config{
		NewRecorder: func(events chan<- recorder.Event) session.ChunkRecorder {
			return recorder.New(cfg.Capture, store.Next(), events, log)
		},
		Jobs:     jobs,
		Capture:  cfg.Capture,
		Logger:   log,
		Listener: ui,
	})
	ui.SetController(ctrl)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Shutdown signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info().Msg("Shutting down...")
		ctrl.Quit()
	}()

	done := make(chan error, 1)
	go func() { done <- ctrl.Run(ctx) }()

	uiDone := make(chan error, 1)
	go func() { uiDone <- ui.Run(ctx) }()

	if err := <-done; err != nil && err != context.Canceled {
		log.Error().Err(err).Msg("Session ended with error")
	}

	// Unblock the key loop so it can restore the terminal state.
	cancel()
	<-uiDone
}
