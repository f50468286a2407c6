package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/solsight/solsight/pkg/audit"
	"github.com/solsight/solsight/pkg/auth"
	"github.com/solsight/solsight/pkg/log"
	"github.com/solsight/solsight/pkg/profile"
	"github.com/solsight/solsight/pkg/provider"
	"github.com/solsight/solsight/pkg/server"
	"github.com/solsight/solsight/pkg/storage"
	"github.com/solsight/solsight/pkg/syncer"

	"github.com/levenlabs/go-lflag"
	"github.com/levenlabs/go-llog"
)

func main() {
	// init packages
	s := storage.Configured()
	sink := audit.NewStorageSink(s)
	sessions := auth.Configured(sink)
	providers := provider.Configured(s)
	profiles := profile.Configured(s, sessions, sink)
	sync := syncer.Configured(s, providers, sessions, profiles)

	// init server
	srv := server.Configured(profiles, providers, sessions, sync, s, sink)

	// parse flags
	lflag.Configure()

	var level slog.Level
	// lflag automatically sets llog's level, but we need to set the slog level
	switch llog.GetLevel() {
	case llog.DebugLevel:
		level = slog.LevelDebug
	case llog.InfoLevel:
		level = slog.LevelInfo
	case llog.WarnLevel:
		level = slog.LevelWarn
	case llog.ErrorLevel:
		level = slog.LevelError
	default:
		panic(fmt.Errorf("unknown log level: %s", llog.GetLevel().String()))
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	slog.Debug("logger configured", slog.String("level", level.String()))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// If initialization inside lflag.Do failed, we wouldn't be here (panic).
	defer func() {
		if err := s.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close storage", "error", err)
		}
	}()

	// background sync loop
	go sync.Run(ctx)

	// Run will block until context is canceled or error happens
	if err := srv.Run(ctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "server failed", "error", err)
		os.Exit(1)
	}
	log.Ctx(ctx).InfoContext(ctx, "server exited cleanly")
}
