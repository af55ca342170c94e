package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/HamletDuFromage/vintelegram/internal/bot"
	"github.com/HamletDuFromage/vintelegram/internal/config"
	"github.com/HamletDuFromage/vintelegram/internal/dispatch"
	"github.com/HamletDuFromage/vintelegram/internal/provider"
	"github.com/HamletDuFromage/vintelegram/internal/scheduler"
	"github.com/HamletDuFromage/vintelegram/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	log := newLogger(cfg.LogLevel)

	if dir := filepath.Dir(cfg.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			log.Error("create data directory", "path", dir, "error", err)
			os.Exit(1)
		}
	}

	store, err := storage.NewSQLite(cfg.DatabasePath)
	if err != nil {
		log.Error("open database", "path", cfg.DatabasePath, "error", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	providers := provider.NewRegistry(http.DefaultClient)

	b, err := bot.New(cfg.TelegramBotToken, store, cfg, providers, log)
	if err != nil {
		log.Error("create bot", "error", err)
		os.Exit(1)
	}

	dispatcher := dispatch.New(b, dispatch.Options{
		RatePerSec: cfg.SendRatePerSec,
		QueueSize:  cfg.DispatchQueueSize,
	}, log)
	defer dispatcher.Close()

	sched := scheduler.New(store, providers, dispatcher, bot.FormatNotification, scheduler.Options{
		Interval:             cfg.CheckInterval,
		MaxItems:             cfg.MaxItemsPerCheck,
		MaxConcurrentFetches: int64(cfg.MaxConcurrentFetches),
		SeenMaxPerWatch:      cfg.SeenMaxPerWatch,
		RetentionDays:        cfg.SeenRetentionDays,
	}, log)

	b.Attach(sched, dispatcher)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log.Info("starting bot")

	go sched.Run(ctx)

	b.Run(ctx)

	log.Info("bot stopped")
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
