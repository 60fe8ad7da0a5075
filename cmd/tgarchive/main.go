// Package main contains the entrypoint for the tgarchive extraction driver.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mivori/tgarchive/internal/config"
	"github.com/mivori/tgarchive/internal/database"
	"github.com/mivori/tgarchive/internal/extractor"
	"github.com/mivori/tgarchive/internal/logger"
	"github.com/mivori/tgarchive/internal/scheduler"
	"github.com/mivori/tgarchive/internal/telegram"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	exitCode := run(ctx)
	stop()
	os.Exit(exitCode)
}

// run initializes all components (config, logger, db, telegram client,
// extractor), drives the extraction across the configured sources, and
// returns an exit code (0 for success, 1 for failure).
func run(ctx context.Context) int {
	configPath := flag.String("config", "./config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "path", *configPath, "error", err)
		return 1
	}

	log := logger.NewLogger(cfg.Logger.Level, cfg.Logger.JSON)
	log.Info("Logger initialized", "level", cfg.Logger.Level, "json", cfg.Logger.JSON)

	start, end, err := cfg.Extract.Window()
	if err != nil {
		log.Error("Invalid extraction window", "error", err)
		return 1
	}
	loc, err := cfg.Extract.Location()
	if err != nil {
		log.Error("Invalid target timezone", "error", err)
		return 1
	}

	db, err := database.NewDB(cfg.Database.Path)
	if err != nil {
		log.Error("Failed to connect to database", "path", cfg.Database.Path, "error", err)
		return 1
	}
	defer database.CloseDB(db)
	store := database.NewStore(db, log, cfg.Database.BatchSize)

	client := telegram.NewClient(cfg.Telegram, log)
	disconnect, err := client.Connect(ctx)
	if err != nil {
		log.Error("Failed to connect to Telegram", "error", err)
		return 1
	}
	defer func() {
		if err := disconnect(); err != nil {
			log.Error("Error disconnecting Telegram client", "error", err)
		}
	}()

	ext := extractor.New(client, store, log, extractor.Options{
		PageSize:     cfg.Extract.PageSize,
		RequestDelay: cfg.Extract.RequestDelay,
		Location:     loc,
	})

	runOnce := func() {
		runStart := time.Now()
		counts := ext.ExtractAll(ctx, cfg.Sources, start, end)
		total := 0
		for _, n := range counts {
			total += n
		}
		log.Info("Extraction run finished",
			"sources", len(cfg.Sources),
			"records", total,
			"duration", time.Since(runStart).Round(time.Second))
		for _, src := range cfg.Sources {
			log.Info("Source summary", "source", src.ID, "name", src.Name, "records", counts[src.ID])
		}
	}

	if cfg.Extract.Schedule == "" {
		runOnce()
		if ctx.Err() != nil {
			log.Warn("Run interrupted")
			return 1
		}
		return 0
	}

	sched, err := scheduler.NewScheduler()
	if err != nil {
		log.Error("Failed to start scheduler", "error", err)
		return 1
	}
	defer func() {
		if err := sched.Stop(); err != nil {
			log.Error("Error stopping scheduler", "error", err)
		}
	}()

	if err := sched.AddJob("extract", cfg.Extract.Schedule, runOnce); err != nil {
		log.Error("Failed to schedule extraction job", "schedule", cfg.Extract.Schedule, "error", err)
		return 1
	}
	log.Info("Scheduled extraction", "schedule", cfg.Extract.Schedule)

	<-ctx.Done()
	log.Info("Shutting down...")
	return 0
}
