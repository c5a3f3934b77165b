// Command archived is the daemon entrypoint for the Download Orchestration
// Core. It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Opens the Persistent Job Store and starts the Scheduler Runtime.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/channelarchived/channeljob"
	"github.com/onnwee/channelarchived/config"
	"github.com/onnwee/channelarchived/db"
	"github.com/onnwee/channelarchived/discovery"
	"github.com/onnwee/channelarchived/downloader"
	"github.com/onnwee/channelarchived/jobstore"
	"github.com/onnwee/channelarchived/lock"
	"github.com/onnwee/channelarchived/model"
	"github.com/onnwee/channelarchived/queue"
	"github.com/onnwee/channelarchived/retention"
	"github.com/onnwee/channelarchived/scheduledjob"
	"github.com/onnwee/channelarchived/scheduler"
	"github.com/onnwee/channelarchived/settings"
	"github.com/onnwee/channelarchived/sidecar"
	"github.com/onnwee/channelarchived/telemetry"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	var handler slog.Handler
	if strings.ToLower(os.Getenv("LOG_FORMAT")) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()
	shutdownTracing, err := telemetry.InitTracing("channelarchived", "dev")
	if err != nil {
		slog.Error("tracing init failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()
	slog.Info("tracing configured", slog.Bool("enabled", telemetry.IsTracingEnabled()))

	dbx, err := db.Connect()
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := dbx.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	if err := db.Migrate(context.Background(), dbx); err != nil {
		slog.Error("failed to migrate db", slog.Any("err", err))
		os.Exit(1)
	}

	js, err := jobstore.Open(cfg.SchedulerStoreDir)
	if err != nil {
		slog.Error("failed to open job store", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := js.Close(); err != nil {
			slog.Error("failed to close job store", slog.Any("err", err))
		}
	}()

	store := settings.New(dbx)
	locker := lock.New(store)
	q := queue.New(store)

	nfoEnabled, err := store.GetBool(context.Background(), model.SettingNFOEnabled, true)
	if err != nil {
		slog.Warn("failed to read nfo_enabled setting, defaulting to true", slog.Any("err", err))
		nfoEnabled = true
	}
	nfoOverwrite, err := store.GetBool(context.Background(), model.SettingOverwriteExistingNFO, true)
	if err != nil {
		slog.Warn("failed to read overwrite_existing_nfo setting, defaulting to true", slog.Any("err", err))
		nfoOverwrite = true
	}

	disc := discovery.New(cfg.ExtractionBinary, cfg.DiscoveryMaxAttempts, cfg.DiscoveryBaseDelay)
	dl := downloader.New(cfg.ExtractionBinary, cfg.MediaRoot, cfg.TempRoot, cfg.CookiePath, cfg.FragmentConcurrency)
	sc := sidecar.New(nfoEnabled, nfoOverwrite)
	ret := retention.New(dbx, cfg.MediaRoot)
	cj := channeljob.New(dbx, cfg.MediaRoot, store, disc, dl, sc, ret)
	sweep := scheduledjob.New(dbx, store, locker, q, cj, cfg.QueueMaxAge, 3)

	sched := scheduler.New(js, store, locker, sweep, cfg.LockStaleAfter)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := sched.Start(ctx); err != nil {
		slog.Error("scheduler start failed", slog.Any("err", err))
		os.Exit(1)
	}

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	sched.Shutdown(shutdownCtx)
}
