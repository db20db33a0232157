// modkitd is the moderation service core daemon: it keeps guild state warm
// in TTL/LRU caches, admits rate-sensitive work through sliding-window
// limiters, and persists moderation records through a single WAL-mode
// database handle. The command/UI layer consumes it over a small admin API.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modkit-dev/modkit/storage"

	"github.com/carlmjohnson/versioninfo"
	_ "github.com/joho/godotenv/autoload"
	cli "github.com/urfave/cli/v2"
)

func main() {
	if err := run(os.Args); err != nil {
		slog.Error("exiting", "err", err)
		os.Exit(-1)
	}
}

func run(args []string) error {
	app := cli.App{
		Name:    "modkitd",
		Usage:   "moderation service core daemon",
		Version: versioninfo.Short(),
	}

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "database-url",
			Usage:   "database connection string (sqlite:// or postgres://)",
			Value:   "sqlite://data/modkitd/modkit.db",
			EnvVars: []string{"DATABASE_URL"},
		},
		&cli.IntFlag{
			Name:    "max-db-connections",
			Value:   40,
			EnvVars: []string{"MAX_DB_CONNECTIONS"},
		},
		&cli.StringFlag{
			Name:    "api-listen",
			Value:   ":2510",
			EnvVars: []string{"MODKIT_API_LISTEN"},
		},
		&cli.StringFlag{
			Name:    "metrics-listen",
			Value:   ":2511",
			EnvVars: []string{"MODKIT_METRICS_LISTEN"},
		},
		&cli.IntFlag{
			Name:    "settings-cache-size",
			Value:   10_000,
			EnvVars: []string{"MODKIT_SETTINGS_CACHE_SIZE"},
		},
		&cli.DurationFlag{
			Name:    "settings-cache-ttl",
			Value:   10 * time.Minute,
			EnvVars: []string{"MODKIT_SETTINGS_CACHE_TTL"},
		},
		&cli.DurationFlag{
			Name:    "sweep-interval",
			Usage:   "how often expired cache entries and idle limiter windows are cleaned up",
			Value:   time.Minute,
			EnvVars: []string{"MODKIT_SWEEP_INTERVAL"},
		},
		&cli.IntFlag{
			Name:    "ai-rate-limit",
			Usage:   "AI feature invocations allowed per actor per window",
			Value:   30,
			EnvVars: []string{"MODKIT_AI_RATE_LIMIT"},
		},
		&cli.DurationFlag{
			Name:    "ai-rate-window",
			Value:   time.Minute,
			EnvVars: []string{"MODKIT_AI_RATE_WINDOW"},
		},
		&cli.Int64Flag{
			Name:    "ai-daily-budget",
			Usage:   "process-wide AI invocation budget per day",
			Value:   10_000,
			EnvVars: []string{"MODKIT_AI_DAILY_BUDGET"},
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "info|debug|warn|error",
			Value:   "info",
			EnvVars: []string{"MODKIT_LOG_LEVEL"},
		},
	}

	app.Commands = []*cli.Command{
		runCmd,
	}

	return app.Run(args)
}

var runCmd = &cli.Command{
	Name:  "run",
	Usage: "run the service",
	Action: func(cctx *cli.Context) error {
		logger := configLogger(cctx.String("log-level"))

		signals := make(chan os.Signal, 1)
		signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

		dburl := cctx.String("database-url")
		logger.Info("configuring database", "url", dburl)
		store, err := storage.NewStore(dburl, cctx.Int("max-db-connections"), logger)
		if err != nil {
			return err
		}

		// A schema mismatch here is fatal: refuse to serve traffic.
		if err := store.Migrate(cctx.Context); err != nil {
			return fmt.Errorf("database migration failed: %w", err)
		}

		srv, err := NewServer(store, Config{
			SettingsCacheSize: cctx.Int("settings-cache-size"),
			SettingsCacheTTL:  cctx.Duration("settings-cache-ttl"),
			SweepInterval:     cctx.Duration("sweep-interval"),
			AIRateLimit:       cctx.Int("ai-rate-limit"),
			AIRateWindow:      cctx.Duration("ai-rate-window"),
			AIDailyBudget:     cctx.Int64("ai-daily-budget"),
			Logger:            logger,
		})
		if err != nil {
			return err
		}

		go func() {
			if err := srv.RunMetrics(cctx.String("metrics-listen")); err != nil {
				logger.Error("failed to start metrics endpoint", "err", err)
				os.Exit(1)
			}
		}()

		srvErr := make(chan error, 1)
		go func() {
			srvErr <- srv.RunAPI(cctx.String("api-listen"))
		}()

		logger.Info("startup complete")
		select {
		case <-signals:
			logger.Info("received shutdown signal")
		case err := <-srvErr:
			if err != nil {
				logger.Error("error during startup", "err", err)
			}
		}

		if err := srv.Shutdown(); err != nil {
			logger.Error("error during shutdown", "err", err)
		}
		logger.Info("shutdown complete")
		return nil
	},
}

func configLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: lvl,
	}))
	slog.SetDefault(logger)
	return logger
}
