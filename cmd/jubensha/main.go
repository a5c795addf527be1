// Command jubensha is the main entry point for the murder-mystery game server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/jubensha/internal/agent/orchestrator"
	"github.com/MrWong99/jubensha/internal/api"
	"github.com/MrWong99/jubensha/internal/app"
	"github.com/MrWong99/jubensha/internal/broadcast"
	"github.com/MrWong99/jubensha/internal/config"
	"github.com/MrWong99/jubensha/internal/eventlog"
	"github.com/MrWong99/jubensha/internal/eventlog/postgres"
	"github.com/MrWong99/jubensha/internal/health"
	"github.com/MrWong99/jubensha/internal/observe"
	"github.com/MrWong99/jubensha/internal/script"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	envFile := flag.String("env-file", ".env", "optional dotenv file loaded before the config")
	flag.Parse()

	if err := config.LoadDotEnv(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "jubensha: %v\n", err)
		return 1
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "jubensha: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "jubensha: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("jubensha starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownOtel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "jubensha"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := shutdownOtel(sctx); err != nil {
			slog.Warn("telemetry shutdown", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	llmProvider, err := buildLLM(cfg, reg)
	if err != nil {
		slog.Error("failed to build llm", "err", err)
		return 1
	}
	blob, err := buildBlob(ctx, cfg, reg)
	if err != nil {
		slog.Error("failed to build blob store", "err", err)
		return 1
	}
	checkers := []health.Checker{health.BlobChecker(blob)}

	// ── Event log ─────────────────────────────────────────────────────────────
	var events eventlog.Store = eventlog.NewMemStore()
	if dsn := cfg.Storage.PostgresDSN; dsn != "" {
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			slog.Error("failed to connect to postgres", "err", err)
			return 1
		}
		defer pool.Close()
		store := postgres.New(pool)
		if err := store.Migrate(ctx); err != nil {
			slog.Error("failed to migrate event log", "err", err)
			return 1
		}
		events = store
		checkers = append(checkers, health.PingChecker("postgres", pool))
		slog.Info("event log ready", "backend", "postgres")
	} else {
		slog.Warn("postgres_dsn not set, tts events are kept in memory only")
	}

	// ── Broadcast ─────────────────────────────────────────────────────────────
	hub := broadcast.NewHub(
		broadcast.WithMetrics(metrics),
		broadcast.WithOriginPatterns(cfg.Server.AllowedOrigins...),
	)
	defer hub.Close()

	var (
		publisher  orchestrator.Broadcaster = hub
		relay      *broadcast.Relay
		apiOptions []api.Option
	)
	if addr := cfg.Storage.Redis.Addr; addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
		defer rdb.Close()
		rp := broadcast.NewRedisPublisher(rdb)
		if err := rp.Ping(ctx); err != nil {
			slog.Error("failed to reach redis", "addr", addr, "err", err)
			return 1
		}
		publisher = rp
		relay = broadcast.NewRelay(rdb, hub)
		checkers = append(checkers, health.PingChecker("redis", rp))
		apiOptions = append(apiOptions, api.WithChatHistory(rp))
		slog.Info("redis fan-out enabled", "addr", addr)
	}

	// ── Scripts ───────────────────────────────────────────────────────────────
	scripts := script.NewLibrary()
	if dir := cfg.Game.ScriptsDir; dir != "" {
		if scripts, err = script.LoadDir(dir); err != nil {
			slog.Error("failed to load scripts", "dir", dir, "err", err)
			return 1
		}
		slog.Info("scripts loaded", "dir", dir, "count", len(scripts.List()))
	}

	// ── Sessions ──────────────────────────────────────────────────────────────
	sessions, err := app.NewSessionManager(app.SessionManagerConfig{
		Config:   cfg,
		Registry: reg,
		Providers: app.Providers{
			LLM:    llmProvider,
			Blob:   blob,
			Events: events,
		},
		Scripts:     scripts,
		Broadcaster: publisher,
		Subscribers: hub,
		Metrics:     metrics,
	})
	if err != nil {
		slog.Error("failed to create session manager", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(c config.Change) {
		if c.Diff.LogLevelChanged {
			level.Set(slogLevel(c.Diff.NewLogLevel))
			slog.Info("log level changed", "level", c.Diff.NewLogLevel)
		}
		if c.Diff.AffectsSessions() {
			sessions.UpdateConfig(c.New)
			slog.Info("game settings reloaded, applied to new sessions",
				"rounds_changed", c.Diff.RoundsChanged,
				"voices_changed", c.Diff.VoicesChanged,
				"generation_changed", c.Diff.GenerationChanged,
			)
		}
		if c.Diff.RestartRequired {
			slog.Warn("config change requires a restart to take effect")
		}
	}, config.WithInitial(cfg))
	if err != nil {
		slog.Error("failed to watch config", "err", err)
		return 1
	}

	// ── HTTP ──────────────────────────────────────────────────────────────────
	apiOptions = append(apiOptions,
		api.WithSubscriptions(hub),
		api.WithHealth(health.New(checkers...)),
		api.WithMetrics(metrics),
		api.WithMetricsHandler(promhttp.Handler()),
	)
	if b := cfg.Storage.Blob; b.Name == config.BlobLocal && strings.HasPrefix(b.PublicBaseURL, "/") {
		apiOptions = append(apiOptions, api.WithMedia(b.PublicBaseURL, b.Dir))
	}
	srv := &http.Server{
		Addr:        cfg.Server.ListenAddr,
		Handler:     api.New(sessions, apiOptions...).Handler(),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	printStartupSummary(cfg, len(scripts.List()))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("server ready, press Ctrl+C to shut down", "addr", srv.Addr)
		var err error
		if tls := cfg.Server.TLS; tls != nil {
			err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error { return watcher.Run(gctx) })
	if relay != nil {
		g.Go(func() error {
			if err := relay.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("redis relay: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()

		// ── Graceful shutdown ─────────────────────────────────────────────────
		slog.Info("shutdown signal received, stopping…")
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		sessions.StopAll(sctx)
		hub.Close()
		return srv.Shutdown(sctx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("server error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, scripts int) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        Jubensha: startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	printProvider("TTS", cfg.Providers.TTS.Name, cfg.Providers.TTS.Model)
	printProvider("Blob", cfg.Storage.Blob.Name, "")
	printProvider("Event log", backend(cfg.Storage.PostgresDSN != "", "postgres", "memory"), "")
	printProvider("Fan-out", backend(cfg.Storage.Redis.Addr != "", "redis", "local"), "")
	fmt.Printf("║  LLM fallbacks   : %-19d ║\n", len(cfg.Providers.LLMFallbacks))
	fmt.Printf("║  Scripts         : %-19d ║\n", scripts)
	fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

func backend(cond bool, yes, no string) string {
	if cond {
		return yes
	}
	return no
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
