// Command category-notify watches a set of Twitch channels and posts a
// webhook message whenever one of them changes its broadcast category.
// It:
//   - Loads configuration and initializes structured logging.
//   - Restores last-known categories from the state file.
//   - Runs the single-threaded poll loop (fetch, diff, notify, persist).
//   - Exposes a minimal HTTP server with /healthz, /readyz, /status, /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/category-notify/config"
	"github.com/onnwee/category-notify/notify"
	"github.com/onnwee/category-notify/poller"
	"github.com/onnwee/category-notify/server"
	"github.com/onnwee/category-notify/state"
	"github.com/onnwee/category-notify/telemetry"
	"github.com/onnwee/category-notify/twitchapi"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))

	// Config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("err", err))
		os.Exit(1)
	}

	// Metrics / telemetry init
	telemetry.Init()

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdown, err := telemetry.InitTracing("category-notify", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	// All outbound calls share one client with an explicit timeout so a hung
	// request can never wedge a poll cycle indefinitely.
	httpClient := &http.Client{Timeout: 10 * time.Second}

	tokens := &twitchapi.TokenSource{
		ClientID:     cfg.TwitchClientID,
		ClientSecret: cfg.TwitchClientSecret,
		HTTPClient:   httpClient,
	}
	helix := &twitchapi.HelixClient{
		AppTokenSource: tokens,
		ClientID:       cfg.TwitchClientID,
		HTTPClient:     httpClient,
	}
	notifier := &notify.Notifier{WebhookURL: cfg.WebhookURL, HTTPClient: httpClient}
	store := &state.Store{Path: cfg.StateFile}

	// Best-effort token warm-up so credential problems surface in the logs
	// at startup instead of on the first cycle.
	warmupCtx, cancelWarmup := context.WithTimeout(context.Background(), 8*time.Second)
	if tok, err := tokens.Get(warmupCtx); err != nil {
		slog.Warn("twitch app token fetch failed", slog.Any("err", err))
	} else if len(tok) > 6 {
		masked := "***" + tok[len(tok)-6:]
		slog.Info("twitch app token acquired", slog.String("tail", masked))
	}
	cancelWarmup()

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	p := &poller.Poller{
		Channels: cfg.Channels,
		Interval: cfg.PollInterval,
		Fetcher:  helix,
		Sender:   notifier,
		Store:    store,
	}

	// HTTP server (health/readiness/status/metrics)
	go func() {
		if err := server.Start(ctx, p, store, cfg.HTTPAddr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	p.Run(ctx)
	slog.Info("shutting down", slog.String("state_file", cfg.StateFile))
}
