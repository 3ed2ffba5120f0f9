// Command weaved runs the Weave orchestration daemon: the engine, the HTTP
// management API with SSE streaming, and the WebSocket subscription endpoint.
//
// # Configuration
//
// Environment variables:
//
//	WEAVE_HTTP_ADDR          - HTTP listen address (default: ":8080")
//	WEAVE_STORE_BACKEND      - "inmem" or "mongo" (default: "inmem")
//	WEAVE_MONGO_URI          - MongoDB connection string (mongo backend)
//	WEAVE_MONGO_DB           - MongoDB database name (default: "weave")
//	WEAVE_STREAM_BACKEND     - "inmem" or "pulse" (default: "inmem")
//	WEAVE_REDIS_ADDR         - Redis address for the pulse backend (default: "localhost:6379")
//	WEAVE_REDIS_PASSWORD     - Redis password (optional)
//	WEAVE_ANTHROPIC_API_KEY  - registers the "anthropic" model provider
//	WEAVE_ANTHROPIC_MODEL    - default Anthropic model (default: "claude-sonnet-4-0")
//	WEAVE_OPENAI_API_KEY     - registers the "openai" model provider
//	WEAVE_OPENAI_MODEL       - default OpenAI model (default: "gpt-4o")
//	WEAVE_MODEL_TPM          - adaptive rate limit budget in tokens/minute (0 disables)
//	WEAVE_SEED_DIR           - directory of YAML definition documents loaded at startup
//	WEAVE_DEBUG              - "true" enables debug logging
//
// # Example
//
// Fully in-memory daemon with a scripted-free Anthropic provider:
//
//	WEAVE_ANTHROPIC_API_KEY=sk-... go run ./cmd/weaved
//
// Durable deployment:
//
//	WEAVE_STORE_BACKEND=mongo WEAVE_MONGO_URI=mongodb://localhost:27017 \
//	WEAVE_STREAM_BACKEND=pulse WEAVE_REDIS_ADDR=localhost:6379 ./weaved
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/clue/health"
	"goa.design/clue/log"

	"goa.design/weave"
	"goa.design/weave/features/model/anthropic"
	"goa.design/weave/features/model/middleware"
	"goa.design/weave/features/model/openai"
	storemongo "goa.design/weave/features/store/mongo"
	pulsefeature "goa.design/weave/features/stream/pulse"
	clientspulse "goa.design/weave/features/stream/pulse/clients/pulse"
	"goa.design/weave/features/transport/httpapi"
	"goa.design/weave/features/transport/ws"
	"goa.design/weave/runtime/model"
	"goa.design/weave/runtime/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if envBoolOr("WEAVE_DEBUG", false) {
		ctx = log.Context(ctx, log.WithDebug())
	}
	logger := telemetry.NewClueLogger()

	addr := envOr("WEAVE_HTTP_ADDR", ":8080")

	engOpts := []weave.Option{
		weave.WithLogger(logger),
		weave.WithMetrics(telemetry.NewClueMetrics()),
		weave.WithTracer(telemetry.NewClueTracer()),
	}
	var pingers []health.Pinger

	// Stores.
	switch backend := envOr("WEAVE_STORE_BACKEND", "inmem"); backend {
	case "inmem":
	case "mongo":
		stores, err := storemongo.Connect(ctx, storemongo.Options{
			URI:      envOr("WEAVE_MONGO_URI", "mongodb://localhost:27017"),
			Database: envOr("WEAVE_MONGO_DB", "weave"),
		})
		if err != nil {
			return fmt.Errorf("connect to mongo: %w", err)
		}
		defer func() {
			if err := stores.Close(context.Background()); err != nil {
				logger.Warn(ctx, "close mongo", "err", err)
			}
		}()
		engOpts = append(engOpts,
			weave.WithDefinitionStore(stores.Definitions),
			weave.WithRunStore(stores.Runs),
			weave.WithConversationStore(stores.Conversations),
			weave.WithStreamStore(stores.Streams),
		)
		pingers = append(pingers, stores.Pingers()...)
	default:
		return fmt.Errorf("unknown store backend %q", backend)
	}

	// Stream mirror.
	switch backend := envOr("WEAVE_STREAM_BACKEND", "inmem"); backend {
	case "inmem":
	case "pulse":
		rdb := redis.NewClient(&redis.Options{
			Addr:     envOr("WEAVE_REDIS_ADDR", "localhost:6379"),
			Password: os.Getenv("WEAVE_REDIS_PASSWORD"),
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		defer func() {
			if err := rdb.Close(); err != nil {
				logger.Warn(ctx, "close redis", "err", err)
			}
		}()
		pc, err := clientspulse.New(clientspulse.Options{Redis: rdb})
		if err != nil {
			return fmt.Errorf("create pulse client: %w", err)
		}
		streams, err := pulsefeature.NewStreams(pulsefeature.StreamsOptions{Client: pc})
		if err != nil {
			return fmt.Errorf("create pulse streams: %w", err)
		}
		engOpts = append(engOpts, weave.WithStreamSink(streams.Sink()))
		pingers = append(pingers, redisPinger{rdb: rdb})
	default:
		return fmt.Errorf("unknown stream backend %q", backend)
	}

	// Model providers.
	tpm := envIntOr("WEAVE_MODEL_TPM", 0)
	wrap := func(c model.Client) model.Client { return c }
	if tpm > 0 {
		limiter := middleware.NewAdaptiveRateLimiter(ctx, nil, "", float64(tpm), float64(tpm)*2)
		wrap = func(c model.Client) model.Client { return limiter.Middleware()(c) }
	}
	if key := os.Getenv("WEAVE_ANTHROPIC_API_KEY"); key != "" {
		c, err := anthropic.NewFromAPIKey(key, envOr("WEAVE_ANTHROPIC_MODEL", "claude-sonnet-4-0"))
		if err != nil {
			return fmt.Errorf("create anthropic client: %w", err)
		}
		engOpts = append(engOpts, weave.WithModelClient("anthropic", wrap(c)))
	}
	if key := os.Getenv("WEAVE_OPENAI_API_KEY"); key != "" {
		c, err := openai.NewFromAPIKey(key, envOr("WEAVE_OPENAI_MODEL", "gpt-4o"))
		if err != nil {
			return fmt.Errorf("create openai client: %w", err)
		}
		engOpts = append(engOpts, weave.WithModelClient("openai", wrap(c)))
	}

	eng, err := weave.New(ctx, engOpts...)
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := eng.Shutdown(shutdownCtx); err != nil {
			logger.Warn(shutdownCtx, "engine shutdown", "err", err)
		}
	}()

	if seedDir := os.Getenv("WEAVE_SEED_DIR"); seedDir != "" {
		n, err := seedDefinitions(ctx, eng, seedDir)
		if err != nil {
			return fmt.Errorf("seed definitions: %w", err)
		}
		logger.Info(ctx, "seeded definitions", "dir", seedDir, "count", n)
	}

	recovered, err := eng.RecoverRuns(ctx)
	if err != nil {
		return fmt.Errorf("recover runs: %w", err)
	}
	if recovered > 0 {
		logger.Info(ctx, "recovered runs", "count", recovered)
	}

	mux := http.NewServeMux()
	mux.Handle("/v1/streams/ws", ws.New(eng, ws.WithLogger(logger)))
	mux.Handle("/", httpapi.New(eng,
		httpapi.WithLogger(logger),
		httpapi.WithPingers(pingers...),
	))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "weaved listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return fmt.Errorf("serve http: %w", err)
	case sig := <-sigCh:
		logger.Info(ctx, "shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// redisPinger reports Redis reachability on /healthz.
type redisPinger struct {
	rdb *redis.Client
}

func (p redisPinger) Name() string { return "redis" }

func (p redisPinger) Ping(ctx context.Context) error {
	return p.rdb.Ping(ctx).Err()
}

// envOr returns the environment variable value or a default.
func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// envIntOr returns the environment variable as int or a default.
func envIntOr(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

// envBoolOr returns the environment variable as bool or a default.
func envBoolOr(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}
