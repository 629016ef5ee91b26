// The agent is the foreground execution context: it owns the durable
// offline queue, serves bridge requests from the background syncd and
// exposes the enqueue API that UI forms call.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sogara/internal/api"
	"sogara/internal/bridge"
	"sogara/internal/config"
	"sogara/internal/events"
	"sogara/internal/logging"
	"sogara/internal/metrics"
	"sogara/internal/notify"
	"sogara/internal/outbox"
	"sogara/internal/store"
	"sogara/internal/syncer"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return err
	}
	if closer != nil {
		defer (func(c io.Closer) { _ = c.Close() })(closer)
	}
	logger := logging.Component(baseLogger, "agent-main")

	metrics.Register()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	queue, primary, cleanup, err := buildQueue(cfg, baseLogger)
	if err != nil {
		return err
	}
	defer cleanup()

	// The launch counter lives next to the queue; the UI reads it for the
	// install/visit figures.
	if n, err := primary.IncrCounter(ctx, "launches"); err != nil {
		logger.Warn().Err(err).Msg("launch counter update failed")
	} else {
		logger.Info().Int64("launches", n).Msg("launch recorded")
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	defer redisClient.Close()

	responder := bridge.NewResponder(redisClient, queue, bridge.DefaultQueueKey, baseLogger)
	go responder.Run(ctx)

	notifier, err := buildNotifier(cfg, baseLogger)
	if err != nil {
		return err
	}

	bus := events.NewEventBus()
	engine := syncer.NewEngine(queue,
		syncer.StaticEndpoints{BaseURL: cfg.Sync.ServerBaseURL},
		bus, notifier, baseLogger,
		syncer.Options{
			Retry: syncer.RetryPolicy{
				MaxAttempts:   cfg.Sync.MaxAttempts,
				InitialDelay:  millis(cfg.Sync.InitialBackoffMS),
				MaxDelay:      millis(cfg.Sync.MaxBackoffMS),
				BackoffFactor: 2,
			},
			TTL:             cfg.QueueTTL(),
			DispatchTimeout: cfg.DispatchTimeout(),
			RateRPS:         cfg.Sync.RateRPS,
			RateBurst:       cfg.Sync.RateBurst,
		})

	if cfg.Monitoring.PrometheusEnabled {
		go serveMetrics(cfg.Monitoring.PrometheusPort, &logger)
	}

	apiServer := api.NewServer(cfg.Agent, queue, engine, baseLogger)
	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Error().Err(err).Msg("agent API server error")
		}
	}()
	defer func() {
		_ = apiServer.Shutdown(context.Background())
	}()

	logger.Info().Msg("agent started")
	<-ctx.Done()
	logger.Info().Msg("agent shutting down")
	return nil
}

// buildQueue wires the failover store: sqlite primary, flat JSON file
// fallback. The primary is returned as well for the counters record,
// which has no fallback representation.
func buildQueue(cfg *config.Config, logger *zerolog.Logger) (*outbox.Queue, *store.SQLiteStore, func(), error) {
	primary, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open primary store: %w", err)
	}

	fallback, err := store.NewFileStore(cfg.Storage.FallbackPath)
	if err != nil {
		primary.Close()
		return nil, nil, nil, fmt.Errorf("open fallback store: %w", err)
	}

	failover := store.NewFailoverStore(primary, fallback, logger)
	queue := outbox.NewQueue(failover, logger)
	return queue, primary, func() { _ = primary.Close() }, nil
}

func buildNotifier(cfg *config.Config, logger *zerolog.Logger) (notify.Notifier, error) {
	if !cfg.Telegram.Enabled {
		return notify.Nop{}, nil
	}
	return notify.NewTelegram(cfg.Telegram.BotToken, cfg.Telegram.ChatID, logger)
}

func serveMetrics(port int, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	addr := fmt.Sprintf(":%d", port)
	logger.Info().Str("addr", addr).Msg("metrics listening")
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error().Err(err).Msg("metrics server error")
	}
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
