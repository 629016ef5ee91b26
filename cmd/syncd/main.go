// syncd is the background execution context: it drives the sync engine
// without direct store access (all queue operations go through the
// cross-context bridge), serves foreground traffic through the resource
// cache and runs the install/activate lifecycle.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sogara/internal/bridge"
	"sogara/internal/config"
	"sogara/internal/events"
	"sogara/internal/lifecycle"
	"sogara/internal/logging"
	"sogara/internal/metrics"
	"sogara/internal/notify"
	"sogara/internal/syncer"
	"sogara/internal/webcache"

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
	logger := logging.Component(baseLogger, "syncd-main")

	metrics.Register()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	defer redisClient.Close()

	queueAccess := bridge.NewClient(redisClient, bridge.DefaultQueueKey, baseLogger)

	notifier, err := buildNotifier(cfg, baseLogger)
	if err != nil {
		return err
	}

	bus := events.NewEventBus()
	engine := syncer.NewEngine(queueAccess,
		syncer.StaticEndpoints{BaseURL: cfg.Sync.ServerBaseURL},
		bus, notifier, baseLogger,
		syncer.Options{
			Retry: syncer.RetryPolicy{
				MaxAttempts:   cfg.Sync.MaxAttempts,
				InitialDelay:  time.Duration(cfg.Sync.InitialBackoffMS) * time.Millisecond,
				MaxDelay:      time.Duration(cfg.Sync.MaxBackoffMS) * time.Millisecond,
				BackoffFactor: 2,
			},
			TTL:             cfg.QueueTTL(),
			DispatchTimeout: cfg.DispatchTimeout(),
			Interval:        time.Duration(cfg.Sync.IntervalS) * time.Second,
			RateRPS:         cfg.Sync.RateRPS,
			RateBurst:       cfg.Sync.RateBurst,
		})
	go engine.Run(ctx)

	cache := webcache.NewManager(webcache.Options{
		Version:       cfg.Cache.Version,
		Upstream:      cfg.Cache.Upstream,
		StaticAssets:  cfg.Cache.StaticAssets,
		CriticalPages: cfg.Cache.CriticalPages,
		HomePage:      cfg.Cache.HomePage,
	}, baseLogger)

	controller := lifecycle.NewController(cache, bus, cfg.Cache.Version, baseLogger)
	if err := controller.Install(ctx); err != nil {
		logger.Error().Err(err).Msg("install failed, continuing degraded")
	}
	if err := controller.SkipWaiting(ctx); err != nil {
		return fmt.Errorf("activate: %w", err)
	}

	if cfg.Monitoring.PrometheusEnabled {
		go serveMetrics(cfg.Monitoring.PrometheusPort, &logger)
	}

	proxy := newProxyServer(cfg.Cache.ListenAddr, cache, controller, engine, &logger)
	go func() {
		if err := proxy.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("cache proxy server error")
		}
	}()
	defer func() {
		_ = proxy.Shutdown(context.Background())
	}()

	logger.Info().Msg("syncd started")
	<-ctx.Done()
	logger.Info().Msg("syncd shutting down")
	return nil
}

// newProxyServer serves foreground traffic through the caching layer and
// exposes the lifecycle control endpoint.
func newProxyServer(addr string, cache *webcache.Manager, controller *lifecycle.Controller, engine *syncer.Engine, logger *zerolog.Logger) *http.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("/control", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var msg lifecycle.ControlMessage
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			http.Error(w, "invalid control message", http.StatusBadRequest)
			return
		}
		reply, err := controller.Handle(r.Context(), msg)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if reply == nil {
			reply = map[string]bool{"ok": true}
		}
		_ = json.NewEncoder(w).Encode(reply)
	})

	// The reconnect signal: clients report connectivity is back and an
	// immediate sync cycle is scheduled.
	mux.HandleFunc("/online", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		engine.Trigger()
		w.WriteHeader(http.StatusAccepted)
	})

	mux.Handle("/", cache.Handler())

	logger.Info().Str("addr", addr).Msg("cache proxy listening")
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
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
