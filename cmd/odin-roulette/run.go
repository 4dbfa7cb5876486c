package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"odin-roulette-server/internal/config"
	"odin-roulette-server/internal/events"
	"odin-roulette-server/internal/limits"
	"odin-roulette-server/internal/logging"
	"odin-roulette-server/internal/matching"
	"odin-roulette-server/internal/metrics"
	"odin-roulette-server/internal/session"
	"odin-roulette-server/internal/transport"
)

func run(ctx context.Context, v *viper.Viper, configFile string) error {
	cfg, err := config.Load(v, configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync() // nolint:errcheck

	metricsRegistry := metrics.NewRegistry(prometheus.NewRegistry())

	opts := []matching.Option{
		matching.WithAvoidRepeatPartner(cfg.Matching.AvoidRepeatPartner),
		matching.WithRequirePartner(cfg.Relay.RequirePartner),
		matching.WithMetrics(metricsRegistry),
		matching.WithLogger(logger.Named("matching")),
	}
	if cfg.Matching.EnforceGenderFilter {
		opts = append(opts, matching.WithCompatibility(matching.GenderFilterCompatibility))
	}

	if cfg.Events.NatsURL != "" {
		publisher, err := events.Connect(cfg.Events, metricsRegistry, logger)
		if err != nil {
			return err
		}
		defer func() {
			if err := publisher.Close(5 * time.Second); err != nil {
				logger.Warn("event publisher close", zap.Error(err))
			}
		}()
		opts = append(opts, matching.WithEventSink(publisher))
	}

	hub := session.NewHub(cfg.WebSocket, metricsRegistry, logger.Named("hub"))
	service := matching.NewService(hub, opts...)

	connLimiter := limits.NewConnectionLimiter(cfg.Limits, metricsRegistry, logger)
	defer connLimiter.Stop()

	transportServer := transport.NewServer(cfg, logger, hub, service, metricsRegistry,
		transport.WithConnectionLimiter(connLimiter),
		transport.WithMessageLimiter(limits.NewMessageLimiter(cfg.Limits, metricsRegistry)),
	)

	if err := transportServer.Start(ctx); err != nil {
		return fmt.Errorf("transport start failed: %w", err)
	}
	logger.Info("odin-roulette started",
		zap.String("version", version),
		zap.Bool("enforce_gender_filter", cfg.Matching.EnforceGenderFilter),
		zap.Bool("avoid_repeat_partner", cfg.Matching.AvoidRepeatPartner),
		zap.Bool("require_partner", cfg.Relay.RequirePartner))

	if cfg.Metrics.Enabled {
		sampler, err := metrics.NewSystemSampler(metricsRegistry, cfg.Metrics.SampleInterval)
		if err != nil {
			logger.Warn("process sampler disabled", zap.Error(err))
		} else {
			go sampler.Run(ctx)
		}
	}

	httpErrCh := make(chan error, 1)
	if cfg.Metrics.Enabled {
		go func() {
			httpErrCh <- runHTTPServer(ctx, cfg, hub, service, metricsRegistry, logger)
		}()
	}

	var httpErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case httpErr = <-httpErrCh:
		if httpErr != nil {
			logger.Error("http server error", zap.Error(httpErr))
		}
	}

	transportServer.Stop()
	logger.Info("transport stopped")
	if httpErr != nil {
		return fmt.Errorf("metrics http server: %w", httpErr)
	}
	return nil
}

func runHTTPServer(ctx context.Context, cfg config.Config, hub *session.Hub, service *matching.Service, metricsRegistry *metrics.Registry, logger *zap.Logger) error {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"status":    "healthy",
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
			"clients":   hub.ClientCount(),
		})
	})

	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, service.Stats())
	})

	mux.Handle(cfg.Metrics.Endpoint, metricsRegistry.Handler())

	httpServer := &http.Server{
		Addr:         cfg.Metrics.ListenAddr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics http server starting", zap.String("addr", cfg.Metrics.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics http server shutdown error", zap.Error(err))
		}
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
