package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/rcourtman/suite-entitlements/internal/billing"
)

const enforcerScrapeTimeout = 2 * time.Second

// enforcerMetricsHandler serves the billing metrics. Each scrape recounts
// subscriptions by status first so the gauge reflects writes made by other
// processes sharing the store.
func enforcerMetricsHandler(svc *billing.Service) http.Handler {
	metrics := promhttp.Handler()
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), enforcerScrapeTimeout)
		defer cancel()
		if err := svc.SyncStatusGauge(ctx); err != nil {
			log.Warn().Err(err).Str("component", "grace_enforcer").Msg("Status gauge stale for this scrape")
		}
		metrics.ServeHTTP(w, r)
	})
	return mux
}

// serveEnforcerMetrics exposes the metrics of a watching grace enforcer on
// addr until ctx ends.
func serveEnforcerMetrics(ctx context.Context, addr string, svc *billing.Service) {
	srv := &http.Server{
		Addr:              addr,
		Handler:           enforcerMetricsHandler(svc),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
	logger := log.With().Str("component", "grace_enforcer").Str("metrics_addr", addr).Logger()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("Enforcer metrics endpoint did not drain")
		}
	}()

	go func() {
		logger.Info().Msg("Serving enforcer metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Enforcer metrics endpoint failed; enforcement continues without it")
		}
	}()
}

// signalContext cancels on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
