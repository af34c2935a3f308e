package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"cosmossdk.io/log"

	gethmetrics "github.com/ethereum/go-ethereum/metrics"
	gethprom "github.com/ethereum/go-ethereum/metrics/prometheus"
	"golang.org/x/sync/errgroup"
)

// StartMetricsServer exposes the go-ethereum metrics registry (which holds
// the pool's instruments) in Prometheus format.
func StartMetricsServer(ctx context.Context, logger log.Logger, g *errgroup.Group, addr string) {
	logger = logger.With(log.ModuleKey, "Metrics")

	mux := http.NewServeMux()
	mux.Handle("/metrics", gethprom.Handler(gethmetrics.DefaultRegistry))

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		logger.Info("starting metrics server", "address", addr)

		errCh := make(chan error, 1)
		go func() {
			errCh <- server.ListenAndServe()
		}()

		select {
		case <-ctx.Done():
			logger.Info("stopping metrics server", "address", addr)
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				logger.Error("metrics server shutdown error", "error", err)
				return err
			}
			return nil
		case err := <-errCh:
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
				return err
			}
			return nil
		}
	})
}
