// Command skillscale-proxy runs the XPUB/XSUB-equivalent broker: it
// accepts publisher and subscriber TCP connections and forwards frames
// between them.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/skillscale/skillscale/internal/config"
	"github.com/skillscale/skillscale/internal/obs"
	"github.com/skillscale/skillscale/internal/proxy"
)

func main() {
	cfg, err := config.LoadProxyConfig()
	if err != nil {
		os.Stderr.WriteString("skillscale-proxy: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger := obs.NewLogger(obs.LoggerConfig{Level: cfg.LogLevel, Format: cfg.LogFormat, Service: "skillscale-proxy"})
	metrics := obs.NewMetrics("proxy")

	admin := &http.Server{Addr: cfg.AdminAddr, Handler: adminMux(metrics)}
	go func() {
		if err := admin.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("admin server failed")
		}
	}()

	p := proxy.New(*cfg, logger, metrics)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runErr := make(chan error, 1)
	go func() { runErr <- p.Run(ctx) }()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-runErr:
		if err != nil {
			// A fatal proxy socket error is not recovered internally:
			// the process exits non-zero.
			logger.Error().Err(err).Msg("proxy failed fatally")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			admin.Shutdown(shutdownCtx)
			cancel()
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := admin.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("admin server shutdown error")
	}
}

func adminMux(metrics *obs.Metrics) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", metrics.Handler())
	return mux
}
