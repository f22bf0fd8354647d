// Command skillscale-server runs one skill server process bound to a
// single topic: it loads the local skills directory, connects to the
// proxy, and serves requests until terminated.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/skillscale/skillscale/internal/config"
	"github.com/skillscale/skillscale/internal/discovery"
	"github.com/skillscale/skillscale/internal/matcher"
	"github.com/skillscale/skillscale/internal/obs"
	"github.com/skillscale/skillscale/internal/sandbox"
	"github.com/skillscale/skillscale/internal/server"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		os.Stderr.WriteString("skillscale-server: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger := obs.NewLogger(obs.LoggerConfig{Level: cfg.LogLevel, Format: cfg.LogFormat, Service: "skillscale-server"})
	metrics := obs.NewMetrics("server")

	snapshot, stopWatch, err := buildSnapshotSource(*cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to scan skills directory")
	}
	defer stopWatch()

	match, err := buildMatcher(*cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid matcher configuration")
	}

	sb := sandbox.New(cfg.MaxExecPerSec, int(cfg.MaxExecPerSec), cfg.MaxOutputBytes)
	srv := server.New(*cfg, logger, metrics, snapshot, match, sb)

	admin := &http.Server{Addr: cfg.AdminAddr, Handler: adminMux(metrics)}
	go func() {
		if err := admin.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("admin server failed")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("server exited with error")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := admin.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("admin server shutdown error")
	}
}

// buildSnapshotSource chooses between a one-shot scan and a live
// fsnotify-backed watcher per cfg.Watch, returning a stop func that's
// always safe to defer-call.
func buildSnapshotSource(cfg config.ServerConfig, logger zerolog.Logger) (server.SnapshotSource, func(), error) {
	scanner := discovery.NewScanner(cfg.SkillsDir)

	if !cfg.Watch {
		snap, err := scanner.Scan()
		if err != nil {
			return nil, func() {}, err
		}
		return server.Static(snap), func() {}, nil
	}

	watcher, err := discovery.NewWatcher(scanner, logger)
	if err != nil {
		return nil, func() {}, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		if err := watcher.Run(ctx); err != nil {
			logger.Warn().Err(err).Msg("discovery watcher stopped")
		}
	}()
	return watcher, cancel, nil
}

// buildMatcher maps SKILLSCALE_MATCHER_MODE to a concrete MatchFn. This
// mapping lives here rather than in internal/server so the server
// package stays decoupled from any particular matching policy.
func buildMatcher(cfg config.ServerConfig) (matcher.MatchFn, error) {
	switch cfg.MatcherMode {
	case "single":
		return matcher.SingleSkill, nil
	case "explicit-only":
		return nil, nil
	case "external":
		return matcher.ExternalCallout(cfg.MatcherExternalPath), nil
	default:
		return matcher.ExactName, nil
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
