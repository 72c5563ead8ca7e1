package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"guildstats/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP stats service",
	Long: `Run the HTTP stats service.

Routes:
  GET    /v1/stats/{key}   snapshot for a configured server (?refresh=1 bypasses the cache)
  DELETE /v1/stats/{key}   drop the cached snapshot
  GET    /v1/keys          configured and cached keys
  GET    /v1/events        recent pipeline events
  GET    /metrics          Prometheus metrics
  GET    /healthz          liveness`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	svc := server.NewService(a.stats, server.Config{
		Targets:    a.targets(),
		StatsEvery: cfg.Logging.StatsEvery(),
	}, server.Deps{
		Logger:     logger.Named("server"),
		Gateway:    a.gw,
		Metrics:    a.prom.Handler(),
		Histograms: a.prom,
		Recent:     a.recent,
	})
	defer svc.Close()

	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("guildstats listening",
			zap.String("addr", ln.Addr().String()),
			zap.String("cache", cfg.Cache.Backend),
			zap.Int("servers", len(cfg.Servers)),
		)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
