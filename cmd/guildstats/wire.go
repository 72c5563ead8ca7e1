package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"guildstats/internal/config"
	"guildstats/internal/eventlog"
	"guildstats/internal/gateway"
	"guildstats/internal/metrics"
	"guildstats/internal/pipeline"
	"guildstats/internal/server"
	"guildstats/internal/snapshot"
	"guildstats/internal/upstream"
)

// app holds everything built from the configuration.
type app struct {
	cfg    config.Config
	logger *zap.Logger

	gw     gateway.Gateway
	client *upstream.Client
	prom   *metrics.Prometheus
	recent *eventlog.Recent
	pg     *eventlog.Postgres
	pool   *pgxpool.Pool
	stats  *pipeline.Service
}

func newApp(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	gw, err := openGateway(ctx, cfg.Cache)
	if err != nil {
		return nil, err
	}
	a.gw = gw

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.prom = metrics.NewPrometheus(reg)

	a.client = upstream.NewClient(upstream.ClientConfig{
		Timeout:      cfg.Upstream.TimeoutDuration(),
		UserAgent:    cfg.Upstream.UserAgent,
		MaxBodyBytes: cfg.Upstream.MaxBodyBytes(),
		SizeLimit:    cfg.Upstream.SizeLimit,
		Logger:       logger.Named("upstream"),
		Collector:    a.prom,
	})

	a.recent = eventlog.NewRecent(cfg.Events.Recent)
	sinks := []eventlog.Sink{eventlog.NewZap(logger.Named("events")), a.recent}
	if dsn := cfg.Events.PostgresDSN(); dsn != "" {
		pool, err := eventlog.OpenPool(ctx, dsn)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.pool = pool
		a.pg = eventlog.NewPostgres(pool, logger.Named("events"), cfg.Events.Buffer)
		if err := a.pg.EnsureSchema(ctx); err != nil {
			a.Close()
			return nil, err
		}
		sinks = append(sinks, a.pg)
	}

	policy := snapshot.DefaultPolicy{}
	fetcher := pipeline.NewFetcher(
		upstream.NewWidgetSource(a.client, cfg.Upstream.WidgetURL, logger.Named("widget")),
		upstream.NewBotSource(a.client, cfg.Upstream.BotURL, logger.Named("bot")),
		policy,
	)
	a.stats = pipeline.NewService(gw, fetcher, pipeline.Config{
		CacheTTL:      cfg.Stats.CacheTTLDuration(),
		LockTTL:       cfg.Stats.LockTTLDuration(),
		RetryAfter:    cfg.Stats.RetryAfterDuration(),
		MaxRetryAfter: cfg.Stats.MaxRetryAfterDuration(),
		MaxStaleAge:   cfg.Stats.MaxStaleAgeDuration(),
		Demo: snapshot.Demo{
			ServerName: cfg.Stats.Demo.ServerName,
			Online:     cfg.Stats.Demo.Online,
			Total:      cfg.Stats.Demo.Total,
		},
	},
		pipeline.WithLogger(logger.Named("pipeline")),
		pipeline.WithCollector(a.prom),
		pipeline.WithEventLogger(eventlog.NewMulti(sinks...)),
	)
	return a, nil
}

func openGateway(ctx context.Context, c config.Cache) (gateway.Gateway, error) {
	switch c.Backend {
	case config.BackendLevelDB:
		return gateway.OpenLevelDB(c.Path, gateway.LevelDBOptions{
			MaxBytes:   c.DiskMaxBytes(),
			SweepEvery: c.SweepEvery(),
		})
	case config.BackendRedis:
		return gateway.NewRedis(ctx, gateway.RedisOptions{
			Addr:     c.Redis.Addr,
			Password: c.RedisPassword(),
			DB:       c.Redis.DB,
			Prefix:   c.Redis.Prefix,
		})
	case config.BackendMemory:
		return gateway.NewMemory(c.MaxEntries)
	}
	return nil, fmt.Errorf("unknown cache backend %q", c.Backend)
}

// options builds the pipeline options of one configured server.
func options(s config.Server) pipeline.Options {
	return pipeline.Options{
		ServerID:  s.ID,
		WidgetURL: s.WidgetURL,
		BotURL:    s.BotURL,
		BotToken:  s.BotToken(),
		ForceDemo: s.ForceDemo,
	}
}

func (a *app) targets() []server.Target {
	out := make([]server.Target, 0, len(a.cfg.Servers))
	for _, s := range a.cfg.Servers {
		out = append(out, server.Target{
			Key:       s.Key,
			Options:   options(s),
			WarmEvery: s.WarmUpEvery(),
		})
	}
	return out
}

func (a *app) Close() {
	if a.pg != nil {
		a.pg.Close()
		if n := a.pg.Dropped(); n > 0 {
			a.logger.Warn("events dropped", zap.Uint64("count", n))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if a.gw != nil {
		if err := a.gw.Close(); err != nil {
			a.logger.Warn("close cache", zap.Error(err))
		}
	}
}
