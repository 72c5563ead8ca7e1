// Package server exposes the stats pipeline over HTTP and keeps configured
// servers warm in the background.
package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"guildstats/internal/config"
	"guildstats/internal/eventlog"
	"guildstats/internal/gateway"
	"guildstats/internal/metrics"
	"guildstats/internal/pipeline"
)

// Stats is the part of pipeline.Service the server uses.
type Stats interface {
	Get(ctx context.Context, key string, opts pipeline.Options) (pipeline.Result, error)
	Invalidate(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
}

// Target is one configured server key.
type Target struct {
	Key       string
	Options   pipeline.Options
	WarmEvery time.Duration
}

type Config struct {
	Targets []Target

	// StatsEvery is the periodic stats log interval; 0 disables it.
	StatsEvery time.Duration

	// WarmConcurrency bounds concurrent background refreshes.
	WarmConcurrency int
	// WarmTimeout bounds one background refresh.
	WarmTimeout time.Duration
}

// Histograms reads back observed histogram totals.
type Histograms interface {
	HistogramStats(name string) (count uint64, sum float64, ok bool)
}

// Deps are optional collaborators.
type Deps struct {
	Logger     *zap.Logger
	Gateway    gateway.Gateway
	Metrics    http.Handler
	Histograms Histograms
	Recent     *eventlog.Recent
}

type Service struct {
	stats   Stats
	cfg     Config
	targets map[string]Target
	deps    Deps
	logger  *zap.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewService starts the background loops. Close stops them.
func NewService(stats Stats, cfg Config, deps Deps) *Service {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if cfg.WarmConcurrency <= 0 {
		cfg.WarmConcurrency = 4
	}
	if cfg.WarmTimeout <= 0 {
		cfg.WarmTimeout = 30 * time.Second
	}
	s := &Service{
		stats:   stats,
		cfg:     cfg,
		targets: make(map[string]Target, len(cfg.Targets)),
		deps:    deps,
		logger:  deps.Logger,
		stopCh:  make(chan struct{}),
	}
	for _, t := range cfg.Targets {
		s.targets[t.Key] = t
	}

	if cfg.StatsEvery > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(cfg.StatsEvery)
		}()
	}

	if every := minWarmInterval(cfg.Targets); every > 0 {
		s.logger.Info("warm-up enabled", zap.Duration("tick", every))
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.warmupLoop(every)
		}()
	}
	return s
}

func (s *Service) Close() {
	close(s.stopCh)
	s.wg.Wait()
}

func minWarmInterval(targets []Target) time.Duration {
	var out time.Duration
	for _, t := range targets {
		if t.WarmEvery <= 0 || t.Options.ForceDemo {
			continue
		}
		if out == 0 || t.WarmEvery < out {
			out = t.WarmEvery
		}
	}
	return out
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			s.logStats()
		}
	}
}

func (s *Service) logStats() {
	fields := make([]zap.Field, 0, 6)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if keys, err := s.stats.Keys(ctx); err == nil {
		fields = append(fields, zap.Int("keys", len(keys)))
	}
	if sized, ok := s.deps.Gateway.(interface{ TotalSize() int64 }); ok {
		fields = append(fields, zap.String("disk", config.FormatBytes(uint64(max(sized.TotalSize(), 0)))))
	}
	switch g := s.deps.Gateway.(type) {
	case interface{ Len() int }:
		fields = append(fields, zap.Int("entries", g.Len()))
	case interface{ KeyCount() int }:
		fields = append(fields, zap.Int("entries", g.KeyCount()))
	}
	if s.deps.Histograms != nil {
		if n, sum, ok := s.deps.Histograms.HistogramStats(metrics.MetricUpstreamBytes); ok && n > 0 {
			fields = append(fields,
				zap.Uint64("responses", n),
				zap.String("respAvg", config.FormatBytes(uint64(sum/float64(n)))),
			)
		}
	}
	s.logger.Info("cache stats", fields...)
}
