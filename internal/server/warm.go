package server

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// warmupLoop refreshes due targets on every tick. A target is due after its
// WarmEvery, or later when the last refresh asked for a longer cool-down.
func (s *Service) warmupLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()

	next := make(map[string]time.Time, len(s.targets))
	for {
		select {
		case <-s.stopCh:
			return
		case now := <-t.C:
			s.warmDue(now, next)
		}
	}
}

// warmDue runs one warm pass and blocks until it finishes, so passes never
// overlap. Targets that do not fit in the concurrency limit wait for the
// next tick.
func (s *Service) warmDue(now time.Time, next map[string]time.Time) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	type outcome struct {
		key   string
		retry int
	}
	due := s.dueTargets(now, next)
	results := make(chan outcome, len(due))

	var g errgroup.Group
	g.SetLimit(s.cfg.WarmConcurrency)
	for _, t := range due {
		t := t
		ok := g.TryGo(func() error {
			wctx, wcancel := context.WithTimeout(ctx, s.cfg.WarmTimeout)
			defer wcancel()

			opts := t.Options
			opts.BypassCache = true
			res, err := s.stats.Get(wctx, t.Key, opts)
			if err != nil {
				s.logger.Warn("warm-up failed", zap.String("key", t.Key), zap.Error(err))
				results <- outcome{key: t.Key}
				return nil
			}
			s.logger.Debug("warmed",
				zap.String("key", t.Key),
				zap.String("reason", res.Reason),
				zap.Bool("fallback", res.FallbackUsed),
			)
			results <- outcome{key: t.Key, retry: res.RetryAfter}
			return nil
		})
		if !ok {
			break
		}
	}
	_ = g.Wait()
	close(results)

	for o := range results {
		wait := s.targets[o.key].WarmEvery
		if retry := time.Duration(o.retry) * time.Second; retry > wait {
			wait = retry
		}
		next[o.key] = now.Add(wait)
	}
}

func (s *Service) dueTargets(now time.Time, next map[string]time.Time) []Target {
	out := make([]Target, 0, len(s.targets))
	for _, t := range s.targets {
		if t.WarmEvery <= 0 || t.Options.ForceDemo {
			continue
		}
		if at, ok := next[t.Key]; ok && now.Before(at) {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
