package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"guildstats/internal/eventlog"
	"guildstats/internal/gateway"
	"guildstats/internal/metrics"
	"guildstats/internal/snapshot"
)

// Reasons reported in Result.Reason and in fallback events.
const (
	ReasonCacheHit      = "cache_hit"
	ReasonForcedDemo    = "forced_demo"
	ReasonRefreshed     = "refreshed"
	ReasonRetryAfter    = "retry_after"
	ReasonLockContended = "lock_contended"
	ReasonFetchFailed   = "fetch_failed"
)

// Event stages.
const (
	StageSuccess  = "success"
	StageFallback = "fallback"
)

// Config holds the timing policy of a Service.
type Config struct {
	// CacheTTL is how long a fresh snapshot is served from cache.
	CacheTTL time.Duration
	// LockTTL bounds how long a crashed refresh can block others.
	LockTTL time.Duration
	// RetryAfter is the minimum cool-down after a fallback.
	RetryAfter time.Duration
	// MaxRetryAfter caps how long an upstream rate-limit hint may stretch
	// the cool-down.
	MaxRetryAfter time.Duration
	// MaxStaleAge limits how old last-known-good data may be to still be
	// served. Zero accepts any age.
	MaxStaleAge time.Duration
	// Demo is served when no last-known-good data is usable.
	Demo snapshot.Demo
}

func (c Config) withDefaults() Config {
	if c.CacheTTL <= 0 {
		c.CacheTTL = 5 * time.Minute
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 30 * time.Second
	}
	if c.RetryAfter <= 0 {
		c.RetryAfter = 15 * time.Second
	}
	if c.MaxRetryAfter <= 0 {
		c.MaxRetryAfter = time.Hour
	}
	return c
}

// PersistContext tells PersistSuccess how the snapshot was obtained.
type PersistContext struct {
	BotCalled        bool
	BotTokenSet      bool
	WidgetIncomplete bool
}

// Hooks are the storage and policy callbacks of a Service. Nil fields get
// gateway-backed defaults.
type Hooks struct {
	// FallbackProvider supplies demo data when no last-known-good exists.
	FallbackProvider func() *snapshot.Snapshot
	PersistSuccess   func(ctx context.Context, key string, stats *snapshot.Snapshot, opts Options, pc PersistContext) error
	// PersistFallback may tag the snapshot before caching it and returns what
	// the caller should be served.
	PersistFallback  func(ctx context.Context, key string, stats *snapshot.Snapshot, retryAfter int) (*snapshot.Snapshot, error)
	ReadRetryAfter   func() int
	StoreRetryAfter  func(ctx context.Context, key string, seconds int) error
	RegisterCacheKey func(ctx context.Context, key string) error
}

// Result describes what one Get did.
type Result struct {
	Stats        *snapshot.Snapshot
	UsedCache    bool
	FallbackUsed bool
	LockAcquired bool
	LockReleased bool
	BotCalled    bool
	RetryAfter   int // seconds, set when FallbackUsed
	Reason       string

	// Event is the pipeline event emitted for this call, nil for cache hits
	// and forced demo.
	Event *eventlog.Event
}

// Service returns a usable snapshot for a cache key, refreshing it from
// upstream at most once at a time per key.
type Service struct {
	gw      gateway.Gateway
	rec     records
	fetcher StatsFetcher
	cfg     Config
	hooks   Hooks
	index   *keyIndex

	events    eventlog.Logger
	collector metrics.Collector
	logger    *zap.Logger
	now       func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithHooks overrides any non-nil hook.
func WithHooks(h Hooks) Option {
	return func(s *Service) {
		if h.FallbackProvider != nil {
			s.hooks.FallbackProvider = h.FallbackProvider
		}
		if h.PersistSuccess != nil {
			s.hooks.PersistSuccess = h.PersistSuccess
		}
		if h.PersistFallback != nil {
			s.hooks.PersistFallback = h.PersistFallback
		}
		if h.ReadRetryAfter != nil {
			s.hooks.ReadRetryAfter = h.ReadRetryAfter
		}
		if h.StoreRetryAfter != nil {
			s.hooks.StoreRetryAfter = h.StoreRetryAfter
		}
		if h.RegisterCacheKey != nil {
			s.hooks.RegisterCacheKey = h.RegisterCacheKey
		}
	}
}

// WithEventLogger sets where pipeline events go.
func WithEventLogger(l eventlog.Logger) Option {
	return func(s *Service) { s.events = l }
}

// WithCollector sets the metrics collector.
func WithCollector(c metrics.Collector) Option {
	return func(s *Service) { s.collector = c }
}

// WithLogger sets the zap logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a Service over gw using fetcher for refreshes.
func NewService(gw gateway.Gateway, fetcher StatsFetcher, cfg Config, opts ...Option) *Service {
	s := &Service{
		gw:        gw,
		rec:       records{gw: gw},
		fetcher:   fetcher,
		cfg:       cfg.withDefaults(),
		collector: metrics.NewNoop(),
		logger:    zap.NewNop(),
		now:       time.Now,
	}
	s.index = newKeyIndex(s.rec)
	s.hooks = Hooks{
		FallbackProvider: s.defaultFallback,
		PersistSuccess:   s.persistSuccess,
		PersistFallback:  s.persistFallback,
		ReadRetryAfter:   s.readRetryAfter,
		StoreRetryAfter:  s.storeRetryAfter,
		RegisterCacheKey: s.registerCacheKey,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.events == nil {
		s.events = eventlog.NewZap(s.logger)
	}
	return s
}

// Get returns the snapshot for key. A nil error always comes with a non-nil
// Result.Stats; errors come only from the gateway.
func (s *Service) Get(ctx context.Context, key string, opts Options) (Result, error) {
	if opts.ForceDemo {
		stats := s.hooks.FallbackProvider().Clone()
		if stats == nil {
			stats = s.cfg.Demo.Snapshot(s.now().Unix())
		}
		stats.IsDemo = true
		stats.FallbackDemo = false
		stats.Stale = false
		return Result{Stats: stats, Reason: ReasonForcedDemo}, nil
	}

	if !opts.BypassCache {
		cached, ok, err := s.rec.snapshot(ctx, key)
		if err != nil {
			return Result{}, err
		}
		if ok {
			s.collector.IncCounter(metrics.MetricCacheHits, 1)
			return Result{Stats: cached, UsedCache: true, Reason: ReasonCacheHit}, nil
		}
		s.collector.IncCounter(metrics.MetricCacheMisses, 1)
	}

	if !opts.IgnoreRetryAfter {
		deadline, ok, err := s.rec.retryDeadline(ctx, key)
		if err != nil {
			return Result{}, err
		}
		if remaining := deadline.Value - s.now().Unix(); ok && remaining > 0 {
			res, err := s.serveFallback(ctx, key, int(remaining), false)
			if err != nil {
				return Result{}, err
			}
			res.Reason = ReasonRetryAfter
			s.emit(key, StageFallback, &res)
			return res, nil
		}
	}

	lockVal, acquired, err := s.acquireLock(ctx, key)
	if err != nil {
		return Result{}, err
	}
	if !acquired {
		return s.contended(ctx, key)
	}

	res, err := s.refresh(ctx, key, opts, lockVal)
	if err != nil {
		return Result{}, err
	}
	stage := StageSuccess
	if res.FallbackUsed {
		stage = StageFallback
	}
	s.emit(key, stage, &res)
	return res, nil
}

func (s *Service) acquireLock(ctx context.Context, key string) ([]byte, bool, error) {
	now := s.now()
	lock := refreshLock{
		Owner:     uuid.NewString(),
		LockedAt:  now.Unix(),
		ExpiresAt: now.Add(s.cfg.LockTTL).Unix(),
	}
	val, err := json.Marshal(lock)
	if err != nil {
		return nil, false, fmt.Errorf("encode lock: %w", err)
	}
	ok, err := s.gw.Add(ctx, prefixLock+key, val, s.cfg.LockTTL)
	if err != nil {
		return nil, false, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	return val, ok, nil
}

// releaseLock deletes the lock only if it still holds the bytes we wrote, so
// a lock that expired and was re-acquired by someone else survives.
func (s *Service) releaseLock(ctx context.Context, key string, val []byte) error {
	ok, err := s.gw.DeleteIf(context.WithoutCancel(ctx), prefixLock+key, val)
	if err != nil {
		return fmt.Errorf("release lock %s: %w", key, err)
	}
	if !ok {
		s.logger.Debug("lock already gone at release", zap.String("key", key))
	}
	return nil
}

func (s *Service) contended(ctx context.Context, key string) (Result, error) {
	s.collector.IncCounter(metrics.MetricLockContended, 1)

	remaining := int64(0)
	lock, ok, err := s.rec.lock(ctx, key)
	if err != nil {
		return Result{}, err
	}
	if ok {
		remaining = lock.ExpiresAt - s.now().Unix()
	}
	retry := max(s.hooks.ReadRetryAfter(), int(remaining))

	res, err := s.serveFallback(ctx, key, retry, true)
	if err != nil {
		return Result{}, err
	}
	res.Reason = ReasonLockContended
	s.emit(key, StageFallback, &res)
	return res, nil
}

// refresh runs with the lock held and always releases it.
func (s *Service) refresh(ctx context.Context, key string, opts Options, lockVal []byte) (res Result, err error) {
	res.LockAcquired = true
	defer func() {
		relErr := s.releaseLock(ctx, key, lockVal)
		res.LockReleased = relErr == nil
		if relErr != nil {
			s.logger.Warn("lock release failed", zap.String("key", key), zap.Error(relErr))
			if err == nil {
				err = relErr
			}
		}
	}()

	if err := s.hooks.RegisterCacheKey(ctx, key); err != nil {
		return res, err
	}

	start := s.now()
	fetched := s.fetcher.Fetch(ctx, opts)
	s.collector.ObserveHistogram(metrics.MetricRefreshSeconds, s.now().Sub(start).Seconds())
	res.BotCalled = fetched.BotCalled

	if fetched.HasUsableStats {
		pc := PersistContext{
			BotCalled:        fetched.BotCalled,
			BotTokenSet:      fetched.BotToken != "",
			WidgetIncomplete: fetched.WidgetIncomplete,
		}
		if err := s.hooks.PersistSuccess(ctx, key, fetched.Stats, opts, pc); err != nil {
			return res, err
		}
		// Fresh data ends any cool-down left by an earlier fallback.
		if err := s.gw.Delete(ctx, prefixRetry+key); err != nil {
			return res, fmt.Errorf("clear retry deadline %s: %w", key, err)
		}
		s.collector.IncCounter(metrics.MetricRefreshSuccesses, 1)
		res.Stats = fetched.Stats
		res.Reason = ReasonRefreshed
		return res, nil
	}

	hint := min(fetched.RetryAfter, s.cfg.MaxRetryAfter)
	retry := max(s.hooks.ReadRetryAfter(), ceilSeconds(hint))
	fb, err := s.serveFallback(ctx, key, retry, true)
	if err != nil {
		return res, err
	}
	res.Stats = fb.Stats
	res.FallbackUsed = true
	res.RetryAfter = fb.RetryAfter
	res.Reason = ReasonFetchFailed
	return res, nil
}

// serveFallback builds the fallback snapshot, persists it and, when store is
// set, records the retry deadline.
func (s *Service) serveFallback(ctx context.Context, key string, retry int, store bool) (Result, error) {
	s.collector.IncCounter(metrics.MetricFallbacks, 1)

	stats, err := s.fallback(ctx, key)
	if err != nil {
		return Result{}, err
	}
	stats, err = s.hooks.PersistFallback(ctx, key, stats, retry)
	if err != nil {
		return Result{}, err
	}
	if store {
		if err := s.hooks.StoreRetryAfter(ctx, key, retry); err != nil {
			return Result{}, err
		}
	}
	return Result{Stats: stats, FallbackUsed: true, RetryAfter: retry}, nil
}

// fallback prefers last-known-good data within MaxStaleAge, else demo data.
func (s *Service) fallback(ctx context.Context, key string) (*snapshot.Snapshot, error) {
	lkg, ok, err := s.rec.lastKnownGood(ctx, key)
	if err != nil {
		return nil, err
	}
	now := s.now().Unix()
	maxAge := int64(s.cfg.MaxStaleAge / time.Second)
	if ok && (maxAge <= 0 || now-lkg.Timestamp <= maxAge) {
		out := lkg.Stats.Clone()
		out.Stale = true
		out.IsDemo = false
		out.FallbackDemo = false
		out.LastUpdated = lkg.Timestamp
		return out, nil
	}

	out := s.hooks.FallbackProvider().Clone()
	if out == nil {
		out = s.cfg.Demo.Snapshot(now)
	}
	out.IsDemo = true
	out.FallbackDemo = true
	out.Stale = false
	return out, nil
}

func (s *Service) emit(key, stage string, res *Result) {
	fields := map[string]any{
		"stage":         stage,
		"key":           key,
		"reason":        res.Reason,
		"fallback_used": res.FallbackUsed,
		"lock_acquired": res.LockAcquired,
		"lock_released": res.LockReleased,
		"bot_called":    res.BotCalled,
	}
	if res.FallbackUsed {
		fields["retry_after"] = res.RetryAfter
	}
	if st := res.Stats; st != nil {
		fields["online"] = st.Online
		fields["has_total"] = st.HasTotal
		fields["is_demo"] = st.IsDemo
		fields["stale"] = st.Stale
	}
	ev := s.events.Log(eventlog.TypeStatsPipeline, fields)
	res.Event = &ev
}

// Invalidate drops the cached snapshot and retry deadline of key. The
// last-known-good record is kept so the next failure still has real data.
func (s *Service) Invalidate(ctx context.Context, key string) error {
	for _, k := range []string{prefixSnapshot + key, prefixRetry + key} {
		if err := s.gw.Delete(ctx, k); err != nil {
			return fmt.Errorf("invalidate %s: %w", k, err)
		}
	}
	return nil
}

// Keys lists cache keys registered by refreshes, sorted.
func (s *Service) Keys(ctx context.Context) ([]string, error) {
	return s.index.list(ctx)
}

func (s *Service) defaultFallback() *snapshot.Snapshot {
	return s.cfg.Demo.Snapshot(s.now().Unix())
}

func (s *Service) persistSuccess(ctx context.Context, key string, stats *snapshot.Snapshot, _ Options, _ PersistContext) error {
	if err := s.rec.setJSON(ctx, prefixSnapshot+key, stats, s.cfg.CacheTTL); err != nil {
		return err
	}
	if stats.IsDemo {
		return nil
	}
	lkg := lastKnownGood{Stats: stats, Timestamp: s.now().Unix()}
	return s.rec.setJSON(ctx, prefixLKG+key, lkg, 0)
}

func (s *Service) persistFallback(ctx context.Context, key string, stats *snapshot.Snapshot, retryAfter int) (*snapshot.Snapshot, error) {
	// A zero TTL would cache the fallback forever.
	if retryAfter <= 0 {
		return stats, nil
	}
	if err := s.rec.setJSON(ctx, prefixSnapshot+key, stats, ttlSeconds(retryAfter)); err != nil {
		return nil, err
	}
	return stats, nil
}

func (s *Service) readRetryAfter() int {
	return ceilSeconds(s.cfg.RetryAfter)
}

func (s *Service) storeRetryAfter(ctx context.Context, key string, seconds int) error {
	if seconds <= 0 {
		return nil
	}
	d := retryDeadline{Value: s.now().Unix() + int64(seconds)}
	return s.rec.setJSON(ctx, prefixRetry+key, d, ttlSeconds(seconds))
}

func (s *Service) registerCacheKey(ctx context.Context, key string) error {
	n, err := s.index.add(ctx, key)
	if err != nil {
		return err
	}
	s.collector.SetGauge(metrics.MetricCachedKeys, int64(n))
	return nil
}

func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}
