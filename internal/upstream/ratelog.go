package upstream

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// rateLimitedLogger emits at most one warning per key per interval, so an
// upstream outage cannot flood the log.
type rateLimitedLogger struct {
	logger   *zap.Logger
	interval time.Duration

	mu     sync.Mutex
	lastAt map[string]time.Time
}

func newRateLimitedLogger(logger *zap.Logger, interval time.Duration) *rateLimitedLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &rateLimitedLogger{logger: logger, interval: interval, lastAt: map[string]time.Time{}}
}

func (l *rateLimitedLogger) Warn(key, msg string, fields ...zap.Field) {
	l.mu.Lock()
	now := time.Now()
	last, seen := l.lastAt[key]
	if seen && now.Sub(last) < l.interval {
		l.mu.Unlock()
		return
	}
	l.lastAt[key] = now
	l.mu.Unlock()
	l.logger.Warn(msg, fields...)
}
