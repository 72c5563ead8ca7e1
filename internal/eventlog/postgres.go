package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS guildstats_events (
	id         UUID PRIMARY KEY,
	type       TEXT NOT NULL,
	stage      TEXT,
	context    JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
)`

const insertSQL = `
INSERT INTO guildstats_events (id, type, stage, context, created_at)
VALUES ($1, $2, NULLIF($3, ''), $4, $5)
ON CONFLICT (id) DO NOTHING`

// execer is the subset of *pgxpool.Pool used by Postgres.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// OpenPool connects to dsn. The simple protocol is used so transaction
// poolers such as PgBouncer work.
func OpenPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	cfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

// Postgres persists events asynchronously. Log never blocks: when the buffer
// is full the event is dropped and counted.
type Postgres struct {
	db      execer
	logger  *zap.Logger
	ops     chan Event
	done    chan struct{}
	dropped atomic.Uint64

	// mu guards closed against a concurrent send on ops.
	mu     sync.RWMutex
	closed bool
}

// NewPostgres starts the background writer. buffer bounds queued events.
func NewPostgres(db execer, logger *zap.Logger, buffer int) *Postgres {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Postgres{
		db:     db,
		logger: logger,
		ops:    make(chan Event, max(buffer, 1)),
		done:   make(chan struct{}),
	}
	go p.writerLoop()
	return p
}

// EnsureSchema creates the events table if missing.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create events table: %w", err)
	}
	return nil
}

func (p *Postgres) Log(eventType string, fields map[string]any) Event {
	ev := New(eventType, fields)
	p.write(ev)
	return ev
}

func (p *Postgres) write(ev Event) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.dropped.Add(1)
		return
	}
	select {
	case p.ops <- ev:
	default:
		p.dropped.Add(1)
	}
}

// Dropped returns the number of events discarded because the queue was full
// or the sink was already closed.
func (p *Postgres) Dropped() uint64 {
	return p.dropped.Load()
}

// Close flushes queued events and stops the writer. Events logged after
// Close are dropped.
func (p *Postgres) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.ops)
	p.mu.Unlock()
	<-p.done
}

func (p *Postgres) writerLoop() {
	defer close(p.done)
	for ev := range p.ops {
		if err := p.insert(ev); err != nil {
			p.logger.Warn("event insert failed", zap.String("eventId", ev.ID), zap.Error(err))
		}
	}
}

func (p *Postgres) insert(ev Event) error {
	body, err := json.Marshal(ev.Context)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = p.db.Exec(ctx, insertSQL, ev.ID, ev.Type, ev.Stage(), body, ev.At)
	return err
}
