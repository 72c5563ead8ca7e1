package gateway

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// harness is one backend under test plus a way to move its time forward.
type harness struct {
	gw      Gateway
	advance func(time.Duration)
}

func backends(t *testing.T) map[string]func(t *testing.T) harness {
	return map[string]func(t *testing.T) harness{
		"memory": func(t *testing.T) harness {
			clock := newFakeClock()
			m, err := NewMemory(16)
			if err != nil {
				t.Fatalf("NewMemory() error = %v", err)
			}
			m.WithClock(clock.Now)
			t.Cleanup(func() { _ = m.Close() })
			return harness{gw: m, advance: clock.Advance}
		},
		"leveldb": func(t *testing.T) harness {
			clock := newFakeClock()
			d, err := OpenLevelDB(filepath.Join(t.TempDir(), "db"), LevelDBOptions{})
			if err != nil {
				t.Fatalf("OpenLevelDB() error = %v", err)
			}
			d.now = clock.Now
			t.Cleanup(func() { _ = d.Close() })
			return harness{gw: d, advance: clock.Advance}
		},
		"redis": func(t *testing.T) harness {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { _ = client.Close() })
			return harness{gw: NewRedisFromClient(client, "test:"), advance: mr.FastForward}
		},
	}
}

func TestGateway_Conformance(t *testing.T) {
	for name, mk := range backends(t) {
		t.Run(name, func(t *testing.T) {
			t.Run("GetMissing", func(t *testing.T) {
				h := mk(t)
				_, ok, err := h.gw.Get(context.Background(), "nope")
				if err != nil || ok {
					t.Fatalf("Get(missing) = ok %v err %v", ok, err)
				}
			})

			t.Run("SetGet", func(t *testing.T) {
				h := mk(t)
				ctx := context.Background()
				if err := h.gw.Set(ctx, "k", []byte("v1"), time.Minute); err != nil {
					t.Fatalf("Set() error = %v", err)
				}
				if err := h.gw.Set(ctx, "k", []byte("v2"), time.Minute); err != nil {
					t.Fatalf("Set() error = %v", err)
				}
				got, ok, err := h.gw.Get(ctx, "k")
				if err != nil || !ok || string(got) != "v2" {
					t.Fatalf("Get() = %q, %v, %v; want v2", got, ok, err)
				}
			})

			t.Run("TTLExpires", func(t *testing.T) {
				h := mk(t)
				ctx := context.Background()
				_ = h.gw.Set(ctx, "k", []byte("v"), 10*time.Second)
				h.advance(5 * time.Second)
				if _, ok, _ := h.gw.Get(ctx, "k"); !ok {
					t.Fatal("entry expired too early")
				}
				h.advance(6 * time.Second)
				if _, ok, _ := h.gw.Get(ctx, "k"); ok {
					t.Fatal("entry should have expired")
				}
			})

			t.Run("ZeroTTLNeverExpires", func(t *testing.T) {
				h := mk(t)
				ctx := context.Background()
				_ = h.gw.Set(ctx, "lkg", []byte("v"), 0)
				h.advance(1000 * time.Hour)
				if _, ok, _ := h.gw.Get(ctx, "lkg"); !ok {
					t.Fatal("ttl=0 entry expired")
				}
			})

			t.Run("AddIsSetIfAbsent", func(t *testing.T) {
				h := mk(t)
				ctx := context.Background()
				ok, err := h.gw.Add(ctx, "lock", []byte("a"), 30*time.Second)
				if err != nil || !ok {
					t.Fatalf("first Add() = %v, %v", ok, err)
				}
				ok, err = h.gw.Add(ctx, "lock", []byte("b"), 30*time.Second)
				if err != nil || ok {
					t.Fatalf("second Add() = %v, %v; want false", ok, err)
				}
				got, _, _ := h.gw.Get(ctx, "lock")
				if string(got) != "a" {
					t.Errorf("Add overwrote value: %q", got)
				}

				h.advance(31 * time.Second)
				ok, err = h.gw.Add(ctx, "lock", []byte("c"), 30*time.Second)
				if err != nil || !ok {
					t.Fatalf("Add() after expiry = %v, %v; want true", ok, err)
				}
			})

			t.Run("DeleteIf", func(t *testing.T) {
				h := mk(t)
				ctx := context.Background()
				_ = h.gw.Set(ctx, "lock", []byte("owner-1"), time.Minute)

				ok, err := h.gw.DeleteIf(ctx, "lock", []byte("owner-2"))
				if err != nil || ok {
					t.Fatalf("DeleteIf(wrong owner) = %v, %v", ok, err)
				}
				if _, present, _ := h.gw.Get(ctx, "lock"); !present {
					t.Fatal("DeleteIf removed a lock it did not own")
				}

				ok, err = h.gw.DeleteIf(ctx, "lock", []byte("owner-1"))
				if err != nil || !ok {
					t.Fatalf("DeleteIf(owner) = %v, %v", ok, err)
				}
				if _, present, _ := h.gw.Get(ctx, "lock"); present {
					t.Fatal("lock still present after DeleteIf")
				}

				ok, err = h.gw.DeleteIf(ctx, "missing", []byte("x"))
				if err != nil || ok {
					t.Fatalf("DeleteIf(missing) = %v, %v", ok, err)
				}
			})

			t.Run("Delete", func(t *testing.T) {
				h := mk(t)
				ctx := context.Background()
				_ = h.gw.Set(ctx, "k", []byte("v"), 0)
				if err := h.gw.Delete(ctx, "k"); err != nil {
					t.Fatalf("Delete() error = %v", err)
				}
				if _, ok, _ := h.gw.Get(ctx, "k"); ok {
					t.Fatal("key present after Delete")
				}
				if err := h.gw.Delete(ctx, "k"); err != nil {
					t.Fatalf("Delete(missing) error = %v", err)
				}
			})

			t.Run("ConcurrentAddSingleWinner", func(t *testing.T) {
				h := mk(t)
				ctx := context.Background()
				var wins atomic.Int32
				var wg sync.WaitGroup
				for i := 0; i < 32; i++ {
					wg.Add(1)
					go func(i int) {
						defer wg.Done()
						ok, err := h.gw.Add(ctx, "lock", []byte(fmt.Sprintf("owner-%d", i)), time.Minute)
						if err == nil && ok {
							wins.Add(1)
						}
					}(i)
				}
				wg.Wait()
				if got := wins.Load(); got != 1 {
					t.Fatalf("Add winners = %d, want 1", got)
				}
			})
		})
	}
}

func TestMemory_EvictsLeastRecentlyUsed(t *testing.T) {
	m, err := NewMemory(2)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	_ = m.Set(ctx, "a", []byte("1"), 0)
	_ = m.Set(ctx, "b", []byte("2"), 0)
	_, _, _ = m.Get(ctx, "a")
	_ = m.Set(ctx, "c", []byte("3"), 0)

	if _, ok, _ := m.Get(ctx, "b"); ok {
		t.Error("b should have been evicted")
	}
	if _, ok, _ := m.Get(ctx, "a"); !ok {
		t.Error("a should survive, it was used recently")
	}
	if m.Len() != 2 {
		t.Errorf("Len() = %d, want 2", m.Len())
	}
}

func TestMemory_Closed(t *testing.T) {
	m, _ := NewMemory(0)
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	if _, _, err := m.Get(context.Background(), "k"); err != ErrClosed {
		t.Errorf("Get() after Close error = %v, want ErrClosed", err)
	}
	if err := m.Close(); err != ErrClosed {
		t.Errorf("second Close() = %v, want ErrClosed", err)
	}
}

func TestLevelDB_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db")
	ctx := context.Background()

	d, err := OpenLevelDB(path, LevelDBOptions{})
	if err != nil {
		t.Fatal(err)
	}
	_ = d.Set(ctx, "lkg:main", []byte(`{"online":5}`), 0)
	if err := d.Close(); err != nil {
		t.Fatal(err)
	}

	d, err = OpenLevelDB(path, LevelDBOptions{})
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()

	got, ok, err := d.Get(ctx, "lkg:main")
	if err != nil || !ok || string(got) != `{"online":5}` {
		t.Fatalf("Get() after reopen = %q, %v, %v", got, ok, err)
	}
	if d.KeyCount() != 1 || d.TotalSize() <= 0 {
		t.Errorf("index not reloaded: keys=%d size=%d", d.KeyCount(), d.TotalSize())
	}
}

func TestLevelDB_EvictsOverMaxBytes(t *testing.T) {
	d, err := OpenLevelDB(filepath.Join(t.TempDir(), "db"), LevelDBOptions{MaxBytes: 400})
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()
	clock := newFakeClock()
	d.now = clock.Now

	ctx := context.Background()
	payload := make([]byte, 64)
	for i := 0; i < 20; i++ {
		clock.Advance(time.Second)
		if err := d.Set(ctx, fmt.Sprintf("k%02d", i), payload, time.Hour); err != nil {
			t.Fatal(err)
		}
	}
	if d.TotalSize() > 400 {
		t.Errorf("TotalSize() = %d, want <= 400", d.TotalSize())
	}
	if _, ok, _ := d.Get(ctx, "k19"); !ok {
		t.Error("most recent key was evicted")
	}
	if _, ok, _ := d.Get(ctx, "k00"); ok {
		t.Error("oldest key should have been evicted")
	}
}

func TestLevelDB_EvictionKeepsEntriesWithoutExpiry(t *testing.T) {
	d, err := OpenLevelDB(filepath.Join(t.TempDir(), "db"), LevelDBOptions{MaxBytes: 2000})
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()
	clock := newFakeClock()
	d.now = clock.Now

	ctx := context.Background()
	if err := d.Set(ctx, "lkg:main", []byte(`{"stats":{"online":5}}`), 0); err != nil {
		t.Fatal(err)
	}
	payload := make([]byte, 128)
	for i := 0; i < 40; i++ {
		clock.Advance(time.Second)
		if err := d.Set(ctx, fmt.Sprintf("snap:%02d", i), payload, time.Hour); err != nil {
			t.Fatal(err)
		}
	}
	if _, ok, _ := d.Get(ctx, "lkg:main"); !ok {
		t.Error("entry without expiry was evicted")
	}
	if d.TotalSize() > 2000 {
		t.Errorf("TotalSize() = %d, want <= 2000", d.TotalSize())
	}
}

func TestLevelDB_EvictsExpiredFirst(t *testing.T) {
	d, err := OpenLevelDB(filepath.Join(t.TempDir(), "db"), LevelDBOptions{})
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()
	clock := newFakeClock()
	d.now = clock.Now

	ctx := context.Background()
	payload := make([]byte, 64)
	_ = d.Set(ctx, "old", payload, time.Hour)
	clock.Advance(time.Second)
	_ = d.Set(ctx, "short", payload, time.Second)
	d.opts.MaxBytes = d.TotalSize() + 16

	// "short" is the most recently written but has expired, so it goes
	// before "old".
	clock.Advance(2 * time.Second)
	if err := d.Set(ctx, "new", payload, time.Hour); err != nil {
		t.Fatal(err)
	}
	if d.KeyCount() != 2 {
		t.Errorf("KeyCount() = %d, want 2", d.KeyCount())
	}
	if _, ok, _ := d.Get(ctx, "old"); !ok {
		t.Error("live entry evicted before an expired one")
	}
}

func TestNewEntry_SaturatesFarDeadlines(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	e := newEntry([]byte("x"), time.Duration(math.MaxInt64), now)
	if e.ExpiresAt != math.MaxInt64 {
		t.Errorf("ExpiresAt = %d, want MaxInt64", e.ExpiresAt)
	}
	if e.expired(now.Add(100 * 365 * 24 * time.Hour)) {
		t.Error("far deadline reported as expired")
	}
	if e := newEntry(nil, time.Minute, now); e.ExpiresAt != now.Add(time.Minute).UnixNano() {
		t.Errorf("ExpiresAt = %d", e.ExpiresAt)
	}
}

func TestLevelDB_Sweep(t *testing.T) {
	d, err := OpenLevelDB(filepath.Join(t.TempDir(), "db"), LevelDBOptions{})
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()
	clock := newFakeClock()
	d.now = clock.Now

	ctx := context.Background()
	_ = d.Set(ctx, "short", []byte("x"), time.Second)
	_ = d.Set(ctx, "forever", []byte("y"), 0)
	clock.Advance(2 * time.Second)

	n, err := d.sweep()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("sweep() removed %d, want 1", n)
	}
	if d.KeyCount() != 1 {
		t.Errorf("KeyCount() = %d, want 1", d.KeyCount())
	}
}
