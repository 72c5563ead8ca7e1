package gateway

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Compile-time check that LevelDB implements Gateway.
var _ Gateway = (*LevelDB)(nil)

var (
	entryPrefix = []byte("e:")
	metaPrefix  = []byte("m:")
)

type diskMeta struct {
	Size       int64
	LastAccess int64
	ExpiresAt  int64
}

// LevelDBOptions configures the on-disk gateway.
type LevelDBOptions struct {
	// MaxBytes caps the encoded size of expiring entries. When exceeded,
	// expired entries are dropped, then the least recently accessed tenth of
	// the rest. Entries without expiry are kept. 0 disables the cap.
	MaxBytes int64

	// SweepEvery controls how often expired entries are removed in the
	// background. 0 disables the sweeper; expired entries are still hidden.
	SweepEvery time.Duration
}

// LevelDB is a gateway persisted with goleveldb, so records without expiry
// (the last-known-good snapshot) survive restarts.
type LevelDB struct {
	opts LevelDBOptions
	db   *leveldb.DB
	now  func() time.Time

	// mu serializes writers and guards the index.
	mu        sync.Mutex
	index     map[string]diskMeta
	totalSize int64
	closed    bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// OpenLevelDB opens or creates the database at path.
func OpenLevelDB(path string, opts LevelDBOptions) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	d := &LevelDB{
		opts:   opts,
		db:     db,
		now:    time.Now,
		index:  map[string]diskMeta{},
		stopCh: make(chan struct{}),
	}
	if err := d.loadIndex(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if opts.SweepEvery > 0 {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.sweepLoop(opts.SweepEvery)
		}()
	}
	return d, nil
}

func (d *LevelDB) loadIndex() error {
	it := d.db.NewIterator(util.BytesPrefix(metaPrefix), nil)
	defer it.Release()

	var total int64
	idx := map[string]diskMeta{}
	for it.Next() {
		key := string(bytes.TrimPrefix(it.Key(), metaPrefix))
		var meta diskMeta
		if err := decodeGob(it.Value(), &meta); err != nil {
			continue
		}
		idx[key] = meta
		total += meta.Size
	}
	if err := it.Error(); err != nil {
		return err
	}
	d.mu.Lock()
	d.index = idx
	d.totalSize = total
	d.mu.Unlock()
	return nil
}

func (d *LevelDB) Get(_ context.Context, key string) ([]byte, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, false, ErrClosed
	}
	e, ok, err := d.liveLocked(key)
	if err != nil || !ok {
		return nil, false, err
	}
	if meta, exists := d.index[key]; exists {
		meta.LastAccess = d.now().Unix()
		d.index[key] = meta
	}
	return e.Value, true, nil
}

func (d *LevelDB) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	return d.putLocked(key, newEntry(value, ttl, d.now()))
}

func (d *LevelDB) Add(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false, ErrClosed
	}
	if _, ok, err := d.liveLocked(key); err != nil || ok {
		return false, err
	}
	if err := d.putLocked(key, newEntry(value, ttl, d.now())); err != nil {
		return false, err
	}
	return true, nil
}

func (d *LevelDB) DeleteIf(_ context.Context, key string, value []byte) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false, ErrClosed
	}
	e, ok, err := d.liveLocked(key)
	if err != nil || !ok || !bytes.Equal(e.Value, value) {
		return false, err
	}
	if err := d.deleteLocked(key); err != nil {
		return false, err
	}
	return true, nil
}

func (d *LevelDB) Delete(_ context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	return d.deleteLocked(key)
}

// KeyCount returns the number of indexed keys.
func (d *LevelDB) KeyCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.index)
}

// TotalSize returns the encoded size of all indexed entries.
func (d *LevelDB) TotalSize() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.totalSize
}

func (d *LevelDB) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	d.closed = true
	d.mu.Unlock()

	close(d.stopCh)
	d.wg.Wait()
	return d.db.Close()
}

func (d *LevelDB) liveLocked(key string) (entry, bool, error) {
	b, err := d.db.Get(append(bytes.Clone(entryPrefix), key...), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return entry{}, false, nil
	}
	if err != nil {
		return entry{}, false, err
	}
	var e entry
	if err := decodeGob(b, &e); err != nil {
		// Unreadable entries are treated as absent and dropped.
		return entry{}, false, d.deleteLocked(key)
	}
	if e.expired(d.now()) {
		return entry{}, false, d.deleteLocked(key)
	}
	return e, true, nil
}

func (d *LevelDB) putLocked(key string, e entry) error {
	b, err := encodeGob(e)
	if err != nil {
		return err
	}
	meta := diskMeta{
		Size:       int64(len(b)),
		LastAccess: d.now().Unix(),
		ExpiresAt:  e.ExpiresAt,
	}
	mb, err := encodeGob(meta)
	if err != nil {
		return err
	}

	batch := new(leveldb.Batch)
	batch.Put(append(bytes.Clone(entryPrefix), key...), b)
	batch.Put(append(bytes.Clone(metaPrefix), key...), mb)
	if err := d.db.Write(batch, nil); err != nil {
		return err
	}

	if old, ok := d.index[key]; ok {
		d.totalSize -= old.Size
	}
	d.index[key] = meta
	d.totalSize += meta.Size

	if d.opts.MaxBytes > 0 && d.totalSize > d.opts.MaxBytes {
		return d.evictSomeLocked(key)
	}
	return nil
}

func (d *LevelDB) deleteLocked(key string) error {
	batch := new(leveldb.Batch)
	batch.Delete(append(bytes.Clone(entryPrefix), key...))
	batch.Delete(append(bytes.Clone(metaPrefix), key...))
	if err := d.db.Write(batch, nil); err != nil {
		return err
	}
	if meta, ok := d.index[key]; ok {
		d.totalSize -= meta.Size
		delete(d.index, key)
	}
	return nil
}

// evictSomeLocked brings the store back under MaxBytes. Expired entries go
// first, then the least recently accessed tenth of the expiring keys. Entries
// without expiry are never evicted, nor is the one just written.
func (d *LevelDB) evictSomeLocked(keep string) error {
	now := d.now().UnixNano()
	type item struct {
		key string
		m   diskMeta
	}
	items := make([]item, 0, len(d.index))
	for k, m := range d.index {
		if k == keep || m.ExpiresAt == 0 {
			continue
		}
		if now >= m.ExpiresAt {
			if err := d.deleteLocked(k); err != nil {
				return err
			}
			continue
		}
		items = append(items, item{k, m})
	}
	if d.totalSize <= d.opts.MaxBytes {
		return nil
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].m.LastAccess < items[j].m.LastAccess
	})

	n := max(len(items)/10, 1)
	for i := 0; i < n && i < len(items); i++ {
		if err := d.deleteLocked(items[i].key); err != nil {
			return err
		}
	}
	return nil
}

func (d *LevelDB) sweepLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-d.stopCh:
			return
		case <-t.C:
			_, _ = d.sweep()
		}
	}
}

// sweep removes expired entries and returns how many were removed.
func (d *LevelDB) sweep() (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, ErrClosed
	}
	now := d.now().UnixNano()
	removed := 0
	for k, m := range d.index {
		if m.ExpiresAt == 0 || now < m.ExpiresAt {
			continue
		}
		if err := d.deleteLocked(k); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
