package pipeline

import (
	"context"
	"slices"
	"sync"
)

// keyIndex tracks cache keys that have been refreshed so admin tooling can
// list and purge them. It is mirrored under keyIndexKey so a restart with a
// persistent gateway keeps the list.
type keyIndex struct {
	rec records

	mu     sync.Mutex
	loaded bool
	keys   map[string]struct{}
}

func newKeyIndex(rec records) *keyIndex {
	return &keyIndex{rec: rec, keys: make(map[string]struct{})}
}

func (k *keyIndex) loadLocked(ctx context.Context) error {
	if k.loaded {
		return nil
	}
	var stored []string
	if _, err := k.rec.getJSON(ctx, keyIndexKey, &stored); err != nil {
		return err
	}
	for _, key := range stored {
		k.keys[key] = struct{}{}
	}
	k.loaded = true
	return nil
}

// add registers key and returns the number of known keys.
func (k *keyIndex) add(ctx context.Context, key string) (int, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if err := k.loadLocked(ctx); err != nil {
		return 0, err
	}
	if _, ok := k.keys[key]; ok {
		return len(k.keys), nil
	}
	k.keys[key] = struct{}{}
	if err := k.rec.setJSON(ctx, keyIndexKey, k.sortedLocked(), 0); err != nil {
		delete(k.keys, key)
		return 0, err
	}
	return len(k.keys), nil
}

func (k *keyIndex) list(ctx context.Context) ([]string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if err := k.loadLocked(ctx); err != nil {
		return nil, err
	}
	return k.sortedLocked(), nil
}

func (k *keyIndex) sortedLocked() []string {
	out := make([]string, 0, len(k.keys))
	for key := range k.keys {
		out = append(out, key)
	}
	slices.Sort(out)
	return out
}
