package ppcache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// layer is an additive memo table. Concurrent misses on one key share a
// single computation; the lock is never held while computing.
type layer[K comparable, V any] struct {
	name string

	mu      sync.RWMutex
	entries map[K]V

	flight   singleflight.Group
	computed atomic.Int64
}

func newLayer[K comparable, V any](name string) *layer[K, V] {
	return &layer[K, V]{
		name:    name,
		entries: make(map[K]V),
	}
}

func (l *layer[K, V]) lookup(key K) (V, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	v, ok := l.entries[key]
	return v, ok
}

func (l *layer[K, V]) len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// getOrCreate returns the cached value or runs compute once for key. An error
// from compute, or a cancelled ctx after it, leaves the layer untouched.
func (l *layer[K, V]) getOrCreate(ctx context.Context, key K, compute func(context.Context) (V, error)) (V, error) {
	if v, ok := l.lookup(key); ok {
		return v, nil
	}
	res, err, _ := l.flight.Do(fmt.Sprintf("%#v", key), func() (any, error) {
		// a flight for key may have landed between lookup and Do
		if v, ok := l.lookup(key); ok {
			return v, nil
		}
		l.computed.Add(1)
		v, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		if err := Checkpoint(ctx); err != nil {
			return nil, err
		}
		l.insert(key, v)
		return v, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return res.(V), nil
}

func (l *layer[K, V]) insert(key K, v V) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, dup := l.entries[key]; dup {
		PanicF("%s cache: duplicate entry for %v", l.name, key)
	}
	l.entries[key] = v
}
