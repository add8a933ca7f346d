// Package domainclient provides a keyed, lazily populated client cache that
// coalesces concurrent construction requests so that at most one build per
// key is ever in flight.
package domainclient

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"agentic-trust/internal/observability/metrics"
)

// BuildFunc constructs the client for a key. It runs at most once
// concurrently per key and is retried on the next Get after a failure.
type BuildFunc[K comparable, C any] func(ctx context.Context, key K) (C, error)

// Registry caches one client per key for a single domain (for example
// "ens" keyed by chain ID).
type Registry[K comparable, C any] struct {
	domain string
	build  BuildFunc[K, C]

	mu         sync.RWMutex
	instances  map[K]C
	generation map[K]uint64
	group      singleflight.Group
}

// New creates a registry for the given domain.
func New[K comparable, C any](domain string, build BuildFunc[K, C]) *Registry[K, C] {
	return &Registry[K, C]{
		domain:     domain,
		build:      build,
		instances:  make(map[K]C),
		generation: make(map[K]uint64),
	}
}

// Domain returns the domain label used in logs and metrics.
func (r *Registry[K, C]) Domain() string {
	return r.domain
}

// Get returns the cached client for key, joining an in-flight build or
// starting one if necessary. The build itself is detached from ctx
// cancellation so that one impatient caller does not fail the others; ctx
// only bounds how long this caller waits.
func (r *Registry[K, C]) Get(ctx context.Context, key K) (C, error) {
	if client, ok := r.lookup(key); ok {
		return client, nil
	}

	flightKey := fmt.Sprint(key)
	ch := r.group.DoChan(flightKey, func() (any, error) {
		if client, ok := r.lookup(key); ok {
			return client, nil
		}
		gen := r.currentGeneration(key)
		start := time.Now()
		client, err := r.build(context.WithoutCancel(ctx), key)
		metrics.ObserveClientBuild(r.domain, err, time.Since(start))
		if err != nil {
			return nil, err
		}
		r.store(key, gen, client)
		return client, nil
	})

	var zero C
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		client, _ := res.Val.(C)
		return client, nil
	}
}

// IsInitialized reports whether a built client is cached for key.
func (r *Registry[K, C]) IsInitialized(key K) bool {
	_, ok := r.lookup(key)
	return ok
}

// Reset drops the cached client for key. A build in flight at the time of
// the reset completes for its waiters but is not cached.
func (r *Registry[K, C]) Reset(key K) {
	r.mu.Lock()
	delete(r.instances, key)
	r.generation[key]++
	r.mu.Unlock()
	r.group.Forget(fmt.Sprint(key))
}

// ResetAll drops every cached client.
func (r *Registry[K, C]) ResetAll() {
	r.mu.Lock()
	keys := make([]K, 0, len(r.instances)+len(r.generation))
	for key := range r.instances {
		keys = append(keys, key)
	}
	for key := range r.generation {
		keys = append(keys, key)
	}
	r.instances = make(map[K]C)
	for _, key := range keys {
		r.generation[key]++
	}
	r.mu.Unlock()
	for _, key := range keys {
		r.group.Forget(fmt.Sprint(key))
	}
}

// Keys lists keys with a cached client.
func (r *Registry[K, C]) Keys() []K {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]K, 0, len(r.instances))
	for key := range r.instances {
		keys = append(keys, key)
	}
	return keys
}

func (r *Registry[K, C]) lookup(key K) (C, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	client, ok := r.instances[key]
	return client, ok
}

func (r *Registry[K, C]) currentGeneration(key K) uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.generation[key]
}

func (r *Registry[K, C]) store(key K, gen uint64, client C) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.generation[key] != gen {
		return
	}
	r.instances[key] = client
}

// Snapshot returns a copy of the cached clients.
func (r *Registry[K, C]) Snapshot() map[K]C {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[K]C, len(r.instances))
	for key, client := range r.instances {
		out[key] = client
	}
	return out
}
