package strata

import (
	"context"
	"sync"
)

// CacheHooks is the narrow interface to an external response cache.
// The store calls DependsOn for every node it returns from a lookup or
// relation fetch, and Invalidate around every mutation. Cache storage itself
// lives outside this module.
type CacheHooks interface {
	// DependsOn registers that the current response depends on the node
	// identified by typeName and nodeID. An empty nodeID means the response
	// depends on the whole type (listings, counts).
	DependsOn(ctx context.Context, typeName, nodeID string)

	// Invalidate drops all cached responses registered under keys.
	Invalidate(ctx context.Context, keys ...string)
}

// CacheKey returns the dependency key for a node. An empty nodeID yields the
// type-wide key.
func CacheKey(typeName, nodeID string) string {
	if nodeID == "" {
		return typeName
	}
	return typeName + ":" + nodeID
}

// NopCacheHooks discards every call.
type NopCacheHooks struct{}

func (NopCacheHooks) DependsOn(context.Context, string, string) {}
func (NopCacheHooks) Invalidate(context.Context, ...string)     {}

// MemoryHooks is an in-process CacheHooks that records dependencies and
// invalidations. It is safe for concurrent use.
type MemoryHooks struct {
	mu           sync.Mutex
	dependencies map[string]int
	invalidated  []string
	onInvalidate func(keys []string)
}

// MemoryHooksOption configures MemoryHooks.
type MemoryHooksOption func(*MemoryHooks)

// WithInvalidateFunc registers a callback run after each Invalidate call.
func WithInvalidateFunc(fn func(keys []string)) MemoryHooksOption {
	return func(h *MemoryHooks) {
		h.onInvalidate = fn
	}
}

// NewMemoryHooks creates an empty MemoryHooks.
func NewMemoryHooks(opts ...MemoryHooksOption) *MemoryHooks {
	h := &MemoryHooks{dependencies: make(map[string]int)}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// DependsOn implements CacheHooks.
func (h *MemoryHooks) DependsOn(_ context.Context, typeName, nodeID string) {
	h.mu.Lock()
	h.dependencies[CacheKey(typeName, nodeID)]++
	h.mu.Unlock()
}

// Invalidate implements CacheHooks.
func (h *MemoryHooks) Invalidate(_ context.Context, keys ...string) {
	h.mu.Lock()
	for _, k := range keys {
		delete(h.dependencies, k)
	}
	h.invalidated = append(h.invalidated, keys...)
	fn := h.onInvalidate
	h.mu.Unlock()

	if fn != nil {
		fn(keys)
	}
}

// Depends reports whether key has been registered and not invalidated since.
func (h *MemoryHooks) Depends(key string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dependencies[key] > 0
}

// Invalidated returns every key passed to Invalidate, in call order.
func (h *MemoryHooks) Invalidated() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.invalidated))
	copy(out, h.invalidated)
	return out
}
