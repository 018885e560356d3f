package config

import (
	"sync"
	"sync/atomic"
)

// Holder publishes the current configuration to the running components.
type Holder struct {
	current atomic.Pointer[Config]

	mu          sync.Mutex
	subscribers []func(old, next *Config)
}

// NewHolder creates a holder seeded with cfg.
func NewHolder(cfg *Config) *Holder {
	h := &Holder{}
	h.current.Store(cfg)
	return h
}

// Get returns the current configuration. Callers must not modify it.
func (h *Holder) Get() *Config {
	return h.current.Load()
}

// Subscribe registers fn to run after every successful Set.
func (h *Holder) Subscribe(fn func(old, next *Config)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subscribers = append(h.subscribers, fn)
}

// Set swaps in next and notifies subscribers in registration order.
func (h *Holder) Set(next *Config) {
	h.mu.Lock()
	defer h.mu.Unlock()

	old := h.current.Swap(next)
	for _, fn := range h.subscribers {
		fn(old, next)
	}
}
