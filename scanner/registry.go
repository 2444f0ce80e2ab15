package scanner

import (
	"strings"
	"sync"
)

// Registry is the in-memory set of monitored deposit addresses. Addresses are
// normalised to lowercase, loaded at boot from the durable store, and extended
// live via the event bus. Membership is never removed.
type Registry struct {
	mu        sync.RWMutex
	addresses map[string]struct{}
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{addresses: make(map[string]struct{})}
}

// Load adds every supplied address to the set.
func (r *Registry) Load(addresses []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, address := range addresses {
		if normalized := normalize(address); normalized != "" {
			r.addresses[normalized] = struct{}{}
		}
	}
}

// Add registers a single address. Takes effect for blocks scanned after the
// call; earlier blocks are covered by reconciliation.
func (r *Registry) Add(address string) {
	normalized := normalize(address)
	if normalized == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.addresses[normalized] = struct{}{}
}

// Contains reports membership.
func (r *Registry) Contains(address string) bool {
	normalized := normalize(address)
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.addresses[normalized]
	return ok
}

// Size returns the number of monitored addresses.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.addresses)
}

func normalize(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}
