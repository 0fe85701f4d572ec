package pricing

import (
	"context"
	"sync"
)

// MemoryRepo is a simple in-memory repository useful for tests and early development.
// It serves both the global config document and the host directory.
//
// NOTE: This is not intended for production; use PostgresRepo.
type MemoryRepo struct {
	mu sync.RWMutex

	Global *PricingConfig
	Hosts  map[string]HostRates
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{Hosts: map[string]HostRates{}} }

func (r *MemoryRepo) GetGlobalConfig(ctx context.Context) (PricingConfig, bool, error) {
	_ = ctx
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.Global == nil {
		return PricingConfig{}, false, nil
	}
	return *r.Global, true, nil
}

func (r *MemoryRepo) GetHostRates(ctx context.Context, hostID string) (HostRates, bool, error) {
	_ = ctx
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.Hosts[hostID]
	if !ok {
		return HostRates{}, false, nil
	}
	h.HostID = hostID
	return h, true, nil
}

// PutHost stores or replaces a host's overrides.
func (r *MemoryRepo) PutHost(h HostRates) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Hosts == nil {
		r.Hosts = map[string]HostRates{}
	}
	r.Hosts[h.HostID] = h
}
