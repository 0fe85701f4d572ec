package pricing

import (
	"context"
	"errors"
	"fmt"
)

// Service resolves the effective pricing for a call with a given host.
//
// Contract:
// - Global defaults come from the pricing config document (GlobalConfigRepository).
//   When no document exists, the process defaults passed to NewService are used.
// - Host overrides come from the host directory. Unknown hosts are an error.
// - Pure merge + repository lookups; no wallet access.
type Service struct {
	global   GlobalConfigRepository
	hosts    HostDirectory
	defaults PricingConfig
}

func NewService(global GlobalConfigRepository, hosts HostDirectory, defaults PricingConfig) *Service {
	return &Service{global: global, hosts: hosts, defaults: defaults}
}

var (
	ErrHostNotFound      = errors.New("pricing: host not found")
	ErrInvalidPricingReq = errors.New("pricing: invalid request")
)

// GlobalConfigRepository loads the global pricing document.
// ok=false means no document is stored yet.
type GlobalConfigRepository interface {
	GetGlobalConfig(ctx context.Context) (cfg PricingConfig, ok bool, err error)
}

// HostDirectory looks up a host's rate overrides.
// ok=false means the host does not exist.
type HostDirectory interface {
	GetHostRates(ctx context.Context, hostID string) (rates HostRates, ok bool, err error)
}

// GlobalConfig returns the stored global config, or the process defaults.
func (s *Service) GlobalConfig(ctx context.Context) (PricingConfig, error) {
	if s.global == nil {
		return s.defaults, nil
	}
	cfg, ok, err := s.global.GetGlobalConfig(ctx)
	if err != nil {
		return PricingConfig{}, fmt.Errorf("pricing: load global config: %w", err)
	}
	if !ok {
		return s.defaults, nil
	}
	return cfg, nil
}

// ResolveForHost returns the effective PricingConfig for calls to hostID.
func (s *Service) ResolveForHost(ctx context.Context, hostID string) (PricingConfig, error) {
	if hostID == "" {
		return PricingConfig{}, ErrInvalidPricingReq
	}
	global, err := s.GlobalConfig(ctx)
	if err != nil {
		return PricingConfig{}, err
	}
	if s.hosts == nil {
		return Resolve(global, nil), nil
	}
	rates, ok, err := s.hosts.GetHostRates(ctx, hostID)
	if err != nil {
		return PricingConfig{}, fmt.Errorf("pricing: load host %s: %w", hostID, err)
	}
	if !ok {
		return PricingConfig{}, ErrHostNotFound
	}
	return Resolve(global, &rates), nil
}
