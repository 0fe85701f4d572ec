package pricing

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func globalConfig() PricingConfig {
	return PricingConfig{
		AudioCostPerMinute:         dec("10"),
		VideoCostPerMinute:         dec("15"),
		MinimumDurationSeconds:     60,
		WarningThresholdSeconds:    30,
		ReconnectionTimeoutSeconds: 45,
	}
}

func TestResolve_NoHostReturnsGlobal(t *testing.T) {
	g := globalConfig()
	got := Resolve(g, nil)
	if !got.AudioCostPerMinute.Equal(g.AudioCostPerMinute) || !got.VideoCostPerMinute.Equal(g.VideoCostPerMinute) {
		t.Fatalf("expected global rates, got %+v", got)
	}
	if got.MinimumDurationSeconds != 60 || got.WarningThresholdSeconds != 30 || got.ReconnectionTimeoutSeconds != 45 {
		t.Fatalf("expected global timings, got %+v", got)
	}
}

func TestResolve_HostRatesWinTimingsStayGlobal(t *testing.T) {
	audio := dec("7.5")
	got := Resolve(globalConfig(), &HostRates{HostID: "h", AudioCostPerMinute: &audio})
	if !got.AudioCostPerMinute.Equal(audio) {
		t.Fatalf("expected host audio rate 7.5, got %s", got.AudioCostPerMinute)
	}
	if !got.VideoCostPerMinute.Equal(dec("15")) {
		t.Fatalf("expected global video rate 15, got %s", got.VideoCostPerMinute)
	}
	if got.ReconnectionTimeoutSeconds != 45 {
		t.Fatalf("expected global reconnect timeout, got %d", got.ReconnectionTimeoutSeconds)
	}
}

func TestResolve_ClampsNegativeRates(t *testing.T) {
	neg := dec("-3")
	got := Resolve(globalConfig(), &HostRates{VideoCostPerMinute: &neg})
	if !got.VideoCostPerMinute.IsZero() {
		t.Fatalf("expected 0, got %s", got.VideoCostPerMinute)
	}
}

func TestMaxDurationSeconds(t *testing.T) {
	cases := []struct {
		balance, rate string
		want          int64
	}{
		{"100", "10", 600},
		{"95", "10", 570},
		{"10", "0", 0},
		{"0", "10", 0},
		{"1", "7", 8},
	}
	for _, c := range cases {
		if got := MaxDurationSeconds(dec(c.balance), dec(c.rate)); got != c.want {
			t.Fatalf("MaxDurationSeconds(%s, %s) = %d, want %d", c.balance, c.rate, got, c.want)
		}
	}
}

func TestCanStartCall(t *testing.T) {
	if e := CanStartCall(dec("100"), dec("10"), 60); !e.Allowed {
		t.Fatalf("expected allowed, got %+v", e)
	}
	if e := CanStartCall(dec("10"), dec("10"), 60); !e.Allowed {
		t.Fatalf("expected allowed at the exact boundary, got %+v", e)
	}

	e := CanStartCall(dec("9"), dec("10"), 60)
	if e.Allowed {
		t.Fatalf("expected denied")
	}
	if !strings.Contains(e.Reason, "10 coins") {
		t.Fatalf("expected reason to mention 10 coins, got %q", e.Reason)
	}

	e = CanStartCall(dec("1000"), dec("0"), 30)
	if e.Allowed || e.Reason != ReasonInvalidPricing {
		t.Fatalf("expected invalid pricing, got %+v", e)
	}
}

func TestCanStartCall_ReasonRoundsRequiredUp(t *testing.T) {
	// 30s at 7/min needs 3.5 coins.
	e := CanStartCall(dec("3"), dec("7"), 30)
	if e.Allowed {
		t.Fatalf("expected denied")
	}
	if !strings.Contains(e.Reason, "4 coins") {
		t.Fatalf("expected ceil(3.5)=4 in reason, got %q", e.Reason)
	}
}

func TestMinutesStarted(t *testing.T) {
	if got := MinutesStarted(dec("1")); got != 1 {
		t.Fatalf("expected 1, got %d", got)
	}
	if got := MinutesStarted(dec("60")); got != 1 {
		t.Fatalf("expected 1, got %d", got)
	}
	if got := MinutesStarted(dec("61")); got != 2 {
		t.Fatalf("expected 2, got %d", got)
	}
	if got := MinutesStarted(decimal.Zero); got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}
}

func TestService_ResolveForHost(t *testing.T) {
	repo := NewMemoryRepo()
	video := dec("20")
	repo.PutHost(HostRates{HostID: "host-1", VideoCostPerMinute: &video})

	svc := NewService(repo, repo, globalConfig())

	got, err := svc.ResolveForHost(context.Background(), "host-1")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if !got.VideoCostPerMinute.Equal(video) || !got.AudioCostPerMinute.Equal(dec("10")) {
		t.Fatalf("unexpected pricing: %+v", got)
	}

	if _, err := svc.ResolveForHost(context.Background(), "missing"); !errors.Is(err, ErrHostNotFound) {
		t.Fatalf("expected ErrHostNotFound, got %v", err)
	}
	if _, err := svc.ResolveForHost(context.Background(), ""); !errors.Is(err, ErrInvalidPricingReq) {
		t.Fatalf("expected ErrInvalidPricingReq, got %v", err)
	}
}

func TestService_StoredGlobalConfigOverridesDefaults(t *testing.T) {
	repo := NewMemoryRepo()
	stored := globalConfig()
	stored.ReconnectionTimeoutSeconds = 90
	repo.Global = &stored
	repo.PutHost(HostRates{HostID: "h"})

	svc := NewService(repo, repo, globalConfig())
	got, err := svc.ResolveForHost(context.Background(), "h")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if got.ReconnectionTimeoutSeconds != 90 {
		t.Fatalf("expected stored timeout 90, got %d", got.ReconnectionTimeoutSeconds)
	}
}
