package resilience

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"

	apperrors "github.com/songyanbo/http-client/lib/errors"
)

func TestGroupIsolatesKeys(t *testing.T) {
	cfg := testBreakerConfig()
	g := NewGroup(cfg, nil)
	dialErr := errors.New("connection refused")

	for i := 0; i < cfg.FailureThreshold; i++ {
		if err := g.Allow("http://down:80"); err != nil {
			t.Fatalf("attempt %d rejected early: %v", i, err)
		}
		g.Record("http://down:80", dialErr)
	}

	err := g.Allow("http://down:80")
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if apperrors.CodeOf(err) != apperrors.CodeCircuitOpen {
		t.Errorf("CodeOf = %d, want %d", apperrors.CodeOf(err), apperrors.CodeCircuitOpen)
	}
	if err := g.Allow("http://up:80"); err != nil {
		t.Errorf("other key should be unaffected: %v", err)
	}

	states := g.States()
	if states["http://down:80"] != CircuitOpen || states["http://up:80"] != CircuitClosed {
		t.Errorf("unexpected states: %v", states)
	}
}

func TestGroupRecoversAfterCooldown(t *testing.T) {
	cfg := testBreakerConfig()
	cfg.SuccessThreshold = 1
	g := NewGroup(cfg, nil)

	for i := 0; i < cfg.FailureThreshold; i++ {
		g.Record("k", errors.New("refused"))
	}
	time.Sleep(cfg.Timeout + 10*time.Millisecond)

	if err := g.Allow("k"); err != nil {
		t.Fatalf("trial connect rejected: %v", err)
	}
	g.Record("k", nil)
	if g.Breaker("k").State() != CircuitClosed {
		t.Errorf("expected Closed, got %v", g.Breaker("k").State())
	}
}

func TestGroupMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	cfg := testBreakerConfig()
	g := NewGroup(cfg, m)

	for i := 0; i < cfg.FailureThreshold; i++ {
		g.Record("k", errors.New("refused"))
	}
	_ = g.Allow("k")
	_ = g.Allow("k")

	if got := promtest.ToFloat64(m.state.WithLabelValues("k")); got != float64(CircuitOpen) {
		t.Errorf("state gauge = %v, want %v", got, float64(CircuitOpen))
	}
	if got := promtest.ToFloat64(m.trips.WithLabelValues("k")); got != 1 {
		t.Errorf("trips = %v, want 1", got)
	}
	if got := promtest.ToFloat64(m.rejections.WithLabelValues("k")); got != 2 {
		t.Errorf("rejections = %v, want 2", got)
	}
}
