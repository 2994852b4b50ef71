package core

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/songyanbo/http-client/lib/client"
	apperrors "github.com/songyanbo/http-client/lib/errors"
	"github.com/songyanbo/http-client/lib/resilience"
	"github.com/songyanbo/http-client/lib/testutil"
)

func TestNewClient_RequiresConfig(t *testing.T) {
	_, err := NewClient(nil, nil)
	if !errors.Is(err, apperrors.ErrClientInvalidConfig) {
		t.Errorf("NewClient(nil) error = %v, want invalid config", err)
	}
}

func TestNewClient_ValidatesConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Pool.MaxPerKey = 0

	_, err := NewClient(cfg, nil)
	if !errors.Is(err, apperrors.ErrClientInvalidConfig) {
		t.Errorf("NewClient error = %v, want invalid config", err)
	}
	if !apperrors.IsConfiguration(err) {
		t.Error("invalid config should classify as a configuration error")
	}
}

func TestNewClient_Success(t *testing.T) {
	logger, _ := testLogger()
	c, err := NewClient(testConfig(t), logger)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	if c.State() != StateInitial {
		t.Errorf("initial state should be StateInitial, got %s", c.State())
	}
	if c.Uptime() != 0 {
		t.Error("uptime should be zero before Start")
	}
	if _, err := c.Dispatcher(); !apperrors.IsInvalidState(err) {
		t.Errorf("Dispatcher() before Start error = %v, want invalid state", err)
	}
}

func TestClient_StartAndStop(t *testing.T) {
	logger, _ := testLogger()
	c, err := NewClient(testConfig(t), logger)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	var mu sync.Mutex
	var transitions []string
	c.SetOnStateChange(func(from, to ClientState) {
		mu.Lock()
		transitions = append(transitions, from.String()+"->"+to.String())
		mu.Unlock()
	})

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if c.State() != StateRunning {
		t.Errorf("state after Start = %s, want running", c.State())
	}
	if c.StartedAt().IsZero() {
		t.Error("StartedAt should be set after Start")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if c.State() != StateStopped {
		t.Errorf("state after Stop = %s, want stopped", c.State())
	}

	select {
	case <-c.Done():
	default:
		t.Error("Done should be closed after Stop")
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"initial->starting", "starting->running", "running->stopping", "stopping->stopped"}
	if strings.Join(transitions, ",") != strings.Join(want, ",") {
		t.Errorf("transitions = %v, want %v", transitions, want)
	}
}

func TestClient_InvalidTransitions(t *testing.T) {
	logger, _ := testLogger()
	c, err := NewClient(testConfig(t), logger)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	if err := c.Stop(context.Background()); !apperrors.IsInvalidState(err) {
		t.Errorf("Stop before Start error = %v, want invalid state", err)
	}

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer cleanupClient(t, c)

	if err := c.Start(context.Background()); !errors.Is(err, apperrors.ErrClientInvalidState) {
		t.Errorf("second Start error = %v, want invalid state", err)
	}
}

func TestClient_Restart(t *testing.T) {
	srv, err := testutil.NewStubServer(testutil.HelloResponse)
	if err != nil {
		t.Fatal(err)
	}
	defer srv.Close()

	logger, _ := testLogger()
	c, err := NewClient(testConfig(t), logger)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := c.Start(context.Background()); err != nil {
			t.Fatalf("Start #%d failed: %v", i, err)
		}
		req, _ := client.NewRequest(http.MethodGet, srv.URL()+"/", nil)
		resp, err := c.Do(context.Background(), req)
		if err != nil {
			t.Fatalf("Do #%d failed: %v", i, err)
		}
		if string(resp.Body) != "hello!" {
			t.Errorf("body = %q", resp.Body)
		}
		if err := c.Stop(context.Background()); err != nil {
			t.Fatalf("Stop #%d failed: %v", i, err)
		}
	}

	req, _ := client.NewRequest(http.MethodGet, srv.URL()+"/", nil)
	if _, err := c.Do(context.Background(), req); !apperrors.IsInvalidState(err) {
		t.Errorf("Do after Stop error = %v, want invalid state", err)
	}
}

func TestClient_ContextCancelStops(t *testing.T) {
	logger, _ := testLogger()
	c, err := NewClient(testConfig(t), logger)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	cancel()

	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("client did not stop after its context was cancelled")
	}
	if c.State() != StateStopped {
		t.Errorf("state = %s, want stopped", c.State())
	}
}

func TestClient_StartFailsOnBadCAFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.TLS.CAFile = filepath.Join(t.TempDir(), "missing.pem")

	logger, _ := testLogger()
	c, err := NewClient(cfg, logger)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	var reported error
	c.SetOnError(func(err error, _ string) { reported = err })

	err = c.Start(context.Background())
	if !apperrors.IsConfiguration(err) {
		t.Fatalf("Start error = %v, want configuration error", err)
	}
	if reported == nil {
		t.Error("error callback should be invoked")
	}
	if c.State() != StateStopped {
		t.Errorf("state = %s, want stopped", c.State())
	}
}

func TestClient_SecureRoundTripWithCAFile(t *testing.T) {
	cert, err := testutil.NewSelfSignedCert("localhost")
	if err != nil {
		t.Fatal(err)
	}
	srv := testutil.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("secure hello"))
	}), cert)
	defer srv.Close()

	caFile := filepath.Join(t.TempDir(), "ca.pem")
	if err := os.WriteFile(caFile, cert.CertPEM, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := testConfig(t)
	cfg.TLS.CAFile = caFile
	logger, _ := testLogger()
	c, err := NewClient(cfg, logger)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer cleanupClient(t, c)

	req, _ := client.NewRequest(http.MethodGet, testutil.WithHost(srv.URL, "localhost")+"/", nil)
	resp, err := c.Do(context.Background(), req)
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK || string(resp.Body) != "secure hello" {
		t.Errorf("response = %d %q", resp.StatusCode, resp.Body)
	}
	if s := c.PoolStats(); s.NumIdle != 1 || s.Keys != 1 {
		t.Errorf("pool stats = %s", s)
	}
}

func TestClient_TLSDisabledRefusesHTTPS(t *testing.T) {
	cfg := testConfig(t)
	cfg.TLS.Enabled = false
	logger, _ := testLogger()
	c, err := NewClient(cfg, logger)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer cleanupClient(t, c)

	req, _ := client.NewRequest(http.MethodGet, "https://localhost:1/", nil)
	if _, err := c.Do(context.Background(), req); !apperrors.IsConfiguration(err) {
		t.Errorf("https without TLS error = %v, want configuration error", err)
	}
}

func TestClient_BreakerOpensOnConnectFailures(t *testing.T) {
	addr, err := testutil.ClosedAddr()
	if err != nil {
		t.Fatal(err)
	}

	cfg := testConfig(t)
	cfg.Breaker.Enabled = true
	cfg.Breaker.FailureThreshold = 2
	cfg.Breaker.Cooldown = Duration(time.Minute)
	logger, _ := testLogger()
	c, err := NewClient(cfg, logger)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer cleanupClient(t, c)

	for i := 0; i < 2; i++ {
		req, _ := client.NewRequest(http.MethodGet, "http://"+addr+"/", nil)
		if _, err := c.Do(context.Background(), req); !apperrors.IsConnect(err) {
			t.Fatalf("request #%d error = %v, want connect failure", i, err)
		}
	}

	req, _ := client.NewRequest(http.MethodGet, "http://"+addr+"/", nil)
	_, err = c.Do(context.Background(), req)
	if !errors.Is(err, apperrors.ErrCircuitOpen) {
		t.Fatalf("error after threshold = %v, want circuit open", err)
	}
	if !apperrors.IsConnect(err) {
		t.Error("a rejected connect should still classify as a connect failure")
	}

	states := c.BreakerStates()
	if len(states) != 1 {
		t.Fatalf("breaker states = %v", states)
	}
	for key, st := range states {
		if st != resilience.CircuitOpen {
			t.Errorf("breaker %s = %s, want open", key, st)
		}
	}
}

func TestClient_Metrics(t *testing.T) {
	srv, err := testutil.NewStubServer(testutil.HelloResponse)
	if err != nil {
		t.Fatal(err)
	}
	defer srv.Close()

	logger, _ := testLogger()
	c, err := NewClient(testConfig(t), logger)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer cleanupClient(t, c)

	req, _ := client.NewRequest(http.MethodGet, srv.URL()+"/", nil)
	if _, err := c.Do(context.Background(), req); err != nil {
		t.Fatalf("Do failed: %v", err)
	}

	n, err := promtest.GatherAndCount(c.Registry(),
		"httpool_client_requests_total",
		"httpool_pool_borrows_total",
	)
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if n < 2 {
		t.Errorf("expected client and pool series, got %d", n)
	}
}

func TestClient_I2PEnabledDoesNotTouchSAM(t *testing.T) {
	addr, err := testutil.ClosedAddr()
	if err != nil {
		t.Fatal(err)
	}
	srv, err := testutil.NewStubServer(testutil.HelloResponse)
	if err != nil {
		t.Fatal(err)
	}
	defer srv.Close()

	cfg := testConfig(t)
	cfg.I2P.Enabled = true
	cfg.I2P.SAMAddress = addr
	logger, _ := testLogger()
	c, err := NewClient(cfg, logger)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start should not need a SAM bridge: %v", err)
	}
	defer cleanupClient(t, c)

	// Clearnet requests go through the fallback dialer.
	req, _ := client.NewRequest(http.MethodGet, srv.URL()+"/", nil)
	resp, err := c.Do(context.Background(), req)
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if string(resp.Body) != "hello!" {
		t.Errorf("body = %q", resp.Body)
	}

	time.Sleep(50 * time.Millisecond)
	c.mu.RLock()
	dialer := c.comp.dialer
	c.mu.RUnlock()
	if !dialer.Stats().LastCheck.IsZero() {
		t.Error("the SAM bridge was probed without any .i2p request")
	}
}
