package core

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
)

// testConfig creates a configuration suited to loopback tests: short
// timeouts, no background health checks and no metrics listener.
func testConfig(t *testing.T) *Config {
	t.Helper()

	cfg := DefaultConfig()
	cfg.Pool.BorrowTimeout = Duration(2 * time.Second)
	cfg.Pool.HealthCheckInterval = 0
	cfg.Client.ShutdownTimeout = Duration(2 * time.Second)
	cfg.Metrics.Enabled = false
	cfg.I2P.Enabled = false

	return cfg
}

// testLogger returns a logger that discards output and records entries.
func testLogger() (logrus.FieldLogger, *logtest.Hook) {
	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	return logger, hook
}

// cleanupClient stops a running client so its pool and listeners do not
// leak into the next test.
func cleanupClient(t *testing.T, c *Client) {
	t.Helper()

	if c == nil || c.State() != StateRunning {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.Stop(ctx); err != nil {
		t.Logf("Warning: Stop failed during cleanup: %v", err)
	}
}
