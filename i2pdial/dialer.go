// Package i2pdial provides a connection dialer that reaches .i2p hosts over
// an I2P streaming session and every other host over a regular dialer. It
// plugs into the transport factory so pooled HTTP connections can target
// eepsites transparently.
//
// Prerequisites for .i2p hosts:
//   - A running I2P router with SAM enabled (default port 7656)
//
// Example usage:
//
//	d := i2pdial.New(i2pdial.Config{Name: "httpool"})
//	d.Start(ctx)
//	defer d.Close()
//	f := transport.NewFactory(transport.Config{Dialer: d})
package i2pdial

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/go-i2p/i2pkeys"
	"github.com/go-i2p/onramp"
	"github.com/sirupsen/logrus"

	"github.com/songyanbo/http-client/lib/resilience"
)

const (
	// DefaultSAMAddress is the default SAM bridge address
	DefaultSAMAddress = "127.0.0.1:7656"

	// DefaultName is the tunnel name used when none is configured
	DefaultName = "httpool"
)

// ContextDialer opens connections. *net.Dialer satisfies it.
type ContextDialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// session is the part of an onramp garlic session the dialer uses.
type session interface {
	Dial(network, addr string) (net.Conn, error)
	Close() error
}

func openGarlic(name, samAddr string, options []string) (session, error) {
	g, err := onramp.NewGarlic(name, samAddr, options)
	if err != nil {
		return nil, err
	}
	return g, nil
}

// Config configures a Dialer.
type Config struct {
	// Name is the I2P tunnel name.
	// Default: DefaultName
	Name string
	// SAMAddress is the SAM bridge address (host:port).
	// Default: DefaultSAMAddress
	SAMAddress string
	// Options are SAM session options such as inbound.length. Nil uses
	// onramp.OPT_DEFAULTS.
	Options []string
	// Fallback dials every host that is not an .i2p name. Nil uses a
	// net.Dialer with keep-alives.
	Fallback ContextDialer
	// Health configures the SAM bridge monitor. Zero values take the
	// resilience defaults.
	Health resilience.HealthyCircuitConfig
	// Logger receives dialer events. Nil uses the logrus standard logger.
	Logger logrus.FieldLogger
}

// Dialer routes dials by host: .i2p names go through a lazily opened SAM
// streaming session, everything else through the fallback dialer. The SAM
// bridge is guarded by a health-checked circuit breaker, so while the
// router is down .i2p dials fail fast instead of each waiting on SAM.
type Dialer struct {
	mu       sync.Mutex
	name     string
	samAddr  string
	options  []string
	fallback ContextDialer
	health   *resilience.HealthyCircuit
	open     func(name, samAddr string, options []string) (session, error)
	sess     session
	closed   bool
	log      logrus.FieldLogger

	// monitorCtx is set by Start; the monitor runs from the first .i2p dial.
	monitorCtx context.Context
}

// New creates a Dialer. No I2P session is opened until the first .i2p dial.
func New(cfg Config) *Dialer {
	if cfg.Name == "" {
		cfg.Name = DefaultName
	}
	if cfg.SAMAddress == "" {
		cfg.SAMAddress = DefaultSAMAddress
	}
	if len(cfg.Options) == 0 {
		cfg.Options = onramp.OPT_DEFAULTS
	}
	if cfg.Fallback == nil {
		cfg.Fallback = &net.Dialer{KeepAlive: 30 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.Health.Logger == nil {
		cfg.Health.Logger = cfg.Logger
	}

	return &Dialer{
		name:     cfg.Name,
		samAddr:  cfg.SAMAddress,
		options:  cfg.Options,
		fallback: cfg.Fallback,
		health:   resilience.NewHealthyCircuit("sam:"+cfg.SAMAddress, cfg.SAMAddress, cfg.Health),
		open:     openGarlic,
		log:      cfg.Logger.WithField("component", "i2pdial").WithField("sam", cfg.SAMAddress),
	}
}

// IsI2PHost reports whether address (host or host:port) names an I2P
// destination.
func IsI2PHost(address string) bool {
	host := address
	if h, _, err := net.SplitHostPort(address); err == nil {
		host = h
	}
	return strings.HasSuffix(strings.ToLower(strings.TrimSuffix(host, ".")), ".i2p")
}

// Start arms the SAM bridge monitor. Probing begins with the first .i2p dial
// and runs in the background until ctx is done or Close is called, so a
// client that never reaches an I2P host never touches the bridge.
func (d *Dialer) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.closed {
		d.monitorCtx = ctx
	}
}

func (d *Dialer) startMonitor() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || d.monitorCtx == nil {
		return
	}
	d.health.Start(d.monitorCtx)
}

// Healthy reports whether the last SAM bridge probe succeeded.
func (d *Dialer) Healthy() bool {
	return d.health.IsHealthy()
}

// Stats returns the SAM bridge health and breaker statistics.
func (d *Dialer) Stats() resilience.HealthyCircuitStats {
	return d.health.Stats()
}

// DialContext connects to address on the named network.
func (d *Dialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if !IsI2PHost(address) {
		return d.fallback.DialContext(ctx, network, address)
	}
	d.startMonitor()

	var sess session
	err := d.health.Execute(func() error {
		var err error
		sess, err = d.session()
		return err
	})
	if err != nil {
		return nil, err
	}
	return d.dialSession(ctx, sess, address)
}

// session returns the open garlic session, opening it on first use.
func (d *Dialer) session() (session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, net.ErrClosed
	}
	if d.sess != nil {
		return d.sess, nil
	}

	start := time.Now()
	sess, err := d.open(d.name, d.samAddr, d.options)
	if err != nil {
		d.log.WithError(err).Warn("opening I2P session failed")
		return nil, err
	}
	d.sess = sess
	d.log.WithFields(logrus.Fields{
		"tunnel":  d.name,
		"elapsed": time.Since(start),
	}).Info("I2P session opened")
	return sess, nil
}

type dialResult struct {
	conn net.Conn
	err  error
}

// dialSession runs the blocking SAM stream dial and abandons it when ctx
// ends first. An abandoned connection is closed once the dial returns.
func (d *Dialer) dialSession(ctx context.Context, sess session, address string) (net.Conn, error) {
	ch := make(chan dialResult, 1)
	go func() {
		c, err := sess.Dial("tcp", address)
		ch <- dialResult{conn: c, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			d.log.WithError(r.err).WithField("address", address).Debug("I2P dial failed")
			return nil, r.err
		}
		log := d.log.WithField("address", address)
		if remote, ok := r.conn.RemoteAddr().(i2pkeys.I2PAddr); ok {
			log = log.WithField("destination", remote.Base32())
		}
		log.Debug("I2P stream connected")
		return r.conn, nil
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// Close stops the health monitor and closes the I2P session. Dials to .i2p
// hosts fail with net.ErrClosed afterwards; fallback dials still work.
func (d *Dialer) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	sess := d.sess
	d.sess = nil
	d.mu.Unlock()

	d.health.Stop()
	if sess == nil {
		return nil
	}
	if err := sess.Close(); err != nil {
		d.log.WithError(err).Debug("closing I2P session failed")
		return fmt.Errorf("i2pdial: closing session: %w", err)
	}
	d.log.Info("I2P session closed")
	return nil
}
