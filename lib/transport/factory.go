// Package transport creates pooled HTTP(S) connections.
//
// A Factory turns an endpoint key into a Conn. Creation is asynchronous: the
// TCP connect runs on its own goroutine and, for https endpoints, is followed
// by a client TLS handshake bounded by a one-shot handshake timer. The two
// steps resolve a single completion on the Conn, exactly once, with either
// the ready connection or a typed failure:
//
//   - connect failure:   "connect failed for host X" wrapping the dial error
//   - handshake failure: "handshake failed for host X" wrapping the TLS error
//   - handshake timeout: the handshake failure shape with a timeout cause
//
// Factory implements the pool's resource contract (Create, Validate,
// Destroy) for string endpoint keys.
package transport

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	apperrors "github.com/songyanbo/http-client/lib/errors"
)

// DefaultHandshakeTimeout bounds a TLS handshake when no timeout is configured.
const DefaultHandshakeTimeout = 10 * time.Second

// Dialer opens TCP connections. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// ConnectGuard gates connect attempts per endpoint key, typically with a
// circuit breaker. Allow returns a non-nil error to reject an attempt.
type ConnectGuard interface {
	Allow(key string) error
	Record(key string, err error)
}

// Config configures a Factory.
type Config struct {
	// TLS is the client TLS context. Nil means https endpoints are refused
	// with a configuration error.
	TLS *tls.Config
	// HandshakeTimeout bounds the TLS handshake. Negative selects
	// DefaultHandshakeTimeout; zero disables the timer.
	// Default: 10 seconds
	HandshakeTimeout time.Duration
	// ConnectTimeout bounds the TCP connect. Zero leaves it to the dialer.
	// Default: 0
	ConnectTimeout time.Duration
	// Dialer opens TCP connections. Nil uses a net.Dialer with keep-alives.
	Dialer Dialer
	// Guard optionally rejects connects to failing endpoints.
	Guard ConnectGuard
	// Metrics records connect and handshake outcomes. Optional.
	Metrics *Metrics
	// Logger receives connection lifecycle events. Nil uses the logrus
	// standard logger.
	Logger logrus.FieldLogger
}

// DefaultConfig returns a Config with sensible defaults and no TLS context.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: DefaultHandshakeTimeout,
	}
}

// Factory creates, validates and destroys Conns.
type Factory struct {
	tls              *tls.Config
	handshakeTimeout time.Duration
	connectTimeout   time.Duration
	dialer           Dialer
	guard            ConnectGuard
	metrics          *Metrics
	log              logrus.FieldLogger
}

// NewFactory creates a Factory. The TLS context is cloned; later changes to
// cfg.TLS do not affect the Factory.
func NewFactory(cfg Config) *Factory {
	if cfg.HandshakeTimeout < 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &net.Dialer{KeepAlive: 30 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	var tlsConfig *tls.Config
	if cfg.TLS != nil {
		tlsConfig = cfg.TLS.Clone()
	}

	f := &Factory{
		tls:              tlsConfig,
		handshakeTimeout: cfg.HandshakeTimeout,
		connectTimeout:   cfg.ConnectTimeout,
		dialer:           cfg.Dialer,
		guard:            cfg.Guard,
		metrics:          cfg.Metrics,
		log:              cfg.Logger.WithField("component", "transport"),
	}
	f.log.WithFields(logrus.Fields{
		"tls":              tlsConfig != nil,
		"handshakeTimeout": f.handshakeTimeout,
		"connectTimeout":   f.connectTimeout,
	}).Debug("connection factory created")
	return f
}

// HandshakeTimeout returns the effective handshake timeout; zero means disabled.
func (f *Factory) HandshakeTimeout() time.Duration {
	return f.handshakeTimeout
}

// Create starts building a connection for key and returns immediately.
// A malformed key, or an https key without a TLS context, fails
// synchronously with a configuration error. Connect and handshake failures
// are reported through the returned Conn's completion.
func (f *Factory) Create(key string) (*Conn, error) {
	ep, err := ParseEndpoint(key)
	if err != nil {
		return nil, err
	}
	if ep.Secure() && f.tls == nil {
		return nil, apperrors.Configuration("no TLS context configured for secure endpoint %s", ep.Key())
	}

	c := newConn(ep)
	go f.establish(c)
	return c, nil
}

// Validate waits for c's creation to resolve and reports whether it
// succeeded and the connection is still open. This is the only blocking
// point of the contract; with the handshake timer disabled it can wait
// indefinitely on a stalled handshake.
func (f *Factory) Validate(c *Conn) bool {
	if c == nil {
		return false
	}
	<-c.Done()
	if c.Err() != nil {
		return false
	}
	return c.alive()
}

// Destroy waits for c's creation to resolve and closes it. Close errors are
// logged and dropped.
func (f *Factory) Destroy(c *Conn) {
	if c == nil {
		return
	}
	<-c.Done()
	if err := c.Close(); err != nil {
		f.log.WithError(err).WithField("endpoint", c.endpoint.Key()).Debug("connection destroy failed")
	}
}

func (f *Factory) establish(c *Conn) {
	key := c.endpoint.Key()
	start := time.Now()

	if f.guard != nil {
		if err := f.guard.Allow(key); err != nil {
			f.metrics.observeConnect(c.endpoint.Scheme, "rejected")
			c.fail(apperrors.ConnectFailure(c.endpoint.Host, err))
			return
		}
	}

	ctx := context.Background()
	if f.connectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.connectTimeout)
		defer cancel()
	}

	raw, err := f.dialer.DialContext(ctx, "tcp", c.endpoint.Address())
	if f.guard != nil {
		f.guard.Record(key, err)
	}
	if err != nil {
		f.metrics.observeConnect(c.endpoint.Scheme, "connect_failed")
		f.log.WithError(err).WithField("endpoint", key).Warn("connect failed")
		c.fail(apperrors.ConnectFailure(c.endpoint.Host, err))
		return
	}
	c.attachRaw(raw)

	if !c.endpoint.Secure() {
		f.ready(c, raw, start)
		return
	}

	c.setState(StateHandshaking)
	f.handshake(c, raw, start)
}

// handshake runs the TLS client handshake over raw. A timer armed for the
// handshake timeout fails the Conn and closes raw if it fires first; it is
// stopped as soon as the handshake returns, and a fire that loses the race
// changes nothing.
func (f *Factory) handshake(c *Conn, raw net.Conn, start time.Time) {
	host := c.endpoint.Host
	cfg := f.tls.Clone()
	if cfg.ServerName == "" {
		cfg.ServerName = host
	}
	tlsConn := tls.Client(raw, cfg)

	var timer *time.Timer
	if f.handshakeTimeout > 0 {
		timeout := f.handshakeTimeout
		timer = time.AfterFunc(timeout, func() {
			if c.fail(apperrors.HandshakeTimeout(host, timeout)) {
				f.metrics.observeConnect(c.endpoint.Scheme, "handshake_timeout")
				f.log.WithField("endpoint", c.endpoint.Key()).WithField("timeout", timeout).Warn("handshake timed out")
				_ = raw.Close()
			}
		})
	}

	hsStart := time.Now()
	err := tlsConn.Handshake()
	if timer != nil {
		timer.Stop()
	}

	if err != nil {
		if c.fail(apperrors.HandshakeFailure(host, err)) {
			f.metrics.observeConnect(c.endpoint.Scheme, "handshake_failed")
			f.log.WithError(err).WithField("endpoint", c.endpoint.Key()).Warn("handshake failed")
		}
		_ = raw.Close()
		return
	}
	f.metrics.observeHandshake(time.Since(hsStart))
	f.ready(c, tlsConn, start)
}

func (f *Factory) ready(c *Conn, nc net.Conn, start time.Time) {
	if !c.succeed(nc) {
		// Lost to the handshake timer or an early Close.
		_ = nc.Close()
		return
	}
	f.metrics.observeConnect(c.endpoint.Scheme, "ok")
	f.log.WithFields(logrus.Fields{
		"endpoint": c.endpoint.Key(),
		"secure":   c.endpoint.Secure(),
		"elapsed":  time.Since(start),
	}).Info("connection created")
}
