package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/songyanbo/http-client/lib/async"
)

// ConnState represents the lifecycle state of a transport handle.
type ConnState int32

const (
	// StateConnecting means the TCP connect is in flight.
	StateConnecting ConnState = iota
	// StateHandshaking means TCP is up and the TLS handshake is in flight.
	StateHandshaking
	// StateReady means the handle can carry a request.
	StateReady
	// StateBroken means creation failed or an I/O error was observed.
	StateBroken
	// StateClosed means the handle has been closed.
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateBroken:
		return "broken"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// probeWindow bounds the non-destructive read used to detect a peer close.
const probeWindow = time.Millisecond

// Conn is a transport handle: one TCP connection to an endpoint, optionally
// secured with TLS. Creation completes asynchronously; Done and Err expose
// the outcome without blocking.
type Conn struct {
	endpoint  Endpoint
	created   *async.Future[net.Conn]
	createdAt time.Time
	state     atomic.Int32

	mu  sync.Mutex
	raw net.Conn // plain TCP socket once dialed
	nc  net.Conn // raw or its TLS client once ready
	br  *bufio.Reader
	bw  *bufio.Writer

	closeOnce sync.Once
	closeErr  error
}

func newConn(ep Endpoint) *Conn {
	return &Conn{
		endpoint:  ep,
		created:   async.New[net.Conn](),
		createdAt: time.Now(),
	}
}

// Endpoint returns the endpoint this handle connects to.
func (c *Conn) Endpoint() Endpoint { return c.endpoint }

// CreatedAt returns when creation started.
func (c *Conn) CreatedAt() time.Time { return c.createdAt }

// State returns the current lifecycle state.
func (c *Conn) State() ConnState { return ConnState(c.state.Load()) }

// Done returns a channel closed once creation has resolved.
func (c *Conn) Done() <-chan struct{} { return c.created.Done() }

// Err returns the creation failure, or nil if creation succeeded or is pending.
func (c *Conn) Err() error { return c.created.Err() }

// Wait blocks until creation resolves or ctx is done.
func (c *Conn) Wait(ctx context.Context) error {
	_, err := c.created.Await(ctx)
	return err
}

// NetConn returns the established connection, or nil before creation succeeds.
func (c *Conn) NetConn() net.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nc
}

// Reader returns the buffered reader over the established connection.
func (c *Conn) Reader() *bufio.Reader {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.br
}

// Writer returns the buffered writer over the established connection.
func (c *Conn) Writer() *bufio.Writer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bw
}

// TLSState returns the negotiated TLS parameters for secure handles.
func (c *Conn) TLSState() (tls.ConnectionState, bool) {
	tc, ok := c.NetConn().(*tls.Conn)
	if !ok {
		return tls.ConnectionState{}, false
	}
	return tc.ConnectionState(), true
}

// SetDeadline sets the read and write deadline on the established connection.
func (c *Conn) SetDeadline(t time.Time) error {
	nc := c.NetConn()
	if nc == nil {
		return net.ErrClosed
	}
	return nc.SetDeadline(t)
}

// MarkBroken flags a ready handle as unusable after an I/O failure.
func (c *Conn) MarkBroken() {
	c.state.CompareAndSwap(int32(StateReady), int32(StateBroken))
}

// Close closes the underlying socket. It is safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosed))
		c.mu.Lock()
		target := c.nc
		if target == nil {
			target = c.raw
		}
		c.mu.Unlock()
		if target != nil {
			c.closeErr = target.Close()
		}
	})
	return c.closeErr
}

func (c *Conn) setState(s ConnState) {
	c.state.Store(int32(s))
}

func (c *Conn) attachRaw(raw net.Conn) {
	c.mu.Lock()
	c.raw = raw
	c.mu.Unlock()
}

// succeed publishes nc as the established connection. It returns false when
// creation had already resolved, in which case the caller owns nc.
func (c *Conn) succeed(nc net.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.created.IsDone() || c.State() == StateClosed {
		return false
	}
	c.nc = nc
	c.br = bufio.NewReader(nc)
	c.bw = bufio.NewWriter(nc)
	c.setState(StateReady)
	return c.created.Resolve(nc)
}

// fail resolves creation with err. It returns false when creation had
// already resolved.
func (c *Conn) fail(err error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.created.Fail(err) {
		return false
	}
	if c.State() != StateClosed {
		c.setState(StateBroken)
	}
	return true
}

// alive reports whether an idle, ready handle still looks connected: no
// unread bytes are pending and a short read neither returns data nor EOF.
// It must only be called while no request is using the handle.
func (c *Conn) alive() bool {
	if c.State() != StateReady {
		return false
	}
	c.mu.Lock()
	nc, br := c.nc, c.br
	c.mu.Unlock()
	if nc == nil || br == nil {
		return false
	}
	if br.Buffered() > 0 {
		return false
	}
	if err := nc.SetReadDeadline(time.Now().Add(probeWindow)); err != nil {
		return false
	}
	_, err := br.Peek(1)
	if resetErr := nc.SetReadDeadline(time.Time{}); resetErr != nil {
		return false
	}
	if err == nil {
		// A server must not send before a request; treat stray bytes as breakage.
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
