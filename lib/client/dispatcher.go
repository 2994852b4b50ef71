// Package client dispatches HTTP/1.1 requests over pooled connections.
//
// Each request borrows a connection for its endpoint, writes the request,
// reads the response head, runs a Consumer over the response and drains the
// rest of the body. The connection then goes back to the pool, or is
// discarded when the exchange failed, the consumer failed, the request timed
// out, or the server asked to close it. Requests are never retried.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/songyanbo/http-client/lib/async"
	apperrors "github.com/songyanbo/http-client/lib/errors"
	"github.com/songyanbo/http-client/lib/transport"
)

// RequestIDHeader carries the per-request correlation ID.
const RequestIDHeader = "X-Request-Id"

// DefaultUserAgent is sent when a request sets no User-Agent.
const DefaultUserAgent = "httpool/1.1"

// maxDrain bounds how much of an unread body is drained to keep a
// connection reusable. Larger remainders discard the connection instead.
const maxDrain = 256 << 10

// Pool lends connections per endpoint key. *pool.Pool[string, *transport.Conn]
// satisfies it.
type Pool interface {
	Borrow(ctx context.Context, key string) (*transport.Conn, error)
	Release(key string, c *transport.Conn) error
	Discard(key string, c *transport.Conn) error
}

// Limiter paces requests per endpoint key. *ratelimit.Keyed satisfies it.
type Limiter interface {
	Wait(ctx context.Context, key string) error
}

// Config configures a Dispatcher.
type Config struct {
	// Compression selects the Accept-Encoding sent with each request.
	// Default: CompressionAny
	Compression Compression
	// RequestTimeout bounds the exchange on a borrowed connection. Zero
	// means no limit beyond the caller's context.
	RequestTimeout time.Duration
	// ReadTimeout bounds each write or read on the connection. Zero
	// disables it.
	ReadTimeout time.Duration
	// UserAgent is sent when a request sets none.
	// Default: DefaultUserAgent
	UserAgent string
	// Limiter optionally paces requests per endpoint.
	Limiter Limiter
	// Tracer records a span per request. Nil uses the global provider.
	Tracer trace.Tracer
	// Metrics records request outcomes. Optional.
	Metrics *Metrics
	// Logger receives request events. Nil uses the logrus standard logger.
	Logger logrus.FieldLogger
}

// Dispatcher runs requests over a Pool.
type Dispatcher struct {
	pool           Pool
	compression    Compression
	requestTimeout time.Duration
	readTimeout    time.Duration
	userAgent      string
	limiter        Limiter
	tracer         trace.Tracer
	metrics        *Metrics
	log            logrus.FieldLogger

	mu       sync.RWMutex
	closed   bool
	inflight conc.WaitGroup
}

// NewDispatcher creates a dispatcher over p.
func NewDispatcher(p Pool, cfg Config) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer("github.com/songyanbo/http-client/lib/client")
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	return &Dispatcher{
		pool:           p,
		compression:    cfg.Compression,
		requestTimeout: cfg.RequestTimeout,
		readTimeout:    cfg.ReadTimeout,
		userAgent:      cfg.UserAgent,
		limiter:        cfg.Limiter,
		tracer:         cfg.Tracer,
		metrics:        cfg.Metrics,
		log:            cfg.Logger.WithField("component", "dispatcher"),
	}
}

// Dispatch runs req on its own goroutine and returns a future for the
// consumer's result. The future always resolves.
func Dispatch[T any](ctx context.Context, d *Dispatcher, req *Request, consumer Consumer[T]) *async.Future[T] {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return async.Failed[T](apperrors.Wrap(apperrors.CodePoolClosed, "dispatcher is closed", apperrors.ErrPoolClosed))
	}

	f := async.New[T]()
	d.inflight.Go(func() {
		f.Complete(run(ctx, d, req, consumer))
	})
	return f
}

// Do dispatches req, waits for it and returns the buffered response.
func (d *Dispatcher) Do(ctx context.Context, req *Request) (*Response, error) {
	return Dispatch(ctx, d, req, BytesConsumer()).Wait()
}

// Close refuses new requests and waits for in-flight ones until ctx is done.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("client: waiting for in-flight requests: %w", ctx.Err())
	}
}

func run[T any](ctx context.Context, d *Dispatcher, req *Request, consumer Consumer[T]) (result T, err error) {
	var zero T
	if req == nil || req.URL == nil {
		return zero, apperrors.Configuration("request has no url")
	}
	ep, err := transport.EndpointFromURL(req.URL)
	if err != nil {
		return zero, err
	}
	key := ep.Key()
	requestID := req.Header.Get(RequestIDHeader)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	log := d.log.WithFields(logrus.Fields{
		"request_id": requestID,
		"method":     req.Method,
		"endpoint":   key,
	})

	ctx, span := d.tracer.Start(ctx, "HTTP "+req.Method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", req.Method),
			attribute.String("server.address", ep.Host),
			attribute.Int("server.port", ep.Port),
			attribute.String("url.full", req.URL.String()),
			attribute.String("http.request.id", requestID),
		))
	start := time.Now()
	d.metrics.begin()
	defer func() {
		d.metrics.observe(req.Method, apperrors.Kind(err), time.Since(start))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, apperrors.Kind(err))
			log.WithError(err).WithField("elapsed", time.Since(start)).Debug("request failed")
		}
		span.End()
	}()

	if d.limiter != nil {
		if err := d.limiter.Wait(ctx, key); err != nil {
			return zero, err
		}
	}

	hreq, err := req.build(ctx, ep, d.compression, requestID, d.userAgent)
	if err != nil {
		return zero, err
	}

	conn, err := d.pool.Borrow(ctx, key)
	if err != nil {
		return zero, err
	}

	exCtx := ctx
	if d.requestTimeout > 0 {
		var cancel context.CancelFunc
		exCtx, cancel = context.WithTimeout(ctx, d.requestTimeout)
		defer cancel()
	}
	dl := &deadlines{conn: conn, timeout: d.readTimeout}
	stop := context.AfterFunc(exCtx, dl.force)

	reusable := false
	defer func() {
		if !stop() || dl.isForced() {
			reusable = false
		}
		if reusable && conn.SetDeadline(time.Time{}) != nil {
			reusable = false
		}
		if reusable {
			if rerr := d.pool.Release(key, conn); rerr != nil {
				log.WithError(rerr).Warn("release failed")
			}
			return
		}
		conn.MarkBroken()
		if derr := d.pool.Discard(key, conn); derr != nil {
			log.WithError(derr).Warn("discard failed")
		}
	}()

	if err := dl.extend(); err != nil {
		return zero, d.exchangeError(exCtx, key, "write request", err)
	}
	bw := conn.Writer()
	if err := hreq.Write(bw); err != nil {
		return zero, d.exchangeError(exCtx, key, "write request", err)
	}
	if err := bw.Flush(); err != nil {
		return zero, d.exchangeError(exCtx, key, "write request", err)
	}

	if err := dl.extend(); err != nil {
		return zero, d.exchangeError(exCtx, key, "read response", err)
	}
	resp, err := http.ReadResponse(conn.Reader(), hreq)
	if err != nil {
		return zero, d.exchangeError(exCtx, key, "read response", err)
	}
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	raw := resp.Body
	resp.Body = &deadlineBody{ReadCloser: raw, dl: dl}
	closeDecoder, err := decodeBody(resp)
	if err != nil {
		return zero, err
	}

	value, cerr := consumer.Consume(resp)
	closeDecoder()
	if cerr != nil {
		if exCtx.Err() != nil {
			return zero, d.exchangeError(exCtx, key, "consume response", cerr)
		}
		return zero, cerr
	}

	// Closing a body that was not read to EOF reads the rest of it, so an
	// oversized or stalled remainder leaves raw open and the connection is
	// discarded instead.
	if drain(raw, dl) {
		_ = raw.Close()
		reusable = !resp.Close
	}

	log.WithFields(logrus.Fields{
		"status":  resp.StatusCode,
		"elapsed": time.Since(start),
		"reuse":   reusable,
	}).Debug("request completed")
	return value, nil
}

// drain reads what the consumer left of the body so the connection can carry
// the next request. It reports false when the body could not be fully read
// within maxDrain bytes.
func drain(body io.Reader, dl *deadlines) bool {
	if err := dl.extend(); err != nil {
		return false
	}
	n, err := io.Copy(io.Discard, io.LimitReader(body, maxDrain+1))
	return err == nil && n <= maxDrain
}

// exchangeError classifies a failure on a borrowed connection.
func (d *Dispatcher) exchangeError(ctx context.Context, key, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return apperrors.Wrap(apperrors.CodeRequestTimeout,
				fmt.Sprintf("request to %s timed out", key), ctxErr)
		}
		return fmt.Errorf("client: %s %s: %w", op, key, ctxErr)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return apperrors.Wrap(apperrors.CodeRequestTimeout,
			fmt.Sprintf("%s %s: no progress within %s", op, key, d.readTimeout), err)
	}
	return apperrors.Wrap(apperrors.CodeProtocol, fmt.Sprintf("%s %s", op, key), err)
}

// aLongTimeAgo is a deadline in the past that fails pending I/O at once.
var aLongTimeAgo = time.Unix(1, 0)

// deadlines manages a borrowed connection's I/O deadline. extend pushes it
// out by the read timeout before each operation; force fails all pending
// and future I/O.
type deadlines struct {
	mu      sync.Mutex
	conn    *transport.Conn
	timeout time.Duration
	forced  bool
}

var errForced = errors.New("connection deadline forced")

func (dl *deadlines) extend() error {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	if dl.forced {
		return errForced
	}
	if dl.timeout <= 0 {
		return nil
	}
	return dl.conn.SetDeadline(time.Now().Add(dl.timeout))
}

func (dl *deadlines) force() {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	dl.forced = true
	_ = dl.conn.SetDeadline(aLongTimeAgo)
}

func (dl *deadlines) isForced() bool {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	return dl.forced
}

// deadlineBody extends the read deadline before each body read. Close is a
// no-op: the dispatcher decides whether the raw body is drained or dropped
// with its connection.
type deadlineBody struct {
	io.ReadCloser
	dl *deadlines
}

func (b *deadlineBody) Close() error { return nil }

func (b *deadlineBody) Read(p []byte) (int, error) {
	if err := b.dl.extend(); err != nil {
		return 0, err
	}
	return b.ReadCloser.Read(p)
}
