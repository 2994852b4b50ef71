// Package pool provides a generic keyed resource pool for managing reusable
// connections to many endpoints.
//
// The pool supports:
//   - A per-key bound on outstanding resources (borrowed plus being created)
//   - First come, first served waiting per key, bounded by a borrow timeout
//   - Validation of idle resources before they are handed out
//   - Idle expiry and periodic background health checks
//   - Prometheus metrics for pool utilization
//
// # Basic Usage
//
// Resources are built by a Factory. transport.Factory is the production
// implementation for HTTP(S) connections:
//
//	factory := transport.NewFactory(transport.Config{TLS: tlsConfig})
//
//	cfg := pool.DefaultConfig()
//	cfg.MaxPerKey = 10
//	cfg.BorrowTimeout = 5 * time.Second
//
//	p := pool.New[string, *transport.Conn](factory, cfg)
//	defer p.Close()
//
//	conn, err := p.Borrow(ctx, "https://example.com:443")
//	if err != nil {
//	    return err // pool.ErrTimeout, a connect or handshake failure, ...
//	}
//	// Use conn, then exactly one of:
//	p.Release("https://example.com:443", conn)
//	p.Discard("https://example.com:443", conn)
//
// # Validation
//
// Release does not validate; a released resource is checked when it is next
// borrowed. A reused resource that fails validation is destroyed and the
// borrow continues within its original deadline. A freshly created resource
// whose creation failed surfaces the creation error to the borrower.
//
// # Metrics
//
// When Config.Metrics is set, the pool maintains:
//   - httpool_pool_idle_connections{endpoint}
//   - httpool_pool_in_use_connections{endpoint}
//   - httpool_pool_creating_connections{endpoint}
//   - httpool_pool_max_per_endpoint
//   - httpool_pool_borrows_total{result}
//   - httpool_pool_borrow_duration_seconds
package pool
