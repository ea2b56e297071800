// Package dbpool keeps at most one live connection pool per registered
// external database. Pools are created on first use, evicted on refresh or
// removal and closed at shutdown.
package dbpool

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/singleflight"
)

const defaultCreateTimeout = 15 * time.Second

// Pool is a live handle to one external connection.
type Pool struct {
	ConnID    string
	Engine    Engine
	DB        *sql.DB
	CreatedAt time.Time

	closed atomic.Bool
}

// Closed reports whether the pool was closed.
func (p *Pool) Closed() bool { return p.closed.Load() }

// Close closes the underlying handle once.
func (p *Pool) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	return p.DB.Close()
}

// Options configures a Registry.
type Options struct {
	Limits        Limits
	TestTimeout   time.Duration
	CreateTimeout time.Duration
	Open          OpenFunc
}

// Registry maps connection IDs to live pools.
type Registry struct {
	source Source
	vault  Decrypter
	logger *slog.Logger
	opts   Options

	mu     sync.RWMutex
	pools  map[string]*Pool
	closed bool

	locks *keyLocks
	group singleflight.Group
}

// NewRegistry creates an empty registry. Pools are opened with
// opts.Open, OpenDB when nil.
func NewRegistry(source Source, vault Decrypter, logger *slog.Logger, opts Options) *Registry {
	if opts.Open == nil {
		opts.Open = OpenDB
	}
	if opts.TestTimeout <= 0 {
		opts.TestTimeout = 5 * time.Second
	}
	if opts.CreateTimeout <= 0 {
		opts.CreateTimeout = defaultCreateTimeout
	}
	opts.Limits = opts.Limits.normalized()
	return &Registry{
		source: source,
		vault:  vault,
		logger: logger,
		opts:   opts,
		pools:  make(map[string]*Pool),
		locks:  newKeyLocks(),
	}
}

// Get returns the live pool of connID without creating one.
func (r *Registry) Get(connID string) (*Pool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pools[connID]
	if !ok || p.Closed() {
		return nil, false
	}
	return p, true
}

// Ensure returns the live pool of connID, creating it when absent or
// closed. Concurrent callers for the same ID share one creation; creation
// failures are returned as *CreateError. After Close it fails with
// ErrRegistryClosed.
func (r *Registry) Ensure(ctx context.Context, connID string) (*Pool, error) {
	if p, ok := r.Get(connID); ok {
		return p, nil
	}
	ch := r.group.DoChan(connID, func() (any, error) {
		unlock := r.locks.lock(connID)
		defer unlock()
		if p, ok := r.Get(connID); ok {
			return p, nil
		}
		if r.isClosed() {
			return nil, ErrRegistryClosed
		}
		// creation is shared, so it must not die with the first caller
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.CreateTimeout)
		defer cancel()
		p, err := r.create(cctx, connID)
		if err != nil {
			return nil, err
		}
		if err := r.install(p); err != nil {
			return nil, err
		}
		return p, nil
	})
	select {
	case <-ctx.Done():
		return nil, errors.Wrapf(ctx.Err(), "ensure pool %s", connID)
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Pool), nil
	}
}

func (r *Registry) create(ctx context.Context, connID string) (*Pool, error) {
	conn, err := r.source.GetConnection(ctx, connID)
	if err != nil {
		return nil, &CreateError{ConnID: connID, Reason: "load connection", Err: err}
	}
	password, err := r.vault.Decrypt(conn.Password)
	if err != nil {
		r.markUnreachable(ctx, connID)
		return nil, &CreateError{ConnID: connID, Reason: "cannot decrypt password", Err: err}
	}
	params := ParamsOf(conn, password)
	if err := params.Validate(); err != nil {
		return nil, &CreateError{ConnID: connID, Reason: "invalid parameters", Err: err}
	}
	db, err := r.opts.Open(ctx, params, r.opts.Limits)
	if err != nil {
		return nil, &CreateError{ConnID: connID, Reason: "open " + string(conn.Engine), Err: err}
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, &CreateError{ConnID: connID, Reason: "connect " + string(conn.Engine), Err: err}
	}
	r.logger.Info("connection pool created", "conn_id", connID, "engine", conn.Engine,
		"max_size", r.opts.Limits.MaxSize, "min_size", r.opts.Limits.MinSize)
	return &Pool{ConnID: connID, Engine: conn.Engine, DB: db, CreatedAt: time.Now().UTC()}, nil
}

// markUnreachable records an unusable connection when the source can
// store reachability.
func (r *Registry) markUnreachable(ctx context.Context, connID string) {
	rec, ok := r.source.(StatusRecorder)
	if !ok {
		return
	}
	if err := rec.UpdateConnectionStatus(ctx, connID, StatusUnreachable); err != nil {
		r.logger.Warn("record connection status", "conn_id", connID, "err", err)
	}
}

// install publishes p. A pool created while Close ran is closed instead.
func (r *Registry) install(p *Pool) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = p.Close()
		r.logger.Info("discarded pool created during shutdown", "conn_id", p.ConnID)
		return ErrRegistryClosed
	}
	old := r.pools[p.ConnID]
	r.pools[p.ConnID] = p
	r.mu.Unlock()
	if old != nil && old != p {
		_ = old.Close()
	}
	return nil
}

func (r *Registry) isClosed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closed
}

// Refresh closes and evicts the pool so the next Ensure rebuilds it with
// current parameters.
func (r *Registry) Refresh(connID string) {
	if r.evict(connID) {
		r.logger.Info("connection pool refreshed", "conn_id", connID)
	}
}

// Remove closes and evicts the pool of a connection that is going away.
func (r *Registry) Remove(connID string) {
	if r.evict(connID) {
		r.logger.Info("connection pool removed", "conn_id", connID)
	}
}

func (r *Registry) evict(connID string) bool {
	unlock := r.locks.lock(connID)
	defer unlock()
	r.mu.Lock()
	p, ok := r.pools[connID]
	delete(r.pools, connID)
	r.mu.Unlock()
	if !ok {
		return false
	}
	if err := p.Close(); err != nil {
		r.logger.Warn("close connection pool", "conn_id", connID, "err", err)
	}
	return true
}

// Stats returns the handle statistics of every live pool.
func (r *Registry) Stats() map[string]sql.DBStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]sql.DBStats, len(r.pools))
	for id, p := range r.pools {
		if !p.Closed() {
			out[id] = p.DB.Stats()
		}
	}
	return out
}

// Close closes every pool and makes later Ensure calls fail. Creations
// still in flight close their pool instead of installing it.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	pools := r.pools
	r.pools = make(map[string]*Pool)
	r.mu.Unlock()
	for id, p := range pools {
		if err := p.Close(); err != nil {
			r.logger.Warn("close connection pool", "conn_id", id, "err", err)
		}
	}
	if len(pools) > 0 {
		r.logger.Info("connection pools closed", "count", len(pools))
	}
}
