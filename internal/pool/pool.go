// Package pool is the connection resource manager. It hands out exclusive
// leases on database connections, opening them lazily up to a fixed maximum,
// and probes reused connections before handing them out.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/puddle/v2"
	"github.com/rs/zerolog"

	"github.com/rickchristie/opengauss-mcp/internal/driver"
	"github.com/rickchristie/opengauss-mcp/internal/toolerr"
)

// Config bounds the pool.
type Config struct {
	MaxSize        int32
	AcquireTimeout time.Duration
	// ProbeTimeout bounds the liveness ping run on reused connections.
	ProbeTimeout time.Duration
	// MaxIdleTime closes connections idle for longer than this on acquire.
	// Zero disables the check.
	MaxIdleTime time.Duration
}

const closeTimeout = 5 * time.Second

var errAcquireTimeout = errors.New("acquire timeout")

type pooledConn struct {
	conn driver.Conn
	// used is false until the first lease, so fresh connections skip the probe.
	used bool
}

// Pool owns the connections. Idle and in-use bookkeeping is done by puddle
// under its own lock; the lease table here only adds ownership metadata.
type Pool struct {
	cfg       Config
	connector driver.Connector
	res       *puddle.Pool[*pooledConn]
	logger    zerolog.Logger

	mu     sync.Mutex
	leases map[string]*Lease

	destroyed     atomic.Int64
	probeFailures atomic.Int64
	exhausted     atomic.Int64
}

// New creates an empty pool. No connection is opened until the first Acquire.
func New(connector driver.Connector, cfg Config, logger zerolog.Logger) (*Pool, error) {
	if connector == nil {
		return nil, errors.New("pool: connector is required")
	}
	if cfg.MaxSize < 1 {
		return nil, fmt.Errorf("pool: max size must be at least 1, got %d", cfg.MaxSize)
	}
	if cfg.AcquireTimeout <= 0 {
		return nil, fmt.Errorf("pool: acquire timeout must be positive, got %s", cfg.AcquireTimeout)
	}
	if cfg.ProbeTimeout <= 0 {
		return nil, fmt.Errorf("pool: probe timeout must be positive, got %s", cfg.ProbeTimeout)
	}
	if cfg.MaxIdleTime < 0 {
		return nil, fmt.Errorf("pool: max idle time must not be negative, got %s", cfg.MaxIdleTime)
	}

	p := &Pool{
		cfg:       cfg,
		connector: connector,
		logger:    logger.With().Str("component", "pool").Logger(),
		leases:    make(map[string]*Lease),
	}
	res, err := puddle.NewPool(&puddle.Config[*pooledConn]{
		Constructor: p.construct,
		Destructor:  p.destruct,
		MaxSize:     cfg.MaxSize,
	})
	if err != nil {
		return nil, fmt.Errorf("pool: %w", err)
	}
	p.res = res
	return p, nil
}

func (p *Pool) construct(ctx context.Context) (*pooledConn, error) {
	conn, err := p.connector.Connect(ctx)
	if err != nil {
		p.logger.Warn().Err(err).Msg("failed to open connection")
		return nil, err
	}
	p.logger.Debug().Msg("connection opened")
	return &pooledConn{conn: conn}, nil
}

func (p *Pool) destruct(pc *pooledConn) {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := pc.conn.Close(ctx); err != nil {
		p.logger.Debug().Err(err).Msg("error closing connection")
		return
	}
	p.logger.Debug().Msg("connection closed")
}

// Lease is an exclusive claim on one connection for one request.
type Lease struct {
	ID         string
	RequestID  string
	AcquiredAt time.Time

	pool     *Pool
	res      *puddle.Resource[*pooledConn]
	broken   atomic.Bool
	released atomic.Bool
}

// Conn returns the leased connection. It must not be used after Release.
func (l *Lease) Conn() driver.Conn {
	return l.res.Value().conn
}

// MarkBroken makes Release discard the connection instead of recycling it.
func (l *Lease) MarkBroken() {
	l.broken.Store(true)
}

// Release returns the connection to the pool. Safe to call more than once.
func (l *Lease) Release() {
	l.pool.release(l)
}

// Acquire leases a connection for requestID, waiting at most AcquireTimeout.
//
// Errors: pool_exhausted on timeout, cancelled when ctx ends first or the pool
// is closed, connectivity when a new connection cannot be opened.
func (p *Pool) Acquire(ctx context.Context, requestID string) (*Lease, error) {
	if err := driver.ContextError(ctx); err != nil {
		return nil, err
	}
	actx, cancel := context.WithTimeoutCause(ctx, p.cfg.AcquireTimeout, errAcquireTimeout)
	defer cancel()

	for {
		res, err := p.res.Acquire(actx)
		if err != nil {
			return nil, p.acquireError(ctx, actx, err)
		}
		pc := res.Value()

		if pc.conn.IsClosed() {
			p.discard(res, "closed while idle")
			continue
		}
		if pc.used && p.cfg.MaxIdleTime > 0 && res.IdleDuration() > p.cfg.MaxIdleTime {
			p.discard(res, "idle too long")
			continue
		}
		if pc.used {
			if err := p.probe(ctx, pc.conn); err != nil {
				if cerr := driver.ContextError(ctx); cerr != nil {
					res.Release()
					return nil, cerr
				}
				p.probeFailures.Add(1)
				p.logger.Info().Err(err).Msg("liveness probe failed, discarding connection")
				p.discard(res, "probe failed")
				continue
			}
		}
		pc.used = true

		lease := &Lease{
			ID:         uuid.NewString(),
			RequestID:  requestID,
			AcquiredAt: time.Now(),
			pool:       p,
			res:        res,
		}
		p.mu.Lock()
		p.leases[lease.ID] = lease
		p.mu.Unlock()
		return lease, nil
	}
}

func (p *Pool) probe(ctx context.Context, conn driver.Conn) error {
	pctx, cancel := context.WithTimeout(ctx, p.cfg.ProbeTimeout)
	defer cancel()
	return conn.Ping(pctx)
}

func (p *Pool) acquireError(ctx, actx context.Context, err error) error {
	switch {
	case errors.Is(err, puddle.ErrClosedPool):
		return toolerr.Wrap(toolerr.KindCancelled, err, "pool closed")
	case ctx.Err() != nil:
		return driver.ContextError(ctx)
	case errors.Is(context.Cause(actx), errAcquireTimeout):
		p.exhausted.Add(1)
		return toolerr.New(toolerr.KindPoolExhausted,
			"no database connection available within %s (all %d in use)", p.cfg.AcquireTimeout, p.cfg.MaxSize)
	case toolerr.KindOf(err) == toolerr.KindConnectivity:
		return err
	}
	return toolerr.Connectivity(err)
}

func (p *Pool) discard(res *puddle.Resource[*pooledConn], reason string) {
	p.destroyed.Add(1)
	p.logger.Debug().Str("reason", reason).Msg("discarding connection")
	res.Destroy()
}

func (p *Pool) release(l *Lease) {
	if l == nil || !l.released.CompareAndSwap(false, true) {
		return
	}
	p.mu.Lock()
	delete(p.leases, l.ID)
	p.mu.Unlock()

	if l.broken.Load() || l.res.Value().conn.IsClosed() {
		p.discard(l.res, "broken during use")
		return
	}
	l.res.Release()
}

// Stats is a snapshot of the pool. Total = Idle + InUse + Constructing and
// never exceeds Max.
type Stats struct {
	Max           int32 `json:"max"`
	Total         int32 `json:"total"`
	Idle          int32 `json:"idle"`
	InUse         int32 `json:"in_use"`
	Constructing  int32 `json:"constructing"`
	AcquireCount  int64 `json:"acquire_count"`
	WaitCount     int64 `json:"wait_count"`
	Destroyed     int64 `json:"destroyed"`
	ProbeFailures int64 `json:"probe_failures"`
	Exhausted     int64 `json:"exhausted"`
}

// Stats returns a consistent snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	s := p.res.Stat()
	return Stats{
		Max:           s.MaxResources(),
		Total:         s.TotalResources(),
		Idle:          s.IdleResources(),
		InUse:         s.AcquiredResources(),
		Constructing:  s.ConstructingResources(),
		AcquireCount:  s.AcquireCount(),
		WaitCount:     s.EmptyAcquireCount(),
		Destroyed:     p.destroyed.Load(),
		ProbeFailures: p.probeFailures.Load(),
		Exhausted:     p.exhausted.Load(),
	}
}

// LeaseInfo describes an outstanding lease.
type LeaseInfo struct {
	ID         string    `json:"id"`
	RequestID  string    `json:"request_id"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Leases lists outstanding leases, oldest first.
func (p *Pool) Leases() []LeaseInfo {
	p.mu.Lock()
	out := make([]LeaseInfo, 0, len(p.leases))
	for _, l := range p.leases {
		out = append(out, LeaseInfo{ID: l.ID, RequestID: l.RequestID, AcquiredAt: l.AcquiredAt})
	}
	p.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].AcquiredAt.Before(out[j].AcquiredAt) })
	return out
}

// Close rejects further acquires and closes every connection. It blocks until
// outstanding leases are released.
func (p *Pool) Close() {
	p.res.Close()
}
