package wafproxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

var (
	ErrPoolClosed    = errors.New("connection pool closed")
	ErrPoolDisabled  = errors.New("connection pooling disabled")
	ErrPoolExhausted = errors.New("connection pool at maximum size")
)

const (
	defaultPoolSize        = 2
	defaultPoolMaxSize     = 10
	defaultConnIdleTimeout = 90 * time.Second
	defaultPoolIdleTimeout = 5 * time.Minute
	defaultConnectTimeout  = 5 * time.Second
	defaultReadTimeout     = 30 * time.Second
	// Concurrent dials per pool. Callers beyond this wait on their context.
	maxConcurrentDials = 4
)

// PoolConfig controls upstream connection reuse.
type PoolConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
	// Size is the number of connections kept warm per upstream.
	Size int `yaml:"size" json:"size"`
	// MaxSize caps the connections a pool hands out and keeps idle.
	MaxSize         int           `yaml:"max_size" json:"max_size"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	PoolIdleTimeout time.Duration `yaml:"pool_idle_timeout" json:"pool_idle_timeout"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout" json:"connect_timeout"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
}

func (c *PoolConfig) setDefaults() {
	if c.Size < 0 {
		c.Size = 0
	}
	if c.MaxSize <= 0 {
		c.MaxSize = defaultPoolMaxSize
	}
	if c.Size > c.MaxSize {
		c.Size = c.MaxSize
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = defaultConnIdleTimeout
	}
	if c.PoolIdleTimeout <= 0 {
		c.PoolIdleTimeout = defaultPoolIdleTimeout
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = defaultReadTimeout
	}
}

// DefaultPoolConfig returns pooling enabled with the default sizes.
func DefaultPoolConfig() PoolConfig {
	c := PoolConfig{Enabled: true, Size: defaultPoolSize}
	c.setDefaults()
	return c
}

// PoolKey identifies one upstream connection pool.
type PoolKey struct {
	Scheme    string
	Host      string
	Port      int
	VerifySSL bool
}

// PoolKeyFor derives the key for an upstream URL, filling in the default
// port for the scheme.
func PoolKeyFor(u *url.URL, verifySSL bool) (PoolKey, error) {
	if u == nil {
		return PoolKey{}, errors.New("upstream URL is nil")
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return PoolKey{}, fmt.Errorf("unsupported upstream scheme %q", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return PoolKey{}, fmt.Errorf("upstream URL %q has no host", u.String())
	}
	port := 80
	if scheme == "https" {
		port = 443
	}
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n <= 0 || n > 65535 {
			return PoolKey{}, fmt.Errorf("invalid upstream port %q", p)
		}
		port = n
	}
	return PoolKey{Scheme: scheme, Host: strings.ToLower(host), Port: port, VerifySSL: verifySSL}, nil
}

// Addr is the dial address.
func (k PoolKey) Addr() string { return net.JoinHostPort(k.Host, strconv.Itoa(k.Port)) }

func (k PoolKey) String() string {
	return fmt.Sprintf("%s://%s verify=%t", k.Scheme, k.Addr(), k.VerifySSL)
}

// PooledConn is an upstream connection with its response reader. It is held
// by one request at a time.
type PooledConn struct {
	net.Conn
	br        *bufio.Reader
	key       PoolKey
	pool      *ConnPool
	createdAt time.Time
	lastUsed  time.Time
	reused    bool
}

// Reused reports whether the connection served an earlier request.
func (c *PooledConn) Reused() bool { return c.reused }

// Pooled reports whether the connection belongs to a pool.
func (c *PooledConn) Pooled() bool { return c.pool != nil }

type dialFunc func(ctx context.Context, key PoolKey) (net.Conn, error)

// newDialer dials plain TCP or TLS according to the key.
func newDialer(connectTimeout time.Duration) dialFunc {
	return func(ctx context.Context, key PoolKey) (net.Conn, error) {
		nd := &net.Dialer{Timeout: connectTimeout, KeepAlive: 30 * time.Second}
		if key.Scheme != "https" {
			return nd.DialContext(ctx, "tcp", key.Addr())
		}
		td := &tls.Dialer{
			NetDialer: nd,
			Config: &tls.Config{
				ServerName:         key.Host,
				InsecureSkipVerify: !key.VerifySSL, //nolint:gosec // per-upstream verify_ssl
				NextProtos:         []string{"http/1.1"},
				MinVersion:         tls.VersionTLS12,
			},
		}
		return td.DialContext(ctx, "tcp", key.Addr())
	}
}

// ConnPool keeps idle connections to one upstream. The count of
// connections it has handed out plus those idle never exceeds MaxSize.
type ConnPool struct {
	key    PoolKey
	cfg    PoolConfig
	dial   dialFunc
	dials  *semaphore.Weighted
	logger *zap.Logger

	mu       sync.Mutex
	idle     []*PooledConn
	open     int
	closed   bool
	lastUsed time.Time

	now func() time.Time
}

func newConnPool(key PoolKey, cfg PoolConfig, dial dialFunc, logger *zap.Logger) *ConnPool {
	return &ConnPool{
		key:      key,
		cfg:      cfg,
		dial:     dial,
		dials:    semaphore.NewWeighted(maxConcurrentDials),
		logger:   logger,
		idle:     make([]*PooledConn, 0, cfg.MaxSize),
		lastUsed: time.Now(),
		now:      time.Now,
	}
}

// Key returns the pool key.
func (p *ConnPool) Key() PoolKey { return p.key }

// Acquire returns an idle connection or dials a new one while below
// MaxSize. At MaxSize it returns ErrPoolExhausted without blocking, and the
// caller is expected to use an ad-hoc connection.
func (p *ConnPool) Acquire(ctx context.Context) (*PooledConn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	now := p.now()
	p.lastUsed = now
	var stale []*PooledConn
	for len(p.idle) > 0 {
		c := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		if now.Sub(c.lastUsed) > p.cfg.IdleTimeout {
			stale = append(stale, c)
			p.open--
			continue
		}
		p.mu.Unlock()
		closeAll(stale)
		c.reused = true
		return c, nil
	}
	if p.open >= p.cfg.MaxSize {
		p.mu.Unlock()
		closeAll(stale)
		return nil, ErrPoolExhausted
	}
	p.open++ // reserve the slot before dialing
	p.mu.Unlock()
	closeAll(stale)

	c, err := p.dialConn(ctx)
	if err != nil {
		p.mu.Lock()
		p.open--
		p.mu.Unlock()
		return nil, err
	}
	return c, nil
}

func (p *ConnPool) dialConn(ctx context.Context) (*PooledConn, error) {
	if err := p.dials.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer p.dials.Release(1)
	conn, err := p.dial(ctx, p.key)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", p.key.Addr(), err)
	}
	return p.wrap(conn), nil
}

func (p *ConnPool) wrap(conn net.Conn) *PooledConn {
	now := p.now()
	return &PooledConn{
		Conn:      conn,
		br:        bufio.NewReader(conn),
		key:       p.key,
		pool:      p,
		createdAt: now,
		lastUsed:  now,
	}
}

// Release returns a healthy connection to the idle set. When the idle set is
// already at MaxSize, or the pool is closed, the connection is closed.
func (p *ConnPool) Release(c *PooledConn) {
	if c == nil {
		return
	}
	if c.pool != p {
		c.Conn.Close()
		return
	}
	p.mu.Lock()
	if p.closed || len(p.idle) >= p.cfg.MaxSize || c.br.Buffered() > 0 {
		p.open = max(p.open-1, 0)
		p.mu.Unlock()
		c.Conn.Close()
		return
	}
	now := p.now()
	c.lastUsed = now
	p.lastUsed = now
	p.idle = append(p.idle, c)
	p.mu.Unlock()
}

// Discard closes a connection that must not be reused.
func (p *ConnPool) Discard(c *PooledConn) {
	if c == nil {
		return
	}
	c.Conn.Close()
	if c.pool != p {
		return
	}
	p.mu.Lock()
	p.open = max(p.open-1, 0)
	p.mu.Unlock()
}

// CloseAll closes idle connections and marks the pool closed. Connections
// still checked out are closed when released.
func (p *ConnPool) CloseAll() {
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.open -= len(idle)
	p.closed = true
	p.mu.Unlock()
	closeAll(idle)
}

// pruneIdle closes idle connections older than the idle timeout.
func (p *ConnPool) pruneIdle() int {
	now := p.now()
	p.mu.Lock()
	var stale []*PooledConn
	kept := p.idle[:0]
	for _, c := range p.idle {
		if now.Sub(c.lastUsed) > p.cfg.IdleTimeout {
			stale = append(stale, c)
			continue
		}
		kept = append(kept, c)
	}
	p.idle = kept
	p.open -= len(stale)
	p.mu.Unlock()
	closeAll(stale)
	return len(stale)
}

// prewarm dials toward the target size. Failures only get logged; the pool
// still dials on demand.
func (p *ConnPool) prewarm(ctx context.Context) error {
	p.mu.Lock()
	want := p.cfg.Size - p.open
	if p.closed || want <= 0 {
		p.mu.Unlock()
		return nil
	}
	p.open += want
	p.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for range want {
		g.Go(func() error {
			c, err := p.dialConn(gctx)
			if err != nil {
				p.mu.Lock()
				p.open--
				p.mu.Unlock()
				return err
			}
			p.Release(c)
			return nil
		})
	}
	return g.Wait()
}

// PoolStats is a point-in-time view of one pool.
type PoolStats struct {
	Idle int `json:"idle"`
	Open int `json:"open"`
}

// Stats returns idle and open connection counts.
func (p *ConnPool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{Idle: len(p.idle), Open: p.open}
}

func (p *ConnPool) idleSince() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastUsed
}

func closeAll(conns []*PooledConn) {
	for _, c := range conns {
		c.Conn.Close()
	}
}

// PoolManager creates pools lazily per PoolKey and evicts quiet ones.
type PoolManager struct {
	cfg    PoolConfig
	dial   dialFunc
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	pools  map[PoolKey]*ConnPool
	closed bool
}

// NewPoolManager returns a manager; pools are created on first GetPool.
func NewPoolManager(cfg PoolConfig, logger *zap.Logger) *PoolManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &PoolManager{
		cfg:    cfg,
		dial:   newDialer(cfg.ConnectTimeout),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		pools:  map[PoolKey]*ConnPool{},
	}
}

// Config returns the effective configuration.
func (m *PoolManager) Config() PoolConfig { return m.cfg }

// GetPool returns the pool for key, creating and pre-warming it on first
// use. It returns ErrPoolDisabled when pooling is off.
func (m *PoolManager) GetPool(key PoolKey) (*ConnPool, error) {
	if !m.cfg.Enabled {
		return nil, ErrPoolDisabled
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrPoolClosed
	}
	if p, ok := m.pools[key]; ok {
		return p, nil
	}
	p := newConnPool(key, m.cfg, m.dial, m.logger)
	m.pools[key] = p
	m.logger.Debug("Connection pool created", zap.String("upstream", key.String()))
	if m.cfg.Size > 0 {
		go func() {
			if err := p.prewarm(m.ctx); err != nil && m.ctx.Err() == nil {
				m.logger.Debug("Connection pool prewarm incomplete", zap.String("upstream", key.String()), zap.Error(err))
			}
		}()
	}
	return p, nil
}

// EvictIdle closes pools unused for the pool idle timeout and prunes stale
// idle connections in the rest. It returns the number of evicted pools.
func (m *PoolManager) EvictIdle() int {
	now := time.Now()
	m.mu.Lock()
	var evicted []*ConnPool
	var live []*ConnPool
	for k, p := range m.pools {
		if now.Sub(p.idleSince()) > m.cfg.PoolIdleTimeout {
			delete(m.pools, k)
			evicted = append(evicted, p)
			continue
		}
		live = append(live, p)
	}
	m.mu.Unlock()

	for _, p := range evicted {
		p.CloseAll()
		m.logger.Debug("Idle connection pool evicted", zap.String("upstream", p.key.String()))
	}
	for _, p := range live {
		p.pruneIdle()
	}
	return len(evicted)
}

// Run evicts idle pools periodically until ctx is done.
func (m *PoolManager) Run(ctx context.Context) {
	interval := min(m.cfg.IdleTimeout, m.cfg.PoolIdleTimeout) / 2
	ticker := time.NewTicker(max(interval, time.Second))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.EvictIdle()
		}
	}
}

// Shutdown closes every pool. Later GetPool calls fail with ErrPoolClosed.
func (m *PoolManager) Shutdown() {
	m.cancel()
	m.mu.Lock()
	pools := m.pools
	m.pools = map[PoolKey]*ConnPool{}
	m.closed = true
	m.mu.Unlock()
	for _, p := range pools {
		p.CloseAll()
	}
}

// Stats returns per-upstream pool statistics.
func (m *PoolManager) Stats() map[string]PoolStats {
	m.mu.Lock()
	pools := make([]*ConnPool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.mu.Unlock()
	out := make(map[string]PoolStats, len(pools))
	for _, p := range pools {
		out[p.key.String()] = p.Stats()
	}
	return out
}
