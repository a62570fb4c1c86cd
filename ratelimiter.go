package wafproxy

import (
	"context"
	"fmt"
	"hash/maphash"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"go.uber.org/zap"
)

const (
	rateLimitShards         = 64
	defaultRateLimit        = 100
	defaultRateWindow       = time.Minute
	defaultRateCleanup      = time.Minute
	defaultRetentionWindows = 2
)

// EndpointLimit overrides the default limit for paths matching Pattern.
// Patterns are literal paths or globs such as /api/*.
type EndpointLimit struct {
	Pattern string        `yaml:"pattern" json:"pattern"`
	Limit   int           `yaml:"limit" json:"limit"`
	Window  time.Duration `yaml:"window" json:"window"`
}

type endpointMatcher struct {
	EndpointLimit
	glob     glob.Glob
	literal  int
	wildcard bool
}

// RateLimit configures a RateLimiter.
type RateLimit struct {
	Limit           int             `yaml:"limit" json:"limit"`
	Window          time.Duration   `yaml:"window" json:"window"`
	Endpoints       []EndpointLimit `yaml:"endpoints" json:"endpoints"`
	BlockDuration   time.Duration   `yaml:"block_duration" json:"block_duration"`
	EscalateAfter   int             `yaml:"escalate_after" json:"escalate_after"`
	CleanupInterval time.Duration   `yaml:"cleanup_interval" json:"cleanup_interval"`
	Retention       time.Duration   `yaml:"retention" json:"retention"`
}

type rateLimitState struct {
	count        int
	windowStart  time.Time
	window       time.Duration
	blockedUntil time.Time
	violations   int
}

type rateShard struct {
	mu      sync.Mutex
	entries map[string]*rateLimitState
}

// RateLimiter is a fixed-window counter per key with optional per-endpoint
// overrides and timed hard blocks. Keys are spread over shards so unrelated
// clients never share a lock.
type RateLimiter struct {
	cfg       RateLimit
	endpoints []endpointMatcher
	shards    [rateLimitShards]rateShard
	seed      maphash.Seed
	logger    *zap.Logger
	now       func() time.Time
}

// NewRateLimiter compiles endpoint patterns; a bad pattern is a
// configuration error.
func NewRateLimiter(cfg RateLimit, logger *zap.Logger) (*RateLimiter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.Endpoints = append([]EndpointLimit(nil), cfg.Endpoints...)
	cfg.setDefaults()
	rl := &RateLimiter{
		cfg:    cfg,
		seed:   maphash.MakeSeed(),
		logger: logger,
		now:    time.Now,
	}
	for i := range rl.shards {
		rl.shards[i].entries = map[string]*rateLimitState{}
	}
	for _, ep := range cfg.Endpoints {
		m, err := compileEndpoint(ep, cfg)
		if err != nil {
			return nil, err
		}
		rl.endpoints = append(rl.endpoints, m)
	}
	// Most specific first: longer literal prefix wins, exact beats wildcard.
	sort.SliceStable(rl.endpoints, func(i, j int) bool {
		a, b := rl.endpoints[i], rl.endpoints[j]
		if a.literal != b.literal {
			return a.literal > b.literal
		}
		return !a.wildcard && b.wildcard
	})
	return rl, nil
}

// setDefaults fills zero values; endpoint overrides without their own limit
// or window inherit the global ones.
func (c *RateLimit) setDefaults() {
	if c.Limit <= 0 {
		c.Limit = defaultRateLimit
	}
	if c.Window <= 0 {
		c.Window = defaultRateWindow
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = defaultRateCleanup
	}
	for i := range c.Endpoints {
		if c.Endpoints[i].Limit <= 0 {
			c.Endpoints[i].Limit = c.Limit
		}
		if c.Endpoints[i].Window <= 0 {
			c.Endpoints[i].Window = c.Window
		}
	}
}

func compileEndpoint(ep EndpointLimit, defaults RateLimit) (endpointMatcher, error) {
	pattern := strings.TrimSpace(ep.Pattern)
	if pattern == "" {
		return endpointMatcher{}, fmt.Errorf("rate limit endpoint pattern is empty")
	}
	g, err := glob.Compile(pattern)
	if err != nil {
		return endpointMatcher{}, fmt.Errorf("rate limit endpoint %q: %w", pattern, err)
	}
	if ep.Limit <= 0 {
		ep.Limit = defaults.Limit
	}
	if ep.Window <= 0 {
		ep.Window = defaults.Window
	}
	ep.Pattern = pattern
	literal := strings.IndexAny(pattern, "*?[{")
	wildcard := literal >= 0
	if !wildcard {
		literal = len(pattern)
	}
	return endpointMatcher{EndpointLimit: ep, glob: g, literal: literal, wildcard: wildcard}, nil
}

func (rl *RateLimiter) shard(key string) *rateShard {
	return &rl.shards[maphash.String(rl.seed, key)%rateLimitShards]
}

func (rl *RateLimiter) endpointFor(path string) *endpointMatcher {
	for i := range rl.endpoints {
		if rl.endpoints[i].glob.Match(path) {
			return &rl.endpoints[i]
		}
	}
	return nil
}

// Check counts one request for key on path and returns the verdict.
func (rl *RateLimiter) Check(key, path string) RateLimitResult {
	now := rl.now()
	limit, window, counterKey := rl.cfg.Limit, rl.cfg.Window, key
	if ep := rl.endpointFor(path); ep != nil {
		limit, window = ep.Limit, ep.Window
		counterKey = key + "|" + ep.Pattern
	}

	if until, blocked := rl.blockedUntil(key, now); blocked {
		return RateLimitResult{Limit: limit, ResetAt: until, BlockedUntil: until}
	}

	sh := rl.shard(counterKey)
	sh.mu.Lock()
	st := sh.entries[counterKey]
	if st == nil {
		st = &rateLimitState{windowStart: now, window: window}
		sh.entries[counterKey] = st
	}
	if now.Sub(st.windowStart) >= window {
		st.windowStart = now
		st.count = 0
	}
	st.window = window
	st.count++
	count := st.count
	resetAt := st.windowStart.Add(window)
	escalate := false
	if count == limit+1 && rl.cfg.EscalateAfter > 0 && rl.cfg.BlockDuration > 0 {
		st.violations++
		if st.violations >= rl.cfg.EscalateAfter {
			st.violations = 0
			escalate = true
		}
	}
	sh.mu.Unlock()

	res := RateLimitResult{
		Allowed:   count <= limit,
		Limit:     limit,
		Remaining: max(limit-count, 0),
		ResetAt:   resetAt,
	}
	if escalate {
		res.BlockedUntil = rl.BlockIP(key, rl.cfg.BlockDuration)
		rl.logger.Warn("Rate limit violations escalated to block",
			zap.String("key", key), zap.Time("blocked_until", res.BlockedUntil))
	}
	return res
}

func (rl *RateLimiter) blockedUntil(key string, now time.Time) (time.Time, bool) {
	sh := rl.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	st := sh.entries[key]
	if st == nil || !now.Before(st.blockedUntil) {
		return time.Time{}, false
	}
	return st.blockedUntil, true
}

// BlockIP hard-blocks key for d regardless of window counting.
func (rl *RateLimiter) BlockIP(key string, d time.Duration) time.Time {
	now := rl.now()
	until := now.Add(d)
	sh := rl.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	st := sh.entries[key]
	if st == nil {
		st = &rateLimitState{windowStart: now, window: rl.cfg.Window}
		sh.entries[key] = st
	}
	st.blockedUntil = until
	return until
}

// UnblockIP lifts a hard block and resets the key's counter.
func (rl *RateLimiter) UnblockIP(key string) {
	sh := rl.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if st := sh.entries[key]; st != nil {
		st.blockedUntil = time.Time{}
		st.count = 0
		st.violations = 0
	}
}

// Len returns the number of tracked keys.
func (rl *RateLimiter) Len() int {
	n := 0
	for i := range rl.shards {
		sh := &rl.shards[i]
		sh.mu.Lock()
		n += len(sh.entries)
		sh.mu.Unlock()
	}
	return n
}

// Cleanup drops keys whose window ended more than the retention horizon ago
// and that are not blocked. It returns the number of removed keys.
func (rl *RateLimiter) Cleanup() int {
	now := rl.now()
	removed := 0
	for i := range rl.shards {
		sh := &rl.shards[i]
		sh.mu.Lock()
		for k, st := range sh.entries {
			retention := rl.cfg.Retention
			if retention <= 0 {
				retention = st.window * defaultRetentionWindows
			}
			if now.Before(st.blockedUntil) {
				continue
			}
			if now.Sub(st.windowStart.Add(st.window)) > retention {
				delete(sh.entries, k)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// Run sweeps idle keys until ctx is done.
func (rl *RateLimiter) Run(ctx context.Context) {
	ticker := time.NewTicker(rl.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := rl.Cleanup(); n > 0 {
				rl.logger.Debug("Rate limiter cleanup", zap.Int("removed", n), zap.Int("remaining", rl.Len()))
			}
		}
	}
}
