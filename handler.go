package wafproxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultMaxRequestBody = 32 << 20

type domainRoute struct {
	host     string
	upstream *Upstream
	opts     *EvaluateOptions
}

// Pipeline is the request path: IP filter, country filter, rate limiter,
// rule evaluation and, for the standalone proxy, forwarding upstream.
type Pipeline struct {
	logger  *zap.Logger
	metrics *Metrics
	redact  bool
	debug   bool

	rules     *RuleStore
	evaluator *Evaluator
	limiter   *RateLimiter
	ipFilter  *IPFilter
	countries *CountryFilter
	pools     *PoolManager
	proxy     *ProxyClient

	routes         map[string]*domainRoute
	defaultRoute   *domainRoute
	trusted        []netip.Prefix
	maxRequestBody int64
}

// NewPipeline wires every component from cfg and loads rules and IP lists.
// A rule directory that cannot be read leaves the proxy serving with zero
// rules unless fail_on_empty_rules is set.
func NewPipeline(cfg *Config, logger *zap.Logger) (*Pipeline, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg == nil {
		return nil, errors.New("nil config")
	}
	metrics := NewMetrics()
	p := &Pipeline{
		logger:         logger,
		metrics:        metrics,
		redact:         cfg.Logging.RedactSensitiveData,
		debug:          cfg.Logging.IsDebug(),
		routes:         map[string]*domainRoute{},
		trusted:        cfg.TrustedPrefixes(),
		maxRequestBody: cfg.MaxRequestBody,
	}
	if p.maxRequestBody <= 0 {
		p.maxRequestBody = defaultMaxRequestBody
	}

	p.rules = NewRuleStore(cfg.RulesDir, logger,
		WithReloadInterval(cfg.ReloadInterval),
		WithFileWatch(cfg.WatchRules),
		WithRuleMetrics(metrics))
	if _, err := p.rules.Load(); err != nil {
		if cfg.FailOnEmptyRules {
			return nil, fmt.Errorf("load rules: %w", err)
		}
		logger.Error("Rules could not be loaded, serving with zero rules", zap.String("dir", cfg.RulesDir), zap.Error(err))
	}
	if cfg.FailOnEmptyRules && p.rules.Current().Len() == 0 {
		return nil, fmt.Errorf("no rules loaded from %s", cfg.RulesDir)
	}

	p.evaluator = NewEvaluator(p.rules, logger,
		WithObserveOnly(cfg.ObserveMode),
		WithEvaluationMode(cfg.EvaluationMode, cfg.AnomalyThreshold),
		WithBodyInspectLimit(cfg.BodyLimit),
		WithParanoiaLevel(cfg.ParanoiaLevel),
		WithEvaluatorMetrics(metrics))

	var err error
	if p.limiter, err = NewRateLimiter(cfg.RateLimit, logger); err != nil {
		return nil, err
	}

	p.ipFilter = NewIPFilter(logger, metrics)
	if err := p.ipFilter.LoadFiles(cfg.IPWhitelistFile, cfg.IPBlacklistFile); err != nil {
		return nil, err
	}

	if cfg.GeoIP.Enabled() {
		if p.countries, err = NewCountryFilter(cfg.GeoIP, logger, metrics); err != nil {
			return nil, err
		}
	}

	if cfg.Pool.Enabled {
		p.pools = NewPoolManager(cfg.Pool, logger)
	}
	p.proxy = NewProxyClient(p.pools, logger, metrics)

	for _, d := range cfg.Domains {
		up, err := d.upstream()
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("domain %s: %w", d.Host, err)
		}
		route := &domainRoute{host: d.Host, upstream: up, opts: d.evaluateOptions()}
		if d.Host == "*" {
			p.defaultRoute = route
			continue
		}
		p.routes[hostOnly(d.Host)] = route
	}
	return p, nil
}

// Start runs the background loops until ctx is done.
func (p *Pipeline) Start(ctx context.Context) {
	go p.rules.Run(ctx)
	go p.limiter.Run(ctx)
	if p.pools != nil {
		go p.pools.Run(ctx)
	}
	if err := p.ipFilter.Watch(ctx); err != nil {
		p.logger.Warn("IP list watcher unavailable", zap.Error(err))
	}
}

// Close releases upstream connections and GeoIP databases.
func (p *Pipeline) Close() error {
	if p.pools != nil {
		p.pools.Shutdown()
	}
	if p.countries != nil {
		return p.countries.Close()
	}
	return nil
}

func (p *Pipeline) Metrics() *Metrics { return p.metrics }
func (p *Pipeline) Rules() *RuleStore { return p.rules }
func (p *Pipeline) Evaluator() *Evaluator { return p.evaluator }
func (p *Pipeline) IPFilter() *IPFilter { return p.ipFilter }
func (p *Pipeline) RateLimiter() *RateLimiter { return p.limiter }
func (p *Pipeline) PoolManager() *PoolManager { return p.pools }

func (p *Pipeline) route(host string) *domainRoute {
	if r, ok := p.routes[hostOnly(host)]; ok {
		return r
	}
	return p.defaultRoute
}

// Inspect runs the gates in order and writes the denial itself. On success
// it returns the buffered body and the request id.
func (p *Pipeline) Inspect(w http.ResponseWriter, r *http.Request, opts *EvaluateOptions) ([]byte, string, bool) {
	requestID := uuid.NewString()
	w.Header().Set("X-Request-ID", requestID)
	p.metrics.incRequests()

	ip := clientIP(r, p.trusted)
	if d := p.ipFilter.IsAllowed(ip); !d.Allowed {
		p.denyRequest(w, r, requestID, "ip_filter", "IP address blocked")
		return nil, requestID, false
	}

	if p.countries != nil {
		if ok, reason := p.countries.Check(ip); !ok {
			p.denyRequest(w, r, requestID, "geoip", reason)
			return nil, requestID, false
		}
	}

	rl := p.limiter.Check(ip, r.URL.Path)
	setRateLimitHeaders(w.Header(), rl)
	if !rl.Allowed {
		p.rateLimitRequest(w, r, requestID, rl)
		return nil, requestID, false
	}

	body, err := p.readBody(w, r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			_ = writeJSON(w, http.StatusRequestEntityTooLarge, blockResponse{Error: "Request Entity Too Large"})
		} else {
			_ = writeJSON(w, http.StatusBadRequest, blockResponse{Error: "Bad Request", Message: "could not read request body"})
		}
		p.logger.Info("Request body rejected", append(requestFields(r, requestID, p.redact), zap.Error(err))...)
		return nil, requestID, false
	}

	res := p.evaluator.EvaluateWith(r, body, opts)
	if p.debug {
		p.DebugRequest(r, requestID, res, "evaluated")
	}
	switch {
	case res.Blocked:
		p.blockRequest(w, r, requestID, res)
		return nil, requestID, false
	case res.Observed:
		p.metrics.incObserved()
		p.logger.Info("Rule matched in observe mode", append(requestFields(r, requestID, p.redact),
			zap.Int("rule_id", res.RuleID),
			zap.String("reason", res.Message),
			zap.String("variable", res.Variable),
			zap.Int("score", res.Score))...)
	}
	p.metrics.incAllowed()
	return body, requestID, true
}

func (p *Pipeline) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	defer r.Body.Close()
	return io.ReadAll(http.MaxBytesReader(w, r.Body, p.maxRequestBody))
}

// ServeHTTP implements the standalone reverse proxy.
func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	route := p.route(r.Host)
	var opts *EvaluateOptions
	if route != nil {
		opts = route.opts
	}
	body, requestID, ok := p.Inspect(w, r, opts)
	if !ok {
		return
	}
	if route == nil {
		_ = writeJSON(w, http.StatusNotFound, blockResponse{Error: "Not Found", Message: "no upstream configured for host"})
		return
	}

	r.Header.Set("X-Request-ID", requestID)
	resp := p.proxy.Forward(r.Context(), r, body, route.upstream)
	if err := resp.WriteResponse(w); err != nil {
		p.logger.Debug("Writing upstream response failed", zap.String("request_id", requestID), zap.Error(err))
	}
	p.logger.Debug("Request forwarded",
		zap.String("request_id", requestID),
		zap.String("upstream", route.upstream.URL.Host),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)))
}

// healthResponse is served on /healthz.
type healthResponse struct {
	Status      string    `json:"status"`
	Rules       int       `json:"rules"`
	LastReload  time.Time `json:"last_reload"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	ObserveMode bool      `json:"observe_mode"`
	Whitelist   int       `json:"whitelist_entries"`
	Blacklist   int       `json:"blacklist_entries"`
}

// HealthHandler reports rule and list state as JSON.
func (p *Pipeline) HealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rs := p.rules.Current()
		wl, bl := p.ipFilter.Counts()
		_ = writeJSON(w, http.StatusOK, healthResponse{
			Status:      "ok",
			Rules:       rs.Len(),
			LastReload:  rs.LoadedAt(),
			Fingerprint: rs.Fingerprint(),
			ObserveMode: p.evaluator.ObserveOnly(),
			Whitelist:   wl,
			Blacklist:   bl,
		})
	})
}
