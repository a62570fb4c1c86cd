package wafproxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/caddyserver/caddy/v2"
	"github.com/caddyserver/caddy/v2/caddyconfig/caddyfile"
	"github.com/caddyserver/caddy/v2/caddyconfig/httpcaddyfile"
	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

func init() {
	caddy.RegisterModule(Middleware{})
	httpcaddyfile.RegisterHandlerDirective("waf", parseCaddyfile)
}

var (
	_ caddy.Module                = (*Middleware)(nil)
	_ caddy.Provisioner           = (*Middleware)(nil)
	_ caddy.Validator             = (*Middleware)(nil)
	_ caddy.CleanerUpper          = (*Middleware)(nil)
	_ caddyhttp.MiddlewareHandler = (*Middleware)(nil)
	_ caddyfile.Unmarshaler       = (*Middleware)(nil)
)

// CaddyRateLimit is RateLimit with Caddy durations.
type CaddyRateLimit struct {
	Limit         int                  `json:"limit,omitempty"`
	Window        caddy.Duration       `json:"window,omitempty"`
	BlockDuration caddy.Duration       `json:"block_duration,omitempty"`
	EscalateAfter int                  `json:"escalate_after,omitempty"`
	Endpoints     []CaddyEndpointLimit `json:"endpoints,omitempty"`
}

// CaddyEndpointLimit is EndpointLimit with a Caddy duration.
type CaddyEndpointLimit struct {
	Pattern string         `json:"pattern"`
	Limit   int            `json:"limit"`
	Window  caddy.Duration `json:"window,omitempty"`
}

// Middleware runs the inspection gates inside Caddy. Allowed requests go
// on to the next handler, typically reverse_proxy.
//
// Module ID: http.handlers.waf
type Middleware struct {
	RulesDir         string              `json:"rules_dir"`
	ReloadInterval   caddy.Duration      `json:"reload_interval,omitempty"`
	WatchRules       bool                `json:"watch_rules,omitempty"`
	FailOnEmptyRules bool                `json:"fail_on_empty_rules,omitempty"`
	ObserveMode      bool                `json:"observe_mode,omitempty"`
	EvaluationMode   EvaluationMode      `json:"evaluation_mode,omitempty"`
	AnomalyThreshold int                 `json:"anomaly_threshold,omitempty"`
	ParanoiaLevel    int                 `json:"paranoia_level,omitempty"`
	BodyLimit        int64               `json:"body_limit,omitempty"`
	IPWhitelistFile  string              `json:"ip_whitelist_file,omitempty"`
	IPBlacklistFile  string              `json:"ip_blacklist_file,omitempty"`
	TrustedProxies   []string            `json:"trusted_proxies,omitempty"`
	RateLimit        CaddyRateLimit      `json:"rate_limit,omitempty"`
	CountryBlock     CountryAccessFilter `json:"country_block,omitempty"`
	CountryWhitelist CountryAccessFilter `json:"country_whitelist,omitempty"`
	GeoIPFallback    string              `json:"geoip_fallback,omitempty"`
	GeoIPCacheTTL    caddy.Duration      `json:"geoip_cache_ttl,omitempty"`
	EnabledRules     []int               `json:"enabled_rules,omitempty"`
	DisabledRules    []int               `json:"disabled_rules,omitempty"`

	LogSeverity         string `json:"log_severity,omitempty"`
	RedactSensitiveData bool   `json:"redact_sensitive_data,omitempty"`

	cfg      *Config
	opts     *EvaluateOptions
	pipeline *Pipeline
	logger   *zap.Logger
	cancel   context.CancelFunc
}

// CaddyModule returns the Caddy module information.
func (Middleware) CaddyModule() caddy.ModuleInfo {
	return caddy.ModuleInfo{
		ID:  "http.handlers.waf",
		New: func() caddy.Module { return new(Middleware) },
	}
}

// config translates the module fields into a Config. The embedded pipeline
// never forwards, so pooling is off.
func (m *Middleware) config() *Config {
	cfg := &Config{
		RulesDir:         m.RulesDir,
		ReloadInterval:   time.Duration(m.ReloadInterval),
		WatchRules:       m.WatchRules,
		FailOnEmptyRules: m.FailOnEmptyRules,
		ObserveMode:      m.ObserveMode,
		EvaluationMode:   m.EvaluationMode,
		AnomalyThreshold: m.AnomalyThreshold,
		ParanoiaLevel:    m.ParanoiaLevel,
		BodyLimit:        m.BodyLimit,
		IPWhitelistFile:  m.IPWhitelistFile,
		IPBlacklistFile:  m.IPBlacklistFile,
		TrustedProxies:   m.TrustedProxies,
		RateLimit: RateLimit{
			Limit:         m.RateLimit.Limit,
			Window:        time.Duration(m.RateLimit.Window),
			BlockDuration: time.Duration(m.RateLimit.BlockDuration),
			EscalateAfter: m.RateLimit.EscalateAfter,
		},
		GeoIP: GeoIPConfig{
			CountryBlock:     m.CountryBlock,
			CountryWhitelist: m.CountryWhitelist,
			CacheTTL:         time.Duration(m.GeoIPCacheTTL),
			Fallback:         m.GeoIPFallback,
		},
		Logging: LoggingConfig{
			LogSeverity:         m.LogSeverity,
			RedactSensitiveData: m.RedactSensitiveData,
		},
	}
	for _, ep := range m.RateLimit.Endpoints {
		cfg.RateLimit.Endpoints = append(cfg.RateLimit.Endpoints, EndpointLimit{
			Pattern: ep.Pattern,
			Limit:   ep.Limit,
			Window:  time.Duration(ep.Window),
		})
	}
	cfg.setDefaults()
	return cfg
}

// Validate checks the module configuration.
func (m *Middleware) Validate() error {
	if m.cfg == nil {
		m.cfg = m.config()
	}
	return m.cfg.Validate()
}

// Provision builds the pipeline and starts its background loops.
func (m *Middleware) Provision(ctx caddy.Context) error {
	m.logger = ctx.Logger()
	m.cfg = m.config()
	if err := m.cfg.Validate(); err != nil {
		return err
	}
	m.opts = DomainConfig{EnabledRules: m.EnabledRules, DisabledRules: m.DisabledRules}.evaluateOptions()

	p, err := NewPipeline(m.cfg, m.logger)
	if err != nil {
		return fmt.Errorf("provision waf: %w", err)
	}
	m.pipeline = p

	if reg := ctx.GetMetricsRegistry(); reg != nil {
		if err := reg.Register(p.Metrics()); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				m.logger.Warn("WAF metrics not registered", zap.Error(err))
			}
		}
	}

	bg, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	p.Start(bg)

	m.logger.Info("WAF middleware provisioned",
		zap.String("rules_dir", m.RulesDir),
		zap.Int("rules", p.Rules().Current().Len()),
		zap.Bool("observe_mode", m.ObserveMode),
		zap.String("evaluation_mode", string(m.cfg.EvaluationMode)))
	return nil
}

// Cleanup stops the background loops.
func (m *Middleware) Cleanup() error {
	if m.cancel != nil {
		m.cancel()
	}
	if m.pipeline != nil {
		return m.pipeline.Close()
	}
	return nil
}

// ServeHTTP implements caddyhttp.MiddlewareHandler.
func (m *Middleware) ServeHTTP(w http.ResponseWriter, r *http.Request, next caddyhttp.Handler) error {
	body, requestID, ok := m.pipeline.Inspect(w, r, m.opts)
	if !ok {
		return nil
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	r.ContentLength = int64(len(body))

	rec := NewResponseRecorder(w)
	err := next.ServeHTTP(rec, r)
	m.logger.Debug("Request passed WAF",
		zap.String("request_id", requestID),
		zap.Int("status", rec.StatusCode()),
		zap.Int64("size", rec.Size()))
	return err
}

func parseCaddyfile(h httpcaddyfile.Helper) (caddyhttp.MiddlewareHandler, error) {
	var m Middleware
	err := m.UnmarshalCaddyfile(h.Dispenser)
	return &m, err
}

// UnmarshalCaddyfile implements caddyfile.Unmarshaler.
//
//	waf {
//	    rules_dir <dir>
//	    reload_interval <duration>
//	    watch_rules
//	    observe_mode
//	    evaluation_mode first_match|anomaly
//	    anomaly_threshold <n>
//	    paranoia_level <n>
//	    body_limit <bytes>
//	    ip_whitelist_file <path>
//	    ip_blacklist_file <path>
//	    trusted_proxies <cidr...>
//	    rate_limit {
//	        limit <n>
//	        window <duration>
//	        block_duration <duration>
//	        escalate_after <n>
//	        endpoint <pattern> <limit> [<window>]
//	    }
//	    block_countries <geoip_db> <CC...>
//	    whitelist_countries <geoip_db> <CC...>
//	    geoip_fallback allow|block
//	    geoip_cache_ttl <duration>
//	    enabled_rules <id...>
//	    disabled_rules <id...>
//	    log_severity debug|info|warn|error
//	    redact_sensitive_data
//	    fail_on_empty_rules
//	}
func (m *Middleware) UnmarshalCaddyfile(d *caddyfile.Dispenser) error {
	for d.Next() {
		for nesting := d.Nesting(); d.NextBlock(nesting); {
			directive := d.Val()
			var err error
			switch directive {
			case "rules_dir":
				err = singleArg(d, &m.RulesDir)
			case "reload_interval":
				err = durationArg(d, &m.ReloadInterval)
			case "watch_rules":
				m.WatchRules = true
			case "observe_mode":
				m.ObserveMode = true
			case "fail_on_empty_rules":
				m.FailOnEmptyRules = true
			case "redact_sensitive_data":
				m.RedactSensitiveData = true
			case "evaluation_mode":
				var mode string
				if err = singleArg(d, &mode); err == nil {
					m.EvaluationMode = EvaluationMode(mode)
				}
			case "anomaly_threshold":
				err = intArg(d, &m.AnomalyThreshold)
			case "paranoia_level":
				err = intArg(d, &m.ParanoiaLevel)
			case "body_limit":
				var n int
				if err = intArg(d, &n); err == nil {
					m.BodyLimit = int64(n)
				}
			case "ip_whitelist_file":
				err = singleArg(d, &m.IPWhitelistFile)
			case "ip_blacklist_file":
				err = singleArg(d, &m.IPBlacklistFile)
			case "trusted_proxies":
				m.TrustedProxies = append(m.TrustedProxies, d.RemainingArgs()...)
			case "rate_limit":
				err = m.unmarshalRateLimit(d)
			case "block_countries":
				err = countryArgs(d, &m.CountryBlock)
			case "whitelist_countries":
				err = countryArgs(d, &m.CountryWhitelist)
			case "geoip_fallback":
				err = singleArg(d, &m.GeoIPFallback)
			case "geoip_cache_ttl":
				err = durationArg(d, &m.GeoIPCacheTTL)
			case "enabled_rules":
				m.EnabledRules, err = intArgs(d, m.EnabledRules)
			case "disabled_rules":
				m.DisabledRules, err = intArgs(d, m.DisabledRules)
			case "log_severity":
				err = singleArg(d, &m.LogSeverity)
			default:
				return d.Errf("unrecognized waf option: %s", directive)
			}
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *Middleware) unmarshalRateLimit(d *caddyfile.Dispenser) error {
	for nesting := d.Nesting(); d.NextBlock(nesting); {
		var err error
		switch d.Val() {
		case "limit":
			err = intArg(d, &m.RateLimit.Limit)
		case "window":
			err = durationArg(d, &m.RateLimit.Window)
		case "block_duration":
			err = durationArg(d, &m.RateLimit.BlockDuration)
		case "escalate_after":
			err = intArg(d, &m.RateLimit.EscalateAfter)
		case "endpoint":
			args := d.RemainingArgs()
			if len(args) < 2 || len(args) > 3 {
				return d.ArgErr()
			}
			ep := CaddyEndpointLimit{Pattern: args[0]}
			if ep.Limit, err = strconv.Atoi(args[1]); err != nil {
				return d.Errf("invalid endpoint limit %q: %v", args[1], err)
			}
			if len(args) == 3 {
				dur, err := caddy.ParseDuration(args[2])
				if err != nil {
					return d.Errf("invalid endpoint window %q: %v", args[2], err)
				}
				ep.Window = caddy.Duration(dur)
			}
			m.RateLimit.Endpoints = append(m.RateLimit.Endpoints, ep)
		default:
			return d.Errf("unrecognized rate_limit option: %s", d.Val())
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func singleArg(d *caddyfile.Dispenser, dst *string) error {
	if !d.NextArg() {
		return d.ArgErr()
	}
	*dst = d.Val()
	if d.NextArg() {
		return d.ArgErr()
	}
	return nil
}

func intArg(d *caddyfile.Dispenser, dst *int) error {
	var s string
	if err := singleArg(d, &s); err != nil {
		return err
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return d.Errf("invalid integer %q: %v", s, err)
	}
	*dst = n
	return nil
}

func intArgs(d *caddyfile.Dispenser, dst []int) ([]int, error) {
	args := d.RemainingArgs()
	if len(args) == 0 {
		return dst, d.ArgErr()
	}
	for _, a := range args {
		n, err := strconv.Atoi(a)
		if err != nil {
			return dst, d.Errf("invalid rule id %q: %v", a, err)
		}
		dst = append(dst, n)
	}
	return dst, nil
}

func durationArg(d *caddyfile.Dispenser, dst *caddy.Duration) error {
	var s string
	if err := singleArg(d, &s); err != nil {
		return err
	}
	dur, err := caddy.ParseDuration(s)
	if err != nil {
		return d.Errf("invalid duration %q: %v", s, err)
	}
	*dst = caddy.Duration(dur)
	return nil
}

func countryArgs(d *caddyfile.Dispenser, f *CountryAccessFilter) error {
	args := d.RemainingArgs()
	if len(args) < 2 {
		return d.ArgErr()
	}
	f.Enabled = true
	f.GeoIPDBPath = args[0]
	f.CountryList = append(f.CountryList, args[1:]...)
	return nil
}
