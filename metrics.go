package wafproxy

import (
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the core counters. The core only increments and reads them;
// exposition happens through the prometheus.Collector implementation. All
// methods are safe on a nil receiver.
type Metrics struct {
	totalRequests    atomic.Int64
	blockedRequests  atomic.Int64
	observedRequests atomic.Int64
	allowedRequests  atomic.Int64
	rateLimited      atomic.Int64
	ipDenied         atomic.Int64
	geoIPBlocked     atomic.Int64
	upstreamErrors   atomic.Int64
	rulesLoaded      atomic.Int64
	ruleHits         sync.Map // RuleID -> *atomic.Int64
}

// MetricsSnapshot is a point-in-time copy of the counters.
type MetricsSnapshot struct {
	TotalRequests    int64            `json:"total_requests"`
	BlockedRequests  int64            `json:"blocked_requests"`
	ObservedRequests int64            `json:"observed_requests"`
	AllowedRequests  int64            `json:"allowed_requests"`
	RateLimited      int64            `json:"rate_limited_requests"`
	IPDenied         int64            `json:"ip_denied_requests"`
	GeoIPBlocked     int64            `json:"geoip_blocked_requests"`
	UpstreamErrors   int64            `json:"upstream_errors"`
	RulesLoaded      int64            `json:"rules_loaded"`
	RuleHits         map[RuleID]int64 `json:"rule_hits"`
}

func NewMetrics() *Metrics { return &Metrics{} }

func (m *Metrics) incRequests() {
	if m != nil {
		m.totalRequests.Add(1)
	}
}

func (m *Metrics) incBlocked() {
	if m != nil {
		m.blockedRequests.Add(1)
	}
}

func (m *Metrics) incObserved() {
	if m != nil {
		m.observedRequests.Add(1)
	}
}

func (m *Metrics) incAllowed() {
	if m != nil {
		m.allowedRequests.Add(1)
	}
}

func (m *Metrics) incRateLimited() {
	if m != nil {
		m.rateLimited.Add(1)
	}
}

func (m *Metrics) incIPDenied() {
	if m != nil {
		m.ipDenied.Add(1)
	}
}

func (m *Metrics) incGeoIPBlocked() {
	if m != nil {
		m.geoIPBlocked.Add(1)
	}
}

func (m *Metrics) incUpstreamErrors() {
	if m != nil {
		m.upstreamErrors.Add(1)
	}
}

func (m *Metrics) setRulesLoaded(n int) {
	if m != nil {
		m.rulesLoaded.Store(int64(n))
	}
}

func (m *Metrics) recordRuleHit(id int) {
	if m == nil {
		return
	}
	v, _ := m.ruleHits.LoadOrStore(RuleID(id), new(atomic.Int64))
	v.(*atomic.Int64).Add(1)
}

// Snapshot copies all counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil {
		return MetricsSnapshot{}
	}
	s := MetricsSnapshot{
		TotalRequests:    m.totalRequests.Load(),
		BlockedRequests:  m.blockedRequests.Load(),
		ObservedRequests: m.observedRequests.Load(),
		AllowedRequests:  m.allowedRequests.Load(),
		RateLimited:      m.rateLimited.Load(),
		IPDenied:         m.ipDenied.Load(),
		GeoIPBlocked:     m.geoIPBlocked.Load(),
		UpstreamErrors:   m.upstreamErrors.Load(),
		RulesLoaded:      m.rulesLoaded.Load(),
		RuleHits:         map[RuleID]int64{},
	}
	m.ruleHits.Range(func(key, value any) bool {
		s.RuleHits[key.(RuleID)] = value.(*atomic.Int64).Load()
		return true
	})
	return s
}

var _ prometheus.Collector = (*Metrics)(nil)

var (
	descRequests       = prometheus.NewDesc("waf_requests_total", "Requests seen by the WAF.", nil, nil)
	descBlocked        = prometheus.NewDesc("waf_blocked_requests_total", "Requests blocked by a rule.", nil, nil)
	descObserved       = prometheus.NewDesc("waf_observed_requests_total", "Requests that matched a rule without being blocked.", nil, nil)
	descAllowed        = prometheus.NewDesc("waf_allowed_requests_total", "Requests forwarded upstream.", nil, nil)
	descRateLimited    = prometheus.NewDesc("waf_rate_limited_requests_total", "Requests rejected by the rate limiter.", nil, nil)
	descIPDenied       = prometheus.NewDesc("waf_ip_denied_requests_total", "Requests rejected by the IP blacklist.", nil, nil)
	descGeoIPBlocked   = prometheus.NewDesc("waf_geoip_blocked_requests_total", "Requests rejected by the country filter.", nil, nil)
	descUpstreamErrors = prometheus.NewDesc("waf_upstream_errors_total", "Upstream transport failures answered with 502.", nil, nil)
	descRulesLoaded    = prometheus.NewDesc("waf_rules_loaded", "Rules in the active snapshot.", nil, nil)
	descRuleHits       = prometheus.NewDesc("waf_rule_hits_total", "Matches per rule.", []string{"rule_id"}, nil)
)

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		descRequests, descBlocked, descObserved, descAllowed, descRateLimited,
		descIPDenied, descGeoIPBlocked, descUpstreamErrors, descRulesLoaded, descRuleHits,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	s := m.Snapshot()
	counters := []struct {
		desc *prometheus.Desc
		v    int64
	}{
		{descRequests, s.TotalRequests},
		{descBlocked, s.BlockedRequests},
		{descObserved, s.ObservedRequests},
		{descAllowed, s.AllowedRequests},
		{descRateLimited, s.RateLimited},
		{descIPDenied, s.IPDenied},
		{descGeoIPBlocked, s.GeoIPBlocked},
		{descUpstreamErrors, s.UpstreamErrors},
	}
	for _, c := range counters {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.CounterValue, float64(c.v))
	}
	ch <- prometheus.MustNewConstMetric(descRulesLoaded, prometheus.GaugeValue, float64(s.RulesLoaded))
	for id, hits := range s.RuleHits {
		ch <- prometheus.MustNewConstMetric(descRuleHits, prometheus.CounterValue, float64(hits), strconv.Itoa(int(id)))
	}
}
