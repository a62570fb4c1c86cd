package wafproxy

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/oschwald/maxminddb-golang"
	"go.uber.org/zap"
)

const (
	geoIPFallbackAllow = "allow"
	geoIPFallbackBlock = "block"
	// cache is dropped wholesale past this size
	maxGeoIPCacheEntries = 100_000
)

// GeoIPRecord struct
type GeoIPRecord struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
}

// CountryAccessFilter struct
type CountryAccessFilter struct {
	Enabled     bool              `yaml:"enabled" json:"enabled"`
	CountryList []string          `yaml:"country_list" json:"country_list"`
	GeoIPDBPath string            `yaml:"geoip_db_path" json:"geoip_db_path"`
	geoIP       *maxminddb.Reader `json:"-"`
}

type geoIPCacheEntry struct {
	country string
	expires time.Time
}

// GeoIPHandler resolves client addresses to ISO country codes.
type GeoIPHandler struct {
	logger                      *zap.Logger
	mu                          sync.RWMutex
	geoIPCache                  map[string]geoIPCacheEntry
	geoIPCacheTTL               time.Duration
	geoIPLookupFallbackBehavior string
}

// NewGeoIPHandler creates a handler without a cache.
func NewGeoIPHandler(logger *zap.Logger) *GeoIPHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GeoIPHandler{logger: logger}
}

// WithGeoIPCache enables caching of lookups for ttl.
func (gh *GeoIPHandler) WithGeoIPCache(ttl time.Duration) {
	gh.mu.Lock()
	defer gh.mu.Unlock()
	gh.geoIPCacheTTL = ttl
	gh.geoIPCache = make(map[string]geoIPCacheEntry)
}

// WithGeoIPLookupFallbackBehavior sets what a failed lookup means: "block"
// treats the address as listed, anything else ("allow", "none") as unlisted.
func (gh *GeoIPHandler) WithGeoIPLookupFallbackBehavior(behavior string) {
	gh.geoIPLookupFallbackBehavior = behavior
}

// LoadGeoIPDatabase opens a MaxMind database.
func (gh *GeoIPHandler) LoadGeoIPDatabase(path string) (*maxminddb.Reader, error) {
	if path == "" {
		return nil, errors.New("no GeoIP database path specified")
	}
	gh.logger.Debug("Loading GeoIP database", zap.String("path", path))
	reader, err := maxminddb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("load GeoIP database %s: %w", path, err)
	}
	return reader, nil
}

// IsCountryInList reports whether the address resolves to one of the
// countries in countryList. Cached answers are used even without a
// database.
func (gh *GeoIPHandler) IsCountryInList(remoteAddr string, countryList []string, geoIP *maxminddb.Reader) (bool, error) {
	country, err := gh.lookupCountry(remoteAddr, geoIP)
	if err != nil {
		if gh.geoIPLookupFallbackBehavior == geoIPFallbackBlock {
			gh.logger.Debug("GeoIP lookup failed, treating address as listed", zap.String("ip", remoteAddr), zap.Error(err))
			return true, nil
		}
		return false, err
	}
	for _, c := range countryList {
		if strings.EqualFold(c, country) {
			return true, nil
		}
	}
	return false, nil
}

// GetCountryCode returns the ISO code for the address, or "N/A".
func (gh *GeoIPHandler) GetCountryCode(remoteAddr string, geoIP *maxminddb.Reader) string {
	country, err := gh.lookupCountry(remoteAddr, geoIP)
	if err != nil || country == "" {
		return "N/A"
	}
	return country
}

func (gh *GeoIPHandler) lookupCountry(remoteAddr string, geoIP *maxminddb.Reader) (string, error) {
	ipStr := extractIP(remoteAddr)
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return "", fmt.Errorf("%w %q", ErrInvalidIP, ipStr)
	}

	if country, ok := gh.cached(ipStr); ok {
		return country, nil
	}
	if geoIP == nil {
		return "", errors.New("GeoIP database not loaded")
	}

	var record GeoIPRecord
	if err := geoIP.Lookup(ip, &record); err != nil {
		return "", fmt.Errorf("GeoIP lookup for %s: %w", ipStr, err)
	}
	country := strings.ToUpper(record.Country.ISOCode)
	if country == "" {
		return "", fmt.Errorf("no country for %s", ipStr)
	}
	gh.store(ipStr, country)
	return country, nil
}

func (gh *GeoIPHandler) cached(ip string) (string, bool) {
	gh.mu.RLock()
	defer gh.mu.RUnlock()
	if gh.geoIPCache == nil {
		return "", false
	}
	e, ok := gh.geoIPCache[ip]
	if !ok || time.Now().After(e.expires) {
		return "", false
	}
	return e.country, true
}

func (gh *GeoIPHandler) store(ip, country string) {
	gh.mu.Lock()
	defer gh.mu.Unlock()
	if gh.geoIPCache == nil {
		return
	}
	if len(gh.geoIPCache) >= maxGeoIPCacheEntries {
		gh.geoIPCache = make(map[string]geoIPCacheEntry)
	}
	gh.geoIPCache[ip] = geoIPCacheEntry{country: country, expires: time.Now().Add(gh.geoIPCacheTTL)}
}

// CountryFilter is the optional country gate between the IP filter and the
// rate limiter.
type CountryFilter struct {
	block     CountryAccessFilter
	whitelist CountryAccessFilter
	handler   *GeoIPHandler
	metrics   *Metrics
	logger    *zap.Logger
}

// GeoIPConfig configures the country gate.
type GeoIPConfig struct {
	CountryBlock     CountryAccessFilter `yaml:"country_block" json:"country_block"`
	CountryWhitelist CountryAccessFilter `yaml:"country_whitelist" json:"country_whitelist"`
	CacheTTL         time.Duration       `yaml:"cache_ttl" json:"cache_ttl"`
	// Fallback is "allow" (default) or "block".
	Fallback string `yaml:"fallback" json:"fallback"`
}

// Enabled reports whether either list is active.
func (c GeoIPConfig) Enabled() bool {
	return c.CountryBlock.Enabled || c.CountryWhitelist.Enabled
}

// NewCountryFilter opens the configured databases. A list that is enabled
// without a database is a configuration error.
func NewCountryFilter(cfg GeoIPConfig, logger *zap.Logger, metrics *Metrics) (*CountryFilter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := NewGeoIPHandler(logger)
	if cfg.CacheTTL > 0 {
		h.WithGeoIPCache(cfg.CacheTTL)
	}
	fallback := cfg.Fallback
	if fallback == "" {
		fallback = geoIPFallbackAllow
	}
	h.WithGeoIPLookupFallbackBehavior(fallback)

	f := &CountryFilter{block: cfg.CountryBlock, whitelist: cfg.CountryWhitelist, handler: h, metrics: metrics, logger: logger}
	readers := map[string]*maxminddb.Reader{}
	for _, af := range []*CountryAccessFilter{&f.block, &f.whitelist} {
		if !af.Enabled {
			continue
		}
		if r, ok := readers[af.GeoIPDBPath]; ok {
			af.geoIP = r
			continue
		}
		r, err := h.LoadGeoIPDatabase(af.GeoIPDBPath)
		if err != nil {
			f.Close()
			return nil, err
		}
		readers[af.GeoIPDBPath] = r
		af.geoIP = r
	}
	return f, nil
}

// Check applies the whitelist, then the block list. Lookup failures follow
// the fallback policy.
func (f *CountryFilter) Check(ip string) (bool, string) {
	if f.whitelist.Enabled {
		country, err := f.handler.lookupCountry(ip, f.whitelist.geoIP)
		switch {
		case err != nil && f.handler.geoIPLookupFallbackBehavior == geoIPFallbackBlock:
			f.metrics.incGeoIPBlocked()
			return false, "country lookup failed"
		case err != nil:
			f.logger.Debug("Country whitelist lookup failed", zap.String("ip", ip), zap.Error(err))
		case !containsFold(f.whitelist.CountryList, country):
			f.metrics.incGeoIPBlocked()
			return false, "country not whitelisted: " + country
		}
	}
	if f.block.Enabled {
		in, err := f.handler.IsCountryInList(ip, f.block.CountryList, f.block.geoIP)
		if err != nil {
			f.logger.Debug("Country block lookup failed", zap.String("ip", ip), zap.Error(err))
		} else if in {
			f.metrics.incGeoIPBlocked()
			return false, "country blocked: " + f.handler.GetCountryCode(ip, f.block.geoIP)
		}
	}
	return true, ""
}

// Close releases the databases.
func (f *CountryFilter) Close() error {
	var errs []error
	seen := map[*maxminddb.Reader]struct{}{}
	for _, af := range []*CountryAccessFilter{&f.block, &f.whitelist} {
		if af.geoIP == nil {
			continue
		}
		if _, ok := seen[af.geoIP]; ok {
			continue
		}
		seen[af.geoIP] = struct{}{}
		errs = append(errs, af.geoIP.Close())
	}
	return errors.Join(errs...)
}
