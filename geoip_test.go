package wafproxy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewGeoIPHandler(t *testing.T) {
	handler := NewGeoIPHandler(nil)
	require.NotNil(t, handler)
	assert.NotNil(t, handler.logger, "nil logger is replaced by a no-op logger")
	assert.Nil(t, handler.geoIPCache, "caching is off until requested")
}

func TestWithGeoIPCache(t *testing.T) {
	handler := NewGeoIPHandler(zap.NewNop())
	handler.WithGeoIPCache(5 * time.Minute)

	assert.NotNil(t, handler.geoIPCache)
	assert.Equal(t, 5*time.Minute, handler.geoIPCacheTTL)

	handler.store(googleUSIP, "US")
	country, ok := handler.cached(googleUSIP)
	assert.True(t, ok)
	assert.Equal(t, "US", country)

	handler.WithGeoIPCache(-time.Second)
	handler.store(googleUSIP, "US")
	_, ok = handler.cached(googleUSIP)
	assert.False(t, ok, "expired entries are ignored")
}

func TestLoadGeoIPDatabase(t *testing.T) {
	handler := NewGeoIPHandler(nil)

	tests := []struct {
		name string
		path string
	}{
		{name: "empty path", path: ""},
		{name: "missing file", path: "/invalid/path/" + geoIPdata},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := handler.LoadGeoIPDatabase(tt.path)
			assert.Error(t, err)
			assert.Nil(t, r)
		})
	}
}

func TestIsCountryInList(t *testing.T) {
	tests := []struct {
		name     string
		addr     string
		fallback string
		cached   bool
		want     bool
		wantErr  bool
	}{
		{name: "nil database", addr: localIP, wantErr: true},
		{name: "nil database with block fallback", addr: localIP, fallback: geoIPFallbackBlock, want: true},
		{name: "invalid address", addr: "invalid-ip", wantErr: true},
		{name: "cached listed", addr: googleUSIP, cached: true, want: true},
		{name: "cached unlisted", addr: googleRUIP, cached: true, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewGeoIPHandler(nil)
			handler.WithGeoIPLookupFallbackBehavior(tt.fallback)
			if tt.cached {
				handler.WithGeoIPCache(time.Hour)
				handler.store(googleUSIP, "US")
				handler.store(googleRUIP, "RU")
			}
			got, err := handler.IsCountryInList(tt.addr, []string{"US"}, nil)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGetCountryCode(t *testing.T) {
	handler := NewGeoIPHandler(nil)
	assert.Equal(t, "N/A", handler.GetCountryCode(localIP, nil))
	assert.Equal(t, "N/A", handler.GetCountryCode("invalid-ip", nil))

	handler.WithGeoIPCache(time.Hour)
	handler.store(googleBRIP, "BR")
	assert.Equal(t, "BR", handler.GetCountryCode(googleBRIP, nil))
}

func TestLookupCountry(t *testing.T) {
	handler := NewGeoIPHandler(nil)
	handler.WithGeoIPCache(time.Hour)
	handler.store(aliCNIP, "CN")

	country, err := handler.lookupCountry(aliCNIP+":443", nil)
	require.NoError(t, err, "cached answers do not need the database")
	assert.Equal(t, "CN", country)

	_, err = handler.lookupCountry("invalid-ip", nil)
	assert.ErrorIs(t, err, ErrInvalidIP)

	_, err = handler.lookupCountry(googleBRIP, nil)
	assert.Error(t, err)
}

// newCachedCountryFilter builds a filter whose lookups are answered from the
// cache, so no database file is needed.
func newCachedCountryFilter(block, whitelist []string, fallback string, known map[string]string) (*CountryFilter, *Metrics) {
	h := NewGeoIPHandler(nil)
	h.WithGeoIPCache(time.Hour)
	h.WithGeoIPLookupFallbackBehavior(fallback)
	for ip, cc := range known {
		h.store(ip, cc)
	}
	m := NewMetrics()
	return &CountryFilter{
		block:     CountryAccessFilter{Enabled: len(block) > 0, CountryList: block},
		whitelist: CountryAccessFilter{Enabled: len(whitelist) > 0, CountryList: whitelist},
		handler:   h,
		metrics:   m,
		logger:    zap.NewNop(),
	}, m
}

func TestCountryFilter_Check(t *testing.T) {
	known := map[string]string{
		googleUSIP: "US",
		googleRUIP: "RU",
		aliCNIP:    "CN",
	}

	tests := []struct {
		name      string
		block     []string
		whitelist []string
		fallback  string
		ip        string
		allowed   bool
	}{
		{name: "blocked country", block: []string{"RU", "CN"}, ip: googleRUIP, allowed: false},
		{name: "block list is case insensitive", block: []string{"cn"}, ip: aliCNIP, allowed: false},
		{name: "unlisted country", block: []string{"RU"}, ip: googleUSIP, allowed: true},
		{name: "unknown address allowed", block: []string{"RU"}, fallback: geoIPFallbackAllow, ip: googleBRIP, allowed: true},
		{name: "unknown address blocked", block: []string{"RU"}, fallback: geoIPFallbackBlock, ip: googleBRIP, allowed: false},
		{name: "whitelisted country", whitelist: []string{"US"}, ip: googleUSIP, allowed: true},
		{name: "not whitelisted", whitelist: []string{"US"}, ip: aliCNIP, allowed: false},
		{name: "whitelist unknown allowed", whitelist: []string{"US"}, fallback: geoIPFallbackAllow, ip: googleBRIP, allowed: true},
		{name: "whitelist unknown blocked", whitelist: []string{"US"}, fallback: geoIPFallbackBlock, ip: googleBRIP, allowed: false},
		{name: "whitelist then block", whitelist: []string{"US", "RU"}, block: []string{"RU"}, ip: googleRUIP, allowed: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, m := newCachedCountryFilter(tt.block, tt.whitelist, tt.fallback, known)
			allowed, reason := f.Check(tt.ip)
			assert.Equal(t, tt.allowed, allowed)
			if tt.allowed {
				assert.Empty(t, reason)
				assert.Zero(t, m.Snapshot().GeoIPBlocked)
			} else {
				assert.NotEmpty(t, reason)
				assert.EqualValues(t, 1, m.Snapshot().GeoIPBlocked)
			}
		})
	}
}

func TestNewCountryFilter_RequiresDatabase(t *testing.T) {
	_, err := NewCountryFilter(GeoIPConfig{
		CountryBlock: CountryAccessFilter{Enabled: true, CountryList: []string{"RU"}},
	}, nil, nil)
	assert.Error(t, err)

	f, err := NewCountryFilter(GeoIPConfig{}, nil, nil)
	require.NoError(t, err, "nothing enabled, nothing to open")
	assert.NoError(t, f.Close())
}
