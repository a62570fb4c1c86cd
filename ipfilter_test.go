package wafproxy

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseIPList(t *testing.T) {
	l, err := ParseIPList(strings.NewReader(`
# office
192.168.1.0/24
10.0.0.5   # jump host

2001:db8::/32
::ffff:172.16.0.0/108
203.0.113.7
`))
	require.NoError(t, err)
	assert.Equal(t, 5, l.Len())

	_, err = ParseIPList(strings.NewReader("10.0.0.1\nnot-an-ip\n"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidIP)
	assert.Contains(t, err.Error(), "line 2")

	_, err = ParseIPList(strings.NewReader("10.0.0.0/33\n"))
	assert.ErrorIs(t, err, ErrInvalidCIDR)
}

func TestIPFilter_IsAllowed(t *testing.T) {
	metrics := NewMetrics()
	f := NewIPFilter(nil, metrics)
	require.NoError(t, f.AddBlacklist("192.168.1.0/24"))
	require.NoError(t, f.AddBlacklist("2001:db8::/32"))
	require.NoError(t, f.AddBlacklist("198.51.100.7"))
	require.NoError(t, f.AddWhitelist("192.168.1.10"))
	require.NoError(t, f.AddWhitelist("::ffff:172.16.0.0/108"))
	require.NoError(t, f.AddBlacklist("172.16.0.0/12"))

	tests := []struct {
		name    string
		ip      string
		allowed bool
		source  ListSource
	}{
		{name: "cidr first address", ip: "192.168.1.1", allowed: false, source: SourceBlacklist},
		{name: "cidr broadcast address", ip: "192.168.1.255", allowed: false, source: SourceBlacklist},
		{name: "outside cidr", ip: "192.168.2.1", allowed: true, source: SourceDefault},
		{name: "whitelist beats blacklist", ip: "192.168.1.10", allowed: true, source: SourceWhitelist},
		{name: "with port", ip: "198.51.100.7:443", allowed: false, source: SourceBlacklist},
		{name: "ipv6 in range", ip: "2001:db8::1", allowed: false, source: SourceBlacklist},
		{name: "ipv6 with port", ip: "[2001:db8:ffff::2]:8080", allowed: false, source: SourceBlacklist},
		{name: "ipv6 outside", ip: "2001:db9::1", allowed: true, source: SourceDefault},
		{name: "mapped ipv4 whitelist", ip: "172.16.5.5", allowed: true, source: SourceWhitelist},
		{name: "mapped client address", ip: "::ffff:198.51.100.7", allowed: false, source: SourceBlacklist},
		{name: "malformed fails open", ip: "not-an-ip", allowed: true, source: SourceDefault},
		{name: "empty fails open", ip: "", allowed: true, source: SourceDefault},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := f.IsAllowed(tt.ip)
			assert.Equal(t, tt.allowed, d.Allowed)
			assert.Equal(t, tt.source, d.Source)
			assert.NotEmpty(t, d.Reason)
		})
	}
	assert.EqualValues(t, 6, metrics.Snapshot().IPDenied)
}

func TestIPFilter_AddRemove(t *testing.T) {
	f := NewIPFilter(nil, nil)
	require.NoError(t, f.AddBlacklist("10.0.0.0/8"))
	assert.False(t, f.IsAllowed("10.1.2.3").Allowed)

	removed, err := f.RemoveBlacklist("10.0.0.0/8")
	require.NoError(t, err)
	assert.True(t, removed)
	assert.True(t, f.IsAllowed("10.1.2.3").Allowed)

	removed, err = f.RemoveBlacklist("10.0.0.0/8")
	require.NoError(t, err)
	assert.False(t, removed)

	require.NoError(t, f.AddWhitelist("10.1.2.3"))
	removed, err = f.RemoveWhitelist("10.1.2.3")
	require.NoError(t, err)
	assert.True(t, removed)

	assert.Error(t, f.AddBlacklist("999.1.1.1"))
	_, err = f.RemoveWhitelist("bogus/99")
	assert.Error(t, err)

	wl, bl := f.Counts()
	assert.Zero(t, wl)
	assert.Zero(t, bl)
}

func TestIPFilter_LoadFiles(t *testing.T) {
	dir := t.TempDir()
	wlPath := filepath.Join(dir, "whitelist.txt")
	blPath := filepath.Join(dir, "blacklist.txt")
	require.NoError(t, os.WriteFile(wlPath, []byte("10.0.0.1\n"), 0o644))
	require.NoError(t, os.WriteFile(blPath, []byte("10.0.0.0/24\n# comment\n"), 0o644))

	f := NewIPFilter(nil, nil)
	require.NoError(t, f.LoadFiles(wlPath, blPath))
	wl, bl := f.Counts()
	assert.Equal(t, 1, wl)
	assert.Equal(t, 1, bl)
	assert.True(t, f.IsAllowed("10.0.0.1").Allowed)
	assert.False(t, f.IsAllowed("10.0.0.2").Allowed)

	require.NoError(t, os.WriteFile(blPath, []byte("10.0.0.0/24\ngarbage\n"), 0o644))
	assert.Error(t, f.LoadFiles(wlPath, blPath))
	assert.False(t, f.IsAllowed("10.0.0.2").Allowed, "a bad file keeps the current lists")

	assert.Error(t, f.LoadFiles(filepath.Join(dir, "missing.txt"), ""))
	_, bl = f.Counts()
	assert.Equal(t, 1, bl)

	require.NoError(t, f.LoadFiles("", ""))
	wl, bl = f.Counts()
	assert.Zero(t, wl+bl)
}

func TestIPFilter_Watch(t *testing.T) {
	dir := t.TempDir()
	blPath := filepath.Join(dir, "blacklist.txt")
	require.NoError(t, os.WriteFile(blPath, []byte("10.0.0.1\n"), 0o644))

	f := NewIPFilter(nil, nil)
	require.NoError(t, f.LoadFiles("", blPath))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, f.Watch(ctx))

	require.NoError(t, os.WriteFile(blPath, []byte("10.0.0.1\n10.0.0.2\n"), 0o644))
	assert.Eventually(t, func() bool {
		return !f.IsAllowed("10.0.0.2").Allowed
	}, 5*time.Second, 25*time.Millisecond)
}
