package wafproxy

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/phemmer/go-iptrie"
	"go.uber.org/zap"
)

// IPList holds single addresses and CIDR ranges. It is not safe for
// concurrent use on its own; IPFilter guards it.
type IPList struct {
	ips      map[netip.Addr]struct{}
	prefixes map[netip.Prefix]struct{}
	trie     *iptrie.Trie
}

// NewIPList returns an empty list.
func NewIPList() *IPList {
	return &IPList{
		ips:      map[netip.Addr]struct{}{},
		prefixes: map[netip.Prefix]struct{}{},
		trie:     iptrie.NewTrie(),
	}
}

// ParseIPList reads one IP or CIDR per line. Blank lines and # comments are
// ignored; any other malformed line fails the whole list.
func ParseIPList(r io.Reader) (*IPList, error) {
	l := NewIPList()
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}
		if line == "" {
			continue
		}
		if err := l.Add(line); err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return l, nil
}

// LoadIPListFile parses a list file.
func LoadIPListFile(path string) (*IPList, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	l, err := ParseIPList(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return l, nil
}

func parseEntry(entry string) (netip.Addr, netip.Prefix, bool, error) {
	entry = strings.TrimSpace(entry)
	if strings.Contains(entry, "/") {
		p, err := netip.ParsePrefix(entry)
		if err != nil {
			return netip.Addr{}, netip.Prefix{}, false, fmt.Errorf("%w %q: %v", ErrInvalidCIDR, entry, err)
		}
		if p.Addr().Is4In6() {
			bits := p.Bits() - 96
			if bits < 0 {
				return netip.Addr{}, netip.Prefix{}, false, fmt.Errorf("%w %q: prefix too short for a mapped IPv4 address", ErrInvalidCIDR, entry)
			}
			p = netip.PrefixFrom(p.Addr().Unmap(), bits)
		}
		return netip.Addr{}, p.Masked(), true, nil
	}
	a, err := netip.ParseAddr(entry)
	if err != nil {
		return netip.Addr{}, netip.Prefix{}, false, fmt.Errorf("%w %q", ErrInvalidIP, entry)
	}
	return a.Unmap().WithZone(""), netip.Prefix{}, false, nil
}

// Add inserts an IP or CIDR.
func (l *IPList) Add(entry string) error {
	addr, prefix, isPrefix, err := parseEntry(entry)
	if err != nil {
		return err
	}
	if isPrefix {
		if _, ok := l.prefixes[prefix]; !ok {
			l.prefixes[prefix] = struct{}{}
			l.trie.Insert(prefix, nil)
		}
		return nil
	}
	l.ips[addr] = struct{}{}
	return nil
}

// Remove deletes an IP or CIDR and reports whether it was present.
func (l *IPList) Remove(entry string) (bool, error) {
	addr, prefix, isPrefix, err := parseEntry(entry)
	if err != nil {
		return false, err
	}
	if isPrefix {
		if _, ok := l.prefixes[prefix]; !ok {
			return false, nil
		}
		delete(l.prefixes, prefix)
		l.trie.Remove(prefix)
		return true, nil
	}
	if _, ok := l.ips[addr]; !ok {
		return false, nil
	}
	delete(l.ips, addr)
	return true, nil
}

// Contains checks exact membership first, then CIDR containment.
func (l *IPList) Contains(addr netip.Addr) bool {
	if _, ok := l.ips[addr]; ok {
		return true
	}
	if len(l.prefixes) == 0 {
		return false
	}
	return l.trie.Contains(addr)
}

// Len returns the number of entries.
func (l *IPList) Len() int { return len(l.ips) + len(l.prefixes) }

// IPFilter applies whitelist, then blacklist, then default allow.
type IPFilter struct {
	mu        sync.RWMutex
	whitelist *IPList
	blacklist *IPList
	metrics   *Metrics
	logger    *zap.Logger

	whitelistPath string
	blacklistPath string
}

// NewIPFilter returns a filter with empty lists.
func NewIPFilter(logger *zap.Logger, metrics *Metrics) *IPFilter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IPFilter{
		whitelist: NewIPList(),
		blacklist: NewIPList(),
		metrics:   metrics,
		logger:    logger,
	}
}

// IsAllowed classifies a client address. Unparsable addresses fail open.
func (f *IPFilter) IsAllowed(ip string) IPFilterDecision {
	addr, err := netip.ParseAddr(extractIP(ip))
	if err != nil {
		return IPFilterDecision{Allowed: true, Source: SourceDefault, Reason: "unparsable client address"}
	}
	addr = addr.Unmap().WithZone("")

	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.whitelist.Contains(addr) {
		return IPFilterDecision{Allowed: true, Source: SourceWhitelist, Reason: "whitelisted"}
	}
	if f.blacklist.Contains(addr) {
		f.metrics.incIPDenied()
		return IPFilterDecision{Allowed: false, Source: SourceBlacklist, Reason: "blacklisted"}
	}
	return IPFilterDecision{Allowed: true, Source: SourceDefault, Reason: "not listed"}
}

// Replace swaps both lists at once. A nil list leaves that side unchanged.
func (f *IPFilter) Replace(whitelist, blacklist *IPList) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if whitelist != nil {
		f.whitelist = whitelist
	}
	if blacklist != nil {
		f.blacklist = blacklist
	}
}

// LoadFiles parses both files (empty path = empty list) before swapping, so
// a bad file leaves the current lists untouched.
func (f *IPFilter) LoadFiles(whitelistPath, blacklistPath string) error {
	wl, bl := NewIPList(), NewIPList()
	var err error
	if whitelistPath != "" {
		if wl, err = LoadIPListFile(whitelistPath); err != nil {
			return fmt.Errorf("whitelist: %w", err)
		}
	}
	if blacklistPath != "" {
		if bl, err = LoadIPListFile(blacklistPath); err != nil {
			return fmt.Errorf("blacklist: %w", err)
		}
	}
	f.Replace(wl, bl)

	f.mu.Lock()
	f.whitelistPath, f.blacklistPath = whitelistPath, blacklistPath
	f.mu.Unlock()

	f.logger.Info("IP lists loaded",
		zap.String("whitelist_file", whitelistPath), zap.Int("whitelist_entries", wl.Len()),
		zap.String("blacklist_file", blacklistPath), zap.Int("blacklist_entries", bl.Len()))
	return nil
}

func (f *IPFilter) AddWhitelist(entry string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.whitelist.Add(entry)
}

func (f *IPFilter) AddBlacklist(entry string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.blacklist.Add(entry)
}

func (f *IPFilter) RemoveWhitelist(entry string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.whitelist.Remove(entry)
}

func (f *IPFilter) RemoveBlacklist(entry string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.blacklist.Remove(entry)
}

// Counts returns the number of whitelist and blacklist entries.
func (f *IPFilter) Counts() (int, int) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.whitelist.Len(), f.blacklist.Len()
}

// Watch reloads the list files when they change until ctx is done. The
// parent directories are watched because editors replace files by rename.
func (f *IPFilter) Watch(ctx context.Context) error {
	f.mu.RLock()
	paths := []string{f.whitelistPath, f.blacklistPath}
	f.mu.RUnlock()

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	targets := map[string]struct{}{}
	for _, p := range paths {
		if p == "" {
			continue
		}
		abs, err := filepath.Abs(p)
		if err != nil {
			continue
		}
		targets[abs] = struct{}{}
		if err := w.Add(filepath.Dir(abs)); err != nil {
			w.Close()
			return err
		}
	}
	if len(targets) == 0 {
		w.Close()
		return nil
	}

	go func() {
		defer w.Close()
		var debounce *time.Timer
		reload := func() {
			if err := f.LoadFiles(paths[0], paths[1]); err != nil {
				f.logger.Warn("IP list reload failed, keeping current lists", zap.Error(err))
			}
		}
		for {
			select {
			case <-ctx.Done():
				if debounce != nil {
					debounce.Stop()
				}
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				name, _ := filepath.Abs(ev.Name)
				if _, ok := targets[name]; !ok {
					continue
				}
				if debounce == nil {
					debounce = time.AfterFunc(watchDebounce, reload)
				} else {
					debounce.Reset(watchDebounce)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				f.logger.Warn("IP list watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}
