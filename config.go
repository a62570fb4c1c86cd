package wafproxy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the standalone proxy configuration.
type Config struct {
	Listen        string `yaml:"listen" json:"listen"`
	MetricsListen string `yaml:"metrics_listen" json:"metrics_listen"`

	RulesDir         string         `yaml:"rules_dir" json:"rules_dir"`
	ReloadInterval   time.Duration  `yaml:"reload_interval" json:"reload_interval"`
	WatchRules       bool           `yaml:"watch_rules" json:"watch_rules"`
	FailOnEmptyRules bool           `yaml:"fail_on_empty_rules" json:"fail_on_empty_rules"`
	ObserveMode      bool           `yaml:"observe_mode" json:"observe_mode"`
	EvaluationMode   EvaluationMode `yaml:"evaluation_mode" json:"evaluation_mode"`
	AnomalyThreshold int            `yaml:"anomaly_threshold" json:"anomaly_threshold"`
	ParanoiaLevel    int            `yaml:"paranoia_level" json:"paranoia_level"`
	BodyLimit        int64          `yaml:"body_limit" json:"body_limit"`
	MaxRequestBody   int64          `yaml:"max_request_body" json:"max_request_body"`

	TrustedProxies  []string `yaml:"trusted_proxies" json:"trusted_proxies"`
	IPWhitelistFile string   `yaml:"ip_whitelist_file" json:"ip_whitelist_file"`
	IPBlacklistFile string   `yaml:"ip_blacklist_file" json:"ip_blacklist_file"`

	RateLimit RateLimit      `yaml:"rate_limit" json:"rate_limit"`
	Pool      PoolConfig     `yaml:"pool" json:"pool"`
	GeoIP     GeoIPConfig    `yaml:"geoip" json:"geoip"`
	Domains   []DomainConfig `yaml:"domains" json:"domains"`
	Logging   LoggingConfig  `yaml:"logging" json:"logging"`

	trustedPrefixes []netip.Prefix
}

// DomainConfig maps a Host to an upstream. Host "*" catches every host
// without its own entry.
type DomainConfig struct {
	Host          string `yaml:"host" json:"host"`
	Upstream      string `yaml:"upstream" json:"upstream"`
	VerifySSL     *bool  `yaml:"verify_ssl,omitempty" json:"verify_ssl,omitempty"`
	PreserveHost  *bool  `yaml:"preserve_host,omitempty" json:"preserve_host,omitempty"`
	HostOverride  string `yaml:"host_override,omitempty" json:"host_override,omitempty"`
	Threshold     int    `yaml:"threshold,omitempty" json:"threshold,omitempty"`
	EnabledRules  []int  `yaml:"enabled_rules,omitempty" json:"enabled_rules,omitempty"`
	DisabledRules []int  `yaml:"disabled_rules,omitempty" json:"disabled_rules,omitempty"`
}

// DefaultConfig returns a configuration with every default applied.
func DefaultConfig() *Config {
	c := &Config{Pool: PoolConfig{Enabled: true, Size: defaultPoolSize}}
	c.setDefaults()
	return c
}

func (c *Config) setDefaults() {
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.ReloadInterval <= 0 {
		c.ReloadInterval = defaultReloadInterval
	}
	if c.EvaluationMode == "" {
		c.EvaluationMode = ModeFirstMatch
	}
	if c.AnomalyThreshold <= 0 {
		c.AnomalyThreshold = defaultAnomalyThreshold
	}
	if c.BodyLimit <= 0 {
		c.BodyLimit = defaultBodyInspectLimit
	}
	if c.MaxRequestBody <= 0 {
		c.MaxRequestBody = defaultMaxRequestBody
	}
	if c.MaxRequestBody < c.BodyLimit {
		c.MaxRequestBody = c.BodyLimit
	}
	c.RateLimit.setDefaults()
	c.Pool.setDefaults()
	if c.GeoIP.Fallback == "" {
		c.GeoIP.Fallback = geoIPFallbackAllow
	}
	c.Logging.setDefaults()
}

// Validate checks the configuration and resolves derived values.
func (c *Config) Validate() error {
	var errs []error
	if c.RulesDir == "" {
		errs = append(errs, errors.New("rules_dir is required"))
	}
	if err := c.EvaluationMode.validate(); err != nil {
		errs = append(errs, err)
	}
	if c.ParanoiaLevel < 0 || c.ParanoiaLevel > 4 {
		errs = append(errs, fmt.Errorf("paranoia_level must be between 0 and 4, got %d", c.ParanoiaLevel))
	}
	for _, ep := range c.RateLimit.Endpoints {
		if _, err := compileEndpoint(ep, c.RateLimit); err != nil {
			errs = append(errs, err)
		}
	}

	c.trustedPrefixes = c.trustedPrefixes[:0]
	for _, tp := range c.TrustedProxies {
		_, p, isPrefix, err := parseEntry(tp)
		if err != nil {
			errs = append(errs, fmt.Errorf("trusted_proxies: %w", err))
			continue
		}
		if !isPrefix {
			a, _ := netip.ParseAddr(strings.TrimSpace(tp))
			a = a.Unmap()
			p = netip.PrefixFrom(a, a.BitLen())
		}
		c.trustedPrefixes = append(c.trustedPrefixes, p)
	}

	switch c.GeoIP.Fallback {
	case geoIPFallbackAllow, geoIPFallbackBlock, "none", "":
	default:
		errs = append(errs, fmt.Errorf("geoip.fallback must be allow or block, got %q", c.GeoIP.Fallback))
	}
	for name, f := range map[string]CountryAccessFilter{"country_block": c.GeoIP.CountryBlock, "country_whitelist": c.GeoIP.CountryWhitelist} {
		if f.Enabled && f.GeoIPDBPath == "" {
			errs = append(errs, fmt.Errorf("geoip.%s is enabled without geoip_db_path", name))
		}
	}

	seen := map[string]struct{}{}
	for i, d := range c.Domains {
		if err := d.validate(); err != nil {
			errs = append(errs, fmt.Errorf("domains[%d]: %w", i, err))
			continue
		}
		host := strings.ToLower(d.Host)
		if _, dup := seen[host]; dup {
			errs = append(errs, fmt.Errorf("domains[%d]: duplicate host %q", i, d.Host))
		}
		seen[host] = struct{}{}
	}
	if err := c.Logging.validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// TrustedPrefixes returns the parsed trusted_proxies after Validate.
func (c *Config) TrustedPrefixes() []netip.Prefix { return c.trustedPrefixes }

func (d DomainConfig) validate() error {
	if strings.TrimSpace(d.Host) == "" {
		return errors.New("host is required")
	}
	_, err := d.upstream()
	return err
}

func (d DomainConfig) upstream() (*Upstream, error) {
	verify, preserve := true, true
	if d.VerifySSL != nil {
		verify = *d.VerifySSL
	}
	if d.PreserveHost != nil {
		preserve = *d.PreserveHost
	}
	return ParseUpstream(d.Upstream, verify, preserve, d.HostOverride)
}

func (d DomainConfig) evaluateOptions() *EvaluateOptions {
	if d.Threshold <= 0 && len(d.EnabledRules) == 0 && len(d.DisabledRules) == 0 {
		return nil
	}
	return &EvaluateOptions{
		Threshold:     d.Threshold,
		EnabledRules:  idSet(d.EnabledRules),
		DisabledRules: idSet(d.DisabledRules),
	}
}

func idSet(ids []int) map[int]struct{} {
	if len(ids) == 0 {
		return nil
	}
	m := make(map[int]struct{}, len(ids))
	for _, id := range ids {
		m[id] = struct{}{}
	}
	return m
}

// LoadConfig reads, defaults and validates a YAML configuration file.
// Unknown keys are rejected.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := ParseConfig(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// ParseConfig decodes a YAML document into a validated Config.
func ParseConfig(data []byte) (*Config, error) {
	cfg := &Config{Pool: PoolConfig{Enabled: true, Size: defaultPoolSize}}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ==================== Domain edits ====================

// AddDomain appends a domain to the config file. The file is edited as a
// YAML node tree so comments and unrelated sections are preserved.
func AddDomain(path string, d DomainConfig) error {
	if err := d.validate(); err != nil {
		return err
	}
	doc, root, err := readConfigNode(path)
	if err != nil {
		return err
	}
	domains := mappingValue(root, "domains")
	if domains == nil {
		domains = &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
		root.Content = append(root.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: "domains"}, domains)
	}
	if domains.Kind != yaml.SequenceNode {
		return fmt.Errorf("%s: domains is not a list", path)
	}
	if domainIndex(domains, d.Host) >= 0 {
		return fmt.Errorf("domain %q already exists", d.Host)
	}
	var item yaml.Node
	if err := item.Encode(d); err != nil {
		return err
	}
	// An empty flow-style list ("domains: []") would render the new entry inline.
	domains.Style = 0
	domains.Content = append(domains.Content, &item)
	return writeConfigNode(path, doc)
}

// RemoveDomain deletes the domain with the given host. It reports whether
// the domain existed.
func RemoveDomain(path, host string) (bool, error) {
	doc, root, err := readConfigNode(path)
	if err != nil {
		return false, err
	}
	domains := mappingValue(root, "domains")
	if domains == nil || domains.Kind != yaml.SequenceNode {
		return false, nil
	}
	i := domainIndex(domains, host)
	if i < 0 {
		return false, nil
	}
	domains.Content = append(domains.Content[:i], domains.Content[i+1:]...)
	return true, writeConfigNode(path, doc)
}

func readConfigNode(path string) (*yaml.Node, *yaml.Node, error) {
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, nil, fmt.Errorf("read config: %w", err)
	}
	var doc yaml.Node
	if len(bytes.TrimSpace(data)) > 0 {
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, nil, fmt.Errorf("parse config: %w", err)
		}
	}
	if doc.Kind == 0 {
		doc = yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{{Kind: yaml.MappingNode, Tag: "!!map"}}}
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
		return nil, nil, fmt.Errorf("%s: config root must be a mapping", path)
	}
	return &doc, doc.Content[0], nil
}

func writeConfigNode(path string, doc *yaml.Node) error {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return err
	}
	// Parse the result once more so a broken edit never reaches disk.
	if _, err := ParseConfig(buf.Bytes()); err != nil {
		return fmt.Errorf("edited config is invalid: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".wafproxy-config-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if fi, err := os.Stat(path); err == nil {
		_ = os.Chmod(tmp.Name(), fi.Mode().Perm())
	}
	return os.Rename(tmp.Name(), path)
}

func mappingValue(m *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return m.Content[i+1]
		}
	}
	return nil
}

func domainIndex(domains *yaml.Node, host string) int {
	for i, item := range domains.Content {
		if item.Kind != yaml.MappingNode {
			continue
		}
		if h := mappingValue(item, "host"); h != nil && strings.EqualFold(h.Value, host) {
			return i
		}
	}
	return -1
}
