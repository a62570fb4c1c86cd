package wafproxy

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"
	"gopkg.in/yaml.v3"
)

const (
	defaultReloadInterval = 5 * time.Second
	defaultRuleScore      = 5
	// fsnotify bursts (editors write, rename, chmod) are folded into one reload.
	watchDebounce = 250 * time.Millisecond
)

var ruleFileExtensions = map[string]struct{}{
	".yaml": {},
	".yml":  {},
	".json": {},
}

// ruleDocument is the on-disk shape of a rule. JSON files are read through
// the YAML decoder as well.
type ruleDocument struct {
	ID            int                `yaml:"id"`
	Message       string             `yaml:"message"`
	Action        string             `yaml:"action"`
	Operator      string             `yaml:"operator"`
	Pattern       *string            `yaml:"pattern"`
	Variables     []variableDocument `yaml:"variables"`
	Transforms    []string           `yaml:"transforms"`
	Category      string             `yaml:"category"`
	Severity      string             `yaml:"severity"`
	ParanoiaLevel int                `yaml:"paranoia_level"`
	Tags          []string           `yaml:"tags"`
	Score         int                `yaml:"score"`
	DefaultScore  int                `yaml:"default_score"`
}

// variableDocument accepts "ARGS", "HEADERS:User-Agent|Referer" or
// {type: HEADERS, names: [User-Agent]}.
type variableDocument struct {
	Type  string   `yaml:"type"`
	Names []string `yaml:"names"`
}

func (v *variableDocument) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		typ, names, _ := strings.Cut(node.Value, ":")
		v.Type = typ
		if names != "" {
			v.Names = strings.Split(names, "|")
		}
		return nil
	}
	type plain variableDocument
	return node.Decode((*plain)(v))
}

type ruleFile struct {
	Rules []ruleDocument `yaml:"rules"`
}

// RuleLoader parses rule trees into RuleSets.
type RuleLoader struct {
	logger *zap.Logger
	cache  *RuleCache
}

// NewRuleLoader creates a loader. A nil logger disables logging.
func NewRuleLoader(logger *zap.Logger) *RuleLoader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RuleLoader{logger: logger, cache: NewRuleCache()}
}

// Load parses every rule file under dir in lexical path order. Bad files and
// bad rules are skipped and reported; only an unreadable dir is an error.
func (l *RuleLoader) Load(dir string) (*RuleSet, error) {
	files, fingerprint, err := scanRuleTree(dir)
	if err != nil {
		return nil, err
	}

	report := LoadReport{Files: len(files), FileErrors: map[string]error{}}
	var rules []*Rule
	seen := map[int]string{}
	for _, path := range files {
		docs, err := parseRuleFile(path)
		if err != nil {
			report.FileErrors[path] = err
			l.logger.Warn("Skipping unparsable rule file", zap.String("file", path), zap.Error(err))
			continue
		}
		for i, doc := range docs {
			rule, err := l.compileRule(doc, path)
			if err != nil {
				report.RuleErrors = append(report.RuleErrors, fmt.Sprintf("%s[%d]: %v", path, i, err))
				l.logger.Warn("Skipping invalid rule", zap.String("file", path), zap.Int("index", i), zap.Error(err))
				continue
			}
			if prev, dup := seen[rule.ID]; dup {
				report.DuplicateIDs = append(report.DuplicateIDs, rule.ID)
				l.logger.Warn("Skipping duplicate rule id",
					zap.Int("rule_id", rule.ID), zap.String("file", path), zap.String("first_defined_in", prev))
				continue
			}
			seen[rule.ID] = path
			if rule.Inert() {
				report.InertRules = append(report.InertRules, rule.ID)
				l.logger.Warn("Rule pattern does not compile, rule kept inert",
					zap.Int("rule_id", rule.ID), zap.String("file", path), zap.Error(rule.compileErr))
			}
			rules = append(rules, rule)
		}
	}
	l.cache.Retain(rules)

	rs := NewRuleSet(rules)
	rs.fingerprint = fingerprint
	rs.report = report
	return rs, nil
}

func (l *RuleLoader) compileRule(doc ruleDocument, source string) (*Rule, error) {
	if doc.ID <= 0 {
		return nil, fmt.Errorf("rule id must be a positive integer, got %d", doc.ID)
	}
	action, err := parseAction(doc.Action)
	if err != nil {
		return nil, fmt.Errorf("rule %d: %w", doc.ID, err)
	}
	op, err := parseOperator(doc.Operator)
	if err != nil {
		return nil, fmt.Errorf("rule %d: %w", doc.ID, err)
	}
	if op.needsPattern() && (doc.Pattern == nil || *doc.Pattern == "") {
		return nil, fmt.Errorf("rule %d: operator %s requires a pattern", doc.ID, op)
	}
	if len(doc.Variables) == 0 {
		return nil, fmt.Errorf("rule %d: at least one variable is required", doc.ID)
	}

	r := &Rule{
		ID:            doc.ID,
		Message:       doc.Message,
		Action:        action,
		Operator:      op,
		Category:      doc.Category,
		Severity:      doc.Severity,
		ParanoiaLevel: doc.ParanoiaLevel,
		Tags:          doc.Tags,
		Score:         doc.Score,
		DefaultScore:  doc.DefaultScore,
		SourceFile:    source,
	}
	if doc.Pattern != nil {
		r.Pattern = *doc.Pattern
	}
	for _, vd := range doc.Variables {
		typ, err := ParseVariableType(vd.Type)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", doc.ID, err)
		}
		r.Variables = append(r.Variables, VariableSpec{Type: typ, Names: vd.Names})
	}
	for _, raw := range doc.Transforms {
		tf, err := parseTransform(raw)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", doc.ID, err)
		}
		r.Transforms = append(r.Transforms, tf)
	}
	if op == OpRegex {
		r.regex, r.compileErr = l.cache.Compile(r.Pattern)
	}
	return r, nil
}

func parseRuleFile(path string) ([]ruleDocument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, err
	}
	if len(root.Content) == 0 {
		return nil, nil
	}
	doc := root.Content[0]
	switch doc.Kind {
	case yaml.SequenceNode:
		var docs []ruleDocument
		if err := doc.Decode(&docs); err != nil {
			return nil, err
		}
		return docs, nil
	case yaml.MappingNode:
		var rf ruleFile
		if err := doc.Decode(&rf); err != nil {
			return nil, err
		}
		return rf.Rules, nil
	default:
		return nil, fmt.Errorf("expected a list of rules or a mapping with a rules key")
	}
}

// scanRuleTree lists rule files under dir and fingerprints the tree from
// path, size and modification time, so edits, additions and deletions all
// change it.
func scanRuleTree(dir string) ([]string, string, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, "", fmt.Errorf("rules directory: %w", err)
	}
	if !info.IsDir() {
		return nil, "", fmt.Errorf("rules directory: %s is not a directory", dir)
	}

	type entry struct {
		path  string
		size  int64
		mtime int64
	}
	var entries []entry
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if _, ok := ruleFileExtensions[strings.ToLower(filepath.Ext(path))]; !ok {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return nil
		}
		entries = append(entries, entry{path: path, size: fi.Size(), mtime: fi.ModTime().UnixNano()})
		return nil
	})
	if err != nil {
		return nil, "", fmt.Errorf("rules directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].path < entries[j].path })

	h, _ := blake2b.New256(nil)
	files := make([]string, 0, len(entries))
	var buf [16]byte
	for _, e := range entries {
		files = append(files, e.path)
		h.Write([]byte(e.path))
		binary.LittleEndian.PutUint64(buf[:8], uint64(e.size))
		binary.LittleEndian.PutUint64(buf[8:], uint64(e.mtime))
		h.Write(buf[:])
	}
	return files, hex.EncodeToString(h.Sum(nil)), nil
}

// RuleSource yields the currently published rule snapshot.
type RuleSource interface {
	Current() *RuleSet
}

// StaticRules serves a fixed snapshot.
type StaticRules struct{ Set *RuleSet }

func (s StaticRules) Current() *RuleSet {
	if s.Set == nil {
		return emptyRuleSet()
	}
	return s.Set
}

// RuleStore owns the published snapshot and refreshes it from disk. Readers
// never lock; a reload builds a full new set and swaps one pointer.
type RuleStore struct {
	dir      string
	interval time.Duration
	loader   *RuleLoader
	logger   *zap.Logger
	metrics  *Metrics
	watch    bool

	current  atomic.Pointer[RuleSet]
	reloadMu sync.Mutex
}

// RuleStoreOption customises a RuleStore.
type RuleStoreOption func(*RuleStore)

// WithReloadInterval sets the polling interval.
func WithReloadInterval(d time.Duration) RuleStoreOption {
	return func(s *RuleStore) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithFileWatch enables fsnotify-triggered reloads on top of polling.
func WithFileWatch(enabled bool) RuleStoreOption {
	return func(s *RuleStore) { s.watch = enabled }
}

// WithRuleMetrics reports the loaded rule count.
func WithRuleMetrics(m *Metrics) RuleStoreOption {
	return func(s *RuleStore) { s.metrics = m }
}

// NewRuleStore creates a store serving an empty set until Load succeeds.
func NewRuleStore(dir string, logger *zap.Logger, opts ...RuleStoreOption) *RuleStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &RuleStore{
		dir:      dir,
		interval: defaultReloadInterval,
		loader:   NewRuleLoader(logger),
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.current.Store(emptyRuleSet())
	return s
}

// Current returns the published snapshot. It is never nil.
func (s *RuleStore) Current() *RuleSet {
	return s.current.Load()
}

// Load unconditionally parses the directory and publishes the result. On
// error the previous snapshot stays in place.
func (s *RuleStore) Load() (*RuleSet, error) {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()
	return s.loadLocked()
}

func (s *RuleStore) loadLocked() (*RuleSet, error) {
	rs, err := s.loader.Load(s.dir)
	if err != nil {
		return s.Current(), err
	}
	s.publish(rs)
	return rs, nil
}

func (s *RuleStore) publish(rs *RuleSet) {
	s.current.Store(rs)
	if s.metrics != nil {
		s.metrics.setRulesLoaded(rs.Len())
	}
	s.logger.Info("Rules loaded",
		zap.String("dir", s.dir),
		zap.Int("rules", rs.Len()),
		zap.Int("files", rs.report.Files),
		zap.Int("bad_files", len(rs.report.FileErrors)),
		zap.Ints("inert_rules", rs.report.InertRules))
}

// ReloadIfChanged re-parses the tree only when its fingerprint differs from
// the published snapshot.
func (s *RuleStore) ReloadIfChanged() (*RuleSet, bool, error) {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	_, fingerprint, err := scanRuleTree(s.dir)
	if err != nil {
		return s.Current(), false, err
	}
	if fingerprint == s.Current().Fingerprint() {
		return s.Current(), false, nil
	}
	rs, err := s.loadLocked()
	if err != nil {
		return rs, false, err
	}
	return rs, true, nil
}

// Run polls for changes until ctx is done. With file watching enabled,
// filesystem events trigger an early check.
func (s *RuleStore) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	var events <-chan struct{}
	if s.watch {
		ch, err := watchTree(ctx, s.dir, s.logger)
		if err != nil {
			s.logger.Warn("Rule file watcher unavailable, polling only", zap.String("dir", s.dir), zap.Error(err))
		} else {
			events = ch
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-events:
		}
		if _, changed, err := s.ReloadIfChanged(); err != nil {
			s.logger.Warn("Rule reload failed, keeping current rules", zap.String("dir", s.dir), zap.Error(err))
		} else if changed {
			s.logger.Debug("Rule set swapped", zap.String("fingerprint", s.Current().Fingerprint()))
		}
	}
}

// watchTree watches dir and its subdirectories and emits a debounced signal
// for every burst of changes.
func watchTree(ctx context.Context, dir string, logger *zap.Logger) (<-chan struct{}, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			return w.Add(path)
		}
		return nil
	})
	if err != nil {
		w.Close()
		return nil, err
	}

	out := make(chan struct{}, 1)
	go func() {
		defer w.Close()
		var debounce *time.Timer
		fire := func() {
			select {
			case out <- struct{}{}:
			default:
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
				if ev.Has(fsnotify.Create) {
					if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
						_ = w.Add(ev.Name)
					}
				}
				if debounce == nil {
					debounce = time.AfterFunc(watchDebounce, fire)
				} else {
					debounce.Reset(watchDebounce)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Warn("File watcher error", zap.String("dir", dir), zap.Error(err))
			}
		}
	}()
	return out, nil
}
