package wafproxy

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
)

// ==================== Errors ====================

var (
	ErrUnknownVariable  = errors.New("unknown variable")
	ErrUnknownOperator  = errors.New("unknown operator")
	ErrUnknownTransform = errors.New("unknown transform")
	ErrUnknownAction    = errors.New("unknown action")
	ErrInvalidCIDR      = errors.New("invalid CIDR")
	ErrInvalidIP        = errors.New("invalid IP address")
)

// Define custom types for rule hits
type (
	RuleID   int
	HitCount int64
)

// ==================== Actions, operators, transforms ====================

// Action is what happens when a rule matches.
type Action string

const (
	ActionDeny  Action = "deny"
	ActionAllow Action = "allow"
	ActionLog   Action = "log"
)

func parseAction(s string) (Action, error) {
	switch a := Action(strings.ToLower(strings.TrimSpace(s))); a {
	case ActionDeny, ActionAllow, ActionLog:
		return a, nil
	case "":
		return ActionDeny, nil
	default:
		return "", fmt.Errorf("%w %q", ErrUnknownAction, s)
	}
}

// Operator is the matching strategy applied to a transformed variable value.
type Operator string

const (
	OpRegex            Operator = "regex"
	OpContains         Operator = "contains"
	OpStartsWith       Operator = "starts_with"
	OpEndsWith         Operator = "ends_with"
	OpEquals           Operator = "equals"
	OpLibinjectionSQLi Operator = "libinjection_sqli"
	OpLibinjectionXSS  Operator = "libinjection_xss"
)

func parseOperator(s string) (Operator, error) {
	switch op := Operator(strings.ToLower(strings.TrimSpace(s))); op {
	case OpRegex, OpContains, OpStartsWith, OpEndsWith, OpEquals, OpLibinjectionSQLi, OpLibinjectionXSS:
		return op, nil
	case "":
		return OpRegex, nil
	default:
		return "", fmt.Errorf("%w %q", ErrUnknownOperator, s)
	}
}

// needsPattern reports whether the operator works on a literal or regex pattern.
func (o Operator) needsPattern() bool {
	return o != OpLibinjectionSQLi && o != OpLibinjectionXSS
}

// Transform is a normalisation step applied to a value before matching.
type Transform string

const (
	TfNone               Transform = "none"
	TfURLDecode          Transform = "url_decode"
	TfURLDecodeUni       Transform = "url_decode_uni"
	TfLowercase          Transform = "lowercase"
	TfUppercase          Transform = "uppercase"
	TfUTF8ToUnicode      Transform = "utf8_to_unicode"
	TfRemoveNulls        Transform = "remove_nulls"
	TfReplaceComments    Transform = "replace_comments"
	TfCompressWhitespace Transform = "compress_whitespace"
	TfHexDecode          Transform = "hex_decode"
	TfTrim               Transform = "trim"
)

func parseTransform(s string) (Transform, error) {
	tf := Transform(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := transformFuncs[tf]; !ok {
		return "", fmt.Errorf("%w %q", ErrUnknownTransform, s)
	}
	return tf, nil
}

// ==================== Variables ====================

// VariableType selects a slice of the request. The set is closed; every
// extractor switch handles all of them.
type VariableType int

const (
	VarRequestLine VariableType = iota + 1
	VarArgs
	VarArgsNames
	VarHeaders
	VarBody
	VarCookie
	VarCookieNames
	VarRequestFilename
	VarRequestBasename
)

var variableNames = map[VariableType]string{
	VarRequestLine:     "REQUEST_LINE",
	VarArgs:            "ARGS",
	VarArgsNames:       "ARGS_NAMES",
	VarHeaders:         "HEADERS",
	VarBody:            "BODY",
	VarCookie:          "COOKIE",
	VarCookieNames:     "COOKIE_NAMES",
	VarRequestFilename: "REQUEST_FILENAME",
	VarRequestBasename: "REQUEST_BASENAME",
}

func (v VariableType) String() string {
	if name, ok := variableNames[v]; ok {
		return name
	}
	return fmt.Sprintf("VariableType(%d)", int(v))
}

// ParseVariableType accepts the canonical upper-case names, case-insensitively.
func ParseVariableType(s string) (VariableType, error) {
	want := strings.ToUpper(strings.TrimSpace(s))
	for t, name := range variableNames {
		if name == want {
			return t, nil
		}
	}
	return 0, fmt.Errorf("%w %q", ErrUnknownVariable, s)
}

// VariableSpec names a variable and, for HEADERS and COOKIE, an optional
// filter on header or cookie names.
type VariableSpec struct {
	Type  VariableType
	Names []string
}

func (vs VariableSpec) String() string {
	if len(vs.Names) == 0 {
		return vs.Type.String()
	}
	return vs.Type.String() + ":" + strings.Join(vs.Names, "|")
}

// ==================== Rules ====================

// Rule is a single compiled signature.
type Rule struct {
	ID            int
	Message       string
	Action        Action
	Operator      Operator
	Pattern       string
	Variables     []VariableSpec
	Transforms    []Transform
	Category      string
	Severity      string
	ParanoiaLevel int
	Tags          []string
	Score         int
	DefaultScore  int
	SourceFile    string

	regex      *regexp.Regexp
	compileErr error
}

// Inert reports whether the rule is kept for visibility but can never match,
// which happens when its regex failed to compile.
func (r *Rule) Inert() bool {
	return r.Operator == OpRegex && r.regex == nil
}

// CompileError returns the regex compilation failure, if any.
func (r *Rule) CompileError() error {
	return r.compileErr
}

// EffectiveScore is the anomaly contribution of the rule.
func (r *Rule) EffectiveScore() int {
	if r.Score > 0 {
		return r.Score
	}
	if r.DefaultScore > 0 {
		return r.DefaultScore
	}
	return defaultRuleScore
}

// RuleSet is an immutable snapshot of loaded rules in load order.
type RuleSet struct {
	rules       []*Rule
	byID        map[int]*Rule
	loadedAt    time.Time
	fingerprint string
	report      LoadReport
}

// NewRuleSet builds a snapshot from rules already in load order. Later
// duplicates of an id are dropped.
func NewRuleSet(rules []*Rule) *RuleSet {
	rs := &RuleSet{
		rules:    make([]*Rule, 0, len(rules)),
		byID:     make(map[int]*Rule, len(rules)),
		loadedAt: time.Now(),
	}
	for _, r := range rules {
		if _, dup := rs.byID[r.ID]; dup {
			continue
		}
		rs.byID[r.ID] = r
		rs.rules = append(rs.rules, r)
	}
	return rs
}

func emptyRuleSet() *RuleSet {
	return NewRuleSet(nil)
}

// Rules returns the rules in evaluation order. The slice must not be modified.
func (rs *RuleSet) Rules() []*Rule { return rs.rules }

// Len returns the number of rules in the snapshot.
func (rs *RuleSet) Len() int { return len(rs.rules) }

// Get looks a rule up by id.
func (rs *RuleSet) Get(id int) (*Rule, bool) {
	r, ok := rs.byID[id]
	return r, ok
}

// LoadedAt is when the snapshot was built.
func (rs *RuleSet) LoadedAt() time.Time { return rs.loadedAt }

// Fingerprint identifies the directory state the snapshot was built from.
func (rs *RuleSet) Fingerprint() string { return rs.fingerprint }

// Report describes skipped files and rules.
func (rs *RuleSet) Report() LoadReport { return rs.report }

// LoadReport collects non-fatal problems seen while loading a rule tree.
type LoadReport struct {
	Files        int
	FileErrors   map[string]error
	RuleErrors   []string
	InertRules   []int
	DuplicateIDs []int
}

func (lr LoadReport) String() string {
	files := make([]string, 0, len(lr.FileErrors))
	for f := range lr.FileErrors {
		files = append(files, f)
	}
	sort.Strings(files)
	return fmt.Sprintf("files=%d bad_files=%v bad_rules=%d inert=%v duplicates=%v",
		lr.Files, files, len(lr.RuleErrors), lr.InertRules, lr.DuplicateIDs)
}

// ==================== Verdicts ====================

// EvaluationResult is the rule engine's verdict for one request.
type EvaluationResult struct {
	Blocked  bool
	Observed bool
	// RuleID is zero when no rule decided the verdict.
	RuleID      int
	Message     string
	Score       int
	Variable    string
	Fingerprint string
}

// Matched reports whether a rule decided the result.
func (er EvaluationResult) Matched() bool { return er.RuleID != 0 }

// ListSource names which IP list produced a filter decision.
type ListSource string

const (
	SourceWhitelist ListSource = "whitelist"
	SourceBlacklist ListSource = "blacklist"
	SourceDefault   ListSource = "default"
)

// IPFilterDecision is the IP filter verdict.
type IPFilterDecision struct {
	Allowed bool
	Source  ListSource
	Reason  string
}

// RateLimitResult is the limiter verdict, with everything needed for the
// X-RateLimit-* headers.
type RateLimitResult struct {
	Allowed      bool
	Limit        int
	Remaining    int
	ResetAt      time.Time
	BlockedUntil time.Time
}

// ==================== Compiled regex cache ====================

// RuleCache caches compiled regex patterns so unchanged patterns are not
// recompiled on every reload.
type RuleCache struct {
	mu    sync.RWMutex
	rules map[string]*regexp.Regexp
}

// NewRuleCache creates a new RuleCache.
func NewRuleCache() *RuleCache {
	return &RuleCache{
		rules: make(map[string]*regexp.Regexp),
	}
}

// Get retrieves a compiled regex pattern from the cache.
func (rc *RuleCache) Get(pattern string) (*regexp.Regexp, bool) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	regex, exists := rc.rules[pattern]
	return regex, exists
}

// Set stores a compiled regex pattern in the cache.
func (rc *RuleCache) Set(pattern string, regex *regexp.Regexp) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.rules[pattern] = regex
}

// Compile returns the cached regex for pattern, compiling it on a miss.
func (rc *RuleCache) Compile(pattern string) (*regexp.Regexp, error) {
	if re, ok := rc.Get(pattern); ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	rc.Set(pattern, re)
	return re, nil
}

// Retain drops cached patterns not used by the given rules.
func (rc *RuleCache) Retain(rules []*Rule) {
	keep := make(map[string]struct{}, len(rules))
	for _, r := range rules {
		if r.Operator == OpRegex {
			keep[r.Pattern] = struct{}{}
		}
	}
	rc.mu.Lock()
	defer rc.mu.Unlock()
	for p := range rc.rules {
		if _, ok := keep[p]; !ok {
			delete(rc.rules, p)
		}
	}
}
