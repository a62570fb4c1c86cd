package wafproxy

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// loadRuleSet compiles YAML rule documents through the real loader.
func loadRuleSet(t *testing.T, docs string) *RuleSet {
	t.Helper()
	dir := t.TempDir()
	writeRuleFile(t, dir, "rules.yaml", docs)
	rs, err := NewRuleLoader(nil).Load(dir)
	require.NoError(t, err)
	require.Empty(t, rs.Report().RuleErrors)
	return rs
}

type panickingDetector struct{}

func (panickingDetector) IsSQLi(string) (bool, string) { panic("boom") }
func (panickingDetector) IsXSS(string) bool            { panic("boom") }

func TestEvaluator_FirstMatch(t *testing.T) {
	rs := loadRuleSet(t, sqliRuleYAML+`
- id: 941100
  message: XSS in user agent
  operator: contains
  pattern: "<script"
  variables: ["HEADERS:User-Agent"]
  transforms: [lowercase]
- id: 930100
  message: Path traversal
  operator: contains
  pattern: "../"
  variables: [REQUEST_FILENAME, ARGS]
  transforms: [url_decode]
`)
	metrics := NewMetrics()
	e := NewEvaluator(StaticRules{Set: rs}, nil, WithEvaluatorMetrics(metrics))

	tests := []struct {
		name     string
		target   string
		ua       string
		blocked  bool
		ruleID   int
		variable string
	}{
		{
			name:     "sql injection in query",
			target:   "/api/users?id=1%27%20OR%20%271%27%3D%271",
			blocked:  true,
			ruleID:   942100,
			variable: "ARGS",
		},
		{name: "benign query", target: "/test?id=123"},
		{
			name:     "xss in user agent",
			target:   "/",
			ua:       "Mozilla <SCRIPT>alert(1)</script>",
			blocked:  true,
			ruleID:   941100,
			variable: "HEADERS:User-Agent",
		},
		{
			name:     "traversal in argument",
			target:   "/download?file=..%2F..%2Fetc%2Fpasswd",
			blocked:  true,
			ruleID:   930100,
			variable: "ARGS",
		},
		{name: "no query", target: "/index.html"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", tt.target, nil)
			if tt.ua != "" {
				r.Header.Set("User-Agent", tt.ua)
			}
			res := e.Evaluate(r, nil)
			assert.Equal(t, tt.blocked, res.Blocked)
			assert.False(t, res.Observed)
			assert.Equal(t, tt.ruleID, res.RuleID)
			assert.Equal(t, tt.variable, res.Variable)
		})
	}

	hits := metrics.Snapshot().RuleHits
	assert.EqualValues(t, 1, hits[942100])
	assert.EqualValues(t, 1, hits[941100])
	assert.EqualValues(t, 1, hits[930100])
}

func TestEvaluator_LoadOrderDecides(t *testing.T) {
	rs := loadRuleSet(t, `
- {id: 10, message: first, operator: contains, pattern: attack, variables: [ARGS]}
- {id: 20, message: second, operator: contains, pattern: attack, variables: [ARGS]}
`)
	e := NewEvaluator(StaticRules{Set: rs}, nil)
	r := httptest.NewRequest("GET", "/?q=attack", nil)

	first := e.Evaluate(r, nil)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, e.Evaluate(r, nil), "evaluation is deterministic")
	}
	assert.Equal(t, 10, first.RuleID)
	assert.Equal(t, "first", first.Message)
}

func TestEvaluator_ObserveMode(t *testing.T) {
	rs := loadRuleSet(t, sqliRuleYAML)
	e := NewEvaluator(StaticRules{Set: rs}, nil, WithObserveOnly(true))
	r := httptest.NewRequest("GET", "/api/users?id=1%27%20OR%20%271%27%3D%271", nil)

	res := e.Evaluate(r, nil)
	assert.False(t, res.Blocked)
	assert.True(t, res.Observed)
	assert.Equal(t, 942100, res.RuleID)

	e.SetObserveOnly(false)
	assert.True(t, e.Evaluate(r, nil).Blocked)
}

func TestEvaluator_Actions(t *testing.T) {
	tests := []struct {
		name     string
		rules    string
		blocked  bool
		observed bool
		ruleID   int
	}{
		{
			name: "log action observes",
			rules: `
- {id: 1, action: log, operator: contains, pattern: bad, variables: [ARGS]}
- {id: 2, action: deny, operator: contains, pattern: bad, variables: [ARGS]}
`,
			observed: true,
			ruleID:   1,
		},
		{
			name: "allow short-circuits later deny",
			rules: `
- {id: 1, action: allow, operator: equals, pattern: /health, variables: [REQUEST_FILENAME]}
- {id: 2, action: deny, operator: contains, pattern: bad, variables: [ARGS]}
`,
		},
		{
			name: "deny before allow wins",
			rules: `
- {id: 2, action: deny, operator: contains, pattern: bad, variables: [ARGS]}
- {id: 1, action: allow, operator: equals, pattern: /health, variables: [REQUEST_FILENAME]}
`,
			blocked: true,
			ruleID:  2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEvaluator(StaticRules{Set: loadRuleSet(t, tt.rules)}, nil)
			res := e.Evaluate(httptest.NewRequest("GET", "/health?x=bad", nil), nil)
			assert.Equal(t, tt.blocked, res.Blocked)
			assert.Equal(t, tt.observed, res.Observed)
			assert.Equal(t, tt.ruleID, res.RuleID)
		})
	}
}

func TestEvaluator_AnomalyMode(t *testing.T) {
	rs := loadRuleSet(t, `
- {id: 1, score: 3, operator: contains, pattern: union, variables: [ARGS], transforms: [lowercase]}
- {id: 2, score: 3, operator: contains, pattern: select, variables: [ARGS], transforms: [lowercase]}
- {id: 3, action: log, operator: contains, pattern: debug, variables: [ARGS_NAMES]}
`)
	e := NewEvaluator(StaticRules{Set: rs}, nil, WithEvaluationMode(ModeAnomaly, 5))

	t.Run("below threshold", func(t *testing.T) {
		res := e.Evaluate(httptest.NewRequest("GET", "/?q=UNION", nil), nil)
		assert.False(t, res.Blocked)
		assert.True(t, res.Observed)
		assert.Equal(t, 1, res.RuleID)
		assert.Equal(t, 3, res.Score)
	})

	t.Run("threshold reached", func(t *testing.T) {
		res := e.Evaluate(httptest.NewRequest("GET", "/?q=UNION%20SELECT", nil), nil)
		assert.True(t, res.Blocked)
		assert.Equal(t, 2, res.RuleID, "the rule that crossed the threshold is reported")
		assert.Equal(t, 6, res.Score)
	})

	t.Run("per domain threshold", func(t *testing.T) {
		res := e.EvaluateWith(httptest.NewRequest("GET", "/?q=UNION%20SELECT", nil), nil, &EvaluateOptions{Threshold: 10})
		assert.False(t, res.Blocked)
		assert.True(t, res.Observed)
		assert.Equal(t, 6, res.Score)
	})

	t.Run("log rules do not score", func(t *testing.T) {
		res := e.Evaluate(httptest.NewRequest("GET", "/?debug=1", nil), nil)
		assert.False(t, res.Blocked)
		assert.True(t, res.Observed)
		assert.Equal(t, 3, res.RuleID)
		assert.Zero(t, res.Score)
	})

	t.Run("clean request", func(t *testing.T) {
		res := e.Evaluate(httptest.NewRequest("GET", "/?q=hello", nil), nil)
		assert.False(t, res.Matched())
	})
}

func TestEvaluator_RuleSelection(t *testing.T) {
	rs := loadRuleSet(t, `
- {id: 1, operator: contains, pattern: bad, variables: [ARGS]}
- {id: 2, operator: contains, pattern: bad, variables: [ARGS]}
`)
	e := NewEvaluator(StaticRules{Set: rs}, nil)
	r := httptest.NewRequest("GET", "/?x=bad", nil)

	tests := []struct {
		name   string
		opts   *EvaluateOptions
		ruleID int
	}{
		{name: "all rules", opts: nil, ruleID: 1},
		{name: "disabled", opts: &EvaluateOptions{DisabledRules: idSet([]int{1})}, ruleID: 2},
		{name: "enabled only", opts: &EvaluateOptions{EnabledRules: idSet([]int{2})}, ruleID: 2},
		{name: "enabled then disabled", opts: &EvaluateOptions{EnabledRules: idSet([]int{2}), DisabledRules: idSet([]int{2})}, ruleID: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.ruleID, e.EvaluateWith(r, nil, tt.opts).RuleID)
		})
	}
}

func TestEvaluator_ParanoiaLevel(t *testing.T) {
	rs := loadRuleSet(t, `
- {id: 1, paranoia_level: 3, operator: contains, pattern: bad, variables: [ARGS]}
- {id: 2, paranoia_level: 1, operator: contains, pattern: bad, variables: [ARGS]}
`)
	r := httptest.NewRequest("GET", "/?x=bad", nil)

	assert.Equal(t, 1, NewEvaluator(StaticRules{Set: rs}, nil).Evaluate(r, nil).RuleID)
	assert.Equal(t, 2, NewEvaluator(StaticRules{Set: rs}, nil, WithParanoiaLevel(2)).Evaluate(r, nil).RuleID)
}

func TestEvaluator_FailuresAreNonMatches(t *testing.T) {
	rs := loadRuleSet(t, `
- {id: 1, operator: contains, pattern: x, variables: [ARGS], transforms: [hex_decode]}
- {id: 2, operator: libinjection_sqli, variables: [ARGS]}
- {id: 3, operator: regex, pattern: "(broken", variables: [ARGS]}
- {id: 4, operator: contains, pattern: zz, variables: [ARGS]}
`)
	e := NewEvaluator(StaticRules{Set: rs}, nil, WithInjectionDetector(panickingDetector{}))

	res := e.Evaluate(httptest.NewRequest("GET", "/?q=zz", nil), nil)
	assert.True(t, res.Blocked)
	assert.Equal(t, 4, res.RuleID, "transform error, panic and inert regex are skipped")
}

func TestEvaluator_Libinjection(t *testing.T) {
	rs := loadRuleSet(t, `
- {id: 942100, operator: libinjection_sqli, variables: [ARGS]}
- {id: 941100, operator: libinjection_xss, variables: [ARGS]}
`)
	e := NewEvaluator(StaticRules{Set: rs}, nil)

	sqli := e.Evaluate(httptest.NewRequest("GET", "/?id=1%27%20OR%20%271%27%3D%271", nil), nil)
	assert.True(t, sqli.Blocked)
	assert.Equal(t, 942100, sqli.RuleID)
	assert.NotEmpty(t, sqli.Fingerprint)

	xss := e.Evaluate(httptest.NewRequest("GET", "/?q=%3Cscript%3Ealert(1)%3C%2Fscript%3E", nil), nil)
	assert.True(t, xss.Blocked)
	assert.Equal(t, 941100, xss.RuleID)

	assert.False(t, e.Evaluate(httptest.NewRequest("GET", "/?name=alice", nil), nil).Matched())
}

func TestEvaluator_BodyLimit(t *testing.T) {
	rs := loadRuleSet(t, `
- {id: 1, operator: contains, pattern: EVIL, variables: [BODY]}
`)
	body := []byte(strings.Repeat("a", 32) + "EVIL")
	r := httptest.NewRequest("POST", "/", nil)

	assert.True(t, NewEvaluator(StaticRules{Set: rs}, nil).Evaluate(r, body).Blocked)
	assert.False(t, NewEvaluator(StaticRules{Set: rs}, nil, WithBodyInspectLimit(32)).Evaluate(r, body).Blocked,
		"bytes past the inspection limit are not seen")
}

func TestEvaluator_EmptyRuleSet(t *testing.T) {
	e := NewEvaluator(StaticRules{}, nil)
	res := e.Evaluate(httptest.NewRequest("GET", "/?id=1%27%20OR%201=1", nil), nil)
	assert.Equal(t, EvaluationResult{}, res)
}

func TestEvaluator_FollowsPublishedSnapshot(t *testing.T) {
	dir := t.TempDir()
	writeRuleFile(t, dir, "rules.yaml", `- {id: 1, operator: contains, pattern: foo, variables: [ARGS]}`)
	store := NewRuleStore(dir, nil)
	_, err := store.Load()
	require.NoError(t, err)
	e := NewEvaluator(store, nil)
	r := httptest.NewRequest("GET", "/?q=bar", nil)

	assert.False(t, e.Evaluate(r, nil).Blocked)

	writeRuleFile(t, dir, "rules.yaml", `- {id: 1, operator: contains, pattern: bar, variables: [ARGS]}`)
	_, err = store.Load()
	require.NoError(t, err)
	assert.True(t, e.Evaluate(r, nil).Blocked)
}
