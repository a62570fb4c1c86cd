package wafproxy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sqliRuleYAML = `
- id: 942100
  message: SQL injection
  operator: regex
  pattern: "(?i)union.*select|or\\s+'?1'?='?1"
  action: deny
  variables: [ARGS]
  transforms: [url_decode]
`

func writeRuleFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestRuleLoader_Load(t *testing.T) {
	dir := t.TempDir()
	writeRuleFile(t, dir, "10-sqli.yaml", sqliRuleYAML)
	writeRuleFile(t, dir, "20-misc/xss.yml", `
rules:
  - id: 941100
    message: XSS
    operator: libinjection_xss
    variables:
      - type: HEADERS
        names: [User-Agent, Referer]
      - ARGS
  - id: 920100
    message: Scanner
    operator: contains
    pattern: sqlmap
    action: log
    variables: ["HEADERS:User-Agent"]
    transforms: [lowercase]
`)
	writeRuleFile(t, dir, "30-broken.yaml", "- id: [not closed\n")
	writeRuleFile(t, dir, "40-json.json", `[{"id": 930100, "operator": "contains", "pattern": "../", "variables": ["REQUEST_FILENAME"]}]`)
	writeRuleFile(t, dir, "README.md", "not a rule file")

	rs, err := NewRuleLoader(nil).Load(dir)
	require.NoError(t, err)

	ids := make([]int, 0, rs.Len())
	for _, r := range rs.Rules() {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []int{942100, 941100, 920100, 930100}, ids, "rules keep lexical file order then document order")

	report := rs.Report()
	assert.Equal(t, 4, report.Files)
	assert.Len(t, report.FileErrors, 1)
	assert.Contains(t, report.FileErrors, filepath.Join(dir, "30-broken.yaml"))
	assert.NotEmpty(t, rs.Fingerprint())

	xss, ok := rs.Get(941100)
	require.True(t, ok)
	assert.Equal(t, OpLibinjectionXSS, xss.Operator)
	assert.Equal(t, ActionDeny, xss.Action, "missing action defaults to deny")
	require.Len(t, xss.Variables, 2)
	assert.Equal(t, VariableSpec{Type: VarHeaders, Names: []string{"User-Agent", "Referer"}}, xss.Variables[0])

	scanner, _ := rs.Get(920100)
	assert.Equal(t, ActionLog, scanner.Action)
	assert.Equal(t, []string{"User-Agent"}, scanner.Variables[0].Names)
	assert.Equal(t, []Transform{TfLowercase}, scanner.Transforms)

	traversal, _ := rs.Get(930100)
	assert.Equal(t, OpContains, traversal.Operator)
	assert.Equal(t, []VariableSpec{{Type: VarRequestFilename}}, traversal.Variables)
}

func TestRuleLoader_InvalidRules(t *testing.T) {
	dir := t.TempDir()
	writeRuleFile(t, dir, "rules.yaml", `
- id: 1
  operator: regex
  pattern: "(unclosed"
  variables: [ARGS]
- id: 2
  operator: contains
  variables: [ARGS]
- id: 3
  operator: regex
  pattern: x
  variables: [NOT_A_VARIABLE]
- id: 4
  operator: regex
  pattern: x
  variables: [ARGS]
  transforms: [rot13]
- id: 0
  pattern: x
  variables: [ARGS]
- id: 5
  operator: equals
  pattern: admin
  variables: [ARGS_NAMES]
- id: 5
  operator: equals
  pattern: duplicate
  variables: [ARGS]
- id: 6
  operator: regex
  pattern: x
`)

	rs, err := NewRuleLoader(nil).Load(dir)
	require.NoError(t, err)

	assert.Equal(t, 2, rs.Len(), "only the inert rule and the first id 5 survive")
	inert, ok := rs.Get(1)
	require.True(t, ok, "a rule with a bad regex is kept")
	assert.True(t, inert.Inert())
	assert.Error(t, inert.CompileError())

	first, _ := rs.Get(5)
	assert.Equal(t, "admin", first.Pattern)

	report := rs.Report()
	assert.Equal(t, []int{1}, report.InertRules)
	assert.Equal(t, []int{5}, report.DuplicateIDs)
	assert.Len(t, report.RuleErrors, 5)
}

func TestRuleLoader_MissingDir(t *testing.T) {
	_, err := NewRuleLoader(nil).Load(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestRuleStore_ReloadIfChanged(t *testing.T) {
	dir := t.TempDir()
	path := writeRuleFile(t, dir, "rules.yaml", sqliRuleYAML)

	metrics := NewMetrics()
	store := NewRuleStore(dir, nil, WithRuleMetrics(metrics))
	assert.Equal(t, 0, store.Current().Len(), "store starts with an empty snapshot")

	rs, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, 1, rs.Len())
	assert.Same(t, rs, store.Current())
	assert.EqualValues(t, 1, metrics.Snapshot().RulesLoaded)

	same, changed, err := store.ReloadIfChanged()
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Same(t, rs, same)

	require.NoError(t, os.WriteFile(path, []byte(sqliRuleYAML+`
- id: 942200
  operator: contains
  pattern: sleep(
  variables: [ARGS]
`), 0o644))
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, future, future))

	next, changed, err := store.ReloadIfChanged()
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, 2, next.Len())
	assert.Equal(t, 2, store.Current().Len())
	assert.Equal(t, 1, rs.Len(), "an old snapshot is never mutated")
	assert.EqualValues(t, 2, metrics.Snapshot().RulesLoaded)
}

func TestRuleStore_DetectsDeletedFile(t *testing.T) {
	dir := t.TempDir()
	writeRuleFile(t, dir, "a.yaml", sqliRuleYAML)
	b := writeRuleFile(t, dir, "b.yaml", `- {id: 7, operator: contains, pattern: x, variables: [ARGS]}`)

	store := NewRuleStore(dir, nil)
	_, err := store.Load()
	require.NoError(t, err)
	require.Equal(t, 2, store.Current().Len())

	require.NoError(t, os.Remove(b))
	_, changed, err := store.ReloadIfChanged()
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, 1, store.Current().Len())
}

func TestRuleStore_FailedReloadKeepsSnapshot(t *testing.T) {
	dir := t.TempDir()
	writeRuleFile(t, dir, "rules.yaml", sqliRuleYAML)
	store := NewRuleStore(dir, nil)
	rs, err := store.Load()
	require.NoError(t, err)

	require.NoError(t, os.RemoveAll(dir))
	_, changed, err := store.ReloadIfChanged()
	assert.Error(t, err)
	assert.False(t, changed)
	assert.Same(t, rs, store.Current())
}

func TestRuleStore_RunPicksUpChanges(t *testing.T) {
	dir := t.TempDir()
	writeRuleFile(t, dir, "rules.yaml", sqliRuleYAML)
	store := NewRuleStore(dir, nil, WithReloadInterval(20*time.Millisecond), WithFileWatch(true))
	_, err := store.Load()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go store.Run(ctx)

	writeRuleFile(t, dir, "more.yaml", `- {id: 8, operator: contains, pattern: y, variables: [ARGS]}`)
	assert.Eventually(t, func() bool {
		return store.Current().Len() == 2
	}, 5*time.Second, 20*time.Millisecond)
}

func TestStaticRules(t *testing.T) {
	assert.Equal(t, 0, StaticRules{}.Current().Len())
	rs := NewRuleSet([]*Rule{{ID: 1}})
	assert.Same(t, rs, StaticRules{Set: rs}.Current())
}
