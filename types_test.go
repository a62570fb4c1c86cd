package wafproxy

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRuleCache(t *testing.T) {
	cache := NewRuleCache()
	if cache == nil {
		t.Fatal("NewRuleCache() returned nil")
	}
	if cache.rules == nil {
		t.Fatal("NewRuleCache() created a cache with nil rules map")
	}
}

func TestRuleCache_GetSet(t *testing.T) {
	cache := NewRuleCache()
	testRegex := regexp.MustCompile(`test.*`)

	cache.Set("test.*", testRegex)

	got, exists := cache.Get("test.*")
	if !exists {
		t.Error("RuleCache.Get() returned exists=false for existing pattern")
	}
	if got != testRegex {
		t.Error("RuleCache.Get() returned wrong regex")
	}

	_, exists = cache.Get("nonexistent")
	if exists {
		t.Error("RuleCache.Get() returned exists=true for non-existent pattern")
	}
}

func TestRuleCache_CompileAndRetain(t *testing.T) {
	cache := NewRuleCache()

	first, err := cache.Compile(`(?i)select`)
	require.NoError(t, err)
	second, err := cache.Compile(`(?i)select`)
	require.NoError(t, err)
	assert.Same(t, first, second)

	_, err = cache.Compile(`(unclosed`)
	assert.Error(t, err)

	_, err = cache.Compile(`other`)
	require.NoError(t, err)
	cache.Retain([]*Rule{{ID: 1, Operator: OpRegex, Pattern: `(?i)select`}})

	_, ok := cache.Get(`other`)
	assert.False(t, ok)
	_, ok = cache.Get(`(?i)select`)
	assert.True(t, ok)
}

func TestParseVariableType(t *testing.T) {
	for typ, name := range variableNames {
		got, err := ParseVariableType(name)
		require.NoError(t, err)
		assert.Equal(t, typ, got)
	}

	got, err := ParseVariableType("args_names")
	require.NoError(t, err)
	assert.Equal(t, VarArgsNames, got)

	_, err = ParseVariableType("XML")
	assert.ErrorIs(t, err, ErrUnknownVariable)
}

func TestParseActionAndOperator(t *testing.T) {
	a, err := parseAction("")
	require.NoError(t, err)
	assert.Equal(t, ActionDeny, a)

	_, err = parseAction("drop")
	assert.ErrorIs(t, err, ErrUnknownAction)

	op, err := parseOperator("Starts_With")
	require.NoError(t, err)
	assert.Equal(t, OpStartsWith, op)
	assert.True(t, op.needsPattern())
	assert.False(t, OpLibinjectionXSS.needsPattern())

	_, err = parseOperator("fuzzy")
	assert.ErrorIs(t, err, ErrUnknownOperator)
}

func TestNewRuleSet_DropsDuplicateIDs(t *testing.T) {
	rs := NewRuleSet([]*Rule{
		{ID: 10, Message: "first"},
		{ID: 20},
		{ID: 10, Message: "second"},
	})
	require.Equal(t, 2, rs.Len())
	r, ok := rs.Get(10)
	require.True(t, ok)
	assert.Equal(t, "first", r.Message)
	assert.Equal(t, 10, rs.Rules()[0].ID)
	assert.Equal(t, 20, rs.Rules()[1].ID)
}

func TestRule_EffectiveScore(t *testing.T) {
	assert.Equal(t, 7, (&Rule{Score: 7, DefaultScore: 3}).EffectiveScore())
	assert.Equal(t, 3, (&Rule{DefaultScore: 3}).EffectiveScore())
	assert.Equal(t, defaultRuleScore, (&Rule{}).EffectiveScore())
}
