package validation

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleRules = `
rules:
  - id: txn.date.present
    entity: transaction
    field: date
    kind: present
    required: true
  - id: txn.date.format
    entity: transaction
    field: date
    kind: date_format
    required: true
    params: {layout: "01/02/2006", label: MM/DD/YYYY}
  - id: txn.amount.range
    entity: transaction
    field: amount
    kind: range
    priority: 60
    params: {min: -1000000, max: 1000000}
  - id: txn.kind.values
    entity: transaction
    field: kind
    kind: one_of
    required: true
    params:
      values: [debit, credit]
  - id: txn.amount.debit
    entity: transaction
    field: amount
    kind: positive_when
    params: {field: kind, equals: debit}
`

func TestParseRules(t *testing.T) {
	rules, err := ParseRules([]byte(sampleRules))
	require.NoError(t, err)
	require.Len(t, rules, 5)

	assert.Equal(t, PriorityPresence, rules[0].Priority)
	assert.True(t, rules[0].Required)
	assert.Equal(t, PriorityFormat, rules[1].Priority)
	assert.Equal(t, 60, rules[2].Priority, "explicit priority overrides the default")
	assert.False(t, rules[2].Required)
	assert.Equal(t, PriorityBusiness, rules[4].Priority)

	eng := NewEngine(nil)
	require.NoError(t, eng.Registry().RegisterAll(rules))

	res := eng.Evaluate(context.Background(), "transaction", "date", "13/25/2024", nil)
	require.False(t, res.Valid)
	assert.Equal(t, "txn.date.format", res.Errors[0].RuleID)
	assert.Contains(t, res.Errors[0].Message, "month out of range")
}

func TestParseRules_Errors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"bad yaml", "rules: [\n"},
		{"unknown kind", "rules:\n  - {id: a, entity: e, field: f, kind: telepathy}\n"},
		{"missing field", "rules:\n  - {id: a, entity: e, kind: present}\n"},
		{"bad regex", "rules:\n  - {id: a, entity: e, field: f, kind: pattern, params: {regex: \"[\"}}\n"},
		{"range without bounds", "rules:\n  - {id: a, entity: e, field: f, kind: range}\n"},
		{"range non-numeric", "rules:\n  - {id: a, entity: e, field: f, kind: range, params: {min: low}}\n"},
		{"unknown type", "rules:\n  - {id: a, entity: e, field: f, kind: type, params: {type: date}}\n"},
		{"empty one_of", "rules:\n  - {id: a, entity: e, field: f, kind: one_of}\n"},
		{"date without layout", "rules:\n  - {id: a, entity: e, field: f, kind: date_format}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRules([]byte(tt.doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadRuleFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleRules), 0o600))

	rules, err := LoadRuleFile(path)
	require.NoError(t, err)
	assert.Len(t, rules, 5)

	_, err = LoadRuleFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
