package dsl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCondition_Eval(t *testing.T) {
	vars := map[string]string{
		"use_literature": "yes",
		"skip_pocket":    "false",
		"max_rows":       "20",
		"target":         "UPO",
		"empty":          "",
	}
	tests := []struct {
		expr string
		want bool
	}{
		{`use_literature == "yes"`, true},
		{`use_literature`, true},
		{`!skip_pocket`, true},
		{`empty`, false},
		{`max_rows > 10`, true},
		{`max_rows >= 20 && max_rows < 21`, true},
		{`max_rows == 20.0`, true},
		{`max_rows > -1`, true},
		{`target != "UPO" || max_rows <= 5`, false},
		{`!(target == "UPO" && skip_pocket)`, true},
		{`target == "U\"PO"`, false},
		{`true && !false`, true},
		{`"b" > "a"`, true},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			c, err := parseCondition(tt.expr)
			require.NoError(t, err)
			got, err := c.eval(vars)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCondition_Errors(t *testing.T) {
	for _, expr := range []string{
		``,
		`a ==`,
		`(a == "x"`,
		`a == "unterminated`,
		`a @ b`,
		`a b`,
	} {
		_, err := parseCondition(expr)
		assert.Error(t, err, expr)
	}

	c, err := parseCondition(`missing == "x"`)
	require.NoError(t, err)
	_, err = c.eval(map[string]string{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"missing" is not defined`)
}

func TestCondition_Idents(t *testing.T) {
	c, err := parseCondition(`a == "x" && (b || a) && true`)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, c.idents())
}

func TestParser_StepConditions(t *testing.T) {
	seen := map[string]echoConfig{}
	p := newTestParser(seen)
	p.SetVariable("with_second", "no")
	src := `
version: "1"
name: conditional
variables:
  with_second:
    default: "yes"
steps:
  - id: first
    uses: test/echo
    if: with_second == "no"
  - id: second
    uses: test/echo
    if: with_second
overrides:
  second.second_names: names.csv
`
	def, err := p.Parse([]byte(src), "")
	require.NoError(t, err)
	require.Len(t, def.Steps, 1)
	assert.Equal(t, "first", def.Steps[0].ID())
	assert.Equal(t, []string{"second"}, def.Excluded)
	assert.NotContains(t, def.Options.Overrides, "second.second_names")

	_, err = newTestParser(map[string]echoConfig{}).Parse([]byte(`
version: "1"
name: bad
steps:
  - id: only
    uses: test/echo
    if: undeclared == "x"
`), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `if: variable "undeclared" is not defined`)
}
