package dsl

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// =============================================================================
// 🔀 步骤条件
// =============================================================================
// 步骤的 if 字段是对工作流变量求值的布尔表达式，条件为假的步骤不进入
// 本次运行。变量值都是字符串，两侧都能解析为数字时按数值比较。
//
//	if: use_literature == "yes" && max_rows >= 10
//	if: !skip_pocket
// =============================================================================

type condition struct {
	src    string
	tokens []token
}

type tokenKind int

const (
	tkNumber tokenKind = iota
	tkString
	tkIdent
	tkOp     // == != > < >= <= && || !
	tkLParen // (
	tkRParen // )
)

type token struct {
	kind  tokenKind
	value string
}

// parseCondition 词法分析并做一次语法检查
func parseCondition(src string) (*condition, error) {
	tokens, err := tokenize(src)
	if err != nil {
		return nil, err
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("empty condition")
	}
	c := &condition{src: src, tokens: tokens}
	// 语法检查时所有变量都视为空串
	if _, err := c.evalWith(func(string) (string, bool) { return "", true }); err != nil {
		return nil, err
	}
	return c, nil
}

// idents 表达式引用的变量名（不含 true / false）
func (c *condition) idents() []string {
	var out []string
	seen := make(map[string]bool)
	for _, t := range c.tokens {
		if t.kind != tkIdent || t.value == "true" || t.value == "false" || seen[t.value] {
			continue
		}
		seen[t.value] = true
		out = append(out, t.value)
	}
	return out
}

func (c *condition) eval(vars map[string]string) (bool, error) {
	return c.evalWith(func(name string) (string, bool) {
		v, ok := vars[name]
		return v, ok
	})
}

func (c *condition) evalWith(lookup func(string) (string, bool)) (bool, error) {
	p := &condParser{tokens: c.tokens, lookup: lookup}
	val, err := p.parseOr()
	if err != nil {
		return false, fmt.Errorf("condition %q: %w", c.src, err)
	}
	if p.pos < len(p.tokens) {
		return false, fmt.Errorf("condition %q: unexpected %q", c.src, p.tokens[p.pos].value)
	}
	return truthy(val), nil
}

// --- 词法 ---

func tokenize(src string) ([]token, error) {
	var tokens []token
	runes := []rune(src)
	for i := 0; i < len(runes); {
		ch := runes[i]
		switch {
		case unicode.IsSpace(ch):
			i++
		case ch == '(':
			tokens = append(tokens, token{tkLParen, "("})
			i++
		case ch == ')':
			tokens = append(tokens, token{tkRParen, ")"})
			i++
		case ch == '"':
			s, n, err := readString(runes, i)
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, token{tkString, s})
			i = n
		case i+1 < len(runes) && isTwoCharOp(string(runes[i:i+2])):
			tokens = append(tokens, token{tkOp, string(runes[i : i+2])})
			i += 2
		case ch == '>' || ch == '<' || ch == '!':
			tokens = append(tokens, token{tkOp, string(ch)})
			i++
		case unicode.IsDigit(ch) || (ch == '-' && i+1 < len(runes) && unicode.IsDigit(runes[i+1])):
			j := i + 1
			for j < len(runes) && (unicode.IsDigit(runes[j]) || runes[j] == '.') {
				j++
			}
			tokens = append(tokens, token{tkNumber, string(runes[i:j])})
			i = j
		case unicode.IsLetter(ch) || ch == '_':
			j := i + 1
			for j < len(runes) && (unicode.IsLetter(runes[j]) || unicode.IsDigit(runes[j]) || runes[j] == '_') {
				j++
			}
			tokens = append(tokens, token{tkIdent, string(runes[i:j])})
			i = j
		default:
			return nil, fmt.Errorf("unexpected character %q at position %d", string(ch), i)
		}
	}
	return tokens, nil
}

func isTwoCharOp(s string) bool {
	switch s {
	case "==", "!=", ">=", "<=", "&&", "||":
		return true
	}
	return false
}

func readString(runes []rune, start int) (string, int, error) {
	var sb strings.Builder
	for i := start + 1; i < len(runes); i++ {
		switch runes[i] {
		case '\\':
			if i+1 < len(runes) {
				i++
				sb.WriteRune(runes[i])
			}
		case '"':
			return sb.String(), i + 1, nil
		default:
			sb.WriteRune(runes[i])
		}
	}
	return "", 0, fmt.Errorf("unterminated string at position %d", start)
}

// --- 递归下降 ---

type condParser struct {
	tokens []token
	pos    int
	lookup func(string) (string, bool)
}

func (p *condParser) peekOp(ops ...string) (string, bool) {
	if p.pos >= len(p.tokens) || p.tokens[p.pos].kind != tkOp {
		return "", false
	}
	for _, op := range ops {
		if p.tokens[p.pos].value == op {
			return op, true
		}
	}
	return "", false
}

func (p *condParser) parseOr() (any, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for {
		if _, ok := p.peekOp("||"); !ok {
			return left, nil
		}
		p.pos++
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = truthy(left) || truthy(right)
	}
}

func (p *condParser) parseAnd() (any, error) {
	left, err := p.parseComparison()
	if err != nil {
		return nil, err
	}
	for {
		if _, ok := p.peekOp("&&"); !ok {
			return left, nil
		}
		p.pos++
		right, err := p.parseComparison()
		if err != nil {
			return nil, err
		}
		left = truthy(left) && truthy(right)
	}
}

func (p *condParser) parseComparison() (any, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	op, ok := p.peekOp("==", "!=", ">", "<", ">=", "<=")
	if !ok {
		return left, nil
	}
	p.pos++
	right, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	return compare(left, op, right), nil
}

func (p *condParser) parseUnary() (any, error) {
	if _, ok := p.peekOp("!"); ok {
		p.pos++
		val, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return !truthy(val), nil
	}
	return p.parsePrimary()
}

func (p *condParser) parsePrimary() (any, error) {
	if p.pos >= len(p.tokens) {
		return nil, fmt.Errorf("unexpected end of expression")
	}
	t := p.tokens[p.pos]
	p.pos++
	switch t.kind {
	case tkNumber:
		f, err := strconv.ParseFloat(t.value, 64)
		if err != nil {
			return nil, fmt.Errorf("bad number %q", t.value)
		}
		return f, nil
	case tkString:
		return t.value, nil
	case tkIdent:
		switch t.value {
		case "true":
			return true, nil
		case "false":
			return false, nil
		}
		v, ok := p.lookup(t.value)
		if !ok {
			return nil, fmt.Errorf("variable %q is not defined", t.value)
		}
		return v, nil
	case tkLParen:
		val, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.pos >= len(p.tokens) || p.tokens[p.pos].kind != tkRParen {
			return nil, fmt.Errorf("expected closing parenthesis")
		}
		p.pos++
		return val, nil
	default:
		return nil, fmt.Errorf("unexpected token %q", t.value)
	}
}

// --- 求值 ---

func compare(left any, op string, right any) bool {
	lf, lok := number(left)
	rf, rok := number(right)
	if lok && rok {
		switch op {
		case "==":
			return lf == rf
		case "!=":
			return lf != rf
		case ">":
			return lf > rf
		case "<":
			return lf < rf
		case ">=":
			return lf >= rf
		case "<=":
			return lf <= rf
		}
		return false
	}
	ls, rs := fmt.Sprint(left), fmt.Sprint(right)
	switch op {
	case "==":
		return ls == rs
	case "!=":
		return ls != rs
	case ">":
		return ls > rs
	case "<":
		return ls < rs
	case ">=":
		return ls >= rs
	case "<=":
		return ls <= rs
	}
	return false
}

func number(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		return f, err == nil
	}
	return 0, false
}

// truthy 空串、"false"、"no"、"0" 为假
func truthy(v any) bool {
	switch val := v.(type) {
	case bool:
		return val
	case float64:
		return val != 0
	case string:
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "", "false", "no", "0":
			return false
		}
		return true
	}
	return v != nil
}
