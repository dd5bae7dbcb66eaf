package pricing

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
)

// Condition is a parsed modifier predicate: clauses joined by "&&", each of
// the form `[context.]key OP literal` with OP one of == != > >= < <= in.
// Literals are quoted strings, numbers, true/false, or [a, b] lists for "in".
type Condition struct {
	clauses []clause
}

type clause struct {
	key string
	op  string
	lit []literal
}

type literal struct {
	str   string
	num   decimal.Decimal
	isNum bool
}

var operators = []string{"==", "!=", ">=", "<=", ">", "<"}

// ParseCondition parses expr. An empty expression yields a nil condition
// that always matches.
func ParseCondition(expr string) (*Condition, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, nil
	}
	var cond Condition
	for _, part := range splitUnquoted(expr, "&&") {
		c, err := parseClause(strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		cond.clauses = append(cond.clauses, c)
	}
	return &cond, nil
}

func parseClause(s string) (clause, error) {
	if s == "" {
		return clause{}, fmt.Errorf("empty clause")
	}
	key, rest := splitKey(s)
	if key == "" {
		return clause{}, fmt.Errorf("missing key in %q", s)
	}
	key = strings.TrimPrefix(key, "context.")
	rest = strings.TrimSpace(rest)

	if after, ok := strings.CutPrefix(rest, "in"); ok && (after == "" || after[0] == ' ' || after[0] == '[') {
		lits, err := parseList(strings.TrimSpace(after))
		if err != nil {
			return clause{}, fmt.Errorf("clause %q: %w", s, err)
		}
		return clause{key: key, op: "in", lit: lits}, nil
	}
	for _, op := range operators {
		if after, ok := strings.CutPrefix(rest, op); ok {
			lit, err := parseLiteral(strings.TrimSpace(after))
			if err != nil {
				return clause{}, fmt.Errorf("clause %q: %w", s, err)
			}
			if op != "==" && op != "!=" && !lit.isNum {
				return clause{}, fmt.Errorf("clause %q: operator %s needs a number", s, op)
			}
			return clause{key: key, op: op, lit: []literal{lit}}, nil
		}
	}
	return clause{}, fmt.Errorf("unknown operator in %q", s)
}

// splitUnquoted splits s on sep, ignoring separators inside quoted literals.
func splitUnquoted(s, sep string) []string {
	var (
		parts []string
		quote byte
		start int
	)
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
		case strings.HasPrefix(s[i:], sep):
			parts = append(parts, s[start:i])
			i += len(sep) - 1
			start = i + 1
		}
	}
	return append(parts, s[start:])
}

func splitKey(s string) (string, string) {
	i := strings.IndexFunc(s, func(r rune) bool {
		return !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '.')
	})
	if i < 0 {
		return s, ""
	}
	return s[:i], s[i:]
}

func parseList(s string) ([]literal, error) {
	if !strings.HasPrefix(s, "[") || !strings.HasSuffix(s, "]") {
		return nil, fmt.Errorf("in expects a [list]")
	}
	body := strings.TrimSpace(s[1 : len(s)-1])
	if body == "" {
		return nil, fmt.Errorf("empty list")
	}
	var out []literal
	for _, item := range splitUnquoted(body, ",") {
		lit, err := parseLiteral(strings.TrimSpace(item))
		if err != nil {
			return nil, err
		}
		out = append(out, lit)
	}
	return out, nil
}

func parseLiteral(s string) (literal, error) {
	if s == "" {
		return literal{}, fmt.Errorf("missing literal")
	}
	if s[0] == '"' || s[0] == '\'' {
		if len(s) < 2 || s[len(s)-1] != s[0] {
			return literal{}, fmt.Errorf("unterminated string %s", s)
		}
		return literal{str: s[1 : len(s)-1]}, nil
	}
	if s == "true" || s == "false" {
		return literal{str: s}, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return literal{}, fmt.Errorf("bad literal %s", s)
	}
	return literal{str: s, num: d, isNum: true}, nil
}

// Eval reports whether every clause holds for ctx. A nil condition matches.
// Missing keys never match.
func (c *Condition) Eval(ctx map[string]any) bool {
	if c == nil {
		return true
	}
	for _, cl := range c.clauses {
		v, ok := ctx[cl.key]
		if !ok {
			return false
		}
		if !cl.eval(v) {
			return false
		}
	}
	return true
}

func (cl clause) eval(v any) bool {
	str, num, isNum := normalize(v)
	switch cl.op {
	case "in":
		for _, lit := range cl.lit {
			if equal(lit, str, num, isNum) {
				return true
			}
		}
		return false
	case "==":
		return equal(cl.lit[0], str, num, isNum)
	case "!=":
		return !equal(cl.lit[0], str, num, isNum)
	}
	if !isNum {
		return false
	}
	c := num.Cmp(cl.lit[0].num)
	switch cl.op {
	case ">":
		return c > 0
	case ">=":
		return c >= 0
	case "<":
		return c < 0
	case "<=":
		return c <= 0
	}
	return false
}

func equal(lit literal, str string, num decimal.Decimal, isNum bool) bool {
	if lit.isNum && isNum {
		return lit.num.Equal(num)
	}
	return lit.str == str
}

func normalize(v any) (string, decimal.Decimal, bool) {
	switch x := v.(type) {
	case string:
		if d, err := decimal.NewFromString(x); err == nil {
			return x, d, true
		}
		return x, decimal.Zero, false
	case bool:
		return strconv.FormatBool(x), decimal.Zero, false
	case int:
		return strconv.Itoa(x), decimal.NewFromInt(int64(x)), true
	case int64:
		return strconv.FormatInt(x, 10), decimal.NewFromInt(x), true
	case float64:
		d := decimal.NewFromFloat(x)
		return d.String(), d, true
	case decimal.Decimal:
		return x.String(), x, true
	default:
		return fmt.Sprint(v), decimal.Zero, false
	}
}
