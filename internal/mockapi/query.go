package mockapi

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/RaikaSurendra/servicenow-table-client/internal/servicenow"
)

// Encoded query support covers the operators produced by
// servicenow.QueryBuilder: ^ (AND), ^OR, ^NQ, comparison operators,
// STARTSWITH, LIKE, NOTLIKE, IN, the emptiness checks and ORDERBY/ORDERBYDESC.
// Values are compared as numbers when both sides parse as numbers and as
// strings otherwise, which orders "YYYY-MM-DD hh:mm:ss" timestamps correctly.

// operators in match order; longer tokens before their prefixes.
var operators = []string{
	"!=", ">=", "<=", "=", ">", "<",
	"STARTSWITH", "ENDSWITH", "NOTLIKE", "LIKE", "IN",
	"ISNOTEMPTY", "ISEMPTY", "ANYTHING", "EMPTYSTRING",
}

var dateGenerateRe = regexp.MustCompile(`^javascript:gs\.dateGenerate\('([^']*)','([^']*)'\)$`)

type condition struct {
	field string
	op    string
	value string
}

// term is a set of alternatives joined by ^OR.
type term []condition

// group is a set of terms joined by ^.
type group []term

type ordering struct {
	field string
	desc  bool
}

type encodedQuery struct {
	groups []group
	order  []ordering
}

// parseQuery parses an encoded query. An empty string matches everything.
func parseQuery(s string) (*encodedQuery, error) {
	q := &encodedQuery{}
	if strings.TrimSpace(s) == "" {
		return q, nil
	}

	// "^^" is a literal caret inside a value.
	s = strings.ReplaceAll(s, "^^", "\x00")

	for _, part := range strings.Split(s, "^NQ") {
		var g group
		for _, tok := range strings.Split(part, "^") {
			tok = strings.TrimSpace(tok)
			switch {
			case tok == "":
				continue
			case strings.HasPrefix(tok, "ORDERBYDESC"):
				q.order = append(q.order, ordering{field: strings.TrimPrefix(tok, "ORDERBYDESC"), desc: true})
				continue
			case strings.HasPrefix(tok, "ORDERBY"):
				q.order = append(q.order, ordering{field: strings.TrimPrefix(tok, "ORDERBY")})
				continue
			}

			or := false
			if strings.HasPrefix(tok, "OR") && len(g) > 0 {
				or = true
				tok = strings.TrimPrefix(tok, "OR")
			}
			c, err := parseCondition(tok)
			if err != nil {
				return nil, err
			}
			if or {
				g[len(g)-1] = append(g[len(g)-1], c)
			} else {
				g = append(g, term{c})
			}
		}
		q.groups = append(q.groups, g)
	}
	return q, nil
}

func parseCondition(tok string) (condition, error) {
	i := 0
	for i < len(tok) && isFieldChar(tok[i]) {
		i++
	}
	if i == 0 {
		return condition{}, fmt.Errorf("invalid query term %q", strings.ReplaceAll(tok, "\x00", "^"))
	}
	field, rest := tok[:i], tok[i:]
	for _, op := range operators {
		if strings.HasPrefix(rest, op) {
			value := strings.ReplaceAll(strings.TrimPrefix(rest, op), "\x00", "^")
			if m := dateGenerateRe.FindStringSubmatch(value); m != nil {
				value = m[1] + " " + m[2]
			}
			return condition{field: field, op: op, value: value}, nil
		}
	}
	return condition{}, fmt.Errorf("unknown operator in query term %q", tok)
}

func isFieldChar(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= '0' && b <= '9' || b == '_' || b == '.'
}

// match reports whether r satisfies any of the query's groups.
func (q *encodedQuery) match(r servicenow.Record) bool {
	if len(q.groups) == 0 {
		return true
	}
	for _, g := range q.groups {
		if g.match(r) {
			return true
		}
	}
	return false
}

func (g group) match(r servicenow.Record) bool {
	for _, t := range g {
		ok := false
		for _, c := range t {
			if c.match(r) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

func (c condition) match(r servicenow.Record) bool {
	raw, present := r[c.field]
	v := fieldString(raw)

	switch c.op {
	case "=":
		return v == c.value
	case "!=":
		return v != c.value
	case ">":
		return compare(v, c.value) > 0
	case ">=":
		return compare(v, c.value) >= 0
	case "<":
		return compare(v, c.value) < 0
	case "<=":
		return compare(v, c.value) <= 0
	case "STARTSWITH":
		return strings.HasPrefix(v, c.value)
	case "ENDSWITH":
		return strings.HasSuffix(v, c.value)
	case "LIKE":
		return strings.Contains(strings.ToLower(v), strings.ToLower(c.value))
	case "NOTLIKE":
		return !strings.Contains(strings.ToLower(v), strings.ToLower(c.value))
	case "IN":
		for _, s := range strings.Split(c.value, ",") {
			if v == s {
				return true
			}
		}
		return false
	case "ISEMPTY":
		return v == ""
	case "ISNOTEMPTY":
		return v != ""
	case "EMPTYSTRING":
		return present && v == ""
	case "ANYTHING":
		return true
	}
	return false
}

// fieldString renders a field value for comparison. Reference fields
// ({"value": "...", "link": "..."}) compare by their value.
func fieldString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case map[string]any:
		return fieldString(t["value"])
	default:
		return fmt.Sprint(t)
	}
}

func compare(a, b string) int {
	fa, errA := strconv.ParseFloat(a, 64)
	fb, errB := strconv.ParseFloat(b, 64)
	if errA == nil && errB == nil {
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		}
		return 0
	}
	return strings.Compare(a, b)
}

// sort orders records in place by the query's ORDERBY terms.
func (q *encodedQuery) sort(records []servicenow.Record) {
	if len(q.order) == 0 {
		return
	}
	sort.SliceStable(records, func(i, j int) bool {
		for _, o := range q.order {
			c := compare(fieldString(records[i][o.field]), fieldString(records[j][o.field]))
			if c == 0 {
				continue
			}
			if o.desc {
				return c > 0
			}
			return c < 0
		}
		return false
	})
}
