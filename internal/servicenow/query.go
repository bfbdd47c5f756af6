package servicenow

import (
	"fmt"
	"strings"
	"time"
)

// Encoded query separators and operators.
const (
	sepAnd   = "^"
	sepOr    = "^OR"
	sepUnion = "^NQ"

	opEquals      = "="
	opNotEquals   = "!="
	opGreater     = ">"
	opGreaterEq   = ">="
	opLess        = "<"
	opLessEq      = "<="
	opStartsWith  = "STARTSWITH"
	opLike        = "LIKE"
	opNotLike     = "NOTLIKE"
	opIn          = "IN"
	opAnything    = "ANYTHING"
	opEmptyString = "EMPTYSTRING"
	opIsEmpty     = "ISEMPTY"
	opIsNotEmpty  = "ISNOTEMPTY"

	orderBy     = "ORDERBY"
	orderByDesc = "ORDERBYDESC"
)

// QueryBuilder builds ServiceNow encoded queries (the sysparm_query value)
// with a fluent API:
//
//	NewQueryBuilder().WhereEquals("active", "true").OrderByDesc("sys_updated_on")
//	→ "active=true^ORDERBYDESCsys_updated_on"
//
// Pass it to a Table operation with the Query call option. The zero value is
// an empty query.
type QueryBuilder struct {
	terms []string
}

// NewQueryBuilder returns an empty QueryBuilder.
func NewQueryBuilder() *QueryBuilder {
	return &QueryBuilder{}
}

// escapeValue doubles '^' so a value cannot start a new condition.
func escapeValue(v string) string {
	if strings.TrimSpace(v) == "" {
		return v
	}
	return strings.ReplaceAll(v, "^", "^^")
}

func (q *QueryBuilder) add(sep, term string) *QueryBuilder {
	q.terms = append(q.terms, sep+term)
	return q
}

func (q *QueryBuilder) cond(sep, field, op, value string) *QueryBuilder {
	return q.add(sep, field+op+escapeValue(value))
}

// Build returns the encoded query without its leading separator.
func (q *QueryBuilder) Build() string {
	if q == nil {
		return ""
	}
	return strings.TrimLeft(strings.Join(q.terms, ""), "^")
}

// String implements fmt.Stringer.
func (q *QueryBuilder) String() string {
	return q.Build()
}

// WhereEquals adds ^field=value.
func (q *QueryBuilder) WhereEquals(field, value string) *QueryBuilder {
	return q.cond(sepAnd, field, opEquals, value)
}

// OrWhereEquals adds ^ORfield=value.
func (q *QueryBuilder) OrWhereEquals(field, value string) *QueryBuilder {
	return q.cond(sepOr, field, opEquals, value)
}

// WhereNotEquals adds ^field!=value.
func (q *QueryBuilder) WhereNotEquals(field, value string) *QueryBuilder {
	return q.cond(sepAnd, field, opNotEquals, value)
}

// OrWhereNotEquals adds ^ORfield!=value.
func (q *QueryBuilder) OrWhereNotEquals(field, value string) *QueryBuilder {
	return q.cond(sepOr, field, opNotEquals, value)
}

func (q *QueryBuilder) WhereGreaterThan(field, value string) *QueryBuilder {
	return q.cond(sepAnd, field, opGreater, value)
}

func (q *QueryBuilder) WhereGreaterThanOrEqual(field, value string) *QueryBuilder {
	return q.cond(sepAnd, field, opGreaterEq, value)
}

func (q *QueryBuilder) WhereLessThan(field, value string) *QueryBuilder {
	return q.cond(sepAnd, field, opLess, value)
}

func (q *QueryBuilder) WhereLessThanOrEqual(field, value string) *QueryBuilder {
	return q.cond(sepAnd, field, opLessEq, value)
}

// WhereStartsWith adds ^fieldSTARTSWITHvalue.
func (q *QueryBuilder) WhereStartsWith(field, value string) *QueryBuilder {
	return q.cond(sepAnd, field, opStartsWith, value)
}

// WhereContains adds ^fieldLIKEvalue.
func (q *QueryBuilder) WhereContains(field, value string) *QueryBuilder {
	return q.cond(sepAnd, field, opLike, value)
}

// WhereNotContains adds ^fieldNOTLIKEvalue.
func (q *QueryBuilder) WhereNotContains(field, value string) *QueryBuilder {
	return q.cond(sepAnd, field, opNotLike, value)
}

// WhereIn adds ^fieldINv1,v2,v3.
func (q *QueryBuilder) WhereIn(field string, values ...string) *QueryBuilder {
	escaped := make([]string, len(values))
	for i, v := range values {
		escaped[i] = escapeValue(v)
	}
	return q.add(sepAnd, field+opIn+strings.Join(escaped, ","))
}

func (q *QueryBuilder) WhereIsAnything(field string) *QueryBuilder {
	return q.add(sepAnd, escapeValue(field)+opAnything)
}

func (q *QueryBuilder) WhereIsEmptyString(field string) *QueryBuilder {
	return q.add(sepAnd, escapeValue(field)+opEmptyString)
}

func (q *QueryBuilder) WhereIsEmpty(field string) *QueryBuilder {
	return q.add(sepAnd, escapeValue(field)+opIsEmpty)
}

func (q *QueryBuilder) WhereIsNotEmpty(field string) *QueryBuilder {
	return q.add(sepAnd, escapeValue(field)+opIsNotEmpty)
}

// OrderByAsc adds ^ORDERBYfield.
func (q *QueryBuilder) OrderByAsc(field string) *QueryBuilder {
	return q.add(sepAnd, orderBy+escapeValue(field))
}

// OrderByDesc adds ^ORDERBYDESCfield.
func (q *QueryBuilder) OrderByDesc(field string) *QueryBuilder {
	return q.add(sepAnd, orderByDesc+escapeValue(field))
}

// WhereTimestampEquals compares field against a ServiceNow date literal.
func (q *QueryBuilder) WhereTimestampEquals(field string, t time.Time) *QueryBuilder {
	return q.WhereEquals(field, DateTimeLiteral(t))
}

// WhereTimestampAfter adds ^field>{literal}.
func (q *QueryBuilder) WhereTimestampAfter(field string, t time.Time) *QueryBuilder {
	return q.WhereGreaterThan(field, DateTimeLiteral(t))
}

// WhereBetweenInclusive adds ^field>=from^field<=through.
func (q *QueryBuilder) WhereBetweenInclusive(field string, from, through time.Time) *QueryBuilder {
	return q.WhereGreaterThanOrEqual(field, DateTimeLiteral(from)).
		WhereLessThanOrEqual(field, DateTimeLiteral(through))
}

// WhereBetweenExclusive adds ^field>from^field<through.
func (q *QueryBuilder) WhereBetweenExclusive(field string, from, through time.Time) *QueryBuilder {
	return q.WhereGreaterThan(field, DateTimeLiteral(from)).
		WhereLessThan(field, DateTimeLiteral(through))
}

// Union appends other as a new query (^NQ). An empty other is ignored.
func (q *QueryBuilder) Union(other *QueryBuilder) *QueryBuilder {
	s := other.Build()
	switch {
	case s == "":
		return q
	case len(q.terms) == 0:
		return q.add(sepAnd, s)
	}
	return q.add(sepUnion, s)
}

// WhereEncoded ANDs an already encoded query, such as one taken from
// configuration. It is added as is.
func (q *QueryBuilder) WhereEncoded(encoded string) *QueryBuilder {
	encoded = strings.TrimLeft(strings.TrimSpace(encoded), "^")
	if encoded == "" {
		return q
	}
	return q.add(sepAnd, encoded)
}

// DateTimeLiteral formats t (in UTC) as the date expression understood by
// encoded queries: javascript:gs.dateGenerate('2024-01-15','14:30:00').
func DateTimeLiteral(t time.Time) string {
	t = t.UTC()
	return fmt.Sprintf("javascript:gs.dateGenerate('%s','%s')", t.Format("2006-01-02"), t.Format("15:04:05"))
}
