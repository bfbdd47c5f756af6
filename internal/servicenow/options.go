package servicenow

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// CallOption customizes a single Table operation.
type CallOption func(*callOptions)

type callOptions struct {
	apiVersion string
	params     []QueryParam
	headers    http.Header
	verbose    bool
}

// newCallOptions builds a fresh option set for one call. The header map is
// allocated per call and starts from Accept: application/json.
func newCallOptions(opts []CallOption) *callOptions {
	o := &callOptions{
		headers: http.Header{"Accept": []string{"application/json"}},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// APIVersion inserts "{version}/" between the API root and "table/", for
// instances with API versioning enabled ("v1", "v2").
func APIVersion(version string) CallOption {
	return func(o *callOptions) {
		o.apiVersion = version
	}
}

// Param appends a query parameter. The value is written verbatim.
func Param(key, value string) CallOption {
	return func(o *callOptions) {
		o.params = append(o.params, QueryParam{Key: key, Value: value})
	}
}

// Params appends several query parameters in order.
func Params(params ...QueryParam) CallOption {
	return func(o *callOptions) {
		o.params = append(o.params, params...)
	}
}

// EscapedParam appends a query parameter with a percent-encoded value.
func EscapedParam(key, value string) CallOption {
	return Param(key, url.QueryEscape(value))
}

// Fields restricts the returned columns: sysparm_fields=a,b,c.
func Fields(fields ...string) CallOption {
	return Param("sysparm_fields", strings.Join(fields, ","))
}

// Limit sets the page size: sysparm_limit=n.
func Limit(n int) CallOption {
	return Param("sysparm_limit", strconv.Itoa(n))
}

// Query sets sysparm_query from an encoded query builder. The encoded query
// is percent-encoded since it routinely contains '^', '=' and quotes.
func Query(q *QueryBuilder) CallOption {
	return func(o *callOptions) {
		if q == nil {
			return
		}
		if s := q.Build(); s != "" {
			EscapedParam("sysparm_query", s)(o)
		}
	}
}

// Header sets a request header, replacing the default for the same key.
func Header(key, value string) CallOption {
	return func(o *callOptions) {
		o.headers.Set(key, value)
	}
}

// Verbose logs the full request URL at info level before it is sent.
func Verbose() CallOption {
	return func(o *callOptions) {
		o.verbose = true
	}
}

// encodeParams joins params as k1=v1&k2=v2 in the given order.
func encodeParams(params []QueryParam) string {
	var b strings.Builder
	for i, p := range params {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(p.Key)
		b.WriteByte('=')
		b.WriteString(p.Value)
	}
	return b.String()
}
