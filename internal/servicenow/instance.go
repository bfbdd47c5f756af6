// Package servicenow provides an HTTP client for the ServiceNow Table API.
//
// # Client Architecture
//
// An [Instance] owns the resolved API root of one ServiceNow instance and the
// credential pair used to reach it. [Instance.Table] hands out a [Table]
// bound to one table name; every CRUD operation lives on Table:
//
//	inst := servicenow.NewInstance("dev01234.service-now.com", "admin", "secret")
//	inc := inst.Table("incident")
//	records, err := inc.List(ctx, servicenow.Fields("number", "short_description"))
//
// Both types are immutable after construction and safe for concurrent use.
//
// # URL Construction
//
// Requests are sent to:
//
//	{scheme}://{host}/api/now/[{apiVersion}/]table/{table}[/{sys_id}][?{query}]
//
// Query parameters are joined in the order they were given. [Param] writes
// values verbatim, matching the behavior existing callers rely on; use
// [EscapedParam], [Query] or pre-escape values that contain reserved
// characters.
//
// # Status Handling
//
// Each operation expects one status code:
//
//	┌──────────────────────────┬────────┬──────────┐
//	│ Operation                │ Method │ Expected │
//	├──────────────────────────┼────────┼──────────┤
//	│ List / Get / GetByNumber │ GET    │ 200      │
//	│ Create                   │ POST   │ 201      │
//	│ Update                   │ PATCH  │ 200      │
//	│ Replace                  │ PUT    │ 200      │
//	│ Delete                   │ DELETE │ 204      │
//	└──────────────────────────┴────────┴──────────┘
//
// Any other status yields a [*StatusCodeError] built from the
// {"error": {"message", "detail"}} envelope. Nothing is retried.
//
// # Pagination
//
// [Table.List] follows the Link response header's rel="next" URL until it is
// absent, fetching pages one after another.
package servicenow

import (
	"log/slog"
	"math"
	"net/http"
	"regexp"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/RaikaSurendra/servicenow-table-client/internal/config"
)

// apiRoot is appended to every normalized instance URL.
const apiRoot = "/api/now/"

var schemeRe = regexp.MustCompile(`^https?://`)

// Instance represents one ServiceNow instance: its API root URL and the
// credentials used for every request.
type Instance struct {
	apiURL      string
	credentials Credentials
	transport   *transport
}

// Option configures an Instance.
type Option func(*instanceOptions)

type instanceOptions struct {
	httpClient *http.Client
	timeout    time.Duration
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// WithHTTPClient sets the HTTP client used for requests. Its Timeout and
// Transport are used as-is.
func WithHTTPClient(c *http.Client) Option {
	return func(o *instanceOptions) {
		if c != nil {
			o.httpClient = c
		}
	}
}

// WithTimeout sets the per-request timeout of the default HTTP client. It is
// ignored when WithHTTPClient is also given.
func WithTimeout(d time.Duration) Option {
	return func(o *instanceOptions) {
		o.timeout = d
	}
}

// WithRateLimiter sets a client-side rate limiter. Requests wait for a token
// before being sent.
func WithRateLimiter(rps float64) Option {
	return func(o *instanceOptions) {
		if rps > 0 {
			o.limiter = rate.NewLimiter(rate.Limit(rps), int(math.Max(1, rps)))
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *instanceOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// NewInstance creates an Instance for the given instance URL and credentials.
// The URL is normalized with MakeAPIURL; nothing is validated until the first
// request is sent.
func NewInstance(instanceURL, username, password string, opts ...Option) *Instance {
	o := instanceOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	client := o.httpClient
	if client == nil {
		client = &http.Client{
			Timeout: o.timeout,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}

	return &Instance{
		apiURL:      MakeAPIURL(instanceURL),
		credentials: Credentials{Username: username, Password: password},
		transport: &transport{
			http:    client,
			limiter: o.limiter,
			logger:  o.logger.With("component", "sn-client"),
		},
	}
}

// NewInstanceFromConfig creates an Instance from configuration.
func NewInstanceFromConfig(cfg config.ServiceNowConfig, logger *slog.Logger, opts ...Option) *Instance {
	base := []Option{WithLogger(logger), WithTimeout(cfg.Timeout())}
	if cfg.RateLimitRPS > 0 {
		base = append(base, WithRateLimiter(cfg.RateLimitRPS))
	}
	return NewInstance(cfg.InstanceURL, cfg.Username, cfg.Password, append(base, opts...)...)
}

// MakeAPIURL returns the Table API root for an instance URL: https:// is
// prepended when no http(s) scheme is present, trailing slashes are removed
// and "/api/now/" is appended.
//
//	"dev01234.service-now.com"        → "https://dev01234.service-now.com/api/now/"
//	"http://localhost:5000/"          → "http://localhost:5000/api/now/"
func MakeAPIURL(instanceURL string) string {
	u := instanceURL
	if !schemeRe.MatchString(u) {
		u = "https://" + u
	}
	return strings.TrimRight(u, "/") + apiRoot
}

// APIURL returns the normalized API root, always ending in "/api/now/".
func (i *Instance) APIURL() string {
	return i.apiURL
}

// Table returns a client for the named table. The Table keeps its own copy
// of the API URL and credentials.
func (i *Instance) Table(name string) *Table {
	return &Table{
		name:        name,
		apiURL:      i.apiURL,
		credentials: i.credentials,
		transport:   i.transport,
	}
}
