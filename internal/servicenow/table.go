package servicenow

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/RaikaSurendra/servicenow-table-client/internal/observability"
)

// Table performs Table API operations against one table. It holds copies of
// the instance URL and credentials and has no state between calls, so a
// single Table may be used from many goroutines.
type Table struct {
	name        string
	apiURL      string
	credentials Credentials
	transport   *transport
}

// Name returns the table name.
func (t *Table) Name() string {
	return t.name
}

// URL builds the request URL for this table:
//
//	{apiURL}[{apiVersion}/]table/{name}[/{sysID}][?k1=v1&k2=v2]
//
// Parameters keep the order in which they were supplied.
func (t *Table) URL(sysID string, opts ...CallOption) string {
	return t.url(sysID, newCallOptions(opts))
}

func (t *Table) url(sysID string, o *callOptions) string {
	var b strings.Builder
	b.WriteString(t.apiURL)
	if o.apiVersion != "" {
		b.WriteString(o.apiVersion)
		b.WriteByte('/')
	}
	b.WriteString("table/")
	b.WriteString(t.name)
	if sysID != "" {
		b.WriteByte('/')
		b.WriteString(sysID)
	}
	if len(o.params) > 0 {
		b.WriteByte('?')
		b.WriteString(encodeParams(o.params))
	}
	return b.String()
}

// List returns every record matching the call options, following the Link
// header's rel="next" URL until no further page is announced. Pages are
// fetched one after another and concatenated in order. If any page fails,
// List returns nil and the error.
func (t *Table) List(ctx context.Context, opts ...CallOption) ([]Record, error) {
	records := []Record{}
	err := t.ListPages(ctx, func(page []Record) error {
		records = append(records, page...)
		return nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	return records, nil
}

// ListPages is the streaming form of List: fn is called once per page, in
// fetch order. A non-nil error from fn stops pagination and is returned.
// Pages delivered before a failing request have already been passed to fn.
func (t *Table) ListPages(ctx context.Context, fn func(page []Record) error, opts ...CallOption) error {
	o := newCallOptions(opts)
	next := t.url("", o)

	for page := 1; next != ""; page++ {
		resp, err := t.transport.do(ctx, t.newRequest(http.MethodGet, next, nil, http.StatusOK, o))
		if err != nil {
			return fmt.Errorf("listing %s (page %d): %w", t.name, page, err)
		}

		var records []Record
		if err := decodeResult(http.MethodGet, resp.body, &records); err != nil {
			return fmt.Errorf("listing %s (page %d): %w", t.name, page, err)
		}
		observability.Metrics.APIPagesTotal.WithLabelValues(t.name).Inc()

		if err := fn(records); err != nil {
			return err
		}

		current, err := url.Parse(next)
		if err != nil {
			current = nil
		}
		next = nextPageURL(resp.header.Get("Link"), current)
		if err := sameOrigin(next, current); err != nil {
			return fmt.Errorf("listing %s (page %d): %w", t.name, page, err)
		}
	}
	return nil
}

// sameOrigin rejects a next link pointing at another scheme or host, so
// credentials are only ever sent to the instance the caller configured.
func sameOrigin(next string, current *url.URL) error {
	if next == "" || current == nil {
		return nil
	}
	u, err := url.Parse(next)
	if err != nil {
		return fmt.Errorf("%w: unparseable next link %q", ErrMalformedResponse, next)
	}
	if !strings.EqualFold(u.Scheme, current.Scheme) || !strings.EqualFold(u.Host, current.Host) {
		return fmt.Errorf("%w: next link %s leaves %s://%s", ErrMalformedResponse, next, current.Scheme, current.Host)
	}
	return nil
}

// Get returns the record with the given sys_id.
func (t *Table) Get(ctx context.Context, sysID string, opts ...CallOption) (Record, error) {
	o := newCallOptions(opts)
	return t.single(ctx, http.MethodGet, t.url(sysID, o), nil, http.StatusOK, o)
}

// GetByNumber returns the records whose number field equals number. The
// number parameter is appended after any other parameters. Only the first
// page is read.
func (t *Table) GetByNumber(ctx context.Context, number string, opts ...CallOption) ([]Record, error) {
	o := newCallOptions(opts)
	u := t.url("", o)
	sep := "?"
	if len(o.params) > 0 {
		sep = "&"
	}
	u += sep + "number=" + number

	resp, err := t.transport.do(ctx, t.newRequest(http.MethodGet, u, nil, http.StatusOK, o))
	if err != nil {
		return nil, fmt.Errorf("getting %s by number %q: %w", t.name, number, err)
	}
	records := []Record{}
	if err := decodeResult(http.MethodGet, resp.body, &records); err != nil {
		return nil, fmt.Errorf("getting %s by number %q: %w", t.name, number, err)
	}
	if records == nil {
		records = []Record{}
	}
	return records, nil
}

// Create inserts a record and returns it as stored by the server, including
// the assigned sys_id. Expects 201 Created.
func (t *Table) Create(ctx context.Context, data any, opts ...CallOption) (Record, error) {
	o := newCallOptions(opts)
	return t.single(ctx, http.MethodPost, t.url("", o), data, http.StatusCreated, o)
}

// Update changes the given fields of a record (PATCH). Expects 200.
func (t *Table) Update(ctx context.Context, sysID string, data any, opts ...CallOption) (Record, error) {
	o := newCallOptions(opts)
	return t.single(ctx, http.MethodPatch, t.url(sysID, o), data, http.StatusOK, o)
}

// Replace overwrites a record (PUT). Expects 200.
func (t *Table) Replace(ctx context.Context, sysID string, data any, opts ...CallOption) (Record, error) {
	o := newCallOptions(opts)
	return t.single(ctx, http.MethodPut, t.url(sysID, o), data, http.StatusOK, o)
}

// Delete removes a record. Expects 204 No Content and returns the response
// body verbatim, which is normally empty. The body is not parsed.
func (t *Table) Delete(ctx context.Context, sysID string, opts ...CallOption) ([]byte, error) {
	o := newCallOptions(opts)
	resp, err := t.transport.do(ctx, t.newRequest(http.MethodDelete, t.url(sysID, o), nil, http.StatusNoContent, o))
	if err != nil {
		return nil, fmt.Errorf("deleting %s/%s: %w", t.name, sysID, err)
	}
	if resp.body == nil {
		return []byte{}, nil
	}
	return resp.body, nil
}

// single performs a request whose result is one record.
func (t *Table) single(ctx context.Context, method, u string, data any, expected int, o *callOptions) (Record, error) {
	resp, err := t.transport.do(ctx, t.newRequest(method, u, data, expected, o))
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", strings.ToLower(method), t.name, err)
	}
	var rec Record
	if err := decodeResult(method, resp.body, &rec); err != nil {
		return nil, fmt.Errorf("%s %s: %w", strings.ToLower(method), t.name, err)
	}
	if rec == nil {
		observability.Metrics.APIErrorsTotal.WithLabelValues(method, "malformed").Inc()
		return nil, fmt.Errorf("%s %s: %w: null result", strings.ToLower(method), t.name, ErrMalformedResponse)
	}
	return rec, nil
}

func (t *Table) newRequest(method, u string, body any, expected int, o *callOptions) request {
	return request{
		method:      method,
		url:         u,
		table:       t.name,
		body:        body,
		expected:    expected,
		credentials: t.credentials,
		opts:        o,
	}
}
