package servicenow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/RaikaSurendra/servicenow-table-client/internal/observability"
)

// transport sends authenticated Table API requests. It is immutable after
// construction and shared by every Table an Instance hands out.
type transport struct {
	http    *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// request describes one HTTP exchange.
type request struct {
	method      string
	url         string
	table       string
	body        any
	expected    int
	credentials Credentials
	opts        *callOptions
}

// response is the raw outcome of an exchange whose status matched.
type response struct {
	body   []byte
	header http.Header
}

// do executes a single request. There is no retry loop: every failure is
// returned to the caller as-is.
//
//  1. Wait for rate limiter (if configured)
//  2. Build the request with fresh headers and basic auth
//  3. Send it and read the whole body
//  4. Status == expected: return the body
//  5. Otherwise: classify the error envelope
func (t *transport) do(ctx context.Context, r request) (*response, error) {
	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			observability.Metrics.APIErrorsTotal.WithLabelValues(r.method, "rate_limited").Inc()
			return nil, fmt.Errorf("rate limiter wait: %w", err)
		}
	}

	var payload io.Reader
	if r.body != nil {
		raw, err := json.Marshal(r.body)
		if err != nil {
			return nil, fmt.Errorf("marshaling request body: %w", err)
		}
		payload = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, r.method, r.url, payload)
	if err != nil {
		return nil, fmt.Errorf("creating %s request: %w", r.method, err)
	}
	for k, v := range r.opts.headers {
		req.Header[k] = append([]string(nil), v...)
	}
	if r.body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", r.credentials.header())

	if r.opts.verbose {
		t.logger.Info("sending request", "method", r.method, "url", r.url)
	} else {
		t.logger.Debug("sending request", "method", r.method, "url", r.url)
	}

	start := time.Now()
	resp, err := t.http.Do(req)
	observability.Metrics.APIRequestsTotal.WithLabelValues(r.method, r.table).Inc()
	observability.Metrics.APILatency.WithLabelValues(r.method, r.table).Observe(time.Since(start).Seconds())
	if err != nil {
		observability.Metrics.APIErrorsTotal.WithLabelValues(r.method, "network").Inc()
		return nil, fmt.Errorf("%s %s: %w", r.method, r.url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		observability.Metrics.APIErrorsTotal.WithLabelValues(r.method, "network").Inc()
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	if resp.StatusCode != r.expected {
		observability.Metrics.APIErrorsTotal.WithLabelValues(r.method, strconv.Itoa(resp.StatusCode)).Inc()
		cerr := classify(resp.StatusCode, body)
		t.logger.Debug("unexpected status",
			"method", r.method,
			"url", r.url,
			"status", resp.StatusCode,
			"expected", r.expected,
			"error", cerr,
		)
		return nil, cerr
	}

	return &response{body: body, header: resp.Header}, nil
}

// decodeResult extracts the "result" member of a success envelope into out.
func decodeResult(method string, body []byte, out any) error {
	var env resultEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		observability.Metrics.APIErrorsTotal.WithLabelValues(method, "malformed").Inc()
		return fmt.Errorf("%w: %v (body: %s)", ErrMalformedResponse, err, truncateBody(body))
	}
	if len(env.Result) == 0 {
		observability.Metrics.APIErrorsTotal.WithLabelValues(method, "malformed").Inc()
		return fmt.Errorf("%w: missing result (body: %s)", ErrMalformedResponse, truncateBody(body))
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		observability.Metrics.APIErrorsTotal.WithLabelValues(method, "malformed").Inc()
		return fmt.Errorf("%w: decoding result: %v", ErrMalformedResponse, err)
	}
	return nil
}
