// Package mockapi implements an in-memory ServiceNow Table API for one table.
//
// It speaks the same wire contract as a real instance, so the servicenow
// client, the CLI and the export/apply pipelines can run against it without
// a live backend:
//
//	GET    /api/now/[{version}/]table/{table}            → 200 {"result": [...]}, Link, X-Total-Count
//	GET    /api/now/[{version}/]table/{table}/{sys_id}   → 200 {"result": {...}} | 404
//	POST   /api/now/[{version}/]table/{table}            → 201 {"result": {...}}
//	PATCH  /api/now/[{version}/]table/{table}/{sys_id}   → 200 {"result": {...}} | 404
//	PUT    /api/now/[{version}/]table/{table}/{sys_id}   → 200 {"result": {...}} | 404
//	DELETE /api/now/[{version}/]table/{table}/{sys_id}   → 204 | 404
//
// Any other table name gets 400 {"error": {"message": "Invalid table <name>",
// "detail": null}, "status": "failure"}.
//
// Records come from an injected [FixtureSource]; [Server.Reload] re-reads it.
package mockapi

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/RaikaSurendra/servicenow-table-client/internal/observability"
	"github.com/RaikaSurendra/servicenow-table-client/internal/servicenow"
)

const (
	apiPrefix    = "/api/now/"
	contentType  = "application/json;charset=UTF-8"
	maxBodyBytes = 10 << 20
)

var versionRe = regexp.MustCompile(`^v[0-9]+$`)

// Server is an http.Handler serving one mock table.
type Server struct {
	table    string
	src      FixtureSource
	store    *store
	pageSize int
	username string
	password string
	now      func() time.Time
	logger   *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithPageSize sets the page size used when a list request has no
// sysparm_limit. Zero returns all matching records in one page.
func WithPageSize(n int) Option {
	return func(s *Server) {
		if n >= 0 {
			s.pageSize = n
		}
	}
}

// WithCredentials makes the server require HTTP Basic auth.
func WithCredentials(username, password string) Option {
	return func(s *Server) {
		s.username = username
		s.password = password
	}
}

// WithClock sets the time source for sys_created_on and sys_updated_on.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

// NewServer creates a mock for table, seeded from src.
func NewServer(table string, src FixtureSource, logger *slog.Logger, opts ...Option) (*Server, error) {
	if table == "" {
		return nil, errors.New("mockapi: table name is required")
	}
	if src == nil {
		src = StaticFixture(nil)
	}

	s := &Server{
		table:  table,
		src:    src,
		now:    time.Now,
		logger: logger.With("component", "mockapi", "table", table),
	}
	for _, opt := range opts {
		opt(s)
	}

	records, err := src.Load()
	if err != nil {
		return nil, fmt.Errorf("mockapi: loading fixture: %w", err)
	}
	s.store = newStore(records, s.now)
	s.logger.Info("mock table loaded", "records", len(records))
	return s, nil
}

// Reload replaces the table contents with a fresh load of the fixture
// source. On error the current contents are kept.
func (s *Server) Reload() error {
	records, err := s.src.Load()
	if err != nil {
		return fmt.Errorf("mockapi: reloading fixture: %w", err)
	}
	s.store.reset(records)
	s.logger.Info("mock table reloaded", "records", len(records))
	return nil
}

// Records returns a copy of the current table contents.
func (s *Server) Records() []servicenow.Record {
	return s.store.snapshot()
}

// Table returns the served table name.
func (s *Server) Table() string {
	return s.table
}

// statusRecorder captures the response status for metrics and logs.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

	s.serve(rec, r)

	observability.Metrics.MockRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
	s.logger.Debug("request served",
		"method", r.Method,
		"uri", r.URL.RequestURI(),
		"status", rec.status,
		"duration", time.Since(start),
	)
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	if s.username != "" && !s.authorized(r) {
		w.Header().Set("WWW-Authenticate", `Basic realm="Service-now"`)
		writeError(w, http.StatusUnauthorized, "User Not Authenticated", strPtr("Required to provide Auth information"))
		return
	}

	table, sysID, ok := parsePath(r.URL.Path)
	if !ok {
		writeError(w, http.StatusBadRequest, "Requested URI does not represent any resource", nil)
		return
	}
	if table != s.table {
		writeError(w, http.StatusBadRequest, "Invalid table "+table, nil)
		return
	}

	switch {
	case r.Method == http.MethodGet && sysID == "":
		s.handleList(w, r)
	case r.Method == http.MethodGet:
		s.handleGet(w, r, sysID)
	case r.Method == http.MethodPost && sysID == "":
		s.handleCreate(w, r)
	case r.Method == http.MethodPatch && sysID != "":
		s.handleUpdate(w, r, sysID, false)
	case r.Method == http.MethodPut && sysID != "":
		s.handleUpdate(w, r, sysID, true)
	case r.Method == http.MethodDelete && sysID != "":
		s.handleDelete(w, sysID)
	default:
		writeError(w, http.StatusMethodNotAllowed, "Method not Supported", strPtr(r.Method+" is not supported on this resource"))
	}
}

func (s *Server) authorized(r *http.Request) bool {
	u, p, ok := r.BasicAuth()
	if !ok {
		return false
	}
	userOK := subtle.ConstantTimeCompare([]byte(u), []byte(s.username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(p), []byte(s.password)) == 1
	return userOK && passOK
}

// parsePath splits /api/now/[{version}/]table/{table}[/{sys_id}].
func parsePath(p string) (table, sysID string, ok bool) {
	rest, found := strings.CutPrefix(p, apiPrefix)
	if !found {
		return "", "", false
	}
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) > 0 && versionRe.MatchString(parts[0]) {
		parts = parts[1:]
	}
	if len(parts) < 2 || len(parts) > 3 || parts[0] != "table" || parts[1] == "" {
		return "", "", false
	}
	if len(parts) == 3 {
		if parts[2] == "" {
			return "", "", false
		}
		sysID = parts[2]
	}
	return parts[1], sysID, true
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()

	q, err := parseQuery(params.Get("sysparm_query"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid query", strPtr(err.Error()))
		return
	}
	limit, err := intParam(params, "sysparm_limit", s.pageSize)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid sysparm_limit", strPtr(err.Error()))
		return
	}
	offset, err := intParam(params, "sysparm_offset", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid sysparm_offset", strPtr(err.Error()))
		return
	}

	records := s.store.filter(q, params.Get("number"))
	total := len(records)

	start := min(offset, total)
	end := total
	if limit > 0 {
		end = min(offset+limit, total)
		w.Header().Set("Link", pageLinks(r, offset, limit, total))
	}
	page := project(records[start:end], params.Get("sysparm_fields"))

	w.Header().Set("X-Total-Count", strconv.Itoa(total))
	writeResult(w, http.StatusOK, page)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request, sysID string) {
	rec, ok := s.store.get(sysID)
	if !ok {
		writeNotFound(w)
		return
	}
	fields := r.URL.Query().Get("sysparm_fields")
	writeResult(w, http.StatusOK, project([]servicenow.Record{rec}, fields)[0])
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	body, ok := readRecord(w, r)
	if !ok {
		return
	}
	writeResult(w, http.StatusCreated, s.store.insert(body))
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request, sysID string, replace bool) {
	body, ok := readRecord(w, r)
	if !ok {
		return
	}
	rec, found := s.store.update(sysID, body, replace)
	if !found {
		writeNotFound(w)
		return
	}
	writeResult(w, http.StatusOK, rec)
}

func (s *Server) handleDelete(w http.ResponseWriter, sysID string) {
	if !s.store.delete(sysID) {
		writeNotFound(w)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// readRecord decodes a JSON object body, writing a 400 on failure.
func readRecord(w http.ResponseWriter, r *http.Request) (servicenow.Record, bool) {
	var rec servicenow.Record
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&rec); err != nil {
		writeError(w, http.StatusBadRequest, "Exception while reading request", strPtr(err.Error()))
		return nil, false
	}
	if rec == nil {
		writeError(w, http.StatusBadRequest, "Exception while reading request", strPtr("request body must be a JSON object"))
		return nil, false
	}
	return rec, true
}

func intParam(params url.Values, key string, def int) (int, error) {
	v := params.Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("%s must not be negative", key)
	}
	return n, nil
}

// pageLinks builds the ServiceNow-style relative-link set for a list page.
func pageLinks(r *http.Request, offset, limit, total int) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	link := func(off int, rel string) string {
		q := r.URL.Query()
		q.Set("sysparm_offset", strconv.Itoa(off))
		q.Set("sysparm_limit", strconv.Itoa(limit))
		u := url.URL{Scheme: scheme, Host: r.Host, Path: r.URL.Path, RawQuery: q.Encode()}
		return fmt.Sprintf("<%s>;rel=%q", u.String(), rel)
	}

	links := []string{link(0, "first")}
	if offset > 0 {
		links = append(links, link(max(offset-limit, 0), "prev"))
	}
	if offset+limit < total {
		links = append(links, link(offset+limit, "next"))
	}
	last := 0
	if total > 0 {
		last = (total - 1) / limit * limit
	}
	links = append(links, link(last, "last"))
	return strings.Join(links, ",")
}

// project keeps only the comma-separated fields, when given.
func project(records []servicenow.Record, fields string) []servicenow.Record {
	if strings.TrimSpace(fields) == "" {
		return records
	}
	names := strings.Split(fields, ",")
	out := make([]servicenow.Record, len(records))
	for i, r := range records {
		p := make(servicenow.Record, len(names))
		for _, n := range names {
			n = strings.TrimSpace(n)
			if v, ok := r[n]; ok {
				p[n] = v
			}
		}
		out[i] = p
	}
	return out
}

func writeResult(w http.ResponseWriter, status int, result any) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"result": result})
}

func writeError(w http.ResponseWriter, status int, message string, detail *string) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": message,
			"detail":  detail,
		},
		"status": "failure",
	})
}

func writeNotFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "No Record found", strPtr("Record doesn't exist or ACL restricts the record retrieval"))
}

func strPtr(s string) *string { return &s }
