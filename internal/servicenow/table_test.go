package servicenow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// newTestTable starts an httptest server for handler and returns a Table
// pointing at it.
func newTestTable(t *testing.T, handler http.HandlerFunc) (*Table, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	inst := NewInstance(srv.URL, "admin", "secret", WithLogger(testLogger()), WithTimeout(5*time.Second))
	return inst.Table("incident"), srv
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestListFollowsLinkHeader(t *testing.T) {
	var requests atomic.Int32
	var srv *httptest.Server
	tbl, srv := newTestTable(t, func(w http.ResponseWriter, r *http.Request) {
		n := requests.Add(1)
		if r.Method != http.MethodGet || r.URL.Path != "/api/now/table/incident" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		page := r.URL.Query().Get("page")
		switch page {
		case "":
			w.Header().Set("Link", fmt.Sprintf(`<%s/api/now/table/incident?page=1>;rel="first",<%s/api/now/table/incident?page=2>;rel="next",<%s/api/now/table/incident?page=3>;rel="last"`, srv.URL, srv.URL, srv.URL))
			writeJSON(w, 200, map[string]any{"result": []Record{{"number": "INC1"}, {"number": "INC2"}}})
		case "2":
			w.Header().Set("Link", fmt.Sprintf(`<%s/api/now/table/incident?page=3>;rel="next"`, srv.URL))
			writeJSON(w, 200, map[string]any{"result": []Record{{"number": "INC3"}}})
		case "3":
			writeJSON(w, 200, map[string]any{"result": []Record{{"number": "INC4"}, {"number": "INC5"}}})
		default:
			t.Errorf("request %d for unexpected page %q", n, page)
		}
	})

	records, err := tbl.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if got := requests.Load(); got != 3 {
		t.Errorf("requests = %d, want 3", got)
	}
	want := []string{"INC1", "INC2", "INC3", "INC4", "INC5"}
	if len(records) != len(want) {
		t.Fatalf("got %d records, want %d", len(records), len(want))
	}
	for i, w := range want {
		if records[i]["number"] != w {
			t.Errorf("records[%d] = %v, want %s", i, records[i]["number"], w)
		}
	}
}

func TestListEmptyAndMalformedLink(t *testing.T) {
	tests := []struct {
		name string
		link string
	}{
		{"no header", ""},
		{"garbage header", "this is not a link header"},
		{"no next", `<http://x/first>;rel="first",<http://x/last>;rel="last"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var requests atomic.Int32
			tbl, _ := newTestTable(t, func(w http.ResponseWriter, r *http.Request) {
				requests.Add(1)
				if tt.link != "" {
					w.Header().Set("Link", tt.link)
				}
				writeJSON(w, 200, map[string]any{"result": []Record{}})
			})

			records, err := tbl.List(context.Background())
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			if records == nil || len(records) != 0 {
				t.Errorf("records = %#v, want empty non-nil slice", records)
			}
			if requests.Load() != 1 {
				t.Errorf("requests = %d, want 1", requests.Load())
			}
		})
	}
}

func TestListSendsParamsVerbatim(t *testing.T) {
	var (
		mu       sync.Mutex
		rawQuery string
	)
	tbl, _ := newTestTable(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		rawQuery = r.URL.RawQuery
		mu.Unlock()
		writeJSON(w, 200, map[string]any{"result": []Record{}})
	})

	_, err := tbl.List(context.Background(),
		Param("sysparm_query", "active=true^priority=1"),
		Fields("number", "short_description"),
		Limit(2),
	)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	want := "sysparm_query=active=true^priority=1&sysparm_fields=number,short_description&sysparm_limit=2"
	mu.Lock()
	defer mu.Unlock()
	if rawQuery != want {
		t.Errorf("query = %q, want %q", rawQuery, want)
	}
}

// A failing page discards everything fetched so far.
func TestListFailureOnLaterPage(t *testing.T) {
	var srv *httptest.Server
	tbl, srv := newTestTable(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "" {
			w.Header().Set("Link", "<"+srv.URL+`/api/now/table/incident?page=2>;rel="next"`)
			writeJSON(w, 200, map[string]any{"result": []Record{{"number": "INC1"}}})
			return
		}
		writeJSON(w, 500, map[string]any{"error": map[string]any{"message": "Internal error", "detail": nil}})
	})

	records, err := tbl.List(context.Background())
	if records != nil {
		t.Errorf("records = %v, want nil", records)
	}
	if !IsStatus(err, 500) {
		t.Fatalf("err = %v, want 500 StatusCodeError", err)
	}

	var pages int
	err = tbl.ListPages(context.Background(), func(page []Record) error {
		pages++
		return nil
	})
	if pages != 1 || !IsStatus(err, 500) {
		t.Errorf("ListPages delivered %d pages, err = %v", pages, err)
	}
}

func TestListPagesStopsOnCallbackError(t *testing.T) {
	var requests atomic.Int32
	var srv *httptest.Server
	tbl, srv := newTestTable(t, func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.Header().Set("Link", "<"+srv.URL+`/api/now/table/incident?page=next>;rel="next"`)
		writeJSON(w, 200, map[string]any{"result": []Record{{"number": "INC1"}}})
	})

	stop := errors.New("stop")
	err := tbl.ListPages(context.Background(), func([]Record) error { return stop })
	if !errors.Is(err, stop) {
		t.Fatalf("err = %v, want stop", err)
	}
	if requests.Load() != 1 {
		t.Errorf("requests = %d, want 1", requests.Load())
	}
}

func TestListRelativeNextLink(t *testing.T) {
	var requests atomic.Int32
	tbl, _ := newTestTable(t, func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		if r.URL.Query().Get("sysparm_offset") == "" {
			w.Header().Set("Link", `</api/now/table/incident?sysparm_offset=1>;rel="next"`)
		}
		writeJSON(w, 200, map[string]any{"result": []Record{{"n": "x"}}})
	})

	records, err := tbl.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != 2 || requests.Load() != 2 {
		t.Errorf("records = %d, requests = %d; want 2 and 2", len(records), requests.Load())
	}
}

func TestGetAndGetByNumber(t *testing.T) {
	tbl, _ := newTestTable(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/api/now/table/incident/abc":
			writeJSON(w, 200, map[string]any{"result": Record{"sys_id": "abc", "number": "INC1"}})
		case r.URL.Path == "/api/now/table/incident" && r.URL.Query().Get("number") == "INC1":
			// number must come last, after caller params.
			if r.URL.RawQuery != "sysparm_fields=sys_id&number=INC1" && r.URL.RawQuery != "number=INC1" {
				t.Errorf("raw query = %q", r.URL.RawQuery)
			}
			writeJSON(w, 200, map[string]any{"result": []Record{{"sys_id": "abc"}}})
		default:
			writeJSON(w, 404, map[string]any{"error": map[string]any{"message": "No Record found", "detail": "Record doesn't exist"}})
		}
	})
	ctx := context.Background()

	rec, err := tbl.Get(ctx, "abc")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if id, _ := rec.SysID(); id != "abc" {
		t.Errorf("sys_id = %q", id)
	}

	_, err = tbl.Get(ctx, "missing")
	if !IsNotFound(err) {
		t.Fatalf("Get(missing) err = %v, want 404", err)
	}
	var sce *StatusCodeError
	if errors.As(err, &sce) && (sce.Detail == nil || *sce.Detail != "Record doesn't exist") {
		t.Errorf("detail = %v", sce.Detail)
	}

	for _, opts := range [][]CallOption{nil, {Fields("sys_id")}} {
		records, err := tbl.GetByNumber(ctx, "INC1", opts...)
		if err != nil {
			t.Fatalf("GetByNumber: %v", err)
		}
		if len(records) != 1 {
			t.Errorf("GetByNumber returned %d records", len(records))
		}
	}
}

func TestCreateUpdateReplace(t *testing.T) {
	tbl, _ := newTestTable(t, func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("%s Content-Type = %q", r.Method, ct)
		}
		var in Record
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			t.Errorf("decoding body: %v", err)
		}
		switch r.Method {
		case http.MethodPost:
			in["sys_id"] = "new"
			writeJSON(w, 201, map[string]any{"result": in})
		case http.MethodPatch:
			in["sys_id"] = "abc"
			in["number"] = "INC1"
			writeJSON(w, 200, map[string]any{"result": in})
		case http.MethodPut:
			in["sys_id"] = "abc"
			writeJSON(w, 200, map[string]any{"result": in})
		}
	})
	ctx := context.Background()

	created, err := tbl.Create(ctx, map[string]string{"short_description": "x"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created["short_description"] != "x" || created["sys_id"] != "new" {
		t.Errorf("created = %v", created)
	}

	updated, err := tbl.Update(ctx, "abc", Record{"state": "2"})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated["state"] != "2" || updated["number"] != "INC1" {
		t.Errorf("updated = %v", updated)
	}

	replaced, err := tbl.Replace(ctx, "abc", Record{"state": "3"})
	if err != nil {
		t.Fatalf("Replace: %v", err)
	}
	if replaced["state"] != "3" {
		t.Errorf("replaced = %v", replaced)
	}
}

// Create must see 201; a 200 is an unexpected status even though it is 2xx.
func TestCreateRequiresCreated(t *testing.T) {
	tbl, _ := newTestTable(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, map[string]any{"error": map[string]any{"message": "wrong status", "detail": nil}})
	})
	_, err := tbl.Create(context.Background(), Record{"a": "b"})
	if !IsStatus(err, 200) {
		t.Fatalf("err = %v, want StatusCodeError 200", err)
	}
}

func TestDelete(t *testing.T) {
	t.Run("no content", func(t *testing.T) {
		tbl, _ := newTestTable(t, func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodDelete || r.URL.Path != "/api/now/table/incident/abc" {
				t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
			}
			w.WriteHeader(http.StatusNoContent)
		})
		body, err := tbl.Delete(context.Background(), "abc")
		if err != nil {
			t.Fatalf("Delete: %v", err)
		}
		if body == nil || len(body) != 0 {
			t.Errorf("body = %#v, want empty slice", body)
		}
	})

	t.Run("ok is unexpected", func(t *testing.T) {
		tbl, _ := newTestTable(t, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, 200, map[string]any{"error": map[string]any{"message": "Deleted with content", "detail": nil}})
		})
		_, err := tbl.Delete(context.Background(), "abc")
		var sce *StatusCodeError
		if !errors.As(err, &sce) {
			t.Fatalf("err = %v, want *StatusCodeError", err)
		}
		if sce.StatusCode != 200 {
			t.Errorf("StatusCode = %d, want 200", sce.StatusCode)
		}
	})
}

// Every operation maps the same error envelope to the same StatusCodeError.
func TestEveryOperationClassifiesErrors(t *testing.T) {
	tbl, _ := newTestTable(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"message":"Invalid table x","detail":null}}`))
	})
	ctx := context.Background()

	ops := map[string]func() error{
		"List":        func() error { _, err := tbl.List(ctx); return err },
		"Get":         func() error { _, err := tbl.Get(ctx, "1"); return err },
		"GetByNumber": func() error { _, err := tbl.GetByNumber(ctx, "INC1"); return err },
		"Create":      func() error { _, err := tbl.Create(ctx, Record{}); return err },
		"Update":      func() error { _, err := tbl.Update(ctx, "1", Record{}); return err },
		"Replace":     func() error { _, err := tbl.Replace(ctx, "1", Record{}); return err },
		"Delete":      func() error { _, err := tbl.Delete(ctx, "1"); return err },
	}

	for name, op := range ops {
		t.Run(name, func(t *testing.T) {
			var sce *StatusCodeError
			if err := op(); !errors.As(err, &sce) {
				t.Fatalf("err = %v, want *StatusCodeError", err)
			}
			if sce.Message != "Invalid table x" || sce.Detail != nil || sce.StatusCode != 404 {
				t.Errorf("got %+v", sce)
			}
		})
	}
}

func TestMalformedSuccessBody(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", "<html>ok</html>"},
		{"no result", `{"records":[]}`},
		{"wrong shape", `{"result":"text"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tbl, _ := newTestTable(t, func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(tt.body))
			})
			if _, err := tbl.List(context.Background()); !errors.Is(err, ErrMalformedResponse) {
				t.Errorf("List err = %v, want ErrMalformedResponse", err)
			}
		})
	}
}

func TestHeadersPerCall(t *testing.T) {
	var (
		mu      sync.Mutex
		accepts []string
	)
	tbl, _ := newTestTable(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		accepts = append(accepts, r.Header.Get("Accept")+"|"+r.Header.Get("X-Trace"))
		mu.Unlock()
		writeJSON(w, 200, map[string]any{"result": Record{}})
	})
	ctx := context.Background()

	if _, err := tbl.Get(ctx, "1", Header("Accept", "application/json;charset=utf-8"), Header("X-Trace", "t1")); err != nil {
		t.Fatal(err)
	}
	if _, err := tbl.Get(ctx, "1"); err != nil {
		t.Fatal(err)
	}
	want := []string{"application/json;charset=utf-8|t1", "application/json|"}
	mu.Lock()
	defer mu.Unlock()
	for i := range want {
		if accepts[i] != want[i] {
			t.Errorf("call %d headers = %q, want %q", i, accepts[i], want[i])
		}
	}
}

func TestAPIVersionPath(t *testing.T) {
	var path atomic.Value
	tbl, _ := newTestTable(t, func(w http.ResponseWriter, r *http.Request) {
		path.Store(r.URL.Path)
		writeJSON(w, 200, map[string]any{"result": Record{}})
	})
	if _, err := tbl.Get(context.Background(), "abc", APIVersion("v2"), Verbose()); err != nil {
		t.Fatal(err)
	}
	if got, _ := path.Load().(string); got != "/api/now/v2/table/incident/abc" {
		t.Errorf("path = %q", got)
	}
}

func TestContextCancelled(t *testing.T) {
	tbl, _ := newTestTable(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, map[string]any{"result": []Record{}})
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := tbl.List(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestRateLimiterSpacesRequests(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, map[string]any{"result": Record{}})
	}))
	defer srv.Close()

	tbl := NewInstance(srv.URL, "u", "p", WithRateLimiter(20), WithLogger(testLogger())).Table("incident")
	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 25; i++ {
		if _, err := tbl.Get(ctx, "1"); err != nil {
			t.Fatal(err)
		}
	}
	// 20 burst tokens, then 5 more at 20/s.
	if elapsed := time.Since(start); elapsed < 200*time.Millisecond {
		t.Errorf("25 requests took %v, want >= 200ms", elapsed)
	}
}

func TestVerboseLogsURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, map[string]any{"result": Record{}})
	}))
	defer srv.Close()

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	tbl := NewInstance(srv.URL, "u", "p", WithLogger(logger)).Table("incident")

	if _, err := tbl.Get(context.Background(), "quiet"); err != nil {
		t.Fatal(err)
	}
	if strings.Contains(buf.String(), "quiet") {
		t.Errorf("URL logged at info without Verbose: %s", buf.String())
	}

	if _, err := tbl.Get(context.Background(), "loud", Verbose()); err != nil {
		t.Fatal(err)
	}
	if want := srv.URL + "/api/now/table/incident/loud"; !strings.Contains(buf.String(), want) {
		t.Errorf("log %q does not contain %s", buf.String(), want)
	}
}

func TestNullSingleResult(t *testing.T) {
	tbl, _ := newTestTable(t, func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		if r.Method == http.MethodPost {
			status = http.StatusCreated
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"result":null}`))
	})
	ctx := context.Background()
	data := map[string]any{"state": "2"}

	calls := map[string]func() (Record, error){
		"get":     func() (Record, error) { return tbl.Get(ctx, "a1") },
		"create":  func() (Record, error) { return tbl.Create(ctx, data) },
		"update":  func() (Record, error) { return tbl.Update(ctx, "a1", data) },
		"replace": func() (Record, error) { return tbl.Replace(ctx, "a1", data) },
	}
	for name, call := range calls {
		rec, err := call()
		if !errors.Is(err, ErrMalformedResponse) || rec != nil {
			t.Errorf("%s: rec=%v err=%v, want ErrMalformedResponse", name, rec, err)
		}
	}

	// A null list result is an empty page.
	records, err := tbl.List(ctx)
	if err != nil || records == nil || len(records) != 0 {
		t.Errorf("List: records=%v err=%v, want empty slice", records, err)
	}
}

func TestListRefusesForeignNextLink(t *testing.T) {
	var foreignHits atomic.Int32
	foreign := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		foreignHits.Add(1)
		writeJSON(w, 200, map[string]any{"result": []Record{{"sys_id": "x"}}})
	}))
	defer foreign.Close()

	tbl, _ := newTestTable(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Link", `<`+foreign.URL+`/api/now/table/incident?page=2>;rel="next"`)
		writeJSON(w, 200, map[string]any{"result": []Record{{"sys_id": "a1"}}})
	})

	var pages int
	err := tbl.ListPages(context.Background(), func([]Record) error {
		pages++
		return nil
	})
	if !errors.Is(err, ErrMalformedResponse) {
		t.Errorf("err = %v, want ErrMalformedResponse", err)
	}
	if pages != 1 {
		t.Errorf("pages = %d, want 1", pages)
	}
	if n := foreignHits.Load(); n != 0 {
		t.Errorf("foreign host got %d requests, want 0", n)
	}
}
