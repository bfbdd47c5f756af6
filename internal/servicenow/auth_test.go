package servicenow

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func TestCredentialsHeader(t *testing.T) {
	c := Credentials{Username: "admin", Password: "secret"}
	// "admin:secret" → base64 "YWRtaW46c2VjcmV0"
	if got, want := c.header(), "Basic YWRtaW46c2VjcmV0"; got != want {
		t.Errorf("header() = %q, want %q", got, want)
	}
}

func TestCredentialsStringMasksPassword(t *testing.T) {
	c := Credentials{Username: "admin", Password: "secret"}
	s := c.String()
	if strings.Contains(s, "secret") {
		t.Errorf("String() leaked password: %q", s)
	}
	if !strings.HasPrefix(s, "admin") {
		t.Errorf("String() = %q, want username prefix", s)
	}
}

// Every request carries basic auth, including the ones made while paging.
func TestBasicAuthSentOnEveryRequest(t *testing.T) {
	var (
		mu    sync.Mutex
		users []string
	)
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		mu.Lock()
		users = append(users, u)
		mu.Unlock()
		if !ok || u != "admin" || p != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":{"message":"User Not Authenticated","detail":"Required to provide Auth information"}}`))
			return
		}
		if r.URL.Query().Get("page") == "" {
			w.Header().Set("Link", "<"+srv.URL+"/api/now/table/incident?page=2>;rel=\"next\"")
		}
		_, _ = w.Write([]byte(`{"result":[{"sys_id":"1"}]}`))
	}))
	defer srv.Close()

	tbl := NewInstance(srv.URL, "admin", "secret", WithLogger(testLogger())).Table("incident")
	records, err := tbl.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != 2 {
		t.Errorf("got %d records, want 2", len(records))
	}
	if len(users) != 2 {
		t.Fatalf("got %d requests, want 2", len(users))
	}

	bad := NewInstance(srv.URL, "admin", "wrong", WithLogger(testLogger())).Table("incident")
	_, err = bad.Get(context.Background(), "1")
	if !IsStatus(err, http.StatusUnauthorized) {
		t.Fatalf("err = %v, want 401 StatusCodeError", err)
	}
}
