package proxy

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/microshop/gateway/internal/gwerrors"
	"github.com/microshop/gateway/internal/logging"
	"github.com/microshop/gateway/internal/registry"
)

func backendFor(t *testing.T, rawURL string, timeout time.Duration) registry.Backend {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse %q: %v", rawURL, err)
	}
	return registry.Backend{Name: "test", URL: u, Timeout: timeout, Enabled: true}
}

func TestForwarder_RelaysRequestAndResponse(t *testing.T) {
	var seen *http.Request
	var seenBody string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Clone(r.Context())
		body, _ := io.ReadAll(r.Body)
		seenBody = string(body)
		w.Header().Set("X-Backend", "catalog")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":7}`))
	}))
	defer ts.Close()

	f := NewForwarder(logging.Nop())
	req := httptest.NewRequest(http.MethodPost, "/api/catalog/items?page=2", strings.NewReader(`{"name":"mug"}`))
	req.Header.Set("X-Request-Source", "web")
	rec := httptest.NewRecorder()

	route := Route{Pattern: "/api/catalog", Backend: "test", StripPrefix: true}
	res, gerr := f.Forward(rec, req, backendFor(t, ts.URL, 5*time.Second), route)
	if gerr != nil {
		t.Fatalf("Forward() error: %v", gerr)
	}

	if res.StatusCode != http.StatusCreated || res.Failure {
		t.Errorf("result = %+v, want status 201 and no failure", res)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("relayed status = %d, want 201", rec.Code)
	}
	if got := rec.Body.String(); got != `{"id":7}` {
		t.Errorf("relayed body = %q", got)
	}
	if got := rec.Header().Get("X-Backend"); got != "catalog" {
		t.Errorf("relayed header X-Backend = %q", got)
	}
	if seen.URL.Path != "/items" {
		t.Errorf("backend saw path %q, want /items", seen.URL.Path)
	}
	if seen.URL.RawQuery != "page=2" {
		t.Errorf("backend saw query %q, want page=2", seen.URL.RawQuery)
	}
	if seen.Header.Get("X-Request-Source") != "web" {
		t.Error("ordinary headers must be relayed")
	}
	if seenBody != `{"name":"mug"}` {
		t.Errorf("backend saw body %q", seenBody)
	}
}

func TestForwarder_StripsHopByHopHeaders(t *testing.T) {
	var seen http.Header
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	f := NewForwarder(logging.Nop())
	req := httptest.NewRequest(http.MethodGet, "/api/catalog", nil)
	req.Header.Set("Connection", "X-Internal-Flag")
	req.Header.Set("X-Internal-Flag", "1")
	req.Header.Set("Proxy-Authorization", "Basic xyz")
	req.Header.Set("Keep-Alive", "timeout=5")
	rec := httptest.NewRecorder()

	route := Route{Pattern: "/api/catalog", Backend: "test"}
	if _, gerr := f.Forward(rec, req, backendFor(t, ts.URL, 5*time.Second), route); gerr != nil {
		t.Fatalf("Forward() error: %v", gerr)
	}

	for _, name := range []string{"X-Internal-Flag", "Proxy-Authorization", "Keep-Alive"} {
		if seen.Get(name) != "" {
			t.Errorf("hop-by-hop header %s leaked to the backend", name)
		}
	}
}

func TestForwarder_SetsForwardedFor(t *testing.T) {
	var seen string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Get("X-Forwarded-For")
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	f := NewForwarder(logging.Nop())
	req := httptest.NewRequest(http.MethodGet, "/api/catalog", nil)
	req.RemoteAddr = "198.51.100.9:41000"
	rec := httptest.NewRecorder()

	route := Route{Pattern: "/api/catalog", Backend: "test"}
	if _, gerr := f.Forward(rec, req, backendFor(t, ts.URL, 5*time.Second), route); gerr != nil {
		t.Fatalf("Forward() error: %v", gerr)
	}
	if seen != "198.51.100.9" {
		t.Errorf("X-Forwarded-For = %q, want client IP", seen)
	}
}

func TestForwarder_BackendErrorRelayedAsFailure(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer ts.Close()

	f := NewForwarder(logging.Nop())
	req := httptest.NewRequest(http.MethodGet, "/api/orders", nil)
	rec := httptest.NewRecorder()

	route := Route{Pattern: "/api/orders", Backend: "test"}
	res, gerr := f.Forward(rec, req, backendFor(t, ts.URL, 5*time.Second), route)
	if gerr != nil {
		t.Fatalf("Forward() error: %v", gerr)
	}
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, backend 5xx must be relayed verbatim", rec.Code)
	}
	if !res.Failure {
		t.Error("a 5xx response must count as a breaker failure")
	}
}

func TestForwarder_Timeout(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer ts.Close()

	f := NewForwarder(logging.Nop())
	req := httptest.NewRequest(http.MethodGet, "/api/payments", nil)
	rec := httptest.NewRecorder()

	route := Route{Pattern: "/api/payments", Backend: "test"}
	res, gerr := f.Forward(rec, req, backendFor(t, ts.URL, 50*time.Millisecond), route)
	if gerr == nil {
		t.Fatal("Forward() should fail on timeout")
	}
	if gerr.Code != gwerrors.CodeBackendTimeout {
		t.Errorf("error code = %s, want %s", gerr.Code, gwerrors.CodeBackendTimeout)
	}
	if !res.Failure {
		t.Error("a timeout must count as a breaker failure")
	}
}

func TestForwarder_Unreachable(t *testing.T) {
	f := NewForwarder(logging.Nop())
	req := httptest.NewRequest(http.MethodGet, "/api/cart", nil)
	rec := httptest.NewRecorder()

	// Port 1 on loopback is closed, so the dial fails immediately.
	route := Route{Pattern: "/api/cart", Backend: "test"}
	res, gerr := f.Forward(rec, req, backendFor(t, "http://127.0.0.1:1", 2*time.Second), route)
	if gerr == nil {
		t.Fatal("Forward() should fail against a closed port")
	}
	if gerr.Code != gwerrors.CodeBackendUnreachable {
		t.Errorf("error code = %s, want %s", gerr.Code, gwerrors.CodeBackendUnreachable)
	}
	if !res.Failure {
		t.Error("a connection failure must count as a breaker failure")
	}
}
