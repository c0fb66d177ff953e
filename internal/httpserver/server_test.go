package httpserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"wsproxy/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startServer(t *testing.T) (*Server, string) {
	t.Helper()
	s := New(config.Config{ListenAddr: "127.0.0.1:0"}, testLogger(), BuildInfo{Commit: "abc123", BuildTime: "2026-01-01"})

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		if err := s.Serve(l); err != nil && err != ErrServerClosed {
			t.Errorf("serve: %v", err)
		}
	}()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})

	// Serve flips readiness just before accepting; wait for it.
	deadline := time.Now().Add(time.Second)
	for !s.ready.Load() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	return s, "http://" + l.Addr().String()
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestServer_HealthAndVersion(t *testing.T) {
	_, base := startServer(t)

	var health map[string]any
	if status := getJSON(t, base+"/healthz", &health); status != http.StatusOK {
		t.Fatalf("healthz status = %d", status)
	}
	if health["ok"] != true {
		t.Fatalf("healthz body = %v", health)
	}

	var ready map[string]any
	if status := getJSON(t, base+"/readyz", &ready); status != http.StatusOK {
		t.Fatalf("readyz status = %d", status)
	}

	var build BuildInfo
	if status := getJSON(t, base+"/version", &build); status != http.StatusOK {
		t.Fatalf("version status = %d", status)
	}
	if build.Commit != "abc123" {
		t.Fatalf("version = %+v", build)
	}
}

func TestServer_ReadyzAfterShutdown(t *testing.T) {
	s, base := startServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = s.Shutdown(ctx)

	resp, err := http.Get(base + "/readyz")
	if err != nil {
		// Listener already torn down; that is an acceptable post-shutdown state.
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("readyz after shutdown = %d", resp.StatusCode)
	}
}

func TestServer_RequestIDHeader(t *testing.T) {
	_, base := startServer(t)

	resp, err := http.Get(base + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatalf("no X-Request-ID generated")
	}

	req, _ := http.NewRequest(http.MethodGet, base+"/healthz", nil)
	req.Header.Set("X-Request-ID", "fixed-id")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("X-Request-ID"); got != "fixed-id" {
		t.Fatalf("X-Request-ID = %q, want echo of caller's id", got)
	}
}

func TestRecoverMiddleware(t *testing.T) {
	h := chain(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}), recoverMiddleware(testLogger()))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestCheckOrigin(t *testing.T) {
	cases := []struct {
		name    string
		allowed []string
		origin  string
		host    string
		want    bool
	}{
		{name: "no origin header", origin: "", host: "proxy.example", want: true},
		{name: "same host", origin: "https://proxy.example", host: "proxy.example", want: true},
		{name: "same host with port", origin: "http://proxy.example:8080", host: "proxy.example:8080", want: true},
		{name: "default port equivalence", origin: "https://proxy.example:443", host: "proxy.example", want: true},
		{name: "cross host denied by default", origin: "https://evil.example", host: "proxy.example", want: false},
		{name: "allowlisted", allowed: []string{"https://app.example"}, origin: "https://app.example", host: "proxy.example", want: true},
		{name: "not allowlisted", allowed: []string{"https://app.example"}, origin: "https://other.example", host: "proxy.example", want: false},
		{name: "wildcard", allowed: []string{"*"}, origin: "https://anywhere.example", host: "proxy.example", want: true},
		{name: "null origin denied by default", origin: "null", host: "proxy.example", want: false},
		{name: "garbage origin", origin: "::not-a-url::", host: "proxy.example", want: false},
		{name: "non http scheme", origin: "ftp://proxy.example", host: "proxy.example", want: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			check := CheckOrigin(tc.allowed)
			req := httptest.NewRequest(http.MethodGet, "/ws/x", nil)
			req.Host = tc.host
			if tc.origin != "" {
				req.Header.Set("Origin", tc.origin)
			}
			if got := check(req); got != tc.want {
				t.Fatalf("CheckOrigin(%q vs host %q) = %v, want %v", tc.origin, tc.host, got, tc.want)
			}
		})
	}
}
