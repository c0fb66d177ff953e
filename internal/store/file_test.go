package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const endpointsYAML = `
endpoints:
  - id: echo
    name: Echo service
    target_url: ws://127.0.0.1:9001/ws
    enabled: true
    limits:
      max_connections: 4
      max_message_size: 1024
      connection_timeout_ms: 2000
      idle_timeout_ms: 60000
      rate_limit_rpm: 120
    sampling:
      enabled: true
      sample_rate: 0.25
      store_content: true
      max_sample_size: 256
  - id: disabled
    name: Disabled service
    target_url: ws://127.0.0.1:9002/ws
    enabled: false
`

func writeEndpointsFile(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "endpoints.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestFileEndpointStore_LoadsAndValidates(t *testing.T) {
	path := writeEndpointsFile(t, t.TempDir(), endpointsYAML)

	s, err := NewFileEndpointStore(path, nil)
	if err != nil {
		t.Fatalf("NewFileEndpointStore: %v", err)
	}
	defer s.Close()

	if got := s.Len(); got != 2 {
		t.Fatalf("Len=%d, want 2", got)
	}

	ep, err := s.Get(context.Background(), "echo")
	if err != nil {
		t.Fatalf("Get(echo): %v", err)
	}
	if ep.TargetURL != "ws://127.0.0.1:9001/ws" {
		t.Fatalf("TargetURL=%q", ep.TargetURL)
	}
	if !ep.Enabled {
		t.Fatalf("echo should be enabled")
	}
	if ep.Limits.MaxConnections != 4 || ep.Limits.MaxMessageSize != 1024 || ep.Limits.RateLimitRPM != 120 {
		t.Fatalf("limits not parsed: %+v", ep.Limits)
	}
	if got := ep.Limits.ConnectionTimeout(); got != 2*time.Second {
		t.Fatalf("ConnectionTimeout=%v, want 2s", got)
	}
	if got := ep.Limits.IdleTimeout(); got != time.Minute {
		t.Fatalf("IdleTimeout=%v, want 1m", got)
	}
	if !ep.Sampling.Enabled || ep.Sampling.SampleRate != 0.25 || ep.Sampling.MaxSampleSize != 256 {
		t.Fatalf("sampling not parsed: %+v", ep.Sampling)
	}

	if _, err := s.Get(context.Background(), "missing"); !errors.Is(err, ErrEndpointNotFound) {
		t.Fatalf("Get(missing) err=%v, want ErrEndpointNotFound", err)
	}
}

func TestFileEndpointStore_GetReturnsCopy(t *testing.T) {
	path := writeEndpointsFile(t, t.TempDir(), endpointsYAML)

	s, err := NewFileEndpointStore(path, nil)
	if err != nil {
		t.Fatalf("NewFileEndpointStore: %v", err)
	}
	defer s.Close()

	ep, _ := s.Get(context.Background(), "echo")
	ep.Enabled = false

	again, _ := s.Get(context.Background(), "echo")
	if !again.Enabled {
		t.Fatalf("mutating a returned endpoint must not affect the store")
	}
}

func TestFileEndpointStore_RejectsInvalidFile(t *testing.T) {
	cases := map[string]string{
		"bad scheme": `
endpoints:
  - id: bad
    target_url: http://example.com
    enabled: true
`,
		"missing id": `
endpoints:
  - target_url: ws://example.com/ws
    enabled: true
`,
		"duplicate id": `
endpoints:
  - id: dup
    target_url: ws://example.com/a
  - id: dup
    target_url: ws://example.com/b
`,
		"bad sample rate": `
endpoints:
  - id: s
    target_url: ws://example.com/ws
    sampling:
      enabled: true
      sample_rate: 1.5
`,
	}

	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			path := writeEndpointsFile(t, t.TempDir(), content)
			if _, err := NewFileEndpointStore(path, nil); err == nil {
				t.Fatalf("expected load error")
			}
		})
	}
}

func TestFileEndpointStore_HotReload(t *testing.T) {
	dir := t.TempDir()
	path := writeEndpointsFile(t, dir, endpointsYAML)

	s, err := NewFileEndpointStore(path, nil)
	if err != nil {
		t.Fatalf("NewFileEndpointStore: %v", err)
	}
	defer s.Close()
	if err := s.Watch(); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	writeEndpointsFile(t, dir, `
endpoints:
  - id: echo
    target_url: ws://127.0.0.1:9001/ws
    enabled: false
`)

	deadline := time.Now().Add(5 * time.Second)
	for {
		ep, err := s.Get(context.Background(), "echo")
		if err == nil && !ep.Enabled && s.Len() == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("reload not observed")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestFileEndpointStore_BadReloadKeepsLastGood(t *testing.T) {
	dir := t.TempDir()
	path := writeEndpointsFile(t, dir, endpointsYAML)

	s, err := NewFileEndpointStore(path, nil)
	if err != nil {
		t.Fatalf("NewFileEndpointStore: %v", err)
	}
	defer s.Close()
	if err := s.Watch(); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	writeEndpointsFile(t, dir, "endpoints: [")

	// The bad write must not evict the previous snapshot. There is no reload
	// completion signal for a rejected file, so give the watcher a moment.
	time.Sleep(200 * time.Millisecond)
	if _, err := s.Get(context.Background(), "echo"); err != nil {
		t.Fatalf("Get after bad reload: %v", err)
	}
	if got := s.Len(); got != 2 {
		t.Fatalf("Len=%d after bad reload, want 2", got)
	}
}
