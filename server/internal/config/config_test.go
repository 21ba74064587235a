package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func TestLoad_Defaults(t *testing.T) {
	// Agent section only; server section absent.
	p := writeConfig(t, `agent:
  node_name: web-1
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	s := cfg.Server
	if s.ListenAddr() != "0.0.0.0:28777" {
		t.Errorf("listen addr: got %q", s.ListenAddr())
	}
	if s.HTTPPort != DefaultHTTPPort {
		t.Errorf("http_port: got %d, want %d", s.HTTPPort, DefaultHTTPPort)
	}
	if s.Delimiter != "\r\n" {
		t.Errorf("delimiter: got %q", s.Delimiter)
	}
	if s.Retention != DefaultRetention {
		t.Errorf("retention: got %d, want %d", s.Retention, DefaultRetention)
	}
	if s.NodeTTL != DefaultNodeTTL {
		t.Errorf("node_ttl: got %v, want %v", s.NodeTTL, DefaultNodeTTL)
	}
	if s.Storage.Backend != "" {
		t.Errorf("storage.backend: got %q, want memory", s.Storage.Backend)
	}
}

func TestLoad_FullServer(t *testing.T) {
	p := writeConfig(t, `server:
  host: 127.0.0.1
  port: 9000
  http_port: 9091
  delimiter: "\n"
  retention: 50
  node_ttl: 1h
  auth:
    mode: apikey
    key_env: MY_KEY
    header: x-tail-key
  storage:
    backend: sqlite
    path: /tmp/archive.db
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	s := cfg.Server
	if s.ListenAddr() != "127.0.0.1:9000" {
		t.Errorf("listen addr: got %q", s.ListenAddr())
	}
	if s.Delimiter != "\n" {
		t.Errorf("delimiter: got %q, want LF", s.Delimiter)
	}
	if s.Retention != 50 || s.NodeTTL != time.Hour {
		t.Errorf("retention/ttl: got %d/%v", s.Retention, s.NodeTTL)
	}
	if s.Auth.EffectiveHeader() != "x-tail-key" {
		t.Errorf("header: got %q, want x-tail-key", s.Auth.EffectiveHeader())
	}
	if s.Storage.Backend != "sqlite" || s.Storage.Path != "/tmp/archive.db" {
		t.Errorf("storage: got %+v", s.Storage)
	}
}

func TestLoad_DefaultHeader(t *testing.T) {
	p := writeConfig(t, `server:
  auth:
    mode: apikey
    key_env: K
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if h := cfg.Server.Auth.EffectiveHeader(); h != "x-api-key" {
		t.Errorf("EffectiveHeader: got %q, want x-api-key", h)
	}
}

func TestLoad_KeyEnvResolution(t *testing.T) {
	t.Setenv("TEST_SERVER_KEY", "supersecret")
	p := writeConfig(t, `server:
  auth:
    mode: apikey
    key_env: TEST_SERVER_KEY
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if k := cfg.Server.Auth.Key(); k != "supersecret" {
		t.Errorf("Key(): got %q, want supersecret", k)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv(EnvPort, "30000")
	t.Setenv(EnvHTTPPort, "30001")
	t.Setenv(EnvLogLevel, "debug")
	p := writeConfig(t, `server:
  port: 1000
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 30000 || cfg.Server.HTTPPort != 30001 {
		t.Errorf("ports: got %d/%d, want 30000/30001", cfg.Server.Port, cfg.Server.HTTPPort)
	}
	if cfg.Server.LogLevel != "debug" {
		t.Errorf("log_level: got %q, want debug", cfg.Server.LogLevel)
	}
}

func TestLoad_Invalid(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"unknown auth mode", "server:\n  auth:\n    mode: oauth2\n"},
		{"port out of range", "server:\n  port: 70000\n"},
		{"same ports", "server:\n  port: 8080\n  http_port: 8080\n"},
		{"empty delimiter", "server:\n  delimiter: \"\"\n"},
		{"zero retention", "server:\n  retention: 0\n"},
		{"negative ttl", "server:\n  node_ttl: -1m\n"},
		{"unknown backend", "server:\n  storage:\n    backend: postgres\n"},
		{"sqlite without path", "server:\n  storage:\n    backend: sqlite\n    path: \"\"\n"},
		{"unknown level", "server:\n  log_level: loud\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tc.yaml)); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}

func TestLoad_BadEnvPort(t *testing.T) {
	t.Setenv(EnvPort, "not-a-port")
	if _, err := Load(writeConfig(t, "server: {}\n")); err == nil {
		t.Fatal("expected error for non-numeric port override")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}
