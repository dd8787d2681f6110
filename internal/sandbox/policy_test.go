package sandbox

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/antimomentum/antimomentum/config"
)

func writePolicy(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	return path
}

func defaultSecurity() config.SecurityConfig {
	return config.SecurityConfig{
		SandboxProvider: "docker",
		DefaultTimeout:  30 * time.Second,
		DefaultCPU:      1,
		DefaultMemory:   "256m",
	}
}

func TestLoadPolicyFromFile(t *testing.T) {
	cfg := defaultSecurity()
	cfg.PolicyFile = writePolicy(t, `sandbox:
  provider: docker
  cpu: 0.5
  memory: 512Mi
  pids: 16
  timeout: 10s
  network:
    enabled: false
  images:
    python: python:3.12-alpine
`)
	policy, err := LoadPolicy(cfg)
	if err != nil {
		t.Fatalf("LoadPolicy: %v", err)
	}
	if policy.CPU != 0.5 || policy.Pids != 16 || policy.TimeoutDuration() != 10*time.Second {
		t.Fatalf("unexpected policy %+v", policy)
	}
	if policy.MemoryBytes() != 512*1024*1024 {
		t.Fatalf("unexpected memory bytes %d", policy.MemoryBytes())
	}
	if policy.Image(LanguagePython) != "python:3.12-alpine" {
		t.Fatalf("unexpected python image %q", policy.Image(LanguagePython))
	}
	if policy.Image(LanguageJavaScript) != "node:20-slim" {
		t.Fatalf("unexpected node image %q", policy.Image(LanguageJavaScript))
	}
}

func TestLoadPolicyDefaultsWithoutFile(t *testing.T) {
	policy, err := LoadPolicy(defaultSecurity())
	if err != nil {
		t.Fatalf("LoadPolicy: %v", err)
	}
	if policy.Provider != "docker" || policy.Memory != "256m" || policy.Pids != 64 || policy.TimeoutDuration() != 30*time.Second {
		t.Fatalf("unexpected defaults %+v", policy)
	}
}

func TestLoadPolicyErrors(t *testing.T) {
	cfg := defaultSecurity()
	cfg.PolicyFile = filepath.Join(t.TempDir(), "missing.yaml")
	if _, err := LoadPolicy(cfg); err == nil {
		t.Fatal("expected error for missing file")
	}

	cfg = defaultSecurity()
	cfg.PolicyFile = writePolicy(t, "sandbox: [not, a, map]")
	if _, err := LoadPolicy(cfg); err == nil {
		t.Fatal("expected parse error")
	}

	cfg = defaultSecurity()
	cfg.PolicyFile = writePolicy(t, "sandbox:\n  timeout: soon\n")
	if _, err := LoadPolicy(cfg); err == nil {
		t.Fatal("expected invalid timeout error")
	}
}

func TestParseMemoryBytes(t *testing.T) {
	tests := map[string]float64{
		"256m":  256 * 1024 * 1024,
		"512Mi": 512 * 1024 * 1024,
		"1g":    1024 * 1024 * 1024,
		"64kb":  64 * 1024,
		"100":   100,
		"":      0,
		"lots":  0,
	}
	for in, want := range tests {
		if got := parseMemoryBytes(in); got != want {
			t.Fatalf("parseMemoryBytes(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewDisabledProvider(t *testing.T) {
	cfg := defaultSecurity()
	cfg.SandboxProvider = config.SandboxProviderDisabled
	sb, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, ok := sb.(Disabled); !ok {
		t.Fatalf("expected Disabled sandbox, got %T", sb)
	}
}
