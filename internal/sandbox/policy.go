package sandbox

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/antimomentum/antimomentum/config"
	"gopkg.in/yaml.v3"
)

const (
	defaultNodeImage   = "node:20-slim"
	defaultPythonImage = "python:3.11-slim"
	defaultPidsLimit   = 64
)

// Policy represents the resource envelope applied to every sandboxed program.
type Policy struct {
	Provider string  `yaml:"provider"`
	CPU      float64 `yaml:"cpu"`
	Memory   string  `yaml:"memory"`
	Pids     int64   `yaml:"pids"`
	Timeout  string  `yaml:"timeout"`
	Network  struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"network"`
	Images map[string]string `yaml:"images"`
}

// LoadPolicy reads the policy named by cfg.PolicyFile and fills unset values
// from the security defaults. Without a policy file the defaults are used as is.
func LoadPolicy(cfg config.SecurityConfig) (*Policy, error) {
	var policy Policy
	if path := strings.TrimSpace(cfg.PolicyFile); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read policy: %w", err)
		}
		var doc struct {
			Sandbox Policy `yaml:"sandbox"`
		}
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse policy: %w", err)
		}
		policy = doc.Sandbox
	}
	if policy.Provider == "" {
		policy.Provider = cfg.SandboxProvider
	}
	if policy.Timeout == "" && cfg.DefaultTimeout > 0 {
		policy.Timeout = cfg.DefaultTimeout.String()
	}
	if policy.CPU == 0 {
		policy.CPU = cfg.DefaultCPU
	}
	if policy.Memory == "" {
		policy.Memory = cfg.DefaultMemory
	}
	if policy.Pids == 0 {
		policy.Pids = defaultPidsLimit
	}
	if policy.Provider == "" {
		return nil, fmt.Errorf("sandbox provider missing; set security.sandbox_provider or sandbox.provider in policy")
	}
	if _, err := time.ParseDuration(policy.Timeout); err != nil {
		return nil, fmt.Errorf("sandbox timeout %q: %w", policy.Timeout, err)
	}
	if policy.CPU < 0 {
		return nil, fmt.Errorf("sandbox cpu must not be negative")
	}
	return &policy, nil
}

// TimeoutDuration returns the wall-clock limit for a single run.
func (p *Policy) TimeoutDuration() time.Duration {
	d, err := time.ParseDuration(p.Timeout)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}

// MemoryBytes returns the memory limit in bytes, or 0 when unset or invalid.
func (p *Policy) MemoryBytes() int64 {
	return int64(parseMemoryBytes(p.Memory))
}

// Image returns the container image used for lang.
func (p *Policy) Image(lang Language) string {
	if img := strings.TrimSpace(p.Images[string(lang.base())]); img != "" {
		return img
	}
	if lang.base() == LanguagePython {
		return defaultPythonImage
	}
	return defaultNodeImage
}

func parseMemoryBytes(value string) float64 {
	val := strings.TrimSpace(strings.ToLower(value))
	if val == "" {
		return 0
	}
	// longest suffixes first so "mib" is not read as "b"
	units := []struct {
		suffix     string
		multiplier float64
	}{
		{"kib", 1024}, {"mib", math.Pow(1024, 2)}, {"gib", math.Pow(1024, 3)},
		{"kb", 1024}, {"mb", math.Pow(1024, 2)}, {"gb", math.Pow(1024, 3)},
		{"ki", 1024}, {"mi", math.Pow(1024, 2)}, {"gi", math.Pow(1024, 3)},
		{"k", 1024}, {"m", math.Pow(1024, 2)}, {"g", math.Pow(1024, 3)},
		{"b", 1},
	}
	for _, u := range units {
		if strings.HasSuffix(val, u.suffix) {
			number := strings.TrimSpace(strings.TrimSuffix(val, u.suffix))
			f, err := strconv.ParseFloat(number, 64)
			if err != nil {
				return 0
			}
			return f * u.multiplier
		}
	}
	if f, err := strconv.ParseFloat(val, 64); err == nil {
		return f
	}
	return 0
}
