package config

import (
	"strings"
	"testing"
	"time"
)

type envTestConfig struct {
	Workers int `env:"CLINOPS_TEST_WORKERS" envDefault:"4"`
}

type prefixedTestConfig struct {
	Backend string        `env:"BACKEND" envDefault:"memory"`
	Timeout time.Duration `env:"TIMEOUT" envDefault:"5s"`
}

func TestParseEnvDefaults(t *testing.T) {
	var cfg envTestConfig

	if err := ParseEnv(&cfg); err != nil {
		t.Fatalf("parse env: %v", err)
	}
	if cfg.Workers != 4 {
		t.Fatalf("expected default workers 4, got %d", cfg.Workers)
	}
}

func TestParseEnvError(t *testing.T) {
	var cfg envTestConfig
	t.Setenv("CLINOPS_TEST_WORKERS", "not-an-int")

	err := ParseEnv(&cfg)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "parse env:") {
		t.Fatalf("expected parse env prefix, got %v", err)
	}
}

func TestParseEnvPrefixedReadsPrefixedNames(t *testing.T) {
	t.Setenv("CLINOPS_STUDY_TEST_BACKEND", "sqlite")
	t.Setenv("CLINOPS_STUDY_TEST_TIMEOUT", "250ms")

	var cfg prefixedTestConfig
	if err := ParseEnvPrefixed(&cfg, "CLINOPS_STUDY_TEST_"); err != nil {
		t.Fatalf("parse env: %v", err)
	}
	if cfg.Backend != "sqlite" {
		t.Fatalf("backend = %q, want %q", cfg.Backend, "sqlite")
	}
	if cfg.Timeout != 250*time.Millisecond {
		t.Fatalf("timeout = %s, want %s", cfg.Timeout, 250*time.Millisecond)
	}
}

func TestParseEnvPrefixedFallsBackWithoutPrefix(t *testing.T) {
	var cfg prefixedTestConfig
	if err := ParseEnvPrefixed(&cfg, "  "); err != nil {
		t.Fatalf("parse env: %v", err)
	}
	if cfg.Backend != "memory" {
		t.Fatalf("backend = %q, want default", cfg.Backend)
	}
}
