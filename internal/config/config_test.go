package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfigSaneValues(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.VM.DefaultGasBudget != 1_000_000 {
		t.Fatalf("VM.DefaultGasBudget = %d, want 1000000", cfg.VM.DefaultGasBudget)
	}
	if cfg.JIT.CacheCapacity != 256 {
		t.Fatalf("JIT.CacheCapacity = %d, want 256", cfg.JIT.CacheCapacity)
	}
	if cfg.Policy.WeightDepth+cfg.Policy.WeightLat+cfg.Policy.WeightErr != 1.0 {
		t.Fatalf("policy weights should sum to 1.0, got %v+%v+%v", cfg.Policy.WeightDepth, cfg.Policy.WeightLat, cfg.Policy.WeightErr)
	}
	if cfg.Daemon.HTTPAddr != ":8080" {
		t.Fatalf("Daemon.HTTPAddr = %q, want :8080", cfg.Daemon.HTTPAddr)
	}
}

func TestLoadFromFileAppliesOverridesOntoDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{"daemon":{"http_addr":":9999"},"jit":{"cache_capacity":16}}`), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if cfg.Daemon.HTTPAddr != ":9999" {
		t.Fatalf("Daemon.HTTPAddr = %q, want :9999", cfg.Daemon.HTTPAddr)
	}
	if cfg.JIT.CacheCapacity != 16 {
		t.Fatalf("JIT.CacheCapacity = %d, want 16", cfg.JIT.CacheCapacity)
	}
	// Fields untouched by the file should keep DefaultConfig's values.
	if cfg.VM.DefaultGasBudget != 1_000_000 {
		t.Fatalf("VM.DefaultGasBudget = %d, want default 1000000 to survive a partial override file", cfg.VM.DefaultGasBudget)
	}
}

func TestLoadFromFileMissingFile(t *testing.T) {
	if _, err := LoadFromFile("/nonexistent/path/config.json"); err == nil {
		t.Fatalf("expected an error loading a nonexistent file")
	}
}

func TestLoadFromEnvOverridesDaemonAndGasBudget(t *testing.T) {
	t.Setenv("THEATRE_HTTP_ADDR", ":7000")
	t.Setenv("THEATRE_VM_GAS_BUDGET", "42")
	t.Setenv("THEATRE_GRPC_ENABLED", "true")
	t.Setenv("THEATRE_POLICY_WEIGHTS", "0.1,0.2,0.7")

	cfg := DefaultConfig()
	LoadFromEnv(cfg)

	if cfg.Daemon.HTTPAddr != ":7000" {
		t.Fatalf("Daemon.HTTPAddr = %q, want :7000", cfg.Daemon.HTTPAddr)
	}
	if cfg.VM.DefaultGasBudget != 42 || cfg.Coordinator.DefaultGasBudget != 42 {
		t.Fatalf("VM/Coordinator gas budget = %d/%d, want 42/42", cfg.VM.DefaultGasBudget, cfg.Coordinator.DefaultGasBudget)
	}
	if !cfg.GRPC.Enabled {
		t.Fatalf("GRPC.Enabled = false, want true")
	}
	if cfg.Policy.WeightDepth != 0.1 || cfg.Policy.WeightLat != 0.2 || cfg.Policy.WeightErr != 0.7 {
		t.Fatalf("policy weights = %v/%v/%v, want 0.1/0.2/0.7", cfg.Policy.WeightDepth, cfg.Policy.WeightLat, cfg.Policy.WeightErr)
	}
}

func TestLoadFromEnvStoreDSNImpliesEnabled(t *testing.T) {
	t.Setenv("THEATRE_STORE_DSN", "postgres://localhost/theatre")

	cfg := DefaultConfig()
	LoadFromEnv(cfg)

	if !cfg.Store.Enabled {
		t.Fatalf("setting THEATRE_STORE_DSN should imply Store.Enabled = true")
	}
	if cfg.Store.DSN != "postgres://localhost/theatre" {
		t.Fatalf("Store.DSN = %q, want the env value", cfg.Store.DSN)
	}
}

func TestLoadFromEnvIgnoresUnsetVars(t *testing.T) {
	cfg := DefaultConfig()
	before := *cfg
	LoadFromEnv(cfg)
	if cfg.Daemon.HTTPAddr != before.Daemon.HTTPAddr {
		t.Fatalf("LoadFromEnv changed HTTPAddr with no env vars set")
	}
}

func TestParseBool(t *testing.T) {
	cases := map[string]bool{
		"true": true, "TRUE": true, "1": true, "yes": true, "YES": true,
		"false": false, "0": false, "no": false, "": false, "garbage": false,
	}
	for in, want := range cases {
		if got := parseBool(in); got != want {
			t.Errorf("parseBool(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestLoadFromEnvPipelineValidationSLA(t *testing.T) {
	t.Setenv("THEATRE_PIPELINE_VALIDATION_SLA", "75ms")
	cfg := DefaultConfig()
	LoadFromEnv(cfg)
	if cfg.Pipeline.ValidationSLA != 75*time.Millisecond {
		t.Fatalf("Pipeline.ValidationSLA = %v, want 75ms", cfg.Pipeline.ValidationSLA)
	}
}
