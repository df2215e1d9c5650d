package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ragp/engine/pkg/shard"
)

func TestDefaultConfigValidates(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("DefaultConfig() should validate, got: %v", err)
	}
}

func TestConfigFromFileOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ragp.yaml")
	yamlBody := "storage:\n  dataPath: /var/ragp\nruntime:\n  shardCount: 16\n"
	if err := os.WriteFile(path, []byte(yamlBody), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	cfg, err := ConfigFromFile(path)
	if err != nil {
		t.Fatalf("ConfigFromFile: %v", err)
	}
	if cfg.Storage.DataPath != "/var/ragp" {
		t.Errorf("DataPath = %q, want /var/ragp", cfg.Storage.DataPath)
	}
	if cfg.Runtime.ShardCount != 16 {
		t.Errorf("ShardCount = %d, want 16", cfg.Runtime.ShardCount)
	}
	// Fields absent from the file must retain their defaults.
	if cfg.Storage.ChunkSize != DefaultConfig().Storage.ChunkSize {
		t.Errorf("ChunkSize = %d, want default %d", cfg.Storage.ChunkSize, DefaultConfig().Storage.ChunkSize)
	}
}

func TestConfigFromFileMissingFileErrors(t *testing.T) {
	if _, err := ConfigFromFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected an error for a nonexistent config file")
	}
}

func TestConfigFromEnvOverridesDefaults(t *testing.T) {
	t.Setenv("RAGP_DATA_PATH", "/tmp/ragp-env")
	t.Setenv("RAGP_SHARD_COUNT", "4")
	t.Setenv("RAGP_ASYNC", "false")
	t.Setenv("RAGP_CACHE_RAM_FRACTION", "0.5")

	cfg := ConfigFromEnv(nil)
	if cfg.Storage.DataPath != "/tmp/ragp-env" {
		t.Errorf("DataPath = %q, want /tmp/ragp-env", cfg.Storage.DataPath)
	}
	if cfg.Runtime.ShardCount != 4 {
		t.Errorf("ShardCount = %d, want 4", cfg.Runtime.ShardCount)
	}
	if cfg.Runtime.Async {
		t.Error("expected Async=false from RAGP_ASYNC")
	}
	if cfg.Cache.RAMFraction != 0.5 {
		t.Errorf("RAMFraction = %v, want 0.5", cfg.Cache.RAMFraction)
	}
}

func TestConfigFromEnvIgnoresUnparseableValues(t *testing.T) {
	t.Setenv("RAGP_SHARD_COUNT", "not-a-number")
	cfg := ConfigFromEnv(nil)
	if cfg.Runtime.ShardCount != DefaultConfig().Runtime.ShardCount {
		t.Errorf("expected unparseable env value to leave default untouched, got %d", cfg.Runtime.ShardCount)
	}
}

func TestLoadConfigLayersFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ragp.yaml")
	if err := os.WriteFile(path, []byte("runtime:\n  shardCount: 16\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	t.Setenv("RAGP_SHARD_COUNT", "32")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Runtime.ShardCount != 32 {
		t.Errorf("expected env to win over file, got ShardCount=%d", cfg.Runtime.ShardCount)
	}
}

func TestApplyCLIOverridesOnlyAppliesSetFields(t *testing.T) {
	cfg := DefaultConfig()
	addr := ":9090"
	ApplyCLIOverrides(cfg, CLIOverrides{HTTPAddr: &addr})
	if cfg.Server.HTTPAddr != ":9090" {
		t.Errorf("HTTPAddr = %q, want :9090", cfg.Server.HTTPAddr)
	}
	if cfg.Runtime.ShardCount != DefaultConfig().Runtime.ShardCount {
		t.Errorf("expected ShardCount untouched, got %d", cfg.Runtime.ShardCount)
	}
}

func TestValidateRejectsBadFields(t *testing.T) {
	base := func() *Config { return DefaultConfig() }

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty data path", func(c *Config) { c.Storage.DataPath = "" }},
		{"zero chunk size", func(c *Config) { c.Storage.ChunkSize = 0 }},
		{"ram fraction out of range", func(c *Config) { c.Cache.RAMFraction = 1.5 }},
		{"ram max below min", func(c *Config) { c.Cache.RAMMaxMB = 1; c.Cache.RAMMinMB = 10 }},
		{"pin fraction negative", func(c *Config) { c.Cache.PinFraction = -0.1 }},
		{"shard count zero", func(c *Config) { c.Runtime.ShardCount = 0 }},
		{"high water not above low water", func(c *Config) { c.Runtime.HighWater = 10; c.Runtime.LowWater = 10 }},
		{"bad coalesce policy", func(c *Config) { c.Runtime.CoalescePolicy = "bogus" }},
		{"decay gamma out of range", func(c *Config) { c.Kernel.DecayGamma = 1 }},
		{"zero consolidate interval", func(c *Config) { c.Consolidate.Interval = 0 }},
	}
	for _, tc := range cases {
		cfg := base()
		tc.mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected Validate to reject", tc.name)
		}
	}
}

func TestCoalescePolicyResolvesAndDefaultsToSum(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Runtime.CoalescePolicy = "max"
	if cfg.CoalescePolicy() != shard.CoalesceMax {
		t.Errorf("expected CoalesceMax, got %v", cfg.CoalescePolicy())
	}
	cfg.Runtime.CoalescePolicy = ""
	if cfg.CoalescePolicy() != shard.CoalesceSum {
		t.Errorf("expected empty policy to default to CoalesceSum, got %v", cfg.CoalescePolicy())
	}
}

func TestConsolidateIntervalSurvivesFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ragp.yaml")
	if err := os.WriteFile(path, []byte("consolidate:\n  consolidateInterval: 30s\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	cfg, err := ConfigFromFile(path)
	if err != nil {
		t.Fatalf("ConfigFromFile: %v", err)
	}
	if cfg.Consolidate.Interval != 30*time.Second {
		t.Errorf("Interval = %v, want 30s", cfg.Consolidate.Interval)
	}
}
