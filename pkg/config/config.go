// Package config resolves the engine's configuration through the same
// four-level hierarchy the teacher uses (pkg/core/brain.go): built-in
// defaults, overlaid by a YAML file, overlaid by RAGP_* environment
// variables, overlaid last by CLI flags the caller explicitly set.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ragp/engine/pkg/shard"
)

// StorageConfig groups C1/C2 persistence settings.
type StorageConfig struct {
	DataPath  string `yaml:"dataPath"`
	ChunkSize uint32 `yaml:"chunkSize"`
	ResetOnBoot bool `yaml:"resetStorage"`
}

// CacheConfig groups C4 hybrid-cache sizing.
type CacheConfig struct {
	Policy      string  `yaml:"cachePolicy"` // reserved for future policies; "pinned_lru" today
	RAMFraction float64 `yaml:"ramFraction"`
	RAMMinMB    int64   `yaml:"ramMinMb"`
	RAMMaxMB    int64   `yaml:"ramMaxMb"`
	PinFraction float64 `yaml:"pinFraction"`
	PinHighWaterAccesses uint64 `yaml:"pinHighWaterAccesses"`
}

// RegistryConfig groups C3 innate-registry settings.
type RegistryConfig struct {
	Version uint16 `yaml:"innateRegistryVersion"`
}

// KernelConfig groups C6 activation-kernel tunables, including the Open
// Question resolutions for the scoring function and hop ttl (the coalescing
// policy lives in RuntimeConfig).
type KernelConfig struct {
	DecayGamma        float64 `yaml:"decayGamma"`
	DecayEpsilon      float64 `yaml:"decayEpsilon"`
	WindowSize        int     `yaml:"windowSize"`
	HebbianEta        float64 `yaml:"hebbianEta"`
	HebbianThreshold  float64 `yaml:"hebbianThreshold"`
	HebbianBaseWeight float64 `yaml:"hebbianBaseWeight"`
	HopTTLDefault     int     `yaml:"hopTtlDefault"`
	ReSpreadThreshold float64 `yaml:"reSpreadThreshold"`
	ScoringFn         string  `yaml:"scoringFn"` // "default" is the only built-in; pluggable at the engine layer
}

// RuntimeConfig groups C7 shard-pool and ingress settings.
type RuntimeConfig struct {
	Async          bool   `yaml:"async"`
	ShardCount     int    `yaml:"shardCount"`
	HighWater      int    `yaml:"highWater"`
	LowWater       int    `yaml:"lowWater"`
	CoalescePolicy string `yaml:"coalescePolicy"` // max|sum|last
}

// ConsolidateConfig groups C8 barrier scheduling.
type ConsolidateConfig struct {
	Interval  time.Duration `yaml:"consolidateInterval"`
	MinWeight float64       `yaml:"minWeight"`
}

// ServerConfig groups the admin/status HTTP surface.
type ServerConfig struct {
	HTTPAddr string `yaml:"httpAddr"`
}

// AdminConfig groups HTTP admin-surface authentication settings. When
// Enabled is false, every /admin/* route returns 404 instead of being
// Basic-Auth gated.
type AdminConfig struct {
	Enabled  bool   `yaml:"enabled"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// SecurityConfig groups network security and request-limiting settings for
// the HTTP surface.
type SecurityConfig struct {
	AllowedOrigins string        `yaml:"allowedOrigins"`
	MaxRequestBody int64         `yaml:"maxRequestBody"`
	TLSCert        string        `yaml:"tlsCert"`
	TLSKey         string        `yaml:"tlsKey"`
	ReadTimeout    time.Duration `yaml:"readTimeout"`
	WriteTimeout   time.Duration `yaml:"writeTimeout"`
}

// MCPConfig groups the thin MCP tool surface.
type MCPConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Path           string   `yaml:"path"`
	APIKey         string   `yaml:"apiKey"`
	RateLimitRPS   float64  `yaml:"rateLimitRps"`
	RateLimitBurst int      `yaml:"rateLimitBurst"`
	EnablePrompts  bool     `yaml:"enablePrompts"`
	AllowedTools   []string `yaml:"allowedTools"` // empty means all tools are allowed
}

// Config is the full, merged configuration.
type Config struct {
	NodeMax     int64             `yaml:"nodeMax"`
	Storage     StorageConfig     `yaml:"storage"`
	Cache       CacheConfig       `yaml:"cache"`
	Registry    RegistryConfig    `yaml:"registry"`
	Kernel      KernelConfig      `yaml:"kernel"`
	Runtime     RuntimeConfig     `yaml:"runtime"`
	Consolidate ConsolidateConfig `yaml:"consolidate"`
	Server      ServerConfig      `yaml:"server"`
	MCP         MCPConfig         `yaml:"mcp"`
	Admin       AdminConfig       `yaml:"admin"`
	Security    SecurityConfig    `yaml:"security"`
}

// DefaultConfig returns a Config populated with production-safe defaults.
func DefaultConfig() *Config {
	return &Config{
		NodeMax: 220,
		Storage: StorageConfig{
			DataPath:    "./data",
			ChunkSize:   4096,
			ResetOnBoot: false,
		},
		Cache: CacheConfig{
			Policy:               "pinned_lru",
			RAMFraction:          0.25,
			RAMMinMB:             256,
			RAMMaxMB:             1536,
			PinFraction:          0.35,
			PinHighWaterAccesses: 8,
		},
		Registry: RegistryConfig{Version: 1},
		Kernel: KernelConfig{
			DecayGamma:        0.9,
			DecayEpsilon:      1e-4,
			WindowSize:        64,
			HebbianEta:        0.05,
			HebbianThreshold:  0.2,
			HebbianBaseWeight: 0.1,
			HopTTLDefault:     6,
			ReSpreadThreshold: 0.3,
			ScoringFn:         "default",
		},
		Runtime: RuntimeConfig{
			Async:          true,
			ShardCount:     8,
			HighWater:      2000,
			LowWater:       500,
			CoalescePolicy: "sum",
		},
		Consolidate: ConsolidateConfig{
			Interval:  5 * time.Minute,
			MinWeight: 0.01,
		},
		Server: ServerConfig{HTTPAddr: ":7070"},
		MCP: MCPConfig{
			Enabled:        false,
			Path:           "/mcp",
			RateLimitRPS:   5,
			RateLimitBurst: 10,
			EnablePrompts:  true,
		},
		Admin: AdminConfig{
			Enabled:  false,
			User:     "admin",
			Password: "ragp",
		},
		Security: SecurityConfig{
			AllowedOrigins: "*",
			MaxRequestBody: 1 << 20,
			ReadTimeout:    15 * time.Second,
			WriteTimeout:   15 * time.Second,
		},
	}
}

// ConfigFromFile overlays a YAML config file on top of the defaults. Fields
// absent from the file retain their current value.
func ConfigFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return cfg, nil
}

// ConfigFromEnv applies RAGP_* environment variable overrides on top of cfg.
//
//	RAGP_RESET_STORAGE           → Storage.ResetOnBoot     ("true"/"false")
//	RAGP_DATA_PATH               → Storage.DataPath
//	RAGP_CHUNK_SIZE              → Storage.ChunkSize
//	RAGP_CACHE_POLICY            → Cache.Policy
//	RAGP_CACHE_RAM_FRACTION      → Cache.RAMFraction
//	RAGP_CACHE_RAM_MIN_MB        → Cache.RAMMinMB
//	RAGP_CACHE_RAM_MAX_MB        → Cache.RAMMaxMB
//	RAGP_CACHE_PIN_FRACTION      → Cache.PinFraction
//	RAGP_INNATE_REGISTRY_VERSION → Registry.Version
//	RAGP_ASYNC                   → Runtime.Async           ("true"/"false")
//	RAGP_SHARD_COUNT             → Runtime.ShardCount
//	RAGP_HIGH_WATER              → Runtime.HighWater
//	RAGP_LOW_WATER               → Runtime.LowWater
//	RAGP_COALESCE_POLICY         → Runtime.CoalescePolicy  (max|sum|last)
//	RAGP_HOP_TTL_DEFAULT         → Kernel.HopTTLDefault
//	RAGP_SCORING_FN              → Kernel.ScoringFn
//	RAGP_NODE_MAX                → NodeMax
//	RAGP_HTTP_ADDR               → Server.HTTPAddr
//	RAGP_MCP_ENABLED             → MCP.Enabled             ("true"/"false")
//	RAGP_MCP_PATH                → MCP.Path
//	RAGP_MCP_API_KEY             → MCP.APIKey
//	RAGP_MCP_RATE_LIMIT_RPS      → MCP.RateLimitRPS
//	RAGP_MCP_RATE_LIMIT_BURST    → MCP.RateLimitBurst
//	RAGP_MCP_ENABLE_PROMPTS      → MCP.EnablePrompts       ("true"/"false")
//	RAGP_ADMIN_ENABLED           → Admin.Enabled           ("true"/"false")
//	RAGP_ADMIN_USER              → Admin.User
//	RAGP_ADMIN_PASSWORD          → Admin.Password
//	RAGP_ALLOWED_ORIGINS         → Security.AllowedOrigins
//	RAGP_MAX_REQUEST_BODY        → Security.MaxRequestBody
func ConfigFromEnv(cfg *Config) *Config {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	setEnvBool("RAGP_RESET_STORAGE", &cfg.Storage.ResetOnBoot)
	setEnvStr("RAGP_DATA_PATH", &cfg.Storage.DataPath)
	setEnvUint32("RAGP_CHUNK_SIZE", &cfg.Storage.ChunkSize)
	setEnvStr("RAGP_CACHE_POLICY", &cfg.Cache.Policy)
	setEnvFloat("RAGP_CACHE_RAM_FRACTION", &cfg.Cache.RAMFraction)
	setEnvInt64("RAGP_CACHE_RAM_MIN_MB", &cfg.Cache.RAMMinMB)
	setEnvInt64("RAGP_CACHE_RAM_MAX_MB", &cfg.Cache.RAMMaxMB)
	setEnvFloat("RAGP_CACHE_PIN_FRACTION", &cfg.Cache.PinFraction)
	setEnvUint16("RAGP_INNATE_REGISTRY_VERSION", &cfg.Registry.Version)
	setEnvBool("RAGP_ASYNC", &cfg.Runtime.Async)
	setEnvInt("RAGP_SHARD_COUNT", &cfg.Runtime.ShardCount)
	setEnvInt("RAGP_HIGH_WATER", &cfg.Runtime.HighWater)
	setEnvInt("RAGP_LOW_WATER", &cfg.Runtime.LowWater)
	setEnvStr("RAGP_COALESCE_POLICY", &cfg.Runtime.CoalescePolicy)
	setEnvInt("RAGP_HOP_TTL_DEFAULT", &cfg.Kernel.HopTTLDefault)
	setEnvStr("RAGP_SCORING_FN", &cfg.Kernel.ScoringFn)
	setEnvInt64("RAGP_NODE_MAX", &cfg.NodeMax)
	setEnvStr("RAGP_HTTP_ADDR", &cfg.Server.HTTPAddr)
	setEnvBool("RAGP_MCP_ENABLED", &cfg.MCP.Enabled)
	setEnvStr("RAGP_MCP_PATH", &cfg.MCP.Path)
	setEnvStr("RAGP_MCP_API_KEY", &cfg.MCP.APIKey)
	setEnvFloat("RAGP_MCP_RATE_LIMIT_RPS", &cfg.MCP.RateLimitRPS)
	setEnvInt("RAGP_MCP_RATE_LIMIT_BURST", &cfg.MCP.RateLimitBurst)
	setEnvBool("RAGP_MCP_ENABLE_PROMPTS", &cfg.MCP.EnablePrompts)
	setEnvBool("RAGP_ADMIN_ENABLED", &cfg.Admin.Enabled)
	setEnvStr("RAGP_ADMIN_USER", &cfg.Admin.User)
	setEnvStr("RAGP_ADMIN_PASSWORD", &cfg.Admin.Password)
	setEnvStr("RAGP_ALLOWED_ORIGINS", &cfg.Security.AllowedOrigins)
	setEnvInt64("RAGP_MAX_REQUEST_BODY", &cfg.Security.MaxRequestBody)
	return cfg
}

// LoadConfig implements the full hierarchy: defaults, optionally overlaid by
// a YAML file, then environment variables. CLI flag overrides are applied
// by the caller afterward via ApplyCLIOverrides.
func LoadConfig(configPath string) (*Config, error) {
	var cfg *Config
	if configPath != "" {
		var err error
		cfg, err = ConfigFromFile(configPath)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = DefaultConfig()
	}
	return ConfigFromEnv(cfg), nil
}

// CLIOverrides is the set of flag-backed values cmd/ragp wires through
// pflag; only flags the user actually set (pflag.Changed) should be
// populated, so zero values never stomp a YAML/env setting.
type CLIOverrides struct {
	DataPath   *string
	Async      *bool
	ShardCount *int
	HTTPAddr   *string
}

// ApplyCLIOverrides applies only the fields present in o, the highest
// priority layer in the hierarchy.
func ApplyCLIOverrides(cfg *Config, o CLIOverrides) {
	if o.DataPath != nil {
		cfg.Storage.DataPath = *o.DataPath
	}
	if o.Async != nil {
		cfg.Runtime.Async = *o.Async
	}
	if o.ShardCount != nil {
		cfg.Runtime.ShardCount = *o.ShardCount
	}
	if o.HTTPAddr != nil {
		cfg.Server.HTTPAddr = *o.HTTPAddr
	}
}

// Validate performs structural validation, returning a descriptive error for
// the first invalid field encountered.
func (c *Config) Validate() error {
	if c.Storage.DataPath == "" {
		return fmt.Errorf("storage.dataPath must not be empty")
	}
	if c.Storage.ChunkSize == 0 {
		return fmt.Errorf("storage.chunkSize must be > 0")
	}
	if c.Cache.RAMFraction <= 0 || c.Cache.RAMFraction > 1 {
		return fmt.Errorf("cache.ramFraction must be in (0,1]")
	}
	if c.Cache.RAMMaxMB < c.Cache.RAMMinMB {
		return fmt.Errorf("cache.ramMaxMb (%d) must be >= cache.ramMinMb (%d)", c.Cache.RAMMaxMB, c.Cache.RAMMinMB)
	}
	if c.Cache.PinFraction < 0 || c.Cache.PinFraction > 1 {
		return fmt.Errorf("cache.pinFraction must be in [0,1]")
	}
	if c.Runtime.ShardCount < 1 {
		return fmt.Errorf("runtime.shardCount must be >= 1")
	}
	if c.Runtime.HighWater <= c.Runtime.LowWater {
		return fmt.Errorf("runtime.highWater (%d) must be > runtime.lowWater (%d)", c.Runtime.HighWater, c.Runtime.LowWater)
	}
	if _, err := coalescePolicyOf(c.Runtime.CoalescePolicy); err != nil {
		return err
	}
	if c.Kernel.DecayGamma <= 0 || c.Kernel.DecayGamma >= 1 {
		return fmt.Errorf("kernel.decayGamma must be in (0,1)")
	}
	if c.Consolidate.Interval <= 0 {
		return fmt.Errorf("consolidate.consolidateInterval must be > 0")
	}
	return nil
}

func coalescePolicyOf(s string) (shard.CoalescePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sum", "":
		return shard.CoalesceSum, nil
	case "max":
		return shard.CoalesceMax, nil
	case "last":
		return shard.CoalesceLast, nil
	default:
		return 0, fmt.Errorf("runtime.coalescePolicy must be one of max|sum|last, got %q", s)
	}
}

// CoalescePolicy resolves the configured policy, defaulting to sum.
func (c *Config) CoalescePolicy() shard.CoalescePolicy {
	p, _ := coalescePolicyOf(c.Runtime.CoalescePolicy)
	return p
}

func setEnvStr(key string, target *string) {
	if v, ok := os.LookupEnv(key); ok {
		*target = v
	}
}

func setEnvBool(key string, target *bool) {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*target = b
		}
	}
}

func setEnvInt(key string, target *int) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}

func setEnvInt64(key string, target *int64) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*target = n
		}
	}
}

func setEnvFloat(key string, target *float64) {
	if v, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*target = f
		}
	}
}

func setEnvUint32(key string, target *uint32) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			*target = uint32(n)
		}
	}
}

func setEnvUint16(key string, target *uint16) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.ParseUint(v, 10, 16); err == nil {
			*target = uint16(n)
		}
	}
}
