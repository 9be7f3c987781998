package config

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the immutable configuration snapshot the orchestrator runs with.
// Loaded once at startup; refreshed only by atomic replacement of the whole
// snapshot (see Snapshot), never by field mutation.
type Config struct {
	DataDir string `yaml:"data_dir"`

	Listen    ListenConfig              `yaml:"listen"`
	Log       LogConfig                 `yaml:"log"`
	Auth      AuthConfig                `yaml:"auth"`
	RateLimit RateLimitConfig           `yaml:"rate_limit"`
	Scheduler SchedulerConfig           `yaml:"scheduler"`
	Dispatch  DispatchConfig            `yaml:"dispatch"`
	Reaper    ReaperConfig              `yaml:"reaper"`
	Cost      CostConfig                `yaml:"cost"`
	Warmup    WarmupConfig              `yaml:"warmup"`
	Health    HealthConfig              `yaml:"health"`
	Providers map[string]ProviderConfig `yaml:"providers"`

	TemplatesFile string `yaml:"templates_file"`
}

// ListenConfig holds the HTTP listener settings
type ListenConfig struct {
	Addr string `yaml:"addr"`
}

// LogConfig holds logging settings
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// AuthConfig holds bearer-token verification settings. The orchestrator does
// not issue tokens; it verifies tokens minted by the external auth service.
type AuthConfig struct {
	// PublicKeyFile is the PEM-encoded RSA public key of the auth service.
	PublicKeyFile string `yaml:"public_key_file"`
	// Disabled skips verification entirely. Dev and test only.
	Disabled bool `yaml:"disabled"`
}

// RateLimitConfig holds the per-token token-bucket settings
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
	// QueueWatermark is the hot-queue depth past which POST /jobs returns 429.
	QueueWatermark int `yaml:"queue_watermark"`
}

// SchedulerConfig holds scheduling loop settings
type SchedulerConfig struct {
	TickInterval Duration `yaml:"tick_interval"`
	ClaimLimit   int      `yaml:"claim_limit"`
	LeaseTTL     Duration `yaml:"lease_ttl"`
	// MaxPendingCreates caps in-flight instance creations per provider per tick.
	MaxPendingCreates int `yaml:"max_pending_creates_per_provider"`
	// BlockedWaitCeiling bounds how long a job may sit queued with no capacity
	// anywhere before it fails with no_capacity.
	BlockedWaitCeiling Duration `yaml:"blocked_wait_ceiling"`
}

// DispatchConfig holds dispatcher settings
type DispatchConfig struct {
	DialTimeout      Duration `yaml:"dial_timeout"`
	HeartbeatTimeout Duration `yaml:"heartbeat_timeout"`
	CancelGrace      Duration `yaml:"cancel_grace"`
	// ResultBaseURI is the prefix under which workers upload results; a
	// job's upload URI is <base>/<job id>/.
	ResultBaseURI string `yaml:"result_base_uri"`
}

// HealthConfig holds liveness probing settings
type HealthConfig struct {
	ProbeInterval Duration `yaml:"probe_interval"`
}

// ReaperConfig holds the periodic enforcement thresholds
type ReaperConfig struct {
	TickInterval       Duration `yaml:"tick_interval"`
	IdleGrace          Duration `yaml:"idle_grace"`
	StartDeadline      Duration `yaml:"start_deadline"`
	DispatchTimeout    Duration `yaml:"dispatch_timeout"`
	HeartbeatThreshold Duration `yaml:"heartbeat_threshold"`
	ReconcileInterval  Duration `yaml:"reconcile_interval"`
	Retention          Duration `yaml:"retention"`
}

// CostConfig holds accounting settings
type CostConfig struct {
	AccrualInterval Duration `yaml:"accrual_interval"`
	// DefaultOwnerCeilingCents applies to owners absent from OwnerCeilings.
	// Zero means unlimited.
	DefaultOwnerCeilingCents int64            `yaml:"default_owner_ceiling_cents"`
	OwnerCeilings            map[string]int64 `yaml:"owner_ceilings"`
}

// WarmupConfig controls predictive instance warm-up. Disabled by default;
// correctness never depends on it.
type WarmupConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Window    Duration `yaml:"window"`
	MaxSpares int      `yaml:"max_spares"`
}

// ProviderConfig holds per-provider settings. Credentials is a flat map so
// the same shape serves every provider; each adapter documents the keys it
// reads (api_key, access_key_id, subscription_id, ...).
type ProviderConfig struct {
	Enabled     bool              `yaml:"enabled"`
	Regions     []string          `yaml:"regions"`
	SoftQuota   int               `yaml:"soft_quota"`
	Credentials map[string]string `yaml:"credentials"`

	ConnectTimeout Duration `yaml:"connect_timeout"`
	ReadTimeout    Duration `yaml:"read_timeout"`
	RetryAttempts  int      `yaml:"retry_attempts"`
	RetryCeiling   Duration `yaml:"retry_ceiling"`
	PollInterval   Duration `yaml:"poll_interval"`

	Breaker BreakerConfig `yaml:"breaker"`

	// GPUSlots configures the local provider's fixed inventory. Ignored by
	// cloud adapters.
	GPUSlots []SlotConfig `yaml:"gpu_slots"`
}

// BreakerConfig holds circuit breaker thresholds for one provider
type BreakerConfig struct {
	Window       int      `yaml:"window"`
	FailureRatio float64  `yaml:"failure_ratio"`
	Cooldown     Duration `yaml:"cooldown"`
	MaxCooldown  Duration `yaml:"max_cooldown"`
}

// SlotConfig describes one local GPU slot
type SlotConfig struct {
	GPUModel  string `yaml:"gpu_model"`
	GPUCount  int    `yaml:"gpu_count"`
	MemoryMB  int64  `yaml:"memory_mb"`
	DiskGB    int    `yaml:"disk_gb"`
	RateCents int64  `yaml:"rate_cents"`
}

// Duration wraps time.Duration so YAML values like "90s" parse directly.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// D returns the wrapped time.Duration
func (d Duration) D() time.Duration {
	return time.Duration(d)
}

// Default returns the configuration the orchestrator runs with when the file
// omits a setting. Only the local provider is enabled out of the box.
func Default() *Config {
	return &Config{
		DataDir: "/var/lib/corral",
		Listen:  ListenConfig{Addr: ":8080"},
		Log:     LogConfig{Level: "info", JSON: true},
		Auth:    AuthConfig{},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 10,
			Burst:             20,
			QueueWatermark:    1000,
		},
		Scheduler: SchedulerConfig{
			TickInterval:       Duration(5 * time.Second),
			ClaimLimit:         50,
			LeaseTTL:           Duration(30 * time.Second),
			MaxPendingCreates:  2,
			BlockedWaitCeiling: Duration(30 * time.Minute),
		},
		Dispatch: DispatchConfig{
			DialTimeout:      Duration(10 * time.Second),
			HeartbeatTimeout: Duration(60 * time.Second),
			CancelGrace:      Duration(15 * time.Second),
			ResultBaseURI:    "s3://corral-results",
		},
		Health: HealthConfig{
			ProbeInterval: Duration(15 * time.Second),
		},
		Reaper: ReaperConfig{
			TickInterval:       Duration(10 * time.Second),
			IdleGrace:          Duration(5 * time.Minute),
			StartDeadline:      Duration(10 * time.Minute),
			DispatchTimeout:    Duration(2 * time.Minute),
			HeartbeatThreshold: Duration(90 * time.Second),
			ReconcileInterval:  Duration(1 * time.Minute),
			Retention:          Duration(7 * 24 * time.Hour),
		},
		Cost: CostConfig{
			AccrualInterval: Duration(1 * time.Minute),
		},
		Warmup: WarmupConfig{
			Enabled:   false,
			Window:    Duration(5 * time.Minute),
			MaxSpares: 1,
		},
		Providers: map[string]ProviderConfig{
			"local": {
				Enabled:   true,
				SoftQuota: 2,
				GPUSlots: []SlotConfig{
					{GPUModel: "A100", GPUCount: 1, MemoryMB: 40960, RateCents: 0},
					{GPUModel: "A100", GPUCount: 1, MemoryMB: 40960, RateCents: 0},
				},
			},
		},
	}
}

// Load reads the YAML file at path, overlays it on the defaults, and
// validates the result. An empty path returns the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults backfills per-provider zero values the YAML overlay left empty
func applyDefaults(cfg *Config) {
	for tag, pc := range cfg.Providers {
		if pc.ConnectTimeout == 0 {
			pc.ConnectTimeout = Duration(5 * time.Second)
		}
		if pc.ReadTimeout == 0 {
			pc.ReadTimeout = Duration(30 * time.Second)
		}
		if pc.RetryAttempts == 0 {
			pc.RetryAttempts = 3
		}
		if pc.RetryCeiling == 0 {
			pc.RetryCeiling = Duration(30 * time.Second)
		}
		if pc.PollInterval == 0 {
			pc.PollInterval = Duration(10 * time.Second)
		}
		if pc.Breaker.Window == 0 {
			pc.Breaker.Window = 20
		}
		if pc.Breaker.FailureRatio == 0 {
			pc.Breaker.FailureRatio = 0.5
		}
		if pc.Breaker.Cooldown == 0 {
			pc.Breaker.Cooldown = Duration(30 * time.Second)
		}
		if pc.Breaker.MaxCooldown == 0 {
			pc.Breaker.MaxCooldown = Duration(10 * time.Minute)
		}
		cfg.Providers[tag] = pc
	}
}

// Validate checks the snapshot for fatal configuration errors
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.Listen.Addr == "" {
		return fmt.Errorf("listen.addr is required")
	}
	if !c.Auth.Disabled && c.Auth.PublicKeyFile == "" {
		return fmt.Errorf("auth.public_key_file is required unless auth is disabled")
	}

	enabled := 0
	for tag, pc := range c.Providers {
		if !pc.Enabled {
			continue
		}
		enabled++
		if pc.SoftQuota <= 0 {
			return fmt.Errorf("provider %s: soft_quota must be positive", tag)
		}
		if tag == "local" && len(pc.GPUSlots) == 0 {
			return fmt.Errorf("provider local: at least one gpu_slot is required")
		}
	}
	if enabled == 0 {
		return fmt.Errorf("at least one provider must be enabled")
	}

	if c.Scheduler.TickInterval <= 0 {
		return fmt.Errorf("scheduler.tick_interval must be positive")
	}
	if c.Scheduler.LeaseTTL <= 0 {
		return fmt.Errorf("scheduler.lease_ttl must be positive")
	}
	if c.Reaper.IdleGrace <= 0 {
		return fmt.Errorf("reaper.idle_grace must be positive")
	}
	if c.Reaper.StartDeadline <= 0 {
		return fmt.Errorf("reaper.start_deadline must be positive")
	}
	return nil
}

// OwnerCeiling returns the effective cost ceiling for one owner, zero meaning
// unlimited.
func (c *Config) OwnerCeiling(owner string) int64 {
	if cents, ok := c.Cost.OwnerCeilings[owner]; ok {
		return cents
	}
	return c.Cost.DefaultOwnerCeilingCents
}

// Snapshot holds the current configuration and swaps it atomically on
// refresh. Readers call Get on each use and never retain the pointer across
// a suspension point longer than one operation.
type Snapshot struct {
	current atomic.Pointer[Config]
}

// NewSnapshot creates a snapshot holding cfg
func NewSnapshot(cfg *Config) *Snapshot {
	s := &Snapshot{}
	s.current.Store(cfg)
	return s
}

// Get returns the current configuration
func (s *Snapshot) Get() *Config {
	return s.current.Load()
}

// Swap atomically replaces the configuration
func (s *Snapshot) Swap(cfg *Config) {
	s.current.Store(cfg)
}
