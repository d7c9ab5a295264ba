// Package config loads and validates portgate configuration from YAML.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/anstrom/portgate/internal/db"
	"github.com/anstrom/portgate/internal/errors"
	"github.com/anstrom/portgate/internal/logging"
)

// Config represents the complete portgate configuration
type Config struct {
	// Scan engine defaults
	Engine EngineConfig `yaml:"engine" json:"engine"`

	// Admission control
	RateLimit RateLimitConfig `yaml:"rate_limit" json:"rate_limit"`

	// Result cache
	Cache CacheConfig `yaml:"cache" json:"cache"`

	// Key-value store backing rate limits and cache
	Store StoreConfig `yaml:"store" json:"store"`

	// Optional scan history persistence
	Database db.Config `yaml:"database" json:"database"`

	// HTTP/WebSocket server
	API APIConfig `yaml:"api" json:"api"`

	// Async task runner
	Tasks TasksConfig `yaml:"tasks" json:"tasks"`

	Logging logging.Config `yaml:"logging" json:"logging"`
}

// EngineConfig holds per-scan defaults for the probe engine.
type EngineConfig struct {
	// Default scan type (connect, syn, fin, null, xmas, udp)
	ScanType string `yaml:"scan_type" json:"scan_type" validate:"oneof=connect syn fin null xmas udp"`

	// Default ports when none are given
	DefaultPorts string `yaml:"default_ports" json:"default_ports" validate:"required"`

	// Initial per-probe timeout
	Timeout time.Duration `yaml:"timeout" json:"timeout" validate:"gt=0"`

	// Floor for the adaptive timeout
	MinTimeout time.Duration `yaml:"min_timeout" json:"min_timeout" validate:"gt=0"`

	// Initial number of in-flight probes per group
	Concurrency int `yaml:"concurrency" json:"concurrency" validate:"min=1"`

	// Ceiling for adaptive concurrency
	MaxConcurrency int `yaml:"max_concurrency" json:"max_concurrency" validate:"min=1"`

	// Overall deadline for one scan; zero disables it
	ScanTimeout time.Duration `yaml:"scan_timeout" json:"scan_timeout" validate:"gte=0"`

	// Probe pacing; zero disables it
	PacketsPerSecond int `yaml:"packets_per_second" json:"packets_per_second" validate:"gte=0"`

	ServiceDetection bool          `yaml:"service_detection" json:"service_detection"`
	ServiceTimeout   time.Duration `yaml:"service_timeout" json:"service_timeout" validate:"gt=0"`
	BannerGrabbing   bool          `yaml:"banner_grabbing" json:"banner_grabbing"`
	AdaptiveScanning bool          `yaml:"adaptive_scanning" json:"adaptive_scanning"`
	OSDetection      bool          `yaml:"os_detection" json:"os_detection"`
}

// RateLimitConfig holds admission limits.
type RateLimitConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Scans per client per window
	ClientLimit int `yaml:"client_limit" json:"client_limit" validate:"min=1"`

	// Scans per target per window, across all clients
	TargetLimit int `yaml:"target_limit" json:"target_limit" validate:"min=1"`

	Window time.Duration `yaml:"window" json:"window" validate:"gt=0"`

	// Requests above MaxPorts are rejected, above WarnPorts logged
	MaxPorts  int `yaml:"max_ports" json:"max_ports" validate:"min=1"`
	WarnPorts int `yaml:"warn_ports" json:"warn_ports" validate:"min=1,ltefield=MaxPorts"`

	MaxConcurrentScans int           `yaml:"max_concurrent_scans" json:"max_concurrent_scans" validate:"min=1"`
	ConcurrentTTL      time.Duration `yaml:"concurrent_ttl" json:"concurrent_ttl" validate:"gt=0"`
	ViolationTTL       time.Duration `yaml:"violation_ttl" json:"violation_ttl" validate:"gt=0"`

	// Cooldown indexed by violation count, clamped to the last entry
	Cooldowns []time.Duration `yaml:"cooldowns" json:"cooldowns" validate:"min=1,dive,gte=0"`
}

// CacheConfig holds result cache settings.
type CacheConfig struct {
	Enabled           bool          `yaml:"enabled" json:"enabled"`
	PrivateTTL        time.Duration `yaml:"private_ttl" json:"private_ttl" validate:"gt=0"`
	PublicTTL         time.Duration `yaml:"public_ttl" json:"public_ttl" validate:"gt=0"`
	CompressThreshold int           `yaml:"compress_threshold" json:"compress_threshold" validate:"gte=0"`
	// Extra CIDRs treated as internal in addition to the private ranges
	InternalNetworks []string `yaml:"internal_networks" json:"internal_networks" validate:"dive,cidr"`
}

// StoreConfig selects the key-value backend.
type StoreConfig struct {
	// memory or redis
	Backend string `yaml:"backend" json:"backend" validate:"oneof=memory redis"`

	Addr        string        `yaml:"addr" json:"addr" validate:"required_if=Backend redis"`
	Password    string        `yaml:"password" json:"password"`
	DB          int           `yaml:"db" json:"db" validate:"gte=0"`
	DialTimeout time.Duration `yaml:"dial_timeout" json:"dial_timeout" validate:"gt=0"`

	// Retry against an in-memory store while redis is unreachable
	Fallback bool `yaml:"fallback" json:"fallback"`
}

// APIConfig holds API server settings
type APIConfig struct {
	Enabled      bool          `yaml:"enabled" json:"enabled"`
	ListenAddr   string        `yaml:"listen_addr" json:"listen_addr"`
	Port         int           `yaml:"port" json:"port" validate:"min=1,max=65535"`
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	EnableCORS   bool          `yaml:"enable_cors" json:"enable_cors"`
	CORSOrigins  []string      `yaml:"cors_origins" json:"cors_origins"`
	// TrustedProxies lists the networks whose X-Forwarded-For and X-Real-IP
	// headers are believed. Empty means the peer address is always used.
	TrustedProxies []string `yaml:"trusted_proxies" json:"trusted_proxies" validate:"dive,cidr"`
}

// TasksConfig holds async runner settings.
type TasksConfig struct {
	Workers     int           `yaml:"workers" json:"workers" validate:"min=1"`
	QueueSize   int           `yaml:"queue_size" json:"queue_size" validate:"min=1"`
	MaxAttempts int           `yaml:"max_attempts" json:"max_attempts" validate:"min=1"`
	RetryDelay  time.Duration `yaml:"retry_delay" json:"retry_delay" validate:"gte=0"`
}

// Default returns a configuration with sensible defaults
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			ScanType:         "connect",
			DefaultPorts:     "1-1000",
			Timeout:          time.Second,
			MinTimeout:       500 * time.Millisecond,
			Concurrency:      50,
			MaxConcurrency:   500,
			ScanTimeout:      10 * time.Minute,
			ServiceDetection: true,
			ServiceTimeout:   2 * time.Second,
			BannerGrabbing:   true,
			AdaptiveScanning: true,
			OSDetection:      true,
		},
		RateLimit: RateLimitConfig{
			Enabled:            true,
			ClientLimit:        10,
			TargetLimit:        50,
			Window:             time.Hour,
			MaxPorts:           1000,
			WarnPorts:          100,
			MaxConcurrentScans: 1000,
			ConcurrentTTL:      time.Hour,
			ViolationTTL:       30 * 24 * time.Hour,
			Cooldowns:          []time.Duration{0, 5 * time.Minute, time.Hour, 24 * time.Hour},
		},
		Cache: CacheConfig{
			Enabled:           true,
			PrivateTTL:        6 * time.Hour,
			PublicTTL:         time.Hour,
			CompressThreshold: 1024,
		},
		Store: StoreConfig{
			Backend:     "memory",
			Addr:        "localhost:6379",
			DialTimeout: 2 * time.Second,
			Fallback:    true,
		},
		Database: db.DefaultConfig(),
		API: APIConfig{
			ListenAddr:   "127.0.0.1",
			Port:         8080,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Tasks: TasksConfig{
			Workers:     4,
			QueueSize:   100,
			MaxAttempts: 3,
			RetryDelay:  5 * time.Second,
		},
		Logging: logging.DefaultConfig(),
	}
}

// Load reads configuration from path on top of the defaults. A missing file
// yields the defaults.
func Load(path string) (*Config, error) {
	config := Default()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return config, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", filepath.Base(path), err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate validates the configuration
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return formatValidationError(err)
	}

	if c.Engine.MinTimeout > c.Engine.Timeout {
		return errors.NewConfigFieldError(errors.CodeValidation,
			fmt.Sprintf("must not exceed engine.timeout (%s)", c.Engine.Timeout),
			"engine.min_timeout", c.Engine.MinTimeout)
	}
	if c.Engine.Concurrency > c.Engine.MaxConcurrency {
		return errors.NewConfigFieldError(errors.CodeValidation,
			fmt.Sprintf("must not exceed engine.max_concurrency (%d)", c.Engine.MaxConcurrency),
			"engine.concurrency", c.Engine.Concurrency)
	}
	if c.API.Enabled && c.API.ListenAddr == "" {
		return errors.NewConfigFieldError(errors.CodeValidation,
			"API listen address is required when API is enabled", "api.listen_addr", "")
	}

	return nil
}

func formatValidationError(err error) error {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	first := verrs[0]
	return errors.NewConfigFieldError(errors.CodeValidation, strings.Join(msgs, "; "),
		first.Namespace(), first.Value())
}

// GetAPIAddress returns the full API address
func (c *Config) GetAPIAddress() string {
	return fmt.Sprintf("%s:%d", c.API.ListenAddr, c.API.Port)
}

// DatabaseConfigured reports whether enough is set to open a connection.
func (c *Config) DatabaseConfigured() bool {
	return c.Database.Database != "" && c.Database.Username != ""
}
