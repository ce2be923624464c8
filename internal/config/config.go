package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ProviderConfig describes one reply-generation backend.
type ProviderConfig struct {
	Name        string  `yaml:"name"`
	Kind        string  `yaml:"kind"` // openai | anthropic | ollama
	APIKey      string  `yaml:"api_key"`
	BaseURL     string  `yaml:"base_url"`
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
}

// Limits holds the tunable thresholds for conversation state management.
// Zero values are replaced by defaults in Load.
type Limits struct {
	SaveThreshold       int `yaml:"save_threshold"`
	CacheIdleTTLSeconds int `yaml:"cache_idle_ttl_seconds"`
	AutosaveSeconds     int `yaml:"autosave_seconds"`
	MaxCacheEntries     int `yaml:"max_cache_entries"`
	LockTTLSeconds      int `yaml:"lock_ttl_seconds"`
	QueueIdleSeconds    int `yaml:"queue_idle_seconds"`
	GroupHistoryCap     int `yaml:"group_history_cap"`
	CondenseTrigger     int `yaml:"condense_trigger"`
	CondenseRetain      int `yaml:"condense_retain"`
	SafetyCeiling       int `yaml:"safety_ceiling"`
	SafetyRetain        int `yaml:"safety_retain"`
	CondenseCooldown    int `yaml:"condense_cooldown"`
	APITimeoutSeconds   int `yaml:"api_timeout_seconds"`
	HourlyMessageCap    int `yaml:"hourly_message_cap"`
	DailyMessageCap     int `yaml:"daily_message_cap"`
}

type Config struct {
	Telegram struct {
		Token         string  `yaml:"token"`
		AllowedGroups []int64 `yaml:"allowed_groups"`
	} `yaml:"telegram"`
	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`
	Providers []ProviderConfig `yaml:"providers"`
	Summary   struct {
		Provider    string  `yaml:"provider"`
		Temperature float64 `yaml:"temperature"`
	} `yaml:"summary"`
	Prompt struct {
		Base string `yaml:"base"`
	} `yaml:"prompt"`
	Admin struct {
		SuperAdmins []int64 `yaml:"super_admins"`
	} `yaml:"admin"`
	Limits Limits `yaml:"limits"`
}

// Load reads a YAML config file, expanding ${ENV_VAR} references before decode.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes loads configuration from YAML bytes with environment variable expansion
func LoadFromBytes(data []byte) (Config, error) {
	var c Config
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), &c); err != nil {
		return c, fmt.Errorf("parse config: %w", err)
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}

func (c *Config) applyDefaults() {
	if c.Database.Path == "" {
		c.Database.Path = "./data/parley.db"
	}
	if c.Summary.Temperature == 0 {
		c.Summary.Temperature = 0.3
	}
	l := &c.Limits
	setIfZero(&l.SaveThreshold, 3)
	setIfZero(&l.CacheIdleTTLSeconds, 1800)
	setIfZero(&l.AutosaveSeconds, 10800)
	setIfZero(&l.MaxCacheEntries, 1000)
	setIfZero(&l.LockTTLSeconds, 600)
	setIfZero(&l.QueueIdleSeconds, 600)
	setIfZero(&l.GroupHistoryCap, 20)
	setIfZero(&l.CondenseTrigger, 35)
	setIfZero(&l.CondenseRetain, 15)
	setIfZero(&l.SafetyCeiling, 40)
	setIfZero(&l.SafetyRetain, 35)
	setIfZero(&l.CondenseCooldown, 5)
	setIfZero(&l.APITimeoutSeconds, 60)
	setIfZero(&l.HourlyMessageCap, 40)
	setIfZero(&l.DailyMessageCap, 200)
	for i := range c.Providers {
		if c.Providers[i].Temperature == 0 {
			c.Providers[i].Temperature = 1.0
		}
	}
}

func setIfZero(v *int, def int) {
	if *v == 0 {
		*v = def
	}
}

// Validate checks the parts of the config that have no usable fallback.
func (c Config) Validate() error {
	if len(c.Providers) == 0 {
		return fmt.Errorf("config: at least one provider is required")
	}
	seen := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("config: provider with empty name")
		}
		if seen[p.Name] {
			return fmt.Errorf("config: duplicate provider name %q", p.Name)
		}
		seen[p.Name] = true
		switch p.Kind {
		case "openai", "anthropic", "ollama":
		default:
			return fmt.Errorf("config: provider %q has unknown kind %q", p.Name, p.Kind)
		}
	}
	return nil
}

// APITimeout returns the per-backend request timeout.
func (c Config) APITimeout() time.Duration {
	return time.Duration(c.Limits.APITimeoutSeconds) * time.Second
}

// CacheIdleTTL returns how long an untouched cache entry survives.
func (c Config) CacheIdleTTL() time.Duration {
	return time.Duration(c.Limits.CacheIdleTTLSeconds) * time.Second
}

// LockTTL returns how long an untouched chat lock survives.
func (c Config) LockTTL() time.Duration {
	return time.Duration(c.Limits.LockTTLSeconds) * time.Second
}

// QueueIdle returns how long an idle chat worker waits before exiting.
func (c Config) QueueIdle() time.Duration {
	return time.Duration(c.Limits.QueueIdleSeconds) * time.Second
}

// AutosaveInterval returns the periodic flush-all interval.
func (c Config) AutosaveInterval() time.Duration {
	return time.Duration(c.Limits.AutosaveSeconds) * time.Second
}
