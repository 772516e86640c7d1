// Package config resolves the control plane's environment-driven options.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config is the fully resolved runtime configuration.
type Config struct {
	LaunchDarklySecret string
	StatsigSecret      string

	ScalingAPIBaseURL string
	ScalingAPIToken   string
	ScalingAPITimeout time.Duration

	ScheduleTickInterval time.Duration
	DedupTTL             time.Duration
	DedupStore           string
	OverrideWindow       time.Duration

	MaxRetryAttempts        int
	CircuitBreakerThreshold int
	CircuitBreakerCooldown  time.Duration

	APIToken           string
	RateLimitPerMinute int
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("LAUNCHDARKLY_WEBHOOK_SECRET", "")
	v.SetDefault("STATSIG_WEBHOOK_SECRET", "")
	v.SetDefault("SCALING_API_BASE_URL", "https://api.spotinst.io/ocean/k8s")
	v.SetDefault("SCALING_API_TOKEN", "")
	v.SetDefault("SCALING_API_TIMEOUT_SECONDS", 10)
	v.SetDefault("SCHEDULE_TICK_INTERVAL_SECONDS", 60)
	v.SetDefault("DEDUP_TTL_SECONDS", 300)
	v.SetDefault("DEDUP_STORE", "memory")
	v.SetDefault("OVERRIDE_WINDOW_SECONDS", 3600)
	v.SetDefault("MAX_RETRY_ATTEMPTS", 5)
	v.SetDefault("CIRCUIT_BREAKER_THRESHOLD", 5)
	v.SetDefault("CIRCUIT_BREAKER_COOLDOWN_SECONDS", 30)
	v.SetDefault("API_TOKEN", "")
	v.SetDefault("RATE_LIMIT_PER_MINUTE", 100)
}

// Load reads the environment over built-in defaults and validates the result.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	cfg := &Config{
		LaunchDarklySecret:      v.GetString("LAUNCHDARKLY_WEBHOOK_SECRET"),
		StatsigSecret:           v.GetString("STATSIG_WEBHOOK_SECRET"),
		ScalingAPIBaseURL:       v.GetString("SCALING_API_BASE_URL"),
		ScalingAPIToken:         v.GetString("SCALING_API_TOKEN"),
		ScalingAPITimeout:       time.Duration(v.GetInt("SCALING_API_TIMEOUT_SECONDS")) * time.Second,
		ScheduleTickInterval:    time.Duration(v.GetInt("SCHEDULE_TICK_INTERVAL_SECONDS")) * time.Second,
		DedupTTL:                time.Duration(v.GetInt("DEDUP_TTL_SECONDS")) * time.Second,
		DedupStore:              v.GetString("DEDUP_STORE"),
		OverrideWindow:          time.Duration(v.GetInt("OVERRIDE_WINDOW_SECONDS")) * time.Second,
		MaxRetryAttempts:        v.GetInt("MAX_RETRY_ATTEMPTS"),
		CircuitBreakerThreshold: v.GetInt("CIRCUIT_BREAKER_THRESHOLD"),
		CircuitBreakerCooldown:  time.Duration(v.GetInt("CIRCUIT_BREAKER_COOLDOWN_SECONDS")) * time.Second,
		APIToken:                v.GetString("API_TOKEN"),
		RateLimitPerMinute:      v.GetInt("RATE_LIMIT_PER_MINUTE"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	// Only the in-process store is wired; a multi-instance rollout must
	// fail loudly here rather than silently dedup per instance.
	if c.DedupStore != "memory" {
		return fmt.Errorf("unsupported DEDUP_STORE %q (only 'memory' is available)", c.DedupStore)
	}
	if c.ScheduleTickInterval <= 0 {
		return fmt.Errorf("SCHEDULE_TICK_INTERVAL_SECONDS must be positive")
	}
	if c.DedupTTL <= 0 {
		return fmt.Errorf("DEDUP_TTL_SECONDS must be positive")
	}
	if c.OverrideWindow <= 0 {
		return fmt.Errorf("OVERRIDE_WINDOW_SECONDS must be positive")
	}
	if c.MaxRetryAttempts <= 0 {
		return fmt.Errorf("MAX_RETRY_ATTEMPTS must be positive")
	}
	if c.CircuitBreakerThreshold <= 0 {
		return fmt.Errorf("CIRCUIT_BREAKER_THRESHOLD must be positive")
	}
	if c.RateLimitPerMinute <= 0 {
		return fmt.Errorf("RATE_LIMIT_PER_MINUTE must be positive")
	}
	return nil
}
