// Package config loads the service configuration from a YAML file with CLI
// flag overrides on top. Every escalation knob the engine depends on
// (lookback, debounce, thresholds, plate scheme) is explicit here; nothing
// is inferred.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Engine    EngineConfig    `yaml:"engine"`
	Bootstrap BootstrapConfig `yaml:"bootstrap"`
}

type ServerConfig struct {
	Addr      string `yaml:"addr"`
	RPCSocket string `yaml:"rpc_socket"`
	DBPath    string `yaml:"db_path"`
}

// EngineConfig fixes the open policy knobs. Durations are plain integers
// (seconds or days) so a config file never needs Go duration syntax.
type EngineConfig struct {
	ConfidenceThreshold float64           `yaml:"confidence_threshold"`
	PlatePattern        string            `yaml:"plate_pattern"`
	OCRSubstitutions    map[string]string `yaml:"ocr_substitutions"`
	DebounceSeconds     int               `yaml:"debounce_seconds"`
	LookbackDays        int               `yaml:"lookback_days"`
	LockTimeoutSeconds  int               `yaml:"lock_timeout_seconds"`
	EffectRetrySeconds  int               `yaml:"effect_retry_seconds"`
	ReconcileSeconds    int               `yaml:"reconcile_seconds"`
}

type BootstrapConfig struct {
	AdminBadge    string `yaml:"admin_badge"`
	AdminName     string `yaml:"admin_name"`
	AdminPassword string `yaml:"admin_password"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:      ":8080",
			RPCSocket: "/tmp/vigil.sock",
			DBPath:    "vigil.db",
		},
		Engine: EngineConfig{
			ConfidenceThreshold: 0.85,
			OCRSubstitutions:    map[string]string{"O": "0", "I": "1"},
			DebounceSeconds:     30,
			LookbackDays:        180,
			LockTimeoutSeconds:  5,
			EffectRetrySeconds:  15,
			ReconcileSeconds:    60,
		},
		Bootstrap: BootstrapConfig{
			AdminBadge:    "admin",
			AdminName:     "Administrator",
			AdminPassword: "admin",
		},
	}
}

// Load reads path over the defaults. A missing file is not an error: the
// defaults stand and flags may still override.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Engine.ConfidenceThreshold < 0 || c.Engine.ConfidenceThreshold > 1 {
		return fmt.Errorf("confidence_threshold must be within [0,1], got %v", c.Engine.ConfidenceThreshold)
	}
	if c.Engine.DebounceSeconds < 0 {
		return fmt.Errorf("debounce_seconds must not be negative")
	}
	if c.Engine.LookbackDays <= 0 {
		return fmt.Errorf("lookback_days must be positive")
	}
	if c.Engine.LockTimeoutSeconds <= 0 {
		return fmt.Errorf("lock_timeout_seconds must be positive")
	}
	return nil
}

func (e EngineConfig) DebounceWindow() time.Duration {
	return time.Duration(e.DebounceSeconds) * time.Second
}

func (e EngineConfig) LookbackWindow() time.Duration {
	return time.Duration(e.LookbackDays) * 24 * time.Hour
}

func (e EngineConfig) LockTimeout() time.Duration {
	return time.Duration(e.LockTimeoutSeconds) * time.Second
}

func (e EngineConfig) EffectRetryInterval() time.Duration {
	return time.Duration(e.EffectRetrySeconds) * time.Second
}

func (e EngineConfig) ReconcileInterval() time.Duration {
	return time.Duration(e.ReconcileSeconds) * time.Second
}
