// Package config loads and validates the daemon configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Protocol timer defaults, in their conventional units.
const (
	DefaultHelloPeriod          = 30 * time.Second
	DefaultHelloTriggeredDelay  = 5 * time.Second
	DefaultJoinPrunePeriod      = 60 * time.Second
	DefaultAssertTime           = 180 * time.Second
	DefaultAssertOverride       = 3 * time.Second
	DefaultKeepalivePeriod      = 210 * time.Second
	DefaultRegisterSuppression  = 60 * time.Second
	DefaultRegisterProbe        = 5 * time.Second
	DefaultLANDelayMillis       = 500
	DefaultOverrideMillis       = 2500
	DefaultDRPriority           = 1
	DefaultMTU                  = 1500
	DefaultSPTSwitchBytes       = 0 // switch on first packet
	DefaultSPTSwitchInterval    = 100 * time.Second
	DefaultTaskBatchSize        = 256
	DefaultHoldtimePeriodRatio  = 3.5
	DefaultRegisterStopMinDelay = time.Second
)

// VifConfig configures one PIM-enabled interface.
type VifConfig struct {
	Name       string `yaml:"name"`
	Enabled    bool   `yaml:"enabled"`
	DRPriority uint32 `yaml:"dr_priority"`
	MTU        int    `yaml:"mtu"`
}

// SPTSwitchConfig configures the shortest-path-tree switch policy.
type SPTSwitchConfig struct {
	Enabled        bool          `yaml:"enabled"`
	ThresholdBytes uint64        `yaml:"threshold_bytes"`
	Interval       time.Duration `yaml:"interval"`
}

// Config is the daemon configuration.
type Config struct {
	Vifs []VifConfig `yaml:"vifs"`

	HelloPeriod         time.Duration `yaml:"hello_period"`
	JoinPrunePeriod     time.Duration `yaml:"join_prune_period"`
	AssertTime          time.Duration `yaml:"assert_time"`
	AssertOverride      time.Duration `yaml:"assert_override_interval"`
	KeepalivePeriod     time.Duration `yaml:"keepalive_period"`
	RegisterSuppression time.Duration `yaml:"register_suppression_time"`
	RegisterProbe       time.Duration `yaml:"register_probe_time"`

	SPTSwitch SPTSwitchConfig `yaml:"spt_switch"`

	OperatorListenAddr string `yaml:"operator_listen_addr"`
	MetricsListenAddr  string `yaml:"metrics_listen_addr"`

	// TraceModules gates per-module debug logging.
	TraceModules []string `yaml:"trace_modules"`
}

// Default returns the configuration with all protocol defaults applied.
func Default() *Config {
	return &Config{
		HelloPeriod:         DefaultHelloPeriod,
		JoinPrunePeriod:     DefaultJoinPrunePeriod,
		AssertTime:          DefaultAssertTime,
		AssertOverride:      DefaultAssertOverride,
		KeepalivePeriod:     DefaultKeepalivePeriod,
		RegisterSuppression: DefaultRegisterSuppression,
		RegisterProbe:       DefaultRegisterProbe,
		SPTSwitch: SPTSwitchConfig{
			Enabled:        true,
			ThresholdBytes: DefaultSPTSwitchBytes,
			Interval:       DefaultSPTSwitchInterval,
		},
		OperatorListenAddr: "127.0.0.1:8642",
		MetricsListenAddr:  "127.0.0.1:9642",
	}
}

// Load reads a YAML config file and applies defaults for absent fields.
func Load(path string) (*Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config is invalid: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.HelloPeriod <= 0 {
		return errors.New("hello period must be greater than 0")
	}
	if c.JoinPrunePeriod <= 0 {
		return errors.New("join/prune period must be greater than 0")
	}
	if c.AssertTime <= 0 {
		return errors.New("assert time must be greater than 0")
	}
	if c.KeepalivePeriod <= 0 {
		return errors.New("keepalive period must be greater than 0")
	}
	if c.RegisterProbe <= 0 {
		return errors.New("register probe time must be greater than 0")
	}
	if c.SPTSwitch.Enabled && c.SPTSwitch.Interval <= 0 {
		return errors.New("spt-switch interval must be greater than 0")
	}
	seen := make(map[string]bool, len(c.Vifs))
	for _, v := range c.Vifs {
		if v.Name == "" {
			return errors.New("vif name must not be empty")
		}
		if seen[v.Name] {
			return fmt.Errorf("duplicate vif %q", v.Name)
		}
		seen[v.Name] = true
		if v.MTU < 0 {
			return fmt.Errorf("vif %q: mtu must not be negative", v.Name)
		}
	}
	return nil
}

// Holdtime derives the announced holdtime for a periodic timer, using the
// protocol's 3.5x period-to-holdtime ratio capped to the 16-bit field.
func Holdtime(period time.Duration) uint16 {
	ht := int64(float64(period/time.Second) * DefaultHoldtimePeriodRatio)
	if ht > 0xfffe {
		ht = 0xfffe
	}
	return uint16(ht)
}

// TraceEnabled reports whether debug tracing is on for a module.
func (c *Config) TraceEnabled(module string) bool {
	for _, m := range c.TraceModules {
		if m == module || m == "all" {
			return true
		}
	}
	return false
}
