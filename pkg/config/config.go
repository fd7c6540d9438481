package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/talus-framework/talus-master/pkg/logging"
)

// Duration wraps time.Duration so YAML fields accept values like "500ms".
type Duration struct {
	time.Duration
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// MasterConfig configures the master daemon's serving surface.
type MasterConfig struct {
	Listen   string `yaml:"listen"`
	Hostname string `yaml:"hostname"` // defaults to os.Hostname
}

// SchedulerConfig configures the assignment control loop.
type SchedulerConfig struct {
	Interval        Duration `yaml:"interval"`
	DispatchTimeout Duration `yaml:"dispatch_timeout"`
}

// RegistryConfig configures worker liveness tracking.
type RegistryConfig struct {
	HeartbeatTimeout Duration `yaml:"heartbeat_timeout"`
	SweepInterval    Duration `yaml:"sweep_interval"`
	GracePeriod      Duration `yaml:"grace_period"` // offline workers are removed after this
}

// EtcdConfig enables leader election between standby masters. Leave
// Endpoints empty to run a single master without etcd.
type EtcdConfig struct {
	Endpoints   []string `yaml:"endpoints"`
	ElectionKey string   `yaml:"election_key"`
	SessionTTL  int      `yaml:"session_ttl"` // seconds
}

// SlaveConfig configures the reference slave agent.
type SlaveConfig struct {
	ID                string   `yaml:"id"`
	Listen            string   `yaml:"listen"`
	AdvertiseURL      string   `yaml:"advertise_url"` // address the master dispatches to
	MasterURL         string   `yaml:"master_url"`
	Capacity          int      `yaml:"capacity"`
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`
}

// Config is the root configuration for both binaries.
type Config struct {
	Master    MasterConfig    `yaml:"master"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Registry  RegistryConfig  `yaml:"registry"`
	Etcd      EtcdConfig      `yaml:"etcd"`
	Slave     SlaveConfig     `yaml:"slave"`
	Log       logging.Config  `yaml:"log"`
}

// Default returns the built-in configuration.
func Default() *Config {
	hostname, _ := os.Hostname()
	return &Config{
		Master: MasterConfig{
			Listen:   ":8080",
			Hostname: hostname,
		},
		Scheduler: SchedulerConfig{
			Interval:        Duration{100 * time.Millisecond},
			DispatchTimeout: Duration{5 * time.Second},
		},
		Registry: RegistryConfig{
			HeartbeatTimeout: Duration{15 * time.Second},
			SweepInterval:    Duration{5 * time.Second},
			GracePeriod:      Duration{2 * time.Minute},
		},
		Etcd: EtcdConfig{
			ElectionKey: "/talus-master-election",
			SessionTTL:  10,
		},
		Slave: SlaveConfig{
			Listen:            ":8090",
			MasterURL:         "http://localhost:8080",
			Capacity:          1,
			HeartbeatInterval: Duration{5 * time.Second},
		},
		Log: logging.Config{
			Level:  "info",
			Format: "console",
			Output: "stdout",
		},
	}
}

// Load reads a YAML config file over the defaults. An empty path returns the
// defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}
