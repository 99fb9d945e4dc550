// Package config loads the YAML configuration of the encoder server.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/hwencoder/internal/encoder"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/hwencoder/internal/hw/sim"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/hwencoder/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/hwencoder/internal/source"
)

// Config defines the runtime configuration of the server
type Config struct {
	Log     LogConfig        `yaml:"log"`
	Encoder encoder.Settings `yaml:"encoder"`
	Device  sim.Profile      `yaml:"device"`
	Source  source.Config    `yaml:"source"`
	Output  OutputConfig     `yaml:"output"`
	HTTP    HTTPConfig       `yaml:"http"`
	WebRTC  WebRTCConfig     `yaml:"webrtc"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	Color bool   `yaml:"color"`
}

type OutputConfig struct {
	RecordPath string `yaml:"record_path"`
	TracePath  string `yaml:"trace_path"` // empty disables the job trace
}

type HTTPConfig struct {
	Addr           string        `yaml:"addr"`
	MetricsAddr    string        `yaml:"metrics_addr"` // empty disables the metrics listener
	StatusInterval time.Duration `yaml:"status_interval"`
}

type WebRTCConfig struct {
	STUNServers []string `yaml:"stun_servers"`
	MaxClients  int      `yaml:"max_clients"`
}

// DefaultConfig returns a config that runs without a file
func DefaultConfig() Config {
	return Config{
		Log:     LogConfig{Level: "info", Color: true},
		Encoder: encoder.DefaultSettings(),
		Device:  sim.DefaultProfile(),
		Source:  source.DefaultConfig(),
		Output: OutputConfig{
			RecordPath: "./recordings",
		},
		HTTP: HTTPConfig{
			Addr:           ":8081",
			MetricsAddr:    ":9090",
			StatusInterval: 2 * time.Second,
		},
		WebRTC: WebRTCConfig{
			STUNServers: []string{"stun:stun.l.google.com:19302"},
			MaxClients:  10,
		},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks every section
func (c Config) Validate() error {
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	if err := c.Encoder.Validate(); err != nil {
		return fmt.Errorf("encoder: %w", err)
	}
	if err := c.Device.Validate(); err != nil {
		return fmt.Errorf("device: %w", err)
	}
	if err := c.Source.Validate(); err != nil {
		return fmt.Errorf("source: %w", err)
	}
	if c.HTTP.Addr == "" {
		return fmt.Errorf("http: addr must be set")
	}
	if c.HTTP.StatusInterval <= 0 {
		return fmt.Errorf("http: status_interval must be positive")
	}
	if c.WebRTC.MaxClients < 0 {
		return fmt.Errorf("webrtc: max_clients must not be negative")
	}
	return nil
}

// Marshal renders the config as YAML
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
