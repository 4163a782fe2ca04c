// Package config loads client configuration from an optional YAML file
// with environment variable overrides, then validates it.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the full client configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Audio   AudioConfig   `yaml:"audio"`
	Gate    GateConfig    `yaml:"gate"`
	Monitor MonitorConfig `yaml:"monitor"`
	Log     LogConfig     `yaml:"log"`
}

// ServerConfig names the voice server and ICE setup.
type ServerConfig struct {
	URL            string   `yaml:"url" validate:"required,url"`
	ICEServers     []string `yaml:"ice_servers" validate:"dive,required"`
	HandshakeToken string   `yaml:"handshake_token"`
	DataChannel    string   `yaml:"data_channel"`
}

// AudioConfig controls microphone capture.
type AudioConfig struct {
	SampleRate       int  `yaml:"sample_rate" validate:"required,min=8000,max=96000"`
	EchoCancellation bool `yaml:"echo_cancellation"`
	NoiseSuppression bool `yaml:"noise_suppression"`
	AutoGainControl  bool `yaml:"auto_gain_control"`
}

// GateConfig tunes the speech gate thresholds.
type GateConfig struct {
	VolumeThresholdPercent float64 `yaml:"volume_threshold_percent" validate:"min=0,max=100"`
	RatioThreshold         float64 `yaml:"ratio_threshold" validate:"min=0,max=1"`
}

// MonitorConfig controls the local telemetry feed.
type MonitorConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `yaml:"format" validate:"omitempty,oneof=json text"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Server: ServerConfig{
			ICEServers:     []string{"stun:stun.l.google.com:19302"},
			HandshakeToken: "handshake",
			DataChannel:    "text",
		},
		Audio: AudioConfig{
			SampleRate:       48000,
			EchoCancellation: true,
			NoiseSuppression: true,
			AutoGainControl:  true,
		},
		Gate: GateConfig{
			VolumeThresholdPercent: 2.0,
			RatioThreshold:         0.2,
		},
		Monitor: MonitorConfig{
			Enabled: false,
			Addr:    "127.0.0.1:8090",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// FromEnv returns the defaults with environment overrides applied but
// not yet validated, for callers that still layer flags on top.
func FromEnv() Config {
	cfg := Default()
	applyEnv(&cfg)
	return cfg
}

// Load reads path (if non-empty), applies environment overrides, and
// validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv lets deployments override the file without editing it.
func applyEnv(cfg *Config) {
	if v := os.Getenv("VOICE_SERVER_URL"); v != "" {
		cfg.Server.URL = v
	}
	if v := os.Getenv("VOICE_MONITOR_ADDR"); v != "" {
		cfg.Monitor.Addr = v
		cfg.Monitor.Enabled = true
	}
	if v := os.Getenv("VOICE_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("VOICE_SAMPLE_RATE"); v != "" {
		if rate, err := strconv.Atoi(v); err == nil {
			cfg.Audio.SampleRate = rate
		}
	}
}

// Validate checks the configuration against its struct tags.
func Validate(cfg Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}
