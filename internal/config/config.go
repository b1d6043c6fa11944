package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the engine configuration
type Config struct {
	// Audio device settings
	Device DeviceConfig `yaml:"device"`

	// Playback engine tuning
	Playback PlaybackConfig `yaml:"playback"`

	// Media reader pool settings
	Readers ReaderConfig `yaml:"readers"`
}

// DeviceConfig represents audio output device settings
type DeviceConfig struct {
	SampleRate     int `yaml:"sample_rate"`
	Channels       int `yaml:"channels"`
	TargetBufferMS int `yaml:"target_buffer_ms"`

	// Fixed output latency subtracted from the hardware playhead when
	// deriving playback time, in milliseconds.
	LatencyCompensationMS int `yaml:"latency_compensation_ms"`
}

// PlaybackConfig represents pump and cache tuning
type PlaybackConfig struct {
	// Decoded-sample window kept resident around the playhead, per direction.
	WindowSeconds float64 `yaml:"window_seconds"`

	// Pump scheduler cadence
	HungryIntervalMS int `yaml:"hungry_interval_ms"`
	IdleIntervalMS   int `yaml:"idle_interval_ms"`

	// Device buffer fill targets, in frames
	TargetDepthFrames int `yaml:"target_depth_frames"`
	MaxChunkFrames    int `yaml:"max_chunk_frames"`
}

// ReaderConfig represents media reader pool settings
type ReaderConfig struct {
	// Maximum number of files held open simultaneously
	MaxReaders int `yaml:"max_readers"`

	// Frames decoded ahead of the playhead by background prefetch
	PrefetchFrames int `yaml:"prefetch_frames"`
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		Device: DeviceConfig{
			SampleRate:            48000,
			Channels:              2,
			TargetBufferMS:        100,
			LatencyCompensationMS: 20,
		},
		Playback: PlaybackConfig{
			WindowSeconds:     5.0,
			HungryIntervalMS:  10,
			IdleIntervalMS:    40,
			TargetDepthFrames: 4800,
			MaxChunkFrames:    2400,
		},
		Readers: ReaderConfig{
			MaxReaders:     8,
			PrefetchFrames: 24,
		},
	}
}

// LoadConfig loads configuration from file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		// If file doesn't exist, return default config
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SaveConfig saves configuration to file
func SaveConfig(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks that tunables are sane
func (c *Config) Validate() error {
	if c.Device.SampleRate <= 0 {
		return fmt.Errorf("invalid sample_rate: %d", c.Device.SampleRate)
	}
	if c.Device.Channels <= 0 {
		return fmt.Errorf("invalid channels: %d", c.Device.Channels)
	}
	if c.Playback.WindowSeconds <= 0 {
		return fmt.Errorf("invalid window_seconds: %v", c.Playback.WindowSeconds)
	}
	if c.Playback.MaxChunkFrames <= 0 || c.Playback.TargetDepthFrames <= 0 {
		return fmt.Errorf("invalid pump frame targets: depth=%d chunk=%d",
			c.Playback.TargetDepthFrames, c.Playback.MaxChunkFrames)
	}
	if c.Readers.MaxReaders <= 0 {
		return fmt.Errorf("invalid max_readers: %d", c.Readers.MaxReaders)
	}
	return nil
}

// LatencyCompensation returns the output latency as a duration
func (c *DeviceConfig) LatencyCompensation() time.Duration {
	return time.Duration(c.LatencyCompensationMS) * time.Millisecond
}

// Window returns the resident PCM window as a duration
func (c *PlaybackConfig) Window() time.Duration {
	return time.Duration(c.WindowSeconds * float64(time.Second))
}

// HungryInterval returns the pump interval used when the device buffer ended hungry
func (c *PlaybackConfig) HungryInterval() time.Duration {
	return time.Duration(c.HungryIntervalMS) * time.Millisecond
}

// IdleInterval returns the pump interval used when the device buffer is comfortable
func (c *PlaybackConfig) IdleInterval() time.Duration {
	return time.Duration(c.IdleIntervalMS) * time.Millisecond
}
