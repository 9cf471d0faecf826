package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration.
type Config struct {
	Serial      SerialConfig      `yaml:"serial"`
	Supply      SupplyConfig      `yaml:"supply"`
	Measurement MeasurementConfig `yaml:"measurement"`
	Mock        MockConfig        `yaml:"mock"`
}

// SerialConfig contains serial port configuration.
type SerialConfig struct {
	// Port is the PPK2 serial port. Empty means auto-discover, which
	// requires exactly one PPK2 to be attached.
	Port string `yaml:"port"`
}

// SupplyConfig contains source voltage and mode configuration.
type SupplyConfig struct {
	TargetVoltageMillivolts int  `yaml:"target_voltage_mv"`
	SourceMode              bool `yaml:"source_mode"` // power the DUT instead of only metering
}

// MeasurementConfig contains acquisition parameters.
type MeasurementConfig struct {
	// PollInterval is the sleep between acquisition polls. Shorter
	// intervals give fresher readings and faster shutdown at the cost of
	// CPU time.
	PollInterval time.Duration `yaml:"poll_interval"`
	// SmoothingWindow is the width of the decode rolling average used to
	// suppress range-switch spikes (0 = disabled).
	SmoothingWindow int `yaml:"smoothing_window"`
}

// MockConfig contains mock device configuration.
type MockConfig struct {
	Enabled        bool          `yaml:"enabled"`
	BaselineUA     float64       `yaml:"baseline_ua"`      // Idle DUT current (µA)
	RippleUA       float64       `yaml:"ripple_ua"`        // Ripple amplitude (µA)
	BurstUA        float64       `yaml:"burst_ua"`         // Extra current during activity bursts (µA)
	BurstDuration  time.Duration `yaml:"burst_duration"`   // Burst length
	BurstPeriod    time.Duration `yaml:"burst_period"`     // Time between bursts
	SampleRate     time.Duration `yaml:"sample_rate"`      // Time between generated samples
	SamplesPerPoll int           `yaml:"samples_per_poll"` // Cap on samples returned by one poll
}

// Default returns a default configuration with sensible values.
func Default() *Config {
	return &Config{
		Serial: SerialConfig{
			Port: "", // Auto-discover by default
		},
		Supply: SupplyConfig{
			TargetVoltageMillivolts: 3300,
			SourceMode:              false,
		},
		Measurement: MeasurementConfig{
			PollInterval:    time.Millisecond,
			SmoothingWindow: 8,
		},
		Mock: MockConfig{
			Enabled:        false,
			BaselineUA:     1200,
			RippleUA:       150,
			BurstUA:        25000,
			BurstDuration:  2 * time.Second,
			BurstPeriod:    20 * time.Second,
			SampleRate:     time.Millisecond,
			SamplesPerPoll: 16,
		},
	}
}

// Load loads configuration from a YAML file. If the file doesn't exist or
// fields are missing, it uses default values.
func Load(filename string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			// File doesn't exist, return defaults
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Ensure minimum required fields are set (use defaults if missing)
	cfg.ensureDefaults()

	return cfg, nil
}

// Save saves the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ensureDefaults ensures that all required fields have default values if missing.
func (c *Config) ensureDefaults() {
	def := Default()

	if c.Supply.TargetVoltageMillivolts == 0 {
		c.Supply.TargetVoltageMillivolts = def.Supply.TargetVoltageMillivolts
	}

	if c.Measurement.PollInterval == 0 {
		c.Measurement.PollInterval = def.Measurement.PollInterval
	}

	if c.Mock.BaselineUA == 0 {
		c.Mock.BaselineUA = def.Mock.BaselineUA
	}
	if c.Mock.BurstDuration == 0 {
		c.Mock.BurstDuration = def.Mock.BurstDuration
	}
	if c.Mock.BurstPeriod == 0 {
		c.Mock.BurstPeriod = def.Mock.BurstPeriod
	}
	if c.Mock.SampleRate == 0 {
		c.Mock.SampleRate = def.Mock.SampleRate
	}
	if c.Mock.SamplesPerPoll == 0 {
		c.Mock.SamplesPerPoll = def.Mock.SamplesPerPoll
	}
}
