package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.NotNil(t, cfg)
	assert.Equal(t, "", cfg.Serial.Port)
	assert.Equal(t, 3300, cfg.Supply.TargetVoltageMillivolts)
	assert.False(t, cfg.Supply.SourceMode)
	assert.Equal(t, time.Millisecond, cfg.Measurement.PollInterval)
	assert.Equal(t, 8, cfg.Measurement.SmoothingWindow)
	assert.False(t, cfg.Mock.Enabled)
	assert.Equal(t, float64(1200), cfg.Mock.BaselineUA)
	assert.Equal(t, 2*time.Second, cfg.Mock.BurstDuration)
	assert.Equal(t, 20*time.Second, cfg.Mock.BurstPeriod)
	assert.Equal(t, time.Millisecond, cfg.Mock.SampleRate)
	assert.Equal(t, 16, cfg.Mock.SamplesPerPoll)
}

func TestLoad_FileNotExists(t *testing.T) {
	cfg, err := Load("nonexistent.yaml")
	require.NoError(t, err)
	assert.NotNil(t, cfg)
	assert.Equal(t, 3300, cfg.Supply.TargetVoltageMillivolts)
}

func TestLoad_ValidYAML(t *testing.T) {
	tmpfile, err := os.CreateTemp("", "test_config_*.yaml")
	require.NoError(t, err)
	defer os.Remove(tmpfile.Name())

	yamlContent := `
serial:
  port: "/dev/ttyACM0"

supply:
  target_voltage_mv: 1800
  source_mode: true

measurement:
  poll_interval: 5ms
  smoothing_window: 4

mock:
  enabled: true
  baseline_ua: 500
  ripple_ua: 20
  burst_ua: 10000
  burst_duration: 1s
  burst_period: 10s
  sample_rate: 2ms
  samples_per_poll: 8
`

	_, err = tmpfile.WriteString(yamlContent)
	require.NoError(t, err)
	require.NoError(t, tmpfile.Close())

	cfg, err := Load(tmpfile.Name())
	require.NoError(t, err)
	assert.NotNil(t, cfg)

	assert.Equal(t, "/dev/ttyACM0", cfg.Serial.Port)
	assert.Equal(t, 1800, cfg.Supply.TargetVoltageMillivolts)
	assert.True(t, cfg.Supply.SourceMode)
	assert.Equal(t, 5*time.Millisecond, cfg.Measurement.PollInterval)
	assert.Equal(t, 4, cfg.Measurement.SmoothingWindow)
	assert.True(t, cfg.Mock.Enabled)
	assert.Equal(t, float64(500), cfg.Mock.BaselineUA)
	assert.Equal(t, float64(20), cfg.Mock.RippleUA)
	assert.Equal(t, time.Second, cfg.Mock.BurstDuration)
	assert.Equal(t, 10*time.Second, cfg.Mock.BurstPeriod)
	assert.Equal(t, 2*time.Millisecond, cfg.Mock.SampleRate)
	assert.Equal(t, 8, cfg.Mock.SamplesPerPoll)
}

func TestLoad_InvalidYAML(t *testing.T) {
	tmpfile, err := os.CreateTemp("", "test_config_*.yaml")
	require.NoError(t, err)
	defer os.Remove(tmpfile.Name())

	_, err = tmpfile.WriteString("invalid: yaml: content: [")
	require.NoError(t, err)
	require.NoError(t, tmpfile.Close())

	cfg, err := Load(tmpfile.Name())
	assert.Error(t, err)
	assert.Nil(t, cfg)
}

func TestLoad_PartialYAML(t *testing.T) {
	tmpfile, err := os.CreateTemp("", "test_config_*.yaml")
	require.NoError(t, err)
	defer os.Remove(tmpfile.Name())

	yamlContent := `
serial:
  port: "/dev/ttyACM0"
`

	_, err = tmpfile.WriteString(yamlContent)
	require.NoError(t, err)
	require.NoError(t, tmpfile.Close())

	cfg, err := Load(tmpfile.Name())
	require.NoError(t, err)
	assert.NotNil(t, cfg)

	// Should use defaults for missing fields
	assert.Equal(t, "/dev/ttyACM0", cfg.Serial.Port)
	assert.Equal(t, 3300, cfg.Supply.TargetVoltageMillivolts)       // default
	assert.Equal(t, time.Millisecond, cfg.Measurement.PollInterval) // default
	assert.Equal(t, 16, cfg.Mock.SamplesPerPoll)                    // default
}

func TestSave(t *testing.T) {
	cfg := Default()
	cfg.Serial.Port = "/dev/ttyUSB0"
	cfg.Supply.TargetVoltageMillivolts = 5000

	tmpfile, err := os.CreateTemp("", "test_save_*.yaml")
	require.NoError(t, err)
	defer os.Remove(tmpfile.Name())

	err = cfg.Save(tmpfile.Name())
	require.NoError(t, err)

	// Load it back and verify
	loaded, err := Load(tmpfile.Name())
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyUSB0", loaded.Serial.Port)
	assert.Equal(t, 5000, loaded.Supply.TargetVoltageMillivolts)
}
