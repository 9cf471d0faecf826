package meter

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/itohio/goppk2/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// poisonChunk makes scriptDevice.Decode fail, simulating a malformed
// device frame.
var poisonChunk = bytes.Repeat([]byte{0xEE}, 8)

// scriptDevice is a scripted ppk2.Device. PollData serves queued chunks
// one per poll, and every command is recorded so tests can assert call
// ordering. Samples travel as 8-byte little-endian float64 bits.
type scriptDevice struct {
	mu     sync.Mutex
	chunks [][]byte
	calls  []string

	connectErr error
	voltageErr error
	startErr   error
	stopErr    error
	closeErr   error

	connected bool
}

func (d *scriptDevice) Connect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, "connect")
	if d.connectErr != nil {
		return d.connectErr
	}
	d.connected = true
	return nil
}

func (d *scriptDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, "close")
	d.connected = false
	return d.closeErr
}

func (d *scriptDevice) StartMeasuring() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, "start-measuring")
	return d.startErr
}

func (d *scriptDevice) StopMeasuring() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, "stop-measuring")
	return d.stopErr
}

func (d *scriptDevice) PollData() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.chunks) == 0 {
		return nil, nil
	}
	chunk := d.chunks[0]
	d.chunks = d.chunks[1:]
	return chunk, nil
}

func (d *scriptDevice) Decode(raw []byte) ([]float64, []byte, error) {
	if len(raw) >= 8 && bytes.Equal(raw[:8], poisonChunk) {
		return nil, nil, fmt.Errorf("malformed chunk")
	}
	numFrames := len(raw) / 8
	leftover := raw[numFrames*8:]
	samples := make([]float64, 0, numFrames)
	for f := 0; f < numFrames; f++ {
		samples = append(samples, math.Float64frombits(binary.LittleEndian.Uint64(raw[f*8:])))
	}
	return samples, leftover, nil
}

func (d *scriptDevice) SetSourceVoltage(millivolts int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, fmt.Sprintf("set-source-voltage %d", millivolts))
	return d.voltageErr
}

func (d *scriptDevice) UseAmmeterMode() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, "use-ammeter-mode")
	return nil
}

func (d *scriptDevice) UseSourceMeterMode() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, "use-source-meter-mode")
	return nil
}

func (d *scriptDevice) ToggleDUTPower(on bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, fmt.Sprintf("toggle-dut-power %t", on))
	return nil
}

func (d *scriptDevice) IsConnected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

// push queues a raw chunk for the next poll.
func (d *scriptDevice) push(chunk []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.chunks = append(d.chunks, chunk)
}

// recordedCalls returns a copy of the commands received so far.
func (d *scriptDevice) recordedCalls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	result := make([]string, len(d.calls))
	copy(result, d.calls)
	return result
}

// encodeSamples packs microampere values into the script wire format.
func encodeSamples(samples ...float64) []byte {
	raw := make([]byte, 0, len(samples)*8)
	for _, s := range samples {
		raw = binary.LittleEndian.AppendUint64(raw, math.Float64bits(s))
	}
	return raw
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Measurement.PollInterval = time.Millisecond
	return cfg
}

// openTestMeter opens a meter on the given script device and registers
// cleanup.
func openTestMeter(t *testing.T, dev *scriptDevice) *Meter {
	t.Helper()
	m := New(dev, testConfig())
	require.NoError(t, m.Open())
	t.Cleanup(func() {
		if m.State() == StateRunning {
			m.Close()
		}
	})
	return m
}

// seedBuffer replaces the buffer contents with the given microampere
// values, discarding the zero sample Open seeds.
func seedBuffer(t *testing.T, m *Meter, values ...float64) {
	t.Helper()
	require.NotEmpty(t, values)
	m.appendSamples(values[:1])
	require.NoError(t, m.ResetMeasurements())
	if len(values) > 1 {
		m.appendSamples(values[1:])
	}
}

func TestNew_Idle(t *testing.T) {
	m := New(&scriptDevice{}, testConfig())

	assert.Equal(t, StateIdle, m.State())

	_, err := m.MinCurrentMilliamps()
	assert.ErrorIs(t, err, ErrNotRunning)
	assert.ErrorIs(t, m.ResetMeasurements(), ErrNotRunning)
	assert.ErrorIs(t, m.PowerOn(), ErrNotRunning)
}

func TestOpen_SeedsBufferAndRuns(t *testing.T) {
	dev := &scriptDevice{}
	m := openTestMeter(t, dev)

	assert.Equal(t, StateRunning, m.State())

	// Statistics are defined immediately thanks to the zero seed.
	samples, err := m.SamplesMilliamps()
	require.NoError(t, err)
	assert.Equal(t, []float64{0}, samples)

	avg, err := m.AverageCurrentMilliamps()
	require.NoError(t, err)
	assert.Equal(t, 0.0, avg)

	calls := dev.recordedCalls()
	assert.Equal(t, []string{"connect", "set-source-voltage 3300", "start-measuring"}, calls)
}

func TestOpen_ConnectFailureAllocatesNothing(t *testing.T) {
	dev := &scriptDevice{connectErr: errors.New("port busy")}
	m := New(dev, testConfig())

	err := m.Open()
	require.Error(t, err)
	assert.Equal(t, StateIdle, m.State())
	assert.False(t, dev.IsConnected())
	assert.NotContains(t, dev.recordedCalls(), "start-measuring")
}

func TestOpen_StartFailureReleasesDevice(t *testing.T) {
	dev := &scriptDevice{startErr: errors.New("device wedged")}
	m := New(dev, testConfig())

	err := m.Open()
	require.Error(t, err)
	assert.Equal(t, StateIdle, m.State())
	assert.False(t, dev.IsConnected())

	calls := dev.recordedCalls()
	assert.Equal(t, "close", calls[len(calls)-1])
}

func TestStatistics_KnownScenario(t *testing.T) {
	m := openTestMeter(t, &scriptDevice{})

	// Samples of 1000, 2000, 3000 µA must report 1/3/2 mA.
	seedBuffer(t, m, 1000, 2000, 3000)

	min, err := m.MinCurrentMilliamps()
	require.NoError(t, err)
	assert.InDelta(t, 1.0, min, 1e-9)

	max, err := m.MaxCurrentMilliamps()
	require.NoError(t, err)
	assert.InDelta(t, 3.0, max, 1e-9)

	avg, err := m.AverageCurrentMilliamps()
	require.NoError(t, err)
	assert.InDelta(t, 2.0, avg, 1e-9)
}

func TestStatistics_MinLeAvgLeMax(t *testing.T) {
	m := openTestMeter(t, &scriptDevice{})

	seedBuffer(t, m, 420, 17000, 3.5, 980, 980, 125000, 42)

	min, err := m.MinCurrentMilliamps()
	require.NoError(t, err)
	max, err := m.MaxCurrentMilliamps()
	require.NoError(t, err)
	avg, err := m.AverageCurrentMilliamps()
	require.NoError(t, err)

	assert.LessOrEqual(t, min, avg)
	assert.LessOrEqual(t, avg, max)
}

func TestStatistics_IdenticalSamples(t *testing.T) {
	m := openTestMeter(t, &scriptDevice{})

	values := make([]float64, 10)
	for i := range values {
		values[i] = 2500 // µA
	}
	seedBuffer(t, m, values...)

	avg, err := m.AverageCurrentMilliamps()
	require.NoError(t, err)
	assert.InDelta(t, 2.5, avg, 1e-9)

	min, err := m.MinCurrentMilliamps()
	require.NoError(t, err)
	max, err := m.MaxCurrentMilliamps()
	require.NoError(t, err)
	assert.Equal(t, min, max)
}

func TestReset_KeepsLatestSample(t *testing.T) {
	m := openTestMeter(t, &scriptDevice{})

	seedBuffer(t, m, 1000, 2000, 3000)
	require.NoError(t, m.ResetMeasurements())

	samples, err := m.SamplesMilliamps()
	require.NoError(t, err)
	assert.Equal(t, []float64{3}, samples)

	// The surviving sample is a valid baseline for the next query.
	avg, err := m.AverageCurrentMilliamps()
	require.NoError(t, err)
	assert.InDelta(t, 3.0, avg, 1e-9)
}

func TestAcquire_AppendsDecodedSamples(t *testing.T) {
	dev := &scriptDevice{}
	m := openTestMeter(t, dev)

	dev.push(encodeSamples(1000, 2000, 3000))

	require.Eventually(t, func() bool {
		max, err := m.MaxCurrentMilliamps()
		return err == nil && max >= 3.0
	}, time.Second, time.Millisecond, "decoded samples should reach the buffer")

	samples, err := m.SamplesMilliamps()
	require.NoError(t, err)
	// Zero seed plus the decoded batch, in order.
	assert.Equal(t, []float64{0, 1, 2, 3}, samples)
}

func TestAcquire_CarriesLeftoverAcrossPolls(t *testing.T) {
	dev := &scriptDevice{}
	m := openTestMeter(t, dev)

	raw := encodeSamples(1000, 2000)
	// Split mid-frame: the tail of the first chunk must be prepended to
	// the second before decoding.
	dev.push(raw[:12])
	dev.push(raw[12:])

	require.Eventually(t, func() bool {
		samples, err := m.SamplesMilliamps()
		return err == nil && len(samples) == 3
	}, time.Second, time.Millisecond)

	samples, err := m.SamplesMilliamps()
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 1, 2}, samples)
}

func TestAcquire_DecodeFailureIsTransient(t *testing.T) {
	dev := &scriptDevice{}
	m := openTestMeter(t, dev)

	dev.push(poisonChunk)
	dev.push(encodeSamples(5000))

	// The loop must survive the malformed chunk and keep decoding.
	require.Eventually(t, func() bool {
		max, err := m.MaxCurrentMilliamps()
		return err == nil && max >= 5.0
	}, time.Second, time.Millisecond)
}

func TestOnUpdate_ReportsLatestReading(t *testing.T) {
	dev := &scriptDevice{}
	m := openTestMeter(t, dev)

	var mu sync.Mutex
	var got []float64
	m.OnUpdate(func(lastMilliamps float64) {
		mu.Lock()
		got = append(got, lastMilliamps)
		mu.Unlock()
	})

	dev.push(encodeSamples(1000, 2000, 3000))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) > 0
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.InDelta(t, 3.0, got[len(got)-1], 1e-9)
}

func TestSetSupplyMode_ProgramsVoltageBeforeMode(t *testing.T) {
	dev := &scriptDevice{}
	m := openTestMeter(t, dev)

	require.NoError(t, m.SetSupplyMode(true))

	calls := dev.recordedCalls()
	require.GreaterOrEqual(t, len(calls), 2)
	assert.Equal(t, []string{"set-source-voltage 3300", "use-source-meter-mode"}, calls[len(calls)-2:])
}

func TestSetSupplyMode_AmmeterStillProgramsVoltage(t *testing.T) {
	dev := &scriptDevice{}
	m := openTestMeter(t, dev)

	m.SetTargetVoltage(1800)
	require.NoError(t, m.SetSupplyMode(false))

	calls := dev.recordedCalls()
	require.GreaterOrEqual(t, len(calls), 2)
	assert.Equal(t, []string{"set-source-voltage 1800", "use-ammeter-mode"}, calls[len(calls)-2:])
}

func TestSetSupplyMode_VoltageFailureSkipsModeSwitch(t *testing.T) {
	dev := &scriptDevice{}
	m := openTestMeter(t, dev)

	dev.mu.Lock()
	dev.voltageErr = errors.New("regulator fault")
	dev.mu.Unlock()

	require.Error(t, m.SetSupplyMode(true))
	assert.NotContains(t, dev.recordedCalls(), "use-source-meter-mode")
}

func TestPowerToggles(t *testing.T) {
	dev := &scriptDevice{}
	m := openTestMeter(t, dev)

	require.NoError(t, m.PowerOn())
	require.NoError(t, m.PowerOff())

	calls := dev.recordedCalls()
	assert.Contains(t, calls, "toggle-dut-power true")
	assert.Contains(t, calls, "toggle-dut-power false")
}

func TestOpen_WithMockDevice(t *testing.T) {
	cfg := config.Default()
	cfg.Mock.Enabled = true
	cfg.Mock.BaselineUA = 1000
	cfg.Mock.RippleUA = 0
	cfg.Mock.BurstUA = 0
	cfg.Mock.SampleRate = time.Millisecond
	cfg.Measurement.PollInterval = time.Millisecond

	m, err := Open(cfg)
	require.NoError(t, err)
	defer m.Close()

	require.Eventually(t, func() bool {
		samples, err := m.SamplesMilliamps()
		return err == nil && len(samples) > 10
	}, 2*time.Second, time.Millisecond)

	// Drop the zero seed so the assertions see only synthesized readings.
	require.NoError(t, m.ResetMeasurements())

	require.Eventually(t, func() bool {
		samples, err := m.SamplesMilliamps()
		return err == nil && len(samples) > 10
	}, 2*time.Second, time.Millisecond)

	min, err := m.MinCurrentMilliamps()
	require.NoError(t, err)
	max, err := m.MaxCurrentMilliamps()
	require.NoError(t, err)
	avg, err := m.AverageCurrentMilliamps()
	require.NoError(t, err)

	assert.LessOrEqual(t, min, avg)
	assert.LessOrEqual(t, avg, max)
	assert.InDelta(t, 1.0, avg, 0.1)
}
