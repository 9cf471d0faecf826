package ppk2

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/itohio/goppk2/pkg/config"
)

// mockScale converts between microamperes and the fixed-point counts the
// mock packs into its frames.
const mockScale = 1000.0

// Mock simulates a PPK2 for testing and development. It synthesizes a
// current waveform (baseline plus ripple plus periodic activity bursts)
// and records every command it receives so tests can assert ordering.
type Mock struct {
	cfg *config.MockConfig

	mu         sync.RWMutex
	connected  bool
	measuring  bool
	start      time.Time
	lastPoll   time.Time
	sourceMode bool
	dutPowered bool
	voltageMV  int
	commands   []string
}

// NewMock creates a new mocked device instance.
func NewMock(cfg *config.MockConfig) *Mock {
	if cfg == nil {
		cfg = &config.MockConfig{
			BaselineUA:     1200,
			RippleUA:       150,
			BurstUA:        25000,
			BurstDuration:  2 * time.Second,
			BurstPeriod:    20 * time.Second,
			SampleRate:     time.Millisecond,
			SamplesPerPoll: 16,
		}
	}

	return &Mock{
		cfg: cfg,
	}
}

// Connect simulates connecting to the device.
func (m *Mock) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.connected {
		return fmt.Errorf("already connected")
	}

	m.connected = true
	m.start = time.Now()
	m.record("connect")

	return nil
}

// Close stops the mocked device.
func (m *Mock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return nil
	}

	m.connected = false
	m.measuring = false
	m.record("close")

	return nil
}

// StartMeasuring begins producing samples from PollData.
func (m *Mock) StartMeasuring() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return fmt.Errorf("not connected")
	}

	m.measuring = true
	m.lastPoll = time.Now()
	m.record("start-measuring")

	return nil
}

// StopMeasuring stops sample production.
func (m *Mock) StopMeasuring() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return fmt.Errorf("not connected")
	}

	m.measuring = false
	m.record("stop-measuring")

	return nil
}

// PollData synthesizes one frame per elapsed sample interval since the
// previous poll, capped at SamplesPerPoll. Returns empty when no full
// interval has elapsed yet.
func (m *Mock) PollData() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return nil, fmt.Errorf("not connected")
	}
	if !m.measuring {
		return nil, nil
	}

	rate := m.cfg.SampleRate
	if rate <= 0 {
		rate = time.Millisecond
	}

	now := time.Now()
	n := int(now.Sub(m.lastPoll) / rate)
	if n <= 0 {
		return nil, nil
	}
	if n > m.cfg.SamplesPerPoll {
		n = m.cfg.SamplesPerPoll
	}

	raw := make([]byte, 0, n*8)
	for i := 0; i < n; i++ {
		t := m.lastPoll.Add(time.Duration(i+1) * rate)
		raw = binary.LittleEndian.AppendUint64(raw, encodeMockSample(m.waveform(t)))
	}
	m.lastPoll = m.lastPoll.Add(time.Duration(n) * rate)

	return raw, nil
}

// Decode unpacks the mock's 8-byte fixed-point frames back into
// microamperes.
func (m *Mock) Decode(raw []byte) ([]float64, []byte, error) {
	numFrames := len(raw) / 8
	leftover := raw[numFrames*8:]
	if numFrames == 0 {
		return nil, leftover, nil
	}

	samples := make([]float64, 0, numFrames)
	for f := 0; f < numFrames; f++ {
		v := binary.LittleEndian.Uint64(raw[f*8:])
		samples = append(samples, float64(v)/mockScale)
	}

	return samples, leftover, nil
}

// SetSourceVoltage records the programmed source voltage.
func (m *Mock) SetSourceVoltage(millivolts int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return fmt.Errorf("not connected")
	}

	m.voltageMV = millivolts
	m.record(fmt.Sprintf("set-source-voltage %d", millivolts))

	return nil
}

// UseAmmeterMode switches the simulated device into ammeter mode.
func (m *Mock) UseAmmeterMode() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return fmt.Errorf("not connected")
	}

	m.sourceMode = false
	m.record("use-ammeter-mode")

	return nil
}

// UseSourceMeterMode switches the simulated device into source meter mode.
func (m *Mock) UseSourceMeterMode() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return fmt.Errorf("not connected")
	}

	m.sourceMode = true
	m.record("use-source-meter-mode")

	return nil
}

// ToggleDUTPower switches simulated DUT power on or off.
func (m *Mock) ToggleDUTPower(on bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return fmt.Errorf("not connected")
	}

	m.dutPowered = on
	m.record(fmt.Sprintf("toggle-dut-power %t", on))

	return nil
}

// IsConnected returns whether the device is currently connected.
func (m *Mock) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// Commands returns a copy of the commands received so far, in order.
func (m *Mock) Commands() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]string, len(m.commands))
	copy(result, m.commands)
	return result
}

// SourceVoltage returns the last programmed source voltage in millivolts.
func (m *Mock) SourceVoltage() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.voltageMV
}

// record appends a command name. Caller must hold the write lock.
func (m *Mock) record(cmd string) {
	m.commands = append(m.commands, cmd)
}

// waveform computes the simulated DUT current in microamperes at time t.
func (m *Mock) waveform(t time.Time) float64 {
	elapsed := t.Sub(m.start)

	// 1 Hz ripple on top of the baseline.
	microamps := m.cfg.BaselineUA + m.cfg.RippleUA*math.Sin(2*math.Pi*elapsed.Seconds())

	// Periodic activity burst, as if the DUT woke up to transmit.
	if m.cfg.BurstPeriod > 0 {
		phase := elapsed % m.cfg.BurstPeriod
		if phase < m.cfg.BurstDuration {
			microamps += m.cfg.BurstUA
		}
	}

	if microamps < 0 {
		microamps = 0
	}

	return microamps
}

// encodeMockSample packs microamperes into the fixed-point frame value.
func encodeMockSample(microamps float64) uint64 {
	return uint64(math.Round(microamps * mockScale))
}
