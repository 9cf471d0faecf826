package meter

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/itohio/goppk2/pkg/config"
	"github.com/itohio/goppk2/pkg/ppk2"
)

var _ PowerMeter = (*Meter)(nil)

var (
	// ErrNotRunning is returned when an operation requires an open meter.
	ErrNotRunning = errors.New("meter is not running")
	// ErrClosed is returned for operations on a closed meter.
	ErrClosed = errors.New("meter is closed")
)

// State is the lifecycle state of a Meter.
type State int

const (
	// StateIdle means the meter is constructed but not yet opened.
	StateIdle State = iota
	// StateRunning means the acquisition loop is active.
	StateRunning
	// StateClosed is terminal; no further operations are valid.
	StateClosed
)

// PowerMeter is the telemetry capability consumed by the surrounding
// power supply abstraction.
type PowerMeter interface {
	MinCurrentMilliamps() (float64, error)
	MaxCurrentMilliamps() (float64, error)
	AverageCurrentMilliamps() (float64, error)
	ResetMeasurements() error
	SetTargetVoltage(millivolts int)
	SetSupplyMode(supply bool) error
	PowerOn() error
	PowerOff() error
	Close() error
}

// Meter owns a PPK2 device and a buffer of decoded current samples fed by
// a background acquisition loop. Statistics answer "how much current did
// the DUT draw since the last reset?".
//
// The buffer is written only by the acquisition loop; every other method
// only reads it (ResetMeasurements collapses it but never empties it).
type Meter struct {
	dev          ppk2.Device
	pollInterval time.Duration

	// samples holds decoded readings in microamperes, newest last. It is
	// seeded with a single zero sample on open and never empty afterwards.
	mu      sync.RWMutex
	samples []float64
	state   State
	voltMV  int

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	cbMu      sync.RWMutex
	callbacks []func(lastMilliamps float64)
}

// New creates a Meter in the Idle state, owning the given device.
func New(dev ppk2.Device, cfg *config.Config) *Meter {
	pollInterval := cfg.Measurement.PollInterval
	if pollInterval <= 0 {
		pollInterval = time.Millisecond
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Meter{
		dev:          dev,
		pollInterval: pollInterval,
		voltMV:       cfg.Supply.TargetVoltageMillivolts,
		state:        StateIdle,
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
	}
}

// Open resolves a device from the configuration and opens a Meter on it.
// With an empty serial port, discovery must find exactly one PPK2;
// ppk2.ErrNoDevice and ppk2.ErrAmbiguousDevice report the failure modes.
func Open(cfg *config.Config) (*Meter, error) {
	var dev ppk2.Device
	if cfg.Mock.Enabled {
		dev = ppk2.NewMock(&cfg.Mock)
	} else {
		port, err := ppk2.FindPort(cfg.Serial.Port)
		if err != nil {
			return nil, err
		}
		dev = ppk2.New(port, cfg.Measurement.SmoothingWindow)
	}

	m := New(dev, cfg)
	if err := m.Open(); err != nil {
		return nil, err
	}
	return m, nil
}

// Open connects the device, starts measuring, and launches the
// acquisition loop. A failure leaves the meter Idle with the device
// closed and no goroutine running.
func (m *Meter) Open() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StateRunning:
		return fmt.Errorf("already open")
	case StateClosed:
		return fmt.Errorf("cannot reopen: %w", ErrClosed)
	}

	if err := m.dev.Connect(); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	// The device tracks a configured source voltage regardless of mode.
	if err := m.dev.SetSourceVoltage(m.voltMV); err != nil {
		m.dev.Close()
		return fmt.Errorf("failed to set source voltage: %w", err)
	}
	if err := m.dev.StartMeasuring(); err != nil {
		m.dev.Close()
		return fmt.Errorf("failed to start measuring: %w", err)
	}

	// Seed with a zero reading so statistics are defined before the first
	// decoded sample arrives.
	m.samples = append(m.samples[:0], 0)
	m.state = StateRunning

	go m.acquire()

	return nil
}

// Close stops the acquisition loop, stops the device, waits for the loop
// to exit, and releases the device. Valid exactly once, from Running.
// Cleanup is best effort: a failing device command does not leave the
// loop goroutine behind.
func (m *Meter) Close() error {
	m.mu.Lock()
	switch m.state {
	case StateIdle:
		m.mu.Unlock()
		return fmt.Errorf("cannot close: %w", ErrNotRunning)
	case StateClosed:
		m.mu.Unlock()
		return fmt.Errorf("already closed: %w", ErrClosed)
	}
	m.state = StateClosed
	m.mu.Unlock()

	// Signal the loop first, then issue the potentially slow stop command,
	// so the wait below is bounded by the poll interval rather than by
	// device I/O latency.
	m.cancel()

	var firstErr error
	if err := m.dev.StopMeasuring(); err != nil {
		firstErr = fmt.Errorf("failed to stop measuring: %w", err)
	}

	<-m.done

	if err := m.dev.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("failed to close device: %w", err)
	}

	return firstErr
}

// acquire is the background acquisition loop. It polls the device for raw
// data, decodes it, and appends the samples to the buffer until the
// context is cancelled. Decode and poll failures are transient: log and
// keep the loop alive.
func (m *Meter) acquire() {
	defer close(m.done)

	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	// Trailing bytes of an incomplete frame, carried over to the next poll.
	var pending []byte

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			raw, err := m.dev.PollData()
			if err != nil {
				log.Printf("Failed to poll device: %v", err)
				continue
			}
			if len(raw) == 0 {
				continue
			}

			chunk := raw
			if len(pending) > 0 {
				chunk = append(pending, raw...)
			}

			samples, leftover, err := m.dev.Decode(chunk)
			if err != nil {
				log.Printf("Failed to decode %d byte chunk: %v", len(chunk), err)
				pending = nil
				continue
			}
			pending = append(pending[:0], leftover...)

			m.appendSamples(samples)
		}
	}
}

// appendSamples adds a decoded batch to the buffer and notifies update
// callbacks with the newest reading.
func (m *Meter) appendSamples(batch []float64) {
	if len(batch) == 0 {
		return
	}

	m.mu.Lock()
	m.samples = append(m.samples, batch...)
	m.mu.Unlock()

	m.notifyCallbacks(batch[len(batch)-1] / 1000)
}

// MinCurrentMilliamps returns the smallest buffered reading in mA.
func (m *Meter) MinCurrentMilliamps() (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.requireRunning(); err != nil {
		return 0, err
	}

	min := m.samples[0]
	for _, s := range m.samples[1:] {
		if s < min {
			min = s
		}
	}
	return min / 1000, nil
}

// MaxCurrentMilliamps returns the largest buffered reading in mA.
func (m *Meter) MaxCurrentMilliamps() (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.requireRunning(); err != nil {
		return 0, err
	}

	max := m.samples[0]
	for _, s := range m.samples[1:] {
		if s > max {
			max = s
		}
	}
	return max / 1000, nil
}

// AverageCurrentMilliamps returns the arithmetic mean of the buffered
// readings in mA.
func (m *Meter) AverageCurrentMilliamps() (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.requireRunning(); err != nil {
		return 0, err
	}

	var sum float64
	for _, s := range m.samples {
		sum += s
	}
	return sum / float64(len(m.samples)) / 1000, nil
}

// ResetMeasurements collapses the buffer to the most recent reading, so
// the next statistics query has a valid baseline even if no new samples
// arrive before it.
func (m *Meter) ResetMeasurements() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.requireRunning(); err != nil {
		return err
	}

	last := m.samples[len(m.samples)-1]
	m.samples = append(m.samples[:0], last)
	return nil
}

// SamplesMilliamps returns a copy of the current buffer contents in mA,
// oldest first.
func (m *Meter) SamplesMilliamps() ([]float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.requireRunning(); err != nil {
		return nil, err
	}

	result := make([]float64, len(m.samples))
	for i, s := range m.samples {
		result[i] = s / 1000
	}
	return result, nil
}

// State returns the current lifecycle state.
func (m *Meter) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// SetTargetVoltage sets the source voltage in millivolts that the next
// SetSupplyMode call programs on the device.
func (m *Meter) SetTargetVoltage(millivolts int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.voltMV = millivolts
}

// SetSupplyMode switches the device between source meter mode (powering
// the DUT) and plain ammeter mode. The source voltage is programmed
// before the mode switch: activating supply mode with a stale regulator
// setting is a hardware hazard. The voltage is programmed in ammeter mode
// too, since the device always tracks a configured voltage.
func (m *Meter) SetSupplyMode(supply bool) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.requireRunning(); err != nil {
		return err
	}

	if err := m.dev.SetSourceVoltage(m.voltMV); err != nil {
		return fmt.Errorf("failed to set source voltage: %w", err)
	}

	if supply {
		if err := m.dev.UseSourceMeterMode(); err != nil {
			return fmt.Errorf("failed to enter source meter mode: %w", err)
		}
		return nil
	}
	if err := m.dev.UseAmmeterMode(); err != nil {
		return fmt.Errorf("failed to enter ammeter mode: %w", err)
	}
	return nil
}

// PowerOn switches DUT power on. Valid in either mode.
func (m *Meter) PowerOn() error {
	return m.toggleDUTPower(true)
}

// PowerOff switches DUT power off. Valid in either mode.
func (m *Meter) PowerOff() error {
	return m.toggleDUTPower(false)
}

func (m *Meter) toggleDUTPower(on bool) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.requireRunning(); err != nil {
		return err
	}

	if err := m.dev.ToggleDUTPower(on); err != nil {
		return fmt.Errorf("failed to toggle DUT power: %w", err)
	}
	return nil
}

// OnUpdate registers a callback invoked after each appended batch with
// the newest reading in mA. Callbacks run outside the buffer lock and
// should return quickly.
func (m *Meter) OnUpdate(callback func(lastMilliamps float64)) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.callbacks = append(m.callbacks, callback)
}

// notifyCallbacks invokes all registered callbacks without holding the
// buffer lock.
func (m *Meter) notifyCallbacks(lastMilliamps float64) {
	m.cbMu.RLock()
	callbacks := make([]func(lastMilliamps float64), len(m.callbacks))
	copy(callbacks, m.callbacks)
	m.cbMu.RUnlock()

	for _, cb := range callbacks {
		if cb != nil {
			cb(lastMilliamps)
		}
	}
}

// requireRunning reports a lifecycle error unless the meter is Running.
// Caller must hold mu (read or write).
func (m *Meter) requireRunning() error {
	switch m.state {
	case StateIdle:
		return ErrNotRunning
	case StateClosed:
		return ErrClosed
	}
	return nil
}
