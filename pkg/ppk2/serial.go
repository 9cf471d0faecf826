package ppk2

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

const (
	// DefaultBaudRate is the baud rate for the PPK2 CDC ACM port. The USB
	// link ignores it, but the serial layer still wants one.
	DefaultBaudRate = 9600
	// DefaultReadBufferSize is the size of the poll read buffer.
	DefaultReadBufferSize = 1024

	// Nordic Semiconductor USB vendor ID and the PPK2 product ID, used to
	// tell PPK2 boards apart from other serial devices during discovery.
	nordicVID = "1915"
	ppk2PID   = "C00A"

	// Source voltage limits of the PPK2 regulator, in millivolts.
	MinSourceVoltage = 800
	MaxSourceVoltage = 5000

	// metadataTimeout bounds how long Connect waits for the calibration
	// metadata response.
	metadataTimeout = 2 * time.Second
)

// PPK2 command opcodes.
const (
	opNoOp             byte = 0x00
	opTriggerSet       byte = 0x01
	opAvgNumSet        byte = 0x02
	opAverageStart     byte = 0x06
	opAverageStop      byte = 0x07
	opDeviceRunningSet byte = 0x0C
	opRegulatorSet     byte = 0x0D
	opSetPowerMode     byte = 0x11
	opGetMetadata      byte = 0x19
	opReset            byte = 0x20
)

var (
	// ErrNoDevice is returned by FindPort when discovery finds no PPK2.
	ErrNoDevice = errors.New("no PPK2 devices found")
	// ErrAmbiguousDevice is returned by FindPort when discovery finds more
	// than one PPK2 and no port was specified.
	ErrAmbiguousDevice = errors.New("multiple PPK2 devices found")
)

// Port describes a discovered PPK2 serial port.
type Port struct {
	Name         string
	SerialNumber string
}

// Serial talks to a physical PPK2 over its USB serial port.
type Serial struct {
	port            string
	smoothingWindow int

	mu        sync.Mutex
	conn      serial.Port
	connected bool
	mods      modifiers
	vddMV     int
	smoother  *smoother
	readBuf   []byte
}

// New creates a new Serial instance for the given port. smoothingWindow
// sets the width of the decode rolling average (0 disables smoothing).
func New(port string, smoothingWindow int) *Serial {
	return &Serial{
		port:            port,
		smoothingWindow: smoothingWindow,
		mods:            defaultModifiers(),
		vddMV:           MinSourceVoltage,
		readBuf:         make([]byte, DefaultReadBufferSize),
	}
}

// Ports returns the serial ports that belong to PPK2 devices.
func Ports() ([]Port, error) {
	list, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to list serial ports: %w", err)
	}

	result := make([]Port, 0, len(list))
	for _, p := range list {
		if !p.IsUSB {
			continue
		}
		if strings.EqualFold(p.VID, nordicVID) && strings.EqualFold(p.PID, ppk2PID) {
			result = append(result, Port{
				Name:         p.Name,
				SerialNumber: p.SerialNumber,
			})
		}
	}

	return result, nil
}

// FindPort resolves the serial port to use. An explicit selector wins;
// otherwise discovery must find exactly one PPK2.
func FindPort(selector string) (string, error) {
	if selector != "" {
		return selector, nil
	}

	ports, err := Ports()
	if err != nil {
		return "", err
	}
	return selectPort(ports)
}

func selectPort(ports []Port) (string, error) {
	switch len(ports) {
	case 0:
		return "", ErrNoDevice
	case 1:
		return ports[0].Name, nil
	default:
		return "", fmt.Errorf("%w: %d candidates, specify the port explicitly", ErrAmbiguousDevice, len(ports))
	}
}

// Connect opens the serial port and reads the calibration metadata.
func (d *Serial) Connect() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.connected {
		return fmt.Errorf("already connected")
	}

	mode := &serial.Mode{
		BaudRate: DefaultBaudRate,
	}

	conn, err := serial.Open(d.port, mode)
	if err != nil {
		return fmt.Errorf("failed to open serial port %s: %w", d.port, err)
	}

	// Short read timeout so PollData never blocks on a quiet device.
	if err := conn.SetReadTimeout(time.Millisecond); err != nil {
		conn.Close()
		return fmt.Errorf("failed to set read timeout: %w", err)
	}

	d.conn = conn

	meta, err := d.readMetadata()
	if err != nil {
		conn.Close()
		d.conn = nil
		return fmt.Errorf("failed to read device metadata: %w", err)
	}

	d.mods = parseModifiers(meta)
	d.smoother = newSmoother(d.smoothingWindow)
	d.connected = true

	return nil
}

// readMetadata requests the calibration metadata and accumulates the
// response until the terminating END marker.
func (d *Serial) readMetadata() (string, error) {
	if _, err := d.conn.Write([]byte{opGetMetadata}); err != nil {
		return "", fmt.Errorf("failed to send metadata request: %w", err)
	}

	var sb strings.Builder
	deadline := time.Now().Add(metadataTimeout)
	for {
		n, err := d.conn.Read(d.readBuf)
		if err != nil {
			return "", fmt.Errorf("failed to read metadata: %w", err)
		}
		sb.Write(d.readBuf[:n])
		if strings.Contains(sb.String(), "END") {
			return sb.String(), nil
		}
		if time.Now().After(deadline) {
			return "", fmt.Errorf("timed out after %v waiting for metadata", metadataTimeout)
		}
	}
}

// Close closes the serial connection.
func (d *Serial) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.connected {
		return nil
	}

	d.connected = false

	if d.conn != nil {
		if err := d.conn.Close(); err != nil {
			d.conn = nil
			return fmt.Errorf("failed to close serial port: %w", err)
		}
		d.conn = nil
	}

	return nil
}

// StartMeasuring puts the device into continuous average sampling mode.
func (d *Serial) StartMeasuring() error {
	return d.command(opAverageStart)
}

// StopMeasuring stops the continuous sampling.
func (d *Serial) StopMeasuring() error {
	return d.command(opAverageStop)
}

// PollData reads whatever sample bytes the device has buffered. Returns
// an empty slice when no new data has arrived since the last poll.
func (d *Serial) PollData() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.connected {
		return nil, fmt.Errorf("not connected")
	}

	n, err := d.conn.Read(d.readBuf)
	if err != nil {
		return nil, fmt.Errorf("failed to read from serial port: %w", err)
	}
	if n == 0 {
		return nil, nil
	}

	out := make([]byte, n)
	copy(out, d.readBuf[:n])
	return out, nil
}

// Decode converts raw sample bytes into microampere readings using the
// calibration modifiers read at connect time.
func (d *Serial) Decode(raw []byte) ([]float64, []byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	return decodeFrames(raw, d.mods, d.vddMV, d.smoother)
}

// SetSourceVoltage programs the source voltage regulator. The value is
// clamped to the range the hardware supports and remembered for decode
// (the calibration polynomial depends on the programmed VDD).
func (d *Serial) SetSourceVoltage(millivolts int) error {
	if millivolts < MinSourceVoltage {
		millivolts = MinSourceVoltage
	}
	if millivolts > MaxSourceVoltage {
		millivolts = MaxSourceVoltage
	}

	if err := d.command(opRegulatorSet, byte(millivolts>>8), byte(millivolts&0xFF)); err != nil {
		return err
	}

	d.mu.Lock()
	d.vddMV = millivolts
	d.mu.Unlock()

	return nil
}

// UseAmmeterMode switches the device into passive current measurement.
func (d *Serial) UseAmmeterMode() error {
	return d.command(opSetPowerMode, opTriggerSet)
}

// UseSourceMeterMode switches the device into source meter mode, where it
// powers the DUT from the programmed source voltage.
func (d *Serial) UseSourceMeterMode() error {
	return d.command(opSetPowerMode, opAvgNumSet)
}

// ToggleDUTPower switches power to the device under test on or off.
func (d *Serial) ToggleDUTPower(on bool) error {
	state := opNoOp
	if on {
		state = opTriggerSet
	}
	return d.command(opDeviceRunningSet, state)
}

// IsConnected returns whether the device is currently connected.
func (d *Serial) IsConnected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

// command writes a single opcode with optional payload bytes.
func (d *Serial) command(op byte, payload ...byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.connected {
		return fmt.Errorf("not connected")
	}

	buf := append([]byte{op}, payload...)
	if _, err := d.conn.Write(buf); err != nil {
		return fmt.Errorf("failed to send command 0x%02x: %w", op, err)
	}

	return nil
}
