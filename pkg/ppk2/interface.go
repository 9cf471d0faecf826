package ppk2

// Device defines the interface for PPK2 devices (real or mocked).
type Device interface {
	Connect() error
	Close() error
	StartMeasuring() error
	StopMeasuring() error
	// PollData returns whatever raw measurement bytes the device has
	// buffered. It never blocks; an empty result means no new data yet.
	PollData() ([]byte, error)
	// Decode turns raw measurement bytes into current samples in
	// microamperes. Trailing bytes that do not form a complete frame are
	// returned as leftover so the caller can prepend them to the next chunk.
	Decode(raw []byte) (samples []float64, leftover []byte, err error)
	SetSourceVoltage(millivolts int) error
	UseAmmeterMode() error
	UseSourceMeterMode() error
	ToggleDUTPower(on bool) error
	IsConnected() bool
}

// Ensure Serial implements Device.
var _ Device = (*Serial)(nil)

// Ensure Mock implements Device.
var _ Device = (*Mock)(nil)
