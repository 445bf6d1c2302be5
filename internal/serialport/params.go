package serialport

import (
	"encoding/json"
	"fmt"
	"runtime"
	"sort"
	"time"

	"go.bug.st/serial"
)

// ByteSize is the number of data bits per character.
type ByteSize int

// Supported byte sizes.
const (
	FiveBits  ByteSize = 5
	SixBits   ByteSize = 6
	SevenBits ByteSize = 7
	EightBits ByteSize = 8
)

// Parity is the parity mode, encoded as a one-letter value.
type Parity string

// Supported parity modes.
const (
	ParityNone  Parity = "N"
	ParityEven  Parity = "E"
	ParityOdd   Parity = "O"
	ParityMark  Parity = "M"
	ParitySpace Parity = "S"
)

// StopBits is the number of stop bits.
type StopBits int

// Supported stop bit settings.
const (
	StopBitsOne StopBits = iota + 1
	StopBitsOnePointFive
	StopBitsTwo
)

// MarshalJSON encodes stop bits as 1, 1.5 or 2.
func (s StopBits) MarshalJSON() ([]byte, error) {
	switch s {
	case StopBitsOne:
		return []byte("1"), nil
	case StopBitsOnePointFive:
		return []byte("1.5"), nil
	case StopBitsTwo:
		return []byte("2"), nil
	default:
		return nil, fmt.Errorf("%w: stop bits %d", ErrInvalidParams, int(s))
	}
}

// UnmarshalJSON accepts the encodings produced by MarshalJSON.
func (s *StopBits) UnmarshalJSON(data []byte) error {
	switch string(data) {
	case "1", "1.0":
		*s = StopBitsOne
	case "1.5":
		*s = StopBitsOnePointFive
	case "2", "2.0":
		*s = StopBitsTwo
	default:
		return fmt.Errorf("%w: stop bits %s", ErrInvalidParams, data)
	}
	return nil
}

// Enumeration names accepted from clients.
var (
	byteSizeNames = map[string]ByteSize{
		"FIVEBITS":  FiveBits,
		"SIXBITS":   SixBits,
		"SEVENBITS": SevenBits,
		"EIGHTBITS": EightBits,
	}

	parityNames = map[string]Parity{
		"PARITY_NONE":  ParityNone,
		"PARITY_EVEN":  ParityEven,
		"PARITY_ODD":   ParityOdd,
		"PARITY_MARK":  ParityMark,
		"PARITY_SPACE": ParitySpace,
	}

	stopBitsNames = map[string]StopBits{
		"STOPBITS_ONE":            StopBitsOne,
		"STOPBITS_ONE_POINT_FIVE": StopBitsOnePointFive,
		"STOPBITS_TWO":            StopBitsTwo,
	}
)

// ParseByteSize resolves a byte size name such as "EIGHTBITS".
func ParseByteSize(name string) (ByteSize, error) {
	v, ok := byteSizeNames[name]
	if !ok {
		return 0, fmt.Errorf("%w: bytesize %q", ErrInvalidParams, name)
	}
	if !SupportsByteSize(v) {
		return 0, fmt.Errorf("%w: bytesize %q", ErrUnsupportedParams, name)
	}
	return v, nil
}

// ParseParity resolves a parity name such as "PARITY_EVEN".
func ParseParity(name string) (Parity, error) {
	v, ok := parityNames[name]
	if !ok {
		return "", fmt.Errorf("%w: parity %q", ErrInvalidParams, name)
	}
	if !SupportsParity(v) {
		return "", fmt.Errorf("%w: parity %q", ErrUnsupportedParams, name)
	}
	return v, nil
}

// ParseStopBits resolves a stop bits name such as "STOPBITS_ONE".
func ParseStopBits(name string) (StopBits, error) {
	v, ok := stopBitsNames[name]
	if !ok {
		return 0, fmt.Errorf("%w: stopbits %q", ErrInvalidParams, name)
	}
	if !SupportsStopBits(v) {
		return 0, fmt.Errorf("%w: stopbits %q", ErrUnsupportedParams, name)
	}
	return v, nil
}

// SupportsByteSize reports whether the platform driver accepts b.
func SupportsByteSize(b ByteSize) bool {
	return b >= FiveBits && b <= EightBits
}

// SupportsParity reports whether the platform driver accepts p.
func SupportsParity(p Parity) bool {
	switch p {
	case ParityNone, ParityEven, ParityOdd, ParityMark, ParitySpace:
		return true
	default:
		return false
	}
}

// SupportsStopBits reports whether the platform driver accepts s.
// The POSIX termios driver has no 1.5 stop bit setting.
func SupportsStopBits(s StopBits) bool {
	switch s {
	case StopBitsOne, StopBitsTwo:
		return true
	case StopBitsOnePointFive:
		return runtime.GOOS == "windows"
	default:
		return false
	}
}

// ByteSizeNames returns the accepted byte size names, sorted.
func ByteSizeNames() []string { return sortedKeys(byteSizeNames) }

// ParityNames returns the accepted parity names, sorted.
func ParityNames() []string { return sortedKeys(parityNames) }

// StopBitsNames returns the accepted stop bits names, sorted.
func StopBitsNames() []string { return sortedKeys(stopBitsNames) }

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Params is the connection configuration for one port.
// Values are copied into sessions at creation and never mutated afterwards.
type Params struct {
	BaudRate int
	ByteSize ByteSize
	Parity   Parity
	StopBits StopBits

	// Flow control. XonXoff and RtsCts are reported in status records; the
	// driver asserts RTS and DTR on open when RtsCts or DsrDtr are requested.
	XonXoff bool
	RtsCts  bool
	DsrDtr  bool

	// ReadTimeout bounds a single read. Zero means reads block until data
	// arrives or the port closes.
	ReadTimeout time.Duration
}

// DefaultParams returns 8N1 parameters at the given baud rate.
func DefaultParams(baudRate int) Params {
	return Params{
		BaudRate: baudRate,
		ByteSize: EightBits,
		Parity:   ParityNone,
		StopBits: StopBitsOne,
	}
}

// Validate checks that every field holds a value the platform supports.
func (p Params) Validate() error {
	if p.BaudRate <= 0 {
		return fmt.Errorf("%w: baudrate must be positive, got %d", ErrInvalidParams, p.BaudRate)
	}
	if !SupportsByteSize(p.ByteSize) {
		return fmt.Errorf("%w: bytesize %d", ErrUnsupportedParams, p.ByteSize)
	}
	if !SupportsParity(p.Parity) {
		return fmt.Errorf("%w: parity %q", ErrUnsupportedParams, p.Parity)
	}
	if !SupportsStopBits(p.StopBits) {
		return fmt.Errorf("%w: stopbits %d", ErrUnsupportedParams, p.StopBits)
	}
	if p.ReadTimeout < 0 {
		return fmt.Errorf("%w: negative read timeout", ErrInvalidParams)
	}
	return nil
}

// Mode converts the parameters to a go.bug.st/serial mode.
func (p Params) Mode() *serial.Mode {
	mode := &serial.Mode{
		BaudRate: p.BaudRate,
		DataBits: int(p.ByteSize),
	}

	switch p.Parity {
	case ParityEven:
		mode.Parity = serial.EvenParity
	case ParityOdd:
		mode.Parity = serial.OddParity
	case ParityMark:
		mode.Parity = serial.MarkParity
	case ParitySpace:
		mode.Parity = serial.SpaceParity
	default:
		mode.Parity = serial.NoParity
	}

	switch p.StopBits {
	case StopBitsOnePointFive:
		mode.StopBits = serial.OnePointFiveStopBits
	case StopBitsTwo:
		mode.StopBits = serial.TwoStopBits
	default:
		mode.StopBits = serial.OneStopBit
	}

	if p.RtsCts || p.DsrDtr {
		mode.InitialStatusBits = &serial.ModemOutputBits{
			RTS: p.RtsCts,
			DTR: p.DsrDtr,
		}
	}

	return mode
}

// Status is the published record of a live transport's effective settings.
type Status struct {
	Port     string   `json:"port"`
	BaudRate int      `json:"baudrate"`
	ByteSize ByteSize `json:"bytesize"`
	Parity   Parity   `json:"parity"`
	StopBits StopBits `json:"stopbits"`
	Timeout  *float64 `json:"timeout"`
	XonXoff  bool     `json:"xonxoff"`
	RtsCts   bool     `json:"rtscts"`
	DsrDtr   bool     `json:"dsrdtr"`
}

// Status builds the status record for a port opened with these parameters.
func (p Params) Status(port string) Status {
	s := Status{
		Port:     port,
		BaudRate: p.BaudRate,
		ByteSize: p.ByteSize,
		Parity:   p.Parity,
		StopBits: p.StopBits,
		XonXoff:  p.XonXoff,
		RtsCts:   p.RtsCts,
		DsrDtr:   p.DsrDtr,
	}
	if p.ReadTimeout > 0 {
		secs := p.ReadTimeout.Seconds()
		s.Timeout = &secs
	}
	return s
}

// MarshalStatus encodes a status record. A nil status encodes as "{}".
func MarshalStatus(s *Status) ([]byte, error) {
	if s == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(s)
}
