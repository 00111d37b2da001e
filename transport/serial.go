package transport

import (
	"bufio"
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/tarm/serial"
)

// packetCeiling is the largest payload a single USBTMC bulk-in transfer
// carries, per spec.
const packetCeiling = 64

// refillInterval is the number of payload bytes the device transfers
// before it needs a brief refill pause, surfaced to callers as a
// transient stall.
const refillInterval = 61440

// Serial is the production Transport, talking ASCII SCPI over a USB
// virtual serial port that emulates USBTMC chunking and refill stalls.
type Serial struct {
	port *serial.Port
	r    *bufio.Reader

	inResponse      bool
	bytesSinceStall int
}

// OpenSerial opens dev (or, if empty, a platform-appropriate default)
// at baud and returns a Serial transport.
func OpenSerial(dev string, baud int) (*Serial, error) {
	var devices []string
	if dev != "" {
		devices = append(devices, dev)
	} else {
		switch runtime.GOOS {
		case "windows":
			devices = append(devices, "COM3")
		case "linux":
			devices = append(devices, "/dev/usbtmc0", "/dev/ttyUSB0")
		}
	}
	if len(devices) == 0 {
		return nil, errors.New("transport: no device specified")
	}
	var firstErr error
	for _, d := range devices {
		cfg := &serial.Config{Name: d, Baud: baud, ReadTimeout: time.Second}
		p, err := serial.OpenPort(cfg)
		if err == nil {
			return &Serial{port: p, r: bufio.NewReaderSize(p, 4096)}, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return nil, firstErr
}

func (s *Serial) Close() error {
	return s.port.Close()
}

// Fd returns the underlying file descriptor for poll-based host loops,
// or -1 if unavailable. tarm/serial does not expose the descriptor it
// opens, so callers fall back to a timer-driven poll loop instead.
func (s *Serial) Fd() int {
	return -1
}

func (s *Serial) Send(format string, args ...any) error {
	cmd := fmt.Sprintf(format, args...)
	_, err := s.port.Write(append([]byte(cmd), '\n'))
	return err
}

func (s *Serial) query(query string) (string, error) {
	if err := s.Send("%s", query); err != nil {
		return "", err
	}
	line, err := s.r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func (s *Serial) GetString(query string) (string, error) {
	return s.query(query)
}

func (s *Serial) GetInt(query string) (int, error) {
	str, err := s.query(query)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(str)
}

func (s *Serial) GetFloat(query string) (float64, error) {
	str, err := s.query(query)
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(str, 64)
}

func (s *Serial) GetBool(query string) (bool, error) {
	str, err := s.query(query)
	if err != nil {
		return false, err
	}
	switch strings.ToUpper(str) {
	case "1", "ON", "TRUE":
		return true, nil
	default:
		return false, nil
	}
}

func (s *Serial) ReadBegin() error {
	s.inResponse = true
	s.bytesSinceStall = 0
	return nil
}

// ReadData reads up to len(buf) bytes, chunked to the USBTMC packet
// ceiling and injecting a transient stall every refillInterval bytes
// of a single response, matching the real device's behavior.
func (s *Serial) ReadData(buf []byte) (int, error) {
	if !s.inResponse {
		return 0, errors.New("transport: ReadData without ReadBegin")
	}
	if s.bytesSinceStall >= refillInterval {
		s.bytesSinceStall = 0
		return 0, ErrStall
	}
	max := len(buf)
	if max > packetCeiling {
		max = packetCeiling
	}
	if room := refillInterval - s.bytesSinceStall; max > room {
		max = room
	}
	if max == 0 {
		return 0, nil
	}
	n, err := s.r.Read(buf[:max])
	if err != nil {
		return 0, err
	}
	s.bytesSinceStall += n
	return n, nil
}

func (s *Serial) ReadComplete() (bool, error) {
	done := s.r.Buffered() == 0
	if done {
		s.inResponse = false
	}
	return done, nil
}
