package transport

import (
	"fmt"
	"io"
	"sync"
	"time"

	charmlog "github.com/charmbracelet/log"
	"github.com/tarm/serial"
)

// SerialTransport is a Transport backed by a real UART, adapted from the
// teacher's pkg/usock read strategy over tarm/serial. A UART has no native
// coupled full-duplex transaction like SPI, so each DataXchange here
// writes its TxPtr bytes then reads until exactly SizeBytes bytes are
// back, sequentially over the one physical link. A read that times out
// (io.EOF) is retried at once, with no backoff; any other read or write
// error fails the xfer. A reasonable reference transport for development
// against real hardware.
type SerialTransport struct {
	port   *serial.Port
	log    *charmlog.Logger
	mu     sync.Mutex
	closed bool
}

// OpenSerial opens devicePath at baud and returns a Transport.
func OpenSerial(devicePath string, baud int, logger *charmlog.Logger) (*SerialTransport, error) {
	if logger == nil {
		logger = charmlog.Default()
	}
	cfg := &serial.Config{
		Name:        devicePath,
		Baud:        baud,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
		ReadTimeout: time.Second,
	}
	port, err := serial.OpenPort(cfg)
	if err != nil {
		return nil, fmt.Errorf("transport: open serial port %q: %w", devicePath, err)
	}
	return &SerialTransport{port: port, log: logger}, nil
}

func (s *SerialTransport) Init(initial *Xfer) error {
	if initial == nil {
		return nil
	}
	_, err := s.DataXchange(initial, true)
	return err
}

func (s *SerialTransport) DataXchange(xfer *Xfer, startImmediately bool) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		if xfer.FailCallback != nil {
			xfer.FailCallback(xfer.ConsumerData, ErrNoDevice)
		}
		return StatusNoDevice, ErrNoDevice
	}

	if _, err := s.port.Write(xfer.TxPtr[:xfer.SizeBytes]); err != nil {
		s.log.Errorf("serial write failed: %v", err)
		if xfer.FailCallback != nil {
			xfer.FailCallback(xfer.ConsumerData, err)
		}
		return StatusNoDevice, err
	}

	read := 0
	for read < xfer.SizeBytes {
		n, err := s.port.Read(xfer.RxBuf[read:xfer.SizeBytes])
		if err != nil {
			if err == io.EOF {
				continue
			}
			s.log.Errorf("serial read failed: %v", err)
			if xfer.FailCallback != nil {
				xfer.FailCallback(xfer.ConsumerData, err)
			}
			return StatusNoDevice, err
		}
		read += n
	}

	if xfer.DoneCallback != nil {
		xfer.DoneCallback(xfer.ConsumerData, xfer.RxBuf, read)
	}
	return StatusOK, nil
}

func (s *SerialTransport) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

func (s *SerialTransport) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Re-clearing attributes the way the teacher's clearUARTAttributes did
	// is not available through tarm/serial's API after open, so Reset is a
	// no-op: it neither closes nor reconfigures the port.
	return nil
}

func (s *SerialTransport) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return s.port.Close()
}
