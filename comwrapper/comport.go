// RS-232/Virtual-Serial over USB as a transport for command links.

package comwrapper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/tarm/serial"
	"go.uber.org/zap"

	"github.com/RoanBrand/CommandLink/protocol"
)

// RetryInterval is how long ListenAndServe waits before reopening a failed port.
var RetryInterval = time.Second * 5

// Serial is a protocol.Transport over a COM port. Listeners answer every command.
type Serial struct {
	Config serial.Config

	open func(*serial.Config) (io.ReadWriteCloser, error)
}

func New(portName string, baudRate int) *Serial {
	return NewSerial(serial.Config{Name: portName, Baud: baudRate})
}

func NewSerial(c serial.Config) *Serial {
	if c.Name == "" {
		c.Name = PortName(0)
	}
	if c.Baud == 0 {
		c.Baud = 9600
	}
	return &Serial{Config: c, open: openPort}
}

func openPort(c *serial.Config) (io.ReadWriteCloser, error) {
	p, err := serial.OpenPort(c)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// PortName maps a zero based port index to the system device name.
func PortName(index int) string {
	if runtime.GOOS == "windows" {
		return fmt.Sprintf("COM%d", index+1)
	}
	return fmt.Sprintf("/dev/ttyS%d", index)
}

// ParseParity accepts N, O, E, M or S (or the full word).
func ParseParity(s string) (serial.Parity, error) {
	if s == "" {
		return serial.ParityNone, nil
	}
	switch strings.ToUpper(s[:1]) {
	case "N":
		return serial.ParityNone, nil
	case "O":
		return serial.ParityOdd, nil
	case "E":
		return serial.ParityEven, nil
	case "M":
		return serial.ParityMark, nil
	case "S":
		return serial.ParitySpace, nil
	}
	return 0, fmt.Errorf("unknown parity %q", s)
}

func ParseStopBits(f float64) (serial.StopBits, error) {
	switch f {
	case 0, 1:
		return serial.Stop1, nil
	case 1.5:
		return serial.Stop1Half, nil
	case 2:
		return serial.Stop2, nil
	}
	return 0, fmt.Errorf("unsupported stop bits %v", f)
}

func (s *Serial) Dial(timeout time.Duration) (protocol.Conn, error) {
	return s.openConn(timeout)
}

func (s *Serial) Bind(ctx context.Context, timeout time.Duration) (protocol.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.openConn(timeout)
}

func (s *Serial) openConn(timeout time.Duration) (protocol.Conn, error) {
	c := s.Config
	c.ReadTimeout = timeout
	rwc, err := s.open(&c)
	if err != nil {
		return nil, err
	}
	// Discard whatever was left in the driver buffers.
	if f, ok := rwc.(interface{ Flush() error }); ok {
		f.Flush()
	}
	return &port{rwc: rwc}, nil
}

func (s *Serial) Responds() bool  { return true }
func (s *Serial) Network() bool   { return false }
func (s *Serial) LineNoise() bool { return true }
func (s *Serial) Name() string    { return "serial" }

// Peer is the same port; there is no unicast variant of a serial line.
func (s *Serial) Peer() protocol.Transport { return s }

func (s *Serial) String() string {
	return fmt.Sprintf("serial://%s?baud=%d", s.Config.Name, s.Config.Baud)
}

// port adapts an open serial port to protocol.Conn. The read timeout is fixed
// when the port is opened, so an empty read is reported as a deadline.
type port struct {
	rwc io.ReadWriteCloser
}

func (p *port) Read(b []byte) (int, error) {
	n, err := p.rwc.Read(b)
	if n == 0 && (err == nil || errors.Is(err, io.EOF)) {
		return 0, os.ErrDeadlineExceeded
	}
	return n, err
}

func (p *port) Write(b []byte) (int, error) {
	return p.rwc.Write(b)
}

func (p *port) Close() error {
	return p.rwc.Close()
}

func (p *port) SetReadDeadline(time.Time) error {
	return nil
}

// ListenAndServe runs a listener on the COM port, reopening the port every
// RetryInterval after a failure. It returns once the listener exits or ctx ends.
func ListenAndServe(ctx context.Context, link *protocol.Link, handlers protocol.Registry, log *zap.SugaredLogger) error {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	name := link.Transport().String()
	firstTryDone := false
	for {
		err := link.Listen(ctx, handlers)
		if err == nil || errors.Is(err, protocol.ErrInterrupted) || errors.Is(err, protocol.ErrModeConflict) {
			return err
		}
		if !firstTryDone {
			log.Warnf("Listener @ '%s': Error on COM port -> %v. Retrying every %v..", name, err, RetryInterval)
			firstTryDone = true
		} else {
			log.Debugf("Listener @ '%s': %v", name, err)
		}
		select {
		case <-ctx.Done():
			return protocol.ErrInterrupted
		case <-time.After(RetryInterval):
		}
	}
}
