package protocol

import (
	"bytes"
	"context"
	"time"
)

// Conn is one open connection over which lines are exchanged.
// TCP and UDP sockets implement it directly; a serial port is wrapped by comwrapper.
type Conn interface {
	Read(p []byte) (n int, err error)
	Write(p []byte) (n int, err error)
	Close() error
	SetReadDeadline(t time.Time) error
}

type flusher interface {
	Flush() error
}

// Transport opens connections on one physical medium.
type Transport interface {
	// Dial opens the sending side.
	Dial(timeout time.Duration) (Conn, error)
	// Bind opens the listening side, blocking until a connection is ready or ctx ends.
	Bind(ctx context.Context, timeout time.Duration) (Conn, error)
	// Responds reports whether listeners on this medium answer requests.
	Responds() bool
	// Network reports whether a busy bind may be resolved by asking the holder to exit.
	Network() bool
	// Peer returns a unicast transport reaching the same listener.
	Peer() Transport
	// Name is the short transport name, e.g. "tcp".
	Name() string
	String() string
}

// lineNoise is implemented by transports whose lines may start with a spurious byte.
type lineNoise interface {
	LineNoise() bool
}

const (
	readSize = 1024
	// MaxLineLength bounds a partial line held while waiting for its newline.
	MaxLineLength = 64 << 10
)

// lineReader assembles newline terminated lines from a Conn. Data read without a
// newline stays buffered and is joined with later reads.
type lineReader struct {
	conn    Conn
	buf     []byte
	pending error
	noise   bool
	onNoise func()
	discard bool // dropping the rest of an over-long line
}

func newLineReader(conn Conn, noise bool) *lineReader {
	return &lineReader{conn: conn, noise: noise}
}

// ReadLine returns the next line including its newline. A line longer than
// MaxLineLength is skipped up to its newline and reported as a MalformedLine
// CommandError.
func (r *lineReader) ReadLine() (string, error) {
	rx := make([]byte, readSize)
	for {
		if r.discard {
			i := bytes.IndexByte(r.buf, '\n')
			if i < 0 {
				r.buf = r.buf[:0]
			} else {
				r.buf = append(r.buf[:0], r.buf[i+1:]...)
				r.discard = false
			}
		}
		if i := bytes.IndexByte(r.buf, '\n'); i >= 0 {
			line := string(r.buf[:i+1])
			r.buf = append(r.buf[:0], r.buf[i+1:]...)
			return r.clean(line), nil
		}
		if r.pending != nil {
			err := r.pending
			r.pending = nil
			return "", err
		}
		n, err := r.conn.Read(rx)
		r.buf = append(r.buf, rx[:n]...)
		if !r.discard && len(r.buf) > MaxLineLength && bytes.IndexByte(r.buf, '\n') < 0 {
			r.buf = r.buf[:0]
			r.discard = true
			r.pending = err
			return "", Errorf(KindMalformedLine, "line longer than %d bytes.", MaxLineLength)
		}
		if err != nil {
			if bytes.IndexByte(r.buf, '\n') >= 0 {
				r.pending = err
				continue
			}
			return "", err
		}
	}
}

func (r *lineReader) clean(line string) string {
	if r.noise && len(line) > 0 && (line[0] == 0xFF || line[0] == 0xFE) {
		if r.onNoise != nil {
			r.onNoise()
		}
		return line[1:]
	}
	return line
}

func deadline(timeout time.Duration) time.Time {
	if timeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(timeout)
}

// pollInterval is how long a listener blocks before checking whether it should stop.
func pollInterval(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return time.Second
	}
	return timeout
}

// sleepCtx waits for d or until ctx ends, reporting whether the full wait elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
