package protocol

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/text/encoding/ianaindex"

	"github.com/RoanBrand/CommandLink/metrics"
)

// Mode records whether a Link has been used to send or to listen.
type Mode int

const (
	ModeUnset Mode = iota
	ModeSending
	ModeListening
)

func (m Mode) String() string {
	switch m {
	case ModeSending:
		return "send"
	case ModeListening:
		return "listen"
	}
	return "unset"
}

const DefaultTimeout = 3 * time.Second

// Options configures a Link.
type Options struct {
	Header    string
	Timeout   time.Duration // connect, response and read timeout
	Delay     time.Duration // split around each write; applied before each received command
	Tries     int
	WaitStr   string // prompt to read after connecting, before the first write
	Wrap      bool
	AutoClose bool
	Responds  bool
	UniParse  bool
	Raw       bool
	Encoding  string // charset of messages passed to Send

	Logger  *zap.SugaredLogger
	Metrics *metrics.LinkMetrics
}

func DefaultOptions() Options {
	return Options{
		Header:   DefaultHeader,
		Timeout:  DefaultTimeout,
		Tries:    5,
		Wrap:     true,
		Responds: true,
		UniParse: true,
		Encoding: "utf-8",
	}
}

// Link is one endpoint exchanging text commands over a Transport. A Link either
// sends or listens for its whole lifetime.
type Link struct {
	transport Transport
	opts      Options
	log       *zap.SugaredLogger

	mu     sync.Mutex
	mode   Mode
	conn   Conn
	reader *lineReader

	listening atomic.Bool
	stop      context.CancelFunc
}

func NewLink(t Transport, opts Options) *Link {
	if opts.Raw {
		opts.Wrap = false
		opts.Responds = false
	}
	if !t.Responds() {
		opts.Responds = false
	}
	if opts.Tries < 1 {
		opts.Tries = 1
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Link{
		transport: t,
		opts:      opts,
		log:       log.With("link", t.String()),
	}
}

func (l *Link) Transport() Transport { return l.transport }
func (l *Link) Options() Options     { return l.opts }

func (l *Link) Mode() Mode {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mode
}

// Listening reports whether Listen is currently serving.
func (l *Link) Listening() bool {
	return l.listening.Load()
}

// Peer returns a new sending Link that reaches this link's listener over a
// unicast instance of the same transport.
func (l *Link) Peer() *Link {
	opts := DefaultOptions()
	opts.Header = l.opts.Header
	opts.Wrap = l.opts.Wrap
	opts.Timeout = l.opts.Timeout
	opts.Logger = l.opts.Logger
	opts.Metrics = l.opts.Metrics
	return NewLink(l.transport.Peer(), opts)
}

func (l *Link) enter(m Mode) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.mode != ModeUnset && l.mode != m {
		l.log.Errorw(ErrModeConflict.Error(), "mode", l.mode, "requested", m)
		return ErrModeConflict
	}
	l.mode = m
	return nil
}

// Send writes message to the peer. When the link expects a response, the
// unwrapped response line is returned; a response starting with ERROR is
// returned as a *ProtocolError. An empty message is a no-op.
func (l *Link) Send(message string) (string, error) {
	if message == "" {
		return "", nil
	}
	if err := l.enter(ModeSending); err != nil {
		return "", err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	name := l.transport.Name()
	if !l.opts.Raw {
		decoded, err := decode(message, l.opts.Encoding)
		if err != nil {
			l.opts.Metrics.SendFailure(name)
			return "", err
		}
		message = decoded
	}
	wire := Frame(message, l.opts.Header, l.opts.Wrap)

	var lastErr error
	sent := false
	for i := 0; i < l.opts.Tries; i++ {
		l.opts.Metrics.SendAttempt(name)
		if err := l.write(wire); err != nil {
			lastErr = err
			l.log.Debugw("send attempt failed", "attempt", i+1, "error", err)
			l.drop()
			continue
		}
		sent = true
		break
	}
	if !sent {
		l.opts.Metrics.SendFailure(name)
		l.log.Errorw("send failed", "tries", l.opts.Tries, "error", lastErr)
		return "", fmt.Errorf("%w after %d tries: %w", ErrSendFailed, l.opts.Tries, lastErr)
	}
	l.opts.Metrics.MessageSent(name)
	l.log.Infof("sent >>>: %q", wire)

	if !l.opts.Responds {
		if l.opts.AutoClose {
			l.drop()
		}
		return "", nil
	}
	resp, err := l.readResponse()
	if err != nil {
		l.opts.Metrics.SendFailure(name)
		l.log.Errorw("response failed", "error", err)
		return "", err
	}
	return resp, nil
}

func (l *Link) write(wire string) error {
	if l.conn == nil {
		c, err := l.transport.Dial(l.opts.Timeout)
		if err != nil {
			return err
		}
		l.conn = c
		l.reader = newLineReader(c, l.noise())
		l.reader.onNoise = l.warnNoise
		if err := l.waitPrompt(); err != nil {
			return err
		}
	}
	time.Sleep(l.opts.Delay / 2)
	if _, err := l.conn.Write([]byte(wire)); err != nil {
		return err
	}
	time.Sleep(l.opts.Delay / 2)
	if f, ok := l.conn.(flusher); ok {
		return f.Flush()
	}
	return nil
}

func (l *Link) waitPrompt() error {
	if l.opts.WaitStr == "" {
		return nil
	}
	for {
		l.conn.SetReadDeadline(deadline(l.opts.Timeout))
		line, err := l.reader.ReadLine()
		if err != nil {
			return fmt.Errorf("waiting for %q: %w", l.opts.WaitStr, err)
		}
		match := strings.Contains(line, l.opts.WaitStr)
		l.log.Debugw("prompt", "received", line, "match", match)
		if match {
			return nil
		}
	}
}

func (l *Link) readResponse() (string, error) {
	l.conn.SetReadDeadline(deadline(l.opts.Timeout))
	line, err := l.reader.ReadLine()
	if l.opts.AutoClose || err != nil {
		// A late reply must not be read as the answer to the next Send.
		l.drop()
	}
	if err != nil {
		if isTimeout(err) {
			return "", fmt.Errorf("%w within %s", ErrNoResponse, l.opts.Timeout)
		}
		return "", fmt.Errorf("%w: %w", ErrNoResponse, err)
	}
	l.log.Debugf("recv <<<: %q", line)
	resp := strings.TrimRight(line, "\r\n")
	if l.opts.Wrap {
		resp = unwrapResponse(resp, l.opts.Header)
	}
	code := strings.Fields(unwrapResponse(resp, l.opts.Header))
	if len(code) > 0 && code[0] == "ERROR" {
		return "", &ProtocolError{Detail: strings.Join(code[1:], " ")}
	}
	return resp, nil
}

func (l *Link) noise() bool {
	n, ok := l.transport.(lineNoise)
	return ok && n.LineNoise()
}

func (l *Link) warnNoise() {
	l.log.Warn("spurious leading byte in line, dropped.")
}

// drop closes and forgets the current connection. Callers hold l.mu.
func (l *Link) drop() {
	if l.conn == nil {
		return
	}
	if err := l.conn.Close(); err != nil {
		l.log.Warnw("unable to close connection", "error", err)
	}
	l.conn = nil
	l.reader = nil
}

// Close releases the connection. A listening link is also stopped.
func (l *Link) Close() error {
	l.Stop()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.drop()
	return nil
}

// Stop asks a running Listen to return. It is safe to call from a handler.
func (l *Link) Stop() {
	l.listening.Store(false)
	l.mu.Lock()
	stop := l.stop
	l.mu.Unlock()
	if stop != nil {
		stop()
	}
}

func decode(message, charset string) (string, error) {
	switch strings.ToLower(charset) {
	case "", "utf-8", "utf8":
		return message, nil
	}
	enc, err := ianaindex.IANA.Encoding(charset)
	if err != nil {
		return "", fmt.Errorf("unknown encoding %q: %w", charset, err)
	}
	if enc == nil {
		return "", fmt.Errorf("unsupported encoding %q", charset)
	}
	return enc.NewDecoder().String(message)
}
