package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

const evictMessage = "exit (sent from new server.)"

// Listen serves commands from handlers until an exit command calls Stop, ctx is
// cancelled or the transport fails. It returns nil after Stop, ErrInterrupted
// after ctx is cancelled and the transport error otherwise. The connection is
// closed before Listen returns.
func (l *Link) Listen(ctx context.Context, handlers Registry) error {
	if err := l.enter(ModeListening); err != nil {
		return err
	}
	parent := ctx
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	l.mu.Lock()
	l.stop = cancel
	l.mu.Unlock()

	name := l.transport.Name()
	l.listening.Store(true)
	l.opts.Metrics.SetListening(name, true)
	defer func() {
		l.listening.Store(false)
		l.opts.Metrics.SetListening(name, false)
		l.mu.Lock()
		l.drop()
		l.stop = nil
		l.mu.Unlock()
	}()

	d := &Dispatcher{
		Header:   l.opts.Header,
		Wrap:     l.opts.Wrap,
		UniParse: l.opts.UniParse,
		Registry: handlers,
		Link:     l,
		Log:      l.log,
		Metrics:  l.opts.Metrics,
	}
	l.log.Infow("listening", "commands", strings.Join(handlers.Names(), " "))

	for {
		conn, err := l.bind(ctx)
		if err != nil {
			return l.result(parent, err)
		}
		l.mu.Lock()
		l.conn = conn
		l.mu.Unlock()

		err = l.serve(ctx, conn, d)

		l.mu.Lock()
		l.drop()
		l.mu.Unlock()
		if err != nil || ctx.Err() != nil || !l.listening.Load() {
			return l.result(parent, err)
		}
	}
}

// result maps the reason a listener stopped to Listen's return value.
func (l *Link) result(parent context.Context, err error) error {
	switch {
	case parent.Err() != nil:
		l.log.Info("listener interrupted.")
		return ErrInterrupted
	case !l.listening.Load():
		l.log.Info("listener stopped.")
		return nil
	case err != nil:
		l.log.Errorw("listener failed", "error", err)
		return err
	}
	return nil
}

// bind opens the listening side. On a network transport whose port is taken,
// the current holder is asked to exit and the bind is retried.
func (l *Link) bind(ctx context.Context) (Conn, error) {
	poll := pollInterval(l.opts.Timeout)
	for attempt := 1; ; attempt++ {
		conn, err := l.transport.Bind(ctx, poll)
		if err == nil {
			l.log.Debugw("bound", "attempt", attempt)
			return conn, nil
		}
		if !l.transport.Network() || !isAddrInUse(err) {
			return nil, err
		}
		if attempt >= l.opts.Tries {
			return nil, fmt.Errorf("%w: %w", ErrPortInUse, err)
		}
		l.log.Warnw("port in use, asking the running listener to exit", "attempt", attempt)
		l.evict()
		if !sleepCtx(ctx, l.opts.Timeout+time.Second) {
			return nil, ctx.Err()
		}
	}
}

func (l *Link) evict() {
	c, err := l.transport.Peer().Dial(l.opts.Timeout)
	if err != nil {
		l.log.Debugw("unable to reach running listener", "error", err)
		return
	}
	defer c.Close()
	if _, err := c.Write([]byte(Frame(evictMessage, l.opts.Header, true))); err != nil {
		l.log.Debugw("unable to send exit", "error", err)
	}
}

// serve handles lines from one connection. A nil return means the connection
// is finished and the caller decides whether to bind again.
func (l *Link) serve(ctx context.Context, conn Conn, d *Dispatcher) error {
	reader := newLineReader(conn, l.noise())
	reader.onNoise = l.warnNoise
	poll := pollInterval(l.opts.Timeout)
	for {
		if ctx.Err() != nil || !l.listening.Load() {
			return nil
		}
		conn.SetReadDeadline(time.Now().Add(poll))
		line, err := reader.ReadLine()
		var resp string
		var rejected *CommandError
		switch {
		case errors.As(err, &rejected):
			resp = d.Reject(rejected)
		case err != nil:
			switch {
			case isTimeout(err):
				continue
			case errors.Is(err, io.EOF):
				l.log.Debug("peer closed connection.")
				return nil
			case l.transport.Network():
				if ctx.Err() == nil && l.listening.Load() {
					l.log.Warnw("read failed, dropping connection", "error", err)
				}
				return nil
			}
			return err
		default:
			if strings.TrimSpace(line) == "" {
				continue
			}
			l.log.Debugf("recv <<<: %q", line)
			if !sleepCtx(ctx, l.opts.Delay) {
				return nil
			}
			resp = d.Process(line)
		}

		if l.opts.Responds {
			l.log.Debugf("send >>>: %q", resp)
			if _, err := conn.Write([]byte(resp)); err != nil {
				if l.transport.Network() {
					l.log.Warnw("write failed, dropping connection", "error", err)
					return nil
				}
				return err
			}
			if f, ok := conn.(flusher); ok {
				f.Flush()
			}
		}
		if l.opts.AutoClose {
			return nil
		}
	}
}
