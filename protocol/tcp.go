package protocol

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"
)

// TCP is a connection-oriented transport. A listener serves one client at a time.
type TCP struct {
	Host string
	Port int
}

func NewTCP(host string, port int) *TCP {
	if port == 0 {
		port = DefaultPort
	}
	return &TCP{Host: host, Port: port}
}

func (t *TCP) addr() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

func (t *TCP) Dial(timeout time.Duration) (Conn, error) {
	d := net.Dialer{Timeout: timeout}
	c, err := d.Dial("tcp", t.addr())
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Bind listens on the port and waits for a single client. The server socket is
// released once a client is accepted.
func (t *TCP) Bind(ctx context.Context, timeout time.Duration) (Conn, error) {
	ln, err := net.Listen("tcp", t.addr())
	if err != nil {
		return nil, err
	}
	defer ln.Close()
	tl := ln.(*net.TCPListener)
	poll := pollInterval(timeout)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		tl.SetDeadline(time.Now().Add(poll))
		c, err := tl.AcceptTCP()
		if err == nil {
			return c, nil
		}
		if !isTimeout(err) {
			return nil, err
		}
	}
}

func (t *TCP) Responds() bool { return true }
func (t *TCP) Network() bool  { return true }
func (t *TCP) Name() string   { return "tcp" }

func (t *TCP) Peer() Transport {
	return &TCP{Host: peerHost(t.Host), Port: t.Port}
}

func (t *TCP) String() string {
	return fmt.Sprintf("tcp://%s", t.addr())
}

// peerHost maps a wildcard listen address to one a local sender can reach.
func peerHost(host string) string {
	switch host {
	case "", "0.0.0.0", "::":
		return "localhost"
	}
	return host
}
