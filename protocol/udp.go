package protocol

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"golang.org/x/net/ipv4"
)

const (
	DefaultMulticastGroup = "225.100.100.100"
	DefaultMulticastTTL   = 2
)

// UDP sends unicast datagrams. Listeners never answer.
type UDP struct {
	Host string
	Port int
}

func NewUDP(host string, port int) *UDP {
	if port == 0 {
		port = DefaultPort
	}
	return &UDP{Host: host, Port: port}
}

func (u *UDP) addr() string {
	return net.JoinHostPort(u.Host, strconv.Itoa(u.Port))
}

func (u *UDP) Dial(timeout time.Duration) (Conn, error) {
	c, err := net.DialTimeout("udp", u.addr(), timeout)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (u *UDP) Bind(ctx context.Context, timeout time.Duration) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	la, err := net.ResolveUDPAddr("udp", u.addr())
	if err != nil {
		return nil, err
	}
	c, err := net.ListenUDP("udp", la)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (u *UDP) Responds() bool { return false }
func (u *UDP) Network() bool  { return true }
func (u *UDP) Name() string   { return "udp" }

func (u *UDP) Peer() Transport {
	return &UDP{Host: peerHost(u.Host), Port: u.Port}
}

func (u *UDP) String() string {
	return fmt.Sprintf("udp://%s", u.addr())
}

// Multicast sends datagrams to a group; listeners join the group.
type Multicast struct {
	Group string
	Port  int
	TTL   int
}

func NewMulticast(group string, port, ttl int) *Multicast {
	if group == "" {
		group = DefaultMulticastGroup
	}
	if port == 0 {
		port = DefaultPort
	}
	if ttl <= 0 {
		ttl = DefaultMulticastTTL
	}
	return &Multicast{Group: group, Port: port, TTL: ttl}
}

func (m *Multicast) groupAddr() (*net.UDPAddr, error) {
	return net.ResolveUDPAddr("udp4", net.JoinHostPort(m.Group, strconv.Itoa(m.Port)))
}

func (m *Multicast) Dial(timeout time.Duration) (Conn, error) {
	ga, err := m.groupAddr()
	if err != nil {
		return nil, err
	}
	c, err := net.DialUDP("udp4", nil, ga)
	if err != nil {
		return nil, err
	}
	p := ipv4.NewPacketConn(c)
	if err := p.SetMulticastTTL(m.TTL); err != nil {
		c.Close()
		return nil, err
	}
	if err := p.SetMulticastLoopback(true); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func (m *Multicast) Bind(ctx context.Context, timeout time.Duration) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ga, err := m.groupAddr()
	if err != nil {
		return nil, err
	}
	c, err := net.ListenMulticastUDP("udp4", nil, ga)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (m *Multicast) Responds() bool { return false }
func (m *Multicast) Network() bool  { return true }
func (m *Multicast) Name() string   { return "multicast-udp" }

// Peer is unicast UDP to this host so resends are not broadcast again.
func (m *Multicast) Peer() Transport {
	return &UDP{Host: "localhost", Port: m.Port}
}

func (m *Multicast) String() string {
	return fmt.Sprintf("udp://%s:%d?ttl=%d", m.Group, m.Port, m.TTL)
}
