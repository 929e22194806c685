package discovery

import (
	"fmt"
	"net"
	"sync"
)

// multicastGroup carries clipsync announcements on the local network.
const multicastGroup = "239.255.77.88:42424"

// Packet is one received announcement datagram with its source address.
type Packet struct {
	Data []byte
	From net.IP
}

// Conn is the announcement channel. The production implementation is UDP
// multicast; tests swap in an in-memory hub.
type Conn interface {
	Send(data []byte) error
	Packets() <-chan Packet
	Close() error
}

type udpConn struct {
	recv    *net.UDPConn
	send    *net.UDPConn
	packets chan Packet
	once    sync.Once
}

func newUDPConn() (Conn, error) {
	group, err := net.ResolveUDPAddr("udp4", multicastGroup)
	if err != nil {
		return nil, fmt.Errorf("resolve multicast group: %w", err)
	}

	recv, err := net.ListenMulticastUDP("udp4", nil, group)
	if err != nil {
		return nil, fmt.Errorf("join multicast group: %w", err)
	}
	_ = recv.SetReadBuffer(1 << 20)

	send, err := net.DialUDP("udp4", nil, group)
	if err != nil {
		recv.Close()
		return nil, fmt.Errorf("open announce socket: %w", err)
	}

	c := &udpConn{
		recv:    recv,
		send:    send,
		packets: make(chan Packet, 64),
	}
	go c.readLoop()
	return c, nil
}

func (c *udpConn) readLoop() {
	defer close(c.packets)

	buf := make([]byte, 8192)
	for {
		n, addr, err := c.recv.ReadFromUDP(buf)
		if err != nil {
			return // closed
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		select {
		case c.packets <- Packet{Data: data, From: addr.IP}:
		default:
			// Receiver backed up, drop announcement. The next one is
			// at most one interval away.
		}
	}
}

func (c *udpConn) Send(data []byte) error {
	_, err := c.send.Write(data)
	return err
}

func (c *udpConn) Packets() <-chan Packet {
	return c.packets
}

func (c *udpConn) Close() error {
	var err error
	c.once.Do(func() {
		err = c.recv.Close()
		c.send.Close()
	})
	return err
}
