package discovery

import (
	"encoding/json"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/clipsync/clipsync/pkg/types"
)

// memHub is an in-memory stand-in for the multicast group. Every Send is
// delivered to all conns on the hub, the sender included, the way multicast
// loopback behaves.
type memHub struct {
	mu    sync.Mutex
	conns []*memConn
}

func newMemHub() *memHub {
	return &memHub{}
}

func (h *memHub) conn(ip string) *memConn {
	c := &memConn{
		hub:     h,
		ip:      net.ParseIP(ip),
		packets: make(chan Packet, 64),
	}
	h.mu.Lock()
	h.conns = append(h.conns, c)
	h.mu.Unlock()
	return c
}

type memConn struct {
	hub     *memHub
	ip      net.IP
	packets chan Packet

	mu     sync.Mutex
	closed bool
}

func (c *memConn) Send(data []byte) error {
	msg := make([]byte, len(data))
	copy(msg, data)

	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	for _, peer := range c.hub.conns {
		peer.deliver(Packet{Data: msg, From: c.ip})
	}
	return nil
}

func (c *memConn) deliver(pkt Packet) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.packets <- pkt:
	default:
	}
}

func (c *memConn) Packets() <-chan Packet {
	return c.packets
}

func (c *memConn) Close() error {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.packets)
	}
	c.mu.Unlock()

	c.hub.mu.Lock()
	for i, peer := range c.hub.conns {
		if peer == c {
			c.hub.conns = append(c.hub.conns[:i], c.hub.conns[i+1:]...)
			break
		}
	}
	c.hub.mu.Unlock()
	return nil
}

func newTestDiscovery(t *testing.T, hub *memHub, id, name, ip string) *Discovery {
	t.Helper()

	d := New(id, name, zap.NewNop())
	d.ConnFactory = func() (Conn, error) {
		return hub.conn(ip), nil
	}
	d.announceInterval = 30 * time.Millisecond
	d.peerTTL = 150 * time.Millisecond
	d.reapInterval = 25 * time.Millisecond
	return d
}

func waitForDevice(t *testing.T, ch <-chan types.Device) types.Device {
	t.Helper()
	select {
	case dev := <-ch:
		return dev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for device callback")
		return types.Device{}
	}
}

func TestDiscoveryFindsPeer(t *testing.T) {
	hub := newMemHub()
	d1 := newTestDiscovery(t, hub, "id-one", "alpha", "192.168.1.10")
	d2 := newTestDiscovery(t, hub, "id-two", "beta", "192.168.1.20")
	d1.SetPort(9001)
	d2.SetPort(9002)

	found1 := make(chan types.Device, 4)
	found2 := make(chan types.Device, 4)
	d1.OnDiscovered = func(dev types.Device) { found1 <- dev }
	d2.OnDiscovered = func(dev types.Device) { found2 <- dev }

	require.NoError(t, d1.Start())
	require.NoError(t, d2.Start())
	defer d1.Stop()
	defer d2.Stop()

	dev := waitForDevice(t, found1)
	assert.Equal(t, "id-two", dev.ID)
	assert.Equal(t, "beta", dev.Name)
	assert.Equal(t, "192.168.1.20", dev.Address)
	assert.Equal(t, 9002, dev.Port)
	assert.Equal(t, types.StatusDiscovered, dev.Status)

	dev = waitForDevice(t, found2)
	assert.Equal(t, "id-one", dev.ID)
	assert.Equal(t, 9001, dev.Port)

	got, ok := d1.Get("id-two")
	require.True(t, ok)
	assert.Equal(t, "beta", got.Name)
}

func TestDiscoveryIgnoresSelf(t *testing.T) {
	hub := newMemHub()
	d := newTestDiscovery(t, hub, "id-solo", "solo", "192.168.1.10")

	var count atomic.Int32
	d.OnDiscovered = func(types.Device) { count.Add(1) }

	require.NoError(t, d.Start())
	defer d.Stop()

	time.Sleep(120 * time.Millisecond)
	assert.Zero(t, count.Load(), "own announcements must not create devices")
	assert.Empty(t, d.Devices())
}

func TestDiscoveredCallbackFiresOnce(t *testing.T) {
	hub := newMemHub()
	d1 := newTestDiscovery(t, hub, "id-one", "alpha", "192.168.1.10")
	d2 := newTestDiscovery(t, hub, "id-two", "beta", "192.168.1.20")

	var count atomic.Int32
	d1.OnDiscovered = func(types.Device) { count.Add(1) }

	require.NoError(t, d1.Start())
	require.NoError(t, d2.Start())
	defer d1.Stop()
	defer d2.Stop()

	// Let several announce intervals pass.
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int32(1), count.Load(), "repeat announcements must not re-fire the callback")
}

func TestGoodbyeMarksDeviceOffline(t *testing.T) {
	hub := newMemHub()
	d1 := newTestDiscovery(t, hub, "id-one", "alpha", "192.168.1.10")
	d2 := newTestDiscovery(t, hub, "id-two", "beta", "192.168.1.20")

	found := make(chan types.Device, 4)
	lost := make(chan types.Device, 4)
	d1.OnDiscovered = func(dev types.Device) { found <- dev }
	d1.OnLost = func(dev types.Device) { lost <- dev }

	require.NoError(t, d1.Start())
	require.NoError(t, d2.Start())
	defer d1.Stop()

	waitForDevice(t, found)
	d2.Stop() // sends goodbye

	dev := waitForDevice(t, lost)
	assert.Equal(t, "beta", dev.Name)
	assert.Equal(t, types.StatusOffline, dev.Status)

	got, ok := d1.Get("id-two")
	require.True(t, ok)
	assert.Equal(t, types.StatusOffline, got.Status)

	// The reaper must not report the same silence again.
	select {
	case dev := <-lost:
		t.Fatalf("second lost callback for %s", dev.Name)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestReaperMarksSilentDeviceLost(t *testing.T) {
	hub := newMemHub()
	d1 := newTestDiscovery(t, hub, "id-one", "alpha", "192.168.1.10")

	found := make(chan types.Device, 4)
	lost := make(chan types.Device, 4)
	d1.OnDiscovered = func(dev types.Device) { found <- dev }
	d1.OnLost = func(dev types.Device) { lost <- dev }

	require.NoError(t, d1.Start())
	defer d1.Stop()

	// A device that announces once and then falls silent, as a crashed
	// peer would.
	ghost := hub.conn("192.168.1.99")
	data, err := json.Marshal(Announcement{
		App:        serviceName,
		DeviceID:   "id-ghost",
		DeviceName: "ghost",
		Version:    protocolVersion,
		Port:       9009,
		Announce:   true,
	})
	require.NoError(t, err)
	require.NoError(t, ghost.Send(data))

	dev := waitForDevice(t, found)
	assert.Equal(t, "id-ghost", dev.ID)

	dev = waitForDevice(t, lost)
	assert.Equal(t, "id-ghost", dev.ID)
	assert.Equal(t, types.StatusOffline, dev.Status)
}

func TestReturningDeviceFiresDiscoveredAgain(t *testing.T) {
	hub := newMemHub()
	d1 := newTestDiscovery(t, hub, "id-one", "alpha", "192.168.1.10")

	found := make(chan types.Device, 4)
	lost := make(chan types.Device, 4)
	d1.OnDiscovered = func(dev types.Device) { found <- dev }
	d1.OnLost = func(dev types.Device) { lost <- dev }

	require.NoError(t, d1.Start())
	defer d1.Stop()

	ghost := hub.conn("192.168.1.99")
	data, err := json.Marshal(Announcement{
		App:        serviceName,
		DeviceID:   "id-ghost",
		DeviceName: "ghost",
		Version:    protocolVersion,
		Port:       9009,
		Announce:   true,
	})
	require.NoError(t, err)
	require.NoError(t, ghost.Send(data))

	waitForDevice(t, found)
	waitForDevice(t, lost) // reaper takes it offline

	// The same device announcing again counts as a fresh discovery.
	require.NoError(t, ghost.Send(data))
	dev := waitForDevice(t, found)
	assert.Equal(t, "id-ghost", dev.ID)
	assert.Equal(t, types.StatusDiscovered, dev.Status)
}

func TestDiscoveryRestart(t *testing.T) {
	hub := newMemHub()
	d1 := newTestDiscovery(t, hub, "id-one", "alpha", "192.168.1.10")
	d2 := newTestDiscovery(t, hub, "id-two", "beta", "192.168.1.20")

	found := make(chan types.Device, 4)
	d2.OnDiscovered = func(dev types.Device) { found <- dev }

	require.NoError(t, d1.Start())
	d1.Stop()
	d1.Stop() // second stop is a no-op

	require.NoError(t, d1.Start())
	require.NoError(t, d2.Start())
	defer d1.Stop()
	defer d2.Stop()

	dev := waitForDevice(t, found)
	assert.Equal(t, "id-one", dev.ID, "restarted discovery must announce again")
}

func TestSetStatus(t *testing.T) {
	hub := newMemHub()
	d1 := newTestDiscovery(t, hub, "id-one", "alpha", "192.168.1.10")
	d2 := newTestDiscovery(t, hub, "id-two", "beta", "192.168.1.20")

	found := make(chan types.Device, 4)
	d1.OnDiscovered = func(dev types.Device) { found <- dev }

	require.NoError(t, d1.Start())
	require.NoError(t, d2.Start())
	defer d1.Stop()
	defer d2.Stop()

	waitForDevice(t, found)

	d1.SetStatus("id-two", types.StatusPaired)
	got, ok := d1.Get("id-two")
	require.True(t, ok)
	assert.Equal(t, types.StatusPaired, got.Status)

	// Unknown ids are ignored.
	d1.SetStatus("id-nobody", types.StatusPaired)
	_, ok = d1.Get("id-nobody")
	assert.False(t, ok)
}
