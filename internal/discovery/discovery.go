// Package discovery advertises this device on the local network over UDP
// multicast and keeps a live table of other clipsync devices heard there.
package discovery

import (
	"encoding/json"
	"net"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/clipsync/clipsync/pkg/types"
)

const (
	serviceName     = "clipsync"
	protocolVersion = "1.0"

	defaultAnnounceInterval = 2 * time.Second
	defaultPeerTTL          = 6 * time.Second
	defaultReapInterval     = 1 * time.Second
)

// Announcement is the multicast advertisement datagram. Announce false is a
// goodbye: the sender is leaving the network.
type Announcement struct {
	App          string `json:"app"`
	DeviceID     string `json:"device_id"`
	DeviceName   string `json:"device_name"`
	Version      string `json:"version"`
	Capabilities string `json:"capabilities"`
	Platform     string `json:"platform"`
	Port         int    `json:"port"`
	Announce     bool   `json:"announce"`
}

// Discovery advertises the local device and tracks announcements from peers.
// Callbacks fire outside the table lock, from the single receive goroutine.
type Discovery struct {
	deviceID   string
	deviceName string
	localIP    string

	// ConnFactory opens the announcement channel on each Start. Defaults
	// to UDP multicast; tests swap in an in-memory transport.
	ConnFactory func() (Conn, error)

	announceInterval time.Duration
	peerTTL          time.Duration
	reapInterval     time.Duration

	// OnDiscovered fires when a device is first heard, and again each time
	// a device comes back after going offline.
	OnDiscovered func(types.Device)
	// OnLost fires once when a device says goodbye or its announcements
	// stop arriving.
	OnLost func(types.Device)

	log *zap.Logger

	mu      sync.RWMutex
	port    int
	devices map[string]*types.Device
	running bool
	conn    Conn
	stopCh  chan struct{}
	wgSend  sync.WaitGroup
	wgRecv  sync.WaitGroup
}

// New creates a Discovery for the given device identity. The advertised
// transport port is set with SetPort before Start.
func New(deviceID, deviceName string, log *zap.Logger) *Discovery {
	return &Discovery{
		deviceID:         deviceID,
		deviceName:       deviceName,
		localIP:          localIP(),
		ConnFactory:      newUDPConn,
		announceInterval: defaultAnnounceInterval,
		peerTTL:          defaultPeerTTL,
		reapInterval:     defaultReapInterval,
		devices:          make(map[string]*types.Device),
		log:              log,
	}
}

// SetPort records the transport port included in announcements.
func (d *Discovery) SetPort(port int) {
	d.mu.Lock()
	d.port = port
	d.mu.Unlock()
}

// Port returns the advertised transport port.
func (d *Discovery) Port() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.port
}

// LocalIP returns the address this device advertises to peers.
func (d *Discovery) LocalIP() string {
	return d.localIP
}

// Start opens a fresh announcement channel and begins advertising and
// listening. Calling Start on a running Discovery is a no-op.
func (d *Discovery) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return nil
	}

	conn, err := d.ConnFactory()
	if err != nil {
		d.mu.Unlock()
		return err
	}
	d.conn = conn
	d.stopCh = make(chan struct{})
	d.running = true
	stopCh := d.stopCh
	d.mu.Unlock()

	d.wgSend.Add(2)
	go d.announceLoop(conn, stopCh)
	go d.reapLoop(stopCh)
	d.wgRecv.Add(1)
	go d.listenLoop(conn)

	d.log.Info("discovery started",
		zap.String("device_id", d.deviceID),
		zap.String("device_name", d.deviceName))
	return nil
}

// Stop announces a goodbye, closes the channel and waits for the loops.
// Teardown errors are logged and swallowed so a later Start always begins
// clean.
func (d *Discovery) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	conn := d.conn
	d.conn = nil
	close(d.stopCh)
	d.mu.Unlock()

	d.wgSend.Wait()
	if err := conn.Close(); err != nil {
		d.log.Debug("discovery close failed", zap.Error(err))
	}
	d.wgRecv.Wait()

	d.log.Info("discovery stopped")
}

func (d *Discovery) announceLoop(conn Conn, stopCh <-chan struct{}) {
	defer d.wgSend.Done()

	ticker := time.NewTicker(d.announceInterval)
	defer ticker.Stop()

	for {
		if err := d.sendAnnouncement(conn, true); err != nil {
			d.log.Debug("announcement failed", zap.Error(err))
		}
		select {
		case <-stopCh:
			// The goodbye goes out from here so that no regular
			// announcement can trail it.
			if err := d.sendAnnouncement(conn, false); err != nil {
				d.log.Debug("goodbye announcement failed", zap.Error(err))
			}
			return
		case <-ticker.C:
		}
	}
}

func (d *Discovery) listenLoop(conn Conn) {
	defer d.wgRecv.Done()

	for pkt := range conn.Packets() {
		d.handlePacket(pkt)
	}
}

func (d *Discovery) reapLoop(stopCh <-chan struct{}) {
	defer d.wgSend.Done()

	ticker := time.NewTicker(d.reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			d.reapStale()
		}
	}
}

func (d *Discovery) sendAnnouncement(conn Conn, announce bool) error {
	d.mu.RLock()
	port := d.port
	d.mu.RUnlock()

	msg := Announcement{
		App:          serviceName,
		DeviceID:     d.deviceID,
		DeviceName:   d.deviceName,
		Version:      protocolVersion,
		Capabilities: "text,image,file",
		Platform:     platformName(),
		Port:         port,
		Announce:     announce,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return conn.Send(data)
}

func (d *Discovery) handlePacket(pkt Packet) {
	var msg Announcement
	if err := json.Unmarshal(pkt.Data, &msg); err != nil {
		return
	}
	if msg.App != serviceName || msg.DeviceID == "" || msg.DeviceID == d.deviceID {
		return
	}

	if !msg.Announce {
		d.markLostByName(msg.DeviceName)
		return
	}
	d.upsertDevice(msg, pkt.From)
}

func (d *Discovery) upsertDevice(msg Announcement, from net.IP) {
	now := time.Now()

	d.mu.Lock()
	dev, ok := d.devices[msg.DeviceID]
	if !ok {
		dev = &types.Device{
			ID:         msg.DeviceID,
			Name:       msg.DeviceName,
			Address:    from.String(),
			Port:       msg.Port,
			Status:     types.StatusDiscovered,
			LastSeen:   now,
			TrustLevel: "read-only",
		}
		d.devices[msg.DeviceID] = dev
		discovered := *dev
		d.mu.Unlock()

		d.log.Info("device discovered",
			zap.String("device_name", discovered.Name),
			zap.String("address", discovered.Address))
		if d.OnDiscovered != nil {
			d.OnDiscovered(discovered)
		}
		return
	}

	dev.Name = msg.DeviceName
	dev.Address = from.String()
	dev.Port = msg.Port
	dev.LastSeen = now
	returned := dev.Status == types.StatusOffline
	if returned {
		dev.Status = types.StatusDiscovered
	}
	refreshed := *dev
	d.mu.Unlock()

	if returned {
		d.log.Info("device returned",
			zap.String("device_name", refreshed.Name),
			zap.String("address", refreshed.Address))
		if d.OnDiscovered != nil {
			d.OnDiscovered(refreshed)
		}
	}
}

// markLostByName marks a device offline by its advertised name. Goodbye
// datagrams carry the name the peer registered with, which is how the table
// is matched here.
func (d *Discovery) markLostByName(name string) {
	var lost *types.Device

	d.mu.Lock()
	for _, dev := range d.devices {
		if dev.Name == name && dev.Status != types.StatusOffline {
			dev.Status = types.StatusOffline
			copied := *dev
			lost = &copied
			break
		}
	}
	d.mu.Unlock()

	if lost == nil {
		return
	}
	d.log.Info("device left", zap.String("device_name", lost.Name))
	if d.OnLost != nil {
		d.OnLost(*lost)
	}
}

func (d *Discovery) reapStale() {
	now := time.Now()
	var lost []types.Device

	d.mu.Lock()
	for _, dev := range d.devices {
		if dev.Status != types.StatusOffline && now.Sub(dev.LastSeen) > d.peerTTL {
			dev.Status = types.StatusOffline
			lost = append(lost, *dev)
		}
	}
	d.mu.Unlock()

	for _, dev := range lost {
		d.log.Info("device lost", zap.String("device_name", dev.Name))
		if d.OnLost != nil {
			d.OnLost(dev)
		}
	}
}

// Devices returns a snapshot of every device heard, offline ones included.
func (d *Discovery) Devices() []types.Device {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]types.Device, 0, len(d.devices))
	for _, dev := range d.devices {
		out = append(out, *dev)
	}
	return out
}

// Get returns the device with the given id.
func (d *Discovery) Get(deviceID string) (types.Device, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	dev, ok := d.devices[deviceID]
	if !ok {
		return types.Device{}, false
	}
	return *dev, true
}

// SetStatus updates the tracked status of a device, if it is known.
func (d *Discovery) SetStatus(deviceID string, status types.DeviceStatus) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if dev, ok := d.devices[deviceID]; ok {
		dev.Status = status
	}
}

// localIP finds the address of the interface that routes to the wider
// network. No packets are sent; the dial just selects a source address.
func localIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()

	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return "127.0.0.1"
}

func platformName() string {
	switch runtime.GOOS {
	case "darwin":
		return "macos"
	default:
		return runtime.GOOS
	}
}
