// Package transport maintains WebSocket connections to paired devices and
// moves Message envelopes across them.
package transport

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	syncPath      = "/sync"
	sendQueueSize = 16
	pingInterval  = 30 * time.Second
)

// ErrPeerNotConnected is returned when no live connection matches the
// requested peer or device.
var ErrPeerNotConnected = errors.New("transport: peer not connected")

// peerConn is one WebSocket connection with its outgoing queue. The device
// id is bound after the pairing exchange identifies the remote end.
type peerConn struct {
	id       string
	conn     *websocket.Conn
	sendCh   chan Message
	outbound bool
	closed   sync.Once

	mu       sync.Mutex
	deviceID string
}

func (p *peerConn) device() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.deviceID
}

func (p *peerConn) setDevice(id string) {
	p.mu.Lock()
	p.deviceID = id
	p.mu.Unlock()
}

// Transport accepts and dials peer connections. Each peer gets a writer
// goroutine feeding from a bounded queue; when the queue is full messages
// are dropped and logged rather than blocking the caller.
type Transport struct {
	log *zap.Logger

	// OnMessage is invoked from the peer's read goroutine for every
	// decoded envelope.
	OnMessage func(peerID string, msg Message)
	// OnDisconnect is invoked once after a peer's connection is gone.
	// deviceID is empty if the peer never completed pairing.
	OnDisconnect func(peerID, deviceID string)

	upgrader websocket.Upgrader
	server   *http.Server

	mu    sync.RWMutex
	port  int
	peers map[string]*peerConn
}

// New creates a Transport. Listen or Connect must be called before any
// messages flow.
func New(log *zap.Logger) *Transport {
	return &Transport{
		log: log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		peers: make(map[string]*peerConn),
	}
}

// Listen starts the WebSocket server. Port 0 picks a free port; the port
// actually bound is returned.
func (t *Transport) Listen(host string, port int) (int, error) {
	listener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return 0, fmt.Errorf("transport listen: %w", err)
	}
	actual := listener.Addr().(*net.TCPAddr).Port

	mux := http.NewServeMux()
	mux.HandleFunc(syncPath, t.handleWebSocket)
	server := &http.Server{Handler: mux}

	t.mu.Lock()
	t.port = actual
	t.server = server
	t.mu.Unlock()

	go func() {
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			t.log.Error("transport server stopped", zap.Error(err))
		}
	}()

	t.log.Info("transport listening", zap.Int("port", actual))
	return actual, nil
}

// Port returns the bound server port, 0 before Listen.
func (t *Transport) Port() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.port
}

func (t *Transport) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	peerID := fmt.Sprintf("peer_%d", time.Now().UnixNano())
	p := t.addPeer(peerID, conn, false)

	go t.writeLoop(p)
	t.readLoop(p)
}

// Connect dials a peer's sync endpoint and returns the peer id. Dialing an
// address that is already connected returns the existing peer.
func (t *Transport) Connect(address string) (string, error) {
	peerID := fmt.Sprintf("remote_%s", address)

	t.mu.RLock()
	_, exists := t.peers[peerID]
	t.mu.RUnlock()
	if exists {
		return peerID, nil
	}

	url := fmt.Sprintf("ws://%s%s", address, syncPath)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return "", fmt.Errorf("connect to %s: %w", address, err)
	}

	p := t.addPeer(peerID, conn, true)
	go t.writeLoop(p)
	go t.readLoop(p)
	return peerID, nil
}

func (t *Transport) addPeer(id string, conn *websocket.Conn, outbound bool) *peerConn {
	p := &peerConn{
		id:       id,
		conn:     conn,
		sendCh:   make(chan Message, sendQueueSize),
		outbound: outbound,
	}
	t.mu.Lock()
	t.peers[id] = p
	t.mu.Unlock()

	t.log.Info("peer connected", zap.String("peer", id), zap.Bool("outbound", outbound))
	return p
}

func (t *Transport) removePeer(p *peerConn) {
	p.closed.Do(func() {
		t.mu.Lock()
		delete(t.peers, p.id)
		close(p.sendCh)
		t.mu.Unlock()

		p.conn.Close()

		deviceID := p.device()
		t.log.Info("peer disconnected",
			zap.String("peer", p.id), zap.String("device_id", deviceID))
		if t.OnDisconnect != nil {
			t.OnDisconnect(p.id, deviceID)
		}
	})
}

func (t *Transport) readLoop(p *peerConn) {
	defer t.removePeer(p)

	for {
		var msg Message
		if err := p.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				t.log.Warn("peer read failed", zap.String("peer", p.id), zap.Error(err))
			}
			return
		}
		if t.OnMessage != nil {
			t.OnMessage(p.id, msg)
		}
	}
}

func (t *Transport) writeLoop(p *peerConn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-p.sendCh:
			if !ok {
				p.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := p.conn.WriteJSON(msg); err != nil {
				t.log.Warn("peer write failed", zap.String("peer", p.id), zap.Error(err))
				t.removePeer(p)
				return
			}
		case <-ticker.C:
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				t.removePeer(p)
				return
			}
		}
	}
}

// enqueue is called with t.mu held, which keeps the channel open for the
// duration of the send.
func (t *Transport) enqueue(p *peerConn, msg Message) {
	select {
	case p.sendCh <- msg:
	default:
		t.log.Warn("send queue full, dropping message",
			zap.String("peer", p.id), zap.String("type", msg.Type))
	}
}

// Bind records which device is on the other end of a connection.
func (t *Transport) Bind(peerID, deviceID string) {
	t.mu.RLock()
	p, ok := t.peers[peerID]
	t.mu.RUnlock()
	if ok {
		p.setDevice(deviceID)
	}
}

// DeviceOf returns the device id bound to a connection, empty if unbound.
func (t *Transport) DeviceOf(peerID string) string {
	t.mu.RLock()
	p, ok := t.peers[peerID]
	t.mu.RUnlock()
	if !ok {
		return ""
	}
	return p.device()
}

// Reply queues a message on a specific connection, identified by peer id.
// Used during pairing, before a device id is bound.
func (t *Transport) Reply(peerID string, msg Message) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	p, ok := t.peers[peerID]
	if !ok {
		return ErrPeerNotConnected
	}
	t.enqueue(p, msg)
	return nil
}

// Send queues a message for the connection bound to the given device.
func (t *Transport) Send(deviceID string, msg Message) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, p := range t.peers {
		if p.device() == deviceID {
			t.enqueue(p, msg)
			return nil
		}
	}
	return ErrPeerNotConnected
}

// Broadcast queues a message for every bound peer the addressed filter
// accepts and returns the device ids reached.
func (t *Transport) Broadcast(msg Message, addressed func(deviceID string) bool) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var reached []string
	for _, p := range t.peers {
		id := p.device()
		if id == "" || !addressed(id) {
			continue
		}
		t.enqueue(p, msg)
		reached = append(reached, id)
	}
	return reached
}

// Devices lists the device ids currently bound to live connections.
func (t *Transport) Devices() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	seen := make(map[string]bool, len(t.peers))
	out := make([]string, 0, len(t.peers))
	for _, p := range t.peers {
		if id := p.device(); id != "" && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// Disconnect tears down the connection bound to a device.
func (t *Transport) Disconnect(deviceID string) error {
	t.mu.RLock()
	var target *peerConn
	for _, p := range t.peers {
		if p.device() == deviceID {
			target = p
			break
		}
	}
	t.mu.RUnlock()

	if target == nil {
		return ErrPeerNotConnected
	}
	t.removePeer(target)
	return nil
}

// Stop closes every peer connection and shuts the server down. The
// Transport can Listen again afterwards.
func (t *Transport) Stop() error {
	t.mu.Lock()
	server := t.server
	t.server = nil
	peers := make([]*peerConn, 0, len(t.peers))
	for _, p := range t.peers {
		peers = append(peers, p)
	}
	t.mu.Unlock()

	for _, p := range peers {
		t.removePeer(p)
	}

	if server != nil {
		if err := server.Close(); err != nil {
			return fmt.Errorf("stop transport: %w", err)
		}
	}
	return nil
}
