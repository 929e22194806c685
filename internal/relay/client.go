// Package relay connects to a clipboard relay server for devices that
// cannot reach each other directly. Content is encrypted with a key derived
// from the room password before it leaves the device, so the server only
// carries ciphertext.
package relay

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/websocket"
)

const (
	reconnectAttempts = 5
	reconnectDelay    = time.Second
)

// ErrNotConnected is returned by SendClipboard before Connect succeeds.
var ErrNotConnected = errors.New("relay: not connected")

// RoomDevice describes another member of the relay room.
type RoomDevice struct {
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name"`
	DeviceType string `json:"device_type"`
}

// envelope is the relay wire format, one flat shape for every message type.
type envelope struct {
	Type string `json:"type"`

	RoomID     string `json:"room_id,omitempty"`
	DeviceID   string `json:"device_id,omitempty"`
	DeviceName string `json:"device_name,omitempty"`
	DeviceType string `json:"device_type,omitempty"`

	EncryptedContent string  `json:"encrypted_content,omitempty"`
	ContentType      string  `json:"content_type,omitempty"`
	Encrypted        bool    `json:"encrypted,omitempty"`
	Timestamp        float64 `json:"timestamp,omitempty"`

	Devices []RoomDevice `json:"devices,omitempty"`
}

// Client is a relay room member. It registers on connect, pushes encrypted
// clipboard content and hands received content to OnClipboard.
type Client struct {
	server     string
	roomID     string
	deviceID   string
	deviceName string
	crypto     *RoomCrypto
	log        *zap.Logger

	// OnClipboard receives decrypted content pushed by other room
	// members. Content that fails to decrypt is discarded.
	OnClipboard func(content []byte, contentType string)

	mu      sync.Mutex
	conn    *websocket.Conn
	closed  bool
	devices []RoomDevice
}

// NewClient prepares a relay client. The room key is derived here; Connect
// actually dials. An empty password leaves the room unencrypted: content
// travels base64-encoded with the encrypted flag unset.
func NewClient(server, roomID, password, deviceID, deviceName string, log *zap.Logger) *Client {
	c := &Client{
		server:     server,
		roomID:     roomID,
		deviceID:   deviceID,
		deviceName: deviceName,
		log:        log,
	}
	if password != "" {
		c.crypto = NewRoomCrypto(roomID, password)
	}
	return c
}

// Connect dials the relay, registers this device in the room and starts
// listening. Lost connections are redialed a few times before giving up.
func (c *Client) Connect() error {
	conn, err := c.dial()
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.closed = false
	c.mu.Unlock()

	go c.listen(conn)
	c.log.Info("connected to relay",
		zap.String("server", c.server), zap.String("room", c.roomID))
	return nil
}

func (c *Client) dial() (*websocket.Conn, error) {
	url := fmt.Sprintf("%s/ws/%s", strings.TrimRight(c.server, "/"), c.roomID)
	conn, err := websocket.Dial(url, "", "http://localhost/")
	if err != nil {
		return nil, fmt.Errorf("connect to relay %s: %w", c.server, err)
	}

	reg := envelope{
		Type:       "register",
		RoomID:     c.roomID,
		DeviceID:   c.deviceID,
		DeviceName: c.deviceName,
		DeviceType: "desktop",
	}
	if err := websocket.JSON.Send(conn, reg); err != nil {
		conn.Close()
		return nil, fmt.Errorf("register with relay: %w", err)
	}
	return conn, nil
}

func (c *Client) listen(conn *websocket.Conn) {
	for {
		var msg envelope
		if err := websocket.JSON.Receive(conn, &msg); err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if closed {
				return
			}
			c.log.Warn("relay connection lost", zap.Error(err))
			c.reconnect()
			return
		}
		c.handle(msg)
	}
}

func (c *Client) handle(msg envelope) {
	switch msg.Type {
	case "clipboard_data":
		content, err := c.decode(msg)
		if err != nil {
			c.log.Warn("discarding relay content", zap.Error(err))
			return
		}
		if c.OnClipboard != nil {
			c.OnClipboard(content, msg.ContentType)
		}

	case "room_devices":
		c.mu.Lock()
		c.devices = msg.Devices
		c.mu.Unlock()
	}
}

func (c *Client) decode(msg envelope) ([]byte, error) {
	if msg.Encrypted {
		if c.crypto == nil {
			return nil, errors.New("encrypted content in a room without a password")
		}
		return c.crypto.Decrypt(msg.EncryptedContent)
	}
	return base64.StdEncoding.DecodeString(msg.EncryptedContent)
}

func (c *Client) reconnect() {
	for attempt := 1; attempt <= reconnectAttempts; attempt++ {
		time.Sleep(reconnectDelay)

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		conn, err := c.dial()
		if err != nil {
			c.log.Warn("relay reconnect failed",
				zap.Int("attempt", attempt), zap.Error(err))
			continue
		}

		// Close may have run while the dial was in flight.
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			conn.Close()
			return
		}
		c.conn = conn
		c.mu.Unlock()

		c.log.Info("relay reconnected", zap.Int("attempt", attempt))
		go c.listen(conn)
		return
	}
	c.log.Error("relay unreachable, giving up",
		zap.Int("attempts", reconnectAttempts))
}

// SendClipboard pushes content to the other room members, encrypted with
// the room key when the room has one.
func (c *Client) SendClipboard(content []byte, contentType string) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	msg := envelope{
		Type:        "clipboard_data",
		ContentType: contentType,
		Timestamp:   float64(time.Now().UnixMilli()) / 1000,
	}
	if c.crypto != nil {
		encrypted, err := c.crypto.Encrypt(content)
		if err != nil {
			return err
		}
		msg.EncryptedContent = encrypted
		msg.Encrypted = true
	} else {
		msg.EncryptedContent = base64.StdEncoding.EncodeToString(content)
	}
	return websocket.JSON.Send(conn, msg)
}

// Devices returns the most recent room membership snapshot from the server.
func (c *Client) Devices() []RoomDevice {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]RoomDevice, len(c.devices))
	copy(out, c.devices)
	return out
}

// Connected reports whether the client currently holds a live connection.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && !c.closed
}

// Close announces departure from the room and drops the connection. The
// client does not reconnect after Close.
func (c *Client) Close() {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		websocket.JSON.Send(conn, envelope{
			Type:     "leave_room",
			RoomID:   c.roomID,
			DeviceID: c.deviceID,
		})
		conn.Close()
	}
}
