// Package pairing builds and parses the payload one device shows (as a QR
// code or a pasted string) for another device to join it.
package pairing

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/skip2/go-qrcode"
)

// payloadTTL bounds how long a generated payload stays usable.
const payloadTTL = 10 * time.Minute

// ErrExpired is returned by Parse for payloads older than the TTL.
var ErrExpired = errors.New("pairing: payload expired")

// Payload carries everything a peer needs to connect and pair: where to
// reach this device and its public key.
type Payload struct {
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name"`
	IP         string `json:"ip"`
	Port       int    `json:"port"`
	PublicKey  string `json:"public_key"`
	Timestamp  int64  `json:"timestamp"`
}

// NewPayload stamps a payload with the current time.
func NewPayload(deviceID, deviceName, ip string, port int, publicKey string) Payload {
	return Payload{
		DeviceID:   deviceID,
		DeviceName: deviceName,
		IP:         ip,
		Port:       port,
		PublicKey:  publicKey,
		Timestamp:  time.Now().Unix(),
	}
}

// Address returns the host:port the payload points at.
func (p Payload) Address() string {
	return net.JoinHostPort(p.IP, strconv.Itoa(p.Port))
}

// Encode serializes the payload for embedding in a QR code or for pasting.
func (p Payload) Encode() (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Parse decodes and validates a payload. Expired payloads return ErrExpired.
func Parse(data string) (Payload, error) {
	var p Payload
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return Payload{}, fmt.Errorf("parse pairing payload: %w", err)
	}
	if p.DeviceID == "" || p.PublicKey == "" {
		return Payload{}, errors.New("pairing payload missing device identity")
	}
	if time.Since(time.Unix(p.Timestamp, 0)) > payloadTTL {
		return Payload{}, ErrExpired
	}
	return p, nil
}

// QRCode renders the payload as a PNG image.
func QRCode(p Payload) ([]byte, error) {
	data, err := p.Encode()
	if err != nil {
		return nil, err
	}
	return qrcode.Encode(data, qrcode.Medium, 256)
}

// Terminal renders the payload as a QR code drawn with block characters,
// for display in a terminal.
func Terminal(p Payload) (string, error) {
	data, err := p.Encode()
	if err != nil {
		return "", err
	}
	qr, err := qrcode.New(data, qrcode.Medium)
	if err != nil {
		return "", err
	}
	return qr.ToSmallString(false), nil
}
