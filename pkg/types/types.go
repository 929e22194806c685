package types

import (
	"time"
)

// ContentType classifies a clipboard payload. The set is closed: every
// consumer switches exhaustively over these values.
type ContentType string

const (
	ContentText     ContentType = "text"
	ContentImage    ContentType = "image"
	ContentFile     ContentType = "file"
	ContentHTML     ContentType = "html"
	ContentCode     ContentType = "code"
	ContentURL      ContentType = "url"
	ContentPassword ContentType = "password"
	ContentJSON     ContentType = "json"
)

// DeviceStatus tracks a peer through its pairing lifecycle.
type DeviceStatus string

const (
	StatusDiscovered DeviceStatus = "discovered"
	StatusPairing    DeviceStatus = "pairing"
	StatusPaired     DeviceStatus = "paired"
	StatusOffline    DeviceStatus = "offline"
)

// Device represents a peer in the clipsync network.
type Device struct {
	ID         string       `json:"device_id"`
	Name       string       `json:"name"`
	Address    string       `json:"ip_address"`
	Port       int          `json:"port"`
	Status     DeviceStatus `json:"status"`
	LastSeen   time.Time    `json:"last_seen"`
	TrustLevel string       `json:"trust_level"`
	PublicKey  string       `json:"public_key,omitempty"`
}

// ClipboardContent is one classified clipboard capture. Content holds the
// canonical payload bytes: UTF-8 for the text-like types, PNG for images.
// Immutable once built.
type ClipboardContent struct {
	Content     []byte         `json:"content"`
	Type        ContentType    `json:"content_type"`
	Timestamp   time.Time      `json:"timestamp"`
	DeviceID    string         `json:"device_id"`
	Fingerprint string         `json:"fingerprint"`
	Metadata    map[string]any `json:"metadata"`
}

// Text returns the payload as a string. Only meaningful for the
// text-like content types.
func (c ClipboardContent) Text() string {
	return string(c.Content)
}

// HistoryEntry records one sync event in the bounded history.
type HistoryEntry struct {
	ID          string      `json:"id"`
	Action      string      `json:"action"` // "sent" or "received"
	Timestamp   time.Time   `json:"timestamp"`
	ContentType ContentType `json:"content_type"`
	Device      string      `json:"device"`
	Size        int         `json:"size"`
}
