package transport

import (
	"encoding/json"
	"time"
)

// Message types exchanged between paired devices.
const (
	TypePairRequest   = "pair_request"
	TypePairResponse  = "pair_response"
	TypeClipboardSync = "clipboard_sync"
	TypeSyncAck       = "sync_ack"
)

// Message is the envelope for everything on the wire. Data holds the
// type-specific payload.
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// NewMessage wraps a payload in a Message envelope.
func NewMessage(msgType string, payload any) (Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: msgType, Data: data}, nil
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	return json.Unmarshal(m.Data, v)
}

// PairRequest starts a pairing exchange. The public key is the sender's
// exported signing/agreement key.
type PairRequest struct {
	DeviceID  string `json:"device_id"`
	PublicKey string `json:"public_key"`
}

// PairResponse answers a PairRequest. Accepted false means the request was
// rejected and no keys were stored.
type PairResponse struct {
	DeviceID  string `json:"device_id"`
	PublicKey string `json:"public_key"`
	Accepted  bool   `json:"accepted"`
}

// SyncAck reports the outcome of applying a clipboard_sync message.
type SyncAck struct {
	Success   bool      `json:"success"`
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error,omitempty"`
}
