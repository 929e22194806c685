package crypto

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"sync"
)

var (
	ErrInvalidPublicKey = errors.New("invalid public key")
	ErrUnknownPeer      = errors.New("unknown peer")
	ErrNotAddressed     = errors.New("message not addressed to this device")
	ErrDecrypt          = errors.New("decryption failed")
)

// hkdfInfo is the application context string mixed into every derived
// per-peer key. Both sides must use the same value.
const hkdfInfo = "clipboard-sync"

// Engine holds this device's elliptic-curve identity and the public keys
// of paired peers. One P-384 key pair serves both ECDH key agreement and
// ECDSA signing.
type Engine struct {
	deviceID string
	priv     *ecdsa.PrivateKey

	mu    sync.RWMutex
	peers map[string]*ecdsa.PublicKey
}

// NewEngine generates a fresh identity. The device id is derived from
// stable local attributes so it survives within one process but differs
// across machines.
func NewEngine() (*Engine, error) {
	return NewEngineWithID(deriveDeviceID())
}

// NewEngineWithID generates a fresh key pair under a caller-chosen device id.
func NewEngineWithID(deviceID string) (*Engine, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}

	return &Engine{
		deviceID: deviceID,
		priv:     priv,
		peers:    make(map[string]*ecdsa.PublicKey),
	}, nil
}

func deriveDeviceID() string {
	hostname, _ := os.Hostname()
	sum := sha256.Sum256(fmt.Appendf(nil, "%s%d", hostname, os.Getpid()))
	return hex.EncodeToString(sum[:])[:16]
}

// DeviceID returns the stable identifier for this engine instance.
func (e *Engine) DeviceID() string {
	return e.deviceID
}

// ExportPublicKey encodes this device's public key as base64-wrapped PEM,
// the form exchanged during pairing.
func (e *Engine) ExportPublicKey() string {
	der, err := x509.MarshalPKIXPublicKey(&e.priv.PublicKey)
	if err != nil {
		return ""
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
	return base64.StdEncoding.EncodeToString(pemBytes)
}

// ImportPeerKey stores a peer's public key under its device id. Without an
// entry here the peer can neither be targeted for encryption nor verified
// as a sender.
func (e *Engine) ImportPeerKey(peerID, publicKey string) error {
	pub, err := parsePublicKey(publicKey)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.peers[peerID] = pub
	e.mu.Unlock()
	return nil
}

func parsePublicKey(publicKey string) (*ecdsa.PublicKey, error) {
	pemBytes, err := base64.StdEncoding.DecodeString(publicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}

	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, ErrInvalidPublicKey
	}

	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}

	pub, ok := parsed.(*ecdsa.PublicKey)
	if !ok {
		return nil, ErrInvalidPublicKey
	}
	return pub, nil
}

// PeerKeyMatches reports whether the presented public key is the one
// already stored for the device. Unknown devices and unparsable keys never
// match.
func (e *Engine) PeerKeyMatches(peerID, publicKey string) bool {
	e.mu.RLock()
	stored, ok := e.peers[peerID]
	e.mu.RUnlock()
	if !ok {
		return false
	}

	presented, err := parsePublicKey(publicKey)
	return err == nil && stored.Equal(presented)
}

// HasPeer reports whether a public key is stored for the given device.
func (e *Engine) HasPeer(peerID string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.peers[peerID]
	return ok
}

// Peers returns the device ids of all known peers.
func (e *Engine) Peers() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]string, 0, len(e.peers))
	for id := range e.peers {
		ids = append(ids, id)
	}
	return ids
}

// RemovePeer forgets a peer's public key.
func (e *Engine) RemovePeer(peerID string) {
	e.mu.Lock()
	delete(e.peers, peerID)
	e.mu.Unlock()
}

// Sign produces a base64 ECDSA signature over the SHA-256 digest of content.
func (e *Engine) Sign(content []byte) (string, error) {
	digest := sha256.Sum256(content)
	sig, err := ecdsa.SignASN1(rand.Reader, e.priv, digest[:])
	if err != nil {
		return "", fmt.Errorf("sign content: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Verify checks a signature against the stored public key of peerID.
// Unknown peers and malformed signatures verify as false, never as an error.
func (e *Engine) Verify(content []byte, signature, peerID string) bool {
	e.mu.RLock()
	pub, ok := e.peers[peerID]
	e.mu.RUnlock()
	if !ok {
		return false
	}

	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}

	digest := sha256.Sum256(content)
	return ecdsa.VerifyASN1(pub, digest[:], sig)
}
