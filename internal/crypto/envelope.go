package crypto

import (
	"bytes"
	"compress/zlib"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/clipsync/clipsync/pkg/types"
)

// Envelope is the encrypted, multi-recipient unit exchanged for one
// clipboard change. Binary fields are base64 in JSON.
type Envelope struct {
	DeviceID    string            `json:"device_id"`
	ContentType types.ContentType `json:"content_type"`
	Ciphertext  []byte            `json:"encrypted_content"`
	Keys        map[string][]byte `json:"encrypted_keys"`
	Tag         []byte            `json:"tag"`
	Nonce       []byte            `json:"iv"`
	Compressed  bool              `json:"compressed"`
	Signature   string            `json:"signature,omitempty"`
	Metadata    map[string]any    `json:"metadata,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
}

const symKeySize = 32 // AES-256

// Encrypt seals content for every currently known peer. A fresh symmetric
// key encrypts the payload once; that key is then wrapped separately for
// each peer with a secret derived from ECDH. Peers whose key agreement
// fails are omitted from the envelope rather than failing the whole send.
func (e *Engine) Encrypt(content []byte, contentType types.ContentType) (*Envelope, error) {
	symKey := make([]byte, symKeySize)
	if _, err := io.ReadFull(rand.Reader, symKey); err != nil {
		return nil, fmt.Errorf("generate symmetric key: %w", err)
	}

	payload, compressed := compressIfSmaller(content, contentType)

	block, err := aes.NewCipher(symKey)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	sealed := gcm.Seal(nil, nonce, payload, nil)
	split := len(sealed) - gcm.Overhead()

	env := &Envelope{
		DeviceID:    e.deviceID,
		ContentType: contentType,
		Ciphertext:  sealed[:split],
		Tag:         sealed[split:],
		Nonce:       nonce,
		Compressed:  compressed,
		Keys:        make(map[string][]byte),
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	for peerID, pub := range e.peers {
		shared, err := e.deriveSharedKey(pub)
		if err != nil {
			continue // peer omitted, not an error
		}
		wrapped, err := wrapKey(symKey, shared)
		if err != nil {
			continue
		}
		env.Keys[peerID] = wrapped
	}

	return env, nil
}

// Decrypt opens an envelope addressed to this device. It fails cleanly
// when the envelope carries no wrapped key for this device, when the
// sender's public key is unknown, or when either authentication layer
// rejects the ciphertext.
func (e *Engine) Decrypt(env *Envelope) ([]byte, types.ContentType, error) {
	wrapped, ok := env.Keys[e.deviceID]
	if !ok {
		return nil, "", ErrNotAddressed
	}

	e.mu.RLock()
	senderPub, ok := e.peers[env.DeviceID]
	e.mu.RUnlock()
	if !ok {
		return nil, "", fmt.Errorf("%w: %s", ErrUnknownPeer, env.DeviceID)
	}

	shared, err := e.deriveSharedKey(senderPub)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}

	symKey, err := unwrapKey(wrapped, shared)
	if err != nil {
		return nil, "", ErrDecrypt
	}

	block, err := aes.NewCipher(symKey)
	if err != nil {
		return nil, "", ErrDecrypt
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, "", ErrDecrypt
	}

	sealed := append(append([]byte{}, env.Ciphertext...), env.Tag...)
	payload, err := gcm.Open(nil, env.Nonce, sealed, nil)
	if err != nil {
		return nil, "", ErrDecrypt
	}

	if env.Compressed {
		payload, err = decompress(payload)
		if err != nil {
			return nil, "", fmt.Errorf("%w: %v", ErrDecrypt, err)
		}
	}

	return payload, env.ContentType, nil
}

// deriveSharedKey runs ECDH against a peer key and stretches the shared
// secret through HKDF-SHA256 with the fixed application context.
func (e *Engine) deriveSharedKey(peerPub *ecdsa.PublicKey) ([]byte, error) {
	ecdhPriv, err := e.priv.ECDH()
	if err != nil {
		return nil, err
	}
	ecdhPub, err := peerPub.ECDH()
	if err != nil {
		return nil, err
	}

	shared, err := ecdhPriv.ECDH(ecdhPub)
	if err != nil {
		return nil, err
	}

	key := make([]byte, symKeySize)
	kdf := hkdf.New(sha256.New, shared, nil, []byte(hkdfInfo))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, err
	}
	return key, nil
}

// wrapKey seals the symmetric key with ChaCha20-Poly1305 under the derived
// per-peer key. The wire form is nonce || ciphertext.
func wrapKey(symKey, derived []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(derived)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	return aead.Seal(nonce, nonce, symKey, nil), nil
}

func unwrapKey(wrapped, derived []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(derived)
	if err != nil {
		return nil, err
	}

	if len(wrapped) < aead.NonceSize() {
		return nil, ErrDecrypt
	}
	nonce, ct := wrapped[:aead.NonceSize()], wrapped[aead.NonceSize():]
	return aead.Open(nil, nonce, ct, nil)
}

// compressIfSmaller zlib-compresses the payload unless the content type is
// already-compressed media. The compressed form is kept only when it saves
// more than 10% of the original size.
func compressIfSmaller(content []byte, contentType types.ContentType) ([]byte, bool) {
	if contentType == types.ContentImage {
		return content, false // canonical payload is PNG, already deflated
	}

	var buf bytes.Buffer
	w, err := zlib.NewWriterLevel(&buf, 6)
	if err != nil {
		return content, false
	}
	if _, err := w.Write(content); err != nil {
		return content, false
	}
	if err := w.Close(); err != nil {
		return content, false
	}

	if buf.Len() >= len(content)*9/10 {
		return content, false
	}
	return buf.Bytes(), true
}

func decompress(data []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
