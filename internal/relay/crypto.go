package relay

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	kdfIterations = 100000
	roomKeySize   = 32
)

// ErrRoomDecrypt is returned when relayed content cannot be opened, which
// usually means the room password does not match.
var ErrRoomDecrypt = errors.New("relay: cannot decrypt room content")

// RoomCrypto encrypts clipboard content for a relay room. Every member
// derives the same key from the room id and password, so the relay server
// only ever sees ciphertext.
type RoomCrypto struct {
	key []byte
}

// NewRoomCrypto derives the shared room key.
func NewRoomCrypto(roomID, password string) *RoomCrypto {
	salt := []byte("clipboard-sync-" + roomID)
	key := pbkdf2.Key([]byte(roomID+password), salt, kdfIterations, roomKeySize, sha256.New)
	return &RoomCrypto{key: key}
}

// Encrypt seals content with the room key. The result is base64 of the
// nonce followed by the ciphertext.
func (rc *RoomCrypto) Encrypt(content []byte) (string, error) {
	block, err := aes.NewCipher(rc.key)
	if err != nil {
		return "", fmt.Errorf("room cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("room cipher: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("room nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, content, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens content sealed by Encrypt.
func (rc *RoomCrypto) Decrypt(encoded string) ([]byte, error) {
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("relay: decode content: %w", err)
	}

	block, err := aes.NewCipher(rc.key)
	if err != nil {
		return nil, fmt.Errorf("room cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("room cipher: %w", err)
	}

	if len(sealed) < gcm.NonceSize() {
		return nil, ErrRoomDecrypt
	}
	nonce, ct := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]

	content, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, ErrRoomDecrypt
	}
	return content, nil
}
