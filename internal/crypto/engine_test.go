package crypto

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipsync/clipsync/pkg/types"
)

// pairedEngines returns two engines that have exchanged public keys.
func pairedEngines(t *testing.T) (*Engine, *Engine) {
	t.Helper()

	a, err := NewEngineWithID("aaaa000011112222")
	require.NoError(t, err)
	b, err := NewEngineWithID("bbbb000011112222")
	require.NoError(t, err)

	require.NoError(t, a.ImportPeerKey(b.DeviceID(), b.ExportPublicKey()))
	require.NoError(t, b.ImportPeerKey(a.DeviceID(), a.ExportPublicKey()))
	return a, b
}

func TestNewEngine(t *testing.T) {
	engine, err := NewEngine()
	require.NoError(t, err)

	assert.Len(t, engine.DeviceID(), 16)
	assert.NotEmpty(t, engine.ExportPublicKey())
	assert.Empty(t, engine.Peers())
}

func TestImportPeerKey(t *testing.T) {
	engine, err := NewEngineWithID("aaaa000011112222")
	require.NoError(t, err)

	t.Run("valid key", func(t *testing.T) {
		other, err := NewEngineWithID("bbbb000011112222")
		require.NoError(t, err)

		require.NoError(t, engine.ImportPeerKey(other.DeviceID(), other.ExportPublicKey()))
		assert.True(t, engine.HasPeer(other.DeviceID()))
		assert.Contains(t, engine.Peers(), other.DeviceID())
	})

	t.Run("invalid base64", func(t *testing.T) {
		err := engine.ImportPeerKey("cccc000011112222", "not base64 at all!!!")
		assert.ErrorIs(t, err, ErrInvalidPublicKey)
	})

	t.Run("not pem", func(t *testing.T) {
		err := engine.ImportPeerKey("cccc000011112222", "aGVsbG8gd29ybGQ=")
		assert.ErrorIs(t, err, ErrInvalidPublicKey)
	})

	t.Run("remove peer", func(t *testing.T) {
		other, err := NewEngineWithID("dddd000011112222")
		require.NoError(t, err)

		require.NoError(t, engine.ImportPeerKey(other.DeviceID(), other.ExportPublicKey()))
		engine.RemovePeer(other.DeviceID())
		assert.False(t, engine.HasPeer(other.DeviceID()))
	})
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	a, b := pairedEngines(t)

	plaintext := []byte("hello from the clipboard")
	env, err := a.Encrypt(plaintext, types.ContentText)
	require.NoError(t, err)

	assert.Equal(t, a.DeviceID(), env.DeviceID)
	assert.Contains(t, env.Keys, b.DeviceID())
	assert.NotEqual(t, plaintext, env.Ciphertext)

	decrypted, contentType, err := b.Decrypt(env)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
	assert.Equal(t, types.ContentText, contentType)
}

func TestEncryptFreshNonce(t *testing.T) {
	a, b := pairedEngines(t)

	plaintext := []byte("same content twice")
	first, err := a.Encrypt(plaintext, types.ContentText)
	require.NoError(t, err)
	second, err := a.Encrypt(plaintext, types.ContentText)
	require.NoError(t, err)

	// Fresh key and nonce per message: ciphertexts must differ.
	assert.NotEqual(t, first.Ciphertext, second.Ciphertext)
	assert.NotEqual(t, first.Nonce, second.Nonce)

	for _, env := range []*Envelope{first, second} {
		decrypted, _, err := b.Decrypt(env)
		require.NoError(t, err)
		assert.Equal(t, plaintext, decrypted)
	}
}

func TestDecryptFailures(t *testing.T) {
	a, b := pairedEngines(t)

	t.Run("not addressed", func(t *testing.T) {
		stranger, err := NewEngineWithID("eeee000011112222")
		require.NoError(t, err)
		require.NoError(t, stranger.ImportPeerKey(a.DeviceID(), a.ExportPublicKey()))

		env, err := a.Encrypt([]byte("secret"), types.ContentText)
		require.NoError(t, err)

		_, _, err = stranger.Decrypt(env)
		assert.ErrorIs(t, err, ErrNotAddressed)
	})

	t.Run("unknown sender", func(t *testing.T) {
		env, err := a.Encrypt([]byte("secret"), types.ContentText)
		require.NoError(t, err)

		b.RemovePeer(a.DeviceID())
		defer func() {
			require.NoError(t, b.ImportPeerKey(a.DeviceID(), a.ExportPublicKey()))
		}()

		_, _, err = b.Decrypt(env)
		assert.ErrorIs(t, err, ErrUnknownPeer)
	})

	t.Run("tampered ciphertext", func(t *testing.T) {
		env, err := a.Encrypt([]byte("secret"), types.ContentText)
		require.NoError(t, err)

		env.Ciphertext[0] ^= 0xff
		_, _, err = b.Decrypt(env)
		assert.ErrorIs(t, err, ErrDecrypt)
	})

	t.Run("tampered tag", func(t *testing.T) {
		env, err := a.Encrypt([]byte("secret"), types.ContentText)
		require.NoError(t, err)

		env.Tag[0] ^= 0xff
		_, _, err = b.Decrypt(env)
		assert.ErrorIs(t, err, ErrDecrypt)
	})

	t.Run("tampered wrapped key", func(t *testing.T) {
		env, err := a.Encrypt([]byte("secret"), types.ContentText)
		require.NoError(t, err)

		wrapped := env.Keys[b.DeviceID()]
		wrapped[len(wrapped)-1] ^= 0xff
		_, _, err = b.Decrypt(env)
		assert.ErrorIs(t, err, ErrDecrypt)
	})

	t.Run("wrong identity never yields plaintext", func(t *testing.T) {
		// An engine holding a different key pair under the same device id
		// must get an authentication failure, not garbage.
		impostor, err := NewEngineWithID(b.DeviceID())
		require.NoError(t, err)
		require.NoError(t, impostor.ImportPeerKey(a.DeviceID(), a.ExportPublicKey()))

		env, err := a.Encrypt([]byte("secret"), types.ContentText)
		require.NoError(t, err)

		_, _, err = impostor.Decrypt(env)
		assert.ErrorIs(t, err, ErrDecrypt)
	})
}

func TestMultiRecipient(t *testing.T) {
	a, err := NewEngineWithID("aaaa000011112222")
	require.NoError(t, err)

	recipients := make([]*Engine, 3)
	for i, id := range []string{"1111000011112222", "2222000011112222", "3333000011112222"} {
		r, err := NewEngineWithID(id)
		require.NoError(t, err)
		require.NoError(t, a.ImportPeerKey(r.DeviceID(), r.ExportPublicKey()))
		require.NoError(t, r.ImportPeerKey(a.DeviceID(), a.ExportPublicKey()))
		recipients[i] = r
	}

	plaintext := []byte("broadcast to everyone")
	env, err := a.Encrypt(plaintext, types.ContentText)
	require.NoError(t, err)
	assert.Len(t, env.Keys, 3)

	for _, r := range recipients {
		decrypted, _, err := r.Decrypt(env)
		require.NoError(t, err)
		assert.Equal(t, plaintext, decrypted)
	}
}

func TestCompression(t *testing.T) {
	a, b := pairedEngines(t)

	t.Run("repetitive text compresses", func(t *testing.T) {
		plaintext := []byte(strings.Repeat("clipboard sync clipboard sync ", 100))
		env, err := a.Encrypt(plaintext, types.ContentText)
		require.NoError(t, err)

		assert.True(t, env.Compressed)
		assert.Less(t, len(env.Ciphertext), len(plaintext))

		decrypted, _, err := b.Decrypt(env)
		require.NoError(t, err)
		assert.Equal(t, plaintext, decrypted)
	})

	t.Run("short text stays uncompressed", func(t *testing.T) {
		env, err := a.Encrypt([]byte("hi"), types.ContentText)
		require.NoError(t, err)
		assert.False(t, env.Compressed)
	})

	t.Run("image payload never compressed", func(t *testing.T) {
		payload := bytes.Repeat([]byte{0x89, 0x50, 0x4e, 0x47}, 256)
		env, err := a.Encrypt(payload, types.ContentImage)
		require.NoError(t, err)
		assert.False(t, env.Compressed)

		decrypted, contentType, err := b.Decrypt(env)
		require.NoError(t, err)
		assert.Equal(t, payload, decrypted)
		assert.Equal(t, types.ContentImage, contentType)
	})
}

func TestSignVerify(t *testing.T) {
	a, b := pairedEngines(t)

	content := []byte("signed clipboard content")
	sig, err := a.Sign(content)
	require.NoError(t, err)

	assert.True(t, b.Verify(content, sig, a.DeviceID()))
	assert.False(t, b.Verify([]byte("different content"), sig, a.DeviceID()))
	assert.False(t, b.Verify(content, "bm90IGEgc2lnbmF0dXJl", a.DeviceID()))
	assert.False(t, b.Verify(content, sig, "9999000011112222")) // unknown peer
}
