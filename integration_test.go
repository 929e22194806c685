package main

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/clipsync/clipsync/internal/clipboard"
	"github.com/clipsync/clipsync/internal/config"
	"github.com/clipsync/clipsync/internal/pairing"
	"github.com/clipsync/clipsync/internal/sync"
)

// startDevice builds one device from a settings file the way the CLI does:
// config loaded from disk, engine around it, in-memory clipboard.
func startDevice(t *testing.T, name string) (*sync.Engine, *clipboard.MemClipboard) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.json")
	s := config.Default()
	s.DeviceName = name
	s.ListenHost = "127.0.0.1"
	s.PollIntervalMS = 25
	require.NoError(t, config.Save(path, s))

	loaded, err := config.Load(path)
	require.NoError(t, err)

	mem := clipboard.NewMemClipboard()
	eng, err := sync.New(sync.Options{
		Settings:  loaded,
		Clipboard: mem,
		Logger:    zap.NewNop(),
		DeviceID:  "itest-" + name,
	})
	require.NoError(t, err)

	require.NoError(t, eng.Start())
	t.Cleanup(eng.Stop)
	return eng, mem
}

func waitClipboard(t *testing.T, mem *clipboard.MemClipboard, want string) {
	t.Helper()
	require.Eventually(t, func() bool {
		text, err := mem.ReadText()
		return err == nil && text == want
	}, 5*time.Second, 25*time.Millisecond, "waiting for %q to arrive", want)
}

func TestTwoDeviceClipboardSync(t *testing.T) {
	alice, aliceClip := startDevice(t, "alice")
	bob, bobClip := startDevice(t, "bob")

	// Pair through the encoded payload, the same path a scanned QR code
	// takes. The payload advertises the LAN address; the test listeners
	// are loopback-only, so point it there.
	payload, err := alice.PairingPayload(false)
	require.NoError(t, err)
	encoded, err := payload.Encode()
	require.NoError(t, err)

	parsed, err := pairing.Parse(encoded)
	require.NoError(t, err)
	parsed.IP = "127.0.0.1"

	dev, err := bob.PairWithPayload(parsed)
	require.NoError(t, err)
	assert.Equal(t, alice.DeviceID(), dev.ID)

	require.Eventually(t, func() bool {
		return len(alice.PairedDevices()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Alice copies; Bob's clipboard follows.
	require.NoError(t, aliceClip.WriteText("hello from alice"))
	waitClipboard(t, bobClip, "hello from alice")

	// And the other direction.
	require.NoError(t, bobClip.WriteText("reply from bob"))
	waitClipboard(t, aliceClip, "reply from bob")

	// Both sides recorded the exchange.
	require.Eventually(t, func() bool {
		return historyCount(alice, "sent") >= 1 && historyCount(alice, "received") >= 1
	}, 2*time.Second, 25*time.Millisecond)
	require.Eventually(t, func() bool {
		return historyCount(bob, "sent") >= 1 && historyCount(bob, "received") >= 1
	}, 2*time.Second, 25*time.Millisecond)
}

func TestUnpairedDevicesDoNotSync(t *testing.T) {
	_, aliceClip := startDevice(t, "solo-a")
	bob, bobClip := startDevice(t, "solo-b")

	require.NoError(t, aliceClip.WriteText("private note"))

	time.Sleep(400 * time.Millisecond)
	text, err := bobClip.ReadText()
	require.NoError(t, err)
	assert.Empty(t, text, "content must not cross without pairing")
	assert.Empty(t, bob.History(0))
}

func TestUnpairCutsTheLink(t *testing.T) {
	alice, aliceClip := startDevice(t, "cut-a")
	bob, bobClip := startDevice(t, "cut-b")

	_, err := bob.PairWith(fmt.Sprintf("127.0.0.1:%d", alice.Port()))
	require.NoError(t, err)

	require.NoError(t, aliceClip.WriteText("first"))
	waitClipboard(t, bobClip, "first")

	bob.Unpair(alice.DeviceID())
	require.Eventually(t, func() bool {
		return len(bob.PairedDevices()) == 0
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, aliceClip.WriteText("second"))
	time.Sleep(400 * time.Millisecond)
	text, err := bobClip.ReadText()
	require.NoError(t, err)
	assert.Equal(t, "first", text, "no sync after unpair")
}

func historyCount(eng *sync.Engine, action string) int {
	n := 0
	for _, e := range eng.History(0) {
		if e.Action == action {
			n++
		}
	}
	return n
}
