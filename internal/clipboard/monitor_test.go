package clipboard

import (
	"fmt"
	"image"
	"image/color"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/clipsync/clipsync/pkg/types"
)

// newTestMonitor wires a monitor to an in-memory clipboard with a fast
// poll and delivers events on the returned channel.
func newTestMonitor(t *testing.T) (*Monitor, *MemClipboard, chan types.ClipboardContent) {
	t.Helper()

	clip := NewMemClipboard()
	events := make(chan types.ClipboardContent, 16)
	monitor := NewMonitor("aaaa000011112222", clip, func(c types.ClipboardContent) {
		events <- c
	}, zap.NewNop())
	monitor.SetPollInterval(10 * time.Millisecond)
	return monitor, clip, events
}

func waitForEvent(t *testing.T, events chan types.ClipboardContent) types.ClipboardContent {
	t.Helper()
	select {
	case event := <-events:
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for clipboard event")
		return types.ClipboardContent{}
	}
}

func assertNoEvent(t *testing.T, events chan types.ClipboardContent) {
	t.Helper()
	select {
	case event := <-events:
		t.Fatalf("unexpected clipboard event: %s", event.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

func testImage(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, 0, color.RGBA{R: uint8(x), A: 255})
	}
	return img
}

func TestMonitorDetectsTextChange(t *testing.T) {
	monitor, clip, events := newTestMonitor(t)
	monitor.Start()
	defer monitor.Stop()

	require.NoError(t, clip.WriteText("hello world"))

	event := waitForEvent(t, events)
	assert.Equal(t, "hello world", event.Text())
	assert.Equal(t, types.ContentText, event.Type)
	assert.Equal(t, "aaaa000011112222", event.DeviceID)
	assert.Equal(t, Fingerprint([]byte("hello world")), event.Fingerprint)
	assert.Equal(t, 11, event.Metadata["length"])
}

func TestMonitorDeduplicatesUnchangedContent(t *testing.T) {
	monitor, clip, events := newTestMonitor(t)
	monitor.Start()
	defer monitor.Stop()

	require.NoError(t, clip.WriteText("stable value"))
	waitForEvent(t, events)

	// Same content across many polls: no further events.
	assertNoEvent(t, events)

	require.NoError(t, clip.WriteText("new value"))
	event := waitForEvent(t, events)
	assert.Equal(t, "new value", event.Text())
}

func TestMonitorFiltersPasswords(t *testing.T) {
	monitor, clip, events := newTestMonitor(t)
	monitor.Start()
	defer monitor.Stop()

	require.NoError(t, clip.WriteText("hunter2!secret"))
	assertNoEvent(t, events)

	// A later harmless value still comes through.
	require.NoError(t, clip.WriteText("plain note"))
	event := waitForEvent(t, events)
	assert.Equal(t, types.ContentText, event.Type)
}

func TestMonitorFiltersSensitivePatterns(t *testing.T) {
	monitor, clip, events := newTestMonitor(t)
	monitor.Start()
	defer monitor.Stop()

	require.NoError(t, clip.WriteText("card 4111 1111 1111 1111 exp 12/30"))
	assertNoEvent(t, events)
}

func TestMonitorDetectsImage(t *testing.T) {
	monitor, clip, events := newTestMonitor(t)
	monitor.Start()
	defer monitor.Stop()

	require.NoError(t, clip.WriteImage(testImage(32, 16)))

	event := waitForEvent(t, events)
	assert.Equal(t, types.ContentImage, event.Type)
	assert.Equal(t, 32, event.Metadata["width"])
	assert.Equal(t, 16, event.Metadata["height"])
	assert.NotEmpty(t, event.Content)
	assert.Equal(t, Fingerprint(event.Content), event.Fingerprint)

	decoded, err := DecodeImage(event.Content)
	require.NoError(t, err)
	assert.Equal(t, 32, decoded.Bounds().Dx())
}

// boundsOnlyImage fakes a huge image without allocating its pixels.
type boundsOnlyImage struct {
	w, h int
}

func (i boundsOnlyImage) ColorModel() color.Model { return color.RGBAModel }
func (i boundsOnlyImage) Bounds() image.Rectangle { return image.Rect(0, 0, i.w, i.h) }
func (i boundsOnlyImage) At(x, y int) color.Color { return color.RGBA{} }

func TestShouldSyncLimits(t *testing.T) {
	monitor, _, _ := newTestMonitor(t)

	t.Run("oversized text", func(t *testing.T) {
		big := make([]byte, maxTextBytes+1)
		for i := range big {
			big[i] = 'a'
		}
		// Avoid the password shape: spaces break the token pattern.
		for i := 0; i < len(big); i += 5 {
			big[i] = ' '
		}
		assert.False(t, monitor.shouldSync(string(big), nil, types.ContentText))
	})

	t.Run("oversized image", func(t *testing.T) {
		assert.False(t, monitor.shouldSync("", boundsOnlyImage{w: 4000, h: 3000}, types.ContentImage))
	})

	t.Run("image under limit", func(t *testing.T) {
		assert.True(t, monitor.shouldSync("", boundsOnlyImage{w: 1920, h: 1080}, types.ContentImage))
	})
}

func TestMonitorHistory(t *testing.T) {
	monitor, clip, events := newTestMonitor(t)
	monitor.Start()
	defer monitor.Stop()

	for i := 0; i < 3; i++ {
		require.NoError(t, clip.WriteText(fmt.Sprintf("entry %d", i)))
		waitForEvent(t, events)
	}

	history := monitor.History(10)
	require.Len(t, history, 3)
	assert.Equal(t, "entry 0", history[0].Text())
	assert.Equal(t, "entry 2", history[2].Text())

	limited := monitor.History(2)
	require.Len(t, limited, 2)
	assert.Equal(t, "entry 1", limited[0].Text())

	monitor.ClearHistory()
	assert.Empty(t, monitor.History(10))
}

func TestMonitorStartStopIdempotent(t *testing.T) {
	monitor, clip, events := newTestMonitor(t)

	monitor.Start()
	monitor.Start() // second start is a no-op
	require.NoError(t, clip.WriteText("once"))
	waitForEvent(t, events)
	assertNoEvent(t, events) // exactly one event per change

	monitor.Stop()
	monitor.Stop() // second stop is a no-op

	// Restart works after a full stop.
	monitor.Start()
	require.NoError(t, clip.WriteText("again"))
	event := waitForEvent(t, events)
	assert.Equal(t, "again", event.Text())
	monitor.Stop()
}

func TestThumbnailScaling(t *testing.T) {
	big := image.NewRGBA(image.Rect(0, 0, 1024, 512))
	thumb := thumbnail(big)
	assert.Equal(t, 256, thumb.Bounds().Dx())
	assert.Equal(t, 128, thumb.Bounds().Dy())

	small := image.NewRGBA(image.Rect(0, 0, 64, 64))
	assert.Equal(t, small.Bounds(), thumbnail(small).Bounds())
}
