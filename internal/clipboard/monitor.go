package clipboard

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"image"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/image/draw"

	"github.com/clipsync/clipsync/pkg/types"
)

const (
	defaultPollInterval = 500 * time.Millisecond
	stopTimeout         = 2 * time.Second

	maxHistory     = 100
	maxTextBytes   = 1_000_000  // 1MB text
	maxImagePixels = 10_000_000 // 10MP image
	thumbnailSize  = 256
)

// Monitor polls the clipboard for changes and turns raw content into
// classified, filtered ClipboardContent events.
type Monitor struct {
	deviceID string
	clip     Clipboard
	onChange func(types.ClipboardContent)
	interval time.Duration
	log      *zap.Logger

	mu      sync.Mutex
	history []types.ClipboardContent
	prevSum string
	running bool
	done    chan struct{}
	wg      sync.WaitGroup
}

func NewMonitor(deviceID string, clip Clipboard, onChange func(types.ClipboardContent), log *zap.Logger) *Monitor {
	return &Monitor{
		deviceID: deviceID,
		clip:     clip,
		onChange: onChange,
		interval: defaultPollInterval,
		log:      log,
	}
}

// SetPollInterval adjusts the poll period. Call before Start.
func (m *Monitor) SetPollInterval(d time.Duration) {
	m.interval = d
}

// Start launches the polling goroutine. Calling Start on a running
// monitor is a no-op.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.done = make(chan struct{})
	m.mu.Unlock()

	m.wg.Add(1)
	go m.run()
	m.log.Info("clipboard monitoring started")
}

// Stop signals the polling goroutine and waits for it with a bounded
// timeout. Idempotent.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.done)
	m.mu.Unlock()

	waited := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(stopTimeout):
		m.log.Warn("monitor loop did not stop in time")
	}
	m.log.Info("clipboard monitoring stopped")
}

func (m *Monitor) run() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.poll()
		}
	}
}

// poll reads the clipboard once. Text is checked before image; an
// unchanged fingerprint raises no event.
func (m *Monitor) poll() {
	text, err := m.clip.ReadText()
	if err != nil {
		m.log.Debug("clipboard read error", zap.Error(err))
		return
	}
	if text != "" {
		sum := Fingerprint([]byte(text))
		if m.seen(sum) {
			return
		}
		m.handleText(text)
		return
	}

	img, err := m.clip.ReadImage()
	if err != nil || img == nil {
		return
	}
	payload, err := EncodePNG(img)
	if err != nil {
		m.log.Debug("image encode error", zap.Error(err))
		return
	}
	if m.seen(Fingerprint(payload)) {
		return
	}
	m.handleImage(img, payload)
}

// seen records the fingerprint and reports whether it matches the
// previous poll.
func (m *Monitor) seen(sum string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sum == m.prevSum {
		return true
	}
	m.prevSum = sum
	return false
}

func (m *Monitor) handleText(text string) {
	contentType := ClassifyText(text)

	if !m.shouldSync(text, nil, contentType) {
		m.log.Debug("content filtered", zap.String("content_type", string(contentType)))
		return
	}

	m.emit(types.ClipboardContent{
		Content:     []byte(text),
		Type:        contentType,
		Timestamp:   time.Now(),
		DeviceID:    m.deviceID,
		Fingerprint: Fingerprint([]byte(text)),
		Metadata:    textTypeMetadata(contentType, text),
	})
}

func (m *Monitor) handleImage(img image.Image, payload []byte) {
	if !m.shouldSync("", img, types.ContentImage) {
		m.log.Debug("content filtered", zap.String("content_type", string(types.ContentImage)))
		return
	}

	m.emit(types.ClipboardContent{
		Content:     payload,
		Type:        types.ContentImage,
		Timestamp:   time.Now(),
		DeviceID:    m.deviceID,
		Fingerprint: Fingerprint(payload),
		Metadata:    imageMetadata(img, payload),
	})
}

func (m *Monitor) emit(content types.ClipboardContent) {
	m.addToHistory(content)
	if m.onChange != nil {
		m.onChange(content)
	}
	m.log.Info("new clipboard content", zap.String("content_type", string(content.Type)))
}

// shouldSync applies the privacy and size gates. Rejections are policy,
// not errors; the rejected value itself is never logged.
func (m *Monitor) shouldSync(text string, img image.Image, contentType types.ContentType) bool {
	if contentType == types.ContentPassword {
		m.log.Warn("sensitive password detected, skipping sync")
		return false
	}

	if text != "" {
		if containsSensitive(text) {
			m.log.Warn("sensitive data detected, skipping sync")
			return false
		}
		if len(text) > maxTextBytes {
			return false
		}
	}

	if img != nil {
		b := img.Bounds()
		if b.Dx()*b.Dy() > maxImagePixels {
			return false
		}
	}

	return true
}

// textTypeMetadata dispatches over the closed content type set. Adding a
// type without a branch here is a compile-visible gap, not a silent one.
func textTypeMetadata(contentType types.ContentType, text string) map[string]any {
	switch contentType {
	case types.ContentText:
		return textMetadata(text)
	case types.ContentCode:
		return codeMetadata(text)
	case types.ContentURL:
		return urlMetadata(text)
	case types.ContentJSON:
		return jsonMetadata(text)
	case types.ContentImage, types.ContentHTML, types.ContentFile, types.ContentPassword:
		return genericMetadata(text)
	}
	return genericMetadata(text)
}

func textMetadata(text string) map[string]any {
	return map[string]any{
		"length":         len(text),
		"lines":          strings.Count(text, "\n") + 1,
		"words":          len(strings.Fields(text)),
		"has_formatting": strings.ContainsAny(text, "\t\r\n"),
	}
}

func codeMetadata(text string) map[string]any {
	return map[string]any{
		"language": detectLanguage(text),
		"lines":    strings.Count(text, "\n") + 1,
	}
}

func urlMetadata(text string) map[string]any {
	parsed, err := url.Parse(text)
	if err != nil {
		return map[string]any{"domain": "", "path": "", "has_query": false}
	}
	return map[string]any{
		"domain":    parsed.Host,
		"path":      parsed.Path,
		"has_query": parsed.RawQuery != "",
	}
}

func jsonMetadata(text string) map[string]any {
	var parsed any
	if err := json.Unmarshal([]byte(text), &parsed); err != nil {
		return map[string]any{"valid": false}
	}

	metadata := map[string]any{"valid": true}
	switch v := parsed.(type) {
	case map[string]any:
		metadata["keys"] = len(v)
	case []any:
		metadata["items"] = len(v)
	}
	if formatted, err := json.MarshalIndent(parsed, "", "  "); err == nil {
		metadata["formatted"] = string(formatted)
	}
	return metadata
}

func genericMetadata(content any) map[string]any {
	return map[string]any{"type": fmt.Sprintf("%T", content)}
}

func imageMetadata(img image.Image, payload []byte) map[string]any {
	b := img.Bounds()
	metadata := map[string]any{
		"width":      b.Dx(),
		"height":     b.Dy(),
		"format":     "PNG",
		"size_bytes": len(payload),
	}
	if thumb, err := EncodePNG(thumbnail(img)); err == nil {
		metadata["thumbnail"] = base64.StdEncoding.EncodeToString(thumb)
	}
	return metadata
}

// thumbnail scales an image to fit inside thumbnailSize while keeping
// aspect ratio. Small images pass through untouched.
func thumbnail(img image.Image) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= thumbnailSize && h <= thumbnailSize {
		return img
	}

	tw, th := thumbnailSize, thumbnailSize
	if w > h {
		th = h * thumbnailSize / w
	} else {
		tw = w * thumbnailSize / h
	}
	if tw < 1 {
		tw = 1
	}
	if th < 1 {
		th = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, tw, th))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
	return dst
}

func (m *Monitor) addToHistory(content types.ClipboardContent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, content)
	if len(m.history) > maxHistory {
		m.history = m.history[len(m.history)-maxHistory:]
	}
}

// History returns up to limit most recent captures, oldest first.
func (m *Monitor) History(limit int) []types.ClipboardContent {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 || limit > len(m.history) {
		limit = len(m.history)
	}
	out := make([]types.ClipboardContent, limit)
	copy(out, m.history[len(m.history)-limit:])
	return out
}

func (m *Monitor) ClearHistory() {
	m.mu.Lock()
	m.history = nil
	m.mu.Unlock()
}

// Fingerprint is the cryptographic content hash used for change detection
// and echo suppression.
func Fingerprint(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
