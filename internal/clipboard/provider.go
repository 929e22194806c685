package clipboard

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/atotto/clipboard"
)

// ErrImageUnsupported is returned when the platform clipboard has no
// image API the provider can reach.
var ErrImageUnsupported = errors.New("image clipboard not supported on this platform")

// Clipboard abstracts the OS clipboard so the monitor and the engine can
// run against an in-memory implementation in tests.
type Clipboard interface {
	ReadText() (string, error)
	WriteText(text string) error
	ReadImage() (image.Image, error)
	WriteImage(img image.Image) error
}

// SystemClipboard talks to the real OS clipboard. Text goes through the
// native clipboard; there is no portable image read, and image write
// falls back to saving a PNG under the OS temp directory.
type SystemClipboard struct{}

func NewSystemClipboard() *SystemClipboard {
	return &SystemClipboard{}
}

func (s *SystemClipboard) ReadText() (string, error) {
	return clipboard.ReadAll()
}

func (s *SystemClipboard) WriteText(text string) error {
	return clipboard.WriteAll(text)
}

func (s *SystemClipboard) ReadImage() (image.Image, error) {
	return nil, ErrImageUnsupported
}

func (s *SystemClipboard) WriteImage(img image.Image) error {
	name := fmt.Sprintf("clipboard_image_%s.png", time.Now().Format("20060102_150405"))
	path := filepath.Join(os.TempDir(), name)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("save clipboard image: %w", err)
	}
	defer f.Close()

	if err := png.Encode(f, img); err != nil {
		return fmt.Errorf("save clipboard image: %w", err)
	}
	return nil
}

// MemClipboard is an in-memory clipboard holding a single value, either
// text or an image.
type MemClipboard struct {
	mu   sync.Mutex
	text string
	img  image.Image
}

func NewMemClipboard() *MemClipboard {
	return &MemClipboard{}
}

func (m *MemClipboard) ReadText() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.text, nil
}

func (m *MemClipboard) WriteText(text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.text = text
	m.img = nil
	return nil
}

func (m *MemClipboard) ReadImage() (image.Image, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.img, nil
}

func (m *MemClipboard) WriteImage(img image.Image) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.img = img
	m.text = ""
	return nil
}

// EncodePNG renders an image in the canonical payload format.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeImage parses payload bytes back into an image. PNG and JPEG are
// registered.
func DecodeImage(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return img, nil
}
