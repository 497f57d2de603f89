package display

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"
	"sync"
)

// StaticBackend serves a fixed placeholder frame. It stands in for a
// real hypervisor adapter in development setups and for rooms whose
// machine is offline.
type StaticBackend struct {
	mu     sync.Mutex
	sink   Sink
	width  int
	height int
	frame  []byte
}

// NewStaticBackend renders a placeholder frame at the given geometry.
func NewStaticBackend(width, height int) (*StaticBackend, error) {
	if width < 1 || height < 1 {
		return nil, errors.New("display: invalid geometry")
	}
	frame, err := renderPlaceholder(width, height)
	if err != nil {
		return nil, err
	}
	return &StaticBackend{width: width, height: height, frame: frame}, nil
}

func (b *StaticBackend) Connect(sink Sink) error {
	b.mu.Lock()
	b.sink = sink
	frame, w, h := b.frame, b.width, b.height
	b.mu.Unlock()

	sink.Resize(w, h)
	sink.Rect(0, 0, frame)
	sink.Sync()
	return nil
}

func (b *StaticBackend) Disconnect() error {
	b.mu.Lock()
	b.sink = nil
	b.mu.Unlock()
	return nil
}

func (b *StaticBackend) Framebuffer() ([]byte, int, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.frame, b.width, b.height
}

func (b *StaticBackend) SetMouse(x, y, buttons int) {}

func (b *StaticBackend) SetKey(keysym uint32, pressed bool) {}

// Reset re-broadcasts the placeholder frame.
func (b *StaticBackend) Reset() {
	b.mu.Lock()
	sink, frame := b.sink, b.frame
	b.mu.Unlock()
	if sink == nil {
		return
	}
	sink.Rect(0, 0, frame)
	sink.Sync()
}

func (b *StaticBackend) PushFile(name string, data []byte, autorun bool) error {
	return errors.New("display: static backend cannot receive files")
}

func renderPlaceholder(width, height int) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	bg := color.RGBA{R: 0x20, G: 0x24, B: 0x28, A: 0xff}
	stripe := color.RGBA{R: 0x31, G: 0x36, B: 0x3c, A: 0xff}
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			if (x/32+y/32)%2 == 0 {
				img.Set(x, y, bg)
			} else {
				img.Set(x, y, stripe)
			}
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
