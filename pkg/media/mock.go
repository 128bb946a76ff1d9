package media

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"sync"
	"time"

	"github.com/teslashibe/go-docscan/pkg/camera"
)

// Mock implements Source for testing and demos.
type Mock struct {
	// AcquireFunc is called when Acquire is invoked. The default returns a
	// ready stream holding Frame.
	AcquireFunc func(ctx context.Context, cfg camera.Config) (Handle, error)

	// Frame is the image served by the default AcquireFunc. When nil a
	// gradient of the requested size is generated.
	Frame image.Image

	mu      sync.Mutex
	calls   []MockCall
	handles []Handle
	seq     int
}

// MockCall records an Acquire invocation.
type MockCall struct {
	Config camera.Config
	Time   time.Time
}

// NewMock creates a mock source serving frame.
func NewMock(frame image.Image) *Mock {
	return &Mock{Frame: frame}
}

// MockWithError returns a mock whose Acquire always fails with err.
func MockWithError(err error) *Mock {
	return &Mock{
		AcquireFunc: func(ctx context.Context, cfg camera.Config) (Handle, error) {
			return nil, err
		},
	}
}

// Acquire records the call and delegates to AcquireFunc.
func (m *Mock) Acquire(ctx context.Context, cfg camera.Config) (Handle, error) {
	m.mu.Lock()
	m.calls = append(m.calls, MockCall{Config: cfg, Time: time.Now()})
	m.seq++
	id := fmt.Sprintf("mock-%d", m.seq)
	fn := m.AcquireFunc
	frame := m.Frame
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var h Handle
	if fn != nil {
		var err error
		h, err = fn(ctx, cfg)
		if err != nil {
			return nil, err
		}
	} else {
		if frame == nil {
			frame = Gradient(cfg.Width, cfg.Height)
		}
		s := NewStream(id, nil)
		s.Push(frame)
		h = s
	}

	m.mu.Lock()
	m.handles = append(m.handles, h)
	m.mu.Unlock()
	return h, nil
}

// CallCount returns the number of Acquire calls.
func (m *Mock) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// LastCall returns the most recent call, or nil if none.
func (m *Mock) LastCall() *MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.calls) == 0 {
		return nil
	}
	call := m.calls[len(m.calls)-1]
	return &call
}

// Outstanding returns the number of handed-out handles not yet released.
func (m *Mock) Outstanding() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, h := range m.handles {
		if !h.Released() {
			n++
		}
	}
	return n
}

// Gradient returns a w×h test pattern. Non-positive sizes default to 640×480.
func Gradient(w, h int) image.Image {
	if w <= 0 || h <= 0 {
		w, h = 640, 480
	}
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{
				R: uint8(x * 255 / w),
				G: uint8(y * 255 / h),
				B: 128,
				A: 255,
			})
		}
	}
	return img
}

var _ Source = (*Mock)(nil)
