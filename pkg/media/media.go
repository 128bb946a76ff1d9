// Package media acquires and releases the inputs of a capture session: a live
// camera stream or a still image picked by the user. It hands out handles and
// never interprets pixels.
//
// Backends:
//   - gocvcam: a local camera through OpenCV
//   - relay: a phone or browser camera streamed over a websocket
//   - Mock: an in-memory source for tests and demos
package media

import (
	"context"
	"errors"
	"image"
	"time"

	"github.com/teslashibe/go-docscan/pkg/camera"
)

// Sentinel errors for acquisition outcomes.
var (
	// ErrPermissionDenied is returned when the platform or the user declines
	// camera access.
	ErrPermissionDenied = errors.New("media: permission denied")

	// ErrDeviceUnavailable is returned when no device matches the constraints.
	ErrDeviceUnavailable = errors.New("media: device unavailable")

	// ErrPickCancelled is returned when the user dismisses the picker. It is
	// an outcome, not a failure.
	ErrPickCancelled = errors.New("media: pick cancelled")

	// ErrReleased is returned when reading from a released handle.
	ErrReleased = errors.New("media: handle released")

	// ErrNoFrame is returned when a handle has not produced a frame yet.
	ErrNoFrame = errors.New("media: no frame available")
)

// Handle is a reference to a live video source.
type Handle interface {
	// ID identifies the stream for logs.
	ID() string

	// Size returns the current frame dimensions.
	Size() image.Point

	// Ready reports whether the stream has delivered a frame and has not
	// been released.
	Ready() bool

	// Frame returns the most recent frame. It does not disturb the stream.
	Frame() (image.Image, error)

	// Release stops every underlying track and clears the reference.
	// Calling it more than once is a no-op.
	Release()

	// Released reports whether Release has run.
	Released() bool
}

// Source acquires live streams.
type Source interface {
	// Acquire requests a stream matching cfg and returns once it is ready.
	// It fails with ErrPermissionDenied or ErrDeviceUnavailable and never
	// retries on its own.
	Acquire(ctx context.Context, cfg camera.Config) (Handle, error)
}

// Picked is a user-supplied still image.
type Picked struct {
	Data     []byte
	Filename string
	MIMEType string // optional; derived from Filename when empty
}

// Picker presents a gallery or file chooser.
type Picker interface {
	// Pick returns the chosen image, or ErrPickCancelled on dismissal.
	Pick(ctx context.Context) (Picked, error)
}

// PickerFunc adapts a function to Picker.
type PickerFunc func(ctx context.Context) (Picked, error)

// Pick calls f.
func (f PickerFunc) Pick(ctx context.Context) (Picked, error) { return f(ctx) }

// Events observes acquisition outcomes. Exactly one of OnReady or OnError is
// invoked per Acquire call.
type Events struct {
	OnReady func(h Handle)
	OnError func(err error)
}

// Observe wraps src so that ev is notified of each Acquire outcome.
func Observe(src Source, ev Events) Source {
	return &observed{src: src, ev: ev}
}

type observed struct {
	src Source
	ev  Events
}

func (o *observed) Acquire(ctx context.Context, cfg camera.Config) (Handle, error) {
	h, err := o.src.Acquire(ctx, cfg)
	if err != nil {
		if o.ev.OnError != nil {
			o.ev.OnError(err)
		}
		return nil, err
	}
	if o.ev.OnReady != nil {
		o.ev.OnReady(h)
	}
	return h, nil
}

// WaitReady polls h until it is ready, released, or ctx ends. Backends that
// start streaming asynchronously use it to implement Acquire.
func WaitReady(ctx context.Context, h Handle, interval time.Duration) error {
	if interval <= 0 {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if h.Released() {
			return ErrReleased
		}
		if h.Ready() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
