package media

import (
	"image"
	"sync"
	"sync/atomic"
)

// Stream is a Handle that keeps the latest frame pushed by a backend.
// Backends own the producing side and call Push; consumers read through the
// Handle methods.
type Stream struct {
	id   string
	stop func()

	mu       sync.RWMutex
	frame    image.Image
	size     image.Point
	released bool

	frames atomic.Uint64
}

// NewStream creates a stream. stop runs once, on the first Release, and must
// stop the underlying tracks.
func NewStream(id string, stop func()) *Stream {
	return &Stream{id: id, stop: stop}
}

// Push stores img as the latest frame. It returns false once the stream has
// been released, telling the producer to quit.
func (s *Stream) Push(img image.Image) bool {
	if img == nil {
		return !s.Released()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return false
	}
	s.frame = img
	s.size = img.Bounds().Size()
	s.frames.Add(1)
	return true
}

// ID returns the stream id.
func (s *Stream) ID() string { return s.id }

// Size returns the dimensions of the latest frame.
func (s *Stream) Size() image.Point {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size
}

// Ready reports whether a frame is available and the stream is live.
func (s *Stream) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.released && s.frame != nil
}

// Frame returns the latest frame.
func (s *Stream) Frame() (image.Image, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.released {
		return nil, ErrReleased
	}
	if s.frame == nil {
		return nil, ErrNoFrame
	}
	return s.frame, nil
}

// Frames returns how many frames have been pushed.
func (s *Stream) Frames() uint64 { return s.frames.Load() }

// Release stops the tracks and drops the frame. Only the first call has an
// effect.
func (s *Stream) Release() {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return
	}
	s.released = true
	s.frame = nil
	stop := s.stop
	s.stop = nil
	s.mu.Unlock()

	if stop != nil {
		stop()
	}
}

// Released reports whether Release has run.
func (s *Stream) Released() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.released
}

var _ Handle = (*Stream)(nil)
