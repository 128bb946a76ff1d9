package capture

import (
	"bytes"
	"fmt"
	"image"
	"io"
	"sync"
	"time"
)

// Origin records which entry point produced an artifact.
type Origin string

const (
	OriginCamera Origin = "camera"
	OriginPicked Origin = "picked"
)

// Artifact is one captured still plus its metadata. It is immutable after
// creation; its payload lives in a Store until Release.
type Artifact struct {
	filename  string
	mimeType  string
	createdAt time.Time
	origin    Origin
	size      image.Point
	crop      image.Rectangle
	length    int

	store Store
	key   string

	mu       sync.Mutex
	released bool
}

// Info is the JSON view of an artifact.
type Info struct {
	Filename  string    `json:"filename"`
	MIMEType  string    `json:"mime_type"`
	CreatedAt time.Time `json:"created_at"`
	Origin    Origin    `json:"origin"`
	Width     int       `json:"width"`
	Height    int       `json:"height"`
	Bytes     int       `json:"bytes"`
	Crop      *Region   `json:"crop,omitempty"`
	Released  bool      `json:"released"`
}

// Region is a rectangle in source-frame pixels.
type Region struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Filename returns the generated file name.
func (a *Artifact) Filename() string { return a.filename }

// MIMEType returns the payload content type.
func (a *Artifact) MIMEType() string { return a.mimeType }

// CreatedAt returns the capture time.
func (a *Artifact) CreatedAt() time.Time { return a.createdAt }

// Origin returns the entry point that produced the artifact.
func (a *Artifact) Origin() Origin { return a.origin }

// Size returns the encoded image dimensions.
func (a *Artifact) Size() image.Point { return a.size }

// Crop returns the region of the source frame the artifact was cut from.
// It is empty for picked images, which are passed through uncropped.
func (a *Artifact) Crop() image.Rectangle { return a.crop }

// Len returns the payload length in bytes.
func (a *Artifact) Len() int { return a.length }

// Bytes returns the payload.
func (a *Artifact) Bytes() ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.released {
		return nil, ErrReleased
	}
	return a.store.Get(a.key)
}

// Open returns a reader over the payload.
func (a *Artifact) Open() (io.ReadCloser, error) {
	data, err := a.Bytes()
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Release reclaims the payload's storage. Only the first call has an effect.
func (a *Artifact) Release() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.released {
		return nil
	}
	a.released = true
	if err := a.store.Delete(a.key); err != nil {
		return fmt.Errorf("release %s: %w", a.filename, err)
	}
	return nil
}

// Released reports whether Release has run.
func (a *Artifact) Released() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.released
}

// Info returns the JSON view.
func (a *Artifact) Info() Info {
	info := Info{
		Filename:  a.filename,
		MIMEType:  a.mimeType,
		CreatedAt: a.createdAt,
		Origin:    a.origin,
		Width:     a.size.X,
		Height:    a.size.Y,
		Bytes:     a.length,
		Released:  a.Released(),
	}
	if !a.crop.Empty() {
		info.Crop = &Region{
			X:      a.crop.Min.X,
			Y:      a.crop.Min.Y,
			Width:  a.crop.Dx(),
			Height: a.crop.Dy(),
		}
	}
	return info
}
