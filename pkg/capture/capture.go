// Package capture turns a live frame or a picked image into an Artifact: an
// immutable still with a generated file name, ready for review and upload.
//
// Camera frames are center-cropped to a square and encoded as JPEG. Picked
// images are passed through as-is after a content check.
package capture

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"

	"github.com/teslashibe/go-docscan/pkg/camera"
	"github.com/teslashibe/go-docscan/pkg/media"
)

// MaxPickedBytes is the largest picked image accepted.
const MaxPickedBytes = 10 << 20

// Sentinel errors.
var (
	// ErrCaptureUnavailable is returned when the stream has no frame to
	// capture yet, or has been released.
	ErrCaptureUnavailable = errors.New("capture: no frame available")

	// ErrReleased is returned when reading an artifact after Release.
	ErrReleased = errors.New("capture: artifact released")

	// ErrUnsupportedImage is returned for picked data that is not an
	// accepted image type.
	ErrUnsupportedImage = errors.New("capture: unsupported image")

	// ErrTooLarge is returned for picked data over MaxPickedBytes.
	ErrTooLarge = errors.New("capture: image too large")
)

var allowedTypes = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/webp": ".webp",
}

// CenterSquare returns the largest centered square inside a w×h frame:
// side min(w, h), offset by half the difference along the longer axis.
func CenterSquare(w, h int) image.Rectangle {
	if w <= 0 || h <= 0 {
		return image.Rectangle{}
	}
	side := min(w, h)
	x := (w - side) / 2
	y := (h - side) / 2
	return image.Rect(x, y, x+side, y+side)
}

// Capturer produces artifacts.
type Capturer struct {
	store      Store
	quality    int
	autoOrient bool
	now        func() time.Time
	logger     *slog.Logger

	seq atomic.Uint64
}

// Option configures a Capturer.
type Option func(*Capturer)

// WithStore sets where payloads are kept. The default is a MemoryStore.
func WithStore(s Store) Option {
	return func(c *Capturer) { c.store = s }
}

// WithQuality sets the default JPEG quality. Values are clamped to the
// camera package's quality range.
func WithQuality(q int) Option {
	return func(c *Capturer) { c.quality = q }
}

// WithAutoOrient re-encodes picked JPEGs that carry an EXIF orientation so
// the pixels are upright.
func WithAutoOrient(enabled bool) Option {
	return func(c *Capturer) { c.autoOrient = enabled }
}

// WithClock overrides the time source used for timestamps and file names.
func WithClock(now func() time.Time) Option {
	return func(c *Capturer) { c.now = now }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Capturer) { c.logger = l.With("component", "capture") }
}

// New creates a Capturer.
func New(opts ...Option) *Capturer {
	c := &Capturer{
		quality: camera.DefaultConfig().Quality,
		now:     time.Now,
		logger:  slog.Default().With("component", "capture"),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.store == nil {
		c.store = NewMemoryStore()
	}
	return c
}

// Store returns the payload store.
func (c *Capturer) Store() Store { return c.store }

// CaptureFrame snapshots the current frame of h at the default quality.
func (c *Capturer) CaptureFrame(h media.Handle) (*Artifact, error) {
	return c.CaptureFrameQuality(h, c.quality)
}

// CaptureFrameQuality snapshots the current frame of h, crops it to the
// centered square and encodes it as JPEG at quality. The stream is left
// running.
func (c *Capturer) CaptureFrameQuality(h media.Handle, quality int) (*Artifact, error) {
	frame, err := GrabFrame(h)
	if err != nil {
		return nil, err
	}
	return c.EncodeFrame(h.ID(), frame, quality)
}

// GrabFrame returns the current frame of h without encoding it.
func GrabFrame(h media.Handle) (image.Image, error) {
	if h == nil || !h.Ready() {
		return nil, ErrCaptureUnavailable
	}
	frame, err := h.Frame()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCaptureUnavailable, err)
	}
	return frame, nil
}

// EncodeFrame crops frame to the centered square, encodes it as JPEG at
// quality and stores it. stream only labels the log record.
func (c *Capturer) EncodeFrame(stream string, frame image.Image, quality int) (*Artifact, error) {
	b := frame.Bounds()
	crop := CenterSquare(b.Dx(), b.Dy())
	if crop.Empty() {
		return nil, ErrCaptureUnavailable
	}

	square := imaging.Crop(frame, crop.Add(b.Min))

	q := camera.Config{Quality: quality}.EncodeQuality()
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, square, imaging.JPEG, imaging.JPEGQuality(q)); err != nil {
		return nil, fmt.Errorf("encode capture: %w", err)
	}

	a, err := c.newArtifact(".jpg", "image/jpeg", OriginCamera, buf.Bytes(), square.Bounds().Size(), crop)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("frame captured",
		"stream", stream,
		"filename", a.filename,
		"side", crop.Dx(),
		"quality", q,
		"bytes", a.length,
	)
	return a, nil
}

// FromPicked wraps a picked image as an artifact without cropping.
func (c *Capturer) FromPicked(p media.Picked) (*Artifact, error) {
	if len(p.Data) == 0 {
		return nil, fmt.Errorf("%w: empty image", ErrUnsupportedImage)
	}
	if len(p.Data) > MaxPickedBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(p.Data))
	}

	mimeType := DetectMIMEType(p)
	ext, ok := allowedTypes[mimeType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedImage, mimeType)
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(p.Data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedImage, err)
	}
	if sniffed := "image/" + format; sniffed != mimeType {
		if _, ok := allowedTypes[sniffed]; ok {
			mimeType, ext = sniffed, allowedTypes[sniffed]
		}
	}

	data := p.Data
	size := image.Pt(cfg.Width, cfg.Height)
	if c.autoOrient && mimeType == "image/jpeg" {
		if upright, usize, ok := c.orient(data); ok {
			data, size = upright, usize
		}
	}

	a, err := c.newArtifact(ext, mimeType, OriginPicked, data, size, image.Rectangle{})
	if err != nil {
		return nil, err
	}
	c.logger.Debug("image picked",
		"source", p.Filename,
		"filename", a.filename,
		"mime", mimeType,
		"bytes", a.length,
	)
	return a, nil
}

// orient decodes data honoring its EXIF orientation tag and re-encodes it.
func (c *Capturer) orient(data []byte) ([]byte, image.Point, bool) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, image.Point{}, false
	}
	q := camera.Config{Quality: c.quality}.EncodeQuality()
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(q)); err != nil {
		return nil, image.Point{}, false
	}
	return buf.Bytes(), img.Bounds().Size(), true
}

func (c *Capturer) newArtifact(ext, mimeType string, origin Origin, data []byte, size image.Point, crop image.Rectangle) (*Artifact, error) {
	now := c.now()
	name := fmt.Sprintf("scan-%d-%d%s", now.UnixNano(), c.seq.Add(1), ext)
	key, err := c.store.Put(name, data)
	if err != nil {
		return nil, err
	}
	return &Artifact{
		filename:  name,
		mimeType:  mimeType,
		createdAt: now,
		origin:    origin,
		size:      size,
		crop:      crop,
		length:    len(data),
		store:     c.store,
		key:       key,
	}, nil
}

// DetectMIMEType resolves a picked image's content type from, in order, its
// declared type, its file extension, and its leading bytes. Anything
// unrecognized is treated as image/jpeg.
func DetectMIMEType(p media.Picked) string {
	if t := normalizeMIME(p.MIMEType); t != "" {
		return t
	}
	if ext := filepath.Ext(p.Filename); ext != "" {
		if t := normalizeMIME(mime.TypeByExtension(strings.ToLower(ext))); t != "" {
			return t
		}
	}
	if t := normalizeMIME(http.DetectContentType(p.Data)); strings.HasPrefix(t, "image/") {
		return t
	}
	return "image/jpeg"
}

func normalizeMIME(t string) string {
	if t == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(t)
	if err != nil {
		return ""
	}
	if mt == "image/jpg" || mt == "image/pjpeg" {
		return "image/jpeg"
	}
	return mt
}
