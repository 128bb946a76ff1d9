// Package gocvcam provides a media.Source backed by a local camera through
// OpenCV.
package gocvcam

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"gocv.io/x/gocv"

	"github.com/teslashibe/go-docscan/pkg/camera"
	"github.com/teslashibe/go-docscan/pkg/media"
)

// DefaultReadyTimeout bounds how long Acquire waits for the first frame.
const DefaultReadyTimeout = 5 * time.Second

// Source opens cameras with gocv.VideoCapture.
type Source struct {
	logger       *slog.Logger
	readyTimeout time.Duration
	defaultDev   string
}

// Option configures a Source.
type Option func(*Source)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Source) { s.logger = l.With("component", "gocvcam") }
}

// WithReadyTimeout overrides DefaultReadyTimeout.
func WithReadyTimeout(d time.Duration) Option {
	return func(s *Source) { s.readyTimeout = d }
}

// WithDevice sets the device used when the camera config does not pin one.
// It is a V4L index ("0") or a path/URL understood by OpenCV.
func WithDevice(dev string) Option {
	return func(s *Source) { s.defaultDev = dev }
}

// New creates a camera source.
func New(opts ...Option) *Source {
	s := &Source{
		logger:       slog.Default().With("component", "gocvcam"),
		readyTimeout: DefaultReadyTimeout,
		defaultDev:   "0",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Acquire opens the device, applies the requested resolution and frame
// rate, and returns once the first frame has been decoded.
func (s *Source) Acquire(ctx context.Context, cfg camera.Config) (media.Handle, error) {
	dev := cfg.DeviceID
	if dev == "" {
		dev = s.defaultDev
	}
	if err := checkDevicePermission(dev); err != nil {
		return nil, err
	}

	var target interface{} = dev
	if idx, err := strconv.Atoi(dev); err == nil {
		target = idx
	}
	vc, err := gocv.OpenVideoCapture(target)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", media.ErrDeviceUnavailable, dev, err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, fmt.Errorf("%w: %s did not open", media.ErrDeviceUnavailable, dev)
	}
	if cfg.Width > 0 && cfg.Height > 0 {
		vc.Set(gocv.VideoCaptureFrameWidth, float64(cfg.Width))
		vc.Set(gocv.VideoCaptureFrameHeight, float64(cfg.Height))
	}
	if cfg.Framerate > 0 {
		vc.Set(gocv.VideoCaptureFPS, float64(cfg.Framerate))
	}

	quit := make(chan struct{})
	exited := make(chan struct{})
	stream := media.NewStream(uuid.New().String(), func() {
		close(quit)
		<-exited
	})

	go s.readLoop(vc, stream, quit, exited)

	waitCtx, cancel := context.WithTimeout(ctx, s.readyTimeout)
	defer cancel()
	if err := media.WaitReady(waitCtx, stream, 10*time.Millisecond); err != nil {
		stream.Release()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: no frame from %s: %v", media.ErrDeviceUnavailable, dev, err)
	}

	size := stream.Size()
	s.logger.Info("camera stream ready",
		"device", dev,
		"stream", stream.ID(),
		"width", size.X,
		"height", size.Y,
	)
	return stream, nil
}

// readLoop owns vc: it is the only goroutine reading from or closing it.
func (s *Source) readLoop(vc *gocv.VideoCapture, stream *media.Stream, quit <-chan struct{}, exited chan<- struct{}) {
	defer close(exited)
	defer vc.Close()

	mat := gocv.NewMat()
	defer mat.Close()

	misses := 0
	for {
		select {
		case <-quit:
			return
		default:
		}

		if ok := vc.Read(&mat); !ok || mat.Empty() {
			misses++
			if misses%30 == 0 {
				s.logger.Warn("camera read failing", "stream", stream.ID(), "misses", misses)
			}
			time.Sleep(10 * time.Millisecond)
			continue
		}
		misses = 0

		img, err := mat.ToImage()
		if err != nil {
			s.logger.Debug("frame conversion failed", "error", err)
			continue
		}
		if !stream.Push(img) {
			return
		}
	}
}

// checkDevicePermission distinguishes a denied V4L node from a missing one
// before OpenCV flattens both into "did not open".
func checkDevicePermission(dev string) error {
	path := dev
	if _, err := strconv.Atoi(dev); err == nil {
		path = "/dev/video" + dev
	}
	if len(path) < 5 || path[:5] != "/dev/" {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		switch {
		case errors.Is(err, fs.ErrPermission):
			return fmt.Errorf("%w: %s", media.ErrPermissionDenied, path)
		case errors.Is(err, fs.ErrNotExist):
			return fmt.Errorf("%w: %s", media.ErrDeviceUnavailable, path)
		}
		return nil
	}
	f.Close()
	return nil
}

var _ media.Source = (*Source)(nil)
