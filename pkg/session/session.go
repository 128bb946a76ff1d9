// Package session drives one document capture: live camera or gallery pick,
// a single captured still under review with its countdown overlay, and the
// hand-off of that still to the recognition collaborator.
//
// A Session owns its live handle, its artifact and its overlay run. Every
// path out of a mode releases what that mode held before the call returns.
package session

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/teslashibe/go-docscan/pkg/camera"
	"github.com/teslashibe/go-docscan/pkg/capture"
	"github.com/teslashibe/go-docscan/pkg/clock"
	"github.com/teslashibe/go-docscan/pkg/media"
	"github.com/teslashibe/go-docscan/pkg/overlay"
	"github.com/teslashibe/go-docscan/pkg/recognition"
)

// Sentinel errors.
var (
	// ErrInvalidTransition is returned when an operation is not valid in the
	// current mode.
	ErrInvalidTransition = errors.New("session: invalid transition")

	// ErrNotReady is returned by Confirm before the overlay has completed.
	ErrNotReady = errors.New("session: overlay not complete")

	// ErrBusy is returned while another blocking operation is in flight.
	ErrBusy = errors.New("session: operation in progress")

	// ErrSuperseded is returned by a blocking operation that was overtaken by
	// Retake or Close while it waited.
	ErrSuperseded = errors.New("session: superseded")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("session: closed")

	// ErrNoPicker is returned by PickFromGallery when no picker is configured.
	ErrNoPicker = errors.New("session: no picker configured")
)

// Confirmer submits a reviewed artifact. *confirm.Gate implements it.
type Confirmer interface {
	Confirm(ctx context.Context, a *capture.Artifact, hint recognition.DocumentType) (*recognition.Result, error)
}

// Session is a single capture flow. It is safe for concurrent use.
type Session struct {
	id        string
	source    media.Source
	confirmer Confirmer
	capturer  *capture.Capturer
	camera    *camera.Manager
	picker    media.Picker
	clock     clock.Clock
	overlay   overlay.Config
	logger    *slog.Logger

	mu        sync.Mutex
	version   uint64
	mode      Mode
	handle    media.Handle
	artifact  *capture.Artifact
	run       *overlay.Run
	runGen    uint64
	phase     *overlay.Phase
	ready     bool
	confirmed bool
	closed    bool
	result    *recognition.Result
	lastErr   error

	busy     Busy
	opSeq    uint64
	cancelOp context.CancelFunc

	observers map[uint64]func(Event)
	nextObs   uint64
	queue     []Event
	emitMu    sync.Mutex
}

// Option configures a Session.
type Option func(*Session)

// WithID sets the session id. The default is a random UUID.
func WithID(id string) Option {
	return func(s *Session) { s.id = id }
}

// WithCapturer sets the frame capturer.
func WithCapturer(c *capture.Capturer) Option {
	return func(s *Session) { s.capturer = c }
}

// WithCamera reads acquisition constraints and encode quality from m.
func WithCamera(m *camera.Manager) Option {
	return func(s *Session) { s.camera = m }
}

// WithPicker sets the picker used by PickFromGallery.
func WithPicker(p media.Picker) Option {
	return func(s *Session) { s.picker = p }
}

// WithClock sets the clock driving the overlay.
func WithClock(c clock.Clock) Option {
	return func(s *Session) { s.clock = c }
}

// WithOverlay sets the overlay timing.
func WithOverlay(cfg overlay.Config) Option {
	return func(s *Session) { s.overlay = cfg }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// New creates an idle session.
func New(source media.Source, confirmer Confirmer, opts ...Option) (*Session, error) {
	s := &Session{
		id:        uuid.New().String(),
		source:    source,
		confirmer: confirmer,
		clock:     clock.Real{},
		overlay:   overlay.DefaultConfig(),
		logger:    slog.Default(),
		observers: make(map[uint64]func(Event)),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.overlay.Validate(); err != nil {
		return nil, err
	}
	if s.capturer == nil {
		s.capturer = capture.New(capture.WithLogger(s.logger))
	}
	if s.camera == nil {
		s.camera = camera.NewManager()
	}
	s.logger = s.logger.With("component", "session", "session", s.id)
	return s, nil
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Subscribe registers fn for every event. fn runs outside the session lock
// and may call back into the session. The returned func unsubscribes.
func (s *Session) Subscribe(fn func(Event)) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.observers, id)
		s.mu.Unlock()
	}
}

// Snapshot returns the current state.
func (s *Session) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

// StartLiveCamera acquires a live stream and enters LiveCamera. On failure
// the session stays Idle and the error is returned and recorded.
func (s *Session) StartLiveCamera(ctx context.Context) error {
	s.mu.Lock()
	if err := s.checkLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	if s.mode != ModeIdle {
		s.mu.Unlock()
		return fmt.Errorf("%w: start camera from %s", ErrInvalidTransition, s.mode)
	}
	cfg := s.camera.Config()
	opCtx, token := s.beginOpLocked(ctx, BusyAcquiring)
	s.emitLocked(EventMode)
	s.mu.Unlock()
	s.drain()

	h, err := s.source.Acquire(opCtx, cfg)

	s.mu.Lock()
	if !s.endOpLocked(token) {
		s.mu.Unlock()
		if h != nil {
			h.Release()
		}
		return ErrSuperseded
	}
	if err != nil {
		s.failLocked(err)
		s.mu.Unlock()
		s.drain()
		s.logger.Warn("camera unavailable", "error", err)
		return err
	}
	s.handle = h
	s.lastErr = nil
	s.mode = ModeLiveCamera
	s.emitLocked(EventMode)
	size := h.Size()
	s.mu.Unlock()
	s.drain()

	s.logger.Info("live camera started", "stream", h.ID(), "width", size.X, "height", size.Y)
	return nil
}

// Capture snapshots the live frame, releases the stream, and enters
// ReviewingStill with a fresh overlay run. A capture failure releases the
// stream and returns to Idle. The frame is encoded and stored with the lock
// released; a Retake or Close meanwhile discards it with ErrSuperseded.
func (s *Session) Capture() error {
	s.mu.Lock()
	if err := s.checkLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	if s.mode != ModeLiveCamera {
		s.mu.Unlock()
		return fmt.Errorf("%w: capture from %s", ErrInvalidTransition, s.mode)
	}

	stream := s.handle.ID()
	quality := s.camera.Config().EncodeQuality()
	frame, err := capture.GrabFrame(s.handle)
	if err != nil {
		s.captureFailedLocked(err)
		return err
	}
	_, token := s.beginOpLocked(context.Background(), BusyCapturing)
	s.emitLocked(EventMode)
	s.mu.Unlock()
	s.drain()

	a, err := s.capturer.EncodeFrame(stream, frame, quality)

	s.mu.Lock()
	if !s.endOpLocked(token) {
		s.mu.Unlock()
		if a != nil {
			a.Release()
		}
		return ErrSuperseded
	}
	if err != nil {
		s.captureFailedLocked(err)
		return err
	}

	s.releaseHandleLocked()
	if err := s.reviewLocked(a); err != nil {
		s.mu.Unlock()
		s.drain()
		return err
	}
	s.mu.Unlock()
	s.drain()

	s.logger.Info("frame captured", "filename", a.Filename())
	return nil
}

// captureFailedLocked releases the stream and returns to Idle. It unlocks
// s.mu.
func (s *Session) captureFailedLocked(err error) {
	s.releaseHandleLocked()
	s.mode = ModeIdle
	s.failLocked(err)
	s.mu.Unlock()
	s.drain()
	s.logger.Warn("capture failed", "error", err)
}

// PickFromGallery runs the configured picker. See PickFrom.
func (s *Session) PickFromGallery(ctx context.Context) (bool, error) {
	if s.picker == nil {
		return false, ErrNoPicker
	}
	return s.PickFrom(ctx, s.picker)
}

// PickFrom asks picker for a still and enters ReviewingStill with it. It is
// valid from Idle and LiveCamera, and from ReviewingStill to replace the
// current still. A cancelled pick returns (false, nil) and leaves the session
// as it was. A picked file that is not an accepted image is reported without
// changing mode.
func (s *Session) PickFrom(ctx context.Context, picker media.Picker) (bool, error) {
	s.mu.Lock()
	if err := s.checkLocked(); err != nil {
		s.mu.Unlock()
		return false, err
	}
	opCtx, token := s.beginOpLocked(ctx, BusyPicking)
	s.emitLocked(EventMode)
	s.mu.Unlock()
	s.drain()

	picked, err := picker.Pick(opCtx)

	s.mu.Lock()
	if !s.endOpLocked(token) {
		s.mu.Unlock()
		return false, ErrSuperseded
	}
	if errors.Is(err, media.ErrPickCancelled) {
		s.emitLocked(EventMode)
		s.mu.Unlock()
		s.drain()
		s.logger.Debug("pick cancelled")
		return false, nil
	}
	if err != nil {
		s.failLocked(err)
		s.mu.Unlock()
		s.drain()
		return false, err
	}

	a, err := s.capturer.FromPicked(picked)
	if err != nil {
		s.failLocked(err)
		s.mu.Unlock()
		s.drain()
		s.logger.Warn("picked image rejected", "filename", picked.Filename, "error", err)
		return false, err
	}

	s.releaseHandleLocked()
	if err := s.reviewLocked(a); err != nil {
		s.mu.Unlock()
		s.drain()
		return false, err
	}
	s.mu.Unlock()
	s.drain()

	s.logger.Info("image picked", "filename", a.Filename(), "mime", a.MIMEType())
	return true, nil
}

// Retake discards the current still or live stream and returns to Idle. It
// also cancels a blocking operation in flight. Everything the session held
// is released and no overlay timer remains when it returns.
func (s *Session) Retake() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.confirmed {
		s.mu.Unlock()
		return fmt.Errorf("%w: retake after confirm", ErrInvalidTransition)
	}
	if s.mode == ModeIdle && s.busy == BusyNone {
		s.mu.Unlock()
		return fmt.Errorf("%w: retake from %s", ErrInvalidTransition, s.mode)
	}

	from := s.mode
	s.resetLocked()
	s.lastErr = nil
	s.emitLocked(EventMode)
	s.mu.Unlock()
	s.drain()

	s.logger.Info("retake", "from", from.String())
	return nil
}

// Confirm hands the reviewed still to the collaborator. It is valid only in
// ReviewingStill once the overlay has completed. A failed submission leaves
// the still in place so Confirm can be retried; success ends the session.
func (s *Session) Confirm(ctx context.Context, hint recognition.DocumentType) (*recognition.Result, error) {
	s.mu.Lock()
	if err := s.checkLocked(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if s.mode != ModeReviewingStill {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: confirm from %s", ErrInvalidTransition, s.mode)
	}
	if !s.ready {
		s.mu.Unlock()
		return nil, ErrNotReady
	}
	a := s.artifact
	opCtx, token := s.beginOpLocked(ctx, BusyConfirming)
	s.emitLocked(EventMode)
	s.mu.Unlock()
	s.drain()

	result, err := s.confirmer.Confirm(opCtx, a, hint)

	s.mu.Lock()
	if !s.endOpLocked(token) {
		s.mu.Unlock()
		return nil, ErrSuperseded
	}
	if err != nil {
		s.failLocked(err)
		s.mu.Unlock()
		s.drain()
		return nil, err
	}

	// The run has completed; keep its final phase visible.
	s.runGen++
	if s.run != nil {
		s.run.Cancel()
		s.run = nil
	}
	if rerr := a.Release(); rerr != nil {
		s.logger.Warn("artifact release failed", "error", rerr)
	}
	s.result = result
	s.confirmed = true
	s.lastErr = nil
	s.emitLocked(EventResult)
	s.mu.Unlock()
	s.drain()

	s.logger.Info("confirmed", "filename", a.Filename(), "status", result.Status)
	return result, nil
}

// Close tears the session down. It is idempotent; later operations return
// ErrClosed.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.resetLocked()
	s.closed = true
	s.emitLocked(EventClosed)
	s.mu.Unlock()
	s.drain()

	s.logger.Info("session closed")
	return nil
}

// SetOverlay changes the overlay timing of the next capture. A run already
// playing keeps its timing.
func (s *Session) SetOverlay(cfg overlay.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.overlay = cfg
	return nil
}

// LiveFrame returns the current live frame for previews.
func (s *Session) LiveFrame() (image.Image, error) {
	s.mu.Lock()
	h := s.handle
	s.mu.Unlock()
	if h == nil {
		return nil, media.ErrNoFrame
	}
	return h.Frame()
}

// Artifact returns the still under review, or nil.
func (s *Session) Artifact() *capture.Artifact {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.artifact
}

// checkLocked rejects operations on a closed, confirmed or busy session.
func (s *Session) checkLocked() error {
	switch {
	case s.closed:
		return ErrClosed
	case s.confirmed:
		return fmt.Errorf("%w: session already confirmed", ErrInvalidTransition)
	case s.busy != BusyNone:
		return fmt.Errorf("%w: %s", ErrBusy, s.busy)
	}
	return nil
}

// beginOpLocked marks a blocking operation. The returned context is
// cancelled by Retake and Close.
func (s *Session) beginOpLocked(ctx context.Context, kind Busy) (context.Context, uint64) {
	opCtx, cancel := context.WithCancel(ctx)
	s.opSeq++
	s.busy = kind
	s.cancelOp = cancel
	return opCtx, s.opSeq
}

// endOpLocked clears the busy mark. It returns false when the operation was
// superseded while the lock was released.
func (s *Session) endOpLocked(token uint64) bool {
	if s.closed || token != s.opSeq || s.busy == BusyNone {
		return false
	}
	s.busy = BusyNone
	if s.cancelOp != nil {
		s.cancelOp()
		s.cancelOp = nil
	}
	return true
}

func (s *Session) cancelOpLocked() {
	if s.cancelOp != nil {
		s.cancelOp()
		s.cancelOp = nil
	}
	s.opSeq++
	s.busy = BusyNone
}

// reviewLocked installs a as the still under review. The previous still is
// released and the previous overlay run stopped before the new one starts.
func (s *Session) reviewLocked(a *capture.Artifact) error {
	s.stopRunLocked()
	s.releaseArtifactLocked()

	s.artifact = a
	s.mode = ModeReviewingStill
	s.lastErr = nil

	s.runGen++
	gen := s.runGen
	run, err := overlay.Start(s.clock, s.overlay,
		func(p overlay.Phase) { s.onPhase(gen, p) },
		func() { s.onOverlayComplete(gen) },
		overlay.WithLogger(s.logger),
	)
	if err != nil {
		// The config was validated in New.
		s.failLocked(err)
		return err
	}
	s.run = run
	s.emitLocked(EventMode)
	return nil
}

func (s *Session) onPhase(gen uint64, p overlay.Phase) {
	s.mu.Lock()
	if s.closed || gen != s.runGen {
		s.mu.Unlock()
		return
	}
	s.phase = &p
	s.emitLocked(EventPhase)
	s.mu.Unlock()
	s.drain()
}

func (s *Session) onOverlayComplete(gen uint64) {
	s.mu.Lock()
	if s.closed || gen != s.runGen {
		s.mu.Unlock()
		return
	}
	s.ready = true
	s.emitLocked(EventReady)
	s.mu.Unlock()
	s.drain()

	s.logger.Debug("ready to confirm")
}

// stopRunLocked ends the overlay. It cancels rather than stops because the
// overlay callbacks take s.mu; a callback already past the cancel sees a
// stale runGen and returns.
func (s *Session) stopRunLocked() {
	s.runGen++
	if s.run != nil {
		s.run.Cancel()
		s.run = nil
	}
	s.phase = nil
	s.ready = false
}

func (s *Session) releaseArtifactLocked() {
	if s.artifact == nil {
		return
	}
	if err := s.artifact.Release(); err != nil {
		s.logger.Warn("artifact release failed", "error", err)
	}
	s.artifact = nil
}

func (s *Session) releaseHandleLocked() {
	if s.handle == nil {
		return
	}
	s.handle.Release()
	s.handle = nil
}

// resetLocked cancels whatever is in flight and releases everything held.
func (s *Session) resetLocked() {
	s.cancelOpLocked()
	s.stopRunLocked()
	s.releaseArtifactLocked()
	s.releaseHandleLocked()
	s.mode = ModeIdle
}

func (s *Session) failLocked(err error) {
	s.lastErr = err
	s.emitLocked(EventError)
}

func (s *Session) stateLocked() State {
	st := State{
		ID:        s.id,
		Version:   s.version,
		Mode:      s.mode,
		Busy:      s.busy,
		Ready:     s.ready,
		Confirmed: s.confirmed,
		Closed:    s.closed,
		Result:    s.result,
	}
	if s.handle != nil {
		size := s.handle.Size()
		st.Stream = &StreamInfo{ID: s.handle.ID(), Width: size.X, Height: size.Y}
	}
	if s.artifact != nil {
		info := s.artifact.Info()
		st.Artifact = &info
	}
	if s.phase != nil {
		p := *s.phase
		st.Phase = &p
	}
	if s.lastErr != nil {
		st.Error = s.lastErr.Error()
		st.ErrorKind = ErrorKind(s.lastErr)
	}
	return st
}

// emitLocked queues an event carrying the current state.
func (s *Session) emitLocked(t EventType) {
	s.version++
	s.queue = append(s.queue, Event{Type: t, State: s.stateLocked(), Time: s.clock.Now()})
}

// drain delivers queued events in order. Whoever holds emitMu delivers for
// everyone; a caller that finds it held leaves its event to the holder.
func (s *Session) drain() {
	for {
		if !s.emitMu.TryLock() {
			return
		}
		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			ev := s.queue[0]
			s.queue = s.queue[1:]
			obs := make([]func(Event), 0, len(s.observers))
			keys := make([]uint64, 0, len(s.observers))
			for k := range s.observers {
				keys = append(keys, k)
			}
			slices.Sort(keys)
			for _, k := range keys {
				obs = append(obs, s.observers[k])
			}
			s.mu.Unlock()

			for _, fn := range obs {
				fn(ev)
			}
		}
		s.emitMu.Unlock()

		s.mu.Lock()
		n := len(s.queue)
		s.mu.Unlock()
		if n == 0 {
			return
		}
	}
}
