package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/png"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-docscan/pkg/camera"
	"github.com/teslashibe/go-docscan/pkg/capture"
	"github.com/teslashibe/go-docscan/pkg/clock"
	"github.com/teslashibe/go-docscan/pkg/confirm"
	"github.com/teslashibe/go-docscan/pkg/media"
	"github.com/teslashibe/go-docscan/pkg/overlay"
	"github.com/teslashibe/go-docscan/pkg/recognition"
)

type harness struct {
	session   *Session
	clock     *clock.Fake
	source    *media.Mock
	submitter *recognition.Mock
	capturer  *capture.Capturer
	events    *eventLog
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) add(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

func (l *eventLog) phases() []overlay.Phase {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []overlay.Phase
	for _, ev := range l.events {
		if ev.Type == EventPhase {
			out = append(out, *ev.State.Phase)
		}
	}
	return out
}

func (l *eventLog) count(t EventType) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		clock:     clock.NewFake(time.Unix(1700000000, 0)),
		source:    media.NewMock(nil),
		submitter: recognition.NewMock(),
		capturer:  capture.New(),
		events:    &eventLog{},
	}
	cam, err := camera.NewManagerWithConfig(camera.LegacyConfig())
	require.NoError(t, err)

	base := []Option{
		WithClock(h.clock),
		WithCapturer(h.capturer),
		WithCamera(cam),
		WithID("test-session"),
	}
	s, err := New(h.source, confirm.New(h.submitter), append(base, opts...)...)
	require.NoError(t, err)
	s.Subscribe(h.events.add)
	t.Cleanup(func() { s.Close() })
	h.session = s
	return h
}

func (h *harness) settle() {
	h.clock.Advance(overlay.DefaultConfig().Total())
}

// assertNothingHeld checks that no handle, artifact payload or timer is left.
func (h *harness) assertNothingHeld(t *testing.T) {
	t.Helper()
	assert.Equal(t, 0, h.source.Outstanding(), "live handles")
	assert.Equal(t, 0, h.capturer.Store().Len(), "artifact payloads")
	assert.Equal(t, 0, h.clock.Pending(), "overlay timers")
}

func TestCaptureConfirmRetryAfterFailure(t *testing.T) {
	h := newHarness(t)
	s := h.session
	ctx := context.Background()

	attempts := 0
	h.submitter.SubmitFunc = func(ctx context.Context, img recognition.Image, hint recognition.DocumentType) (*recognition.Result, error) {
		attempts++
		if attempts == 1 {
			return nil, &recognition.APIError{StatusCode: 503, Message: "busy", Provider: "client"}
		}
		return &recognition.Result{ID: 9, Filename: img.Filename, Status: recognition.StatusCompleted}, nil
	}

	require.NoError(t, s.StartLiveCamera(ctx))
	assert.Equal(t, ModeLiveCamera, s.Snapshot().Mode)
	assert.Equal(t, 1, h.source.Outstanding())

	require.NoError(t, s.Capture())
	st := s.Snapshot()
	assert.Equal(t, ModeReviewingStill, st.Mode)
	require.NotNil(t, st.Artifact)
	assert.Equal(t, 480, st.Artifact.Width, "640x480 frame cropped to 480 square")
	assert.Equal(t, 0, h.source.Outstanding(), "capture leaves live mode")
	artifact := s.Artifact()

	_, err := s.Confirm(ctx, recognition.DocumentReceipt)
	assert.ErrorIs(t, err, ErrNotReady)
	assert.Equal(t, 0, h.submitter.CallCount(), "confirm before Complete must not upload")

	h.settle()
	require.True(t, s.Snapshot().Ready)

	_, err = s.Confirm(ctx, recognition.DocumentReceipt)
	assert.ErrorIs(t, err, confirm.ErrSubmissionFailed)
	st = s.Snapshot()
	assert.Equal(t, ModeReviewingStill, st.Mode)
	assert.Equal(t, "submission_failed", st.ErrorKind)
	assert.False(t, artifact.Released(), "failure keeps the still for retry")
	assert.Same(t, artifact, s.Artifact())

	res, err := s.Confirm(ctx, recognition.DocumentReceipt)
	require.NoError(t, err)
	assert.EqualValues(t, 9, res.ID)
	assert.Equal(t, 2, h.submitter.CallCount(), "one collaborator call per confirm")
	assert.Equal(t, recognition.DocumentReceipt, h.submitter.LastCall().Hint)

	st = s.Snapshot()
	assert.True(t, st.Confirmed)
	assert.Empty(t, st.Error)
	assert.Equal(t, recognition.StatusCompleted, st.Result.Status)
	assert.True(t, artifact.Released())
	h.assertNothingHeld(t)

	_, err = s.Confirm(ctx, recognition.DocumentReceipt)
	assert.ErrorIs(t, err, ErrInvalidTransition, "confirmed is terminal")
	assert.ErrorIs(t, s.Retake(), ErrInvalidTransition)
}

func TestRetakeMidOverlay(t *testing.T) {
	h := newHarness(t)
	s := h.session

	require.NoError(t, s.StartLiveCamera(context.Background()))
	require.NoError(t, s.Capture())
	artifact := s.Artifact()

	h.clock.Advance(1500 * time.Millisecond)
	assert.Equal(t, []overlay.Phase{overlay.Countdown(3), overlay.Countdown(2)}, h.events.phases())

	require.NoError(t, s.Retake())
	assert.True(t, artifact.Released())
	h.assertNothingHeld(t)

	before := h.events.len()
	h.clock.Advance(time.Minute)
	assert.Equal(t, before, h.events.len(), "no callback after retake")

	st := s.Snapshot()
	assert.Equal(t, ModeIdle, st.Mode)
	assert.Nil(t, st.Phase)
	assert.Nil(t, st.Artifact)
	assert.False(t, st.Ready)

	// The session is reusable.
	require.NoError(t, s.StartLiveCamera(context.Background()))
	require.NoError(t, s.Capture())
	h.clock.Advance(100 * time.Millisecond)
	phases := h.events.phases()
	assert.Equal(t, overlay.Countdown(3), phases[len(phases)-1])
}

func TestOverlayEventsInOrder(t *testing.T) {
	h := newHarness(t)
	s := h.session

	require.NoError(t, s.StartLiveCamera(context.Background()))
	require.NoError(t, s.Capture())

	h.clock.Advance(overlay.DefaultConfig().Total() - time.Millisecond)
	assert.False(t, s.Snapshot().Ready, "settle delay not yet elapsed")
	h.clock.Advance(time.Millisecond)
	assert.True(t, s.Snapshot().Ready)

	assert.Equal(t, overlay.DefaultConfig().Sequence(), h.events.phases())
	assert.Equal(t, 1, h.events.count(EventReady))

	var last uint64
	h.events.mu.Lock()
	for _, ev := range h.events.events {
		assert.Greater(t, ev.State.Version, last, "versions increase")
		last = ev.State.Version
	}
	h.events.mu.Unlock()
}

func TestStartLiveCameraFailures(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind string
	}{
		{"permission", media.ErrPermissionDenied, "permission_denied"},
		{"device", media.ErrDeviceUnavailable, "device_unavailable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			calls := 0
			h.source.AcquireFunc = func(ctx context.Context, cfg camera.Config) (media.Handle, error) {
				calls++
				if calls == 1 {
					return nil, tt.err
				}
				s := media.NewStream("retry", nil)
				s.Push(media.Gradient(cfg.Width, cfg.Height))
				return s, nil
			}

			err := h.session.StartLiveCamera(context.Background())
			assert.ErrorIs(t, err, tt.err)
			st := h.session.Snapshot()
			assert.Equal(t, ModeIdle, st.Mode)
			assert.Equal(t, tt.kind, st.ErrorKind)
			assert.Equal(t, BusyNone, st.Busy)

			require.NoError(t, h.session.StartLiveCamera(context.Background()), "user may retry")
			assert.Equal(t, ModeLiveCamera, h.session.Snapshot().Mode)
			assert.Empty(t, h.session.Snapshot().Error)
		})
	}
}

func TestCaptureUnavailableReturnsToIdle(t *testing.T) {
	h := newHarness(t)
	var stream *media.Stream
	h.source.AcquireFunc = func(ctx context.Context, cfg camera.Config) (media.Handle, error) {
		stream = media.NewStream("flaky", nil)
		stream.Push(media.Gradient(64, 48))
		return stream, nil
	}

	require.NoError(t, h.session.StartLiveCamera(context.Background()))
	stream.Release() // device went away

	err := h.session.Capture()
	assert.ErrorIs(t, err, capture.ErrCaptureUnavailable)
	st := h.session.Snapshot()
	assert.Equal(t, ModeIdle, st.Mode)
	assert.Equal(t, "capture_unavailable", st.ErrorKind)
	h.assertNothingHeld(t)
}

func TestInvalidTransitions(t *testing.T) {
	h := newHarness(t)
	s := h.session
	ctx := context.Background()

	assert.ErrorIs(t, s.Capture(), ErrInvalidTransition)
	_, err := s.Confirm(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.ErrorIs(t, s.Retake(), ErrInvalidTransition)

	require.NoError(t, s.StartLiveCamera(ctx))
	assert.ErrorIs(t, s.StartLiveCamera(ctx), ErrInvalidTransition)
	_, err = s.Confirm(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	require.NoError(t, s.Capture())
	assert.ErrorIs(t, s.Capture(), ErrInvalidTransition, "double tap")
	assert.Equal(t, 1, h.clock.Pending(), "one overlay timer")
	assert.ErrorIs(t, s.StartLiveCamera(ctx), ErrInvalidTransition)
}

func TestRetakeFromLiveCamera(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.session.StartLiveCamera(context.Background()))
	require.NoError(t, h.session.Retake())
	assert.Equal(t, ModeIdle, h.session.Snapshot().Mode)
	h.assertNothingHeld(t)
}

func pngPicked(t *testing.T, w, hgt int) media.Picked {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, media.Gradient(w, hgt)))
	return media.Picked{Data: buf.Bytes(), Filename: "doc.png"}
}

func TestPickCancelledKeepsState(t *testing.T) {
	h := newHarness(t)
	s := h.session
	ctx := context.Background()

	picked, err := s.PickFrom(ctx, media.CancelledPicker)
	require.NoError(t, err)
	assert.False(t, picked)
	assert.Equal(t, ModeIdle, s.Snapshot().Mode)

	require.NoError(t, s.StartLiveCamera(ctx))
	picked, err = s.PickFrom(ctx, media.CancelledPicker)
	require.NoError(t, err)
	assert.False(t, picked)
	assert.Equal(t, ModeLiveCamera, s.Snapshot().Mode)
	assert.Equal(t, 1, h.source.Outstanding(), "stream kept on cancel")
}

func TestPickFromLiveCamera(t *testing.T) {
	h := newHarness(t)
	s := h.session
	require.NoError(t, s.StartLiveCamera(context.Background()))

	picked, err := s.PickFrom(context.Background(), media.BytesPicker(pngPicked(t, 300, 200)))
	require.NoError(t, err)
	assert.True(t, picked)

	st := s.Snapshot()
	assert.Equal(t, ModeReviewingStill, st.Mode)
	assert.Equal(t, capture.OriginPicked, st.Artifact.Origin)
	assert.Equal(t, 300, st.Artifact.Width, "picked stills are not cropped")
	assert.Equal(t, 0, h.source.Outstanding())
	assert.Equal(t, 1, h.clock.Pending())
}

func TestPickReplacesStillAndRestartsOverlay(t *testing.T) {
	h := newHarness(t)
	s := h.session
	ctx := context.Background()

	require.NoError(t, s.StartLiveCamera(ctx))
	require.NoError(t, s.Capture())
	first := s.Artifact()
	h.clock.Advance(2 * time.Second)
	require.NotEmpty(t, h.events.phases())

	picked, err := s.PickFrom(ctx, media.BytesPicker(pngPicked(t, 50, 50)))
	require.NoError(t, err)
	require.True(t, picked)

	assert.True(t, first.Released(), "old still released before the new one is held")
	assert.Equal(t, 1, h.capturer.Store().Len())
	assert.Equal(t, 1, h.clock.Pending(), "old run stopped, new run pending")
	assert.Nil(t, s.Snapshot().Phase)

	before := len(h.events.phases())
	h.clock.Advance(100 * time.Millisecond)
	phases := h.events.phases()
	require.Len(t, phases, before+1)
	assert.Equal(t, overlay.Countdown(3), phases[before], "new run counts from the top")

	h.clock.Advance(overlay.DefaultConfig().Total())
	assert.True(t, s.Snapshot().Ready)
	assert.Equal(t, 1, h.events.count(EventReady), "the stopped run never completes")
}

func TestPickRejectsUnsupportedImage(t *testing.T) {
	h := newHarness(t)
	picked, err := h.session.PickFrom(context.Background(), media.BytesPicker{Data: []byte("%PDF-1.7"), Filename: "doc.pdf"})
	assert.False(t, picked)
	assert.ErrorIs(t, err, capture.ErrUnsupportedImage)
	st := h.session.Snapshot()
	assert.Equal(t, ModeIdle, st.Mode)
	assert.Equal(t, "unsupported_image", st.ErrorKind)
}

func TestPickFromGallery(t *testing.T) {
	h := newHarness(t)
	_, err := h.session.PickFromGallery(context.Background())
	assert.ErrorIs(t, err, ErrNoPicker)

	h2 := newHarness(t, WithPicker(media.BytesPicker(pngPicked(t, 20, 10))))
	picked, err := h2.session.PickFromGallery(context.Background())
	require.NoError(t, err)
	assert.True(t, picked)
}

func TestRetakeCancelsAcquire(t *testing.T) {
	h := newHarness(t)
	entered := make(chan struct{})
	h.source.AcquireFunc = func(ctx context.Context, cfg camera.Config) (media.Handle, error) {
		close(entered)
		<-ctx.Done()
		return nil, ctx.Err()
	}

	errc := make(chan error, 1)
	go func() { errc <- h.session.StartLiveCamera(context.Background()) }()
	<-entered

	assert.Equal(t, BusyAcquiring, h.session.Snapshot().Busy)
	assert.ErrorIs(t, h.session.StartLiveCamera(context.Background()), ErrBusy)

	require.NoError(t, h.session.Retake())
	assert.ErrorIs(t, <-errc, ErrSuperseded)
	assert.Equal(t, ModeIdle, h.session.Snapshot().Mode)
	assert.Equal(t, BusyNone, h.session.Snapshot().Busy)
}

func TestLateAcquireIsReleased(t *testing.T) {
	h := newHarness(t)
	entered := make(chan struct{})
	proceed := make(chan struct{})
	var late *media.Stream
	h.source.AcquireFunc = func(ctx context.Context, cfg camera.Config) (media.Handle, error) {
		close(entered)
		<-proceed
		late = media.NewStream("late", nil)
		late.Push(media.Gradient(8, 8))
		return late, nil
	}

	errc := make(chan error, 1)
	go func() { errc <- h.session.StartLiveCamera(context.Background()) }()
	<-entered
	require.NoError(t, h.session.Close())
	close(proceed)

	assert.ErrorIs(t, <-errc, ErrSuperseded)
	assert.True(t, late.Released(), "a stream that arrives after close is released")
}

func TestConfirmBusyAndRetakeDuringSubmit(t *testing.T) {
	h := newHarness(t)
	s := h.session
	entered := make(chan struct{})
	h.submitter.SubmitFunc = func(ctx context.Context, img recognition.Image, hint recognition.DocumentType) (*recognition.Result, error) {
		close(entered)
		<-ctx.Done()
		return nil, ctx.Err()
	}

	require.NoError(t, s.StartLiveCamera(context.Background()))
	require.NoError(t, s.Capture())
	h.settle()

	errc := make(chan error, 1)
	go func() {
		_, err := s.Confirm(context.Background(), "")
		errc <- err
	}()
	<-entered

	_, err := s.Confirm(context.Background(), "")
	assert.ErrorIs(t, err, ErrBusy)
	assert.Equal(t, BusyConfirming, s.Snapshot().Busy)

	require.NoError(t, s.Retake())
	assert.ErrorIs(t, <-errc, ErrSuperseded)
	assert.Equal(t, 1, h.submitter.CallCount())
	h.assertNothingHeld(t)
}

func TestClose(t *testing.T) {
	h := newHarness(t)
	s := h.session
	ctx := context.Background()

	require.NoError(t, s.StartLiveCamera(ctx))
	require.NoError(t, s.Capture())
	h.clock.Advance(time.Second)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	h.assertNothingHeld(t)
	assert.True(t, s.Snapshot().Closed)
	assert.Equal(t, 1, h.events.count(EventClosed))

	assert.ErrorIs(t, s.StartLiveCamera(ctx), ErrClosed)
	assert.ErrorIs(t, s.Capture(), ErrClosed)
	assert.ErrorIs(t, s.Retake(), ErrClosed)
	_, err := s.Confirm(ctx, "")
	assert.ErrorIs(t, err, ErrClosed)
	_, err = s.PickFrom(ctx, media.CancelledPicker)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestObserverMayCallBack(t *testing.T) {
	h := newHarness(t)
	s := h.session

	var retakeErr error
	done := make(chan struct{})
	s.Subscribe(func(ev Event) {
		if ev.Type == EventPhase && ev.State.Phase.Kind == overlay.KindProcessing {
			retakeErr = s.Retake()
			close(done)
		}
	})

	require.NoError(t, s.StartLiveCamera(context.Background()))
	require.NoError(t, s.Capture())
	h.clock.Advance(time.Minute)

	<-done
	require.NoError(t, retakeErr)
	assert.Equal(t, ModeIdle, s.Snapshot().Mode)
	assert.Equal(t, 0, h.events.count(EventReady))
	h.assertNothingHeld(t)
}

func TestUnsubscribe(t *testing.T) {
	h := newHarness(t)
	var n int
	unsubscribe := h.session.Subscribe(func(Event) { n++ })

	require.NoError(t, h.session.StartLiveCamera(context.Background()))
	seen := n
	assert.Positive(t, seen)

	unsubscribe()
	require.NoError(t, h.session.Retake())
	assert.Equal(t, seen, n)
}

func TestNewRejectsBadOverlay(t *testing.T) {
	_, err := New(media.NewMock(nil), confirm.New(recognition.NewMock()),
		WithOverlay(overlay.Config{CountFrom: -1}))
	assert.True(t, errors.Is(err, overlay.ErrInvalidConfig))
}

func TestErrorKind(t *testing.T) {
	assert.Equal(t, "", ErrorKind(nil))
	assert.Equal(t, "error", ErrorKind(errors.New("boom")))
	assert.Equal(t, "unsupported_image", ErrorKind(capture.ErrTooLarge))
	assert.Equal(t, "permission_denied", ErrorKind(fmt.Errorf("acquire: %w", media.ErrPermissionDenied)))
	assert.Equal(t, "submission_failed", ErrorKind(fmt.Errorf("%w: %w", confirm.ErrSubmissionFailed, context.Canceled)))
}

// gatedStore holds Put until released.
type gatedStore struct {
	*capture.MemoryStore
	entered chan struct{}
	release chan struct{}
}

func (g *gatedStore) Put(name string, data []byte) (string, error) {
	close(g.entered)
	<-g.release
	return g.MemoryStore.Put(name, data)
}

func TestCaptureStoresOutsideLock(t *testing.T) {
	store := &gatedStore{
		MemoryStore: capture.NewMemoryStore(),
		entered:     make(chan struct{}),
		release:     make(chan struct{}),
	}
	h := newHarness(t, WithCapturer(capture.New(capture.WithStore(store))))
	require.NoError(t, h.session.StartLiveCamera(context.Background()))

	errc := make(chan error, 1)
	go func() { errc <- h.session.Capture() }()
	<-store.entered

	snap := make(chan State, 1)
	go func() { snap <- h.session.Snapshot() }()
	select {
	case st := <-snap:
		assert.Equal(t, BusyCapturing, st.Busy)
		assert.Equal(t, ModeLiveCamera, st.Mode)
	case <-time.After(time.Second):
		t.Fatal("Snapshot blocked while the frame was being stored")
	}
	assert.ErrorIs(t, h.session.Capture(), ErrBusy)

	require.NoError(t, h.session.Retake())
	close(store.release)

	assert.ErrorIs(t, <-errc, ErrSuperseded)
	st := h.session.Snapshot()
	assert.Equal(t, ModeIdle, st.Mode)
	assert.Nil(t, st.Artifact)
	assert.Equal(t, 0, store.Len(), "a superseded capture is released")
	assert.Equal(t, 0, h.source.Outstanding())
	assert.Equal(t, 0, h.clock.Pending())
}

func TestCaptureAfterSlowStore(t *testing.T) {
	store := &gatedStore{
		MemoryStore: capture.NewMemoryStore(),
		entered:     make(chan struct{}),
		release:     make(chan struct{}),
	}
	h := newHarness(t, WithCapturer(capture.New(capture.WithStore(store))))
	require.NoError(t, h.session.StartLiveCamera(context.Background()))

	errc := make(chan error, 1)
	go func() { errc <- h.session.Capture() }()
	<-store.entered
	close(store.release)
	require.NoError(t, <-errc)

	st := h.session.Snapshot()
	assert.Equal(t, ModeReviewingStill, st.Mode)
	assert.Equal(t, BusyNone, st.Busy)
	assert.Equal(t, 1, store.Len())
	assert.Equal(t, 0, h.source.Outstanding(), "capture releases the stream")
}

func TestSetOverlayAppliesToNextCapture(t *testing.T) {
	h := newHarness(t)
	s := h.session

	bad := overlay.DefaultConfig()
	bad.TickInterval = -time.Second
	assert.ErrorIs(t, s.SetOverlay(bad), overlay.ErrInvalidConfig)

	short := overlay.DefaultConfig()
	short.CountFrom = 1
	require.NoError(t, s.SetOverlay(short))

	require.NoError(t, s.StartLiveCamera(context.Background()))
	require.NoError(t, s.Capture())
	h.clock.Advance(short.Total())
	assert.Equal(t, short.Sequence(), h.events.phases())
	assert.True(t, s.Snapshot().Ready)

	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.SetOverlay(short), ErrClosed)
}
