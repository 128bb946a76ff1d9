package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/teslashibe/go-docscan/pkg/capture"
	"github.com/teslashibe/go-docscan/pkg/confirm"
	"github.com/teslashibe/go-docscan/pkg/media"
	"github.com/teslashibe/go-docscan/pkg/overlay"
	"github.com/teslashibe/go-docscan/pkg/recognition"
)

// Mode is the session's position in the capture flow.
type Mode int

const (
	ModeIdle Mode = iota
	ModeLiveCamera
	ModeReviewingStill
)

func (m Mode) String() string {
	switch m {
	case ModeIdle:
		return "idle"
	case ModeLiveCamera:
		return "live_camera"
	case ModeReviewingStill:
		return "reviewing_still"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// MarshalText implements encoding.TextMarshaler.
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Mode) UnmarshalText(text []byte) error {
	switch string(text) {
	case "idle":
		*m = ModeIdle
	case "live_camera":
		*m = ModeLiveCamera
	case "reviewing_still":
		*m = ModeReviewingStill
	default:
		return fmt.Errorf("session: unknown mode %q", text)
	}
	return nil
}

// Busy names the blocking operation a session is waiting on.
type Busy string

const (
	BusyNone       Busy = ""
	BusyAcquiring  Busy = "acquiring"
	BusyCapturing  Busy = "capturing"
	BusyPicking    Busy = "picking"
	BusyConfirming Busy = "confirming"
)

// StreamInfo describes the live stream.
type StreamInfo struct {
	ID     string `json:"id"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// State is an immutable snapshot of a session.
type State struct {
	ID        string              `json:"id"`
	Version   uint64              `json:"version"`
	Mode      Mode                `json:"mode"`
	Busy      Busy                `json:"busy,omitempty"`
	Stream    *StreamInfo         `json:"stream,omitempty"`
	Artifact  *capture.Info       `json:"artifact,omitempty"`
	Phase     *overlay.Phase      `json:"phase,omitempty"`
	Ready     bool                `json:"ready"`
	Confirmed bool                `json:"confirmed"`
	Closed    bool                `json:"closed,omitempty"`
	Result    *recognition.Result `json:"result,omitempty"`
	Error     string              `json:"error,omitempty"`
	ErrorKind string              `json:"error_kind,omitempty"`
}

// EventType classifies session events.
type EventType string

const (
	EventMode   EventType = "mode"
	EventPhase  EventType = "phase"
	EventReady  EventType = "ready"
	EventResult EventType = "result"
	EventError  EventType = "error"
	EventClosed EventType = "closed"
)

// Event is delivered to observers after every visible change.
type Event struct {
	Type  EventType `json:"type"`
	State State     `json:"state"`
	Time  time.Time `json:"time"`
}

// ErrorKind maps an error to a short machine-readable name.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, media.ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, media.ErrDeviceUnavailable):
		return "device_unavailable"
	case errors.Is(err, capture.ErrCaptureUnavailable):
		return "capture_unavailable"
	case errors.Is(err, capture.ErrUnsupportedImage), errors.Is(err, capture.ErrTooLarge):
		return "unsupported_image"
	case errors.Is(err, confirm.ErrSubmissionFailed):
		return "submission_failed"
	}
	return "error"
}
