// Package camera holds the constraints used when acquiring a live camera
// stream for document capture, plus presets and a runtime manager.
package camera

import "fmt"

// Facing selects which physical camera to request.
type Facing string

const (
	FacingRear  Facing = "rear"
	FacingFront Facing = "front"
)

// Config holds the acquisition constraints for a live stream.
// These can be modified via the camera API at runtime.
type Config struct {
	// === Resolution ===
	Width     int `json:"width"`     // Target frame width in pixels
	Height    int `json:"height"`    // Target frame height in pixels
	Framerate int `json:"framerate"` // Target FPS
	Quality   int `json:"quality"`   // JPEG quality used when encoding a captured frame

	// Facing is the requested camera. Document capture defaults to rear.
	Facing Facing `json:"facing"`

	// DeviceID pins a specific device (e.g. "0" for /dev/video0, or a relay
	// device id). Empty means "first device matching Facing".
	DeviceID string `json:"device_id,omitempty"`

	// AfMode controls autofocus behavior.
	// Values: "manual", "auto", "continuous"
	AfMode string `json:"af_mode"`
}

// Limits for accepted constraints.
const (
	MinWidth   = 160
	MinHeight  = 120
	MaxWidth   = 4608
	MaxHeight  = 3456
	MinQuality = 80
	MaxQuality = 92
)

// DefaultConfig returns the constraints used for document capture: rear
// camera, 1920x1080, quality 85.
func DefaultConfig() Config {
	return Config{
		Width:     1920,
		Height:    1080,
		Framerate: 30,
		Quality:   85,
		Facing:    FacingRear,
		AfMode:    "continuous",
	}
}

// Validate checks if the config values are within valid ranges.
// Returns a list of validation errors, or nil if valid.
func (c *Config) Validate() []string {
	var errors []string

	if c.Width < MinWidth || c.Width > MaxWidth {
		errors = append(errors, fmt.Sprintf("width must be between %d and %d", MinWidth, MaxWidth))
	}
	if c.Height < MinHeight || c.Height > MaxHeight {
		errors = append(errors, fmt.Sprintf("height must be between %d and %d", MinHeight, MaxHeight))
	}
	if c.Framerate < 1 || c.Framerate > 120 {
		errors = append(errors, "framerate must be between 1 and 120")
	}
	if c.Quality < MinQuality || c.Quality > MaxQuality {
		errors = append(errors, fmt.Sprintf("quality must be between %d and %d", MinQuality, MaxQuality))
	}
	if c.Facing != "" && c.Facing != FacingRear && c.Facing != FacingFront {
		errors = append(errors, "facing must be rear or front")
	}

	validAfModes := map[string]bool{"manual": true, "auto": true, "continuous": true}
	if c.AfMode != "" && !validAfModes[c.AfMode] {
		errors = append(errors, "af_mode must be manual, auto, or continuous")
	}

	return errors
}

// EncodeQuality returns Quality clamped to the accepted encoder range.
func (c Config) EncodeQuality() int {
	switch {
	case c.Quality < MinQuality:
		return MinQuality
	case c.Quality > MaxQuality:
		return MaxQuality
	}
	return c.Quality
}
