// Package scanner wires the document scanner together: camera source,
// recognition backends, artifact storage, the capture session and the web
// surface.
package scanner

import (
	"fmt"
	"strings"
	"time"

	"github.com/teslashibe/go-docscan/internal/config"
	"github.com/teslashibe/go-docscan/pkg/camera"
	"github.com/teslashibe/go-docscan/pkg/overlay"
)

// Camera sources that are not local devices.
const (
	CameraRelay = "relay" // phones and browsers streaming over /ws/device
	CameraDemo  = "demo"  // synthetic gradient frames
)

// Backend names accepted in Config.Backend.
const (
	BackendHTTP      = "http"
	BackendVision    = "vision"
	BackendTesseract = "tesseract"
)

// Config holds all configuration for the scanner.
// Flag parsing is done in cmd/docscan/main.go; this struct is data only.
type Config struct {
	// Addr is the HTTP listen address.
	Addr string

	// Camera is a device index or path, CameraRelay or CameraDemo.
	Camera string

	// Preset names the initial capture constraints.
	Preset string

	// Recognition backends, tried in order.
	Backend        string // comma separated, e.g. "http,tesseract"
	RecognitionURL string
	GoogleAPIKey   string
	TesseractLang  string
	ConfirmTimeout time.Duration

	// SpoolDir keeps artifacts on disk when set; otherwise they stay in memory.
	SpoolDir string

	// StaticDir is served at / when set.
	StaticDir string

	// Overlay timing for the capture animation.
	Overlay overlay.Config

	LogLevel string
}

// DefaultConfig returns sensible defaults for a local scanner.
func DefaultConfig() Config {
	return Config{
		Addr:           config.DefaultAddr,
		Camera:         config.DefaultCamera,
		Preset:         config.DefaultPreset,
		Backend:        config.DefaultBackend,
		RecognitionURL: config.DefaultRecognitionURL,
		TesseractLang:  config.DefaultTesseractLang,
		ConfirmTimeout: config.DefaultConfirmTimeout,
		Overlay:        overlay.DefaultConfig(),
		LogLevel:       config.DefaultLogLevel,
	}
}

// LoadEnvConfig loads configuration values from environment variables.
// Call this before flag parsing so flags take precedence.
func (c *Config) LoadEnvConfig() {
	env := config.Load()
	c.Addr = env.Addr
	c.Camera = env.Camera
	c.Preset = env.Preset
	c.Backend = env.Backend
	c.RecognitionURL = env.RecognitionURL
	c.GoogleAPIKey = env.GoogleAPIKey
	c.TesseractLang = env.TesseractLang
	c.ConfirmTimeout = env.ConfirmTimeout
	c.SpoolDir = env.SpoolDir
	c.StaticDir = env.StaticDir
	c.LogLevel = env.LogLevel

	ov := c.Overlay.Settings()
	ov.CountFrom = config.Int("DOCSCAN_COUNTDOWN", ov.CountFrom)
	ov.PrimingDelayMs = config.Int("DOCSCAN_OVERLAY_PRIMING_MS", ov.PrimingDelayMs)
	ov.TickIntervalMs = config.Int("DOCSCAN_OVERLAY_TICK_MS", ov.TickIntervalMs)
	ov.ProcessingDurationMs = config.Int("DOCSCAN_OVERLAY_PROCESSING_MS", ov.ProcessingDurationMs)
	ov.SettleDelayMs = config.Int("DOCSCAN_OVERLAY_SETTLE_MS", ov.SettleDelayMs)
	c.Overlay = ov.Config()
}

// Backends returns the configured backend names in order.
func (c *Config) Backends() []string {
	var names []string
	for _, name := range strings.Split(c.Backend, ",") {
		if name = strings.ToLower(strings.TrimSpace(name)); name != "" {
			names = append(names, name)
		}
	}
	return names
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return &ConfigError{Field: "Addr", Message: "listen address is required"}
	}
	if c.Camera == "" {
		return &ConfigError{Field: "Camera", Message: "camera is required (device index, path, relay or demo)"}
	}
	if camera.GetPreset(c.Preset) == nil {
		return &ConfigError{
			Field:   "Preset",
			Message: fmt.Sprintf("unknown camera preset %q (have %s)", c.Preset, strings.Join(camera.PresetNames(), ", ")),
		}
	}
	names := c.Backends()
	if len(names) == 0 {
		return &ConfigError{Field: "Backend", Message: "at least one recognition backend is required"}
	}
	for _, name := range names {
		if name == BackendHTTP && c.RecognitionURL == "" {
			return &ConfigError{Field: "RecognitionURL", Message: "DOCSCAN_RECOGNITION_URL is required for the http backend"}
		}
	}
	if c.ConfirmTimeout < 0 {
		return &ConfigError{Field: "ConfirmTimeout", Message: "confirm timeout must not be negative"}
	}
	if err := c.Overlay.Validate(); err != nil {
		return &ConfigError{Field: "Overlay", Message: err.Error()}
	}
	return nil
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return e.Message
}
