// Package config provides environment-driven configuration helpers for
// go-docscan commands.
package config

import (
	"os"
	"strconv"
	"time"
)

// Default service configuration.
const (
	DefaultAddr           = ":8080"
	DefaultCamera         = "0"
	DefaultRecognitionURL = "http://localhost:8000"
	DefaultBackend        = "http"
	DefaultTesseractLang  = "eng"
	DefaultLogLevel       = "info"
	DefaultPreset         = "document"
	DefaultConfirmTimeout = 90 * time.Second
)

// Env holds values read from the environment. Flag parsing happens in
// cmd/docscan; this struct is data only.
type Env struct {
	Addr           string
	Camera         string // device index or path, or "relay" for remote cameras
	Preset         string
	RecognitionURL string
	Backend        string // "http", "vision", "tesseract" or a comma list for a fallback chain
	GoogleAPIKey   string
	TesseractLang  string
	SpoolDir       string
	StaticDir      string
	LogLevel       string
	ConfirmTimeout time.Duration
}

// Load reads the DOCSCAN_* variables, falling back to defaults.
func Load() Env {
	return Env{
		Addr:           String("DOCSCAN_ADDR", DefaultAddr),
		Camera:         String("DOCSCAN_CAMERA", DefaultCamera),
		Preset:         String("DOCSCAN_PRESET", DefaultPreset),
		RecognitionURL: String("DOCSCAN_RECOGNITION_URL", DefaultRecognitionURL),
		Backend:        String("DOCSCAN_BACKEND", DefaultBackend),
		GoogleAPIKey:   os.Getenv("GOOGLE_API_KEY"),
		TesseractLang:  String("DOCSCAN_TESSERACT_LANG", DefaultTesseractLang),
		SpoolDir:       os.Getenv("DOCSCAN_SPOOL_DIR"),
		StaticDir:      os.Getenv("DOCSCAN_STATIC_DIR"),
		LogLevel:       String("DOCSCAN_LOG_LEVEL", DefaultLogLevel),
		ConfirmTimeout: Duration("DOCSCAN_CONFIRM_TIMEOUT", DefaultConfirmTimeout),
	}
}

// String returns the value of key, or def when unset or empty.
func String(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// Int returns key parsed as an int, or def when unset or malformed.
func Int(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// Duration returns key parsed with time.ParseDuration, or def when unset or
// malformed.
func Duration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
