package scanner

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/teslashibe/go-docscan/pkg/camera"
	"github.com/teslashibe/go-docscan/pkg/capture"
	"github.com/teslashibe/go-docscan/pkg/confirm"
	"github.com/teslashibe/go-docscan/pkg/media"
	"github.com/teslashibe/go-docscan/pkg/overlay"
	"github.com/teslashibe/go-docscan/pkg/recognition"
	"github.com/teslashibe/go-docscan/pkg/relay"
	"github.com/teslashibe/go-docscan/pkg/session"
	"github.com/teslashibe/go-docscan/pkg/web"
)

// Version is reported by /health.
var Version = "dev"

// BackendFactory builds a recognition backend from the configuration.
type BackendFactory func(ctx context.Context, cfg Config, logger *slog.Logger) (recognition.Submitter, error)

// SourceFactory builds the source for a local camera device.
type SourceFactory func(cfg Config, logger *slog.Logger) (media.Source, error)

// App is the scanner application.
type App struct {
	config Config
	logger *slog.Logger

	backends    map[string]BackendFactory
	localCamera SourceFactory
	accessLog   bool

	camera    *camera.Manager
	source    media.Source
	relay     *relay.Relay
	submitter recognition.Submitter
	gate      *confirm.Gate
	capturer  *capture.Capturer
	tuning    *overlay.Tuning

	webServer *web.Server
}

// Option configures an App.
type Option func(*App)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.logger = l }
}

// WithBackend registers a recognition backend under name, replacing any
// built-in one.
func WithBackend(name string, f BackendFactory) Option {
	return func(a *App) { a.backends[name] = f }
}

// WithLocalCamera sets how local camera devices are opened.
func WithLocalCamera(f SourceFactory) Option {
	return func(a *App) { a.localCamera = f }
}

// WithAccessLog logs every HTTP request.
func WithAccessLog(enabled bool) Option {
	return func(a *App) { a.accessLog = enabled }
}

// New creates a scanner with the given configuration.
func New(cfg Config, opts ...Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &App{
		config: cfg,
		logger: slog.Default(),
		backends: map[string]BackendFactory{
			BackendHTTP:   newHTTPBackend,
			BackendVision: newVisionBackend,
		},
	}
	for _, opt := range opts {
		opt(a)
	}
	for _, name := range cfg.Backends() {
		if _, ok := a.backends[name]; !ok {
			return nil, &ConfigError{Field: "Backend", Message: fmt.Sprintf("recognition backend %q not available in this build", name)}
		}
	}
	return a, nil
}

// Init builds all components.
// Call this after New() and before Run().
func (a *App) Init(ctx context.Context) error {
	preset := camera.GetPreset(a.config.Preset)
	cam, err := camera.NewManagerWithConfig(*preset)
	if err != nil {
		return fmt.Errorf("camera: %w", err)
	}
	a.camera = cam
	a.tuning = overlay.NewTuning(a.config.Overlay)

	if err := a.initSource(); err != nil {
		return fmt.Errorf("camera source: %w", err)
	}
	if err := a.initRecognition(ctx); err != nil {
		return fmt.Errorf("recognition: %w", err)
	}
	if err := a.initCapture(); err != nil {
		return fmt.Errorf("capture: %w", err)
	}

	opts := []web.Option{
		web.WithLogger(a.logger),
		web.WithVersion(Version),
		web.WithAccessLog(a.accessLog),
		web.WithOverlay(a.tuning),
	}
	if a.relay != nil {
		opts = append(opts, web.WithRelay(a.relay))
	}
	if a.config.StaticDir != "" {
		opts = append(opts, web.WithStatic(a.config.StaticDir))
	}
	srv, err := web.NewServer(a.config.Addr, a.camera, a.NewSession, opts...)
	if err != nil {
		return fmt.Errorf("web: %w", err)
	}
	a.webServer = srv

	a.logger.Info("scanner ready",
		"addr", a.config.Addr,
		"camera", a.config.Camera,
		"preset", a.config.Preset,
		"backend", a.submitter.Name(),
	)
	return nil
}

func (a *App) initSource() error {
	switch a.config.Camera {
	case CameraRelay:
		a.relay = relay.New(relay.WithLogger(a.logger))
		a.source = a.relay
	case CameraDemo:
		a.source = media.NewMock(nil)
	default:
		if a.localCamera == nil {
			return fmt.Errorf("local camera %q not supported in this build", a.config.Camera)
		}
		src, err := a.localCamera(a.config, a.logger)
		if err != nil {
			return err
		}
		a.source = src
	}
	return nil
}

func (a *App) initRecognition(ctx context.Context) error {
	var submitters []recognition.Submitter
	for _, name := range a.config.Backends() {
		sub, err := a.backends[name](ctx, a.config, a.logger)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		submitters = append(submitters, sub)
	}

	if len(submitters) == 1 {
		a.submitter = submitters[0]
	} else {
		chain, err := recognition.NewChainWithLogger(a.logger, submitters...)
		if err != nil {
			return err
		}
		a.submitter = chain
	}

	a.gate = confirm.New(a.submitter,
		confirm.WithTimeout(a.config.ConfirmTimeout),
		confirm.WithLogger(a.logger),
	)
	return nil
}

func (a *App) initCapture() error {
	var store capture.Store = capture.NewMemoryStore()
	if a.config.SpoolDir != "" {
		ds, err := capture.NewDirStore(a.config.SpoolDir)
		if err != nil {
			return err
		}
		a.logger.Info("spooling artifacts", "dir", ds.Dir())
		store = ds
	}
	a.capturer = capture.New(
		capture.WithStore(store),
		capture.WithAutoOrient(true),
		capture.WithLogger(a.logger),
	)
	return nil
}

// NewSession creates an idle capture session on the app's components, with
// the overlay timing currently set through /api/overlay.
func (a *App) NewSession() (*session.Session, error) {
	return session.New(a.source, a.gate,
		session.WithCamera(a.camera),
		session.WithCapturer(a.capturer),
		session.WithOverlay(a.tuning.Config()),
		session.WithLogger(a.logger),
	)
}

// Server returns the web server. It is nil before Init.
func (a *App) Server() *web.Server { return a.webServer }

// Submitter returns the recognition backend in use. It is nil before Init.
func (a *App) Submitter() recognition.Submitter { return a.submitter }

// Run serves until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	if a.webServer == nil {
		return fmt.Errorf("scanner: Run called before Init")
	}
	if h, ok := a.submitter.(interface{ Health(context.Context) error }); ok {
		go a.checkBackend(ctx, h)
	}
	return a.webServer.Start(ctx)
}

func (a *App) checkBackend(ctx context.Context, h interface{ Health(context.Context) error }) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := h.Health(ctx); err != nil {
		a.logger.Warn("recognition service not reachable", "error", err)
	}
}

// Shutdown gracefully shuts down all components.
func (a *App) Shutdown() {
	if a.webServer != nil {
		if err := a.webServer.Shutdown(); err != nil {
			a.logger.Warn("web shutdown", "error", err)
		}
	}
	if c, ok := a.submitter.(io.Closer); ok {
		c.Close()
	}
}

func newHTTPBackend(ctx context.Context, cfg Config, logger *slog.Logger) (recognition.Submitter, error) {
	return recognition.NewClient(
		recognition.WithBaseURL(cfg.RecognitionURL),
		recognition.WithLogger(logger),
	)
}

func newVisionBackend(ctx context.Context, cfg Config, logger *slog.Logger) (recognition.Submitter, error) {
	opts := []recognition.Option{recognition.WithLogger(logger)}
	if cfg.GoogleAPIKey != "" {
		opts = append(opts, recognition.WithAPIKey(cfg.GoogleAPIKey))
	}
	return recognition.NewVision(ctx, opts...)
}
