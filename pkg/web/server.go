// Package web serves the document scanner over HTTP: a REST surface driving
// the capture session, websocket feeds for session events and live preview,
// and the device relay for phone and browser cameras.
package web

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/disintegration/imaging"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"

	"github.com/teslashibe/go-docscan/pkg/camera"
	"github.com/teslashibe/go-docscan/pkg/hub"
	"github.com/teslashibe/go-docscan/pkg/media"
	"github.com/teslashibe/go-docscan/pkg/overlay"
	"github.com/teslashibe/go-docscan/pkg/relay"
	"github.com/teslashibe/go-docscan/pkg/session"
)

// Preview defaults.
const (
	DefaultPreviewInterval = 200 * time.Millisecond
	DefaultPreviewSize     = 640
	previewQuality         = 70
)

// SessionFactory creates a fresh idle session. The server calls it at
// startup and on every reset.
type SessionFactory func() (*session.Session, error)

// Server is the scanner's HTTP server
type Server struct {
	app    *fiber.App
	addr   string
	logger *slog.Logger

	newSession SessionFactory
	camera     *camera.Manager
	tuning     *overlay.Tuning
	relay      *relay.Relay
	static     string
	version    string
	accessLog  bool

	mu    sync.RWMutex
	sess  *session.Session
	unsub func()

	// Hubs for websocket broadcast
	eventHub   *hub.Hub
	previewHub *hub.Hub

	previewInterval time.Duration
	previewSize     int

	sessions atomic.Uint64
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithRelay mounts the device relay routes.
func WithRelay(r *relay.Relay) Option {
	return func(s *Server) { s.relay = r }
}

// WithOverlay mounts GET/PUT /api/overlay backed by t.
func WithOverlay(t *overlay.Tuning) Option {
	return func(s *Server) { s.tuning = t }
}

// WithStatic serves files under dir at /.
func WithStatic(dir string) Option {
	return func(s *Server) { s.static = dir }
}

// WithVersion sets the version reported by /health.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// WithAccessLog logs every request.
func WithAccessLog(enabled bool) Option {
	return func(s *Server) { s.accessLog = enabled }
}

// WithPreview sets how often preview frames are sent and the longest side
// they are scaled to.
func WithPreview(interval time.Duration, size int) Option {
	return func(s *Server) {
		s.previewInterval = interval
		s.previewSize = size
	}
}

// NewServer creates the server and its first session.
func NewServer(addr string, cam *camera.Manager, factory SessionFactory, opts ...Option) (*Server, error) {
	s := &Server{
		addr:            addr,
		logger:          slog.Default(),
		newSession:      factory,
		camera:          cam,
		previewInterval: DefaultPreviewInterval,
		previewSize:     DefaultPreviewSize,
		version:         "dev",
	}
	for _, opt := range opts {
		opt(s)
	}
	s.eventHub = hub.New("events", hub.WithLogger(s.logger))
	s.previewHub = hub.New("preview", hub.WithLogger(s.logger))
	s.logger = s.logger.With("component", "web")

	sess, err := factory()
	if err != nil {
		return nil, err
	}
	s.install(sess)

	app := fiber.New(fiber.Config{
		AppName:               "docscan",
		DisableStartupMessage: true,
		BodyLimit:             12 << 20,
		ErrorHandler:          s.handleError,
	})

	// Middleware
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders: "Content-Type,Authorization",
	}))
	if s.accessLog {
		app.Use(logger.New())
	}

	app.Get("/health", s.handleHealth)
	app.Get("/metrics", s.handleMetrics)

	if s.static != "" {
		app.Static("/", s.static)
	}

	api := app.Group("/api")
	api.Get("/session", s.handleGetSession)
	api.Post("/session/camera", s.handleStartCamera)
	api.Post("/session/capture", s.handleCapture)
	api.Post("/session/pick", s.handlePick)
	api.Post("/session/retake", s.handleRetake)
	api.Post("/session/confirm", s.handleConfirm)
	api.Post("/session/reset", s.handleReset)
	api.Get("/session/artifact", s.handleArtifact)
	api.Get("/camera", s.handleGetCamera)
	api.Put("/camera", s.handleUpdateCamera)
	if s.tuning != nil {
		api.Get("/overlay", s.handleGetOverlay)
		api.Put("/overlay", s.handleUpdateOverlay)
	}

	// WebSocket upgrade middleware
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get("/ws/session", websocket.New(s.handleSessionWS))
	app.Get("/ws/preview", websocket.New(s.handlePreviewWS))

	if s.relay != nil {
		s.relay.RegisterRoutes(app)
		s.relay.RegisterAPIRoutes(api)
	}

	s.app = app
	return s, nil
}

// App returns the underlying Fiber app.
func (s *Server) App() *fiber.App { return s.app }

// Session returns the current session.
func (s *Server) Session() *session.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sess
}

// install makes sess current and forwards its events to viewers.
func (s *Server) install(sess *session.Session) {
	unsub := sess.Subscribe(func(ev session.Event) {
		if err := s.eventHub.Publish(ev); err != nil {
			s.logger.Warn("event encode failed", "error", err)
		}
	})

	s.sessions.Add(1)

	s.mu.Lock()
	old, oldUnsub := s.sess, s.unsub
	s.sess, s.unsub = sess, unsub
	s.mu.Unlock()

	if old != nil {
		oldUnsub()
		old.Close()
	}
}

// Reset closes the current session and starts a new idle one.
func (s *Server) Reset() (*session.Session, error) {
	sess, err := s.newSession()
	if err != nil {
		return nil, err
	}
	s.install(sess)
	s.logger.Info("session reset", "session", sess.ID())

	// Viewers start over from the new snapshot.
	msg, err := s.snapshotMessage()
	if err != nil {
		s.logger.Warn("snapshot encode failed", "error", err)
		return sess, nil
	}
	s.eventHub.Broadcast(msg)
	return sess, nil
}

// snapshotMessage encodes the current state as a mode event.
func (s *Server) snapshotMessage() (hub.Message, error) {
	return hub.SnapshotMessage(s.Session().Snapshot())
}

// Start runs the hubs and the preview loop and serves until ctx is done or
// the listener fails.
func (s *Server) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.eventHub.Run(ctx)
	go s.previewHub.Run(ctx)
	go s.previewLoop(ctx)

	errc := make(chan error, 1)
	go func() { errc <- s.app.Listen(s.addr) }()
	s.logger.Info("listening", "addr", s.addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	return s.Shutdown()
}

// Shutdown stops the server and closes the current session.
func (s *Server) Shutdown() error {
	err := s.app.Shutdown()
	if sess := s.Session(); sess != nil {
		sess.Close()
	}
	return err
}

// previewLoop sends the live frame to preview viewers while the session is
// streaming.
func (s *Server) previewLoop(ctx context.Context) {
	ticker := time.NewTicker(s.previewInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if s.previewHub.ClientCount() == 0 {
			continue
		}
		data, err := s.PreviewFrame()
		if err != nil {
			continue
		}
		s.previewHub.PublishPreview(data)
	}
}

// PreviewFrame returns the current live frame scaled down and encoded as
// JPEG. It fails with media.ErrNoFrame when the session is not streaming.
func (s *Server) PreviewFrame() ([]byte, error) {
	frame, err := s.Session().LiveFrame()
	if err != nil {
		return nil, err
	}
	if frame == nil {
		return nil, media.ErrNoFrame
	}
	b := frame.Bounds()
	if b.Dx() > s.previewSize || b.Dy() > s.previewSize {
		frame = imaging.Fit(frame, s.previewSize, s.previewSize, imaging.Box)
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, frame, imaging.JPEG, imaging.JPEGQuality(previewQuality)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// handleHealth reports liveness and the current session
func (s *Server) handleHealth(c *fiber.Ctx) error {
	st := s.Session().Snapshot()
	body := fiber.Map{
		"status":  "ok",
		"version": s.version,
		"session": st.ID,
		"mode":    st.Mode,
		"viewers": s.eventHub.ClientCount(),
	}
	if s.relay != nil {
		body["devices"] = s.relay.DeviceCount()
	}
	return c.JSON(body)
}

// handleMetrics renders counters in the Prometheus text format
func (s *Server) handleMetrics(c *fiber.Ctx) error {
	var b strings.Builder
	metric := func(name, kind, help string, v uint64) {
		fmt.Fprintf(&b, "# HELP %s %s\n# TYPE %s %s\n%s %d\n\n", name, help, name, kind, name, v)
	}

	metric("docscan_sessions_total", "counter", "Sessions created", s.sessions.Load())
	metric("docscan_event_viewers", "gauge", "Connected session event viewers", uint64(s.eventHub.ClientCount()))
	metric("docscan_preview_viewers", "gauge", "Connected preview viewers", uint64(s.previewHub.ClientCount()))
	metric("docscan_broadcasts_dropped_total", "counter", "Broadcasts dropped because a queue was full",
		s.eventHub.Dropped()+s.previewHub.Dropped())

	if s.relay != nil {
		stats := s.relay.GetStats()
		metric("docscan_relay_devices", "gauge", "Connected camera devices", uint64(stats.DeviceCount))
		metric("docscan_relay_streams", "gauge", "Open remote streams", uint64(stats.StreamCount))
		metric("docscan_relay_messages_received_total", "counter", "Device messages received", stats.MessagesReceived)
		metric("docscan_relay_messages_sent_total", "counter", "Device messages sent", stats.MessagesSent)
		metric("docscan_relay_frames_received_total", "counter", "Frames received from devices", stats.FramesReceived)
		metric("docscan_relay_frames_dropped_total", "counter", "Frames that could not be decoded", stats.FramesDropped)
	}

	c.Set(fiber.HeaderContentType, "text/plain; version=0.0.4")
	return c.SendString(b.String())
}

// handleError renders errors returned by handlers.
func (s *Server) handleError(c *fiber.Ctx, err error) error {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return c.Status(fe.Code).JSON(fiber.Map{"error": fe.Message})
	}
	return s.errorResponse(c, err)
}
