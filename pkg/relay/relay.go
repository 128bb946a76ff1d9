// Package relay exposes cameras of remote devices (a phone or a browser tab)
// connected over WebSocket as a media.Source.
//
// A device connects to /ws/device/:id and announces itself with a hello
// message. Acquire sends it a start command with the capture constraints and
// waits for the first JPEG frame; releasing the handle sends stop.
package relay

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/disintegration/imaging"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/teslashibe/go-docscan/pkg/camera"
	"github.com/teslashibe/go-docscan/pkg/media"
	"github.com/teslashibe/go-docscan/pkg/protocol"
)

// DefaultReadyTimeout bounds how long Acquire waits for the first frame.
const DefaultReadyTimeout = 10 * time.Second

// Device represents a connected camera device
type Device struct {
	ID        string
	Conn      *websocket.Conn
	Connected time.Time

	mu       sync.Mutex
	lastSeen time.Time
	hello    protocol.HelloData
}

// Send sends a message to the device
func (d *Device) Send(msg *protocol.Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	data, err := msg.Bytes()
	if err != nil {
		return err
	}

	return d.Conn.WriteMessage(websocket.TextMessage, data)
}

func (d *Device) supports(f camera.Facing) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if f == "" || len(d.hello.Facings) == 0 {
		return true
	}
	return slices.Contains(d.hello.Facings, string(f))
}

// remoteStream ties a media.Stream to the connection feeding it. A device
// that reconnects under the same id is a different connection.
type remoteStream struct {
	stream *media.Stream
	device *Device
	ready  chan struct{}
	failed chan error
	once   sync.Once
}

func (rs *remoteStream) markReady() {
	rs.once.Do(func() { close(rs.ready) })
}

func (rs *remoteStream) fail(err error) {
	select {
	case rs.failed <- err:
	default:
	}
}

// Relay manages WebSocket connections from camera devices
type Relay struct {
	mu      sync.RWMutex
	devices map[string]*Device
	streams map[string]*remoteStream

	readyTimeout time.Duration
	logger       *slog.Logger

	// Stats
	messagesReceived atomic.Uint64
	messagesSent     atomic.Uint64
	framesReceived   atomic.Uint64
	framesDropped    atomic.Uint64
}

// Option configures a Relay.
type Option func(*Relay)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Relay) { r.logger = l.With("component", "relay") }
}

// WithReadyTimeout overrides DefaultReadyTimeout.
func WithReadyTimeout(d time.Duration) Option {
	return func(r *Relay) { r.readyTimeout = d }
}

// New creates a relay with no devices.
func New(opts ...Option) *Relay {
	r := &Relay{
		devices:      make(map[string]*Device),
		streams:      make(map[string]*remoteStream),
		readyTimeout: DefaultReadyTimeout,
		logger:       slog.Default().With("component", "relay"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterRoutes registers WebSocket routes on a Fiber app
func (r *Relay) RegisterRoutes(app *fiber.App) {
	app.Use("/ws/device", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get("/ws/device", websocket.New(r.handleDevice))
	app.Get("/ws/device/:id", websocket.New(r.handleDevice))
}

// handleDevice handles a device WebSocket connection
func (r *Relay) handleDevice(c *websocket.Conn) {
	deviceID := c.Params("id")
	if deviceID == "" {
		deviceID = uuid.New().String()
	}

	now := time.Now()
	device := &Device{
		ID:        deviceID,
		Conn:      c,
		Connected: now,
		lastSeen:  now,
	}

	r.mu.Lock()
	r.devices[deviceID] = device
	count := len(r.devices)
	r.mu.Unlock()

	r.logger.Info("device connected", "device", deviceID, "total", count)

	defer r.disconnect(device)

	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			r.logger.Debug("device read ended", "device", deviceID, "error", err)
			return
		}

		device.mu.Lock()
		device.lastSeen = time.Now()
		device.mu.Unlock()

		r.messagesReceived.Add(1)
		r.handleMessage(device, data)
	}
}

// disconnect drops device and releases every stream it was feeding.
func (r *Relay) disconnect(device *Device) {
	r.mu.Lock()
	if r.devices[device.ID] == device {
		delete(r.devices, device.ID)
	}
	var orphans []*remoteStream
	for id, rs := range r.streams {
		if rs.device == device {
			orphans = append(orphans, rs)
			delete(r.streams, id)
		}
	}
	count := len(r.devices)
	r.mu.Unlock()

	for _, rs := range orphans {
		rs.fail(fmt.Errorf("%w: device %s disconnected", media.ErrDeviceUnavailable, device.ID))
		rs.stream.Release()
	}
	r.logger.Info("device disconnected", "device", device.ID, "total", count, "streams", len(orphans))
}

// handleMessage processes an incoming message from a device
func (r *Relay) handleMessage(device *Device, data []byte) {
	msg, err := protocol.ParseMessage(data)
	if err != nil {
		r.logger.Warn("parse error", "device", device.ID, "error", err)
		return
	}

	switch msg.Type {
	case protocol.TypeHello:
		hello, err := msg.GetHelloData()
		if err != nil {
			return
		}
		device.mu.Lock()
		device.hello = *hello
		device.mu.Unlock()
		r.logger.Info("device hello", "device", device.ID, "name", hello.Name, "platform", hello.Platform)

	case protocol.TypeFrame:
		r.framesReceived.Add(1)
		frame, err := msg.GetFrameData()
		if err == nil {
			r.handleFrame(device, frame)
		}

	case protocol.TypeError:
		e, err := msg.GetErrorData()
		if err == nil {
			r.handleError(device, e)
		}

	case protocol.TypePing:
		ping, _ := msg.GetPingData()
		id := ""
		if ping != nil {
			id = ping.ID
		}
		if err := r.sendPong(device, id, msg.Timestamp); err != nil {
			r.logger.Debug("pong failed", "device", device.ID, "error", err)
		}
	}
}

func (r *Relay) lookup(device *Device, streamID string) *remoteStream {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rs, ok := r.streams[streamID]
	if !ok || rs.device != device {
		return nil
	}
	return rs
}

func (r *Relay) handleFrame(device *Device, frame *protocol.FrameData) {
	rs := r.lookup(device, frame.StreamID)
	if rs == nil {
		r.framesDropped.Add(1)
		return
	}
	raw, err := frame.DecodeFrameData()
	if err != nil {
		r.framesDropped.Add(1)
		r.logger.Debug("frame decode failed", "device", device.ID, "error", err)
		return
	}
	img, err := imaging.Decode(bytes.NewReader(raw), imaging.AutoOrientation(true))
	if err != nil {
		r.framesDropped.Add(1)
		r.logger.Debug("frame decode failed", "device", device.ID, "error", err)
		return
	}
	if rs.stream.Push(img) {
		rs.markReady()
	}
}

func (r *Relay) handleError(device *Device, e *protocol.ErrorData) {
	rs := r.lookup(device, e.StreamID)
	if rs == nil {
		return
	}
	err := codeError(e)
	r.logger.Warn("device camera error", "device", device.ID, "stream", e.StreamID, "code", e.Code, "message", e.Message)
	rs.fail(err)

	select {
	case <-rs.ready:
		// The camera was lost mid-stream.
		rs.stream.Release()
	default:
	}
}

func codeError(e *protocol.ErrorData) error {
	if e.Code == protocol.CodePermissionDenied {
		return fmt.Errorf("%w: %s", media.ErrPermissionDenied, e.Message)
	}
	return fmt.Errorf("%w: %s", media.ErrDeviceUnavailable, e.Message)
}

// pick returns the device to stream from. A pinned id must be connected;
// otherwise the most recently connected device that has the requested
// facing wins.
func (r *Relay) pick(cfg camera.Config) (*Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if cfg.DeviceID != "" {
		d, ok := r.devices[cfg.DeviceID]
		if !ok {
			return nil, fmt.Errorf("%w: device %s not connected", media.ErrDeviceUnavailable, cfg.DeviceID)
		}
		return d, nil
	}

	var best *Device
	for _, d := range r.devices {
		if !d.supports(cfg.Facing) {
			continue
		}
		if best == nil || d.Connected.After(best.Connected) {
			best = d
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%w: no device connected", media.ErrDeviceUnavailable)
	}
	return best, nil
}

// Acquire asks a connected device to open its camera and returns once the
// first frame has arrived.
func (r *Relay) Acquire(ctx context.Context, cfg camera.Config) (media.Handle, error) {
	device, err := r.pick(cfg)
	if err != nil {
		return nil, err
	}

	streamID := uuid.New().String()
	rs := &remoteStream{
		device: device,
		ready:  make(chan struct{}),
		failed: make(chan error, 1),
	}
	rs.stream = media.NewStream(streamID, func() { r.stop(device, streamID) })

	r.mu.Lock()
	r.streams[streamID] = rs
	r.mu.Unlock()

	msg, err := protocol.NewStartMessage(streamID, protocol.CameraConfig{
		Width:     cfg.Width,
		Height:    cfg.Height,
		Framerate: cfg.Framerate,
		Quality:   cfg.Quality,
		Facing:    string(cfg.Facing),
		AfMode:    cfg.AfMode,
	})
	if err == nil {
		r.messagesSent.Add(1)
		err = device.Send(msg)
	}
	if err != nil {
		rs.stream.Release()
		return nil, fmt.Errorf("%w: start %s: %v", media.ErrDeviceUnavailable, device.ID, err)
	}

	timer := time.NewTimer(r.readyTimeout)
	defer timer.Stop()

	select {
	case <-rs.ready:
	case err := <-rs.failed:
		rs.stream.Release()
		return nil, err
	case <-timer.C:
		rs.stream.Release()
		return nil, fmt.Errorf("%w: no frame from %s within %s", media.ErrDeviceUnavailable, device.ID, r.readyTimeout)
	case <-ctx.Done():
		rs.stream.Release()
		return nil, ctx.Err()
	}

	size := rs.stream.Size()
	r.logger.Info("device stream ready",
		"device", device.ID,
		"stream", streamID,
		"width", size.X,
		"height", size.Y,
	)
	return rs.stream, nil
}

// stop runs on the first Release of a stream.
func (r *Relay) stop(device *Device, streamID string) {
	r.mu.Lock()
	_, live := r.streams[streamID]
	delete(r.streams, streamID)
	r.mu.Unlock()

	if !live {
		// Device already gone.
		return
	}
	msg, err := protocol.NewStopMessage(streamID)
	if err != nil {
		return
	}
	r.messagesSent.Add(1)
	if err := device.Send(msg); err != nil {
		r.logger.Debug("stop failed", "device", device.ID, "stream", streamID, "error", err)
	}
}

func (r *Relay) sendPong(device *Device, id string, pingTS int64) error {
	msg, err := protocol.NewPongMessage(id, pingTS, time.Now().UnixMilli())
	if err != nil {
		return err
	}
	r.messagesSent.Add(1)
	return device.Send(msg)
}

// DeviceCount returns the number of connected devices
func (r *Relay) DeviceCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

// StreamCount returns the number of streams not yet released
func (r *Relay) StreamCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.streams)
}

// Stats contains relay statistics
type Stats struct {
	DeviceCount      int    `json:"device_count"`
	StreamCount      int    `json:"stream_count"`
	MessagesReceived uint64 `json:"messages_received"`
	MessagesSent     uint64 `json:"messages_sent"`
	FramesReceived   uint64 `json:"frames_received"`
	FramesDropped    uint64 `json:"frames_dropped"`
}

// GetStats returns relay statistics
func (r *Relay) GetStats() Stats {
	return Stats{
		DeviceCount:      r.DeviceCount(),
		StreamCount:      r.StreamCount(),
		MessagesReceived: r.messagesReceived.Load(),
		MessagesSent:     r.messagesSent.Load(),
		FramesReceived:   r.framesReceived.Load(),
		FramesDropped:    r.framesDropped.Load(),
	}
}

// DeviceInfo contains info about a connected device
type DeviceInfo struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	Platform  string    `json:"platform,omitempty"`
	Facings   []string  `json:"facings,omitempty"`
	Connected time.Time `json:"connected"`
	LastSeen  time.Time `json:"last_seen"`
}

// Devices returns info about all connected devices, oldest first
func (r *Relay) Devices() []DeviceInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]DeviceInfo, 0, len(r.devices))
	for _, d := range r.devices {
		d.mu.Lock()
		infos = append(infos, DeviceInfo{
			ID:        d.ID,
			Name:      d.hello.Name,
			Platform:  d.hello.Platform,
			Facings:   slices.Clone(d.hello.Facings),
			Connected: d.Connected,
			LastSeen:  d.lastSeen,
		})
		d.mu.Unlock()
	}
	slices.SortFunc(infos, func(a, b DeviceInfo) int { return a.Connected.Compare(b.Connected) })
	return infos
}

// RegisterAPIRoutes registers API routes for device management
func (r *Relay) RegisterAPIRoutes(api fiber.Router) {
	devices := api.Group("/devices")

	devices.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"devices": r.Devices(),
			"count":   r.DeviceCount(),
		})
	})

	devices.Get("/stats", func(c *fiber.Ctx) error {
		return c.JSON(r.GetStats())
	})
}

var _ media.Source = (*Relay)(nil)
