package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-docscan/pkg/camera"
	"github.com/teslashibe/go-docscan/pkg/media"
	"github.com/teslashibe/go-docscan/pkg/protocol"
)

func startServer(t *testing.T, r *Relay, port int) string {
	t.Helper()
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
	})
	r.RegisterRoutes(app)
	r.RegisterAPIRoutes(app.Group("/api"))

	go app.Listen(fmt.Sprintf(":%d", port))
	t.Cleanup(func() { app.Shutdown() })
	time.Sleep(100 * time.Millisecond)

	return fmt.Sprintf("ws://localhost:%d/ws/device", port)
}

// fakeDevice answers server commands the way a phone client would.
type fakeDevice struct {
	ws       *websocket.Conn
	received chan *protocol.Message
}

func dialDevice(t *testing.T, url string, onStart func(ws *websocket.Conn, cmd *protocol.StartCommand)) *fakeDevice {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })

	d := &fakeDevice{ws: ws, received: make(chan *protocol.Message, 16)}
	go func() {
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			msg, err := protocol.ParseMessage(data)
			if err != nil {
				continue
			}
			d.received <- msg
			if msg.Type == protocol.TypeStart && onStart != nil {
				cmd, _ := msg.GetStartCommand()
				onStart(ws, cmd)
			}
		}
	}()
	return d
}

func (d *fakeDevice) send(t *testing.T, msg *protocol.Message) {
	t.Helper()
	data, err := msg.Bytes()
	require.NoError(t, err)
	require.NoError(t, d.ws.WriteMessage(websocket.TextMessage, data))
}

func (d *fakeDevice) next(t *testing.T, want protocol.MessageType) *protocol.Message {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case msg := <-d.received:
			if msg.Type == want {
				return msg
			}
		case <-timeout:
			t.Fatalf("no %s message", want)
			return nil
		}
	}
}

func jpegFrame(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{uint8(x), uint8(y), 128, 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}

func sendFrame(t *testing.T, frame []byte) func(ws *websocket.Conn, cmd *protocol.StartCommand) {
	return func(ws *websocket.Conn, cmd *protocol.StartCommand) {
		msg, _ := protocol.NewFrameMessage(cmd.StreamID, 64, 48, frame, 1)
		data, _ := msg.Bytes()
		ws.WriteMessage(websocket.TextMessage, data)
	}
}

func waitDevices(t *testing.T, r *Relay, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return r.DeviceCount() == n }, 2*time.Second, 10*time.Millisecond)
}

func TestNewRelay(t *testing.T) {
	r := New()
	assert.Equal(t, 0, r.DeviceCount())
	assert.Equal(t, Stats{}, r.GetStats())
	assert.Empty(t, r.Devices())
}

func TestAcquireWithoutDevice(t *testing.T) {
	r := New()

	_, err := r.Acquire(context.Background(), camera.DefaultConfig())
	assert.ErrorIs(t, err, media.ErrDeviceUnavailable)

	cfg := camera.DefaultConfig()
	cfg.DeviceID = "phone-1"
	_, err = r.Acquire(context.Background(), cfg)
	assert.ErrorIs(t, err, media.ErrDeviceUnavailable)
}

func TestAcquireStreamsFrames(t *testing.T) {
	r := New()
	url := startServer(t, r, 18180)
	dev := dialDevice(t, url+"/phone-1", sendFrame(t, jpegFrame(t, 64, 48)))
	waitDevices(t, r, 1)

	cfg := camera.DocumentConfig()
	h, err := r.Acquire(context.Background(), cfg)
	require.NoError(t, err)

	start, err := dev.next(t, protocol.TypeStart).GetStartCommand()
	require.NoError(t, err)
	assert.Equal(t, h.ID(), start.StreamID)
	assert.Equal(t, 2560, start.Camera.Width)
	assert.Equal(t, "rear", start.Camera.Facing)

	assert.True(t, h.Ready())
	assert.Equal(t, image.Pt(64, 48), h.Size())
	frame, err := h.Frame()
	require.NoError(t, err)
	assert.Equal(t, 64, frame.Bounds().Dx())
	assert.Equal(t, 1, r.StreamCount())

	h.Release()
	stop, err := dev.next(t, protocol.TypeStop).GetStopCommand()
	require.NoError(t, err)
	assert.Equal(t, h.ID(), stop.StreamID)
	assert.Equal(t, 0, r.StreamCount())

	h.Release()
	assert.Equal(t, uint64(1), r.GetStats().FramesReceived)
}

func TestAcquirePermissionDenied(t *testing.T) {
	r := New()
	url := startServer(t, r, 18181)
	dialDevice(t, url+"/browser", func(ws *websocket.Conn, cmd *protocol.StartCommand) {
		msg, _ := protocol.NewErrorMessage(cmd.StreamID, protocol.CodePermissionDenied, "NotAllowedError")
		data, _ := msg.Bytes()
		ws.WriteMessage(websocket.TextMessage, data)
	})
	waitDevices(t, r, 1)

	_, err := r.Acquire(context.Background(), camera.DefaultConfig())
	assert.ErrorIs(t, err, media.ErrPermissionDenied)
	assert.Equal(t, 0, r.StreamCount())
}

func TestAcquireTimesOut(t *testing.T) {
	r := New(WithReadyTimeout(100 * time.Millisecond))
	url := startServer(t, r, 18182)
	dialDevice(t, url+"/silent", nil)
	waitDevices(t, r, 1)

	_, err := r.Acquire(context.Background(), camera.DefaultConfig())
	assert.ErrorIs(t, err, media.ErrDeviceUnavailable)
	assert.Equal(t, 0, r.StreamCount())
}

func TestAcquireHonorsContext(t *testing.T) {
	r := New()
	url := startServer(t, r, 18183)
	dialDevice(t, url+"/silent", nil)
	waitDevices(t, r, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := r.Acquire(ctx, camera.DefaultConfig())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, r.StreamCount())
}

func TestDisconnectReleasesStream(t *testing.T) {
	r := New()
	url := startServer(t, r, 18184)
	dev := dialDevice(t, url+"/flaky", sendFrame(t, jpegFrame(t, 64, 48)))
	waitDevices(t, r, 1)

	h, err := r.Acquire(context.Background(), camera.DefaultConfig())
	require.NoError(t, err)

	dev.ws.Close()
	require.Eventually(t, h.Released, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, r.DeviceCount())
	assert.Equal(t, 0, r.StreamCount())

	_, err = h.Frame()
	assert.ErrorIs(t, err, media.ErrReleased)
}

func TestReconnectKeepsNewStreams(t *testing.T) {
	r := New()
	url := startServer(t, r, 18187)
	old := dialDevice(t, url+"/phone", nil)
	waitDevices(t, r, 1)

	// Same pinned id, new connection. It replaces the old one.
	dialDevice(t, url+"/phone", sendFrame(t, jpegFrame(t, 64, 48)))
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 1, r.DeviceCount())

	cfg := camera.DefaultConfig()
	cfg.DeviceID = "phone"
	h, err := r.Acquire(context.Background(), cfg)
	require.NoError(t, err)
	defer h.Release()

	old.ws.Close()
	assert.Never(t, h.Released, 300*time.Millisecond, 10*time.Millisecond,
		"the old connection closing must not release the new connection's stream")
	assert.Equal(t, 1, r.StreamCount())
	assert.Equal(t, 1, r.DeviceCount())

	_, err = h.Frame()
	assert.NoError(t, err)
}

func TestAcquirePrefersFacing(t *testing.T) {
	r := New()
	url := startServer(t, r, 18185)
	frame := jpegFrame(t, 64, 48)

	rear := dialDevice(t, url+"/rear", sendFrame(t, frame))
	hello, _ := protocol.NewHelloMessage("tablet", "web", "rear")
	rear.send(t, hello)
	waitDevices(t, r, 1)

	front := dialDevice(t, url+"/front", sendFrame(t, frame))
	hello, _ = protocol.NewHelloMessage("laptop", "web", "front")
	front.send(t, hello)
	waitDevices(t, r, 2)

	require.Eventually(t, func() bool {
		for _, d := range r.Devices() {
			if d.ID == "front" && d.Name == "laptop" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	cfg := camera.DefaultConfig()
	cfg.Facing = camera.FacingRear
	h, err := r.Acquire(context.Background(), cfg)
	require.NoError(t, err)
	defer h.Release()
	rear.next(t, protocol.TypeStart)

	infos := r.Devices()
	require.Len(t, infos, 2)
	assert.Equal(t, "rear", infos[0].ID, "oldest first")
}

func TestPingPong(t *testing.T) {
	r := New()
	url := startServer(t, r, 18186)
	dev := dialDevice(t, url+"/ping-test", nil)
	waitDevices(t, r, 1)

	ping, _ := protocol.NewPingMessage("p1")
	dev.send(t, ping)

	pong, err := dev.next(t, protocol.TypePong).GetPongData()
	require.NoError(t, err)
	assert.Equal(t, "p1", pong.ID)
}

func TestAPIListDevices(t *testing.T) {
	r := New()
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
	})
	r.RegisterRoutes(app)
	r.RegisterAPIRoutes(app.Group("/api"))

	resp, err := app.Test(httptest.NewRequest("GET", "/api/devices/", nil))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)

	body, _ := io.ReadAll(resp.Body)
	var out struct {
		Devices []DeviceInfo `json:"devices"`
		Count   int          `json:"count"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, 0, out.Count)

	resp, err = app.Test(httptest.NewRequest("GET", "/api/devices/stats", nil))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest("GET", "/ws/device/x", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUpgradeRequired, resp.StatusCode)
}
