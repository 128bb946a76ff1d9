package web

import (
	"errors"
	"io"
	"mime/multipart"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/teslashibe/go-docscan/pkg/camera"
	"github.com/teslashibe/go-docscan/pkg/capture"
	"github.com/teslashibe/go-docscan/pkg/confirm"
	"github.com/teslashibe/go-docscan/pkg/hub"
	"github.com/teslashibe/go-docscan/pkg/media"
	"github.com/teslashibe/go-docscan/pkg/recognition"
	"github.com/teslashibe/go-docscan/pkg/session"
)

// statusFor maps session and media errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, media.ErrPermissionDenied):
		return fiber.StatusForbidden
	case errors.Is(err, media.ErrDeviceUnavailable),
		errors.Is(err, capture.ErrCaptureUnavailable):
		return fiber.StatusServiceUnavailable
	case errors.Is(err, capture.ErrTooLarge):
		return fiber.StatusRequestEntityTooLarge
	case errors.Is(err, capture.ErrUnsupportedImage),
		errors.Is(err, recognition.ErrInvalidDocumentType):
		return fiber.StatusBadRequest
	case errors.Is(err, confirm.ErrSubmissionFailed):
		return fiber.StatusBadGateway
	case errors.Is(err, session.ErrInvalidTransition),
		errors.Is(err, session.ErrNotReady),
		errors.Is(err, session.ErrBusy),
		errors.Is(err, session.ErrSuperseded):
		return fiber.StatusConflict
	case errors.Is(err, session.ErrClosed):
		return fiber.StatusGone
	}
	return fiber.StatusInternalServerError
}

// errorResponse writes err with the session state so clients can re-render.
func (s *Server) errorResponse(c *fiber.Ctx, err error) error {
	body := fiber.Map{
		"error": err.Error(),
		"kind":  session.ErrorKind(err),
		"state": s.Session().Snapshot(),
	}
	if errors.Is(err, confirm.ErrSubmissionFailed) {
		body["message"] = confirm.Message(err)
	}
	return c.Status(statusFor(err)).JSON(body)
}

// handleGetSession returns the current session state
func (s *Server) handleGetSession(c *fiber.Ctx) error {
	return c.JSON(s.Session().Snapshot())
}

// handleStartCamera opens the live camera
func (s *Server) handleStartCamera(c *fiber.Ctx) error {
	sess := s.Session()
	if err := sess.StartLiveCamera(c.UserContext()); err != nil {
		return s.errorResponse(c, err)
	}
	return c.JSON(sess.Snapshot())
}

// handleCapture snapshots the live frame
func (s *Server) handleCapture(c *fiber.Ctx) error {
	sess := s.Session()
	if err := sess.Capture(); err != nil {
		return s.errorResponse(c, err)
	}
	return c.JSON(sess.Snapshot())
}

// handlePick accepts an image chosen in the client's file picker. A request
// without a file is a cancelled pick.
func (s *Server) handlePick(c *fiber.Ctx) error {
	picker, err := pickedFile(c)
	if err != nil {
		return s.errorResponse(c, err)
	}

	sess := s.Session()
	picked, err := sess.PickFrom(c.UserContext(), picker)
	if err != nil {
		return s.errorResponse(c, err)
	}
	return c.JSON(fiber.Map{
		"picked": picked,
		"state":  sess.Snapshot(),
	})
}

func pickedFile(c *fiber.Ctx) (media.BytesPicker, error) {
	fh, err := c.FormFile("file")
	if err != nil {
		// No multipart body or no file field.
		return media.BytesPicker{}, nil
	}
	if fh.Size > capture.MaxPickedBytes {
		return media.BytesPicker{}, capture.ErrTooLarge
	}
	data, err := readPart(fh)
	if err != nil {
		return media.BytesPicker{}, err
	}

	mimeType := fh.Header.Get("Content-Type")
	if mimeType == "application/octet-stream" {
		// Generic type from clients that do not sniff; let the file decide.
		mimeType = ""
	}
	return media.BytesPicker{
		Data:     data,
		Filename: fh.Filename,
		MIMEType: mimeType,
	}, nil
}

func readPart(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(io.LimitReader(f, capture.MaxPickedBytes+1))
}

// handleRetake discards the still or live stream
func (s *Server) handleRetake(c *fiber.Ctx) error {
	sess := s.Session()
	if err := sess.Retake(); err != nil {
		return s.errorResponse(c, err)
	}
	return c.JSON(sess.Snapshot())
}

// handleConfirm submits the reviewed still
func (s *Server) handleConfirm(c *fiber.Ctx) error {
	hint, err := recognition.ParseDocumentType(c.Query("document_type"))
	if err != nil {
		return s.errorResponse(c, err)
	}

	sess := s.Session()
	result, err := sess.Confirm(c.UserContext(), hint)
	if err != nil {
		return s.errorResponse(c, err)
	}
	return c.JSON(fiber.Map{
		"result": result,
		"state":  sess.Snapshot(),
	})
}

// handleReset replaces the session with a fresh idle one
func (s *Server) handleReset(c *fiber.Ctx) error {
	sess, err := s.Reset()
	if err != nil {
		return s.errorResponse(c, err)
	}
	return c.JSON(sess.Snapshot())
}

// handleArtifact returns the still under review
func (s *Server) handleArtifact(c *fiber.Ctx) error {
	a := s.Session().Artifact()
	if a == nil {
		return fiber.NewError(fiber.StatusNotFound, "no image under review")
	}
	data, err := a.Bytes()
	if errors.Is(err, capture.ErrReleased) {
		return fiber.NewError(fiber.StatusNotFound, "image released")
	}
	if err != nil {
		return err
	}
	c.Set(fiber.HeaderContentType, a.MIMEType())
	c.Set(fiber.HeaderContentDisposition, `inline; filename="`+a.Filename()+`"`)
	c.Set(fiber.HeaderCacheControl, "no-store")
	return c.Send(data)
}

// handleGetCamera returns the capture constraints and available presets
func (s *Server) handleGetCamera(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"config":  s.camera.Config(),
		"presets": camera.PresetNames(),
	})
}

// handleUpdateCamera applies a partial update or a preset
func (s *Server) handleUpdateCamera(c *fiber.Ctx) error {
	var params map[string]interface{}
	if err := c.BodyParser(&params); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	if err := s.camera.UpdateConfig(params); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	s.logger.Info("camera config updated", "config", s.camera.ConfigJSON())
	return c.JSON(fiber.Map{
		"config":  s.camera.Config(),
		"presets": camera.PresetNames(),
	})
}

func (s *Server) handleGetOverlay(c *fiber.Ctx) error {
	return c.JSON(s.tuning.Settings())
}

// handleUpdateOverlay merges the body into the current timing. The current
// session uses it from its next capture; later sessions start with it.
func (s *Server) handleUpdateOverlay(c *fiber.Ctx) error {
	settings := s.tuning.Settings()
	if err := c.BodyParser(&settings); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	cfg, err := s.tuning.Apply(settings)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	if err := s.Session().SetOverlay(cfg); err != nil && !errors.Is(err, session.ErrClosed) {
		return err
	}
	s.logger.Info("overlay timing updated", "total", cfg.Total())
	return c.JSON(cfg.Settings())
}

// handleSessionWS streams session events, starting with the current state
func (s *Server) handleSessionWS(c *websocket.Conn) {
	initial, err := s.snapshotMessage()
	if err != nil {
		s.logger.Warn("snapshot encode failed", "error", err)
		return
	}
	hub.NewClient(s.eventHub, c, initial).Run()
}

// handlePreviewWS streams live JPEG frames
func (s *Server) handlePreviewWS(c *websocket.Conn) {
	hub.NewClient(s.previewHub, c).Run()
}
