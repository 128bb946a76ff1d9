package protocol

import (
	"encoding/base64"
	"time"
)

// =============================================================================
// Helper functions for creating messages
// =============================================================================

// NewHelloMessage creates a hello message
func NewHelloMessage(name, platform string, facings ...string) (*Message, error) {
	return NewMessage(TypeHello, HelloData{
		Name:     name,
		Platform: platform,
		Facings:  facings,
	})
}

// NewFrameMessage creates a frame message from raw JPEG data
func NewFrameMessage(streamID string, width, height int, jpegData []byte, frameID uint64) (*Message, error) {
	return NewMessage(TypeFrame, FrameData{
		StreamID: streamID,
		Width:    width,
		Height:   height,
		Format:   "jpeg",
		Data:     base64.StdEncoding.EncodeToString(jpegData),
		FrameID:  frameID,
	})
}

// NewErrorMessage creates an error message
func NewErrorMessage(streamID, code, message string) (*Message, error) {
	return NewMessage(TypeError, ErrorData{
		StreamID: streamID,
		Code:     code,
		Message:  message,
	})
}

// NewStartMessage creates a start command
func NewStartMessage(streamID string, camera CameraConfig) (*Message, error) {
	return NewMessage(TypeStart, StartCommand{
		StreamID: streamID,
		Camera:   camera,
	})
}

// NewStopMessage creates a stop command
func NewStopMessage(streamID string) (*Message, error) {
	return NewMessage(TypeStop, StopCommand{StreamID: streamID})
}

// NewPingMessage creates a ping message
func NewPingMessage(id string) (*Message, error) {
	return NewMessage(TypePing, PingData{
		ID:        id,
		Timestamp: time.Now().UnixMilli(),
	})
}

// NewPongMessage creates a pong response message
func NewPongMessage(id string, pingTS, pongTS int64) (*Message, error) {
	return NewMessage(TypePong, PongData{
		ID:        id,
		PingTS:    pingTS,
		PongTS:    pongTS,
		LatencyMs: pongTS - pingTS,
	})
}

// =============================================================================
// Helper functions for parsing messages
// =============================================================================

// GetHelloData extracts hello data from a message
func (m *Message) GetHelloData() (*HelloData, error) {
	var data HelloData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetFrameData extracts frame data from a message
func (m *Message) GetFrameData() (*FrameData, error) {
	var data FrameData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// DecodeFrameData decodes the base64 image data
func (f *FrameData) DecodeFrameData() ([]byte, error) {
	return base64.StdEncoding.DecodeString(f.Data)
}

// GetErrorData extracts error data from a message
func (m *Message) GetErrorData() (*ErrorData, error) {
	var data ErrorData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetStartCommand extracts a start command from a message
func (m *Message) GetStartCommand() (*StartCommand, error) {
	var data StartCommand
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetStopCommand extracts a stop command from a message
func (m *Message) GetStopCommand() (*StopCommand, error) {
	var data StopCommand
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetPingData extracts ping data from a message
func (m *Message) GetPingData() (*PingData, error) {
	var data PingData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetPongData extracts pong data from a message
func (m *Message) GetPongData() (*PongData, error) {
	var data PongData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}
