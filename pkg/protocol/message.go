// Package protocol defines the WebSocket messages exchanged between the scan
// server and remote camera devices (a phone or a browser tab streaming its
// camera).
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType identifies the type of WebSocket message
type MessageType string

const (
	// Device → Server messages
	TypeHello MessageType = "hello" // Device capabilities, sent once after connect
	TypeFrame MessageType = "frame" // JPEG video frame
	TypeError MessageType = "error" // Camera could not be opened

	// Server → Device messages
	TypeStart MessageType = "start" // Open the camera with constraints
	TypeStop  MessageType = "stop"  // Stop every track of a stream

	// Bidirectional
	TypePing MessageType = "ping" // Health check
	TypePong MessageType = "pong" // Health check response
)

// Error codes carried by ErrorData.
const (
	CodePermissionDenied  = "permission_denied"
	CodeDeviceUnavailable = "device_unavailable"
)

// Message is the base wrapper for all WebSocket messages
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp int64           `json:"ts,omitempty"` // Unix milliseconds
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewMessage creates a new message with the current timestamp
func NewMessage(msgType MessageType, data interface{}) (*Message, error) {
	var rawData json.RawMessage
	if data != nil {
		var err error
		rawData, err = json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal message data: %w", err)
		}
	}

	return &Message{
		Type:      msgType,
		Timestamp: time.Now().UnixMilli(),
		Data:      rawData,
	}, nil
}

// ParseData unmarshals the message data into the provided struct
func (m *Message) ParseData(v interface{}) error {
	if m.Data == nil {
		return nil
	}
	return json.Unmarshal(m.Data, v)
}

// Bytes returns the JSON-encoded message
func (m *Message) Bytes() ([]byte, error) {
	return json.Marshal(m)
}

// ParseMessage parses a JSON message from bytes
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("failed to parse message: missing type")
	}
	return &msg, nil
}

// =============================================================================
// Device → Server Message Types
// =============================================================================

// HelloData describes a device.
type HelloData struct {
	Name     string   `json:"name,omitempty"`
	Platform string   `json:"platform,omitempty"` // "web", "ios", "android"
	Facings  []string `json:"facings,omitempty"`  // cameras present: "rear", "front"
}

// FrameData contains a video frame
type FrameData struct {
	StreamID string `json:"stream_id"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	Format   string `json:"format"` // "jpeg"
	Data     string `json:"data"`   // base64 encoded
	FrameID  uint64 `json:"frame_id,omitempty"`
}

// ErrorData reports that a start request failed on the device.
type ErrorData struct {
	StreamID string `json:"stream_id"`
	Code     string `json:"code"` // CodePermissionDenied, CodeDeviceUnavailable
	Message  string `json:"message,omitempty"`
}

// =============================================================================
// Server → Device Message Types
// =============================================================================

// StartCommand asks the device to open a camera.
type StartCommand struct {
	StreamID string       `json:"stream_id"`
	Camera   CameraConfig `json:"camera"`
}

// StopCommand asks the device to stop a stream.
type StopCommand struct {
	StreamID string `json:"stream_id"`
}

// CameraConfig contains camera constraints
type CameraConfig struct {
	Width     int    `json:"width,omitempty"`
	Height    int    `json:"height,omitempty"`
	Framerate int    `json:"framerate,omitempty"`
	Quality   int    `json:"quality,omitempty"`
	Facing    string `json:"facing,omitempty"` // "rear", "front"
	AfMode    string `json:"af_mode,omitempty"`
}

// =============================================================================
// Bidirectional Message Types
// =============================================================================

// PingData contains ping information
type PingData struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"ts"`
}

// PongData contains pong response
type PongData struct {
	ID        string `json:"id"`
	PingTS    int64  `json:"ping_ts"`
	PongTS    int64  `json:"pong_ts"`
	LatencyMs int64  `json:"latency_ms"`
}
