package camera

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Manager holds the current camera constraints and handles updates.
// The session reads Config() each time it acquires a stream, so updates
// take effect on the next StartLiveCamera.
type Manager struct {
	config Config
	mu     sync.RWMutex

	// Callback when config changes
	OnConfigChange func(cfg Config) error
}

// NewManager creates a new camera manager with default config.
func NewManager() *Manager {
	return &Manager{
		config: DefaultConfig(),
	}
}

// NewManagerWithConfig creates a manager seeded with cfg.
func NewManagerWithConfig(cfg Config) (*Manager, error) {
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("validation failed: %v", errs)
	}
	return &Manager{config: cfg}, nil
}

// Config returns the current camera configuration.
func (m *Manager) Config() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// SetConfig replaces the camera configuration.
func (m *Manager) SetConfig(cfg Config) error {
	if errs := cfg.Validate(); len(errs) > 0 {
		return fmt.Errorf("validation failed: %v", errs)
	}

	m.mu.Lock()
	m.config = cfg
	callback := m.OnConfigChange
	m.mu.Unlock()

	if callback != nil {
		if err := callback(cfg); err != nil {
			return fmt.Errorf("failed to apply config: %w", err)
		}
	}

	return nil
}

// UpdateConfig updates specific fields of the configuration.
// Accepts a map of field names to values; a "preset" key is applied first.
func (m *Manager) UpdateConfig(params map[string]interface{}) error {
	cfg := m.Config()

	if presetName, ok := params["preset"].(string); ok {
		preset := GetPreset(presetName)
		if preset == nil {
			return fmt.Errorf("unknown preset: %s", presetName)
		}
		cfg = *preset
	}

	for key, value := range params {
		switch key {
		case "width":
			if v, ok := toInt(value); ok {
				cfg.Width = v
			}
		case "height":
			if v, ok := toInt(value); ok {
				cfg.Height = v
			}
		case "framerate":
			if v, ok := toInt(value); ok {
				cfg.Framerate = v
			}
		case "quality":
			if v, ok := toInt(value); ok {
				cfg.Quality = v
			}
		case "facing":
			if v, ok := value.(string); ok {
				cfg.Facing = Facing(v)
			}
		case "device_id":
			if v, ok := value.(string); ok {
				cfg.DeviceID = v
			}
		case "af_mode":
			if v, ok := value.(string); ok {
				cfg.AfMode = v
			}
		}
	}

	return m.SetConfig(cfg)
}

// ConfigJSON returns the current config as a map for JSON serialization.
func (m *Manager) ConfigJSON() map[string]interface{} {
	data, _ := json.Marshal(m.Config())
	var result map[string]interface{}
	_ = json.Unmarshal(data, &result)
	return result
}

func toInt(v interface{}) (int, bool) {
	switch val := v.(type) {
	case int:
		return val, true
	case int64:
		return int(val), true
	case float64:
		return int(val), true
	case json.Number:
		i, err := val.Int64()
		if err == nil {
			return int(i), true
		}
	}
	return 0, false
}
