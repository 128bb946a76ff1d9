package camera

// Preset names for common configurations
const (
	PresetDefault  = "default"
	PresetDocument = "document"
	PresetLegacy   = "legacy"
	Preset720p     = "720p"
	Preset1080p    = "1080p"
)

// Presets returns all available preset configurations.
func Presets() map[string]Config {
	return map[string]Config{
		PresetDefault:  DefaultConfig(),
		PresetDocument: DocumentConfig(),
		PresetLegacy:   LegacyConfig(),
		Preset720p:     HD720Config(),
		Preset1080p:    DefaultConfig(),
	}
}

// PresetNames returns the list of available preset names.
func PresetNames() []string {
	return []string{
		PresetDefault,
		PresetDocument,
		PresetLegacy,
		Preset720p,
		Preset1080p,
	}
}

// GetPreset returns a preset config by name, or nil if not found.
func GetPreset(name string) *Config {
	if cfg, ok := Presets()[name]; ok {
		return &cfg
	}
	return nil
}

// DocumentConfig returns a 4:3 high resolution configuration. Paper is
// closer to 4:3 than 16:9, so the center square keeps more of the page.
func DocumentConfig() Config {
	cfg := DefaultConfig()
	cfg.Width = 2560
	cfg.Height = 1920
	cfg.Framerate = 15
	cfg.Quality = 90
	cfg.AfMode = "auto"
	return cfg
}

// LegacyConfig returns a 640x480 configuration for devices that cannot
// sustain higher resolutions.
func LegacyConfig() Config {
	cfg := DefaultConfig()
	cfg.Width = 640
	cfg.Height = 480
	return cfg
}

// HD720Config returns 720p HD configuration.
func HD720Config() Config {
	cfg := DefaultConfig()
	cfg.Width = 1280
	cfg.Height = 720
	return cfg
}
