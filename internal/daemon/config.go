package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"pngfs/internal/artifacts"
	"pngfs/internal/vfs"
)

// validate is the singleton validator instance
var validate = validator.New()

// getConfigDir returns the config directory path.
// Uses PNGFS_CONFIG_DIR env var if set, otherwise defaults to ~/.pngfs.
// This is computed dynamically to support test isolation.
func getConfigDir() string {
	if dir := os.Getenv("PNGFS_CONFIG_DIR"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".pngfs")
}

// ConfigDir returns the configuration directory path
func ConfigDir() string {
	return getConfigDir()
}

// GlobalSettingsPath returns the settings file path
func GlobalSettingsPath() string {
	return filepath.Join(getConfigDir(), "settings.yaml")
}

// LockPath returns the lock file guarding an image against a second mount
func LockPath(image string) string {
	return image + ".lock"
}

// EnsureConfigDir creates the config directory if it doesn't exist
func EnsureConfigDir() error {
	return os.MkdirAll(getConfigDir(), 0700)
}

// InitConfigDir creates the config directory and writes the default
// settings file if there is none yet
func InitConfigDir() error {
	if err := EnsureConfigDir(); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	settingsPath := GlobalSettingsPath()
	if _, err := os.Stat(settingsPath); os.IsNotExist(err) {
		if err := os.WriteFile(settingsPath, artifacts.GlobalSettings, 0600); err != nil {
			return fmt.Errorf("failed to create default settings: %w", err)
		}
	}
	return nil
}

// Settings are the tunables shared by every mount
type Settings struct {
	FlushDelay   time.Duration `yaml:"flush_delay" validate:"gte=0s,lte=1h"`
	DeferFlush   bool          `yaml:"defer_flush"`
	LogLevel     string        `yaml:"log_level" validate:"omitempty,oneof=trace debug info warn error none"`
	LogFile      string        `yaml:"log_file"`
	Debug        bool          `yaml:"debug"`
	AllowOther   bool          `yaml:"allow_other"`
	ZeroFillGaps bool          `yaml:"zero_fill_gaps"`
}

// ApplyDefaults normalizes fields that accept several spellings
func (s *Settings) ApplyDefaults() {
	s.LogLevel = strings.ToLower(strings.TrimSpace(s.LogLevel))
}

// LoggingEnabled returns whether logging is enabled (any level other than "none" or empty)
func (s *Settings) LoggingEnabled() bool {
	level := s.Level()
	return level != "" && level != "none"
}

// Level returns the normalized (lowercase) logging level
func (s *Settings) Level() string {
	return strings.ToLower(s.LogLevel)
}

// FSOptions converts the settings into filesystem options
func (s *Settings) FSOptions() vfs.Options {
	return vfs.Options{
		FlushDelay:   s.FlushDelay,
		DeferFlush:   s.DeferFlush,
		ZeroFillGaps: s.ZeroFillGaps,
	}
}

// MountConfig is everything one mount needs
type MountConfig struct {
	Image      string `validate:"required"`
	Mountpoint string `validate:"required"`
	Settings
}

// loadDefaultSettings parses default settings from embedded artifact.
func loadDefaultSettings() Settings {
	var settings Settings
	if err := yaml.Unmarshal(artifacts.GlobalSettings, &settings); err != nil {
		panic("failed to parse embedded settings: " + err.Error())
	}
	return settings
}

// LoadSettings reads the settings file. Keys missing from the file keep
// their embedded defaults; a missing file yields the defaults.
func LoadSettings() (*Settings, error) {
	return LoadSettingsFromPath(GlobalSettingsPath())
}

// LoadSettingsFromPath reads settings from a specific file
func LoadSettingsFromPath(path string) (*Settings, error) {
	settings := loadDefaultSettings()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &settings, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, &settings); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	settings.ApplyDefaults()
	if err := Validate(&settings); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &settings, nil
}

// SaveSettings writes the settings file
func SaveSettings(settings *Settings) error {
	if err := Validate(settings); err != nil {
		return err
	}
	if err := EnsureConfigDir(); err != nil {
		return err
	}
	data, err := yaml.Marshal(settings)
	if err != nil {
		return err
	}
	header := []byte("# pngfs settings\n# See: pngfs settings --help\n\n")
	return os.WriteFile(GlobalSettingsPath(), append(header, data...), 0600)
}

// Validate checks a Settings or MountConfig against its struct tags
func Validate(cfg any) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}
	return nil
}

// formatValidationError converts validator errors into user-friendly messages.
func formatValidationError(err error) error {
	if validationErrs, ok := err.(validator.ValidationErrors); ok && len(validationErrs) > 0 {
		e := validationErrs[0]
		return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)", e.Namespace(), e.Tag(), e.Value())
	}
	return err
}
