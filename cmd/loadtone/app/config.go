package app

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tautline/loadtone/internal/sonic"
)

// Duration is a time.Duration that unmarshals from YAML strings such as
// "30s" or "500ms". The zero value means "no bound".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		*d = 0
		return nil
	}

	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config represents the main application configuration
type Config struct {
	Settings Settings     `yaml:"settings"`
	Audio    AudioConfig  `yaml:"audio"`
	Device   DeviceConfig `yaml:"device"`
}

// Settings represents global application settings
type Settings struct {
	LogLevel string `yaml:"logLevel"`
}

// Level parses the configured log level.
func (s Settings) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s.LogLevel)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", s.LogLevel, err)
	}
	return level, nil
}

// AudioConfig represents output stream settings
type AudioConfig struct {
	SampleRate int     `yaml:"sampleRate"`
	Channels   int     `yaml:"channels"`
	Format     string  `yaml:"format"`
	Latency    float64 `yaml:"latency"` // seconds
}

// DeviceConfig represents wireless device settings
type DeviceConfig struct {
	Simulate       bool     `yaml:"simulate"`
	Name           string   `yaml:"name"`
	ScanTimeout    Duration `yaml:"scanTimeout"`
	ConnectTimeout Duration `yaml:"connectTimeout"`
	Chime          bool     `yaml:"chime"`
}

// DefaultConfig returns the configuration used when no file is provided:
// stereo 48 kHz float output, an unbounded scan for a device named
// "Progressor", low-battery chime enabled.
func DefaultConfig() *Config {
	return &Config{
		Settings: Settings{
			LogLevel: "info",
		},
		Audio: AudioConfig{
			SampleRate: 48000,
			Channels:   2,
			Format:     sonic.FormatFloat32,
			Latency:    0.05,
		},
		Device: DeviceConfig{
			Name:  "Progressor",
			Chime: true,
		},
	}
}

// LoadConfig reads and validates a YAML configuration file. File values
// override the defaults field by field.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading configuration: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	if _, err := config.Settings.Level(); err != nil {
		return nil, err
	}
	return config, nil
}
