// Package config loads the player's settings from an optional YAML file,
// then applies environment overrides and defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/zsiec/prism-player/internal/render"
	"github.com/zsiec/prism-player/internal/surface"
)

// Defaults.
const (
	DefaultFFmpegBin   = "ffmpeg"
	DefaultRingWindow  = 100 * time.Millisecond
	DefaultAudioPeriod = 10 * time.Millisecond
	DefaultRefreshRate = 60
	DefaultWidth       = 1280
	DefaultHeight      = 720
)

// Validation errors.
var (
	ErrMissingCatalog = errors.New("catalog path is required")
	ErrInvalid        = errors.New("invalid value")
)

// Config is the player's runtime configuration.
type Config struct {
	Catalog     string `yaml:"catalog"`
	SegmentDir  string `yaml:"segmentDir"`
	Snapshot    string `yaml:"snapshot"`
	MetricsAddr string `yaml:"metricsAddr"`
	FFmpegBin   string `yaml:"ffmpegBin"`
	// AudioOut is a file receiving f32le PCM, or "-" for stdout. Empty
	// discards audio.
	AudioOut string `yaml:"audioOut"`
	Debug    bool   `yaml:"debug"`

	MaxPending  int           `yaml:"maxPending"`
	RefreshRate float64       `yaml:"refreshRate"`
	RingWindow  time.Duration `yaml:"ringWindow"`
	AudioPeriod time.Duration `yaml:"audioPeriod"`
	Scaler      string        `yaml:"scaler"`
	Width       int           `yaml:"width"`
	Height      int           `yaml:"height"`
	// Drain plays out queued segments on exit instead of abandoning them.
	Drain bool `yaml:"drain"`
	// Burst feeds recorded segments as fast as the backend accepts them
	// instead of at their capture pace. Most frames are then dropped at
	// the admission ceiling, which makes it a stress mode.
	Burst bool `yaml:"burst"`
}

// Load reads path (skipped when empty), applies overrides from getenv and
// fills defaults.
func Load(path string, getenv func(string) string) (*Config, error) {
	var data []byte
	if path != "" {
		var err error
		if data, err = os.ReadFile(path); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if err := cfg.applyEnv(getenv); err != nil {
		return nil, err
	}
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML without applying defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	if getenv == nil {
		return nil
	}
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	str("CATALOG", &c.Catalog)
	str("SEGMENT_DIR", &c.SegmentDir)
	str("SNAPSHOT", &c.Snapshot)
	str("METRICS_ADDR", &c.MetricsAddr)
	str("FFMPEG", &c.FFmpegBin)
	str("AUDIO_OUT", &c.AudioOut)
	if getenv("DEBUG") != "" {
		c.Debug = true
	}
	if getenv("BURST") != "" {
		c.Burst = true
	}
	if v := getenv("MAX_PENDING"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MAX_PENDING %q: %w", v, ErrInvalid)
		}
		c.MaxPending = n
	}
	if v := getenv("RING_WINDOW"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("RING_WINDOW %q: %w", v, ErrInvalid)
		}
		c.RingWindow = d
	}
	return nil
}

func (c *Config) setDefaults() {
	if c.FFmpegBin == "" {
		c.FFmpegBin = DefaultFFmpegBin
	}
	if c.MaxPending == 0 {
		c.MaxPending = render.DefaultMaxPending
	}
	if c.RefreshRate == 0 {
		c.RefreshRate = DefaultRefreshRate
	}
	if c.RingWindow == 0 {
		c.RingWindow = DefaultRingWindow
	}
	if c.AudioPeriod == 0 {
		c.AudioPeriod = DefaultAudioPeriod
	}
	if c.Width == 0 {
		c.Width = DefaultWidth
	}
	if c.Height == 0 {
		c.Height = DefaultHeight
	}
}

// Validate checks a loaded config.
func (c *Config) Validate() error {
	if c.Catalog == "" {
		return ErrMissingCatalog
	}
	if c.MaxPending < 1 {
		return fmt.Errorf("maxPending %d: %w", c.MaxPending, ErrInvalid)
	}
	if c.RefreshRate <= 0 {
		return fmt.Errorf("refreshRate %v: %w", c.RefreshRate, ErrInvalid)
	}
	if c.RingWindow <= 0 {
		return fmt.Errorf("ringWindow %v: %w", c.RingWindow, ErrInvalid)
	}
	if c.Width < 1 || c.Height < 1 {
		return fmt.Errorf("size %dx%d: %w", c.Width, c.Height, ErrInvalid)
	}
	if _, err := surface.ScalerByName(c.Scaler); err != nil {
		return fmt.Errorf("scaler %q: %w", c.Scaler, ErrInvalid)
	}
	return nil
}

// RefreshInterval is the presentation tick derived from RefreshRate.
func (c *Config) RefreshInterval() time.Duration {
	return time.Duration(float64(time.Second) / c.RefreshRate)
}
