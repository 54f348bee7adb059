package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Inputs       []string        `yaml:"inputs" validate:"required,min=1,dive,required"`
	OutputVideo  string          `yaml:"output" validate:"required"`
	DisplayTime  float64         `yaml:"display_time" validate:"gt=0"` // seconds per image
	Mode         Mode            `yaml:"mode"`
	Reference    ReferencePolicy `yaml:"reference"`
	CropFraction float64         `yaml:"crop_fraction" validate:"gt=0,lte=1"`

	Detector   string `yaml:"detector" validate:"omitempty,oneof=pigo"`
	// CascadeDir holds the pigo "facefinder" and "puploc" files from
	// github.com/esimov/pigo/tree/master/cascade
	CascadeDir string `yaml:"cascade_dir"`
	Workers    int    `yaml:"workers" validate:"gte=0"` // 0 uses every logical CPU
	DPI        int    `yaml:"dpi" validate:"gte=36,lte=1200"`

	FPS          int    `yaml:"fps" validate:"gte=0,lte=120"` // 0 keeps 1/display_time
	Preset       string `yaml:"preset" validate:"omitempty,oneof=16:9 9:16 4:5"`
	Width        int    `yaml:"width" validate:"gte=0"`
	Height       int    `yaml:"height" validate:"gte=0"`
	VideoEncoder string `yaml:"encoder"` // empty or "auto" probes ffmpeg
	Quality      int    `yaml:"quality" validate:"gte=0"`

	Reencode       bool   `yaml:"reencode"`
	ReencodePreset string `yaml:"reencode_preset" validate:"omitempty,oneof=ultrafast superfast veryfast faster fast medium slow slower veryslow"`
	ReencodeCRF    int    `yaml:"reencode_crf" validate:"gte=0,lte=51"`
	Faststart      bool   `yaml:"faststart"`

	CacheDir    string `yaml:"cache_dir"`
	PreviewPath string `yaml:"preview"`

	ShowStats    bool      `yaml:"show_stats"`
	BuildVersion string    `yaml:"-"`
	Log          LogConfig `yaml:"log"`
}

type LogConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=trace debug info warn error"`
	Format string `yaml:"format" validate:"omitempty,oneof=console json"`
}

// Default returns the settings used when neither a config file nor flags
// override them.
func Default() *Config {
	return &Config{
		DisplayTime:    1.0,
		Mode:           ModeNone,
		Reference:      ReferenceFirst,
		CropFraction:   0.9,
		Detector:       "pigo",
		CascadeDir:     "cascade",
		DPI:            150,
		ReencodePreset: "medium",
		ReencodeCRF:    23,
		Faststart:      true,
		Log:            LogConfig{Level: "info", Format: "console"},
	}
}

// Load reads a YAML file over the defaults. An empty path returns defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyPreset resolves the named aspect preset into Width/Height
func (c *Config) ApplyPreset() {
	switch c.Preset {
	case "16:9":
		c.Width, c.Height = 1280, 720
	case "9:16":
		c.Width, c.Height = 720, 1280
	case "4:5":
		c.Width, c.Height = 1080, 1350
	}
}

// OutputFPS is the rate written into the container
func (c *Config) OutputFPS() float64 {
	if c.FPS > 0 {
		return float64(c.FPS)
	}
	return c.InputFPS()
}

// InputFPS is the rate at which source frames are shown: one per DisplayTime
func (c *Config) InputFPS() float64 {
	if c.DisplayTime <= 0 {
		return 0
	}
	return 1.0 / c.DisplayTime
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct constraints and returns one readable error
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s: must satisfy %s=%s (got %v)", fe.Namespace(), fe.Tag(), fe.Param(), fe.Value()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s: %s", fe.Namespace(), fe.Tag()))
		}
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}
