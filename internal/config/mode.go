package config

import (
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrUnsupportedMode is returned for modes that parse but have no algorithm
var ErrUnsupportedMode = errors.New("stabilization mode not supported")

// Mode selects how frames are stabilized before encoding
type Mode int

const (
	ModeNone Mode = iota
	ModeEyeReference
	ModeEyeCommonCrop
	ModeHorizon // reserved, no algorithm
)

var modeNames = map[Mode]string{
	ModeNone:          "none",
	ModeEyeReference:  "eye-reference",
	ModeEyeCommonCrop: "eye-common-crop",
	ModeHorizon:       "horizon",
}

var modeAliases = map[string]Mode{
	"none":            ModeNone,
	"off":             ModeNone,
	"eye":             ModeEyeReference,
	"eye-tracking":    ModeEyeReference,
	"eye-reference":   ModeEyeReference,
	"reference":       ModeEyeReference,
	"eye-common-crop": ModeEyeCommonCrop,
	"common-crop":     ModeEyeCommonCrop,
	"horizon":         ModeHorizon,
}

// ParseMode accepts the canonical names plus a few aliases ("Eye Tracking",
// "common_crop"). Unknown names are an error.
func ParseMode(s string) (Mode, error) {
	key := normalize(s)
	if key == "" {
		return ModeNone, nil
	}
	if m, ok := modeAliases[key]; ok {
		return m, nil
	}
	return ModeNone, fmt.Errorf("unknown stabilization mode %q (want none, eye-reference, eye-common-crop, horizon)", s)
}

func (m Mode) String() string {
	if s, ok := modeNames[m]; ok {
		return s
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// NeedsDetector reports whether the mode runs eye detection
func (m Mode) NeedsDetector() bool {
	return m == ModeEyeReference || m == ModeEyeCommonCrop
}

// Supported returns ErrUnsupportedMode for reserved modes
func (m Mode) Supported() error {
	switch m {
	case ModeNone, ModeEyeReference, ModeEyeCommonCrop:
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedMode, m)
	}
}

func (m Mode) MarshalYAML() (interface{}, error) {
	return m.String(), nil
}

func (m *Mode) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParseMode(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// ReferencePolicy picks the reference image in eye-reference mode
type ReferencePolicy int

const (
	// ReferenceFirst uses image 0; if it has no detection the run passes
	// frames through without translation.
	ReferenceFirst ReferencePolicy = iota
	// ReferenceFirstDetected uses the first image with a detected midpoint.
	ReferenceFirstDetected
)

// ParseReferencePolicy parses "first" or "first-detected"
func ParseReferencePolicy(s string) (ReferencePolicy, error) {
	switch normalize(s) {
	case "", "first":
		return ReferenceFirst, nil
	case "first-detected":
		return ReferenceFirstDetected, nil
	default:
		return ReferenceFirst, fmt.Errorf("unknown reference policy %q (want first, first-detected)", s)
	}
}

func (p ReferencePolicy) String() string {
	if p == ReferenceFirstDetected {
		return "first-detected"
	}
	return "first"
}

func (p ReferencePolicy) MarshalYAML() (interface{}, error) {
	return p.String(), nil
}

func (p *ReferencePolicy) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParseReferencePolicy(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.NewReplacer(" ", "-", "_", "-").Replace(s)
}
