// Package cache keeps the aligned frames of a run on disk next to a YAML
// manifest describing how each one was produced.
package cache

import (
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ivlev/eyelapse/internal/align"
)

const ManifestName = "manifest.yaml"

// Manifest records one run
type Manifest struct {
	Version   string    `yaml:"version"`
	RunID     string    `yaml:"run_id"`
	Mode      string    `yaml:"mode"`
	Created   time.Time `yaml:"created"`
	Reference int       `yaml:"reference"`
	Margins   *Margins  `yaml:"margins,omitempty"`
	Frames    []Frame   `yaml:"frames"`
}

type Margins struct {
	Left   int `yaml:"left"`
	Right  int `yaml:"right"`
	Top    int `yaml:"top"`
	Bottom int `yaml:"bottom"`
}

// Frame is the alignment decision for one source image
type Frame struct {
	ID       int       `yaml:"id"`
	Input    string    `yaml:"input"`
	Output   string    `yaml:"output"`
	Detected bool      `yaml:"detected"`
	Midpoint *Point    `yaml:"midpoint,omitempty"`
	Kind     string    `yaml:"kind"`
	Shift    Point     `yaml:"shift"`
	Crop     Rectangle `yaml:"crop"`
	Fallback bool      `yaml:"fallback,omitempty"`
}

type Point struct {
	X int `yaml:"x"`
	Y int `yaml:"y"`
}

// Rectangle represents a bounding box
type Rectangle struct {
	X int `yaml:"x"`
	Y int `yaml:"y"`
	W int `yaml:"w"`
	H int `yaml:"h"`
}

func rectangle(r image.Rectangle) Rectangle {
	return Rectangle{X: r.Min.X, Y: r.Min.Y, W: r.Dx(), H: r.Dy()}
}

// Writer stores frames under Dir. It is safe for concurrent use.
type Writer struct {
	Dir string

	mu       sync.Mutex
	manifest Manifest
}

// NewWriter creates dir if needed
func NewWriter(dir string, m Manifest) (*Writer, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	m.Frames = nil
	return &Writer{Dir: dir, manifest: m}, nil
}

// FrameName maps a frame to its cached file name. The index keeps names
// unique when inputs share a base name.
func FrameName(index int, input string) string {
	base := filepath.Base(input)
	return fmt.Sprintf("aligned_%04d_%s.png", index, strings.TrimSuffix(base, filepath.Ext(base)))
}

// SetAlignment copies the run-level values of res into the manifest
func (w *Writer) SetAlignment(res align.Result) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.manifest.Reference = res.Reference
	if res.Margins != (align.Margins{}) {
		m := res.Margins
		w.manifest.Margins = &Margins{Left: m.Left, Right: m.Right, Top: m.Top, Bottom: m.Bottom}
	}
}

// Save writes the frame as PNG and records it in the manifest
func (w *Writer) Save(input string, mid image.Point, detected bool, plan align.Plan, frame image.Image) error {
	name := FrameName(plan.Index, input)
	if err := writePNG(filepath.Join(w.Dir, name), frame); err != nil {
		return err
	}

	f := Frame{
		ID:       plan.Index,
		Input:    input,
		Output:   name,
		Detected: detected,
		Kind:     plan.Kind.String(),
		Shift:    Point{X: plan.Shift.X, Y: plan.Shift.Y},
		Crop:     rectangle(plan.Crop),
		Fallback: plan.Fallback,
	}
	if detected {
		f.Midpoint = &Point{X: mid.X, Y: mid.Y}
	}

	w.mu.Lock()
	w.manifest.Frames = append(w.manifest.Frames, f)
	w.mu.Unlock()
	return nil
}

// Close writes the manifest
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return WriteManifest(&w.manifest, filepath.Join(w.Dir, ManifestName))
}

func writePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := enc.Encode(f, img); err != nil {
		f.Close()
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return f.Close()
}

// WriteManifest writes a manifest to a YAML file
func WriteManifest(m *Manifest, path string) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// ReadManifest reads a manifest from a YAML file
func ReadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, err
	}

	return &m, nil
}
