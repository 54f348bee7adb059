// Package align computes per-frame alignment plans from eye midpoints and
// renders frames from them.
package align

import (
	"errors"
	"fmt"
	"image"

	"github.com/ivlev/eyelapse/internal/landmark"
)

// ErrDegenerateCrop is returned when a computed crop has no area
var ErrDegenerateCrop = errors.New("degenerate crop box")

// Sample is what planning needs to know about one source image
type Sample struct {
	Index    int
	Width    int
	Height   int
	Midpoint landmark.Midpoint
}

// Kind tells Render how to produce a frame from its source image
type Kind int

const (
	KindIdentity   Kind = iota // source pixels as they are
	KindShift                  // translate by Shift, then cut Crop
	KindCrop                   // cut Crop around the midpoint
	KindCenterCrop             // cut a centered Crop, padding if the image is smaller
)

func (k Kind) String() string {
	switch k {
	case KindIdentity:
		return "identity"
	case KindShift:
		return "shift"
	case KindCrop:
		return "crop"
	case KindCenterCrop:
		return "center-crop"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Plan is the immutable alignment decision for one image. Crop is in the
// source image's coordinates with the origin at its top-left corner.
type Plan struct {
	Index    int
	Kind     Kind
	Shift    image.Point
	Crop     image.Rectangle
	Fallback bool // no usable midpoint, handled by the fallback policy
}

// Size is the frame size the plan renders, given the source size for
// identity plans.
func (p Plan) Size(src image.Point) image.Point {
	if p.Kind == KindIdentity {
		return src
	}
	return p.Crop.Size()
}

// Result bundles the plans of a run with the values they were derived from
type Result struct {
	Plans     []Plan
	Reference int     // index of the reference image, -1 when none
	Margins   Margins // common-crop minima, zero otherwise
	Detected  int
}

// Aligner turns samples into one plan per sample, in the same order
type Aligner interface {
	Align(samples []Sample) (Result, error)
}

// PassThrough leaves every frame untouched
type PassThrough struct{}

func (PassThrough) Align(samples []Sample) (Result, error) {
	return identity(samples), nil
}

func identity(samples []Sample) Result {
	res := Result{Plans: make([]Plan, len(samples)), Reference: -1, Detected: countDetected(samples)}
	for i, s := range samples {
		res.Plans[i] = Plan{Index: s.Index, Kind: KindIdentity, Fallback: !s.Midpoint.Detected}
	}
	return res
}

func countDetected(samples []Sample) int {
	n := 0
	for _, s := range samples {
		if s.Midpoint.Detected {
			n++
		}
	}
	return n
}

// centered returns a size-sized box centered in a w x h image. The box
// extends past the image when the image is smaller.
func centered(w, h int, size image.Point) image.Rectangle {
	left := (w - size.X) / 2
	top := (h - size.Y) / 2
	return image.Rect(left, top, left+size.X, top+size.Y)
}
