package align

import (
	"fmt"
	"image"
)

// DefaultFraction is the share of width and height kept after shifting
const DefaultFraction = 0.9

// ReferenceAligner shifts every image so its midpoint lands on the
// reference midpoint, then keeps the central Fraction of each frame.
type ReferenceAligner struct {
	Fraction float64
	// FirstDetected picks the first image with a midpoint as reference
	// instead of image 0.
	FirstDetected bool
}

func (a ReferenceAligner) Align(samples []Sample) (Result, error) {
	fraction := a.Fraction
	if fraction <= 0 || fraction > 1 {
		fraction = DefaultFraction
	}

	res := Result{Plans: make([]Plan, len(samples)), Reference: a.reference(samples), Detected: countDetected(samples)}

	var ref image.Point
	haveRef := res.Reference >= 0
	if haveRef {
		ref = samples[res.Reference].Midpoint.Point
	}

	for i, s := range samples {
		size := image.Pt(int(float64(s.Width)*fraction), int(float64(s.Height)*fraction))
		if size.X <= 0 || size.Y <= 0 {
			return Result{}, fmt.Errorf("%w: image %d (%dx%d) at fraction %.2f", ErrDegenerateCrop, s.Index, s.Width, s.Height, fraction)
		}

		plan := Plan{
			Index: s.Index,
			Kind:  KindShift,
			Crop:  centered(s.Width, s.Height, size),
		}
		if haveRef && s.Midpoint.Detected {
			plan.Shift = ref.Sub(s.Midpoint.Point)
		} else {
			plan.Fallback = true
		}
		res.Plans[i] = plan
	}
	return res, nil
}

func (a ReferenceAligner) reference(samples []Sample) int {
	if len(samples) == 0 {
		return -1
	}
	if !a.FirstDetected {
		if samples[0].Midpoint.Detected {
			return 0
		}
		return -1
	}
	for i, s := range samples {
		if s.Midpoint.Detected {
			return i
		}
	}
	return -1
}
