package align

import (
	"fmt"
	"image"
)

// Margins are the smallest midpoint-to-edge distances over all images with
// a detected midpoint.
type Margins struct {
	Left, Right, Top, Bottom int
}

// Size is the largest window that fits around every midpoint
func (m Margins) Size() image.Point {
	return image.Pt(m.Left+m.Right, m.Top+m.Bottom)
}

// FoldMargins reduces the detected samples to their minimal margins. The
// second result is how many samples contributed.
func FoldMargins(samples []Sample) (Margins, int) {
	var m Margins
	n := 0
	for _, s := range samples {
		if !s.Midpoint.Detected {
			continue
		}
		p := s.Midpoint.Point
		cur := Margins{Left: p.X, Right: s.Width - p.X, Top: p.Y, Bottom: s.Height - p.Y}
		if n == 0 {
			m = cur
		} else {
			m = Margins{
				Left:   min(m.Left, cur.Left),
				Right:  min(m.Right, cur.Right),
				Top:    min(m.Top, cur.Top),
				Bottom: min(m.Bottom, cur.Bottom),
			}
		}
		n++
	}
	return m, n
}

// CommonCropAligner cuts the same-sized window around each image's
// midpoint. With fewer than two midpoints it leaves the batch untouched.
// Images without a midpoint get the same window centered on the image.
type CommonCropAligner struct{}

func (CommonCropAligner) Align(samples []Sample) (Result, error) {
	margins, n := FoldMargins(samples)
	if n < 2 {
		return identity(samples), nil
	}

	size := margins.Size()
	if size.X <= 0 || size.Y <= 0 {
		return Result{}, fmt.Errorf("%w: common window %dx%d from margins %+v", ErrDegenerateCrop, size.X, size.Y, margins)
	}

	res := Result{Plans: make([]Plan, len(samples)), Reference: -1, Margins: margins, Detected: n}
	for i, s := range samples {
		if !s.Midpoint.Detected {
			res.Plans[i] = Plan{
				Index:    s.Index,
				Kind:     KindCenterCrop,
				Crop:     centered(s.Width, s.Height, size),
				Fallback: true,
			}
			continue
		}

		p := s.Midpoint.Point
		left := p.X - margins.Left
		top := p.Y - margins.Top
		box := image.Rect(left, top, left+size.X, top+size.Y).Intersect(image.Rect(0, 0, s.Width, s.Height))
		if box.Size() != size {
			return Result{}, fmt.Errorf("%w: image %d box %v does not hold %dx%d", ErrDegenerateCrop, s.Index, box, size.X, size.Y)
		}
		res.Plans[i] = Plan{Index: s.Index, Kind: KindCrop, Crop: box}
	}
	return res, nil
}
