package align

import (
	"image"
	"image/color"

	"golang.org/x/image/draw"
)

// Allocator hands out a frame buffer; every pixel of it gets overwritten
type Allocator func(r image.Rectangle) *image.RGBA

// Background fills area exposed by a shift or padding
var Background = color.RGBA{A: 255}

// Render produces the frame for img according to p. The result always has
// its origin at (0,0); img is never modified.
func Render(img image.Image, p Plan, alloc Allocator) *image.RGBA {
	b := img.Bounds()
	switch p.Kind {
	case KindShift:
		// out(u,v) = src(u+crop.x-dx, v+crop.y-dy)
		return extract(img, p.Crop.Sub(p.Shift).Add(b.Min), alloc)
	case KindCrop, KindCenterCrop:
		return extract(img, p.Crop.Add(b.Min), alloc)
	default:
		return extract(img, b, alloc)
	}
}

// Conform center-crops or pads frame to size. Frames already at size are
// returned unchanged.
func Conform(frame *image.RGBA, size image.Point, alloc Allocator) *image.RGBA {
	b := frame.Bounds()
	if b.Size() == size {
		return frame
	}
	return extract(frame, centered(b.Dx(), b.Dy(), size).Add(b.Min), alloc)
}

// extract copies the r region of img into a new frame, filling whatever
// falls outside img with Background.
func extract(img image.Image, r image.Rectangle, alloc Allocator) *image.RGBA {
	if alloc == nil {
		alloc = image.NewRGBA
	}
	dst := alloc(image.Rect(0, 0, r.Dx(), r.Dy()))

	inter := r.Intersect(img.Bounds())
	if inter.Size() != r.Size() {
		draw.Draw(dst, dst.Bounds(), image.NewUniform(Background), image.Point{}, draw.Src)
	}
	if !inter.Empty() {
		draw.Draw(dst, inter.Sub(r.Min), img, inter.Min, draw.Src)
	}
	return dst
}
