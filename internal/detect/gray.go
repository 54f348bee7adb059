package detect

import (
	"image"

	"golang.org/x/image/draw"
)

// Grayscale returns a tightly packed gray copy of img with its origin at
// (0,0). An already packed *image.Gray is returned as is.
func Grayscale(img image.Image) *image.Gray {
	bounds := img.Bounds()
	if g, ok := img.(*image.Gray); ok && g.Rect.Min == (image.Point{}) && g.Stride == bounds.Dx() {
		return g
	}

	gray := image.NewGray(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(gray, gray.Bounds(), img, bounds.Min, draw.Src)
	return gray
}
