package detect

import "image"

// Rect is an axis-aligned detection box in pixel coordinates
type Rect struct {
	X, Y, W, H int
}

func (r Rect) Area() int {
	return r.W * r.H
}

// Center uses integer halves, so odd sizes round toward the origin
func (r Rect) Center() image.Point {
	return image.Point{X: r.X + r.W/2, Y: r.Y + r.H/2}
}

// Offset translates the box by the given origin
func (r Rect) Offset(x, y int) Rect {
	return Rect{X: r.X + x, Y: r.Y + y, W: r.W, H: r.H}
}

// Detector finds faces in a grayscale image and eyes within a face.
// Eye boxes are relative to the face box origin. An empty slice means
// nothing was found and is not an error.
type Detector interface {
	DetectFaces(gray *image.Gray) []Rect
	DetectEyes(gray *image.Gray, face Rect) []Rect
}
