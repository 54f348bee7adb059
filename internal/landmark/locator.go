// Package landmark reduces detector output to one eye midpoint per image.
package landmark

import (
	"fmt"
	"image"
	"sort"

	"github.com/ivlev/eyelapse/internal/detect"
)

// Midpoint is the point between the two dominant eyes of an image, or the
// zero value when fewer than two eyes were found.
type Midpoint struct {
	Point    image.Point
	Detected bool
}

// Undetected is the sentinel for images without a usable eye pair
var Undetected = Midpoint{}

// At builds a detected midpoint
func At(x, y int) Midpoint {
	return Midpoint{Point: image.Point{X: x, Y: y}, Detected: true}
}

func (m Midpoint) String() string {
	if !m.Detected {
		return "undetected"
	}
	return fmt.Sprintf("(%d,%d)", m.Point.X, m.Point.Y)
}

// Locate runs face detection, then eye detection inside every face, and
// reduces all eyes found to a single midpoint. Coordinates are relative to
// the image's top-left corner.
func Locate(det detect.Detector, img image.Image) Midpoint {
	return FromEyes(Eyes(det, detect.Grayscale(img)))
}

// Eyes collects eye boxes from every face in detector order, translated
// into image space.
func Eyes(det detect.Detector, gray *image.Gray) []detect.Rect {
	var eyes []detect.Rect
	for _, face := range det.DetectFaces(gray) {
		for _, eye := range det.DetectEyes(gray, face) {
			eyes = append(eyes, eye.Offset(face.X, face.Y))
		}
	}
	return eyes
}

// FromEyes picks the two largest boxes (ties keep input order) and returns
// the floored mean of their centers.
func FromEyes(eyes []detect.Rect) Midpoint {
	if len(eyes) < 2 {
		return Undetected
	}

	ranked := make([]detect.Rect, len(eyes))
	copy(ranked, eyes)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Area() > ranked[j].Area()
	})

	a, b := ranked[0].Center(), ranked[1].Center()
	return At(floorHalf(a.X+b.X), floorHalf(a.Y+b.Y))
}

func floorHalf(v int) int {
	if v < 0 {
		return -((-v + 1) / 2)
	}
	return v / 2
}
