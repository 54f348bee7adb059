package detect

import (
	"fmt"
	"image"
	"os"
	"path/filepath"

	pigo "github.com/esimov/pigo/core"
)

const (
	faceCascadeFile   = "facefinder"
	puplocCascadeFile = "puploc"
)

// PigoDetector finds faces with the pigo face cascade and eyes with the
// pupil localization cascade. Both cascades are unpacked once and only
// read afterwards, so one detector can serve concurrent callers.
type PigoDetector struct {
	face   *pigo.Pigo
	puploc *pigo.PuplocCascade

	MinSize          int
	MaxSize          int
	ShiftFactor      float64
	ScaleFactor      float64
	IoUThreshold     float64
	QualityThreshold float32
	Perturbs         int
}

// NewPigoDetector loads facefinder and puploc from dir
func NewPigoDetector(dir string) (*PigoDetector, error) {
	faceData, err := os.ReadFile(filepath.Join(dir, faceCascadeFile))
	if err != nil {
		return nil, fmt.Errorf("read face cascade: %w", err)
	}
	face, err := pigo.NewPigo().Unpack(faceData)
	if err != nil {
		return nil, fmt.Errorf("unpack face cascade: %w", err)
	}

	pupData, err := os.ReadFile(filepath.Join(dir, puplocCascadeFile))
	if err != nil {
		return nil, fmt.Errorf("read puploc cascade: %w", err)
	}
	puploc, err := pigo.NewPuplocCascade().UnpackCascade(pupData)
	if err != nil {
		return nil, fmt.Errorf("unpack puploc cascade: %w", err)
	}

	return &PigoDetector{
		face:             face,
		puploc:           puploc,
		MinSize:          40,
		MaxSize:          2000,
		ShiftFactor:      0.1,
		ScaleFactor:      1.1,
		IoUThreshold:     0.2,
		QualityThreshold: 5.0,
		Perturbs:         63,
	}, nil
}

func (d *PigoDetector) imageParams(gray *image.Gray) pigo.ImageParams {
	gray = Grayscale(gray)
	b := gray.Bounds()
	return pigo.ImageParams{
		Pixels: gray.Pix,
		Rows:   b.Dy(),
		Cols:   b.Dx(),
		Dim:    b.Dx(),
	}
}

// DetectFaces returns square face boxes in cluster order
func (d *PigoDetector) DetectFaces(gray *image.Gray) []Rect {
	params := pigo.CascadeParams{
		MinSize:     d.MinSize,
		MaxSize:     d.MaxSize,
		ShiftFactor: d.ShiftFactor,
		ScaleFactor: d.ScaleFactor,
		ImageParams: d.imageParams(gray),
	}

	dets := d.face.RunCascade(params, 0.0)
	dets = d.face.ClusterDetections(dets, d.IoUThreshold)

	faces := make([]Rect, 0, len(dets))
	for _, det := range dets {
		if det.Q < d.QualityThreshold {
			continue
		}
		// Row/Col is the box center, Scale its side
		faces = append(faces, Rect{
			X: det.Col - det.Scale/2,
			Y: det.Row - det.Scale/2,
			W: det.Scale,
			H: det.Scale,
		})
	}
	return faces
}

// DetectEyes localizes the left then the right pupil inside face and
// returns a box around each pupil found, relative to the face origin.
func (d *PigoDetector) DetectEyes(gray *image.Gray, face Rect) []Rect {
	if face.W <= 0 || face.H <= 0 {
		return nil
	}
	params := d.imageParams(gray)

	center := face.Center()
	scale := float32(face.W)
	seeds := []pigo.Puploc{
		{
			Row:      center.Y - int(0.075*scale),
			Col:      center.X - int(0.175*scale),
			Scale:    scale * 0.25,
			Perturbs: d.Perturbs,
		},
		{
			Row:      center.Y - int(0.075*scale),
			Col:      center.X + int(0.175*scale),
			Scale:    scale * 0.25,
			Perturbs: d.Perturbs,
		},
	}

	faceBox := image.Rect(face.X, face.Y, face.X+face.W, face.Y+face.H)
	var eyes []Rect
	for _, seed := range seeds {
		pupil := d.puploc.RunDetector(seed, params, 0.0, false)
		if pupil == nil || pupil.Row <= 0 || pupil.Col <= 0 {
			continue
		}
		if !(image.Point{X: pupil.Col, Y: pupil.Row}).In(faceBox) {
			continue
		}

		side := int(pupil.Scale)
		if side < 2 {
			side = 2
		}
		eye := Rect{X: pupil.Col - side/2, Y: pupil.Row - side/2, W: side, H: side}
		eyes = append(eyes, eye.Offset(-face.X, -face.Y))
	}
	return eyes
}
