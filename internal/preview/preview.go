// Package preview renders a contact sheet of aligned frames so a run can
// be checked at a glance without playing the video.
package preview

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"sync"

	"golang.org/x/image/draw"
)

const (
	ThumbSize = 100
	Columns   = 4
	Padding   = 10
)

var background = color.RGBA{R: 32, G: 32, B: 32, A: 255}

// Sheet is a grid of thumbnails, filled one frame at a time
type Sheet struct {
	mu     sync.Mutex
	canvas *image.RGBA
	count  int
}

// NewSheet sizes the canvas for n frames
func NewSheet(n int) *Sheet {
	if n < 1 {
		n = 1
	}
	cols := min(n, Columns)
	rows := (n + Columns - 1) / Columns
	cell := ThumbSize + 2*Padding

	canvas := image.NewRGBA(image.Rect(0, 0, cols*cell, rows*cell))
	draw.Draw(canvas, canvas.Bounds(), image.NewUniform(background), image.Point{}, draw.Src)
	return &Sheet{canvas: canvas, count: n}
}

// Fit scales size down into a box x box square keeping the aspect ratio.
// Sizes that already fit are returned as they are.
func Fit(size image.Point, box int) image.Point {
	if size.X <= box && size.Y <= box {
		return size
	}
	if size.X >= size.Y {
		return image.Pt(box, max(1, size.Y*box/size.X))
	}
	return image.Pt(max(1, size.X*box/size.Y), box)
}

// Add draws frame i into its cell, centered
func (s *Sheet) Add(i int, frame image.Image) error {
	if i < 0 || i >= s.count {
		return fmt.Errorf("preview cell %d out of range [0,%d)", i, s.count)
	}

	cell := ThumbSize + 2*Padding
	origin := image.Pt((i%Columns)*cell+Padding, (i/Columns)*cell+Padding)

	size := Fit(frame.Bounds().Size(), ThumbSize)
	off := image.Pt((ThumbSize-size.X)/2, (ThumbSize-size.Y)/2)
	dst := image.Rectangle{Min: origin.Add(off), Max: origin.Add(off).Add(size)}

	s.mu.Lock()
	defer s.mu.Unlock()
	draw.CatmullRom.Scale(s.canvas, dst, frame, frame.Bounds(), draw.Src, nil)
	return nil
}

// Image returns the canvas
func (s *Sheet) Image() *image.RGBA {
	return s.canvas
}

// Save writes the sheet as PNG
func (s *Sheet) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	err = png.Encode(f, s.canvas)
	s.mu.Unlock()
	if err != nil {
		f.Close()
		return fmt.Errorf("encode preview: %w", err)
	}
	return f.Close()
}
