package effects

import (
	"fmt"
	"strings"
)

// FilterParams describes the frames going into ffmpeg and the canvas wanted
// out of it. A zero Width or Height keeps the aligned frame size.
type FilterParams struct {
	FrameWidth  int
	FrameHeight int
	Width       int
	Height      int
}

// Effect builds one -vf chain for the whole stream
type Effect interface {
	GenerateFilter(p FilterParams) string
}

// New picks the effect for the requested output canvas
func New(p FilterParams) Effect {
	if p.Width > 0 && p.Height > 0 {
		return &FitEffect{}
	}
	return &EvenPadEffect{}
}

// EvenPadEffect keeps the aligned frame size, padding one black row or
// column when needed because yuv420p needs even dimensions.
type EvenPadEffect struct{}

func (e *EvenPadEffect) GenerateFilter(p FilterParams) string {
	if p.FrameWidth > 0 && p.FrameHeight > 0 && p.FrameWidth%2 == 0 && p.FrameHeight%2 == 0 {
		return ""
	}
	return "pad=ceil(iw/2)*2:ceil(ih/2)*2:0:0:black"
}

// FitEffect scales frames into the preset canvas keeping the aspect ratio,
// letterboxing the rest.
type FitEffect struct{}

func (e *FitEffect) GenerateFilter(p FilterParams) string {
	w, h := even(p.Width), even(p.Height)
	parts := []string{
		fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease:flags=lanczos", w, h),
		fmt.Sprintf("pad=%d:%d:(ow-iw)/2:(oh-ih)/2:black", w, h),
		"setsar=1",
	}
	return strings.Join(parts, ",")
}

func even(n int) int {
	if n%2 != 0 {
		return n + 1
	}
	return n
}
