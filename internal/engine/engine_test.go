package engine

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/ivlev/eyelapse/internal/align"
	"github.com/ivlev/eyelapse/internal/cache"
	"github.com/ivlev/eyelapse/internal/config"
	"github.com/ivlev/eyelapse/internal/detect"
	"github.com/ivlev/eyelapse/internal/logger"
	"github.com/ivlev/eyelapse/internal/video"
)

// memSource serves synthetic images. Pixel (0,0) holds the image's gray id
// so the stub detector can tell images apart.
type memSource struct {
	images []*image.RGBA
	loads  atomic.Int32
}

func newMemSource(sizes ...image.Point) *memSource {
	s := &memSource{}
	for i, size := range sizes {
		img := image.NewRGBA(image.Rect(0, 0, size.X, size.Y))
		for y := 0; y < size.Y; y++ {
			for x := 0; x < size.X; x++ {
				img.SetRGBA(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: uint8(i * 40), A: 255})
			}
		}
		id := uint8(i + 1)
		img.SetRGBA(0, 0, color.RGBA{R: id, G: id, B: id, A: 255})
		s.images = append(s.images, img)
	}
	return s
}

func (s *memSource) Count() int        { return len(s.images) }
func (s *memSource) Name(i int) string { return fmt.Sprintf("img%02d.png", i) }
func (s *memSource) Close() error      { return nil }
func (s *memSource) Load(i int) (image.Image, error) {
	s.loads.Add(1)
	return s.images[i], nil
}
func (s *memSource) Dimensions(i int) (int, int, error) {
	b := s.images[i].Bounds()
	return b.Dx(), b.Dy(), nil
}

// brokenSource fails to read one image
type brokenSource struct {
	*memSource
	bad int
}

func (s *brokenSource) Dimensions(i int) (int, int, error) {
	if i == s.bad {
		return 0, 0, errors.New("unreadable")
	}
	return s.memSource.Dimensions(i)
}

func (s *brokenSource) Load(i int) (image.Image, error) {
	if i == s.bad {
		return nil, errors.New("unreadable")
	}
	return s.memSource.Load(i)
}

// stubDetector reports one face covering the image and two eyes around
// the midpoint registered for the image's id.
type stubDetector struct {
	mids map[uint8]image.Point
}

func (d *stubDetector) DetectFaces(img *image.Gray) []detect.Rect {
	if _, ok := d.mids[img.GrayAt(0, 0).Y]; !ok {
		return nil
	}
	b := img.Bounds()
	return []detect.Rect{{X: 0, Y: 0, W: b.Dx(), H: b.Dy()}}
}

func (d *stubDetector) DetectEyes(img *image.Gray, face detect.Rect) []detect.Rect {
	m := d.mids[img.GrayAt(0, 0).Y]
	return []detect.Rect{
		{X: m.X - 12, Y: m.Y - 2, W: 4, H: 4},
		{X: m.X + 8, Y: m.Y - 2, W: 4, H: 4},
	}
}

// memEncoder keeps copies of every frame it receives
type memEncoder struct {
	params    video.StreamParams
	frames    []*image.RGBA
	failAt    int // 1-based frame number that fails, 0 never
	reencoded bool
	opened    bool
	aborted   bool
}

func (e *memEncoder) Open(ctx context.Context, p video.StreamParams) (video.Sink, error) {
	e.opened = true
	e.params = p
	if err := os.WriteFile(p.Path, []byte("partial"), 0644); err != nil {
		return nil, err
	}
	return &memSink{enc: e, size: p.Size}, nil
}

func (e *memEncoder) Reencode(ctx context.Context, src, dst string, p video.ReencodeParams) error {
	e.reencoded = true
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0644)
}

type memSink struct {
	enc  *memEncoder
	size image.Point
}

func (s *memSink) WriteFrame(img image.Image) error {
	if img.Bounds().Size() != s.size {
		return video.ErrFrameSize
	}
	if s.enc.failAt == len(s.enc.frames)+1 {
		return errors.New("encoder crashed")
	}
	cp := image.NewRGBA(image.Rect(0, 0, s.size.X, s.size.Y))
	copy(cp.Pix, img.(*image.RGBA).Pix)
	s.enc.frames = append(s.enc.frames, cp)
	return nil
}

func (s *memSink) Close() error { return nil }
func (s *memSink) Abort()       { s.enc.aborted = true }

func newTestPipeline(t *testing.T, mode config.Mode, src *memSource, enc *memEncoder, mids map[uint8]image.Point) (*Pipeline, *int) {
	t.Helper()
	cfg := config.Default()
	cfg.Mode = mode
	cfg.Workers = 2
	cfg.OutputVideo = filepath.Join(t.TempDir(), "out.mp4")

	calls := 0
	factory := func() (detect.Detector, error) {
		calls++
		return &stubDetector{mids: mids}, nil
	}
	return NewPipeline(cfg, src, enc, factory, logger.Nop()), &calls
}

func TestModeNoneKeepsFrames(t *testing.T) {
	src := newMemSource(image.Pt(40, 30), image.Pt(40, 30), image.Pt(40, 30))
	enc := &memEncoder{}
	p, calls := newTestPipeline(t, config.ModeNone, src, enc, nil)

	report, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if *calls != 0 {
		t.Error("detector should not be loaded in mode none")
	}
	if len(enc.frames) != 3 || report.Frames != 3 {
		t.Fatalf("expected 3 frames, got %d", len(enc.frames))
	}
	for i, f := range enc.frames {
		if string(f.Pix) != string(src.images[i].Pix) {
			t.Errorf("frame %d differs from its source", i)
		}
	}
	if enc.params.InputFPS != 1 {
		t.Errorf("input fps = %v", enc.params.InputFPS)
	}
}

func TestRejectsBadInputBeforeWork(t *testing.T) {
	tests := []struct {
		name   string
		src    *memSource
		mutate func(c *config.Config)
		target error
	}{
		{"empty batch", newMemSource(), nil, ErrNoImages},
		{"zero display time", newMemSource(image.Pt(10, 10)), func(c *config.Config) { c.DisplayTime = 0 }, ErrDuration},
		{"negative display time", newMemSource(image.Pt(10, 10)), func(c *config.Config) { c.DisplayTime = -2 }, ErrDuration},
		{"horizon", newMemSource(image.Pt(10, 10)), func(c *config.Config) { c.Mode = config.ModeHorizon }, config.ErrUnsupportedMode},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc := &memEncoder{}
			p, calls := newTestPipeline(t, config.ModeEyeCommonCrop, tt.src, enc, nil)
			if tt.mutate != nil {
				tt.mutate(p.Config)
			}

			_, err := p.Run(context.Background())
			if !errors.Is(err, tt.target) {
				t.Fatalf("expected %v, got %v", tt.target, err)
			}
			if kind, ok := KindOf(err); !ok || kind != KindInput {
				t.Errorf("expected input error, got %v", err)
			}
			if *calls != 0 || enc.opened || tt.src.loads.Load() != 0 {
				t.Errorf("work started before validation: detector=%d opened=%v loads=%d", *calls, enc.opened, tt.src.loads.Load())
			}
		})
	}
}

func TestCommonCropEndToEnd(t *testing.T) {
	src := newMemSource(image.Pt(200, 200), image.Pt(200, 200), image.Pt(200, 200))
	mids := map[uint8]image.Point{1: {100, 100}, 2: {90, 100}, 3: {110, 110}}
	enc := &memEncoder{}
	p, calls := newTestPipeline(t, config.ModeEyeCommonCrop, src, enc, mids)
	p.Config.CacheDir = filepath.Join(t.TempDir(), "aligned")
	p.Config.PreviewPath = filepath.Join(t.TempDir(), "sheet.png")

	report, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if *calls != 1 {
		t.Errorf("detector loaded %d times", *calls)
	}
	if report.Detected != 3 || report.Size != image.Pt(180, 190) {
		t.Errorf("report: detected=%d size=%v", report.Detected, report.Size)
	}

	// second image: box starts at (0,0), so frame (5,7) is source (5,7)
	second := enc.frames[1]
	if c := second.RGBAAt(5, 7); c.R != 5 || c.G != 7 || c.B != 40 {
		t.Errorf("second frame pixel = %v", c)
	}
	// third image: box starts at (20,10)
	if c := enc.frames[2].RGBAAt(5, 7); c.R != 25 || c.G != 17 {
		t.Errorf("third frame pixel = %v", c)
	}

	m, err := cache.ReadManifest(filepath.Join(p.Config.CacheDir, cache.ManifestName))
	if err != nil {
		t.Fatal(err)
	}
	if len(m.Frames) != 3 || m.Frames[1].Crop != (cache.Rectangle{X: 0, Y: 0, W: 180, H: 190}) {
		t.Errorf("manifest frames: %+v", m.Frames)
	}
	if _, err := os.Stat(p.Config.PreviewPath); err != nil {
		t.Errorf("preview missing: %v", err)
	}
}

func TestCommonCropUniformSizeWithFallback(t *testing.T) {
	src := newMemSource(image.Pt(200, 200), image.Pt(120, 90), image.Pt(200, 200), image.Pt(300, 260))
	mids := map[uint8]image.Point{1: {100, 100}, 3: {110, 110}, 4: {150, 130}}
	enc := &memEncoder{}
	p, _ := newTestPipeline(t, config.ModeEyeCommonCrop, src, enc, mids)

	report, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Fallbacks != 1 {
		t.Errorf("fallbacks = %d", report.Fallbacks)
	}
	for i, f := range enc.frames {
		if f.Bounds().Size() != report.Size {
			t.Errorf("frame %d is %v, want %v", i, f.Bounds().Size(), report.Size)
		}
	}
	// the 120x90 fallback is smaller than the window and gets padded
	if c := enc.frames[1].RGBAAt(0, 0); c != align.Background {
		t.Errorf("padding = %v", c)
	}
}

func TestReferenceModeFirstFrameIsCenterCrop(t *testing.T) {
	src := newMemSource(image.Pt(200, 200), image.Pt(200, 200))
	mids := map[uint8]image.Point{1: {100, 100}, 2: {110, 95}}
	enc := &memEncoder{}
	p, _ := newTestPipeline(t, config.ModeEyeReference, src, enc, mids)

	if _, err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	first := enc.frames[0]
	if first.Bounds().Size() != image.Pt(180, 180) {
		t.Fatalf("size %v", first.Bounds().Size())
	}
	if c := first.RGBAAt(0, 0); c.R != 10 || c.G != 10 {
		t.Errorf("frame 0 origin came from (%d,%d), want (10,10)", c.R, c.G)
	}
	// the second image's eye at (110,95) lands on the reference spot (90,90)
	if c := enc.frames[1].RGBAAt(90, 90); c.R != 110 || c.G != 95 {
		t.Errorf("eye came from (%d,%d), want (110,95)", c.R, c.G)
	}
}

func TestDegenerateCropIsGeometryError(t *testing.T) {
	src := newMemSource(image.Pt(200, 200), image.Pt(200, 200))
	// one midpoint on each side edge leaves no horizontal room
	mids := map[uint8]image.Point{1: {0, 100}, 2: {200, 100}}
	enc := &memEncoder{}
	p, _ := newTestPipeline(t, config.ModeEyeCommonCrop, src, enc, mids)

	_, err := p.Run(context.Background())
	if !errors.Is(err, align.ErrDegenerateCrop) {
		t.Fatalf("expected ErrDegenerateCrop, got %v", err)
	}
	if kind, _ := KindOf(err); kind != KindGeometry {
		t.Errorf("kind = %s", kind)
	}
	if enc.opened {
		t.Error("writer opened for a failed plan")
	}
}

func TestWriterFailureRemovesOutput(t *testing.T) {
	src := newMemSource(image.Pt(20, 20), image.Pt(20, 20), image.Pt(20, 20))
	enc := &memEncoder{failAt: 2}
	p, _ := newTestPipeline(t, config.ModeNone, src, enc, nil)

	_, err := p.Run(context.Background())
	if kind, _ := KindOf(err); kind != KindCollaborator {
		t.Fatalf("expected collaborator error, got %v", err)
	}
	if !enc.aborted {
		t.Error("sink should be aborted")
	}
	if _, statErr := os.Stat(p.Config.OutputVideo); !os.IsNotExist(statErr) {
		t.Errorf("partial output left behind: %v", statErr)
	}
}

func TestDetectorLoadFailure(t *testing.T) {
	src := newMemSource(image.Pt(20, 20))
	cfg := config.Default()
	cfg.Mode = config.ModeEyeReference
	cfg.OutputVideo = filepath.Join(t.TempDir(), "out.mp4")
	p := NewPipeline(cfg, src, &memEncoder{}, func() (detect.Detector, error) {
		return nil, errors.New("cascade missing")
	}, logger.Nop())

	_, err := p.Run(context.Background())
	if kind, _ := KindOf(err); kind != KindCollaborator {
		t.Fatalf("expected collaborator error, got %v", err)
	}
	if n := src.loads.Load(); n != 0 {
		t.Errorf("images loaded before detector: %d", n)
	}
}

func TestReencodeReplacesIntermediate(t *testing.T) {
	src := newMemSource(image.Pt(20, 20), image.Pt(20, 20))
	enc := &memEncoder{}
	p, _ := newTestPipeline(t, config.ModeNone, src, enc, nil)
	p.Config.Reencode = true

	report, err := p.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !enc.reencoded {
		t.Fatal("reencode not called")
	}
	if enc.params.Path == p.Config.OutputVideo {
		t.Error("stream should go to an intermediate file")
	}
	if _, err := os.Stat(enc.params.Path); !os.IsNotExist(err) {
		t.Error("intermediate file not removed")
	}
	if _, err := os.Stat(report.Output); err != nil {
		t.Errorf("final output missing: %v", err)
	}
}

func TestCancelledContext(t *testing.T) {
	for _, mode := range []config.Mode{config.ModeNone, config.ModeEyeCommonCrop} {
		t.Run(mode.String(), func(t *testing.T) {
			src := newMemSource(image.Pt(20, 20), image.Pt(20, 20))
			enc := &memEncoder{}
			p, _ := newTestPipeline(t, mode, src, enc, map[uint8]image.Point{1: {10, 10}, 2: {10, 10}})

			ctx, cancel := context.WithCancel(context.Background())
			cancel()

			_, err := p.Run(ctx)
			if !errors.Is(err, context.Canceled) {
				t.Fatalf("expected context.Canceled, got %v", err)
			}
			if kind, ok := KindOf(err); !ok || kind != KindCanceled {
				t.Errorf("expected canceled kind, got %v", err)
			}
			if len(enc.frames) != 0 {
				t.Errorf("frames written after cancel: %d", len(enc.frames))
			}
		})
	}
}

func TestUnreadableImageFailsBeforeWriter(t *testing.T) {
	tests := []struct {
		name string
		mode config.Mode
	}{
		{"none", config.ModeNone},
		{"eye-reference", config.ModeEyeReference},
		{"eye-common-crop", config.ModeEyeCommonCrop},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem := newMemSource(image.Pt(20, 20), image.Pt(20, 20), image.Pt(20, 20), image.Pt(20, 20))
			src := &brokenSource{memSource: mem, bad: 2}
			enc := &memEncoder{}
			mids := map[uint8]image.Point{1: {10, 10}, 2: {10, 10}, 3: {10, 10}, 4: {10, 10}}

			cfg := config.Default()
			cfg.Mode = tt.mode
			cfg.Workers = 2
			cfg.OutputVideo = filepath.Join(t.TempDir(), "out.mp4")
			p := NewPipeline(cfg, src, enc, func() (detect.Detector, error) {
				return &stubDetector{mids: mids}, nil
			}, logger.Nop())

			_, err := p.Run(context.Background())
			if kind, _ := KindOf(err); kind != KindInput {
				t.Fatalf("expected input error, got %v", err)
			}
			if enc.opened || len(enc.frames) != 0 {
				t.Errorf("writer used before the input error: opened=%v frames=%d", enc.opened, len(enc.frames))
			}
			if _, statErr := os.Stat(cfg.OutputVideo); !os.IsNotExist(statErr) {
				t.Errorf("output created: %v", statErr)
			}
		})
	}
}

func TestFailureBeforeWriterKeepsExistingOutput(t *testing.T) {
	src := newMemSource(image.Pt(20, 20), image.Pt(20, 20))
	enc := &memEncoder{}
	p, _ := newTestPipeline(t, config.ModeNone, src, enc, nil)

	if err := os.WriteFile(p.Config.OutputVideo, []byte("previous video"), 0644); err != nil {
		t.Fatal(err)
	}
	// a regular file where the cache directory should go
	blocker := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocker, nil, 0644); err != nil {
		t.Fatal(err)
	}
	p.Config.CacheDir = filepath.Join(blocker, "aligned")

	_, err := p.Run(context.Background())
	if kind, _ := KindOf(err); kind != KindCollaborator {
		t.Fatalf("expected collaborator error, got %v", err)
	}
	if enc.opened {
		t.Error("writer opened despite cache failure")
	}
	data, readErr := os.ReadFile(p.Config.OutputVideo)
	if readErr != nil || string(data) != "previous video" {
		t.Errorf("existing output touched: %q %v", data, readErr)
	}
}

func TestReencodeFailureRemovesBothFiles(t *testing.T) {
	src := newMemSource(image.Pt(20, 20))
	enc := &failingReencoder{}
	cfg := config.Default()
	cfg.Mode = config.ModeNone
	cfg.Reencode = true
	cfg.OutputVideo = filepath.Join(t.TempDir(), "out.mp4")
	p := NewPipeline(cfg, src, enc, nil, logger.Nop())

	_, err := p.Run(context.Background())
	if kind, _ := KindOf(err); kind != KindCollaborator {
		t.Fatalf("expected collaborator error, got %v", err)
	}
	for _, path := range []string{enc.params.Path, cfg.OutputVideo} {
		if _, statErr := os.Stat(path); !os.IsNotExist(statErr) {
			t.Errorf("%s left behind: %v", filepath.Base(path), statErr)
		}
	}
}

// failingReencoder leaves a half-written target and then fails
type failingReencoder struct {
	memEncoder
}

func (e *failingReencoder) Reencode(ctx context.Context, src, dst string, p video.ReencodeParams) error {
	os.WriteFile(dst, []byte("half"), 0644)
	return errors.New("reencode crashed")
}
