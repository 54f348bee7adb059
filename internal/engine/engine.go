package engine

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ivlev/eyelapse/internal/align"
	"github.com/ivlev/eyelapse/internal/cache"
	"github.com/ivlev/eyelapse/internal/config"
	"github.com/ivlev/eyelapse/internal/detect"
	"github.com/ivlev/eyelapse/internal/effects"
	"github.com/ivlev/eyelapse/internal/landmark"
	"github.com/ivlev/eyelapse/internal/logger"
	"github.com/ivlev/eyelapse/internal/preview"
	"github.com/ivlev/eyelapse/internal/source"
	"github.com/ivlev/eyelapse/internal/system"
	"github.com/ivlev/eyelapse/internal/video"
)

const manifestVersion = "1"

// DetectorFactory loads the detector for a run. It is called at most once
// and only for modes that detect eyes.
type DetectorFactory func() (detect.Detector, error)

// Pipeline turns an ordered image source into one stabilized video
type Pipeline struct {
	Config      *config.Config
	Source      source.Source
	Encoder     video.Encoder
	NewDetector DetectorFactory
	Log         *logger.Logger
}

func NewPipeline(cfg *config.Config, src source.Source, enc video.Encoder, newDetector DetectorFactory, log *logger.Logger) *Pipeline {
	if log == nil {
		log = logger.Named("engine")
	}
	return &Pipeline{
		Config:      cfg,
		Source:      src,
		Encoder:     enc,
		NewDetector: newDetector,
		Log:         log,
	}
}

// Report summarizes a finished run
type Report struct {
	RunID     string
	Output    string
	Frames    int
	Detected  int
	Fallbacks int
	Size      image.Point
	Detect    time.Duration
	Render    time.Duration
	Reencode  time.Duration
	Total     time.Duration
	Stats     system.Snapshot
}

func (r *Report) MarshalZerologObject(e *zerolog.Event) {
	e.Str("output", r.Output).
		Int("frames", r.Frames).
		Int("detected", r.Detected).
		Int("fallbacks", r.Fallbacks).
		Str("size", fmt.Sprintf("%dx%d", r.Size.X, r.Size.Y)).
		Dur("detect", r.Detect).
		Dur("render", r.Render).
		Dur("reencode", r.Reencode).
		Dur("total", r.Total).
		Object("host", r.Stats)
}

// Run validates the request, plans the alignment and streams the frames to
// the encoder in input order. Partial output is removed on failure.
func (p *Pipeline) Run(ctx context.Context) (*Report, error) {
	start := time.Now()
	cfg := p.Config

	if err := p.validate(); err != nil {
		return nil, err
	}

	report := &Report{RunID: uuid.NewString(), Output: cfg.OutputVideo, Frames: p.Source.Count()}
	log := p.Log.With().Str("run_id", report.RunID).Logger()
	log.Info().
		Int("images", report.Frames).
		Str("mode", cfg.Mode.String()).
		Float64("display_time", cfg.DisplayTime).
		Msg("run started")

	detectStart := time.Now()
	samples, err := p.samples(ctx, &log)
	if err != nil {
		return nil, err
	}
	report.Detect = time.Since(detectStart)

	res, err := p.aligner().Align(samples)
	if err != nil {
		if errors.Is(err, align.ErrDegenerateCrop) {
			return nil, fail(KindGeometry, "align", err)
		}
		return nil, fail(KindInput, "align", err)
	}
	report.Detected = res.Detected
	for _, plan := range res.Plans {
		if plan.Fallback {
			report.Fallbacks++
		}
	}
	log.Info().
		Int("detected", res.Detected).
		Int("reference", res.Reference).
		Interface("margins", res.Margins).
		Msg("alignment planned")

	renderStart := time.Now()
	if err := p.render(ctx, &log, samples, res, report); err != nil {
		return nil, err
	}
	report.Render = time.Since(renderStart)
	report.Total = time.Since(start)

	if cfg.ShowStats {
		report.Stats = system.TakeSnapshot(ctx)
		log.Info().Str("build", cfg.BuildVersion).Object("report", report).Msg("performance report")
	}
	log.Info().Str("output", report.Output).Dur("elapsed", report.Total).Msg("video ready")
	return report, nil
}

// validate rejects bad requests before any detector or aligner is touched
func (p *Pipeline) validate() error {
	if p.Source == nil || p.Source.Count() == 0 {
		return fail(KindInput, "validate", ErrNoImages)
	}
	if p.Config.DisplayTime <= 0 {
		return fail(KindInput, "validate", fmt.Errorf("%w, got %v", ErrDuration, p.Config.DisplayTime))
	}
	if err := p.Config.Mode.Supported(); err != nil {
		return fail(KindInput, "validate", err)
	}
	if p.Config.OutputVideo == "" {
		return fail(KindInput, "validate", errors.New("output path is empty"))
	}
	return nil
}

func (p *Pipeline) aligner() align.Aligner {
	switch p.Config.Mode {
	case config.ModeEyeReference:
		return align.ReferenceAligner{
			Fraction:      p.Config.CropFraction,
			FirstDetected: p.Config.Reference == config.ReferenceFirstDetected,
		}
	case config.ModeEyeCommonCrop:
		return align.CommonCropAligner{}
	default:
		return align.PassThrough{}
	}
}

// samples runs the detection pass. Modes without detection still read
// every image header so unreadable input fails before the writer opens.
func (p *Pipeline) samples(ctx context.Context, log *zerolog.Logger) ([]align.Sample, error) {
	n := p.Source.Count()
	if !p.Config.Mode.NeedsDetector() {
		samples := make([]align.Sample, n)
		for i := range samples {
			if err := ctx.Err(); err != nil {
				return nil, fail(KindCanceled, "probe", err)
			}
			w, h, err := p.Source.Dimensions(i)
			if err != nil {
				return nil, fail(KindInput, "probe "+p.Source.Name(i), err)
			}
			samples[i] = align.Sample{Index: i, Width: w, Height: h}
		}
		return samples, nil
	}

	if p.NewDetector == nil {
		return nil, fail(KindCollaborator, "load detector", errors.New("no detector configured"))
	}
	det, err := p.NewDetector()
	if err != nil {
		return nil, fail(KindCollaborator, "load detector", err)
	}

	return p.locateAll(ctx, log, det)
}

// locateAll detects every image in parallel. Results are stored by index,
// and each image is dropped as soon as its midpoint is known.
func (p *Pipeline) locateAll(ctx context.Context, log *zerolog.Logger, det detect.Detector) ([]align.Sample, error) {
	n := p.Source.Count()
	samples := make([]align.Sample, n)

	workers := p.Config.Workers
	if workers <= 0 {
		workers = system.CPUCount()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for i := 0; i < n; i++ {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			img, err := p.Source.Load(i)
			if err != nil {
				return fail(KindInput, "load "+p.Source.Name(i), err)
			}

			mid := landmark.Locate(det, img)
			b := img.Bounds()
			samples[i] = align.Sample{Index: i, Width: b.Dx(), Height: b.Dy(), Midpoint: mid}

			ev := log.Debug()
			if !mid.Detected {
				ev = log.Warn()
			}
			ev.Int("index", i).Str("image", p.Source.Name(i)).Stringer("midpoint", mid).Msg("eyes located")
			return nil
		})
	}

	err := g.Wait()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, fail(KindCanceled, "detect", ctxErr)
	}
	if err != nil {
		return nil, err
	}
	return samples, nil
}

// render is the second pass: load, align, conform, write, release
func (p *Pipeline) render(ctx context.Context, log *zerolog.Logger, samples []align.Sample, res align.Result, report *Report) (err error) {
	cfg := p.Config

	target := cfg.OutputVideo
	if dir := filepath.Dir(target); dir != "" {
		if mkErr := os.MkdirAll(dir, 0755); mkErr != nil {
			return fail(KindCollaborator, "create output dir", mkErr)
		}
	}
	streamPath := target
	if cfg.Reencode {
		streamPath = intermediatePath(target, report.RunID)
	}

	// only files this run has started writing are removed on failure
	var (
		sink        video.Sink
		streamed    bool
		reencodeRan bool
	)
	defer func() {
		if err == nil {
			return
		}
		if sink != nil {
			sink.Abort()
		}
		if streamed {
			os.Remove(streamPath)
		}
		if reencodeRan {
			os.Remove(target)
		}
	}()

	var store *cache.Writer
	if cfg.CacheDir != "" {
		store, err = cache.NewWriter(cfg.CacheDir, cache.Manifest{
			Version: manifestVersion,
			RunID:   report.RunID,
			Mode:    cfg.Mode.String(),
			Created: time.Now(),
		})
		if err != nil {
			return fail(KindCollaborator, "cache", err)
		}
		store.SetAlignment(res)
	}

	var sheet *preview.Sheet
	if cfg.PreviewPath != "" {
		sheet = preview.NewSheet(len(res.Plans))
	}

	var size image.Point
	for i, plan := range res.Plans {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fail(KindCanceled, "render", ctxErr)
		}

		img, loadErr := p.Source.Load(i)
		if loadErr != nil {
			return fail(KindInput, "load "+p.Source.Name(i), loadErr)
		}

		frame := align.Render(img, plan, system.GetImage)

		if sink == nil {
			size = frame.Bounds().Size()
			report.Size = size
			opened, openErr := p.openSink(ctx, streamPath, size)
			if openErr != nil {
				system.PutImage(frame)
				return fail(KindCollaborator, "open writer", openErr)
			}
			sink = opened
			streamed = true
			log.Info().Str("size", fmt.Sprintf("%dx%d", size.X, size.Y)).Msg("writer opened")
		}

		if frame.Bounds().Size() != size {
			log.Warn().Int("index", i).
				Str("from", frame.Bounds().Size().String()).
				Str("to", size.String()).
				Msg("frame conformed to output size")
			conformed := align.Conform(frame, size, system.GetImage)
			system.PutImage(frame)
			frame = conformed
		}

		if err = sink.WriteFrame(frame); err != nil {
			system.PutImage(frame)
			return fail(KindCollaborator, "write frame", err)
		}
		if store != nil {
			if err = store.Save(p.Source.Name(i), samples[i].Midpoint.Point, samples[i].Midpoint.Detected, plan, frame); err != nil {
				system.PutImage(frame)
				return fail(KindCollaborator, "cache", err)
			}
		}
		if sheet != nil {
			if err = sheet.Add(i, frame); err != nil {
				system.PutImage(frame)
				return fail(KindCollaborator, "preview", err)
			}
		}
		system.PutImage(frame)

		log.Debug().Int("index", i).Str("kind", plan.Kind.String()).Bool("fallback", plan.Fallback).Msgf("frame %d/%d", i+1, len(res.Plans))
	}

	err = sink.Close()
	sink = nil
	if err != nil {
		return fail(KindCollaborator, "close writer", err)
	}

	if cfg.Reencode {
		reStart := time.Now()
		log.Info().Str("preset", cfg.ReencodePreset).Int("crf", cfg.ReencodeCRF).Msg("re-encoding")
		reencodeRan = true
		err = p.Encoder.Reencode(ctx, streamPath, target, video.ReencodeParams{
			CRF:       cfg.ReencodeCRF,
			Preset:    cfg.ReencodePreset,
			Faststart: cfg.Faststart,
		})
		if err != nil {
			return fail(KindCollaborator, "reencode", err)
		}
		os.Remove(streamPath)
		report.Reencode = time.Since(reStart)
	}

	if store != nil {
		if err = store.Close(); err != nil {
			return fail(KindCollaborator, "cache", err)
		}
		log.Info().Str("dir", store.Dir).Msg("aligned frames cached")
	}
	if sheet != nil {
		if err = sheet.Save(cfg.PreviewPath); err != nil {
			return fail(KindCollaborator, "preview", err)
		}
		log.Info().Str("path", cfg.PreviewPath).Msg("preview written")
	}
	return nil
}

func (p *Pipeline) openSink(ctx context.Context, path string, size image.Point) (video.Sink, error) {
	cfg := p.Config
	fp := effects.FilterParams{FrameWidth: size.X, FrameHeight: size.Y, Width: cfg.Width, Height: cfg.Height}

	return p.Encoder.Open(ctx, video.StreamParams{
		Path:      path,
		Size:      size,
		InputFPS:  cfg.InputFPS(),
		OutputFPS: cfg.OutputFPS(),
		Encoder:   cfg.VideoEncoder,
		Quality:   cfg.Quality,
		Filter:    effects.New(fp).GenerateFilter(fp),
	})
}

func intermediatePath(target, runID string) string {
	dir, base := filepath.Split(target)
	return filepath.Join(dir, "."+runID+"_"+base)
}
