package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ivlev/eyelapse/internal/config"
	"github.com/ivlev/eyelapse/internal/detect"
	"github.com/ivlev/eyelapse/internal/engine"
	"github.com/ivlev/eyelapse/internal/logger"
	"github.com/ivlev/eyelapse/internal/source"
	"github.com/ivlev/eyelapse/internal/system"
	"github.com/ivlev/eyelapse/internal/video"
)

// BuildVersion is set with -ldflags "-X main.BuildVersion=..."
var BuildVersion = "dev"

type flags struct {
	configPath   string
	output       string
	displayTime  float64
	mode         string
	reference    string
	cropFraction float64
	cascadeDir   string
	workers      int
	dpi          int
	fps          int
	preset       string
	encoder      string
	quality      int
	reencode     bool
	crf          int
	faststart    bool
	cacheDir     string
	preview      string
	stats        bool
	logLevel     string
	logFormat    string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var f flags

	cmd := &cobra.Command{
		Use:   "eyelapse [flags] <image|directory|pdf>...",
		Short: "Build an eye-aligned time-lapse video from a series of portraits",
		Long: `eyelapse detects the eyes in every image, aligns the frames so the eyes
stay in place, and encodes the result with ffmpeg. Images are shown in the
order given; directories are expanded in lexical order.

The eye modes need the pigo cascade files "facefinder" and "puploc" in
--cascade-dir (default ./cascade). Download them from the cascade/
directory of https://github.com/esimov/pigo.`,
		Version:      BuildVersion,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := buildConfig(cmd, &f, args)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	fl := cmd.Flags()
	fl.StringVarP(&f.configPath, "config", "c", "", "YAML config file; flags override its values")
	fl.StringVarP(&f.output, "output", "o", "", "output video (default output/<newest image>_<timestamp>.mp4)")
	fl.Float64VarP(&f.displayTime, "display-time", "t", 1.0, "seconds each image stays on screen")
	fl.StringVarP(&f.mode, "mode", "m", "none", "stabilization: none, eye-reference, eye-common-crop, horizon")
	fl.StringVar(&f.reference, "reference", "first", "reference image in eye-reference mode: first, first-detected")
	fl.Float64Var(&f.cropFraction, "crop-fraction", 0.9, "share of each side kept in eye-reference mode")
	fl.StringVar(&f.cascadeDir, "cascade-dir", "cascade", "directory holding the pigo facefinder and puploc cascades (github.com/esimov/pigo/tree/master/cascade)")
	fl.IntVarP(&f.workers, "workers", "w", 0, "parallel detection workers (0 uses every CPU)")
	fl.IntVar(&f.dpi, "dpi", 150, "render resolution for PDF input")
	fl.IntVar(&f.fps, "fps", 0, "container frame rate (0 keeps 1/display-time)")
	fl.StringVar(&f.preset, "preset", "", "scale into a canvas: 16:9, 9:16, 4:5")
	fl.StringVar(&f.encoder, "encoder", "auto", "ffmpeg video encoder, auto picks a hardware one if present")
	fl.IntVarP(&f.quality, "quality", "q", 0, "0 auto; x264/nvenc: CRF, videotoolbox: bitrate = Q*100 kbit/s")
	fl.BoolVar(&f.reencode, "reencode", false, "re-encode the result with libx264")
	fl.IntVar(&f.crf, "crf", 23, "CRF of the re-encode")
	fl.BoolVar(&f.faststart, "faststart", true, "move the MP4 index to the front when re-encoding")
	fl.StringVar(&f.cacheDir, "cache-dir", "", "also save aligned frames and a manifest here")
	fl.StringVar(&f.preview, "preview", "", "write a contact sheet PNG of the aligned frames")
	fl.BoolVar(&f.stats, "stats", false, "log a performance report")
	fl.StringVar(&f.logLevel, "log-level", "info", "trace, debug, info, warn, error")
	fl.StringVar(&f.logFormat, "log-format", "console", "console or json")

	return cmd
}

// buildConfig layers defaults, the config file, then explicitly set flags
func buildConfig(cmd *cobra.Command, f *flags, args []string) (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}
	cfg.BuildVersion = BuildVersion

	if len(args) > 0 {
		cfg.Inputs = args
	}

	changed := cmd.Flags().Changed
	if changed("output") {
		cfg.OutputVideo = f.output
	}
	if changed("display-time") {
		cfg.DisplayTime = f.displayTime
	}
	if changed("mode") {
		if cfg.Mode, err = config.ParseMode(f.mode); err != nil {
			return nil, err
		}
	}
	if changed("reference") {
		if cfg.Reference, err = config.ParseReferencePolicy(f.reference); err != nil {
			return nil, err
		}
	}
	if changed("crop-fraction") {
		cfg.CropFraction = f.cropFraction
	}
	if changed("cascade-dir") {
		cfg.CascadeDir = f.cascadeDir
	}
	if changed("workers") {
		cfg.Workers = f.workers
	}
	if changed("dpi") {
		cfg.DPI = f.dpi
	}
	if changed("fps") {
		cfg.FPS = f.fps
	}
	if changed("preset") {
		cfg.Preset = f.preset
	}
	if changed("encoder") {
		cfg.VideoEncoder = f.encoder
	}
	if changed("quality") {
		cfg.Quality = f.quality
	}
	if changed("reencode") {
		cfg.Reencode = f.reencode
	}
	if changed("crf") {
		cfg.ReencodeCRF = f.crf
	}
	if changed("faststart") {
		cfg.Faststart = f.faststart
	}
	if changed("cache-dir") {
		cfg.CacheDir = f.cacheDir
	}
	if changed("preview") {
		cfg.PreviewPath = f.preview
	}
	if changed("stats") {
		cfg.ShowStats = f.stats
	}
	if changed("log-level") {
		cfg.Log.Level = f.logLevel
	}
	if changed("log-format") {
		cfg.Log.Format = f.logFormat
	}

	cfg.ApplyPreset()
	if cfg.OutputVideo == "" && len(cfg.Inputs) > 0 {
		cfg.OutputVideo = defaultOutput(cfg.Inputs, time.Now())
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// defaultOutput names the video after the newest input image, or after the
// PDF when one is given.
func defaultOutput(inputs []string, now time.Time) string {
	nameSource := inputs[0]
	if !strings.EqualFold(filepath.Ext(nameSource), ".pdf") {
		if latest, err := system.FindLatestImage(nameSource, source.IsImage); err == nil {
			nameSource = latest
		}
	}

	baseName := filepath.Base(nameSource)
	nameOnly := strings.TrimSuffix(baseName, filepath.Ext(baseName))
	cleanName := strings.ReplaceAll(nameOnly, " ", "_")
	timestamp := now.Format("2006-01-02_15-04-05")
	return filepath.Join("output", fmt.Sprintf("%s_%s.mp4", cleanName, timestamp))
}

func run(parent context.Context, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Init(logger.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
	log := logger.Named("cli")

	system.InitResourceLimits(log)

	if cfg.VideoEncoder == "" || cfg.VideoEncoder == "auto" {
		cfg.VideoEncoder = system.GetBestH264Encoder(ctx)
		if cfg.VideoEncoder != "libx264" {
			log.Info().Str("encoder", cfg.VideoEncoder).Msg("hardware encoder found")
		}
	}

	src, err := source.Open(cfg.Inputs, cfg.DPI)
	if err != nil {
		log.Error().Err(err).Msg("cannot open input")
		return err
	}
	defer src.Close()

	newDetector := func() (detect.Detector, error) {
		return detect.NewDetector(cfg.Detector, cfg.CascadeDir)
	}

	pipe := engine.NewPipeline(cfg, src, &video.FFmpegEncoder{}, newDetector, logger.Named("engine"))
	report, err := pipe.Run(ctx)
	if err != nil {
		log.Error().Err(err).Msg("run failed")
		return err
	}

	log.Info().Str("output", report.Output).Int("frames", report.Frames).Msg("done")
	return nil
}
