package video

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/image/draw"

	"github.com/ivlev/eyelapse/internal/system"
)

// ErrFrameSize is returned when a frame does not match the stream size
var ErrFrameSize = errors.New("frame size does not match stream")

// StreamParams describes one output stream of raw frames
type StreamParams struct {
	Path      string
	Size      image.Point
	InputFPS  float64 // frames shown per second, 1/display time
	OutputFPS float64 // container rate, 0 keeps InputFPS
	Encoder   string
	Quality   int
	Filter    string // ffmpeg -vf chain, may be empty
}

// ReencodeParams controls the optional second encode
type ReencodeParams struct {
	CRF       int
	Preset    string
	Faststart bool
}

// Sink accepts frames in display order
type Sink interface {
	WriteFrame(img image.Image) error
	// Close flushes the stream and waits for the encoder
	Close() error
	// Abort stops the encoder without finishing the file
	Abort()
}

type Encoder interface {
	Open(ctx context.Context, p StreamParams) (Sink, error)
	Reencode(ctx context.Context, src, dst string, p ReencodeParams) error
}

type FFmpegEncoder struct {
	Binary string // defaults to "ffmpeg"
}

func (e *FFmpegEncoder) binary() string {
	if e.Binary != "" {
		return e.Binary
	}
	return "ffmpeg"
}

func (e *FFmpegEncoder) Open(ctx context.Context, p StreamParams) (Sink, error) {
	if p.Size.X <= 0 || p.Size.Y <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrFrameSize, p.Size.X, p.Size.Y)
	}
	if p.InputFPS <= 0 {
		return nil, fmt.Errorf("input frame rate must be positive, got %f", p.InputFPS)
	}

	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, e.binary(), buildStreamArgs(p)...)

	stderr := &syncBuffer{}
	cmd.Stderr = stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stdin pipe error: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("ffmpeg start error: %w", err)
	}

	return &ffmpegSink{cmd: cmd, stdin: stdin, stderr: stderr, cancel: cancel, size: p.Size}, nil
}

func buildStreamArgs(p StreamParams) []string {
	args := []string{
		"-y",
		"-f", "rawvideo",
		"-pixel_format", "rgba",
		"-video_size", fmt.Sprintf("%dx%d", p.Size.X, p.Size.Y),
		"-framerate", formatRate(p.InputFPS),
		"-i", "-",
	}
	if p.Filter != "" {
		args = append(args, "-vf", p.Filter)
	}

	out := p.OutputFPS
	if out <= 0 {
		out = p.InputFPS
	}
	encoder := p.Encoder
	if encoder == "" {
		encoder = "libx264"
	}
	args = append(args,
		"-r", formatRate(out),
		"-pix_fmt", "yuv420p",
		"-c:v", encoder,
	)
	args = append(args, qualityArgs(encoder, p.Quality)...)
	return append(args, p.Path)
}

// qualityArgs maps one quality number onto each encoder's own knob
func qualityArgs(encoder string, quality int) []string {
	switch encoder {
	case "h264_videotoolbox":
		// VideoToolbox ignores -q:v on some systems, so quality becomes a bitrate
		if quality <= 0 {
			quality = 75
		}
		return []string{"-b:v", fmt.Sprintf("%dk", quality*100)}
	case "h264_nvenc":
		if quality <= 0 {
			quality = 28
		}
		return []string{"-cq", strconv.Itoa(quality)}
	default: // libx264
		if quality <= 0 {
			quality = 23
		}
		return []string{"-crf", strconv.Itoa(quality), "-preset", "medium"}
	}
}

func formatRate(fps float64) string {
	return strconv.FormatFloat(fps, 'f', -1, 64)
}

type ffmpegSink struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr *syncBuffer
	cancel context.CancelFunc
	size   image.Point

	once   sync.Once
	closed error
	frames int
}

func (s *ffmpegSink) WriteFrame(img image.Image) error {
	if img.Bounds().Size() != s.size {
		return fmt.Errorf("%w: frame %d is %v, stream is %v", ErrFrameSize, s.frames, img.Bounds().Size(), s.size)
	}
	if err := writeRawRGBA(s.stdin, img); err != nil {
		return fmt.Errorf("write raw error: %w: %s", err, tail(s.stderr))
	}
	s.frames++
	return nil
}

func (s *ffmpegSink) Close() error {
	s.once.Do(func() {
		defer s.cancel()
		s.stdin.Close()
		if err := s.cmd.Wait(); err != nil {
			s.closed = fmt.Errorf("ffmpeg wait error: %w, output: %s", err, tail(s.stderr))
		}
	})
	return s.closed
}

func (s *ffmpegSink) Abort() {
	s.once.Do(func() {
		s.cancel()
		s.stdin.Close()
		s.cmd.Wait()
		s.closed = context.Canceled
	})
}

// writeRawRGBA sends tightly packed RGBA rows; anything else is converted
// through a pooled buffer first.
func writeRawRGBA(w io.Writer, img image.Image) error {
	bounds := img.Bounds()
	rgba, ok := img.(*image.RGBA)
	if ok && rgba.Stride == bounds.Dx()*4 {
		_, err := w.Write(rgba.Pix[:bounds.Dy()*rgba.Stride])
		return err
	}

	buf := system.GetImage(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	defer system.PutImage(buf)
	draw.Draw(buf, buf.Bounds(), img, bounds.Min, draw.Src)
	_, err := w.Write(buf.Pix)
	return err
}

// Reencode runs a second libx264 pass over src, typically to shrink the
// hardware encoder's output and move the index to the front.
func (e *FFmpegEncoder) Reencode(ctx context.Context, src, dst string, p ReencodeParams) error {
	cmd := exec.CommandContext(ctx, e.binary(), buildReencodeArgs(src, dst, p)...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("ffmpeg reencode error: %v, output: %s", err, tailString(string(out)))
	}
	return nil
}

func buildReencodeArgs(src, dst string, p ReencodeParams) []string {
	preset := p.Preset
	if preset == "" {
		preset = "medium"
	}
	args := []string{
		"-y",
		"-i", src,
		"-c:v", "libx264",
		"-preset", preset,
		"-crf", strconv.Itoa(p.CRF),
		"-pix_fmt", "yuv420p",
	}
	if p.Faststart {
		args = append(args, "-movflags", "+faststart")
	}
	return append(args, dst)
}

// syncBuffer collects ffmpeg stderr while frames are still being written
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func tail(b *syncBuffer) string {
	return tailString(b.String())
}

// tailString keeps the last lines of ffmpeg output, where the error is
func tailString(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > 8 {
		lines = lines[len(lines)-8:]
	}
	return strings.Join(lines, "\n")
}
