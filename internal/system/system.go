package system

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// InitResourceLimits raises the open file limit; large input directories
// and the cache writer keep many descriptors busy.
func InitResourceLimits(log *zerolog.Logger) {
	var rLimit syscall.Rlimit
	err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rLimit)
	if err != nil {
		log.Warn().Err(err).Msg("cannot read open file limit")
		return
	}

	rLimit.Cur = 2048
	if rLimit.Cur > rLimit.Max {
		rLimit.Cur = rLimit.Max
	}

	err = syscall.Setrlimit(syscall.RLIMIT_NOFILE, &rLimit)
	if err != nil {
		log.Warn().Err(err).Msg("cannot raise open file limit")
	} else {
		log.Debug().Uint64("nofile", uint64(rLimit.Cur)).Msg("open file limit raised")
	}
}

// CPUCount returns the number of logical CPUs, falling back to the Go
// runtime's view when gopsutil cannot read it.
func CPUCount() int {
	n, err := cpu.Counts(true)
	if err != nil || n < 1 {
		return runtime.NumCPU()
	}
	return n
}

// Snapshot is a point-in-time view of the process and the host memory
type Snapshot struct {
	RSS       uint64 // bytes
	HostTotal uint64
	HostUsed  float64 // percent
	Goroutine int
	At        time.Time
}

// TakeSnapshot never fails; fields it cannot read stay zero
func TakeSnapshot(ctx context.Context) Snapshot {
	s := Snapshot{Goroutine: runtime.NumGoroutine(), At: time.Now()}

	if p, err := process.NewProcessWithContext(ctx, int32(os.Getpid())); err == nil {
		if mi, err := p.MemoryInfoWithContext(ctx); err == nil {
			s.RSS = mi.RSS
		}
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		s.HostTotal = vm.Total
		s.HostUsed = vm.UsedPercent
	}
	return s
}

// MarshalZerologObject lets a snapshot be logged with Object()
func (s Snapshot) MarshalZerologObject(e *zerolog.Event) {
	e.Uint64("rss_mb", s.RSS>>20).
		Uint64("host_total_mb", s.HostTotal>>20).
		Float64("host_used_pct", s.HostUsed).
		Int("goroutines", s.Goroutine)
}

// FindLatestImage returns the newest image in path, or in the directory of
// path when it names a file. match decides which files count as images.
func FindLatestImage(path string, match func(string) bool) (string, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return "", err
	}

	searchDir := path
	if !fi.IsDir() {
		searchDir = filepath.Dir(path)
	}

	files, err := os.ReadDir(searchDir)
	if err != nil {
		return "", err
	}

	var latestFile string
	var latestTime time.Time

	for _, f := range files {
		if f.IsDir() || !match(f.Name()) {
			continue
		}
		info, err := f.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(latestTime) {
			latestTime = info.ModTime()
			latestFile = filepath.Join(searchDir, f.Name())
		}
	}

	if latestFile == "" {
		return "", fmt.Errorf("no images found in %s", searchDir)
	}

	return latestFile, nil
}

// GetBestH264Encoder prefers hardware encoders that ffmpeg reports,
// otherwise libx264.
func GetBestH264Encoder(ctx context.Context) string {
	// Приоритеты: VideoToolbox (macOS), NVENC, затем программный libx264
	encoders := []string{"h264_videotoolbox", "h264_nvenc"}

	out, err := exec.CommandContext(ctx, "ffmpeg", "-hide_banner", "-encoders").CombinedOutput()
	if err != nil {
		return "libx264"
	}
	return pickEncoder(string(out), encoders)
}

func pickEncoder(listing string, preferred []string) string {
	for _, name := range preferred {
		if strings.Contains(listing, " "+name+" ") {
			return name
		}
	}
	return "libx264"
}
