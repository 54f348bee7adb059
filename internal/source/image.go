package source

import (
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

var imageExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".bmp":  true,
	".gif":  true,
	".tif":  true,
	".tiff": true,
	".webp": true,
}

// IsImage reports whether the file extension is one the source can decode
func IsImage(path string) bool {
	return imageExtensions[strings.ToLower(filepath.Ext(path))]
}

type ImageSource struct {
	paths []string
}

// NewImageSource keeps the given order. Directories are expanded in lexical
// order; files with unknown extensions inside a directory are skipped, while
// an explicitly named file must exist.
func NewImageSource(inputs ...string) (*ImageSource, error) {
	var paths []string
	for _, in := range inputs {
		fi, err := os.Stat(in)
		if err != nil {
			return nil, err
		}

		if !fi.IsDir() {
			if !IsImage(in) {
				return nil, fmt.Errorf("%s: unsupported image format", in)
			}
			paths = append(paths, in)
			continue
		}

		entries, err := os.ReadDir(in)
		if err != nil {
			return nil, err
		}
		var dirPaths []string
		for _, entry := range entries {
			if !entry.IsDir() && IsImage(entry.Name()) {
				dirPaths = append(dirPaths, filepath.Join(in, entry.Name()))
			}
		}
		sort.Strings(dirPaths)
		paths = append(paths, dirPaths...)
	}

	return &ImageSource{paths: paths}, nil
}

func (s *ImageSource) Count() int {
	return len(s.paths)
}

func (s *ImageSource) Name(index int) string {
	return filepath.Base(s.paths[index])
}

// Path returns the file behind a frame
func (s *ImageSource) Path(index int) string {
	return s.paths[index]
}

func (s *ImageSource) Dimensions(index int) (int, int, error) {
	f, err := os.Open(s.paths[index])
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return 0, 0, fmt.Errorf("%s: %w", s.paths[index], err)
	}
	return cfg.Width, cfg.Height, nil
}

func (s *ImageSource) Load(index int) (image.Image, error) {
	f, err := os.Open(s.paths[index])
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.paths[index], err)
	}
	return img, nil
}

func (s *ImageSource) Close() error {
	return nil
}
