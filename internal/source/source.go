package source

import (
	"fmt"
	"image"
	"path/filepath"
	"strings"

	"github.com/gen2brain/go-fitz"
)

// Source is an ordered, lazily decoded sequence of frames. Load decodes on
// every call; the caller owns the returned image.
type Source interface {
	Count() int
	Name(index int) string
	Dimensions(index int) (width, height int, err error)
	Load(index int) (image.Image, error)
	Close() error
}

// Open picks the source for the given inputs: a single PDF is rendered page
// by page, anything else is treated as images or image directories.
func Open(inputs []string, dpi int) (Source, error) {
	if len(inputs) == 1 && strings.EqualFold(filepath.Ext(inputs[0]), ".pdf") {
		return NewFitzPDFSource(inputs[0], dpi)
	}
	for _, in := range inputs {
		if strings.EqualFold(filepath.Ext(in), ".pdf") {
			return nil, fmt.Errorf("%s: a PDF must be the only input", in)
		}
	}
	return NewImageSource(inputs...)
}

type FitzPDFSource struct {
	doc   *fitz.Document
	path  string
	dpi   int
	pages int
}

func NewFitzPDFSource(path string, dpi int) (*FitzPDFSource, error) {
	doc, err := fitz.New(path)
	if err != nil {
		return nil, fmt.Errorf("open pdf %s: %w", path, err)
	}
	if dpi <= 0 {
		dpi = 150
	}
	return &FitzPDFSource{doc: doc, path: path, dpi: dpi, pages: doc.NumPage()}, nil
}

func (f *FitzPDFSource) Count() int {
	return f.pages
}

func (f *FitzPDFSource) Name(index int) string {
	base := strings.TrimSuffix(filepath.Base(f.path), filepath.Ext(f.path))
	return fmt.Sprintf("%s_p%04d.png", base, index+1)
}

// Dimensions reports the rendered pixel size at the source DPI
func (f *FitzPDFSource) Dimensions(index int) (int, int, error) {
	rect, err := f.doc.Bound(index)
	if err != nil {
		return 0, 0, err
	}
	scale := float64(f.dpi) / 72.0
	return int(float64(rect.Dx()) * scale), int(float64(rect.Dy()) * scale), nil
}

// Load renders a page. A separate document handle is opened per call so
// the detection pass can render pages concurrently.
func (f *FitzPDFSource) Load(index int) (image.Image, error) {
	workerDoc, err := fitz.New(f.path)
	if err != nil {
		return nil, err
	}
	defer workerDoc.Close()
	return workerDoc.ImageDPI(index, float64(f.dpi))
}

func (f *FitzPDFSource) Close() error {
	return f.doc.Close()
}
