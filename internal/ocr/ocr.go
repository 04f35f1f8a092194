// Package ocr enriches PDF native text with Tesseract-recognized text
// from embedded raster images. Images are pulled out of the PDF into a
// per-document temp directory, size-filtered, recognized one by one and
// spliced into the page text behind tagged delimiters. The temp directory
// is always removed, recognized or not.
package ocr

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/relialabs/doctext/internal/breaker"
	"github.com/relialabs/doctext/internal/extract"
	"github.com/relialabs/doctext/internal/observability"
)

// Image is one embedded raster pulled out of a PDF onto disk.
type Image struct {
	Page   int
	Width  int
	Height int
	Path   string
}

// Source pulls embedded raster images out of a PDF into dir. Returned
// image files live under dir and are owned by the caller.
type Source interface {
	Images(ctx context.Context, pdf []byte, dir string) ([]Image, error)
}

// Engine recognizes the text in a single image file.
type Engine interface {
	Recognize(ctx context.Context, path string, languages []string) (string, error)
}

// Config bounds which images qualify for recognition.
type Config struct {
	MinWidth  int
	MinHeight int
	MaxWidth  int
	MaxHeight int
	TempDir   string
}

// DefaultConfig matches the raster qualification defaults.
func DefaultConfig() Config {
	return Config{
		MinWidth:  100,
		MinHeight: 100,
		MaxWidth:  5000,
		MaxHeight: 5000,
		TempDir:   os.TempDir(),
	}
}

// Enricher implements extract.Enricher over a Source and an Engine.
type Enricher struct {
	cfg    Config
	source Source
	engine Engine
	br     *breaker.Breaker
	logger *observability.Logger
}

// NewEnricher wires an enricher. br guards the recognition engine and may
// be nil for stub engines in tests.
func NewEnricher(cfg Config, source Source, engine Engine, br *breaker.Breaker, logger *observability.Logger) *Enricher {
	return &Enricher{
		cfg:    cfg,
		source: source,
		engine: engine,
		br:     br,
		logger: logger.WithComponent("ocr"),
	}
}

// Enrich extracts qualifying raster images from pdf, recognizes each one
// and splices the recognized text behind the native text of its page.
// Documents without qualifying images return the joined native text
// without touching the recognition engine. A failed image becomes a
// warning, not an error; Enrich errors only when image extraction itself
// fails or the engine breaker is open before any image succeeds.
func (e *Enricher) Enrich(ctx context.Context, pdf []byte, pages []extract.Page, languages []string) (string, []string, error) {
	dir := filepath.Join(e.cfg.TempDir, "ocr-"+uuid.NewString())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", nil, fmt.Errorf("create ocr temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	images, err := e.source.Images(ctx, pdf, dir)
	if err != nil {
		return "", nil, fmt.Errorf("extract images: %w", err)
	}

	qualifying := e.filter(images)
	if len(qualifying) == 0 {
		return joinNative(pages), nil, nil
	}

	e.logger.Debug().Int("images", len(qualifying)).Msg("recognizing embedded images")

	byPage := make(map[int][]section)
	var warnings []string
	recognized := 0
	for _, img := range qualifying {
		if err := ctx.Err(); err != nil {
			return "", nil, err
		}
		text, err := e.recognize(ctx, img, languages)
		if err != nil {
			if errors.Is(err, breaker.ErrOpen) {
				warnings = append(warnings, fmt.Sprintf("ocr skipped remaining images on page %d: %v", img.Page, err))
				if recognized == 0 {
					return "", nil, err
				}
				break
			}
			warnings = append(warnings, fmt.Sprintf("ocr failed for %dx%d image on page %d: %v", img.Width, img.Height, img.Page, err))
			continue
		}
		recognized++
		byPage[img.Page] = append(byPage[img.Page], section{img: img, text: text})
	}

	return combine(pages, byPage), warnings, nil
}

func (e *Enricher) recognize(ctx context.Context, img Image, languages []string) (string, error) {
	var text string
	op := func() error {
		var err error
		text, err = e.engine.Recognize(ctx, img.Path, languages)
		return err
	}
	if e.br == nil {
		if err := op(); err != nil {
			return "", err
		}
		return text, nil
	}
	if err := e.br.Call(op); err != nil {
		return "", err
	}
	return text, nil
}

func (e *Enricher) filter(images []Image) []Image {
	var out []Image
	for _, img := range images {
		if img.Width < e.cfg.MinWidth || img.Height < e.cfg.MinHeight {
			continue
		}
		if img.Width > e.cfg.MaxWidth || img.Height > e.cfg.MaxHeight {
			continue
		}
		out = append(out, img)
	}
	return out
}

type section struct {
	img  Image
	text string
}

// combine splices recognized sections behind the native text of their
// pages, in page order, each framed by tagged delimiters.
func combine(pages []extract.Page, byPage map[int][]section) string {
	var b strings.Builder
	for i, page := range pages {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(page.Text)
		for _, sec := range byPage[page.Number] {
			b.WriteString(fmt.Sprintf("\n\n[IMAGE ON PAGE %d: %dx%dpx]\n%s\n[END IMAGE]",
				sec.img.Page, sec.img.Width, sec.img.Height, strings.TrimSpace(sec.text)))
		}
		delete(byPage, page.Number)
	}

	// Sections on pages the native pass never saw still belong in the
	// output, appended in page order.
	if len(byPage) > 0 {
		orphans := make([]int, 0, len(byPage))
		for page := range byPage {
			orphans = append(orphans, page)
		}
		sort.Ints(orphans)
		for _, page := range orphans {
			for _, sec := range byPage[page] {
				b.WriteString(fmt.Sprintf("\n\n[IMAGE ON PAGE %d: %dx%dpx]\n%s\n[END IMAGE]",
					sec.img.Page, sec.img.Width, sec.img.Height, strings.TrimSpace(sec.text)))
			}
		}
	}
	return b.String()
}

func joinNative(pages []extract.Page) string {
	parts := make([]string, 0, len(pages))
	for _, p := range pages {
		parts = append(parts, p.Text)
	}
	return strings.Join(parts, "\n\n")
}
