package ocr

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"
)

// ImageInfo describes one qualifying raster image.
type ImageInfo struct {
	Page   int `json:"page"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Report summarizes the qualifying raster images of a PDF. Ingress layers
// use it to decide whether to offer OCR for an upload.
type Report struct {
	ImageCount int         `json:"image_count"`
	Pages      []int       `json:"pages"`
	Images     []ImageInfo `json:"images"`
}

// Detect extracts and size-filters the embedded images of pdf without
// recognizing any of them.
func (e *Enricher) Detect(ctx context.Context, pdf []byte) (*Report, error) {
	dir := filepath.Join(e.cfg.TempDir, "detect-"+uuid.NewString())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create detect temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	images, err := e.source.Images(ctx, pdf, dir)
	if err != nil {
		return nil, fmt.Errorf("extract images: %w", err)
	}

	report := &Report{}
	seen := make(map[int]bool)
	for _, img := range e.filter(images) {
		report.ImageCount++
		report.Images = append(report.Images, ImageInfo{Page: img.Page, Width: img.Width, Height: img.Height})
		if !seen[img.Page] {
			seen[img.Page] = true
			report.Pages = append(report.Pages, img.Page)
		}
	}
	sort.Ints(report.Pages)
	return report, nil
}
