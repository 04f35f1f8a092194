package ocr

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"path/filepath"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/relialabs/doctext/internal/observability"
)

// PDFImageSource extracts embedded raster images from a PDF with pdfcpu.
type PDFImageSource struct {
	conf   *model.Configuration
	logger *observability.Logger
}

func NewPDFImageSource(logger *observability.Logger) *PDFImageSource {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return &PDFImageSource{conf: conf, logger: logger.WithComponent("pdf_images")}
}

// Images writes every decodable embedded image to dir and reports its
// page number and pixel dimensions. Images in formats the standard
// decoders cannot read (CCITT fax, JBIG2) are skipped.
func (s *PDFImageSource) Images(ctx context.Context, pdf []byte, dir string) ([]Image, error) {
	var out []Image

	digest := func(img model.Image, singleImgPerPage bool, maxPageDigits int) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if img.Thumb {
			return nil
		}

		data, err := io.ReadAll(img)
		if err != nil {
			return fmt.Errorf("read image %s on page %d: %w", img.Name, img.PageNr, err)
		}

		cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
		if err != nil {
			s.logger.Debug().
				Str("image", img.Name).
				Int("page", img.PageNr).
				Str("type", img.FileType).
				Msg("skipping undecodable embedded image")
			return nil
		}

		path := filepath.Join(dir, fmt.Sprintf("page_%d_%s.%s", img.PageNr, img.Name, img.FileType))
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return fmt.Errorf("write image %s: %w", path, err)
		}

		out = append(out, Image{
			Page:   img.PageNr,
			Width:  cfg.Width,
			Height: cfg.Height,
			Path:   path,
		})
		return nil
	}

	if err := api.ExtractImages(bytes.NewReader(pdf), nil, digest, s.conf); err != nil {
		return nil, fmt.Errorf("pdfcpu extract images: %w", err)
	}
	return out, nil
}
