package extract

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/gen2brain/go-fitz"
)

// lowTextThreshold is the native-layer length below which a PDF is likely
// scanned; the result still succeeds but carries a warning.
const lowTextThreshold = 100

// PDFStrategy extracts the native text layer of a PDF via MuPDF and
// optionally enriches it with OCR of embedded raster images.
type PDFStrategy struct {
	enricher Enricher
}

// NewPDFStrategy creates the PDF-native strategy. enricher may be nil, in
// which case the ocr option is ignored.
func NewPDFStrategy(enricher Enricher) *PDFStrategy {
	return &PDFStrategy{enricher: enricher}
}

func (s *PDFStrategy) Name() string         { return "pdf_native" }
func (s *PDFStrategy) BreakerClass() string { return "pdf" }

// Extract walks the document page by page. Per-image OCR failures surface
// as warnings on a still-successful result, never as errors.
func (s *PDFStrategy) Extract(ctx context.Context, req *Request) (*Result, error) {
	doc, err := fitz.NewFromMemory(req.Data)
	if err != nil {
		return nil, &CorruptedError{Format: "pdf", Err: err}
	}
	defer doc.Close()

	pageCount := doc.NumPage()
	if pageCount == 0 {
		return nil, &CorruptedError{Format: "pdf", Err: fmt.Errorf("document has no pages")}
	}

	pages := make([]Page, 0, pageCount)
	for n := 0; n < pageCount; n++ {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: page %d of %d", ErrTimeout, n+1, pageCount)
		default:
		}

		text, err := doc.Text(n)
		if err != nil {
			return nil, &CorruptedError{Format: "pdf", Err: fmt.Errorf("page %d: %w", n+1, err)}
		}
		pages = append(pages, Page{Number: n + 1, Text: text})
	}

	var warnings []string

	text := joinPages(pages)
	if len(strings.TrimSpace(text)) < lowTextThreshold {
		warnings = append(warnings, "native text layer is sparse; document may be scanned")
	}

	if req.Options.OCR && s.enricher != nil {
		enriched, ocrWarnings, err := s.enricher.Enrich(ctx, req.Data, pages, req.Options.Languages)
		if err != nil {
			// Enrichment failure degrades to native text only.
			warnings = append(warnings, fmt.Sprintf("ocr enrichment failed: %v", err))
		} else {
			text = enriched
			warnings = append(warnings, ocrWarnings...)
		}
	}

	return &Result{
		Text:      strings.TrimSpace(text),
		Extractor: s.Name(),
		Warnings:  warnings,
		Metadata: map[string]string{
			"format":      "pdf",
			"page_count":  strconv.Itoa(pageCount),
			"ocr_enabled": strconv.FormatBool(req.Options.OCR),
		},
	}, nil
}
