package extract

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"
)

// SpreadsheetStrategy extracts workbook text sheet by sheet. Each sheet is
// introduced with a "Sheet: <name>" marker and rows are joined with " | ",
// preserving row order.
type SpreadsheetStrategy struct{}

// NewSpreadsheetStrategy creates the xlsx strategy.
func NewSpreadsheetStrategy() *SpreadsheetStrategy {
	return &SpreadsheetStrategy{}
}

func (s *SpreadsheetStrategy) Name() string         { return "spreadsheet" }
func (s *SpreadsheetStrategy) BreakerClass() string { return "office" }

func (s *SpreadsheetStrategy) Extract(ctx context.Context, req *Request) (*Result, error) {
	if isOLECompound(req.Data) {
		return nil, fmt.Errorf("%w: legacy binary workbook", ErrUnsupportedVariant)
	}

	wb, err := excelize.OpenReader(bytes.NewReader(req.Data))
	if err != nil {
		return nil, &CorruptedError{Format: "xlsx", Err: err}
	}
	defer wb.Close()

	sheets := wb.GetSheetList()
	var parts []string

	for _, name := range sheets {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: sheet %q", ErrTimeout, name)
		default:
		}

		rows, err := wb.GetRows(name)
		if err != nil {
			return nil, &CorruptedError{Format: "xlsx", Err: fmt.Errorf("sheet %q: %w", name, err)}
		}

		var sheetLines []string
		for _, row := range rows {
			var cells []string
			for _, cell := range row {
				if trimmed := strings.TrimSpace(cell); trimmed != "" {
					cells = append(cells, trimmed)
				}
			}
			if len(cells) > 0 {
				sheetLines = append(sheetLines, strings.Join(cells, " | "))
			}
		}

		if len(sheetLines) > 0 {
			parts = append(parts, fmt.Sprintf("Sheet: %s\n%s", name, strings.Join(sheetLines, "\n")))
		}
	}

	return &Result{
		Text:      strings.Join(parts, "\n\n"),
		Extractor: s.Name(),
		Metadata: map[string]string{
			"format":      "xlsx",
			"sheet_count": strconv.Itoa(len(sheets)),
		},
	}, nil
}

// PresentationStrategy extracts pptx text slide by slide. Slides are
// introduced with a "Slide N:" marker and shape order within a slide is
// preserved as stored in the slide XML.
type PresentationStrategy struct{}

// NewPresentationStrategy creates the pptx strategy.
func NewPresentationStrategy() *PresentationStrategy {
	return &PresentationStrategy{}
}

func (s *PresentationStrategy) Name() string         { return "presentation" }
func (s *PresentationStrategy) BreakerClass() string { return "office" }

func (s *PresentationStrategy) Extract(ctx context.Context, req *Request) (*Result, error) {
	if isOLECompound(req.Data) {
		return nil, fmt.Errorf("%w: legacy binary presentation", ErrUnsupportedVariant)
	}

	zr, err := zip.NewReader(bytes.NewReader(req.Data), int64(len(req.Data)))
	if err != nil {
		return nil, &CorruptedError{Format: "pptx", Err: err}
	}

	slides := slideFiles(zr)
	if len(slides) == 0 {
		return nil, &CorruptedError{Format: "pptx", Err: fmt.Errorf("no slides found in archive")}
	}

	var parts []string

	for i, f := range slides {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: slide %d", ErrTimeout, i+1)
		default:
		}

		text, err := slideText(f)
		if err != nil {
			return nil, &CorruptedError{Format: "pptx", Err: fmt.Errorf("slide %d: %w", i+1, err)}
		}
		if text != "" {
			parts = append(parts, fmt.Sprintf("Slide %d:\n%s", i+1, text))
		}
	}

	return &Result{
		Text:      strings.Join(parts, "\n\n"),
		Extractor: s.Name(),
		Metadata: map[string]string{
			"format":      "pptx",
			"slide_count": strconv.Itoa(len(slides)),
		},
	}, nil
}

// slideFiles returns the slide XML entries sorted by slide number so the
// output order is deterministic regardless of archive order.
func slideFiles(zr *zip.Reader) []*zip.File {
	var slides []*zip.File
	for _, f := range zr.File {
		if strings.HasPrefix(f.Name, "ppt/slides/slide") && strings.HasSuffix(f.Name, ".xml") {
			slides = append(slides, f)
		}
	}

	sort.Slice(slides, func(i, j int) bool {
		return slideNumber(slides[i].Name) < slideNumber(slides[j].Name)
	})
	return slides
}

func slideNumber(name string) int {
	digits := strings.TrimSuffix(strings.TrimPrefix(name, "ppt/slides/slide"), ".xml")
	n, err := strconv.Atoi(digits)
	if err != nil {
		return 0
	}
	return n
}

// slideText pulls every DrawingML text run (<a:t>) from one slide, one
// line per paragraph.
func slideText(f *zip.File) (string, error) {
	rc, err := f.Open()
	if err != nil {
		return "", err
	}
	defer rc.Close()

	decoder := xml.NewDecoder(rc)
	var lines []string
	var current strings.Builder

	for {
		tok, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}

		switch el := tok.(type) {
		case xml.StartElement:
			if el.Name.Local == "t" {
				var run string
				if err := decoder.DecodeElement(&run, &el); err != nil {
					return "", err
				}
				current.WriteString(run)
			}
		case xml.EndElement:
			if el.Name.Local == "p" {
				if line := strings.TrimSpace(current.String()); line != "" {
					lines = append(lines, line)
				}
				current.Reset()
			}
		}
	}

	if line := strings.TrimSpace(current.String()); line != "" {
		lines = append(lines, line)
	}

	return strings.Join(lines, "\n"), nil
}

var oleHeader = []byte{0xD0, 0xCF, 0x11, 0xE0, 0xA1, 0xB1, 0x1A, 0xE1}

// isOLECompound detects the OLE compound file header used by the legacy
// binary xls/ppt/doc containers, which the OOXML parsers cannot read.
func isOLECompound(data []byte) bool {
	return len(data) >= len(oleHeader) && bytes.Equal(data[:len(oleHeader)], oleHeader)
}
