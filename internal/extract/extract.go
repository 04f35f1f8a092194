// Package extract converts documents of heterogeneous formats into plain
// text. A router maps each detected format to an ordered chain of strategy
// implementations and falls through the chain on retryable failures.
package extract

import (
	"context"
	"path/filepath"
	"strings"
)

// Options controls a single extraction.
type Options struct {
	OCR       bool
	Languages []string
}

// Request is the normalized conversion request handed to the engine by the
// ingress layer. Consumed once.
type Request struct {
	Filename string
	Data     []byte
	Options  Options
}

// Result is the outcome of a successful extraction. It is built in full by
// exactly one strategy; a partially extracted document is a failure, not a
// partial result.
type Result struct {
	Text      string
	Metadata  map[string]string
	Extractor string
	Warnings  []string
}

// Page holds the native text layer of one PDF page.
type Page struct {
	Number int
	Text   string
}

// Enricher appends OCR-recognized text from embedded raster images to the
// native text of a PDF. Implementations must be a cheap no-op when the
// document contains no qualifying images.
type Enricher interface {
	Enrich(ctx context.Context, pdf []byte, pages []Page, languages []string) (text string, warnings []string, err error)
}

// Strategy is one format-specific extraction implementation. Strategies
// must be idempotent: the queue may deliver a task more than once, so
// identical input must yield identical output.
type Strategy interface {
	// Name identifies the strategy in results and diagnostics.
	Name() string
	// BreakerClass names the circuit breaker guarding this strategy, or
	// "" for pure in-process strategies that need no breaker.
	BreakerClass() string
	// Extract converts the request into a Result or a typed error.
	Extract(ctx context.Context, req *Request) (*Result, error)
}

// FormatForFilename returns the lower-cased extension without the dot.
func FormatForFilename(filename string) string {
	return strings.TrimPrefix(strings.ToLower(filepath.Ext(filename)), ".")
}

func joinPages(pages []Page) string {
	parts := make([]string, len(pages))
	for i, p := range pages {
		parts[i] = p.Text
	}
	return strings.Join(parts, "\n\n")
}
