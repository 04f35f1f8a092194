package extract

import (
	"context"
	"fmt"
	"time"

	"github.com/relialabs/doctext/internal/breaker"
	"github.com/relialabs/doctext/internal/observability"
)

// Router maps a detected format to an ordered chain of strategies and runs
// fallback. Strategies appear most-reliable-first; a retryable failure falls
// through to the next entry without aborting the request.
type Router struct {
	logger   *observability.Logger
	breakers *breaker.Registry
	timeout  time.Duration
	routes   map[string][]Strategy
}

// RouterConfig holds router settings.
type RouterConfig struct {
	// StrategyTimeout bounds each individual strategy call.
	StrategyTimeout time.Duration
}

// NewRouter builds the default routing table. The enricher handles OCR for
// the PDF strategy; pass nil to disable enrichment entirely.
func NewRouter(cfg RouterConfig, breakers *breaker.Registry, enricher Enricher, logger *observability.Logger) *Router {
	pdf := NewPDFStrategy(enricher)
	sheet := NewSpreadsheetStrategy()
	slides := NewPresentationStrategy()
	docconv := NewDocconvStrategy()
	plain := NewPlainTextStrategy()

	routes := map[string][]Strategy{
		"pdf":  {pdf, docconv},
		"docx": {docconv},
		"doc":  {docconv},
		"odt":  {docconv},
		"rtf":  {docconv, plain},
		"xlsx": {sheet},
		"xls":  {sheet, docconv},
		"pptx": {slides, docconv},
		"ppt":  {docconv},
		"txt":  {plain},
		"text": {plain},
		"log":  {plain},
		"md":   {plain},
		"csv":  {plain},
	}

	return &Router{
		logger:   logger.WithComponent("router"),
		breakers: breakers,
		timeout:  cfg.StrategyTimeout,
		routes:   routes,
	}
}

// SupportedFormats returns the recognized format tags.
func (r *Router) SupportedFormats() []string {
	formats := make([]string, 0, len(r.routes))
	for f := range r.routes {
		formats = append(formats, f)
	}
	return formats
}

// Supports reports whether a strategy chain exists for the filename.
func (r *Router) Supports(filename string) bool {
	_, ok := r.routes[FormatForFilename(filename)]
	return ok
}

// Extract runs the strategy chain for the request's format. Exhausting all
// strategies yields a FailedError carrying every underlying error. A
// breaker rejection or context error aborts the chain immediately so the
// caller can distinguish backoff from genuine processing failure.
func (r *Router) Extract(ctx context.Context, req *Request) (*Result, error) {
	format := FormatForFilename(req.Filename)

	chain, ok := r.routes[format]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}

	var attempts []StrategyError

	for _, strategy := range chain {
		res, err := r.invoke(ctx, strategy, req)
		if err == nil {
			r.logger.Debug().
				Str("format", format).
				Str("strategy", strategy.Name()).
				Int("text_length", len(res.Text)).
				Msg("Extraction succeeded")
			return res, nil
		}

		if !retryable(err) {
			return nil, err
		}

		r.logger.Warn().
			Str("format", format).
			Str("strategy", strategy.Name()).
			Err(err).
			Msg("Strategy failed, falling through")
		attempts = append(attempts, StrategyError{Strategy: strategy.Name(), Err: err})
	}

	return nil, &FailedError{Format: format, Attempts: attempts}
}

// invoke runs one strategy under its breaker and call deadline.
func (r *Router) invoke(ctx context.Context, strategy Strategy, req *Request) (*Result, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	class := strategy.BreakerClass()
	if class == "" {
		return strategy.Extract(ctx, req)
	}

	var res *Result
	err := r.breakers.Get(class).Call(func() error {
		var callErr error
		res, callErr = strategy.Extract(ctx, req)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}
