package extract

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/relialabs/doctext/internal/breaker"
)

var (
	// ErrUnsupportedFormat indicates no strategy chain exists for the format.
	ErrUnsupportedFormat = errors.New("unsupported format")
	// ErrUnsupportedVariant indicates the strategy recognized the document
	// but cannot handle this variant of the format (e.g. a legacy OLE
	// binary handed to an OOXML parser). The router falls through.
	ErrUnsupportedVariant = errors.New("unsupported format variant")
	// ErrLibraryUnavailable indicates the underlying parsing library or tool
	// is missing or failed to initialize.
	ErrLibraryUnavailable = errors.New("extraction library unavailable")
	// ErrTimeout indicates the strategy exceeded its call deadline.
	ErrTimeout = errors.New("extraction timed out")
)

// CorruptedError indicates the document could not be parsed as its claimed
// format. The router falls through to the next strategy.
type CorruptedError struct {
	Format string
	Err    error
}

func (e *CorruptedError) Error() string {
	return fmt.Sprintf("corrupted %s document: %v", e.Format, e.Err)
}

func (e *CorruptedError) Unwrap() error { return e.Err }

// StrategyError records one failed strategy attempt.
type StrategyError struct {
	Strategy string
	Err      error
}

func (e StrategyError) Error() string {
	return fmt.Sprintf("%s: %v", e.Strategy, e.Err)
}

func (e StrategyError) Unwrap() error { return e.Err }

// FailedError is returned when every strategy in the chain failed. It
// carries each underlying error for diagnostics.
type FailedError struct {
	Format   string
	Attempts []StrategyError
}

func (e *FailedError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, a.Error())
	}
	return fmt.Sprintf("extraction failed for %s after %d strategies: %s",
		e.Format, len(e.Attempts), strings.Join(parts, "; "))
}

// Unwrap exposes the underlying strategy errors for errors.Is / errors.As.
func (e *FailedError) Unwrap() []error {
	errs := make([]error, len(e.Attempts))
	for i, a := range e.Attempts {
		errs[i] = a
	}
	return errs
}

// retryable reports whether a strategy failure should fall through to the
// next strategy. Breaker rejections and context cancellation abort the
// whole chain: the former means back off, the latter means the caller is
// gone.
func retryable(err error) bool {
	if errors.Is(err, breaker.ErrOpen) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}
