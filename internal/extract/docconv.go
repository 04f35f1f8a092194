package extract

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"code.sajari.com/docconv"
)

// DocconvStrategy converts word-processor and legacy office formats through
// the docconv toolchain. It also serves as the fallback tail for chains
// whose primary strategy fails on a malformed container.
type DocconvStrategy struct{}

// NewDocconvStrategy creates the docconv-backed strategy.
func NewDocconvStrategy() *DocconvStrategy {
	return &DocconvStrategy{}
}

func (s *DocconvStrategy) Name() string         { return "docconv" }
func (s *DocconvStrategy) BreakerClass() string { return "docconv" }

func (s *DocconvStrategy) Extract(ctx context.Context, req *Request) (*Result, error) {
	select {
	case <-ctx.Done():
		return nil, ErrTimeout
	default:
	}

	mimeType := docconv.MimeTypeByExtension(req.Filename)

	res, err := docconv.Convert(bytes.NewReader(req.Data), mimeType, false)
	if err != nil {
		return nil, classifyDocconvError(err)
	}

	text := strings.TrimSpace(res.Body)
	if text == "" {
		return nil, &CorruptedError{
			Format: FormatForFilename(req.Filename),
			Err:    fmt.Errorf("converter produced no text"),
		}
	}

	metadata := map[string]string{
		"format":    FormatForFilename(req.Filename),
		"mime_type": mimeType,
	}
	for k, v := range res.Meta {
		metadata[k] = v
	}

	return &Result{
		Text:      text,
		Extractor: s.Name(),
		Metadata:  metadata,
	}, nil
}

// classifyDocconvError maps converter failures onto the error taxonomy.
// Missing external tools surface as ErrLibraryUnavailable so the health
// layer can tell an environment problem from a bad document.
func classifyDocconvError(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "executable file not found") ||
		strings.Contains(msg, "no such file") ||
		strings.Contains(msg, "unknown mime") {
		return fmt.Errorf("%w: %v", ErrLibraryUnavailable, err)
	}
	return &CorruptedError{Format: "document", Err: err}
}
