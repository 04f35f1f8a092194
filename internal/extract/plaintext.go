package extract

import (
	"context"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

// PlainTextStrategy decodes plain-text documents through an encoding
// cascade: UTF-8, then CP1251, then UTF-8 with replacement characters. The
// first encoding that decodes cleanly wins. Pure in-process, so it runs
// without a breaker.
type PlainTextStrategy struct{}

// NewPlainTextStrategy creates the plain-text strategy.
func NewPlainTextStrategy() *PlainTextStrategy {
	return &PlainTextStrategy{}
}

func (s *PlainTextStrategy) Name() string         { return "plaintext" }
func (s *PlainTextStrategy) BreakerClass() string { return "" }

func (s *PlainTextStrategy) Extract(_ context.Context, req *Request) (*Result, error) {
	text, encoding := decodeCascade(req.Data)

	return &Result{
		Text:      text,
		Extractor: s.Name(),
		Metadata: map[string]string{
			"format":      FormatForFilename(req.Filename),
			"encoding":    encoding,
			"byte_length": strconv.Itoa(len(req.Data)),
		},
	}, nil
}

func decodeCascade(data []byte) (string, string) {
	if utf8.Valid(data) {
		return string(data), "utf-8"
	}

	// The CP1251 decoder never errors: it substitutes U+FFFD for the one
	// byte the code page leaves undefined (0x98). A replacement rune in
	// the output therefore means the bytes are not clean CP1251.
	if decoded, err := charmap.Windows1251.NewDecoder().Bytes(data); err == nil &&
		!strings.ContainsRune(string(decoded), utf8.RuneError) {
		return string(decoded), "cp1251"
	}

	return strings.ToValidUTF8(string(data), string(utf8.RuneError)), "utf-8-replace"
}
