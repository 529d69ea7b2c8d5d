package collector

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"
)

var (
	bomUTF8    = []byte{0xEF, 0xBB, 0xBF}
	bomUTF16LE = []byte{0xFF, 0xFE}
)

// ParseError reports script output that is not the expected JSON value.
type ParseError struct {
	Script string
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s output: %v", e.Script, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Decoder turns raw script output into text and then into a JSON value.
type Decoder struct {
	fallback encoding.Encoding
}

// NewDecoder creates a decoder that falls back to the named legacy code page
// (for example "windows-1252") when output is not valid UTF-8.
func NewDecoder(fallbackName string) (*Decoder, error) {
	if fallbackName == "" {
		return &Decoder{}, nil
	}
	enc, err := htmlindex.Get(fallbackName)
	if err != nil {
		return nil, fmt.Errorf("unknown fallback encoding %q: %w", fallbackName, err)
	}
	return &Decoder{fallback: enc}, nil
}

// Text decodes raw bytes to a UTF-8 string.
func (d *Decoder) Text(raw []byte) (string, error) {
	switch {
	case bytes.HasPrefix(raw, bomUTF16LE):
		out, err := unicode.UTF16(unicode.LittleEndian, unicode.ExpectBOM).NewDecoder().Bytes(raw)
		if err != nil {
			return "", fmt.Errorf("decode utf-16: %w", err)
		}
		return string(out), nil
	case bytes.HasPrefix(raw, bomUTF8):
		raw = raw[len(bomUTF8):]
	}

	if utf8.Valid(raw) {
		return string(raw), nil
	}
	if d.fallback == nil {
		return "", fmt.Errorf("output is not valid utf-8 and no fallback encoding is configured")
	}

	out, err := d.fallback.NewDecoder().Bytes(raw)
	if err != nil {
		return "", fmt.Errorf("decode fallback encoding: %w", err)
	}
	return string(out), nil
}

// Parse decodes raw output into a JSON object or array. Empty output yields
// nil with no error. Numbers are kept as json.Number.
func (d *Decoder) Parse(script string, raw []byte) (any, error) {
	text, err := d.Text(raw)
	if err != nil {
		return nil, &ParseError{Script: script, Err: err}
	}

	trimmed := bytes.TrimSpace([]byte(text))
	if len(trimmed) == 0 {
		return nil, nil
	}
	if trimmed[0] != '{' && trimmed[0] != '[' {
		return nil, &ParseError{Script: script, Err: fmt.Errorf("expected a JSON object or array")}
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, &ParseError{Script: script, Err: err}
	}
	// A second Decode must hit EOF; More misses stray closing delimiters.
	var extra json.RawMessage
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return nil, &ParseError{Script: script, Err: fmt.Errorf("trailing data after JSON value")}
	}
	return v, nil
}
