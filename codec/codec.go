// Package codec converts message text to and from bytes using a configurable
// character encoding, and marshals objects into single-line JSON messages.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

var (
	// ErrNilEncoding is returned when a nil encoding is supplied.
	ErrNilEncoding = errors.New("encoding must not be nil")
	// ErrUnknownEncoding is returned by Lookup for unsupported encoding names.
	ErrUnknownEncoding = errors.New("unknown encoding")
)

// Codec encodes and decodes text with a single character encoding. A Codec
// holds no mutable state and is safe for concurrent use.
type Codec struct {
	enc  encoding.Encoding
	name string
}

// New creates a Codec for the given encoding.
//
// Parameters:
//   - enc: The character encoding, e.g. unicode.UTF8 or charmap.ISO8859_1
//
// Returns:
//   - The Codec, or ErrNilEncoding if enc is nil
func New(enc encoding.Encoding) (*Codec, error) {
	if enc == nil {
		return nil, ErrNilEncoding
	}

	name, err := htmlindex.Name(enc)
	if err != nil {
		name = fmt.Sprintf("%v", enc)
	}

	return &Codec{enc: enc, name: name}, nil
}

// UTF8 returns a Codec for UTF-8 text.
func UTF8() *Codec {
	return &Codec{enc: unicode.UTF8, name: "utf-8"}
}

// Name returns the canonical name of the encoding when it is known.
func (c *Codec) Name() string {
	return c.name
}

// Encoding returns the underlying encoding.
func (c *Codec) Encoding() encoding.Encoding {
	return c.enc
}

// Encode converts text into encoded bytes.
func (c *Codec) Encode(text string) ([]byte, error) {
	b, err := c.enc.NewEncoder().Bytes([]byte(text))
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", c.name, err)
	}

	return b, nil
}

// Decode converts encoded bytes into text.
func (c *Codec) Decode(data []byte) (string, error) {
	b, err := c.enc.NewDecoder().Bytes(data)
	if err != nil {
		return "", fmt.Errorf("decode %s: %w", c.name, err)
	}

	return string(b), nil
}

// NewReader wraps r so that reads yield UTF-8 text decoded from the encoding.
func (c *Codec) NewReader(r io.Reader) io.Reader {
	return transform.NewReader(r, c.enc.NewDecoder())
}

// MarshalLine encodes v as compact JSON text. encoding/json escapes control
// characters, so the result never contains a line terminator.
//
// Parameters:
//   - v: The value to marshal; must not be nil
//
// Returns:
//   - The JSON text, or an error if v is nil or cannot be marshaled
func MarshalLine(v any) (string, error) {
	if v == nil {
		return "", errors.New("object must not be nil")
	}

	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal object: %w", err)
	}

	return string(b), nil
}
