// Package framing splits a byte stream into newline-terminated text messages
// and writes messages back out with a line terminator.
package framing

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strings"

	"github.com/cyberinferno/netroad/codec"
)

// Terminator ends every message on the wire.
const Terminator = "\n"

var (
	// ErrEmptyContent is returned for empty or whitespace-only messages.
	ErrEmptyContent = errors.New("content is empty")
	// ErrEmbeddedTerminator is returned for raw payloads that contain the terminator byte.
	ErrEmbeddedTerminator = errors.New("payload contains a line terminator")
)

// Validate rejects content that is empty or consists only of whitespace.
func Validate(content string) error {
	if strings.TrimSpace(content) == "" {
		return ErrEmptyContent
	}

	return nil
}

// ValidateRaw rejects empty raw payloads and payloads that would be split by
// the receiver's line framing.
func ValidateRaw(payload []byte) error {
	if len(payload) == 0 {
		return ErrEmptyContent
	}

	if bytes.IndexByte(payload, Terminator[0]) >= 0 {
		return ErrEmbeddedTerminator
	}

	return nil
}

// Reader yields one message per line from an encoded byte stream.
// A Reader is owned by a single goroutine.
type Reader struct {
	r *bufio.Reader
}

// NewReader decodes r with c and frames it by line.
func NewReader(r io.Reader, c *codec.Codec) *Reader {
	return &Reader{r: bufio.NewReader(c.NewReader(r))}
}

// ReadLine blocks until a full line is available and returns it without its
// "\n" or "\r\n" terminator. A final unterminated line is returned before
// io.EOF is reported on the next call.
func (r *Reader) ReadLine() (string, error) {
	line, err := r.r.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && line != "" {
			return line, nil
		}

		return "", err
	}

	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")
	return line, nil
}

// AppendText encodes text and appends the terminator.
func AppendText(c *codec.Codec, text string) ([]byte, error) {
	return c.Encode(text + Terminator)
}

// AppendRaw copies payload and appends the terminator without passing the
// bytes through a codec.
func AppendRaw(payload []byte) []byte {
	frame := make([]byte, 0, len(payload)+len(Terminator))
	frame = append(frame, payload...)
	return append(frame, Terminator...)
}
