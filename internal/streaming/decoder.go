// Package streaming decodes provider token streams and re-encodes them as one
// canonical SSE wire format.
package streaming

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/blueberrycongee/vortex/pkg/types"
)

const (
	// DefaultBufferSize is the read buffer size for upstream streams.
	DefaultBufferSize = 4096

	// MaxLineBytes caps a single upstream line.
	MaxLineBytes = 1 << 20

	// SSEDataPrefix is the prefix for SSE data lines.
	SSEDataPrefix = "data: "

	// SSEDone is the marker for stream completion.
	SSEDone = "[DONE]"
)

// ErrLineTooLong is returned when an upstream line exceeds MaxLineBytes.
var ErrLineTooLong = errors.New("stream line too long")

// Decoder reads an upstream body line by line and yields parsed chunks.
// It is safe to call Close concurrently with Next; Close unblocks a pending read.
type Decoder struct {
	body   io.ReadCloser
	reader *bufio.Reader
	parser ChunkParser

	closeOnce sync.Once
	closeErr  error
	done      bool
}

// NewDecoder wraps body with parser.
func NewDecoder(body io.ReadCloser, parser ChunkParser) *Decoder {
	if parser == nil {
		parser = &OpenAIParser{}
	}
	return &Decoder{
		body:   body,
		reader: bufio.NewReaderSize(body, DefaultBufferSize),
		parser: parser,
	}
}

// Next returns the next content-bearing chunk, or io.EOF once the stream ends.
func (d *Decoder) Next() (*types.StreamChunk, error) {
	if d.done {
		return nil, io.EOF
	}
	for {
		line, err := d.readLine()
		if len(line) > 0 {
			chunk, perr := d.parser.ParseChunk(line)
			if errors.Is(perr, io.EOF) {
				d.done = true
				return nil, io.EOF
			}
			if perr != nil {
				return nil, perr
			}
			if chunk != nil {
				return chunk, nil
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				d.done = true
			}
			return nil, err
		}
	}
}

func (d *Decoder) readLine() ([]byte, error) {
	var buf []byte
	for {
		frag, err := d.reader.ReadSlice('\n')
		if len(buf)+len(frag) > MaxLineBytes {
			return nil, fmt.Errorf("%w: more than %d bytes", ErrLineTooLong, MaxLineBytes)
		}
		buf = append(buf, frag...)
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return bytes.TrimRight(buf, "\r\n"), err
	}
}

// Close releases the upstream body.
func (d *Decoder) Close() error {
	d.closeOnce.Do(func() {
		d.closeErr = d.body.Close()
	})
	return d.closeErr
}
