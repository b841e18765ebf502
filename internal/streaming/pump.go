package streaming

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	gwerrors "github.com/blueberrycongee/vortex/pkg/errors"
	"github.com/blueberrycongee/vortex/pkg/types"
)

// Source is a pull-based token stream.
type Source interface {
	// Next returns the next chunk or io.EOF when the stream completes.
	Next() (*types.StreamChunk, error)
	Close() error
}

type frameDelta struct {
	Content string `json:"content"`
}

type frameChoice struct {
	Delta frameDelta `json:"delta"`
}

type frame struct {
	Choices []frameChoice `json:"choices"`
}

// Stats summarizes a pumped stream.
type Stats struct {
	Frames     int
	Bytes      int64
	FirstToken time.Duration
	Duration   time.Duration
}

// EncodeFrame renders one canonical delta event.
func EncodeFrame(token string) ([]byte, error) {
	data, err := json.Marshal(frame{Choices: []frameChoice{{Delta: frameDelta{Content: token}}}})
	if err != nil {
		return nil, fmt.Errorf("marshal frame: %w", err)
	}
	out := make([]byte, 0, len(SSEDataPrefix)+len(data)+2)
	out = append(out, SSEDataPrefix...)
	out = append(out, data...)
	return append(out, '\n', '\n'), nil
}

// EncodeError renders the terminal error event.
func EncodeError(err error) []byte {
	ge := gwerrors.From(err)
	data, mErr := json.Marshal(ge)
	if mErr != nil {
		data = []byte(`{"errcode":"Internal","errmsg":"stream failed"}`)
	}
	out := append([]byte(SSEDataPrefix), data...)
	return append(out, '\n', '\n')
}

// DoneFrame terminates a successful stream.
var DoneFrame = []byte(SSEDataPrefix + SSEDone + "\n\n")

// SetHeaders prepares w for an event stream.
func SetHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no") // Disable nginx buffering
}

// Pump copies src to w as canonical delta frames, preserving order. It writes
// [DONE] on completion and an error frame when the upstream fails mid-stream.
// When ctx is done the upstream is closed immediately and nothing more is
// written. src is always closed on return.
func Pump(ctx context.Context, w http.ResponseWriter, src Source) (stats Stats, err error) {
	start := time.Now()

	stop := context.AfterFunc(ctx, func() { _ = src.Close() })
	defer func() {
		stop()
		_ = src.Close()
		stats.Duration = time.Since(start)
	}()

	SetHeaders(w)
	w.WriteHeader(http.StatusOK)
	rc := http.NewResponseController(w)
	flush := func() { _ = rc.Flush() }
	flush()

	write := func(b []byte) error {
		n, err := w.Write(b)
		stats.Bytes += int64(n)
		if err != nil {
			return err
		}
		flush()
		return nil
	}

	for {
		chunk, err := src.Next()
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		if errors.Is(err, io.EOF) {
			return stats, write(DoneFrame)
		}
		if err != nil {
			_ = write(EncodeError(err))
			return stats, err
		}

		token := chunk.Text()
		if token == "" {
			continue
		}
		data, err := EncodeFrame(token)
		if err != nil {
			_ = write(EncodeError(err))
			return stats, err
		}
		if err := write(data); err != nil {
			return stats, err
		}
		if stats.Frames == 0 {
			stats.FirstToken = time.Since(start)
		}
		stats.Frames++
	}
}
