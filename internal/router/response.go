package router

import (
	"context"
	"errors"
	"net/http"

	"github.com/blueberrycongee/vortex/internal/httputil"
	"github.com/blueberrycongee/vortex/internal/metrics"
	"github.com/blueberrycongee/vortex/internal/streaming"
)

// BytesResponse relays a buffered upstream response.
type BytesResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Render implements Response.
func (r *BytesResponse) Render(_ context.Context, w http.ResponseWriter) error {
	httputil.CopyHeaders(w.Header(), r.Header, "Content-Length")
	status := r.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, err := w.Write(r.Body)
	return err
}

// ValueResponse encodes a gateway-produced value in the requested format.
type ValueResponse struct {
	StatusCode int
	Format     string
	Value      any
}

// Render implements Response.
func (r *ValueResponse) Render(_ context.Context, w http.ResponseWriter) error {
	status := r.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	return httputil.WriteFormat(w, status, r.Format, r.Value)
}

// Stream outcomes reported to metrics.
const (
	StreamDone       = "done"
	StreamError      = "error"
	StreamDisconnect = "disconnect"
)

// StreamResponse pumps an upstream token stream to the client as SSE frames.
// Stats and Outcome are valid once Render has returned.
type StreamResponse struct {
	Provider string
	Source   streaming.Source
	// Collector, when set, tracks the stream as active while it is pumped.
	Collector *metrics.Collector

	stats   streaming.Stats
	outcome string
}

// Render implements Response.
func (r *StreamResponse) Render(ctx context.Context, w http.ResponseWriter) error {
	if r.Collector != nil {
		r.Collector.RecordActiveStream(r.Provider, 1)
		defer r.Collector.RecordActiveStream(r.Provider, -1)
	}
	stats, err := streaming.Pump(ctx, w, r.Source)
	r.stats = stats
	switch {
	case err == nil:
		r.outcome = StreamDone
	case errors.Is(err, context.Canceled) || ctx.Err() != nil:
		r.outcome = StreamDisconnect
	default:
		r.outcome = StreamError
	}
	return err
}

// Stats returns what was pumped.
func (r *StreamResponse) Stats() streaming.Stats { return r.stats }

// Outcome returns how the stream ended.
func (r *StreamResponse) Outcome() string { return r.outcome }
