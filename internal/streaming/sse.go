package streaming

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/relaymux/relaymux/internal/metrics"
	"github.com/relaymux/relaymux/internal/provider"
	"github.com/relaymux/relaymux/pkg/types"
)

// Labels identifies the serving deployment for stream metrics.
type Labels struct {
	Model      string
	ModelGroup string
	Provider   string
}

// Writer emits SSE frames to the client, flushing after each one.
type Writer struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewWriter prepares the response for SSE. It returns an error when the
// underlying writer cannot flush.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("response writer does not support streaming")
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")

	return &Writer{w: w, flusher: flusher}, nil
}

// Send writes one chunk as a data frame.
func (sw *Writer) Send(chunk *types.StreamChunk) error {
	data, err := json.Marshal(chunk)
	if err != nil {
		return err
	}
	if _, err := sw.w.Write([]byte("data: ")); err != nil {
		return err
	}
	if _, err := sw.w.Write(data); err != nil {
		return err
	}
	if _, err := sw.w.Write([]byte("\n\n")); err != nil {
		return err
	}
	sw.flusher.Flush()
	return nil
}

// Done writes the terminal sentinel frame.
func (sw *Writer) Done() error {
	if _, err := sw.w.Write([]byte("data: [DONE]\n\n")); err != nil {
		return err
	}
	sw.flusher.Flush()
	return nil
}

// ForwardLive relays a provider stream to the client, observing time to
// first token and accumulating the full response. A client disconnect
// or upstream error ends forwarding; whatever accumulated so far is
// still returned for accounting.
func ForwardLive(ctx context.Context, sw *Writer, stream provider.Stream, labels Labels) (*types.ChatResponse, *types.Usage, error) {
	defer stream.Close()

	acc := NewAccumulator()
	start := time.Now()
	first := true

	for {
		if ctx.Err() != nil {
			return acc.Response(), acc.Usage(), ctx.Err()
		}

		chunk, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return acc.Response(), acc.Usage(), err
		}

		if first {
			metrics.TimeToFirstToken.WithLabelValues(labels.Model, labels.ModelGroup, labels.Provider).
				Observe(time.Since(start).Seconds())
			first = false
		}

		acc.Add(chunk)
		if err := sw.Send(chunk); err != nil {
			return acc.Response(), acc.Usage(), err
		}
	}

	err := sw.Done()
	return acc.Response(), acc.Usage(), err
}

// ForwardChunks replays a synthesized chunk sequence, used for cache
// hits.
func ForwardChunks(sw *Writer, chunks []*types.StreamChunk) error {
	for _, chunk := range chunks {
		if err := sw.Send(chunk); err != nil {
			return err
		}
	}
	return sw.Done()
}
