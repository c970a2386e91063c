// Package provider defines the adapter contract for upstream LLM APIs
// and shared HTTP plumbing. Each adapter translates the unified request
// types to its provider's wire format and normalizes responses, stream
// chunks, and errors back.
package provider

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/relaymux/relaymux/internal/registry"
	gwerrors "github.com/relaymux/relaymux/pkg/errors"
	"github.com/relaymux/relaymux/pkg/types"
)

// Adapter is implemented once per provider API shape.
type Adapter interface {
	// Name returns the provider identifier, e.g. "openai".
	Name() string

	// Complete performs a blocking chat completion on the deployment.
	Complete(ctx context.Context, d *registry.Deployment, req *types.ChatRequest) (*types.ChatResponse, error)

	// CompleteStream starts a streaming chat completion. The returned
	// stream yields normalized chunks until io.EOF.
	CompleteStream(ctx context.Context, d *registry.Deployment, req *types.ChatRequest) (Stream, error)

	// Embed performs an embedding call. Adapters without embedding
	// support return an invalid request error.
	Embed(ctx context.Context, d *registry.Deployment, req *types.EmbeddingRequest) (*types.EmbeddingResponse, error)
}

// Stream iterates normalized chunks of a streaming response.
type Stream interface {
	// Next returns the next chunk, or io.EOF when the stream ends.
	Next() (*types.StreamChunk, error)
	Close() error
}

// DefaultTimeout applies when a deployment sets none.
const DefaultTimeout = 30 * time.Second

// NewHTTPClient builds the shared upstream client. Per-request deadlines
// come from context; the client timeout is a hard backstop covering
// streaming reads.
func NewHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 20,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

// DoJSON executes a request and returns the body for 2xx responses.
// Non-2xx responses are mapped through mapError.
func DoJSON(client *http.Client, httpReq *http.Request, mapError func(statusCode int, body []byte) error) ([]byte, error) {
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, transportError(httpReq.Context(), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, gwerrors.NewUpstreamUnavailableError("", "", fmt.Sprintf("read response: %v", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, mapError(resp.StatusCode, body)
	}
	return body, nil
}

// transportError classifies client-side failures.
func transportError(ctx context.Context, err error) error {
	if ctx.Err() == context.DeadlineExceeded {
		return gwerrors.NewTimeoutError("", "", "upstream request timed out")
	}
	if ctx.Err() == context.Canceled {
		return gwerrors.NewInternalError("request canceled")
	}
	return gwerrors.NewUpstreamUnavailableError("", "", err.Error())
}

// SSEStream reads server-sent events and parses each data payload with
// parse. A nil chunk from parse is skipped (keep-alives, [DONE]).
type SSEStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	parse   func(data []byte) (*types.StreamChunk, error)
	done    bool
}

// NewSSEStream wraps a response body in an SSE chunk iterator.
func NewSSEStream(body io.ReadCloser, parse func(data []byte) (*types.StreamChunk, error)) *SSEStream {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	return &SSEStream{
		body:    body,
		scanner: scanner,
		parse:   parse,
	}
}

// Next returns the next parsed chunk or io.EOF.
func (s *SSEStream) Next() (*types.StreamChunk, error) {
	if s.done {
		return nil, io.EOF
	}
	for s.scanner.Scan() {
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 || bytes.HasPrefix(line, []byte(":")) {
			continue
		}
		if !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}
		data := bytes.TrimSpace(bytes.TrimPrefix(line, []byte("data:")))
		if bytes.Equal(data, []byte("[DONE]")) {
			s.done = true
			return nil, io.EOF
		}
		chunk, err := s.parse(data)
		if err != nil {
			return nil, err
		}
		if chunk == nil {
			continue
		}
		return chunk, nil
	}
	if err := s.scanner.Err(); err != nil {
		return nil, gwerrors.NewUpstreamUnavailableError("", "", fmt.Sprintf("stream read: %v", err))
	}
	s.done = true
	return nil, io.EOF
}

// Close releases the underlying body.
func (s *SSEStream) Close() error {
	s.done = true
	return s.body.Close()
}
