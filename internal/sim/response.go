package sim

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Response is a simulated or replayed HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte

	// Stream is set for server-sent event responses. Body is ignored when
	// Stream is non-nil.
	Stream *Stream
}

// NewResponse builds a response with an empty header set.
func NewResponse(status int, body []byte) *Response {
	return &Response{StatusCode: status, Header: make(http.Header), Body: body}
}

// JSONResponse encodes v as the response body.
func JSONResponse(status int, v any) (*Response, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	resp := NewResponse(status, body)
	resp.Header.Set("Content-Type", "application/json")
	return resp, nil
}

// IsStreaming reports whether the response paces itself.
func (r *Response) IsStreaming() bool {
	return r != nil && r.Stream != nil
}

// Write sends the response to the client.
func (r *Response) Write(ctx context.Context, w http.ResponseWriter) error {
	for key, values := range r.Header {
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}

	if r.Stream != nil {
		if w.Header().Get("Content-Type") == "" {
			w.Header().Set("Content-Type", "text/event-stream")
		}
		w.WriteHeader(r.StatusCode)
		return r.Stream.WriteTo(ctx, w)
	}

	w.WriteHeader(r.StatusCode)
	if len(r.Body) == 0 {
		return nil
	}
	_, err := w.Write(r.Body)
	return err
}

// Stream is a finite, restartable sequence of server-sent events with a
// fixed delay between events.
type Stream struct {
	Events [][]byte
	Delay  time.Duration
}

// Done is the terminating server-sent event payload.
var Done = []byte("[DONE]")

// WriteTo emits each event as `data: <payload>\n\n`, flushing after every
// event. Cancelling ctx stops the iteration.
func (s *Stream) WriteTo(ctx context.Context, w http.ResponseWriter) error {
	flusher, _ := w.(http.Flusher)
	for i, event := range s.Events {
		if i > 0 && s.Delay > 0 {
			timer := time.NewTimer(s.Delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", event); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
	return nil
}
