package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
)

// errClientGone is returned by Emit after the client disconnects.
var errClientGone = errors.New("sse: client disconnected")

// sseEmitter writes events as SSE frames: "event: message\ndata: <json>\n\n".
// Safe for concurrent use; background goroutines and the request handler may
// both emit.
type sseEmitter struct {
	w       http.ResponseWriter
	flusher http.Flusher

	mu   sync.Mutex
	gone bool
}

// newSSEEmitter prepares the response for event streaming. Returns an error
// when the ResponseWriter cannot flush.
func newSSEEmitter(w http.ResponseWriter) (*sseEmitter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("sse: response writer does not support flushing")
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &sseEmitter{w: w, flusher: flusher}, nil
}

// Emit serializes v and writes one SSE frame. Returns errClientGone once a
// write has failed; subsequent calls are no-ops.
func (e *sseEmitter) Emit(v any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gone {
		return errClientGone
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("sse: marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(e.w, "event: message\ndata: %s\n\n", data); err != nil {
		e.gone = true
		return errClientGone
	}
	e.flusher.Flush()
	return nil
}
