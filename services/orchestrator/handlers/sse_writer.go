// Copyright (C) 2025 Driftline AI (oss@driftline.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
)

// =============================================================================
// Wire Payloads
// =============================================================================

// tokenPayload is the data of a token event: {"token":"..."}.
type tokenPayload struct {
	Token string `json:"token"`
}

// donePayload is the data of the done event: {"done":true,"citations":[...]}.
// Citations is always present, [] when the answer used no context.
type donePayload struct {
	Done      bool     `json:"done"`
	Citations []string `json:"citations"`
}

// errorPayload is the data of an error event: {"error":"..."}.
type errorPayload struct {
	Error string `json:"error"`
}

// =============================================================================
// Interface Definition
// =============================================================================

// SSEWriter writes the streaming chat wire protocol to an HTTP response.
//
// # Description
//
// SSEWriter abstracts SSE event serialization and writing, enabling
// testability and separation from HTTP response mechanics. Implementations
// handle the SSE wire format (event: type\ndata: json\n\n) internally and
// flush after every write.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use; the keepalive goroutine
// writes concurrently with the token stream.
//
// # Assumptions
//
//   - Caller has set SSE headers via SetSSEHeaders before the first write.
type SSEWriter interface {
	// WriteToken writes a token event carrying one generated fragment.
	WriteToken(content string) error

	// WriteDone writes the terminal done event with the citations of the
	// answer. A nil slice is written as [].
	WriteDone(citations []string) error

	// WriteError writes the in-stream error event. The message must already
	// be sanitized for clients.
	WriteError(errMsg string) error

	// WriteKeepAlive sends an SSE comment (": ping") to keep the connection
	// alive during long retrieval or generation pauses. Comments are ignored
	// by clients but reset load balancer idle timers.
	WriteKeepAlive() error
}

// =============================================================================
// Implementation
// =============================================================================

// sseWriter implements SSEWriter over an http.ResponseWriter.
//
// Thread-safe via mutex. Cannot be reused across requests.
type sseWriter struct {
	writer  http.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
}

// NewSSEWriter creates an SSEWriter for the given ResponseWriter.
//
// Returns an error if the ResponseWriter does not support http.Flusher.
func NewSSEWriter(w http.ResponseWriter) (SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}

	return &sseWriter{
		writer:  w,
		flusher: flusher,
	}, nil
}

// writeEvent serializes payload and writes it in SSE format, flushing
// immediately.
func (w *sseWriter) writeEvent(eventType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	// Write SSE format: event: type\ndata: json\n\n
	if _, err := fmt.Fprintf(w.writer, "event: %s\ndata: %s\n\n", eventType, data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}

	w.flusher.Flush()
	return nil
}

func (w *sseWriter) WriteToken(content string) error {
	return w.writeEvent("token", tokenPayload{Token: content})
}

func (w *sseWriter) WriteDone(citations []string) error {
	if citations == nil {
		citations = []string{}
	}
	return w.writeEvent("done", donePayload{Done: true, Citations: citations})
}

func (w *sseWriter) WriteError(errMsg string) error {
	return w.writeEvent("error", errorPayload{Error: errMsg})
}

func (w *sseWriter) WriteKeepAlive() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	// SSE comment format: colon followed by text, then double newline
	if _, err := fmt.Fprintf(w.writer, ": ping\n\n"); err != nil {
		return fmt.Errorf("write keepalive: %w", err)
	}

	w.flusher.Flush()
	return nil
}

// =============================================================================
// Helper Functions
// =============================================================================

// SetSSEHeaders configures HTTP response headers for SSE streaming.
//
// Sets Content-Type: text/event-stream, disables caching and proxy
// buffering. Must be called before writing any response body.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// =============================================================================
// Compile-time Interface Check
// =============================================================================

var _ SSEWriter = (*sseWriter)(nil)
