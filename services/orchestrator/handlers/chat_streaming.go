// Copyright (C) 2025 Driftline AI (oss@driftline.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/driftline-ai/driftline/services/orchestrator/datatypes"
	"github.com/driftline-ai/driftline/services/orchestrator/observability"
	"github.com/driftline-ai/driftline/services/orchestrator/services"
	"github.com/driftline-ai/driftline/services/policy_engine"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// keepAliveInterval is how often the heartbeat goroutine emits an SSE
// comment while the stream is open.
const keepAliveInterval = 15 * time.Second

// ExchangeProcessor is the part of the exchange service the handler needs.
type ExchangeProcessor interface {
	Process(ctx context.Context, req *datatypes.ChatStreamRequest,
		sink services.StreamSink) (*services.ExchangeResult, error)
}

// StreamingChatHandler handles the streaming RAG chat endpoint.
type StreamingChatHandler interface {
	HandleChatRAGStream(c *gin.Context)
}

type streamingChatHandler struct {
	exchange     ExchangeProcessor
	policyEngine *policy_engine.PolicyEngine
	tracer       trace.Tracer
}

// NewStreamingChatHandler creates the handler for POST /v1/chat/rag/stream.
// Panics if a dependency is nil; both are wired at startup.
func NewStreamingChatHandler(exchange ExchangeProcessor,
	policyEngine *policy_engine.PolicyEngine) StreamingChatHandler {

	if exchange == nil {
		panic("NewStreamingChatHandler: exchange is required")
	}
	if policyEngine == nil {
		panic("NewStreamingChatHandler: policyEngine is required")
	}
	return &streamingChatHandler{
		exchange:     exchange,
		policyEngine: policyEngine,
		tracer:       otel.Tracer("driftline.orchestrator.handlers"),
	}
}

// HandleChatRAGStream runs one streaming chat exchange.
//
// # Description
//
// Step flow:
//  1. Bind and validate the request body.
//  2. Scan the outbound message against the data classification policy.
//     Findings block the request with 403 before anything is persisted.
//  3. Hand the exchange to the ExchangeProcessor with a lazily-opened SSE
//     sink. Failures before the sink opens map to JSON error statuses;
//     afterwards the wire protocol carries the outcome.
//
// # Wire Protocol
//
//   - event: token  data: {"token":"..."}
//   - event: done   data: {"done":true,"citations":[...]}
//   - event: error  data: {"error":"..."}
//   - keepalive comments every 15s
func (h *streamingChatHandler) HandleChatRAGStream(c *gin.Context) {
	start := time.Now()
	metrics := observability.DefaultMetrics
	endpoint := observability.EndpointRAGStream

	ctx, span := h.tracer.Start(c.Request.Context(), "streamingChatHandler.HandleChatRAGStream")
	defer span.End()

	var req datatypes.ChatStreamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		if metrics != nil {
			metrics.RecordError(endpoint, observability.ErrorCodeValidation)
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := req.Validate(); err != nil {
		if metrics != nil {
			metrics.RecordError(endpoint, observability.ErrorCodeValidation)
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	span.SetAttributes(attribute.String("session_id", req.SessionID))

	// Policy scan before any side effect. A blocked message is never
	// persisted.
	if findings := h.policyEngine.ScanMessage(req.Message); len(findings) > 0 {
		classification := h.policyEngine.ClassifyData([]byte(req.Message))
		slog.Warn("message blocked by data classification policy",
			"session_id", req.SessionID, "classification", classification,
			"findings", len(findings))
		if metrics != nil {
			metrics.RecordError(endpoint, observability.ErrorCodePolicyViolation)
		}
		c.JSON(http.StatusForbidden, gin.H{
			"error":          "message blocked by data classification policy",
			"classification": classification,
			"findings":       findings,
		})
		return
	}

	if metrics != nil {
		metrics.StreamStarted(endpoint)
		defer metrics.StreamEnded(endpoint)
	}

	sink := newSSEStreamSink(c, endpoint, start)
	defer sink.close()

	result, err := h.exchange.Process(ctx, &req, sink)
	if err != nil {
		h.writeProcessError(c, sink, err)
		if metrics != nil {
			metrics.RecordRequest(endpoint, false)
			metrics.RecordStreamDuration(endpoint, time.Since(start).Seconds(), false)
		}
		return
	}

	success := result.State == services.StateCompleted
	if metrics != nil {
		if result.State == services.StateCanceled {
			metrics.RecordClientDisconnect(endpoint)
		}
		if result.State == services.StateFailed {
			metrics.RecordError(endpoint, observability.ErrorCodeLLMError)
		}
		metrics.RecordTokens(endpoint, result.TokenCount)
		metrics.RecordRequest(endpoint, success)
		metrics.RecordStreamDuration(endpoint, time.Since(start).Seconds(), success)
	}

	slog.Info("chat exchange finished",
		"session_id", result.SessionID,
		"state", string(result.State),
		"tokens", result.TokenCount,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// writeProcessError maps a pre-stream exchange failure to an HTTP status.
// Once the sink opened the response is already committed as an event stream
// and only the log can carry the failure.
func (h *streamingChatHandler) writeProcessError(c *gin.Context, sink *sseStreamSink, err error) {
	metrics := observability.DefaultMetrics
	endpoint := observability.EndpointRAGStream

	if sink.opened {
		slog.Error("exchange failed after stream opened", "error", err)
		return
	}

	switch {
	case services.IsValidationError(err):
		if metrics != nil {
			metrics.RecordError(endpoint, observability.ErrorCodeValidation)
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case services.IsPersistenceError(err):
		slog.Error("failed to persist user message", "error", err)
		if metrics != nil {
			metrics.RecordError(endpoint, observability.ErrorCodePersistence)
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to record message"})
	default:
		slog.Error("exchange failed before streaming", "error", err)
		if metrics != nil {
			metrics.RecordError(endpoint, observability.ErrorCodeInternal)
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}

// =============================================================================
// SSE Stream Sink
// =============================================================================

// sseStreamSink adapts the SSE writer to the services.StreamSink contract.
//
// The sink is created closed; Open sets the SSE headers, builds the writer
// and starts the keepalive heartbeat. Before Open nothing has been written,
// so the handler can still send a JSON error response.
type sseStreamSink struct {
	c          *gin.Context
	endpoint   observability.Endpoint
	start      time.Time
	writer     SSEWriter
	opened     bool
	firstToken sync.Once
	stop       chan struct{}
}

func newSSEStreamSink(c *gin.Context, endpoint observability.Endpoint, start time.Time) *sseStreamSink {
	return &sseStreamSink{
		c:        c,
		endpoint: endpoint,
		start:    start,
		stop:     make(chan struct{}),
	}
}

func (s *sseStreamSink) Open() error {
	SetSSEHeaders(s.c.Writer)
	writer, err := NewSSEWriter(s.c.Writer)
	if err != nil {
		return err
	}
	s.writer = writer
	s.opened = true

	go runHeartbeat(s.c.Request.Context(), writer, s.endpoint, s.stop)
	return nil
}

func (s *sseStreamSink) Token(content string) error {
	s.firstToken.Do(func() {
		if metrics := observability.DefaultMetrics; metrics != nil {
			metrics.RecordTimeToFirstToken(s.endpoint, time.Since(s.start).Seconds())
		}
	})
	return s.writer.WriteToken(content)
}

func (s *sseStreamSink) Done(citations []string) error {
	return s.writer.WriteDone(citations)
}

func (s *sseStreamSink) Fail(message string) error {
	return s.writer.WriteError(message)
}

// close stops the heartbeat goroutine. Safe to call whether or not the sink
// ever opened.
func (s *sseStreamSink) close() {
	close(s.stop)
}

// runHeartbeat emits keepalive comments until the stream ends or the client
// goes away.
func runHeartbeat(ctx context.Context, writer SSEWriter, endpoint observability.Endpoint,
	stop <-chan struct{}) {

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if err := writer.WriteKeepAlive(); err != nil {
				slog.Debug("keepalive write failed, stopping heartbeat", "error", err)
				return
			}
			if metrics := observability.DefaultMetrics; metrics != nil {
				metrics.RecordKeepAlive(endpoint)
			}
		}
	}
}

var _ services.StreamSink = (*sseStreamSink)(nil)
