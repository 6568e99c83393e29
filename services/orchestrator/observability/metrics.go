// Copyright (C) 2025 Driftline AI (oss@driftline.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability provides Prometheus metrics for the orchestrator.
//
// Metrics cover the streaming chat endpoint (request counters, token
// latency histograms, active stream gauges) and are exposed on /metrics for
// Prometheus scraping. All operations are thread-safe via Prometheus's
// internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace for all metrics
const metricsNamespace = "driftline"

// Subsystem for streaming metrics
const streamingSubsystem = "streaming"

// StreamingMetrics holds all Prometheus metrics for streaming chat
// operations. Initialize once at startup via InitMetrics().
type StreamingMetrics struct {
	// RequestsTotal counts streaming requests by endpoint and status.
	RequestsTotal *prometheus.CounterVec

	// TokensTotal counts streamed output tokens by endpoint.
	TokensTotal *prometheus.CounterVec

	// TimeToFirstTokenSeconds measures latency to first token.
	TimeToFirstTokenSeconds *prometheus.HistogramVec

	// StreamDurationSeconds measures total stream duration.
	StreamDurationSeconds *prometheus.HistogramVec

	// ActiveStreams tracks currently active streaming connections.
	ActiveStreams *prometheus.GaugeVec

	// ErrorsTotal counts errors by type and endpoint.
	ErrorsTotal *prometheus.CounterVec

	// KeepAlivesTotal counts keepalive pings sent.
	KeepAlivesTotal *prometheus.CounterVec

	// ClientDisconnectsTotal counts client disconnections during streaming.
	ClientDisconnectsTotal *prometheus.CounterVec
}

// DefaultMetrics is the singleton instance of StreamingMetrics.
// Initialized by InitMetrics().
var DefaultMetrics *StreamingMetrics

// InitMetrics creates and registers all Prometheus metrics. Call once at
// application startup; a second call panics on duplicate registration.
func InitMetrics() *StreamingMetrics {
	DefaultMetrics = &StreamingMetrics{
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "requests_total",
				Help:      "Total number of streaming requests by endpoint and status",
			},
			[]string{"endpoint", "status"},
		),

		TokensTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "tokens_total",
				Help:      "Total streamed output tokens by endpoint",
			},
			[]string{"endpoint"},
		),

		TimeToFirstTokenSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "time_to_first_token_seconds",
				Help:      "Time from request to first token in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
			[]string{"endpoint"},
		),

		StreamDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "stream_duration_seconds",
				Help:      "Total stream duration in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"endpoint", "status"},
		),

		ActiveStreams: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "active_streams",
				Help:      "Number of currently active streaming connections",
			},
			[]string{"endpoint"},
		),

		ErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "errors_total",
				Help:      "Total streaming errors by type and endpoint",
			},
			[]string{"endpoint", "error_code"},
		),

		KeepAlivesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "keepalives_total",
				Help:      "Total keepalive pings sent",
			},
			[]string{"endpoint"},
		),

		ClientDisconnectsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "client_disconnects_total",
				Help:      "Total client disconnections during streaming",
			},
			[]string{"endpoint"},
		),
	}

	return DefaultMetrics
}

// =============================================================================
// Error Codes
// =============================================================================

// ErrorCode represents a categorized error type for metrics.
type ErrorCode string

const (
	// ErrorCodePolicyViolation indicates blocked due to policy scan.
	ErrorCodePolicyViolation ErrorCode = "policy_violation"

	// ErrorCodeValidation indicates request validation failure.
	ErrorCodeValidation ErrorCode = "validation"

	// ErrorCodeLLMError indicates LLM backend failure.
	ErrorCodeLLMError ErrorCode = "llm_error"

	// ErrorCodePersistence indicates history store failure.
	ErrorCodePersistence ErrorCode = "persistence"

	// ErrorCodeInternal indicates internal server error.
	ErrorCodeInternal ErrorCode = "internal"
)

// =============================================================================
// Endpoint Names
// =============================================================================

// Endpoint represents a streaming endpoint for metrics labeling.
type Endpoint string

const (
	// EndpointRAGStream is the RAG chat streaming endpoint.
	EndpointRAGStream Endpoint = "rag_stream"
)

// =============================================================================
// Helper Methods
// =============================================================================

// RecordRequest records a completed streaming request.
func (m *StreamingMetrics) RecordRequest(endpoint Endpoint, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	m.RequestsTotal.WithLabelValues(string(endpoint), status).Inc()
}

// RecordError records a streaming error.
func (m *StreamingMetrics) RecordError(endpoint Endpoint, code ErrorCode) {
	m.ErrorsTotal.WithLabelValues(string(endpoint), string(code)).Inc()
}

// RecordTokens records streamed output token count.
func (m *StreamingMetrics) RecordTokens(endpoint Endpoint, outputTokens int) {
	m.TokensTotal.WithLabelValues(string(endpoint)).Add(float64(outputTokens))
}

// StreamStarted increments the active streams gauge.
func (m *StreamingMetrics) StreamStarted(endpoint Endpoint) {
	m.ActiveStreams.WithLabelValues(string(endpoint)).Inc()
}

// StreamEnded decrements the active streams gauge.
func (m *StreamingMetrics) StreamEnded(endpoint Endpoint) {
	m.ActiveStreams.WithLabelValues(string(endpoint)).Dec()
}

// RecordTimeToFirstToken records the time to first token latency.
func (m *StreamingMetrics) RecordTimeToFirstToken(endpoint Endpoint, seconds float64) {
	m.TimeToFirstTokenSeconds.WithLabelValues(string(endpoint)).Observe(seconds)
}

// RecordStreamDuration records the total stream duration.
func (m *StreamingMetrics) RecordStreamDuration(endpoint Endpoint, seconds float64, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	m.StreamDurationSeconds.WithLabelValues(string(endpoint), status).Observe(seconds)
}

// RecordKeepAlive increments the keepalive counter.
func (m *StreamingMetrics) RecordKeepAlive(endpoint Endpoint) {
	m.KeepAlivesTotal.WithLabelValues(string(endpoint)).Inc()
}

// RecordClientDisconnect increments the client disconnect counter.
func (m *StreamingMetrics) RecordClientDisconnect(endpoint Endpoint) {
	m.ClientDisconnectsTotal.WithLabelValues(string(endpoint)).Inc()
}
