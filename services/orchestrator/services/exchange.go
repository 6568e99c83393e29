// Copyright (C) 2025 Driftline AI (oss@driftline.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package services holds the exchange orchestration logic sitting between
// the HTTP handlers and the retrieval, generation and history layers.
package services

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/driftline-ai/driftline/services/llm"
	"github.com/driftline-ai/driftline/services/orchestrator/datatypes"
	"github.com/driftline-ai/driftline/services/orchestrator/history"
	"github.com/driftline-ai/driftline/services/orchestrator/rag"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("driftline.orchestrator.exchange")

// DefaultHistoryWindow is the number of stored messages loaded into the
// prompt.
const DefaultHistoryWindow = 10

// ExchangeState is the terminal or intermediate state of one exchange.
type ExchangeState string

const (
	StateReceived    ExchangeState = "received"
	StatePersistUser ExchangeState = "persist_user"
	StateRetrieving  ExchangeState = "retrieving"
	StateComposing   ExchangeState = "composing"
	StateStreaming   ExchangeState = "streaming"
	StateCompleted   ExchangeState = "completed"
	StateFailed      ExchangeState = "failed"
	StateCanceled    ExchangeState = "canceled"
)

// StreamSink is the transport the exchange streams its answer into.
//
// # Description
//
// The sink stays closed until the exchange reaches the streaming stage;
// failures before Open are returned to the caller as ordinary errors and can
// still map to HTTP status codes. After Open succeeds, the channel is
// committed and all further failures travel in-band through Fail.
//
// Exactly one of Done or Fail terminates an opened sink, and neither is
// called when the exchange is canceled.
type StreamSink interface {
	// Open commits the response channel.
	Open() error

	// Token appends one generated fragment.
	Token(content string) error

	// Done writes the completion marker with the exchange citations.
	// Citations is never nil.
	Done(citations []string) error

	// Fail writes the in-stream error marker.
	Fail(message string) error
}

// ExchangeResult describes how an exchange ended.
type ExchangeResult struct {
	State      ExchangeState
	SessionID  string
	Answer     string
	Citations  []string
	TokenCount int
}

// ExchangeService drives a single chat exchange through its stages.
//
// # Description
//
// One Process call walks RECEIVED, PERSIST_USER, RETRIEVING, COMPOSING and
// STREAMING, ending in COMPLETED, FAILED or CANCELED. Retrieval and
// enrichment failures degrade the exchange to a context-free chat rather
// than aborting it; only validation and the initial user persist abort
// before the channel opens.
//
// Per request the service persists exactly one user message, and at most one
// assistant message through the single finalize routine.
type ExchangeService struct {
	retriever     rag.Retriever
	enricher      *rag.Enricher
	store         history.Store
	llmClient     llm.LLMClient
	historyWindow int
}

// NewExchangeService wires an ExchangeService. Store and llmClient are
// required; retriever and enricher may be nil, which turns every exchange
// into a context-free chat.
func NewExchangeService(retriever rag.Retriever, enricher *rag.Enricher,
	store history.Store, llmClient llm.LLMClient) *ExchangeService {

	if store == nil {
		panic("NewExchangeService: store is required")
	}
	if llmClient == nil {
		panic("NewExchangeService: llmClient is required")
	}
	return &ExchangeService{
		retriever:     retriever,
		enricher:      enricher,
		store:         store,
		llmClient:     llmClient,
		historyWindow: DefaultHistoryWindow,
	}
}

// Process runs one exchange end to end.
//
// # Inputs
//
//   - ctx: Request context. Cancellation during streaming ends the exchange
//     as CANCELED with any partial answer persisted.
//   - req: Bound request. The message is trimmed here before any use.
//   - sink: Closed response channel, opened only once composing succeeded.
//
// # Outputs
//
//   - *ExchangeResult: Terminal state plus the answer as streamed. Nil when
//     an error is returned.
//   - error: Non-nil only for failures before the sink opened (validation,
//     user persist, sink open). Failures after Open are reported in-band and
//     reflected in the result state instead.
func (s *ExchangeService) Process(ctx context.Context, req *datatypes.ChatStreamRequest,
	sink StreamSink) (*ExchangeResult, error) {

	ctx, span := tracer.Start(ctx, "ExchangeService.Process")
	defer span.End()

	// One id ties the span, the logs and the finalize outcome together.
	exchangeID := uuid.NewString()
	span.SetAttributes(
		attribute.String("session_id", req.SessionID),
		attribute.String("exchange_id", exchangeID),
	)

	// RECEIVED
	message := strings.TrimSpace(req.Message)
	if message == "" {
		return nil, &ValidationError{Field: "message", Reason: "must not be blank"}
	}
	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		return nil, &ValidationError{Field: "session_id", Reason: "must not be blank"}
	}

	// PERSIST_USER
	if _, err := s.store.Append(ctx, sessionID, datatypes.RoleUser, message, nil); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, &PersistenceError{Op: "append user message", Err: err}
	}

	// RETRIEVING. Failures degrade to an empty candidate set.
	var candidates []datatypes.CandidatePassage
	if s.retriever != nil {
		found, err := s.retriever.Retrieve(ctx, message)
		if err != nil {
			span.RecordError(err)
			slog.Warn("retrieval failed, continuing without context",
				"session_id", sessionID, "error", err)
		} else {
			candidates = found
		}
	}

	// COMPOSING
	var enriched []datatypes.EnrichedPassage
	if len(candidates) > 0 && s.enricher != nil {
		resolved, err := s.enricher.Enrich(ctx, candidates)
		if err != nil {
			span.RecordError(err)
			slog.Warn("enrichment failed, continuing without context",
				"session_id", sessionID, "error", err)
		} else {
			enriched = resolved
		}
	}
	selection := rag.SelectContext(enriched)

	recent, err := s.store.RecentMessages(ctx, sessionID, s.historyWindow)
	if err != nil {
		span.RecordError(err)
		slog.Warn("history load failed, continuing without history",
			"session_id", sessionID, "error", err)
		recent = nil
	}
	messages := rag.ComposePrompt(selection, recent, message)
	span.SetAttributes(
		attribute.Int("prompt.messages", len(messages)),
		attribute.Int("context.citations", len(selection.Citations)),
	)

	// STREAMING
	if err := sink.Open(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	var answer strings.Builder
	tokenCount := 0
	streamErr := s.llmClient.ChatStream(ctx, messages, llm.GenerationParams{},
		func(event llm.StreamEvent) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			switch event.Type {
			case llm.StreamEventToken:
				answer.WriteString(event.Content)
				tokenCount++
				return sink.Token(event.Content)
			case llm.StreamEventError:
				return event.Error
			}
			return nil
		})

	result := s.finalize(ctx, exchangeID, sessionID, answer.String(), tokenCount,
		selection.Citations, streamErr, sink)
	span.SetAttributes(
		attribute.String("exchange.state", string(result.State)),
		attribute.Int("exchange.tokens", result.TokenCount),
	)
	return result, nil
}

// finalize is the single routine deciding the terminal state, the terminal
// channel event and the assistant persist. Every streaming outcome funnels
// through here so an exchange can never emit two terminal events or persist
// two assistant messages.
func (s *ExchangeService) finalize(ctx context.Context, exchangeID, sessionID, answer string,
	tokenCount int, citations []string, streamErr error, sink StreamSink) *ExchangeResult {

	if citations == nil {
		citations = []string{}
	}
	result := &ExchangeResult{
		SessionID:  sessionID,
		Answer:     answer,
		Citations:  citations,
		TokenCount: tokenCount,
	}

	// The request context may already be dead; persistence must not be.
	persistCtx := context.WithoutCancel(ctx)

	switch {
	case streamErr == nil:
		if err := sink.Done(citations); err != nil {
			slog.Warn("failed to write done marker", "session_id", sessionID, "error", err)
		}
		s.persistAssistant(persistCtx, sessionID, answer, citations)
		result.State = StateCompleted

	case errors.Is(streamErr, context.Canceled):
		slog.Info("exchange canceled", "exchange_id", exchangeID,
			"session_id", sessionID, "tokens", tokenCount)
		if answer != "" {
			s.persistAssistant(persistCtx, sessionID, answer, citations)
		}
		result.State = StateCanceled

	default:
		slog.Error("generation failed", "exchange_id", exchangeID,
			"session_id", sessionID, "error", streamErr)
		if err := sink.Fail(sanitizeErrorForClient(streamErr)); err != nil {
			slog.Warn("failed to write error marker", "session_id", sessionID, "error", err)
		}
		if answer != "" {
			s.persistAssistant(persistCtx, sessionID, answer, citations)
		}
		result.State = StateFailed
	}

	return result
}

// persistAssistant appends the assistant side of the turn. The channel is
// already committed at this point, so a store failure is logged rather than
// surfaced to the client.
func (s *ExchangeService) persistAssistant(ctx context.Context, sessionID, answer string,
	citations []string) {

	if _, err := s.store.Append(ctx, sessionID, datatypes.RoleAssistant, answer, citations); err != nil {
		slog.Error("failed to persist assistant message",
			"session_id", sessionID, "error", err)
	}
}

// sanitizeErrorForClient converts an internal failure into the message that
// crosses the wire. Internal detail stays in the logs.
func sanitizeErrorForClient(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "The response timed out. Please try again."
	}
	return "The model failed to generate a response. Please try again."
}
