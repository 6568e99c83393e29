// Copyright (C) 2025 Driftline AI (oss@driftline.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package history persists the append-only conversation log.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/driftline-ai/driftline/services/orchestrator/datatypes"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("driftline.orchestrator.history")

// Store is the append-only conversation log.
//
// # Description
//
// Messages are only ever appended within an exchange; nothing updates or
// removes individual messages. DeleteSession is session administration and
// removes a whole session at once.
//
// # Assumptions
//
//   - Callers serialize requests per session. Appends from different
//     sessions never interfere.
type Store interface {
	// Append persists one message and returns it with its assigned id and
	// creation timestamp.
	Append(ctx context.Context, sessionID, role, content string, citations []string) (*datatypes.StoredMessage, error)

	// RecentMessages returns up to limit messages of a session, oldest
	// first. A session with no messages yields an empty slice.
	RecentMessages(ctx context.Context, sessionID string, limit int) ([]datatypes.StoredMessage, error)

	// ListSessions returns the distinct sessions with their message counts.
	ListSessions(ctx context.Context) ([]datatypes.SessionSummary, error)

	// DeleteSession removes every message of a session.
	DeleteSession(ctx context.Context, sessionID string) error
}

type weaviateStore struct {
	client *weaviate.Client
}

// NewWeaviateStore builds a Store over the ChatMessage class.
func NewWeaviateStore(client *weaviate.Client) Store {
	return &weaviateStore{client: client}
}

// =============================================================================
// Citations Codec
// =============================================================================

// encodeCitations renders citations as the JSON text stored on the object.
// A nil or empty list encodes as "[]" so decoding always yields a list.
func encodeCitations(citations []string) (string, error) {
	if len(citations) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(citations)
	if err != nil {
		return "", fmt.Errorf("encode citations: %w", err)
	}
	return string(data), nil
}

// decodeCitations parses the persisted citations text. Empty text decodes to
// an empty list so older objects without the property stay readable.
func decodeCitations(text string) []string {
	if text == "" {
		return []string{}
	}
	var citations []string
	if err := json.Unmarshal([]byte(text), &citations); err != nil {
		slog.Warn("failed to decode persisted citations", "error", err)
		return []string{}
	}
	if citations == nil {
		return []string{}
	}
	return citations
}

// =============================================================================
// Store Implementation
// =============================================================================

func (s *weaviateStore) Append(ctx context.Context, sessionID, role, content string,
	citations []string) (*datatypes.StoredMessage, error) {

	ctx, span := tracer.Start(ctx, "weaviateStore.Append")
	defer span.End()
	span.SetAttributes(
		attribute.String("session_id", sessionID),
		attribute.String("role", role),
	)

	encoded, err := encodeCitations(citations)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	createdAt := time.Now().UnixMilli()
	created, err := s.client.Data().Creator().
		WithClassName("ChatMessage").
		WithProperties(map[string]interface{}{
			"session_id": sessionID,
			"role":       role,
			"content":    content,
			"citations":  encoded,
			"created_at": createdAt,
		}).
		Do(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("insert chat message: %w", err)
	}

	msg := &datatypes.StoredMessage{
		ID:        string(created.Object.ID),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		Citations: decodeCitations(encoded),
		CreatedAt: createdAt,
	}
	slog.Debug("appended chat message", "session_id", sessionID, "role", role, "id", msg.ID)
	return msg, nil
}

// weaviateChatMessage mirrors one ChatMessage object in a GraphQL response.
type weaviateChatMessage struct {
	SessionID  string  `json:"session_id"`
	Role       string  `json:"role"`
	Content    string  `json:"content"`
	Citations  string  `json:"citations"`
	CreatedAt  float64 `json:"created_at"`
	Additional struct {
		ID string `json:"id"`
	} `json:"_additional"`
}

type weaviateChatMessageResponse struct {
	Get struct {
		ChatMessage []weaviateChatMessage `json:"ChatMessage"`
	} `json:"Get"`
}

func (s *weaviateStore) RecentMessages(ctx context.Context, sessionID string,
	limit int) ([]datatypes.StoredMessage, error) {

	ctx, span := tracer.Start(ctx, "weaviateStore.RecentMessages")
	defer span.End()
	span.SetAttributes(
		attribute.String("session_id", sessionID),
		attribute.Int("limit", limit),
	)

	fields := []graphql.Field{
		{Name: "session_id"},
		{Name: "role"},
		{Name: "content"},
		{Name: "citations"},
		{Name: "created_at"},
		{Name: "_additional", Fields: []graphql.Field{{Name: "id"}}},
	}
	whereFilter := filters.Where().
		WithPath([]string{"session_id"}).
		WithOperator(filters.Equal).
		WithValueString(sessionID)

	// Newest first so the limit keeps the tail of the conversation.
	sortBy := graphql.Sort{
		Path:  []string{"created_at"},
		Order: graphql.Desc,
	}

	result, err := s.client.GraphQL().Get().
		WithClassName("ChatMessage").
		WithWhere(whereFilter).
		WithSort(sortBy).
		WithLimit(limit).
		WithFields(fields...).
		Do(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("query chat messages: %w", err)
	}

	// Parse response using typed struct for compile-time safety.
	jsonBytes, err := json.Marshal(result.Data)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("marshal weaviate response: %w", err)
	}
	var typedResponse weaviateChatMessageResponse
	if err := json.Unmarshal(jsonBytes, &typedResponse); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("unmarshal weaviate response: %w", err)
	}

	hits := typedResponse.Get.ChatMessage
	messages := make([]datatypes.StoredMessage, 0, len(hits))
	// Reverse into chronological order, oldest first.
	for i := len(hits) - 1; i >= 0; i-- {
		hit := hits[i]
		messages = append(messages, datatypes.StoredMessage{
			ID:        hit.Additional.ID,
			SessionID: hit.SessionID,
			Role:      hit.Role,
			Content:   hit.Content,
			Citations: decodeCitations(hit.Citations),
			CreatedAt: int64(hit.CreatedAt),
		})
	}

	span.SetAttributes(attribute.Int("messages_loaded", len(messages)))
	return messages, nil
}

type weaviateSessionGroup struct {
	GroupedBy struct {
		Value string `json:"value"`
	} `json:"groupedBy"`
	Meta struct {
		Count int64 `json:"count"`
	} `json:"meta"`
}

type weaviateSessionAggregateResponse struct {
	Aggregate struct {
		ChatMessage []weaviateSessionGroup `json:"ChatMessage"`
	} `json:"Aggregate"`
}

func (s *weaviateStore) ListSessions(ctx context.Context) ([]datatypes.SessionSummary, error) {
	ctx, span := tracer.Start(ctx, "weaviateStore.ListSessions")
	defer span.End()

	result, err := s.client.GraphQL().Aggregate().
		WithClassName("ChatMessage").
		WithGroupBy("session_id").
		WithFields(
			graphql.Field{Name: "groupedBy", Fields: []graphql.Field{{Name: "value"}}},
			graphql.Field{Name: "meta", Fields: []graphql.Field{{Name: "count"}}},
		).
		Do(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("aggregate sessions: %w", err)
	}

	jsonBytes, err := json.Marshal(result.Data)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("marshal weaviate response: %w", err)
	}
	var typedResponse weaviateSessionAggregateResponse
	if err := json.Unmarshal(jsonBytes, &typedResponse); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("unmarshal weaviate response: %w", err)
	}

	sessions := make([]datatypes.SessionSummary, 0, len(typedResponse.Aggregate.ChatMessage))
	for _, group := range typedResponse.Aggregate.ChatMessage {
		if group.GroupedBy.Value == "" {
			continue
		}
		sessions = append(sessions, datatypes.SessionSummary{
			SessionID:    group.GroupedBy.Value,
			MessageCount: group.Meta.Count,
		})
	}
	return sessions, nil
}

func (s *weaviateStore) DeleteSession(ctx context.Context, sessionID string) error {
	ctx, span := tracer.Start(ctx, "weaviateStore.DeleteSession")
	defer span.End()
	span.SetAttributes(attribute.String("session_id", sessionID))

	whereFilter := filters.Where().
		WithPath([]string{"session_id"}).
		WithOperator(filters.Equal).
		WithValueString(sessionID)

	response, err := s.client.Batch().ObjectsBatchDeleter().
		WithClassName("ChatMessage").
		WithOutput("minimal").
		WithWhere(whereFilter).
		Do(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("delete session messages: %w", err)
	}

	slog.Info("deleted session messages", "session_id", sessionID, "response", &response.Output)
	return nil
}

var _ Store = (*weaviateStore)(nil)
