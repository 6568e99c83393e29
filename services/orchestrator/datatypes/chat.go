// Copyright (C) 2025 Driftline AI (oss@driftline.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes provides data structures for the orchestrator service.
//
// This file contains request and response types for the streaming chat and
// history endpoints. For retrieval types, see rag.go.
package datatypes

import (
	"strings"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// MaxMessageContentBytes is the maximum size of a single message content.
	MaxMessageContentBytes = 32 * 1024 // 32KB

	// HistoryDefaultLimit is the number of stored messages returned by the
	// history endpoint when the caller does not specify a limit.
	HistoryDefaultLimit = 50

	// HistoryMaxLimit caps the limit parameter of the history endpoint.
	HistoryMaxLimit = 100
)

// Message roles as stored and as sent to LLM backends.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// chatValidate is the validator instance for chat datatypes.
// Initialized in init() with custom validators.
var chatValidate *validator.Validate

func init() {
	chatValidate = validator.New()

	_ = chatValidate.RegisterValidation("maxbytes", validateMaxBytes)
	_ = chatValidate.RegisterValidation("notblank", validateNotBlank)
}

// validateMaxBytes validates that a string field does not exceed
// MaxMessageContentBytes. Checks byte length (not rune count) to prevent
// memory exhaustion with large payloads.
func validateMaxBytes(fl validator.FieldLevel) bool {
	content := fl.Field().String()
	return len(content) <= MaxMessageContentBytes
}

// validateNotBlank rejects strings that are empty after trimming whitespace.
func validateNotBlank(fl validator.FieldLevel) bool {
	return strings.TrimSpace(fl.Field().String()) != ""
}

// =============================================================================
// Streaming Chat Request Types
// =============================================================================

// ChatStreamRequest represents the body of a streaming RAG chat request.
//
// # Description
//
// ChatStreamRequest carries the user's message and the session it belongs to.
// This is the request body of POST /v1/chat/rag/stream. The message is trimmed
// by the exchange service before any processing; a message that is blank after
// trimming is rejected before anything is persisted.
//
// # Fields
//
//   - Message: Required. The user's outbound message. Limited to 32KB.
//   - SessionID: Required. Conversation session identifier. All persisted
//     messages and history lookups are keyed by this value.
//
// # Validation
//
// Uses go-playground/validator:
//   - Message: required, not blank after trimming, max 32768 bytes
//   - SessionID: required, not blank after trimming
type ChatStreamRequest struct {
	Message   string `json:"message" validate:"required,notblank,maxbytes"`
	SessionID string `json:"session_id" validate:"required,notblank"`
}

// Validate validates the ChatStreamRequest fields.
//
// This method should be called after binding the JSON request.
func (r *ChatStreamRequest) Validate() error {
	return chatValidate.Struct(r)
}

// =============================================================================
// Stored Message Types
// =============================================================================

// StoredMessage is a single persisted chat message.
//
// # Description
//
// StoredMessage is the unit of the append-only conversation history. User
// messages carry no citations; assistant messages carry the citations of the
// context that produced them, decoded from their persisted form.
//
// # Fields
//
//   - ID: Storage-assigned object id.
//   - SessionID: Session the message belongs to.
//   - Role: RoleUser or RoleAssistant.
//   - Content: Message text. May be a partial answer if generation was
//     interrupted.
//   - Citations: Source ids of the documents cited by an assistant message.
//     Empty for user messages.
//   - CreatedAt: Unix timestamp in milliseconds. Orders messages within a
//     session.
type StoredMessage struct {
	ID        string   `json:"id"`
	SessionID string   `json:"session_id"`
	Role      string   `json:"role"`
	Content   string   `json:"content"`
	Citations []string `json:"citations"`
	CreatedAt int64    `json:"created_at"`
}

// HistoryResponse is the body of GET /v1/chat/history.
type HistoryResponse struct {
	SessionID string          `json:"session_id"`
	Messages  []StoredMessage `json:"messages"`
}

// SessionSummary describes one session in the session listing.
type SessionSummary struct {
	SessionID    string `json:"session_id"`
	MessageCount int64  `json:"message_count"`
}
