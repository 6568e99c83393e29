// Copyright (C) 2025 Driftline AI (oss@driftline.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/driftline-ai/driftline/services/orchestrator/datatypes"
	"github.com/driftline-ai/driftline/services/orchestrator/history"
	"github.com/gin-gonic/gin"
)

// GetChatHistory handles GET /v1/chat/history.
//
// # Description
//
// Returns the recent messages of a session, oldest first, with citations
// decoded. Query parameters:
//
//   - session_id: required, 400 when missing or blank.
//   - limit: optional, defaults to 50, must be a positive integer, capped
//     at 100.
func GetChatHistory(store history.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := strings.TrimSpace(c.Query("session_id"))
		if sessionID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "session_id is required"})
			return
		}

		limit := datatypes.HistoryDefaultLimit
		if raw := c.Query("limit"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
				return
			}
			limit = parsed
		}
		if limit > datatypes.HistoryMaxLimit {
			limit = datatypes.HistoryMaxLimit
		}

		messages, err := store.RecentMessages(c.Request.Context(), sessionID, limit)
		if err != nil {
			slog.Error("failed to load chat history", "session_id", sessionID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load chat history"})
			return
		}
		if messages == nil {
			messages = []datatypes.StoredMessage{}
		}

		c.JSON(http.StatusOK, datatypes.HistoryResponse{
			SessionID: sessionID,
			Messages:  messages,
		})
	}
}
