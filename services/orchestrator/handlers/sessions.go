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
	"strings"

	"github.com/driftline-ai/driftline/services/orchestrator/datatypes"
	"github.com/driftline-ai/driftline/services/orchestrator/history"
	"github.com/gin-gonic/gin"
)

// ListSessions handles GET /v1/sessions.
func ListSessions(store history.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		slog.Info("Received request to list sessions")
		sessions, err := store.ListSessions(c.Request.Context())
		if err != nil {
			slog.Error("failed to list sessions", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list sessions"})
			return
		}
		if sessions == nil {
			sessions = []datatypes.SessionSummary{}
		}
		c.JSON(http.StatusOK, gin.H{"sessions": sessions})
	}
}

// DeleteSession handles DELETE /v1/sessions/:sessionId. This is session
// administration; messages within a live exchange stay append-only.
func DeleteSession(store history.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := strings.TrimSpace(c.Param("sessionId"))
		if sessionID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "sessionId is required"})
			return
		}
		slog.Info("Received a request to delete a session", "sessionId", sessionID)

		if err := store.DeleteSession(c.Request.Context(), sessionID); err != nil {
			slog.Error("failed to delete session", "sessionId", sessionID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fully delete session"})
			return
		}

		slog.Info("Successfully deleted all data for session", "sessionId", sessionID)
		c.JSON(http.StatusOK, gin.H{"status": "success", "deleted_session_id": sessionID})
	}
}
