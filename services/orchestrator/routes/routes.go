// Copyright (C) 2025 Driftline AI (oss@driftline.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"github.com/driftline-ai/driftline/services/orchestrator/handlers"
	"github.com/driftline-ai/driftline/services/orchestrator/history"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func SetupRoutes(router *gin.Engine, store history.Store,
	chatHandler handlers.StreamingChatHandler) {

	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API version 1 group
	v1 := router.Group("/v1")
	{
		v1.POST("/chat/rag/stream", chatHandler.HandleChatRAGStream)
		v1.GET("/chat/history", handlers.GetChatHistory(store))
		// Session administration routes
		sessions := v1.Group("/sessions")
		{
			sessions.GET("", handlers.ListSessions(store))
			sessions.DELETE("/:sessionId", handlers.DeleteSession(store))
		}
	}
}
