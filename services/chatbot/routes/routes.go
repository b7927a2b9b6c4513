// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Leo-Zh9/chatbot/services/chatbot/handlers"
	"github.com/Leo-Zh9/chatbot/services/llm"
	"github.com/Leo-Zh9/chatbot/services/override_engine"
)

// SetupRoutes registers all HTTP routes on the router.
//
// # Description
//
// Wires the operational endpoints (health, metrics) and the chat API.
// The streaming chat handler is constructed here so the route table is
// the single place the handler dependency graph is assembled.
//
// # Inputs
//
//   - router: Gin engine to register routes on. Must not be nil.
//   - llmClient: LLM backend used by the chat endpoint. Must not be nil.
//   - overrideEngine: Detector for conversations answered with the canned
//     reply. Must not be nil.
//   - systemPrompt: System turn injected when a conversation has none.
//     Empty string selects the built-in default.
//   - params: Generation parameters forwarded on every model call.
//
// # Routes
//
//   - GET  /health   Liveness probe
//   - GET  /metrics  Prometheus metrics
//   - POST /api/chat SSE streaming chat
func SetupRoutes(router *gin.Engine, llmClient llm.LLMClient, overrideEngine *override_engine.OverrideEngine,
	systemPrompt string, params llm.GenerationParams) {

	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	chatHandler := handlers.NewStreamingChatHandler(llmClient, overrideEngine, systemPrompt, params)

	// API group
	api := router.Group("/api")
	{
		api.POST("/chat", chatHandler.HandleChatStream)
	}
}
