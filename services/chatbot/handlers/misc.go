// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// HealthCheck reports service liveness.
//
// # Description
//
// Handles GET /health requests. Returns 200 with a fixed JSON body as soon
// as the HTTP server is accepting connections. It performs no dependency
// checks; an unreachable upstream model does not fail the probe.
//
// # Inputs
//
//   - c: Gin context containing the HTTP request
//
// # Outputs
//
// HTTP 200 with body {"status":"ok"}.
//
// # Examples
//
//	router.GET("/health", handlers.HealthCheck)
//
// # Limitations
//
//   - Liveness only. Not a readiness probe for the LLM backend.
//
// # Assumptions
//
//   - None.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
