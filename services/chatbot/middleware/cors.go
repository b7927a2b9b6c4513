// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package middleware

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// CORSMiddleware creates a Gin middleware that adds permissive CORS headers.
//
// # Description
//
// Allows browser front-ends on any origin to call the chat API, including
// reading SSE streams. The policy is intentionally permissive; the service
// is designed to sit behind a reverse proxy when stricter rules are needed.
// Preflight OPTIONS requests are answered directly with 204 and never reach
// the route handlers.
//
// # Outputs
//
//   - gin.HandlerFunc: Middleware function ready for use with Gin
//
// # Examples
//
//	router := gin.Default()
//	router.Use(middleware.CORSMiddleware())
//
// # Limitations
//
//   - Allows any origin; do not expose directly on untrusted networks
//     without a stricter proxy in front
//   - Requests without an Origin header pass through untouched
//
// # Thread Safety
//
// Thread-safe. The returned middleware can be used concurrently.
func CORSMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:    []string{"Content-Type", "Accept", "X-Request-ID"},
		ExposeHeaders:   []string{"X-Request-ID"},
		MaxAge:          24 * time.Hour,
	})
}
