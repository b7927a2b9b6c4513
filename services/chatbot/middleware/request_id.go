// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides HTTP middleware for the chatbot service.
//
// This package contains middleware for request correlation and processing.
//
// # Request ID Flow
//
// The request ID middleware reads the X-Request-ID header if the client
// supplied one, otherwise generates a UUID. The ID is stored in the Gin
// context for handlers and echoed back on the response so clients can
// correlate streams with server logs.
//
//	Request
//	   │
//	   ▼
//	RequestIDMiddleware
//	   │
//	   ├─► Read "X-Request-ID" header (or generate UUID v4)
//	   │
//	   ├─► Store ID in context
//	   │
//	   └─► Set "X-Request-ID" response header
//	           │
//	           ▼
//	       Handler (retrieves via GetRequestID)
package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// =============================================================================
// Context Keys
// =============================================================================

// requestIDKey is the context key for storing the request ID.
// Using a dedicated key prevents collisions with other context values.
const requestIDKey = "chatbot_request_id"

// RequestIDHeader is the HTTP header carrying the request ID.
const RequestIDHeader = "X-Request-ID"

// =============================================================================
// Context Helpers
// =============================================================================

// SetRequestID stores the request ID in the Gin context.
//
// # Description
//
// Called by RequestIDMiddleware once per request. The stored ID can be
// retrieved by handlers via GetRequestID.
//
// # Inputs
//
//   - c: Gin context. Must not be nil.
//   - id: Request identifier. Must not be empty.
//
// # Outputs
//
// None.
//
// # Limitations
//
//   - Only valid for current request (context is request-scoped)
//   - Overwrites any previously set request ID
//
// # Thread Safety
//
// Safe to call concurrently (Gin context is request-scoped).
func SetRequestID(c *gin.Context, id string) {
	c.Set(requestIDKey, id)
}

// GetRequestID retrieves the request ID from the Gin context.
//
// # Description
//
// Called by handlers to tag logs and spans with the request identifier.
// Returns empty string if the middleware did not run.
//
// # Inputs
//
//   - c: Gin context. Must not be nil.
//
// # Outputs
//
//   - string: The request ID, or empty string if not set
//
// # Examples
//
//	func (h *handler) HandleRequest(c *gin.Context) {
//	    requestID := middleware.GetRequestID(c)
//	    slog.Info("Handling chat", "requestId", requestID)
//	}
//
// # Limitations
//
//   - Returns empty string if stored value is wrong type (defensive)
//
// # Thread Safety
//
// Safe to call concurrently (Gin context is request-scoped).
func GetRequestID(c *gin.Context) string {
	if v, exists := c.Get(requestIDKey); exists {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}

// =============================================================================
// Request ID Middleware
// =============================================================================

// RequestIDMiddleware creates a Gin middleware that assigns request IDs.
//
// # Description
//
// Reads the X-Request-ID header if present, otherwise generates a UUID v4.
// Stores the ID in the context for downstream handlers and sets it on the
// response so clients see which ID the server used.
//
// # Outputs
//
//   - gin.HandlerFunc: Middleware function ready for use with Gin
//
// # Examples
//
//	router := gin.Default()
//	router.Use(middleware.RequestIDMiddleware())
//
// # Limitations
//
//   - Client-supplied IDs are trusted as-is apart from whitespace trimming
//   - IDs longer than 128 characters are replaced with a generated UUID
//
// # Assumptions
//
//   - Applied before any handler that calls GetRequestID
//
// # Thread Safety
//
// Thread-safe. The returned middleware can be used concurrently.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := sanitizeRequestID(c.GetHeader(RequestIDHeader))
		if id == "" {
			id = uuid.New().String()
		}

		SetRequestID(c, id)
		c.Writer.Header().Set(RequestIDHeader, id)

		c.Next()
	}
}

// =============================================================================
// Helper Functions
// =============================================================================

// sanitizeRequestID trims and bounds a client-supplied request ID.
//
// # Description
//
// Returns empty string when the header value is unusable so the caller
// generates a fresh UUID instead. Oversized values are rejected to keep
// log lines bounded.
//
// # Inputs
//
//   - raw: Header value as received.
//
// # Outputs
//
//   - string: Cleaned request ID, or empty string if unusable
func sanitizeRequestID(raw string) string {
	id := strings.TrimSpace(raw)
	if len(id) > 128 {
		return ""
	}
	return id
}
