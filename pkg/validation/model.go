// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation provides input validation utilities for security-critical operations.
//
// This package contains validators for operator-provided identifiers that
// end up in outbound API calls. Validating them at startup prevents header
// and path injection against provider endpoints and catches configuration
// typos before the first request fails.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// modelPattern matches valid model identifiers.
// Allows: letters, digits, dots (llama3.2), hyphens (gpt-4o-mini),
// underscores, colons for tags (llama3.2:latest), slashes for
// namespaced registries (library/gemma).
// Max length: 64 characters.
var modelPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._:/\-]{0,63}$`)

// ValidateModel validates a model identifier before it is used in an
// outbound provider request.
//
// Valid identifiers:
//   - 1-64 characters
//   - Letters and digits
//   - Dots (.) for versions like llama3.2
//   - Hyphens (-) and underscores (_)
//   - Colons (:) for tags like llama3.2:latest
//   - Slashes (/) for namespaces like library/gemma
//
// Returns an error if the identifier is invalid.
//
// Example:
//
//	if err := validation.ValidateModel(model); err != nil {
//	    return nil, fmt.Errorf("invalid model: %w", err)
//	}
//	// Safe to place in a request body or URL
func ValidateModel(model string) error {
	if model == "" {
		return fmt.Errorf("model cannot be empty")
	}

	if !modelPattern.MatchString(model) {
		return fmt.Errorf("invalid model format: %q (must be 1-64 alphanumeric chars, dots, hyphens, underscores, colons, or slashes)", model)
	}

	return nil
}

// SanitizeModel normalizes and validates a model identifier.
// Returns the trimmed identifier if valid, or an error if invalid.
//
// Use this when reading model names from environment variables:
//
//	model, err := validation.SanitizeModel(os.Getenv("OLLAMA_MODEL"))
//	if err != nil {
//	    return err
//	}
func SanitizeModel(model string) (string, error) {
	normalized := strings.TrimSpace(model)
	if err := ValidateModel(normalized); err != nil {
		return "", err
	}
	return normalized, nil
}
