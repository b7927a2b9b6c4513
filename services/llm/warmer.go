// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/Leo-Zh9/chatbot/services/chatbot/datatypes"
)

// =============================================================================
// Model Warmer
// =============================================================================

// ModelWarmer pre-loads Ollama models into VRAM.
//
// # Description
//
// Ollama unloads a model after its keep_alive window expires, which makes
// the first chat after an idle period pay the full load latency. The
// warmer sends a minimal request with keep_alive set so the model is
// resident before the first user turn.
//
// # Thread Safety
//
// ModelWarmer is safe for concurrent use.
//
// # Example
//
//	warmer := NewModelWarmer("http://localhost:11434")
//	if err := warmer.Warm(ctx, "gpt-oss", "30m"); err != nil {
//	    slog.Warn("model warmup failed", "error", err)
//	}
type ModelWarmer struct {
	baseURL    string
	httpClient *http.Client
	models     map[string]*WarmedModel
	mu         sync.Mutex
}

// WarmedModel records the outcome of a warmup attempt.
type WarmedModel struct {
	// Name is the model identifier (e.g., "gpt-oss").
	Name string `json:"name"`

	// KeepAlive is the keep_alive setting sent with the warmup.
	// "-1" = keep loaded indefinitely, "30m" = 30 minutes.
	KeepAlive string `json:"keep_alive"`

	// LoadedAt is when the warmup completed.
	LoadedAt time.Time `json:"loaded_at"`

	// LoadDuration is how long the model took to load.
	LoadDuration time.Duration `json:"load_duration"`
}

// NewModelWarmer creates a warmer for the given Ollama server.
func NewModelWarmer(baseURL string) *ModelWarmer {
	return &ModelWarmer{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 5 * time.Minute, // Long timeout for model loading
		},
		models: make(map[string]*WarmedModel),
	}
}

// Warm loads a model into VRAM with the given keep_alive setting.
//
// # Description
//
// Sends a minimal non-streaming chat request so Ollama loads the model
// and applies keep_alive. The single "ping" turn keeps token usage at
// a minimum.
//
// # Inputs
//
//   - ctx: Context for cancellation.
//   - model: Model name (e.g., "gpt-oss").
//   - keepAlive: Keep alive setting ("-1" for indefinite).
//
// # Outputs
//
//   - error: Non-nil if the model fails to load.
func (w *ModelWarmer) Warm(ctx context.Context, model, keepAlive string) error {
	startTime := time.Now()

	slog.Info("Warming model", "model", model, "keep_alive", keepAlive)

	payload := ollamaChatRequest{
		Model: model,
		Messages: []datatypes.Message{
			{Role: "user", Content: "ping"},
		},
		Stream:    false,
		KeepAlive: keepAlive,
	}

	reqBody, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling warmup request: %w", err)
	}

	chatURL := w.baseURL + "/api/chat"
	req, err := http.NewRequestWithContext(ctx, "POST", chatURL, bytes.NewBuffer(reqBody))
	if err != nil {
		return fmt.Errorf("creating warmup request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending warmup request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("warmup failed with status %d: %s", resp.StatusCode, string(body))
	}
	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, resp.Body)

	loadDuration := time.Since(startTime)

	w.mu.Lock()
	w.models[model] = &WarmedModel{
		Name:         model,
		KeepAlive:    keepAlive,
		LoadedAt:     time.Now(),
		LoadDuration: loadDuration,
	}
	w.mu.Unlock()

	slog.Info("Model warmed successfully",
		"model", model,
		"load_duration", loadDuration)

	return nil
}

// Warmed reports whether a model has been warmed, and its load stats.
func (w *ModelWarmer) Warmed(model string) (WarmedModel, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if state, ok := w.models[model]; ok {
		return *state, true
	}
	return WarmedModel{}, false
}
