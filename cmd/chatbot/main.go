// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command chatbot starts the chat relay HTTP server.
//
// This is the main entry point for the containerized chatbot service.
// It reads configuration from environment variables and starts the server.
//
// # Environment Variables
//
//   - CHATBOT_PORT: HTTP server port (default: 8000)
//   - CHATBOT_LLM_BACKEND: LLM provider - openai, langchain, ollama, anthropic (default: openai)
//   - CHATBOT_SYSTEM_PROMPT: System turn injected when a conversation has none (optional)
//   - CHATBOT_LOG_LEVEL: Minimum log level - debug, info, warn, error (default: info)
//   - CHATBOT_LOG_DIR: Directory for JSON log files (default: disabled)
//   - MODEL_TEMPERATURE: Sampling temperature (default: 0.2)
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OpenTelemetry collector (default: localhost:4317)
//
// # Usage
//
//	# Build
//	go build -o chatbot ./cmd/chatbot
//
//	# Run
//	./chatbot
//
//	# Or via container
//	podman-compose up chatbot
package main

import (
	"log"
	"log/slog"
	"os"
	"strconv"

	"github.com/Leo-Zh9/chatbot/pkg/logging"
	"github.com/Leo-Zh9/chatbot/services/chatbot"
)

func main() {
	// Setup structured logging. JSON output for log aggregation;
	// CHATBOT_LOG_LEVEL and CHATBOT_LOG_DIR tune verbosity and
	// optional file logging.
	logLevel, err := logging.ParseLevel(getEnvString("CHATBOT_LOG_LEVEL", "info"))
	if err != nil {
		logLevel = logging.LevelInfo
	}
	logger := logging.New(logging.Config{
		Level:   logLevel,
		LogDir:  os.Getenv("CHATBOT_LOG_DIR"),
		Service: "chatbot",
		JSON:    true,
	})
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	temperature := getEnvFloat32("MODEL_TEMPERATURE", 0.2)

	// Build configuration from environment variables
	cfg := chatbot.Config{
		Port:         getEnvInt("CHATBOT_PORT", 8000),
		LLMBackend:   getEnvString("CHATBOT_LLM_BACKEND", "openai"),
		SystemPrompt: os.Getenv("CHATBOT_SYSTEM_PROMPT"),
		Temperature:  &temperature,
		OTelEndpoint: getEnvString("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
	}

	slog.Info("Starting chatbot",
		"port", cfg.Port,
		"llm_backend", cfg.LLMBackend,
		"temperature", temperature,
	)

	svc, err := chatbot.New(cfg)
	if err != nil {
		log.Fatalf("Failed to create chatbot service: %v", err)
	}

	// Run the server (blocks until shutdown)
	if err := svc.Run(); err != nil {
		log.Fatalf("Chatbot error: %v", err)
	}
}

// getEnvString returns the environment variable value or a default.
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns the environment variable as int or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvFloat32 returns the environment variable as float32 or a default.
func getEnvFloat32(key string, defaultValue float32) float32 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 32); err == nil {
			return float32(floatVal)
		}
	}
	return defaultValue
}
