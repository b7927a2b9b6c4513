// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package main implements chatctl, a terminal client for the chatbot
// streaming service. It speaks the server's SSE wire format and keeps
// the conversation history client-side; the server is stateless.
package main

import (
	"fmt"
	"log"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/Leo-Zh9/chatbot/pkg/logging"
)

// Constants for default connection settings
const (
	DefaultServerHost = "localhost"
	DefaultServerPort = 8000
)

var (
	serverURL string
	verbose   bool

	rootCmd = &cobra.Command{
		Use:   "chatctl",
		Short: "A cli to chat with the chatbot streaming service",
		Long: `chatctl is a terminal client for the chatbot backend. It streams
				assistant replies over SSE and keeps the conversation history
				client-side for multi-turn chats.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging()
		},
	}
)

func main() {
	// Execute the root command. Cobra handles parsing the arguments.
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error executing command: %v", err)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "",
		"Chatbot server base URL (default: $CHATBOT_SERVER_URL or http://localhost:8000)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"Enable debug logging on stderr")

	rootCmd.AddCommand(chatCmd)   // Defined in cmd_chat.go
	rootCmd.AddCommand(healthCmd) // Defined in cmd_health.go
}

// setupLogging configures slog for the CLI. Warn level by default so
// request-scoped debug logs stay out of the chat transcript; --verbose
// drops the threshold to Debug. CHATBOT_LOG_DIR enables file logging.
func setupLogging() {
	level := logging.LevelWarn
	if verbose {
		level = logging.LevelDebug
	}
	logger := logging.New(logging.Config{
		Level:   level,
		LogDir:  os.Getenv("CHATBOT_LOG_DIR"),
		Service: "chatctl",
	})
	slog.SetDefault(logger.Slog())
}

// getServerBaseURL returns the base address of the chatbot server.
func getServerBaseURL() string {
	// 1. Priority: --server flag
	if serverURL != "" {
		return serverURL
	}
	// 2. Environment variable (used by tests and container overrides)
	if url := os.Getenv("CHATBOT_SERVER_URL"); url != "" {
		return url
	}
	// 3. Default: standard host/port
	return fmt.Sprintf("http://%s:%d", DefaultServerHost, DefaultServerPort)
}

// colorsEnabled reports whether stdout can take ANSI color codes.
// Piped and redirected output stays plain.
func colorsEnabled() bool {
	return isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
}
