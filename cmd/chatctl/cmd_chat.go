// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Leo-Zh9/chatbot/pkg/ux"
)

// chatCmd starts a chat with the assistant.
//
// # Description
//
//	With no arguments, opens an interactive session that keeps the
//	conversation history for multi-turn context. With arguments, asks
//	a single question and exits after the streamed reply completes.
//
// # Examples
//
//	chatctl chat
//	chatctl chat "what is the capital of France?"
//	chatctl chat --server http://remote:8000
var chatCmd = &cobra.Command{
	Use:   "chat [message]",
	Short: "Starts an interactive chat session, or asks a single question",
	Run:   runChatCommand,
}

// runChatCommand dispatches between one-shot and interactive modes.
func runChatCommand(cmd *cobra.Command, args []string) {
	baseURL := getServerBaseURL()

	// Setup signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	if len(args) > 0 {
		// One-shot mode: join the args into a single question.
		question := strings.Join(args, " ")
		service := NewStreamingChatService(StreamingChatServiceConfig{
			BaseURL: baseURL,
			Color:   colorsEnabled(),
		})
		defer service.Close()

		result, err := service.SendMessage(ctx, question)
		if err != nil {
			log.Fatalf("Error: %v", err)
		}
		if result.HasError() {
			// The error frame was already rendered by the stream.
			os.Exit(1)
		}
		return
	}

	runner := NewChatRunner(ChatRunnerConfig{
		BaseURL: baseURL,
		Color:   colorsEnabled(),
	})
	defer runner.Close()

	if err := runner.Run(ctx); err != nil && err != context.Canceled {
		log.Fatalf("Chat error: %v", err)
	}
}

// =============================================================================
// Input Abstraction
// =============================================================================

// InputReader abstracts reading user input for testability.
type InputReader interface {
	// ReadLine reads a single line of input. Returns io.EOF when the
	// input source is exhausted.
	ReadLine() (string, error)
}

// StdinReader reads lines from standard input.
type StdinReader struct {
	reader *bufio.Reader
}

// NewStdinReader creates a reader over os.Stdin.
func NewStdinReader() *StdinReader {
	return &StdinReader{reader: bufio.NewReader(os.Stdin)}
}

func (r *StdinReader) ReadLine() (string, error) {
	line, err := r.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// MockInputReader replays a fixed sequence of inputs. Exposed for tests.
type MockInputReader struct {
	inputs []string
	index  int
}

// NewMockInputReader creates a reader that yields the given inputs in
// order, then io.EOF.
func NewMockInputReader(inputs []string) *MockInputReader {
	return &MockInputReader{inputs: inputs}
}

func (r *MockInputReader) ReadLine() (string, error) {
	if r.index >= len(r.inputs) {
		return "", io.EOF
	}
	input := r.inputs[r.index]
	r.index++
	return input, nil
}

// isExitCommand reports whether the input ends the session.
func isExitCommand(input string) bool {
	return input == "exit" || input == "quit"
}

// =============================================================================
// Chat Runner
// =============================================================================

// chatPrompt is printed before each user turn.
const chatPrompt = "> "

// SessionStats tracks aggregate metrics across a chat session.
type SessionStats struct {
	MessageCount         int
	TotalChunks          int
	FirstResponseLatency time.Duration
	Duration             time.Duration
}

// ChatRunnerConfig holds configuration for an interactive session.
type ChatRunnerConfig struct {
	BaseURL string
	Color   bool
}

// ChatRunner drives the interactive read-send-render loop.
type ChatRunner struct {
	service          StreamingChatService
	input            InputReader
	writer           io.Writer
	color            bool
	sessionStartTime time.Time
	sessionStats     SessionStats
	closed           bool
	mu               sync.Mutex
}

// NewChatRunner creates a runner wired to stdin and stdout.
func NewChatRunner(config ChatRunnerConfig) *ChatRunner {
	service := NewStreamingChatService(StreamingChatServiceConfig{
		BaseURL: config.BaseURL,
		Color:   config.Color,
	})
	return &ChatRunner{
		service: service,
		input:   NewStdinReader(),
		writer:  os.Stdout,
		color:   config.Color,
	}
}

// NewChatRunnerWithDeps creates a runner with injected dependencies.
// Exposed for tests.
func NewChatRunnerWithDeps(service StreamingChatService, input InputReader, writer io.Writer, color bool) *ChatRunner {
	return &ChatRunner{
		service: service,
		input:   input,
		writer:  writer,
		color:   color,
	}
}

// Run executes the interactive loop until exit, EOF, or cancellation.
func (r *ChatRunner) Run(ctx context.Context) error {
	r.sessionStartTime = time.Now()
	r.displayHeader()

	for {
		select {
		case <-ctx.Done():
			return r.handleShutdown(ctx)
		default:
		}

		fmt.Fprint(r.writer, chatPrompt)

		input, err := r.input.ReadLine()
		if err != nil {
			if err == io.EOF {
				r.displaySessionEnd()
				return nil
			}
			slog.Error("failed to read input", "error", err)
			return fmt.Errorf("read input: %w", err)
		}

		if input == "" {
			continue
		}

		if isExitCommand(input) {
			r.displaySessionEnd()
			return nil
		}

		if err := r.handleMessage(ctx, input); err != nil {
			if ctx.Err() != nil {
				return r.handleShutdown(ctx)
			}
			r.displayError(err)
			continue
		}
	}
}

// handleMessage sends one user turn and records its stats.
func (r *ChatRunner) handleMessage(ctx context.Context, input string) error {
	result, err := r.service.SendMessage(ctx, input)
	if err != nil {
		return err
	}

	if result.HasError() {
		// Already rendered by the stream; the failed turn was rolled
		// back, so the user can simply try again.
		return nil
	}

	r.accumulateStats(result)
	fmt.Fprintln(r.writer)
	return nil
}

// accumulateStats folds a completed turn into the session totals.
func (r *ChatRunner) accumulateStats(result *ux.StreamResult) {
	r.sessionStats.MessageCount++
	r.sessionStats.TotalChunks += result.TotalChunks
	if r.sessionStats.MessageCount == 1 {
		r.sessionStats.FirstResponseLatency = result.TimeToFirstChunk()
	}
}

// displayHeader prints the session banner.
func (r *ChatRunner) displayHeader() {
	if r.color {
		fmt.Fprintf(r.writer, "%sChat with the assistant.%s Type 'exit' to end.\n\n", ux.ColorCyan, ux.ColorReset)
		return
	}
	fmt.Fprint(r.writer, "Chat with the assistant. Type 'exit' to end.\n\n")
}

// displayError prints a turn-level failure and leaves the session open.
func (r *ChatRunner) displayError(err error) {
	if r.color {
		fmt.Fprintf(r.writer, "%sError: %v%s\n", ux.ColorRed, err, ux.ColorReset)
		return
	}
	fmt.Fprintf(r.writer, "Error: %v\n", err)
}

// displaySessionEnd prints the closing summary.
func (r *ChatRunner) displaySessionEnd() {
	r.sessionStats.Duration = time.Since(r.sessionStartTime)

	fmt.Fprintln(r.writer)
	fmt.Fprintf(r.writer, "Messages: %d | Chunks: %d | Duration: %s\n",
		r.sessionStats.MessageCount,
		r.sessionStats.TotalChunks,
		r.sessionStats.Duration.Round(time.Second))
	fmt.Fprintln(r.writer, "Goodbye!")
}

// handleShutdown finishes the session after a signal or cancellation.
func (r *ChatRunner) handleShutdown(ctx context.Context) error {
	slog.Info("graceful shutdown initiated",
		"messages", r.sessionStats.MessageCount)

	// Newline after whatever the prompt was mid-printing.
	fmt.Fprintln(r.writer)
	r.displaySessionEnd()
	return ctx.Err()
}

// Close shuts down the runner and its service. Safe to call twice.
func (r *ChatRunner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	return r.service.Close()
}
