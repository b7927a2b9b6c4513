// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// ============================================================================
// Test Helper: Create isolated metrics for testing
// ============================================================================

// newTestMetrics creates a StreamingMetrics instance with a custom registry.
// This avoids conflicts with the global Prometheus registry and allows
// parallel testing.
func newTestMetrics(t *testing.T) *StreamingMetrics {
	t.Helper()

	reg := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: streamingSubsystem,
			Name:      "requests_total",
			Help:      "Total number of streaming requests by endpoint and status",
		},
		[]string{"endpoint", "status"},
	)

	overridesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: streamingSubsystem,
			Name:      "overrides_total",
			Help:      "Total chats answered with the canned override reply by trigger kind",
		},
		[]string{"trigger"},
	)

	chunksRelayedTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: streamingSubsystem,
			Name:      "chunks_relayed_total",
			Help:      "Total content chunks forwarded to clients",
		},
		[]string{"endpoint"},
	)

	timeToFirstTokenSeconds := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: streamingSubsystem,
			Name:      "time_to_first_token_seconds",
			Help:      "Time from request to first token in seconds",
			Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
		},
		[]string{"endpoint"},
	)

	streamDurationSeconds := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: streamingSubsystem,
			Name:      "stream_duration_seconds",
			Help:      "Total stream duration in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
		},
		[]string{"endpoint", "status"},
	)

	activeStreams := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: streamingSubsystem,
			Name:      "active_streams",
			Help:      "Number of currently active streaming connections",
		},
		[]string{"endpoint"},
	)

	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: streamingSubsystem,
			Name:      "errors_total",
			Help:      "Total streaming errors by type and endpoint",
		},
		[]string{"endpoint", "error_code"},
	)

	clientDisconnectsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: streamingSubsystem,
			Name:      "client_disconnects_total",
			Help:      "Total client disconnections during streaming",
		},
		[]string{"endpoint"},
	)

	// Register all metrics with the test registry
	reg.MustRegister(
		requestsTotal,
		overridesTotal,
		chunksRelayedTotal,
		timeToFirstTokenSeconds,
		streamDurationSeconds,
		activeStreams,
		errorsTotal,
		clientDisconnectsTotal,
	)

	return &StreamingMetrics{
		RequestsTotal:           requestsTotal,
		OverridesTotal:          overridesTotal,
		ChunksRelayedTotal:      chunksRelayedTotal,
		TimeToFirstTokenSeconds: timeToFirstTokenSeconds,
		StreamDurationSeconds:   streamDurationSeconds,
		ActiveStreams:           activeStreams,
		ErrorsTotal:             errorsTotal,
		ClientDisconnectsTotal:  clientDisconnectsTotal,
	}
}

// ============================================================================
// InitMetrics Tests
// ============================================================================

// Note: InitMetrics uses promauto which registers with the default Prometheus
// registry. This test must only run once per test binary execution since
// duplicate registration will panic. We use a sync.Once to ensure this.
var initMetricsTestOnce bool

func TestInitMetrics(t *testing.T) {
	if initMetricsTestOnce {
		t.Skip("InitMetrics can only be called once per test run (promauto restriction)")
	}
	initMetricsTestOnce = true

	// Call InitMetrics
	result := InitMetrics()

	// Verify it returns a valid StreamingMetrics
	if result == nil {
		t.Fatal("InitMetrics() returned nil")
	}

	// Verify DefaultMetrics is set
	if DefaultMetrics == nil {
		t.Fatal("DefaultMetrics should be set after InitMetrics()")
	}

	// Verify DefaultMetrics is the same as the returned value
	if DefaultMetrics != result {
		t.Error("DefaultMetrics should equal the returned value")
	}

	// Verify all fields are set
	if result.RequestsTotal == nil {
		t.Error("RequestsTotal should not be nil")
	}
	if result.OverridesTotal == nil {
		t.Error("OverridesTotal should not be nil")
	}
	if result.ChunksRelayedTotal == nil {
		t.Error("ChunksRelayedTotal should not be nil")
	}
	if result.TimeToFirstTokenSeconds == nil {
		t.Error("TimeToFirstTokenSeconds should not be nil")
	}
	if result.StreamDurationSeconds == nil {
		t.Error("StreamDurationSeconds should not be nil")
	}
	if result.ActiveStreams == nil {
		t.Error("ActiveStreams should not be nil")
	}
	if result.ErrorsTotal == nil {
		t.Error("ErrorsTotal should not be nil")
	}
	if result.ClientDisconnectsTotal == nil {
		t.Error("ClientDisconnectsTotal should not be nil")
	}

	// Verify metrics can be used
	result.RecordRequest(EndpointChatStream, true)
	result.RecordError(EndpointChatStream, ErrorCodeTimeout)
	result.RecordOverride("positive")
	result.StreamStarted(EndpointChatStream)
	result.StreamEnded(EndpointChatStream)
}

// ============================================================================
// Constants Tests
// ============================================================================

func TestConstants(t *testing.T) {
	if metricsNamespace != "chatbot" {
		t.Errorf("metricsNamespace = %q, want %q", metricsNamespace, "chatbot")
	}
	if streamingSubsystem != "streaming" {
		t.Errorf("streamingSubsystem = %q, want %q", streamingSubsystem, "streaming")
	}
}

func TestEndpointConstants(t *testing.T) {
	if EndpointChatStream != "chat_stream" {
		t.Errorf("EndpointChatStream = %q, want %q", EndpointChatStream, "chat_stream")
	}
}

func TestErrorCodeConstants(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want string
	}{
		{ErrorCodeValidation, "validation"},
		{ErrorCodeLLMError, "llm_error"},
		{ErrorCodeTimeout, "timeout"},
		{ErrorCodeInternal, "internal"},
		{ErrorCodeClientDisconnect, "client_disconnect"},
	}

	for _, tt := range tests {
		if string(tt.code) != tt.want {
			t.Errorf("ErrorCode = %q, want %q", tt.code, tt.want)
		}
	}
}

// ============================================================================
// RecordRequest Tests
// ============================================================================

func TestStreamingMetrics_RecordRequest_Success(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordRequest(EndpointChatStream, true)

	val := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("chat_stream", "success"))
	if val != 1 {
		t.Errorf("RequestsTotal[chat_stream,success] = %f, want 1", val)
	}
}

func TestStreamingMetrics_RecordRequest_Error(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordRequest(EndpointChatStream, false)

	val := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("chat_stream", "error"))
	if val != 1 {
		t.Errorf("RequestsTotal[chat_stream,error] = %f, want 1", val)
	}
}

func TestStreamingMetrics_RecordRequest_Multiple(t *testing.T) {
	m := newTestMetrics(t)

	// Record multiple requests
	m.RecordRequest(EndpointChatStream, true)
	m.RecordRequest(EndpointChatStream, true)
	m.RecordRequest(EndpointChatStream, false)

	successVal := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("chat_stream", "success"))
	if successVal != 2 {
		t.Errorf("RequestsTotal[chat_stream,success] = %f, want 2", successVal)
	}

	errorVal := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("chat_stream", "error"))
	if errorVal != 1 {
		t.Errorf("RequestsTotal[chat_stream,error] = %f, want 1", errorVal)
	}
}

// ============================================================================
// RecordError Tests
// ============================================================================

func TestStreamingMetrics_RecordError(t *testing.T) {
	m := newTestMetrics(t)

	tests := []struct {
		endpoint Endpoint
		code     ErrorCode
	}{
		{EndpointChatStream, ErrorCodeValidation},
		{EndpointChatStream, ErrorCodeLLMError},
		{EndpointChatStream, ErrorCodeTimeout},
		{EndpointChatStream, ErrorCodeInternal},
		{EndpointChatStream, ErrorCodeClientDisconnect},
	}

	for _, tt := range tests {
		m.RecordError(tt.endpoint, tt.code)

		val := testutil.ToFloat64(m.ErrorsTotal.WithLabelValues(string(tt.endpoint), string(tt.code)))
		if val != 1 {
			t.Errorf("ErrorsTotal[%s,%s] = %f, want 1", tt.endpoint, tt.code, val)
		}
	}
}

func TestStreamingMetrics_RecordError_Multiple(t *testing.T) {
	m := newTestMetrics(t)

	// Record same error multiple times
	m.RecordError(EndpointChatStream, ErrorCodeLLMError)
	m.RecordError(EndpointChatStream, ErrorCodeLLMError)
	m.RecordError(EndpointChatStream, ErrorCodeLLMError)

	val := testutil.ToFloat64(m.ErrorsTotal.WithLabelValues("chat_stream", "llm_error"))
	if val != 3 {
		t.Errorf("ErrorsTotal[chat_stream,llm_error] = %f, want 3", val)
	}
}

// ============================================================================
// RecordOverride Tests
// ============================================================================

func TestStreamingMetrics_RecordOverride(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordOverride("positive")

	val := testutil.ToFloat64(m.OverridesTotal.WithLabelValues("positive"))
	if val != 1 {
		t.Errorf("OverridesTotal[positive] = %f, want 1", val)
	}
}

func TestStreamingMetrics_RecordOverride_Multiple(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordOverride("positive")
	m.RecordOverride("positive")
	m.RecordOverride("follow_up")

	positiveVal := testutil.ToFloat64(m.OverridesTotal.WithLabelValues("positive"))
	if positiveVal != 2 {
		t.Errorf("OverridesTotal[positive] = %f, want 2", positiveVal)
	}

	followUpVal := testutil.ToFloat64(m.OverridesTotal.WithLabelValues("follow_up"))
	if followUpVal != 1 {
		t.Errorf("OverridesTotal[follow_up] = %f, want 1", followUpVal)
	}
}

// ============================================================================
// RecordChunksRelayed Tests
// ============================================================================

func TestStreamingMetrics_RecordChunksRelayed(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordChunksRelayed(EndpointChatStream, 42)

	val := testutil.ToFloat64(m.ChunksRelayedTotal.WithLabelValues("chat_stream"))
	if val != 42 {
		t.Errorf("ChunksRelayedTotal[chat_stream] = %f, want 42", val)
	}
}

func TestStreamingMetrics_RecordChunksRelayed_Accumulates(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordChunksRelayed(EndpointChatStream, 10)
	m.RecordChunksRelayed(EndpointChatStream, 5)
	m.RecordChunksRelayed(EndpointChatStream, 0)

	val := testutil.ToFloat64(m.ChunksRelayedTotal.WithLabelValues("chat_stream"))
	if val != 15 {
		t.Errorf("ChunksRelayedTotal[chat_stream] = %f, want 15", val)
	}
}

// ============================================================================
// StreamStarted/StreamEnded Tests
// ============================================================================

func TestStreamingMetrics_StreamStarted(t *testing.T) {
	m := newTestMetrics(t)

	m.StreamStarted(EndpointChatStream)

	val := testutil.ToFloat64(m.ActiveStreams.WithLabelValues("chat_stream"))
	if val != 1 {
		t.Errorf("ActiveStreams[chat_stream] = %f, want 1", val)
	}
}

func TestStreamingMetrics_StreamEnded(t *testing.T) {
	m := newTestMetrics(t)

	// Start then end
	m.StreamStarted(EndpointChatStream)
	m.StreamEnded(EndpointChatStream)

	val := testutil.ToFloat64(m.ActiveStreams.WithLabelValues("chat_stream"))
	if val != 0 {
		t.Errorf("ActiveStreams[chat_stream] = %f, want 0", val)
	}
}

func TestStreamingMetrics_StreamLifecycle(t *testing.T) {
	m := newTestMetrics(t)

	// Simulate realistic stream lifecycle
	m.StreamStarted(EndpointChatStream)
	m.StreamStarted(EndpointChatStream)
	m.StreamStarted(EndpointChatStream)

	val := testutil.ToFloat64(m.ActiveStreams.WithLabelValues("chat_stream"))
	if val != 3 {
		t.Errorf("After 3 starts: ActiveStreams = %f, want 3", val)
	}

	m.StreamEnded(EndpointChatStream)

	val = testutil.ToFloat64(m.ActiveStreams.WithLabelValues("chat_stream"))
	if val != 2 {
		t.Errorf("After 1 end: ActiveStreams = %f, want 2", val)
	}

	m.StreamEnded(EndpointChatStream)
	m.StreamEnded(EndpointChatStream)

	val = testutil.ToFloat64(m.ActiveStreams.WithLabelValues("chat_stream"))
	if val != 0 {
		t.Errorf("After all ends: ActiveStreams = %f, want 0", val)
	}
}

// ============================================================================
// RecordTimeToFirstToken Tests
// ============================================================================

func TestStreamingMetrics_RecordTimeToFirstToken(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordTimeToFirstToken(EndpointChatStream, 0.5)

	// For histograms, we verify by collecting and checking count
	// The histogram itself should have observations recorded
	// We use CollectAndCount to verify the metric exists and was updated
	count := testutil.CollectAndCount(m.TimeToFirstTokenSeconds)
	if count == 0 {
		t.Error("Expected at least one metric to be collected")
	}
}

func TestStreamingMetrics_RecordTimeToFirstToken_MultipleBuckets(t *testing.T) {
	m := newTestMetrics(t)

	// Record values in different buckets
	m.RecordTimeToFirstToken(EndpointChatStream, 0.05) // bucket 0.1
	m.RecordTimeToFirstToken(EndpointChatStream, 0.3)  // bucket 0.5
	m.RecordTimeToFirstToken(EndpointChatStream, 2.0)  // bucket 2.5
	m.RecordTimeToFirstToken(EndpointChatStream, 15.0) // bucket 30.0

	// Just verify no panics - histogram testing is done via prometheus testutil
}

// ============================================================================
// RecordStreamDuration Tests
// ============================================================================

func TestStreamingMetrics_RecordStreamDuration_Success(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordStreamDuration(EndpointChatStream, 10.5, true)

	// Just verify no panic
}

func TestStreamingMetrics_RecordStreamDuration_Error(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordStreamDuration(EndpointChatStream, 5.0, false)

	// Just verify no panic
}

// ============================================================================
// RecordClientDisconnect Tests
// ============================================================================

func TestStreamingMetrics_RecordClientDisconnect(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordClientDisconnect(EndpointChatStream)

	val := testutil.ToFloat64(m.ClientDisconnectsTotal.WithLabelValues("chat_stream"))
	if val != 1 {
		t.Errorf("ClientDisconnectsTotal[chat_stream] = %f, want 1", val)
	}
}

func TestStreamingMetrics_RecordClientDisconnect_Multiple(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordClientDisconnect(EndpointChatStream)
	m.RecordClientDisconnect(EndpointChatStream)

	val := testutil.ToFloat64(m.ClientDisconnectsTotal.WithLabelValues("chat_stream"))
	if val != 2 {
		t.Errorf("ClientDisconnectsTotal[chat_stream] = %f, want 2", val)
	}
}

// ============================================================================
// Integration / Scenario Tests
// ============================================================================

func TestStreamingMetrics_CompleteStreamScenario(t *testing.T) {
	m := newTestMetrics(t)

	// Simulate a complete successful stream
	m.StreamStarted(EndpointChatStream)
	m.RecordTimeToFirstToken(EndpointChatStream, 0.5)
	m.RecordChunksRelayed(EndpointChatStream, 120)
	m.RecordStreamDuration(EndpointChatStream, 30.0, true)
	m.StreamEnded(EndpointChatStream)
	m.RecordRequest(EndpointChatStream, true)

	// Verify final state
	activeVal := testutil.ToFloat64(m.ActiveStreams.WithLabelValues("chat_stream"))
	if activeVal != 0 {
		t.Errorf("ActiveStreams should be 0 after stream ended, got %f", activeVal)
	}

	requestsVal := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("chat_stream", "success"))
	if requestsVal != 1 {
		t.Errorf("RequestsTotal[success] should be 1, got %f", requestsVal)
	}

	chunksVal := testutil.ToFloat64(m.ChunksRelayedTotal.WithLabelValues("chat_stream"))
	if chunksVal != 120 {
		t.Errorf("ChunksRelayedTotal should be 120, got %f", chunksVal)
	}
}

func TestStreamingMetrics_OverrideScenario(t *testing.T) {
	m := newTestMetrics(t)

	// Simulate a chat answered by the canned reply (no upstream call)
	m.StreamStarted(EndpointChatStream)
	m.RecordOverride("positive")
	m.RecordChunksRelayed(EndpointChatStream, 1)
	m.RecordStreamDuration(EndpointChatStream, 0.01, true)
	m.StreamEnded(EndpointChatStream)
	m.RecordRequest(EndpointChatStream, true)

	overrideVal := testutil.ToFloat64(m.OverridesTotal.WithLabelValues("positive"))
	if overrideVal != 1 {
		t.Errorf("OverridesTotal[positive] should be 1, got %f", overrideVal)
	}

	activeVal := testutil.ToFloat64(m.ActiveStreams.WithLabelValues("chat_stream"))
	if activeVal != 0 {
		t.Errorf("ActiveStreams should be 0 after stream ended, got %f", activeVal)
	}
}

func TestStreamingMetrics_FailedStreamScenario(t *testing.T) {
	m := newTestMetrics(t)

	// Simulate a failed stream
	m.StreamStarted(EndpointChatStream)
	m.RecordTimeToFirstToken(EndpointChatStream, 0.3)
	m.RecordError(EndpointChatStream, ErrorCodeLLMError)
	m.RecordStreamDuration(EndpointChatStream, 5.0, false)
	m.StreamEnded(EndpointChatStream)
	m.RecordRequest(EndpointChatStream, false)

	// Verify final state
	activeVal := testutil.ToFloat64(m.ActiveStreams.WithLabelValues("chat_stream"))
	if activeVal != 0 {
		t.Errorf("ActiveStreams should be 0 after stream ended, got %f", activeVal)
	}

	requestsVal := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("chat_stream", "error"))
	if requestsVal != 1 {
		t.Errorf("RequestsTotal[error] should be 1, got %f", requestsVal)
	}

	errorsVal := testutil.ToFloat64(m.ErrorsTotal.WithLabelValues("chat_stream", "llm_error"))
	if errorsVal != 1 {
		t.Errorf("ErrorsTotal[llm_error] should be 1, got %f", errorsVal)
	}
}

func TestStreamingMetrics_ClientDisconnectScenario(t *testing.T) {
	m := newTestMetrics(t)

	// Simulate client disconnect
	m.StreamStarted(EndpointChatStream)
	m.RecordClientDisconnect(EndpointChatStream)
	m.RecordError(EndpointChatStream, ErrorCodeClientDisconnect)
	m.StreamEnded(EndpointChatStream)
	m.RecordRequest(EndpointChatStream, false)

	disconnectVal := testutil.ToFloat64(m.ClientDisconnectsTotal.WithLabelValues("chat_stream"))
	if disconnectVal != 1 {
		t.Errorf("ClientDisconnectsTotal should be 1, got %f", disconnectVal)
	}
}

// ============================================================================
// Concurrent Safety Tests
// ============================================================================

func TestStreamingMetrics_ConcurrentSafety(t *testing.T) {
	m := newTestMetrics(t)

	done := make(chan bool, 100)

	// Run multiple goroutines performing various metric operations
	for i := 0; i < 20; i++ {
		go func() {
			m.RecordRequest(EndpointChatStream, true)
			done <- true
		}()
	}

	for i := 0; i < 20; i++ {
		go func() {
			m.RecordError(EndpointChatStream, ErrorCodeTimeout)
			done <- true
		}()
	}

	for i := 0; i < 20; i++ {
		go func() {
			m.RecordOverride("positive")
			done <- true
		}()
	}

	for i := 0; i < 20; i++ {
		go func() {
			m.StreamStarted(EndpointChatStream)
			m.StreamEnded(EndpointChatStream)
			done <- true
		}()
	}

	for i := 0; i < 20; i++ {
		go func() {
			m.RecordTimeToFirstToken(EndpointChatStream, 0.5)
			m.RecordStreamDuration(EndpointChatStream, 10.0, true)
			m.RecordChunksRelayed(EndpointChatStream, 3)
			m.RecordClientDisconnect(EndpointChatStream)
			done <- true
		}()
	}

	// Wait for all goroutines
	for i := 0; i < 100; i++ {
		<-done
	}

	// Verify expected values
	requestsVal := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("chat_stream", "success"))
	if requestsVal != 20 {
		t.Errorf("RequestsTotal[chat_stream,success] = %f, want 20", requestsVal)
	}

	errorsVal := testutil.ToFloat64(m.ErrorsTotal.WithLabelValues("chat_stream", "timeout"))
	if errorsVal != 20 {
		t.Errorf("ErrorsTotal[chat_stream,timeout] = %f, want 20", errorsVal)
	}

	overridesVal := testutil.ToFloat64(m.OverridesTotal.WithLabelValues("positive"))
	if overridesVal != 20 {
		t.Errorf("OverridesTotal[positive] = %f, want 20", overridesVal)
	}
}
