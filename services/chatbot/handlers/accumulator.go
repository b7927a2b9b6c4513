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
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// SecureBufferSize is the size of the mlocked buffer for chunk accumulation.
	// 512 KB provides ample room for long assistant responses.
	//
	// Capacity:
	//   - 512 KB = 524,288 bytes
	//   - ~131,000 chunks (at 4 bytes/chunk average)
	//
	// System must be configured with adequate mlock limits.
	SecureBufferSize = 512 * 1024 // 512 KB (kilobytes)

	// MinMlockLimitKB is the minimum mlock limit required in kilobytes.
	MinMlockLimitKB = 512
)

// =============================================================================
// Package Variables
// =============================================================================

var (
	// memguardInitOnce ensures memguard initialization happens only once.
	memguardInitOnce sync.Once

	// mlockSufficient is set during initialization to indicate if secure memory is available.
	mlockSufficient bool

	// currentMlockLimitKB stores the current mlock limit for logging.
	currentMlockLimitKB int64
)

// =============================================================================
// Interfaces
// =============================================================================

// ChunkAccumulator defines the contract for accumulating relayed chunks.
//
// # Description
//
// ChunkAccumulator collects the content chunks forwarded to a client during
// a stream so the complete answer can be hashed for the integrity log.
// Chunks are hashed incrementally as they arrive.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
//
// # Security
//
// Implementations should securely handle chunk data and support memory wiping.
//
// # Examples
//
//	acc, err := NewSecureChunkAccumulator()
//	if err != nil {
//	    return err
//	}
//	defer acc.Destroy()
//
//	acc.Write("Hello ")
//	acc.Write("world!")
//	answer, hash, _ := acc.Finalize()
//
// # Limitations
//
//   - Buffer size is fixed (cannot grow dynamically)
//   - Accumulator cannot be reused after Finalize() or Destroy()
//
// # Assumptions
//
//   - Chunks are valid UTF-8 strings
//   - System is configured with adequate mlock limits for secure mode
type ChunkAccumulator interface {
	// Write appends a chunk to the accumulator.
	//
	// # Description
	//
	// Copies chunk bytes into the buffer and updates the incremental hash.
	// Chunks are hashed immediately as they arrive.
	//
	// # Inputs
	//
	//   - chunk: Chunk string to append (must be valid UTF-8)
	//
	// # Outputs
	//
	//   - error: Non-nil if accumulation failed (e.g., buffer overflow)
	//
	// # Limitations
	//
	//   - Cannot write after Destroy() or Finalize()
	Write(chunk string) error

	// Finalize returns the accumulated answer and its hash, then wipes storage.
	//
	// # Outputs
	//
	//   - answer: Complete accumulated answer
	//   - hash: SHA-256 hash of the answer (hex encoded, 64 characters)
	//   - error: Non-nil if overflow occurred or accumulator already destroyed
	//
	// # Limitations
	//
	//   - Can only be called once
	Finalize() (answer string, hash string, err error)

	// Destroy wipes storage without returning data. Idempotent.
	Destroy()

	// ID returns the unique identifier for this accumulator instance.
	ID() string

	// CreatedAt returns when this accumulator was created.
	CreatedAt() time.Time
}

// =============================================================================
// Structs: Secure Implementation
// =============================================================================

// secureChunkAccumulator stores chunks in mlocked memory with incremental hashing.
//
// # Description
//
// Uses memguard LockedBuffer for secure in-memory storage of assistant
// response chunks. Memory protections include:
//   - Locked (mlock) to prevent swapping to disk
//   - Guard pages to detect buffer overflows
//   - Canary values to detect buffer underflows
//   - Explicit zeroing on Destroy() to prevent memory forensics
//   - Incremental SHA-256 hashing as chunks arrive
//
// # Fields
//
//   - id: Unique identifier for this accumulator instance
//   - createdAt: When the accumulator was created
//   - mu: Mutex for thread safety
//   - buffer: memguard LockedBuffer for secure storage
//   - offset: Current write position in buffer
//   - hasher: Incremental SHA-256 hasher
//   - overflow: Set if buffer capacity exceeded
//   - destroyed: Set after Destroy() or Finalize() called
//
// # Thread Safety
//
// Safe for concurrent use. Uses mutex to protect internal state.
//
// # System Requirements
//
// Requires mlock limit >= SecureBufferSize (512 KB).
type secureChunkAccumulator struct {
	id        string
	createdAt time.Time
	mu        sync.Mutex
	buffer    *memguard.LockedBuffer
	offset    int
	hasher    hash.Hash
	overflow  bool
	destroyed bool
}

// =============================================================================
// Structs: Insecure Fallback Implementation
// =============================================================================

// insecureChunkAccumulator is a fallback for systems without sufficient mlock.
//
// # Description
//
// Provides the same interface as secureChunkAccumulator but uses standard
// Go memory ([]byte). This is used when:
//   - mlock limits are insufficient
//   - CHATBOT_INSECURE_MEMORY=true is set
//
// # Security Warning
//
// This implementation does NOT provide the security guarantees of the secure
// version. Data may be swapped to disk and is not protected by guard pages.
//
// # Thread Safety
//
// Safe for concurrent use.
type insecureChunkAccumulator struct {
	id        string
	createdAt time.Time
	mu        sync.Mutex
	data      []byte
	hasher    hash.Hash
	overflow  bool
	destroyed bool
}

// =============================================================================
// Constructor Functions
// =============================================================================

// NewSecureChunkAccumulator creates a new secure chunk accumulator.
//
// # Description
//
// Allocates a mlocked buffer of SecureBufferSize bytes for storing relayed
// chunks. If the mlock limit is insufficient and CHATBOT_INSECURE_MEMORY is
// not set, returns an error. If CHATBOT_INSECURE_MEMORY=true, falls back to
// an insecure accumulator with a warning.
//
// # Outputs
//
//   - ChunkAccumulator: Ready for use (may be secure or insecure based on system)
//   - error: Non-nil if allocation failed and no fallback available
//
// # Examples
//
//	acc, err := NewSecureChunkAccumulator()
//	if err != nil {
//	    return err
//	}
//	defer acc.Destroy()
//
// # Limitations
//
//   - May return insecure accumulator if mlock limits insufficient
//
// # Assumptions
//
//   - System is properly configured
func NewSecureChunkAccumulator() (ChunkAccumulator, error) {
	initMemguard()

	if !mlockSufficient {
		return handleInsufficientMlock()
	}

	return allocateSecureBuffer()
}

// newInsecureChunkAccumulator creates an insecure fallback accumulator.
//
// # Description
//
// Creates a chunk accumulator using standard Go memory instead of mlocked
// memory. Used when secure memory is unavailable and the operator has
// acknowledged the risk.
//
// # Outputs
//
//   - ChunkAccumulator: Insecure accumulator ready for use
//
// # Limitations
//
//   - Data may be swapped to disk
//   - No guard page protection
func newInsecureChunkAccumulator() ChunkAccumulator {
	accID := uuid.New().String()

	slog.Warn("Created INSECURE chunk accumulator - data may be swapped to disk",
		"accumulator_id", accID,
	)

	return &insecureChunkAccumulator{
		id:        accID,
		createdAt: time.Now(),
		data:      make([]byte, 0, SecureBufferSize),
		hasher:    sha256.New(),
		overflow:  false,
		destroyed: false,
	}
}

// =============================================================================
// secureChunkAccumulator Methods
// =============================================================================

// Write appends a chunk to the secure buffer.
//
// # Description
//
// Copies chunk bytes into the mlocked buffer and updates the incremental
// hash. If the buffer would overflow, sets the overflow flag and returns an
// error.
//
// # Inputs
//
//   - chunk: Chunk string to append
//
// # Outputs
//
//   - error: Non-nil if buffer overflow would occur or accumulator destroyed
//
// # Limitations
//
//   - Cannot write after Destroy() or Finalize()
//   - Cannot recover from overflow
func (a *secureChunkAccumulator) Write(chunk string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.validateWriteState(); err != nil {
		return err
	}

	chunkBytes := []byte(chunk)

	if err := a.checkBufferCapacity(len(chunkBytes)); err != nil {
		return err
	}

	a.copyToBuffer(chunkBytes)
	a.updateHash(chunkBytes)

	return nil
}

// Finalize returns the accumulated answer and its hash, then wipes the buffer.
//
// # Description
//
// Extracts the complete answer string and SHA-256 hash from the secure
// buffer, then securely wipes the buffer memory. After calling Finalize(),
// the accumulator cannot be reused.
//
// # Outputs
//
//   - answer: Complete accumulated answer (copy of secure buffer contents)
//   - hash: SHA-256 hash of the answer (hex encoded, 64 characters)
//   - error: Non-nil if overflow occurred or accumulator already destroyed
//
// # Limitations
//
//   - Can only be called once
//   - Accumulator is unusable after this call
func (a *secureChunkAccumulator) Finalize() (string, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.validateFinalizeState(); err != nil {
		return "", "", err
	}

	answer := a.extractAnswer()
	hashStr := a.finalizeHash()
	a.wipeBuffer()

	a.logFinalization(len(answer), hashStr)

	return answer, hashStr, nil
}

// Destroy wipes the buffer without returning data.
//
// # Description
//
// Securely wipes the mlocked buffer memory. Use this to clean up on error
// paths where the accumulated data is not needed. Safe to call multiple
// times (idempotent).
//
// # Examples
//
//	acc, _ := NewSecureChunkAccumulator()
//	defer acc.Destroy() // Always clean up
func (a *secureChunkAccumulator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return
	}

	a.wipeBuffer()
	a.logDestruction()
}

// ID returns the unique identifier for this accumulator instance.
func (a *secureChunkAccumulator) ID() string {
	return a.id
}

// CreatedAt returns when this accumulator was created.
func (a *secureChunkAccumulator) CreatedAt() time.Time {
	return a.createdAt
}

// =============================================================================
// secureChunkAccumulator Private Methods
// =============================================================================

// validateWriteState checks if the accumulator is in a valid state for writing.
func (a *secureChunkAccumulator) validateWriteState() error {
	if a.destroyed {
		return fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		return fmt.Errorf("secure buffer overflow - response too large")
	}
	return nil
}

// checkBufferCapacity verifies there is room for the chunk.
func (a *secureChunkAccumulator) checkBufferCapacity(chunkLen int) error {
	if a.offset+chunkLen > SecureBufferSize {
		a.overflow = true
		return fmt.Errorf("secure buffer overflow: need %d bytes, have %d remaining",
			chunkLen, SecureBufferSize-a.offset)
	}
	return nil
}

// copyToBuffer copies chunk bytes into the secure buffer.
func (a *secureChunkAccumulator) copyToBuffer(chunkBytes []byte) {
	copy(a.buffer.Bytes()[a.offset:], chunkBytes)
	a.offset += len(chunkBytes)
}

// updateHash adds chunk bytes to the incremental hash.
func (a *secureChunkAccumulator) updateHash(chunkBytes []byte) {
	a.hasher.Write(chunkBytes)
}

// validateFinalizeState checks if the accumulator can be finalized.
func (a *secureChunkAccumulator) validateFinalizeState() error {
	if a.destroyed {
		return fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		a.wipeBuffer()
		return fmt.Errorf("buffer overflowed during accumulation")
	}
	return nil
}

// extractAnswer copies the answer out of secure memory.
func (a *secureChunkAccumulator) extractAnswer() string {
	return string(a.buffer.Bytes()[:a.offset])
}

// finalizeHash returns the final hash as a hex string.
func (a *secureChunkAccumulator) finalizeHash() string {
	hashBytes := a.hasher.Sum(nil)
	return hex.EncodeToString(hashBytes)
}

// wipeBuffer destroys the secure buffer and marks as destroyed.
func (a *secureChunkAccumulator) wipeBuffer() {
	if a.buffer != nil {
		a.buffer.Destroy()
	}
	a.destroyed = true
}

// logFinalization logs successful finalization.
func (a *secureChunkAccumulator) logFinalization(answerLen int, hashStr string) {
	slog.Debug("Finalized secure chunk accumulator",
		"accumulator_id", a.id,
		"answer_length", answerLen,
		"hash", hashStr[:16]+"...",
	)
}

// logDestruction logs accumulator destruction.
func (a *secureChunkAccumulator) logDestruction() {
	slog.Debug("Destroyed secure chunk accumulator",
		"accumulator_id", a.id,
	)
}

// =============================================================================
// insecureChunkAccumulator Methods
// =============================================================================

// Write appends a chunk to the insecure buffer.
//
// # Description
//
// Appends chunk bytes to a standard Go slice and updates the incremental
// hash. Enforces the same capacity limit as the secure implementation so
// behavior matches across modes.
//
// # Inputs
//
//   - chunk: Chunk string to append
//
// # Outputs
//
//   - error: Non-nil if capacity exceeded or accumulator destroyed
func (a *insecureChunkAccumulator) Write(chunk string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.validateWriteState(); err != nil {
		return err
	}

	chunkBytes := []byte(chunk)

	if err := a.checkBufferCapacity(len(chunkBytes)); err != nil {
		return err
	}

	a.appendToData(chunkBytes)
	a.updateHash(chunkBytes)

	return nil
}

// Finalize returns the accumulated answer and its hash, then clears storage.
//
// # Outputs
//
//   - answer: Complete accumulated answer
//   - hash: SHA-256 hash of the answer (hex encoded)
//   - error: Non-nil if overflow occurred or accumulator already destroyed
func (a *insecureChunkAccumulator) Finalize() (string, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.validateFinalizeState(); err != nil {
		return "", "", err
	}

	answer := string(a.data)
	hashStr := a.finalizeHash()
	a.wipeData()

	a.logFinalization(len(answer))

	return answer, hashStr, nil
}

// Destroy clears the buffer without returning data. Idempotent.
func (a *insecureChunkAccumulator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return
	}

	a.wipeData()
	a.logDestruction()
}

// ID returns the unique identifier for this accumulator instance.
func (a *insecureChunkAccumulator) ID() string {
	return a.id
}

// CreatedAt returns when this accumulator was created.
func (a *insecureChunkAccumulator) CreatedAt() time.Time {
	return a.createdAt
}

// =============================================================================
// insecureChunkAccumulator Private Methods
// =============================================================================

// validateWriteState checks if the accumulator is in a valid state for writing.
func (a *insecureChunkAccumulator) validateWriteState() error {
	if a.destroyed {
		return fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		return fmt.Errorf("buffer overflow - response too large")
	}
	return nil
}

// checkBufferCapacity verifies there is room for the chunk.
func (a *insecureChunkAccumulator) checkBufferCapacity(chunkLen int) error {
	if len(a.data)+chunkLen > SecureBufferSize {
		a.overflow = true
		return fmt.Errorf("buffer overflow: need %d bytes, have %d remaining",
			chunkLen, SecureBufferSize-len(a.data))
	}
	return nil
}

// appendToData appends chunk bytes to the data slice.
func (a *insecureChunkAccumulator) appendToData(chunkBytes []byte) {
	a.data = append(a.data, chunkBytes...)
}

// updateHash adds chunk bytes to the incremental hash.
func (a *insecureChunkAccumulator) updateHash(chunkBytes []byte) {
	a.hasher.Write(chunkBytes)
}

// validateFinalizeState checks if the accumulator can be finalized.
func (a *insecureChunkAccumulator) validateFinalizeState() error {
	if a.destroyed {
		return fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		a.wipeData()
		return fmt.Errorf("buffer overflowed during accumulation")
	}
	return nil
}

// finalizeHash returns the final hash as a hex string.
func (a *insecureChunkAccumulator) finalizeHash() string {
	hashBytes := a.hasher.Sum(nil)
	return hex.EncodeToString(hashBytes)
}

// wipeData zeroes and releases the data slice, then marks as destroyed.
func (a *insecureChunkAccumulator) wipeData() {
	for i := range a.data {
		a.data[i] = 0
	}
	a.data = nil
	a.destroyed = true
}

// logFinalization logs successful finalization.
func (a *insecureChunkAccumulator) logFinalization(answerLen int) {
	slog.Debug("Finalized insecure chunk accumulator",
		"accumulator_id", a.id,
		"answer_length", answerLen,
	)
}

// logDestruction logs accumulator destruction.
func (a *insecureChunkAccumulator) logDestruction() {
	slog.Debug("Destroyed insecure chunk accumulator",
		"accumulator_id", a.id,
	)
}

// =============================================================================
// Package Initialization Functions
// =============================================================================

// initMemguard initializes the memguard library and checks mlock limits.
//
// # Description
//
// Performs one-time initialization of memguard and validates that the system
// has sufficient mlock limits for secure memory operations. Called
// automatically when creating the first SecureChunkAccumulator.
//
// # Outputs
//
// None. Sets package-level variables mlockSufficient and currentMlockLimitKB.
//
// # Limitations
//
//   - Only initializes once (subsequent calls are no-ops)
func initMemguard() {
	memguardInitOnce.Do(func() {
		memguard.CatchInterrupt()
		mlockSufficient, currentMlockLimitKB = checkMlockLimit()
		logMlockStatus()
	})
}

// checkMlockLimit checks if the system has sufficient mlock limits.
//
// # Description
//
// Queries the kernel for the current mlock resource limit and compares
// it against the minimum required for secure chunk accumulation.
//
// # Outputs
//
//   - bool: True if limit is sufficient (>= MinMlockLimitKB)
//   - int64: Current limit in kilobytes (-1 if unlimited)
//
// # Limitations
//
//   - Only works on Unix-like systems (Linux, macOS, BSD)
func checkMlockLimit() (bool, int64) {
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &rlimit); err != nil {
		slog.Warn("Could not determine mlock limit", "error", err)
		return true, -1
	}

	if rlimit.Cur == unix.RLIM_INFINITY {
		return true, -1
	}

	limitKB := int64(rlimit.Cur / 1024)
	return limitKB >= MinMlockLimitKB, limitKB
}

// logMlockStatus logs the current mlock status.
func logMlockStatus() {
	if mlockSufficient {
		slog.Info("Secure memory initialized",
			"mlock_limit_kb", currentMlockLimitKB,
			"required_kb", MinMlockLimitKB,
			"status", "sufficient",
		)
	} else {
		logInsufficientMlock()
	}
}

// logInsufficientMlock logs a warning about insufficient mlock limits.
func logInsufficientMlock() {
	insecureMode := os.Getenv("CHATBOT_INSECURE_MEMORY") == "true"
	if insecureMode {
		slog.Warn("SECURITY: Running with insecure memory - mlock limit insufficient",
			"current_limit_kb", currentMlockLimitKB,
			"required_kb", MinMlockLimitKB,
			"env_override", "CHATBOT_INSECURE_MEMORY=true",
		)
	} else {
		slog.Error("mlock limit insufficient for secure memory",
			"current_limit_kb", currentMlockLimitKB,
			"required_kb", MinMlockLimitKB,
			"help", "Raise the memlock ulimit or set CHATBOT_INSECURE_MEMORY=true",
		)
	}
}

// handleInsufficientMlock handles the case when mlock limits are insufficient.
func handleInsufficientMlock() (ChunkAccumulator, error) {
	if os.Getenv("CHATBOT_INSECURE_MEMORY") == "true" {
		slog.Warn("Using insecure memory accumulator due to mlock limits",
			"current_limit_kb", currentMlockLimitKB,
			"required_kb", MinMlockLimitKB,
		)
		return newInsecureChunkAccumulator(), nil
	}
	return nil, fmt.Errorf(
		"mlock limit insufficient: have %d KB, need %d KB. "+
			"Configure system limits or set CHATBOT_INSECURE_MEMORY=true",
		currentMlockLimitKB, MinMlockLimitKB,
	)
}

// allocateSecureBuffer allocates a new secure buffer.
func allocateSecureBuffer() (ChunkAccumulator, error) {
	buf := memguard.NewBuffer(SecureBufferSize)
	if buf == nil {
		return nil, fmt.Errorf("failed to allocate secure buffer of %d bytes", SecureBufferSize)
	}
	buf.Melt()

	accID := uuid.New().String()

	slog.Debug("Created secure chunk accumulator",
		"accumulator_id", accID,
		"buffer_size", SecureBufferSize,
	)

	return &secureChunkAccumulator{
		id:        accID,
		createdAt: time.Now(),
		buffer:    buf,
		offset:    0,
		hasher:    sha256.New(),
		overflow:  false,
		destroyed: false,
	}, nil
}

// =============================================================================
// Utility Functions
// =============================================================================

// IsMlockAvailable returns whether secure memory is available on this system.
//
// # Description
//
// Checks if the system has sufficient mlock limits for secure chunk
// accumulation. Can be used to inform operators about security status.
//
// # Outputs
//
//   - bool: True if secure memory is available
//   - int64: Current mlock limit in KB (-1 if unlimited)
//
// # Limitations
//
//   - Result may change if system limits are modified
func IsMlockAvailable() (bool, int64) {
	initMemguard()
	return mlockSufficient, currentMlockLimitKB
}

// PurgeAllSecureMemory wipes all memguard-allocated memory.
//
// # Description
//
// Should be called during graceful shutdown to ensure all sensitive data
// is wiped from memory. This is automatically called on SIGINT/SIGTERM
// if memguard.CatchInterrupt() was called.
//
// # Examples
//
//	defer PurgeAllSecureMemory()
//
// # Limitations
//
//   - After calling this, all existing LockedBuffers are invalid
func PurgeAllSecureMemory() {
	memguard.Purge()
	slog.Info("Purged all secure memory")
}
