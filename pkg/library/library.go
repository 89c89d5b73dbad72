// Package library holds the process-wide state shared by every Binding:
// the global in-flight handshake memory counter, the shutdown flag gating
// new connection creation, and the retry-token encryption key.
package library

import (
	"crypto/rand"
	"fmt"
	"sync/atomic"
)

// RetryKeyLength is the AES-128 key size used to encrypt Retry tokens.
const RetryKeyLength = 16

// Library is the process-wide handle referenced by every Binding. Bindings
// hold a reference to it for as long as they have connections anchored on
// them; new connections cannot be created once the library starts shutting
// down.
type Library struct {
	shuttingDown         atomic.Bool
	handshakeMemoryUsage atomic.Int64
	totalMemory           uint64
	retryKey             [RetryKeyLength]byte
}

// New creates a Library with a freshly generated retry key and totalMemory
// used as the denominator for retry memory-limit gating (spec.md §4.5,
// "retry_memory_limit * total_memory / UINT16_MAX").
func New(totalMemory uint64) (*Library, error) {
	l := &Library{totalMemory: totalMemory}
	if _, err := rand.Read(l.retryKey[:]); err != nil {
		return nil, fmt.Errorf("library: generate retry key: %w", err)
	}
	return l, nil
}

// RetryKey returns the process-wide AES key used for Retry token encryption.
func (l *Library) RetryKey() []byte {
	return l.retryKey[:]
}

// TotalMemory returns the configured total memory figure used for retry
// gating.
func (l *Library) TotalMemory() uint64 {
	return l.totalMemory
}

// AddHandshakeMemoryUsage atomically adjusts the global in-flight handshake
// memory counter by delta (positive on connection creation, negative on
// handshake completion/abandonment) and returns the new value.
func (l *Library) AddHandshakeMemoryUsage(delta int64) int64 {
	return l.handshakeMemoryUsage.Add(delta)
}

// CurrentHandshakeMemoryUsage returns the current value of the global
// in-flight handshake memory counter.
func (l *Library) CurrentHandshakeMemoryUsage() int64 {
	return l.handshakeMemoryUsage.Load()
}

// BeginShutdown marks the library as shutting down. Once set, TryAddRef
// always fails, so no binding will accept a new connection.
func (l *Library) BeginShutdown() {
	l.shuttingDown.Store(true)
}

// ShuttingDown reports whether BeginShutdown has been called.
func (l *Library) ShuttingDown() bool {
	return l.shuttingDown.Load()
}

// Referencer is satisfied by Binding; kept as a narrow interface so this
// package does not import pkg/binding.
type Referencer interface {
	AddRef()
}

// TryAddRef acquires a reference on b on behalf of a new connection unless
// the library is shutting down, per spec.md §4.5 step 4 and §7 "Library
// shutting down".
func (l *Library) TryAddRef(b Referencer) bool {
	if l.shuttingDown.Load() {
		return false
	}
	b.AddRef()
	return true
}
