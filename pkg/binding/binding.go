// Package binding implements the UDP endpoint demultiplexer core of a QUIC
// implementation: the Binding type that owns one UDP endpoint, routes
// inbound datagrams to connections, and answers unmatched packets with
// Version Negotiation, Retry, or a Stateless Reset.
package binding

import (
	"context"
	"crypto/rand"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/jqk6/msquic/pkg/connmgr"
	"github.com/jqk6/msquic/pkg/datapath"
	"github.com/jqk6/msquic/pkg/library"
	"github.com/rs/zerolog"
)

// Binding is the endpoint abstraction over one UDP socket, per spec.md §3.
// It is safe for concurrent use: the datapath may invoke OnReceive on
// arbitrary goroutines, including concurrently for the same Binding.
//
// Lock order, where more than one lock is held: registry, then lookup,
// then stateless, then resetTokenMu. No lock is held across a datapath call.
type Binding struct {
	cfg *Config

	exclusive bool
	connected bool

	socket datapath.BoundSocket

	registry  *listenerRegistry
	lookup    connmgr.Lookup
	stateless *statelessTable
	workers   *connmgr.Pool
	library   *library.Library

	handshakeConnections atomic.Int64

	resetTokenMu   sync.Mutex
	resetTokenSalt [32]byte

	randomReservedVersion uint32

	refCount atomic.Int64

	metrics *bindingMetrics
	logger  zerolog.Logger
}

// New creates a Binding bound to local/remote (per cfg.LocalAddress /
// cfg.RemoteAddress semantics: a valid remote makes the binding
// "connected", per spec.md §3) and registers it with dp as the receiver of
// that endpoint's asynchronous callbacks.
func New(dp datapath.Datapath, lib *library.Library, lookup connmgr.Lookup, workers *connmgr.Pool, cfg Config, logger zerolog.Logger) (*Binding, error) {
	cfgCopy := cfg

	b := &Binding{
		cfg:       &cfgCopy,
		exclusive: !cfg.ShareBinding,
		connected: cfg.RemoteAddress.IsValid(),
		lookup:    lookup,
		workers:   workers,
		library:   lib,
		logger:    logger.With().Str("component", "binding").Logger(),
	}
	b.refCount.Store(1)

	prefix := "msquic_binding"
	b.metrics = newBindingMetrics(prefix)
	b.registry = newListenerRegistry(lookup, b.metrics)
	b.stateless = newStatelessTable(b.cfg, b.metrics)

	if _, err := rand.Read(b.resetTokenSalt[:]); err != nil {
		return nil, fmt.Errorf("binding: generate reset token salt: %w", err)
	}
	rv, err := randomReservedVersion()
	if err != nil {
		return nil, fmt.Errorf("binding: generate random reserved version: %w", err)
	}
	b.randomReservedVersion = rv

	restore, err := datapath.EnterCompartment(cfg.CompartmentID)
	if err != nil {
		return nil, fmt.Errorf("binding: enter compartment %d: %w", cfg.CompartmentID, err)
	}
	socket, err := dp.Create(cfg.LocalAddress, cfg.RemoteAddress, b)
	restore()
	if err != nil {
		return nil, fmt.Errorf("binding: create datapath endpoint: %w", err)
	}
	b.socket = socket

	return b, nil
}

// randomReservedVersion draws a 32-bit value matching RFC 9000 section 15's
// reserved-version pattern (low nibble of every byte is 0xa), per spec.md
// §3 "a 32-bit value whose top bits match the QUIC reserved version
// pattern, used to exercise peers' greasing logic".
func randomReservedVersion() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	v := uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
	return (v &^ 0x0f0f0f0f) | 0x0a0a0a0a, nil
}

// LocalAddr returns the binding's bound local address.
func (b *Binding) LocalAddr() netip.AddrPort {
	return b.socket.LocalAddr()
}

// RegisterListener registers l on the binding's listener registry, per
// spec.md §4.1.
func (b *Binding) RegisterListener(l *Listener) bool {
	return b.registry.Register(l)
}

// UnregisterListener removes l from the binding's listener registry.
func (b *Binding) UnregisterListener(l *Listener) {
	b.registry.Unregister(l)
}

// AddRef increments the binding's external handle count, satisfying
// library.Referencer so library.TryAddRef can take a reference on behalf
// of a newly created connection (spec.md §4.5 step 4).
func (b *Binding) AddRef() {
	b.refCount.Add(1)
}

// Release gives up an external reference. It does not itself tear the
// binding down: per spec.md §3, teardown ("ref_count == 0") is a decision
// made by the owner, which calls Close. cmd/msquicd calls Close when it
// receives a shutdown signal, without consulting RefCount().
func (b *Binding) Release() {
	if b.refCount.Add(-1) < 0 {
		panic("binding: Release called more times than AddRef")
	}
}

// RefCount reports the binding's current external handle count.
func (b *Binding) RefCount() int64 {
	return b.refCount.Load()
}

// Close tears the binding down, per spec.md §3's teardown invariants:
// waits for every outstanding datapath callback to finish (the only
// blocking wait in this subsystem, per spec.md §5), then verifies that no
// handshake connections, listeners, or stateless operations remain
// attached. Violations are logged, not panicked on — by the time Close is
// called the binding is being torn down regardless.
func (b *Binding) Close(ctx context.Context) error {
	if err := b.socket.Delete(ctx); err != nil {
		return fmt.Errorf("binding: delete datapath endpoint: %w", err)
	}

	if n := b.handshakeConnections.Load(); n != 0 {
		b.logger.Error().Int64("handshake_connections", n).Msg("binding torn down with handshake connections still attached")
	}
	if !b.registry.isEmpty() {
		b.logger.Error().Msg("binding torn down with listeners still registered")
	}
	b.stateless.mu.Lock()
	pending := len(b.stateless.fifo)
	b.stateless.mu.Unlock()
	if pending != 0 {
		b.logger.Error().Int("stateless_operations", pending).Msg("binding torn down with stateless operations still tracked")
	}

	return nil
}

// WritePrometheus is defined in metrics.go.
