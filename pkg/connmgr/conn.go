// Package connmgr stands up the connection-subsystem collaborators that
// spec.md §1 treats as external: the connection handle, the worker pool,
// and the connection-ID lookup table. None of this implements QUIC
// connection semantics (TLS, loss recovery, streams) — it is the minimal
// real thing the binding core needs in order to be exercised end to end.
package connmgr

import (
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jqk6/msquic/pkg/datapath"
	"github.com/rs/xid"
	"github.com/rs/zerolog"
)

// Datagram is the connection-subsystem's view of a received packet; kept as
// an alias so pkg/connmgr does not need its own pooled buffer type.
type Datagram = datapath.Datagram

// RefClass distinguishes the two reference classes spec.md §3 calls out on
// a Connection handle: one held by whoever created/looked it up (the
// "handle" in flight through a single call), and one held by the lookup
// table's index entries for as long as they exist.
type RefClass int

const (
	RefHandle RefClass = iota
	RefLookup
)

// RecvChain is a batch of datagrams, all sharing a destination CID (for a
// non-exclusive binding), to be delivered to a connection in order.
type RecvChain struct {
	Datagrams []*Datagram
	Length    int
}

// Op is a unit of work queued on a connection's worker, mirroring
// spec.md §6's queue_op.
type Op struct {
	Kind   OpKind
	Recv   *RecvChain
	Remote netip.AddrPort
	Silent bool // for OpShutdown: whether the shutdown should avoid notifying the peer
	Reason string

	// Fn carries an arbitrary closure for OpStateless, the binding's
	// stateless-response operations (VN/Retry/Reset) queued on a shared
	// worker per spec.md §4.2 "Queueing": "the caller allocates an operation
	// of the requested type... and enqueues it on worker". Since those
	// operation kinds are defined in pkg/binding (which depends on
	// pkg/connmgr, not the other way around), the op carries the work as a
	// closure rather than a binding-specific payload type.
	Fn func()
}

type OpKind int

const (
	OpRecv OpKind = iota
	OpUnreachable
	OpShutdown
	OpStateless
)

// Conn is a minimal stand-in for the real connection state machine. It owns
// enough state to be created by the binding, to accept queued datagrams,
// and to run the "backup shutdown operation" unwind path from spec.md §9.
type Conn struct {
	ID      string
	Created time.Time

	mu         sync.Mutex
	sourceCIDs [][]byte
	remote     netip.AddrPort
	binding    any // *binding.Binding; stored as any to avoid an import cycle

	refHandle atomic.Int32
	refLookup atomic.Int32

	worker *Worker

	backupOperUsed atomic.Bool

	logger zerolog.Logger
}

// Init creates a new connection from the datagram that triggered its
// creation, per spec.md §4.5 "create_connection" step 1. The first source
// CID is generated locally (in the real stack it is chosen by the local
// endpoint for server-initiated CIDs, or taken from the client's choice);
// here we mint a fresh random-looking identifier via xid, which is a good
// fit for a non-secret, globally-unique handle ID (unlike the connection
// IDs on the wire, which must come from crypto/rand — see pkg/binding).
func Init(remote netip.AddrPort, w *Worker, logger zerolog.Logger) *Conn {
	c := &Conn{
		ID:      xid.New().String(),
		Created: time.Now(),
		remote:  remote,
		worker:  w,
		logger:  logger,
	}
	c.refHandle.Store(1)
	return c
}

// SetBinding records the Binding the connection is anchored on. Stored as
// `any` to avoid pkg/connmgr depending on pkg/binding.
func (c *Conn) SetBinding(b any) {
	c.mu.Lock()
	c.binding = b
	c.mu.Unlock()
}

// Binding returns the binding the connection is anchored on, if any.
func (c *Conn) Binding() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.binding
}

// AddSourceCIDEntry records a source CID the connection now owns (for
// lookup table bookkeeping; the lookup table itself indexes by the same
// bytes).
func (c *Conn) AddSourceCIDEntry(cid []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]byte, len(cid))
	copy(cp, cid)
	c.sourceCIDs = append(c.sourceCIDs, cp)
}

// SourceCIDs returns a copy of the connection's current source CIDs.
func (c *Conn) SourceCIDs() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.sourceCIDs))
	copy(out, c.sourceCIDs)
	return out
}

// RemoteAddr returns the connection's remote address.
func (c *Conn) RemoteAddr() netip.AddrPort {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote
}

// AddRef increments the reference count for class.
func (c *Conn) AddRef(class RefClass) {
	switch class {
	case RefHandle:
		c.refHandle.Add(1)
	case RefLookup:
		c.refLookup.Add(1)
	}
}

// Release decrements the reference count for class.
func (c *Conn) Release(class RefClass) {
	switch class {
	case RefHandle:
		c.refHandle.Add(-1)
	case RefLookup:
		c.refLookup.Add(-1)
	}
}

// QueueRecv enqueues a datagram chain for delivery to the connection's
// worker, per spec.md §6 queue_recv. It returns false if the worker is
// overloaded and the chain was dropped.
func (c *Conn) QueueRecv(chain *RecvChain) bool {
	return c.worker.Enqueue(Op{Kind: OpRecv, Recv: chain})
}

// QueueUnreachable enqueues an unreachable-event notification, per
// spec.md §6 queue_unreachable / §4.5 on_unreachable.
func (c *Conn) QueueUnreachable(remote netip.AddrPort) bool {
	return c.worker.Enqueue(Op{Kind: OpUnreachable, Remote: remote})
}

// QueueOp enqueues an arbitrary operation, per spec.md §6 queue_op.
func (c *Conn) QueueOp(op Op) bool {
	return c.worker.Enqueue(op)
}

// ShutdownAsync enqueues a one-shot silent shutdown operation on the
// connection's own worker. This is the "backup operation" design from
// spec.md §9: releasing a binding reference is forbidden on the receive
// thread, so unwinding a partially-created connection instead hands off to
// the connection's own worker via a pre-allocated, CAS-guarded slot.
func (c *Conn) ShutdownAsync(reason string) {
	if !c.backupOperUsed.CompareAndSwap(false, true) {
		return // already used; only one unwind is ever needed
	}
	if ok := c.worker.Enqueue(Op{Kind: OpShutdown, Silent: true, Reason: reason}); !ok {
		c.logger.Warn().Str("conn", c.ID).Str("reason", reason).Msg("dropped backup shutdown operation; worker overloaded")
	}
}
