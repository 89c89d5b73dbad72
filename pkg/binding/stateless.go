package binding

import (
	"net/netip"
	"sync"
	"time"

	"github.com/jqk6/msquic/pkg/connmgr"
	"github.com/jqk6/msquic/pkg/datapath"
)

// OpKind is the type of stateless response a StatelessContext will produce.
type OpKind int

const (
	OpVersionNegotiation OpKind = iota
	OpRetry
	OpStatelessReset
)

// StatelessContext represents one pending stateless response, per
// spec.md §3/§4.2. Binding/Worker are borrow references (see DESIGN.md);
// Datagram is owned by the context until release.
type StatelessContext struct {
	binding *Binding
	worker  *connmgr.Worker
	kind    OpKind

	Datagram *datapath.Datagram
	Local    netip.AddrPort
	Remote   netip.AddrPort

	createdAt time.Time

	mu            sync.Mutex
	isProcessed   bool
	isExpired     bool
	hasBindingRef bool
}

// statelessTable bounds the rate and memory of unsolicited responses and
// collapses duplicate requests from the same remote into at most one
// outstanding response, per spec.md §4.2.
type statelessTable struct {
	mu sync.Mutex

	byRemote map[netip.Addr]*StatelessContext
	fifo     []*StatelessContext // oldest first

	cfg     *Config
	metrics *bindingMetrics
}

func newStatelessTable(cfg *Config, m *bindingMetrics) *statelessTable {
	return &statelessTable{
		byRemote: make(map[netip.Addr]*StatelessContext),
		cfg:      cfg,
		metrics:  m,
	}
}

// ageOutLocked walks the FIFO from the head (oldest first), expiring any
// entry older than StatelessOpExpiration. Must be called with mu held.
func (t *statelessTable) ageOutLocked(now time.Time) {
	i := 0
	for ; i < len(t.fifo); i++ {
		ctx := t.fifo[i]
		if now.Sub(ctx.createdAt) < t.cfg.StatelessOpExpiration {
			break
		}

		delete(t.byRemote, ctx.Remote.Addr())

		ctx.mu.Lock()
		ctx.isExpired = true
		processed := ctx.isProcessed
		ctx.mu.Unlock()

		t.metrics.stateless_ops_total.expired.Inc()

		if processed {
			t.freeContext(ctx)
		}
		// otherwise: still being processed; release() will free it once done
	}
	t.fifo = t.fifo[i:]
}

func (t *statelessTable) freeContext(ctx *StatelessContext) {
	if ctx.Datagram != nil {
		ctx.Datagram.Release()
		ctx.Datagram = nil
	}
}

// Create ages out expired contexts, rejects if the table is saturated or a
// pending entry for the same remote address already exists, then allocates
// and inserts a new context, per spec.md §4.2.
func (t *statelessTable) Create(worker *connmgr.Worker, kind OpKind, dgram *datapath.Datagram, binding *Binding) (*StatelessContext, bool) {
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	t.ageOutLocked(now)

	if len(t.fifo) >= t.cfg.MaxBindingStatelessOperations {
		t.metrics.stateless_ops_total.reject_saturated.Inc()
		return nil, false
	}

	if _, exists := t.byRemote[dgram.Remote.Addr()]; exists {
		t.metrics.stateless_ops_total.reject_duplicate.Inc()
		return nil, false
	}

	ctx := &StatelessContext{
		binding:   binding,
		worker:    worker,
		kind:      kind,
		Datagram:  dgram,
		Local:     dgram.Local,
		Remote:    dgram.Remote,
		createdAt: now,
	}
	t.byRemote[dgram.Remote.Addr()] = ctx
	t.fifo = append(t.fifo, ctx)

	t.metrics.stateless_ops_total.created.Inc()
	return ctx, true
}

// release marks ctx processed, and if it was already expired, frees it.
// Called by the worker once it has finished producing the stateless
// response (or unwinding a failed attempt), per spec.md §4.2 "Processing
// completion". The binding reference (if one was taken) is released here
// too, since it must never be released on the receive thread.
func (t *statelessTable) release(ctx *StatelessContext, returnDatagram bool) {
	ctx.mu.Lock()
	ctx.isProcessed = true
	expired := ctx.isExpired
	hadRef := ctx.hasBindingRef
	ctx.hasBindingRef = false
	ctx.mu.Unlock()

	if hadRef && ctx.binding != nil {
		ctx.binding.Release()
	}

	if expired {
		t.mu.Lock()
		t.freeContext(ctx)
		t.mu.Unlock()
	} else if returnDatagram && ctx.Datagram != nil {
		ctx.Datagram.Release()
		ctx.Datagram = nil
	}
}
