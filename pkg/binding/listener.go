package binding

import (
	"bytes"
	"net/netip"
	"sync"
)

// Family is the address family a Listener is scoped to, ordered per
// spec.md §4.1's sort key: v6 first, then v4, then unspecified.
type Family int

const (
	FamilyV6 Family = iota
	FamilyV4
	FamilyUnspec
)

// Listener is the subset of a registered session listener the binding core
// needs: its bind address and the ALPN it serves. Lifecycle: registered
// once, unregistered once; while linked, Rundown is acquired by Match
// before the listener is handed back to the caller (spec.md §3).
type Listener struct {
	LocalAddress netip.Addr // zero value for wildcard
	Wildcard     bool
	Family       Family
	ALPN         []byte

	Rundown *Rundown

	next *Listener // registry-internal intrusive link
}

// NewListener creates a Listener ready to be registered.
func NewListener(family Family, localAddress netip.Addr, wildcard bool, alpn []byte) *Listener {
	return &Listener{
		LocalAddress: localAddress,
		Wildcard:     wildcard,
		Family:       family,
		ALPN:         alpn,
		Rundown:      NewRundown(),
	}
}

// listenerRegistry is a sorted set of Listeners, matched from (local
// address, ALPN list) to a listener, per spec.md §4.1.
type listenerRegistry struct {
	mu    sync.RWMutex
	head  *Listener
	count int

	lookup  lookupPartitioner
	metrics *bindingMetrics
}

// lookupPartitioner is the narrow slice of connmgr.Lookup the registry
// needs, kept as an interface here to avoid pkg/binding depending on the
// concrete sharded implementation.
type lookupPartitioner interface {
	MaximizePartitioning() bool
}

func newListenerRegistry(lookup lookupPartitioner, m *bindingMetrics) *listenerRegistry {
	return &listenerRegistry{lookup: lookup, metrics: m}
}

// less implements the strict sort order from spec.md §4.1: address family
// descending (v6, v4, unspec), then specific-before-wildcard, then
// insertion order among equals (so less never reports equality - ties are
// broken by whichever node already holds its position).
func less(a, b *Listener) bool {
	if a.Family != b.Family {
		return a.Family < b.Family
	}
	if a.Wildcard != b.Wildcard {
		return !a.Wildcard // specific (false) sorts before wildcard (true)
	}
	return false // same family/wildcardness: insertion order, a is not "less"
}

// Register inserts l into the sorted list, returning false if an exact
// duplicate (family, wildcardness, IP if non-unspec, and ALPN bytes all
// equal) is already present. The duplicate walk and insertion point search
// follow spec.md §4.1's early-exit rules exactly: do not generalize into a
// plain comparator, since the "stop scanning past a later family/
// wildcardness" shortcut is load-bearing for performance, not just style.
func (r *listenerRegistry) Register(l *Listener) bool {
	r.mu.Lock()

	wasEmpty := r.head == nil

	for cur := r.head; cur != nil; cur = cur.next {
		if l.Family < cur.Family {
			break // no further same-family entries can follow
		}
		if l.Family == cur.Family {
			if !l.Wildcard && cur.Wildcard {
				break // no further specific entries follow wildcards in this family
			}
			if l.Wildcard == cur.Wildcard {
				sameIP := l.Family == FamilyUnspec || l.LocalAddress == cur.LocalAddress
				if sameIP && bytes.Equal(l.ALPN, cur.ALPN) {
					r.mu.Unlock()
					r.metrics.listener_register_total.rejected_duplicate.Inc()
					return false
				}
			}
		}
	}

	// find the insertion point: first entry "greater" than l under less(),
	// or the tail if none.
	insertBefore := r.head
	var insertPrev *Listener
	for insertBefore != nil && !less(l, insertBefore) {
		insertPrev = insertBefore
		insertBefore = insertBefore.next
	}
	l.next = insertBefore
	if insertPrev == nil {
		r.head = l
	} else {
		insertPrev.next = l
	}
	r.count++

	r.mu.Unlock()

	r.metrics.listener_register_total.accepted.Inc()

	if wasEmpty {
		ok := true
		if r.lookup != nil {
			ok = r.lookup.MaximizePartitioning()
		}
		if !ok {
			r.Unregister(l)
			return false
		}
	}
	return true
}

// isEmpty reports whether the registry currently holds no listeners.
func (r *listenerRegistry) isEmpty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count == 0
}

// Unregister removes l from the list.
func (r *listenerRegistry) Unregister(l *Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var prev *Listener
	for cur := r.head; cur != nil; cur = cur.next {
		if cur == l {
			if prev == nil {
				r.head = cur.next
			} else {
				prev.next = cur.next
			}
			cur.next = nil
			r.count--
			return
		}
		prev = cur
	}
}

// Match finds the first listener matching localAddr and one of the client's
// preferred ALPNs (client-order-outer, listener-order-inner, per spec.md
// §4.1 and the Open Question in spec.md §9 confirming that precedence),
// acquiring its Rundown before returning it. alpnList is the wire format:
// a sequence of 1-byte-length-prefixed ALPN strings.
func (r *listenerRegistry) Match(localAddr netip.Addr, alpnList []byte) *Listener {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, alpn := range splitALPNList(alpnList) {
		for cur := r.head; cur != nil; cur = cur.next {
			if cur.Family != FamilyUnspec {
				if !addrFamilyMatches(cur.Family, localAddr) {
					continue
				}
				if !cur.Wildcard && cur.LocalAddress != localAddr {
					continue
				}
			}
			if !bytes.Equal(cur.ALPN, alpn) {
				continue
			}
			if cur.Rundown.Acquire() {
				return cur
			}
			// listener is being torn down; keep scanning
		}
	}
	return nil
}

func addrFamilyMatches(f Family, a netip.Addr) bool {
	if f == FamilyV6 {
		return a.Is6() && !a.Is4In6()
	}
	return a.Is4() || a.Is4In6()
}

// splitALPNList parses a length-prefixed ALPN list (1-byte length then
// bytes, repeated) in the client's preference order.
func splitALPNList(b []byte) [][]byte {
	var out [][]byte
	for len(b) > 0 {
		n := int(b[0])
		if len(b) < 1+n {
			break
		}
		out = append(out, b[1:1+n])
		b = b[1+n:]
	}
	return out
}
