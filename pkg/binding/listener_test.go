package binding

import (
	"net/netip"
	"testing"
)

func TestListenerRegistryOrdering(t *testing.T) {
	r := newListenerRegistry(nil, newBindingMetrics("test_listener_order"))

	v4wild := NewListener(FamilyV4, netip.Addr{}, true, []byte("h3"))
	v4specific := NewListener(FamilyV4, netip.MustParseAddr("10.0.0.1"), false, []byte("h3"))
	v6wild := NewListener(FamilyV6, netip.Addr{}, true, []byte("h3"))

	if !r.Register(v4wild) {
		t.Fatal("register v4 wildcard")
	}
	if !r.Register(v4specific) {
		t.Fatal("register v4 specific")
	}
	if !r.Register(v6wild) {
		t.Fatal("register v6 wildcard")
	}

	var order []*Listener
	for cur := r.head; cur != nil; cur = cur.next {
		order = append(order, cur)
	}
	if len(order) != 3 {
		t.Fatalf("expected 3 listeners, got %d", len(order))
	}
	if order[0] != v6wild || order[1] != v4specific || order[2] != v4wild {
		t.Fatalf("expected order [v6wild, v4specific, v4wild], got unexpected ordering")
	}
}

func TestListenerRegistryRejectsDuplicate(t *testing.T) {
	r := newListenerRegistry(nil, newBindingMetrics("test_listener_dup"))

	a := NewListener(FamilyV4, netip.Addr{}, true, []byte("h3"))
	b := NewListener(FamilyV4, netip.Addr{}, true, []byte("h3"))

	if !r.Register(a) {
		t.Fatal("first registration should succeed")
	}
	if r.Register(b) {
		t.Fatal("duplicate (same family/wildcard/ALPN) registration should be rejected")
	}
}

func TestListenerRegistryMatchPrefersClientOrder(t *testing.T) {
	r := newListenerRegistry(nil, newBindingMetrics("test_listener_match"))

	h3 := NewListener(FamilyUnspec, netip.Addr{}, true, []byte("h3"))
	echo := NewListener(FamilyUnspec, netip.Addr{}, true, []byte("echo"))
	r.Register(h3)
	r.Register(echo)

	// Client prefers "echo" over "h3": the first ALPN in the client's list
	// that has any matching listener wins, per spec.md §4.1/§9.
	alpnList := append([]byte{byte(len("echo"))}, "echo"...)
	alpnList = append(alpnList, byte(len("h3")))
	alpnList = append(alpnList, "h3"...)

	addr := netip.MustParseAddr("192.0.2.1")
	got := r.Match(addr, alpnList)
	if got != echo {
		t.Fatalf("expected match on echo listener (client's first preference), got %v", got)
	}
}

func TestListenerRegistryEmpty(t *testing.T) {
	r := newListenerRegistry(nil, newBindingMetrics("test_listener_empty"))
	if !r.isEmpty() {
		t.Fatal("new registry should be empty")
	}
	l := NewListener(FamilyUnspec, netip.Addr{}, true, []byte("h3"))
	r.Register(l)
	if r.isEmpty() {
		t.Fatal("registry should not be empty after Register")
	}
	r.Unregister(l)
	if !r.isEmpty() {
		t.Fatal("registry should be empty after Unregister")
	}
}
