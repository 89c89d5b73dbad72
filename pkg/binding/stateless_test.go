package binding

import (
	"net/netip"
	"testing"
	"time"

	"github.com/jqk6/msquic/internal/quicbindtest"
)

func TestStatelessTableCollapsesDuplicateRemote(t *testing.T) {
	cfg := DefaultConfig()
	table := newStatelessTable(&cfg, newBindingMetrics("test_stateless_dup"))

	remote := netip.MustParseAddrPort("192.0.2.1:1111")
	local := netip.MustParseAddrPort("127.0.0.1:4433")
	d1 := quicbindtest.NewDatagram([]byte{0x40, 1, 2, 3}, local, remote)
	d2 := quicbindtest.NewDatagram([]byte{0x40, 4, 5, 6}, local, remote)

	ctx1, ok := table.Create(nil, OpStatelessReset, d1, nil)
	if !ok {
		t.Fatal("first Create for a remote should succeed")
	}
	if ctx1 == nil {
		t.Fatal("expected non-nil context")
	}

	_, ok = table.Create(nil, OpStatelessReset, d2, nil)
	if ok {
		t.Fatal("a second pending request from the same remote should be rejected")
	}
}

func TestStatelessTableSaturation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxBindingStatelessOperations = 2
	table := newStatelessTable(&cfg, newBindingMetrics("test_stateless_saturation"))

	local := netip.MustParseAddrPort("127.0.0.1:4433")
	remotes := []netip.AddrPort{
		netip.MustParseAddrPort("192.0.2.1:1000"),
		netip.MustParseAddrPort("192.0.2.2:1000"),
	}
	for i, remote := range remotes {
		d := quicbindtest.NewDatagram([]byte{0x40, byte(i)}, local, remote)
		if _, ok := table.Create(nil, OpStatelessReset, d, nil); !ok {
			t.Fatalf("Create %d should succeed under the saturation limit", i)
		}
	}

	remote3 := netip.MustParseAddrPort("192.0.2.3:2000")
	d3 := quicbindtest.NewDatagram([]byte{0x40, 9}, local, remote3)
	if _, ok := table.Create(nil, OpStatelessReset, d3, nil); ok {
		t.Fatal("Create beyond MaxBindingStatelessOperations should be rejected")
	}
}

func TestStatelessTableAgesOutAndFreesOnRelease(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StatelessOpExpiration = time.Millisecond
	table := newStatelessTable(&cfg, newBindingMetrics("test_stateless_expire"))

	local := netip.MustParseAddrPort("127.0.0.1:4433")
	remote := netip.MustParseAddrPort("192.0.2.1:1111")
	d := quicbindtest.NewDatagram([]byte{0x40, 1}, local, remote)

	ctx, ok := table.Create(nil, OpStatelessReset, d, nil)
	if !ok {
		t.Fatal("Create should succeed")
	}

	time.Sleep(5 * time.Millisecond)

	// A second Create for the same remote, after expiration, should now
	// succeed since the first entry ages out first.
	d2 := quicbindtest.NewDatagram([]byte{0x40, 2}, local, remote)
	if _, ok := table.Create(nil, OpStatelessReset, d2, nil); !ok {
		t.Fatal("Create for the same remote should succeed once the prior entry has aged out")
	}

	// Releasing the original (now-expired) context must not panic even
	// though ageOutLocked already marked it expired.
	table.release(ctx, true)
}
