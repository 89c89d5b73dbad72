package binding

import (
	"net/netip"
	"testing"

	"github.com/jqk6/msquic/internal/quicbindtest"
	"github.com/jqk6/msquic/pkg/connmgr"
	"github.com/jqk6/msquic/pkg/quicwire"
	"github.com/rs/zerolog"
)

// An exclusive binding parses short-header packets expecting a
// zero-length destination CID (spec.md §3/§4.3, mirroring the original's
// QuicPacketValidateInvariant(Binding, Packet, !Binding->Exclusive)), so a
// well-formed short-header packet - whatever bytes follow the first byte -
// must be accepted with an empty DestCID, not rejected. The packet is long
// enough that a wrong (nonzero) CID length assumption would parse a
// non-empty DestCID and drop the packet, rather than fail with
// ErrTruncatedCID.
func TestPreprocessExclusiveBindingAcceptsZeroLengthDestCID(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ShareBinding = false
	b, _ := newTestBinding(t, cfg, netip.MustParseAddrPort("127.0.0.1:4433"))

	local := b.LocalAddr()
	remote := netip.MustParseAddrPort("192.0.2.1:9999")
	pkt := quicbindtest.ShortHeaderPacket(nil, []byte{0xde, 0xad, 0xbe, 0xef, 0, 0, 0, 0, 0, 0, 0, 0})
	d := quicbindtest.NewDatagram(pkt, local, remote)

	hdr, accept, releasePacket := b.preprocess(d)
	if !accept {
		t.Fatal("exclusive binding must accept a short-header packet with a zero-length dest cid")
	}
	if releasePacket {
		t.Fatal("accepted datagram must not be released by preprocess itself")
	}
	if len(hdr.DestCID) != 0 {
		t.Fatalf("exclusive binding must parse a zero-length dest cid, got %d bytes", len(hdr.DestCID))
	}
}

func TestPreprocessSharedBindingUnknownVersionSendsVN(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ShareBinding = true
	b, socket := newTestBinding(t, cfg, netip.MustParseAddrPort("127.0.0.1:4433"))

	l := NewListener(FamilyUnspec, netip.Addr{}, true, []byte("h3"))
	if !b.RegisterListener(l) {
		t.Fatal("register listener")
	}

	local := b.LocalAddr()
	remote := netip.MustParseAddrPort("192.0.2.1:9999")
	destCID := make([]byte, cfg.MinInitialCIDLength)
	for i := range destCID {
		destCID[i] = byte(i + 1)
	}
	pkt := quicbindtest.LongHeaderPacket(0, 0x1a2a3a4a /* unsupported/greased version */, destCID, []byte{1, 2}, quicbindtest.InitialPayload(nil))
	d := quicbindtest.NewDatagram(pkt, local, remote)

	_, accept, releasePacket := b.preprocess(d)
	if accept {
		t.Fatal("unsupported-version long header should not be accepted into the demultiplexer proper")
	}
	if releasePacket {
		t.Fatal("datagram should have been handed to the VN stateless path, not released immediately")
	}

	runWorkersSync(t, b)

	sent, ok := socket.LastSent()
	if !ok {
		t.Fatal("expected a Version Negotiation datagram to have been sent")
	}
	if sent.Remote != remote {
		t.Fatalf("expected VN sent to %v, got %v", remote, sent.Remote)
	}
	if sent.Local != local {
		t.Fatalf("expected VN sent from %v, got %v", local, sent.Local)
	}
	if len(sent.Bufs) != 1 || sent.Bufs[0][0]&0x80 == 0 {
		t.Fatal("expected one long-header datagram")
	}
}

func TestPreprocessNoListenerDropsUnsupportedVersion(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ShareBinding = true
	b, socket := newTestBinding(t, cfg, netip.MustParseAddrPort("127.0.0.1:4433"))

	local := b.LocalAddr()
	remote := netip.MustParseAddrPort("192.0.2.1:9999")
	destCID := make([]byte, cfg.MinInitialCIDLength)
	pkt := quicbindtest.LongHeaderPacket(0, 0x1a2a3a4a, destCID, []byte{1, 2}, quicbindtest.InitialPayload(nil))
	d := quicbindtest.NewDatagram(pkt, local, remote)

	_, accept, releasePacket := b.preprocess(d)
	if accept || !releasePacket {
		t.Fatal("with no listeners registered, an unsupported version must be dropped outright")
	}
	if _, ok := socket.LastSent(); ok {
		t.Fatal("no datagram should have been sent")
	}
}

func TestDemuxCIDKeyedOrderingWithInterleavedDatagrams(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ShareBinding = true
	b, _ := newTestBinding(t, cfg, netip.MustParseAddrPort("127.0.0.1:4433"))

	local := b.LocalAddr()
	remoteX := netip.MustParseAddrPort("192.0.2.1:1111")
	remoteY := netip.MustParseAddrPort("192.0.2.2:2222")

	cidX := make([]byte, cfg.ConnectionIDLength)
	for i := range cidX {
		cidX[i] = 0xAA
	}
	cidY := make([]byte, cfg.ConnectionIDLength)
	for i := range cidY {
		cidY[i] = 0xBB
	}

	// Register X's cid as belonging to an existing connection so interleaved
	// datagrams demultiplex into separate subchains instead of hitting the
	// no-route path.
	w := b.workers.Acquire()
	connX := connmgr.Init(remoteX, w, zerolog.Nop())
	connX.AddSourceCIDEntry(cidX)
	if _, inserted := b.lookup.AddSourceCID(cidX, connX); !inserted {
		t.Fatal("seed AddSourceCID for X")
	}

	shortX1 := quicbindtest.NewDatagram(quicbindtest.ShortHeaderPacket(cidX, []byte{1}), local, remoteX)
	shortY1 := quicbindtest.NewDatagram(quicbindtest.ShortHeaderPacket(cidY, []byte{2}), local, remoteY)
	shortX2 := quicbindtest.NewDatagram(quicbindtest.ShortHeaderPacket(cidX, []byte{3}), local, remoteX)

	chain := quicbindtest.Chain(shortX1, shortY1, shortX2)
	b.OnReceive(chain)

	// X's datagrams must have been delivered to connX's worker as two
	// separate ordered chains (one per contiguous run), never merged with
	// Y's datagram in between: this exercises the destCID-keyed split, not
	// simply chain order, since X's two datagrams are not adjacent in the
	// original chain.
	var delivered [][]byte
	for w.RunOnce(func(op connmgr.Op) {
		if op.Kind == connmgr.OpRecv {
			for _, d := range op.Recv.Datagrams {
				delivered = append(delivered, d.Data())
			}
		}
	}) {
	}

	if len(delivered) != 2 {
		t.Fatalf("expected connX's worker to receive 2 datagrams total, got %d", len(delivered))
	}
	if delivered[0][len(delivered[0])-1] != 1 || delivered[1][len(delivered[1])-1] != 3 {
		t.Fatalf("expected X's datagrams delivered in order (payload 1, then 3), got %v, %v", delivered[0], delivered[1])
	}
}

func TestRetryGatingRequiresRetryUnderMemoryPressure(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ShareBinding = true
	cfg.RetryMemoryLimit = 1 // gate almost immediately
	b, socket := newTestBinding(t, cfg, netip.MustParseAddrPort("127.0.0.1:4433"))

	l := NewListener(FamilyUnspec, netip.Addr{}, true, []byte("h3"))
	b.RegisterListener(l)

	b.library.AddHandshakeMemoryUsage(int64(b.library.TotalMemory())) // force over threshold

	local := b.LocalAddr()
	remote := netip.MustParseAddrPort("192.0.2.5:4444")
	destCID := make([]byte, cfg.MinInitialCIDLength)
	for i := range destCID {
		destCID[i] = byte(i)
	}
	pkt := quicbindtest.LongHeaderPacket(byte(quicwire.LongHeaderInitial), quicwire.Version1, destCID, []byte{9, 9}, quicbindtest.InitialPayload(nil))
	d := quicbindtest.NewDatagram(pkt, local, remote)

	b.OnReceive(quicbindtest.Chain(d))

	runWorkersSync(t, b)

	sent, ok := socket.LastSent()
	if !ok {
		t.Fatal("expected a Retry datagram to have been sent (no token present, over retry memory threshold)")
	}
	if sent.Bufs[0][0]&0x80 == 0 {
		t.Fatal("expected a long-header Retry datagram")
	}
}
