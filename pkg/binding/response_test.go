package binding

import (
	"bytes"
	"net/netip"
	"testing"

	"github.com/jqk6/msquic/pkg/quicwire"
)

func TestBuildVersionNegotiationFields(t *testing.T) {
	cfg := DefaultConfig()
	b, socket := newTestBinding(t, cfg, netip.MustParseAddrPort("127.0.0.1:4433"))

	destCID := []byte{1, 2, 3, 4}
	srcCID := []byte{5, 6, 7, 8, 9}
	pkt := []byte{0x80, 0x1, 0x2, 0x3, 0x4, byte(len(destCID))}
	pkt = append(pkt, destCID...)
	pkt = append(pkt, byte(len(srcCID)))
	pkt = append(pkt, srcCID...)

	hdr, err := quicwire.ParseInvariant(pkt, cfg.ConnectionIDLength)
	if err != nil {
		t.Fatalf("ParseInvariant: %v", err)
	}

	sendCtx := socket.AllocSendContext()
	sd := b.buildVersionNegotiation(sendCtx, hdr)
	buf := sd.Buf

	if buf[0]&0x80 == 0 {
		t.Fatal("expected long_header bit set")
	}
	if buf[1] != 0 || buf[2] != 0 || buf[3] != 0 || buf[4] != 0 {
		t.Fatal("expected zero version field")
	}

	off := 5
	dcil := int(buf[off])
	off++
	if dcil != len(srcCID) || !bytes.Equal(buf[off:off+dcil], srcCID) {
		t.Fatalf("expected echoed dest cid to be inbound src cid %x, got %x", srcCID, buf[off:off+dcil])
	}
	off += dcil

	scil := int(buf[off])
	off++
	if scil != len(destCID) || !bytes.Equal(buf[off:off+scil], destCID) {
		t.Fatalf("expected echoed src cid to be inbound dest cid %x, got %x", destCID, buf[off:off+scil])
	}
	off += scil

	off++ // skip Unused byte

	if len(buf)-off != 4*(1+len(quicwire.SupportedVersions)) {
		t.Fatalf("unexpected version list length: %d bytes remaining", len(buf)-off)
	}

	first := uint32(buf[off])<<24 | uint32(buf[off+1])<<16 | uint32(buf[off+2])<<8 | uint32(buf[off+3])
	if !quicwire.IsReservedVersion(first) {
		t.Fatalf("expected first advertised version to be reserved-pattern, got %#x", first)
	}
	if first != b.randomReservedVersion {
		t.Fatalf("expected first advertised version to match the binding's random reserved version")
	}
}

func TestRetryTokenRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	b, socket := newTestBinding(t, cfg, netip.MustParseAddrPort("127.0.0.1:4433"))

	remote := netip.MustParseAddrPort("192.0.2.10:5555")
	destCID := []byte{0xaa, 0xbb, 0xcc}
	srcCID := []byte{0x11, 0x22}
	pkt := quicwire.Header{
		IsLong:  true,
		Version: quicwire.Version1,
		DestCID: destCID,
		SrcCID:  srcCID,
	}

	sendCtx := socket.AllocSendContext()
	sd, newCID, err := b.buildRetry(sendCtx, pkt, remote)
	if err != nil {
		t.Fatalf("buildRetry: %v", err)
	}
	if len(newCID) != cfg.ConnectionIDLength {
		t.Fatalf("expected new cid length %d, got %d", cfg.ConnectionIDLength, len(newCID))
	}

	buf := sd.Buf
	if buf[0]&0x80 == 0 {
		t.Fatal("expected long header bit")
	}
	if quicwire.LongHeaderType((buf[0]>>4)&0x3) != quicwire.LongHeaderRetry {
		t.Fatal("expected Retry packet type")
	}

	retryHdr, err := quicwire.ParseInvariant(buf, cfg.ConnectionIDLength)
	if err != nil {
		t.Fatalf("ParseInvariant(retry): %v", err)
	}
	if !bytes.Equal(retryHdr.DestCID, srcCID) {
		t.Fatalf("expected retry dest cid to echo client src cid %x, got %x", srcCID, retryHdr.DestCID)
	}
	if !bytes.Equal(retryHdr.SrcCID, newCID) {
		t.Fatalf("expected retry src cid to be the newly minted cid %x, got %x", newCID, retryHdr.SrcCID)
	}

	payload := retryHdr.Payload()
	odcidLen := int(payload[0])
	odcid := payload[1 : 1+odcidLen]
	ciphertext := payload[1+odcidLen:]

	if !bytes.Equal(odcid, destCID) {
		t.Fatalf("expected odcid to be the original dest cid %x, got %x", destCID, odcid)
	}

	tok, err := decryptRetryToken(b.library.RetryKey(), newCID, ciphertext, remote)
	if err != nil {
		t.Fatalf("decryptRetryToken: %v", err)
	}
	if tok.RemoteAddr != remote {
		t.Fatalf("expected decrypted remote addr %v, got %v", remote, tok.RemoteAddr)
	}
	if !bytes.Equal(tok.OrigCID, destCID) {
		t.Fatalf("expected decrypted orig cid %x, got %x", destCID, tok.OrigCID)
	}

	// A different remote address must not validate: the token is bound to
	// the address that requested it, per spec.md §4.4.
	other := netip.MustParseAddrPort("192.0.2.99:1")
	if _, err := decryptRetryToken(b.library.RetryKey(), newCID, ciphertext, other); err != ErrRetryTokenAddrMismatch {
		t.Fatalf("expected ErrRetryTokenAddrMismatch for a different remote, got %v", err)
	}
}

func TestResetTokenDeterministic(t *testing.T) {
	cfg := DefaultConfig()
	b, _ := newTestBinding(t, cfg, netip.MustParseAddrPort("127.0.0.1:4433"))

	cid := []byte{1, 2, 3, 4, 5}
	a, err := b.resetToken(cid)
	if err != nil {
		t.Fatalf("resetToken: %v", err)
	}
	bb, err := b.resetToken(cid)
	if err != nil {
		t.Fatalf("resetToken: %v", err)
	}
	if !bytes.Equal(a, bb) {
		t.Fatal("resetToken should be deterministic for the same cid within a binding's lifetime")
	}
	if len(a) != cfg.StatelessResetTokenLength {
		t.Fatalf("expected token length %d, got %d", cfg.StatelessResetTokenLength, len(a))
	}

	other, err := b.resetToken([]byte{9, 9, 9, 9, 9})
	if err != nil {
		t.Fatalf("resetToken: %v", err)
	}
	if bytes.Equal(a, other) {
		t.Fatal("resetToken should differ for different cids")
	}
}
