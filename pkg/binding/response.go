package binding

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"net/netip"

	"github.com/jqk6/msquic/pkg/datapath"
	"github.com/jqk6/msquic/pkg/quicwire"
	"github.com/valyala/fastrand"
)

var (
	ErrStatelessResetExclusive  = fmt.Errorf("binding: stateless reset not sent on an exclusive binding")
	ErrStatelessResetNotShort   = fmt.Errorf("binding: stateless reset only sent in reply to a short-header packet")
	ErrStatelessResetTooShort   = fmt.Errorf("binding: inbound packet too short to trigger a stateless reset")
	ErrStatelessResetHashLength = fmt.Errorf("binding: reset token hash output shorter than the token length")
)

// buildVersionNegotiation allocates a datagram on sendCtx and fills it with
// a Version Negotiation packet in reply to inbound, per spec.md §4.4 "Version Negotiation".
func (b *Binding) buildVersionNegotiation(sendCtx *datapath.SendContext, inbound quicwire.Header) *datapath.SendDatagram {
	versions := make([]uint32, 0, 1+len(quicwire.SupportedVersions))
	versions = append(versions, b.randomReservedVersion)
	versions = append(versions, quicwire.SupportedVersions...)

	length := 1 + 4 + // flags + version
		1 + len(inbound.SrcCID) + // destCIDLen + destCID
		1 + len(inbound.DestCID) + // srcCIDLen + srcCID
		1 + // Unused
		4*len(versions)

	sd := b.socket.AllocSendDatagram(sendCtx, length)
	buf := sd.Buf

	buf[0] = 0x80 // long_header = 1
	buf[1], buf[2], buf[3], buf[4] = 0, 0, 0, 0
	off := 5

	buf[off] = byte(len(inbound.SrcCID))
	off++
	off += copy(buf[off:], inbound.SrcCID)

	buf[off] = byte(len(inbound.DestCID))
	off++
	off += copy(buf[off:], inbound.DestCID)

	buf[off] = byte(fastrand.Uint32n(256)) & 0x7F
	off++

	for _, v := range versions {
		buf[off] = byte(v >> 24)
		buf[off+1] = byte(v >> 16)
		buf[off+2] = byte(v >> 8)
		buf[off+3] = byte(v)
		off += 4
	}

	b.metrics.packets_total.version_negotiation.Inc()
	return sd
}

// buildStatelessReset fills a stateless-reset datagram in reply to inbound,
// per spec.md §4.4 "Stateless Reset". Returns nil (and an error) if a
// precondition is not met, so callers can drop without sending.
func (b *Binding) buildStatelessReset(sendCtx *datapath.SendContext, inbound quicwire.Header, inboundLength int) (*datapath.SendDatagram, error) {
	if b.exclusive {
		return nil, ErrStatelessResetExclusive
	}
	if inbound.IsLong {
		return nil, ErrStatelessResetNotShort
	}
	if inboundLength <= b.cfg.MinStatelessResetLength {
		return nil, ErrStatelessResetTooShort
	}

	extra := int(fastrand.Uint32n(256)) & 0x07
	length := extra + b.cfg.RecommendedStatelessResetLength
	if length > inboundLength-1 {
		length = inboundLength - 1
	}
	if length < b.cfg.MinStatelessResetLength {
		return nil, ErrStatelessResetTooShort
	}

	sd := b.socket.AllocSendDatagram(sendCtx, length)
	buf := sd.Buf

	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("binding: stateless reset random fill: %w", err)
	}

	buf[0] &^= 0x80 // long_header = 0
	buf[0] |= 0x40  // fixed_bit = 1
	if inbound.KeyPhase {
		buf[0] |= 0x04
	} else {
		buf[0] &^= 0x04
	}

	token, err := b.resetToken(inbound.DestCID)
	if err != nil {
		return nil, err
	}
	copy(buf[length-b.cfg.StatelessResetTokenLength:length], token)

	b.metrics.demux_total.stateless_reset_sent.Inc()
	return sd, nil
}

// resetToken computes keyed_hash(binding.reset_token_hash, cid), truncated
// to StatelessResetTokenLength, per spec.md §4.4/§4.4's reset-token law
// (deterministic given the binding's salt). The HMAC object is not assumed
// reentrant (spec.md §5 "reset-token lock"), so calls serialize on
// resetTokenMu, matching how pkg/nspkt/listener.go's SendAtlasSigreq1Raw
// signs a payload with hmac.New(sha256.New, key).
func (b *Binding) resetToken(cid []byte) ([]byte, error) {
	b.resetTokenMu.Lock()
	defer b.resetTokenMu.Unlock()

	mac := hmac.New(sha256.New, b.resetTokenSalt[:])
	if _, err := mac.Write(cid); err != nil {
		return nil, fmt.Errorf("binding: reset token hash: %w", err)
	}
	sum := mac.Sum(nil)
	if len(sum) < b.cfg.StatelessResetTokenLength {
		return nil, ErrStatelessResetHashLength
	}
	return sum[:b.cfg.StatelessResetTokenLength], nil
}

// buildRetry fills a Retry datagram in reply to inbound, per spec.md §4.4
// "Retry". newCID is returned so the caller can log/trace it if needed.
func (b *Binding) buildRetry(sendCtx *datapath.SendContext, inbound quicwire.Header, remote netip.AddrPort) (*datapath.SendDatagram, []byte, error) {
	newCID := make([]byte, b.cfg.ConnectionIDLength)
	if _, err := rand.Read(newCID); err != nil {
		return nil, nil, fmt.Errorf("binding: retry cid: %w", err)
	}

	tok := retryToken{
		RemoteAddr:    remote,
		OrigCIDLength: uint8(len(inbound.DestCID)),
		OrigCID:       inbound.DestCID,
	}
	encrypted, err := encryptRetryToken(b.library.RetryKey(), newCID, tok)
	if err != nil {
		return nil, nil, err
	}

	length := 1 + 4 + // flags + version
		1 + len(inbound.SrcCID) + // destCIDLen + destCID (client-chosen)
		1 + len(newCID) + // srcCIDLen + srcCID (server-chosen)
		1 + len(inbound.DestCID) + // odcidLen + odcid
		len(encrypted)

	sd := b.socket.AllocSendDatagram(sendCtx, length)
	buf := sd.Buf

	buf[0] = 0x80 | byte(quicwire.LongHeaderRetry)<<4
	v := inbound.Version
	buf[1], buf[2], buf[3], buf[4] = byte(v>>24), byte(v>>16), byte(v>>8), byte(v)
	off := 5

	buf[off] = byte(len(inbound.SrcCID))
	off++
	off += copy(buf[off:], inbound.SrcCID)

	buf[off] = byte(len(newCID))
	off++
	off += copy(buf[off:], newCID)

	buf[off] = byte(len(inbound.DestCID))
	off++
	off += copy(buf[off:], inbound.DestCID)

	copy(buf[off:], encrypted)

	b.metrics.demux_total.retry_sent.Inc()
	return sd, newCID, nil
}
