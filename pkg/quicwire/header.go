package quicwire

import "errors"

// LongHeaderType is the QUIC long-header packet type.
type LongHeaderType uint8

const (
	LongHeaderInitial LongHeaderType = iota
	LongHeaderZeroRTT
	LongHeaderHandshake
	LongHeaderRetry
)

// Per RFC 9000 section 17.2.
func longHeaderType(b byte) LongHeaderType {
	return LongHeaderType((b >> 4) & 0x3)
}

// MaxCIDLength is the largest connection ID length the invariants allow
// (RFC 9000 section 17.2).
const MaxCIDLength = 20

var (
	ErrPacketTooShort  = errors.New("quicwire: packet shorter than the invariant header")
	ErrCIDTooLong      = errors.New("quicwire: connection id length field exceeds the maximum")
	ErrTruncatedCID    = errors.New("quicwire: connection id length field exceeds the remaining packet")
	ErrNotLongHeader   = errors.New("quicwire: short-header packet has no type/version fields")
	ErrShortHeaderOnly = errors.New("quicwire: operation only valid on a long-header packet")
)

// Header is a version-independent view over a single QUIC packet, following
// the invariants in RFC 9000 section 17.2. It does not copy the packet: all
// fields are slices into the original buffer.
type Header struct {
	Raw []byte

	IsLong   bool
	FixedBit bool
	KeyPhase bool // short-header only; bit 0x04 of the first byte

	// Long-header only.
	Type    LongHeaderType
	Version uint32

	DestCID []byte
	SrcCID  []byte // long-header only

	// HeaderLen is the number of bytes of Raw consumed by the invariant
	// header (up through SrcCID for long headers, DestCID for short
	// headers). The remainder of Raw is the rest of the packet (which, for
	// a short header, we cannot parse further without connection state).
	HeaderLen int
}

// ParseInvariant parses the version-independent invariant fields of a single
// QUIC packet. shortHeaderDestCIDLen is the expected destination CID length
// for short-header packets, i.e. the length the binding is configured to
// parse (RFC 9000 invariants do not encode this in short-header packets; the
// caller is expected to know it from configuration, here the binding's
// ConnectionIDLength, or 0 on an exclusive binding).
func ParseInvariant(buf []byte, shortHeaderDestCIDLen int) (Header, error) {
	if len(buf) < 1 {
		return Header{}, ErrPacketTooShort
	}

	var h Header
	h.Raw = buf
	h.IsLong = buf[0]&0x80 != 0
	h.FixedBit = buf[0]&0x40 != 0

	if !h.IsLong {
		h.KeyPhase = buf[0]&0x04 != 0
		if shortHeaderDestCIDLen < 0 || shortHeaderDestCIDLen > MaxCIDLength {
			return Header{}, ErrCIDTooLong
		}
		if len(buf) < 1+shortHeaderDestCIDLen {
			return Header{}, ErrTruncatedCID
		}
		h.DestCID = buf[1 : 1+shortHeaderDestCIDLen]
		h.HeaderLen = 1 + shortHeaderDestCIDLen
		return h, nil
	}

	if len(buf) < 1+4+1 {
		return Header{}, ErrPacketTooShort
	}
	h.Type = longHeaderType(buf[0])
	h.Version = uint32(buf[1])<<24 | uint32(buf[2])<<16 | uint32(buf[3])<<8 | uint32(buf[4])

	off := 5
	dcil := int(buf[off])
	off++
	if dcil > MaxCIDLength {
		return Header{}, ErrCIDTooLong
	}
	if len(buf) < off+dcil+1 {
		return Header{}, ErrTruncatedCID
	}
	h.DestCID = buf[off : off+dcil]
	off += dcil

	scil := int(buf[off])
	off++
	if scil > MaxCIDLength {
		return Header{}, ErrCIDTooLong
	}
	if len(buf) < off+scil {
		return Header{}, ErrTruncatedCID
	}
	h.SrcCID = buf[off : off+scil]
	off += scil

	h.HeaderLen = off
	return h, nil
}

// Payload returns the bytes of Raw following the invariant header.
func (h Header) Payload() []byte {
	return h.Raw[h.HeaderLen:]
}

// IsVersionNegotiation reports whether h is a Version Negotiation packet
// (long header, version field 0).
func (h Header) IsVersionNegotiation() bool {
	return h.IsLong && h.Version == VersionNegotiation
}

// IsInitial reports whether h is a long-header Initial packet.
func (h Header) IsInitial() bool {
	return h.IsLong && h.Type == LongHeaderInitial
}
