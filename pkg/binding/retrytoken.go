package binding

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
)

// gcmNonceLength is the IV length retry token encryption zero-pads the new
// CID into, per spec.md §4.4 "an IV built from the new CID padded to
// IV_LENGTH with zeros (so the CID acts as nonce)". 12 bytes is the
// standard AES-GCM nonce size, matching pkg/nspkt/r2crypto.go's GCM usage.
const gcmNonceLength = 12

// maxOrigCIDLength bounds the original CID length a token can carry; set to
// quicwire.MaxCIDLength so any invariant-valid CID round-trips.
const maxOrigCIDLength = 20

var (
	ErrRetryTokenLength       = errors.New("binding: retry token has the wrong length")
	ErrRetryTokenDecrypt      = errors.New("binding: retry token failed to decrypt")
	ErrRetryTokenCIDOverflow  = errors.New("binding: retry token original CID length exceeds capacity")
	ErrRetryTokenAddrMismatch = errors.New("binding: retry token remote address mismatch")
)

// retryToken is the plaintext payload spec.md §4.4 defines: "{remote_address,
// orig_cid_length, orig_cid_bytes}".
type retryToken struct {
	RemoteAddr    netip.AddrPort
	OrigCIDLength uint8
	OrigCID       []byte
}

// marshal encodes t into a fixed-length plaintext buffer: 18 bytes for an
// AddrPort (16-byte address plus 2-byte port, uniformly using the IPv4-in-6
// form so the encoding does not vary by address family), 1 length byte,
// then maxOrigCIDLength bytes of CID (zero-padded), so every token
// encrypts/decrypts to the same ciphertext length regardless of the
// original CID's length.
func (t retryToken) marshal() []byte {
	buf := make([]byte, 16+2+1+maxOrigCIDLength)
	addr16 := t.RemoteAddr.Addr().As16()
	copy(buf[0:16], addr16[:])
	binary.BigEndian.PutUint16(buf[16:18], t.RemoteAddr.Port())
	buf[18] = t.OrigCIDLength
	copy(buf[19:19+len(t.OrigCID)], t.OrigCID)
	return buf
}

func unmarshalRetryToken(buf []byte) (retryToken, error) {
	if len(buf) != 16+2+1+maxOrigCIDLength {
		return retryToken{}, ErrRetryTokenLength
	}
	var addr16 [16]byte
	copy(addr16[:], buf[0:16])
	addr := netip.AddrFrom16(addr16).Unmap()
	port := binary.BigEndian.Uint16(buf[16:18])
	n := buf[18]
	if int(n) > maxOrigCIDLength {
		return retryToken{}, ErrRetryTokenCIDOverflow
	}
	cid := make([]byte, n)
	copy(cid, buf[19:19+int(n)])
	return retryToken{
		RemoteAddr:    netip.AddrPortFrom(addr, port),
		OrigCIDLength: n,
		OrigCID:       cid,
	}, nil
}

// retryTokenCiphertextLength is the ciphertext length emitted by encryptRetryToken:
// plaintext length plus the GCM tag.
func retryTokenCiphertextLength(gcm cipher.AEAD) int {
	return 16 + 2 + 1 + maxOrigCIDLength + gcm.Overhead()
}

// newRetryAEAD builds the AES-GCM cipher used for Retry tokens, generalizing
// pkg/nspkt/r2crypto.go's cipher.NewGCMWithTagSize construction from a
// fixed process-wide key to the library's per-process retry key.
func newRetryAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("binding: retry token cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("binding: retry token gcm: %w", err)
	}
	return gcm, nil
}

// nonceFromCID zero-pads (or truncates) cid into a gcmNonceLength buffer,
// per spec.md §4.4's nonce construction.
func nonceFromCID(cid []byte) []byte {
	nonce := make([]byte, gcmNonceLength)
	copy(nonce, cid)
	return nonce
}

// encryptRetryToken encrypts token, using newCID (zero-padded) as the GCM
// nonce, per spec.md §4.4 Retry.
func encryptRetryToken(key []byte, newCID []byte, token retryToken) ([]byte, error) {
	gcm, err := newRetryAEAD(key)
	if err != nil {
		return nil, err
	}
	nonce := nonceFromCID(newCID)
	plaintext := token.marshal()
	return gcm.Seal(nil, nonce, plaintext, nil), nil
}

// decryptRetryToken reverses encryptRetryToken, using destCID (the CID the
// retried Initial packet was addressed to — the server's previously-chosen
// CID) as the nonce, and validates it against remote, per spec.md §4.4
// "Retry token validation".
func decryptRetryToken(key []byte, destCID []byte, ciphertext []byte, remote netip.AddrPort) (retryToken, error) {
	gcm, err := newRetryAEAD(key)
	if err != nil {
		return retryToken{}, err
	}
	if len(ciphertext) != retryTokenCiphertextLength(gcm) {
		return retryToken{}, ErrRetryTokenLength
	}
	nonce := nonceFromCID(destCID)
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return retryToken{}, fmt.Errorf("%w: %v", ErrRetryTokenDecrypt, err)
	}
	tok, err := unmarshalRetryToken(plaintext)
	if err != nil {
		return retryToken{}, err
	}
	if tok.RemoteAddr != remote {
		return retryToken{}, ErrRetryTokenAddrMismatch
	}
	return tok, nil
}
