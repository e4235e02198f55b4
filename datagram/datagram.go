// Package datagram implements the mesh wire format: a fixed 32-byte
// cleartext header, a 2-byte CRC-16-CCITT checksum, and an encrypted
// payload carrying the inner record (see package record).
//
// Encoding is big-endian throughout, after the teacher's cell package.
package datagram

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Kind identifies the datagram's role on the wire (offset 1 of the header).
type Kind uint8

const (
	KindSOS    Kind = 0x01
	KindDirect Kind = 0x02
	KindRelay  Kind = 0x03
	KindAck    Kind = 0x04
)

func (k Kind) String() string {
	switch k {
	case KindSOS:
		return "sos"
	case KindDirect:
		return "direct"
	case KindRelay:
		return "relay"
	case KindAck:
		return "ack"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ProtocolVersion is the only version this codec speaks.
const ProtocolVersion uint8 = 1

// Wire layout constants (spec §6).
const (
	HeaderLen      = 32
	ChecksumLen    = 2
	MaxPayloadLen  = 478
	MaxDatagramLen = 512
	blockSize      = aes.BlockSize // 16

	offVersion    = 0
	offKind       = 1
	offMessageID  = 2  // 16 bytes
	offHopCount   = 18
	offTTL        = 19
	offTimestamp  = 20 // 4 bytes
	offSenderID   = 24 // 6 bytes
	offPayloadLen = 30 // 2 bytes
	offChecksum   = 32 // 2 bytes, immediately after the 32-byte header
	offPayload    = 34
)

// SenderID is the 6-byte opaque node identifier.
type SenderID [6]byte

// Datagram is the decoded, in-memory form of a single transport unit.
// It is passed by value through the pipeline; no field is ever shared
// mutable state between callers.
type Datagram struct {
	Version   uint8
	Kind      Kind
	MessageID uuid.UUID
	HopCount  uint8
	TTL       uint8
	Timestamp uint32
	SenderID  SenderID
	Payload   []byte // ciphertext, as carried on the wire
}

// Sentinel decode failures (spec §4.1). Every one is non-fatal at the
// routing engine: the caller silently drops the datagram and increments a
// per-kind counter (see package metrics).
var (
	ErrMalformedHeader = errors.New("datagram: malformed header")
	ErrBadChecksum     = errors.New("datagram: bad checksum")
	ErrUnknownKind     = errors.New("datagram: unknown kind")
	ErrLengthMismatch  = errors.New("datagram: payload length mismatch")
	ErrDecryptFailed   = errors.New("datagram: decrypt failed")
)

// isKnownKind reports whether b is one of the four defined kinds.
func isKnownKind(b uint8) bool {
	switch Kind(b) {
	case KindSOS, KindDirect, KindRelay, KindAck:
		return true
	default:
		return false
	}
}

// Encode serializes d and encrypts payload (the inner record's plaintext
// bytes) using c's derived AES-128-CBC key, with the IV taken from the
// first 16 bytes of d.MessageID (spec §4.1). The returned slice is ready
// for transmission.
func (c *Codec) Encode(d Datagram, plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("%w: empty inner record", ErrLengthMismatch)
	}
	ciphertext, err := c.encrypt(d.MessageID, plaintext)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) > MaxPayloadLen {
		return nil, fmt.Errorf("%w: payload %d exceeds max %d", ErrLengthMismatch, len(ciphertext), MaxPayloadLen)
	}

	out := make([]byte, offPayload+len(ciphertext))
	out[offVersion] = d.Version
	out[offKind] = uint8(d.Kind)
	copy(out[offMessageID:offMessageID+16], d.MessageID[:])
	out[offHopCount] = d.HopCount
	out[offTTL] = d.TTL
	binary.BigEndian.PutUint32(out[offTimestamp:offTimestamp+4], d.Timestamp)
	copy(out[offSenderID:offSenderID+6], d.SenderID[:])
	binary.BigEndian.PutUint16(out[offPayloadLen:offPayloadLen+2], uint16(len(ciphertext)))

	checksum := c.checksum(out[:offChecksum], ciphertext)
	binary.BigEndian.PutUint16(out[offChecksum:offChecksum+2], checksum)
	copy(out[offPayload:], ciphertext)

	return out, nil
}

// DecodeHeader parses wire and verifies its checksum, without touching
// the encrypted payload. Spec §4.4 runs this (step 1) strictly before
// freshness and duplicate checks (steps 2-3), which must themselves run
// before decrypt (step 4) — so the caller can drop a stale or duplicate
// datagram, and mark a malformed one in the duplicate cache, without
// ever paying for an AES decrypt. The returned Datagram's Payload field
// holds the still-encrypted ciphertext.
func (c *Codec) DecodeHeader(wire []byte) (Datagram, error) {
	if len(wire) < offPayload {
		return Datagram{}, fmt.Errorf("%w: %d bytes < %d minimum", ErrMalformedHeader, len(wire), offPayload)
	}
	if len(wire) > MaxDatagramLen {
		return Datagram{}, fmt.Errorf("%w: %d bytes > %d max", ErrMalformedHeader, len(wire), MaxDatagramLen)
	}

	kindByte := wire[offKind]
	if !isKnownKind(kindByte) {
		return Datagram{}, fmt.Errorf("%w: %d", ErrUnknownKind, kindByte)
	}

	declaredLen := binary.BigEndian.Uint16(wire[offPayloadLen : offPayloadLen+2])
	actualLen := len(wire) - offPayload
	if int(declaredLen) != actualLen {
		return Datagram{}, fmt.Errorf("%w: declared %d, actual %d", ErrLengthMismatch, declaredLen, actualLen)
	}

	ciphertext := wire[offPayload:]
	wantChecksum := binary.BigEndian.Uint16(wire[offChecksum : offChecksum+2])
	gotChecksum := c.checksum(wire[:offChecksum], ciphertext)
	if wantChecksum != gotChecksum {
		return Datagram{}, fmt.Errorf("%w: want %04x, got %04x", ErrBadChecksum, wantChecksum, gotChecksum)
	}

	var d Datagram
	d.Version = wire[offVersion]
	d.Kind = Kind(kindByte)
	copy(d.MessageID[:], wire[offMessageID:offMessageID+16])
	d.HopCount = wire[offHopCount]
	d.TTL = wire[offTTL]
	d.Timestamp = binary.BigEndian.Uint32(wire[offTimestamp : offTimestamp+4])
	copy(d.SenderID[:], wire[offSenderID:offSenderID+6])
	d.Payload = append([]byte(nil), ciphertext...)

	return d, nil
}

// Decrypt recovers the inner record's plaintext from d.Payload (spec
// §4.4 step 4), called only once d has already passed freshness and
// duplicate checks.
func (c *Codec) Decrypt(d Datagram) ([]byte, error) {
	if len(d.Payload) == 0 || len(d.Payload)%blockSize != 0 {
		return nil, fmt.Errorf("%w: payload length %d not a positive multiple of %d", ErrDecryptFailed, len(d.Payload), blockSize)
	}
	return c.decrypt(d.MessageID, d.Payload)
}

// Decode parses, checksum-verifies, and decrypts wire bytes into a
// Datagram and the inner record's plaintext bytes in one call. Kept for
// callers that only need a fully decoded datagram and have no ordering
// requirement against freshness/duplicate checks (tests, and node.go's
// own-queue bookkeeping, which only reads MessageID/Kind off wire bytes
// this node already encoded itself).
func (c *Codec) Decode(wire []byte) (Datagram, []byte, error) {
	d, err := c.DecodeHeader(wire)
	if err != nil {
		return Datagram{}, nil, err
	}
	plaintext, err := c.Decrypt(d)
	if err != nil {
		return Datagram{}, nil, err
	}
	return d, plaintext, nil
}

func (c *Codec) encrypt(messageID uuid.UUID, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(c.aesKey[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}
	padded := pkcs7Pad(plaintext, blockSize)
	iv := messageID[:blockSize]
	mode := cipher.NewCBCEncrypter(block, iv)
	out := make([]byte, len(padded))
	mode.CryptBlocks(out, padded)
	return out, nil
}

func (c *Codec) decrypt(messageID uuid.UUID, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(c.aesKey[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}
	iv := messageID[:blockSize]
	mode := cipher.NewCBCDecrypter(block, iv)
	out := make([]byte, len(ciphertext))
	mode.CryptBlocks(out, ciphertext)
	unpadded, err := pkcs7Unpad(out, blockSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}
	return unpadded, nil
}

func pkcs7Pad(data []byte, size int) []byte {
	padLen := size - len(data)%size
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

func pkcs7Unpad(data []byte, size int) ([]byte, error) {
	n := len(data)
	if n == 0 || n%size != 0 {
		return nil, fmt.Errorf("invalid padded length %d", n)
	}
	padLen := int(data[n-1])
	if padLen == 0 || padLen > size || padLen > n {
		return nil, fmt.Errorf("invalid padding length %d", padLen)
	}
	for _, b := range data[n-padLen:] {
		if int(b) != padLen {
			return nil, errors.New("invalid padding bytes")
		}
	}
	return data[:n-padLen], nil
}

// randomMessageID generates a fresh message id for an originated datagram.
func randomMessageID() uuid.UUID {
	return uuid.New()
}

// NewMessageID is the exported form used by callers originating datagrams.
func NewMessageID() uuid.UUID {
	return randomMessageID()
}
