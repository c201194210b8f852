// Package refcodec encodes message ids into the opaque references embedded
// in public download and stream URLs.
//
// The encoding is obfuscation, not authentication: it exists so that links
// cannot be enumerated by walking sequential message ids. A reference is the
// message id multiplied by a fixed odd constant, XORed with a fixed mask, and
// emitted as unpadded URL-safe base64. Both steps are bijections on 64-bit
// values, so decoding is exact.
package refcodec

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
)

const (
	// offset must be odd so that multiplication modulo 2^64 is a bijection.
	offset uint64 = 0x9E3779B97F4A7C15
	// offsetInv is the modular inverse of offset modulo 2^64.
	offsetInv uint64 = 0xF1DE83E19937733D
	// xorMask must be nonzero.
	xorMask uint64 = 0xA5A5F0F0C3C33E3D

	// encodedLen is the length of every valid reference: 8 bytes of payload
	// as unpadded base64.
	encodedLen = 11
)

// ErrInvalidReference is returned by Decode for any input that does not
// round-trip to a nonnegative 63-bit message id.
var ErrInvalidReference = errors.New("refcodec: invalid reference")

// Encode converts a message id into its opaque URL form.
func Encode(messageID int64) string {
	v := (uint64(messageID) * offset) ^ xorMask
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return base64.RawURLEncoding.EncodeToString(buf[:])
}

// Decode reverses Encode. It rejects references of the wrong length, with
// characters outside the URL-safe base64 alphabet, or whose decoded value is
// not representable as a nonnegative int64.
func Decode(ref string) (int64, error) {
	if len(ref) != encodedLen {
		return 0, ErrInvalidReference
	}
	raw, err := base64.RawURLEncoding.DecodeString(ref)
	if err != nil || len(raw) != 8 {
		return 0, ErrInvalidReference
	}
	v := binary.BigEndian.Uint64(raw) ^ xorMask
	id := v * offsetInv
	if id >= 1<<63 {
		return 0, ErrInvalidReference
	}
	return int64(id), nil
}
