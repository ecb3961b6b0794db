// Package crypto provides the hashing and signing primitives used by tokenwire.
package crypto

import (
	"encoding/binary"

	"github.com/Klingon-tech/tokenwire/pkg/types"
	"github.com/zeebo/blake3"
)

// Hash computes a BLAKE3-256 hash of the input data.
func Hash(data []byte) types.Hash {
	return blake3.Sum256(data)
}

// HashString hashes a string identifier (owner identifiers, issuance ids).
func HashString(s string) types.Hash {
	return Hash([]byte(s))
}

// HashParts hashes a sequence of byte strings, each prefixed with its
// little-endian uint32 length so that part boundaries are unambiguous.
func HashParts(parts ...[]byte) types.Hash {
	h := blake3.New()
	var lenBuf [4]byte
	for _, p := range parts {
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(p)))
		h.Write(lenBuf[:])
		h.Write(p)
	}
	var out types.Hash
	copy(out[:], h.Sum(nil))
	return out
}

// HashConcat hashes the concatenation of two hashes.
func HashConcat(a, b types.Hash) types.Hash {
	var buf [64]byte
	copy(buf[:32], a[:])
	copy(buf[32:], b[:])
	return Hash(buf[:])
}
