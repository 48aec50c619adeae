// Package sum implements Pippin's fixed-width content checksum.
//
// A Sum is a 32-byte BLAKE2b-256 digest with an XOR group structure:
// permuting a running sum with a contribution and permuting again with
// the same contribution restores the original value. The partition
// engine relies on this to maintain element and state sums
// incrementally rather than recomputing them from scratch on every
// mutation.
package sum

import (
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Bytes is the fixed width of a Sum in bytes.
const Bytes = 32

// Sum is a 32-byte checksum. The zero value is the all-zero sum.
type Sum struct {
	b [Bytes]byte
}

// Zero returns the all-zero Sum.
func Zero() Sum {
	return Sum{}
}

// Calculate hashes data with BLAKE2b-256 and returns the resulting Sum.
func Calculate(data []byte) Sum {
	h := blake2b.Sum256(data)
	return Sum{b: h}
}

// Load builds a Sum from exactly Bytes bytes. It panics if arr has the
// wrong length; callers always hold exactly one checksum's worth of
// bytes here.
func Load(arr []byte) Sum {
	if len(arr) != Bytes {
		panic(fmt.Sprintf("sum: Load requires %d bytes, got %d", Bytes, len(arr)))
	}
	var s Sum
	copy(s.b[:], arr)
	return s
}

// Bytes returns the raw 32 bytes of the sum.
func (s Sum) Bytes() []byte {
	out := make([]byte, Bytes)
	copy(out, s.b[:])
	return out
}

// Eq reports whether s equals the 32 bytes in arr.
func (s Sum) Eq(arr []byte) bool {
	if len(arr) != Bytes {
		return false
	}
	return s.b == [Bytes]byte(arr[:Bytes])
}

// Equal reports whether two sums are identical.
func (s Sum) Equal(other Sum) bool {
	return s.b == other.b
}

// Permute returns self XOR other. The operation is its own inverse:
// x.Permute(y).Permute(y) == x.
func (s Sum) Permute(other Sum) Sum {
	var out Sum
	for i := range out.b {
		out.b[i] = s.b[i] ^ other.b[i]
	}
	return out
}

// WriteTo writes the raw checksum bytes to w.
func (s Sum) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(s.b[:])
	return int64(n), err
}

// Hex renders the sum as 64 uppercase hex characters.
func (s Sum) Hex() string {
	return strings.ToUpper(hex.EncodeToString(s.b[:]))
}

func (s Sum) String() string {
	return s.Hex()
}

// GoString satisfies fmt.GoStringer so %#v and debug printing render
// the same compact hex form as String, rather than the embedded
// byte array default.
func (s Sum) GoString() string {
	return s.Hex()
}

// MatchesPrefix reports whether the given string (case-insensitive,
// hex digits only) is a prefix of this sum's hex rendering. Intended
// for human lookup of a state or element by an abbreviated id.
func (s Sum) MatchesPrefix(prefix string) bool {
	if len(prefix) > 2*Bytes {
		return false
	}
	return strings.HasPrefix(s.Hex(), strings.ToUpper(prefix))
}

// EltSum computes the checksum of an element's contribution:
// hash(id_u64_be ∥ payload).
func EltSum(id uint64, payload []byte) Sum {
	buf := make([]byte, 8+len(payload))
	putUint64(buf, id)
	copy(buf[8:], payload)
	return Calculate(buf)
}

// StateMetaSum computes the state-meta checksum:
// hash(part_id_u64_be ∥ "CNUM" ∥ number_u32_be ∥ timestamp_i64_be ∥
// (parent_sum × n) ∥ extra_text_bytes).
func StateMetaSum(partID uint64, number uint32, timestamp int64, parents []Sum, extraText string) Sum {
	buf := make([]byte, 0, 8+4+4+8+len(parents)*Bytes+len(extraText))
	tmp8 := make([]byte, 8)
	putUint64(tmp8, partID)
	buf = append(buf, tmp8...)
	buf = append(buf, 'C', 'N', 'U', 'M')
	tmp4 := make([]byte, 4)
	putUint32(tmp4, number)
	buf = append(buf, tmp4...)
	putUint64(tmp8, uint64(timestamp))
	buf = append(buf, tmp8...)
	for _, p := range parents {
		buf = append(buf, p.b[:]...)
	}
	buf = append(buf, extraText...)
	return Calculate(buf)
}

// Hasher computes a running checksum over bytes written to it, used
// by the binary codec to embed a trailing integrity checksum in every
// header, snapshot, and commit-log record without buffering the whole
// structure in memory first.
type Hasher struct {
	h hash.Hash
}

// NewHasher returns a Hasher ready to accumulate bytes.
func NewHasher() *Hasher {
	h, err := blake2b.New256(nil)
	if err != nil {
		panic("sum: blake2b.New256 with nil key cannot fail")
	}
	return &Hasher{h: h}
}

// Write implements io.Writer.
func (h *Hasher) Write(p []byte) (int, error) {
	return h.h.Write(p)
}

// Sum returns the checksum of all bytes written so far.
func (h *Hasher) Sum() Sum {
	var out Sum
	copy(out.b[:], h.h.Sum(nil))
	return out
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[7-i] = byte(v)
		v >>= 8
	}
}

func putUint32(b []byte, v uint32) {
	for i := 0; i < 4; i++ {
		b[3-i] = byte(v)
		v >>= 8
	}
}
