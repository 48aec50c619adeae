// Package ident implements Pippin's partition and element identifiers.
//
// A PartID is a 40-bit partition number. An EltID packs a PartID into
// its upper 40 bits and a 24-bit element-local number into its lower
// 24 bits, so extracting either half back out is a shift and a mask.
package ident

import "fmt"

const (
	// MaxPartID is the largest valid partition identifier (2^40 - 1).
	MaxPartID = 1<<40 - 1
	// MaxLocal is the largest valid element-local number (2^24 - 1).
	MaxLocal = 1<<24 - 1

	localBits = 24
	localMask = 1<<localBits - 1
)

// PartID is a 40-bit partition identifier, 1 <= p <= 2^40 - 1.
type PartID uint64

// FromNum builds a PartID from n. It panics if n == 0 or n > 2^40 - 1.
func FromNum(n uint64) PartID {
	if n == 0 {
		panic("ident: partition id must not be zero")
	}
	if n > MaxPartID {
		panic(fmt.Sprintf("ident: partition id %d exceeds 2^40-1", n))
	}
	return PartID(n)
}

// EltID builds the element identifier for local within this partition.
// It panics if local > 2^24 - 1.
func (p PartID) EltID(local uint32) EltID {
	if local > MaxLocal {
		panic(fmt.Sprintf("ident: element-local number %d exceeds 2^24-1", local))
	}
	return EltID(uint64(p)<<localBits | uint64(local))
}

// Uint64 returns the raw partition number.
func (p PartID) Uint64() uint64 { return uint64(p) }

func (p PartID) String() string { return fmt.Sprintf("%d", uint64(p)) }

// EltID is a 64-bit element identifier: (PartID << 24) | local.
type EltID uint64

// TryEltID returns the EltID for n and true, or false if n does not
// correspond to any valid partition (its upper 40 bits are zero).
// This is the only identifier constructor that returns a checked
// result rather than panicking.
func TryEltID(n uint64) (EltID, bool) {
	if n>>localBits == 0 {
		return 0, false
	}
	return EltID(n), true
}

// PartID extracts the owning partition's identifier from the upper
// 40 bits.
func (e EltID) PartID() PartID {
	return PartID(uint64(e) >> localBits)
}

// Local extracts the element-local number from the lower 24 bits.
func (e EltID) Local() uint32 {
	return uint32(uint64(e) & localMask)
}

// NextElt returns the element identifier with the local number
// incremented by one, wrapping modulo 2^24 and keeping the partition
// fixed.
func (e EltID) NextElt() EltID {
	p := e.PartID()
	next := (e.Local() + 1) & localMask
	return p.EltID(next)
}

// Uint64 returns the raw packed identifier.
func (e EltID) Uint64() uint64 { return uint64(e) }

func (e EltID) String() string { return fmt.Sprintf("%d", uint64(e)) }
