// Package element defines the contract user-supplied element types
// must satisfy to be stored in a partition.
package element

import (
	"bytes"
	"fmt"
	"unicode/utf8"

	"github.com/cuemby/pippin/pkg/ident"
	"github.com/cuemby/pippin/pkg/sum"
)

// Element is the interface any type stored in a partition must
// implement. Elements are opaque to the engine: it only needs to
// serialize, deserialize, compare, and checksum them.
type Element interface {
	// WriteBuf serializes the element into buf.
	WriteBuf(buf *bytes.Buffer) error
	// Equal reports deep equality with another element of the same
	// concrete type.
	Equal(other Element) bool
}

// Reader builds an Element of a particular concrete type from a
// serialized buffer. Implementations are usually a package-level
// function value bound to one concrete Element type, passed to
// codec.ReadSnapshot and codec.ReadCommit.
type Reader func(data []byte) (Element, error)

// FromVecSum builds an element from a buffer and a precomputed sum
// (as produced when reading a snapshot, where the sum was already
// verified). The default behaviour simply discards the sum and
// defers to read; callers with cached checksums may use this to
// avoid a second pass, but it is not required.
func FromVecSum(read Reader, data []byte, _ sum.Sum) (Element, error) {
	return read(data)
}

// Sum computes the element's contribution: elt_sum(id, serialize(e)).
func Sum(e Element, id ident.EltID) (sum.Sum, error) {
	var buf bytes.Buffer
	if err := e.WriteBuf(&buf); err != nil {
		return sum.Sum{}, err
	}
	return sum.EltSum(id.Uint64(), buf.Bytes()), nil
}

// String is the default Element implementation for plain UTF-8 text,
// the simplest useful element type.
type String string

// WriteBuf writes the string's bytes verbatim.
func (s String) WriteBuf(buf *bytes.Buffer) error {
	buf.WriteString(string(s))
	return nil
}

// Equal reports whether other is an equal String.
func (s String) Equal(other Element) bool {
	o, ok := other.(String)
	return ok && s == o
}

// ReadString is the Reader for String elements. It fails if data is
// not valid UTF-8.
func ReadString(data []byte) (Element, error) {
	if !utf8.Valid(data) {
		return nil, fmt.Errorf("element: string payload is not valid UTF-8")
	}
	return String(data), nil
}
