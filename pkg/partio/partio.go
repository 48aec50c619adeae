// Package partio implements the narrow persistence interface the
// partition engine consumes, plus two concrete backends: a real
// filesystem store and an in-memory store for tests.
package partio

import "io"

// IO is the persistence boundary the partition engine crosses. It
// knows nothing about snapshot or commit-log content; it only opens
// and discovers numbered streams.
//
// New* report created=false when the requested stream already exists,
// and Append* report found=false when it does not exist, rather than
// returning an error, so callers can retry with a different number on
// collision without distinguishing that case from a real I/O failure.
type IO interface {
	// SSLen returns one past the highest known snapshot number.
	SSLen() int
	// SSCLLen returns one past the highest known log number
	// associated with snapshot ss.
	SSCLLen(ss int) int
	// HasSS reports whether a snapshot with the given number exists.
	HasSS(ss int) bool

	// ReadSS opens snapshot ss for reading. found is false if it does
	// not exist.
	ReadSS(ss int) (r io.ReadCloser, found bool, err error)
	// ReadSSCL opens log cl of snapshot ss for reading. found is
	// false if it does not exist.
	ReadSSCL(ss, cl int) (r io.ReadCloser, found bool, err error)

	// NewSS creates snapshot ss for writing. created is false if a
	// snapshot with that number already exists, in which case the
	// caller should retry with a higher number.
	NewSS(ss int) (w io.WriteCloser, created bool, err error)
	// NewSSCL creates log cl of snapshot ss for writing. created is
	// false if it already exists.
	NewSSCL(ss, cl int) (w io.WriteCloser, created bool, err error)
	// AppendSSCL opens log cl of snapshot ss for appending. found is
	// false if it does not exist.
	AppendSSCL(ss, cl int) (w io.WriteCloser, found bool, err error)
}
