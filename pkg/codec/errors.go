package codec

import "fmt"

// ReadError reports a deserialization failure: an unknown marker, a
// bad version, a length out of bounds, a checksum mismatch, an
// unknown essential header block, or invalid UTF-8.
type ReadError struct {
	Msg string
}

func (e *ReadError) Error() string { return fmt.Sprintf("codec: read error: %s", e.Msg) }

func readErrf(format string, args ...any) error {
	return &ReadError{Msg: fmt.Sprintf(format, args...)}
}

// ArgError reports an invalid argument supplied to a write operation:
// an empty or oversized repository name, or an oversized user field.
type ArgError struct {
	Msg string
}

func (e *ArgError) Error() string { return fmt.Sprintf("codec: invalid argument: %s", e.Msg) }
