package partition

import (
	"errors"
	"fmt"
)

// TipError sentinels report why the single current tip is not
// available.
var (
	// ErrNotReady means no data has been loaded yet.
	ErrNotReady = errors.New("partition: not ready, no data loaded")
	// ErrMergeRequired means more than one tip exists.
	ErrMergeRequired = errors.New("partition: merge required, multiple tips")
)

var (
	// ErrAlreadyExists is reported by Create when snapshot 0 exists.
	ErrAlreadyExists = errors.New("partition: snapshot 0 already exists")
	// ErrRepoNameMismatch means a loaded file carries a different
	// repository name than previously seen.
	ErrRepoNameMismatch = errors.New("partition: repository name does not match when loading")
	// ErrPartIDMismatch means a loaded file belongs to a different
	// partition.
	ErrPartIDMismatch = errors.New("partition: partition identifier differs from previous value")
	// ErrNumberExhausted means the next free file number exceeded
	// 10^6 when trying to write a snapshot or log.
	ErrNumberExhausted = errors.New("partition: file number too high")
)

// ErrNoMatch is reported by StateFromPrefix when no state sum starts
// with the given prefix.
var ErrNoMatch = errors.New("partition: no state matches prefix")

// MultiMatchError is reported by StateFromPrefix when a prefix
// resolves to more than one state.
type MultiMatchError struct {
	A, B string
}

func (e *MultiMatchError) Error() string {
	return fmt.Sprintf("partition: prefix matches multiple states (%s, %s)", e.A, e.B)
}
