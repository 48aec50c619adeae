package state

import "errors"

// ElementOp errors report a failed per-element operation on a state.
var (
	ErrNotFound       = errors.New("state: element not found")
	ErrIDClash        = errors.New("state: element id already in use")
	ErrIDGenFailure   = errors.New("state: could not find a free element id")
	ErrWrongPartition = errors.New("state: element id belongs to a different partition")
)

// PatchOp errors report a failed commit application.
var (
	ErrNoParent    = errors.New("state: parent state not found")
	ErrWrongParent = errors.New("state: commit's first parent does not match the supplied state")
	ErrPatchApply  = errors.New("state: recomputed state sum does not match commit's state sum")
)

// errOutOfCommitNumbers is returned by MutateMeta when the commit
// number is already saturated and cannot be advanced to disambiguate
// a state-sum collision.
var errOutOfCommitNumbers = errors.New("state: commit number exhausted, cannot mutate meta")
