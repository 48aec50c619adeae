package merge

import "errors"

// MergeError sentinels reported by the merge engine.
var (
	// ErrNoCommonAncestor means the two states share no known
	// ancestor; loading older history may reveal one.
	ErrNoCommonAncestor = errors.New("merge: no common ancestor found")
	// ErrNoState means a state required for the merge is not loaded.
	ErrNoState = errors.New("merge: required state not found")
	// ErrNotSolved means at least one conflict was left unresolved.
	ErrNotSolved = errors.New("merge: not all conflicts were resolved")
)
