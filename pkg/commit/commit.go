// Package commit implements commits: sets of per-element changes
// between two partition states, derivable by diffing and replayable
// against a mutable state.
package commit

import (
	"errors"

	"github.com/cuemby/pippin/pkg/element"
	"github.com/cuemby/pippin/pkg/ident"
	"github.com/cuemby/pippin/pkg/state"
	"github.com/cuemby/pippin/pkg/sum"
)

// ErrTooFewParents and ErrTooManyParents report a parent count outside
// the 1..=255 range a commit may have.
var (
	ErrTooFewParents  = errors.New("commit: must have at least one parent")
	ErrTooManyParents = errors.New("commit: cannot have 256 or more parents")
)

// ChangeKind distinguishes the variants of EltChange.
type ChangeKind int

const (
	// Deletion removes the element.
	Deletion ChangeKind = iota
	// Insertion adds a new element.
	Insertion
	// Replacement replaces an existing element's value.
	Replacement
	// MoveOut removes the element from this state and records a
	// forwarding entry to newID.
	MoveOut
	// Moved records a forwarding entry only; the element was already
	// removed from this state.
	Moved
)

// EltChange is a single element's change within a commit. Elt is
// populated for Insertion and Replacement; NewID is populated for
// MoveOut and Moved.
type EltChange struct {
	Kind  ChangeKind
	Elt   element.Element
	NewID ident.EltID
}

// NewDeletion returns a Deletion change.
func NewDeletion() EltChange { return EltChange{Kind: Deletion} }

// NewInsertion returns an Insertion change.
func NewInsertion(e element.Element) EltChange { return EltChange{Kind: Insertion, Elt: e} }

// NewReplacement returns a Replacement change.
func NewReplacement(e element.Element) EltChange { return EltChange{Kind: Replacement, Elt: e} }

// NewMoved returns a MoveOut change if remove is true, or a Moved
// change otherwise.
func NewMoved(newID ident.EltID, remove bool) EltChange {
	if remove {
		return EltChange{Kind: MoveOut, NewID: newID}
	}
	return EltChange{Kind: Moved, NewID: newID}
}

// Commit is a set of per-element changes between two states: the
// expected resultant state sum, the parent state sums (the first is
// the primary parent the changes are relative to), the per-element
// changes, and metadata.
type Commit struct {
	statesum sum.Sum
	parents  []sum.Sum
	changes  map[ident.EltID]EltChange
	meta     state.CommitMeta
}

// NewExplicit builds a commit from its parts directly. It is the
// caller's responsibility to ensure statesum and meta are correct; use
// FromDiff when possible. Fails if parents is empty or has 256 or
// more entries.
func NewExplicit(statesum sum.Sum, parents []sum.Sum, changes map[ident.EltID]EltChange,
	meta state.CommitMeta) (Commit, error) {
	if len(parents) == 0 {
		return Commit{}, ErrTooFewParents
	}
	if len(parents) >= 0x100 {
		return Commit{}, ErrTooManyParents
	}
	if changes == nil {
		changes = make(map[ident.EltID]EltChange)
	}
	return Commit{statesum: statesum, parents: append([]sum.Sum(nil), parents...), changes: changes, meta: meta}, nil
}

// FromDiff builds a commit describing the difference between old and
// new, or returns ok=false if the two states are identical. It walks
// both element maps and both moved maps in linear time, comparing
// elements by equality (Replacement is emitted when ids match but
// values differ). The resulting commit's statesum and parents are
// taken verbatim from new (new's sole parent being old's statesum).
func FromDiff(old, new state.PartState) (Commit, bool) {
	newElts := new.Elts()
	changes := make(map[ident.EltID]EltChange)

	for id, oldElt := range old.Elts() {
		if newElt, ok := newElts[id]; ok {
			delete(newElts, id)
			if !newElt.Equal(oldElt) {
				changes[id] = NewReplacement(newElt)
			}
		} else {
			changes[id] = NewDeletion()
		}
	}

	newMoved := new.Moved()
	for id, newID := range old.Moved() {
		if newID2, ok := newMoved[id]; ok {
			delete(newMoved, id)
			if newID != newID2 {
				changes[id] = NewMoved(newID2, false)
			}
		}
		// else: forgotten that an element was moved; the old state's
		// forwarding entry is silently dropped.
	}

	for id, newElt := range newElts {
		changes[id] = NewInsertion(newElt)
	}
	for id, newID := range newMoved {
		changes[id] = NewMoved(newID, true)
	}

	if len(changes) == 0 {
		return Commit{}, false
	}
	return Commit{
		statesum: new.StateSum(),
		parents:  []sum.Sum{old.StateSum()},
		changes:  changes,
		meta:     new.Meta(),
	}, true
}

// ApplyMut applies this commit's changes to m. It does not verify the
// resulting state sum and does not use this commit's stored metadata;
// callers assembling a full PartState from a commit should finish
// with state.FromMut and compare against Statesum themselves.
func (c Commit) ApplyMut(m *state.MutPartState) error {
	for id, change := range c.changes {
		switch change.Kind {
		case Deletion:
			if _, err := m.Remove(id); err != nil {
				return err
			}
		case Insertion:
			if _, err := m.InsertWithID(id, change.Elt); err != nil {
				return err
			}
		case Replacement:
			if _, err := m.Replace(id, change.Elt); err != nil {
				return err
			}
		case MoveOut:
			if _, err := m.Remove(id); err != nil {
				return err
			}
			m.SetMove(id, change.NewID)
		case Moved:
			m.SetMove(id, change.NewID)
		}
	}
	return nil
}

// MutateMeta overwrites this commit's stored number and statesum with
// the result of a matching state.PartState.MutateMeta call. The state
// used to produce mutated must correspond to this commit, or the
// commit's recorded statesum will no longer match the state it was
// derived from.
func (c *Commit) MutateMeta(newNumber uint32, newStatesum sum.Sum) {
	c.meta.Number = newNumber
	c.statesum = newStatesum
}

// StateSum returns the commit's expected resultant state sum, which
// also serves as its identifier.
func (c Commit) StateSum() sum.Sum { return c.statesum }

// Parents returns the commit's parent state sums; the first is the
// primary parent the changes are relative to.
func (c Commit) Parents() []sum.Sum { return append([]sum.Sum(nil), c.parents...) }

// FirstParent returns the commit's primary parent.
func (c Commit) FirstParent() sum.Sum { return c.parents[0] }

// NumChanges returns the number of per-element changes in this commit.
func (c Commit) NumChanges() int { return len(c.changes) }

// Changes returns a copy of the per-element change map.
func (c Commit) Changes() map[ident.EltID]EltChange {
	out := make(map[ident.EltID]EltChange, len(c.changes))
	for k, v := range c.changes {
		out[k] = v
	}
	return out
}

// Change returns the change recorded for id, if any.
func (c Commit) Change(id ident.EltID) (EltChange, bool) {
	ch, ok := c.changes[id]
	return ch, ok
}

// Meta returns the commit's metadata.
func (c Commit) Meta() state.CommitMeta { return c.meta }
