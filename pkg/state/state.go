// Package state implements Pippin's immutable and mutable partition
// states: the element map plus moved-element forwarding table,
// parent links, commit metadata, and the content-addressing state
// sum, maintained incrementally by XOR of per-element contributions.
package state

import (
	"math/rand/v2"

	"github.com/cuemby/pippin/pkg/element"
	"github.com/cuemby/pippin/pkg/ident"
	"github.com/cuemby/pippin/pkg/sum"
)

const maxIDAttempts = 10000

// PartState is an immutable snapshot of a partition's elements at one
// point in its history. Cloning one via CloneMut or CloneExact is
// cheap: elements are immutable Go interface values, so the element
// map's values are shared, not deep-copied.
type PartState struct {
	partID   ident.PartID
	parents  []sum.Sum
	statesum sum.Sum
	elts     map[ident.EltID]element.Element
	moved    map[ident.EltID]ident.EltID
	meta     CommitMeta
}

// New creates an empty initial state for partID with no history.
func New(partID ident.PartID, hook MetaHook) PartState {
	if hook == nil {
		hook = DefaultMetaHook{}
	}
	meta := newMetaFromParents(nil, hook)
	return PartState{
		partID:   partID,
		parents:  nil,
		statesum: metaSum(partID.Uint64(), nil, meta),
		elts:     make(map[ident.EltID]element.Element),
		moved:    make(map[ident.EltID]ident.EltID),
		meta:     meta,
	}
}

// NewExplicit builds a PartState from its constituent parts, computing
// statesum = state_meta_sum(...) XOR eltSum. This is the constructor
// the snapshot codec uses when reading a state back from disk: eltSum
// is the XOR of the element contributions, already accumulated by the
// caller, so this never has to walk the element map to recompute it.
func NewExplicit(partID ident.PartID, parents []sum.Sum, elts map[ident.EltID]element.Element,
	moved map[ident.EltID]ident.EltID, meta CommitMeta, eltSum sum.Sum) PartState {
	if elts == nil {
		elts = make(map[ident.EltID]element.Element)
	}
	if moved == nil {
		moved = make(map[ident.EltID]ident.EltID)
	}
	ms := metaSum(partID.Uint64(), parents, meta)
	return PartState{
		partID:   partID,
		parents:  parents,
		statesum: ms.Permute(eltSum),
		elts:     elts,
		moved:    moved,
		meta:     meta,
	}
}

// FromMut finalizes a MutPartState into a PartState: the new state's
// sole parent is the MutPartState's parent, its commit number is one
// more than the parent's, and its metasum/statesum are computed fresh.
func FromMut(m MutPartState, hook MetaHook) PartState {
	if hook == nil {
		hook = DefaultMetaHook{}
	}
	parents := []sum.Sum{m.parent}
	number := m.parentMeta.NextNumber()
	meta := CommitMeta{
		Number:   number,
		TS:       hook.Timestamp(),
		ExtFlags: m.extFlags,
		Extra:    hook.Extra(number, []ParentInfo{{Sum: m.parent, Meta: m.parentMeta}}),
	}
	ms := metaSum(m.partID.Uint64(), parents, meta)
	return PartState{
		partID:   m.partID,
		parents:  parents,
		statesum: m.eltSum.Permute(ms),
		elts:     m.elts,
		moved:    m.moved,
		meta:     meta,
	}
}

// StateSum returns the state's content-address checksum.
func (s PartState) StateSum() sum.Sum { return s.statesum }

// MetaSum recomputes the metadata checksum on the fly; it is part of
// StateSum (StateSum == MetaSum XOR eltSum).
func (s PartState) MetaSum() sum.Sum {
	return metaSum(s.partID.Uint64(), s.parents, s.meta)
}

// Parents returns the state's parent sums (zero for the initial
// state, one for a normal commit, two or more for a merge).
func (s PartState) Parents() []sum.Sum { return append([]sum.Sum(nil), s.parents...) }

// PartID returns the owning partition's identifier.
func (s PartState) PartID() ident.PartID { return s.partID }

// Meta returns the state's commit metadata.
func (s PartState) Meta() CommitMeta { return s.meta }

// EltsLen returns the number of elements contained.
func (s PartState) EltsLen() int { return len(s.elts) }

// Elts returns a copy of the element map, keyed by element id.
func (s PartState) Elts() map[ident.EltID]element.Element {
	out := make(map[ident.EltID]element.Element, len(s.elts))
	for k, v := range s.elts {
		out[k] = v
	}
	return out
}

// Elt returns the element at id, if present.
func (s PartState) Elt(id ident.EltID) (element.Element, bool) {
	e, ok := s.elts[id]
	return e, ok
}

// IsAvail reports whether id is present in this state.
func (s PartState) IsAvail(id ident.EltID) bool {
	_, ok := s.elts[id]
	return ok
}

// NumAvail is an alias for EltsLen.
func (s PartState) NumAvail() int { return s.EltsLen() }

// MovedLen returns the number of forwarding entries recorded.
func (s PartState) MovedLen() int { return len(s.moved) }

// Moved returns a copy of the moved-element forwarding table.
func (s PartState) Moved() map[ident.EltID]ident.EltID {
	out := make(map[ident.EltID]ident.EltID, len(s.moved))
	for k, v := range s.moved {
		out[k] = v
	}
	return out
}

// IsMoved returns the forwarding target for id, if one is recorded.
func (s PartState) IsMoved(id ident.EltID) (ident.EltID, bool) {
	to, ok := s.moved[id]
	return to, ok
}

// Equal reports whether two states are identical in every part:
// partition, parents, metadata, element set, and moved table. The
// partition engine uses this to tell a re-derived duplicate state
// apart from a genuine state-sum collision.
func (s PartState) Equal(other PartState) bool {
	if s.partID != other.partID || !s.statesum.Equal(other.statesum) || s.meta != other.meta {
		return false
	}
	if len(s.parents) != len(other.parents) ||
		len(s.elts) != len(other.elts) || len(s.moved) != len(other.moved) {
		return false
	}
	for i, p := range s.parents {
		if !p.Equal(other.parents[i]) {
			return false
		}
	}
	for id, e := range s.elts {
		oe, ok := other.elts[id]
		if !ok || !e.Equal(oe) {
			return false
		}
	}
	for id, to := range s.moved {
		if other.moved[id] != to {
			return false
		}
	}
	return true
}

// GenIDBinary returns an element id free in both this state and other,
// assumed to share the same partition. It tries up to 10000
// successive local numbers starting from a random seed before
// failing with ErrIDGenFailure.
func (s PartState) GenIDBinary(other PartState) (ident.EltID, error) {
	id := s.partID.EltID(rand.Uint32() & 0xFFFFFF)
	for i := 0; i < maxIDAttempts; i++ {
		_, inSelf := s.elts[id]
		_, inSelfMoved := s.moved[id]
		_, inOther := other.elts[id]
		_, inOtherMoved := other.moved[id]
		if !inSelf && !inSelfMoved && !inOther && !inOtherMoved {
			return id, nil
		}
		id = id.NextElt()
	}
	return 0, ErrIDGenFailure
}

// CloneMut clones this state into an editable MutPartState whose
// parent is this state. Element values are shared (copy-on-write);
// only the maps are copied.
func (s PartState) CloneMut() MutPartState {
	elts := make(map[ident.EltID]element.Element, len(s.elts))
	for k, v := range s.elts {
		elts[k] = v
	}
	moved := make(map[ident.EltID]ident.EltID, len(s.moved))
	for k, v := range s.moved {
		moved[k] = v
	}
	return MutPartState{
		partID:     s.partID,
		parent:     s.statesum,
		parentMeta: s.meta,
		extFlags:   s.meta.ExtFlags,
		eltSum:     s.statesum.Permute(s.MetaSum()),
		elts:       elts,
		moved:      moved,
	}
}

// CloneExact makes an exact copy of this state, including its
// parents and statesum (the two will compare equal).
func (s PartState) CloneExact() PartState {
	elts := make(map[ident.EltID]element.Element, len(s.elts))
	for k, v := range s.elts {
		elts[k] = v
	}
	moved := make(map[ident.EltID]ident.EltID, len(s.moved))
	for k, v := range s.moved {
		moved[k] = v
	}
	return PartState{
		partID:   s.partID,
		parents:  append([]sum.Sum(nil), s.parents...),
		statesum: s.statesum,
		elts:     elts,
		moved:    moved,
		meta:     s.meta,
	}
}

// MutateMeta increments the state's commit number (saturating),
// recomputes the metadata sum, and updates statesum by XORing out
// the old metasum and XORing in the new one. Used to disambiguate
// state-sum collisions: callers must apply the same mutation to the
// corresponding queued Commit via Commit.MutateMeta. Returns an error
// if the commit number is already at its maximum and cannot advance.
func (s *PartState) MutateMeta() (newNumber uint32, newStatesum sum.Sum, err error) {
	oldMetasum := s.MetaSum()
	oldNumber := s.meta.Number
	next := s.meta.NextNumber()
	if next == oldNumber {
		return 0, sum.Sum{}, errOutOfCommitNumbers
	}
	s.meta.Number = next
	newMetasum := metaSum(s.partID.Uint64(), s.parents, s.meta)
	s.statesum = s.statesum.Permute(oldMetasum).Permute(newMetasum)
	return s.meta.Number, s.statesum, nil
}

// MutPartState is an editable clone of a PartState. Elements may be
// inserted, replaced, removed, or marked moved; elt_sum is maintained
// incrementally by XORing each element's contribution in or out.
type MutPartState struct {
	partID     ident.PartID
	parent     sum.Sum
	parentMeta CommitMeta
	extFlags   MetaFlags
	eltSum     sum.Sum
	elts       map[ident.EltID]element.Element
	moved      map[ident.EltID]ident.EltID
}

// PartID returns the owning partition's identifier.
func (m MutPartState) PartID() ident.PartID { return m.partID }

// Parent returns the sum of the state this was cloned from.
func (m MutPartState) Parent() sum.Sum { return m.parent }

// EltSum returns the running combined element sum.
func (m MutPartState) EltSum() sum.Sum { return m.eltSum }

// ExtFlags returns the current (possibly modified) extension flags
// that will be carried into the finalized state's metadata.
func (m MutPartState) ExtFlags() MetaFlags { return m.extFlags }

// SetReclassify sets or clears the reclassify-requested flag.
func (m *MutPartState) SetReclassify(want bool) {
	m.extFlags = m.extFlags.WithReclassify(want)
}

// EltsLen returns the number of elements contained.
func (m MutPartState) EltsLen() int { return len(m.elts) }

// Elts returns a copy of the element map.
func (m MutPartState) Elts() map[ident.EltID]element.Element {
	out := make(map[ident.EltID]element.Element, len(m.elts))
	for k, v := range m.elts {
		out[k] = v
	}
	return out
}

// Elt returns the element at id, if present.
func (m MutPartState) Elt(id ident.EltID) (element.Element, bool) {
	e, ok := m.elts[id]
	return e, ok
}

// MovedLen returns the number of forwarding entries recorded.
func (m MutPartState) MovedLen() int { return len(m.moved) }

// Moved returns a copy of the moved-element forwarding table.
func (m MutPartState) Moved() map[ident.EltID]ident.EltID {
	out := make(map[ident.EltID]ident.EltID, len(m.moved))
	for k, v := range m.moved {
		out[k] = v
	}
	return out
}

// IsMoved returns the forwarding target for id, if one is recorded.
func (m MutPartState) IsMoved(id ident.EltID) (ident.EltID, bool) {
	to, ok := m.moved[id]
	return to, ok
}

// IDFromInitial searches for a free element id starting from
// partID.EltID(initial), scanning at most 10000 successive local
// numbers.
func (m MutPartState) IDFromInitial(initial uint32) (ident.EltID, error) {
	id := m.partID.EltID(initial & 0xFFFFFF)
	for i := 0; i < maxIDAttempts; i++ {
		_, inElts := m.elts[id]
		_, inMoved := m.moved[id]
		if !inElts && !inMoved {
			return id, nil
		}
		id = id.NextElt()
	}
	return 0, ErrIDGenFailure
}

// Insert inserts elt under a freshly generated id, seeded from a
// random 24-bit initial number, and returns the id used.
func (m *MutPartState) Insert(e element.Element) (ident.EltID, error) {
	initial := rand.Uint32() & 0xFFFFFF
	id, err := m.IDFromInitial(initial)
	if err != nil {
		return 0, err
	}
	return m.InsertWithID(id, e)
}

// InsertWithID inserts elt under the given id. It fails with
// ErrWrongPartition if id belongs to another partition, or
// ErrIDClash if id is already in use.
func (m *MutPartState) InsertWithID(id ident.EltID, e element.Element) (ident.EltID, error) {
	if id.PartID() != m.partID {
		return 0, ErrWrongPartition
	}
	if _, exists := m.elts[id]; exists {
		return 0, ErrIDClash
	}
	s, err := element.Sum(e, id)
	if err != nil {
		return 0, err
	}
	m.eltSum = m.eltSum.Permute(s)
	m.elts[id] = e
	return id, nil
}

// Replace replaces the element at id with e and returns the element
// that was there. It fails with ErrNotFound if id is absent, making
// no change to the state in that case.
func (m *MutPartState) Replace(id ident.EltID, e element.Element) (element.Element, error) {
	old, exists := m.elts[id]
	if !exists {
		return nil, ErrNotFound
	}
	newSum, err := element.Sum(e, id)
	if err != nil {
		return nil, err
	}
	oldSum, err := element.Sum(old, id)
	if err != nil {
		return nil, err
	}
	m.eltSum = m.eltSum.Permute(newSum).Permute(oldSum)
	m.elts[id] = e
	return old, nil
}

// Remove removes the element at id and returns it. It fails with
// ErrNotFound if id is absent.
func (m *MutPartState) Remove(id ident.EltID) (element.Element, error) {
	old, exists := m.elts[id]
	if !exists {
		return nil, ErrNotFound
	}
	s, err := element.Sum(old, id)
	if err != nil {
		return nil, err
	}
	m.eltSum = m.eltSum.Permute(s)
	delete(m.elts, id)
	return old, nil
}

// SetMove records a forwarding entry from old to new without
// touching the element map.
func (m *MutPartState) SetMove(old, newID ident.EltID) {
	m.moved[old] = newID
}
