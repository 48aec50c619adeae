// Package merge implements two-way merging of divergent partition
// states. A TwoWayMerge enumerates the per-element conflicts between
// two tip states relative to a common ancestor; a Solver resolves
// each conflict; MakeCommit then builds a merge commit that reaches
// the same resulting state from either parent.
package merge

import (
	"sort"

	"github.com/cuemby/pippin/pkg/commit"
	"github.com/cuemby/pippin/pkg/element"
	"github.com/cuemby/pippin/pkg/ident"
	"github.com/cuemby/pippin/pkg/log"
	"github.com/cuemby/pippin/pkg/metrics"
	"github.com/cuemby/pippin/pkg/state"
	"github.com/cuemby/pippin/pkg/sum"
)

// ResolutionKind distinguishes the possible outcomes for one
// conflicting element.
type ResolutionKind int

const (
	// Unsolved marks a conflict no solver has decided yet. A merge
	// cannot be committed while any conflict is Unsolved.
	Unsolved ResolutionKind = iota
	// UseA keeps the value (or absence) from the first state.
	UseA
	// UseB keeps the value (or absence) from the second state.
	UseB
	// UseValue sets a caller-supplied value in both states.
	UseValue
	// Delete removes the element from both states.
	Delete
	// Rename keeps both values: where both states hold an element,
	// state A's value keeps the id and state B's value is moved to a
	// freshly generated id in both states; where only one state holds
	// it, that value is used in both.
	Rename
)

// String names the resolution kind, used as the metrics outcome
// label.
func (k ResolutionKind) String() string {
	switch k {
	case UseA:
		return "use_a"
	case UseB:
		return "use_b"
	case UseValue:
		return "use_value"
	case Delete:
		return "delete"
	case Rename:
		return "rename"
	default:
		return "unsolved"
	}
}

// Resolution is a solver's decision for one conflict. Elt is set only
// for UseValue.
type Resolution struct {
	Kind ResolutionKind
	Elt  element.Element
}

// ResolveA returns a UseA resolution.
func ResolveA() Resolution { return Resolution{Kind: UseA} }

// ResolveB returns a UseB resolution.
func ResolveB() Resolution { return Resolution{Kind: UseB} }

// ResolveValue returns a UseValue resolution carrying e.
func ResolveValue(e element.Element) Resolution { return Resolution{Kind: UseValue, Elt: e} }

// ResolveDelete returns a Delete resolution.
func ResolveDelete() Resolution { return Resolution{Kind: Delete} }

// ResolveRename returns a Rename resolution.
func ResolveRename() Resolution { return Resolution{Kind: Rename} }

// Unresolved returns the Unsolved marker.
func Unresolved() Resolution { return Resolution{Kind: Unsolved} }

type conflict struct {
	id  ident.EltID
	res Resolution
}

// TwoWayMerge controls the merging of two states into one. It
// requires a common ancestor state.
type TwoWayMerge struct {
	a, b, c state.PartState
	v       []conflict
}

// NewTwoWay builds a merge of a and b, where c is a common ancestor
// state of both. Conflicts are collected for every id present in
// exactly one of a and b, and for every id present in both with
// unequal values. Cost is linear in the sizes of a and b.
func NewTwoWay(a, b, c state.PartState) *TwoWayMerge {
	var v []conflict
	mapB := b.Elts()
	for id, eltA := range a.Elts() {
		if eltB, ok := mapB[id]; ok {
			delete(mapB, id)
			if !eltA.Equal(eltB) {
				v = append(v, conflict{id: id})
			}
		} else {
			v = append(v, conflict{id: id})
		}
	}
	for id := range mapB {
		v = append(v, conflict{id: id})
	}
	// Conflict order is solver- and user-visible; sort so the merge
	// is deterministic regardless of map iteration order.
	sort.Slice(v, func(i, j int) bool { return v[i].id < v[j].id })
	return &TwoWayMerge{a: a, b: b, c: c, v: v}
}

// Len returns the number of conflicts, solved or not.
func (m *TwoWayMerge) Len() int { return len(m.v) }

// Status returns the id and current resolution of conflict i, where
// 0 <= i < Len(). An Unsolved resolution means not yet decided.
func (m *TwoWayMerge) Status(i int) (ident.EltID, Resolution) {
	return m.v[i].id, m.v[i].res
}

// NumUnsolved returns the number of still-undecided conflicts.
func (m *TwoWayMerge) NumUnsolved() int {
	n := 0
	for _, c := range m.v {
		if c.res.Kind == Unsolved {
			n++
		}
	}
	return n
}

// IsSolved reports whether every conflict has been resolved.
func (m *TwoWayMerge) IsSolved() bool { return m.NumUnsolved() == 0 }

// Solve runs s over all still-unsolved conflicts. It need not
// resolve all of them; chain solvers or call SolveOne for the rest.
func (m *TwoWayMerge) Solve(s Solver) {
	for i := range m.v {
		if m.v[i].res.Kind == Unsolved {
			m.v[i].res = m.solveOne(m.v[i].id, s)
			if m.v[i].res.Kind != Unsolved {
				metrics.MergeConflictsResolved.WithLabelValues(m.v[i].res.Kind.String()).Inc()
			}
		}
	}
}

// SolveOne runs s on conflict i only, where 0 <= i < Len(). Unlike
// Solve this runs the solver even on already-decided conflicts, so
// the trivial solvers can be used to overwrite a result.
func (m *TwoWayMerge) SolveOne(i int, s Solver) {
	m.v[i].res = m.solveOne(m.v[i].id, s)
}

func (m *TwoWayMerge) solveOne(id ident.EltID, s Solver) Resolution {
	a, _ := m.a.Elt(id)
	b, _ := m.b.Elt(id)
	c, _ := m.c.Elt(id)
	return s.Solve(a, b, c)
}

// MakeCommit builds the merge commit. It fails with ErrNotSolved if
// any conflict remains unresolved.
//
// Two change-sets are built simultaneously, one relative to each
// parent, together with each parent's running element sum. After all
// resolutions are applied the two sums must agree; the smaller
// change-set is kept and the commit's parents are ordered so its
// primary parent is the one that change-set is relative to.
func (m *TwoWayMerge) MakeCommit(hook state.MetaHook) (commit.Commit, error) {
	logger := log.WithComponent("merge")
	c1 := make(map[ident.EltID]commit.EltChange)
	c2 := make(map[ident.EltID]commit.EltChange)
	sum1 := m.a.StateSum().Permute(m.a.MetaSum())
	sum2 := m.b.StateSum().Permute(m.b.MetaSum())

	for _, cf := range m.v {
		id := cf.id
		eltA, okA := m.a.Elt(id)
		eltB, okB := m.b.Elt(id)
		switch cf.res.Kind {
		case UseA:
			switch {
			case okA && okB:
				c2[id] = commit.NewReplacement(eltA)
				sA, err := element.Sum(eltA, id)
				if err != nil {
					return commit.Commit{}, err
				}
				sB, err := element.Sum(eltB, id)
				if err != nil {
					return commit.Commit{}, err
				}
				sum2 = sum2.Permute(sB).Permute(sA)
			case okA:
				c2[id] = commit.NewInsertion(eltA)
				sA, err := element.Sum(eltA, id)
				if err != nil {
					return commit.Commit{}, err
				}
				sum2 = sum2.Permute(sA)
			case okB:
				c2[id] = commit.NewDeletion()
				sB, err := element.Sum(eltB, id)
				if err != nil {
					return commit.Commit{}, err
				}
				sum2 = sum2.Permute(sB)
			}
		case UseB:
			switch {
			case okA && okB:
				c1[id] = commit.NewReplacement(eltB)
				sA, err := element.Sum(eltA, id)
				if err != nil {
					return commit.Commit{}, err
				}
				sB, err := element.Sum(eltB, id)
				if err != nil {
					return commit.Commit{}, err
				}
				sum1 = sum1.Permute(sA).Permute(sB)
			case okA:
				c1[id] = commit.NewDeletion()
				sA, err := element.Sum(eltA, id)
				if err != nil {
					return commit.Commit{}, err
				}
				sum1 = sum1.Permute(sA)
			case okB:
				c1[id] = commit.NewInsertion(eltB)
				sB, err := element.Sum(eltB, id)
				if err != nil {
					return commit.Commit{}, err
				}
				sum1 = sum1.Permute(sB)
			}
		case UseValue:
			elt := cf.res.Elt
			sV, err := element.Sum(elt, id)
			if err != nil {
				return commit.Commit{}, err
			}
			if okA {
				if !eltA.Equal(elt) {
					sA, err := element.Sum(eltA, id)
					if err != nil {
						return commit.Commit{}, err
					}
					sum1 = sum1.Permute(sA).Permute(sV)
					c1[id] = commit.NewReplacement(elt)
				}
			} else {
				sum1 = sum1.Permute(sV)
				c1[id] = commit.NewInsertion(elt)
			}
			if okB {
				if !eltB.Equal(elt) {
					sB, err := element.Sum(eltB, id)
					if err != nil {
						return commit.Commit{}, err
					}
					sum2 = sum2.Permute(sB).Permute(sV)
					c2[id] = commit.NewReplacement(elt)
				}
			} else {
				sum2 = sum2.Permute(sV)
				c2[id] = commit.NewInsertion(elt)
			}
		case Delete:
			if okA {
				c1[id] = commit.NewDeletion()
				sA, err := element.Sum(eltA, id)
				if err != nil {
					return commit.Commit{}, err
				}
				sum1 = sum1.Permute(sA)
			}
			if okB {
				c2[id] = commit.NewDeletion()
				sB, err := element.Sum(eltB, id)
				if err != nil {
					return commit.Commit{}, err
				}
				sum2 = sum2.Permute(sB)
			}
		case Rename:
			switch {
			case okA && okB:
				newID, err := m.a.GenIDBinary(m.b)
				if err != nil {
					logger.Warn().Uint64("id", id.Uint64()).
						Msg("rename resolution could not generate a fresh element id")
					return commit.Commit{}, ErrNotSolved
				}
				// Both values survive and both change-sets must reach
				// the same state: a's value keeps the conflicted id,
				// b's value moves to the fresh id.
				sBnew, err := element.Sum(eltB, newID)
				if err != nil {
					return commit.Commit{}, err
				}
				c1[newID] = commit.NewInsertion(eltB)
				sum1 = sum1.Permute(sBnew)

				sBold, err := element.Sum(eltB, id)
				if err != nil {
					return commit.Commit{}, err
				}
				sA, err := element.Sum(eltA, id)
				if err != nil {
					return commit.Commit{}, err
				}
				c2[id] = commit.NewReplacement(eltA)
				c2[newID] = commit.NewInsertion(eltB)
				sum2 = sum2.Permute(sBold).Permute(sA).Permute(sBnew)
			case okA:
				c2[id] = commit.NewInsertion(eltA)
				sA, err := element.Sum(eltA, id)
				if err != nil {
					return commit.Commit{}, err
				}
				sum2 = sum2.Permute(sA)
			case okB:
				c1[id] = commit.NewInsertion(eltB)
				sB, err := element.Sum(eltB, id)
				if err != nil {
					return commit.Commit{}, err
				}
				sum1 = sum1.Permute(sB)
			}
		case Unsolved:
			return commit.Commit{}, ErrNotSolved
		}
	}

	if !sum1.Equal(sum2) {
		panic("merge: element sums disagree after applying resolutions")
	}

	first, second, changes := m.b, m.a, c2
	if len(c1) < len(c2) {
		first, second, changes = m.a, m.b, c1
	}
	logger.Debug().Str("primary", first.StateSum().Hex()).
		Int("changes", len(changes)).Msg("built merge change-set")

	meta := state.NewMetaFromParents([]state.ParentInfo{
		{Sum: first.StateSum(), Meta: first.Meta()},
		{Sum: second.StateSum(), Meta: second.Meta()},
	}, hookOrDefault(hook))
	parents := []sum.Sum{first.StateSum(), second.StateSum()}
	extra, _ := meta.Extra.Text()
	metasum := sum.StateMetaSum(m.a.PartID().Uint64(), meta.Number, meta.TS, parents, extra)
	return commit.NewExplicit(sum1.Permute(metasum), parents, changes, meta)
}

func hookOrDefault(hook state.MetaHook) state.MetaHook {
	if hook == nil {
		return state.DefaultMetaHook{}
	}
	return hook
}
