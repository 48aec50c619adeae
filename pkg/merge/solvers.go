package merge

import "github.com/cuemby/pippin/pkg/element"

// Solver resolves a single element conflict given the possibly-absent
// values from states A, B, and common ancestor C (nil when absent).
// Returning Unresolved leaves the conflict for another solver.
type Solver interface {
	Solve(a, b, c element.Element) Resolution
}

// SolveUseA always selects state A's value.
type SolveUseA struct{}

// Solve implements Solver.
func (SolveUseA) Solve(_, _, _ element.Element) Resolution { return ResolveA() }

// SolveUseB always selects state B's value.
type SolveUseB struct{}

// Solve implements Solver.
func (SolveUseB) Solve(_, _, _ element.Element) Resolution { return ResolveB() }

// SolveUseC always selects the common ancestor's value: the ancestor
// element where one exists, deletion where it does not.
type SolveUseC struct{}

// Solve implements Solver.
func (SolveUseC) Solve(_, _, c element.Element) Resolution {
	if c != nil {
		return ResolveValue(c)
	}
	return ResolveDelete()
}

// SolveFail always gives up, leaving the conflict unresolved.
type SolveFail struct{}

// Solve implements Solver.
func (SolveFail) Solve(_, _, _ element.Element) Resolution { return Unresolved() }

// AncestorSolver makes the usual three-way-merge choice: if one side
// equals the ancestor (or is absent along with the ancestor), the
// other side's value or absence wins. Cases where both sides changed
// are left unresolved.
//
// If two branches make the same change independently, then one
// reverts, a later merge will ignore the revert. Git's three-way
// merge has the same defect.
type AncestorSolver struct{}

// Solve implements Solver.
func (AncestorSolver) Solve(a, b, c element.Element) Resolution {
	if eltEq(a, c) {
		return ResolveB()
	}
	if eltEq(b, c) {
		return ResolveA()
	}
	return Unresolved()
}

// RenamingSolver handles the no-common-ancestor-value case by
// renaming so both values survive. Conflicts where the ancestor holds
// a value are left unresolved.
type RenamingSolver struct{}

// Solve implements Solver.
func (RenamingSolver) Solve(_, _, c element.Element) Resolution {
	if c == nil {
		return ResolveRename()
	}
	return Unresolved()
}

// Chain tries First, then Second if and only if First leaves the
// conflict unresolved.
type Chain struct {
	First  Solver
	Second Solver
}

// Solve implements Solver.
func (ch Chain) Solve(a, b, c element.Element) Resolution {
	if r := ch.First.Solve(a, b, c); r.Kind != Unsolved {
		return r
	}
	return ch.Second.Solve(a, b, c)
}

func eltEq(x, y element.Element) bool {
	if x == nil || y == nil {
		return x == nil && y == nil
	}
	return x.Equal(y)
}
