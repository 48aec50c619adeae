package commit

import (
	"testing"

	"github.com/cuemby/pippin/pkg/element"
	"github.com/cuemby/pippin/pkg/ident"
	"github.com/cuemby/pippin/pkg/state"
	"github.com/cuemby/pippin/pkg/sum"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromDiffNoChangesReturnsFalse(t *testing.T) {
	p := ident.FromNum(1)
	s := state.New(p, nil)
	_, ok := FromDiff(s, s)
	assert.False(t, ok)
}

func TestFromDiffDetectsInsertionReplacementDeletion(t *testing.T) {
	p := ident.FromNum(2)
	base := state.New(p, nil)
	m := base.CloneMut()
	idKeep, err := m.InsertWithID(p.EltID(1), element.String("keep"))
	require.NoError(t, err)
	idChange, err := m.InsertWithID(p.EltID(2), element.String("before"))
	require.NoError(t, err)
	idGone, err := m.InsertWithID(p.EltID(3), element.String("gone"))
	require.NoError(t, err)
	old := state.FromMut(m, nil)

	m2 := old.CloneMut()
	_, err = m2.Remove(idGone)
	require.NoError(t, err)
	_, err = m2.Replace(idChange, element.String("after"))
	require.NoError(t, err)
	idNew, err := m2.InsertWithID(p.EltID(4), element.String("new"))
	require.NoError(t, err)
	next := state.FromMut(m2, nil)

	c, ok := FromDiff(old, next)
	require.True(t, ok)
	assert.Equal(t, 3, c.NumChanges())

	ch, ok := c.Change(idGone)
	require.True(t, ok)
	assert.Equal(t, Deletion, ch.Kind)

	ch, ok = c.Change(idChange)
	require.True(t, ok)
	assert.Equal(t, Replacement, ch.Kind)
	assert.Equal(t, element.String("after"), ch.Elt)

	ch, ok = c.Change(idNew)
	require.True(t, ok)
	assert.Equal(t, Insertion, ch.Kind)

	_, ok = c.Change(idKeep)
	assert.False(t, ok)

	assert.Equal(t, next.StateSum(), c.StateSum())
	require.Len(t, c.Parents(), 1)
	assert.Equal(t, old.StateSum(), c.Parents()[0])
}

func TestFromDiffDetectsMoves(t *testing.T) {
	p := ident.FromNum(3)
	base := state.New(p, nil)
	m := base.CloneMut()
	id, err := m.InsertWithID(p.EltID(1), element.String("x"))
	require.NoError(t, err)
	old := state.FromMut(m, nil)

	m2 := old.CloneMut()
	_, err = m2.Remove(id)
	require.NoError(t, err)
	m2.SetMove(id, p.EltID(99))
	next := state.FromMut(m2, nil)

	c, ok := FromDiff(old, next)
	require.True(t, ok)
	ch, ok := c.Change(id)
	require.True(t, ok)
	assert.Equal(t, MoveOut, ch.Kind)
	assert.Equal(t, p.EltID(99), ch.NewID)
}

func TestApplyMutInsertionDeletionReplacement(t *testing.T) {
	p := ident.FromNum(4)
	base := state.New(p, nil)
	m := base.CloneMut()
	idA, err := m.InsertWithID(p.EltID(1), element.String("a"))
	require.NoError(t, err)
	idB, err := m.InsertWithID(p.EltID(2), element.String("b"))
	require.NoError(t, err)
	old := state.FromMut(m, nil)

	changes := map[ident.EltID]EltChange{
		idA: NewReplacement(element.String("a2")),
		idB: NewDeletion(),
	}
	commit, err := NewExplicit(old.StateSum(), old.Parents(), changes, old.Meta())
	require.NoError(t, err)

	target := old.CloneMut()
	require.NoError(t, commit.ApplyMut(&target))

	got, ok := target.Elt(idA)
	require.True(t, ok)
	assert.Equal(t, element.String("a2"), got)
	_, ok = target.Elt(idB)
	assert.False(t, ok)
}

func TestApplyMutMoveOutAndMoved(t *testing.T) {
	p := ident.FromNum(5)
	base := state.New(p, nil)
	m := base.CloneMut()
	id, err := m.InsertWithID(p.EltID(1), element.String("x"))
	require.NoError(t, err)
	old := state.FromMut(m, nil)

	changes := map[ident.EltID]EltChange{
		id: NewMoved(p.EltID(50), true),
	}
	commit, err := NewExplicit(old.StateSum(), old.Parents(), changes, old.Meta())
	require.NoError(t, err)

	target := old.CloneMut()
	require.NoError(t, commit.ApplyMut(&target))

	_, ok := target.Elt(id)
	assert.False(t, ok)
	to, ok := target.IsMoved(id)
	require.True(t, ok)
	assert.Equal(t, p.EltID(50), to)
}

func TestNewExplicitRejectsBadParentCounts(t *testing.T) {
	meta := state.CommitMeta{}
	_, err := NewExplicit(sum.Zero(), nil, nil, meta)
	assert.ErrorIs(t, err, ErrTooFewParents)

	tooMany := make([]sum.Sum, 256)
	_, err = NewExplicit(sum.Zero(), tooMany, nil, meta)
	assert.ErrorIs(t, err, ErrTooManyParents)
}

func TestMutateMetaOverwritesNumberAndSum(t *testing.T) {
	p := ident.FromNum(6)
	old := state.New(p, nil)
	m := old.CloneMut()
	_, err := m.Insert(element.String("x"))
	require.NoError(t, err)
	next := state.FromMut(m, nil)

	c, ok := FromDiff(old, next)
	require.True(t, ok)

	stateForMut := next.CloneExact()
	newNumber, newSum, err := stateForMut.MutateMeta()
	require.NoError(t, err)

	c.MutateMeta(newNumber, newSum)
	assert.Equal(t, newSum, c.StateSum())
	assert.Equal(t, newNumber, c.Meta().Number)
}
