package partition

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cuemby/pippin/pkg/commit"
	"github.com/cuemby/pippin/pkg/element"
	"github.com/cuemby/pippin/pkg/ident"
	"github.com/cuemby/pippin/pkg/merge"
	"github.com/cuemby/pippin/pkg/partio"
	"github.com/cuemby/pippin/pkg/state"
	"github.com/cuemby/pippin/pkg/sum"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fixedHook pins commit timestamps so state sums are reproducible
// within a test.
type fixedHook struct{ ts int64 }

func (h fixedHook) Timestamp() int64 { return h.ts }

func (h fixedHook) Extra(uint32, []state.ParentInfo) state.ExtraMeta { return state.NoExtra() }

func memConfig(partNum uint64, name string) Config {
	return Config{
		PartID:   ident.FromNum(partNum),
		RepoName: name,
		IO:       partio.NewMemIO(),
		Read:     element.ReadString,
		Hook:     fixedHook{ts: 100},
	}
}

// checkInvariants asserts the structural invariants every reachable
// partition must satisfy: tips are states, tips are not ancestors,
// and every parent of a state is a state or an ancestor.
func checkInvariants(t *testing.T, p *Partition) {
	t.Helper()
	for _, tip := range p.Tips() {
		_, ok := p.states[tip]
		assert.True(t, ok, "tip %s is not a known state", tip.Hex())
		_, isAncestor := p.ancestors[tip]
		assert.False(t, isAncestor, "tip %s is also an ancestor", tip.Hex())
	}
	for _, st := range p.states {
		for _, parent := range st.Parents() {
			_, inStates := p.states[parent]
			_, inAncestors := p.ancestors[parent]
			assert.True(t, inStates || inAncestors,
				"parent %s of %s is neither state nor ancestor", parent.Hex(), st.StateSum().Hex())
		}
	}
}

func TestCreateInsertSaveReload(t *testing.T) {
	cfg := memConfig(7, "on_new_partition")
	part, err := Create(cfg)
	require.NoError(t, err)
	assert.Equal(t, 1, part.TipsLen())

	// Pushing an unchanged clone does nothing.
	tip, err := part.Tip()
	require.NoError(t, err)
	pushed, err := part.PushState(tip.CloneMut())
	require.NoError(t, err)
	assert.False(t, pushed)

	m := tip.CloneMut()
	e1, err := m.Insert(element.String("This is element one."))
	require.NoError(t, err)
	e2, err := m.Insert(element.String("Element two data."))
	require.NoError(t, err)

	pushed, err = part.PushState(m)
	require.NoError(t, err)
	assert.True(t, pushed)
	assert.Equal(t, 1, part.UnsavedLen())
	assert.Equal(t, 2, part.StatesLen())
	checkInvariants(t, part)

	key, err := part.TipKey()
	require.NoError(t, err)
	st, ok := part.State(key)
	require.True(t, ok)
	assert.True(t, st.IsAvail(e1))
	elt, ok := st.Elt(e2)
	require.True(t, ok)
	assert.True(t, element.String("Element two data.").Equal(elt))

	// Re-pushing the tip unchanged is still a no-op.
	pushed, err = part.PushState(st.CloneMut())
	require.NoError(t, err)
	assert.False(t, pushed)

	wrote, err := part.WriteFull()
	require.NoError(t, err)
	assert.True(t, wrote)
	assert.Equal(t, 0, part.UnsavedLen())

	// Reload from the same backing store.
	part2 := Open(cfg)
	require.NoError(t, part2.LoadLatest())
	assert.Equal(t, 2, part2.StatesLen())
	assert.Equal(t, 1, part2.TipsLen())
	tip2, err := part2.Tip()
	require.NoError(t, err)
	assert.Equal(t, key, tip2.StateSum())
	assert.True(t, tip2.IsAvail(e1))
	assert.True(t, tip2.IsAvail(e2))
	checkInvariants(t, part2)
}

func TestCreateFailsWhenSnapshotZeroExists(t *testing.T) {
	cfg := memConfig(1, "exists")
	_, err := Create(cfg)
	require.NoError(t, err)
	_, err = Create(cfg)
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestCommitCreationAndReplay(t *testing.T) {
	cfg := memConfig(1, "replay part")
	hook := cfg.Hook
	p := cfg.PartID
	part, err := Create(cfg)
	require.NoError(t, err)

	insert := func(m *state.MutPartState, num uint32, text string) {
		t.Helper()
		_, err := m.InsertWithID(p.EltID(num), element.String(text))
		require.NoError(t, err)
	}

	s0, err := part.Tip()
	require.NoError(t, err)

	m := s0.CloneMut()
	insert(&m, 1, "one")
	insert(&m, 2, "two")
	sa := state.FromMut(m, hook)

	m = sa.CloneMut()
	insert(&m, 3, "three")
	insert(&m, 4, "four")
	insert(&m, 5, "five")
	sb := state.FromMut(m, hook)

	m = sb.CloneMut()
	insert(&m, 6, "six")
	insert(&m, 7, "seven")
	_, err = m.Remove(p.EltID(4))
	require.NoError(t, err)
	_, err = m.Replace(p.EltID(3), element.String("half six"))
	require.NoError(t, err)
	sc := state.FromMut(m, hook)

	m = sc.CloneMut()
	insert(&m, 8, "eight")
	insert(&m, 4, "half eight")
	sd := state.FromMut(m, hook)

	var queue []commit.Commit
	for _, pair := range [][2]state.PartState{{s0, sa}, {sa, sb}, {sb, sc}, {sc, sd}} {
		c, changed := commit.FromDiff(pair[0], pair[1])
		require.True(t, changed)
		queue = append(queue, c)
	}
	for _, c := range queue {
		_, err := part.PushCommit(c)
		require.NoError(t, err)
	}

	assert.Equal(t, 1, part.TipsLen())
	replayed, err := part.Tip()
	require.NoError(t, err)
	assert.True(t, replayed.Equal(sd))
	assert.Equal(t, sd.StateSum(), replayed.StateSum())
	checkInvariants(t, part)
}

func TestIdempotentReplay(t *testing.T) {
	cfg := memConfig(2, "idempotent")
	part, err := Create(cfg)
	require.NoError(t, err)
	s0, err := part.Tip()
	require.NoError(t, err)

	m := s0.CloneMut()
	_, err = m.InsertWithID(cfg.PartID.EltID(1), element.String("once"))
	require.NoError(t, err)
	s1 := state.FromMut(m, cfg.Hook)
	c, changed := commit.FromDiff(s0, s1)
	require.True(t, changed)

	require.NoError(t, part.AddCommit(c))
	before := part.StatesLen()
	require.NoError(t, part.AddCommit(c))
	assert.Equal(t, before, part.StatesLen())
	assert.Equal(t, 1, part.TipsLen())
}

func TestStateSumCollisionResolution(t *testing.T) {
	cfg := memConfig(3, "collide")
	part, err := Create(cfg)
	require.NoError(t, err)
	s0, err := part.Tip()
	require.NoError(t, err)
	baseline := part.StatesLen()

	// Two edits that are identical except for a non-essential meta
	// flag. The flag word is not hashed into the metadata sum, so the
	// two resulting states collide on statesum while differing.
	m1 := s0.CloneMut()
	_, err = m1.InsertWithID(cfg.PartID.EltID(1), element.String("same"))
	require.NoError(t, err)

	m2 := s0.CloneMut()
	_, err = m2.InsertWithID(cfg.PartID.EltID(1), element.String("same"))
	require.NoError(t, err)
	m2.SetReclassify(true)

	pushed, err := part.PushState(m1)
	require.NoError(t, err)
	assert.True(t, pushed)
	first, err := part.TipKey()
	require.NoError(t, err)

	pushed, err = part.PushState(m2)
	require.NoError(t, err)
	assert.True(t, pushed)

	assert.Equal(t, baseline+2, part.StatesLen())
	assert.Equal(t, 2, part.TipsLen())
	tips := part.Tips()
	assert.NotEqual(t, tips[0], tips[1])
	assert.Contains(t, tips, first)
	checkInvariants(t, part)
}

func TestMergeWithAncestor(t *testing.T) {
	cfg := memConfig(4, "merge part")
	part, err := Create(cfg)
	require.NoError(t, err)
	s0, err := part.Tip()
	require.NoError(t, err)

	ma := s0.CloneMut()
	_, err = ma.InsertWithID(cfg.PartID.EltID(10), element.String("A"))
	require.NoError(t, err)
	pushed, err := part.PushState(ma)
	require.NoError(t, err)
	require.True(t, pushed)

	mb := s0.CloneMut()
	_, err = mb.InsertWithID(cfg.PartID.EltID(20), element.String("B"))
	require.NoError(t, err)
	pushed, err = part.PushState(mb)
	require.NoError(t, err)
	require.True(t, pushed)

	require.True(t, part.MergeRequired())
	require.NoError(t, part.Merge(merge.AncestorSolver{}, false))

	assert.Equal(t, 1, part.TipsLen())
	tip, err := part.Tip()
	require.NoError(t, err)
	assert.Equal(t, 2, tip.EltsLen())
	assert.True(t, tip.IsAvail(cfg.PartID.EltID(10)))
	assert.True(t, tip.IsAvail(cfg.PartID.EltID(20)))
	assert.Len(t, tip.Parents(), 2)
	checkInvariants(t, part)

	// The merge commit round-trips through the log like any other.
	wrote, err := part.WriteFull()
	require.NoError(t, err)
	assert.True(t, wrote)
	part2 := Open(cfg)
	require.NoError(t, part2.LoadAll())
	tip2, err := part2.Tip()
	require.NoError(t, err)
	assert.True(t, tip2.Equal(tip))
}

func TestMergeWithoutCommonAncestorFails(t *testing.T) {
	cfg := memConfig(5, "no ancestor")
	part := Open(cfg)
	require.NoError(t, part.LoadLatest())
	s0, err := part.Tip()
	require.NoError(t, err)

	m := s0.CloneMut()
	_, err = m.InsertWithID(cfg.PartID.EltID(1), element.String("x"))
	require.NoError(t, err)
	_, err = part.PushState(m)
	require.NoError(t, err)

	// Fabricate a second tip with no ancestry links to the first.
	foreign := state.New(cfg.PartID, fixedHook{ts: 999})
	mf := foreign.CloneMut()
	_, err = mf.InsertWithID(cfg.PartID.EltID(2), element.String("y"))
	require.NoError(t, err)
	part.addState(state.FromMut(mf, fixedHook{ts: 999}), 1)
	require.True(t, part.MergeRequired())

	err = part.Merge(merge.AncestorSolver{}, false)
	assert.ErrorIs(t, err, merge.ErrNoCommonAncestor)
}

func TestUnsolvedMergeIsReported(t *testing.T) {
	cfg := memConfig(6, "unsolved")
	part, err := Create(cfg)
	require.NoError(t, err)
	s0, err := part.Tip()
	require.NoError(t, err)

	ma := s0.CloneMut()
	_, err = ma.InsertWithID(cfg.PartID.EltID(1), element.String("left"))
	require.NoError(t, err)
	_, err = part.PushState(ma)
	require.NoError(t, err)

	mb := s0.CloneMut()
	_, err = mb.InsertWithID(cfg.PartID.EltID(1), element.String("right"))
	require.NoError(t, err)
	_, err = part.PushState(mb)
	require.NoError(t, err)

	err = part.Merge(merge.AncestorSolver{}, false)
	assert.ErrorIs(t, err, merge.ErrNotSolved)

	// The renaming fallback keeps both values.
	require.NoError(t, part.Merge(merge.Chain{First: merge.AncestorSolver{}, Second: merge.RenamingSolver{}}, false))
	tip, err := part.Tip()
	require.NoError(t, err)
	assert.Equal(t, 2, tip.EltsLen())
}

func TestLogTruncationLosesOnlyTrailingCommit(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{
		PartID:   ident.FromNum(8),
		RepoName: "truncated",
		IO:       partio.NewFileIO(dir, "trunc"),
		Read:     element.ReadString,
		Hook:     fixedHook{ts: 100},
	}
	part, err := Create(cfg)
	require.NoError(t, err)

	var sums []string
	for i, text := range []string{"first", "second", "third"} {
		tip, err := part.Tip()
		require.NoError(t, err)
		m := tip.CloneMut()
		_, err = m.InsertWithID(cfg.PartID.EltID(uint32(i+1)), element.String(text))
		require.NoError(t, err)
		pushed, err := part.PushState(m)
		require.NoError(t, err)
		require.True(t, pushed)
		key, err := part.TipKey()
		require.NoError(t, err)
		sums = append(sums, key.Hex())
	}
	wrote, err := part.WriteFast()
	require.NoError(t, err)
	require.True(t, wrote)

	logPath := filepath.Join(dir, "trunc-ss0-cl0.piplog")
	info, err := os.Stat(logPath)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(logPath, info.Size()-1))

	part2 := Open(cfg)
	err = part2.LoadLatest()
	require.Error(t, err)

	// The two intact commits were replayed before the damaged third
	// record aborted the file.
	assert.Equal(t, 3, part2.StatesLen())
	tip, terr := part2.Tip()
	require.NoError(t, terr)
	assert.Equal(t, sums[1], tip.StateSum().Hex())
}

func TestSnapshotNumberCollisionRetries(t *testing.T) {
	cfg := memConfig(9, "collide ss")
	part, err := Create(cfg)
	require.NoError(t, err)

	// Occupy snapshot number 1 so WriteSnapshot must skip it.
	w, created, err := cfg.IO.NewSS(1)
	require.NoError(t, err)
	require.True(t, created)
	require.NoError(t, w.Close())

	require.NoError(t, part.WriteSnapshot())
	assert.True(t, cfg.IO.HasSS(2))
	assert.Equal(t, 3, part.ss1)
}

func TestStateFromPrefix(t *testing.T) {
	cfg := memConfig(10, "prefix")
	part, err := Create(cfg)
	require.NoError(t, err)
	key, err := part.TipKey()
	require.NoError(t, err)

	st, err := part.StateFromPrefix(key.Hex()[:12])
	require.NoError(t, err)
	assert.Equal(t, key, st.StateSum())

	_, err = part.StateFromPrefix("")
	var multi *MultiMatchError
	if part.StatesLen() > 1 {
		assert.ErrorAs(t, err, &multi)
	} else {
		require.NoError(t, err)
	}

	_, err = part.StateFromPrefix("ZZZZ")
	assert.ErrorIs(t, err, ErrNoMatch)
}

func TestSnapshotPolicyTriggersWriteFull(t *testing.T) {
	cfg := memConfig(11, "policy")
	part, err := Create(cfg)
	require.NoError(t, err)

	// Push enough single-edit commits that 5*commits + edits > 150.
	for i := uint32(1); i <= 26; i++ {
		tip, err := part.Tip()
		require.NoError(t, err)
		m := tip.CloneMut()
		_, err = m.InsertWithID(cfg.PartID.EltID(i), element.String("payload"))
		require.NoError(t, err)
		_, err = part.PushState(m)
		require.NoError(t, err)
	}

	wrote, err := part.WriteFull()
	require.NoError(t, err)
	assert.True(t, wrote)
	// A fresh snapshot (number 1) was written and the range advanced.
	assert.True(t, cfg.IO.HasSS(1))
	assert.Equal(t, 2, part.ss1)

	// Reloading from the new snapshot alone recovers the tip.
	part2 := Open(cfg)
	require.NoError(t, part2.LoadLatest())
	tip1, err := part.Tip()
	require.NoError(t, err)
	tip2, err := part2.Tip()
	require.NoError(t, err)
	assert.True(t, tip2.Equal(tip1))
}

func TestUnloadRefusesWithUnsavedCommits(t *testing.T) {
	cfg := memConfig(12, "unload")
	part, err := Create(cfg)
	require.NoError(t, err)
	tip, err := part.Tip()
	require.NoError(t, err)
	m := tip.CloneMut()
	_, err = m.InsertWithID(cfg.PartID.EltID(1), element.String("dirty"))
	require.NoError(t, err)
	_, err = part.PushState(m)
	require.NoError(t, err)

	assert.False(t, part.Unload(false))
	assert.True(t, part.IsLoaded())
	assert.True(t, part.Unload(true))
	assert.False(t, part.IsLoaded())
	_, err = part.Tip()
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestLoadRejectsWrongRepoName(t *testing.T) {
	cfg := memConfig(13, "right name")
	_, err := Create(cfg)
	require.NoError(t, err)

	cfg2 := cfg
	cfg2.RepoName = "wrong name"
	part := Open(cfg2)
	err = part.LoadLatest()
	assert.ErrorIs(t, err, ErrRepoNameMismatch)
}

func TestOpenWithoutDataSeedsEmptyState(t *testing.T) {
	cfg := memConfig(14, "empty")
	part := Open(cfg)
	require.NoError(t, part.LoadAll())
	assert.True(t, part.IsReady())
	tip, err := part.Tip()
	require.NoError(t, err)
	assert.Equal(t, 0, tip.EltsLen())
	assert.Empty(t, tip.Parents())
}

func TestPushCommitChecksStateSum(t *testing.T) {
	cfg := memConfig(15, "bad sum")
	part, err := Create(cfg)
	require.NoError(t, err)
	s0, err := part.Tip()
	require.NoError(t, err)

	m := s0.CloneMut()
	_, err = m.InsertWithID(cfg.PartID.EltID(1), element.String("x"))
	require.NoError(t, err)
	s1 := state.FromMut(m, cfg.Hook)
	c, changed := commit.FromDiff(s0, s1)
	require.True(t, changed)

	// Corrupt the declared state sum.
	bad, err := commit.NewExplicit(s0.StateSum(), c.Parents(), c.Changes(), c.Meta())
	require.NoError(t, err)
	_, err = part.PushCommit(bad)
	assert.ErrorIs(t, err, state.ErrPatchApply)

	// A commit against an unknown parent is also rejected.
	orphan, err := commit.NewExplicit(s1.StateSum(), []sum.Sum{s1.StateSum()}, c.Changes(), c.Meta())
	require.NoError(t, err)
	_, err = part.PushCommit(orphan)
	assert.ErrorIs(t, err, state.ErrNoParent)
}
