// Package partition implements the per-partition engine: the DAG of
// known states keyed by state sum, tip and ancestor tracking, the
// queue of unsaved commits, load/save orchestration over the partio
// boundary, the snapshot policy, and merge driving.
package partition

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/cuemby/pippin/pkg/codec"
	"github.com/cuemby/pippin/pkg/commit"
	"github.com/cuemby/pippin/pkg/element"
	"github.com/cuemby/pippin/pkg/ident"
	"github.com/cuemby/pippin/pkg/log"
	"github.com/cuemby/pippin/pkg/merge"
	"github.com/cuemby/pippin/pkg/metrics"
	"github.com/cuemby/pippin/pkg/partio"
	"github.com/cuemby/pippin/pkg/state"
	"github.com/cuemby/pippin/pkg/sum"
)

// maxFileNumber bounds retries when a snapshot or log number is
// already taken.
const maxFileNumber = 1000000

// Config assembles a partition's collaborators. IO and Read are
// required; Hook and Policy fall back to defaults when nil.
type Config struct {
	PartID   ident.PartID
	RepoName string
	IO       partio.IO
	Read     element.Reader
	Hook     state.MetaHook
	Policy   SnapshotPolicy
}

func (c Config) withDefaults() Config {
	if c.Hook == nil {
		c.Hook = state.DefaultMetaHook{}
	}
	if c.Policy == nil {
		c.Policy = &DefaultPolicy{}
	}
	return c
}

// Partition holds one partition's history: every loaded state indexed
// by its sum, the tip and ancestor sets, and the queue of commits not
// yet written to a log.
//
// A partition is in one of three conditions: unloaded (no tips),
// merge required (multiple tips), or ready (exactly one tip).
type Partition struct {
	io       partio.IO
	read     element.Reader
	hook     state.MetaHook
	policy   SnapshotPolicy
	repoName string
	partID   ident.PartID
	// Snapshot range loaded: ss0 is the first snapshot number, ss1
	// one past the latest. ss0 == ss1 == 0 before any load.
	ss0, ss1  int
	states    map[sum.Sum]state.PartState
	ancestors map[sum.Sum]struct{}
	tips      map[sum.Sum]struct{}
	unsaved   []commit.Commit
	logger    zerolog.Logger
}

func newPartition(cfg Config) *Partition {
	cfg = cfg.withDefaults()
	return &Partition{
		io:        cfg.IO,
		read:      cfg.Read,
		hook:      cfg.Hook,
		policy:    cfg.Policy,
		repoName:  cfg.RepoName,
		partID:    cfg.PartID,
		states:    make(map[sum.Sum]state.PartState),
		ancestors: make(map[sum.Sum]struct{}),
		tips:      make(map[sum.Sum]struct{}),
		logger:    log.WithComponent("partition"),
	}
}

// Create makes a new partition: it writes snapshot 0 holding an empty
// initial state and leaves the partition ready for use. It fails with
// ErrAlreadyExists if snapshot 0 is already present.
func Create(cfg Config) (*Partition, error) {
	if err := codec.ValidateRepoName(cfg.RepoName); err != nil {
		return nil, err
	}
	p := newPartition(cfg)
	p.logger.Info().Str("partition", p.partID.String()).Msg("creating partition, writing snapshot 0")

	st := state.New(p.partID, p.hook)
	w, created, err := p.io.NewSS(0)
	if err != nil {
		return nil, err
	}
	if !created {
		return nil, ErrAlreadyExists
	}
	werr := codec.WriteSnapshot(w, p.makeHeader(codec.KindSnapshot), st)
	if cerr := w.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		return nil, werr
	}

	p.tips[st.StateSum()] = struct{}{}
	p.states[st.StateSum()] = st
	p.ss0, p.ss1 = 0, 1
	p.updateGauges()
	return p, nil
}

// Open assembles a partition without reading anything. The partition
// is not ready for use until one of the load operations is called.
// RepoName may be left empty; it is then adopted from the first file
// header read and verified against every subsequent one.
func Open(cfg Config) *Partition {
	return newPartition(cfg)
}

// PartID returns the partition's identifier.
func (p *Partition) PartID() ident.PartID { return p.partID }

// RepoName returns the repository name, which may be empty until a
// file has been loaded.
func (p *Partition) RepoName() string { return p.repoName }

// IsLoaded reports whether any state is loaded (at least one tip).
func (p *Partition) IsLoaded() bool { return len(p.tips) > 0 }

// IsReady reports whether exactly one tip exists.
func (p *Partition) IsReady() bool { return len(p.tips) == 1 }

// MergeRequired reports whether more than one tip exists.
func (p *Partition) MergeRequired() bool { return len(p.tips) > 1 }

// OldestSSLoaded returns the oldest loaded snapshot number.
func (p *Partition) OldestSSLoaded() int { return p.ss0 }

// LoadAll loads all available history.
func (p *Partition) LoadAll() error { return p.LoadRange(0, math.MaxInt) }

// LoadLatest loads the latest snapshot and its logs.
func (p *Partition) LoadLatest() error { return p.LoadRange(math.MaxInt, math.MaxInt) }

// LoadRange loads snapshots ss for ss0 <= ss < ss1 together with all
// their commit logs, replaying commits into the state DAG. Arguments
// beyond the available snapshot numbers are clamped; if a range is
// already loaded the requested range is widened so no gap forms.
// Missing snapshot files are walked past; if snapshot 0 is missing
// the initial empty state is assumed.
func (p *Partition) LoadRange(ss0, ss1 int) error {
	ssLen := p.io.SSLen()
	if ssLen > 0 && ss0 > ssLen-1 {
		ss0 = ssLen - 1
	} else if ss0 > ssLen {
		ss0 = ssLen
	}
	if ss1 > ssLen {
		ss1 = ssLen
	}
	// Widen so the new range touches the already-loaded one.
	if p.ss1 > p.ss0 {
		if ss0 > p.ss1 {
			ss0 = p.ss1
		}
		if ss1 < p.ss0 {
			ss1 = p.ss0
		}
	}
	for ss0 > 0 && !p.io.HasSS(ss0) {
		ss0--
	}
	p.logger.Debug().Str("partition", p.partID.String()).
		Int("ss0", ss0).Int("ss1", ss1).Msg("loading snapshot range")

	if ss0 == 0 && !p.io.HasSS(0) && len(p.states) == 0 {
		// No initial snapshot; assume a blank state.
		st := state.New(p.partID, p.hook)
		p.tips[st.StateSum()] = struct{}{}
		p.states[st.StateSum()] = st
	}

	requireSS := false
	for ss := ss0; ss < ss1; ss++ {
		if p.ss0 <= ss && ss < p.ss1 {
			continue
		}
		atTip := ss >= p.ss1

		if err := p.loadSnapshot(ss, atTip, &requireSS); err != nil {
			return err
		}

		var queue []commit.Commit
		var logErr error
		for cl := 0; cl < p.io.SSCLLen(ss); cl++ {
			cs, err := p.loadLog(ss, cl)
			queue = append(queue, cs...)
			if err != nil {
				// A damaged record is fatal for this file, but the
				// complete records before it are still replayed.
				logErr = err
				break
			}
		}
		for _, c := range queue {
			if err := p.AddCommit(c); err != nil {
				return err
			}
		}
		if atTip {
			p.ss1 = ss + 1
		}
		if logErr != nil {
			p.updateGauges()
			return logErr
		}
	}

	if ss0 < p.ss0 {
		p.ss0 = ss0
	}
	if requireSS {
		p.policy.ForceSnapshot()
	}
	p.updateGauges()
	return nil
}

func (p *Partition) loadSnapshot(ss int, atTip bool, requireSS *bool) error {
	r, found, err := p.io.ReadSS(ss)
	if err != nil {
		return err
	}
	if !found {
		// Missing snapshot; if at the head, require a new one.
		*requireSS = atTip
		return nil
	}
	defer r.Close()
	header, st, err := codec.ReadSnapshot(r, p.read)
	if err != nil {
		return p.noteReadError(err)
	}
	if err := p.checkHeader(header); err != nil {
		return err
	}
	if _, isAncestor := p.ancestors[st.StateSum()]; !isAncestor {
		p.tips[st.StateSum()] = struct{}{}
	}
	for _, parent := range st.Parents() {
		delete(p.tips, parent)
		if _, known := p.states[parent]; !known {
			p.ancestors[parent] = struct{}{}
		}
	}
	p.states[st.StateSum()] = st
	*requireSS = false
	if atTip {
		p.policy.Reset()
	}
	return nil
}

func (p *Partition) loadLog(ss, cl int) ([]commit.Commit, error) {
	r, found, err := p.io.ReadSSCL(ss, cl)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	defer r.Close()
	header, err := codec.ReadLogHeader(r)
	if err != nil {
		return nil, p.noteReadError(err)
	}
	if err := p.checkHeader(header); err != nil {
		return nil, err
	}
	var out []commit.Commit
	for {
		c, err := codec.ReadCommit(r, p.read)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, p.noteReadError(err)
		}
		out = append(out, c)
	}
}

// noteReadError counts checksum failures before propagating.
func (p *Partition) noteReadError(err error) error {
	var re *codec.ReadError
	if errors.As(err, &re) && strings.Contains(re.Msg, "checksum invalid") {
		metrics.ChecksumFailures.Inc()
	}
	return err
}

// checkHeader verifies a loaded file's header against the values seen
// so far, adopting the repository name on first sight.
func (p *Partition) checkHeader(h codec.FileHeader) error {
	if p.repoName != "" && p.repoName != h.RepoName {
		return fmt.Errorf("%w (%q != %q)", ErrRepoNameMismatch, h.RepoName, p.repoName)
	}
	if p.partID != h.PartID {
		return ErrPartIDMismatch
	}
	if p.repoName == "" {
		p.repoName = h.RepoName
	}
	return nil
}

func (p *Partition) makeHeader(kind codec.Kind) codec.FileHeader {
	return codec.FileHeader{
		Kind:     kind,
		RepoName: p.repoName,
		PartID:   p.partID,
	}
}

// Unload drops all in-memory state. Unless force is set the
// operation refuses (returning false) while unsaved commits exist.
func (p *Partition) Unload(force bool) bool {
	if !force && len(p.unsaved) > 0 {
		return false
	}
	p.states = make(map[sum.Sum]state.PartState)
	p.ancestors = make(map[sum.Sum]struct{})
	p.tips = make(map[sum.Sum]struct{})
	if force {
		p.unsaved = nil
	}
	p.updateGauges()
	return true
}

// TipKey returns the state sum of the single tip. It fails with
// ErrNotReady before loading and ErrMergeRequired when several tips
// exist.
func (p *Partition) TipKey() (sum.Sum, error) {
	if len(p.tips) == 1 {
		for k := range p.tips {
			return k, nil
		}
	}
	if len(p.tips) == 0 {
		return sum.Sum{}, ErrNotReady
	}
	return sum.Sum{}, ErrMergeRequired
}

// Tip returns the current tip state. Fails when TipKey fails.
func (p *Partition) Tip() (state.PartState, error) {
	k, err := p.TipKey()
	if err != nil {
		return state.PartState{}, err
	}
	return p.states[k], nil
}

// Tips returns the sums of all tip states, sorted lexicographically
// by their bytes so callers see a deterministic order.
func (p *Partition) Tips() []sum.Sum {
	out := make([]sum.Sum, 0, len(p.tips))
	for k := range p.tips {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Bytes(), out[j].Bytes()) < 0
	})
	return out
}

// TipsLen returns the number of tips.
func (p *Partition) TipsLen() int { return len(p.tips) }

// StatesLen returns the number of loaded states.
func (p *Partition) StatesLen() int { return len(p.states) }

// State returns the state with the given sum, if loaded.
func (p *Partition) State(key sum.Sum) (state.PartState, bool) {
	st, ok := p.states[key]
	return st, ok
}

// IsTip reports whether the given sum is a tip.
func (p *Partition) IsTip(key sum.Sum) bool {
	_, ok := p.tips[key]
	return ok
}

// StatesIter calls visit for every loaded state, in unspecified
// order, until visit returns false.
func (p *Partition) StatesIter(visit func(state.PartState) bool) {
	for _, st := range p.states {
		if !visit(st) {
			return
		}
	}
}

// StateFromPrefix resolves an abbreviated hex state sum, like an
// abbreviated git hash. It fails with ErrNoMatch when nothing
// matches and *MultiMatchError when the prefix is ambiguous.
func (p *Partition) StateFromPrefix(prefix string) (state.PartState, error) {
	prefix = strings.ToUpper(strings.ReplaceAll(prefix, " ", ""))
	var found *sum.Sum
	for k := range p.states {
		if k.MatchesPrefix(prefix) {
			if found != nil {
				return state.PartState{}, &MultiMatchError{A: found.Hex(), B: k.Hex()}
			}
			k := k
			found = &k
		}
	}
	if found == nil {
		return state.PartState{}, ErrNoMatch
	}
	return p.states[*found], nil
}

// UnsavedLen returns the number of commits awaiting WriteFast.
func (p *Partition) UnsavedLen() int { return len(p.unsaved) }

// RequireSnapshot forces the next WriteFull to write a snapshot.
func (p *Partition) RequireSnapshot() { p.policy.ForceSnapshot() }

// PushState finalizes an edited state against its parent, derives the
// diff commit, and inserts both. It returns false without inserting
// when the state does not differ from its parent or duplicates a
// known state. Fails with state.ErrNoParent when the edit's parent is
// not loaded.
func (p *Partition) PushState(m state.MutPartState) (bool, error) {
	parentSum := m.Parent()
	newState := state.FromMut(m, p.hook)
	parent, ok := p.states[parentSum]
	if !ok {
		return false, state.ErrNoParent
	}
	c, changed := commit.FromDiff(parent, newState)
	if !changed {
		return false, nil
	}
	return p.addPair(c, newState), nil
}

// PushCommit rebuilds the state the commit describes from its stored
// parent and inserts the pair. Fails with state.ErrNoParent when the
// parent is not loaded and state.ErrPatchApply when the rebuilt
// state's sum does not match the commit's.
func (p *Partition) PushCommit(c commit.Commit) (bool, error) {
	parent, ok := p.states[c.FirstParent()]
	if !ok {
		return false, state.ErrNoParent
	}
	st, err := stateFromCommit(parent, c)
	if err != nil {
		return false, err
	}
	return p.addPair(c, st), nil
}

// AddCommit replays a commit that is already persisted: the derived
// state is inserted without queueing the commit for writing. Feeding
// the same commit twice is a no-op.
func (p *Partition) AddCommit(c commit.Commit) error {
	if _, known := p.states[c.StateSum()]; known {
		return nil
	}
	parent, ok := p.states[c.FirstParent()]
	if !ok {
		return state.ErrNoParent
	}
	st, err := stateFromCommit(parent, c)
	if err != nil {
		return err
	}
	p.addState(st, c.NumChanges())
	return nil
}

// stateFromCommit applies c to a mutable clone of parent and
// reassembles the resulting PartState with the commit's own parents
// and metadata, verifying the state sum.
func stateFromCommit(parent state.PartState, c commit.Commit) (state.PartState, error) {
	m := parent.CloneMut()
	if err := c.ApplyMut(&m); err != nil {
		return state.PartState{}, err
	}
	st := state.NewExplicit(parent.PartID(), c.Parents(), m.Elts(), m.Moved(), c.Meta(), m.EltSum())
	if !st.StateSum().Equal(c.StateSum()) {
		return state.PartState{}, state.ErrPatchApply
	}
	return st, nil
}

// addPair inserts a commit/state pair and queues the commit for
// writing. If the state sum collides with a stored but different
// state, both the state and the commit have their metadata mutated
// until the sum is fresh. Returns false (dropping the commit) when
// the state duplicates a stored one.
func (p *Partition) addPair(c commit.Commit, st state.PartState) bool {
	for {
		old, exists := p.states[st.StateSum()]
		if !exists {
			break
		}
		if st.Equal(old) {
			p.logger.Debug().Str("state", st.StateSum().Hex()).
				Msg("commit drops: state already known")
			return false
		}
		number, newSum, err := st.MutateMeta()
		if err != nil {
			p.logger.Error().Err(err).Msg("cannot disambiguate state-sum collision")
			return false
		}
		c.MutateMeta(number, newSum)
		p.logger.Debug().Str("state", newSum.Hex()).Msg("mutated commit meta to avoid collision")
	}
	p.addState(st, c.NumChanges())
	p.unsaved = append(p.unsaved, c)
	p.updateGauges()
	return true
}

// addState inserts a state into the DAG, maintaining tips and
// ancestors: parents stop being tips, unknown parents are recorded as
// ancestors, and the new state becomes a tip unless it is itself a
// known ancestor.
func (p *Partition) addState(st state.PartState, nEdits int) {
	if _, known := p.states[st.StateSum()]; known {
		return
	}
	for _, parent := range st.Parents() {
		delete(p.tips, parent)
		if _, ok := p.states[parent]; !ok {
			p.ancestors[parent] = struct{}{}
		}
	}
	if _, isAncestor := p.ancestors[st.StateSum()]; !isAncestor {
		p.policy.Count(1, nEdits)
		p.tips[st.StateSum()] = struct{}{}
	}
	p.states[st.StateSum()] = st
	metrics.CommitsApplied.Inc()
	p.updateGauges()
}

// WriteFast writes all unsaved commits to a new commit log. Returns
// true if any commits were written. On failure the commits not yet
// written stay queued for retry.
func (p *Partition) WriteFast() (bool, error) {
	if len(p.unsaved) == 0 {
		return false, nil
	}
	p.logger.Debug().Str("partition", p.partID.String()).
		Int("commits", len(p.unsaved)).Msg("writing commits to log")
	header := p.makeHeader(codec.KindCommitLog)

	cl := p.io.SSCLLen(p.ss1 - 1)
	for {
		w, created, err := p.io.NewSSCL(p.ss1-1, cl)
		if err != nil {
			return false, err
		}
		if !created {
			if cl > maxFileNumber {
				return false, fmt.Errorf("%w: commit log %d", ErrNumberExhausted, cl)
			}
			cl++
			continue
		}
		if err := codec.WriteLogHeader(w, header); err != nil {
			w.Close()
			return false, err
		}
		for len(p.unsaved) > 0 {
			if err := codec.WriteCommit(w, p.unsaved[0]); err != nil {
				w.Close()
				p.updateGauges()
				return true, err
			}
			p.unsaved = p.unsaved[1:]
			metrics.CommitsWritten.Inc()
		}
		err = w.Close()
		p.updateGauges()
		return true, err
	}
}

// WriteFull writes unsaved commits like WriteFast, then writes a
// snapshot if the partition is ready and the snapshot policy wants
// one. The return value mirrors WriteFast's.
func (p *Partition) WriteFull() (bool, error) {
	hasChanges, err := p.WriteFast()
	if err != nil {
		return hasChanges, err
	}
	if p.IsReady() && p.policy.WantSnapshot() {
		if err := p.WriteSnapshot(); err != nil {
			return hasChanges, err
		}
	}
	return hasChanges, nil
}

// WriteSnapshot writes the tip state to a new snapshot file and
// resets the snapshot policy. Fails when the partition is not ready.
func (p *Partition) WriteSnapshot() error {
	tipKey, err := p.TipKey()
	if err != nil {
		return err
	}
	header := p.makeHeader(codec.KindSnapshot)
	timer := metrics.NewTimer()

	ssNum := p.ss1
	for {
		w, created, err := p.io.NewSS(ssNum)
		if err != nil {
			return err
		}
		if !created {
			if ssNum > maxFileNumber {
				return fmt.Errorf("%w: snapshot %d", ErrNumberExhausted, ssNum)
			}
			ssNum++
			continue
		}
		p.logger.Info().Str("partition", p.partID.String()).
			Int("ss", ssNum).Str("state", tipKey.Hex()).Msg("writing snapshot")
		werr := codec.WriteSnapshot(w, header, p.states[tipKey])
		if cerr := w.Close(); werr == nil {
			werr = cerr
		}
		if werr != nil {
			return werr
		}
		p.ss1 = ssNum + 1
		p.policy.Reset()
		metrics.SnapshotWrites.Inc()
		timer.ObserveDuration(metrics.SnapshotWriteDuration)
		return nil
	}
}

// Merge repeatedly merges pairs of tips until one remains. Tips are
// taken in sorted order so the outcome is deterministic. If no common
// ancestor is loaded for a pair and autoLoad is set, older history is
// loaded and the merge retried; otherwise merge.ErrNoCommonAncestor
// is returned. merge.ErrNotSolved is returned when solver leaves a
// conflict unresolved.
func (p *Partition) Merge(solver merge.Solver, autoLoad bool) error {
	startSS := p.ss0
	for len(p.tips) > 1 {
		if startSS < p.ss0 {
			if err := p.LoadRange(startSS, p.ss0); err != nil {
				return err
			}
		}
		tips := p.Tips()
		t1, t2 := tips[0], tips[1]
		p.logger.Debug().Str("tip1", t1.Hex()).Str("tip2", t2.Hex()).
			Msg("attempting merge of tips")
		m, err := p.MergeTwo(t1, t2)
		if errors.Is(err, merge.ErrNoCommonAncestor) && autoLoad && p.ss0 > 0 {
			startSS = p.ss0 - 1
			continue
		}
		if err != nil {
			return err
		}
		m.Solve(solver)
		c, err := m.MakeCommit(p.hook)
		if err != nil {
			return err
		}
		p.logger.Debug().Str("state", c.StateSum().Hex()).
			Int("changes", c.NumChanges()).Msg("pushing merge commit")
		if _, err := p.PushCommit(c); err != nil {
			return err
		}
		metrics.MergesTotal.Inc()
	}
	return nil
}

// MergeTwo builds a TwoWayMerge for two loaded states (normally
// tips). Fails with merge.ErrNoCommonAncestor when no loaded common
// ancestor exists and merge.ErrNoState when a required state is not
// loaded.
func (p *Partition) MergeTwo(t1, t2 sum.Sum) (*merge.TwoWayMerge, error) {
	common, err := p.latestCommonAncestor(t1, t2)
	if err != nil {
		return nil, err
	}
	s1, ok1 := p.states[t1]
	s2, ok2 := p.states[t2]
	s3, ok3 := p.states[common]
	if !ok1 || !ok2 || !ok3 {
		return nil, merge.ErrNoState
	}
	return merge.NewTwoWay(s1, s2, s3), nil
}

// latestCommonAncestor finds a state reachable from both k1 and k2 by
// walking parents breadth-first: first the full ancestry of k1 is
// collected, then k2's ancestry is walked until it hits it.
func (p *Partition) latestCommonAncestor(k1, k2 sum.Sum) (sum.Sum, error) {
	a1 := make(map[sum.Sum]struct{})
	next := []sum.Sum{k1}
	for len(next) > 0 {
		k := next[0]
		next = next[1:]
		if _, seen := a1[k]; seen {
			continue
		}
		a1[k] = struct{}{}
		if st, ok := p.states[k]; ok {
			next = append(next, st.Parents()...)
		}
	}

	// Track k2's visited set only to survive cycles.
	a2 := make(map[sum.Sum]struct{})
	next = []sum.Sum{k2}
	for len(next) > 0 {
		k := next[0]
		next = next[1:]
		if _, seen := a2[k]; seen {
			continue
		}
		a2[k] = struct{}{}
		if _, hit := a1[k]; hit {
			return k, nil
		}
		if st, ok := p.states[k]; ok {
			next = append(next, st.Parents()...)
		}
	}
	return sum.Sum{}, merge.ErrNoCommonAncestor
}

func (p *Partition) updateGauges() {
	id := p.partID.String()
	metrics.Tips.WithLabelValues(id).Set(float64(len(p.tips)))
	metrics.StatesLoaded.WithLabelValues(id).Set(float64(len(p.states)))
	metrics.UnsavedCommits.WithLabelValues(id).Set(float64(len(p.unsaved)))
}
