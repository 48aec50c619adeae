package partition

// SnapshotPolicy decides when the engine should write a fresh
// snapshot instead of letting commit logs grow unboundedly. Count is
// called for every commit inserted into the partition's state DAG.
type SnapshotPolicy interface {
	// Reset clears internal counters; called after a snapshot is
	// written or an up-to-date one is loaded.
	Reset()
	// ForceSnapshot makes WantSnapshot return true until Reset.
	ForceSnapshot()
	// Count records commits commits carrying edits element changes.
	Count(commits, edits int)
	// WantSnapshot reports whether a snapshot should be written.
	WantSnapshot() bool
}

const (
	snapshotThreshold = 150
	forcedCounter     = 1000
)

// DefaultPolicy snapshots once 5*commits + edits exceeds 150.
type DefaultPolicy struct {
	counter int
}

// Reset implements SnapshotPolicy.
func (p *DefaultPolicy) Reset() { p.counter = 0 }

// ForceSnapshot implements SnapshotPolicy.
func (p *DefaultPolicy) ForceSnapshot() { p.counter = forcedCounter }

// Count implements SnapshotPolicy.
func (p *DefaultPolicy) Count(commits, edits int) { p.counter += commits*5 + edits }

// WantSnapshot implements SnapshotPolicy.
func (p *DefaultPolicy) WantSnapshot() bool { return p.counter > snapshotThreshold }
