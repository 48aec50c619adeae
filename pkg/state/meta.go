package state

import (
	"math"
	"time"

	"github.com/cuemby/pippin/pkg/sum"
)

// MetaFlags is the 16-bit extension-flag word carried in commit
// metadata. Bit 1 (0b10) is the "reclassify requested" flag; even
// bits are essential (an unknown essential bit set on load is a
// fatal error), odd bits are non-essential and silently ignored when
// unrecognised.
type MetaFlags uint16

const (
	flagReclassifyBit  MetaFlags = 0b10
	flagReclassifyMask MetaFlags = 0b11
	flagEssential      MetaFlags = 0b0101010101010101
	flagUnknown        MetaFlags = 0b1111111111111100
)

// ZeroFlags returns a MetaFlags value with no bits set.
func ZeroFlags() MetaFlags { return 0 }

// FlagsFromRaw builds a MetaFlags from a raw u16, as read from the
// wire format.
func FlagsFromRaw(raw uint16) MetaFlags { return MetaFlags(raw) }

// Raw returns the flag word as written to the wire format.
func (f MetaFlags) Raw() uint16 { return uint16(f) }

// Reclassify reports whether the "reclassify requested" bit is set.
func (f MetaFlags) Reclassify() bool {
	return f&flagReclassifyBit != 0
}

// WithReclassify returns f with the reclassify bit set or cleared.
func (f MetaFlags) WithReclassify(want bool) MetaFlags {
	if want {
		return f | flagReclassifyBit
	}
	return f &^ flagReclassifyMask
}

// UnknownEssential reports whether any bit outside the flags this
// implementation understands is set *and* marked essential. Such a
// flag must fail the load.
func (f MetaFlags) UnknownEssential() bool {
	mask := flagEssential & flagUnknown
	return f&mask != 0
}

// UnknownNonEssential reports whether any unrecognised odd
// (non-essential) bit is set. Such flags are tolerated on load but
// should be logged rather than silently dropped.
func (f MetaFlags) UnknownNonEssential() bool {
	mask := flagUnknown &^ flagEssential
	return f&mask != 0
}

// Or combines two flag words, used when computing a merge commit's
// flags as the union of its parents' flags.
func (f MetaFlags) Or(other MetaFlags) MetaFlags { return f | other }

// ExtraMeta is a commit's optional user metadata: either absent or a
// UTF-8 string.
type ExtraMeta struct {
	text    string
	present bool
}

// NoExtra returns the "no user metadata" value.
func NoExtra() ExtraMeta { return ExtraMeta{} }

// ExtraText returns a UTF-8 user-metadata value.
func ExtraText(text string) ExtraMeta { return ExtraMeta{text: text, present: true} }

// IsText reports whether this value carries text.
func (e ExtraMeta) IsText() bool { return e.present }

// Text returns the text and true, or "" and false if absent.
func (e ExtraMeta) Text() (string, bool) { return e.text, e.present }

// bytesForSum returns the bytes state_meta_sum must hash: the UTF-8
// text if present, nothing otherwise.
func (e ExtraMeta) bytesForSum() string {
	if !e.present {
		return ""
	}
	return e.text
}

// CommitMeta is the metadata attached to every commit and every
// state: a monotone commit number, a creation timestamp, extension
// flags, and optional user metadata.
type CommitMeta struct {
	Number   uint32
	TS       int64
	ExtFlags MetaFlags
	Extra    ExtraMeta
}

// NextNumber returns Number+1, saturating at math.MaxUint32.
func (m CommitMeta) NextNumber() uint32 {
	if m.Number < math.MaxUint32 {
		return m.Number + 1
	}
	return math.MaxUint32
}

// ParentInfo pairs a parent state's sum with its metadata, the input
// MetaHook implementations use to derive a child commit's metadata.
type ParentInfo struct {
	Sum  sum.Sum
	Meta CommitMeta
}

// MetaHook customises commit metadata creation. The zero value
// behaves as the default hook: wall-clock timestamps, no user
// metadata.
type MetaHook interface {
	Timestamp() int64
	Extra(number uint32, parents []ParentInfo) ExtraMeta
}

// DefaultMetaHook is the default MetaHook: wall-clock timestamp, no
// user metadata.
type DefaultMetaHook struct{}

// Timestamp returns the current wall-clock time in Unix seconds.
func (DefaultMetaHook) Timestamp() int64 { return time.Now().Unix() }

// Extra returns NoExtra().
func (DefaultMetaHook) Extra(uint32, []ParentInfo) ExtraMeta { return NoExtra() }

// NewMetaFromParents builds commit metadata for a state (or a merge
// commit) with the given parents: the commit number is one more than
// the highest parent number (0 if there are no parents), extension
// flags are the union of all parents' flags. Exported for the merge
// engine, which must construct metadata from two parents at once
// rather than the single-parent path FromMut takes.
func NewMetaFromParents(parents []ParentInfo, hook MetaHook) CommitMeta {
	return newMetaFromParents(parents, hook)
}

func newMetaFromParents(parents []ParentInfo, hook MetaHook) CommitMeta {
	var number uint32
	var flags MetaFlags
	for _, p := range parents {
		if n := p.Meta.NextNumber(); n > number {
			number = n
		}
		flags = flags.Or(p.Meta.ExtFlags)
	}
	return CommitMeta{
		Number:   number,
		TS:       hook.Timestamp(),
		ExtFlags: flags,
		Extra:    hook.Extra(number, parents),
	}
}

// metaSum computes the metadata checksum for a state with the given
// partition id, parent sums, and metadata.
func metaSum(partID uint64, parents []sum.Sum, meta CommitMeta) sum.Sum {
	return sum.StateMetaSum(partID, meta.Number, meta.TS, parents, meta.Extra.bytesForSum())
}
