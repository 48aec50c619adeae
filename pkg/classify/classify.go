// Package classify declares the interfaces the partition engine's
// external collaborators must satisfy. Neither is implemented here:
// the repository layer that multiplexes partitions, the element
// classifier, and automatic repartitioning are deliberately out of
// scope for this module.
package classify

import (
	"github.com/cuemby/pippin/pkg/ident"
)

// Classifier decides which partition a new element belongs to and
// whether a partition has grown enough to warrant splitting.
type Classifier interface {
	// Classify returns the partition a new element (given as its
	// serialized form) should be inserted into.
	Classify(payload []byte) (ident.PartID, error)
	// ShouldDivide reports whether part has grown past whatever
	// threshold this classifier enforces.
	ShouldDivide(part ident.PartID) bool
	// Divide splits part, returning the newly created partition ids
	// and the set of element ids that moved out of part as a result.
	Divide(part ident.PartID) (newParts []ident.PartID, touched []ident.EltID, err error)
}

// RepoControl is the repository-layer handle the core consumes to
// look up or create the control state for one partition; it does not
// itself manage partition creation or persistence.
type RepoControl interface {
	// MakePartControl returns (creating if necessary) the control
	// handle for partID.
	MakePartControl(partID ident.PartID) (PartControl, error)
}

// PartControl is a partition-scoped handle a RepoControl hands back;
// its shape is determined entirely by the repository layer and is
// opaque to the core.
type PartControl interface {
	PartID() ident.PartID
}
