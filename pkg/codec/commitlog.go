package codec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"

	"github.com/cuemby/pippin/pkg/commit"
	"github.com/cuemby/pippin/pkg/element"
	"github.com/cuemby/pippin/pkg/ident"
	"github.com/cuemby/pippin/pkg/sum"
)

const commitLogMarker = "COMMIT LOG\x00\x00\x00\x00\x00\x00"

// changeCodes maps each EltChange kind to its 4-byte wire code.
var changeCodes = map[commit.ChangeKind]string{
	commit.Deletion:    "DEL\x00",
	commit.Insertion:   "INS\x00",
	commit.Replacement: "REPL",
	commit.MoveOut:     "MOVO",
	commit.Moved:       "MOV\x00",
}

var changeKinds = map[string]commit.ChangeKind{
	"DEL\x00": commit.Deletion,
	"INS\x00": commit.Insertion,
	"REPL":    commit.Replacement,
	"MOVO":    commit.MoveOut,
	"MOV\x00": commit.Moved,
}

// WriteLogHeader writes a commit-log file's header and its fixed
// "COMMIT LOG" marker. Commits are then appended individually with
// WriteCommit.
func WriteLogHeader(w io.Writer, header FileHeader) error {
	if err := WriteHeader(w, header); err != nil {
		return err
	}
	_, err := w.Write([]byte(commitLogMarker))
	return err
}

// ReadLogHeader reads a commit-log file's header and marker, leaving
// r positioned at the first commit record (if any).
func ReadLogHeader(r io.Reader) (FileHeader, error) {
	header, err := ReadHeader(r, KindCommitLog)
	if err != nil {
		return FileHeader{}, err
	}
	marker := make([]byte, 16)
	if _, err := io.ReadFull(r, marker); err != nil {
		return FileHeader{}, err
	}
	if string(marker) != commitLogMarker {
		return FileHeader{}, readErrf("missing COMMIT LOG marker")
	}
	return header, nil
}

// WriteCommit appends one commit record to an open commit-log stream.
func WriteCommit(w io.Writer, c commit.Commit) error {
	hasher := sum.NewHasher()
	mw := io.MultiWriter(w, hasher)

	parents := c.Parents()
	if len(parents) == 1 {
		if _, err := mw.Write([]byte("COMMIT\x00U")); err != nil {
			return err
		}
	} else {
		if len(parents) < 2 || len(parents) > 0xff {
			return &ArgError{Msg: "merge commit must have between 2 and 255 parents"}
		}
		if _, err := mw.Write([]byte{'M', 'E', 'R', 'G', 'E', byte(len(parents)), 0, 'U'}); err != nil {
			return err
		}
	}

	if err := writeMeta(mw, c.Meta()); err != nil {
		return err
	}
	for _, p := range parents {
		if _, err := p.WriteTo(mw); err != nil {
			return err
		}
	}

	changes := c.Changes()
	ids := make([]ident.EltID, 0, len(changes))
	for id := range changes {
		ids = append(ids, id)
	}
	sortEltIDs(ids)

	if err := writeUint64Marker(mw, "ELEMENTS", uint64(len(ids))); err != nil {
		return err
	}
	for _, id := range ids {
		ch := changes[id]
		code, ok := changeCodes[ch.Kind]
		if !ok {
			return errors.New("codec: unknown change kind")
		}
		block := make([]byte, 16)
		copy(block[:4], "ELT ")
		copy(block[4:8], code)
		binary.BigEndian.PutUint64(block[8:], id.Uint64())
		if _, err := mw.Write(block); err != nil {
			return err
		}
		switch ch.Kind {
		case commit.Insertion, commit.Replacement:
			if err := writeEltData(mw, id, ch.Elt); err != nil {
				return err
			}
		case commit.MoveOut, commit.Moved:
			newBlock := make([]byte, 16)
			copy(newBlock[:8], "NEW ELT\x00")
			binary.BigEndian.PutUint64(newBlock[8:], ch.NewID.Uint64())
			if _, err := mw.Write(newBlock); err != nil {
				return err
			}
		}
	}

	if _, err := c.StateSum().WriteTo(mw); err != nil {
		return err
	}

	checksum := hasher.Sum()
	_, err := w.Write(checksum.Bytes())
	return err
}

// ReadCommit reads one commit record. io.EOF at a record boundary
// means there are no more commits; input that ends inside a record is
// reported as io.ErrUnexpectedEOF, and any other error is returned
// as-is (the caller should treat a non-nil, non-io.EOF error as
// truncation of the final record).
func ReadCommit(r io.Reader, read element.Reader) (c commit.Commit, err error) {
	marker := make([]byte, 1)
	if _, err := io.ReadFull(r, marker); err != nil {
		return commit.Commit{}, err
	}
	// Past the first byte, running out of input means a truncated record.
	defer func() {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
	}()

	hasher := sum.NewHasher()
	hasher.Write(marker)
	tr := io.TeeReader(r, hasher)

	var numParents int
	switch marker[0] {
	case 'C':
		rest := make([]byte, 7)
		if _, err := io.ReadFull(tr, rest); err != nil {
			return commit.Commit{}, err
		}
		if string(rest[:5]) != "OMMIT" || rest[5] != 0 || rest[6] != 'U' {
			return commit.Commit{}, readErrf("malformed COMMIT record marker")
		}
		numParents = 1
	case 'M':
		rest := make([]byte, 7)
		if _, err := io.ReadFull(tr, rest); err != nil {
			return commit.Commit{}, err
		}
		if string(rest[:4]) != "ERGE" || rest[5] != 0 || rest[6] != 'U' {
			return commit.Commit{}, readErrf("malformed MERGE record marker")
		}
		numParents = int(rest[4])
		if numParents < 2 || numParents > 0xff {
			return commit.Commit{}, readErrf("merge record declares invalid parent count %d", numParents)
		}
	default:
		return commit.Commit{}, readErrf("unrecognised commit record marker %q", marker[0])
	}

	meta, err := readMeta(tr)
	if err != nil {
		return commit.Commit{}, err
	}
	parents := make([]sum.Sum, numParents)
	for i := range parents {
		parents[i], err = readSum(tr)
		if err != nil {
			return commit.Commit{}, err
		}
	}

	numChanges, err := readUint64Marker(tr, "ELEMENTS")
	if err != nil {
		return commit.Commit{}, err
	}
	changes := make(map[ident.EltID]commit.EltChange, numChanges)
	for i := uint64(0); i < numChanges; i++ {
		block := make([]byte, 16)
		if _, err := io.ReadFull(tr, block); err != nil {
			return commit.Commit{}, err
		}
		if string(block[:4]) != "ELT " {
			return commit.Commit{}, readErrf("missing ELT marker")
		}
		code := string(block[4:8])
		kind, ok := changeKinds[code]
		if !ok {
			return commit.Commit{}, readErrf("unknown change code %q", code)
		}
		id, ok := ident.TryEltID(binary.BigEndian.Uint64(block[8:]))
		if !ok {
			return commit.Commit{}, readErrf("change id does not belong to any partition")
		}
		switch kind {
		case commit.Deletion:
			changes[id] = commit.NewDeletion()
		case commit.Insertion, commit.Replacement:
			e, err := readEltData(tr, read, id)
			if err != nil {
				return commit.Commit{}, err
			}
			if kind == commit.Insertion {
				changes[id] = commit.NewInsertion(e)
			} else {
				changes[id] = commit.NewReplacement(e)
			}
		case commit.MoveOut, commit.Moved:
			newBlock := make([]byte, 16)
			if _, err := io.ReadFull(tr, newBlock); err != nil {
				return commit.Commit{}, err
			}
			if string(newBlock[:8]) != "NEW ELT\x00" {
				return commit.Commit{}, readErrf("missing NEW ELT marker")
			}
			newID, ok := ident.TryEltID(binary.BigEndian.Uint64(newBlock[8:]))
			if !ok {
				return commit.Commit{}, readErrf("move target id does not belong to any partition")
			}
			changes[id] = commit.NewMoved(newID, kind == commit.MoveOut)
		}
	}

	statesum, err := readSum(tr)
	if err != nil {
		return commit.Commit{}, err
	}

	checksum := hasher.Sum()
	checksumBytes := make([]byte, sum.Bytes)
	if _, err := io.ReadFull(r, checksumBytes); err != nil {
		return commit.Commit{}, err
	}
	if !checksum.Eq(checksumBytes) {
		return commit.Commit{}, readErrf("checksum invalid")
	}

	return commit.NewExplicit(statesum, parents, changes, meta)
}

// writeEltData writes a commit change's element payload: the
// "ELT DATA" marker and payload length, the payload padded to a
// 16-byte boundary, and the element's contribution sum.
func writeEltData(w io.Writer, id ident.EltID, e element.Element) error {
	var bw bytes.Buffer
	if err := e.WriteBuf(&bw); err != nil {
		return err
	}
	buf := bw.Bytes()

	lenBlock := make([]byte, 16)
	copy(lenBlock, "ELT DATA")
	binary.BigEndian.PutUint64(lenBlock[8:], uint64(len(buf)))
	if _, err := w.Write(lenBlock); err != nil {
		return err
	}
	if _, err := w.Write(padTo16(buf)); err != nil {
		return err
	}
	contribution := sum.EltSum(id.Uint64(), buf)
	_, err := contribution.WriteTo(w)
	return err
}

// readEltData reads a payload written by writeEltData, verifying the
// stored contribution sum against a recomputation.
func readEltData(r io.Reader, read element.Reader, id ident.EltID) (element.Element, error) {
	lenBlock := make([]byte, 16)
	if _, err := io.ReadFull(r, lenBlock); err != nil {
		return nil, err
	}
	if string(lenBlock[:8]) != "ELT DATA" {
		return nil, readErrf("missing ELT DATA marker")
	}
	length := binary.BigEndian.Uint64(lenBlock[8:])
	padded := make([]byte, paddedLen16(int(length)))
	if _, err := io.ReadFull(r, padded); err != nil {
		return nil, err
	}
	payload := padded[:length]

	contribution := sum.EltSum(id.Uint64(), payload)
	stored := make([]byte, sum.Bytes)
	if _, err := io.ReadFull(r, stored); err != nil {
		return nil, err
	}
	if !contribution.Eq(stored) {
		return nil, readErrf("element checksum invalid")
	}
	return element.FromVecSum(read, payload, contribution)
}

func sortEltIDs(ids []ident.EltID) {
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j-1] > ids[j]; j-- {
			ids[j-1], ids[j] = ids[j], ids[j-1]
		}
	}
}
