// Package codec implements Pippin's binary on-disk formats: file
// headers, full-state snapshots, and append-only commit logs, each
// carrying an embedded running checksum that is verified on every
// read.
package codec

import (
	"bytes"
	"encoding/binary"
	"io"
	"sort"

	"github.com/cuemby/pippin/pkg/element"
	"github.com/cuemby/pippin/pkg/ident"
	"github.com/cuemby/pippin/pkg/state"
	"github.com/cuemby/pippin/pkg/sum"
)

const snapshotMarker = "SNAPSH"

// WriteSnapshot writes a full-state snapshot file: header followed by
// the snapshot marker, the state's metadata, parents, elements (in ascending id order),
// moved-element table, and state sum, ending in a running checksum.
func WriteSnapshot(w io.Writer, header FileHeader, s state.PartState) error {
	if err := WriteHeader(w, header); err != nil {
		return err
	}

	hasher := sum.NewHasher()
	mw := io.MultiWriter(w, hasher)

	parents := s.Parents()
	if len(parents) > 0xff {
		return &ArgError{Msg: "snapshot has more than 255 parents"}
	}
	marker := []byte(snapshotMarker)
	marker = append(marker, byte(len(parents)), 'U')
	if _, err := mw.Write(marker); err != nil {
		return err
	}

	if err := writeMeta(mw, s.Meta()); err != nil {
		return err
	}
	for _, p := range parents {
		if _, err := p.WriteTo(mw); err != nil {
			return err
		}
	}

	ids := sortedEltIDs(s.Elts())
	if err := writeUint64Marker(mw, "ELEMENTS", uint64(len(ids))); err != nil {
		return err
	}
	for _, id := range ids {
		e := s.Elts()[id]
		if err := writeElement(mw, id, e); err != nil {
			return err
		}
	}

	moved := s.Moved()
	if len(moved) > 0 {
		if err := writeUint64Marker(mw, "ELTMOVES", uint64(len(moved))); err != nil {
			return err
		}
		for _, oldID := range sortedMovedKeys(moved) {
			pair := make([]byte, 16)
			binary.BigEndian.PutUint64(pair[:8], oldID.Uint64())
			binary.BigEndian.PutUint64(pair[8:], moved[oldID].Uint64())
			if _, err := mw.Write(pair); err != nil {
				return err
			}
		}
	}

	if err := writeUint64Marker(mw, "STATESUM", 1); err != nil {
		return err
	}
	if _, err := s.StateSum().WriteTo(mw); err != nil {
		return err
	}

	checksum := hasher.Sum()
	_, err := w.Write(checksum.Bytes())
	return err
}

// ReadSnapshot reads a snapshot file written by WriteSnapshot. read
// deserializes the stored element payloads.
func ReadSnapshot(r io.Reader, read element.Reader) (FileHeader, state.PartState, error) {
	header, err := ReadHeader(r, KindSnapshot)
	if err != nil {
		return FileHeader{}, state.PartState{}, err
	}

	hasher := sum.NewHasher()
	tr := io.TeeReader(r, hasher)

	marker := make([]byte, 8)
	if _, err := io.ReadFull(tr, marker); err != nil {
		return FileHeader{}, state.PartState{}, err
	}
	if string(marker[:6]) != snapshotMarker || marker[7] != 'U' {
		return FileHeader{}, state.PartState{}, readErrf("missing snapshot marker")
	}
	numParents := int(marker[6])

	meta, err := readMeta(tr)
	if err != nil {
		return FileHeader{}, state.PartState{}, err
	}

	parents := make([]sum.Sum, numParents)
	for i := range parents {
		parents[i], err = readSum(tr)
		if err != nil {
			return FileHeader{}, state.PartState{}, err
		}
	}

	numElements, err := readUint64Marker(tr, "ELEMENTS")
	if err != nil {
		return FileHeader{}, state.PartState{}, err
	}
	elts := make(map[ident.EltID]element.Element, numElements)
	eltSum := sum.Zero()
	for i := uint64(0); i < numElements; i++ {
		id, e, contribution, err := readElement(tr, read)
		if err != nil {
			return FileHeader{}, state.PartState{}, err
		}
		elts[id] = e
		eltSum = eltSum.Permute(contribution)
	}

	nextBlock := make([]byte, 16)
	if _, err := io.ReadFull(tr, nextBlock); err != nil {
		return FileHeader{}, state.PartState{}, err
	}
	moved := make(map[ident.EltID]ident.EltID)
	switch string(trimTrailingZero(nextBlock[:8])) {
	case "ELTMOVES":
		count := binary.BigEndian.Uint64(nextBlock[8:])
		for i := uint64(0); i < count; i++ {
			pair := make([]byte, 16)
			if _, err := io.ReadFull(tr, pair); err != nil {
				return FileHeader{}, state.PartState{}, err
			}
			oldID, _ := ident.TryEltID(binary.BigEndian.Uint64(pair[:8]))
			newID, _ := ident.TryEltID(binary.BigEndian.Uint64(pair[8:]))
			moved[oldID] = newID
		}
		if _, err := io.ReadFull(tr, nextBlock); err != nil {
			return FileHeader{}, state.PartState{}, err
		}
	}
	if string(trimTrailingZero(nextBlock[:8])) != "STATESUM" {
		return FileHeader{}, state.PartState{}, readErrf("expected STATESUM marker, got %q", nextBlock[:8])
	}
	wantSum, err := readSum(tr)
	if err != nil {
		return FileHeader{}, state.PartState{}, err
	}

	checksum := hasher.Sum()
	checksumBytes := make([]byte, sum.Bytes)
	if _, err := io.ReadFull(r, checksumBytes); err != nil {
		return FileHeader{}, state.PartState{}, err
	}
	if !checksum.Eq(checksumBytes) {
		return FileHeader{}, state.PartState{}, readErrf("checksum invalid")
	}

	s := state.NewExplicit(header.PartID, parents, elts, moved, meta, eltSum)
	if !s.StateSum().Equal(wantSum) {
		return FileHeader{}, state.PartState{}, readErrf("snapshot state sum mismatch")
	}
	return header, s, nil
}

func writeUint64Marker(w io.Writer, name string, n uint64) error {
	buf := make([]byte, 16)
	copy(buf, name)
	binary.BigEndian.PutUint64(buf[8:], n)
	_, err := w.Write(buf)
	return err
}

func readUint64Marker(r io.Reader, want string) (uint64, error) {
	buf := make([]byte, 16)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, err
	}
	if want != "" && string(trimTrailingZero(buf[:8])) != want {
		return 0, readErrf("expected %q marker, got %q", want, buf[:8])
	}
	return binary.BigEndian.Uint64(buf[8:]), nil
}

func readSum(r io.Reader) (sum.Sum, error) {
	buf := make([]byte, sum.Bytes)
	if _, err := io.ReadFull(r, buf); err != nil {
		return sum.Sum{}, err
	}
	return sum.Load(buf), nil
}

func writeElement(w io.Writer, id ident.EltID, e element.Element) error {
	idBlock := make([]byte, 16)
	copy(idBlock, "ELEMENT\x00")
	binary.BigEndian.PutUint64(idBlock[8:], id.Uint64())
	if _, err := w.Write(idBlock); err != nil {
		return err
	}

	var bw bytes.Buffer
	if err := e.WriteBuf(&bw); err != nil {
		return err
	}
	buf := bw.Bytes()

	lenBlock := make([]byte, 16)
	copy(lenBlock, "BYTES\x00\x00\x00")
	binary.BigEndian.PutUint64(lenBlock[8:], uint64(len(buf)))
	if _, err := w.Write(lenBlock); err != nil {
		return err
	}
	if _, err := w.Write(padTo16(buf)); err != nil {
		return err
	}

	contribution := sum.EltSum(id.Uint64(), buf)
	if _, err := contribution.WriteTo(w); err != nil {
		return err
	}
	return nil
}

func readElement(r io.Reader, read element.Reader) (ident.EltID, element.Element, sum.Sum, error) {
	idBlock := make([]byte, 16)
	if _, err := io.ReadFull(r, idBlock); err != nil {
		return 0, nil, sum.Sum{}, err
	}
	if string(idBlock[:8]) != "ELEMENT\x00" {
		return 0, nil, sum.Sum{}, readErrf("missing ELEMENT marker")
	}
	id, ok := ident.TryEltID(binary.BigEndian.Uint64(idBlock[8:]))
	if !ok {
		return 0, nil, sum.Sum{}, readErrf("element id does not belong to any partition")
	}

	lenBlock := make([]byte, 16)
	if _, err := io.ReadFull(r, lenBlock); err != nil {
		return 0, nil, sum.Sum{}, err
	}
	if string(lenBlock[:8]) != "BYTES\x00\x00\x00" {
		return 0, nil, sum.Sum{}, readErrf("missing BYTES marker")
	}
	length := binary.BigEndian.Uint64(lenBlock[8:])

	padded := make([]byte, paddedLen16(int(length)))
	if _, err := io.ReadFull(r, padded); err != nil {
		return 0, nil, sum.Sum{}, err
	}
	payload := padded[:length]

	wantSum, err := readSum(r)
	if err != nil {
		return 0, nil, sum.Sum{}, err
	}
	gotSum := sum.EltSum(id.Uint64(), payload)
	if !gotSum.Equal(wantSum) {
		return 0, nil, sum.Sum{}, readErrf("element checksum invalid")
	}

	e, err := read(payload)
	if err != nil {
		return 0, nil, sum.Sum{}, err
	}
	return id, e, gotSum, nil
}

func sortedEltIDs(elts map[ident.EltID]element.Element) []ident.EltID {
	ids := make([]ident.EltID, 0, len(elts))
	for id := range elts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func sortedMovedKeys(moved map[ident.EltID]ident.EltID) []ident.EltID {
	ids := make([]ident.EltID, 0, len(moved))
	for id := range moved {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
