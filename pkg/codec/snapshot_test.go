package codec

import (
	"bytes"
	"testing"

	"github.com/cuemby/pippin/pkg/element"
	"github.com/cuemby/pippin/pkg/ident"
	"github.com/cuemby/pippin/pkg/state"
)

func buildTestState(t *testing.T) state.PartState {
	t.Helper()
	partID := ident.FromNum(42)
	s0 := state.New(partID, nil)
	m := s0.CloneMut()
	if _, err := m.InsertWithID(partID.EltID(1), element.String("one")); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := m.InsertWithID(partID.EltID(2), element.String("two")); err != nil {
		t.Fatalf("insert: %v", err)
	}
	m.SetMove(partID.EltID(3), partID.EltID(9))
	return state.FromMut(m, nil)
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := buildTestState(t)
	header := FileHeader{Kind: KindSnapshot, RepoName: "snaptest", PartID: s.PartID()}

	var buf bytes.Buffer
	if err := WriteSnapshot(&buf, header, s); err != nil {
		t.Fatalf("WriteSnapshot: %v", err)
	}

	gotHeader, gotState, err := ReadSnapshot(&buf, element.ReadString)
	if err != nil {
		t.Fatalf("ReadSnapshot: %v", err)
	}
	if gotHeader.RepoName != header.RepoName {
		t.Errorf("repo name = %q, want %q", gotHeader.RepoName, header.RepoName)
	}
	if !gotState.StateSum().Equal(s.StateSum()) {
		t.Errorf("state sum = %v, want %v", gotState.StateSum(), s.StateSum())
	}
	if gotState.EltsLen() != s.EltsLen() {
		t.Errorf("elts len = %d, want %d", gotState.EltsLen(), s.EltsLen())
	}
	for id, want := range s.Elts() {
		got, ok := gotState.Elt(id)
		if !ok || !got.Equal(want) {
			t.Errorf("element %v = %v, want %v", id, got, want)
		}
	}
	if to, ok := gotState.IsMoved(s.PartID().EltID(3)); !ok || to != s.PartID().EltID(9) {
		t.Errorf("moved entry not preserved: got %v, %v", to, ok)
	}
}

func TestSnapshotRejectsFlippedChecksum(t *testing.T) {
	s := buildTestState(t)
	header := FileHeader{Kind: KindSnapshot, RepoName: "snaptest", PartID: s.PartID()}
	var buf bytes.Buffer
	if err := WriteSnapshot(&buf, header, s); err != nil {
		t.Fatalf("WriteSnapshot: %v", err)
	}
	raw := buf.Bytes()
	raw[len(raw)-1] ^= 0x01

	if _, _, err := ReadSnapshot(bytes.NewReader(raw), element.ReadString); err == nil {
		t.Fatal("expected checksum error after flipping the trailing byte")
	}
}
