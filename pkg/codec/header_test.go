package codec

import (
	"bytes"
	"testing"

	"github.com/cuemby/pippin/pkg/ident"
)

func TestHeaderRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	in := FileHeader{
		Kind:     KindSnapshot,
		RepoName: "widgets",
		PartID:   ident.FromNum(7),
		Remark:   "hand-written test fixture",
	}
	if err := WriteHeader(&buf, in); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}

	out, err := ReadHeader(&buf, KindSnapshot)
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	if out.RepoName != in.RepoName {
		t.Errorf("repo name = %q, want %q", out.RepoName, in.RepoName)
	}
	if out.PartID != in.PartID {
		t.Errorf("part id = %v, want %v", out.PartID, in.PartID)
	}
	if out.Remark != in.Remark {
		t.Errorf("remark = %q, want %q", out.Remark, in.Remark)
	}
}

func TestHeaderRoundTripWithUserData(t *testing.T) {
	var buf bytes.Buffer
	in := FileHeader{
		Kind:     KindCommitLog,
		RepoName: "a",
		PartID:   ident.FromNum(1),
		UserData: []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20},
	}
	if err := WriteHeader(&buf, in); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}
	out, err := ReadHeader(&buf, KindCommitLog)
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	if !bytes.Equal(out.UserData, in.UserData) {
		t.Errorf("user data = %v, want %v", out.UserData, in.UserData)
	}
}

func TestHeaderRejectsWrongKind(t *testing.T) {
	var buf bytes.Buffer
	in := FileHeader{Kind: KindSnapshot, RepoName: "x", PartID: ident.FromNum(1)}
	if err := WriteHeader(&buf, in); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}
	if _, err := ReadHeader(&buf, KindCommitLog); err == nil {
		t.Fatal("expected error reading a snapshot header as a commit-log header")
	}
}

func TestHeaderRejectsUnsupportedVersion(t *testing.T) {
	var buf bytes.Buffer
	in := FileHeader{Kind: KindSnapshot, RepoName: "x", PartID: ident.FromNum(1)}
	if err := WriteHeader(&buf, in); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}
	raw := buf.Bytes()
	copy(raw[8:16], []byte("19990101"))

	if _, err := ReadHeader(bytes.NewReader(raw), KindSnapshot); err == nil {
		t.Fatal("expected error reading a header with an unsupported version string")
	}
}

func TestHeaderRejectsFlippedChecksumBit(t *testing.T) {
	var buf bytes.Buffer
	in := FileHeader{Kind: KindSnapshot, RepoName: "x", PartID: ident.FromNum(1)}
	if err := WriteHeader(&buf, in); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}
	raw := buf.Bytes()
	raw[len(raw)-1] ^= 0x01

	if _, err := ReadHeader(bytes.NewReader(raw), KindSnapshot); err == nil {
		t.Fatal("expected checksum mismatch error after flipping a bit")
	}
}

func TestValidateRepoName(t *testing.T) {
	if err := ValidateRepoName(""); err == nil {
		t.Error("expected error for empty repo name")
	}
	if err := ValidateRepoName("0123456789ABCDEFG"); err == nil {
		t.Error("expected error for repo name over 16 bytes")
	}
	if err := ValidateRepoName("0123456789ABCDEF"); err != nil {
		t.Errorf("expected 16-byte repo name to be valid, got %v", err)
	}
}
