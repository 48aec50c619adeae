package codec

import (
	"encoding/binary"
	"io"

	"github.com/cuemby/pippin/pkg/ident"
	"github.com/cuemby/pippin/pkg/log"
	"github.com/cuemby/pippin/pkg/sum"
)

// Kind distinguishes a snapshot file header from a commit-log header.
type Kind string

const (
	KindSnapshot  Kind = "SS"
	KindCommitLog Kind = "CL"
)

const (
	magicPrefix   = "PIPPIN"
	versionLatest = "20160815"
)

// supportedVersions is the explicit allow-list of header version
// strings this implementation will load. Writes always use
// versionLatest.
var supportedVersions = map[string]bool{
	"20160310": true,
	"20160516": true,
	"20160815": true,
}

// Algorithm markers carried in the header's terminal HSUM block.
// SHA-2 256 is historical: it is recognised but rejected at load time
// since this implementation, like the rest of the format, mandates
// BLAKE2b-256.
var (
	sumMarkerBlake2 = []byte("BLAKE2 16\x00\x00")
	sumMarkerSHA256 = []byte("SHA-2 256\x00\x00")
)

// FileHeader is the parsed content of a snapshot or commit-log file
// header: the repository name, owning partition, and optional user
// remark/data extension blocks.
type FileHeader struct {
	Kind     Kind
	RepoName string
	PartID   ident.PartID
	Remark   string // "" if absent
	UserData []byte // nil if absent
}

// ValidateRepoName reports whether name is a legal repository name: a
// non-empty string of at most 16 UTF-8 bytes.
func ValidateRepoName(name string) error {
	if len(name) == 0 {
		return &ArgError{Msg: "repository name must not be empty"}
	}
	if len(name) > 16 {
		return &ArgError{Msg: "repository name exceeds 16 UTF-8 bytes"}
	}
	return nil
}

// encodeQSize renders a Q-block size (1..35, in units of 16 bytes) as
// its one-character code: '1'-'9' for 1-9, 'A'-'Z' for 10-35.
func encodeQSize(x int) byte {
	if x <= 9 {
		return byte('0' + x)
	}
	return byte('A' + (x - 10))
}

func decodeQSize(c byte) (int, bool) {
	switch {
	case c >= '1' && c <= '9':
		return int(c - '0'), true
	case c >= 'A' && c <= 'Z':
		return int(c-'A') + 10, true
	default:
		return 0, false
	}
}

// writeFixedBlock writes a 16-byte H-framed block: marker 'H' followed
// by exactly 15 bytes of content.
func writeFixedBlock(w io.Writer, content [15]byte) error {
	_, err := w.Write(append([]byte{'H'}, content[:]...))
	return err
}

// writeVariableBlock writes tag ∥ len_u32_be ∥ payload, framed as an
// H, Q, or B block depending on size.
func writeVariableBlock(w io.Writer, tag byte, payload []byte) error {
	inner := make([]byte, 0, 5+len(payload))
	inner = append(inner, tag)
	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(payload)))
	inner = append(inner, lenBuf...)
	inner = append(inner, payload...)

	switch {
	case len(inner) <= 15:
		var content [15]byte
		copy(content[:], inner)
		return writeFixedBlock(w, content)
	case len(inner) <= 35*16-2:
		x := 1
		for x*16-2 < len(inner) {
			x++
		}
		padded := make([]byte, x*16-2)
		copy(padded, inner)
		if _, err := w.Write([]byte{'Q', encodeQSize(x)}); err != nil {
			return err
		}
		_, err := w.Write(padded)
		return err
	default:
		total := 1 + 3 + len(inner)
		pad := (16 - total%16) % 16
		lenBuf3 := []byte{byte(len(inner) >> 16), byte(len(inner) >> 8), byte(len(inner))}
		if _, err := w.Write(append([]byte{'B'}, lenBuf3...)); err != nil {
			return err
		}
		if _, err := w.Write(inner); err != nil {
			return err
		}
		_, err := w.Write(make([]byte, pad))
		return err
	}
}

// readAnyBlock reads one header extension block and returns its raw
// content (for H/Q blocks this includes trailing zero padding; for B
// blocks it is exactly the declared length).
func readAnyBlock(r io.Reader) ([]byte, error) {
	marker := make([]byte, 1)
	if _, err := io.ReadFull(r, marker); err != nil {
		return nil, err
	}
	switch marker[0] {
	case 'H':
		content := make([]byte, 15)
		if _, err := io.ReadFull(r, content); err != nil {
			return nil, err
		}
		return content, nil
	case 'Q':
		sizeByte := make([]byte, 1)
		if _, err := io.ReadFull(r, sizeByte); err != nil {
			return nil, err
		}
		x, ok := decodeQSize(sizeByte[0])
		if !ok {
			return nil, readErrf("malformed Q-block size code %q", sizeByte[0])
		}
		content := make([]byte, x*16-2)
		if _, err := io.ReadFull(r, content); err != nil {
			return nil, err
		}
		return content, nil
	case 'B':
		lenBuf := make([]byte, 3)
		if _, err := io.ReadFull(r, lenBuf); err != nil {
			return nil, err
		}
		l := int(lenBuf[0])<<16 | int(lenBuf[1])<<8 | int(lenBuf[2])
		content := make([]byte, l)
		if _, err := io.ReadFull(r, content); err != nil {
			return nil, err
		}
		total := 1 + 3 + l
		pad := (16 - total%16) % 16
		if pad > 0 {
			if _, err := io.ReadFull(r, make([]byte, pad)); err != nil {
				return nil, err
			}
		}
		return content, nil
	default:
		return nil, readErrf("unrecognised header block marker %q", marker[0])
	}
}

// parseVariableContent interprets block content written by
// writeVariableBlock: a one-byte tag, a 4-byte big-endian length, and
// the payload, discarding any trailing padding.
func parseVariableContent(content []byte) (tag byte, payload []byte, err error) {
	if len(content) < 5 {
		return 0, nil, readErrf("header extension block too short")
	}
	l := binary.BigEndian.Uint32(content[1:5])
	if int(l) > len(content)-5 {
		return 0, nil, readErrf("header extension block declares length beyond block size")
	}
	return content[0], content[5 : 5+int(l)], nil
}

func isEssential(tagByte byte) bool {
	return tagByte >= 'A' && tagByte <= 'Z'
}

// WriteHeader writes h's header to w, including the trailing 32-byte
// running checksum. The partition identifier block is always emitted;
// remark and user-data blocks are emitted only when present.
func WriteHeader(w io.Writer, h FileHeader) error {
	if err := ValidateRepoName(h.RepoName); err != nil {
		return err
	}
	hasher := sum.NewHasher()
	mw := io.MultiWriter(w, hasher)

	magic := magicPrefix + string(h.Kind) + versionLatest
	if _, err := mw.Write([]byte(magic)); err != nil {
		return err
	}

	nameBuf := make([]byte, 16)
	copy(nameBuf, h.RepoName)
	if _, err := mw.Write(nameBuf); err != nil {
		return err
	}

	var partIDContent [15]byte
	copy(partIDContent[:7], "PARTID ")
	binary.BigEndian.PutUint64(partIDContent[7:], h.PartID.Uint64())
	if err := writeFixedBlock(mw, partIDContent); err != nil {
		return err
	}

	if h.Remark != "" {
		if err := writeVariableBlock(mw, 'R', []byte(h.Remark)); err != nil {
			return err
		}
	}
	if h.UserData != nil {
		if err := writeVariableBlock(mw, 'U', h.UserData); err != nil {
			return err
		}
	}

	var sumContent [15]byte
	copy(sumContent[:4], "SUM ")
	copy(sumContent[4:], sumMarkerBlake2)
	if err := writeFixedBlock(mw, sumContent); err != nil {
		return err
	}

	checksum := hasher.Sum()
	_, err := w.Write(checksum.Bytes())
	return err
}

// ReadHeader reads and validates a file header from r, verifying the
// embedded checksum. want selects the expected file kind; a mismatch
// is a ReadError.
func ReadHeader(r io.Reader, want Kind) (FileHeader, error) {
	hasher := sum.NewHasher()
	tr := io.TeeReader(r, hasher)

	magic := make([]byte, 16)
	if _, err := io.ReadFull(tr, magic); err != nil {
		return FileHeader{}, err
	}
	if string(magic[:6]) != magicPrefix {
		return FileHeader{}, readErrf("missing PIPPIN magic")
	}
	kind := Kind(magic[6:8])
	if kind != want {
		return FileHeader{}, readErrf("unexpected file kind %q, wanted %q", kind, want)
	}
	version := string(magic[8:16])
	if !supportedVersions[version] {
		return FileHeader{}, readErrf("Pippin file of incompatible version %q", version)
	}

	nameBuf := make([]byte, 16)
	if _, err := io.ReadFull(tr, nameBuf); err != nil {
		return FileHeader{}, err
	}
	repoName := string(trimTrailingZero(nameBuf))
	if err := ValidateRepoName(repoName); err != nil {
		return FileHeader{}, err
	}

	h := FileHeader{Kind: kind, RepoName: repoName}
	sawPartID := false

headerLoop:
	for {
		content, err := readAnyBlock(tr)
		if err != nil {
			return FileHeader{}, err
		}
		switch {
		case len(content) == 15 && string(content[:7]) == "PARTID ":
			h.PartID = ident.PartID(binary.BigEndian.Uint64(content[7:]))
			sawPartID = true
		case len(content) == 15 && string(content[:4]) == "SUM ":
			marker := content[4:]
			switch {
			case equalBytes(marker, sumMarkerBlake2):
				// supported; header content ends here.
			case equalBytes(marker, sumMarkerSHA256):
				return FileHeader{}, readErrf("header requests historical SHA-2 256 checksum, not supported")
			default:
				return FileHeader{}, readErrf("unrecognised checksum algorithm marker")
			}
			break headerLoop
		default:
			tag, payload, perr := parseVariableContent(content)
			if perr != nil {
				if isEssential(content[0]) {
					return FileHeader{}, perr
				}
				continue
			}
			switch tag {
			case 'R':
				h.Remark = string(payload)
			case 'U':
				h.UserData = append([]byte(nil), payload...)
			default:
				if isEssential(tag) {
					return FileHeader{}, readErrf("unknown essential header block %q", tag)
				}
				log.WithComponent("codec").Debug().Str("tag", string(tag)).
					Msg("ignoring unknown non-essential header block")
			}
		}
	}
	if !sawPartID {
		return FileHeader{}, readErrf("header missing required PARTID block")
	}

	want32 := make([]byte, sum.Bytes)
	if _, err := io.ReadFull(r, want32); err != nil {
		return FileHeader{}, err
	}
	got := hasher.Sum()
	if !got.Eq(want32) {
		return FileHeader{}, readErrf("checksum invalid")
	}
	return h, nil
}

func trimTrailingZero(b []byte) []byte {
	i := len(b)
	for i > 0 && b[i-1] == 0 {
		i--
	}
	return b[:i]
}

func equalBytes(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
