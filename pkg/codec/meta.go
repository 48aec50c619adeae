package codec

import (
	"encoding/binary"
	"io"
	"unicode/utf8"

	"github.com/cuemby/pippin/pkg/log"
	"github.com/cuemby/pippin/pkg/state"
)

// writeMeta writes a commit's shared metadata block, common to
// snapshot states and commit-log records: an 8-byte timestamp, a
// 16-byte flags/number block, and an XM extension-data block.
func writeMeta(w io.Writer, meta state.CommitMeta) error {
	ts := make([]byte, 8)
	binary.BigEndian.PutUint64(ts, uint64(meta.TS))
	if _, err := w.Write(ts); err != nil {
		return err
	}

	fBlock := make([]byte, 16)
	fBlock[0] = 'F'
	fBlock[1] = 0 // ext_ws: no extension words carried by this implementation.
	binary.BigEndian.PutUint16(fBlock[2:4], meta.ExtFlags.Raw())
	binary.BigEndian.PutUint32(fBlock[4:8], meta.Number)
	if _, err := w.Write(fBlock); err != nil {
		return err
	}

	xmHeader := make([]byte, 8)
	xmHeader[0], xmHeader[1] = 'X', 'M'
	var payload []byte
	if text, ok := meta.Extra.Text(); ok {
		xmHeader[2], xmHeader[3] = 'T', 'T'
		payload = []byte(text)
	}
	binary.BigEndian.PutUint32(xmHeader[4:8], uint32(len(payload)))
	if _, err := w.Write(xmHeader); err != nil {
		return err
	}
	padded := padTo16(payload)
	_, err := w.Write(padded)
	return err
}

// readMeta reads a metadata block written by writeMeta.
func readMeta(r io.Reader) (state.CommitMeta, error) {
	ts := make([]byte, 8)
	if _, err := io.ReadFull(r, ts); err != nil {
		return state.CommitMeta{}, err
	}
	timestamp := int64(binary.BigEndian.Uint64(ts))

	fBlock := make([]byte, 16)
	if _, err := io.ReadFull(r, fBlock); err != nil {
		return state.CommitMeta{}, err
	}
	if fBlock[0] != 'F' {
		return state.CommitMeta{}, readErrf("missing metadata flags block")
	}
	extWS := int(fBlock[1])
	flags := state.FlagsFromRaw(binary.BigEndian.Uint16(fBlock[2:4]))
	number := binary.BigEndian.Uint32(fBlock[4:8])
	if flags.UnknownEssential() {
		return state.CommitMeta{}, readErrf("unknown essential meta flag set")
	}
	if flags.UnknownNonEssential() {
		log.WithComponent("codec").Debug().Uint16("flags", flags.Raw()).
			Msg("ignoring unknown non-essential meta flags")
	}
	if extWS > 0 {
		if _, err := io.ReadFull(r, make([]byte, 8*extWS)); err != nil {
			return state.CommitMeta{}, err
		}
	}

	xmHeader := make([]byte, 8)
	if _, err := io.ReadFull(r, xmHeader); err != nil {
		return state.CommitMeta{}, err
	}
	if xmHeader[0] != 'X' || xmHeader[1] != 'M' {
		return state.CommitMeta{}, readErrf("missing XM extra-metadata block")
	}
	xtype := xmHeader[2:4]
	length := binary.BigEndian.Uint32(xmHeader[4:8])
	padded := make([]byte, paddedLen16(int(length)))
	if _, err := io.ReadFull(r, padded); err != nil {
		return state.CommitMeta{}, err
	}
	payload := padded[:length]

	extra := state.NoExtra()
	if xtype[0] == 'T' && xtype[1] == 'T' {
		if !utf8.Valid(payload) {
			return state.CommitMeta{}, readErrf("extra metadata text is not valid UTF-8")
		}
		extra = state.ExtraText(string(payload))
	}
	// Any other non-zero type is tolerated: currently none are essential.

	return state.CommitMeta{Number: number, TS: timestamp, ExtFlags: flags, Extra: extra}, nil
}

func padTo16(b []byte) []byte {
	out := make([]byte, paddedLen16(len(b)))
	copy(out, b)
	return out
}

func paddedLen16(n int) int {
	return (n + 15) / 16 * 16
}
