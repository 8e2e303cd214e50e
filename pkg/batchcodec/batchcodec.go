// Package batchcodec implements the self-describing binary map wire format
// that batch block uploads use (spec.md §6): a sequence of (block_id, body)
// pairs tagged as a map so the server can reject an array payload before
// touching storage, instead of guessing from content alone.
package batchcodec

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"io"
)

const (
	tagMap   byte = 0x01
	tagArray byte = 0x02

	rawBlockIDLen = 20 // 40 hex characters
)

// ErrNotAMap is returned when the payload's type tag marks it as an array.
var ErrNotAMap = errors.New("batchcodec: payload is not a map")

// ErrTooManyEntries is returned when a batch declares more entries than the
// caller's limit allows.
var ErrTooManyEntries = errors.New("batchcodec: batch exceeds maximum entry count")

// Entry is one (block_id, body) pair of a decoded batch.
type Entry struct {
	BlockID string
	Body    []byte
}

// Decode reads a batch payload from r: a one-byte type tag, a four-byte
// big-endian entry count, then per entry a 20-byte raw block ID, an
// eight-byte big-endian body length, and the body itself.
func Decode(r io.Reader, maxEntries int) ([]Entry, error) {
	var tag [1]byte
	if _, err := io.ReadFull(r, tag[:]); err != nil {
		return nil, err
	}
	switch tag[0] {
	case tagArray:
		return nil, ErrNotAMap
	case tagMap:
	default:
		return nil, errors.New("batchcodec: unknown payload type tag")
	}

	var count uint32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return nil, err
	}
	if maxEntries > 0 && int(count) > maxEntries {
		return nil, ErrTooManyEntries
	}

	entries := make([]Entry, 0, count)
	var rawID [rawBlockIDLen]byte
	for i := uint32(0); i < count; i++ {
		if _, err := io.ReadFull(r, rawID[:]); err != nil {
			return nil, err
		}
		var length uint64
		if err := binary.Read(r, binary.BigEndian, &length); err != nil {
			return nil, err
		}
		body := make([]byte, length)
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, err
		}
		entries = append(entries, Entry{BlockID: hex.EncodeToString(rawID[:]), Body: body})
	}
	return entries, nil
}

// Encode writes entries as a batch payload. Used by tests and any future
// client-side tooling that needs to produce the wire format Decode reads.
func Encode(w io.Writer, entries []Entry) error {
	if _, err := w.Write([]byte{tagMap}); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(entries))); err != nil {
		return err
	}
	for _, e := range entries {
		raw, err := hex.DecodeString(e.BlockID)
		if err != nil || len(raw) != rawBlockIDLen {
			return errors.New("batchcodec: invalid block id " + e.BlockID)
		}
		if _, err := w.Write(raw); err != nil {
			return err
		}
		if err := binary.Write(w, binary.BigEndian, uint64(len(e.Body))); err != nil {
			return err
		}
		if _, err := w.Write(e.Body); err != nil {
			return err
		}
	}
	return nil
}
