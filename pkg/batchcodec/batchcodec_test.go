package batchcodec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	entries := []Entry{
		{BlockID: "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", Body: []byte("hello")},
		{BlockID: "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb", Body: []byte("world, a bit longer this time")},
		{BlockID: "cccccccccccccccccccccccccccccccccccccccc"[:40], Body: nil},
	}

	var buf bytes.Buffer
	if err := Encode(&buf, entries); err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	got, err := Decode(&buf, 0)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if len(got) != len(entries) {
		t.Fatalf("expected %d entries, got %d", len(entries), len(got))
	}
	for i, e := range entries {
		if got[i].BlockID != e.BlockID {
			t.Errorf("entry %d: block id = %s, want %s", i, got[i].BlockID, e.BlockID)
		}
		if !bytes.Equal(got[i].Body, e.Body) {
			t.Errorf("entry %d: body = %q, want %q", i, got[i].Body, e.Body)
		}
	}
}

func TestDecode_RejectsArrayTag(t *testing.T) {
	buf := bytes.NewBuffer([]byte{tagArray})

	_, err := Decode(buf, 0)
	if !errors.Is(err, ErrNotAMap) {
		t.Fatalf("expected ErrNotAMap, got %v", err)
	}
}

func TestDecode_RejectsUnknownTag(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0xFF})

	_, err := Decode(buf, 0)
	if err == nil {
		t.Fatal("expected error for unknown type tag")
	}
}

func TestDecode_EnforcesMaxEntries(t *testing.T) {
	entries := []Entry{
		{BlockID: "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", Body: []byte("a")},
		{BlockID: "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb", Body: []byte("b")},
	}

	var buf bytes.Buffer
	if err := Encode(&buf, entries); err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	_, err := Decode(&buf, 1)
	if !errors.Is(err, ErrTooManyEntries) {
		t.Fatalf("expected ErrTooManyEntries, got %v", err)
	}
}

func TestDecode_EmptyBatch(t *testing.T) {
	var buf bytes.Buffer
	if err := Encode(&buf, nil); err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	got, err := Decode(&buf, 0)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected 0 entries, got %d", len(got))
	}
}

func TestEncode_RejectsInvalidBlockID(t *testing.T) {
	entries := []Entry{{BlockID: "not-valid-hex", Body: []byte("x")}}

	var buf bytes.Buffer
	err := Encode(&buf, entries)
	if err == nil {
		t.Fatal("expected error for invalid block id")
	}
}

func TestDecode_TruncatedPayload(t *testing.T) {
	// A map tag declaring one entry, but the stream ends before the
	// block ID is fully written.
	var buf bytes.Buffer
	buf.WriteByte(tagMap)
	_ = binary.Write(&buf, binary.BigEndian, uint32(1))
	buf.Write([]byte{0x01, 0x02}) // short raw block id

	_, err := Decode(&buf, 0)
	if err == nil {
		t.Fatal("expected error for truncated payload")
	}
}
