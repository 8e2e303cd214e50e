// Package badger implements a MetadataBackend on an embedded
// github.com/dgraph-io/badger/v4 key-value database, for single-node
// deployments that want durability without a separate database server.
//
// Keys are organized by a short prefix per entity kind, all scoped under
// the vault ID, so a single badger.DB instance can host any number of
// vaults:
//
//	v!<vault>                                -> 0x01 (vault marker)
//	b!<vault>!<block_id>                     -> gob(blockRecord)
//	s!<vault>!<storage_id>                   -> block_id (reverse index)
//	f!<vault>!<file_id>                      -> gob(fileRecord)
//	fb!<vault>!<file_id>!<offset>!<block_id> -> gob(fileBlockValue)
package badger

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/marmos91/deuce/pkg/store/metadata"
)

// Store is a badger-backed MetadataBackend.
type Store struct {
	db *badgerdb.DB
}

var _ metadata.Backend = (*Store)(nil)

// Options configures the embedded database.
type Options struct {
	Dir string // on-disk directory; badger manages its own files within it
}

// Open opens (creating if necessary) a badger database at opts.Dir.
func Open(opts Options) (*Store, error) {
	db, err := badgerdb.Open(badgerdb.DefaultOptions(opts.Dir).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("badger store: open: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Health(_ context.Context) (string, error) {
	lsm, vlog := s.db.Size()
	return fmt.Sprintf("badger: ok (lsm=%dB vlog=%dB)", lsm, vlog), nil
}

type blockRecord struct {
	StorageID string
	Size      int64
	Invalid   bool
	RefCount  int64
	RefTime   int64
}

type fileRecord struct {
	Finalized bool
	Size      int64
}

type fileBlockValue struct {
	BlockID string
	Size    int64 // -1 if unknown at assignment time
}

func vaultKey(vaultID string) []byte { return []byte("v!" + vaultID) }
func blockKey(vaultID, blockID string) []byte { return []byte("b!" + vaultID + "!" + blockID) }
func blockPrefix(vaultID string) []byte       { return []byte("b!" + vaultID + "!") }
func storageKey(vaultID, storageID string) []byte { return []byte("s!" + vaultID + "!" + storageID) }
func fileKey(vaultID, fileID string) []byte   { return []byte("f!" + vaultID + "!" + fileID) }
func filePrefix(vaultID string) []byte        { return []byte("f!" + vaultID + "!") }

// fileBlockKey encodes offset as a fixed-width big-endian prefix so
// lexicographic badger iteration equals offset-ascending order.
func fileBlockKey(vaultID, fileID string, offset int64, blockID string) []byte {
	var buf bytes.Buffer
	buf.WriteString("fb!" + vaultID + "!" + fileID + "!")
	_ = binary.Write(&buf, binary.BigEndian, offset)
	buf.WriteString("!" + blockID)
	return buf.Bytes()
}

func fileBlockPrefix(vaultID, fileID string) []byte {
	return []byte("fb!" + vaultID + "!" + fileID + "!")
}

func encode(v any) []byte {
	var buf bytes.Buffer
	_ = gob.NewEncoder(&buf).Encode(v)
	return buf.Bytes()
}

func decode(data []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

func (s *Store) CreateVault(_ context.Context, vaultID string) error {
	return s.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set(vaultKey(vaultID), []byte{1})
	})
}

func (s *Store) DeleteVault(_ context.Context, vaultID string) error {
	return s.db.Update(func(txn *badgerdb.Txn) error {
		if err := deletePrefix(txn, blockPrefix(vaultID)); err != nil {
			return err
		}
		if err := deletePrefix(txn, filePrefix(vaultID)); err != nil {
			return err
		}
		return txn.Delete(vaultKey(vaultID))
	})
}

func deletePrefix(txn *badgerdb.Txn, prefix []byte) error {
	it := txn.NewIterator(badgerdb.DefaultIteratorOptions)
	defer it.Close()
	var keys [][]byte
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	for _, k := range keys {
		if err := txn.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) VaultExists(_ context.Context, vaultID string) (bool, error) {
	var exists bool
	err := s.db.View(func(txn *badgerdb.Txn) error {
		_, err := txn.Get(vaultKey(vaultID))
		if err == badgerdb.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		exists = true
		return nil
	})
	return exists, err
}

func (s *Store) ListVaults(_ context.Context, marker string, limit int) ([]string, error) {
	var ids []string
	err := s.db.View(func(txn *badgerdb.Txn) error {
		it := txn.NewIterator(badgerdb.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte("v!")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			id := string(it.Item().Key()[len(prefix):])
			if marker != "" && id <= marker {
				continue
			}
			ids = append(ids, id)
		}
		return nil
	})
	return truncate(ids, limit), err
}

func (s *Store) GetVaultStats(ctx context.Context, vaultID string) (metadata.VaultStats, error) {
	var stats metadata.VaultStats
	err := s.db.View(func(txn *badgerdb.Txn) error {
		stats.BlockCount = int64(countPrefix(txn, blockPrefix(vaultID)))
		stats.FileCount = int64(countPrefix(txn, filePrefix(vaultID)))
		return nil
	})
	return stats, err
}

func countPrefix(txn *badgerdb.Txn, prefix []byte) int {
	it := txn.NewIterator(badgerdb.IteratorOptions{Prefix: prefix})
	defer it.Close()
	n := 0
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		n++
	}
	return n
}

func (s *Store) RegisterBlock(_ context.Context, vaultID, blockID, storageID string, size int64) error {
	return s.db.Update(func(txn *badgerdb.Txn) error {
		if _, err := txn.Get(blockKey(vaultID, blockID)); err == nil {
			return nil // idempotent
		} else if err != badgerdb.ErrKeyNotFound {
			return err
		}
		rec := blockRecord{StorageID: storageID, Size: size, RefTime: time.Now().Unix()}
		if err := txn.Set(blockKey(vaultID, blockID), encode(rec)); err != nil {
			return err
		}
		return txn.Set(storageKey(vaultID, storageID), []byte(blockID))
	})
}

func (s *Store) UnregisterBlock(_ context.Context, vaultID, blockID string) error {
	return s.db.Update(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(blockKey(vaultID, blockID))
		if err == badgerdb.ErrKeyNotFound {
			return fmt.Errorf("unregister_block: %w", metadata.ErrNotFound)
		}
		if err != nil {
			return err
		}
		var rec blockRecord
		if err := item.Value(func(v []byte) error { return decode(v, &rec) }); err != nil {
			return err
		}
		if rec.RefCount != 0 {
			return &metadata.ConstraintError{Op: "unregister_block", Message: fmt.Sprintf("refcount=%d", rec.RefCount)}
		}
		if err := txn.Delete(storageKey(vaultID, rec.StorageID)); err != nil {
			return err
		}
		return txn.Delete(blockKey(vaultID, blockID))
	})
}

func (s *Store) getBlockRecord(txn *badgerdb.Txn, vaultID, blockID string) (blockRecord, error) {
	var rec blockRecord
	item, err := txn.Get(blockKey(vaultID, blockID))
	if err == badgerdb.ErrKeyNotFound {
		return rec, metadata.ErrNotFound
	}
	if err != nil {
		return rec, err
	}
	err = item.Value(func(v []byte) error { return decode(v, &rec) })
	return rec, err
}

func (s *Store) HasBlock(_ context.Context, vaultID, blockID string) (bool, error) {
	var exists bool
	err := s.db.View(func(txn *badgerdb.Txn) error {
		_, err := s.getBlockRecord(txn, vaultID, blockID)
		if err == metadata.ErrNotFound {
			return nil
		}
		exists = err == nil
		return err
	})
	return exists, err
}

func (s *Store) HasBlocks(_ context.Context, vaultID string, blockIDs []string) ([]string, error) {
	var missing []string
	err := s.db.View(func(txn *badgerdb.Txn) error {
		for _, id := range blockIDs {
			if _, err := s.getBlockRecord(txn, vaultID, id); err == metadata.ErrNotFound {
				missing = append(missing, id)
			} else if err != nil {
				return err
			}
		}
		return nil
	})
	return missing, err
}

func (s *Store) GetStorageID(_ context.Context, vaultID, blockID string) (string, error) {
	var id string
	err := s.db.View(func(txn *badgerdb.Txn) error {
		rec, err := s.getBlockRecord(txn, vaultID, blockID)
		if err != nil {
			return fmt.Errorf("get_storage_id: %w", err)
		}
		id = rec.StorageID
		return nil
	})
	return id, err
}

func (s *Store) GetMetadataID(_ context.Context, vaultID, storageID string) (string, error) {
	var blockID string
	err := s.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(storageKey(vaultID, storageID))
		if err == badgerdb.ErrKeyNotFound {
			return fmt.Errorf("get_metadata_id: %w", metadata.ErrNotFound)
		}
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error { blockID = string(v); return nil })
	})
	return blockID, err
}

func (s *Store) GetBlockSize(_ context.Context, vaultID, blockID string) (int64, error) {
	var size int64
	err := s.db.View(func(txn *badgerdb.Txn) error {
		rec, err := s.getBlockRecord(txn, vaultID, blockID)
		if err != nil {
			return fmt.Errorf("get_block_size: %w", err)
		}
		size = rec.Size
		return nil
	})
	return size, err
}

func (s *Store) MarkBlockInvalid(_ context.Context, vaultID, blockID string) error {
	return s.db.Update(func(txn *badgerdb.Txn) error {
		rec, err := s.getBlockRecord(txn, vaultID, blockID)
		if err != nil {
			return fmt.Errorf("mark_block_invalid: %w", err)
		}
		rec.Invalid = true
		return txn.Set(blockKey(vaultID, blockID), encode(rec))
	})
}

func (s *Store) ListBlocks(_ context.Context, vaultID, marker string, limit int) ([]string, error) {
	var ids []string
	prefix := blockPrefix(vaultID)
	err := s.db.View(func(txn *badgerdb.Txn) error {
		it := txn.NewIterator(badgerdb.IteratorOptions{Prefix: prefix})
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			id := string(it.Item().Key()[len(prefix):])
			if marker != "" && id <= marker {
				continue
			}
			ids = append(ids, id)
		}
		return nil
	})
	return truncate(ids, limit), err
}

func (s *Store) RefCount(_ context.Context, vaultID, blockID string) (int64, error) {
	var rc int64
	err := s.db.View(func(txn *badgerdb.Txn) error {
		rec, err := s.getBlockRecord(txn, vaultID, blockID)
		if err != nil {
			return fmt.Errorf("ref_count: %w", err)
		}
		rc = rec.RefCount
		return nil
	})
	return rc, err
}

func (s *Store) RefModified(_ context.Context, vaultID, blockID string) (int64, error) {
	var t int64
	err := s.db.View(func(txn *badgerdb.Txn) error {
		rec, err := s.getBlockRecord(txn, vaultID, blockID)
		if err != nil {
			return fmt.Errorf("ref_modified: %w", err)
		}
		t = rec.RefTime
		return nil
	})
	return t, err
}

func (s *Store) IncRefs(_ context.Context, vaultID string, blockIDs []string, delta int64) error {
	return s.db.Update(func(txn *badgerdb.Txn) error {
		now := time.Now().Unix()
		for _, id := range blockIDs {
			rec, err := s.getBlockRecord(txn, vaultID, id)
			if err == metadata.ErrNotFound {
				continue
			}
			if err != nil {
				return err
			}
			rec.RefCount += delta
			if rec.RefCount < 0 {
				rec.RefCount = 0
			}
			rec.RefTime = now
			if err := txn.Set(blockKey(vaultID, id), encode(rec)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) CreateFile(_ context.Context, vaultID, fileID string) error {
	return s.db.Update(func(txn *badgerdb.Txn) error {
		if _, err := txn.Get(fileKey(vaultID, fileID)); err == nil {
			return nil
		}
		return txn.Set(fileKey(vaultID, fileID), encode(fileRecord{}))
	})
}

func (s *Store) getFileRecord(txn *badgerdb.Txn, vaultID, fileID string) (fileRecord, error) {
	var rec fileRecord
	item, err := txn.Get(fileKey(vaultID, fileID))
	if err == badgerdb.ErrKeyNotFound {
		return rec, metadata.ErrNotFound
	}
	if err != nil {
		return rec, err
	}
	err = item.Value(func(v []byte) error { return decode(v, &rec) })
	return rec, err
}

func (s *Store) HasFile(_ context.Context, vaultID, fileID string) (bool, error) {
	var exists bool
	err := s.db.View(func(txn *badgerdb.Txn) error {
		_, err := s.getFileRecord(txn, vaultID, fileID)
		exists = err == nil
		if err == metadata.ErrNotFound {
			return nil
		}
		return err
	})
	return exists, err
}

func (s *Store) IsFinalized(_ context.Context, vaultID, fileID string) (bool, error) {
	var finalized bool
	err := s.db.View(func(txn *badgerdb.Txn) error {
		rec, err := s.getFileRecord(txn, vaultID, fileID)
		if err != nil {
			return fmt.Errorf("is_finalized: %w", err)
		}
		finalized = rec.Finalized
		return nil
	})
	return finalized, err
}

func (s *Store) DeleteFile(_ context.Context, vaultID, fileID string) error {
	return s.db.Update(func(txn *badgerdb.Txn) error {
		if _, err := s.getFileRecord(txn, vaultID, fileID); err != nil {
			return fmt.Errorf("delete_file: %w", err)
		}
		prefix := fileBlockPrefix(vaultID, fileID)
		it := txn.NewIterator(badgerdb.IteratorOptions{Prefix: prefix})
		now := time.Now().Unix()
		var toDelete [][]byte
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var fb fileBlockValue
			if err := it.Item().Value(func(v []byte) error { return decode(v, &fb) }); err != nil {
				it.Close()
				return err
			}
			toDelete = append(toDelete, it.Item().KeyCopy(nil))
			if rec, err := s.getBlockRecord(txn, vaultID, fb.BlockID); err == nil {
				rec.RefCount--
				if rec.RefCount < 0 {
					rec.RefCount = 0
				}
				rec.RefTime = now
				if err := txn.Set(blockKey(vaultID, fb.BlockID), encode(rec)); err != nil {
					it.Close()
					return err
				}
			}
		}
		it.Close()
		for _, k := range toDelete {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return txn.Delete(fileKey(vaultID, fileID))
	})
}

func (s *Store) FileSize(_ context.Context, vaultID, fileID string) (int64, error) {
	var size int64
	err := s.db.View(func(txn *badgerdb.Txn) error {
		rec, err := s.getFileRecord(txn, vaultID, fileID)
		if err != nil {
			return fmt.Errorf("file_size: %w", err)
		}
		size = rec.Size
		return nil
	})
	return size, err
}

func (s *Store) AssignBlocks(_ context.Context, vaultID, fileID string, assignments []metadata.BlockAssignment) error {
	return s.db.Update(func(txn *badgerdb.Txn) error {
		rec, err := s.getFileRecord(txn, vaultID, fileID)
		if err != nil {
			return fmt.Errorf("assign_blocks: %w", err)
		}
		if rec.Finalized {
			return &metadata.ConstraintError{Op: "assign_blocks", Message: "file is finalized"}
		}
		now := time.Now().Unix()
		for _, a := range assignments {
			size := int64(-1)
			if a.Size != nil {
				size = *a.Size
			}
			blk, err := s.getBlockRecord(txn, vaultID, a.BlockID)
			if err == nil {
				if size < 0 {
					size = blk.Size
				}
				blk.RefCount++
				blk.RefTime = now
				if err := txn.Set(blockKey(vaultID, a.BlockID), encode(blk)); err != nil {
					return err
				}
			} else if err != metadata.ErrNotFound {
				return err
			}
			key := fileBlockKey(vaultID, fileID, a.Offset, a.BlockID)
			if err := txn.Set(key, encode(fileBlockValue{BlockID: a.BlockID, Size: size})); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) ListFileBlocks(_ context.Context, vaultID, fileID, marker string, limit int) ([]metadata.FileBlockRow, error) {
	var rows []metadata.FileBlockRow
	prefix := fileBlockPrefix(vaultID, fileID)
	err := s.db.View(func(txn *badgerdb.Txn) error {
		it := txn.NewIterator(badgerdb.IteratorOptions{Prefix: prefix})
		defer it.Close()
		markerPassed := marker == ""
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var fb fileBlockValue
			if err := it.Item().Value(func(v []byte) error { return decode(v, &fb) }); err != nil {
				return err
			}
			if !markerPassed {
				if fb.BlockID == marker {
					markerPassed = true
				}
				continue
			}
			offset := decodeOffset(it.Item().Key(), prefix)
			rows = append(rows, metadata.FileBlockRow{BlockID: fb.BlockID, Offset: offset, Size: fb.Size})
		}
		return nil
	})
	if limit > 0 && len(rows) > limit+1 {
		rows = rows[:limit+1]
	}
	return rows, err
}

func decodeOffset(key, prefix []byte) int64 {
	rest := key[len(prefix):]
	if len(rest) < 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(rest[:8]))
}

func (s *Store) FinalizeFile(_ context.Context, vaultID, fileID string, declaredSize int64) error {
	return s.db.Update(func(txn *badgerdb.Txn) error {
		rec, err := s.getFileRecord(txn, vaultID, fileID)
		if err != nil {
			return fmt.Errorf("finalize_file: %w", err)
		}
		if rec.Finalized {
			return &metadata.ConstraintError{Op: "finalize_file", Message: "already finalized"}
		}

		prefix := fileBlockPrefix(vaultID, fileID)
		it := txn.NewIterator(badgerdb.IteratorOptions{Prefix: prefix})
		var expected int64
		var lastBlockID string
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var fb fileBlockValue
			if err := it.Item().Value(func(v []byte) error { return decode(v, &fb) }); err != nil {
				it.Close()
				return err
			}
			offset := decodeOffset(it.Item().Key(), prefix)
			size := fb.Size
			if size < 0 {
				if blk, err := s.getBlockRecord(txn, vaultID, fb.BlockID); err == nil {
					size = blk.Size
				} else {
					continue // unresolved: let the gap surface naturally
				}
			}
			switch {
			case offset == expected:
				expected += size
				lastBlockID = fb.BlockID
			case offset < expected:
				it.Close()
				return &metadata.OverlapError{BlockID: fb.BlockID, Start: offset, End: expected}
			default:
				it.Close()
				return &metadata.GapError{Start: expected, End: offset}
			}
		}
		it.Close()

		if declaredSize != expected {
			if declaredSize > expected {
				return &metadata.GapError{Start: expected, End: declaredSize}
			}
			return &metadata.OverlapError{BlockID: lastBlockID, Start: declaredSize, End: expected}
		}

		rec.Finalized = true
		rec.Size = declaredSize
		return txn.Set(fileKey(vaultID, fileID), encode(rec))
	})
}

func (s *Store) ListFiles(_ context.Context, vaultID string, finalizedOnly bool, marker string, limit int) ([]string, error) {
	var ids []string
	prefix := filePrefix(vaultID)
	err := s.db.View(func(txn *badgerdb.Txn) error {
		it := txn.NewIterator(badgerdb.IteratorOptions{Prefix: prefix})
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			id := string(it.Item().Key()[len(prefix):])
			if marker != "" && id <= marker {
				continue
			}
			if finalizedOnly {
				var rec fileRecord
				if err := it.Item().Value(func(v []byte) error { return decode(v, &rec) }); err != nil {
					return err
				}
				if !rec.Finalized {
					continue
				}
			}
			ids = append(ids, id)
		}
		return nil
	})
	return truncate(ids, limit), err
}

func truncate(ids []string, limit int) []string {
	if limit > 0 && len(ids) > limit+1 {
		return ids[:limit+1]
	}
	return ids
}
