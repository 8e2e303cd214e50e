// Package memory implements an in-process MetadataBackend backed by maps
// guarded by a mutex. It exists for tests and for single-process
// deployments that do not need durability.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/marmos91/deuce/pkg/store/metadata"
)

type blockRecord struct {
	storageID string
	size      int64
	invalid   bool
	refCount  int64
	refTime   int64
}

// fileBlockKey identifies one assignment row. A block may be assigned to a
// file at more than one offset (content-addressed dedup), so the row must be
// keyed by (offset, block_id) rather than block_id alone.
type fileBlockKey struct {
	offset  int64
	blockID string
}

type fileRecord struct {
	finalized bool
	size      int64
	blocks    map[fileBlockKey]metadata.FileBlockRow
}

// Store is an in-memory MetadataBackend. The zero value is not usable; call
// New.
type Store struct {
	mu     sync.RWMutex
	vaults map[string]struct{}
	blocks map[string]map[string]*blockRecord // vaultID -> blockID -> record
	files  map[string]map[string]*fileRecord  // vaultID -> fileID -> record
}

var _ metadata.Backend = (*Store)(nil)

// New constructs an empty in-memory metadata store.
func New() *Store {
	return &Store{
		vaults: make(map[string]struct{}),
		blocks: make(map[string]map[string]*blockRecord),
		files:  make(map[string]map[string]*fileRecord),
	}
}

func (s *Store) CreateVault(_ context.Context, vaultID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.vaults[vaultID]; ok {
		return nil
	}
	s.vaults[vaultID] = struct{}{}
	s.blocks[vaultID] = make(map[string]*blockRecord)
	s.files[vaultID] = make(map[string]*fileRecord)
	return nil
}

func (s *Store) DeleteVault(_ context.Context, vaultID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.vaults, vaultID)
	delete(s.blocks, vaultID)
	delete(s.files, vaultID)
	return nil
}

func (s *Store) VaultExists(_ context.Context, vaultID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.vaults[vaultID]
	return ok, nil
}

func (s *Store) ListVaults(_ context.Context, marker string, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.vaults))
	for id := range s.vaults {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return paginate(ids, marker, limit), nil
}

func (s *Store) GetVaultStats(_ context.Context, vaultID string) (metadata.VaultStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return metadata.VaultStats{
		FileCount:  int64(len(s.files[vaultID])),
		BlockCount: int64(len(s.blocks[vaultID])),
	}, nil
}

func (s *Store) RegisterBlock(_ context.Context, vaultID, blockID, storageID string, size int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	vb, ok := s.blocks[vaultID]
	if !ok {
		return fmt.Errorf("register_block: %w: vault %s", metadata.ErrNotFound, vaultID)
	}
	if _, exists := vb[blockID]; exists {
		return nil // idempotent: first binding wins
	}
	vb[blockID] = &blockRecord{
		storageID: storageID,
		size:      size,
		refTime:   time.Now().Unix(),
	}
	return nil
}

func (s *Store) UnregisterBlock(_ context.Context, vaultID, blockID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	vb, ok := s.blocks[vaultID]
	if !ok {
		return fmt.Errorf("unregister_block: %w", metadata.ErrNotFound)
	}
	rec, ok := vb[blockID]
	if !ok {
		return fmt.Errorf("unregister_block: %w", metadata.ErrNotFound)
	}
	if rec.refCount != 0 {
		return &metadata.ConstraintError{Op: "unregister_block", Message: fmt.Sprintf("refcount=%d", rec.refCount)}
	}
	delete(vb, blockID)
	return nil
}

func (s *Store) HasBlock(_ context.Context, vaultID, blockID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blocks[vaultID][blockID]
	return ok, nil
}

func (s *Store) HasBlocks(_ context.Context, vaultID string, blockIDs []string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	vb := s.blocks[vaultID]
	var missing []string
	for _, id := range blockIDs {
		if _, ok := vb[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

func (s *Store) GetStorageID(_ context.Context, vaultID, blockID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.blocks[vaultID][blockID]
	if !ok {
		return "", fmt.Errorf("get_storage_id: %w", metadata.ErrNotFound)
	}
	return rec.storageID, nil
}

func (s *Store) GetMetadataID(_ context.Context, vaultID, storageID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for blockID, rec := range s.blocks[vaultID] {
		if rec.storageID == storageID {
			return blockID, nil
		}
	}
	return "", fmt.Errorf("get_metadata_id: %w", metadata.ErrNotFound)
}

func (s *Store) GetBlockSize(_ context.Context, vaultID, blockID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.blocks[vaultID][blockID]
	if !ok {
		return 0, fmt.Errorf("get_block_size: %w", metadata.ErrNotFound)
	}
	return rec.size, nil
}

func (s *Store) MarkBlockInvalid(_ context.Context, vaultID, blockID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.blocks[vaultID][blockID]
	if !ok {
		return fmt.Errorf("mark_block_invalid: %w", metadata.ErrNotFound)
	}
	rec.invalid = true
	return nil
}

func (s *Store) ListBlocks(_ context.Context, vaultID, marker string, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.blocks[vaultID]))
	for id := range s.blocks[vaultID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return paginate(ids, marker, limit), nil
}

func (s *Store) RefCount(_ context.Context, vaultID, blockID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.blocks[vaultID][blockID]
	if !ok {
		return 0, fmt.Errorf("ref_count: %w", metadata.ErrNotFound)
	}
	return rec.refCount, nil
}

func (s *Store) RefModified(_ context.Context, vaultID, blockID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.blocks[vaultID][blockID]
	if !ok {
		return 0, fmt.Errorf("ref_modified: %w", metadata.ErrNotFound)
	}
	return rec.refTime, nil
}

func (s *Store) IncRefs(_ context.Context, vaultID string, blockIDs []string, delta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	vb := s.blocks[vaultID]
	now := time.Now().Unix()
	for _, id := range blockIDs {
		rec, ok := vb[id]
		if !ok {
			continue // block no longer exists; skip per spec.md §5 race policy
		}
		rec.refCount += delta
		if rec.refCount < 0 {
			rec.refCount = 0
		}
		rec.refTime = now
	}
	return nil
}

func (s *Store) CreateFile(_ context.Context, vaultID, fileID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	vf, ok := s.files[vaultID]
	if !ok {
		return fmt.Errorf("create_file: %w: vault %s", metadata.ErrNotFound, vaultID)
	}
	if _, exists := vf[fileID]; exists {
		return nil
	}
	vf[fileID] = &fileRecord{blocks: make(map[fileBlockKey]metadata.FileBlockRow)}
	return nil
}

func (s *Store) HasFile(_ context.Context, vaultID, fileID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.files[vaultID][fileID]
	return ok, nil
}

func (s *Store) IsFinalized(_ context.Context, vaultID, fileID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.files[vaultID][fileID]
	if !ok {
		return false, fmt.Errorf("is_finalized: %w", metadata.ErrNotFound)
	}
	return rec.finalized, nil
}

func (s *Store) DeleteFile(_ context.Context, vaultID, fileID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	vf := s.files[vaultID]
	rec, ok := vf[fileID]
	if !ok {
		return fmt.Errorf("delete_file: %w", metadata.ErrNotFound)
	}
	now := time.Now().Unix()
	vb := s.blocks[vaultID]
	for _, row := range rec.blocks {
		if b, ok := vb[row.BlockID]; ok {
			b.refCount--
			if b.refCount < 0 {
				b.refCount = 0
			}
			b.refTime = now
		}
	}
	delete(vf, fileID)
	return nil
}

func (s *Store) FileSize(_ context.Context, vaultID, fileID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.files[vaultID][fileID]
	if !ok {
		return 0, fmt.Errorf("file_size: %w", metadata.ErrNotFound)
	}
	return rec.size, nil
}

func (s *Store) AssignBlocks(_ context.Context, vaultID, fileID string, assignments []metadata.BlockAssignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.files[vaultID][fileID]
	if !ok {
		return fmt.Errorf("assign_blocks: %w", metadata.ErrNotFound)
	}
	if rec.finalized {
		return &metadata.ConstraintError{Op: "assign_blocks", Message: "file is finalized"}
	}
	vb := s.blocks[vaultID]
	now := time.Now().Unix()
	refBlockIDs := make([]string, 0, len(assignments))
	for _, a := range assignments {
		size := metadataSizeOrLookup(a, vb)
		key := fileBlockKey{offset: a.Offset, blockID: a.BlockID}
		rec.blocks[key] = metadata.FileBlockRow{BlockID: a.BlockID, Offset: a.Offset, Size: size}
		refBlockIDs = append(refBlockIDs, a.BlockID)
	}
	for _, id := range refBlockIDs {
		if b, ok := vb[id]; ok {
			b.refCount++
			b.refTime = now
		}
	}
	return nil
}

func metadataSizeOrLookup(a metadata.BlockAssignment, vb map[string]*blockRecord) int64 {
	if a.Size != nil {
		return *a.Size
	}
	if rec, ok := vb[a.BlockID]; ok {
		return rec.size
	}
	return -1
}

func (s *Store) ListFileBlocks(_ context.Context, vaultID, fileID, marker string, limit int) ([]metadata.FileBlockRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.files[vaultID][fileID]
	if !ok {
		return nil, fmt.Errorf("list_file_blocks: %w", metadata.ErrNotFound)
	}
	rows := make([]metadata.FileBlockRow, 0, len(rec.blocks))
	for _, row := range rec.blocks {
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Offset < rows[j].Offset })

	if marker == "" {
		return truncateFileBlocks(rows, limit), nil
	}
	start := 0
	for i, r := range rows {
		if r.BlockID > marker {
			start = i
			break
		}
		start = i + 1
	}
	return truncateFileBlocks(rows[start:], limit), nil
}

func truncateFileBlocks(rows []metadata.FileBlockRow, limit int) []metadata.FileBlockRow {
	if limit <= 0 || len(rows) <= limit+1 {
		return rows
	}
	return rows[:limit+1]
}

func (s *Store) FinalizeFile(_ context.Context, vaultID, fileID string, declaredSize int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.files[vaultID][fileID]
	if !ok {
		return fmt.Errorf("finalize_file: %w", metadata.ErrNotFound)
	}
	if rec.finalized {
		return &metadata.ConstraintError{Op: "finalize_file", Message: "already finalized"}
	}

	rows := make([]metadata.FileBlockRow, 0, len(rec.blocks))
	vb := s.blocks[vaultID]
	for _, row := range rec.blocks {
		if row.Size < 0 {
			if b, ok := vb[row.BlockID]; ok {
				row.Size = b.size
			}
		}
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Offset < rows[j].Offset })

	var expected int64
	for _, row := range rows {
		if row.Size < 0 {
			// Still unregistered: skip this assignment: a GapError surfaces
			// naturally once a later offset (or the final size check) fails
			// to line up with `expected` (spec.md §4.4).
			continue
		}
		switch {
		case row.Offset == expected:
			expected += row.Size
		case row.Offset < expected:
			return &metadata.OverlapError{BlockID: row.BlockID, Start: row.Offset, End: expected}
		default:
			return &metadata.GapError{Start: expected, End: row.Offset}
		}
	}
	if declaredSize != expected {
		if declaredSize > expected {
			return &metadata.GapError{Start: expected, End: declaredSize}
		}
		last := ""
		if len(rows) > 0 {
			last = rows[len(rows)-1].BlockID
		}
		return &metadata.OverlapError{BlockID: last, Start: declaredSize, End: expected}
	}

	rec.finalized = true
	rec.size = declaredSize
	return nil
}

func (s *Store) ListFiles(_ context.Context, vaultID string, finalizedOnly bool, marker string, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.files[vaultID]))
	for id, rec := range s.files[vaultID] {
		if finalizedOnly && !rec.finalized {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return paginate(ids, marker, limit), nil
}

func (s *Store) Health(_ context.Context) (string, error) {
	return "memory: ok", nil
}

func (s *Store) Close() error { return nil }

// paginate returns the ordered ids strictly after marker, truncated to
// limit+1 entries so the caller can detect truncation (spec.md §6
// pagination protocol).
func paginate(ids []string, marker string, limit int) []string {
	start := 0
	if marker != "" {
		start = sort.Search(len(ids), func(i int) bool { return ids[i] > marker })
	}
	ids = ids[start:]
	if limit <= 0 || len(ids) <= limit+1 {
		return ids
	}
	return ids[:limit+1]
}
