// Package memory implements an in-process BlockBackend backed by maps
// guarded by a mutex, copying data on access.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/marmos91/deuce/pkg/store/block"
)

type object struct {
	bytes    []byte
	modified int64
}

// Store is an in-memory BlockBackend.
type Store struct {
	mu      sync.RWMutex
	vaults  map[string]struct{}
	objects map[string]map[string]*object // vaultID -> storageID -> object
}

var _ block.Backend = (*Store)(nil)

// New constructs an empty in-memory block store.
func New() *Store {
	return &Store{
		vaults:  make(map[string]struct{}),
		objects: make(map[string]map[string]*object),
	}
}

func (s *Store) CreateVault(_ context.Context, vaultID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.vaults[vaultID]; ok {
		return nil
	}
	s.vaults[vaultID] = struct{}{}
	s.objects[vaultID] = make(map[string]*object)
	return nil
}

func (s *Store) DeleteVault(_ context.Context, vaultID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.objects[vaultID]) > 0 {
		return block.ErrVaultNotEmpty
	}
	delete(s.vaults, vaultID)
	delete(s.objects, vaultID)
	return nil
}

func (s *Store) VaultExists(_ context.Context, vaultID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.vaults[vaultID]
	return ok, nil
}

func (s *Store) ListVaultBlocks(_ context.Context, vaultID, marker string, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.objects[vaultID]))
	for id := range s.objects[vaultID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	start := 0
	if marker != "" {
		start = sort.Search(len(ids), func(i int) bool { return ids[i] > marker })
	}
	ids = ids[start:]
	if limit > 0 && len(ids) > limit+1 {
		ids = ids[:limit+1]
	}
	return ids, nil
}

func (s *Store) GetVaultStats(_ context.Context, vaultID string) (block.VaultStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var stats block.VaultStats
	for _, obj := range s.objects[vaultID] {
		stats.TotalSize += int64(len(obj.bytes))
		stats.BlockCount++
		if obj.modified > stats.LastModificationAtUnix {
			stats.LastModificationAtUnix = obj.modified
		}
	}
	return stats, nil
}

func (s *Store) StoreBlock(_ context.Context, vaultID, blockID string, size int64, r io.Reader) (string, error) {
	data, err := io.ReadAll(io.LimitReader(r, size+1))
	if err != nil {
		return "", fmt.Errorf("store_block: read body: %w", err)
	}
	if int64(len(data)) != size {
		return "", fmt.Errorf("store_block: read %d bytes, expected %d", len(data), size)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	vo, ok := s.objects[vaultID]
	if !ok {
		return "", fmt.Errorf("store_block: %w: vault %s", block.ErrNotFound, vaultID)
	}
	storageID := block.NewStorageID(blockID, nil)
	vo[storageID] = &object{bytes: bytes.Clone(data), modified: time.Now().Unix()}
	return storageID, nil
}

func (s *Store) StoreBlocks(ctx context.Context, vaultID string, blockIDs []string, sizes []int64, readers []io.Reader) ([]string, error) {
	storageIDs := make([]string, len(blockIDs))
	for i := range blockIDs {
		id, err := s.StoreBlock(ctx, vaultID, blockIDs[i], sizes[i], readers[i])
		if err != nil {
			return nil, fmt.Errorf("store_blocks[%d]: %w", i, err)
		}
		storageIDs[i] = id
	}
	return storageIDs, nil
}

func (s *Store) BlockExists(_ context.Context, vaultID, storageID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.objects[vaultID][storageID]
	return ok, nil
}

func (s *Store) DeleteBlock(_ context.Context, vaultID, storageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	vo, ok := s.objects[vaultID]
	if !ok {
		return fmt.Errorf("delete_block: %w", block.ErrNotFound)
	}
	if _, ok := vo[storageID]; !ok {
		return fmt.Errorf("delete_block: %w", block.ErrNotFound)
	}
	delete(vo, storageID)
	return nil
}

func (s *Store) GetBlock(_ context.Context, vaultID, storageID string) (io.ReadCloser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[vaultID][storageID]
	if !ok {
		return nil, fmt.Errorf("get_block: %w", block.ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(bytes.Clone(obj.bytes))), nil
}

func (s *Store) GetBlockLength(_ context.Context, vaultID, storageID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[vaultID][storageID]
	if !ok {
		return 0, fmt.Errorf("get_block_length: %w", block.ErrNotFound)
	}
	return int64(len(obj.bytes)), nil
}

func (s *Store) Health(_ context.Context) (string, error) {
	return "memory: ok", nil
}

func (s *Store) Close() error { return nil }
