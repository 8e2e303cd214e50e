// Package filesystem implements a BlockBackend over a local directory tree,
// one file per storage object at <root>/<vault>/<storage_id>. It needs no
// infrastructure beyond a local directory; it is not the default backend
// (the default configuration uses the memory backend).
package filesystem

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/marmos91/deuce/pkg/store/block"
)

// Store is a filesystem-tree BlockBackend rooted at Root.
type Store struct {
	root string
	mu   sync.RWMutex // serializes vault create/delete against listing
}

var _ block.Backend = (*Store)(nil)

// New constructs a filesystem BlockBackend rooted at root, creating the
// directory if necessary.
func New(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("filesystem store: create root: %w", err)
	}
	return &Store{root: root}, nil
}

func (s *Store) vaultDir(vaultID string) string {
	return filepath.Join(s.root, vaultID)
}

func (s *Store) objectPath(vaultID, storageID string) string {
	return filepath.Join(s.vaultDir(vaultID), storageID)
}

func (s *Store) CreateVault(_ context.Context, vaultID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(s.vaultDir(vaultID), 0o750); err != nil {
		return fmt.Errorf("create_vault: %w", err)
	}
	return nil
}

func (s *Store) DeleteVault(_ context.Context, vaultID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := os.ReadDir(s.vaultDir(vaultID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("delete_vault: %w", err)
	}
	if len(entries) > 0 {
		return block.ErrVaultNotEmpty
	}
	if err := os.Remove(s.vaultDir(vaultID)); err != nil {
		return fmt.Errorf("delete_vault: %w", err)
	}
	return nil
}

func (s *Store) VaultExists(_ context.Context, vaultID string) (bool, error) {
	info, err := os.Stat(s.vaultDir(vaultID))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("vault_exists: %w", err)
	}
	return info.IsDir(), nil
}

func (s *Store) ListVaultBlocks(_ context.Context, vaultID, marker string, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries, err := os.ReadDir(s.vaultDir(vaultID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list_vault_blocks: %w", err)
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			ids = append(ids, e.Name())
		}
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
	entries, err := os.ReadDir(s.vaultDir(vaultID))
	if err != nil {
		if os.IsNotExist(err) {
			return block.VaultStats{}, nil
		}
		return block.VaultStats{}, fmt.Errorf("get_vault_stats: %w", err)
	}
	var stats block.VaultStats
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		stats.TotalSize += info.Size()
		stats.BlockCount++
		if mt := info.ModTime().Unix(); mt > stats.LastModificationAtUnix {
			stats.LastModificationAtUnix = mt
		}
	}
	return stats, nil
}

func (s *Store) StoreBlock(_ context.Context, vaultID, blockID string, size int64, r io.Reader) (string, error) {
	storageID := block.NewStorageID(blockID, nil)
	path := s.objectPath(vaultID, storageID)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o640)
	if err != nil {
		return "", fmt.Errorf("store_block: create: %w", err)
	}
	n, err := io.Copy(f, io.LimitReader(r, size))
	closeErr := f.Close()
	if err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("store_block: write: %w", err)
	}
	if closeErr != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("store_block: close: %w", closeErr)
	}
	if n != size {
		_ = os.Remove(path)
		return "", fmt.Errorf("store_block: wrote %d bytes, expected %d", n, size)
	}
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
	_, err := os.Stat(s.objectPath(vaultID, storageID))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("block_exists: %w", err)
	}
	return true, nil
}

func (s *Store) DeleteBlock(_ context.Context, vaultID, storageID string) error {
	if err := os.Remove(s.objectPath(vaultID, storageID)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("delete_block: %w", block.ErrNotFound)
		}
		return fmt.Errorf("delete_block: %w", err)
	}
	return nil
}

func (s *Store) GetBlock(_ context.Context, vaultID, storageID string) (io.ReadCloser, error) {
	f, err := os.Open(s.objectPath(vaultID, storageID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("get_block: %w", block.ErrNotFound)
		}
		return nil, fmt.Errorf("get_block: %w", err)
	}
	return f, nil
}

func (s *Store) GetBlockLength(_ context.Context, vaultID, storageID string) (int64, error) {
	info, err := os.Stat(s.objectPath(vaultID, storageID))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("get_block_length: %w", block.ErrNotFound)
		}
		return 0, fmt.Errorf("get_block_length: %w", err)
	}
	return info.Size(), nil
}

func (s *Store) Health(_ context.Context) (string, error) {
	if _, err := os.Stat(s.root); err != nil {
		return "", fmt.Errorf("filesystem: %w", err)
	}
	return fmt.Sprintf("filesystem(%s): ok", s.root), nil
}

func (s *Store) Close() error { return nil }
