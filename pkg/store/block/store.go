// Package block defines the BlockBackend capability contract (spec.md
// §4.2): opaque block bytes keyed by a storage ID scoped to a vault.
// Concrete backends live in subpackages (memory, filesystem, s3).
package block

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned by lookups that find nothing.
var ErrNotFound = errors.New("block: not found")

// ErrVaultNotEmpty is returned by DeleteVault when storage objects remain.
var ErrVaultNotEmpty = errors.New("block: vault not empty")

// VaultStats summarizes the storage side of a vault.
type VaultStats struct {
	TotalSize              int64
	BlockCount             int64
	LastModificationAtUnix int64 // 0 if unknown
}

// Backend is the BlockBackend capability contract of spec.md §4.2.
//
// Implementations must enforce their own permission bits and be safe for
// concurrent access within a single process.
type Backend interface {
	CreateVault(ctx context.Context, vaultID string) error
	// DeleteVault must refuse with ErrVaultNotEmpty if the vault still
	// holds storage objects.
	DeleteVault(ctx context.Context, vaultID string) error
	VaultExists(ctx context.Context, vaultID string) (bool, error)
	ListVaultBlocks(ctx context.Context, vaultID, marker string, limit int) ([]string, error)
	GetVaultStats(ctx context.Context, vaultID string) (VaultStats, error)

	// StoreBlock computes storageID as blockID + "_" + uuid5(random) and
	// writes the bytes read from r (exactly size bytes). Two calls with the
	// same blockID yield different storageIDs.
	StoreBlock(ctx context.Context, vaultID, blockID string, size int64, r io.Reader) (storageID string, err error)
	// StoreBlocks is the batched form of StoreBlock.
	StoreBlocks(ctx context.Context, vaultID string, blockIDs []string, sizes []int64, readers []io.Reader) (storageIDs []string, err error)

	BlockExists(ctx context.Context, vaultID, storageID string) (bool, error)
	DeleteBlock(ctx context.Context, vaultID, storageID string) error
	// GetBlock returns a reader over the block bytes. Callers must Close it.
	GetBlock(ctx context.Context, vaultID, storageID string) (io.ReadCloser, error)
	GetBlockLength(ctx context.Context, vaultID, storageID string) (int64, error)

	Health(ctx context.Context) (string, error)
	Close() error
}

// NewStorageID derives an opaque storage ID from blockID and a random
// nonce, per spec.md §3/§4.2: "{block_id}_{uuid5}", deterministic function
// of block_id + a per-registration nonce.
func NewStorageID(blockID string, nonce []byte) string {
	return blockID + "_" + uuid5(blockID, nonce)
}
