// Package vault implements the vault lifecycle service of spec.md §4.6:
// creation, deletion, existence, and merged statistics across the
// MetadataBackend and BlockBackend a Service is constructed with.
package vault

import (
	"context"
	"fmt"

	"github.com/marmos91/deuce/pkg/apierror"
	"github.com/marmos91/deuce/pkg/model"
	blockstore "github.com/marmos91/deuce/pkg/store/block"
	"github.com/marmos91/deuce/pkg/store/metadata"
)

// Stats merges the MetadataBackend and BlockBackend views of a vault.
type Stats struct {
	FileCount              int64
	BlockCount             int64
	TotalSize              int64
	LastModificationAtUnix int64
}

// Service is the vault lifecycle service, holding the two backend handles
// a deployment was configured with.
type Service struct {
	metadata metadata.Backend
	blocks   blockstore.Backend
}

// New constructs a vault Service over the given backends.
func New(metadataBackend metadata.Backend, blockBackend blockstore.Backend) *Service {
	return &Service{metadata: metadataBackend, blocks: blockBackend}
}

// Create creates the vault on the storage backend first, then the metadata
// backend. If the metadata create fails, the storage-side vault is left
// behind; the next Create is idempotent and will complete the metadata
// side (spec.md §4.6).
func (s *Service) Create(ctx context.Context, vaultID string) error {
	if err := model.ValidateVaultID(vaultID); err != nil {
		return apierror.BadRequest(err.Error())
	}
	if err := s.blocks.CreateVault(ctx, vaultID); err != nil {
		return apierror.Internal(fmt.Errorf("create vault: storage: %w", err))
	}
	if err := s.metadata.CreateVault(ctx, vaultID); err != nil {
		return apierror.Internal(fmt.Errorf("create vault: metadata: %w", err))
	}
	return nil
}

// Delete requires the storage side to be empty; metadata is deleted after.
func (s *Service) Delete(ctx context.Context, vaultID string) error {
	if err := s.blocks.DeleteVault(ctx, vaultID); err != nil {
		if err == blockstore.ErrVaultNotEmpty {
			return apierror.Conflict("vault is not empty: delete all blocks before deleting the vault")
		}
		return apierror.Internal(fmt.Errorf("delete vault: storage: %w", err))
	}
	if err := s.metadata.DeleteVault(ctx, vaultID); err != nil {
		return apierror.Internal(fmt.Errorf("delete vault: metadata: %w", err))
	}
	return nil
}

// Exists checks existence in the storage backend, which is authoritative
// for "is there anything to serve" per spec.md §4.6.
func (s *Service) Exists(ctx context.Context, vaultID string) (bool, error) {
	ok, err := s.blocks.VaultExists(ctx, vaultID)
	if err != nil {
		return false, apierror.Internal(fmt.Errorf("vault exists: %w", err))
	}
	return ok, nil
}

// Stats merges statistics from both backends. Returns NotFound if the
// vault does not exist in storage.
func (s *Service) Stats(ctx context.Context, vaultID string) (Stats, error) {
	exists, err := s.Exists(ctx, vaultID)
	if err != nil {
		return Stats{}, err
	}
	if !exists {
		return Stats{}, apierror.NotFound(fmt.Sprintf("vault %q not found", vaultID))
	}

	blockStats, err := s.blocks.GetVaultStats(ctx, vaultID)
	if err != nil {
		return Stats{}, apierror.Internal(fmt.Errorf("vault stats: storage: %w", err))
	}
	metaStats, err := s.metadata.GetVaultStats(ctx, vaultID)
	if err != nil {
		return Stats{}, apierror.Internal(fmt.Errorf("vault stats: metadata: %w", err))
	}

	return Stats{
		FileCount:              metaStats.FileCount,
		BlockCount:             blockStats.BlockCount,
		TotalSize:              blockStats.TotalSize,
		LastModificationAtUnix: blockStats.LastModificationAtUnix,
	}, nil
}

// List returns vault IDs from the metadata backend, which is the
// tenant-scoped source of truth for vault membership.
func (s *Service) List(ctx context.Context, marker string, limit int) ([]string, error) {
	ids, err := s.metadata.ListVaults(ctx, marker, limit)
	if err != nil {
		return nil, apierror.Internal(fmt.Errorf("list vaults: %w", err))
	}
	return ids, nil
}
