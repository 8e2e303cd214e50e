// Package storageblocks implements the StorageBlockService of spec.md
// §4.5: storage-ID addressed retrieval, orphan detection, and the
// PUT-always-405 redirect hint that keeps clients from bypassing the
// content-hash check on the block route.
package storageblocks

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/marmos91/deuce/pkg/apierror"
	"github.com/marmos91/deuce/pkg/model"
	blockstore "github.com/marmos91/deuce/pkg/store/block"
	"github.com/marmos91/deuce/pkg/store/metadata"
)

// Info describes a storage object independent of whether it has a live
// metadata binding.
type Info struct {
	StorageID   string
	MetadataID  string // block_id; empty when Orphan
	Orphan      bool
	RefCount    int64
	RefModified int64
	Size        int64
}

// Service is the storage-ID addressed block service.
type Service struct {
	metadata metadata.Backend
	blocks   blockstore.Backend
}

// New constructs a storage-block Service over the given backends.
func New(metadataBackend metadata.Backend, blockBackend blockstore.Backend) *Service {
	return &Service{metadata: metadataBackend, blocks: blockBackend}
}

func (s *Service) describe(ctx context.Context, vaultID, storageID string) (Info, error) {
	present, err := s.blocks.BlockExists(ctx, vaultID, storageID)
	if err != nil {
		return Info{}, apierror.Internal(fmt.Errorf("describe storage block: exists: %w", err))
	}
	if !present {
		return Info{}, apierror.NotFound(fmt.Sprintf("storage block %s not found", storageID))
	}

	size, err := s.blocks.GetBlockLength(ctx, vaultID, storageID)
	if err != nil {
		return Info{}, apierror.Internal(fmt.Errorf("describe storage block: length: %w", err))
	}

	blockID, err := s.metadata.GetMetadataID(ctx, vaultID, storageID)
	if errors.Is(err, metadata.ErrNotFound) {
		return Info{StorageID: storageID, Orphan: true, Size: size}, nil
	}
	if err != nil {
		return Info{}, apierror.Internal(fmt.Errorf("describe storage block: metadata id: %w", err))
	}

	refcount, err := s.metadata.RefCount(ctx, vaultID, blockID)
	if err != nil {
		return Info{}, apierror.Internal(fmt.Errorf("describe storage block: refcount: %w", err))
	}
	refmod, err := s.metadata.RefModified(ctx, vaultID, blockID)
	if err != nil {
		return Info{}, apierror.Internal(fmt.Errorf("describe storage block: ref_modified: %w", err))
	}

	return Info{
		StorageID: storageID, MetadataID: blockID, Orphan: false,
		RefCount: refcount, RefModified: refmod, Size: size,
	}, nil
}

// Head reports a storage object's descriptor without its bytes.
func (s *Service) Head(ctx context.Context, vaultID, storageID string) (Info, error) {
	if err := model.ValidateStorageID(storageID); err != nil {
		return Info{}, apierror.BadRequest(err.Error())
	}
	return s.describe(ctx, vaultID, storageID)
}

// Get reports a storage object's descriptor and a reader over its bytes.
func (s *Service) Get(ctx context.Context, vaultID, storageID string) (io.ReadCloser, Info, error) {
	info, err := s.Head(ctx, vaultID, storageID)
	if err != nil {
		return nil, Info{}, err
	}
	body, err := s.blocks.GetBlock(ctx, vaultID, storageID)
	if err != nil {
		return nil, Info{}, apierror.Internal(fmt.Errorf("get storage block: body: %w", err))
	}
	return body, info, nil
}

// Delete removes an orphaned storage object. A live (non-orphan) object
// refuses with Conflict, reporting the metadata reference count that is
// still pinning it.
func (s *Service) Delete(ctx context.Context, vaultID, storageID string) error {
	info, err := s.describe(ctx, vaultID, storageID)
	if err != nil {
		return err
	}
	if !info.Orphan {
		return apierror.Conflict(fmt.Sprintf("storage block %s is bound to block %s", storageID, info.MetadataID)).
			WithExtra("X-Block-Reference-Count", strconv.FormatInt(info.RefCount, 10))
	}
	if err := s.blocks.DeleteBlock(ctx, vaultID, storageID); err != nil {
		return apierror.Internal(fmt.Errorf("delete storage block: %w", err))
	}
	return nil
}

// List returns storage IDs in backend-native order.
func (s *Service) List(ctx context.Context, vaultID, marker string, limit int) ([]string, error) {
	ids, err := s.blocks.ListVaultBlocks(ctx, vaultID, marker, limit)
	if err != nil {
		return nil, apierror.Internal(fmt.Errorf("list storage blocks: %w", err))
	}
	return ids, nil
}

// RedirectLocation returns the content-addressed route clients must use
// instead of PUT-ing a storage ID directly (spec.md §4.5). The block ID is
// recovered from the storage ID's own "{block_id}_{uuid}" shape.
func RedirectLocation(vaultID, storageID string) string {
	blockID := storageID
	if idx := strings.IndexByte(storageID, '_'); idx >= 0 {
		blockID = storageID[:idx]
	}
	return fmt.Sprintf("/v1.0/vaults/%s/blocks/%s", vaultID, blockID)
}

// Put always fails: storage IDs are never a valid upload target, since
// that would let a client bind arbitrary bytes to an opaque key without
// the content-hash check the block route enforces.
func (s *Service) Put(vaultID, storageID string) error {
	return apierror.MethodNotAllowed(fmt.Sprintf("storage block %s cannot be written directly", storageID)).
		WithExtra("X-Block-Location", RedirectLocation(vaultID, storageID))
}
