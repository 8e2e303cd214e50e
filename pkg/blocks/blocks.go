// Package blocks implements the BlockService of spec.md §4.3: content-ID
// addressed upload, retrieval, and deletion of blocks, including the
// metadata/storage divergence matrix and the SHA-1 content-identity check.
package blocks

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/marmos91/deuce/pkg/apierror"
	"github.com/marmos91/deuce/pkg/metrics"
	"github.com/marmos91/deuce/pkg/model"
	blockstore "github.com/marmos91/deuce/pkg/store/block"
	"github.com/marmos91/deuce/pkg/store/metadata"
)

// Info is the reference/storage metadata carried on block responses.
type Info struct {
	BlockID     string
	StorageID   string
	Size        int64
	RefCount    int64
	RefModified int64
}

// Service is the content-addressed block service.
type Service struct {
	metadata metadata.Backend
	blocks   blockstore.Backend
	metrics  metrics.Metrics
}

// New constructs a block Service over the given backends. m may be nil.
func New(metadataBackend metadata.Backend, blockBackend blockstore.Backend, m metrics.Metrics) *Service {
	return &Service{metadata: metadataBackend, blocks: blockBackend, metrics: m}
}

// Put uploads a single block, verifying its SHA-1 against blockID and its
// length against contentLength before registering it (spec.md §4.3 steps
// 1-4). A repeated PUT of the same blockID creates a new, orphaned storage
// object; the first registered binding keeps serving reads.
func (s *Service) Put(ctx context.Context, vaultID, blockID string, contentLength int64, r io.Reader) (Info, error) {
	start := time.Now()
	info, err := s.put(ctx, vaultID, blockID, contentLength, r)
	if s.metrics != nil {
		s.metrics.ObserveBlockOperation("put", outcomeOf(err), time.Since(start))
		if err == nil {
			s.metrics.RecordBlockBytes("put", info.Size)
		}
	}
	return info, err
}

func (s *Service) put(ctx context.Context, vaultID, blockID string, contentLength int64, r io.Reader) (Info, error) {
	if err := model.ValidateBlockID(blockID); err != nil {
		return Info{}, apierror.BadRequest(err.Error())
	}

	data, err := readExact(r, contentLength)
	if err != nil {
		return Info{}, apierror.LengthMismatch(err.Error())
	}
	if sum := sha1.Sum(data); hex.EncodeToString(sum[:]) != blockID {
		return Info{}, apierror.HashMismatch(fmt.Sprintf("body does not hash to block id %s", blockID))
	}

	storageID, err := s.blocks.StoreBlock(ctx, vaultID, blockID, int64(len(data)), bytes.NewReader(data))
	if err != nil {
		return Info{}, apierror.Internal(fmt.Errorf("put block: store: %w", err))
	}
	if err := s.metadata.RegisterBlock(ctx, vaultID, blockID, storageID, int64(len(data))); err != nil {
		return Info{}, apierror.Internal(fmt.Errorf("put block: register: %w", err))
	}

	return s.describe(ctx, vaultID, blockID, storageID, int64(len(data)))
}

// outcomeOf classifies an error for metric labels without leaking its full
// text (label cardinality must stay bounded).
func outcomeOf(err error) string {
	if err == nil {
		return "ok"
	}
	if apiErr, ok := apierror.As(err); ok {
		return string(apiErr.Kind)
	}
	return "error"
}

// BatchEntry is one block of a POST vault/blocks batched upload.
type BatchEntry struct {
	BlockID string
	Body    []byte
}

// PutBatch uploads every entry. Per spec.md §4.3, a failure of any single
// entry fails the whole batch; partial results are left for out-of-band
// reclamation rather than rolled back.
func (s *Service) PutBatch(ctx context.Context, vaultID string, entries []BatchEntry) ([]Info, error) {
	results := make([]Info, 0, len(entries))
	for _, e := range entries {
		info, err := s.Put(ctx, vaultID, e.BlockID, int64(len(e.Body)), bytes.NewReader(e.Body))
		if err != nil {
			return nil, apierror.Internal(fmt.Errorf("batch upload: block %s: %w", e.BlockID, err))
		}
		results = append(results, info)
	}
	return results, nil
}

func readExact(r io.Reader, contentLength int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, contentLength+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(data)) != contentLength {
		return nil, fmt.Errorf("body is %d bytes, content-length declared %d", len(data), contentLength)
	}
	return data, nil
}

// resolve implements the GET/HEAD divergence matrix of spec.md §4.3. It
// returns the live storage ID on the present/present path, or an
// *apierror.Error for every other cell of the table.
func (s *Service) resolve(ctx context.Context, vaultID, blockID string) (storageID string, size int64, err error) {
	hasMeta, err := s.metadata.HasBlock(ctx, vaultID, blockID)
	if err != nil {
		return "", 0, apierror.Internal(fmt.Errorf("resolve block: %w", err))
	}
	if !hasMeta {
		return "", 0, apierror.NotFound(fmt.Sprintf("block %s not found", blockID))
	}

	storageID, err = s.metadata.GetStorageID(ctx, vaultID, blockID)
	if err != nil {
		return "", 0, apierror.Internal(fmt.Errorf("resolve block: storage id: %w", err))
	}
	size, err = s.metadata.GetBlockSize(ctx, vaultID, blockID)
	if err != nil {
		return "", 0, apierror.Internal(fmt.Errorf("resolve block: size: %w", err))
	}

	storagePresent, err := s.blocks.BlockExists(ctx, vaultID, storageID)
	if err != nil {
		return "", 0, apierror.Internal(fmt.Errorf("resolve block: storage exists: %w", err))
	}
	if !storagePresent {
		_ = s.metadata.MarkBlockInvalid(ctx, vaultID, blockID)
		refcount, _ := s.metadata.RefCount(ctx, vaultID, blockID)
		refmod, _ := s.metadata.RefModified(ctx, vaultID, blockID)
		if s.metrics != nil {
			s.metrics.RecordBlockInvalidated(vaultID)
		}
		return "", 0, apierror.Gone(fmt.Sprintf("block %s is registered but its storage object is missing", blockID)).
			WithExtra("X-Block-Reference-Count", strconv.FormatInt(refcount, 10)).
			WithExtra("X-Ref-Modified", strconv.FormatInt(refmod, 10))
	}

	return storageID, size, nil
}

// Head resolves a block's reference/storage headers without its body.
func (s *Service) Head(ctx context.Context, vaultID, blockID string) (Info, error) {
	start := time.Now()
	storageID, size, err := s.resolve(ctx, vaultID, blockID)
	if err != nil {
		s.observe("head", err, start)
		return Info{}, err
	}
	info, err := s.describe(ctx, vaultID, blockID, storageID, size)
	s.observe("head", err, start)
	return info, err
}

// Get resolves a block and returns a reader over its bytes.
func (s *Service) Get(ctx context.Context, vaultID, blockID string) (io.ReadCloser, Info, error) {
	start := time.Now()
	storageID, size, err := s.resolve(ctx, vaultID, blockID)
	if err != nil {
		s.observe("get", err, start)
		return nil, Info{}, err
	}
	info, err := s.describe(ctx, vaultID, blockID, storageID, size)
	if err != nil {
		s.observe("get", err, start)
		return nil, Info{}, err
	}
	body, err := s.blocks.GetBlock(ctx, vaultID, storageID)
	if err != nil {
		err = apierror.Internal(fmt.Errorf("get block: body: %w", err))
		s.observe("get", err, start)
		return nil, Info{}, err
	}
	s.observe("get", nil, start)
	if s.metrics != nil {
		s.metrics.RecordBlockBytes("get", info.Size)
	}
	return body, info, nil
}

func (s *Service) observe(operation string, err error, start time.Time) {
	if s.metrics != nil {
		s.metrics.ObserveBlockOperation(operation, outcomeOf(err), time.Since(start))
	}
}

func (s *Service) describe(ctx context.Context, vaultID, blockID, storageID string, size int64) (Info, error) {
	refcount, err := s.metadata.RefCount(ctx, vaultID, blockID)
	if err != nil {
		return Info{}, apierror.Internal(fmt.Errorf("describe block: refcount: %w", err))
	}
	refmod, err := s.metadata.RefModified(ctx, vaultID, blockID)
	if err != nil {
		return Info{}, apierror.Internal(fmt.Errorf("describe block: ref_modified: %w", err))
	}
	return Info{BlockID: blockID, StorageID: storageID, Size: size, RefCount: refcount, RefModified: refmod}, nil
}

// Delete refuses with Conflict if the block is still referenced by any
// file; otherwise unregisters it and deletes the storage object. A
// storage-delete failure after a successful unregister leaves the object
// orphaned, which is acceptable (spec.md §4.3).
func (s *Service) Delete(ctx context.Context, vaultID, blockID string) error {
	start := time.Now()
	err := s.delete(ctx, vaultID, blockID)
	s.observe("delete", err, start)
	return err
}

func (s *Service) delete(ctx context.Context, vaultID, blockID string) error {
	refcount, err := s.metadata.RefCount(ctx, vaultID, blockID)
	if err != nil {
		if errors.Is(err, metadata.ErrNotFound) {
			return apierror.NotFound(fmt.Sprintf("block %s not found", blockID))
		}
		return apierror.Internal(fmt.Errorf("delete block: refcount: %w", err))
	}
	if refcount > 0 {
		return apierror.Conflict(fmt.Sprintf("block %s is still referenced", blockID)).
			WithExtra("X-Block-Reference-Count", strconv.FormatInt(refcount, 10))
	}

	storageID, err := s.metadata.GetStorageID(ctx, vaultID, blockID)
	if err != nil {
		return apierror.Internal(fmt.Errorf("delete block: storage id: %w", err))
	}
	if err := s.metadata.UnregisterBlock(ctx, vaultID, blockID); err != nil {
		return apierror.Internal(fmt.Errorf("delete block: unregister: %w", err))
	}
	if err := s.blocks.DeleteBlock(ctx, vaultID, storageID); err != nil {
		// The block is now orphaned in storage; reclaimable out of band.
		return nil
	}
	return nil
}

// List returns block IDs registered in the vault's metadata.
func (s *Service) List(ctx context.Context, vaultID, marker string, limit int) ([]string, error) {
	ids, err := s.metadata.ListBlocks(ctx, vaultID, marker, limit)
	if err != nil {
		return nil, apierror.Internal(fmt.Errorf("list blocks: %w", err))
	}
	return ids, nil
}
