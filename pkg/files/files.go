// Package files implements the FileService of spec.md §4.4: block
// assignment, the finalization gap/overlap walk (delegated to the
// MetadataBackend's FinalizeFile), streaming a finalized file's bytes,
// and file deletion.
package files

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/marmos91/deuce/pkg/apierror"
	"github.com/marmos91/deuce/pkg/metrics"
	"github.com/marmos91/deuce/pkg/model"
	blockstore "github.com/marmos91/deuce/pkg/store/block"
	"github.com/marmos91/deuce/pkg/store/metadata"
)

// Assignment is one (block_id, offset) pair from a POST .../blocks body.
type Assignment struct {
	BlockID string
	Offset  int64
}

// FileBlock is one row of a file's offset-ordered block tiling.
type FileBlock struct {
	BlockID string
	Offset  int64
	Size    int64
}

// Service is the file assembly/streaming/deletion service.
type Service struct {
	metadata metadata.Backend
	blocks   blockstore.Backend
	metrics  metrics.Metrics
}

// New constructs a file Service over the given backends. m may be nil.
func New(metadataBackend metadata.Backend, blockBackend blockstore.Backend, m metrics.Metrics) *Service {
	return &Service{metadata: metadataBackend, blocks: blockBackend, metrics: m}
}

// Create registers a new, unfinalized file.
func (s *Service) Create(ctx context.Context, vaultID, fileID string) error {
	if err := model.ValidateFileID(fileID); err != nil {
		return apierror.BadRequest(err.Error())
	}
	if err := s.metadata.CreateFile(ctx, vaultID, fileID); err != nil {
		return apierror.Internal(fmt.Errorf("create file: %w", err))
	}
	return nil
}

// AssignBlocks appends assignments to an unfinalized file. Block sizes are
// looked up from the metadata backend's block registration; unregistered
// blocks carry a null size that is re-resolved at finalization time.
func (s *Service) AssignBlocks(ctx context.Context, vaultID, fileID string, assignments []Assignment) error {
	rows := make([]metadata.BlockAssignment, len(assignments))
	for i, a := range assignments {
		rows[i] = metadata.BlockAssignment{BlockID: a.BlockID, Offset: a.Offset}
	}
	err := s.metadata.AssignBlocks(ctx, vaultID, fileID, rows)
	if err == nil {
		return nil
	}
	if errors.Is(err, metadata.ErrNotFound) {
		return apierror.NotFound(fmt.Sprintf("file %s not found", fileID))
	}
	if ce, ok := err.(*metadata.ConstraintError); ok {
		return apierror.Conflict(ce.Error())
	}
	return apierror.Internal(fmt.Errorf("assign blocks: %w", err))
}

// Finalize runs the gap/overlap walk against the declared size and, on a
// clean walk, flips the file to finalized.
func (s *Service) Finalize(ctx context.Context, vaultID, fileID string, declaredSize int64) error {
	start := time.Now()
	outErr := s.finalize(ctx, vaultID, fileID, declaredSize)
	if s.metrics != nil {
		status := "ok"
		if outErr != nil {
			if apiErr, ok := apierror.As(outErr); ok {
				status = string(apiErr.Kind)
			} else {
				status = "error"
			}
		}
		s.metrics.ObserveFinalize(status, time.Since(start))
	}
	return outErr
}

func (s *Service) finalize(ctx context.Context, vaultID, fileID string, declaredSize int64) error {
	err := s.metadata.FinalizeFile(ctx, vaultID, fileID, declaredSize)
	if err == nil {
		return nil
	}
	if errors.Is(err, metadata.ErrNotFound) {
		return apierror.NotFound(fmt.Sprintf("file %s not found", fileID))
	}
	switch e := err.(type) {
	case *metadata.GapError:
		return apierror.Conflict(fmt.Sprintf("gap in file block tiling: [%d, %d)", e.Start, e.End))
	case *metadata.OverlapError:
		return apierror.Conflict(fmt.Sprintf("overlap at block %s: [%d, %d)", e.BlockID, e.Start, e.End))
	case *metadata.ConstraintError:
		return apierror.Conflict(e.Error())
	default:
		return apierror.Internal(fmt.Errorf("finalize file: %w", err))
	}
}

// ListBlocks returns the file's offset-ordered block tiling.
func (s *Service) ListBlocks(ctx context.Context, vaultID, fileID, marker string, limit int) ([]FileBlock, error) {
	rows, err := s.metadata.ListFileBlocks(ctx, vaultID, fileID, marker, limit)
	if err != nil {
		return nil, apierror.Internal(fmt.Errorf("list file blocks: %w", err))
	}
	out := make([]FileBlock, len(rows))
	for i, r := range rows {
		out[i] = FileBlock{BlockID: r.BlockID, Offset: r.Offset, Size: r.Size}
	}
	return out, nil
}

// List returns file IDs, optionally restricted to finalized files.
func (s *Service) List(ctx context.Context, vaultID string, finalizedOnly bool, marker string, limit int) ([]string, error) {
	ids, err := s.metadata.ListFiles(ctx, vaultID, finalizedOnly, marker, limit)
	if err != nil {
		return nil, apierror.Internal(fmt.Errorf("list files: %w", err))
	}
	return ids, nil
}

// Stream opens a sequential reader over a finalized file's bytes in
// offset order, alongside its total size. Blocks are fetched from storage
// lazily, one at a time, as the returned reader is consumed.
func (s *Service) Stream(ctx context.Context, vaultID, fileID string) (io.ReadCloser, int64, error) {
	finalized, err := s.metadata.IsFinalized(ctx, vaultID, fileID)
	if err != nil {
		if errors.Is(err, metadata.ErrNotFound) {
			return nil, 0, apierror.NotFound(fmt.Sprintf("file %s not found", fileID))
		}
		return nil, 0, apierror.Internal(fmt.Errorf("stream file: %w", err))
	}
	if !finalized {
		return nil, 0, apierror.Conflict(fmt.Sprintf("file %s is not finalized", fileID))
	}

	size, err := s.metadata.FileSize(ctx, vaultID, fileID)
	if err != nil {
		return nil, 0, apierror.Internal(fmt.Errorf("stream file: size: %w", err))
	}

	// limit=0 means unbounded across every backend's ListFileBlocks.
	rows, err := s.metadata.ListFileBlocks(ctx, vaultID, fileID, "", 0)
	if err != nil {
		return nil, 0, apierror.Internal(fmt.Errorf("stream file: blocks: %w", err))
	}

	storageIDs := make([]string, len(rows))
	for i, row := range rows {
		storageID, err := s.metadata.GetStorageID(ctx, vaultID, row.BlockID)
		if err != nil {
			return nil, 0, apierror.Internal(fmt.Errorf("stream file: storage id for %s: %w", row.BlockID, err))
		}
		storageIDs[i] = storageID
	}

	return &sequentialReader{ctx: ctx, blocks: s.blocks, vaultID: vaultID, storageIDs: storageIDs}, size, nil
}

// sequentialReader concatenates a vault's storage objects in order,
// opening each one lazily as the previous is exhausted.
type sequentialReader struct {
	ctx        context.Context
	blocks     blockstore.Backend
	vaultID    string
	storageIDs []string
	idx        int
	current    io.ReadCloser
}

func (r *sequentialReader) Read(p []byte) (int, error) {
	for {
		if r.current == nil {
			if r.idx >= len(r.storageIDs) {
				return 0, io.EOF
			}
			body, err := r.blocks.GetBlock(r.ctx, r.vaultID, r.storageIDs[r.idx])
			if err != nil {
				return 0, fmt.Errorf("sequential read: block %d: %w", r.idx, err)
			}
			r.current = body
			r.idx++
		}
		n, err := r.current.Read(p)
		if err == io.EOF {
			_ = r.current.Close()
			r.current = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (r *sequentialReader) Close() error {
	if r.current != nil {
		return r.current.Close()
	}
	return nil
}

// Delete removes the file row and decrements the refcount of every block
// it referenced.
func (s *Service) Delete(ctx context.Context, vaultID, fileID string) error {
	err := s.metadata.DeleteFile(ctx, vaultID, fileID)
	if err == nil {
		return nil
	}
	if errors.Is(err, metadata.ErrNotFound) {
		return apierror.NotFound(fmt.Sprintf("file %s not found", fileID))
	}
	return apierror.Internal(fmt.Errorf("delete file: %w", err))
}
