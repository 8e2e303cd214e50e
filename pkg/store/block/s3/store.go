// Package s3 implements a BlockBackend backed by an S3-compatible object
// store: a per-vault key prefix, a configurable endpoint override for
// S3-compatible services (MinIO, Localstack), and string-matched
// not-found detection since the SDK does not surface a typed "key not
// found" error for GetObject on all providers.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	blockstore "github.com/marmos91/deuce/pkg/store/block"
)

// Config configures the S3 block backend.
type Config struct {
	Bucket         string
	Region         string
	Endpoint       string // override for S3-compatible services; empty uses AWS defaults
	KeyPrefix      string // namespaces all keys, e.g. "deuce/"
	MaxRetries     int
	ForcePathStyle bool
}

// Store is an S3-backed BlockBackend.
type Store struct {
	client *s3.Client
	cfg    Config
}

var _ blockstore.Backend = (*Store)(nil)

// New builds a Store using ambient AWS credential discovery
// (environment, shared config, IAM role).
func New(ctx context.Context, cfg Config) (*Store, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithRetryMaxAttempts(maxOr(cfg.MaxRetries, 3)),
	)
	if err != nil {
		return nil, fmt.Errorf("s3 store: load aws config: %w", err)
	}
	return NewFromConfig(awsCfg, cfg)
}

// NewFromConfig builds a Store from an already-resolved aws.Config,
// useful for tests that point at Localstack or MinIO via cfg.Endpoint.
func NewFromConfig(awsCfg aws.Config, cfg Config) (*Store, error) {
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})
	return &Store{client: client, cfg: cfg}, nil
}

func (s *Store) key(vaultID, storageID string) string {
	return s.cfg.KeyPrefix + vaultID + "/" + storageID
}

func (s *Store) vaultPrefix(vaultID string) string {
	return s.cfg.KeyPrefix + vaultID + "/"
}

func (s *Store) CreateVault(_ context.Context, _ string) error {
	// S3 has no directory concept; a vault exists implicitly once it has
	// at least one object under its prefix. Nothing to create.
	return nil
}

func (s *Store) DeleteVault(ctx context.Context, vaultID string) error {
	ids, err := s.ListVaultBlocks(ctx, vaultID, "", 0)
	if err != nil {
		return fmt.Errorf("delete_vault: %w", err)
	}
	if len(ids) > 0 {
		return blockstore.ErrVaultNotEmpty
	}
	return nil
}

func (s *Store) VaultExists(ctx context.Context, vaultID string) (bool, error) {
	out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(s.cfg.Bucket),
		Prefix:  aws.String(s.vaultPrefix(vaultID)),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return false, fmt.Errorf("vault_exists: %w", err)
	}
	return len(out.Contents) > 0, nil
}

func (s *Store) ListVaultBlocks(ctx context.Context, vaultID, marker string, limit int) ([]string, error) {
	prefix := s.vaultPrefix(vaultID)
	var ids []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.cfg.Bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list_vault_blocks: %w", err)
		}
		for _, obj := range page.Contents {
			ids = append(ids, strings.TrimPrefix(aws.ToString(obj.Key), prefix))
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

func (s *Store) GetVaultStats(ctx context.Context, vaultID string) (blockstore.VaultStats, error) {
	prefix := s.vaultPrefix(vaultID)
	var stats blockstore.VaultStats
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.cfg.Bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return blockstore.VaultStats{}, fmt.Errorf("get_vault_stats: %w", err)
		}
		for _, obj := range page.Contents {
			stats.TotalSize += aws.ToInt64(obj.Size)
			stats.BlockCount++
			if obj.LastModified != nil {
				if mt := obj.LastModified.Unix(); mt > stats.LastModificationAtUnix {
					stats.LastModificationAtUnix = mt
				}
			}
		}
	}
	return stats, nil
}

func (s *Store) StoreBlock(ctx context.Context, vaultID, blockID string, size int64, r io.Reader) (string, error) {
	storageID := blockstore.NewStorageID(blockID, nil)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.cfg.Bucket),
		Key:           aws.String(s.key(vaultID, storageID)),
		Body:          r,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return "", fmt.Errorf("store_block: %w", err)
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

func (s *Store) BlockExists(ctx context.Context, vaultID, storageID string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(s.key(vaultID, storageID)),
	})
	if err != nil {
		if isNotFoundError(err) {
			return false, nil
		}
		return false, fmt.Errorf("block_exists: %w", err)
	}
	return true, nil
}

func (s *Store) DeleteBlock(ctx context.Context, vaultID, storageID string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(s.key(vaultID, storageID)),
	})
	if err != nil {
		return fmt.Errorf("delete_block: %w", err)
	}
	return nil
}

func (s *Store) GetBlock(ctx context.Context, vaultID, storageID string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(s.key(vaultID, storageID)),
	})
	if err != nil {
		if isNotFoundError(err) {
			return nil, fmt.Errorf("get_block: %w", blockstore.ErrNotFound)
		}
		return nil, fmt.Errorf("get_block: %w", err)
	}
	return out.Body, nil
}

func (s *Store) GetBlockLength(ctx context.Context, vaultID, storageID string) (int64, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(s.key(vaultID, storageID)),
	})
	if err != nil {
		if isNotFoundError(err) {
			return 0, fmt.Errorf("get_block_length: %w", blockstore.ErrNotFound)
		}
		return 0, fmt.Errorf("get_block_length: %w", err)
	}
	return aws.ToInt64(out.ContentLength), nil
}

func (s *Store) Health(ctx context.Context) (string, error) {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.cfg.Bucket)})
	if err != nil {
		return "", fmt.Errorf("s3(%s): %w", s.cfg.Bucket, err)
	}
	return fmt.Sprintf("s3(%s): ok", s.cfg.Bucket), nil
}

func (s *Store) Close() error { return nil }

// isNotFoundError reports whether err represents a missing S3 object or
// bucket, across the typed errors some SDK paths return and the generic
// ones others do.
func isNotFoundError(err error) bool {
	var nf *types.NotFound
	var nsk *types.NoSuchKey
	if errors.As(err, &nf) || errors.As(err, &nsk) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "NotFound") || strings.Contains(msg, "NoSuchKey") || strings.Contains(msg, "404")
}

func maxOr(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}
