//go:build integration

package s3_test

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	blockstore "github.com/marmos91/deuce/pkg/store/block"
	blocks3 "github.com/marmos91/deuce/pkg/store/block/s3"
)

// localstackHelper manages the Localstack container for S3 integration tests.
type localstackHelper struct {
	container testcontainers.Container
	endpoint  string
	client    *s3.Client
}

func newLocalstackHelper(t *testing.T) *localstackHelper {
	t.Helper()
	ctx := context.Background()

	if endpoint := os.Getenv("LOCALSTACK_ENDPOINT"); endpoint != "" {
		helper := &localstackHelper{endpoint: endpoint}
		helper.createClient(t)
		return helper
	}

	req := testcontainers.ContainerRequest{
		Image:        "localstack/localstack:3.0",
		ExposedPorts: []string{"4566/tcp"},
		Env: map[string]string{
			"SERVICES":              "s3",
			"DEFAULT_REGION":        "us-east-1",
			"EAGER_SERVICE_LOADING": "1",
		},
		WaitingFor: wait.ForAll(
			wait.ForListeningPort("4566/tcp"),
			wait.ForHTTP("/_localstack/health").
				WithPort("4566/tcp").
				WithStartupTimeout(60*time.Second),
		),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("failed to start localstack container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("failed to get container host: %v", err)
	}

	port, err := container.MappedPort(ctx, "4566")
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("failed to get container port: %v", err)
	}

	helper := &localstackHelper{
		container: container,
		endpoint:  fmt.Sprintf("http://%s:%s", host, port.Port()),
	}
	helper.createClient(t)

	return helper
}

func (lh *localstackHelper) createClient(t *testing.T) {
	t.Helper()
	ctx := context.Background()

	cfg, err := awsConfig.LoadDefaultConfig(ctx,
		awsConfig.WithRegion("us-east-1"),
		awsConfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			"test", "test", "",
		)),
	)
	if err != nil {
		t.Fatalf("Failed to load AWS config: %v", err)
	}

	lh.client = s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = &lh.endpoint
		o.UsePathStyle = true
	})
}

func (lh *localstackHelper) createBucket(t *testing.T, bucketName string) {
	t.Helper()
	ctx := context.Background()

	_, err := lh.client.CreateBucket(ctx, &s3.CreateBucketInput{
		Bucket: aws.String(bucketName),
	})
	if err != nil {
		t.Fatalf("Failed to create test bucket: %v", err)
	}
}

func (lh *localstackHelper) cleanupBucket(bucketName string) {
	ctx := context.Background()

	listResp, _ := lh.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucketName),
	})
	if listResp != nil {
		for _, obj := range listResp.Contents {
			_, _ = lh.client.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(bucketName),
				Key:    obj.Key,
			})
		}
	}

	_, _ = lh.client.DeleteBucket(ctx, &s3.DeleteBucketInput{
		Bucket: aws.String(bucketName),
	})
}

func (lh *localstackHelper) cleanup() {
	if lh.container != nil {
		ctx := context.Background()
		_ = lh.container.Terminate(ctx)
	}
}

// TestS3BlockBackend_Integration exercises vault create/delete and the
// single-object BlockBackend operations (store, exists, length, get, delete)
// against a real S3-compatible service (Localstack via testcontainers).
func TestS3BlockBackend_Integration(t *testing.T) {
	ctx := context.Background()

	helper := newLocalstackHelper(t)
	defer helper.cleanup()

	bucketName := "deuce-blockstore-test"
	helper.createBucket(t, bucketName)
	defer helper.cleanupBucket(bucketName)

	store, err := blocks3.NewFromConfig(aws.Config{Region: "us-east-1"}, blocks3.Config{
		Bucket:         bucketName,
		Endpoint:       helper.endpoint,
		ForcePathStyle: true,
		KeyPrefix:      "test/",
	})
	if err != nil {
		t.Fatalf("failed to build s3 block store: %v", err)
	}

	vaultID := "vault-1"
	if err := store.CreateVault(ctx, vaultID); err != nil {
		t.Fatalf("CreateVault: %v", err)
	}

	payload := []byte("some block content for integration testing")
	blockID := "block-1"

	storageID, err := store.StoreBlock(ctx, vaultID, blockID, int64(len(payload)), bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("StoreBlock: %v", err)
	}
	if storageID == "" {
		t.Fatal("expected non-empty storageID")
	}

	exists, err := store.BlockExists(ctx, vaultID, storageID)
	if err != nil {
		t.Fatalf("BlockExists: %v", err)
	}
	if !exists {
		t.Fatal("block should exist after StoreBlock")
	}

	length, err := store.GetBlockLength(ctx, vaultID, storageID)
	if err != nil {
		t.Fatalf("GetBlockLength: %v", err)
	}
	if length != int64(len(payload)) {
		t.Fatalf("expected length %d, got %d", len(payload), length)
	}

	rc, err := store.GetBlock(ctx, vaultID, storageID)
	if err != nil {
		t.Fatalf("GetBlock: %v", err)
	}
	got, err := io.ReadAll(rc)
	_ = rc.Close()
	if err != nil {
		t.Fatalf("reading block body: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("block content mismatch: got %q want %q", got, payload)
	}

	storageID2, err := store.StoreBlock(ctx, vaultID, blockID, int64(len(payload)), bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("StoreBlock (second write): %v", err)
	}
	if storageID2 == storageID {
		t.Fatal("two writes of the same block ID must yield different storage IDs")
	}

	if err := store.DeleteBlock(ctx, vaultID, storageID); err != nil {
		t.Fatalf("DeleteBlock: %v", err)
	}
	exists, err = store.BlockExists(ctx, vaultID, storageID)
	if err != nil {
		t.Fatalf("BlockExists after delete: %v", err)
	}
	if exists {
		t.Fatal("block should not exist after DeleteBlock")
	}

	if err := store.DeleteBlock(ctx, vaultID, storageID2); err != nil {
		t.Fatalf("DeleteBlock (cleanup): %v", err)
	}

	if err := store.DeleteVault(ctx, vaultID); err != nil {
		t.Fatalf("DeleteVault: %v", err)
	}
}

// TestS3BlockBackend_StoreBlocks exercises the batched write path.
func TestS3BlockBackend_StoreBlocks(t *testing.T) {
	ctx := context.Background()

	helper := newLocalstackHelper(t)
	defer helper.cleanup()

	bucketName := "deuce-blockstore-batch-test"
	helper.createBucket(t, bucketName)
	defer helper.cleanupBucket(bucketName)

	store, err := blocks3.NewFromConfig(aws.Config{Region: "us-east-1"}, blocks3.Config{
		Bucket:         bucketName,
		Endpoint:       helper.endpoint,
		ForcePathStyle: true,
	})
	if err != nil {
		t.Fatalf("failed to build s3 block store: %v", err)
	}

	vaultID := "vault-batch"
	if err := store.CreateVault(ctx, vaultID); err != nil {
		t.Fatalf("CreateVault: %v", err)
	}

	blockIDs := []string{"b1", "b2", "b3"}
	payloads := [][]byte{[]byte("aaa"), []byte("bbbb"), []byte("ccccc")}
	sizes := make([]int64, len(payloads))
	readers := make([]io.Reader, len(payloads))
	for i, p := range payloads {
		sizes[i] = int64(len(p))
		readers[i] = bytes.NewReader(p)
	}

	storageIDs, err := store.StoreBlocks(ctx, vaultID, blockIDs, sizes, readers)
	if err != nil {
		t.Fatalf("StoreBlocks: %v", err)
	}
	if len(storageIDs) != len(blockIDs) {
		t.Fatalf("expected %d storage IDs, got %d", len(blockIDs), len(storageIDs))
	}

	for i, sid := range storageIDs {
		exists, err := store.BlockExists(ctx, vaultID, sid)
		if err != nil {
			t.Fatalf("BlockExists(%d): %v", i, err)
		}
		if !exists {
			t.Fatalf("block %d should exist", i)
		}
	}

	stats, err := store.GetVaultStats(ctx, vaultID)
	if err != nil {
		t.Fatalf("GetVaultStats: %v", err)
	}
	if stats.BlockCount != int64(len(blockIDs)) {
		t.Fatalf("expected block count %d, got %d", len(blockIDs), stats.BlockCount)
	}

	var _ blockstore.Backend = store
}
