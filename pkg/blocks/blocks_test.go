package blocks

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"io"
	"testing"

	"github.com/marmos91/deuce/pkg/apierror"
	blockmemory "github.com/marmos91/deuce/pkg/store/block/memory"
	metadatamemory "github.com/marmos91/deuce/pkg/store/metadata/memory"
)

func kindOf(err error) apierror.Kind {
	if apiErr, ok := apierror.As(err); ok {
		return apiErr.Kind
	}
	return ""
}

func blockID(data []byte) string {
	sum := sha1.Sum(data)
	return hex.EncodeToString(sum[:])
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	meta := metadatamemory.New()
	store := blockmemory.New()
	ctx := context.Background()
	if err := meta.CreateVault(ctx, "vault-1"); err != nil {
		t.Fatalf("CreateVault(meta): %v", err)
	}
	if err := store.CreateVault(ctx, "vault-1"); err != nil {
		t.Fatalf("CreateVault(store): %v", err)
	}
	return New(meta, store, nil)
}

func TestService_Put_AndGet(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	data := []byte("some block payload")
	id := blockID(data)

	info, err := svc.Put(ctx, "vault-1", id, int64(len(data)), bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if info.BlockID != id {
		t.Errorf("expected block id %s, got %s", id, info.BlockID)
	}
	if info.Size != int64(len(data)) {
		t.Errorf("expected size %d, got %d", len(data), info.Size)
	}

	rc, getInfo, err := svc.Get(ctx, "vault-1", id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	defer rc.Close()

	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("reading block body: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("body mismatch: got %q, want %q", got, data)
	}
	if getInfo.RefCount != 0 {
		t.Errorf("expected refcount 0 for an unreferenced block, got %d", getInfo.RefCount)
	}
}

func TestService_Put_HashMismatch(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	data := []byte("payload")
	wrongID := blockID([]byte("something else"))

	_, err := svc.Put(ctx, "vault-1", wrongID, int64(len(data)), bytes.NewReader(data))
	if err == nil {
		t.Fatal("expected hash mismatch error")
	}
	if kind := kindOf(err); kind != apierror.KindHashMismatch {
		t.Errorf("expected KindHashMismatch, got %v", kind)
	}
}

func TestService_Put_LengthMismatch(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	data := []byte("payload")
	id := blockID(data)

	_, err := svc.Put(ctx, "vault-1", id, int64(len(data))+5, bytes.NewReader(data))
	if err == nil {
		t.Fatal("expected length mismatch error")
	}
	if kind := kindOf(err); kind != apierror.KindLengthMismatch {
		t.Errorf("expected KindLengthMismatch, got %v", kind)
	}
}

func TestService_Put_InvalidBlockID(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	data := []byte("payload")
	_, err := svc.Put(ctx, "vault-1", "not-a-sha1", int64(len(data)), bytes.NewReader(data))
	if err == nil {
		t.Fatal("expected validation error")
	}
	if kind := kindOf(err); kind != apierror.KindBadRequest {
		t.Errorf("expected KindBadRequest, got %v", kind)
	}
}

func TestService_Get_NotFound(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, _, err := svc.Get(ctx, "vault-1", blockID([]byte("never uploaded")))
	if err == nil {
		t.Fatal("expected not found error")
	}
	if kind := kindOf(err); kind != apierror.KindNotFound {
		t.Errorf("expected KindNotFound, got %v", kind)
	}
}

func TestService_Get_Gone_StorageMissing(t *testing.T) {
	meta := metadatamemory.New()
	store := blockmemory.New()
	ctx := context.Background()
	_ = meta.CreateVault(ctx, "vault-1")
	_ = store.CreateVault(ctx, "vault-1")

	data := []byte("payload")
	id := blockID(data)

	// Register the block in metadata but never write it to storage, to
	// simulate the divergence cell of the resolve table.
	if err := meta.RegisterBlock(ctx, "vault-1", id, id+"_ghost", int64(len(data))); err != nil {
		t.Fatalf("RegisterBlock: %v", err)
	}

	svc := New(meta, store, nil)
	_, _, err := svc.Get(ctx, "vault-1", id)
	if err == nil {
		t.Fatal("expected gone error")
	}
	if kind := kindOf(err); kind != apierror.KindGone {
		t.Errorf("expected KindGone, got %v", kind)
	}
}

func TestService_Delete_Unreferenced(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	data := []byte("to be deleted")
	id := blockID(data)
	if _, err := svc.Put(ctx, "vault-1", id, int64(len(data)), bytes.NewReader(data)); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	if err := svc.Delete(ctx, "vault-1", id); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	_, _, err := svc.Get(ctx, "vault-1", id)
	if kind := kindOf(err); kind != apierror.KindNotFound {
		t.Errorf("expected block to be gone, got kind %v (err=%v)", kind, err)
	}
}

func TestService_Delete_Referenced(t *testing.T) {
	meta := metadatamemory.New()
	store := blockmemory.New()
	ctx := context.Background()
	_ = meta.CreateVault(ctx, "vault-1")
	_ = store.CreateVault(ctx, "vault-1")
	svc := New(meta, store, nil)

	data := []byte("referenced block")
	id := blockID(data)
	if _, err := svc.Put(ctx, "vault-1", id, int64(len(data)), bytes.NewReader(data)); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := meta.IncRefs(ctx, "vault-1", []string{id}, 1); err != nil {
		t.Fatalf("IncRefs: %v", err)
	}

	err := svc.Delete(ctx, "vault-1", id)
	if err == nil {
		t.Fatal("expected conflict error")
	}
	if kind := kindOf(err); kind != apierror.KindConflict {
		t.Errorf("expected KindConflict, got %v", kind)
	}
}

func TestService_PutBatch(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	payloads := [][]byte{[]byte("one"), []byte("two"), []byte("three")}
	entries := make([]BatchEntry, len(payloads))
	for i, p := range payloads {
		entries[i] = BatchEntry{BlockID: blockID(p), Body: p}
	}

	results, err := svc.PutBatch(ctx, "vault-1", entries)
	if err != nil {
		t.Fatalf("PutBatch() error = %v", err)
	}
	if len(results) != len(entries) {
		t.Fatalf("expected %d results, got %d", len(entries), len(results))
	}
}

func TestService_PutBatch_WholeBatchFails(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	entries := []BatchEntry{
		{BlockID: blockID([]byte("good")), Body: []byte("good")},
		{BlockID: "not-a-real-hash", Body: []byte("bad")},
	}

	_, err := svc.PutBatch(ctx, "vault-1", entries)
	if err == nil {
		t.Fatal("expected batch to fail as a whole when one entry is invalid")
	}

	// The first entry's block must still have been committed since
	// PutBatch does not roll back partial progress.
	_, _, getErr := svc.Get(ctx, "vault-1", blockID([]byte("good")))
	if getErr != nil {
		t.Errorf("expected first entry to remain committed, got error: %v", getErr)
	}
}

func TestService_List(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	for _, p := range [][]byte{[]byte("a"), []byte("b"), []byte("c")} {
		if _, err := svc.Put(ctx, "vault-1", blockID(p), int64(len(p)), bytes.NewReader(p)); err != nil {
			t.Fatalf("Put() error = %v", err)
		}
	}

	ids, err := svc.List(ctx, "vault-1", "", 100)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(ids) != 3 {
		t.Fatalf("expected 3 blocks, got %d", len(ids))
	}
}
