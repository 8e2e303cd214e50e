package storageblocks

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

type fixture struct {
	svc   *Service
	meta  *metadatamemory.Store
	store *blockmemory.Store
}

func newFixture(t *testing.T) *fixture {
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
	return &fixture{svc: New(meta, store), meta: meta, store: store}
}

func TestService_Get_Bound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	data := []byte("bound storage object")
	id := blockID(data)
	storageID, err := f.store.StoreBlock(ctx, "vault-1", id, int64(len(data)), bytes.NewReader(data))
	if err != nil {
		t.Fatalf("StoreBlock: %v", err)
	}
	if err := f.meta.RegisterBlock(ctx, "vault-1", id, storageID, int64(len(data))); err != nil {
		t.Fatalf("RegisterBlock: %v", err)
	}

	rc, info, err := f.svc.Get(ctx, "vault-1", storageID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	defer rc.Close()

	if info.Orphan {
		t.Error("expected a bound storage object, got Orphan=true")
	}
	if info.MetadataID != id {
		t.Errorf("expected metadata id %s, got %s", id, info.MetadataID)
	}

	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("reading body: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("body mismatch: got %q, want %q", got, data)
	}
}

func TestService_Head_Orphan(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	data := []byte("orphaned storage object")
	id := blockID(data)
	storageID, err := f.store.StoreBlock(ctx, "vault-1", id, int64(len(data)), bytes.NewReader(data))
	if err != nil {
		t.Fatalf("StoreBlock: %v", err)
	}
	// Intentionally never registered in metadata: this object is an orphan.

	info, err := f.svc.Head(ctx, "vault-1", storageID)
	if err != nil {
		t.Fatalf("Head() error = %v", err)
	}
	if !info.Orphan {
		t.Error("expected Orphan=true for an unregistered storage object")
	}
}

func TestService_Head_InvalidStorageID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Head(ctx, "vault-1", "not-a-storage-id")
	if err == nil {
		t.Fatal("expected validation error")
	}
	if kind := kindOf(err); kind != apierror.KindBadRequest {
		t.Errorf("expected KindBadRequest, got %v", kind)
	}
}

func TestService_Delete_OrphanSucceeds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	data := []byte("orphan to delete")
	id := blockID(data)
	storageID, err := f.store.StoreBlock(ctx, "vault-1", id, int64(len(data)), bytes.NewReader(data))
	if err != nil {
		t.Fatalf("StoreBlock: %v", err)
	}

	if err := f.svc.Delete(ctx, "vault-1", storageID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	exists, err := f.store.BlockExists(ctx, "vault-1", storageID)
	if err != nil {
		t.Fatalf("BlockExists: %v", err)
	}
	if exists {
		t.Error("expected storage object to be gone after Delete")
	}
}

func TestService_Delete_BoundFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	data := []byte("bound, cannot delete")
	id := blockID(data)
	storageID, err := f.store.StoreBlock(ctx, "vault-1", id, int64(len(data)), bytes.NewReader(data))
	if err != nil {
		t.Fatalf("StoreBlock: %v", err)
	}
	if err := f.meta.RegisterBlock(ctx, "vault-1", id, storageID, int64(len(data))); err != nil {
		t.Fatalf("RegisterBlock: %v", err)
	}

	err = f.svc.Delete(ctx, "vault-1", storageID)
	if err == nil {
		t.Fatal("expected conflict error for a bound storage object")
	}
	if kind := kindOf(err); kind != apierror.KindConflict {
		t.Errorf("expected KindConflict, got %v", kind)
	}
}

func TestService_Put_AlwaysMethodNotAllowed(t *testing.T) {
	f := newFixture(t)

	storageID := "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa_11111111-1111-1111-1111-111111111111"
	err := f.svc.Put("vault-1", storageID)
	if err == nil {
		t.Fatal("expected method not allowed error")
	}
	if kind := kindOf(err); kind != apierror.KindMethodNotAllowed {
		t.Errorf("expected KindMethodNotAllowed, got %v", kind)
	}
}

func TestRedirectLocation(t *testing.T) {
	blockHex := "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	storageID := blockHex + "_11111111-1111-1111-1111-111111111111"

	got := RedirectLocation("vault-1", storageID)
	want := "/v1.0/vaults/vault-1/blocks/" + blockHex
	if got != want {
		t.Errorf("RedirectLocation() = %q, want %q", got, want)
	}
}

func TestService_List(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, p := range [][]byte{[]byte("x"), []byte("y")} {
		id := blockID(p)
		if _, err := f.store.StoreBlock(ctx, "vault-1", id, int64(len(p)), bytes.NewReader(p)); err != nil {
			t.Fatalf("StoreBlock: %v", err)
		}
	}

	ids, err := f.svc.List(ctx, "vault-1", "", 100)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 storage objects, got %d", len(ids))
	}
}
