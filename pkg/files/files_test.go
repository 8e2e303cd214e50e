package files

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

const testFileID = "11111111-1111-4111-8111-111111111111"

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

type testFixture struct {
	svc   *Service
	meta  *metadatamemory.Store
	store *blockmemory.Store
}

func newFixture(t *testing.T) *testFixture {
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
	return &testFixture{svc: New(meta, store, nil), meta: meta, store: store}
}

// registerBlock writes a block to storage and registers it in metadata,
// returning its content-addressed block ID.
func (f *testFixture) registerBlock(t *testing.T, ctx context.Context, data []byte) string {
	t.Helper()
	id := blockID(data)
	storageID, err := f.store.StoreBlock(ctx, "vault-1", id, int64(len(data)), bytes.NewReader(data))
	if err != nil {
		t.Fatalf("StoreBlock: %v", err)
	}
	if err := f.meta.RegisterBlock(ctx, "vault-1", id, storageID, int64(len(data))); err != nil {
		t.Fatalf("RegisterBlock: %v", err)
	}
	return id
}

func TestService_Create(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.svc.Create(ctx, "vault-1", testFileID); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
}

func TestService_Create_InvalidID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.svc.Create(ctx, "vault-1", "not-a-uuid")
	if err == nil {
		t.Fatal("expected validation error")
	}
	if kind := kindOf(err); kind != apierror.KindBadRequest {
		t.Errorf("expected KindBadRequest, got %v", kind)
	}
}

func TestService_AssignAndFinalize(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.svc.Create(ctx, "vault-1", testFileID); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	dataA := []byte("0123456789")
	dataB := []byte("abcdefghij")
	idA := f.registerBlock(t, ctx, dataA)
	idB := f.registerBlock(t, ctx, dataB)

	err := f.svc.AssignBlocks(ctx, "vault-1", testFileID, []Assignment{
		{BlockID: idA, Offset: 0},
		{BlockID: idB, Offset: 10},
	})
	if err != nil {
		t.Fatalf("AssignBlocks() error = %v", err)
	}

	if err := f.svc.Finalize(ctx, "vault-1", testFileID, 20); err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}

	rc, size, err := f.svc.Stream(ctx, "vault-1", testFileID)
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	defer rc.Close()
	if size != 20 {
		t.Errorf("expected size 20, got %d", size)
	}

	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("reading stream: %v", err)
	}
	want := append(append([]byte{}, dataA...), dataB...)
	if !bytes.Equal(got, want) {
		t.Errorf("stream content mismatch: got %q, want %q", got, want)
	}
}

func TestService_Finalize_GapFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.svc.Create(ctx, "vault-1", testFileID); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	data := []byte("0123456789")
	id := f.registerBlock(t, ctx, data)

	// Assign a single 10-byte block at offset 0, then declare a size of
	// 20: the walk should find a gap from byte 10 to byte 20.
	if err := f.svc.AssignBlocks(ctx, "vault-1", testFileID, []Assignment{
		{BlockID: id, Offset: 0},
	}); err != nil {
		t.Fatalf("AssignBlocks() error = %v", err)
	}

	err := f.svc.Finalize(ctx, "vault-1", testFileID, 20)
	if err == nil {
		t.Fatal("expected gap error")
	}
	if kind := kindOf(err); kind != apierror.KindConflict {
		t.Errorf("expected KindConflict, got %v", kind)
	}
}

func TestService_Finalize_OverlapFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.svc.Create(ctx, "vault-1", testFileID); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	dataA := []byte("0123456789")
	dataB := []byte("ZYXWVUTSRQ")
	idA := f.registerBlock(t, ctx, dataA)
	idB := f.registerBlock(t, ctx, dataB)

	if err := f.svc.AssignBlocks(ctx, "vault-1", testFileID, []Assignment{
		{BlockID: idA, Offset: 0},
		{BlockID: idB, Offset: 5},
	}); err != nil {
		t.Fatalf("AssignBlocks() error = %v", err)
	}

	err := f.svc.Finalize(ctx, "vault-1", testFileID, 15)
	if err == nil {
		t.Fatal("expected overlap error")
	}
	if kind := kindOf(err); kind != apierror.KindConflict {
		t.Errorf("expected KindConflict, got %v", kind)
	}
}

func TestService_Stream_NotFinalized(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.svc.Create(ctx, "vault-1", testFileID); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	_, _, err := f.svc.Stream(ctx, "vault-1", testFileID)
	if err == nil {
		t.Fatal("expected conflict error for unfinalized file")
	}
	if kind := kindOf(err); kind != apierror.KindConflict {
		t.Errorf("expected KindConflict, got %v", kind)
	}
}

func TestService_Delete_DecrementsRefs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.svc.Create(ctx, "vault-1", testFileID); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	data := []byte("0123456789")
	id := f.registerBlock(t, ctx, data)

	if err := f.svc.AssignBlocks(ctx, "vault-1", testFileID, []Assignment{
		{BlockID: id, Offset: 0},
	}); err != nil {
		t.Fatalf("AssignBlocks() error = %v", err)
	}
	if err := f.svc.Finalize(ctx, "vault-1", testFileID, 10); err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}

	refsBefore, err := f.meta.RefCount(ctx, "vault-1", id)
	if err != nil {
		t.Fatalf("RefCount: %v", err)
	}
	if refsBefore != 1 {
		t.Fatalf("expected refcount 1 before delete, got %d", refsBefore)
	}

	if err := f.svc.Delete(ctx, "vault-1", testFileID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	refsAfter, err := f.meta.RefCount(ctx, "vault-1", id)
	if err != nil {
		t.Fatalf("RefCount: %v", err)
	}
	if refsAfter != 0 {
		t.Errorf("expected refcount 0 after delete, got %d", refsAfter)
	}
}

func TestService_List(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ids := []string{
		"11111111-1111-4111-8111-111111111111",
		"22222222-2222-4222-8222-222222222222",
	}
	for _, id := range ids {
		if err := f.svc.Create(ctx, "vault-1", id); err != nil {
			t.Fatalf("Create(%s) error = %v", id, err)
		}
	}

	listed, err := f.svc.List(ctx, "vault-1", false, "", 100)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(listed) != 2 {
		t.Fatalf("expected 2 files, got %d", len(listed))
	}
}
