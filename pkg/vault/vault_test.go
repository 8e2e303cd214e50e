package vault

import (
	"bytes"
	"context"
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

func newTestService(t *testing.T) *Service {
	t.Helper()
	return New(metadatamemory.New(), blockmemory.New())
}

func TestService_Create(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if err := svc.Create(ctx, "vault-1"); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	exists, err := svc.Exists(ctx, "vault-1")
	if err != nil {
		t.Fatalf("Exists() error = %v", err)
	}
	if !exists {
		t.Error("expected vault to exist after Create")
	}
}

func TestService_Create_InvalidID(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	err := svc.Create(ctx, "")
	if err == nil {
		t.Fatal("expected error for invalid vault id")
	}
	if code := kindOf(err); code != apierror.KindBadRequest {
		t.Errorf("expected KindBadRequest, got %v", code)
	}
}

func TestService_Exists_Missing(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	exists, err := svc.Exists(ctx, "nope")
	if err != nil {
		t.Fatalf("Exists() error = %v", err)
	}
	if exists {
		t.Error("expected vault to not exist")
	}
}

func TestService_Stats_NotFound(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Stats(ctx, "missing-vault")
	if err == nil {
		t.Fatal("expected error for missing vault")
	}
	if code := kindOf(err); code != apierror.KindNotFound {
		t.Errorf("expected KindNotFound, got %v", code)
	}
}

func TestService_Stats_Empty(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if err := svc.Create(ctx, "vault-1"); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	stats, err := svc.Stats(ctx, "vault-1")
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.FileCount != 0 || stats.BlockCount != 0 || stats.TotalSize != 0 {
		t.Errorf("expected empty stats, got %+v", stats)
	}
}

func TestService_Delete(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if err := svc.Create(ctx, "vault-1"); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := svc.Delete(ctx, "vault-1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	exists, err := svc.Exists(ctx, "vault-1")
	if err != nil {
		t.Fatalf("Exists() error = %v", err)
	}
	if exists {
		t.Error("expected vault to not exist after Delete")
	}
}

func TestService_Delete_NotEmpty(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if err := svc.Create(ctx, "vault-1"); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	// Populate a block directly through the storage backend so the vault
	// is non-empty from Delete's point of view.
	if _, err := svc.blocks.StoreBlock(ctx, "vault-1", "block-1", 3, bytes.NewReader([]byte("abc"))); err != nil {
		t.Fatalf("StoreBlock() error = %v", err)
	}

	err := svc.Delete(ctx, "vault-1")
	if err == nil {
		t.Fatal("expected error deleting non-empty vault")
	}
	if code := kindOf(err); code != apierror.KindConflict {
		t.Errorf("expected KindConflict, got %v", code)
	}
}

func TestService_List(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	for _, id := range []string{"vault-a", "vault-b", "vault-c"} {
		if err := svc.Create(ctx, id); err != nil {
			t.Fatalf("Create(%s) error = %v", id, err)
		}
	}

	ids, err := svc.List(ctx, "", 100)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(ids) != 3 {
		t.Fatalf("expected 3 vaults, got %d: %v", len(ids), ids)
	}
}
