//go:build integration

package badger_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/marmos91/deuce/pkg/store/metadata"
	"github.com/marmos91/deuce/pkg/store/metadata/badger"
)

func openStore(t *testing.T, dbPath string) *badger.Store {
	t.Helper()
	store, err := badger.Open(badger.Options{Dir: dbPath})
	if err != nil {
		t.Fatalf("failed to open badger metadata store: %v", err)
	}
	return store
}

// TestBadgerMetadataStore_Integration exercises vault lifecycle and health
// reporting against an embedded BadgerDB instance.
func TestBadgerMetadataStore_Integration(t *testing.T) {
	ctx := context.Background()

	tempDir, err := os.MkdirTemp("", "deuce-badger-meta-*")
	if err != nil {
		t.Fatalf("Failed to create temp directory: %v", err)
	}
	defer os.RemoveAll(tempDir)

	dbPath := filepath.Join(tempDir, "metadata.db")

	t.Run("CreateStoreAndHealthcheck", func(t *testing.T) {
		store := openStore(t, dbPath)
		defer store.Close()

		if _, err := store.Health(ctx); err != nil {
			t.Fatalf("Health failed: %v", err)
		}
	})

	t.Run("CreateVault", func(t *testing.T) {
		store := openStore(t, dbPath)
		defer store.Close()

		if err := store.CreateVault(ctx, "vault-a"); err != nil {
			t.Fatalf("Failed to create vault: %v", err)
		}

		exists, err := store.VaultExists(ctx, "vault-a")
		if err != nil {
			t.Fatalf("VaultExists: %v", err)
		}
		if !exists {
			t.Fatal("vault should exist after CreateVault")
		}
	})

	t.Run("Persistence", func(t *testing.T) {
		// Phase 1: create store, register a block, close.
		{
			store := openStore(t, dbPath)
			if err := store.CreateVault(ctx, "persist-vault"); err != nil {
				t.Fatalf("CreateVault: %v", err)
			}
			if err := store.RegisterBlock(ctx, "persist-vault", "block-1", "block-1_storage", 128); err != nil {
				t.Fatalf("RegisterBlock: %v", err)
			}
			if err := store.Close(); err != nil {
				t.Fatalf("Failed to close store: %v", err)
			}
		}

		// Phase 2: reopen and verify data persisted.
		{
			store := openStore(t, dbPath)
			defer store.Close()

			has, err := store.HasBlock(ctx, "persist-vault", "block-1")
			if err != nil {
				t.Fatalf("HasBlock: %v", err)
			}
			if !has {
				t.Fatal("block should have persisted across reopen")
			}

			size, err := store.GetBlockSize(ctx, "persist-vault", "block-1")
			if err != nil {
				t.Fatalf("GetBlockSize: %v", err)
			}
			if size != 128 {
				t.Errorf("Expected size 128, got %d", size)
			}
		}
	})
}

// TestBadgerMetadataStore_CRUD tests block and file CRUD operations.
func TestBadgerMetadataStore_CRUD(t *testing.T) {
	ctx := context.Background()

	tempDir, err := os.MkdirTemp("", "deuce-badger-crud-*")
	if err != nil {
		t.Fatalf("Failed to create temp directory: %v", err)
	}
	defer os.RemoveAll(tempDir)

	dbPath := filepath.Join(tempDir, "metadata.db")
	store := openStore(t, dbPath)
	defer store.Close()

	vaultID := "vault-crud"
	if err := store.CreateVault(ctx, vaultID); err != nil {
		t.Fatalf("CreateVault: %v", err)
	}

	t.Run("RegisterBlock_Idempotent", func(t *testing.T) {
		if err := store.RegisterBlock(ctx, vaultID, "b1", "b1_s1", 10); err != nil {
			t.Fatalf("RegisterBlock: %v", err)
		}
		if err := store.RegisterBlock(ctx, vaultID, "b1", "b1_s2", 10); err != nil {
			t.Fatalf("RegisterBlock (idempotent call): %v", err)
		}

		storageID, err := store.GetStorageID(ctx, vaultID, "b1")
		if err != nil {
			t.Fatalf("GetStorageID: %v", err)
		}
		if storageID != "b1_s1" {
			t.Errorf("expected storage id to remain b1_s1 after idempotent re-register, got %s", storageID)
		}
	})

	t.Run("CreateFile_AssignBlocks_Finalize", func(t *testing.T) {
		fileID := "file-1"
		if err := store.CreateFile(ctx, vaultID, fileID); err != nil {
			t.Fatalf("CreateFile: %v", err)
		}

		size := int64(10)
		if err := store.AssignBlocks(ctx, vaultID, fileID, []metadata.BlockAssignment{
			{BlockID: "b1", Offset: 0, Size: &size},
		}); err != nil {
			t.Fatalf("AssignBlocks: %v", err)
		}

		rows, err := store.ListFileBlocks(ctx, vaultID, fileID, "", 100)
		if err != nil {
			t.Fatalf("ListFileBlocks: %v", err)
		}
		if len(rows) != 1 || rows[0].BlockID != "b1" {
			t.Fatalf("unexpected file block rows: %+v", rows)
		}

		if err := store.FinalizeFile(ctx, vaultID, fileID, 10); err != nil {
			t.Fatalf("FinalizeFile: %v", err)
		}

		finalized, err := store.IsFinalized(ctx, vaultID, fileID)
		if err != nil {
			t.Fatalf("IsFinalized: %v", err)
		}
		if !finalized {
			t.Error("file should be finalized")
		}

		refs, err := store.RefCount(ctx, vaultID, "b1")
		if err != nil {
			t.Fatalf("RefCount: %v", err)
		}
		if refs != 1 {
			t.Errorf("expected refcount 1 after assignment, got %d", refs)
		}
	})

	t.Run("DeleteFile_DecrementsRefs", func(t *testing.T) {
		if err := store.DeleteFile(ctx, vaultID, "file-1"); err != nil {
			t.Fatalf("DeleteFile: %v", err)
		}

		refs, err := store.RefCount(ctx, vaultID, "b1")
		if err != nil {
			t.Fatalf("RefCount: %v", err)
		}
		if refs != 0 {
			t.Errorf("expected refcount 0 after file deletion, got %d", refs)
		}
	})

	t.Run("UnregisterBlock_RequiresZeroRefs", func(t *testing.T) {
		if err := store.UnregisterBlock(ctx, vaultID, "b1"); err != nil {
			t.Fatalf("UnregisterBlock: %v", err)
		}

		has, err := store.HasBlock(ctx, vaultID, "b1")
		if err != nil {
			t.Fatalf("HasBlock: %v", err)
		}
		if has {
			t.Error("block should no longer exist after UnregisterBlock")
		}
	})

	t.Run("UnregisterBlock_FailsWithLiveRefs", func(t *testing.T) {
		if err := store.RegisterBlock(ctx, vaultID, "b2", "b2_s1", 5); err != nil {
			t.Fatalf("RegisterBlock: %v", err)
		}
		if err := store.IncRefs(ctx, vaultID, []string{"b2"}, 1); err != nil {
			t.Fatalf("IncRefs: %v", err)
		}

		err := store.UnregisterBlock(ctx, vaultID, "b2")
		var constraintErr *metadata.ConstraintError
		if !errors.As(err, &constraintErr) {
			t.Fatalf("expected ConstraintError, got %v", err)
		}
	})
}

// TestBadgerMetadataStore_Healthcheck tests healthcheck functionality.
func TestBadgerMetadataStore_Healthcheck(t *testing.T) {
	ctx := context.Background()

	tempDir, err := os.MkdirTemp("", "deuce-badger-health-*")
	if err != nil {
		t.Fatalf("Failed to create temp directory: %v", err)
	}
	defer os.RemoveAll(tempDir)

	dbPath := filepath.Join(tempDir, "metadata.db")
	store := openStore(t, dbPath)
	defer store.Close()

	report, err := store.Health(ctx)
	if err != nil {
		t.Fatalf("Health should succeed: %v", err)
	}
	if report == "" {
		t.Error("Health report should be non-empty")
	}
}
