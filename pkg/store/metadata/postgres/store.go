// Package postgres implements a MetadataBackend on PostgreSQL via
// gorm.io/gorm: gorm.Open + pooled *sql.DB + migrations run separately from the
// connection, rather than AutoMigrate, since schema changes to a
// multi-tenant production table deserve a reviewed migration file.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/marmos91/deuce/pkg/requestcontext"
	"github.com/marmos91/deuce/pkg/store/metadata"
)

// Store is a postgres-backed MetadataBackend.
type Store struct {
	db *gorm.DB
}

var _ metadata.Backend = (*Store)(nil)

// Open connects to postgres and configures the connection pool. Run
// RunMigrations separately before Open in a fresh environment.
func Open(cfg Config) (*Store, error) {
	cfg.ApplyDefaults()

	db, err := gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: connect: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("postgres store: underlying db: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) Health(ctx context.Context) (string, error) {
	sqlDB, err := s.db.DB()
	if err != nil {
		return "", fmt.Errorf("postgres: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return "", fmt.Errorf("postgres: %w", err)
	}
	return "postgres: ok", nil
}

// projectID reads the tenant scope carried by ctx's RequestContext. A
// context without a RequestContext (tests calling the backend directly)
// scopes to the empty project, matching the memory backend's single-tenant
// behavior.
func projectID(ctx context.Context) string {
	if rc := requestcontext.FromContext(ctx); rc != nil {
		return rc.ProjectID
	}
	return ""
}

func (s *Store) CreateVault(ctx context.Context, vaultID string) error {
	pid := projectID(ctx)
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).
		Create(&vaultRow{ProjectID: pid, VaultID: vaultID, CreatedAt: time.Now()}).Error
	if err != nil {
		return fmt.Errorf("create_vault: %w", err)
	}
	return nil
}

func (s *Store) DeleteVault(ctx context.Context, vaultID string) error {
	pid := projectID(ctx)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("project_id = ? AND vault_id = ?", pid, vaultID).Delete(&fileBlockRow{}).Error; err != nil {
			return err
		}
		if err := tx.Where("project_id = ? AND vault_id = ?", pid, vaultID).Delete(&fileRow{}).Error; err != nil {
			return err
		}
		if err := tx.Where("project_id = ? AND vault_id = ?", pid, vaultID).Delete(&blockRow{}).Error; err != nil {
			return err
		}
		return tx.Where("project_id = ? AND vault_id = ?", pid, vaultID).Delete(&vaultRow{}).Error
	})
}

func (s *Store) VaultExists(ctx context.Context, vaultID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&vaultRow{}).
		Where("project_id = ? AND vault_id = ?", projectID(ctx), vaultID).Count(&count).Error
	return count > 0, err
}

func (s *Store) ListVaults(ctx context.Context, marker string, limit int) ([]string, error) {
	var rows []vaultRow
	q := s.db.WithContext(ctx).Where("project_id = ?", projectID(ctx)).Order("vault_id")
	if marker != "" {
		q = q.Where("vault_id > ?", marker)
	}
	if limit > 0 {
		q = q.Limit(limit + 1)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list_vaults: %w", err)
	}
	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.VaultID
	}
	return ids, nil
}

func (s *Store) GetVaultStats(ctx context.Context, vaultID string) (metadata.VaultStats, error) {
	pid := projectID(ctx)
	var stats metadata.VaultStats
	err := s.db.WithContext(ctx).Model(&blockRow{}).
		Where("project_id = ? AND vault_id = ?", pid, vaultID).Count(&stats.BlockCount).Error
	if err != nil {
		return stats, fmt.Errorf("get_vault_stats: %w", err)
	}
	err = s.db.WithContext(ctx).Model(&fileRow{}).
		Where("project_id = ? AND vault_id = ?", pid, vaultID).Count(&stats.FileCount).Error
	if err != nil {
		return stats, fmt.Errorf("get_vault_stats: %w", err)
	}
	return stats, nil
}

func (s *Store) RegisterBlock(ctx context.Context, vaultID, blockID, storageID string, size int64) error {
	row := blockRow{
		ProjectID: projectID(ctx), VaultID: vaultID, BlockID: blockID,
		StorageID: storageID, Size: size, RefTime: time.Now().Unix(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("register_block: %w", err)
	}
	return nil
}

func (s *Store) UnregisterBlock(ctx context.Context, vaultID, blockID string) error {
	pid := projectID(ctx)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row blockRow
		err := tx.Where("project_id = ? AND vault_id = ? AND block_id = ?", pid, vaultID, blockID).
			Clauses(clause.Locking{Strength: "UPDATE"}).First(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("unregister_block: %w", metadata.ErrNotFound)
		}
		if err != nil {
			return err
		}
		if row.RefCount != 0 {
			return &metadata.ConstraintError{Op: "unregister_block", Message: fmt.Sprintf("refcount=%d", row.RefCount)}
		}
		return tx.Delete(&row).Error
	})
}

func (s *Store) getBlockRow(ctx context.Context, vaultID, blockID string) (blockRow, error) {
	var row blockRow
	err := s.db.WithContext(ctx).
		Where("project_id = ? AND vault_id = ? AND block_id = ?", projectID(ctx), vaultID, blockID).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return row, metadata.ErrNotFound
	}
	return row, err
}

func (s *Store) HasBlock(ctx context.Context, vaultID, blockID string) (bool, error) {
	_, err := s.getBlockRow(ctx, vaultID, blockID)
	if errors.Is(err, metadata.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (s *Store) HasBlocks(ctx context.Context, vaultID string, blockIDs []string) ([]string, error) {
	var found []string
	err := s.db.WithContext(ctx).Model(&blockRow{}).
		Where("project_id = ? AND vault_id = ? AND block_id IN ?", projectID(ctx), vaultID, blockIDs).
		Pluck("block_id", &found).Error
	if err != nil {
		return nil, fmt.Errorf("has_blocks: %w", err)
	}
	foundSet := make(map[string]struct{}, len(found))
	for _, id := range found {
		foundSet[id] = struct{}{}
	}
	var missing []string
	for _, id := range blockIDs {
		if _, ok := foundSet[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

func (s *Store) GetStorageID(ctx context.Context, vaultID, blockID string) (string, error) {
	row, err := s.getBlockRow(ctx, vaultID, blockID)
	if err != nil {
		return "", fmt.Errorf("get_storage_id: %w", err)
	}
	return row.StorageID, nil
}

func (s *Store) GetMetadataID(ctx context.Context, vaultID, storageID string) (string, error) {
	var row blockRow
	err := s.db.WithContext(ctx).
		Where("project_id = ? AND vault_id = ? AND storage_id = ?", projectID(ctx), vaultID, storageID).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", fmt.Errorf("get_metadata_id: %w", metadata.ErrNotFound)
	}
	if err != nil {
		return "", err
	}
	return row.BlockID, nil
}

func (s *Store) GetBlockSize(ctx context.Context, vaultID, blockID string) (int64, error) {
	row, err := s.getBlockRow(ctx, vaultID, blockID)
	if err != nil {
		return 0, fmt.Errorf("get_block_size: %w", err)
	}
	return row.Size, nil
}

func (s *Store) MarkBlockInvalid(ctx context.Context, vaultID, blockID string) error {
	res := s.db.WithContext(ctx).Model(&blockRow{}).
		Where("project_id = ? AND vault_id = ? AND block_id = ?", projectID(ctx), vaultID, blockID).
		Update("invalid", true)
	if res.Error != nil {
		return fmt.Errorf("mark_block_invalid: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("mark_block_invalid: %w", metadata.ErrNotFound)
	}
	return nil
}

func (s *Store) ListBlocks(ctx context.Context, vaultID, marker string, limit int) ([]string, error) {
	var rows []blockRow
	q := s.db.WithContext(ctx).
		Where("project_id = ? AND vault_id = ?", projectID(ctx), vaultID).Order("block_id")
	if marker != "" {
		q = q.Where("block_id > ?", marker)
	}
	if limit > 0 {
		q = q.Limit(limit + 1)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list_blocks: %w", err)
	}
	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.BlockID
	}
	return ids, nil
}

func (s *Store) RefCount(ctx context.Context, vaultID, blockID string) (int64, error) {
	row, err := s.getBlockRow(ctx, vaultID, blockID)
	if err != nil {
		return 0, fmt.Errorf("ref_count: %w", err)
	}
	return row.RefCount, nil
}

func (s *Store) RefModified(ctx context.Context, vaultID, blockID string) (int64, error) {
	row, err := s.getBlockRow(ctx, vaultID, blockID)
	if err != nil {
		return 0, fmt.Errorf("ref_modified: %w", err)
	}
	return row.RefTime, nil
}

func (s *Store) IncRefs(ctx context.Context, vaultID string, blockIDs []string, delta int64) error {
	if len(blockIDs) == 0 {
		return nil
	}
	pid := projectID(ctx)
	return s.db.WithContext(ctx).Exec(
		`UPDATE deuce_blocks SET ref_count = GREATEST(ref_count + ?, 0), ref_time = ?
		 WHERE project_id = ? AND vault_id = ? AND block_id IN ?`,
		delta, time.Now().Unix(), pid, vaultID, blockIDs,
	).Error
}

func (s *Store) CreateFile(ctx context.Context, vaultID, fileID string) error {
	row := fileRow{ProjectID: projectID(ctx), VaultID: vaultID, FileID: fileID}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("create_file: %w", err)
	}
	return nil
}

func (s *Store) getFileRow(ctx context.Context, tx *gorm.DB, vaultID, fileID string) (fileRow, error) {
	if tx == nil {
		tx = s.db
	}
	var row fileRow
	err := tx.WithContext(ctx).
		Where("project_id = ? AND vault_id = ? AND file_id = ?", projectID(ctx), vaultID, fileID).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return row, metadata.ErrNotFound
	}
	return row, err
}

func (s *Store) HasFile(ctx context.Context, vaultID, fileID string) (bool, error) {
	_, err := s.getFileRow(ctx, nil, vaultID, fileID)
	if errors.Is(err, metadata.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (s *Store) IsFinalized(ctx context.Context, vaultID, fileID string) (bool, error) {
	row, err := s.getFileRow(ctx, nil, vaultID, fileID)
	if err != nil {
		return false, fmt.Errorf("is_finalized: %w", err)
	}
	return row.Finalized, nil
}

func (s *Store) DeleteFile(ctx context.Context, vaultID, fileID string) error {
	pid := projectID(ctx)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.getFileRow(ctx, tx, vaultID, fileID); err != nil {
			return fmt.Errorf("delete_file: %w", err)
		}
		var blocks []fileBlockRow
		if err := tx.Where("project_id = ? AND vault_id = ? AND file_id = ?", pid, vaultID, fileID).Find(&blocks).Error; err != nil {
			return err
		}
		blockIDs := make([]string, len(blocks))
		for i, b := range blocks {
			blockIDs[i] = b.BlockID
		}
		if len(blockIDs) > 0 {
			if err := tx.Exec(
				`UPDATE deuce_blocks SET ref_count = GREATEST(ref_count - 1, 0), ref_time = ?
				 WHERE project_id = ? AND vault_id = ? AND block_id IN ?`,
				time.Now().Unix(), pid, vaultID, blockIDs,
			).Error; err != nil {
				return err
			}
		}
		if err := tx.Where("project_id = ? AND vault_id = ? AND file_id = ?", pid, vaultID, fileID).Delete(&fileBlockRow{}).Error; err != nil {
			return err
		}
		return tx.Where("project_id = ? AND vault_id = ? AND file_id = ?", pid, vaultID, fileID).Delete(&fileRow{}).Error
	})
}

func (s *Store) FileSize(ctx context.Context, vaultID, fileID string) (int64, error) {
	row, err := s.getFileRow(ctx, nil, vaultID, fileID)
	if err != nil {
		return 0, fmt.Errorf("file_size: %w", err)
	}
	return row.Size, nil
}

func (s *Store) AssignBlocks(ctx context.Context, vaultID, fileID string, assignments []metadata.BlockAssignment) error {
	pid := projectID(ctx)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		file, err := s.getFileRow(ctx, tx, vaultID, fileID)
		if err != nil {
			return fmt.Errorf("assign_blocks: %w", err)
		}
		if file.Finalized {
			return &metadata.ConstraintError{Op: "assign_blocks", Message: "file is finalized"}
		}

		blockIDs := make([]string, len(assignments))
		for i, a := range assignments {
			blockIDs[i] = a.BlockID
		}
		var blocks []blockRow
		if err := tx.Where("project_id = ? AND vault_id = ? AND block_id IN ?", pid, vaultID, blockIDs).Find(&blocks).Error; err != nil {
			return err
		}
		sizeByBlock := make(map[string]int64, len(blocks))
		for _, b := range blocks {
			sizeByBlock[b.BlockID] = b.Size
		}

		rows := make([]fileBlockRow, len(assignments))
		for i, a := range assignments {
			size := int64(-1)
			if a.Size != nil {
				size = *a.Size
			} else if sz, ok := sizeByBlock[a.BlockID]; ok {
				size = sz
			}
			rows[i] = fileBlockRow{
				ProjectID: pid, VaultID: vaultID, FileID: fileID,
				BlockID: a.BlockID, Offset: a.Offset, Size: size,
			}
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "project_id"}, {Name: "vault_id"}, {Name: "file_id"}, {Name: "block_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"offset", "size"}),
		}).Create(&rows).Error; err != nil {
			return fmt.Errorf("assign_blocks: insert: %w", err)
		}

		if len(blockIDs) > 0 {
			if err := tx.Exec(
				`UPDATE deuce_blocks SET ref_count = ref_count + 1, ref_time = ?
				 WHERE project_id = ? AND vault_id = ? AND block_id IN ?`,
				time.Now().Unix(), pid, vaultID, blockIDs,
			).Error; err != nil {
				return fmt.Errorf("assign_blocks: incref: %w", err)
			}
		}
		return nil
	})
}

func (s *Store) ListFileBlocks(ctx context.Context, vaultID, fileID, marker string, limit int) ([]metadata.FileBlockRow, error) {
	pid := projectID(ctx)
	var rows []fileBlockRow
	q := s.db.WithContext(ctx).
		Where("project_id = ? AND vault_id = ? AND file_id = ?", pid, vaultID, fileID).
		Order(`"offset"`)
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list_file_blocks: %w", err)
	}

	out := make([]metadata.FileBlockRow, 0, len(rows))
	started := marker == ""
	for _, r := range rows {
		if !started {
			if r.BlockID == marker {
				started = true
			}
			continue
		}
		out = append(out, metadata.FileBlockRow{BlockID: r.BlockID, Offset: r.Offset, Size: r.Size})
	}
	if limit > 0 && len(out) > limit+1 {
		out = out[:limit+1]
	}
	return out, nil
}

func (s *Store) FinalizeFile(ctx context.Context, vaultID, fileID string, declaredSize int64) error {
	pid := projectID(ctx)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		file, err := s.getFileRow(ctx, tx, vaultID, fileID)
		if err != nil {
			return fmt.Errorf("finalize_file: %w", err)
		}
		if file.Finalized {
			return &metadata.ConstraintError{Op: "finalize_file", Message: "already finalized"}
		}

		var rows []fileBlockRow
		if err := tx.Where("project_id = ? AND vault_id = ? AND file_id = ?", pid, vaultID, fileID).
			Order(`"offset"`).Find(&rows).Error; err != nil {
			return err
		}
		sort.Slice(rows, func(i, j int) bool { return rows[i].Offset < rows[j].Offset })

		var expected int64
		var lastBlockID string
		for _, row := range rows {
			size := row.Size
			if size < 0 {
				var blk blockRow
				err := tx.Where("project_id = ? AND vault_id = ? AND block_id = ?", pid, vaultID, row.BlockID).First(&blk).Error
				if err != nil {
					continue // unresolved: let the gap surface naturally
				}
				size = blk.Size
			}
			switch {
			case row.Offset == expected:
				expected += size
				lastBlockID = row.BlockID
			case row.Offset < expected:
				return &metadata.OverlapError{BlockID: row.BlockID, Start: row.Offset, End: expected}
			default:
				return &metadata.GapError{Start: expected, End: row.Offset}
			}
		}

		if declaredSize != expected {
			if declaredSize > expected {
				return &metadata.GapError{Start: expected, End: declaredSize}
			}
			return &metadata.OverlapError{BlockID: lastBlockID, Start: declaredSize, End: expected}
		}

		return tx.Model(&fileRow{}).
			Where("project_id = ? AND vault_id = ? AND file_id = ?", pid, vaultID, fileID).
			Updates(map[string]any{"finalized": true, "size": declaredSize}).Error
	})
}

func (s *Store) ListFiles(ctx context.Context, vaultID string, finalizedOnly bool, marker string, limit int) ([]string, error) {
	q := s.db.WithContext(ctx).
		Where("project_id = ? AND vault_id = ?", projectID(ctx), vaultID).Order("file_id")
	if finalizedOnly {
		q = q.Where("finalized = true")
	}
	if marker != "" {
		q = q.Where("file_id > ?", marker)
	}
	if limit > 0 {
		q = q.Limit(limit + 1)
	}
	var rows []fileRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list_files: %w", err)
	}
	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.FileID
	}
	return ids, nil
}
