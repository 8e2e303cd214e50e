package postgres

import "time"

// vaultRow, blockRow, fileRow and fileBlockRow are the gorm models backing
// the MetadataBackend tables. Every row is scoped by (project_id, vault_id)
// since postgres is the multi-tenant production backend (spec.md §4.1, §9).

type vaultRow struct {
	ProjectID string `gorm:"primaryKey;column:project_id"`
	VaultID   string `gorm:"primaryKey;column:vault_id"`
	CreatedAt time.Time
}

func (vaultRow) TableName() string { return "deuce_vaults" }

type blockRow struct {
	ProjectID string `gorm:"primaryKey;column:project_id"`
	VaultID   string `gorm:"primaryKey;column:vault_id"`
	BlockID   string `gorm:"primaryKey;column:block_id"`
	StorageID string `gorm:"column:storage_id;uniqueIndex:idx_deuce_blocks_storage"`
	Size      int64  `gorm:"column:size"`
	Invalid   bool   `gorm:"column:invalid"`
	RefCount  int64  `gorm:"column:ref_count"`
	RefTime   int64  `gorm:"column:ref_time"` // unix seconds
}

func (blockRow) TableName() string { return "deuce_blocks" }

type fileRow struct {
	ProjectID string `gorm:"primaryKey;column:project_id"`
	VaultID   string `gorm:"primaryKey;column:vault_id"`
	FileID    string `gorm:"primaryKey;column:file_id"`
	Finalized bool   `gorm:"column:finalized"`
	Size      int64  `gorm:"column:size"`
}

func (fileRow) TableName() string { return "deuce_files" }

type fileBlockRow struct {
	ProjectID string `gorm:"primaryKey;column:project_id"`
	VaultID   string `gorm:"primaryKey;column:vault_id"`
	FileID    string `gorm:"primaryKey;column:file_id"`
	BlockID   string `gorm:"primaryKey;column:block_id"`
	Offset    int64  `gorm:"column:offset;index:idx_deuce_file_blocks_offset"`
	Size      int64  `gorm:"column:size"` // -1 when unresolved at assignment time
}

func (fileBlockRow) TableName() string { return "deuce_file_blocks" }
