// Package registry builds the MetadataBackend and BlockBackend a deuce
// process runs against from configuration, switching on each backend's
// configured type tag, with one constructor switch for each of Deuce's two
// backend kinds.
package registry

import (
	"context"
	"fmt"

	"github.com/mitchellh/mapstructure"

	"github.com/marmos91/deuce/pkg/store/block"
	"github.com/marmos91/deuce/pkg/store/block/filesystem"
	"github.com/marmos91/deuce/pkg/store/block/memory"
	"github.com/marmos91/deuce/pkg/store/block/s3"
	"github.com/marmos91/deuce/pkg/store/metadata"
	metadatabadger "github.com/marmos91/deuce/pkg/store/metadata/badger"
	metadatamemory "github.com/marmos91/deuce/pkg/store/metadata/memory"
	metadatapostgres "github.com/marmos91/deuce/pkg/store/metadata/postgres"
)

// MetadataBackendConfig carries the type tag and per-type settings for a
// MetadataBackend, decoded from the `metadata` section of the config file.
type MetadataBackendConfig struct {
	Type     string                 `mapstructure:"type" validate:"required,oneof=memory badger postgres"`
	Badger   map[string]any         `mapstructure:"badger"`
	Postgres map[string]any         `mapstructure:"postgres"`
}

// BlockBackendConfig carries the type tag and per-type settings for a
// BlockBackend, decoded from the `storage` section of the config file.
type BlockBackendConfig struct {
	Type       string         `mapstructure:"type" validate:"required,oneof=memory filesystem s3"`
	Filesystem map[string]any `mapstructure:"filesystem"`
	S3         map[string]any `mapstructure:"s3"`
}

// NewMetadataBackend constructs the configured MetadataBackend.
func NewMetadataBackend(ctx context.Context, cfg MetadataBackendConfig) (metadata.Backend, error) {
	switch cfg.Type {
	case "memory":
		return metadatamemory.New(), nil
	case "badger":
		return newBadgerMetadataBackend(cfg)
	case "postgres":
		return newPostgresMetadataBackend(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown metadata backend type: %q", cfg.Type)
	}
}

func newBadgerMetadataBackend(cfg MetadataBackendConfig) (metadata.Backend, error) {
	var opts metadatabadger.Options
	if err := mapstructure.Decode(cfg.Badger, &opts); err != nil {
		return nil, fmt.Errorf("invalid badger metadata config: %w", err)
	}
	store, err := metadatabadger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger metadata backend: %w", err)
	}
	return store, nil
}

func newPostgresMetadataBackend(ctx context.Context, cfg MetadataBackendConfig) (metadata.Backend, error) {
	var pgCfg metadatapostgres.Config
	if err := mapstructure.Decode(cfg.Postgres, &pgCfg); err != nil {
		return nil, fmt.Errorf("invalid postgres metadata config: %w", err)
	}
	pgCfg.ApplyDefaults()
	if pgCfg.AutoMigrate {
		if err := metadatapostgres.RunMigrations(ctx, pgCfg); err != nil {
			return nil, fmt.Errorf("run postgres migrations: %w", err)
		}
	}
	store, err := metadatapostgres.Open(pgCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres metadata backend: %w", err)
	}
	return store, nil
}

// NewBlockBackend constructs the configured BlockBackend.
func NewBlockBackend(ctx context.Context, cfg BlockBackendConfig) (block.Backend, error) {
	switch cfg.Type {
	case "memory":
		return memory.New(), nil
	case "filesystem":
		return newFilesystemBlockBackend(cfg)
	case "s3":
		return newS3BlockBackend(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown block backend type: %q", cfg.Type)
	}
}

func newFilesystemBlockBackend(cfg BlockBackendConfig) (block.Backend, error) {
	var fsCfg struct {
		Root string `mapstructure:"root"`
	}
	if err := mapstructure.Decode(cfg.Filesystem, &fsCfg); err != nil {
		return nil, fmt.Errorf("invalid filesystem block config: %w", err)
	}
	if fsCfg.Root == "" {
		return nil, fmt.Errorf("filesystem block backend: root is required")
	}
	store, err := filesystem.New(fsCfg.Root)
	if err != nil {
		return nil, fmt.Errorf("open filesystem block backend: %w", err)
	}
	return store, nil
}

func newS3BlockBackend(ctx context.Context, cfg BlockBackendConfig) (block.Backend, error) {
	var s3Cfg s3.Config
	if err := mapstructure.Decode(cfg.S3, &s3Cfg); err != nil {
		return nil, fmt.Errorf("invalid s3 block config: %w", err)
	}
	store, err := s3.New(ctx, s3Cfg)
	if err != nil {
		return nil, fmt.Errorf("open s3 block backend: %w", err)
	}
	return store, nil
}
