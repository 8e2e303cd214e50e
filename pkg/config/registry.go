package config

import (
	"context"
	"fmt"

	"github.com/marmos91/deuce/pkg/registry"
	blockstore "github.com/marmos91/deuce/pkg/store/block"
	"github.com/marmos91/deuce/pkg/store/metadata"
)

// Backends holds the constructed MetadataBackend and BlockBackend a deuce
// process runs against for the lifetime of the process.
type Backends struct {
	Metadata metadata.Backend
	Blocks   blockstore.Backend
}

// BuildBackends constructs the backends named by cfg.Metadata and
// cfg.Storage.
func BuildBackends(ctx context.Context, cfg *Config) (*Backends, error) {
	metadataBackend, err := registry.NewMetadataBackend(ctx, cfg.Metadata)
	if err != nil {
		return nil, fmt.Errorf("build metadata backend: %w", err)
	}

	blockBackend, err := registry.NewBlockBackend(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("build block backend: %w", err)
	}

	return &Backends{Metadata: metadataBackend, Blocks: blockBackend}, nil
}
