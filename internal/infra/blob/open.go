// Package blob selects the blob store that receives track exports.
package blob

import (
	"context"
	"fmt"

	"trackcore/internal/infra/blob/core"
	"trackcore/internal/infra/blob/fs"
	"trackcore/internal/infra/blob/memory"
	"trackcore/internal/infra/blob/s3"
)

// Config selects and parameterises a backend.
type Config struct {
	Driver core.Driver
	FSRoot string
	S3     s3.Config
}

// Open builds the configured store. An empty driver selects the filesystem.
func Open(ctx context.Context, cfg Config) (core.Store, error) {
	switch cfg.Driver {
	case "", core.DriverFilesystem:
		return fs.New(cfg.FSRoot)
	case core.DriverS3:
		return s3.New(ctx, cfg.S3)
	case core.DriverMemory:
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown blob driver %q", cfg.Driver)
	}
}
