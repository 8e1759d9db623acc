// internal/storage/archive/interface.go
package archive

import (
	"context"
	"errors"
	"fmt"

	"github.com/newthinker/augur/internal/config"
	"github.com/newthinker/augur/internal/core"
)

// ErrNotFound is returned by Read when nothing is stored at the path.
var ErrNotFound = errors.New("archive: object not found")

// Storage defines the interface for blob storage backends
type Storage interface {
	// Write stores data at the given path, replacing any previous content
	Write(ctx context.Context, path string, data []byte) error

	// Read retrieves data from the given path
	Read(ctx context.Context, path string) ([]byte, error)

	// List returns all paths matching the prefix
	List(ctx context.Context, prefix string) ([]string, error)

	// Delete removes the data at the given path
	Delete(ctx context.Context, path string) error

	// Exists checks if data exists at the given path
	Exists(ctx context.Context, path string) (bool, error)
}

// New builds the configured storage backend.
func New(cfg config.ArchiveConfig) (Storage, error) {
	switch cfg.Type {
	case "", "localfs":
		return NewLocalFS(cfg.Path)
	case "s3":
		return NewS3(S3Config{
			Bucket:    cfg.S3.Bucket,
			Endpoint:  cfg.S3.Endpoint,
			Region:    cfg.S3.Region,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			Prefix:    cfg.S3.Prefix,
		})
	default:
		return nil, core.WrapError(core.ErrConfigInvalid, fmt.Errorf("unknown archive type %q", cfg.Type))
	}
}
