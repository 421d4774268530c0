// Package storage reads attachment bytes for files and documents the shop
// API has stored, either on local disk or in an S3-compatible bucket.
package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"crmsync/internal/platform/config"
)

// ErrNotFound is returned when the object behind a storage path is gone.
var ErrNotFound = errors.New("stored object not found")

// Source loads the raw bytes of a stored object.
type Source interface {
	Read(ctx context.Context, path string) ([]byte, error)
}

// New picks the backend named in cfg.Backend.
func New(ctx context.Context, cfg config.StorageConfig) (Source, error) {
	switch cfg.Backend {
	case "", "local":
		return NewLocalSource(cfg.BasePath), nil
	case "s3":
		return NewS3Source(ctx, cfg.S3)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

type LocalSource struct {
	basePath string
}

func NewLocalSource(basePath string) *LocalSource {
	return &LocalSource{basePath: basePath}
}

func (s *LocalSource) Read(ctx context.Context, path string) ([]byte, error) {
	clean := filepath.Clean("/" + strings.TrimPrefix(path, s.basePath))
	full := filepath.Join(s.basePath, clean)

	b, err := os.ReadFile(full)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, err
	}
	return b, nil
}
