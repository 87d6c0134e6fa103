package fs

import (
	"context"
	"io"

	"github.com/pkg/errors"
)

// Storage keeps downloaded episodes.
// Names are slash separated relative paths, "<feed_id>/<file>".
type Storage interface {
	// Create will create a new file from reader
	Create(ctx context.Context, name string, reader io.Reader) (int64, error)

	// Delete deletes the file
	Delete(ctx context.Context, name string) error

	// Size returns storage object's size in bytes, os.ErrNotExist if missing
	Size(ctx context.Context, name string) (int64, error)
}

type Type string

const (
	TypeLocal = Type("local")
	TypeS3    = Type("s3")
)

type Config struct {
	// Type is "local" (default) or "s3"
	Type  Type        `toml:"type"`
	Local LocalConfig `toml:"local"`
	S3    S3Config    `toml:"s3"`
}

func New(cfg Config) (Storage, error) {
	switch cfg.Type {
	case TypeLocal, "":
		return NewLocal(cfg.Local.DataDir)
	case TypeS3:
		return NewS3(cfg.S3)
	default:
		return nil, errors.Errorf("unsupported storage type %q", cfg.Type)
	}
}
