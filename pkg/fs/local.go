package fs

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

type LocalConfig struct {
	// DataDir is a directory to keep downloaded episodes
	DataDir string `toml:"data_dir"`
}

type Local struct {
	rootDir string
}

func NewLocal(rootDir string) (*Local, error) {
	if rootDir == "" {
		return nil, errors.New("data directory can't be empty")
	}

	if err := os.MkdirAll(rootDir, 0755); err != nil {
		return nil, errors.Wrapf(err, "failed to create data directory: %s", rootDir)
	}

	return &Local{rootDir: rootDir}, nil
}

func (l *Local) Create(_ context.Context, name string, reader io.Reader) (int64, error) {
	var (
		logger   = log.WithField("name", name)
		path     = l.path(name)
		feedDir  = filepath.Dir(path)
		tempPath = path + ".part"
	)

	logger.Debugf("creating directory: %s", feedDir)
	if err := os.MkdirAll(feedDir, 0755); err != nil {
		return 0, errors.Wrapf(err, "failed to create feed dir: %s", feedDir)
	}

	logger.Debugf("copying to: %s", path)
	written, err := l.copyFile(reader, tempPath)
	if err != nil {
		_ = os.Remove(tempPath)
		return 0, errors.Wrap(err, "failed to copy file")
	}

	// Never expose partially written files
	if err := os.Rename(tempPath, path); err != nil {
		_ = os.Remove(tempPath)
		return 0, errors.Wrap(err, "failed to move file")
	}

	logger.Debugf("copied %d bytes", written)
	return written, nil
}

// Delete removes the file and its feed directory once empty
func (l *Local) Delete(_ context.Context, name string) error {
	path := l.path(name)
	if err := os.Remove(path); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if dir != filepath.Clean(l.rootDir) {
		if entries, err := os.ReadDir(dir); err == nil && len(entries) == 0 {
			_ = os.Remove(dir)
		}
	}

	return nil
}

func (l *Local) Size(_ context.Context, name string) (int64, error) {
	stat, err := os.Stat(l.path(name))
	if err != nil {
		return 0, err
	}

	return stat.Size(), nil
}

func (l *Local) path(name string) string {
	// Keep names inside the root directory
	clean := filepath.Clean("/" + strings.TrimPrefix(filepath.ToSlash(name), "/"))
	return filepath.Join(l.rootDir, filepath.FromSlash(clean))
}

func (l *Local) copyFile(source io.Reader, destinationPath string) (int64, error) {
	dest, err := os.Create(destinationPath)
	if err != nil {
		return 0, errors.Wrap(err, "failed to create destination file")
	}

	defer dest.Close()

	written, err := io.Copy(dest, source)
	if err != nil {
		return 0, errors.Wrap(err, "failed to copy data")
	}

	return written, dest.Sync()
}
