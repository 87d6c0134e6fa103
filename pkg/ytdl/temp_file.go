package ytdl

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// File is a downloaded file living in a temporary directory.
type File struct {
	*os.File
	dir  string
	size int64
}

func openFile(dir, name string) (*File, error) {
	f, err := os.Open(filepath.Join(dir, name))
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, errors.Wrap(err, "failed to open downloaded file")
	}

	stat, err := f.Stat()
	if err != nil {
		_ = f.Close()
		_ = os.RemoveAll(dir)
		return nil, errors.Wrap(err, "failed to stat downloaded file")
	}

	return &File{File: f, dir: dir, size: stat.Size()}, nil
}

func (f *File) Size() int64 {
	return f.size
}

// Close closes the file and removes its temporary directory
func (f *File) Close() error {
	err := f.File.Close()
	if err1 := os.RemoveAll(f.dir); err1 != nil {
		log.Errorf("could not remove temp dir: %v", err1)
	}
	return err
}
