package download

//go:generate mockgen -source=downloader.go -destination=downloader_mock_test.go -package=download

import (
	"context"
	"io"

	"github.com/tubecast/tubecast/pkg/executor"
	"github.com/tubecast/tubecast/pkg/ytdl"
)

// Downloader fetches a single episode, the caller closes the returned reader.
type Downloader interface {
	Download(ctx context.Context, episodeID string, opts ytdl.Options) (io.ReadCloser, error)
}

// Executor runs submitted tasks, Submit must not block.
type Executor interface {
	Submit(task executor.Task) error
	Stats() executor.Stats
}
