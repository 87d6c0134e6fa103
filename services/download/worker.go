package download

import (
	"context"
	"fmt"
	"os"
	"time"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/tubecast/tubecast/pkg/db"
	"github.com/tubecast/tubecast/pkg/feed"
	"github.com/tubecast/tubecast/pkg/fs"
	"github.com/tubecast/tubecast/pkg/metrics"
	"github.com/tubecast/tubecast/pkg/model"
	"github.com/tubecast/tubecast/pkg/ytdl"
)

const maxErrorLength = 2000

// Worker downloads a single reserved episode and records the outcome.
type Worker struct {
	db         db.Storage
	fs         fs.Storage
	downloader Downloader
	hooks      map[string][]*feed.ExecHook
	backoff    Backoff
	metrics    *metrics.Metrics
}

// NewWorker creates a worker. hooks are keyed by feed ID and run after each successful download.
func NewWorker(storage db.Storage, files fs.Storage, downloader Downloader, hooks map[string][]*feed.ExecHook, m *metrics.Metrics) *Worker {
	return &Worker{
		db:         storage,
		fs:         files,
		downloader: downloader,
		hooks:      hooks,
		backoff:    DefaultBackoff,
		metrics:    m,
	}
}

// EpisodeName is the storage path of an episode file
func EpisodeName(feedID string, episodeID string, format model.Format) string {
	return fmt.Sprintf("%s/%s.%s", feedID, episodeID, ytdl.Extension(format))
}

// Process takes a QUEUED episode and drives it to COMPLETED or FAILED.
// Errors are recorded on the episode and never returned.
func (w *Worker) Process(ctx context.Context, episodeID string) {
	logger := log.WithFields(log.Fields{
		"job_id":     uuid.NewString(),
		"episode_id": episodeID,
	})

	if ctx.Err() != nil {
		// Shutting down, Recover returns the episode to PENDING on next start
		logger.Debug("canceled before start, leaving episode queued")
		return
	}

	var started bool
	if err := w.backoff.Retry(ctx, func() error {
		var err error
		started, err = w.db.TransitionEpisode(ctx, episodeID,
			[]model.EpisodeStatus{model.EpisodeQueued},
			model.EpisodeDownloading,
			nil)
		return err
	}); err != nil {
		logger.WithError(err).Error("failed to start download")
		return
	}

	if !started {
		// Someone else holds the episode, or it was rolled back
		logger.Warn("episode is no longer queued, skipping")
		return
	}

	now := time.Now()
	result, err := w.download(ctx, logger, episodeID)
	took := time.Since(now)

	// Shutdown cancels ctx, the outcome is stored regardless
	ctx = context.WithoutCancel(ctx)

	if err != nil {
		logger.WithError(err).Errorf("download failed after %s", took)
		_, _ = w.finish(ctx, logger, episodeID, model.EpisodeFailed, func(episode *model.Episode) {
			episode.Error = tail(err.Error(), maxErrorLength)
			episode.RetryCount++
		})
		w.metrics.DownloadFinished(model.EpisodeFailed, took)
		return
	}

	logger.Infof("successfully downloaded %q (%s) in %s", result.name, humanize.Bytes(uint64(result.size)), took)

	ok, err := w.finish(ctx, logger, episodeID, model.EpisodeCompleted, func(episode *model.Episode) {
		episode.AudioPath = result.name
		episode.MimeType = result.mimeType
		episode.Size = result.size
		episode.Error = ""
	})
	if errors.Cause(err) == model.ErrNotFound {
		// The feed was deleted while downloading, nothing tracks the file anymore
		logger.Warnf("episode was deleted during download, removing %q", result.name)
		if err := w.fs.Delete(ctx, result.name); err != nil && !os.IsNotExist(err) {
			logger.WithError(err).Error("failed to remove untracked file")
		}
		return
	}
	if !ok {
		return
	}

	w.metrics.DownloadFinished(model.EpisodeCompleted, took)
	w.runHooks(ctx, logger, result)
}

type downloaded struct {
	episode  *model.Episode
	feedID   string
	name     string
	mimeType string
	size     int64
}

func (w *Worker) download(ctx context.Context, logger log.FieldLogger, episodeID string) (*downloaded, error) {
	episode, err := w.db.GetEpisode(ctx, episodeID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load episode")
	}

	owner, err := w.settingsFeed(ctx, episode)
	if err != nil {
		return nil, err
	}

	var (
		settings = owner.Settings
		format   = settings.Format
	)

	if format == "" {
		format = model.DefaultFormat
	}

	result := &downloaded{
		episode:  episode,
		feedID:   owner.ID,
		name:     EpisodeName(owner.ID, episode.ID, format),
		mimeType: ytdl.MimeType(format),
	}

	logger = logger.WithField("feed_id", owner.ID)

	// A previous run may have stored the file without recording it
	size, err := w.fs.Size(ctx, result.name)
	if err == nil {
		logger.Infof("episode already exists in storage: %s", result.name)
		result.size = size
		return result, nil
	} else if !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "failed to stat episode file")
	}

	logger.Infof("! downloading episode %q", episode.Title)

	file, err := w.downloader.Download(ctx, episode.ID, ytdl.Options{
		Format:       format,
		Quality:      settings.Quality,
		AudioQuality: settings.AudioQuality,
		MaxHeight:    settings.MaxHeight,
	})
	if err != nil {
		if err == ytdl.ErrTooManyRequests {
			logger.Warn("server responded with a 'Too Many Requests' error")
		}
		return nil, err
	}

	defer file.Close()

	logger.Debug("copying file")
	result.size, err = w.fs.Create(ctx, result.name, file)
	if err != nil {
		return nil, errors.Wrap(err, "failed to store episode file")
	}

	return result, nil
}

// settingsFeed returns the feed whose download settings apply to the episode:
// its owner, or a playlist still linking it when the owner was deleted.
func (w *Worker) settingsFeed(ctx context.Context, episode *model.Episode) (*model.Feed, error) {
	owner, err := w.db.GetFeed(ctx, episode.FeedID)
	if err == nil {
		return owner, nil
	}

	if errors.Cause(err) != model.ErrNotFound {
		return nil, errors.Wrapf(err, "failed to load feed %q", episode.FeedID)
	}

	playlists, err := w.db.EpisodePlaylists(ctx, episode.ID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query episode playlists")
	}

	for _, playlistID := range playlists {
		if playlist, err := w.db.GetFeed(ctx, playlistID); err == nil {
			return playlist, nil
		}
	}

	return nil, errors.Wrapf(model.ErrNotFound, "no feed references episode %q", episode.ID)
}

func (w *Worker) finish(ctx context.Context, logger log.FieldLogger, episodeID string, status model.EpisodeStatus, cb func(episode *model.Episode)) (bool, error) {
	var changed bool

	err := w.backoff.Retry(ctx, func() error {
		var err error
		changed, err = w.db.TransitionEpisode(ctx, episodeID,
			[]model.EpisodeStatus{model.EpisodeDownloading},
			status,
			cb)
		return err
	})

	if err != nil {
		logger.WithError(err).Errorf("failed to mark episode as %s", status)
		return false, err
	}

	if !changed {
		logger.Errorf("episode left downloading state before it was marked as %s", status)
		return false, nil
	}

	return true, nil
}

func (w *Worker) runHooks(ctx context.Context, logger log.FieldLogger, result *downloaded) {
	hooks := w.hooks[result.feedID]
	if len(hooks) == 0 {
		return
	}

	event := feed.Downloaded{
		FeedID:    result.feedID,
		EpisodeID: result.episode.ID,
		Title:     result.episode.Title,
		AudioPath: result.name,
	}

	for i, hook := range hooks {
		if err := hook.Invoke(ctx, event); err != nil {
			logger.WithError(err).Errorf("hook %d failed", i)
		}
	}
}

// tail keeps the last n bytes of s without splitting a rune.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	start := len(s) - n
	for start < len(s) && !utf8.RuneStart(s[start]) {
		start++
	}
	return s[start:]
}
