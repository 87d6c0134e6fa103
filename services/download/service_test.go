package download

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dgraph-io/badger"
	"github.com/golang/mock/gomock"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tubecast/tubecast/pkg/db"
	"github.com/tubecast/tubecast/pkg/executor"
	"github.com/tubecast/tubecast/pkg/feed"
	"github.com/tubecast/tubecast/pkg/fs"
	"github.com/tubecast/tubecast/pkg/model"
)

var testCtx = context.TODO()

var fastBackoff = Backoff{
	Attempts: 5,
	Initial:  time.Millisecond,
	Factor:   2,
	Max:      4 * time.Millisecond,
}

func newTestDB(t *testing.T) *db.Badger {
	t.Helper()

	storage, err := db.NewBadger(&db.Config{Dir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = storage.Close() })

	return storage
}

func newTestFS(t *testing.T) *fs.Local {
	t.Helper()

	files, err := fs.NewLocal(t.TempDir())
	require.NoError(t, err)
	return files
}

func seed(t *testing.T, storage db.Storage, feedID string, ids ...string) {
	t.Helper()

	episodes := make([]*model.Episode, 0, len(ids))
	for _, id := range ids {
		episodes = append(episodes, &model.Episode{ID: id, Title: "title " + id})
	}

	_, err := storage.SaveEpisodes(testCtx, &model.Feed{
		ID:   feedID,
		Kind: model.KindChannel,
		Settings: model.Settings{
			Format:       model.FormatAudio,
			AudioQuality: -1,
		},
	}, episodes, false)
	require.NoError(t, err)
}

func move(t *testing.T, storage db.Storage, id string, statuses ...model.EpisodeStatus) {
	t.Helper()

	for i := 1; i < len(statuses); i++ {
		ok, err := storage.TransitionEpisode(testCtx, id, []model.EpisodeStatus{statuses[i-1]}, statuses[i], nil)
		require.NoError(t, err)
		require.True(t, ok)
	}
}

func status(t *testing.T, storage db.Storage, id string) model.EpisodeStatus {
	t.Helper()

	episode, err := storage.GetEpisode(testCtx, id)
	require.NoError(t, err)
	return episode.Status
}

func newTestService(storage db.Storage, pool Executor, worker *Worker) *Service {
	s := New(storage, pool, worker, nil)
	s.backoff = fastBackoff
	if worker != nil {
		worker.backoff = fastBackoff
	}
	return s
}

// conflictStorage fails the first transitions like concurrent Badger writers would.
type conflictStorage struct {
	db.Storage
	failures int32
}

func (c *conflictStorage) TransitionEpisode(ctx context.Context, id string, from []model.EpisodeStatus, to model.EpisodeStatus, cb func(*model.Episode)) (bool, error) {
	if atomic.AddInt32(&c.failures, -1) >= 0 {
		return false, errors.Wrap(badger.ErrConflict, "commit failed")
	}
	return c.Storage.TransitionEpisode(ctx, id, from, to, cb)
}

func TestService_SubmitRejected(t *testing.T) {
	storage := newTestDB(t)
	seed(t, storage, "feed", "vid123")

	// Never started and no queue: every submit is rejected
	pool := executor.New("test", executor.Config{Workers: 1, QueueSize: 0})
	s := newTestService(storage, pool, nil)

	assert.False(t, s.Submit(testCtx, "vid123"))
	assert.Equal(t, model.EpisodePending, status(t, storage, "vid123"))

	assert.Equal(t, Rejected, s.TrySubmit(testCtx, "vid123"))
	assert.Equal(t, model.EpisodePending, status(t, storage, "vid123"))
}

func TestService_SubmitRejectedMock(t *testing.T) {
	ctrl := gomock.NewController(t)

	storage := newTestDB(t)
	seed(t, storage, "feed", "vid123")

	pool := NewMockExecutor(ctrl)
	pool.EXPECT().Submit(gomock.Any()).Return(executor.ErrStopped)

	s := newTestService(storage, pool, nil)
	assert.Equal(t, Rejected, s.TrySubmit(testCtx, "vid123"))
	assert.Equal(t, model.EpisodePending, status(t, storage, "vid123"))
}

func TestService_SubmitSkipped(t *testing.T) {
	ctrl := gomock.NewController(t)

	storage := newTestDB(t)
	seed(t, storage, "feed", "queued")
	move(t, storage, "queued", model.EpisodePending, model.EpisodeQueued)

	pool := NewMockExecutor(ctrl)
	s := newTestService(storage, pool, nil)

	assert.Equal(t, Skipped, s.TrySubmit(testCtx, "missing"))
	assert.Equal(t, Skipped, s.TrySubmit(testCtx, "queued"))
}

func TestService_SubmitFailedEpisode(t *testing.T) {
	ctrl := gomock.NewController(t)

	storage := newTestDB(t)
	seed(t, storage, "feed", "vid")
	move(t, storage, "vid", model.EpisodePending, model.EpisodeQueued, model.EpisodeDownloading, model.EpisodeFailed)

	pool := NewMockExecutor(ctrl)
	pool.EXPECT().Submit(gomock.Any()).Return(nil)

	s := newTestService(storage, pool, nil)
	assert.True(t, s.Submit(testCtx, "vid"))
	assert.Equal(t, model.EpisodeQueued, status(t, storage, "vid"))
}

func TestService_ReserveRetriesTransient(t *testing.T) {
	ctrl := gomock.NewController(t)

	storage := newTestDB(t)
	seed(t, storage, "feed", "vid")

	pool := NewMockExecutor(ctrl)
	pool.EXPECT().Submit(gomock.Any()).Return(nil)

	s := newTestService(&conflictStorage{Storage: storage, failures: 3}, pool, nil)
	assert.Equal(t, Submitted, s.TrySubmit(testCtx, "vid"))
	assert.Equal(t, model.EpisodeQueued, status(t, storage, "vid"))
}

func TestService_ReserveGivesUp(t *testing.T) {
	ctrl := gomock.NewController(t)

	storage := newTestDB(t)
	seed(t, storage, "feed", "vid")

	pool := NewMockExecutor(ctrl)

	s := newTestService(&conflictStorage{Storage: storage, failures: 100}, pool, nil)
	assert.Equal(t, Failed, s.TrySubmit(testCtx, "vid"))
	assert.Equal(t, model.EpisodePending, status(t, storage, "vid"))
}

func TestService_EpisodesCreated(t *testing.T) {
	storage := newTestDB(t)
	seed(t, storage, "feed", "a", "b", "c")

	// Room for exactly one task
	pool := executor.New("test", executor.Config{Workers: 1, QueueSize: 1})
	s := newTestService(storage, pool, nil)

	s.EpisodesCreated(testCtx, []string{"a", "b", "c"})

	assert.Equal(t, model.EpisodeQueued, status(t, storage, "a"))
	assert.Equal(t, model.EpisodePending, status(t, storage, "b"))
	assert.Equal(t, model.EpisodePending, status(t, storage, "c"))
	assert.Equal(t, 1, s.Capacity())
}

func TestService_EndToEnd(t *testing.T) {
	ctrl := gomock.NewController(t)

	storage := newTestDB(t)
	files := newTestFS(t)
	seed(t, storage, "feed", "vid123")

	downloader := NewMockDownloader(ctrl)
	downloader.EXPECT().
		Download(gomock.Any(), "vid123", gomock.Any()).
		Return(io.NopCloser(strings.NewReader("audio")), nil)

	pool := executor.New("test", executor.Config{Workers: 1, QueueSize: 10})
	pool.Start(testCtx)
	defer pool.Stop()

	s := newTestService(storage, pool, NewWorker(storage, files, downloader, nil, nil))
	require.True(t, s.Submit(testCtx, "vid123"))

	require.Eventually(t, func() bool {
		return status(t, storage, "vid123") == model.EpisodeCompleted
	}, 5*time.Second, 10*time.Millisecond)

	episode, err := storage.GetEpisode(testCtx, "vid123")
	require.NoError(t, err)
	assert.Equal(t, "feed/vid123.mp3", episode.AudioPath)
	assert.EqualValues(t, 5, episode.Size)
}

func TestService_ConcurrentSubmit(t *testing.T) {
	ctrl := gomock.NewController(t)

	storage := newTestDB(t)
	seed(t, storage, "feed", "vid")

	downloader := NewMockDownloader(ctrl)
	downloader.EXPECT().
		Download(gomock.Any(), "vid", gomock.Any()).
		Return(io.NopCloser(strings.NewReader("x")), nil).
		Times(1)

	pool := executor.New("test", executor.Config{Workers: 4, QueueSize: 20})
	pool.Start(testCtx)
	defer pool.Stop()

	s := newTestService(storage, pool, NewWorker(storage, newTestFS(t), downloader, nil, nil))
	s.backoff = Backoff{Attempts: 50, Initial: time.Millisecond, Factor: 2, Max: 5 * time.Millisecond}

	var (
		wg        sync.WaitGroup
		submitted int32
	)

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.Submit(testCtx, "vid") {
				atomic.AddInt32(&submitted, 1)
			}
		}()
	}

	wg.Wait()
	assert.EqualValues(t, 1, submitted)

	require.Eventually(t, func() bool {
		return status(t, storage, "vid") == model.EpisodeCompleted
	}, 5*time.Second, 10*time.Millisecond)
}

func TestService_Recover(t *testing.T) {
	storage := newTestDB(t)
	seed(t, storage, "feed", "queued", "downloading", "pending")

	move(t, storage, "queued", model.EpisodePending, model.EpisodeQueued)
	move(t, storage, "downloading", model.EpisodePending, model.EpisodeQueued, model.EpisodeDownloading)

	s := newTestService(storage, nil, nil)
	require.NoError(t, s.Recover(testCtx))

	assert.Equal(t, model.EpisodePending, status(t, storage, "queued"))
	assert.Equal(t, model.EpisodeFailed, status(t, storage, "downloading"))
	assert.Equal(t, model.EpisodePending, status(t, storage, "pending"))

	episode, err := storage.GetEpisode(testCtx, "downloading")
	require.NoError(t, err)
	assert.Equal(t, "download interrupted", episode.Error)
}

func TestService_Reset(t *testing.T) {
	storage := newTestDB(t)
	seed(t, storage, "feed", "vid", "ok")
	move(t, storage, "vid", model.EpisodePending, model.EpisodeQueued, model.EpisodeDownloading, model.EpisodeFailed)

	s := newTestService(storage, nil, nil)

	require.NoError(t, s.Reset(testCtx, "vid"))
	assert.Equal(t, model.EpisodePending, status(t, storage, "vid"))

	err := s.Reset(testCtx, "ok")
	assert.True(t, errors.Is(err, model.ErrInvalidTransition))

	err = s.Reset(testCtx, "missing")
	assert.Equal(t, model.ErrNotFound, errors.Cause(err))
}

func TestBackoff_Retry(t *testing.T) {
	var calls int

	err := fastBackoff.Retry(testCtx, func() error {
		calls++
		return badger.ErrConflict
	})
	assert.Equal(t, badger.ErrConflict, err)
	assert.Equal(t, 5, calls)

	calls = 0
	err = fastBackoff.Retry(testCtx, func() error {
		calls++
		return model.ErrNotFound
	})
	assert.Equal(t, model.ErrNotFound, err)
	assert.Equal(t, 1, calls)
}

func TestBackoff_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(testCtx)
	cancel()

	b := Backoff{Attempts: 5, Initial: time.Hour, Factor: 2, Max: time.Hour}
	err := b.Retry(ctx, func() error { return badger.ErrConflict })
	assert.Equal(t, context.Canceled, err)
}

func TestWorker_Hooks(t *testing.T) {
	ctrl := gomock.NewController(t)

	storage := newTestDB(t)
	seed(t, storage, "feed", "vid")
	move(t, storage, "vid", model.EpisodePending, model.EpisodeQueued)

	out := filepath.Join(t.TempDir(), "hook.txt")

	downloader := NewMockDownloader(ctrl)
	downloader.EXPECT().Download(gomock.Any(), "vid", gomock.Any()).Return(io.NopCloser(strings.NewReader("x")), nil)

	hooks := map[string][]*feed.ExecHook{
		"feed": {{Command: []string{`echo "$EPISODE_ID $FEED_ID $AUDIO_PATH" > ` + out}}},
	}

	w := NewWorker(storage, newTestFS(t), downloader, hooks, nil)
	w.Process(testCtx, "vid")

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "vid feed feed/vid.mp3\n", string(data))
}
