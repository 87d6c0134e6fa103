package update

import (
	"context"
	"os"
	"sort"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/tubecast/tubecast/pkg/builder"
	"github.com/tubecast/tubecast/pkg/db"
	"github.com/tubecast/tubecast/pkg/executor"
	"github.com/tubecast/tubecast/pkg/feed"
	"github.com/tubecast/tubecast/pkg/fs"
	"github.com/tubecast/tubecast/pkg/metrics"
	"github.com/tubecast/tubecast/pkg/model"
)

//go:generate mockgen -source=updater.go -destination=updater_mock_test.go -package=update

// Notifier receives IDs of episodes after the transaction creating them has committed.
type Notifier interface {
	EpisodesCreated(ctx context.Context, ids []string)
}

// Executor runs async fetches, Submit must not block.
type Executor interface {
	Submit(task executor.Task) error
}

// SubscribeResult describes the outcome of a subscription.
type SubscribeResult struct {
	Feed *model.Feed
	// Async is true when episodes are fetched in background
	Async bool
	// Count is the number of episodes requested
	Count int
	// Created is the number of episodes stored before returning
	Created int
}

// ConfigResult describes the outcome of a configuration update.
type ConfigResult struct {
	// History is true when older episodes are being fetched in background
	History bool
	Count   int
}

type Manager struct {
	cfg      Config
	db       db.Storage
	fs       fs.Storage
	source   builder.Source
	handlers map[model.Kind]Handler
	pool     Executor
	notifier Notifier
	metrics  *metrics.Metrics
	locks    feedLocks
	now      func() time.Time
}

func NewUpdater(
	cfg Config,
	storage db.Storage,
	files fs.Storage,
	source builder.Source,
	pool Executor,
	notifier Notifier,
	m *metrics.Metrics,
) *Manager {
	cfg.applyDefaults()

	b := base{
		db:       storage,
		fetcher:  builder.NewFetcher(source),
		maxPages: cfg.MaxPages,
	}

	// Never modified after construction
	handlers := map[model.Kind]Handler{
		model.KindChannel:  &channelHandler{base: b},
		model.KindPlaylist: &playlistHandler{base: b},
	}

	return &Manager{
		cfg:      cfg,
		db:       storage,
		fs:       files,
		source:   source,
		handlers: handlers,
		pool:     pool,
		notifier: notifier,
		metrics:  m,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (u *Manager) handler(kind model.Kind) (Handler, error) {
	h, ok := u.handlers[kind]
	if !ok {
		return nil, errors.Wrapf(model.ErrInvalidConfig, "unsupported feed kind %q", kind)
	}
	return h, nil
}

// initialCount returns the number of episodes fetched on subscribe.
func initialCount(settings model.Settings) int {
	if settings.InitialCount > 0 {
		return settings.InitialCount
	}
	if settings.Filters.HasKeywords() {
		return model.DefaultFilteredCount
	}
	return model.DefaultInitialCount
}

// Subscribe adds a new feed and fetches its initial episodes.
// Large initial fetches run in background and return before any episode is stored.
func (u *Manager) Subscribe(ctx context.Context, feedConfig *feed.Config) (*SubscribeResult, error) {
	logger := log.WithField("feed_id", feedConfig.ID)

	info, err := builder.ParseURL(feedConfig.URL)
	if err != nil {
		return nil, errors.Wrapf(model.ErrInvalidConfig, "feed %q: %v", feedConfig.ID, err)
	}

	unlock := u.locks.lock(feedConfig.ID)
	defer unlock()

	if _, err := u.db.GetFeed(ctx, feedConfig.ID); err == nil {
		return nil, errors.Wrapf(model.ErrAlreadyExists, "feed %q", feedConfig.ID)
	} else if errors.Cause(err) != model.ErrNotFound {
		return nil, err
	}

	logger.Infof("-> subscribing to %s", feedConfig.URL)

	meta, err := u.source.Resolve(ctx, info)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to query feed info: %s", feedConfig.URL)
	}

	handler, err := u.handler(meta.Kind)
	if err != nil {
		return nil, err
	}

	now := u.now()
	f := &model.Feed{
		ID:           feedConfig.ID,
		Kind:         meta.Kind,
		URL:          feedConfig.URL,
		SourceID:     meta.SourceID,
		ListID:       meta.ListID,
		Title:        meta.Title,
		Description:  meta.Description,
		Author:       meta.Author,
		CoverArt:     meta.CoverArt,
		Settings:     feedConfig.Settings(),
		SubscribedAt: now,
		UpdatedAt:    now,
	}

	count := initialCount(f.Settings)
	f.Settings.InitialCount = count

	result := &SubscribeResult{Feed: f, Count: count}

	if count > u.cfg.AsyncThreshold {
		if err := u.db.AddFeed(ctx, f); err != nil {
			return nil, err
		}

		if err := u.pool.Submit(func(ctx context.Context) {
			u.initialize(ctx, f.ID, count)
		}); err != nil {
			if err := u.db.DeleteFeed(ctx, f.ID); err != nil {
				logger.WithError(err).Error("failed to remove feed after rejected subscription")
			}
			return nil, errors.Wrap(err, "failed to schedule initial fetch")
		}

		logger.Infof("fetching %d episode(s) in background", count)
		result.Async = true
		return result, nil
	}

	episodes, err := handler.FetchFull(ctx, f, count)
	if err != nil {
		u.metrics.FeedSynced(f.Kind, err)
		return nil, errors.Wrap(err, "failed to fetch episodes")
	}

	u.checkpoint(f, episodes)

	created, err := handler.Save(ctx, f, episodes)
	if err != nil {
		return nil, errors.Wrap(err, "failed to save feed")
	}

	u.metrics.FeedSynced(f.Kind, nil)
	u.notify(ctx, created)

	logger.Infof("subscribed with %d episode(s)", len(episodes))
	result.Created = len(created)
	return result, nil
}

// initialize runs the initial fetch of an async subscription.
func (u *Manager) initialize(ctx context.Context, feedID string, count int) {
	logger := log.WithField("feed_id", feedID)

	unlock := u.locks.lock(feedID)
	defer unlock()

	f, handler, err := u.load(ctx, feedID)
	if err != nil {
		logger.WithError(err).Error("failed to load feed for initial fetch")
		return
	}

	started := time.Now()

	episodes, err := handler.FetchFull(ctx, f, count)
	u.metrics.FeedSynced(f.Kind, err)
	if err != nil {
		// The feed stays without checkpoint and is picked up by the next refresh
		logger.WithError(err).Error("initial fetch failed")
		return
	}

	u.checkpoint(f, episodes)

	created, err := handler.Save(ctx, f, episodes)
	if err != nil {
		logger.WithError(err).Error("failed to save initial episodes")
		return
	}

	u.notify(ctx, created)
	logger.Infof("initial fetch stored %d episode(s) in %s", len(created), time.Since(started))
}

func (u *Manager) load(ctx context.Context, feedID string) (*model.Feed, Handler, error) {
	f, err := u.db.GetFeed(ctx, feedID)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to load feed %q", feedID)
	}

	handler, err := u.handler(f.Kind)
	if err != nil {
		return nil, nil, err
	}

	return f, handler, nil
}

// checkpoint moves the sync checkpoint to the first (newest in list order) fetched episode.
func (u *Manager) checkpoint(f *model.Feed, episodes []*model.Episode) {
	if len(episodes) > 0 {
		f.LastSyncID = episodes[0].ID
	}
	f.LastSyncAt = u.now()
	f.UpdatedAt = f.LastSyncAt
}

func (u *Manager) notify(ctx context.Context, ids []string) {
	if len(ids) == 0 {
		return
	}

	u.metrics.EpisodesCreated(len(ids))

	if u.notifier != nil {
		u.notifier.EpisodesCreated(ctx, ids)
	}
}

// Refresh fetches episodes newer than the feed checkpoint.
// Returns the number of new episodes.
func (u *Manager) Refresh(ctx context.Context, feedID string) (int, error) {
	unlock := u.locks.lock(feedID)
	defer unlock()

	f, handler, err := u.load(ctx, feedID)
	if err != nil {
		return 0, err
	}

	logger := log.WithFields(log.Fields{"feed_id": feedID, "kind": f.Kind})
	logger.Debugf("refreshing after %q", f.LastSyncID)

	episodes, err := handler.FetchIncremental(ctx, f, u.cfg.MaxPerRefresh)
	u.metrics.FeedSynced(f.Kind, err)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to refresh feed %q", feedID)
	}

	if len(episodes) == 0 {
		now := u.now()
		if err := u.db.UpdateFeed(ctx, feedID, func(feed *model.Feed) error {
			feed.LastSyncAt = now
			return nil
		}); err != nil {
			return 0, err
		}

		logger.Debug("no new episodes")
		return 0, nil
	}

	u.checkpoint(f, episodes)

	created, err := handler.Save(ctx, f, episodes)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to save episodes of %q", feedID)
	}

	u.notify(ctx, created)

	logger.Infof("found %d new episode(s)", len(created))
	return len(created), nil
}

// RefreshDue refreshes every feed due for update.
// A failing feed does not stop the others.
func (u *Manager) RefreshDue(ctx context.Context) error {
	var (
		now    = u.now()
		due    []string
		result *multierror.Error
	)

	if err := u.db.WalkFeeds(ctx, func(feed *model.Feed) error {
		if feed.IsDue(now) {
			due = append(due, feed.ID)
		}
		return nil
	}); err != nil {
		return errors.Wrap(err, "failed to list feeds")
	}

	if len(due) == 0 {
		log.Debug("no feeds due for refresh")
		return nil
	}

	log.Infof("refreshing %d feed(s)", len(due))

	for _, feedID := range due {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if _, err := u.Refresh(ctx, feedID); err != nil {
			log.WithError(err).WithField("feed_id", feedID).Error("refresh failed")
			result = multierror.Append(result, err)
		}
	}

	return result.ErrorOrNil()
}

// UpdateConfig replaces mutable feed settings.
// Raising the initial count fetches the difference of episodes older than the stored ones.
func (u *Manager) UpdateConfig(ctx context.Context, feedConfig *feed.Config) (*ConfigResult, error) {
	unlock := u.locks.lock(feedConfig.ID)
	defer unlock()

	f, _, err := u.load(ctx, feedConfig.ID)
	if err != nil {
		return nil, err
	}

	logger := log.WithField("feed_id", f.ID)

	if feedConfig.URL != "" && feedConfig.URL != f.URL {
		logger.Warnf("feed URL changed to %s, delete the feed to subscribe again", feedConfig.URL)
	}

	var (
		settings = feedConfig.Settings()
		previous = initialCount(f.Settings)
		result   = &ConfigResult{}
	)

	if settings.InitialCount <= 0 {
		settings.InitialCount = previous
	}

	if err := u.db.UpdateFeed(ctx, f.ID, func(feed *model.Feed) error {
		feed.Settings = settings
		feed.UpdatedAt = u.now()
		return nil
	}); err != nil {
		return nil, errors.Wrapf(err, "failed to update feed %q", f.ID)
	}

	if settings.InitialCount <= previous {
		return result, nil
	}

	result.History = true
	result.Count = settings.InitialCount - previous

	if err := u.pool.Submit(func(ctx context.Context) {
		u.backfill(ctx, f.ID, result.Count)
	}); err != nil {
		return nil, errors.Wrap(err, "failed to schedule history fetch")
	}

	logger.Infof("fetching %d older episode(s) in background", result.Count)
	return result, nil
}

// backfill fetches up to count episodes published before the oldest stored one.
func (u *Manager) backfill(ctx context.Context, feedID string, count int) {
	logger := log.WithField("feed_id", feedID)

	unlock := u.locks.lock(feedID)
	defer unlock()

	f, handler, err := u.load(ctx, feedID)
	if err != nil {
		logger.WithError(err).Error("failed to load feed for history fetch")
		return
	}

	earliest, err := handler.Earliest(ctx, f)
	if err != nil {
		logger.WithError(err).Error("failed to find earliest episode")
		return
	}

	var episodes []*model.Episode
	if earliest.IsZero() {
		episodes, err = handler.FetchFull(ctx, f, count)
	} else {
		episodes, err = handler.FetchHistory(ctx, f, count, earliest.Add(-time.Second))
	}

	u.metrics.FeedSynced(f.Kind, err)
	if err != nil {
		logger.WithError(err).Error("history fetch failed")
		return
	}

	// Checkpoint stays, these episodes are older
	created, err := handler.Save(ctx, f, episodes)
	if err != nil {
		logger.WithError(err).Error("failed to save history episodes")
		return
	}

	u.notify(ctx, created)
	logger.Infof("history fetch stored %d episode(s)", len(created))
}

// DeleteFeed removes the feed with its playlist links, then every episode and file
// left without an owner feed or a playlist referencing it.
func (u *Manager) DeleteFeed(ctx context.Context, feedID string) error {
	unlock := u.locks.lock(feedID)
	defer unlock()

	f, handler, err := u.load(ctx, feedID)
	if err != nil {
		return err
	}

	episodes, err := handler.Episodes(ctx, f)
	if err != nil {
		return errors.Wrapf(err, "failed to list episodes of %q", feedID)
	}

	if err := u.db.DeleteFeed(ctx, feedID); err != nil {
		return errors.Wrapf(err, "failed to delete feed %q", feedID)
	}

	var (
		result  *multierror.Error
		removed int
	)

	for _, episode := range episodes {
		orphaned, err := isOrphaned(ctx, u.db, episode, feedID)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}

		if !orphaned {
			continue
		}

		if err := u.removeEpisode(ctx, episode); err != nil {
			result = multierror.Append(result, err)
			continue
		}

		removed++
	}

	log.WithField("feed_id", feedID).Infof("feed deleted with %d episode(s)", removed)
	return result.ErrorOrNil()
}

// Cleanup deletes the oldest completed episodes of feeds keeping more than their limit.
func (u *Manager) Cleanup(ctx context.Context) error {
	var (
		feeds  []*model.Feed
		result *multierror.Error
	)

	if err := u.db.WalkFeeds(ctx, func(feed *model.Feed) error {
		if feed.Settings.MaxEpisodes > 0 {
			feeds = append(feeds, feed)
		}
		return nil
	}); err != nil {
		return errors.Wrap(err, "failed to list feeds")
	}

	for _, f := range feeds {
		if err := u.cleanup(ctx, f.ID); err != nil {
			result = multierror.Append(result, err)
		}
	}

	return result.ErrorOrNil()
}

func (u *Manager) cleanup(ctx context.Context, feedID string) error {
	unlock := u.locks.lock(feedID)
	defer unlock()

	f, handler, err := u.load(ctx, feedID)
	if err != nil {
		return err
	}

	var (
		count  = f.Settings.MaxEpisodes
		logger = log.WithField("feed_id", feedID)
		list   []*model.Episode
		result *multierror.Error
	)

	episodes, err := handler.Episodes(ctx, f)
	if err != nil {
		return err
	}

	for _, episode := range episodes {
		if episode.Status == model.EpisodeCompleted {
			list = append(list, episode)
		}
	}

	if count < 1 || count >= len(list) {
		return nil
	}

	sort.Slice(list, func(i, j int) bool {
		return list[i].PubDate.After(list[j].PubDate)
	})

	logger.WithField("count", count).Infof("evicting %d episode(s)", len(list)-count)

	evicted := 0
	for _, episode := range list[count:] {
		logger.WithField("episode_id", episode.ID).Infof("evicting %q", episode.Title)

		orphaned, err := handler.Release(ctx, f, episode)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}

		if orphaned {
			if err := u.removeEpisode(ctx, episode); err != nil {
				result = multierror.Append(result, err)
				continue
			}
		}

		evicted++
	}

	u.metrics.EpisodesEvicted(evicted)
	return result.ErrorOrNil()
}

func (u *Manager) removeEpisode(ctx context.Context, episode *model.Episode) error {
	if episode.AudioPath != "" {
		if err := u.fs.Delete(ctx, episode.AudioPath); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "failed to delete file of episode %q", episode.ID)
		}
	}

	if err := u.db.DeleteEpisode(ctx, episode.ID); err != nil {
		return errors.Wrapf(err, "failed to delete episode %q", episode.ID)
	}

	return nil
}

// isOrphaned reports whether no playlist links the episode and its owner feed is gone.
// The releasing feed counts as gone.
func isOrphaned(ctx context.Context, storage db.Storage, episode *model.Episode, releasing string) (bool, error) {
	playlists, err := storage.EpisodePlaylists(ctx, episode.ID)
	if err != nil {
		return false, err
	}

	if len(playlists) > 0 {
		return false, nil
	}

	if episode.FeedID == releasing {
		return true, nil
	}

	if _, err := storage.GetFeed(ctx, episode.FeedID); err == nil {
		return false, nil
	} else if errors.Cause(err) != model.ErrNotFound {
		return false, err
	}

	return true, nil
}
