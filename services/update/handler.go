package update

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/tubecast/tubecast/pkg/builder"
	"github.com/tubecast/tubecast/pkg/db"
	"github.com/tubecast/tubecast/pkg/model"
)

// Handler implements the parts of feed synchronization that differ between feed kinds.
type Handler interface {
	Kind() model.Kind

	// Find loads a feed of this kind
	Find(ctx context.Context, feedID string) (*model.Feed, error)

	// Save persists the feed together with fetched episodes in one transaction.
	// Returns IDs of episodes that did not exist before.
	Save(ctx context.Context, feed *model.Feed, episodes []*model.Episode) ([]string, error)

	FetchFull(ctx context.Context, feed *model.Feed, count int) ([]*model.Episode, error)
	FetchIncremental(ctx context.Context, feed *model.Feed, count int) ([]*model.Episode, error)
	FetchHistory(ctx context.Context, feed *model.Feed, count int, before time.Time) ([]*model.Episode, error)

	// Earliest returns the publish time of the oldest episode stored for the feed, zero if none
	Earliest(ctx context.Context, feed *model.Feed) (time.Time, error)

	// Episodes returns every episode the feed exposes
	Episodes(ctx context.Context, feed *model.Feed) ([]*model.Episode, error)

	// Release detaches the episode from the feed.
	// Returns true when nothing else references the episode and it must be deleted.
	Release(ctx context.Context, feed *model.Feed, episode *model.Episode) (bool, error)
}

type base struct {
	db       db.Storage
	fetcher  *builder.Fetcher
	maxPages int
}

func (b *base) find(ctx context.Context, feedID string, kind model.Kind) (*model.Feed, error) {
	feed, err := b.db.GetFeed(ctx, feedID)
	if err != nil {
		return nil, err
	}

	if feed.Kind != kind {
		return nil, errors.Wrapf(model.ErrNotFound, "feed %q is a %s", feedID, feed.Kind)
	}

	return feed, nil
}

func (b *base) query(feed *model.Feed, count int) builder.Query {
	return builder.Query{
		ListID:   feed.ListID,
		Count:    count,
		Filters:  feed.Settings.Filters,
		MaxPages: b.maxPages,
	}
}

type channelHandler struct {
	base
}

func (h *channelHandler) Kind() model.Kind {
	return model.KindChannel
}

func (h *channelHandler) Find(ctx context.Context, feedID string) (*model.Feed, error) {
	return h.find(ctx, feedID, model.KindChannel)
}

func (h *channelHandler) Save(ctx context.Context, feed *model.Feed, episodes []*model.Episode) ([]string, error) {
	return h.db.SaveEpisodes(ctx, feed, episodes, false)
}

func (h *channelHandler) FetchFull(ctx context.Context, feed *model.Feed, count int) ([]*model.Episode, error) {
	return h.fetcher.Fetch(ctx, h.query(feed, count))
}

func (h *channelHandler) FetchIncremental(ctx context.Context, feed *model.Feed, count int) ([]*model.Episode, error) {
	query := h.query(feed, count)
	query.StopID = feed.LastSyncID
	return h.fetcher.Fetch(ctx, query)
}

func (h *channelHandler) FetchHistory(ctx context.Context, feed *model.Feed, count int, before time.Time) ([]*model.Episode, error) {
	query := h.query(feed, count)
	query.PublishedBefore = before
	return h.fetcher.Fetch(ctx, query)
}

func (h *channelHandler) Earliest(ctx context.Context, feed *model.Feed) (time.Time, error) {
	var earliest time.Time
	err := h.db.WalkEpisodes(ctx, feed.ID, func(episode *model.Episode) error {
		if earliest.IsZero() || episode.PubDate.Before(earliest) {
			earliest = episode.PubDate
		}
		return nil
	})
	return earliest, err
}

func (h *channelHandler) Episodes(ctx context.Context, feed *model.Feed) ([]*model.Episode, error) {
	var list []*model.Episode
	err := h.db.WalkEpisodes(ctx, feed.ID, func(episode *model.Episode) error {
		list = append(list, episode)
		return nil
	})
	return list, err
}

// Release deletes the episode unless a playlist still links it.
// A linked episode is detached from the channel so it is not evicted again.
func (h *channelHandler) Release(ctx context.Context, feed *model.Feed, episode *model.Episode) (bool, error) {
	orphaned, err := isOrphaned(ctx, h.db, episode, feed.ID)
	if err != nil || orphaned {
		return orphaned, err
	}

	if err := h.db.UpdateEpisode(ctx, episode.ID, func(episode *model.Episode) error {
		episode.FeedID = ""
		return nil
	}); err != nil {
		return false, errors.Wrapf(err, "failed to detach episode %q", episode.ID)
	}

	return false, nil
}

type playlistHandler struct {
	base
}

func (h *playlistHandler) Kind() model.Kind {
	return model.KindPlaylist
}

func (h *playlistHandler) Find(ctx context.Context, feedID string) (*model.Feed, error) {
	return h.find(ctx, feedID, model.KindPlaylist)
}

func (h *playlistHandler) Save(ctx context.Context, feed *model.Feed, episodes []*model.Episode) ([]string, error) {
	// Playlists without own artwork use the newest episode cover
	if feed.CoverArt == "" && len(episodes) > 0 {
		feed.CoverArt = episodes[0].MaxCover
	}

	return h.db.SaveEpisodes(ctx, feed, episodes, true)
}

func (h *playlistHandler) query(feed *model.Feed, count int) builder.Query {
	query := h.base.query(feed, count)
	query.Reverse = feed.Settings.PlaylistSort == model.SortingDesc
	return query
}

func (h *playlistHandler) FetchFull(ctx context.Context, feed *model.Feed, count int) ([]*model.Episode, error) {
	return h.fetcher.Fetch(ctx, h.query(feed, count))
}

func (h *playlistHandler) FetchIncremental(ctx context.Context, feed *model.Feed, count int) ([]*model.Episode, error) {
	query := h.query(feed, count)
	query.StopID = feed.LastSyncID
	return h.fetcher.Fetch(ctx, query)
}

func (h *playlistHandler) FetchHistory(ctx context.Context, feed *model.Feed, count int, before time.Time) ([]*model.Episode, error) {
	query := h.query(feed, count)
	query.PublishedBefore = before
	return h.fetcher.Fetch(ctx, query)
}

func (h *playlistHandler) Earliest(ctx context.Context, feed *model.Feed) (time.Time, error) {
	var earliest time.Time
	err := h.db.WalkPlaylistEpisodes(ctx, feed.ID, func(link *model.PlaylistEpisode) error {
		if earliest.IsZero() || link.PubDate.Before(earliest) {
			earliest = link.PubDate
		}
		return nil
	})
	return earliest, err
}

func (h *playlistHandler) Episodes(ctx context.Context, feed *model.Feed) ([]*model.Episode, error) {
	var ids []string
	if err := h.db.WalkPlaylistEpisodes(ctx, feed.ID, func(link *model.PlaylistEpisode) error {
		ids = append(ids, link.EpisodeID)
		return nil
	}); err != nil {
		return nil, err
	}

	list := make([]*model.Episode, 0, len(ids))
	for _, id := range ids {
		episode, err := h.db.GetEpisode(ctx, id)
		if errors.Cause(err) == model.ErrNotFound {
			continue
		} else if err != nil {
			return nil, err
		}
		list = append(list, episode)
	}

	return list, nil
}

func (h *playlistHandler) Release(ctx context.Context, feed *model.Feed, episode *model.Episode) (bool, error) {
	if err := h.db.DeletePlaylistEpisode(ctx, feed.ID, episode.ID); err != nil {
		return false, errors.Wrapf(err, "failed to unlink episode %q", episode.ID)
	}

	return isOrphaned(ctx, h.db, episode, feed.ID)
}
