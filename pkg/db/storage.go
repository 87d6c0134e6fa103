package db

import (
	"context"

	"github.com/tubecast/tubecast/pkg/model"
)

type Version int

const (
	CurrentVersion = 1
)

type Storage interface {
	Close() error
	Version() (int, error)

	// AddFeed inserts a new feed, returns model.ErrAlreadyExists if the ID is taken
	AddFeed(ctx context.Context, feed *model.Feed) error

	// GetFeed gets a feed by ID
	GetFeed(ctx context.Context, feedID string) (*model.Feed, error)

	// UpdateFeed updates feed fields in a single transaction
	UpdateFeed(ctx context.Context, feedID string, cb func(feed *model.Feed) error) error

	// WalkFeeds iterates over feeds saved to database
	WalkFeeds(ctx context.Context, cb func(feed *model.Feed) error) error

	// DeleteFeed deletes the feed and its playlist links.
	// Episodes owned by the feed are kept, callers decide whether they are orphaned.
	DeleteFeed(ctx context.Context, feedID string) error

	// SaveEpisodes will, in one transaction:
	// - Insert or update feed info (sync checkpoint)
	// - Insert episodes not known yet (existing episodes are not overwritten!)
	// - Upsert playlist links when link is true
	// Returns IDs of episodes created by this call, valid once the call returned.
	SaveEpisodes(ctx context.Context, feed *model.Feed, episodes []*model.Episode, link bool) ([]string, error)

	// GetEpisode gets episode by identifier
	GetEpisode(ctx context.Context, episodeID string) (*model.Episode, error)

	// UpdateEpisode updates episode fields
	UpdateEpisode(ctx context.Context, episodeID string, cb func(episode *model.Episode) error) error

	// TransitionEpisode atomically moves an episode to the next status if its current status is one of from.
	// Returns false when the episode is in another status.
	TransitionEpisode(ctx context.Context, episodeID string, from []model.EpisodeStatus, to model.EpisodeStatus, cb func(episode *model.Episode)) (bool, error)

	// DeleteEpisode deletes the episode together with its playlist links
	DeleteEpisode(ctx context.Context, episodeID string) error

	// WalkEpisodes iterates over episodes owned by the given feed ID (all episodes if empty)
	WalkEpisodes(ctx context.Context, feedID string, cb func(episode *model.Episode) error) error

	// ListEpisodes returns up to limit episodes in the given status, oldest created first.
	// Optional accept callback filters episodes before the limit is applied.
	ListEpisodes(ctx context.Context, status model.EpisodeStatus, limit int, accept func(episode *model.Episode) bool) ([]*model.Episode, error)

	// WalkPlaylistEpisodes iterates over links of the given playlist
	WalkPlaylistEpisodes(ctx context.Context, playlistID string, cb func(link *model.PlaylistEpisode) error) error

	// EpisodePlaylists returns IDs of playlists referencing the episode
	EpisodePlaylists(ctx context.Context, episodeID string) ([]string, error)

	// DeletePlaylistEpisode removes a single playlist link
	DeletePlaylistEpisode(ctx context.Context, playlistID string, episodeID string) error
}
