package db

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/dgraph-io/badger"
	"github.com/dgraph-io/badger/options"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/tubecast/tubecast/pkg/model"
)

const (
	versionPath    = "tubecast/version"
	feedPrefix     = "feed/"
	feedPath       = "feed/%s"
	episodePrefix  = "episode/"
	episodePath    = "episode/%s"
	playlistPrefix = "playlist/%s/"
	playlistPath   = "playlist/%s/%s" // PlaylistID + EpisodeID
	backrefPrefix  = "backref/%s/"
	backrefPath    = "backref/%s/%s" // EpisodeID + PlaylistID
)

type Badger struct {
	db *badger.DB
}

var _ Storage = (*Badger)(nil)

func NewBadger(config *Config) (*Badger, error) {
	var (
		dir = config.Dir
	)

	log.Infof("opening database %q", dir)

	// Make sure database directory exists
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrap(err, "could not mkdir database dir")
	}

	opts := badger.DefaultOptions(dir).
		WithLogger(log.StandardLogger()).
		WithTruncate(true)

	if config.Badger != nil {
		opts.Truncate = config.Badger.Truncate
		if config.Badger.FileIO {
			opts.ValueLogLoadingMode = options.FileIO
		}
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	storage := &Badger{db: db}

	if err := db.Update(func(txn *badger.Txn) error {
		if err := storage.setObj(txn, []byte(versionPath), CurrentVersion, false); err != nil && err != model.ErrAlreadyExists {
			return err
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "failed to read database version")
	}

	return storage, nil
}

// IsTransient reports whether a storage error is caused by concurrent writers and the operation may be retried.
func IsTransient(err error) bool {
	return errors.Cause(err) == badger.ErrConflict
}

func (b *Badger) Close() error {
	log.Debug("closing database")
	return b.db.Close()
}

func (b *Badger) Version() (int, error) {
	var (
		version = -1
	)

	err := b.db.View(func(txn *badger.Txn) error {
		return b.getObj(txn, []byte(versionPath), &version)
	})

	return version, err
}

func (b *Badger) AddFeed(_ context.Context, feed *model.Feed) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return b.setObj(txn, b.getKey(feedPath, feed.ID), feed, false)
	})
}

func (b *Badger) GetFeed(_ context.Context, feedID string) (*model.Feed, error) {
	var (
		feed    = model.Feed{}
		feedKey = b.getKey(feedPath, feedID)
	)

	if err := b.db.View(func(txn *badger.Txn) error {
		return b.getObj(txn, feedKey, &feed)
	}); err != nil {
		return nil, err
	}

	return &feed, nil
}

func (b *Badger) UpdateFeed(_ context.Context, feedID string, cb func(feed *model.Feed) error) error {
	var (
		key  = b.getKey(feedPath, feedID)
		feed model.Feed
	)

	return b.db.Update(func(txn *badger.Txn) error {
		if err := b.getObj(txn, key, &feed); err != nil {
			return err
		}

		if err := cb(&feed); err != nil {
			return err
		}

		if feed.ID != feedID {
			return errors.New("can't change feed ID")
		}

		return b.setObj(txn, key, &feed, true)
	})
}

func (b *Badger) WalkFeeds(_ context.Context, cb func(feed *model.Feed) error) error {
	return b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = b.getKey(feedPrefix)
		opts.PrefetchValues = true
		return b.iterator(txn, opts, func(item *badger.Item) error {
			feed := &model.Feed{}
			if err := b.unmarshalObj(item, feed); err != nil {
				return err
			}

			return cb(feed)
		})
	})
}

func (b *Badger) DeleteFeed(_ context.Context, feedID string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		feedKey := b.getKey(feedPath, feedID)
		if _, err := txn.Get(feedKey); err != nil {
			if err == badger.ErrKeyNotFound {
				return model.ErrNotFound
			}
			return err
		}

		if err := txn.Delete(feedKey); err != nil {
			return errors.Wrapf(err, "failed to delete feed %q", feedID)
		}

		// Playlist links and their back references
		var links []*model.PlaylistEpisode
		if err := b.walkLinks(txn, feedID, func(link *model.PlaylistEpisode) error {
			links = append(links, link)
			return nil
		}); err != nil {
			return errors.Wrapf(err, "failed to iterate links for feed %q", feedID)
		}

		for _, link := range links {
			if err := b.deleteLink(txn, link.PlaylistID, link.EpisodeID); err != nil {
				return err
			}
		}

		return nil
	})
}

func (b *Badger) SaveEpisodes(_ context.Context, feed *model.Feed, episodes []*model.Episode, link bool) ([]string, error) {
	var (
		created []string
		now     = time.Now().UTC()
	)

	err := b.db.Update(func(txn *badger.Txn) error {
		created = created[:0]

		// Insert or update feed info
		if err := b.setObj(txn, b.getKey(feedPath, feed.ID), feed, true); err != nil {
			return err
		}

		for i, episode := range episodes {
			if episode.FeedID == "" {
				episode.FeedID = feed.ID
			}
			if episode.Status == "" {
				episode.Status = model.EpisodePending
			}
			if episode.CreatedAt.IsZero() {
				// Keep fetch order when sorting by creation time
				episode.CreatedAt = now.Add(time.Duration(i) * time.Microsecond)
				episode.UpdatedAt = episode.CreatedAt
			}

			err := b.setObj(txn, b.getKey(episodePath, episode.ID), episode, false)
			if err == nil {
				created = append(created, episode.ID)
			} else if err != model.ErrAlreadyExists {
				return errors.Wrapf(err, "failed to save episode %q", episode.ID)
			}

			if link {
				entry := &model.PlaylistEpisode{
					PlaylistID: feed.ID,
					EpisodeID:  episode.ID,
					PubDate:    episode.PubDate,
				}

				if err := b.setObj(txn, b.getKey(playlistPath, feed.ID, episode.ID), entry, true); err != nil {
					return errors.Wrapf(err, "failed to link episode %q", episode.ID)
				}

				if err := txn.Set(b.getKey(backrefPath, episode.ID, feed.ID), nil); err != nil {
					return err
				}
			}
		}

		return nil
	})

	if err != nil {
		return nil, err
	}

	return created, nil
}

func (b *Badger) GetEpisode(_ context.Context, episodeID string) (*model.Episode, error) {
	var (
		episode model.Episode
		key     = b.getKey(episodePath, episodeID)
	)

	if err := b.db.View(func(txn *badger.Txn) error {
		return b.getObj(txn, key, &episode)
	}); err != nil {
		return nil, err
	}

	return &episode, nil
}

func (b *Badger) UpdateEpisode(_ context.Context, episodeID string, cb func(episode *model.Episode) error) error {
	var (
		key     = b.getKey(episodePath, episodeID)
		episode model.Episode
	)

	return b.db.Update(func(txn *badger.Txn) error {
		if err := b.getObj(txn, key, &episode); err != nil {
			return err
		}

		status := episode.Status

		if err := cb(&episode); err != nil {
			return err
		}

		if episode.ID != episodeID {
			return errors.New("can't change episode ID")
		}

		if episode.Status != status {
			return errors.Wrap(model.ErrInvalidTransition, "status must be changed with TransitionEpisode")
		}

		episode.UpdatedAt = time.Now().UTC()
		return b.setObj(txn, key, &episode, true)
	})
}

func (b *Badger) TransitionEpisode(_ context.Context, episodeID string, from []model.EpisodeStatus, to model.EpisodeStatus, cb func(episode *model.Episode)) (bool, error) {
	for _, status := range from {
		if !status.CanTransition(to) {
			return false, errors.Wrapf(model.ErrInvalidTransition, "%s -> %s", status, to)
		}
	}

	var (
		key     = b.getKey(episodePath, episodeID)
		episode model.Episode
		changed bool
	)

	err := b.db.Update(func(txn *badger.Txn) error {
		changed = false

		if err := b.getObj(txn, key, &episode); err != nil {
			return err
		}

		if !containsStatus(from, episode.Status) {
			return nil
		}

		episode.Status = to
		episode.UpdatedAt = time.Now().UTC()

		if cb != nil {
			cb(&episode)
		}

		changed = true
		return b.setObj(txn, key, &episode, true)
	})

	if err != nil {
		return false, err
	}

	return changed, nil
}

func (b *Badger) DeleteEpisode(_ context.Context, episodeID string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete(b.getKey(episodePath, episodeID)); err != nil {
			return errors.Wrapf(err, "failed to delete episode %q", episodeID)
		}

		playlists, err := b.backrefs(txn, episodeID)
		if err != nil {
			return err
		}

		for _, playlistID := range playlists {
			if err := b.deleteLink(txn, playlistID, episodeID); err != nil {
				return err
			}
		}

		return nil
	})
}

func (b *Badger) WalkEpisodes(_ context.Context, feedID string, cb func(episode *model.Episode) error) error {
	return b.db.View(func(txn *badger.Txn) error {
		return b.walkEpisodes(txn, func(episode *model.Episode) error {
			if feedID != "" && episode.FeedID != feedID {
				return nil
			}
			return cb(episode)
		})
	})
}

func (b *Badger) ListEpisodes(_ context.Context, status model.EpisodeStatus, limit int, accept func(episode *model.Episode) bool) ([]*model.Episode, error) {
	if limit <= 0 {
		return nil, nil
	}

	var list []*model.Episode
	if err := b.db.View(func(txn *badger.Txn) error {
		return b.walkEpisodes(txn, func(episode *model.Episode) error {
			if episode.Status != status {
				return nil
			}
			if accept != nil && !accept(episode) {
				return nil
			}
			list = append(list, episode)
			return nil
		})
	}); err != nil {
		return nil, err
	}

	sort.SliceStable(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})

	if len(list) > limit {
		list = list[:limit]
	}

	return list, nil
}

func (b *Badger) WalkPlaylistEpisodes(_ context.Context, playlistID string, cb func(link *model.PlaylistEpisode) error) error {
	return b.db.View(func(txn *badger.Txn) error {
		return b.walkLinks(txn, playlistID, cb)
	})
}

func (b *Badger) EpisodePlaylists(_ context.Context, episodeID string) ([]string, error) {
	var (
		playlists []string
		err       error
	)

	err = b.db.View(func(txn *badger.Txn) error {
		playlists, err = b.backrefs(txn, episodeID)
		return err
	})

	return playlists, err
}

func (b *Badger) DeletePlaylistEpisode(_ context.Context, playlistID string, episodeID string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return b.deleteLink(txn, playlistID, episodeID)
	})
}

func (b *Badger) walkEpisodes(txn *badger.Txn, cb func(episode *model.Episode) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = b.getKey(episodePrefix)
	opts.PrefetchValues = true
	return b.iterator(txn, opts, func(item *badger.Item) error {
		episode := &model.Episode{}
		if err := b.unmarshalObj(item, episode); err != nil {
			return err
		}

		return cb(episode)
	})
}

func (b *Badger) walkLinks(txn *badger.Txn, playlistID string, cb func(link *model.PlaylistEpisode) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = b.getKey(playlistPrefix, playlistID)
	opts.PrefetchValues = true
	return b.iterator(txn, opts, func(item *badger.Item) error {
		link := &model.PlaylistEpisode{}
		if err := b.unmarshalObj(item, link); err != nil {
			return err
		}

		return cb(link)
	})
}

func (b *Badger) backrefs(txn *badger.Txn, episodeID string) ([]string, error) {
	var (
		prefix    = b.getKey(backrefPrefix, episodeID)
		playlists []string
	)

	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = false
	err := b.iterator(txn, opts, func(item *badger.Item) error {
		playlists = append(playlists, string(item.Key()[len(prefix):]))
		return nil
	})

	return playlists, err
}

func (b *Badger) deleteLink(txn *badger.Txn, playlistID, episodeID string) error {
	if err := txn.Delete(b.getKey(playlistPath, playlistID, episodeID)); err != nil {
		return errors.Wrapf(err, "failed to delete link %s/%s", playlistID, episodeID)
	}

	return txn.Delete(b.getKey(backrefPath, episodeID, playlistID))
}

func (b *Badger) iterator(txn *badger.Txn, opts badger.IteratorOptions, callback func(item *badger.Item) error) error {
	iter := txn.NewIterator(opts)
	defer iter.Close()

	for iter.Rewind(); iter.Valid(); iter.Next() {
		item := iter.Item()

		if err := callback(item); err != nil {
			return err
		}
	}

	return nil
}

func (b *Badger) getKey(format string, a ...interface{}) []byte {
	resourcePath := fmt.Sprintf(format, a...)
	fullPath := fmt.Sprintf("tubecast/v%d/%s", CurrentVersion, resourcePath)

	return []byte(fullPath)
}

func (b *Badger) setObj(txn *badger.Txn, key []byte, obj interface{}, overwrite bool) error {
	if !overwrite {
		// Overwrites are not allowed, make sure there is no object with the given key
		_, err := txn.Get(key)
		if err == nil {
			return model.ErrAlreadyExists
		} else if err != badger.ErrKeyNotFound {
			return errors.Wrap(err, "failed to check whether key exists")
		}
	}

	data, err := b.marshalObj(obj)
	if err != nil {
		return errors.Wrapf(err, "failed to serialize object for key %q", key)
	}

	return txn.Set(key, data)
}

func (b *Badger) getObj(txn *badger.Txn, key []byte, out interface{}) error {
	item, err := txn.Get(key)
	if err != nil {
		if err == badger.ErrKeyNotFound {
			return model.ErrNotFound
		}

		return err
	}

	return b.unmarshalObj(item, out)
}

func (b *Badger) marshalObj(obj interface{}) ([]byte, error) {
	return json.Marshal(obj)
}

func (b *Badger) unmarshalObj(item *badger.Item, out interface{}) error {
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, out)
	})
}

func containsStatus(list []model.EpisodeStatus, status model.EpisodeStatus) bool {
	for _, s := range list {
		if s == status {
			return true
		}
	}
	return false
}
