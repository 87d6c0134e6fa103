package builder

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/tubecast/tubecast/pkg/model"
)

// Query describes a single fetch from a backing list.
type Query struct {
	// ListID is the platform list to page through
	ListID string
	// Count is the maximum number of episodes to return
	Count int
	// StopID halts paging once this item is reached (incremental sync checkpoint)
	StopID string
	// PublishedBefore skips newer items (historical backfill)
	PublishedBefore time.Time
	Filters         model.Filters
	// MaxPages bounds the number of list pages requested, model.DefaultMaxPages if 0
	MaxPages int
	// Reverse walks the list from the end (descending playlist position)
	Reverse bool
}

// Fetcher pages through a Source and selects items matching a Query.
// It doesn't persist anything.
type Fetcher struct {
	source Source
}

func NewFetcher(source Source) *Fetcher {
	return &Fetcher{source: source}
}

// Fetch returns up to query.Count matching episodes in list order (newest first for uploads).
func (f *Fetcher) Fetch(ctx context.Context, query Query) ([]*model.Episode, error) {
	if query.Count <= 0 {
		return nil, nil
	}

	if query.ListID == "" {
		return nil, errors.New("list ID is required")
	}

	if query.MaxPages <= 0 {
		query.MaxPages = model.DefaultMaxPages
	}

	w := &walker{
		fetcher: f,
		query:   query,
		seen:    map[string]bool{},
		logger:  log.WithField("list_id", query.ListID),
	}

	if query.Reverse {
		items, err := f.collect(ctx, query)
		if err != nil {
			return nil, err
		}

		for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
			items[i], items[j] = items[j], items[i]
		}

		for start := 0; start < len(items) && !w.done; start += model.DefaultPageSize {
			end := start + model.DefaultPageSize
			if end > len(items) {
				end = len(items)
			}

			if err := w.walk(ctx, items[start:end]); err != nil {
				return nil, err
			}
		}

		return w.result, nil
	}

	var (
		token string
		size  = pageSize(query)
	)

	for page := 0; page < query.MaxPages && !w.done; page++ {
		resp, err := f.source.ListItems(ctx, query.ListID, token, size)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to list page %d", page)
		}

		if err := w.walk(ctx, resp.Items); err != nil {
			return nil, err
		}

		token = resp.NextPageToken
		if token == "" {
			break
		}

		if page == query.MaxPages-1 && !w.done {
			w.logger.Warnf("page limit %d reached, collected %d of %d", query.MaxPages, len(w.result), query.Count)
		}
	}

	return w.result, nil
}

// collect loads all pages (up to the page limit) to walk them in reverse.
func (f *Fetcher) collect(ctx context.Context, query Query) ([]*Item, error) {
	var (
		items []*Item
		token string
	)

	for page := 0; page < query.MaxPages; page++ {
		resp, err := f.source.ListItems(ctx, query.ListID, token, model.DefaultPageSize)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to list page %d", page)
		}

		items = append(items, resp.Items...)

		token = resp.NextPageToken
		if token == "" {
			break
		}
	}

	return items, nil
}

// Small pages are enough when nothing can be filtered out
func pageSize(query Query) int64 {
	if query.Filters.HasKeywords() || query.Filters.MinDuration > 0 || !query.PublishedBefore.IsZero() {
		return model.DefaultPageSize
	}

	if query.Count < model.DefaultPageSize {
		return int64(query.Count)
	}

	return model.DefaultPageSize
}

type walker struct {
	fetcher *Fetcher
	query   Query
	seen    map[string]bool
	result  []*model.Episode
	done    bool
	logger  log.FieldLogger
}

func (w *walker) walk(ctx context.Context, items []*Item) error {
	var candidates []*Item

	for _, item := range items {
		if w.seen[item.ID] {
			continue
		}
		w.seen[item.ID] = true

		if w.query.StopID != "" && item.ID == w.query.StopID {
			// Everything after the checkpoint is already known
			w.done = true
			break
		}

		if !w.query.PublishedBefore.IsZero() && item.PubDate.After(w.query.PublishedBefore) {
			continue
		}

		if !matchKeywords(item.Title, w.query.Filters) {
			w.logger.WithField("episode_id", item.ID).Debugf("skipping %q due to keyword filter", item.Title)
			continue
		}

		candidates = append(candidates, item)
	}

	if len(candidates) == 0 {
		return nil
	}

	details, err := w.details(ctx, candidates)
	if err != nil {
		return err
	}

	for _, item := range candidates {
		if len(w.result) >= w.query.Count {
			break
		}

		logger := w.logger.WithField("episode_id", item.ID)

		info, ok := details[item.ID]
		if !ok {
			// Private and deleted videos stay in lists but return no details
			logger.Debug("skipping item without details")
			continue
		}

		if !matchDuration(info.Duration, w.query.Filters.MinDuration) {
			logger.Debugf("skipping %q due to duration %s", item.Title, info.Duration)
			continue
		}

		if info.IsLive() {
			logger.Debugf("skipping live stream %q", item.Title)
			continue
		}

		w.result = append(w.result, newEpisode(item, info))
	}

	if len(w.result) >= w.query.Count {
		w.done = true
	}

	return nil
}

func (w *walker) details(ctx context.Context, items []*Item) (map[string]*Details, error) {
	out := make(map[string]*Details, len(items))

	for start := 0; start < len(items); start += MaxDetailsBatch {
		end := start + MaxDetailsBatch
		if end > len(items) {
			end = len(items)
		}

		ids := make([]string, 0, end-start)
		for _, item := range items[start:end] {
			ids = append(ids, item.ID)
		}

		batch, err := w.fetcher.source.Details(ctx, ids)
		if err != nil {
			return nil, errors.Wrap(err, "failed to query details")
		}

		for id, details := range batch {
			out[id] = details
		}
	}

	return out, nil
}

func newEpisode(item *Item, details *Details) *model.Episode {
	episode := &model.Episode{
		ID:           item.ID,
		Position:     item.Position,
		Title:        item.Title,
		Description:  item.Description,
		PubDate:      item.PubDate,
		DefaultCover: item.Thumbnails.Default,
		MaxCover:     item.Thumbnails.Max,
		Duration:     details.Duration,
		Status:       model.EpisodePending,
	}

	if details.Thumbnails.Default != "" {
		episode.DefaultCover = details.Thumbnails.Default
	}

	if details.Thumbnails.Max != "" {
		episode.MaxCover = details.Thumbnails.Max
	}

	if episode.DefaultCover == "" {
		episode.DefaultCover = "https://img.youtube.com/vi/" + item.ID + "/default.jpg"
	}

	return episode
}
