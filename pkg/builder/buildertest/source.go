// Package buildertest provides an in-memory builder.Source for tests.
package buildertest

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/tubecast/tubecast/pkg/builder"
	"github.com/tubecast/tubecast/pkg/model"
)

// Source serves feeds and list pages from memory.
type Source struct {
	mu      sync.Mutex
	feeds   map[string]*builder.FeedInfo
	lists   map[string][]*builder.Item
	details map[string]*builder.Details

	// Err is returned by every call when set
	Err error

	ListCalls    int
	DetailsCalls int
}

func New() *Source {
	return &Source{
		feeds:   map[string]*builder.FeedInfo{},
		lists:   map[string][]*builder.Item{},
		details: map[string]*builder.Details{},
	}
}

// AddChannel registers a channel with the uploads list "UU<id>" and n videos, newest first.
func (s *Source) AddChannel(id string, n int) *builder.FeedInfo {
	info := &builder.FeedInfo{
		Kind:     model.KindChannel,
		SourceID: id,
		ListID:   "UU" + id,
		URL:      "https://youtube.com/channel/" + id,
		Title:    "Channel " + id,
	}

	s.mu.Lock()
	s.feeds[id] = info
	s.mu.Unlock()

	s.AddVideos(info.ListID, id, n)
	return info
}

// AddPlaylist registers a playlist with n videos, newest first.
func (s *Source) AddPlaylist(id string, n int) *builder.FeedInfo {
	info := &builder.FeedInfo{
		Kind:     model.KindPlaylist,
		SourceID: id,
		ListID:   id,
		URL:      "https://youtube.com/playlist?list=" + id,
		Title:    "Playlist " + id,
	}

	s.mu.Lock()
	s.feeds[id] = info
	s.mu.Unlock()

	s.AddVideos(id, id, n)
	return info
}

// AddVideos appends n videos named <prefix>-<i>, each one hour older than the previous.
func (s *Source) AddVideos(listID string, prefix string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	offset := len(s.lists[listID])

	for i := 0; i < n; i++ {
		id := fmt.Sprintf("%s-%d", prefix, offset+i)
		s.lists[listID] = append(s.lists[listID], &builder.Item{
			ID:       id,
			Title:    "Video " + id,
			PubDate:  start.Add(-time.Duration(offset+i) * time.Hour),
			Position: int64(offset + i),
		})
		s.details[id] = &builder.Details{ID: id, Duration: "PT10M", LiveBroadcast: "none"}
	}
}

// Publish inserts a new video at the head of the list.
func (s *Source) Publish(listID string, item *builder.Item, details *builder.Details) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if details == nil {
		details = &builder.Details{ID: item.ID, Duration: "PT10M", LiveBroadcast: "none"}
	}

	s.lists[listID] = append([]*builder.Item{item}, s.lists[listID]...)
	s.details[item.ID] = details
}

// Append adds a video to the end of the list.
func (s *Source) Append(listID string, item *builder.Item, details *builder.Details) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lists[listID] = append(s.lists[listID], item)
	if details != nil {
		s.details[item.ID] = details
	}
}

func (s *Source) Resolve(_ context.Context, info model.Info) (*builder.FeedInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Err != nil {
		return nil, s.Err
	}

	feed, ok := s.feeds[info.ItemID]
	if !ok {
		return nil, errors.Wrapf(model.ErrNotFound, "feed %q", info.ItemID)
	}

	out := *feed
	return &out, nil
}

func (s *Source) ListItems(_ context.Context, listID string, pageToken string, pageSize int64) (*builder.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ListCalls++

	if s.Err != nil {
		return nil, s.Err
	}

	offset := 0
	if pageToken != "" {
		var err error
		if offset, err = strconv.Atoi(pageToken); err != nil {
			return nil, errors.Wrap(err, "invalid page token")
		}
	}

	items := s.lists[listID]
	if offset > len(items) {
		offset = len(items)
	}

	end := offset + int(pageSize)
	if end > len(items) {
		end = len(items)
	}

	page := &builder.Page{}
	for _, item := range items[offset:end] {
		copied := *item
		page.Items = append(page.Items, &copied)
	}

	if end < len(items) {
		page.NextPageToken = strconv.Itoa(end)
	}

	return page, nil
}

func (s *Source) Details(_ context.Context, ids []string) (map[string]*builder.Details, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.DetailsCalls++

	if s.Err != nil {
		return nil, s.Err
	}

	if len(ids) > builder.MaxDetailsBatch {
		return nil, errors.Errorf("too many ids: %d", len(ids))
	}

	out := map[string]*builder.Details{}
	for _, id := range ids {
		if details, ok := s.details[id]; ok {
			copied := *details
			out[id] = &copied
		}
	}

	return out, nil
}
