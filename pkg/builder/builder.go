package builder

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/tubecast/tubecast/pkg/feed"
	"github.com/tubecast/tubecast/pkg/model"
)

//go:generate mockgen -source=builder.go -destination=builder_mock_test.go -package=builder

// Source is a video platform API used to discover feeds and their items.
type Source interface {
	// Resolve queries general feed information (title, cover, backing list ID)
	Resolve(ctx context.Context, info model.Info) (*FeedInfo, error)
	// ListItems returns one page of the backing ordered list of items
	ListItems(ctx context.Context, listID string, pageToken string, pageSize int64) (*Page, error)
	// Details returns duration and live state for at most MaxDetailsBatch IDs
	Details(ctx context.Context, ids []string) (map[string]*Details, error)
}

// MaxDetailsBatch is the maximum number of IDs accepted by a single Details call.
const MaxDetailsBatch = 50

type FeedInfo struct {
	Kind        model.Kind
	SourceID    string
	ListID      string
	URL         string
	Title       string
	Description string
	Author      string
	CoverArt    string
}

type Thumbnails struct {
	Default string
	Max     string
}

type Item struct {
	ID          string
	Title       string
	Description string
	PubDate     time.Time
	Position    int64
	Thumbnails  Thumbnails
}

type Page struct {
	Items         []*Item
	NextPageToken string
}

type Details struct {
	ID            string
	Duration      string // ISO-8601
	LiveBroadcast string // "none", "live" or "upcoming"
	LiveStarted   bool
	LiveEnded     bool
	Thumbnails    Thumbnails
}

// IsLive reports whether the video is an ongoing or scheduled livestream.
func (d *Details) IsLive() bool {
	if d.LiveBroadcast == "live" || d.LiveBroadcast == "upcoming" {
		return true
	}
	return d.LiveStarted && !d.LiveEnded
}

func New(ctx context.Context, provider model.Provider, keys feed.KeyProvider) (Source, error) {
	switch provider {
	case model.ProviderYoutube:
		return NewYouTubeBuilder(ctx, keys)
	default:
		return nil, errors.Errorf("unsupported provider %q", provider)
	}
}
