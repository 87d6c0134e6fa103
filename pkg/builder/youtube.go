package builder

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/youtube/v3"

	"github.com/tubecast/tubecast/pkg/feed"
	"github.com/tubecast/tubecast/pkg/model"
)

const (
	maxYoutubeResults = 50
	apiTimeout        = 30 * time.Second
)

type apiKey string

func (key apiKey) Get() (string, string) {
	return "key", string(key)
}

type YouTubeBuilder struct {
	client *youtube.Service
	keys   feed.KeyProvider
}

var _ Source = (*YouTubeBuilder)(nil)

func NewYouTubeBuilder(ctx context.Context, keys feed.KeyProvider) (*YouTubeBuilder, error) {
	if keys == nil {
		return nil, errors.New("youtube API key is required")
	}

	yt, err := youtube.NewService(ctx, option.WithHTTPClient(&http.Client{Timeout: apiTimeout}))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create youtube client")
	}

	return &YouTubeBuilder{client: yt, keys: keys}, nil
}

func (yt *YouTubeBuilder) key() googleapi.CallOption {
	return apiKey(yt.keys.Get())
}

func (yt *YouTubeBuilder) Resolve(ctx context.Context, info model.Info) (*FeedInfo, error) {
	switch info.LinkType {
	case model.TypeChannel, model.TypeUser, model.TypeHandle:
		channel, err := yt.listChannels(ctx, info.LinkType, info.ItemID)
		if err != nil {
			return nil, err
		}

		out := &FeedInfo{
			Kind:        model.KindChannel,
			SourceID:    channel.Id,
			URL:         fmt.Sprintf("https://youtube.com/channel/%s", channel.Id),
			Title:       channel.Snippet.Title,
			Description: channel.Snippet.Description,
			Author:      channel.Snippet.Title,
			CoverArt:    maxThumbnail(channel.Snippet.Thumbnails),
		}

		if channel.ContentDetails != nil && channel.ContentDetails.RelatedPlaylists != nil {
			out.ListID = channel.ContentDetails.RelatedPlaylists.Uploads
		}

		if out.ListID == "" {
			return nil, errors.Errorf("channel %q has no uploads playlist", channel.Id)
		}

		return out, nil

	case model.TypePlaylist:
		playlist, err := yt.listPlaylists(ctx, info.ItemID)
		if err != nil {
			return nil, err
		}

		return &FeedInfo{
			Kind:        model.KindPlaylist,
			SourceID:    playlist.Id,
			ListID:      playlist.Id,
			URL:         fmt.Sprintf("https://youtube.com/playlist?list=%s", playlist.Id),
			Title:       fmt.Sprintf("%s: %s", playlist.Snippet.ChannelTitle, playlist.Snippet.Title),
			Description: playlist.Snippet.Description,
			Author:      playlist.Snippet.ChannelTitle,
			CoverArt:    maxThumbnail(playlist.Snippet.Thumbnails),
		}, nil

	default:
		return nil, errors.New("unsupported link format")
	}
}

// Cost: 5 units (call method: 1, snippet: 2, contentDetails: 2)
// See https://developers.google.com/youtube/v3/docs/channels/list#part
func (yt *YouTubeBuilder) listChannels(ctx context.Context, linkType model.Type, id string) (*youtube.Channel, error) {
	req := yt.client.Channels.List([]string{"id", "snippet", "contentDetails"}).Context(ctx)

	switch linkType {
	case model.TypeChannel:
		req = req.Id(id)
	case model.TypeUser:
		req = req.ForUsername(id)
	case model.TypeHandle:
		req = req.ForHandle(id)
	default:
		return nil, errors.New("unsupported link type")
	}

	resp, err := req.Do(yt.key())
	if err != nil {
		return nil, wrapAPIError(err, "failed to query channel")
	}

	if len(resp.Items) == 0 {
		return nil, errors.Wrapf(model.ErrNotFound, "channel %q", id)
	}

	return resp.Items[0], nil
}

// Cost: 3 units (call method: 1, snippet: 2)
// See https://developers.google.com/youtube/v3/docs/playlists/list#part
func (yt *YouTubeBuilder) listPlaylists(ctx context.Context, id string) (*youtube.Playlist, error) {
	resp, err := yt.client.Playlists.List([]string{"id", "snippet"}).Id(id).Context(ctx).Do(yt.key())
	if err != nil {
		return nil, wrapAPIError(err, "failed to query playlist")
	}

	if len(resp.Items) == 0 {
		return nil, errors.Wrapf(model.ErrNotFound, "playlist %q", id)
	}

	return resp.Items[0], nil
}

// Cost: 3 units (call: 1, snippet: 2)
// See https://developers.google.com/youtube/v3/docs/playlistItems/list#part
func (yt *YouTubeBuilder) ListItems(ctx context.Context, listID string, pageToken string, pageSize int64) (*Page, error) {
	if pageSize <= 0 || pageSize > maxYoutubeResults {
		pageSize = maxYoutubeResults
	}

	req := yt.client.PlaylistItems.List([]string{"id", "snippet"}).
		PlaylistId(listID).
		MaxResults(pageSize).
		Context(ctx)

	if pageToken != "" {
		req = req.PageToken(pageToken)
	}

	resp, err := req.Do(yt.key())
	if err != nil {
		return nil, wrapAPIError(err, "failed to query playlist items")
	}

	page := &Page{NextPageToken: resp.NextPageToken}
	for _, item := range resp.Items {
		snippet := item.Snippet
		if snippet == nil || snippet.ResourceId == nil || snippet.ResourceId.VideoId == "" {
			continue
		}

		pubDate, err := parseDate(snippet.PublishedAt)
		if err != nil {
			log.WithError(err).Warnf("skipping playlist item %q", snippet.ResourceId.VideoId)
			continue
		}

		page.Items = append(page.Items, &Item{
			ID:          snippet.ResourceId.VideoId,
			Title:       snippet.Title,
			Description: snippet.Description,
			PubDate:     pubDate,
			Position:    snippet.Position,
			Thumbnails:  selectThumbnails(snippet.Thumbnails),
		})
	}

	return page, nil
}

// Cost: 7 units (call: 1, snippet: 2, contentDetails: 2, liveStreamingDetails: 2)
// See https://developers.google.com/youtube/v3/docs/videos/list#part
func (yt *YouTubeBuilder) Details(ctx context.Context, ids []string) (map[string]*Details, error) {
	if len(ids) > MaxDetailsBatch {
		return nil, errors.Errorf("too many ids: %d (max %d)", len(ids), MaxDetailsBatch)
	}

	if len(ids) == 0 {
		return map[string]*Details{}, nil
	}

	resp, err := yt.client.Videos.
		List([]string{"id", "snippet", "contentDetails", "liveStreamingDetails"}).
		Id(ids...).
		Context(ctx).
		Do(yt.key())
	if err != nil {
		return nil, wrapAPIError(err, "failed to query video descriptions")
	}

	out := make(map[string]*Details, len(resp.Items))
	for _, video := range resp.Items {
		details := &Details{ID: video.Id}

		if video.ContentDetails != nil {
			details.Duration = video.ContentDetails.Duration
		}

		if video.Snippet != nil {
			details.LiveBroadcast = video.Snippet.LiveBroadcastContent
			details.Thumbnails = selectThumbnails(video.Snippet.Thumbnails)
		}

		if live := video.LiveStreamingDetails; live != nil {
			details.LiveStarted = live.ScheduledStartTime != "" || live.ActualStartTime != ""
			details.LiveEnded = live.ActualEndTime != ""
		}

		out[video.Id] = details
	}

	return out, nil
}

func parseDate(s string) (time.Time, error) {
	date, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "failed to parse date: %s", s)
	}

	return date, nil
}

func selectThumbnails(details *youtube.ThumbnailDetails) Thumbnails {
	if details == nil {
		return Thumbnails{}
	}

	out := Thumbnails{Max: maxThumbnail(details)}
	if details.Default != nil {
		out.Default = details.Default.Url
	}

	return out
}

func maxThumbnail(details *youtube.ThumbnailDetails) string {
	if details == nil {
		return ""
	}

	for _, thumbnail := range []*youtube.Thumbnail{
		details.Maxres,
		details.Standard,
		details.High,
		details.Medium,
		details.Default,
	} {
		if thumbnail != nil && thumbnail.Url != "" {
			return thumbnail.Url
		}
	}

	return ""
}

func wrapAPIError(err error, msg string) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusForbidden {
		for _, item := range apiErr.Errors {
			if item.Reason == "quotaExceeded" {
				return errors.Wrap(model.ErrQuotaExceeded, msg)
			}
		}
	}

	return errors.Wrap(err, msg)
}
