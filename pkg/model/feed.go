package model

import (
	"time"
)

// Quality to use when downloading episodes
type Quality string

const (
	QualityHigh = Quality("high")
	QualityLow  = Quality("low")
)

// Format to convert episode when downloading episodes
type Format string

const (
	FormatAudio = Format("audio")
	FormatVideo = Format("video")
)

// Sorting is the order in which playlist items are walked
type Sorting string

const (
	SortingDesc = Sorting("desc")
	SortingAsc  = Sorting("asc")
)

// Kind is a feed variant
type Kind string

const (
	KindChannel  = Kind("channel")
	KindPlaylist = Kind("playlist")
)

type Episode struct {
	// ID of episode, platform video ID
	ID     string `json:"id"`
	FeedID string `json:"feed_id"`
	// Position within the source list at fetch time
	Position     int64         `json:"position"`
	Title        string        `json:"title"`
	Description  string        `json:"description"`
	PubDate      time.Time     `json:"pub_date"`
	DefaultCover string        `json:"default_cover"`
	MaxCover     string        `json:"max_cover"`
	Duration     string        `json:"duration"` // ISO-8601, e.g. PT4M30S
	Status       EpisodeStatus `json:"status"`
	AudioPath    string        `json:"audio_path,omitempty"`
	MimeType     string        `json:"mime_type,omitempty"`
	Size         int64         `json:"size,omitempty"`
	Error        string        `json:"error,omitempty"`
	RetryCount   int           `json:"retry_count"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// Filters is a per feed content filter
type Filters struct {
	// Whitespace separated keywords, any of them must be in the title
	ContainKeywords string `json:"contain_keywords,omitempty"`
	// Whitespace separated keywords, none of them may be in the title
	ExcludeKeywords string `json:"exclude_keywords,omitempty"`
	// MinDuration in minutes, 0 to disable
	MinDuration int `json:"min_duration,omitempty"`
}

func (f Filters) HasKeywords() bool {
	return f.ContainKeywords != "" || f.ExcludeKeywords != ""
}

// Settings is the mutable part of a feed.
type Settings struct {
	Filters      Filters       `json:"filters"`
	MaxEpisodes  int           `json:"max_episodes"`
	InitialCount int           `json:"initial_count"`
	Format       Format        `json:"format"`
	Quality      Quality       `json:"quality"`
	AudioQuality int           `json:"audio_quality"` // yt-dlp VBR quality, 0 (best) to 10, -1 to omit
	MaxHeight    int           `json:"max_height"`
	PlaylistSort Sorting       `json:"playlist_sort"`
	UpdatePeriod time.Duration `json:"update_period"`
	CustomTitle  string        `json:"custom_title,omitempty"`
}

type Feed struct {
	ID       string `json:"id"`
	Kind     Kind   `json:"kind"`
	URL      string `json:"url"`
	SourceID string `json:"source_id"` // Channel or playlist ID
	ListID   string `json:"list_id"`   // Backing playlist to page through (uploads playlist for channels)

	Title       string `json:"title"`
	Description string `json:"description"`
	Author      string `json:"author"`
	CoverArt    string `json:"cover_art"`

	Settings Settings `json:"settings"`

	// Sync checkpoint
	LastSyncID string    `json:"last_sync_id"`
	LastSyncAt time.Time `json:"last_sync_at"`

	SubscribedAt time.Time `json:"subscribed_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// DisplayTitle returns the custom title if configured.
func (f *Feed) DisplayTitle() string {
	if f.Settings.CustomTitle != "" {
		return f.Settings.CustomTitle
	}
	return f.Title
}

// IsDue reports whether the feed needs an incremental refresh at now.
func (f *Feed) IsDue(now time.Time) bool {
	if f.LastSyncAt.IsZero() {
		return true
	}
	return !f.LastSyncAt.Add(f.Settings.UpdatePeriod).After(now)
}

// PlaylistEpisode links a playlist feed to an episode it references.
type PlaylistEpisode struct {
	PlaylistID string    `json:"playlist_id"`
	EpisodeID  string    `json:"episode_id"`
	PubDate    time.Time `json:"pub_date"`
}
