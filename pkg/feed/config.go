package feed

import (
	"github.com/tubecast/tubecast/pkg/config"
	"github.com/tubecast/tubecast/pkg/model"
)

// Config is a configuration for a feed loaded from TOML
type Config struct {
	ID string `toml:"-"`
	// URL is a full URL of the channel or playlist
	URL string `toml:"url"`
	// InitialCount is the number of episodes to fetch on subscribe.
	// Raising it later backfills older episodes.
	InitialCount int `toml:"initial_count"`
	// UpdatePeriod is the minimum time between two refreshes of this feed.
	// Format is "300ms", "1.5h" or "2h45m".
	// NOTE: too often update check might drain your API token.
	UpdatePeriod config.Duration `toml:"update_period"`
	// Quality to use for this feed
	Quality model.Quality `toml:"quality"`
	// AudioQuality is passed to yt-dlp as --audio-quality (0 best, 10 worst).
	// Negative value lets yt-dlp decide.
	AudioQuality *int `toml:"audio_quality"`
	// Maximum height of video
	MaxHeight int `toml:"max_height"`
	// Format to use for this feed
	Format model.Format `toml:"format"`
	// Only download episodes that match the filters (defaults to matching anything)
	Filters Filters `toml:"filters"`
	// Clean is a cleanup policy to use for this feed
	Clean Cleanup `toml:"clean"`
	// Custom is a list of feed customizations
	Custom Custom `toml:"custom"`
	// Playlist sort
	PlaylistSort model.Sorting `toml:"playlist_sort"`
	// OnDownloaded hooks run after each successful download
	OnDownloaded []*ExecHook `toml:"on_downloaded"`
}

type Filters struct {
	// Whitespace separated, matches if any keyword is in the title
	Contains string `toml:"contains"`
	// Whitespace separated, rejects if any keyword is in the title
	Excludes string `toml:"excludes"`
	// MinDuration in minutes
	MinDuration int `toml:"min_duration"`
}

type Custom struct {
	Title string `toml:"title"`
}

type Cleanup struct {
	// KeepLast defines how many episodes to keep
	KeepLast int `toml:"keep_last"`
}

// Settings converts TOML configuration to the feed settings persisted in the database.
func (c *Config) Settings() model.Settings {
	audioQuality := -1
	if c.AudioQuality != nil {
		audioQuality = *c.AudioQuality
	}

	return model.Settings{
		Filters: model.Filters{
			ContainKeywords: c.Filters.Contains,
			ExcludeKeywords: c.Filters.Excludes,
			MinDuration:     c.Filters.MinDuration,
		},
		MaxEpisodes:  c.Clean.KeepLast,
		InitialCount: c.InitialCount,
		Format:       c.Format,
		Quality:      c.Quality,
		AudioQuality: audioQuality,
		MaxHeight:    c.MaxHeight,
		PlaylistSort: c.PlaylistSort,
		UpdatePeriod: c.UpdatePeriod.Duration,
		CustomTitle:  c.Custom.Title,
	}
}
