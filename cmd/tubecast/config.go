package main

import (
	"path/filepath"
	"sort"

	"github.com/BurntSushi/toml"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/tubecast/tubecast/pkg/builder"
	"github.com/tubecast/tubecast/pkg/config"
	"github.com/tubecast/tubecast/pkg/db"
	"github.com/tubecast/tubecast/pkg/executor"
	"github.com/tubecast/tubecast/pkg/feed"
	"github.com/tubecast/tubecast/pkg/fs"
	"github.com/tubecast/tubecast/pkg/model"
	"github.com/tubecast/tubecast/pkg/ytdl"
	"github.com/tubecast/tubecast/services/scheduler"
	"github.com/tubecast/tubecast/services/update"
	"github.com/tubecast/tubecast/services/web"
)

type Config struct {
	// Server is the metrics and health listener configuration
	Server web.Config `toml:"server"`
	// Log is the optional logging configuration
	Log Log `toml:"log"`
	// Database configuration
	Database db.Config `toml:"database"`
	// Storage is where downloaded episodes are kept
	Storage fs.Config `toml:"storage"`
	// Tokens is API keys to use to access YouTube API.
	Tokens map[model.Provider]config.StringSlice `toml:"tokens"`
	// Downloader (yt-dlp) configuration
	Downloader ytdl.Config `toml:"downloader"`
	// Executor sizes the download pool
	Executor executor.Config `toml:"executor"`
	// Sync controls subscriptions and refreshes
	Sync update.Config `toml:"sync"`
	// Scheduler controls periodic jobs
	Scheduler scheduler.Config `toml:"scheduler"`
	// Feeds to keep in sync, the map key is used as feed ID
	Feeds map[string]*feed.Config `toml:"feeds"`
}

type Log struct {
	// Filename to write the log to (instead of stdout)
	Filename string `toml:"filename"`
	// MaxSize is the maximum size of the log file in MB
	MaxSize int `toml:"max_size"`
	// MaxBackups is the maximum number of log file backups to keep after rotation
	MaxBackups int `toml:"max_backups"`
	// MaxAge is the maximum number of days to keep the logs for
	MaxAge int `toml:"max_age"`
	// Compress old backups
	Compress bool `toml:"compress"`
}

// LoadConfig loads TOML configuration from a file path
func LoadConfig(path string) (*Config, error) {
	cfg := Config{}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, errors.Wrapf(err, "failed to load config file %q", path)
	}

	for id, f := range cfg.Feeds {
		f.ID = id
	}

	cfg.applyDefaults(path)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	var result *multierror.Error

	if len(c.Feeds) == 0 {
		result = multierror.Append(result, errors.New("at least one feed must be specified"))
	}

	if len(c.Tokens[model.ProviderYoutube]) == 0 {
		result = multierror.Append(result, errors.New("youtube API token is required"))
	}

	switch c.Storage.Type {
	case fs.TypeLocal:
	case fs.TypeS3:
		if c.Storage.S3.Bucket == "" {
			result = multierror.Append(result, errors.New("S3 bucket is required"))
		}
	default:
		result = multierror.Append(result, errors.Errorf("unsupported storage type %q", c.Storage.Type))
	}

	for _, id := range c.FeedIDs() {
		f := c.Feeds[id]

		if f.URL == "" {
			result = multierror.Append(result, errors.Errorf("URL is required for %q", id))
			continue
		}

		if _, err := builder.ParseURL(f.URL); err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "invalid URL for %q", id))
		}

		if f.InitialCount < 0 {
			result = multierror.Append(result, errors.Errorf("initial count of %q can't be negative", id))
		}

		switch f.PlaylistSort {
		case model.SortingAsc, model.SortingDesc:
		default:
			result = multierror.Append(result, errors.Errorf("unsupported playlist sort %q for %q", f.PlaylistSort, id))
		}
	}

	return result.ErrorOrNil()
}

func (c *Config) applyDefaults(configPath string) {
	if c.Log.Filename != "" {
		if c.Log.MaxSize == 0 {
			c.Log.MaxSize = model.DefaultLogMaxSize
		}
		if c.Log.MaxAge == 0 {
			c.Log.MaxAge = model.DefaultLogMaxAge
		}
		if c.Log.MaxBackups == 0 {
			c.Log.MaxBackups = model.DefaultLogMaxBackups
		}
	}

	if c.Database.Dir == "" {
		c.Database.Dir = filepath.Join(filepath.Dir(configPath), "db")
	}

	if c.Storage.Type == "" {
		c.Storage.Type = fs.TypeLocal
	}

	if c.Storage.Type == fs.TypeLocal && c.Storage.Local.DataDir == "" {
		c.Storage.Local.DataDir = filepath.Join(filepath.Dir(configPath), "data")
	}

	if c.Executor.Workers <= 0 {
		c.Executor.Workers = model.DefaultExecutorWorkers
	}

	if c.Executor.QueueSize <= 0 {
		c.Executor.QueueSize = model.DefaultExecutorQueue
	}

	for _, feed := range c.Feeds {
		if feed.Quality == "" {
			feed.Quality = model.DefaultQuality
		}

		if feed.Format == "" {
			feed.Format = model.DefaultFormat
		}

		if feed.PlaylistSort == "" {
			feed.PlaylistSort = model.SortingAsc
		}
	}
}

// FeedIDs returns configured feed IDs in a stable order.
func (c *Config) FeedIDs() []string {
	ids := make([]string, 0, len(c.Feeds))
	for id := range c.Feeds {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Hooks returns post download hooks by feed ID.
func (c *Config) Hooks() map[string][]*feed.ExecHook {
	hooks := make(map[string][]*feed.ExecHook, len(c.Feeds))
	for id, f := range c.Feeds {
		if len(f.OnDownloaded) > 0 {
			hooks[id] = f.OnDownloaded
		}
	}
	return hooks
}
