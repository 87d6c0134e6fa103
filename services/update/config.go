package update

import (
	"github.com/tubecast/tubecast/pkg/executor"
	"github.com/tubecast/tubecast/pkg/model"
)

// Config controls feed synchronization.
type Config struct {
	// AsyncThreshold is the largest initial fetch done while the caller waits
	AsyncThreshold int `toml:"async_threshold"`
	// MaxPerRefresh caps the number of new episodes taken by one incremental refresh
	MaxPerRefresh int `toml:"max_per_refresh"`
	// MaxPages caps list pages requested by one fetch
	MaxPages int `toml:"max_pages"`
	// Workers and QueueSize size the pool running async subscriptions and backfills
	Workers   int `toml:"workers"`
	QueueSize int `toml:"queue_size"`
}

func (c *Config) applyDefaults() {
	if c.AsyncThreshold <= 0 {
		c.AsyncThreshold = model.DefaultAsyncThreshold
	}
	if c.MaxPerRefresh <= 0 {
		c.MaxPerRefresh = model.DefaultMaxPerRefresh
	}
	if c.MaxPages <= 0 {
		c.MaxPages = model.DefaultMaxPages
	}
	if c.Workers <= 0 {
		c.Workers = model.DefaultSyncWorkers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = model.DefaultSyncQueue
	}
}

// Pool returns the async sync pool configuration.
func (c Config) Pool() executor.Config {
	c.applyDefaults()
	return executor.Config{Workers: c.Workers, QueueSize: c.QueueSize}
}
