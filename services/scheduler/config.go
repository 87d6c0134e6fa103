package scheduler

import (
	"github.com/tubecast/tubecast/pkg/config"
	"github.com/tubecast/tubecast/pkg/model"
)

type Config struct {
	// AdmissionInterval is how often spare executor slots are filled with pending episodes
	AdmissionInterval config.Duration `toml:"admission_interval"`
	// RefreshInterval is how often feeds are checked for new uploads
	RefreshInterval config.Duration `toml:"refresh_interval"`
	// CleanupInterval is how often retention limits are enforced
	CleanupInterval config.Duration `toml:"cleanup_interval"`
	// MaxRetries is the number of automatic attempts for a failed episode, 0 disables retries
	MaxRetries *int `toml:"max_retries"`
}

func (c *Config) applyDefaults() {
	if c.AdmissionInterval.Duration <= 0 {
		c.AdmissionInterval.Duration = model.DefaultAdmission
	}
	if c.RefreshInterval.Duration <= 0 {
		c.RefreshInterval.Duration = model.DefaultRefresh
	}
	if c.CleanupInterval.Duration <= 0 {
		c.CleanupInterval.Duration = model.DefaultCleanup
	}
	if c.MaxRetries == nil {
		retries := model.DefaultMaxRetries
		c.MaxRetries = &retries
	}
}

func (c Config) maxRetries() int {
	if c.MaxRetries == nil || *c.MaxRetries < 0 {
		return 0
	}
	return *c.MaxRetries
}
