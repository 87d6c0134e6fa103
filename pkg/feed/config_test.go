package feed

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/tubecast/tubecast/pkg/config"
	"github.com/tubecast/tubecast/pkg/model"
)

func TestConfig_Settings(t *testing.T) {
	quality := 2
	cfg := &Config{
		InitialCount: 7,
		UpdatePeriod: config.Duration{Duration: time.Hour},
		Format:       model.FormatAudio,
		Quality:      model.QualityHigh,
		AudioQuality: &quality,
		Filters:      Filters{Contains: "news weather", Excludes: "update", MinDuration: 5},
		Clean:        Cleanup{KeepLast: 10},
		Custom:       Custom{Title: "My news"},
	}

	settings := cfg.Settings()
	assert.Equal(t, 7, settings.InitialCount)
	assert.Equal(t, time.Hour, settings.UpdatePeriod)
	assert.Equal(t, 2, settings.AudioQuality)
	assert.Equal(t, "news weather", settings.Filters.ContainKeywords)
	assert.Equal(t, "update", settings.Filters.ExcludeKeywords)
	assert.Equal(t, 5, settings.Filters.MinDuration)
	assert.Equal(t, 10, settings.MaxEpisodes)
	assert.Equal(t, "My news", settings.CustomTitle)

	cfg.AudioQuality = nil
	assert.Equal(t, -1, cfg.Settings().AudioQuality)
}
