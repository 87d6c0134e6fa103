package builder

import (
	"strings"

	"github.com/BrianHicks/finch/duration"
	log "github.com/sirupsen/logrus"

	"github.com/tubecast/tubecast/pkg/model"
)

// matchKeywords checks a title against whitespace separated keyword lists, case-insensitive.
// Any include keyword must match, and any exclude keyword rejects the title.
func matchKeywords(title string, filters model.Filters) bool {
	title = strings.ToLower(title)

	if include := strings.Fields(strings.ToLower(filters.ContainKeywords)); len(include) > 0 {
		matched := false
		for _, keyword := range include {
			if strings.Contains(title, keyword) {
				matched = true
				break
			}
		}

		if !matched {
			return false
		}
	}

	for _, keyword := range strings.Fields(strings.ToLower(filters.ExcludeKeywords)) {
		if strings.Contains(title, keyword) {
			return false
		}
	}

	return true
}

// matchDuration checks ISO-8601 duration against the minimum length in whole minutes.
// Videos with unknown duration never pass an active filter.
func matchDuration(iso string, minMinutes int) bool {
	if minMinutes <= 0 {
		return true
	}

	if iso == "" {
		return false
	}

	d, err := duration.FromString(iso)
	if err != nil {
		log.WithError(err).Warnf("failed to parse duration %q", iso)
		return false
	}

	return int(d.ToDuration().Minutes()) >= minMinutes
}
