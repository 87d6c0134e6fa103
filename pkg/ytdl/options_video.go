package ytdl

import (
	"fmt"

	"github.com/tubecast/tubecast/pkg/model"
)

type optionsVideo struct {
	quality   model.Quality
	maxHeight int
}

func newOptionsVideo(opts Options) *optionsVideo {
	return &optionsVideo{
		quality:   opts.Quality,
		maxHeight: opts.MaxHeight,
	}
}

func (options optionsVideo) GetConfig() []string {
	var format string

	switch options.quality {
	case model.QualityLow:
		format = "worstvideo+worstaudio/worst"
	default:
		if options.maxHeight > 0 {
			format = fmt.Sprintf("bestvideo[height<=%[1]d]+bestaudio/best[height<=%[1]d]", options.maxHeight)
		} else {
			format = "bestvideo+bestaudio/best"
		}
	}

	return []string{"--format", format, "--merge-output-format", "mp4"}
}
