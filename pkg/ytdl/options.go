package ytdl

import (
	"github.com/tubecast/tubecast/pkg/model"
)

// Options describe the requested output of a download.
type Options struct {
	Format  model.Format
	Quality model.Quality
	// AudioQuality is the VBR quality 0 (best) to 10 (worst), negative to omit
	AudioQuality int
	MaxHeight    int
}

type formatOptions interface {
	GetConfig() []string
}

func (dl *YoutubeDl) buildArgs(outputDir, episodeID string, opts Options) []string {
	var format formatOptions
	if opts.Format == model.FormatVideo {
		format = newOptionsVideo(opts)
	} else {
		format = newOptionsAudio(opts)
	}

	args := format.GetConfig()

	if dl.cookies != "" {
		args = append(args, "--cookies", dl.cookies)
	}

	args = append(args, dl.args...)
	args = append(args,
		"--no-playlist",
		"--output", outputTemplate(outputDir, episodeID),
		"https://www.youtube.com/watch?v="+episodeID,
	)

	return args
}
