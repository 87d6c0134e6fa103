package ytdl

import (
	"strconv"

	"github.com/tubecast/tubecast/pkg/model"
)

const maxAudioQuality = 10

type optionsAudio struct {
	quality      model.Quality
	audioQuality int
}

func newOptionsAudio(opts Options) *optionsAudio {
	options := &optionsAudio{quality: model.QualityHigh, audioQuality: opts.AudioQuality}

	if opts.Quality == model.QualityLow {
		options.quality = model.QualityLow
	}

	if options.audioQuality > maxAudioQuality {
		options.audioQuality = maxAudioQuality
	}

	return options
}

func (options optionsAudio) GetConfig() []string {
	arguments := []string{"--extract-audio", "--audio-format", "mp3"}

	switch options.quality {
	case model.QualityLow:
		arguments = append(arguments, "--format", "worstaudio/worst")
	default:
		arguments = append(arguments, "--format", "bestaudio/best")
	}

	if options.audioQuality >= 0 {
		arguments = append(arguments, "--audio-quality", strconv.Itoa(options.audioQuality))
	}

	return arguments
}
