package model

// EpisodeStatus is a download state of an episode.
type EpisodeStatus string

const (
	EpisodePending     = EpisodeStatus("pending")     // Known, not attempted yet (or reset after failure)
	EpisodeQueued      = EpisodeStatus("queued")      // Reserved for submission to the executor
	EpisodeDownloading = EpisodeStatus("downloading") // Held by a worker
	EpisodeCompleted   = EpisodeStatus("completed")   // Audio file is stored
	EpisodeFailed      = EpisodeStatus("failed")      // Download failed, see Episode.Error
)

var transitions = map[EpisodeStatus][]EpisodeStatus{
	EpisodePending:     {EpisodeQueued},
	EpisodeQueued:      {EpisodePending, EpisodeDownloading},
	EpisodeDownloading: {EpisodeCompleted, EpisodeFailed},
	EpisodeFailed:      {EpisodeQueued, EpisodePending},
	EpisodeCompleted:   nil,
}

// Statuses lists every known status.
var Statuses = []EpisodeStatus{
	EpisodePending,
	EpisodeQueued,
	EpisodeDownloading,
	EpisodeCompleted,
	EpisodeFailed,
}

func (s EpisodeStatus) IsValid() bool {
	_, ok := transitions[s]
	return ok
}

// CanTransition reports whether moving from s to next is allowed.
func (s EpisodeStatus) CanTransition(next EpisodeStatus) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsActive reports whether the episode is held by the download pipeline.
func (s EpisodeStatus) IsActive() bool {
	return s == EpisodeQueued || s == EpisodeDownloading
}

func (s EpisodeStatus) IsFinished() bool {
	return s == EpisodeCompleted || s == EpisodeFailed
}

func (s EpisodeStatus) String() string {
	return string(s)
}
