package download

import (
	"context"
	"math"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/tubecast/tubecast/pkg/db"
	"github.com/tubecast/tubecast/pkg/executor"
	"github.com/tubecast/tubecast/pkg/metrics"
	"github.com/tubecast/tubecast/pkg/model"
)

// Outcome of a single submission attempt.
type Outcome int

const (
	// Submitted means the episode is reserved and accepted by the executor
	Submitted Outcome = iota
	// Skipped means the episode is missing or not in a reservable status
	Skipped
	// Rejected means the executor is saturated, the reservation was rolled back
	Rejected
	// Failed means the reservation could not be stored
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Submitted:
		return "submitted"
	case Skipped:
		return "skipped"
	case Rejected:
		return "rejected"
	default:
		return "failed"
	}
}

// Service reserves episodes and hands them to the download executor.
type Service struct {
	db      db.Storage
	pool    Executor
	worker  *Worker
	backoff Backoff
	metrics *metrics.Metrics
}

func New(storage db.Storage, pool Executor, worker *Worker, m *metrics.Metrics) *Service {
	return &Service{
		db:      storage,
		pool:    pool,
		worker:  worker,
		backoff: DefaultBackoff,
		metrics: m,
	}
}

// Submit reserves the episode and submits it for download.
// Returns false when the episode was not handed to the executor.
func (s *Service) Submit(ctx context.Context, episodeID string) bool {
	return s.TrySubmit(ctx, episodeID) == Submitted
}

// TrySubmit is Submit reporting why an episode was not submitted.
func (s *Service) TrySubmit(ctx context.Context, episodeID string) Outcome {
	logger := log.WithField("episode_id", episodeID)

	reserved, err := s.reserve(ctx, episodeID)
	if err != nil {
		logger.WithError(err).Error("failed to reserve episode")
		s.metrics.Reservation("error")
		return Failed
	}

	if !reserved {
		logger.Debug("episode is not eligible for download")
		s.metrics.Reservation("skipped")
		return Skipped
	}

	s.metrics.Reservation("reserved")

	err = s.pool.Submit(func(ctx context.Context) {
		s.worker.Process(ctx, episodeID)
	})
	if err == nil {
		logger.Debug("episode submitted for download")
		return Submitted
	}

	logger.WithError(err).Warn("executor rejected episode, returning to pending")
	s.metrics.DownloadRejected()

	if err := s.rollback(ctx, episodeID); err != nil {
		// Startup recovery returns it to pending on next boot
		logger.WithError(err).Error("failed to roll back reservation")
	}

	return Rejected
}

// EpisodesCreated submits freshly committed episodes without waiting for the admission poll.
// The rest stays pending once the executor is saturated.
func (s *Service) EpisodesCreated(ctx context.Context, ids []string) {
	for i, id := range ids {
		if s.TrySubmit(ctx, id) == Rejected {
			log.Infof("executor is saturated, %d new episode(s) left for admission poll", len(ids)-i-1)
			return
		}
	}
}

// Capacity returns the number of tasks the executor accepts right now.
func (s *Service) Capacity() int {
	return s.pool.Stats().Capacity()
}

// reserve moves PENDING or FAILED to QUEUED in its own transaction.
func (s *Service) reserve(ctx context.Context, episodeID string) (bool, error) {
	var reserved bool

	err := s.backoff.Retry(ctx, func() error {
		var err error
		reserved, err = s.db.TransitionEpisode(ctx, episodeID,
			[]model.EpisodeStatus{model.EpisodePending, model.EpisodeFailed},
			model.EpisodeQueued,
			nil)
		return err
	})

	if errors.Cause(err) == model.ErrNotFound {
		return false, nil
	}

	return reserved, err
}

func (s *Service) rollback(ctx context.Context, episodeID string) error {
	// The caller context may be done already, the rollback must still happen
	ctx = context.WithoutCancel(ctx)

	return s.backoff.Retry(ctx, func() error {
		_, err := s.db.TransitionEpisode(ctx, episodeID,
			[]model.EpisodeStatus{model.EpisodeQueued},
			model.EpisodePending,
			nil)
		return err
	})
}

// Recover returns episodes stranded by an unclean shutdown to a reservable status.
// Must run before the executor starts.
func (s *Service) Recover(ctx context.Context) error {
	var result *multierror.Error

	queued, err := s.db.ListEpisodes(ctx, model.EpisodeQueued, math.MaxInt32, nil)
	if err != nil {
		return errors.Wrap(err, "failed to list queued episodes")
	}

	for _, episode := range queued {
		if err := s.rollback(ctx, episode.ID); err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "failed to recover episode %q", episode.ID))
		}
	}

	downloading, err := s.db.ListEpisodes(ctx, model.EpisodeDownloading, math.MaxInt32, nil)
	if err != nil {
		return errors.Wrap(err, "failed to list downloading episodes")
	}

	for _, episode := range downloading {
		if _, err := s.db.TransitionEpisode(ctx, episode.ID,
			[]model.EpisodeStatus{model.EpisodeDownloading},
			model.EpisodeFailed,
			func(episode *model.Episode) {
				episode.Error = "download interrupted"
			}); err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "failed to recover episode %q", episode.ID))
		}
	}

	if n := len(queued) + len(downloading); n > 0 {
		log.Infof("recovered %d queued and %d interrupted episode(s)", len(queued), len(downloading))
	}

	return result.ErrorOrNil()
}

// Reset makes a failed episode pending again.
func (s *Service) Reset(ctx context.Context, episodeID string) error {
	changed, err := s.db.TransitionEpisode(ctx, episodeID,
		[]model.EpisodeStatus{model.EpisodeFailed},
		model.EpisodePending,
		func(episode *model.Episode) {
			episode.Error = ""
			episode.RetryCount = 0
		})
	if err != nil {
		return err
	}

	if !changed {
		return errors.Wrapf(model.ErrInvalidTransition, "episode %q is not failed", episodeID)
	}

	log.WithField("episode_id", episodeID).Info("episode reset to pending")
	return nil
}

var _ Executor = (*executor.Pool)(nil)
