package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"

	"github.com/tubecast/tubecast/pkg/db"
	"github.com/tubecast/tubecast/pkg/executor"
	"github.com/tubecast/tubecast/pkg/metrics"
	"github.com/tubecast/tubecast/pkg/model"
	"github.com/tubecast/tubecast/services/download"
)

//go:generate mockgen -source=scheduler.go -destination=scheduler_mock_test.go -package=scheduler

// Submitter hands reserved episodes to the download executor.
type Submitter interface {
	Capacity() int
	TrySubmit(ctx context.Context, episodeID string) download.Outcome
}

// Syncer refreshes feeds and enforces retention.
type Syncer interface {
	RefreshDue(ctx context.Context) error
	Cleanup(ctx context.Context) error
}

// Pool is an executor reported to metrics.
type Pool interface {
	Name() string
	Stats() executor.Stats
}

// Scheduler runs the periodic reconciliation jobs.
// A job never overlaps with its own previous run.
type Scheduler struct {
	cfg       Config
	db        db.Storage
	submitter Submitter
	syncer    Syncer
	pools     []Pool
	metrics   *metrics.Metrics
}

func New(cfg Config, storage db.Storage, submitter Submitter, syncer Syncer, m *metrics.Metrics, pools ...Pool) *Scheduler {
	cfg.applyDefaults()

	return &Scheduler{
		cfg:       cfg,
		db:        storage,
		submitter: submitter,
		syncer:    syncer,
		pools:     pools,
		metrics:   m,
	}
}

// Run schedules all jobs and blocks until ctx is done.
// Running jobs are awaited before Run returns.
func (s *Scheduler) Run(ctx context.Context) error {
	logger := cron.PrintfLogger(log.StandardLogger())
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)

	jobs := []struct {
		name     string
		interval time.Duration
		fn       func(ctx context.Context) error
	}{
		{name: "admission", interval: s.cfg.AdmissionInterval.Duration, fn: s.admit},
		{name: "refresh", interval: s.cfg.RefreshInterval.Duration, fn: s.syncer.RefreshDue},
		{name: "cleanup", interval: s.cfg.CleanupInterval.Duration, fn: s.syncer.Cleanup},
	}

	for _, job := range jobs {
		job := job
		spec := fmt.Sprintf("@every %s", job.interval)

		if _, err := c.AddFunc(spec, func() {
			if err := job.fn(ctx); err != nil {
				log.WithError(err).WithField("job", job.name).Error("scheduled job failed")
			}
		}); err != nil {
			return errors.Wrapf(err, "failed to schedule %s job", job.name)
		}

		log.Debugf("-> %s job (every %s)", job.name, job.interval)
	}

	c.Start()

	<-ctx.Done()

	log.Info("shutting down cron")
	<-c.Stop().Done()

	return ctx.Err()
}

func (s *Scheduler) admit(ctx context.Context) error {
	if _, err := s.AdmitPending(ctx); err != nil {
		return err
	}

	s.report(ctx)
	return nil
}

// AdmitPending fills spare executor slots with pending episodes, oldest first,
// then with failed episodes that have retries left.
// Stops at the first rejection since the executor stays saturated for this cycle.
func (s *Scheduler) AdmitPending(ctx context.Context) (int, error) {
	spare := s.submitter.Capacity()
	if spare <= 0 {
		log.Debug("executor is saturated, nothing to admit")
		return 0, nil
	}

	candidates, err := s.db.ListEpisodes(ctx, model.EpisodePending, spare, nil)
	if err != nil {
		return 0, errors.Wrap(err, "failed to list pending episodes")
	}

	if left := spare - len(candidates); left > 0 && s.cfg.maxRetries() > 0 {
		maxRetries := s.cfg.maxRetries()
		failed, err := s.db.ListEpisodes(ctx, model.EpisodeFailed, left, func(episode *model.Episode) bool {
			return episode.RetryCount < maxRetries
		})
		if err != nil {
			return 0, errors.Wrap(err, "failed to list failed episodes")
		}

		candidates = append(candidates, failed...)
	}

	admitted := 0

	for _, episode := range candidates {
		logger := log.WithFields(log.Fields{
			"episode_id": episode.ID,
			"status":     episode.Status,
		})

		outcome := s.submitter.TrySubmit(ctx, episode.ID)
		switch outcome {
		case download.Submitted:
			admitted++
		case download.Rejected:
			logger.Debug("executor rejected episode, stopping admission")
			return admitted, nil
		default:
			logger.Debugf("episode not admitted: %s", outcome)
		}
	}

	if admitted > 0 {
		log.Infof("admitted %d episode(s) for download", admitted)
	}

	return admitted, nil
}

// report refreshes status and pool gauges.
func (s *Scheduler) report(ctx context.Context) {
	if s.metrics == nil {
		return
	}

	counts := make(map[model.EpisodeStatus]int, len(model.Statuses))
	if err := s.db.WalkEpisodes(ctx, "", func(episode *model.Episode) error {
		counts[episode.Status]++
		return nil
	}); err != nil {
		log.WithError(err).Warn("failed to count episodes")
		return
	}

	for _, status := range model.Statuses {
		s.metrics.SetStatusCount(status, counts[status])
	}

	for _, pool := range s.pools {
		stats := pool.Stats()
		s.metrics.SetPool(pool.Name(), stats.Active, stats.Queued)
	}
}
