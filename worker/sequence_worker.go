package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"sequencer/queue"
	"sequencer/utils"
)

// Processor advances a single enrollment.
type Processor interface {
	Process(ctx context.Context, enrollmentID uint) error
}

// DueLister finds enrollments whose next step is due.
type DueLister interface {
	DueEnrollments(ctx context.Context, now time.Time, limit int) ([]uint, error)
}

// StatsRefresher rebuilds cached sequence statistics.
type StatsRefresher interface {
	RecomputeAll(ctx context.Context) error
}

type SequenceWorkerConfig struct {
	Concurrency   int
	PollInterval  time.Duration
	DequeueLimit  int
	SweepSchedule string
	SweepLimit    int
	StatsSchedule string
}

func (c *SequenceWorkerConfig) defaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.DequeueLimit <= 0 {
		c.DequeueLimit = 100
	}
	if c.SweepSchedule == "" {
		c.SweepSchedule = "@every 1m"
	}
	if c.SweepLimit <= 0 {
		c.SweepLimit = 500
	}
}

// SequenceWorker consumes advance jobs with a bounded pool and runs the
// periodic sweep that re-emits jobs for due enrollments whose job was lost.
type SequenceWorker struct {
	processor Processor
	advance   queue.AdvanceQueue
	due       DueLister
	stats     StatsRefresher
	cfg       SequenceWorkerConfig
	logger    logrus.FieldLogger
	now       func() time.Time
}

func NewSequenceWorker(processor Processor, advance queue.AdvanceQueue, due DueLister, stats StatsRefresher, cfg SequenceWorkerConfig, logger logrus.FieldLogger) *SequenceWorker {
	cfg.defaults()
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &SequenceWorker{
		processor: processor,
		advance:   advance,
		due:       due,
		stats:     stats,
		cfg:       cfg,
		logger:    logger.WithField("worker", "sequence"),
		now:       time.Now,
	}
}

// Start blocks until ctx is cancelled.
func (sw *SequenceWorker) Start(ctx context.Context) error {
	c := cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DefaultLogger),
		cron.Recover(cron.DefaultLogger),
	))
	if _, err := c.AddFunc(sw.cfg.SweepSchedule, func() {
		if _, err := sw.Sweep(ctx); err != nil {
			sw.logger.WithError(err).Warn("Sweep failed")
		}
	}); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", sw.cfg.SweepSchedule, err)
	}
	if sw.stats != nil && sw.cfg.StatsSchedule != "" {
		if _, err := c.AddFunc(sw.cfg.StatsSchedule, func() {
			if err := sw.stats.RecomputeAll(ctx); err != nil {
				sw.logger.WithError(err).Warn("Stats recompute failed")
			}
		}); err != nil {
			return fmt.Errorf("invalid stats schedule %q: %w", sw.cfg.StatsSchedule, err)
		}
	}
	c.Start()

	sw.logger.WithField("concurrency", sw.cfg.Concurrency).Info("Sequence worker started")

	ticker := time.NewTicker(sw.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			sw.logger.Info("Sequence worker shutting down...")
			<-c.Stop().Done()
			return nil
		case <-ticker.C:
			for {
				n, err := sw.Drain(ctx)
				if err != nil {
					sw.logger.WithError(err).Warn("Failed to dequeue advance jobs")
				}
				// keep draining while the queue hands out full batches
				if err != nil || n < sw.cfg.DequeueLimit || ctx.Err() != nil {
					break
				}
			}
		}
	}
}

// Drain claims the advance jobs that are due and processes them with at
// most Concurrency in flight. Processing errors are reported and left to
// the sweep; they do not stop the batch.
func (sw *SequenceWorker) Drain(ctx context.Context) (int, error) {
	jobs, err := sw.advance.Dequeue(ctx, sw.now(), sw.cfg.DequeueLimit)
	if err != nil {
		return 0, err
	}
	if len(jobs) == 0 {
		return 0, nil
	}

	g := new(errgroup.Group)
	g.SetLimit(sw.cfg.Concurrency)
	for _, job := range jobs {
		job := job
		g.Go(func() error {
			if err := sw.processor.Process(ctx, job.EnrollmentID); err != nil {
				if errors.Is(err, context.Canceled) {
					return nil
				}
				utils.LogError("advance_job_failed", err, map[string]interface{}{
					"enrollment_id": job.EnrollmentID,
					"reason":        job.Reason,
				})
			}
			return nil
		})
	}
	_ = g.Wait()
	return len(jobs), nil
}

// Sweep re-emits advance jobs for active enrollments that are due.
func (sw *SequenceWorker) Sweep(ctx context.Context) (int, error) {
	ids, err := sw.due.DueEnrollments(ctx, sw.now(), sw.cfg.SweepLimit)
	if err != nil {
		return 0, fmt.Errorf("list due enrollments: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	jobs := make([]queue.AdvanceJob, 0, len(ids))
	for _, id := range ids {
		jobs = append(jobs, queue.AdvanceJob{EnrollmentID: id, Reason: "sweep"})
	}
	if err := sw.advance.EnqueueBatch(ctx, jobs); err != nil {
		return 0, fmt.Errorf("enqueue sweep jobs: %w", err)
	}
	sw.logger.WithField("jobs", len(jobs)).Debug("Sweep re-emitted due enrollments")
	return len(jobs), nil
}
