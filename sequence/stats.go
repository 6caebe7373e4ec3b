package sequence

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"sequencer/models"
	"sequencer/repository"
)

// StatsAggregator rebuilds the cached counters on sequences from enrollment
// rows. Results are eventually consistent with concurrent transitions.
type StatsAggregator struct {
	store repository.Store
	log   logrus.FieldLogger
	now   func() time.Time
}

func NewStatsAggregator(store repository.Store, log logrus.FieldLogger) *StatsAggregator {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &StatsAggregator{store: store, log: log, now: time.Now}
}

// ComputeStats derives the counters from per-status counts.
func ComputeStats(c repository.EnrollmentCounts, at time.Time) models.SequenceStats {
	stats := models.SequenceStats{
		TotalEntered:   c.Total,
		TotalCompleted: c.Completed,
		CurrentActive:  c.Active,
		TotalExited:    c.Exited,
		ComputedAt:     &at,
	}
	if c.Total > 0 {
		rate := float64(c.Completed) / float64(c.Total) * 100
		stats.ConversionRate = math.Round(rate*100) / 100
	}
	return stats
}

// Recompute aggregates the sequence's enrollments, optionally limited to
// those enrolled in [from, to). Only the unbounded result is written back
// as the sequence's cache.
func (a *StatsAggregator) Recompute(ctx context.Context, sequenceID uint, from, to *time.Time) (models.SequenceStats, error) {
	counts, err := a.store.CountEnrollments(ctx, sequenceID, repository.CountRange{From: from, To: to})
	if err != nil {
		return models.SequenceStats{}, fmt.Errorf("count enrollments of sequence %d: %w", sequenceID, err)
	}
	stats := ComputeStats(counts, a.now())

	if from == nil && to == nil {
		if err := a.store.UpdateSequenceStats(ctx, sequenceID, stats); err != nil {
			return stats, fmt.Errorf("store stats of sequence %d: %w", sequenceID, err)
		}
	}
	return stats, nil
}

// RecomputeAll refreshes the cache of every active sequence. A failing
// sequence is logged and skipped.
func (a *StatsAggregator) RecomputeAll(ctx context.Context) error {
	seqs, err := a.store.ActiveSequences(ctx, 0, "")
	if err != nil {
		return fmt.Errorf("load active sequences: %w", err)
	}
	for _, seq := range seqs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := a.Recompute(ctx, seq.ID, nil, nil); err != nil {
			a.log.WithError(err).WithField("sequence_id", seq.ID).Warn("Stats recompute failed")
		}
	}
	return nil
}
