package sequence

import (
	"context"
	"fmt"
	"time"

	"sequencer/models"
	"sequencer/utils"
)

var waitUnits = map[string]time.Duration{
	"minutes": time.Minute,
	"hours":   time.Hour,
	"days":    24 * time.Hour,
	"weeks":   7 * 24 * time.Hour,
}

// Until computes when the wait started at base is over. With At set the
// result is the first occurrence of that wall clock time in Timezone that is
// not earlier than base plus the duration.
func (c *WaitStep) Until(base time.Time) (time.Time, error) {
	unit, ok := waitUnits[c.Unit]
	if !ok {
		return time.Time{}, invalid("unit", "unsupported wait unit %q", c.Unit)
	}
	until := base.Add(time.Duration(c.Duration) * unit)
	if c.At == "" {
		return until, nil
	}

	loc := time.UTC
	if c.Timezone != "" {
		var err error
		if loc, err = time.LoadLocation(c.Timezone); err != nil {
			return time.Time{}, invalid("timezone", "%v", err)
		}
	}
	var hour, minute int
	if _, err := fmt.Sscanf(c.At, "%d:%d", &hour, &minute); err != nil {
		return time.Time{}, invalid("at", "expected HH:MM, got %q", c.At)
	}

	local := until.In(loc)
	snapped := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, loc)
	if snapped.Before(local) {
		snapped = time.Date(local.Year(), local.Month(), local.Day()+1, hour, minute, 0, 0, loc)
	}
	return snapped, nil
}

func (r *stepRun) VisitWait(_ context.Context, c *WaitStep) (Outcome, error) {
	until, err := c.Until(r.startedAt)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{
		Status:    models.ExecutionCompleted,
		WaitUntil: &until,
		Result: map[string]any{
			resultWaitUntil: until.UTC().Format(time.RFC3339Nano),
			"delay":         utils.FormatDuration(until.Sub(r.startedAt)),
		},
	}, nil
}
