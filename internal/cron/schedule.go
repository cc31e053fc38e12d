package cron

import (
	"fmt"
	"time"

	"github.com/adhocore/gronx"
)

// ComputeNextRunAtMs returns the next due time for a job at or after now,
// or nil when the job will never fire again.
func ComputeNextRunAtMs(job *Job, nowMs int64) (*int64, error) {
	switch job.Schedule.Kind {
	case KindEvery:
		if job.Schedule.EveryMs <= 0 {
			return nil, fmt.Errorf("every schedule needs a positive interval")
		}
		next := nextAnchorTick(job.Schedule.AnchorMs, job.Schedule.EveryMs, nowMs)
		return &next, nil

	case KindCron:
		loc := time.UTC
		if job.Schedule.TZ != "" {
			l, err := time.LoadLocation(job.Schedule.TZ)
			if err != nil {
				return nil, fmt.Errorf("cron schedule tz %q: %w", job.Schedule.TZ, err)
			}
			loc = l
		}
		from := time.UnixMilli(nowMs).In(loc)
		tick, err := gronx.NextTickAfter(job.Schedule.Expr, from, true)
		if err != nil {
			return nil, fmt.Errorf("cron schedule %q: %w", job.Schedule.Expr, err)
		}
		ms := tick.UnixMilli()
		return &ms, nil

	case KindAt:
		if job.Schedule.AtMs >= nowMs {
			ms := job.Schedule.AtMs
			return &ms, nil
		}
		return nil, nil

	default:
		return nil, fmt.Errorf("unknown schedule kind %q", job.Schedule.Kind)
	}
}

// nextAnchorTick finds the smallest anchor + k·every that is >= now.
func nextAnchorTick(anchorMs, everyMs, nowMs int64) int64 {
	if nowMs <= anchorMs {
		return anchorMs
	}
	elapsed := nowMs - anchorMs
	k := elapsed / everyMs
	if elapsed%everyMs != 0 {
		k++
	}
	return anchorMs + k*everyMs
}

// ValidateSchedule rejects malformed schedules before they are persisted.
func ValidateSchedule(s Schedule) error {
	switch s.Kind {
	case KindEvery:
		if s.EveryMs <= 0 {
			return fmt.Errorf("every schedule needs a positive interval")
		}
	case KindCron:
		if !gronx.New().IsValid(s.Expr) {
			return fmt.Errorf("invalid cron expression %q", s.Expr)
		}
		if s.TZ != "" {
			if _, err := time.LoadLocation(s.TZ); err != nil {
				return fmt.Errorf("invalid timezone %q", s.TZ)
			}
		}
	case KindAt:
		if s.AtMs <= 0 {
			return fmt.Errorf("at schedule needs a timestamp")
		}
	default:
		return fmt.Errorf("unknown schedule kind %q", s.Kind)
	}
	return nil
}
