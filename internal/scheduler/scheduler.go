// Package scheduler triggers a job once per calendar day at a fixed wall-clock time.
package scheduler

import (
	"context"
	"time"

	"fintrack/internal/core"
	applog "fintrack/internal/log"
)

// Job receives the calendar date the run belongs to.
type Job func(ctx context.Context, today core.Date) error

// Daily fires at Hour:Minute in Location every day.
type Daily struct {
	Hour     int
	Minute   int
	Location *time.Location

	now    func() time.Time
	after  func(time.Duration) <-chan time.Time
	logger *applog.Logger
}

func NewDaily(hour, minute int, loc *time.Location) *Daily {
	if loc == nil {
		loc = time.UTC
	}
	return &Daily{
		Hour:     hour,
		Minute:   minute,
		Location: loc,
		now:      time.Now,
		after:    time.After,
		logger:   applog.Default(applog.ComponentScheduler),
	}
}

// NextRun returns the first firing time strictly after now.
func (d *Daily) NextRun(now time.Time) time.Time {
	local := now.In(d.Location)
	next := time.Date(local.Year(), local.Month(), local.Day(), d.Hour, d.Minute, 0, 0, d.Location)
	if !next.After(local) {
		next = time.Date(local.Year(), local.Month(), local.Day()+1, d.Hour, d.Minute, 0, 0, d.Location)
	}
	return next
}

// Today is the current calendar date in the schedule's timezone.
func (d *Daily) Today() core.Date {
	return core.DateOf(d.now().In(d.Location))
}

// Run calls job at every firing time until ctx is done. A failing job is logged and the
// schedule continues.
func (d *Daily) Run(ctx context.Context, job Job) error {
	for {
		next := d.NextRun(d.now())
		wait := next.Sub(d.now())
		d.logger.InfoContext(ctx, "Next sweep scheduled",
			"next_run", next.Format(time.RFC3339),
			"wait", wait.Round(time.Second).String())

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.after(wait):
		}

		today := core.DateOf(next)
		if err := job(ctx, today); err != nil {
			d.logger.ErrorContext(ctx, "Scheduled job failed",
				applog.FieldSweepDate, today.String(),
				applog.FieldError, err)
		}
	}
}
