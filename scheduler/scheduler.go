// Package scheduler runs a job repeatedly until its context ends.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/aluiziolira/go-scrape-prices/config"
)

// Job is one unit of scheduled work.
type Job func(ctx context.Context) error

// Schedule computes the next run time after a run finished at now.
type Schedule interface {
	Next(now time.Time) time.Time
}

// Every runs the job a fixed interval after the previous run ended.
type Every time.Duration

func (e Every) Next(now time.Time) time.Time {
	d := time.Duration(e)
	if d <= 0 {
		d = time.Minute
	}
	return now.Add(d)
}

// DailyAt runs the job once a day at a wall-clock time in now's location.
type DailyAt struct {
	Hour   int
	Minute int
}

func (d DailyAt) Next(now time.Time) time.Time {
	y, m, day := now.Date()
	next := time.Date(y, m, day, d.Hour, d.Minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// FromConfig returns DailyAt when cfg names a clock time, Every otherwise.
func FromConfig(cfg *config.Config) Schedule {
	if h, m, ok := cfg.DailyClock(); ok {
		return DailyAt{Hour: h, Minute: m}
	}
	return Every(cfg.CrawlInterval)
}

// Loop drives Job on Schedule. A failing or panicking job is logged and
// the loop carries on; only ctx stops it, and only between runs.
type Loop struct {
	Name       string
	Job        Job
	Schedule   Schedule
	StartDelay time.Duration
}

// Run blocks until ctx is done and returns ctx.Err().
func (l *Loop) Run(ctx context.Context) error {
	logger := slog.With(slog.String("loop", l.Name))

	if l.StartDelay > 0 {
		logger.Info("loop waiting to start", slog.Duration("delay", l.StartDelay))
		if err := sleep(ctx, l.StartDelay); err != nil {
			return err
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		started := time.Now()
		err := l.runOnce(ctx)
		finished := time.Now()
		next := l.Schedule.Next(finished)

		if err != nil {
			logger.Error("scheduled run failed",
				slog.Duration("duration", finished.Sub(started)),
				slog.Time("next_run", next),
				slog.Any("error", err),
			)
		} else {
			logger.Info("scheduled run finished",
				slog.Duration("duration", finished.Sub(started)),
				slog.Time("next_run", next),
			)
		}

		if err := sleep(ctx, next.Sub(finished)); err != nil {
			return err
		}
	}
}

func (l *Loop) runOnce(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return l.Job(ctx)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
