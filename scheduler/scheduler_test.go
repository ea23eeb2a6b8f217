package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aluiziolira/go-scrape-prices/config"
)

func TestDailyAtNext(t *testing.T) {
	loc := time.FixedZone("MSK", 3*60*60)
	schedule := DailyAt{Hour: 6, Minute: 30}

	tests := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{name: "later today", now: time.Date(2024, 5, 20, 1, 0, 0, 0, loc), want: time.Date(2024, 5, 20, 6, 30, 0, 0, loc)},
		{name: "exactly now", now: time.Date(2024, 5, 20, 6, 30, 0, 0, loc), want: time.Date(2024, 5, 21, 6, 30, 0, 0, loc)},
		{name: "tomorrow", now: time.Date(2024, 5, 20, 22, 0, 0, 0, loc), want: time.Date(2024, 5, 21, 6, 30, 0, 0, loc)},
		{name: "month end", now: time.Date(2024, 5, 31, 7, 0, 0, 0, loc), want: time.Date(2024, 6, 1, 6, 30, 0, 0, loc)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := schedule.Next(tt.now); !got.Equal(tt.want) {
				t.Fatalf("Next(%v) = %v, want %v", tt.now, got, tt.want)
			}
		})
	}
}

func TestEveryNext(t *testing.T) {
	now := time.Date(2024, 5, 20, 1, 0, 0, 0, time.UTC)
	if got := Every(2 * time.Hour).Next(now); !got.Equal(now.Add(2 * time.Hour)) {
		t.Fatalf("Next = %v", got)
	}
}

func TestFromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.CrawlInterval = time.Hour
	if _, ok := FromConfig(cfg).(Every); !ok {
		t.Fatalf("expected Every without daily_at")
	}
	cfg.DailyAt = "05:15"
	got, ok := FromConfig(cfg).(DailyAt)
	if !ok || got.Hour != 5 || got.Minute != 15 {
		t.Fatalf("FromConfig = %#v, want DailyAt 05:15", got)
	}
}

func TestLoopSurvivesFailures(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var runs int32
	loop := &Loop{
		Name:     "test",
		Schedule: Every(time.Millisecond),
		Job: func(context.Context) error {
			n := atomic.AddInt32(&runs, 1)
			switch n {
			case 1:
				return errors.New("crawl failed")
			case 2:
				panic("boom")
			case 4:
				cancel()
			}
			return nil
		},
	}

	err := loop.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v, want context.Canceled", err)
	}
	if got := atomic.LoadInt32(&runs); got != 4 {
		t.Fatalf("runs = %d, want 4", got)
	}
}

func TestLoopCancelledDuringStartDelay(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	var runs int32
	loop := &Loop{
		Name:       "delayed",
		Schedule:   Every(time.Hour),
		StartDelay: time.Hour,
		Job: func(context.Context) error {
			atomic.AddInt32(&runs, 1)
			return nil
		},
	}

	if err := loop.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run = %v, want deadline exceeded", err)
	}
	if runs != 0 {
		t.Fatalf("job ran %d times during start delay", runs)
	}
}

func TestLoopWaitsForSchedule(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	var runs int32
	loop := &Loop{
		Name:     "hourly",
		Schedule: Every(time.Hour),
		Job: func(context.Context) error {
			atomic.AddInt32(&runs, 1)
			return nil
		},
	}
	_ = loop.Run(ctx)
	if got := atomic.LoadInt32(&runs); got != 1 {
		t.Fatalf("runs = %d, want 1", got)
	}
}
