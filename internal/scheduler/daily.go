package scheduler

import (
	"context"
	"fmt"
	"log"
	"time"
)

// Job は毎日の定時に実行される処理です
// now は実行時刻(設定されたタイムゾーン)です
type Job func(ctx context.Context, now time.Time) error

// Daily は1日1回、指定された時刻に Job を実行します
type Daily struct {
	hour     int
	minute   int
	location *time.Location
	job      Job
	now      func() time.Time
	// timeout は1回の実行に許す時間です
	timeout time.Duration
}

// NewDaily は "HH:MM" 形式の時刻で Daily を作成します
func NewDaily(timeOfDay string, loc *time.Location, job Job) (*Daily, error) {
	t, err := time.Parse("15:04", timeOfDay)
	if err != nil {
		return nil, fmt.Errorf("invalid time of day %q: %w", timeOfDay, err)
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Daily{
		hour:     t.Hour(),
		minute:   t.Minute(),
		location: loc,
		job:      job,
		now:      time.Now,
		timeout:  5 * time.Minute,
	}, nil
}

// Next は after より後の次の実行時刻を返します
func (d *Daily) Next(after time.Time) time.Time {
	after = after.In(d.location)
	next := time.Date(after.Year(), after.Month(), after.Day(), d.hour, d.minute, 0, 0, d.location)
	if !next.After(after) {
		next = time.Date(after.Year(), after.Month(), after.Day()+1, d.hour, d.minute, 0, 0, d.location)
	}
	return next
}

// Run は ctx がキャンセルされるまで定時実行を続けます
// Job の失敗はログに記録し、翌日の実行は継続します
func (d *Daily) Run(ctx context.Context) error {
	for {
		now := d.now()
		next := d.Next(now)
		log.Printf("Next scheduled run at %s", next.Format(time.RFC3339))

		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		d.runOnce(ctx)
	}
}

func (d *Daily) runOnce(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	if err := d.job(ctx, d.now().In(d.location)); err != nil {
		log.Printf("Scheduled job failed: %v", err)
	}
}
