package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDaily_Next(t *testing.T) {
	tokyo, err := time.LoadLocation("Asia/Tokyo")
	require.NoError(t, err)

	d, err := NewDaily("08:00", tokyo, nil)
	require.NoError(t, err)

	tests := []struct {
		name  string
		after time.Time
		want  time.Time
	}{
		{name: "当日の実行前", after: time.Date(2024, 6, 1, 7, 59, 0, 0, tokyo), want: time.Date(2024, 6, 1, 8, 0, 0, 0, tokyo)},
		{name: "ちょうど実行時刻なら翌日", after: time.Date(2024, 6, 1, 8, 0, 0, 0, tokyo), want: time.Date(2024, 6, 2, 8, 0, 0, 0, tokyo)},
		{name: "月末をまたぐ", after: time.Date(2024, 6, 30, 9, 0, 0, 0, tokyo), want: time.Date(2024, 7, 1, 8, 0, 0, 0, tokyo)},
		{name: "UTCで渡しても設定のタイムゾーンで判定", after: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), want: time.Date(2024, 6, 2, 8, 0, 0, 0, tokyo)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, tt.want.Equal(d.Next(tt.after)), "Next() = %v, want %v", d.Next(tt.after), tt.want)
		})
	}
}

func TestNewDaily_InvalidTime(t *testing.T) {
	_, err := NewDaily("25:00", time.UTC, nil)
	assert.Error(t, err)
}

func TestDaily_Run(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	calls := make(chan time.Time, 1)
	d, err := NewDaily("00:00", time.UTC, func(ctx context.Context, now time.Time) error {
		calls <- now
		cancel()
		return errors.New("job failed")
	})
	require.NoError(t, err)

	// 次の実行時刻の直前を現在時刻とする
	base := time.Now()
	d.now = func() time.Time {
		next := time.Date(base.Year(), base.Month(), base.Day()+1, 0, 0, 0, 0, time.UTC)
		return next.Add(-10 * time.Millisecond)
	}

	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	select {
	case <-calls:
	case <-time.After(5 * time.Second):
		t.Fatal("job was not executed")
	}

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
