package model

import (
	"fmt"
	"time"
)

// DateLayout は日付の入出力フォーマットです
const DateLayout = "2006-01-02"

// Date は時刻を切り捨てた暦日(UTC 0時)を返します
// 予約の比較はすべてこの正規化済みの値で行います
func Date(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDate は YYYY-MM-DD 形式の文字列を暦日に変換します
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return t, nil
}

// FormatDate は暦日を YYYY-MM-DD 形式で返します
func FormatDate(t time.Time) string {
	return t.Format(DateLayout)
}

// Overlaps は両端を含む2つの期間が1日でも重なるかを判定します
func Overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	aStart, aEnd, bStart, bEnd = Date(aStart), Date(aEnd), Date(bStart), Date(bEnd)
	return !aStart.After(bEnd) && !aEnd.Before(bStart)
}

// ValidateRange は貸出日 <= 返却日 を検証します
func ValidateRange(start, end time.Time) error {
	if Date(end).Before(Date(start)) {
		return fmt.Errorf("%w: %s > %s", ErrInvalidDateRange, FormatDate(start), FormatDate(end))
	}
	return nil
}
