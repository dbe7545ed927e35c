package model

import (
	"errors"
	"fmt"
	"time"
)

// 貸出予約のドメインエラーです
// 呼び出し側は errors.Is / errors.As で判定します
var (
	ErrItemNotFound      = errors.New("item not found")
	ErrInvalidDateRange  = errors.New("return date is before borrow date")
	ErrInvalidDate       = errors.New("invalid date")
	ErrBookingConflict   = errors.New("booking conflict")
	ErrPermissionDenied  = errors.New("permission denied")
	ErrNotFound          = errors.New("booking not found")
	ErrInvalidTransition = errors.New("invalid booking status transition")
	ErrEmptyRequest      = errors.New("no items requested")
	ErrInvalidBorrower   = errors.New("invalid borrower information")
	ErrInvalidItem       = errors.New("invalid item")
	ErrNotify            = errors.New("notification failed")
)

// BookingConflictError は重複する予約が見つかった備品を表します
type BookingConflictError struct {
	ItemID        int64
	BorrowDate    time.Time
	ReturnDate    time.Time
	ConflictingID int64
}

func (e *BookingConflictError) Error() string {
	msg := fmt.Sprintf("booking conflict: item %d is not available from %s to %s",
		e.ItemID, FormatDate(e.BorrowDate), FormatDate(e.ReturnDate))
	if e.ConflictingID != 0 {
		msg += fmt.Sprintf(" (overlaps booking %d)", e.ConflictingID)
	}
	return msg
}

// Is は errors.Is(err, ErrBookingConflict) を成立させます
func (e *BookingConflictError) Is(target error) bool {
	return target == ErrBookingConflict
}
