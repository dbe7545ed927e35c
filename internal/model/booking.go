package model

import (
	"fmt"
	"strings"
	"time"
)

// BookingStatus は予約のステータスです
type BookingStatus string

const (
	BookingStatusBooked   BookingStatus = "booked"
	BookingStatusLent     BookingStatus = "lent"
	BookingStatusReturned BookingStatus = "returned"
	BookingStatusDenied   BookingStatus = "denied"
)

// ActiveStatuses は重複判定に参加するステータスです
var ActiveStatuses = []BookingStatus{BookingStatusBooked, BookingStatusLent}

// IsTerminal は返却済み・却下済みの場合に true を返します
func (s BookingStatus) IsTerminal() bool {
	return s == BookingStatusReturned || s == BookingStatusDenied
}

// Valid は定義済みのステータスかを返します
func (s BookingStatus) Valid() bool {
	switch s {
	case BookingStatusBooked, BookingStatusLent, BookingStatusReturned, BookingStatusDenied:
		return true
	}
	return false
}

// Transition は from から to への遷移を検証します
// 既に to である場合は changed=false を返し、冪等な再実行として扱います
func Transition(from, to BookingStatus) (changed bool, err error) {
	if from == to && to != BookingStatusBooked {
		return false, nil
	}

	switch to {
	case BookingStatusLent:
		if from == BookingStatusBooked {
			return true, nil
		}
	case BookingStatusReturned, BookingStatusDenied:
		if !from.IsTerminal() {
			return true, nil
		}
	}

	return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// Booking は備品の貸出予約です
type Booking struct {
	ID            int64         `db:"id" json:"id"`
	BatchID       string        `db:"batch_id" json:"batch_id"`
	ItemID        int64         `db:"item_id" json:"item_id"`
	BorrowerName  string        `db:"borrower_name" json:"borrower_name"`
	BorrowerEmail string        `db:"borrower_email" json:"borrower_email"`
	BorrowerPhone string        `db:"borrower_phone" json:"borrower_phone"`
	UserEmail     string        `db:"user_email" json:"user_email"`
	BorrowDate    time.Time     `db:"borrow_date" json:"borrow_date"`
	ReturnDate    time.Time     `db:"return_date" json:"return_date"`
	Status        BookingStatus `db:"status" json:"status"`
	Note          string        `db:"note" json:"note,omitempty"`
	CreatedAt     time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time     `db:"updated_at" json:"updated_at"`
}

// Active は重複判定の対象となる予約かを返します
func (b Booking) Active() bool {
	return !b.Status.IsTerminal()
}

// Overlaps は予約期間が [start, end] と重なるかを返します
func (b Booking) Overlaps(start, end time.Time) bool {
	return Overlaps(b.BorrowDate, b.ReturnDate, start, end)
}

// BookingRequest は備品1件分の予約申請です
type BookingRequest struct {
	ItemID     int64     `json:"item_id" validate:"required,gt=0"`
	BorrowDate time.Time `json:"borrow_date" validate:"required"`
	ReturnDate time.Time `json:"return_date" validate:"required"`
}

// Validate は申請内容を検証します
func (r BookingRequest) Validate() error {
	if r.ItemID <= 0 {
		return fmt.Errorf("%w: %d", ErrItemNotFound, r.ItemID)
	}
	return ValidateRange(r.BorrowDate, r.ReturnDate)
}

// Borrower は借り手の連絡先です
// ログインユーザーと異なる場合があります
type Borrower struct {
	Name  string `json:"name" validate:"required,max=100"`
	Email string `json:"email" validate:"required,email,max=100"`
	Phone string `json:"phone" validate:"required,max=32"`
}

// Validate は連絡先を正規化して検証します
func (b *Borrower) Validate() error {
	b.Name = strings.TrimSpace(b.Name)
	b.Email = strings.TrimSpace(b.Email)
	b.Phone = strings.TrimSpace(b.Phone)
	if err := validate.Struct(b); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidBorrower, err)
	}
	return nil
}

// BookingFilter は管理画面向けの予約検索条件です
// ゼロ値の項目は条件に含めません
type BookingFilter struct {
	ItemID        int64
	Statuses      []BookingStatus
	BorrowerEmail string
	UserEmail     string
	From          time.Time
	To            time.Time
}

// Match はメモリ上の予約に条件を適用します
func (f BookingFilter) Match(b Booking) bool {
	if f.ItemID != 0 && b.ItemID != f.ItemID {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if b.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.BorrowerEmail != "" && !strings.EqualFold(b.BorrowerEmail, f.BorrowerEmail) {
		return false
	}
	if f.UserEmail != "" && !strings.EqualFold(b.UserEmail, f.UserEmail) {
		return false
	}
	if !f.From.IsZero() && Date(b.ReturnDate).Before(Date(f.From)) {
		return false
	}
	if !f.To.IsZero() && Date(b.BorrowDate).After(Date(f.To)) {
		return false
	}
	return true
}

// Actor は認証済みの操作者です
// 認証はIDプロバイダー側で完了している前提です
type Actor struct {
	Email   string `json:"email"`
	IsAdmin bool   `json:"is_admin"`
}

// RequireAdmin は管理者でなければ ErrPermissionDenied を返します
func (a Actor) RequireAdmin() error {
	if !a.IsAdmin {
		return fmt.Errorf("%w: %s is not an admin", ErrPermissionDenied, a.Email)
	}
	return nil
}
