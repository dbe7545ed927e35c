package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-xray-sdk-go/xray"
	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/jmoiron/sqlx"
	"github.com/uma-arai/sbcntr-lending/internal/model"
)

// BookingRepository は予約の永続化を担当するインターフェースです
type BookingRepository interface {
	// ListBookingsForItem は返却・却下されていない予約のみを返します
	ListBookingsForItem(ctx context.Context, itemID int64) ([]model.Booking, error)
	// CreateBookingsAtomic は全件を1トランザクションで登録します
	// 重複がある場合は1件も登録せず ErrBookingConflict を返します
	CreateBookingsAtomic(ctx context.Context, bookings []model.Booking) ([]model.Booking, error)
	GetBooking(ctx context.Context, id int64) (*model.Booking, error)
	// UpdateBookingStatus は model.Transition に従ってステータスを遷移させます
	UpdateBookingStatus(ctx context.Context, id int64, status model.BookingStatus, note string) (*model.Booking, bool, error)
	DeleteBooking(ctx context.Context, id int64) error
	ListBookings(ctx context.Context, filter model.BookingFilter) ([]model.Booking, error)
	// ListBookingsDue は返却日が [from, to] に含まれる未返却の予約を返します
	ListBookingsDue(ctx context.Context, from, to time.Time) ([]model.Booking, error)
}

type BookingRepositoryImpl struct {
	db *DB
}

func NewBookingRepository(db *DB) *BookingRepositoryImpl {
	return &BookingRepositoryImpl{db: db}
}

const (
	tableBookings   = "bookings"
	dialectPostgres = "postgres"
)

var bookingColumns = []interface{}{
	"id", "batch_id", "item_id", "borrower_name", "borrower_email", "borrower_phone",
	"user_email", "borrow_date", "return_date", "status", "note", "created_at", "updated_at",
}

const bookingColumnList = `id, batch_id, item_id, borrower_name, borrower_email, borrower_phone,
	user_email, borrow_date, return_date, status, note, created_at, updated_at`

func activeStatusValues() []string {
	values := make([]string, len(model.ActiveStatuses))
	for i, s := range model.ActiveStatuses {
		values[i] = string(s)
	}
	return values
}

// ListBookingsForItem は指定された備品の有効な予約を貸出日順に取得します
func (r *BookingRepositoryImpl) ListBookingsForItem(ctx context.Context, itemID int64) ([]model.Booking, error) {
	ctx, seg := xray.BeginSubsegment(ctx, "BookingRepository.ListBookingsForItem")
	defer seg.Close(nil)

	return r.selectBookings(ctx, goqu.Dialect(dialectPostgres).
		From(tableBookings).
		Select(bookingColumns...).
		Where(
			goqu.C("item_id").Eq(itemID),
			goqu.C("status").In(activeStatusValues()),
		).
		Order(goqu.C("borrow_date").Asc(), goqu.C("id").Asc()))
}

// CreateBookingsAtomic は複数の予約を作成します
// 備品行をロックした状態で重複を再確認するため、同時に申請された重複予約は片方のみ成功します
func (r *BookingRepositoryImpl) CreateBookingsAtomic(ctx context.Context, bookings []model.Booking) ([]model.Booking, error) {
	ctx, seg := xray.BeginSubsegment(ctx, "BookingRepository.CreateBookingsAtomic")
	defer seg.Close(nil)

	if len(bookings) == 0 {
		return nil, model.ErrEmptyRequest
	}

	var created []model.Booking
	err := r.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		created = make([]model.Booking, 0, len(bookings))

		if err := lockItems(ctx, tx, distinctItemIDs(bookings)); err != nil {
			return err
		}

		for _, b := range bookings {
			if err := checkOverlap(ctx, tx, b, created); err != nil {
				return err
			}

			inserted, err := insertBooking(ctx, tx, b)
			if err != nil {
				return err
			}
			created = append(created, inserted)
		}
		return nil
	})
	if err != nil {
		err = translateError(err)
		seg.Close(err)
		return nil, err
	}

	return created, nil
}

// checkOverlap はDB上の有効な予約と、同じバッチ内で先に登録した予約の両方と重複を確認します
func checkOverlap(ctx context.Context, tx *sqlx.Tx, b model.Booking, staged []model.Booking) error {
	for _, s := range staged {
		if s.ItemID == b.ItemID && s.Overlaps(b.BorrowDate, b.ReturnDate) {
			return &model.BookingConflictError{ItemID: b.ItemID, BorrowDate: b.BorrowDate, ReturnDate: b.ReturnDate, ConflictingID: s.ID}
		}
	}

	query := `
		SELECT id
		FROM bookings
		WHERE item_id = $1
		AND status IN ('booked', 'lent')
		AND borrow_date <= $3
		AND return_date >= $2
		ORDER BY borrow_date ASC
		LIMIT 1`

	var conflictingID int64
	err := tx.GetContext(ctx, &conflictingID, query, b.ItemID, model.Date(b.BorrowDate), model.Date(b.ReturnDate))
	switch {
	case err == nil:
		return &model.BookingConflictError{ItemID: b.ItemID, BorrowDate: b.BorrowDate, ReturnDate: b.ReturnDate, ConflictingID: conflictingID}
	case errors.Is(err, sql.ErrNoRows):
		return nil
	default:
		return fmt.Errorf("failed to check overlapping bookings: %w", err)
	}
}

func insertBooking(ctx context.Context, tx *sqlx.Tx, b model.Booking) (model.Booking, error) {
	query := `
		INSERT INTO bookings (
			batch_id,
			item_id,
			borrower_name,
			borrower_email,
			borrower_phone,
			user_email,
			borrow_date,
			return_date,
			status,
			note
		) VALUES (
			:batch_id,
			:item_id,
			:borrower_name,
			:borrower_email,
			:borrower_phone,
			:user_email,
			:borrow_date,
			:return_date,
			:status,
			:note
		)
		RETURNING id, created_at, updated_at`

	b.BorrowDate = model.Date(b.BorrowDate)
	b.ReturnDate = model.Date(b.ReturnDate)

	rows, err := tx.NamedQuery(query, b)
	if err != nil {
		return b, fmt.Errorf("failed to create booking: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return b, fmt.Errorf("failed to create booking: %w", err)
		}
		return b, fmt.Errorf("failed to create booking: no id returned")
	}
	if err := rows.Scan(&b.ID, &b.CreatedAt, &b.UpdatedAt); err != nil {
		return b, fmt.Errorf("failed to scan created booking: %w", err)
	}
	return b, nil
}

// GetBooking は指定されたIDの予約を取得します
func (r *BookingRepositoryImpl) GetBooking(ctx context.Context, id int64) (*model.Booking, error) {
	ctx, seg := xray.BeginSubsegment(ctx, "BookingRepository.GetBooking")
	defer seg.Close(nil)

	query := `SELECT ` + bookingColumnList + ` FROM bookings WHERE id = $1`

	var b model.Booking
	if err := r.db.GetContext(ctx, &b, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %d", model.ErrNotFound, id)
		}
		seg.Close(err)
		return nil, fmt.Errorf("failed to get booking %d: %w", id, err)
	}

	return &b, nil
}

// UpdateBookingStatus は予約のステータスを更新します
// 既に目的のステータスである場合は更新せず changed=false を返します
func (r *BookingRepositoryImpl) UpdateBookingStatus(ctx context.Context, id int64, status model.BookingStatus, note string) (*model.Booking, bool, error) {
	ctx, seg := xray.BeginSubsegment(ctx, "BookingRepository.UpdateBookingStatus")
	defer seg.Close(nil)

	var (
		updated model.Booking
		changed bool
	)
	err := r.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		query := `SELECT ` + bookingColumnList + ` FROM bookings WHERE id = $1 FOR UPDATE`
		if err := tx.GetContext(ctx, &updated, query, id); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: %d", model.ErrNotFound, id)
			}
			return fmt.Errorf("failed to get booking %d: %w", id, err)
		}

		var err error
		changed, err = model.Transition(updated.Status, status)
		if err != nil || !changed {
			return err
		}

		if note == "" {
			note = updated.Note
		}

		update := `
			UPDATE bookings
			SET status = $1,
				note = $2,
				updated_at = $3
			WHERE id = $4
		`
		now := time.Now()
		if _, err := tx.ExecContext(ctx, update, status, note, now, id); err != nil {
			return fmt.Errorf("failed to update booking status: %w", err)
		}

		updated.Status = status
		updated.Note = note
		updated.UpdatedAt = now
		return nil
	})
	if err != nil {
		seg.Close(err)
		return nil, false, err
	}

	return &updated, changed, nil
}

// DeleteBooking は予約を物理削除します
func (r *BookingRepositoryImpl) DeleteBooking(ctx context.Context, id int64) error {
	ctx, seg := xray.BeginSubsegment(ctx, "BookingRepository.DeleteBooking")
	defer seg.Close(nil)

	result, err := r.db.ExecContext(ctx, `DELETE FROM bookings WHERE id = $1`, id)
	if err != nil {
		seg.Close(err)
		return fmt.Errorf("failed to delete booking: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		seg.Close(err)
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("%w: %d", model.ErrNotFound, id)
	}

	return nil
}

// ListBookings は管理画面の検索条件で予約を取得します
func (r *BookingRepositoryImpl) ListBookings(ctx context.Context, filter model.BookingFilter) ([]model.Booking, error) {
	ctx, seg := xray.BeginSubsegment(ctx, "BookingRepository.ListBookings")
	defer seg.Close(nil)

	return r.selectBookings(ctx, buildListQuery(filter))
}

func buildListQuery(filter model.BookingFilter) *goqu.SelectDataset {
	ds := goqu.Dialect(dialectPostgres).
		From(tableBookings).
		Select(bookingColumns...).
		Order(goqu.C("borrow_date").Asc(), goqu.C("id").Asc())

	if filter.ItemID != 0 {
		ds = ds.Where(goqu.C("item_id").Eq(filter.ItemID))
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			statuses[i] = string(s)
		}
		ds = ds.Where(goqu.C("status").In(statuses))
	}
	if filter.BorrowerEmail != "" {
		ds = ds.Where(goqu.Func("LOWER", goqu.C("borrower_email")).Eq(strings.ToLower(filter.BorrowerEmail)))
	}
	if filter.UserEmail != "" {
		ds = ds.Where(goqu.Func("LOWER", goqu.C("user_email")).Eq(strings.ToLower(filter.UserEmail)))
	}
	if !filter.From.IsZero() {
		ds = ds.Where(goqu.C("return_date").Gte(model.Date(filter.From)))
	}
	if !filter.To.IsZero() {
		ds = ds.Where(goqu.C("borrow_date").Lte(model.Date(filter.To)))
	}
	return ds
}

// ListBookingsDue は返却日が近い未返却の予約を取得します
func (r *BookingRepositoryImpl) ListBookingsDue(ctx context.Context, from, to time.Time) ([]model.Booking, error) {
	ctx, seg := xray.BeginSubsegment(ctx, "BookingRepository.ListBookingsDue")
	defer seg.Close(nil)

	return r.selectBookings(ctx, goqu.Dialect(dialectPostgres).
		From(tableBookings).
		Select(bookingColumns...).
		Where(
			goqu.C("status").In(activeStatusValues()),
			goqu.C("return_date").Between(goqu.Range(model.Date(from), model.Date(to))),
		).
		Order(goqu.C("borrower_email").Asc(), goqu.C("return_date").Asc(), goqu.C("id").Asc()))
}

func (r *BookingRepositoryImpl) selectBookings(ctx context.Context, ds *goqu.SelectDataset) ([]model.Booking, error) {
	query, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build booking query: %w", err)
	}

	var bookings []model.Booking
	if err := r.db.SelectContext(ctx, &bookings, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query bookings: %w", err)
	}

	return bookings, nil
}

func distinctItemIDs(bookings []model.Booking) []int64 {
	seen := make(map[int64]bool, len(bookings))
	ids := make([]int64, 0, len(bookings))
	for _, b := range bookings {
		if !seen[b.ItemID] {
			seen[b.ItemID] = true
			ids = append(ids, b.ItemID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
