package lending

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/aws/aws-xray-sdk-go/xray"
	"github.com/google/uuid"
	"github.com/uma-arai/sbcntr-lending/internal/metrics"
	"github.com/uma-arai/sbcntr-lending/internal/model"
	"github.com/uma-arai/sbcntr-lending/internal/notifier"
	"github.com/uma-arai/sbcntr-lending/internal/repository"
)

// Manager は予約の申請から返却・却下までを管理します
type Manager struct {
	itemRepo     repository.ItemRepository
	bookingRepo  repository.BookingRepository
	availability *AvailabilityEngine
	notifier     notifier.Notifier
	metrics      *metrics.Metrics
	admins       []string
}

// NewManager は新しいManagerを作成します
// admins は全通知に写しを送る管理者の配信リストです
func NewManager(
	itemRepo repository.ItemRepository,
	bookingRepo repository.BookingRepository,
	n notifier.Notifier,
	m *metrics.Metrics,
	admins []string,
) *Manager {
	if m == nil {
		m = metrics.NewNop()
	}
	return &Manager{
		itemRepo:     itemRepo,
		bookingRepo:  bookingRepo,
		availability: NewAvailabilityEngine(itemRepo, bookingRepo),
		notifier:     n,
		metrics:      m,
		admins:       admins,
	}
}

// Availability は内部で使用している AvailabilityEngine を返します
func (s *Manager) Availability() *AvailabilityEngine {
	return s.availability
}

// SubmitBooking はカートの内容を1つのバッチとして予約します
// 1件でも登録できない場合は何も登録せずにエラーを返します
func (s *Manager) SubmitBooking(ctx context.Context, actor model.Actor, borrower model.Borrower, lines []model.BookingRequest) (bookings []model.Booking, err error) {
	ctx, seg := xray.BeginSubsegment(ctx, "Manager.SubmitBooking")
	defer seg.Close(nil)

	startTime := time.Now()
	defer func() {
		s.metrics.ObserveSubmit(submitResult(err), len(bookings), startTime)
	}()

	if actor.Email == "" {
		return nil, fmt.Errorf("%w: anonymous actor", model.ErrPermissionDenied)
	}
	if len(lines) == 0 {
		return nil, model.ErrEmptyRequest
	}
	if err := borrower.Validate(); err != nil {
		return nil, err
	}

	items := make(map[int64]*model.Item, len(lines))
	for i, line := range lines {
		item, err := s.itemRepo.FindItem(ctx, line.ItemID)
		if err != nil {
			return nil, err
		}
		items[item.ID] = item

		if err := line.Validate(); err != nil {
			return nil, err
		}

		conflicts, err := s.availability.Conflicts(ctx, line.ItemID, line.BorrowDate, line.ReturnDate)
		if err != nil {
			return nil, err
		}
		if len(conflicts) > 0 {
			return nil, &model.BookingConflictError{
				ItemID:        line.ItemID,
				BorrowDate:    line.BorrowDate,
				ReturnDate:    line.ReturnDate,
				ConflictingID: conflicts[0].ID,
			}
		}

		for _, prev := range lines[:i] {
			if prev.ItemID == line.ItemID && model.Overlaps(prev.BorrowDate, prev.ReturnDate, line.BorrowDate, line.ReturnDate) {
				return nil, &model.BookingConflictError{ItemID: line.ItemID, BorrowDate: line.BorrowDate, ReturnDate: line.ReturnDate}
			}
		}
	}

	batchID := uuid.NewString()
	staged := make([]model.Booking, len(lines))
	for i, line := range lines {
		staged[i] = model.Booking{
			BatchID:       batchID,
			ItemID:        line.ItemID,
			BorrowerName:  borrower.Name,
			BorrowerEmail: borrower.Email,
			BorrowerPhone: borrower.Phone,
			UserEmail:     actor.Email,
			BorrowDate:    model.Date(line.BorrowDate),
			ReturnDate:    model.Date(line.ReturnDate),
			Status:        model.BookingStatusBooked,
		}
	}

	// 確認から登録までの間に他のリクエストが割り込んだ場合はリポジトリ側で検出される
	bookings, err = s.bookingRepo.CreateBookingsAtomic(ctx, staged)
	if err != nil {
		seg.Close(err)
		return nil, err
	}

	if err := seg.AddMetadata("batch_id", batchID); err != nil {
		log.Printf("Failed to add batch_id metadata: %v", err)
	}
	log.Printf("Booked %d items for %s (batch %s)", len(bookings), borrower.Email, batchID)

	payload := model.NotificationPayload{BorrowerName: borrower.Name}
	for _, b := range bookings {
		payload.Lines = append(payload.Lines, model.NewNotificationLine(b, items[b.ItemID]))
	}
	s.notify(ctx, model.NotificationKindBookingConfirmation, borrower.Email, payload)

	return bookings, nil
}

// MarkLent は予約を貸出中にします
// 既に貸出中の場合は何もせずに成功します
func (s *Manager) MarkLent(ctx context.Context, actor model.Actor, bookingID int64) (*model.Booking, error) {
	ctx, seg := xray.BeginSubsegment(ctx, "Manager.MarkLent")
	defer seg.Close(nil)

	booking, _, err := s.transition(ctx, actor, bookingID, model.BookingStatusLent, "")
	return booking, err
}

// MarkReturned は予約を返却済みにします
// 返却済みの予約は履歴として残り、空き状況の判定からは外れます
func (s *Manager) MarkReturned(ctx context.Context, actor model.Actor, bookingID int64) (*model.Booking, error) {
	ctx, seg := xray.BeginSubsegment(ctx, "Manager.MarkReturned")
	defer seg.Close(nil)

	booking, _, err := s.transition(ctx, actor, bookingID, model.BookingStatusReturned, "")
	return booking, err
}

// DenyBooking は予約を却下し、理由を借り手に通知します
func (s *Manager) DenyBooking(ctx context.Context, actor model.Actor, bookingID int64, note string) (*model.Booking, error) {
	ctx, seg := xray.BeginSubsegment(ctx, "Manager.DenyBooking")
	defer seg.Close(nil)

	note = strings.TrimSpace(note)
	booking, changed, err := s.transition(ctx, actor, bookingID, model.BookingStatusDenied, note)
	if err != nil {
		return nil, err
	}
	if !changed {
		return booking, nil
	}

	item, err := s.itemRepo.FindItem(ctx, booking.ItemID)
	if err != nil {
		log.Printf("Failed to find item %d for denial notification: %v", booking.ItemID, err)
	}

	payload := model.NotificationPayload{
		BorrowerName: booking.BorrowerName,
		Lines:        []model.NotificationLine{model.NewNotificationLine(*booking, item)},
		Note:         note,
	}
	s.notify(ctx, model.NotificationKindDenial, booking.BorrowerEmail, payload)

	return booking, nil
}

// transition は管理者権限を確認してからステータスを遷移させます
func (s *Manager) transition(ctx context.Context, actor model.Actor, bookingID int64, to model.BookingStatus, note string) (*model.Booking, bool, error) {
	if err := actor.RequireAdmin(); err != nil {
		return nil, false, err
	}

	booking, changed, err := s.bookingRepo.UpdateBookingStatus(ctx, bookingID, to, note)
	if err != nil {
		return nil, false, err
	}

	if changed {
		s.metrics.StatusChanges.WithLabelValues(string(to)).Inc()
		log.Printf("Booking %d marked as %s by %s", bookingID, to, actor.Email)
	}
	return booking, changed, nil
}

// DeleteBooking は予約を物理削除します
func (s *Manager) DeleteBooking(ctx context.Context, actor model.Actor, bookingID int64) error {
	ctx, seg := xray.BeginSubsegment(ctx, "Manager.DeleteBooking")
	defer seg.Close(nil)

	if err := actor.RequireAdmin(); err != nil {
		return err
	}

	if err := s.bookingRepo.DeleteBooking(ctx, bookingID); err != nil {
		return err
	}

	log.Printf("Booking %d deleted by %s", bookingID, actor.Email)
	return nil
}

// ListBookings は管理者向けに予約を検索します
func (s *Manager) ListBookings(ctx context.Context, actor model.Actor, filter model.BookingFilter) ([]model.Booking, error) {
	ctx, seg := xray.BeginSubsegment(ctx, "Manager.ListBookings")
	defer seg.Close(nil)

	if err := actor.RequireAdmin(); err != nil {
		return nil, err
	}
	return s.bookingRepo.ListBookings(ctx, filter)
}

// BookingsForUser はログインユーザーが申請した予約を返します
func (s *Manager) BookingsForUser(ctx context.Context, actor model.Actor) ([]model.Booking, error) {
	ctx, seg := xray.BeginSubsegment(ctx, "Manager.BookingsForUser")
	defer seg.Close(nil)

	if actor.Email == "" {
		return nil, fmt.Errorf("%w: anonymous actor", model.ErrPermissionDenied)
	}
	return s.bookingRepo.ListBookings(ctx, model.BookingFilter{UserEmail: actor.Email})
}

// notify は通知を送信します
// 予約は確定済みのため、失敗してもログとメトリクスに記録するだけです
func (s *Manager) notify(ctx context.Context, kind model.NotificationKind, recipient string, payload model.NotificationPayload) {
	if err := s.notifier.Send(ctx, kind, recipient, ccList(s.admins, recipient), payload); err != nil {
		s.metrics.NotifyFailures.WithLabelValues(string(kind)).Inc()
		log.Printf("Failed to send %s notification to %s: %v", kind, recipient, err)
	}
}

// ccList は配信リストから宛先本人と重複を除いたものを返します
func ccList(admins []string, recipient string) []string {
	cc := make([]string, 0, len(admins))
	seen := map[string]bool{strings.ToLower(strings.TrimSpace(recipient)): true}
	for _, a := range admins {
		key := strings.ToLower(strings.TrimSpace(a))
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		cc = append(cc, strings.TrimSpace(a))
	}
	return cc
}

func submitResult(err error) string {
	switch {
	case err == nil:
		return metrics.ResultBooked
	case errors.Is(err, model.ErrBookingConflict):
		return metrics.ResultConflict
	case errors.Is(err, model.ErrItemNotFound),
		errors.Is(err, model.ErrInvalidDateRange),
		errors.Is(err, model.ErrEmptyRequest),
		errors.Is(err, model.ErrInvalidBorrower),
		errors.Is(err, model.ErrPermissionDenied):
		return metrics.ResultRejected
	}
	return metrics.ResultError
}
