package lending

import (
	"context"
	"time"

	"github.com/aws/aws-xray-sdk-go/xray"
	"github.com/uma-arai/sbcntr-lending/internal/model"
	"github.com/uma-arai/sbcntr-lending/internal/repository"
)

// DateRange はカレンダー表示用の予約済み期間です
// 借り手の情報は含めません
type DateRange struct {
	Start  time.Time           `json:"start"`
	End    time.Time           `json:"end"`
	Status model.BookingStatus `json:"status"`
}

// AvailabilityEngine は備品の空き状況を判定します
// 読み取りのみで副作用はありません
type AvailabilityEngine struct {
	itemRepo    repository.ItemRepository
	bookingRepo repository.BookingRepository
}

func NewAvailabilityEngine(itemRepo repository.ItemRepository, bookingRepo repository.BookingRepository) *AvailabilityEngine {
	return &AvailabilityEngine{
		itemRepo:    itemRepo,
		bookingRepo: bookingRepo,
	}
}

// IsAvailable は [start, end] の期間に有効な予約が1件もない場合に true を返します
func (e *AvailabilityEngine) IsAvailable(ctx context.Context, itemID int64, start, end time.Time) (bool, error) {
	conflicts, err := e.Conflicts(ctx, itemID, start, end)
	if err != nil {
		return false, err
	}
	return len(conflicts) == 0, nil
}

// Conflicts は [start, end] と重なる有効な予約を返します
func (e *AvailabilityEngine) Conflicts(ctx context.Context, itemID int64, start, end time.Time) ([]model.Booking, error) {
	ctx, seg := xray.BeginSubsegment(ctx, "AvailabilityEngine.Conflicts")
	defer seg.Close(nil)

	if _, err := e.itemRepo.FindItem(ctx, itemID); err != nil {
		return nil, err
	}
	if err := model.ValidateRange(start, end); err != nil {
		return nil, err
	}

	bookings, err := e.bookingRepo.ListBookingsForItem(ctx, itemID)
	if err != nil {
		seg.Close(err)
		return nil, err
	}

	var conflicts []model.Booking
	for _, b := range bookings {
		if b.Active() && b.Overlaps(start, end) {
			conflicts = append(conflicts, b)
		}
	}
	return conflicts, nil
}

// BookedRanges は備品の有効な予約期間を貸出日順に返します
func (e *AvailabilityEngine) BookedRanges(ctx context.Context, itemID int64) ([]DateRange, error) {
	ctx, seg := xray.BeginSubsegment(ctx, "AvailabilityEngine.BookedRanges")
	defer seg.Close(nil)

	if _, err := e.itemRepo.FindItem(ctx, itemID); err != nil {
		return nil, err
	}

	bookings, err := e.bookingRepo.ListBookingsForItem(ctx, itemID)
	if err != nil {
		seg.Close(err)
		return nil, err
	}

	ranges := make([]DateRange, 0, len(bookings))
	for _, b := range bookings {
		if !b.Active() {
			continue
		}
		ranges = append(ranges, DateRange{Start: model.Date(b.BorrowDate), End: model.Date(b.ReturnDate), Status: b.Status})
	}
	return ranges, nil
}
