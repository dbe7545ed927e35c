package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/uma-arai/sbcntr-lending/internal/model"
)

// MemoryRepository はテストおよびローカル実行用のインメモリ実装です
// ItemRepository と BookingRepository の両方を満たします
// 書き込みは単一のミューテックスで直列化されます
type MemoryRepository struct {
	mu            sync.Mutex
	items         map[int64]model.Item
	bookings      map[int64]model.Booking
	nextItemID    int64
	nextBookingID int64
	now           func() time.Time
}

var (
	_ ItemRepository    = (*MemoryRepository)(nil)
	_ BookingRepository = (*MemoryRepository)(nil)
)

// NewMemoryRepository は空のインメモリリポジトリを作成します
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		items:    make(map[int64]model.Item),
		bookings: make(map[int64]model.Booking),
		now:      time.Now,
	}
}

func (r *MemoryRepository) FindItem(ctx context.Context, id int64) (*model.Item, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	item, ok := r.items[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", model.ErrItemNotFound, id)
	}
	return &item, nil
}

func (r *MemoryRepository) FindItems(ctx context.Context, ids []int64) (map[int64]model.Item, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	items := make(map[int64]model.Item, len(ids))
	for _, id := range ids {
		if item, ok := r.items[id]; ok {
			items[id] = item
		}
	}
	return items, nil
}

func (r *MemoryRepository) ListItems(ctx context.Context) ([]model.Item, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	items := make([]model.Item, 0, len(r.items))
	for _, item := range r.items {
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].Name != items[j].Name {
			return items[i].Name < items[j].Name
		}
		return items[i].ID < items[j].ID
	})
	return items, nil
}

func (r *MemoryRepository) CreateItem(ctx context.Context, item *model.Item) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextItemID++
	now := r.now()
	item.ID = r.nextItemID
	item.CreatedAt = now
	item.UpdatedAt = now
	r.items[item.ID] = *item
	return nil
}

func (r *MemoryRepository) UpdateItem(ctx context.Context, item *model.Item) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.items[item.ID]
	if !ok {
		return fmt.Errorf("%w: %d", model.ErrItemNotFound, item.ID)
	}
	item.CreatedAt = current.CreatedAt
	item.UpdatedAt = r.now()
	r.items[item.ID] = *item
	return nil
}

func (r *MemoryRepository) ListBookingsForItem(ctx context.Context, itemID int64) ([]model.Booking, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.filterLocked(func(b model.Booking) bool {
		return b.ItemID == itemID && b.Active()
	}), nil
}

// CreateBookingsAtomic はロックを保持したまま重複を再確認してから全件を登録します
func (r *MemoryRepository) CreateBookingsAtomic(ctx context.Context, bookings []model.Booking) ([]model.Booking, error) {
	if len(bookings) == 0 {
		return nil, model.ErrEmptyRequest
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	staged := make([]model.Booking, 0, len(bookings))
	for _, b := range bookings {
		if _, ok := r.items[b.ItemID]; !ok {
			return nil, fmt.Errorf("%w: %d", model.ErrItemNotFound, b.ItemID)
		}
		if err := r.checkOverlapLocked(b, staged); err != nil {
			return nil, err
		}
		staged = append(staged, b)
	}

	now := r.now()
	created := make([]model.Booking, len(staged))
	for i, b := range staged {
		r.nextBookingID++
		b.ID = r.nextBookingID
		b.BorrowDate = model.Date(b.BorrowDate)
		b.ReturnDate = model.Date(b.ReturnDate)
		b.CreatedAt = now
		b.UpdatedAt = now
		r.bookings[b.ID] = b
		created[i] = b
	}
	return created, nil
}

func (r *MemoryRepository) checkOverlapLocked(b model.Booking, staged []model.Booking) error {
	for _, s := range staged {
		if s.ItemID == b.ItemID && s.Overlaps(b.BorrowDate, b.ReturnDate) {
			return &model.BookingConflictError{ItemID: b.ItemID, BorrowDate: b.BorrowDate, ReturnDate: b.ReturnDate}
		}
	}
	for _, existing := range r.bookings {
		if existing.ItemID == b.ItemID && existing.Active() && existing.Overlaps(b.BorrowDate, b.ReturnDate) {
			return &model.BookingConflictError{ItemID: b.ItemID, BorrowDate: b.BorrowDate, ReturnDate: b.ReturnDate, ConflictingID: existing.ID}
		}
	}
	return nil
}

func (r *MemoryRepository) GetBooking(ctx context.Context, id int64) (*model.Booking, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.bookings[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", model.ErrNotFound, id)
	}
	return &b, nil
}

func (r *MemoryRepository) UpdateBookingStatus(ctx context.Context, id int64, status model.BookingStatus, note string) (*model.Booking, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.bookings[id]
	if !ok {
		return nil, false, fmt.Errorf("%w: %d", model.ErrNotFound, id)
	}

	changed, err := model.Transition(b.Status, status)
	if err != nil {
		return nil, false, err
	}
	if changed {
		b.Status = status
		if note != "" {
			b.Note = note
		}
		b.UpdatedAt = r.now()
		r.bookings[id] = b
	}
	return &b, changed, nil
}

func (r *MemoryRepository) DeleteBooking(ctx context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.bookings[id]; !ok {
		return fmt.Errorf("%w: %d", model.ErrNotFound, id)
	}
	delete(r.bookings, id)
	return nil
}

func (r *MemoryRepository) ListBookings(ctx context.Context, filter model.BookingFilter) ([]model.Booking, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.filterLocked(filter.Match), nil
}

func (r *MemoryRepository) ListBookingsDue(ctx context.Context, from, to time.Time) ([]model.Booking, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	from, to = model.Date(from), model.Date(to)
	bookings := r.filterLocked(func(b model.Booking) bool {
		due := model.Date(b.ReturnDate)
		return b.Active() && !due.Before(from) && !due.After(to)
	})
	sort.SliceStable(bookings, func(i, j int) bool {
		if bookings[i].BorrowerEmail != bookings[j].BorrowerEmail {
			return bookings[i].BorrowerEmail < bookings[j].BorrowerEmail
		}
		return bookings[i].ReturnDate.Before(bookings[j].ReturnDate)
	})
	return bookings, nil
}

// filterLocked は貸出日・ID順に並べた結果を返します
func (r *MemoryRepository) filterLocked(keep func(model.Booking) bool) []model.Booking {
	bookings := make([]model.Booking, 0)
	for _, b := range r.bookings {
		if keep(b) {
			bookings = append(bookings, b)
		}
	}
	sort.Slice(bookings, func(i, j int) bool {
		if !bookings[i].BorrowDate.Equal(bookings[j].BorrowDate) {
			return bookings[i].BorrowDate.Before(bookings[j].BorrowDate)
		}
		return bookings[i].ID < bookings[j].ID
	})
	return bookings
}
