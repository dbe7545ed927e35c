package lending

import (
	"context"
	"errors"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/aws/aws-xray-sdk-go/xray"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uma-arai/sbcntr-lending/internal/model"
	"github.com/uma-arai/sbcntr-lending/internal/repository"
)

// seedBooking は検証をせずに予約を直接登録します
func (f *fixture) seedBooking(t *testing.T, itemID int64, name, email, from, to string) model.Booking {
	t.Helper()
	created, err := f.repo.CreateBookingsAtomic(context.Background(), []model.Booking{{
		ItemID:        itemID,
		BorrowerName:  name,
		BorrowerEmail: email,
		BorrowerPhone: "000",
		UserEmail:     email,
		BorrowDate:    d(from),
		ReturnDate:    d(to),
		Status:        model.BookingStatusBooked,
	}})
	require.NoError(t, err)
	return created[0]
}

func TestReminderSweep_CollectDueReminders(t *testing.T) {
	f := newFixture(t)
	ctx := traceCtx(t)
	camera, tripod, projector := f.items[0].ID, f.items[1].ID, f.items[2].ID

	// 返却済みの予約は対象外
	returned := f.seedBooking(t, projector, "Carol", "carol@example.com", "2024-05-28", "2024-06-02")
	_, _, err := f.repo.UpdateBookingStatus(ctx, returned.ID, model.BookingStatusReturned, "")
	require.NoError(t, err)

	today := f.seedBooking(t, camera, "Alice", "alice@example.com", "2024-05-30", "2024-06-02")
	tomorrow := f.seedBooking(t, tripod, "Alice", "Alice@Example.com", "2024-06-01", "2024-06-03")
	f.seedBooking(t, projector, "Bob", "bob@example.com", "2024-06-03", "2024-06-04")
	f.seedBooking(t, camera, "Dave", "dave@example.com", "2024-05-25", "2024-05-29")
	overdue := f.seedBooking(t, tripod, "Bob", "bob@example.com", "2024-05-20", "2024-05-31")
	_, _, err = f.repo.UpdateBookingStatus(ctx, overdue.ID, model.BookingStatusLent, "")
	require.NoError(t, err)

	groups, err := f.sweep.CollectDueReminders(ctx, time.Date(2024, 6, 2, 8, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	require.Len(t, groups, 1, "返却日が今日か明日の有効な予約だけを対象にする")
	g := groups[0]
	assert.Equal(t, "Alice", g.BorrowerName)
	require.Len(t, g.Bookings, 2, "同じ借り手の予約は1通にまとめる")
	assert.Equal(t, today.ID, g.Bookings[0].ID)
	assert.Equal(t, tomorrow.ID, g.Bookings[1].ID)
	assert.Len(t, g.Items, 2)
}

func TestReminderSweep_AsOfUsesLocalDate(t *testing.T) {
	f := newFixture(t)
	ctx := traceCtx(t)
	tokyo, err := time.LoadLocation("Asia/Tokyo")
	require.NoError(t, err)

	f.seedBooking(t, f.items[0].ID, "Alice", "alice@example.com", "2024-06-01", "2024-06-03")

	// UTCでは6/1だが東京では6/2の朝
	asOf := time.Date(2024, 6, 1, 23, 30, 0, 0, time.UTC).In(tokyo)
	groups, err := f.sweep.CollectDueReminders(ctx, asOf)
	require.NoError(t, err)
	assert.Len(t, groups, 1)
}

func TestReminderSweep_SendDueReminders(t *testing.T) {
	tests := []struct {
		name       string
		notifyErr  error
		wantSent   int
		wantFailed int
	}{
		{name: "借り手ごとに1通送る", wantSent: 2},
		{name: "送信失敗は記録して処理を続ける", notifyErr: errors.New("smtp down"), wantFailed: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, "admin@example.com", "alice@example.com")
			f.notifier.err = tt.notifyErr
			ctx := traceCtx(t)

			f.seedBooking(t, f.items[0].ID, "Alice", "alice@example.com", "2024-06-01", "2024-06-02")
			f.seedBooking(t, f.items[1].ID, "Alice", "alice@example.com", "2024-06-01", "2024-06-03")
			f.seedBooking(t, f.items[2].ID, "Bob", "bob@example.com", "2024-06-01", "2024-06-03")

			report, err := f.sweep.SendDueReminders(ctx, d("2024-06-02"))
			require.NoError(t, err)

			assert.Equal(t, "2024-06-02", report.AsOf)
			assert.Equal(t, 2, report.Groups)
			assert.Equal(t, 3, report.Bookings)
			assert.Equal(t, tt.wantSent, report.Sent)
			assert.Equal(t, tt.wantFailed, report.Failed)
			assert.Len(t, report.Failures, tt.wantFailed)

			require.Len(t, f.notifier.sent, 2)
			first := f.notifier.sent[0]
			assert.Equal(t, model.NotificationKindReturnReminder, first.kind)
			assert.Equal(t, "alice@example.com", first.recipient)
			assert.Equal(t, []string{"admin@example.com"}, first.cc, "借り手自身はCCに含めない")
			assert.Len(t, first.payload.Lines, 2)

			assert.Equal(t, float64(tt.wantSent), testutil.ToFloat64(f.metrics.RemindersSent))
			assert.Equal(t, float64(tt.wantFailed), testutil.ToFloat64(f.metrics.NotifyFailures.WithLabelValues(string(model.NotificationKindReturnReminder))))
		})
	}
}

func TestReminderSweep_TriggerReminders(t *testing.T) {
	f := newFixture(t)
	ctx := traceCtx(t)
	f.seedBooking(t, f.items[0].ID, "Alice", "alice@example.com", "2024-06-01", "2024-06-02")

	_, err := f.sweep.TriggerReminders(ctx, user, d("2024-06-02"))
	assert.ErrorIs(t, err, model.ErrPermissionDenied)
	assert.Empty(t, f.notifier.sent)

	report, err := f.sweep.TriggerReminders(ctx, admin, d("2024-06-02"))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Sent)
}

func TestCatalog(t *testing.T) {
	f := newFixture(t)
	ctx := traceCtx(t)
	catalog := NewCatalog(f.repo)

	_, err := catalog.CreateItem(ctx, user, model.Item{Name: "Drone", Location: "Room 301"})
	assert.ErrorIs(t, err, model.ErrPermissionDenied)

	_, err = catalog.CreateItem(ctx, admin, model.Item{Name: " ", Location: "Room 301"})
	assert.ErrorIs(t, err, model.ErrInvalidItem)

	created, err := catalog.CreateItem(ctx, admin, model.Item{Name: " Drone ", Location: "Room 301"})
	require.NoError(t, err)
	assert.Equal(t, "Drone", created.Name)

	created.Location = "Room 302"
	updated, err := catalog.UpdateItem(ctx, admin, *created)
	require.NoError(t, err)
	assert.Equal(t, "Room 302", updated.Location)

	_, err = catalog.UpdateItem(ctx, admin, model.Item{ID: 999, Name: "Ghost", Location: "Nowhere"})
	assert.ErrorIs(t, err, model.ErrItemNotFound)

	got, err := catalog.GetItem(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "Room 302", got.Location)

	items, err := catalog.ListItems(ctx)
	require.NoError(t, err)
	assert.Len(t, items, len(f.items)+1)
}

// failingItemRepository は更新時に呼び出し元のサブセグメントを記録して失敗します
type failingItemRepository struct {
	repository.ItemRepository
	err error
	seg *xray.Segment
}

func (r *failingItemRepository) UpdateItem(ctx context.Context, item *model.Item) error {
	r.seg = xray.GetSegment(ctx)
	return r.err
}

func TestCatalog_UpdateItemMarksSegmentOnError(t *testing.T) {
	f := newFixture(t)
	repo := &failingItemRepository{ItemRepository: f.repo, err: errors.New("connection reset")}
	catalog := NewCatalog(repo)

	_, err := catalog.UpdateItem(traceCtx(t), admin, model.Item{ID: f.items[0].ID, Name: "Camera", Location: "Room 102"})
	require.ErrorIs(t, err, repo.err)

	require.NotNil(t, repo.seg)
	assert.Equal(t, "Catalog.UpdateItem", repo.seg.Name)
	assert.True(t, repo.seg.Fault, "リポジトリのエラーはサブセグメントに記録する")
}
