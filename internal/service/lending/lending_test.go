package lending

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-xray-sdk-go/xray"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uma-arai/sbcntr-lending/internal/metrics"
	"github.com/uma-arai/sbcntr-lending/internal/model"
	"github.com/uma-arai/sbcntr-lending/internal/repository"
)

var (
	admin = model.Actor{Email: "admin@example.com", IsAdmin: true}
	user  = model.Actor{Email: "alice@example.com"}
	alice = model.Borrower{Name: "Alice", Email: "alice@example.com", Phone: "090-1111-2222"}
)

// sentMessage は MockNotifier が受け取った通知です
type sentMessage struct {
	kind      model.NotificationKind
	recipient string
	cc        []string
	payload   model.NotificationPayload
}

// MockNotifier はテスト用のモック通知です
type MockNotifier struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (m *MockNotifier) Send(ctx context.Context, kind model.NotificationKind, recipient string, cc []string, payload model.NotificationPayload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sentMessage{kind: kind, recipient: recipient, cc: cc, payload: payload})
	return m.err
}

// spyBookingRepository は状態へのアクセス回数を記録します
type spyBookingRepository struct {
	*repository.MemoryRepository
	calls int
}

func (s *spyBookingRepository) UpdateBookingStatus(ctx context.Context, id int64, status model.BookingStatus, note string) (*model.Booking, bool, error) {
	s.calls++
	return s.MemoryRepository.UpdateBookingStatus(ctx, id, status, note)
}

func (s *spyBookingRepository) DeleteBooking(ctx context.Context, id int64) error {
	s.calls++
	return s.MemoryRepository.DeleteBooking(ctx, id)
}

func (s *spyBookingRepository) ListBookings(ctx context.Context, filter model.BookingFilter) ([]model.Booking, error) {
	s.calls++
	return s.MemoryRepository.ListBookings(ctx, filter)
}

type fixture struct {
	repo     *repository.MemoryRepository
	notifier *MockNotifier
	metrics  *metrics.Metrics
	manager  *Manager
	sweep    *ReminderSweep
	items    []model.Item
}

func newFixture(t *testing.T, admins ...string) *fixture {
	t.Helper()
	repo := repository.NewMemoryRepository()
	n := &MockNotifier{}
	m := metrics.New(prometheus.NewRegistry())

	f := &fixture{
		repo:     repo,
		notifier: n,
		metrics:  m,
		manager:  NewManager(repo, repo, n, m, admins),
		sweep:    NewReminderSweep(repo, repo, n, m, admins),
	}
	for _, name := range []string{"Camera", "Tripod", "Projector"} {
		item := model.Item{Name: name, Location: "Room 101"}
		require.NoError(t, repo.CreateItem(context.Background(), &item))
		f.items = append(f.items, item)
	}
	return f
}

func traceCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, seg := xray.BeginSegment(context.Background(), t.Name())
	t.Cleanup(func() { seg.Close(nil) })
	return ctx
}

func d(s string) time.Time {
	t, err := model.ParseDate(s)
	if err != nil {
		panic(err)
	}
	return t
}

func req(itemID int64, from, to string) model.BookingRequest {
	return model.BookingRequest{ItemID: itemID, BorrowDate: d(from), ReturnDate: d(to)}
}

func TestAvailabilityEngine_IsAvailable(t *testing.T) {
	ctx := traceCtx(t)
	f := newFixture(t)
	itemA := f.items[0].ID

	_, err := f.manager.SubmitBooking(ctx, user, alice, []model.BookingRequest{req(itemA, "2024-06-01", "2024-06-05")})
	require.NoError(t, err)

	engine := f.manager.Availability()
	tests := []struct {
		name    string
		itemID  int64
		from    string
		to      string
		want    bool
		wantErr error
	}{
		{name: "返却日と同日に開始は重複", itemID: itemA, from: "2024-06-05", to: "2024-06-06", want: false},
		{name: "翌日からは空いている", itemID: itemA, from: "2024-06-06", to: "2024-06-07", want: true},
		{name: "既存期間を包含", itemID: itemA, from: "2024-05-30", to: "2024-06-10", want: false},
		{name: "1日だけ", itemID: itemA, from: "2024-05-31", to: "2024-05-31", want: true},
		{name: "予約のない備品", itemID: f.items[1].ID, from: "2024-06-01", to: "2024-06-05", want: true},
		{name: "存在しない備品", itemID: 999, from: "2024-06-01", to: "2024-06-05", wantErr: model.ErrItemNotFound},
		{name: "返却日が貸出日より前", itemID: itemA, from: "2024-06-10", to: "2024-06-09", wantErr: model.ErrInvalidDateRange},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := engine.IsAvailable(ctx, tt.itemID, d(tt.from), d(tt.to))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	ranges, err := engine.BookedRanges(ctx, itemA)
	require.NoError(t, err)
	assert.Equal(t, []DateRange{{Start: d("2024-06-01"), End: d("2024-06-05"), Status: model.BookingStatusBooked}}, ranges)
}

func TestManager_SubmitBooking(t *testing.T) {
	ctx := traceCtx(t)

	t.Run("確定した予約は1通にまとめて通知", func(t *testing.T) {
		f := newFixture(t, "admin@example.com", "ALICE@example.com", "admin@example.com", "ops@example.com")

		bookings, err := f.manager.SubmitBooking(ctx, user, alice, []model.BookingRequest{
			req(f.items[0].ID, "2024-06-01", "2024-06-05"),
			req(f.items[1].ID, "2024-06-01", "2024-06-05"),
		})
		require.NoError(t, err)
		require.Len(t, bookings, 2)
		assert.Equal(t, bookings[0].BatchID, bookings[1].BatchID)
		assert.NotEmpty(t, bookings[0].BatchID)
		assert.Equal(t, user.Email, bookings[0].UserEmail)
		assert.Equal(t, model.BookingStatusBooked, bookings[0].Status)

		require.Len(t, f.notifier.sent, 1)
		msg := f.notifier.sent[0]
		assert.Equal(t, model.NotificationKindBookingConfirmation, msg.kind)
		assert.Equal(t, alice.Email, msg.recipient)
		assert.Equal(t, []string{"admin@example.com", "ops@example.com"}, msg.cc)
		assert.Len(t, msg.payload.Lines, 2)
		assert.Equal(t, "Camera", msg.payload.Lines[0].ItemName)

		assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.BookingsSubmitted.WithLabelValues(metrics.ResultBooked)))
	})

	t.Run("k番目の備品が重複すると1件も登録しない", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.manager.SubmitBooking(ctx, user, alice, []model.BookingRequest{req(f.items[2].ID, "2024-06-03", "2024-06-04")})
		require.NoError(t, err)
		f.notifier.sent = nil

		_, err = f.manager.SubmitBooking(ctx, user, alice, []model.BookingRequest{
			req(f.items[0].ID, "2024-06-01", "2024-06-05"),
			req(f.items[1].ID, "2024-06-01", "2024-06-05"),
			req(f.items[2].ID, "2024-06-01", "2024-06-05"),
		})
		assert.ErrorIs(t, err, model.ErrBookingConflict)
		var conflict *model.BookingConflictError
		require.True(t, errors.As(err, &conflict))
		assert.Equal(t, f.items[2].ID, conflict.ItemID)

		all, err := f.repo.ListBookings(ctx, model.BookingFilter{})
		require.NoError(t, err)
		assert.Len(t, all, 1)
		assert.Empty(t, f.notifier.sent)
		assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.BookingConflicts))
	})

	t.Run("期間が重ならなければ続けて予約できる", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.manager.SubmitBooking(ctx, user, alice, []model.BookingRequest{req(f.items[0].ID, "2024-06-01", "2024-06-05")})
		require.NoError(t, err)
		_, err = f.manager.SubmitBooking(ctx, user, alice, []model.BookingRequest{req(f.items[0].ID, "2024-06-06", "2024-06-07")})
		assert.NoError(t, err)
		_, err = f.manager.SubmitBooking(ctx, user, alice, []model.BookingRequest{req(f.items[0].ID, "2024-06-05", "2024-06-06")})
		assert.ErrorIs(t, err, model.ErrBookingConflict)
	})

	t.Run("同じバッチ内で同じ備品の期間が重なる", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.manager.SubmitBooking(ctx, user, alice, []model.BookingRequest{
			req(f.items[0].ID, "2024-06-01", "2024-06-05"),
			req(f.items[0].ID, "2024-06-04", "2024-06-08"),
		})
		assert.ErrorIs(t, err, model.ErrBookingConflict)
	})

	t.Run("入力エラー", func(t *testing.T) {
		f := newFixture(t)
		tests := []struct {
			name     string
			actor    model.Actor
			borrower model.Borrower
			lines    []model.BookingRequest
			wantErr  error
		}{
			{name: "空のカート", actor: user, borrower: alice, wantErr: model.ErrEmptyRequest},
			{name: "存在しない備品", actor: user, borrower: alice, lines: []model.BookingRequest{req(999, "2024-06-01", "2024-06-02")}, wantErr: model.ErrItemNotFound},
			{name: "返却日が前", actor: user, borrower: alice, lines: []model.BookingRequest{req(f.items[0].ID, "2024-06-05", "2024-06-01")}, wantErr: model.ErrInvalidDateRange},
			{name: "メールアドレス不正", actor: user, borrower: model.Borrower{Name: "Bob", Email: "bob", Phone: "1"}, lines: []model.BookingRequest{req(f.items[0].ID, "2024-06-01", "2024-06-02")}, wantErr: model.ErrInvalidBorrower},
			{name: "未認証", actor: model.Actor{}, borrower: alice, lines: []model.BookingRequest{req(f.items[0].ID, "2024-06-01", "2024-06-02")}, wantErr: model.ErrPermissionDenied},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := f.manager.SubmitBooking(ctx, tt.actor, tt.borrower, tt.lines)
				assert.ErrorIs(t, err, tt.wantErr)
			})
		}

		all, err := f.repo.ListBookings(ctx, model.BookingFilter{})
		require.NoError(t, err)
		assert.Empty(t, all)
	})

	t.Run("通知に失敗しても予約は確定", func(t *testing.T) {
		f := newFixture(t)
		f.notifier.err = model.ErrNotify

		bookings, err := f.manager.SubmitBooking(ctx, user, alice, []model.BookingRequest{req(f.items[0].ID, "2024-06-01", "2024-06-05")})
		require.NoError(t, err)
		require.Len(t, bookings, 1)

		stored, err := f.repo.GetBooking(ctx, bookings[0].ID)
		require.NoError(t, err)
		assert.Equal(t, model.BookingStatusBooked, stored.Status)
		assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.NotifyFailures.WithLabelValues(string(model.NotificationKindBookingConfirmation))))
	})
}

func TestManager_SubmitBooking_Concurrent(t *testing.T) {
	ctx := traceCtx(t)
	f := newFixture(t)

	const workers = 20
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		conflicts int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// 全員が6/3を含む期間を申請する
			from := d("2024-06-01").AddDate(0, 0, i%3)
			_, err := f.manager.SubmitBooking(ctx, user, alice, []model.BookingRequest{
				{ItemID: f.items[0].ID, BorrowDate: from, ReturnDate: d("2024-06-03")},
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, model.ErrBookingConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, workers-1, conflicts)
}

func TestManager_Lifecycle(t *testing.T) {
	ctx := traceCtx(t)

	submit := func(t *testing.T, f *fixture) model.Booking {
		t.Helper()
		bookings, err := f.manager.SubmitBooking(ctx, user, alice, []model.BookingRequest{req(f.items[0].ID, "2024-06-01", "2024-06-05")})
		require.NoError(t, err)
		return bookings[0]
	}

	t.Run("貸出から返却、返却後は同じ期間を予約できる", func(t *testing.T) {
		f := newFixture(t)
		b := submit(t, f)

		lent, err := f.manager.MarkLent(ctx, admin, b.ID)
		require.NoError(t, err)
		assert.Equal(t, model.BookingStatusLent, lent.Status)

		again, err := f.manager.MarkLent(ctx, admin, b.ID)
		require.NoError(t, err, "貸出済みへの再実行は冪等")
		assert.Equal(t, model.BookingStatusLent, again.Status)

		returned, err := f.manager.MarkReturned(ctx, admin, b.ID)
		require.NoError(t, err)
		assert.Equal(t, model.BookingStatusReturned, returned.Status)

		_, err = f.manager.MarkReturned(ctx, admin, b.ID)
		assert.NoError(t, err)

		_, err = f.manager.MarkLent(ctx, admin, b.ID)
		assert.ErrorIs(t, err, model.ErrInvalidTransition)

		_, err = f.manager.SubmitBooking(ctx, user, alice, []model.BookingRequest{req(f.items[0].ID, "2024-06-01", "2024-06-05")})
		assert.NoError(t, err)

		assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.StatusChanges.WithLabelValues(string(model.BookingStatusLent))))
	})

	t.Run("予約中のまま返却できる", func(t *testing.T) {
		f := newFixture(t)
		b := submit(t, f)
		returned, err := f.manager.MarkReturned(ctx, admin, b.ID)
		require.NoError(t, err)
		assert.Equal(t, model.BookingStatusReturned, returned.Status)
	})

	t.Run("却下は理由を保存して通知", func(t *testing.T) {
		f := newFixture(t, "admin@example.com")
		b := submit(t, f)
		f.notifier.sent = nil

		denied, err := f.manager.DenyBooking(ctx, admin, b.ID, "  under maintenance ")
		require.NoError(t, err)
		assert.Equal(t, model.BookingStatusDenied, denied.Status)
		assert.Equal(t, "under maintenance", denied.Note)

		require.Len(t, f.notifier.sent, 1)
		msg := f.notifier.sent[0]
		assert.Equal(t, model.NotificationKindDenial, msg.kind)
		assert.Equal(t, alice.Email, msg.recipient)
		assert.Equal(t, []string{"admin@example.com"}, msg.cc)
		assert.Equal(t, "under maintenance", msg.payload.Note)

		_, err = f.manager.DenyBooking(ctx, admin, b.ID, "again")
		require.NoError(t, err)
		assert.Len(t, f.notifier.sent, 1, "却下済みには再通知しない")

		_, err = f.manager.MarkReturned(ctx, admin, b.ID)
		assert.ErrorIs(t, err, model.ErrInvalidTransition)

		ok, err := f.manager.Availability().IsAvailable(ctx, f.items[0].ID, d("2024-06-01"), d("2024-06-05"))
		require.NoError(t, err)
		assert.True(t, ok, "却下された予約は空き状況に影響しない")
	})

	t.Run("存在しない予約", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.manager.MarkLent(ctx, admin, 999)
		assert.ErrorIs(t, err, model.ErrNotFound)
		assert.ErrorIs(t, f.manager.DeleteBooking(ctx, admin, 999), model.ErrNotFound)
	})

	t.Run("削除", func(t *testing.T) {
		f := newFixture(t)
		b := submit(t, f)
		require.NoError(t, f.manager.DeleteBooking(ctx, admin, b.ID))
		_, err := f.repo.GetBooking(ctx, b.ID)
		assert.ErrorIs(t, err, model.ErrNotFound)
	})
}

func TestManager_RequiresAdminBeforeStateAccess(t *testing.T) {
	ctx := traceCtx(t)
	repo := repository.NewMemoryRepository()
	spy := &spyBookingRepository{MemoryRepository: repo}
	manager := NewManager(repo, spy, &MockNotifier{}, nil, nil)

	tests := []struct {
		name string
		call func() error
	}{
		{name: "MarkLent", call: func() error { _, err := manager.MarkLent(ctx, user, 1); return err }},
		{name: "MarkReturned", call: func() error { _, err := manager.MarkReturned(ctx, user, 1); return err }},
		{name: "DenyBooking", call: func() error { _, err := manager.DenyBooking(ctx, user, 1, ""); return err }},
		{name: "DeleteBooking", call: func() error { return manager.DeleteBooking(ctx, user, 1) }},
		{name: "ListBookings", call: func() error { _, err := manager.ListBookings(ctx, user, model.BookingFilter{}); return err }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.call(), model.ErrPermissionDenied)
		})
	}
	assert.Zero(t, spy.calls)
}

func TestManager_BookingsForUser(t *testing.T) {
	ctx := traceCtx(t)
	f := newFixture(t)

	_, err := f.manager.SubmitBooking(ctx, user, alice, []model.BookingRequest{req(f.items[0].ID, "2024-06-01", "2024-06-05")})
	require.NoError(t, err)
	bob := model.Actor{Email: "bob@example.com"}
	_, err = f.manager.SubmitBooking(ctx, bob, alice, []model.BookingRequest{req(f.items[1].ID, "2024-06-01", "2024-06-05")})
	require.NoError(t, err)

	mine, err := f.manager.BookingsForUser(ctx, model.Actor{Email: "ALICE@example.com"})
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, f.items[0].ID, mine[0].ItemID)

	all, err := f.manager.ListBookings(ctx, admin, model.BookingFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestCcList(t *testing.T) {
	tests := []struct {
		name      string
		admins    []string
		recipient string
		want      []string
	}{
		{name: "配信リストなし", recipient: "a@example.com", want: []string{}},
		{name: "本人を除外", admins: []string{"A@example.com", "b@example.com"}, recipient: "a@example.com", want: []string{"b@example.com"}},
		{name: "重複と空文字を除外", admins: []string{"b@example.com", " ", "B@example.com "}, recipient: "a@example.com", want: []string{"b@example.com"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ccList(tt.admins, tt.recipient))
		})
	}
}
