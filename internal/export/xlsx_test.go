package export

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uma-arai/sbcntr-lending/internal/model"
	"github.com/xuri/excelize/v2"
)

func date(s string) time.Time {
	d, _ := model.ParseDate(s)
	return d
}

func TestWriteBookings(t *testing.T) {
	items := map[int64]model.Item{
		1: {ID: 1, Name: "Camera", Location: "Room 101"},
		2: {ID: 2, Name: "Tripod", Location: "Room 102"},
	}
	bookings := []model.Booking{
		{ID: 10, ItemID: 1, BorrowerName: "Alice", BorrowerEmail: "alice@example.com", BorrowDate: date("2024-06-01"), ReturnDate: date("2024-06-03"), Status: model.BookingStatusBooked},
		{ID: 11, ItemID: 2, BorrowerName: "Bob", BorrowerEmail: "bob@example.com", BorrowDate: date("2024-06-02"), ReturnDate: date("2024-06-02"), Status: model.BookingStatusReturned},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteBookings(&buf, bookings, items, time.Time{}, time.Time{}))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, []string{sheetBookings, sheetCalendar}, f.GetSheetList())

	rows, err := f.GetRows(sheetBookings)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "ID", rows[0][0])
	assert.Equal(t, []string{"10", "Camera", "Room 101", "Alice", "alice@example.com"}, rows[1][:5])
	assert.Equal(t, "2024-06-01", rows[1][7])
	assert.Equal(t, "returned", rows[2][9])

	period, err := f.GetCellValue(sheetCalendar, "A1")
	require.NoError(t, err)
	assert.Equal(t, "Period: 2024-06-01 - 2024-06-03", period)

	// B3 は Camera の 06-01、返却済みの予約はカレンダーに載せない
	camera, err := f.GetCellValue(sheetCalendar, "B3")
	require.NoError(t, err)
	assert.Equal(t, "Alice (booked)", camera)
	tripod, err := f.GetCellValue(sheetCalendar, "C4")
	require.NoError(t, err)
	assert.Empty(t, tripod)
}

func TestCalendarRange(t *testing.T) {
	bookings := []model.Booking{{BorrowDate: date("2024-06-05"), ReturnDate: date("2024-06-07")}}

	from, to := calendarRange(bookings, date("2024-06-01"), time.Time{})
	assert.Equal(t, date("2024-06-01"), from)
	assert.Equal(t, date("2024-06-07"), to)

	from, to = calendarRange(nil, time.Time{}, time.Time{})
	assert.True(t, from.IsZero())
	assert.True(t, to.IsZero())

	from, to = calendarRange(nil, date("2024-01-01"), date("2026-01-01"))
	assert.Equal(t, date("2024-01-01").AddDate(0, 0, maxCalendarDays-1), to)
	assert.Equal(t, date("2024-01-01"), from)
}
