package export

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/uma-arai/sbcntr-lending/internal/model"
	"github.com/xuri/excelize/v2"
)

const (
	sheetBookings = "Bookings"
	sheetCalendar = "Calendar"
	// maxCalendarDays を超える期間はカレンダーシートを切り詰めます
	maxCalendarDays = 366
)

var bookingHeaders = []string{
	"ID", "Item", "Location", "Borrower", "Email", "Phone", "Requested by",
	"Borrow date", "Return date", "Status", "Note", "Batch",
}

// WriteBookings は予約一覧とカレンダーの2シートを持つXLSXを w に書き出します
// from/to がゼロ値の場合は予約の最小・最大日付からカレンダーの期間を決めます
func WriteBookings(w io.Writer, bookings []model.Booking, items map[int64]model.Item, from, to time.Time) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", sheetBookings); err != nil {
		return fmt.Errorf("error renaming sheet: %w", err)
	}
	if err := writeBookingSheet(f, bookings, items); err != nil {
		return err
	}

	if _, err := f.NewSheet(sheetCalendar); err != nil {
		return fmt.Errorf("error creating sheet: %w", err)
	}
	if err := writeCalendarSheet(f, bookings, items, from, to); err != nil {
		return err
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("error writing xlsx: %w", err)
	}
	return nil
}

func writeBookingSheet(f *excelize.File, bookings []model.Booking, items map[int64]model.Item) error {
	header := make([]interface{}, len(bookingHeaders))
	for i, h := range bookingHeaders {
		header[i] = h
	}
	if err := f.SetSheetRow(sheetBookings, "A1", &header); err != nil {
		return fmt.Errorf("error writing header: %w", err)
	}

	style, err := f.NewStyle(&excelize.Style{
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#DDEBF7"}, Pattern: 1},
		Font: &excelize.Font{Bold: true},
	})
	if err == nil {
		last, _ := excelize.CoordinatesToCellName(len(bookingHeaders), 1)
		f.SetCellStyle(sheetBookings, "A1", last, style)
	}

	for i, b := range bookings {
		item := items[b.ItemID]
		row := []interface{}{
			b.ID, itemName(item, b.ItemID), item.Location, b.BorrowerName, b.BorrowerEmail, b.BorrowerPhone, b.UserEmail,
			model.FormatDate(b.BorrowDate), model.FormatDate(b.ReturnDate), string(b.Status), b.Note, b.BatchID,
		}
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := f.SetSheetRow(sheetBookings, cell, &row); err != nil {
			return fmt.Errorf("error writing booking %d: %w", b.ID, err)
		}
	}

	if err := f.SetColWidth(sheetBookings, "B", "G", 20); err != nil {
		return fmt.Errorf("error setting column width: %w", err)
	}
	return nil
}

// writeCalendarSheet は備品ごとの行、日付ごとの列で借り手を並べます
func writeCalendarSheet(f *excelize.File, bookings []model.Booking, items map[int64]model.Item, from, to time.Time) error {
	from, to = calendarRange(bookings, from, to)
	if from.IsZero() {
		return nil
	}

	f.SetCellValue(sheetCalendar, "A1", fmt.Sprintf("Period: %s - %s", model.FormatDate(from), model.FormatDate(to)))

	col := 2
	dateColumns := make(map[string]int)
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		cell, _ := excelize.CoordinatesToCellName(col, 2)
		f.SetCellValue(sheetCalendar, cell, d.Format("01-02"))
		dateColumns[model.FormatDate(d)] = col
		col++
	}

	ids := make([]int64, 0, len(items))
	for id := range items {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	rows := make(map[int64]int, len(ids))
	for i, id := range ids {
		rows[id] = i + 3
		cell, _ := excelize.CoordinatesToCellName(1, i+3)
		f.SetCellValue(sheetCalendar, cell, itemName(items[id], id))
	}

	cells := make(map[string][]string)
	for _, b := range bookings {
		row, ok := rows[b.ItemID]
		if !ok || !b.Active() {
			continue
		}
		for d := model.Date(b.BorrowDate); !d.After(model.Date(b.ReturnDate)); d = d.AddDate(0, 0, 1) {
			col, ok := dateColumns[model.FormatDate(d)]
			if !ok {
				continue
			}
			cell, _ := excelize.CoordinatesToCellName(col, row)
			cells[cell] = append(cells[cell], fmt.Sprintf("%s (%s)", b.BorrowerName, b.Status))
		}
	}
	for cell, names := range cells {
		f.SetCellValue(sheetCalendar, cell, strings.Join(names, "\n"))
	}

	return f.SetColWidth(sheetCalendar, "A", "A", 24)
}

func calendarRange(bookings []model.Booking, from, to time.Time) (time.Time, time.Time) {
	var minDate, maxDate time.Time
	for _, b := range bookings {
		if minDate.IsZero() || b.BorrowDate.Before(minDate) {
			minDate = b.BorrowDate
		}
		if maxDate.IsZero() || b.ReturnDate.After(maxDate) {
			maxDate = b.ReturnDate
		}
	}
	if from.IsZero() {
		from = minDate
	}
	if to.IsZero() {
		to = maxDate
	}
	if from.IsZero() || to.IsZero() || to.Before(from) {
		return time.Time{}, time.Time{}
	}

	from, to = model.Date(from), model.Date(to)
	if limit := from.AddDate(0, 0, maxCalendarDays-1); to.After(limit) {
		to = limit
	}
	return from, to
}

func itemName(item model.Item, id int64) string {
	if item.Name == "" {
		return fmt.Sprintf("item #%d", id)
	}
	return item.Name
}
