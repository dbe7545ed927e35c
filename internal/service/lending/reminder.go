package lending

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-xray-sdk-go/xray"
	"github.com/uma-arai/sbcntr-lending/internal/metrics"
	"github.com/uma-arai/sbcntr-lending/internal/model"
	"github.com/uma-arai/sbcntr-lending/internal/notifier"
	"github.com/uma-arai/sbcntr-lending/internal/repository"
)

// ReminderGroup は1人の借り手にまとめて送るリマインド対象です
type ReminderGroup struct {
	BorrowerEmail string          `json:"borrower_email"`
	BorrowerName  string          `json:"borrower_name"`
	Bookings      []model.Booking `json:"bookings"`
	// Items は Bookings に含まれる備品(重複なし)です
	Items []model.Item `json:"items"`
}

// ReminderReport はリマインド送信の結果です
type ReminderReport struct {
	AsOf     string   `json:"as_of"`
	Groups   int      `json:"groups"`
	Bookings int      `json:"bookings"`
	Sent     int      `json:"sent"`
	Failed   int      `json:"failed"`
	Failures []string `json:"failures,omitempty"`
}

// ReminderSweep は返却日が近い予約の借り手にリマインドを送ります
type ReminderSweep struct {
	itemRepo    repository.ItemRepository
	bookingRepo repository.BookingRepository
	notifier    notifier.Notifier
	metrics     *metrics.Metrics
	admins      []string
}

func NewReminderSweep(
	itemRepo repository.ItemRepository,
	bookingRepo repository.BookingRepository,
	n notifier.Notifier,
	m *metrics.Metrics,
	admins []string,
) *ReminderSweep {
	if m == nil {
		m = metrics.NewNop()
	}
	return &ReminderSweep{
		itemRepo:    itemRepo,
		bookingRepo: bookingRepo,
		notifier:    n,
		metrics:     m,
		admins:      admins,
	}
}

// CollectDueReminders は返却日が asOf または翌日の予約を借り手ごとにまとめます
// 結果はメールアドレス・氏名の順に並びます
func (s *ReminderSweep) CollectDueReminders(ctx context.Context, asOf time.Time) ([]ReminderGroup, error) {
	ctx, seg := xray.BeginSubsegment(ctx, "ReminderSweep.CollectDueReminders")
	defer seg.Close(nil)

	from := model.Date(asOf)
	to := from.AddDate(0, 0, 1)

	bookings, err := s.bookingRepo.ListBookingsDue(ctx, from, to)
	if err != nil {
		seg.Close(err)
		return nil, fmt.Errorf("failed to list due bookings: %w", err)
	}

	// 重複がない備品IDをまとめて取得する
	itemIDs := make([]int64, 0, len(bookings))
	seenItem := make(map[int64]bool)
	for _, b := range bookings {
		if !seenItem[b.ItemID] {
			seenItem[b.ItemID] = true
			itemIDs = append(itemIDs, b.ItemID)
		}
	}
	items, err := s.itemRepo.FindItems(ctx, itemIDs)
	if err != nil {
		seg.Close(err)
		return nil, fmt.Errorf("failed to find items: %w", err)
	}

	type groupKey struct{ email, name string }
	index := make(map[groupKey]int)
	var groups []ReminderGroup
	for _, b := range bookings {
		if !b.Active() {
			continue
		}
		due := model.Date(b.ReturnDate)
		if due.Before(from) || due.After(to) {
			continue
		}

		key := groupKey{email: strings.ToLower(b.BorrowerEmail), name: b.BorrowerName}
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, ReminderGroup{BorrowerEmail: b.BorrowerEmail, BorrowerName: b.BorrowerName})
		}

		g := &groups[i]
		g.Bookings = append(g.Bookings, b)
		if item, ok := items[b.ItemID]; ok && !containsItem(g.Items, item.ID) {
			g.Items = append(g.Items, item)
		}
	}

	sort.SliceStable(groups, func(i, j int) bool {
		ei, ej := strings.ToLower(groups[i].BorrowerEmail), strings.ToLower(groups[j].BorrowerEmail)
		if ei != ej {
			return ei < ej
		}
		return groups[i].BorrowerName < groups[j].BorrowerName
	})
	for _, g := range groups {
		sort.SliceStable(g.Bookings, func(i, j int) bool {
			if !g.Bookings[i].ReturnDate.Equal(g.Bookings[j].ReturnDate) {
				return g.Bookings[i].ReturnDate.Before(g.Bookings[j].ReturnDate)
			}
			return g.Bookings[i].ID < g.Bookings[j].ID
		})
	}

	if err := seg.AddMetadata("group_count", len(groups)); err != nil {
		log.Printf("Failed to add group_count metadata: %v", err)
	}
	return groups, nil
}

// SendDueReminders は借り手ごとに1通のリマインドを送ります
// 送信失敗は記録するだけで再送しません
func (s *ReminderSweep) SendDueReminders(ctx context.Context, asOf time.Time) (*ReminderReport, error) {
	ctx, seg := xray.BeginSubsegment(ctx, "ReminderSweep.SendDueReminders")
	defer seg.Close(nil)

	groups, err := s.CollectDueReminders(ctx, asOf)
	if err != nil {
		seg.Close(err)
		return nil, err
	}

	report := &ReminderReport{AsOf: model.FormatDate(model.Date(asOf)), Groups: len(groups)}
	for _, g := range groups {
		report.Bookings += len(g.Bookings)

		items := make(map[int64]model.Item, len(g.Items))
		for _, item := range g.Items {
			items[item.ID] = item
		}
		payload := model.NotificationPayload{BorrowerName: g.BorrowerName}
		for _, b := range g.Bookings {
			var item *model.Item
			if found, ok := items[b.ItemID]; ok {
				item = &found
			}
			payload.Lines = append(payload.Lines, model.NewNotificationLine(b, item))
		}

		err := s.notifier.Send(ctx, model.NotificationKindReturnReminder, g.BorrowerEmail, ccList(s.admins, g.BorrowerEmail), payload)
		if err != nil {
			report.Failed++
			report.Failures = append(report.Failures, fmt.Sprintf("%s: %v", g.BorrowerEmail, err))
			s.metrics.NotifyFailures.WithLabelValues(string(model.NotificationKindReturnReminder)).Inc()
			log.Printf("Failed to send return reminder to %s: %v", g.BorrowerEmail, err)
			continue
		}
		report.Sent++
		s.metrics.RemindersSent.Inc()
	}

	log.Printf("Return reminders for %s: %d groups, %d sent, %d failed", report.AsOf, report.Groups, report.Sent, report.Failed)
	return report, nil
}

// TriggerReminders は管理者による手動実行です
func (s *ReminderSweep) TriggerReminders(ctx context.Context, actor model.Actor, asOf time.Time) (*ReminderReport, error) {
	if err := actor.RequireAdmin(); err != nil {
		return nil, err
	}
	return s.SendDueReminders(ctx, asOf)
}

func containsItem(items []model.Item, id int64) bool {
	for _, item := range items {
		if item.ID == id {
			return true
		}
	}
	return false
}
