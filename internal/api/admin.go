package api

import (
	"fmt"
	"log"
	"strings"

	"github.com/kataras/iris/v12"
	"github.com/uma-arai/sbcntr-lending/internal/export"
	"github.com/uma-arai/sbcntr-lending/internal/model"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// bookingFilter はクエリ文字列から検索条件を組み立てます
// status はカンマ区切りで複数指定できます
func bookingFilter(ctx iris.Context) (model.BookingFilter, error) {
	filter := model.BookingFilter{
		ItemID:        ctx.URLParamInt64Default("item_id", 0),
		BorrowerEmail: strings.TrimSpace(ctx.URLParam("borrower_email")),
		UserEmail:     strings.TrimSpace(ctx.URLParam("user_email")),
	}

	for _, s := range strings.Split(ctx.URLParam("status"), ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		status := model.BookingStatus(s)
		if !status.Valid() {
			return filter, fmt.Errorf("unknown status: %s", s)
		}
		filter.Statuses = append(filter.Statuses, status)
	}

	var err error
	if v := ctx.URLParam("from"); v != "" {
		if filter.From, err = parseDate(v); err != nil {
			return filter, err
		}
	}
	if v := ctx.URLParam("to"); v != "" {
		if filter.To, err = parseDate(v); err != nil {
			return filter, err
		}
	}
	return filter, nil
}

// GET /api/admin/bookings
func (h *handler) AdminListBookings(ctx iris.Context) {
	filter, err := bookingFilter(ctx)
	if err != nil {
		JSONError(ctx, iris.StatusBadRequest, "invalid_filter", err.Error())
		return
	}
	bookings, err := h.manager.ListBookings(ctx.Request().Context(), actorFrom(ctx), filter)
	if err != nil {
		writeError(ctx, err)
		return
	}
	JSONData(ctx, iris.StatusOK, bookings)
}

// GET /api/admin/bookings/export
// 検索条件は一覧と同じで、from/to はカレンダーシートの期間にも使います
func (h *handler) AdminExportBookings(ctx iris.Context) {
	filter, err := bookingFilter(ctx)
	if err != nil {
		JSONError(ctx, iris.StatusBadRequest, "invalid_filter", err.Error())
		return
	}

	reqCtx := ctx.Request().Context()
	bookings, err := h.manager.ListBookings(reqCtx, actorFrom(ctx), filter)
	if err != nil {
		writeError(ctx, err)
		return
	}
	items, err := h.catalog.ListItems(reqCtx)
	if err != nil {
		writeError(ctx, err)
		return
	}
	itemMap := make(map[int64]model.Item, len(items))
	for _, item := range items {
		itemMap[item.ID] = item
	}

	filename := fmt.Sprintf("bookings-%s.xlsx", h.now().In(h.location).Format("20060102"))
	ctx.ContentType(xlsxContentType)
	ctx.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	if err := export.WriteBookings(ctx, bookings, itemMap, filter.From, filter.To); err != nil {
		log.Printf("Failed to export bookings: %v", err)
		ctx.StopWithStatus(iris.StatusInternalServerError)
	}
}

// POST /api/admin/bookings/{id}/lend
func (h *handler) AdminLend(ctx iris.Context) {
	id, err := ctx.Params().GetInt64("id")
	if err != nil {
		JSONError(ctx, iris.StatusBadRequest, "invalid_id", "invalid id")
		return
	}
	booking, err := h.manager.MarkLent(ctx.Request().Context(), actorFrom(ctx), id)
	if err != nil {
		writeError(ctx, err)
		return
	}
	JSONData(ctx, iris.StatusOK, booking)
}

// POST /api/admin/bookings/{id}/return
func (h *handler) AdminReturn(ctx iris.Context) {
	id, err := ctx.Params().GetInt64("id")
	if err != nil {
		JSONError(ctx, iris.StatusBadRequest, "invalid_id", "invalid id")
		return
	}
	booking, err := h.manager.MarkReturned(ctx.Request().Context(), actorFrom(ctx), id)
	if err != nil {
		writeError(ctx, err)
		return
	}
	JSONData(ctx, iris.StatusOK, booking)
}

// POST /api/admin/bookings/{id}/deny { note }
func (h *handler) AdminDeny(ctx iris.Context) {
	id, err := ctx.Params().GetInt64("id")
	if err != nil {
		JSONError(ctx, iris.StatusBadRequest, "invalid_id", "invalid id")
		return
	}
	var body struct {
		Note string `json:"note"`
	}
	// note は任意なので本文なしも受け付ける(chunked では長さが分からない)
	if err := ctx.ReadJSON(&body); err != nil && !iris.IsErrEmptyJSON(err) {
		JSONError(ctx, iris.StatusBadRequest, "invalid_payload", err.Error())
		return
	}
	booking, err := h.manager.DenyBooking(ctx.Request().Context(), actorFrom(ctx), id, body.Note)
	if err != nil {
		writeError(ctx, err)
		return
	}
	JSONData(ctx, iris.StatusOK, booking)
}

// DELETE /api/admin/bookings/{id}
func (h *handler) AdminDelete(ctx iris.Context) {
	id, err := ctx.Params().GetInt64("id")
	if err != nil {
		JSONError(ctx, iris.StatusBadRequest, "invalid_id", "invalid id")
		return
	}
	if err := h.manager.DeleteBooking(ctx.Request().Context(), actorFrom(ctx), id); err != nil {
		writeError(ctx, err)
		return
	}
	ctx.StatusCode(iris.StatusNoContent)
}

// POST /api/admin/reminders?as_of=YYYY-MM-DD
// as_of を省略した場合は設定タイムゾーンの今日を基準日にします
func (h *handler) AdminTriggerReminders(ctx iris.Context) {
	asOf := h.now().In(h.location)
	if v := ctx.URLParam("as_of"); v != "" {
		d, err := parseDate(v)
		if err != nil {
			writeError(ctx, err)
			return
		}
		asOf = d
	}

	report, err := h.sweep.TriggerReminders(ctx.Request().Context(), actorFrom(ctx), asOf)
	if err != nil {
		writeError(ctx, err)
		return
	}
	JSONData(ctx, iris.StatusOK, report)
}
