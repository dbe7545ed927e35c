package api

import (
	"fmt"
	"time"

	"github.com/kataras/iris/v12"
	"github.com/uma-arai/sbcntr-lending/internal/model"
	"github.com/uma-arai/sbcntr-lending/internal/service/lending"
)

// GET /api/items
func (h *handler) ListItems(ctx iris.Context) {
	items, err := h.catalog.ListItems(ctx.Request().Context())
	if err != nil {
		writeError(ctx, err)
		return
	}
	JSONData(ctx, iris.StatusOK, items)
}

// GET /api/items/{id}
func (h *handler) GetItem(ctx iris.Context) {
	id, err := ctx.Params().GetInt64("id")
	if err != nil {
		JSONError(ctx, iris.StatusBadRequest, "invalid_id", "invalid id")
		return
	}
	item, err := h.catalog.GetItem(ctx.Request().Context(), id)
	if err != nil {
		writeError(ctx, err)
		return
	}
	JSONData(ctx, iris.StatusOK, item)
}

// GET /api/items/{id}/availability?from=YYYY-MM-DD&to=YYYY-MM-DD
func (h *handler) CheckAvailability(ctx iris.Context) {
	id, err := ctx.Params().GetInt64("id")
	if err != nil {
		JSONError(ctx, iris.StatusBadRequest, "invalid_id", "invalid id")
		return
	}
	from, err := parseDate(ctx.URLParam("from"))
	if err != nil {
		writeError(ctx, err)
		return
	}
	to, err := parseDate(ctx.URLParam("to"))
	if err != nil {
		writeError(ctx, err)
		return
	}

	conflicts, err := h.manager.Availability().Conflicts(ctx.Request().Context(), id, from, to)
	if err != nil {
		writeError(ctx, err)
		return
	}

	// 他の借り手の連絡先は返さない
	ranges := make([]lending.DateRange, 0, len(conflicts))
	for _, b := range conflicts {
		ranges = append(ranges, lending.DateRange{Start: b.BorrowDate, End: b.ReturnDate, Status: b.Status})
	}
	JSONData(ctx, iris.StatusOK, iris.Map{
		"item_id":   id,
		"from":      model.FormatDate(from),
		"to":        model.FormatDate(to),
		"available": len(conflicts) == 0,
		"conflicts": ranges,
	})
}

// GET /api/items/{id}/booked
func (h *handler) BookedRanges(ctx iris.Context) {
	id, err := ctx.Params().GetInt64("id")
	if err != nil {
		JSONError(ctx, iris.StatusBadRequest, "invalid_id", "invalid id")
		return
	}
	ranges, err := h.manager.Availability().BookedRanges(ctx.Request().Context(), id)
	if err != nil {
		writeError(ctx, err)
		return
	}
	JSONData(ctx, iris.StatusOK, ranges)
}

type itemInput struct {
	Name       string `json:"name"`
	Location   string `json:"location"`
	ManualLink string `json:"manual_link"`
	PhotoPath  string `json:"photo_path"`
}

func (in itemInput) toItem(id int64) model.Item {
	return model.Item{
		ID:         id,
		Name:       in.Name,
		Location:   in.Location,
		ManualLink: in.ManualLink,
		PhotoPath:  in.PhotoPath,
	}
}

// POST /api/admin/items
func (h *handler) CreateItem(ctx iris.Context) {
	var in itemInput
	if err := ctx.ReadJSON(&in); err != nil {
		JSONError(ctx, iris.StatusBadRequest, "invalid_payload", err.Error())
		return
	}
	item, err := h.catalog.CreateItem(ctx.Request().Context(), actorFrom(ctx), in.toItem(0))
	if err != nil {
		writeError(ctx, err)
		return
	}
	JSONData(ctx, iris.StatusCreated, item)
}

// PUT /api/admin/items/{id}
func (h *handler) UpdateItem(ctx iris.Context) {
	id, err := ctx.Params().GetInt64("id")
	if err != nil {
		JSONError(ctx, iris.StatusBadRequest, "invalid_id", "invalid id")
		return
	}
	var in itemInput
	if err := ctx.ReadJSON(&in); err != nil {
		JSONError(ctx, iris.StatusBadRequest, "invalid_payload", err.Error())
		return
	}
	item, err := h.catalog.UpdateItem(ctx.Request().Context(), actorFrom(ctx), in.toItem(id))
	if err != nil {
		writeError(ctx, err)
		return
	}
	JSONData(ctx, iris.StatusOK, item)
}

// parseDate は YYYY-MM-DD を暦日に変換し、不正な値は ErrInvalidDate として返します
func parseDate(s string) (time.Time, error) {
	t, err := model.ParseDate(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", model.ErrInvalidDate, err)
	}
	return t, nil
}
