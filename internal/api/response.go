package api

import (
	"errors"
	"log"

	"github.com/kataras/iris/v12"
	"github.com/uma-arai/sbcntr-lending/internal/model"
)

// JSONError はエラーレスポンスを返します
func JSONError(ctx iris.Context, status int, code, message string) {
	ctx.StopWithJSON(status, iris.Map{"error": code, "message": message})
}

// JSONData は data をエンベロープに包んで返します
func JSONData(ctx iris.Context, status int, data interface{}) {
	ctx.StatusCode(status)
	ctx.JSON(iris.Map{"data": data})
}

// writeError はドメインエラーをHTTPステータスに変換します
func writeError(ctx iris.Context, err error) {
	var conflict *model.BookingConflictError
	switch {
	case errors.As(err, &conflict):
		ctx.StopWithJSON(iris.StatusConflict, iris.Map{
			"error":          "booking_conflict",
			"message":        err.Error(),
			"item_id":        conflict.ItemID,
			"conflicting_id": conflict.ConflictingID,
		})
	case errors.Is(err, model.ErrBookingConflict):
		JSONError(ctx, iris.StatusConflict, "booking_conflict", err.Error())
	case errors.Is(err, model.ErrPermissionDenied):
		JSONError(ctx, iris.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, model.ErrItemNotFound):
		JSONError(ctx, iris.StatusNotFound, "item_not_found", err.Error())
	case errors.Is(err, model.ErrNotFound):
		JSONError(ctx, iris.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, model.ErrInvalidTransition):
		JSONError(ctx, iris.StatusConflict, "invalid_transition", err.Error())
	case errors.Is(err, model.ErrInvalidDate):
		JSONError(ctx, iris.StatusBadRequest, "invalid_date", err.Error())
	case errors.Is(err, model.ErrInvalidDateRange):
		JSONError(ctx, iris.StatusBadRequest, "invalid_date_range", err.Error())
	case errors.Is(err, model.ErrEmptyRequest):
		JSONError(ctx, iris.StatusBadRequest, "empty_request", err.Error())
	case errors.Is(err, model.ErrInvalidBorrower):
		JSONError(ctx, iris.StatusBadRequest, "invalid_borrower", err.Error())
	case errors.Is(err, model.ErrInvalidItem):
		JSONError(ctx, iris.StatusBadRequest, "invalid_item", err.Error())
	default:
		log.Printf("Request %s %s failed: %v", ctx.Method(), ctx.Path(), err)
		JSONError(ctx, iris.StatusInternalServerError, "server_error", "internal server error")
	}
}
