package api

import (
	"log"

	"github.com/kataras/iris/v12"
	"github.com/uma-arai/sbcntr-lending/internal/model"
)

type lineInput struct {
	ItemID     int64  `json:"item_id" validate:"required,gt=0"`
	BorrowDate string `json:"borrow_date" validate:"required"`
	ReturnDate string `json:"return_date" validate:"required"`
}

func (in lineInput) toRequest() (model.BookingRequest, error) {
	start, err := parseDate(in.BorrowDate)
	if err != nil {
		return model.BookingRequest{}, err
	}
	end, err := parseDate(in.ReturnDate)
	if err != nil {
		return model.BookingRequest{}, err
	}
	return model.BookingRequest{ItemID: in.ItemID, BorrowDate: start, ReturnDate: end}, nil
}

type submitInput struct {
	Borrower model.Borrower `json:"borrower"`
	Lines    []lineInput    `json:"lines" validate:"dive"`
}

// GET /api/cart
func (h *handler) GetCart(ctx iris.Context) {
	c, err := h.carts.Get(ctx.Request().Context(), actorFrom(ctx).Email)
	if err != nil {
		writeError(ctx, err)
		return
	}
	JSONData(ctx, iris.StatusOK, c)
}

// POST /api/cart/items
func (h *handler) AddCartItem(ctx iris.Context) {
	var in lineInput
	if err := ctx.ReadJSON(&in); err != nil {
		JSONError(ctx, iris.StatusBadRequest, "invalid_payload", err.Error())
		return
	}
	line, err := in.toRequest()
	if err != nil {
		writeError(ctx, err)
		return
	}

	reqCtx := ctx.Request().Context()
	owner := actorFrom(ctx).Email
	// 存在しない備品はカートに入れない
	if _, err := h.catalog.GetItem(reqCtx, line.ItemID); err != nil {
		writeError(ctx, err)
		return
	}

	c, err := h.carts.Get(reqCtx, owner)
	if err != nil {
		writeError(ctx, err)
		return
	}
	if err := c.Add(line); err != nil {
		writeError(ctx, err)
		return
	}
	if err := h.carts.Save(reqCtx, owner, c); err != nil {
		writeError(ctx, err)
		return
	}
	JSONData(ctx, iris.StatusOK, c)
}

// DELETE /api/cart/items/{itemId}
func (h *handler) RemoveCartItem(ctx iris.Context) {
	itemID, err := ctx.Params().GetInt64("itemId")
	if err != nil {
		JSONError(ctx, iris.StatusBadRequest, "invalid_id", "invalid id")
		return
	}

	reqCtx := ctx.Request().Context()
	owner := actorFrom(ctx).Email
	c, err := h.carts.Get(reqCtx, owner)
	if err != nil {
		writeError(ctx, err)
		return
	}
	if !c.Remove(itemID) {
		JSONError(ctx, iris.StatusNotFound, "not_found", "item is not in the cart")
		return
	}
	if err := h.carts.Save(reqCtx, owner, c); err != nil {
		writeError(ctx, err)
		return
	}
	JSONData(ctx, iris.StatusOK, c)
}

// PUT /api/cart/borrower
func (h *handler) SetCartBorrower(ctx iris.Context) {
	var in model.Borrower
	if err := ctx.ReadJSON(&in); err != nil {
		JSONError(ctx, iris.StatusBadRequest, "invalid_borrower", err.Error())
		return
	}

	reqCtx := ctx.Request().Context()
	owner := actorFrom(ctx).Email
	c, err := h.carts.Get(reqCtx, owner)
	if err != nil {
		writeError(ctx, err)
		return
	}
	if err := c.SetBorrower(in); err != nil {
		writeError(ctx, err)
		return
	}
	if err := h.carts.Save(reqCtx, owner, c); err != nil {
		writeError(ctx, err)
		return
	}
	JSONData(ctx, iris.StatusOK, c)
}

// POST /api/cart/checkout
// 予約に失敗した場合はカートを残し、利用者が修正して再送できるようにします
func (h *handler) Checkout(ctx iris.Context) {
	reqCtx := ctx.Request().Context()
	actor := actorFrom(ctx)

	c, err := h.carts.Get(reqCtx, actor.Email)
	if err != nil {
		writeError(ctx, err)
		return
	}
	borrower, lines, err := c.Requests()
	if err != nil {
		writeError(ctx, err)
		return
	}

	bookings, err := h.manager.SubmitBooking(reqCtx, actor, borrower, lines)
	if err != nil {
		writeError(ctx, err)
		return
	}
	if err := h.carts.Clear(reqCtx, actor.Email); err != nil {
		// 予約は確定済みのため失敗にはしない
		log.Printf("Failed to clear cart for %s: %v", actor.Email, err)
	}
	JSONData(ctx, iris.StatusCreated, bookings)
}

// POST /api/bookings
func (h *handler) SubmitBooking(ctx iris.Context) {
	var in submitInput
	if err := ctx.ReadJSON(&in); err != nil {
		JSONError(ctx, iris.StatusBadRequest, "invalid_payload", err.Error())
		return
	}

	lines := make([]model.BookingRequest, 0, len(in.Lines))
	for _, l := range in.Lines {
		line, err := l.toRequest()
		if err != nil {
			writeError(ctx, err)
			return
		}
		lines = append(lines, line)
	}

	bookings, err := h.manager.SubmitBooking(ctx.Request().Context(), actorFrom(ctx), in.Borrower, lines)
	if err != nil {
		writeError(ctx, err)
		return
	}
	JSONData(ctx, iris.StatusCreated, bookings)
}

// GET /api/bookings/mine
func (h *handler) MyBookings(ctx iris.Context) {
	bookings, err := h.manager.BookingsForUser(ctx.Request().Context(), actorFrom(ctx))
	if err != nil {
		writeError(ctx, err)
		return
	}
	JSONData(ctx, iris.StatusOK, bookings)
}
