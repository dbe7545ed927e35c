package api

import (
	"log"
	"time"

	"github.com/aws/aws-xray-sdk-go/xray"
	"github.com/go-playground/validator/v10"
	"github.com/kataras/iris/v12"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/uma-arai/sbcntr-lending/internal/cart"
	"github.com/uma-arai/sbcntr-lending/internal/service/lending"
)

const serviceName = "sbcntr-lending-api"

// Deps はAPIが利用するサービスです
type Deps struct {
	Catalog  *lending.Catalog
	Manager  *lending.Manager
	Sweep    *lending.ReminderSweep
	Carts    cart.Store
	Gatherer prometheus.Gatherer
	// AccessTokenSecret はアクセストークンの HS256 鍵です
	AccessTokenSecret string
	// Location はリマインドの基準日を決めるタイムゾーンです
	Location *time.Location
	Now      func() time.Time
}

type handler struct {
	catalog  *lending.Catalog
	manager  *lending.Manager
	sweep    *lending.ReminderSweep
	carts    cart.Store
	location *time.Location
	now      func() time.Time
}

// New はルーティング済みの iris.Application を作成します
func New(deps Deps) *iris.Application {
	h := &handler{
		catalog:  deps.Catalog,
		manager:  deps.Manager,
		sweep:    deps.Sweep,
		carts:    deps.Carts,
		location: deps.Location,
		now:      deps.Now,
	}
	if h.location == nil {
		h.location = time.UTC
	}
	if h.now == nil {
		h.now = time.Now
	}

	app := iris.New()
	app.Validator = validator.New()
	app.Use(TracingMiddleware)

	app.Get("/healthz", func(ctx iris.Context) {
		ctx.JSON(iris.Map{"status": "ok"})
	})
	if deps.Gatherer != nil {
		app.Get("/metrics", iris.FromStd(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	auth := newAccessTokenVerifier(deps.AccessTokenSecret)

	items := app.Party("/api/items")
	{
		items.Get("/", h.ListItems)
		items.Get("/{id:int64}", h.GetItem)
		items.Get("/{id:int64}/availability", h.CheckAvailability)
		items.Get("/{id:int64}/booked", h.BookedRanges)
	}

	user := app.Party("/api", auth, ActorMiddleware)
	{
		user.Get("/cart", h.GetCart)
		user.Post("/cart/items", h.AddCartItem)
		user.Delete("/cart/items/{itemId:int64}", h.RemoveCartItem)
		user.Put("/cart/borrower", h.SetCartBorrower)
		user.Post("/cart/checkout", h.Checkout)

		user.Post("/bookings", h.SubmitBooking)
		user.Get("/bookings/mine", h.MyBookings)
	}

	admin := app.Party("/api/admin", auth, ActorMiddleware, AdminOnlyMiddleware)
	{
		admin.Post("/items", h.CreateItem)
		admin.Put("/items/{id:int64}", h.UpdateItem)

		admin.Get("/bookings", h.AdminListBookings)
		admin.Get("/bookings/export", h.AdminExportBookings)
		admin.Post("/bookings/{id:int64}/lend", h.AdminLend)
		admin.Post("/bookings/{id:int64}/return", h.AdminReturn)
		admin.Post("/bookings/{id:int64}/deny", h.AdminDeny)
		admin.Delete("/bookings/{id:int64}", h.AdminDelete)

		admin.Post("/reminders", h.AdminTriggerReminders)
	}

	return app
}

// TracingMiddleware はリクエストごとにX-Rayセグメントを開始します
// トレースが無効な場合、セグメントは送信されません
func TracingMiddleware(ctx iris.Context) {
	segCtx, seg := xray.BeginSegment(ctx.Request().Context(), serviceName)
	defer seg.Close(nil)

	if err := seg.AddAnnotation("path", ctx.Path()); err != nil {
		log.Printf("Failed to add path annotation: %v", err)
	}
	ctx.ResetRequest(ctx.Request().WithContext(segCtx))
	ctx.Next()
}
