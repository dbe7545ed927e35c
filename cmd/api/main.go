package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-xray-sdk-go/xray"
	"github.com/kataras/iris/v12"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/uma-arai/sbcntr-lending/internal/api"
	"github.com/uma-arai/sbcntr-lending/internal/cart"
	"github.com/uma-arai/sbcntr-lending/internal/common/config"
	"github.com/uma-arai/sbcntr-lending/internal/common/database"
	"github.com/uma-arai/sbcntr-lending/internal/common/utils"
	"github.com/uma-arai/sbcntr-lending/internal/metrics"
	"github.com/uma-arai/sbcntr-lending/internal/notifier"
	"github.com/uma-arai/sbcntr-lending/internal/repository"
	"github.com/uma-arai/sbcntr-lending/internal/scheduler"
	"github.com/uma-arai/sbcntr-lending/internal/service/lending"
)

const (
	projectName     = "sbcntr-lending"
	shutdownTimeout = 10 * time.Second
)

func main() {
	// コマンドライン引数のパース
	migrate := flag.Bool("migrate", false, "起動時にデータベースのスキーマを適用する")
	flag.Parse()

	// 設定の読み込み
	cfg, err := config.LoadConfig("")
	if err != nil {
		log.Fatalf("Failed to load config: %v\nStack trace:\n%s", err, debug.Stack())
	}
	if cfg.Auth.AccessTokenSecret == "" {
		log.Fatalf("ACCESS_TOKEN_SECRET is required")
	}

	// X-Ray設定
	if cfg.EnableTracing {
		if err := utils.ConfigureTracing("1.0.0"); err != nil {
			log.Fatalf("Failed to configure tracing: %v", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// リポジトリとカートの初期化
	// ENV=LOCALの場合はDBとRedisを使わずメモリ上で動かす
	var (
		itemRepo    repository.ItemRepository
		bookingRepo repository.BookingRepository
		outbox      repository.NotificationRepository
		carts       cart.Store
	)
	if cfg.IsLocal() {
		mem := repository.NewMemoryRepository()
		itemRepo, bookingRepo = mem, mem
		carts = cart.NewMemoryStore()
	} else {
		db, err := database.NewDB(ctx, cfg.DB)
		if err != nil {
			log.Fatalf("Failed to create database connection: %v\nStack trace:\n%s", err, debug.Stack())
		}
		defer db.Close()

		repoDb := &repository.DB{DB: db.DB}
		if *migrate {
			if err := repoDb.Migrate(ctx); err != nil {
				log.Fatalf("Failed to apply schema: %v", err)
			}
		}
		itemRepo = repository.NewItemRepository(repoDb)
		bookingRepo = repository.NewBookingRepository(repoDb)
		outbox = repository.NewNotificationRepository(repoDb)

		redisClient, err := cart.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Fatalf("Failed to connect to redis: %v", err)
		}
		defer redisClient.Close()
		carts = cart.NewRedisStore(redisClient, cfg.Redis.CartTTL)
	}

	// 通知の初期化
	var sesClient notifier.SESAPI
	if cfg.Notifier.Mode == config.NotifierModeSES {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			log.Fatalf("Failed to load AWS config: %v\nStack trace:\n%s", err, debug.Stack())
		}
		sesClient = sesv2.NewFromConfig(awsCfg)
	}
	n, err := notifier.New(cfg, sesClient, outbox)
	if err != nil {
		log.Fatalf("Failed to create notifier: %v", err)
	}

	// メトリクス
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	admins := cfg.Notifier.AdminRecipients
	sweep := lending.NewReminderSweep(itemRepo, bookingRepo, n, m, admins)

	// 返却リマインドの定時実行
	daily, err := scheduler.NewDaily(cfg.Reminder.TimeOfDay, cfg.Reminder.Location, func(ctx context.Context, now time.Time) error {
		ctx, seg := xray.BeginSegment(ctx, projectName+"-reminder")
		defer seg.Close(nil)

		report, err := sweep.SendDueReminders(ctx, now)
		if err != nil {
			seg.Close(err)
			return err
		}
		log.Printf("Reminder sweep for %s: %d sent, %d failed", report.AsOf, report.Sent, report.Failed)
		return nil
	})
	if err != nil {
		log.Fatalf("Failed to create reminder scheduler: %v", err)
	}
	go func() {
		if err := daily.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("Reminder scheduler stopped: %v", err)
		}
	}()

	app := api.New(api.Deps{
		Catalog:           lending.NewCatalog(itemRepo),
		Manager:           lending.NewManager(itemRepo, bookingRepo, n, m, admins),
		Sweep:             sweep,
		Carts:             carts,
		Gatherer:          reg,
		AccessTokenSecret: cfg.Auth.AccessTokenSecret,
		Location:          cfg.Reminder.Location,
	})

	// シグナル受信でグレースフルシャットダウン
	go func() {
		<-ctx.Done()
		log.Println("Shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := app.Shutdown(shutdownCtx); err != nil {
			log.Printf("Failed to shutdown server: %v", err)
		}
	}()

	log.Printf("Listening on %s", cfg.HTTP.Addr)
	if err := app.Listen(cfg.HTTP.Addr, iris.WithoutInterruptHandler, iris.WithoutServerError(iris.ErrServerClosed)); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}
