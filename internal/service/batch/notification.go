package batch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/aws/aws-xray-sdk-go/xray"
	"github.com/uma-arai/sbcntr-lending/internal/common/config"
	"github.com/uma-arai/sbcntr-lending/internal/common/database"
	"github.com/uma-arai/sbcntr-lending/internal/model"
	"github.com/uma-arai/sbcntr-lending/internal/notifier"
	"github.com/uma-arai/sbcntr-lending/internal/repository"
)

const (
	defaultDeliveryLimit = 100
	// maxDeliveryAttempts を超えて失敗した通知は failed として残します
	maxDeliveryAttempts = 3
)

// Deliverer は描画済みの通知を送信します
type Deliverer interface {
	Deliver(ctx context.Context, record *model.NotificationRecord) error
}

// NotificationBatchService はアウトボックスに溜まった通知を送信するバッチ処理を担当します
type NotificationBatchService struct {
	limit            int
	db               *database.DB
	notificationRepo repository.NotificationRepository
	deliverer        Deliverer
	cfg              *config.Config
}

// NewNotificationBatchService は新しいNotificationBatchServiceを作成します
func NewNotificationBatchService(ctx context.Context, cfg *config.Config, sesClient notifier.SESAPI) (*NotificationBatchService, error) {
	db, err := database.NewDB(ctx, cfg.DB)
	if err != nil {
		return nil, fmt.Errorf("failed to create database connection: %w", err)
	}

	// database.DBをrepository.DBに変換
	repoDb := &repository.DB{DB: db.DB}

	return &NotificationBatchService{
		limit:            defaultDeliveryLimit,
		db:               db,
		notificationRepo: repository.NewNotificationRepository(repoDb),
		deliverer:        notifier.NewSESNotifier(sesClient, cfg.Notifier.From),
		cfg:              cfg,
	}, nil
}

// Close は終了処理を行います
func (s *NotificationBatchService) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// SetLimit は1回の実行で送信する最大件数を設定します
func (s *NotificationBatchService) SetLimit(limit int) {
	if limit > 0 {
		s.limit = limit
	}
}

// Run は送信待ちの通知を古い順に送信します
// 送信に失敗した通知は試行回数が上限に達するまで pending のまま残ります
func (s *NotificationBatchService) Run(ctx context.Context) error {
	// X-Rayセグメントの作成
	ctx, seg := xray.BeginSubsegment(ctx, "NotificationBatchService.Run")
	defer seg.Close(nil)

	// 処理開始時刻を記録
	startTime := time.Now()

	records, err := s.notificationRepo.ListPending(ctx, s.limit)
	if err != nil {
		seg.Close(err)
		return fmt.Errorf("failed to list pending notifications: %w", err)
	}
	log.Printf("Starting notification batch process for %d notifications...", len(records))

	// セグメントにメタデータを追加
	if err := seg.AddMetadata("notification_count", len(records)); err != nil {
		log.Printf("Failed to add notification_count metadata: %v", err)
	}

	var (
		sent, failed int
		errs         []error
	)
	for i := range records {
		record := &records[i]

		status, lastError := model.NotificationStatusSent, ""
		if err := s.deliverer.Deliver(ctx, record); err != nil {
			failed++
			lastError = err.Error()
			status = model.NotificationStatusPending
			if record.Attempts+1 >= maxDeliveryAttempts {
				status = model.NotificationStatusFailed
			}
			log.Printf("Failed to deliver notification %d (attempt %d): %v", record.ID, record.Attempts+1, err)
		} else {
			sent++
		}

		if err := s.notificationRepo.UpdateStatus(ctx, record.ID, status, lastError); err != nil {
			errs = append(errs, fmt.Errorf("notification %d: %w", record.ID, err))
		}
	}

	// 処理終了時刻を記録し、実行時間を計算
	duration := time.Since(startTime)

	// セグメントにメタデータを追加
	if err := seg.AddMetadata("duration", duration.String()); err != nil {
		log.Printf("Failed to add duration metadata: %v", err)
	}
	if err := seg.AddMetadata("sent_count", sent); err != nil {
		log.Printf("Failed to add sent_count metadata: %v", err)
	}

	if err := errors.Join(errs...); err != nil {
		seg.Close(err)
		return fmt.Errorf("failed to update notification status: %w", err)
	}

	log.Printf("Notification batch process completed. Sent: %d, Failed: %d, Duration: %v", sent, failed, duration)
	return nil
}
