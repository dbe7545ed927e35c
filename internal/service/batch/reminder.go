package batch

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sfn"
	"github.com/aws/aws-xray-sdk-go/xray"
	jsoniter "github.com/json-iterator/go"
	"github.com/uma-arai/sbcntr-lending/internal/common/config"
	"github.com/uma-arai/sbcntr-lending/internal/common/database"
	"github.com/uma-arai/sbcntr-lending/internal/common/utils"
	"github.com/uma-arai/sbcntr-lending/internal/metrics"
	"github.com/uma-arai/sbcntr-lending/internal/notifier"
	"github.com/uma-arai/sbcntr-lending/internal/repository"
	"github.com/uma-arai/sbcntr-lending/internal/service/lending"
)

// SFNAPI はバッチが利用する Step Functions のメソッドです
type SFNAPI interface {
	SendTaskSuccess(ctx context.Context, params *sfn.SendTaskSuccessInput, optFns ...func(*sfn.Options)) (*sfn.SendTaskSuccessOutput, error)
	SendTaskFailure(ctx context.Context, params *sfn.SendTaskFailureInput, optFns ...func(*sfn.Options)) (*sfn.SendTaskFailureOutput, error)
}

// reminderSender は ReminderSweep の送信部分です
type reminderSender interface {
	SendDueReminders(ctx context.Context, asOf time.Time) (*lending.ReminderReport, error)
}

// ReminderBatchService は返却リマインドのバッチ処理を担当します
type ReminderBatchService struct {
	asOf      time.Time
	db        *database.DB
	sweep     reminderSender
	sfnClient SFNAPI
	cfg       *config.Config
}

// NewReminderBatchService は新しいReminderBatchServiceを作成します
func NewReminderBatchService(ctx context.Context, cfg *config.Config, sfnClient SFNAPI, sesClient notifier.SESAPI) (*ReminderBatchService, error) {
	db, err := database.NewDB(ctx, cfg.DB)
	if err != nil {
		return nil, fmt.Errorf("failed to create database connection: %w", err)
	}

	// database.DBをrepository.DBに変換
	repoDb := &repository.DB{DB: db.DB}
	itemRepo := repository.NewItemRepository(repoDb)
	bookingRepo := repository.NewBookingRepository(repoDb)

	n, err := notifier.New(cfg, sesClient, repository.NewNotificationRepository(repoDb))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create notifier: %w", err)
	}

	return &ReminderBatchService{
		asOf:      time.Now().In(cfg.Reminder.Location),
		db:        db,
		sweep:     lending.NewReminderSweep(itemRepo, bookingRepo, n, metrics.NewNop(), cfg.Notifier.AdminRecipients),
		sfnClient: sfnClient,
		cfg:       cfg,
	}, nil
}

// Close は終了処理を行います
func (s *ReminderBatchService) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// SetAsOf は基準日を設定します(再実行用)
func (s *ReminderBatchService) SetAsOf(asOf time.Time) {
	s.asOf = asOf
}

// Run は返却リマインドを送信し、結果をStep Functionsに返します
func (s *ReminderBatchService) Run(ctx context.Context) error {
	// X-Rayセグメントの作成
	ctx, seg := xray.BeginSubsegment(ctx, "ReminderBatchService.Run")
	defer seg.Close(nil)

	startTime := time.Now()

	report, err := s.sweep.SendDueReminders(ctx, s.asOf)
	if err != nil {
		return utils.GetStackWithError(fmt.Errorf("failed to send due reminders: %w", err))
	}

	if err := s.sendTaskSuccess(ctx, report); err != nil {
		return utils.GetStackWithError(fmt.Errorf("failed to send task success: %w", err))
	}

	duration := time.Since(startTime)

	// セグメントにメタデータを追加
	if err := seg.AddMetadata("duration", duration.String()); err != nil {
		log.Printf("Failed to add duration metadata: %v", err)
	}
	if err := seg.AddMetadata("reminders_sent", report.Sent); err != nil {
		log.Printf("Failed to add reminders_sent metadata: %v", err)
	}

	log.Printf("Reminder batch process completed successfully. Duration: %v", duration)
	return nil
}

// sendTaskSuccess は、Step Functionsのタスク成功を通知し、送信結果を返却します
func (s *ReminderBatchService) sendTaskSuccess(ctx context.Context, report *lending.ReminderReport) error {
	// ローカルの場合はStep Functionsの処理をスキップ
	if os.Getenv("ENV") == "LOCAL" || s.sfnClient == nil {
		log.Printf("Local environment detected. Skipping Step Functions task success notification")
		return nil
	}

	output, err := jsoniter.MarshalToString(map[string]any{
		"reminders": report,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal reminder report: %w", err)
	}

	// タスクトークンを設定から取得
	taskToken := s.cfg.SFN.TaskToken
	if taskToken == "" {
		return fmt.Errorf("SFN_TASK_TOKEN is not set in config")
	}

	input := &sfn.SendTaskSuccessInput{
		TaskToken: aws.String(taskToken),
		Output:    aws.String(output),
	}

	if _, err := s.sfnClient.SendTaskSuccess(ctx, input); err != nil {
		return fmt.Errorf("failed to send task success: %w", err)
	}

	log.Printf("Successfully sent task success with reminders: %s", output)
	return nil
}

// SendTaskFailure はバッチの失敗をStep Functionsに通知します
func SendTaskFailure(ctx context.Context, client SFNAPI, taskToken string, cause error) error {
	if os.Getenv("ENV") == "LOCAL" || client == nil {
		return nil
	}

	input := &sfn.SendTaskFailureInput{
		TaskToken: aws.String(taskToken),
		Error:     aws.String("Batch process failed"),
		Cause:     aws.String(cause.Error()),
	}
	if _, err := client.SendTaskFailure(ctx, input); err != nil {
		return fmt.Errorf("failed to send task failure: %w", err)
	}
	return nil
}
