package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-xray-sdk-go/xray"
	"github.com/jmoiron/sqlx"
	"github.com/uma-arai/sbcntr-lending/internal/model"
)

// NotificationRepository は送信待ち通知(アウトボックス)の永続化を担当するインターフェースです
type NotificationRepository interface {
	CreateNotifications(ctx context.Context, records []model.NotificationRecord) error
	Create(ctx context.Context, tx *sqlx.Tx, record *model.NotificationRecord) error
	ListPending(ctx context.Context, limit int) ([]model.NotificationRecord, error)
	UpdateStatus(ctx context.Context, id int64, status model.NotificationStatus, lastError string) error
}

// NotificationRepositoryImpl は通知の永続化を担当します
type NotificationRepositoryImpl struct {
	db *DB
}

// NewNotificationRepository は新しいNotificationRepositoryを作成します
func NewNotificationRepository(db *DB) *NotificationRepositoryImpl {
	return &NotificationRepositoryImpl{
		db: db,
	}
}

// CreateNotifications は複数の通知レコードを1トランザクションで作成します
func (r *NotificationRepositoryImpl) CreateNotifications(ctx context.Context, records []model.NotificationRecord) error {
	ctx, seg := xray.BeginSubsegment(ctx, "NotificationRepository.CreateNotifications")
	defer seg.Close(nil)

	err := r.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		for i := range records {
			if err := r.Create(ctx, tx, &records[i]); err != nil {
				return fmt.Errorf("failed to create notification: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		seg.Close(err)
		return err
	}

	return nil
}

// Create は単一の通知レコードを作成します
func (r *NotificationRepositoryImpl) Create(ctx context.Context, tx *sqlx.Tx, record *model.NotificationRecord) error {
	ctx, seg := xray.BeginSubsegment(ctx, "NotificationRepository.Create")
	defer seg.Close(nil)

	if record.Status == "" {
		record.Status = model.NotificationStatusPending
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = record.CreatedAt
	}

	query := `
		INSERT INTO notifications (
			kind, recipient, cc, subject, body, status, attempts, last_error, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10
		)
		RETURNING id`

	err := tx.QueryRowContext(ctx,
		query,
		record.Kind,
		record.Recipient,
		record.Cc,
		record.Subject,
		record.Body,
		record.Status,
		record.Attempts,
		record.LastError,
		record.CreatedAt,
		record.UpdatedAt,
	).Scan(&record.ID)

	if err != nil {
		seg.Close(err)
		return err
	}

	return nil
}

// ListPending は送信待ちの通知を古い順に取得します
func (r *NotificationRepositoryImpl) ListPending(ctx context.Context, limit int) ([]model.NotificationRecord, error) {
	ctx, seg := xray.BeginSubsegment(ctx, "NotificationRepository.ListPending")
	defer seg.Close(nil)

	query := `
		SELECT id, kind, recipient, cc, subject, body, status, attempts, last_error, created_at, updated_at
		FROM notifications
		WHERE status = $1
		ORDER BY created_at ASC, id ASC
		LIMIT $2`

	var records []model.NotificationRecord
	if err := r.db.SelectContext(ctx, &records, query, model.NotificationStatusPending, limit); err != nil {
		seg.Close(err)
		return nil, fmt.Errorf("failed to query notifications: %w", err)
	}

	return records, nil
}

// UpdateStatus は通知の送信結果を記録し、試行回数を加算します
func (r *NotificationRepositoryImpl) UpdateStatus(ctx context.Context, id int64, status model.NotificationStatus, lastError string) error {
	ctx, seg := xray.BeginSubsegment(ctx, "NotificationRepository.UpdateStatus")
	defer seg.Close(nil)

	query := `
		UPDATE notifications
		SET status = $1, last_error = $2, attempts = attempts + 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = $3`

	result, err := r.db.ExecContext(ctx, query, status, lastError, id)
	if err != nil {
		seg.Close(err)
		return fmt.Errorf("failed to update notification status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		seg.Close(err)
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		err := fmt.Errorf("notification with id %d not found", id)
		seg.Close(err)
		return err
	}

	return nil
}
