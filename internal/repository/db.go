package repository

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log"

	"github.com/aws/aws-xray-sdk-go/xray"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/uma-arai/sbcntr-lending/internal/common/utils"
	"github.com/uma-arai/sbcntr-lending/internal/model"
)

// PostgreSQLのエラーコード
const (
	pqCodeForeignKeyViolation  = "23503"
	pqCodeExclusionViolation   = "23P01"
	pqCodeSerializationFailure = "40001"
	pqCodeDeadlockDetected     = "40P01"
)

//go:embed schema.sql
var schemaSQL string

type DB struct {
	*sqlx.DB
}

// Close closes the database connection
func (db *DB) Close() error {
	_, seg := xray.BeginSegment(context.Background(), "DB.Close")
	defer seg.Close(nil)

	return db.DB.Close()
}

// BeginTx starts a new transaction
func (db *DB) BeginTx(ctx context.Context) (*sqlx.Tx, error) {
	ctx, seg := xray.BeginSubsegment(ctx, "DB.BeginTx")
	defer seg.Close(nil)

	return db.DB.BeginTxx(ctx, nil)
}

// WithTx はトランザクション内で fn を実行します
// fn がエラーを返した場合はロールバックし、直列化失敗・デッドロックは指数バックオフで再実行します
func (db *DB) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	return utils.RetryWithBackoff(ctx, utils.DefaultRetryPolicy(isRetryableTxError), func(ctx context.Context) error {
		tx, err := db.BeginTx(ctx)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}

		if err := fn(tx); err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				log.Printf("rollback failed: %v, original error: %v", rbErr, err)
			}
			return err
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit transaction: %w", err)
		}
		return nil
	})
}

// Migrate はスキーマを適用します(冪等)
func (db *DB) Migrate(ctx context.Context) error {
	ctx, seg := xray.BeginSubsegment(ctx, "DB.Migrate")
	defer seg.Close(nil)

	if _, err := db.DB.ExecContext(ctx, schemaSQL); err != nil {
		seg.Close(err)
		return fmt.Errorf("failed to apply schema: %w", err)
	}

	log.Println("Database schema applied")
	return nil
}

// isRetryableTxError は再実行で解消し得るトランザクションエラーかを判定します
func isRetryableTxError(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == pqCodeSerializationFailure || pqErr.Code == pqCodeDeadlockDetected
}

// translateError はPostgreSQLの制約違反をドメインエラーに変換します
func translateError(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}

	switch pqErr.Code {
	case pqCodeExclusionViolation:
		return fmt.Errorf("%w: %s", model.ErrBookingConflict, pqErr.Message)
	case pqCodeForeignKeyViolation:
		return fmt.Errorf("%w: %s", model.ErrItemNotFound, pqErr.Detail)
	}
	return err
}
