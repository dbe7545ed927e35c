package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/aws/aws-xray-sdk-go/xray"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/uma-arai/sbcntr-lending/internal/model"
)

// ItemRepository は備品情報の永続化を担当するインターフェースです
type ItemRepository interface {
	FindItem(ctx context.Context, id int64) (*model.Item, error)
	FindItems(ctx context.Context, ids []int64) (map[int64]model.Item, error)
	ListItems(ctx context.Context) ([]model.Item, error)
	CreateItem(ctx context.Context, item *model.Item) error
	UpdateItem(ctx context.Context, item *model.Item) error
}

// ItemRepositoryImpl はItemRepositoryの実装です
type ItemRepositoryImpl struct {
	db *DB
}

// NewItemRepository は新しいItemRepositoryを作成します
func NewItemRepository(db *DB) *ItemRepositoryImpl {
	return &ItemRepositoryImpl{
		db: db,
	}
}

const itemColumns = `id, name, location, manual_link, photo_path, created_at, updated_at`

// FindItem は指定されたIDの備品を取得します
func (r *ItemRepositoryImpl) FindItem(ctx context.Context, id int64) (*model.Item, error) {
	ctx, seg := xray.BeginSubsegment(ctx, "ItemRepository.FindItem")
	defer seg.Close(nil)

	query := `SELECT ` + itemColumns + ` FROM items WHERE id = $1`

	var item model.Item
	if err := r.db.GetContext(ctx, &item, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %d", model.ErrItemNotFound, id)
		}
		seg.Close(err)
		return nil, fmt.Errorf("failed to get item %d: %w", id, err)
	}

	return &item, nil
}

// FindItems は複数の備品をまとめて取得します
// N+1とならないように ANY で一括取得します
func (r *ItemRepositoryImpl) FindItems(ctx context.Context, ids []int64) (map[int64]model.Item, error) {
	ctx, seg := xray.BeginSubsegment(ctx, "ItemRepository.FindItems")
	defer seg.Close(nil)

	items := make(map[int64]model.Item, len(ids))
	if len(ids) == 0 {
		return items, nil
	}

	query := `SELECT ` + itemColumns + ` FROM items WHERE id = ANY($1)`

	var rows []model.Item
	if err := r.db.SelectContext(ctx, &rows, query, pq.Array(ids)); err != nil {
		seg.Close(err)
		return nil, fmt.Errorf("failed to query items: %w", err)
	}

	for _, item := range rows {
		items[item.ID] = item
	}
	return items, nil
}

// ListItems は全備品を名前順で取得します
func (r *ItemRepositoryImpl) ListItems(ctx context.Context) ([]model.Item, error) {
	ctx, seg := xray.BeginSubsegment(ctx, "ItemRepository.ListItems")
	defer seg.Close(nil)

	query := `SELECT ` + itemColumns + ` FROM items ORDER BY name ASC, id ASC`

	var items []model.Item
	if err := r.db.SelectContext(ctx, &items, query); err != nil {
		seg.Close(err)
		return nil, fmt.Errorf("failed to query items: %w", err)
	}

	return items, nil
}

// CreateItem は備品を登録し、採番されたIDを設定します
func (r *ItemRepositoryImpl) CreateItem(ctx context.Context, item *model.Item) error {
	ctx, seg := xray.BeginSubsegment(ctx, "ItemRepository.CreateItem")
	defer seg.Close(nil)

	query := `
		INSERT INTO items (name, location, manual_link, photo_path)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at, updated_at`

	err := r.db.QueryRowxContext(ctx, query, item.Name, item.Location, item.ManualLink, item.PhotoPath).
		Scan(&item.ID, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		seg.Close(err)
		return fmt.Errorf("failed to create item: %w", err)
	}

	return nil
}

// UpdateItem は備品の説明項目を更新します
func (r *ItemRepositoryImpl) UpdateItem(ctx context.Context, item *model.Item) error {
	ctx, seg := xray.BeginSubsegment(ctx, "ItemRepository.UpdateItem")
	defer seg.Close(nil)

	query := `
		UPDATE items
		SET name = $1, location = $2, manual_link = $3, photo_path = $4, updated_at = CURRENT_TIMESTAMP
		WHERE id = $5
		RETURNING created_at, updated_at`

	err := r.db.QueryRowxContext(ctx, query, item.Name, item.Location, item.ManualLink, item.PhotoPath, item.ID).
		Scan(&item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %d", model.ErrItemNotFound, item.ID)
		}
		seg.Close(err)
		return fmt.Errorf("failed to update item %d: %w", item.ID, err)
	}

	return nil
}

// lockItems は予約対象の備品行を id 昇順で FOR UPDATE ロックします
// 同じ備品への予約作成はこのロックで直列化されます
func lockItems(ctx context.Context, tx *sqlx.Tx, ids []int64) error {
	query := `SELECT id FROM items WHERE id = ANY($1) ORDER BY id FOR UPDATE`

	var locked []int64
	if err := tx.SelectContext(ctx, &locked, query, pq.Array(ids)); err != nil {
		return fmt.Errorf("failed to lock items: %w", err)
	}

	found := make(map[int64]bool, len(locked))
	for _, id := range locked {
		found[id] = true
	}
	for _, id := range ids {
		if !found[id] {
			return fmt.Errorf("%w: %d", model.ErrItemNotFound, id)
		}
	}
	return nil
}
