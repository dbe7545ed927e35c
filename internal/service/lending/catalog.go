package lending

import (
	"context"
	"log"

	"github.com/aws/aws-xray-sdk-go/xray"
	"github.com/uma-arai/sbcntr-lending/internal/model"
	"github.com/uma-arai/sbcntr-lending/internal/repository"
)

// Catalog は備品の一覧と管理者による登録・編集を扱います
type Catalog struct {
	itemRepo repository.ItemRepository
}

func NewCatalog(itemRepo repository.ItemRepository) *Catalog {
	return &Catalog{itemRepo: itemRepo}
}

func (c *Catalog) ListItems(ctx context.Context) ([]model.Item, error) {
	return c.itemRepo.ListItems(ctx)
}

func (c *Catalog) GetItem(ctx context.Context, id int64) (*model.Item, error) {
	return c.itemRepo.FindItem(ctx, id)
}

// CreateItem は備品を登録します(管理者のみ)
func (c *Catalog) CreateItem(ctx context.Context, actor model.Actor, item model.Item) (*model.Item, error) {
	ctx, seg := xray.BeginSubsegment(ctx, "Catalog.CreateItem")
	defer seg.Close(nil)

	if err := actor.RequireAdmin(); err != nil {
		return nil, err
	}
	if err := item.Validate(); err != nil {
		return nil, err
	}

	item.ID = 0
	if err := c.itemRepo.CreateItem(ctx, &item); err != nil {
		seg.Close(err)
		return nil, err
	}

	log.Printf("Item %d (%s) added by %s", item.ID, item.Name, actor.Email)
	return &item, nil
}

// UpdateItem は備品の説明項目を更新します(管理者のみ)
func (c *Catalog) UpdateItem(ctx context.Context, actor model.Actor, item model.Item) (*model.Item, error) {
	ctx, seg := xray.BeginSubsegment(ctx, "Catalog.UpdateItem")
	defer seg.Close(nil)

	if err := actor.RequireAdmin(); err != nil {
		return nil, err
	}
	if err := item.Validate(); err != nil {
		return nil, err
	}

	if err := c.itemRepo.UpdateItem(ctx, &item); err != nil {
		seg.Close(err)
		return nil, err
	}
	return &item, nil
}
