package model

import (
	"fmt"
	"strings"
	"time"
)

// Item は貸出対象の備品です
type Item struct {
	ID         int64     `db:"id" json:"id"`
	Name       string    `db:"name" json:"name" validate:"required,max=100"`
	Location   string    `db:"location" json:"location" validate:"required,max=100"`
	ManualLink string    `db:"manual_link" json:"manual_link,omitempty" validate:"omitempty,url,max=200"`
	PhotoPath  string    `db:"photo_path" json:"photo_path,omitempty" validate:"max=200"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time `db:"updated_at" json:"updated_at"`
}

// Validate は管理者が編集する項目を検証します
func (i *Item) Validate() error {
	i.Name = strings.TrimSpace(i.Name)
	i.Location = strings.TrimSpace(i.Location)
	if err := validate.Struct(i); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidItem, err)
	}
	return nil
}
