package cart

import (
	"fmt"
	"time"

	"github.com/uma-arai/sbcntr-lending/internal/model"
)

// Cart は予約申請前の備品リストです
// 状態はWeb層が保持し、申請時に Requests で確定した内容だけを Manager に渡します
type Cart struct {
	Borrower  *model.Borrower        `json:"borrower,omitempty"`
	Lines     []model.BookingRequest `json:"lines"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// Add は備品をカートに追加します
// 同じ備品が既にある場合は期間を置き換えます
func (c *Cart) Add(line model.BookingRequest) error {
	if err := line.Validate(); err != nil {
		return err
	}
	line.BorrowDate = model.Date(line.BorrowDate)
	line.ReturnDate = model.Date(line.ReturnDate)

	for i, l := range c.Lines {
		if l.ItemID == line.ItemID {
			c.Lines[i] = line
			c.touch()
			return nil
		}
	}
	c.Lines = append(c.Lines, line)
	c.touch()
	return nil
}

// Remove は備品をカートから外します
// カートに無い場合は false を返します
func (c *Cart) Remove(itemID int64) bool {
	for i, l := range c.Lines {
		if l.ItemID == itemID {
			c.Lines = append(c.Lines[:i], c.Lines[i+1:]...)
			c.touch()
			return true
		}
	}
	return false
}

// SetBorrower は借り手の連絡先を設定します
func (c *Cart) SetBorrower(b model.Borrower) error {
	if err := b.Validate(); err != nil {
		return err
	}
	c.Borrower = &b
	c.touch()
	return nil
}

// Requests は申請内容を確定して返します
func (c *Cart) Requests() (model.Borrower, []model.BookingRequest, error) {
	if len(c.Lines) == 0 {
		return model.Borrower{}, nil, model.ErrEmptyRequest
	}
	if c.Borrower == nil {
		return model.Borrower{}, nil, fmt.Errorf("%w: borrower is not set", model.ErrInvalidBorrower)
	}

	lines := make([]model.BookingRequest, len(c.Lines))
	copy(lines, c.Lines)
	return *c.Borrower, lines, nil
}

// Empty はカートが空かを返します
func (c *Cart) Empty() bool {
	return len(c.Lines) == 0
}

func (c *Cart) touch() {
	c.UpdatedAt = time.Now()
}
