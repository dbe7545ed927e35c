package model

import (
	"bytes"
	"database/sql/driver"
	"fmt"
	"strings"
	"text/template"
	"time"

	jsoniter "github.com/json-iterator/go"
)

// NotificationKind は通知テンプレートの種類を表します
type NotificationKind string

const (
	// NotificationKindBookingConfirmation は予約完了の通知です
	NotificationKindBookingConfirmation NotificationKind = "booking_confirmation"
	// NotificationKindReturnReminder は返却日のリマインドです
	NotificationKindReturnReminder NotificationKind = "return_reminder"
	// NotificationKindDenial は予約却下の通知です
	NotificationKindDenial NotificationKind = "denial"
)

// NotificationStatus は送信待ち通知の状態です
type NotificationStatus string

const (
	NotificationStatusPending NotificationStatus = "pending"
	NotificationStatusSent    NotificationStatus = "sent"
	NotificationStatusFailed  NotificationStatus = "failed"
)

// NotificationLine は通知本文に載せる予約1件分の情報です
type NotificationLine struct {
	BookingID  int64     `json:"booking_id"`
	ItemID     int64     `json:"item_id"`
	ItemName   string    `json:"item_name"`
	Location   string    `json:"location"`
	BorrowDate time.Time `json:"borrow_date"`
	ReturnDate time.Time `json:"return_date"`
}

// NotificationPayload はテンプレートに渡す内容です
type NotificationPayload struct {
	BorrowerName string             `json:"borrower_name"`
	Lines        []NotificationLine `json:"lines"`
	Note         string             `json:"note,omitempty"`
}

// NewNotificationLine は予約と備品から通知行を作成します
// 備品が削除済みの場合は ID のみで表示します
func NewNotificationLine(b Booking, item *Item) NotificationLine {
	line := NotificationLine{
		BookingID:  b.ID,
		ItemID:     b.ItemID,
		ItemName:   fmt.Sprintf("item #%d", b.ItemID),
		BorrowDate: b.BorrowDate,
		ReturnDate: b.ReturnDate,
	}
	if item != nil {
		line.ItemName = item.Name
		line.Location = item.Location
	}
	return line
}

// Message は Notifier に渡される1通分の通知です
type Message struct {
	Kind      NotificationKind
	Recipient string
	Cc        []string
	Payload   NotificationPayload
	CreatedAt time.Time
}

// StringList はJSON文字列として保存される文字列リストです
type StringList []string

// Value は driver.Valuer の実装です
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		l = StringList{}
	}
	b, err := jsoniter.Marshal([]string(l))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan は sql.Scanner の実装です
func (l *StringList) Scan(src interface{}) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*l = nil
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unexpected type for string list: %T", src)
	}
	var out []string
	if err := jsoniter.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("invalid string list: %w", err)
	}
	*l = out
	return nil
}

// NotificationRecord は送信待ち通知(アウトボックス)のレコードです
type NotificationRecord struct {
	ID        int64              `db:"id"`
	Kind      NotificationKind   `db:"kind"`
	Recipient string             `db:"recipient"`
	Cc        StringList         `db:"cc"`
	Subject   string             `db:"subject"`
	Body      string             `db:"body"`
	Status    NotificationStatus `db:"status"`
	Attempts  int                `db:"attempts"`
	LastError string             `db:"last_error"`
	CreatedAt time.Time          `db:"created_at"`
	UpdatedAt time.Time          `db:"updated_at"`
}

var templateFuncs = template.FuncMap{
	"date": FormatDate,
}

var subjects = map[NotificationKind]string{
	NotificationKindBookingConfirmation: "Booking confirmation",
	NotificationKindReturnReminder:      "Return reminder",
	NotificationKindDenial:              "Booking denied",
}

var bodies = map[NotificationKind]*template.Template{
	NotificationKindBookingConfirmation: template.Must(template.New("booking_confirmation").Funcs(templateFuncs).Parse(
		`Hello {{.BorrowerName}},

the following items have been booked for you:
{{range .Lines}}- {{.ItemName}}{{if .Location}} ({{.Location}}){{end}}: {{date .BorrowDate}} - {{date .ReturnDate}}
{{end}}`)),
	NotificationKindReturnReminder: template.Must(template.New("return_reminder").Funcs(templateFuncs).Parse(
		`Hello {{.BorrowerName}},

please remember to return the following items:
{{range .Lines}}- {{.ItemName}}{{if .Location}} ({{.Location}}){{end}}: due {{date .ReturnDate}}
{{end}}`)),
	NotificationKindDenial: template.Must(template.New("denial").Funcs(templateFuncs).Parse(
		`Hello {{.BorrowerName}},

unfortunately your booking could not be accepted:
{{range .Lines}}- {{.ItemName}}: {{date .BorrowDate}} - {{date .ReturnDate}}
{{end}}{{if .Note}}
Note from the administrator:
{{.Note}}
{{end}}`)),
}

// Render は通知の件名と本文を組み立てます
func (m Message) Render() (subject, body string, err error) {
	tmpl, ok := bodies[m.Kind]
	if !ok {
		return "", "", fmt.Errorf("unknown notification kind: %s", m.Kind)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, m.Payload); err != nil {
		return "", "", fmt.Errorf("failed to render %s: %w", m.Kind, err)
	}

	subject = subjects[m.Kind]
	if len(m.Payload.Lines) == 1 {
		subject = fmt.Sprintf("%s: %s", subject, m.Payload.Lines[0].ItemName)
	}
	return subject, strings.TrimRight(buf.String(), "\n") + "\n", nil
}

// ToNotificationRecord は通知をアウトボックスのレコードに変換します
func (m Message) ToNotificationRecord() (*NotificationRecord, error) {
	if m.Recipient == "" {
		return nil, fmt.Errorf("notification recipient is empty")
	}

	subject, body, err := m.Render()
	if err != nil {
		return nil, err
	}

	return &NotificationRecord{
		Kind:      m.Kind,
		Recipient: m.Recipient,
		Cc:        StringList(m.Cc),
		Subject:   subject,
		Body:      body,
		Status:    NotificationStatusPending,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.CreatedAt,
	}, nil
}
