package notifier

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/uma-arai/sbcntr-lending/internal/common/config"
	"github.com/uma-arai/sbcntr-lending/internal/model"
	"github.com/uma-arai/sbcntr-lending/internal/repository"
)

// Notifier は借り手・管理者への通知を送信します
// 送信に失敗した場合は model.ErrNotify をラップしたエラーを返します
type Notifier interface {
	Send(ctx context.Context, kind model.NotificationKind, recipient string, cc []string, payload model.NotificationPayload) error
}

// New は設定された送信方式の Notifier を作成します
func New(cfg *config.Config, ses SESAPI, outbox repository.NotificationRepository) (Notifier, error) {
	switch cfg.Notifier.Mode {
	case config.NotifierModeLog, "":
		return NewLogNotifier(), nil
	case config.NotifierModeSES:
		if ses == nil {
			return nil, fmt.Errorf("ses client is required for notifier mode %s", cfg.Notifier.Mode)
		}
		return NewSESNotifier(ses, cfg.Notifier.From), nil
	case config.NotifierModeOutbox:
		if outbox == nil {
			return nil, fmt.Errorf("notification repository is required for notifier mode %s", cfg.Notifier.Mode)
		}
		return NewOutboxNotifier(outbox), nil
	}
	return nil, fmt.Errorf("unknown notifier mode: %s", cfg.Notifier.Mode)
}

// LogNotifier は通知内容をログに出力するだけの Notifier です(ENV=LOCAL 向け)
type LogNotifier struct {
	logger *log.Logger
}

func NewLogNotifier() *LogNotifier {
	return &LogNotifier{logger: log.Default()}
}

func (n *LogNotifier) Send(ctx context.Context, kind model.NotificationKind, recipient string, cc []string, payload model.NotificationPayload) error {
	msg := model.Message{Kind: kind, Recipient: recipient, Cc: cc, Payload: payload, CreatedAt: time.Now()}
	subject, body, err := msg.Render()
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrNotify, err)
	}

	n.logger.Printf("Notification %s to=%s cc=%s subject=%q\n%s", kind, recipient, strings.Join(cc, ","), subject, body)
	return nil
}

// OutboxNotifier は通知をアウトボックスに書き込み、送信は通知バッチに任せます
type OutboxNotifier struct {
	repo repository.NotificationRepository
	now  func() time.Time
}

func NewOutboxNotifier(repo repository.NotificationRepository) *OutboxNotifier {
	return &OutboxNotifier{repo: repo, now: time.Now}
}

func (n *OutboxNotifier) Send(ctx context.Context, kind model.NotificationKind, recipient string, cc []string, payload model.NotificationPayload) error {
	msg := model.Message{Kind: kind, Recipient: recipient, Cc: cc, Payload: payload, CreatedAt: n.now()}
	record, err := msg.ToNotificationRecord()
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrNotify, err)
	}

	if err := n.repo.CreateNotifications(ctx, []model.NotificationRecord{*record}); err != nil {
		return fmt.Errorf("%w: failed to enqueue %s: %v", model.ErrNotify, kind, err)
	}
	return nil
}
