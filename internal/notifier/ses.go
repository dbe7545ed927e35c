package notifier

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/aws-xray-sdk-go/xray"
	"github.com/uma-arai/sbcntr-lending/internal/model"
)

const charsetUTF8 = "UTF-8"

// SESAPI は SESNotifier が利用する sesv2.Client のメソッドです
type SESAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESNotifier は Amazon SES でメールを送信します
// 管理者の配信リストは BCC で送り、借り手には宛先のみが見えます
type SESNotifier struct {
	client SESAPI
	from   string
}

func NewSESNotifier(client SESAPI, from string) *SESNotifier {
	return &SESNotifier{client: client, from: from}
}

func (n *SESNotifier) Send(ctx context.Context, kind model.NotificationKind, recipient string, cc []string, payload model.NotificationPayload) error {
	msg := model.Message{Kind: kind, Recipient: recipient, Cc: cc, Payload: payload, CreatedAt: time.Now()}
	record, err := msg.ToNotificationRecord()
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrNotify, err)
	}
	return n.Deliver(ctx, record)
}

// Deliver は描画済みの通知レコードを送信します
// 通知バッチからアウトボックスのレコードを送る際にも使います
func (n *SESNotifier) Deliver(ctx context.Context, record *model.NotificationRecord) error {
	ctx, seg := xray.BeginSubsegment(ctx, "SESNotifier.Deliver")
	defer seg.Close(nil)

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(n.from),
		Destination: &types.Destination{
			ToAddresses:  []string{record.Recipient},
			BccAddresses: []string(record.Cc),
		},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(record.Subject), Charset: aws.String(charsetUTF8)},
				Body: &types.Body{
					Text: &types.Content{Data: aws.String(record.Body), Charset: aws.String(charsetUTF8)},
				},
			},
		},
	}

	if _, err := n.client.SendEmail(ctx, input); err != nil {
		seg.Close(err)
		return fmt.Errorf("%w: failed to send %s to %s: %v", model.ErrNotify, record.Kind, record.Recipient, err)
	}
	return nil
}
