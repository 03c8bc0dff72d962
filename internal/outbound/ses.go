package outbound

import (
	"context"
	"errors"
	"fmt"
	"net/mail"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"
)

// sesAPI SES 客户端中用到的方法
type sesAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESGateway 通过 AWS SES v2 投递
type SESGateway struct {
	client sesAPI
	log    *zap.Logger
}

// NewSESGateway 创建 SES 网关。未提供密钥时使用默认凭证链。
func NewSESGateway(ctx context.Context, region, accessKey, secretKey string, log *zap.Logger) (*SESGateway, error) {
	if region == "" {
		region = "us-east-1"
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if accessKey != "" && secretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return newSESGateway(sesv2.NewFromConfig(cfg), log), nil
}

func newSESGateway(client sesAPI, log *zap.Logger) *SESGateway {
	return &SESGateway{client: client, log: log.Named("ses")}
}

// Send 发送一封邮件
func (g *SESGateway) Send(ctx context.Context, msg Outgoing) (string, error) {
	input := buildSESInput(msg)

	out, err := g.client.SendEmail(ctx, input)
	if err != nil {
		return "", classifySESError(err)
	}

	id := aws.ToString(out.MessageId)
	g.log.Debug("message sent", zap.String("message_id", id), zap.Int("recipients", len(msg.Recipients())))
	return id, nil
}

func buildSESInput(msg Outgoing) *sesv2.SendEmailInput {
	from := msg.From
	if msg.FromName != "" {
		from = (&mail.Address{Name: msg.FromName, Address: msg.From}).String()
	}

	body := &types.Body{}
	if msg.Text != "" {
		body.Text = &types.Content{Data: aws.String(msg.Text), Charset: aws.String("UTF-8")}
	}
	if msg.HTML != "" {
		body.Html = &types.Content{Data: aws.String(msg.HTML), Charset: aws.String("UTF-8")}
	}
	if body.Text == nil && body.Html == nil {
		body.Text = &types.Content{Data: aws.String(""), Charset: aws.String("UTF-8")}
	}

	return &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(from),
		Destination: &types.Destination{
			ToAddresses:  msg.To,
			CcAddresses:  msg.Cc,
			BccAddresses: msg.Bcc,
		},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
				Body:    body,
			},
		},
	}
}

// classifySESError 客户端错误视为永久失败，限流和服务端错误可以重试
func classifySESError(err error) error {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	switch apiErr.ErrorCode() {
	case "TooManyRequestsException", "LimitExceededException", "Throttling", "ThrottlingException":
		return err
	}
	if apiErr.ErrorFault() == smithy.FaultClient {
		return Permanent(err)
	}
	return err
}
