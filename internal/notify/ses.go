package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"
)

// SESAdapter sends email via AWS SES.
type SESAdapter struct {
	client *ses.Client
	from   string
	logger *zap.Logger
}

type SESConfig struct {
	Region    string
	FromEmail string
}

// NewSESAdapter creates the email channel adapter.
func NewSESAdapter(ctx context.Context, cfg SESConfig, logger *zap.Logger) (*SESAdapter, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config: %w", err)
	}
	return &SESAdapter{
		client: ses.NewFromConfig(awsCfg),
		from:   cfg.FromEmail,
		logger: logger,
	}, nil
}

func (a *SESAdapter) Channel() Channel { return ChannelEmail }
func (a *SESAdapter) Provider() string { return "ses" }

// Send delivers one email. A rejected message means the address itself is
// bad and the destination should be suppressed; anything else is treated
// as a transient provider problem.
func (a *SESAdapter) Send(ctx context.Context, dest Destination, content RenderedContent) (string, error) {
	input := &ses.SendEmailInput{
		Source: aws.String(a.from),
		Destination: &types.Destination{
			ToAddresses: []string{dest.Address},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(content.Subject),
				Charset: aws.String("UTF-8"),
			},
			Body: &types.Body{
				Text: &types.Content{
					Data:    aws.String(content.Body),
					Charset: aws.String("UTF-8"),
				},
			},
		},
	}

	result, err := a.client.SendEmail(ctx, input)
	if err != nil {
		var rejected *types.MessageRejected
		if errors.As(err, &rejected) {
			return "", &SendError{
				Code:      ErrCodeProviderRejected,
				Message:   fmt.Sprintf("ses rejected message: %v", err),
				Permanent: true,
			}
		}
		return "", &SendError{
			Code:    ErrCodeProviderError,
			Message: fmt.Sprintf("ses send failed: %v", err),
		}
	}

	a.logger.Info("email sent via SES",
		zap.String("to", dest.Address),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)

	return aws.ToString(result.MessageId), nil
}
