package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"
)

// SNSAdapter sends push notifications by publishing to the recipient's
// registered SNS platform endpoint. The destination address is the
// endpoint ARN captured at token registration.
type SNSAdapter struct {
	client *sns.Client
	logger *zap.Logger
}

type SNSConfig struct {
	Region string
}

// NewSNSAdapter creates the push channel adapter.
func NewSNSAdapter(ctx context.Context, cfg SNSConfig, logger *zap.Logger) (*SNSAdapter, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config for SNS: %w", err)
	}
	return &SNSAdapter{
		client: sns.NewFromConfig(awsCfg),
		logger: logger,
	}, nil
}

func (a *SNSAdapter) Channel() Channel { return ChannelPush }
func (a *SNSAdapter) Provider() string { return "sns" }

// Send publishes the push payload to the endpoint ARN. A disabled or
// invalid endpoint means the device token is dead; the engine suppresses
// the destination on that signal.
func (a *SNSAdapter) Send(ctx context.Context, dest Destination, content RenderedContent) (string, error) {
	payload, err := json.Marshal(map[string]any{
		"title": content.Subject,
		"body":  content.Body,
		"data":  content.Data,
	})
	if err != nil {
		return "", &SendError{
			Code:      ErrCodeProviderRejected,
			Message:   fmt.Sprintf("marshal push payload: %v", err),
			Permanent: true,
		}
	}

	result, err := a.client.Publish(ctx, &sns.PublishInput{
		TargetArn: aws.String(dest.Address),
		Message:   aws.String(string(payload)),
	})
	if err != nil {
		var disabled *types.EndpointDisabledException
		var invalid *types.InvalidParameterException
		if errors.As(err, &disabled) || errors.As(err, &invalid) {
			return "", &SendError{
				Code:      ErrCodeProviderRejected,
				Message:   fmt.Sprintf("sns endpoint unusable: %v", err),
				Permanent: true,
			}
		}
		return "", &SendError{
			Code:    ErrCodeProviderError,
			Message: fmt.Sprintf("sns publish failed: %v", err),
		}
	}

	a.logger.Info("push sent via SNS",
		zap.String("endpoint_arn", dest.Address),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)

	return aws.ToString(result.MessageId), nil
}
