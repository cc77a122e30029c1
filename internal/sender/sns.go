package sender

import (
	"context"
	"fmt"

	"otp-service/internal/util"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"
)

// SMSPublisher is the part of the SNS client used for direct SMS.
type SMSPublisher interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

type SNSSender struct {
	client   SMSPublisher
	senderID string
	logger   *zap.Logger
}

func NewSNSClient(ctx context.Context, region string) (*sns.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	return sns.NewFromConfig(awsCfg), nil
}

func NewSNSSender(client SMSPublisher, senderID string) *SNSSender {
	return &SNSSender{
		client:   client,
		senderID: senderID,
		logger:   util.Named("sender.sns"),
	}
}

func (s *SNSSender) Deliver(ctx context.Context, destination, message string) error {
	attrs := map[string]types.MessageAttributeValue{
		"AWS.SNS.SMS.SMSType": {
			DataType:    aws.String("String"),
			StringValue: aws.String("Transactional"),
		},
	}
	if s.senderID != "" {
		attrs["AWS.SNS.SMS.SenderID"] = types.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(s.senderID),
		}
	}

	out, err := s.client.Publish(ctx, &sns.PublishInput{
		PhoneNumber:       aws.String(destination),
		Message:           aws.String(message),
		MessageAttributes: attrs,
	})
	if err != nil {
		return fmt.Errorf("sns publish failed: %w", err)
	}

	s.logger.Info("SMS accepted by SNS",
		util.Phone("destination", destination),
		zap.String("message_id", aws.ToString(out.MessageId)),
	)
	return nil
}
