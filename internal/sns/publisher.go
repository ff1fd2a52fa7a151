// Package sns forwards records to an SNS topic. Subscribers of the topic
// receive the record snapshot unchanged and filter on its attributes.
package sns

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/delivery"
	"github.com/lalithlochan/courier/internal/notification"
)

// API is the subset of the SNS client the publisher needs.
type API interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Config holds SNS forwarding settings.
type Config struct {
	Region   string
	TopicARN string
	// Endpoint overrides the AWS endpoint (LocalStack).
	Endpoint string
	Types    delivery.TypeFilter
}

// Publisher handles SNS topic publishing.
type Publisher struct {
	client   API
	topicARN string
	types    delivery.TypeFilter
	logger   *zap.Logger
}

// NewPublisher creates an SNS publisher for the configured topic.
func NewPublisher(ctx context.Context, cfg Config, logger *zap.Logger) (*Publisher, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sns.NewFromConfig(awsCfg, func(o *sns.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	logger.Info("sns publisher initialized", zap.String("topic_arn", cfg.TopicARN))

	return NewPublisherWithClient(client, cfg, logger), nil
}

// NewPublisherWithClient creates a publisher over an existing client.
func NewPublisherWithClient(client API, cfg Config, logger *zap.Logger) *Publisher {
	return &Publisher{
		client:   client,
		topicARN: cfg.TopicARN,
		types:    cfg.Types,
		logger:   logger,
	}
}

// Send publishes the record snapshot with type and priority attributes.
func (p *Publisher) Send(ctx context.Context, rec *notification.Record) error {
	payload, err := rec.Marshal()
	if err != nil {
		return err
	}

	input := &sns.PublishInput{
		TopicArn: aws.String(p.topicARN),
		Message:  aws.String(string(payload)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(rec.Type),
			},
			"priority": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(rec.Priority.Normalize())),
			},
		},
	}

	result, err := p.client.Publish(ctx, input)
	if err != nil {
		return fmt.Errorf("failed to publish to SNS: %w", err)
	}

	p.logger.Info("notification published to sns",
		zap.String("id", rec.ID),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return nil
}

func (p *Publisher) Supports(recordType string) bool {
	return p.types.Allows(recordType)
}
