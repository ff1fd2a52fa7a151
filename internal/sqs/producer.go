// Package sqs forwards records to an SQS queue for downstream consumers.
package sqs

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/delivery"
	"github.com/lalithlochan/courier/internal/notification"
)

// API is the subset of the SQS client the producer needs.
type API interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// Config holds SQS configuration.
type Config struct {
	Region   string
	QueueURL string
	// Endpoint overrides the AWS endpoint (LocalStack).
	Endpoint string
	Types    delivery.TypeFilter
}

// Producer sends records to SQS.
type Producer struct {
	client   API
	queueURL string
	types    delivery.TypeFilter
	logger   *zap.Logger
}

// NewProducer creates a new SQS producer.
func NewProducer(ctx context.Context, cfg Config, logger *zap.Logger) (*Producer, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	logger.Info("sqs producer initialized",
		zap.String("queue_url", cfg.QueueURL),
	)

	return NewProducerWithClient(client, cfg, logger), nil
}

// NewProducerWithClient creates a producer over an existing client.
func NewProducerWithClient(client API, cfg Config, logger *zap.Logger) *Producer {
	return &Producer{
		client:   client,
		queueURL: cfg.QueueURL,
		types:    cfg.Types,
		logger:   logger,
	}
}

// Send enqueues the record snapshot. The notification id travels as a
// message attribute so consumers can drop duplicates of a retried send.
func (p *Producer) Send(ctx context.Context, rec *notification.Record) error {
	body, err := rec.Marshal()
	if err != nil {
		return err
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"notification_id": {
				DataType:    aws.String("String"),
				StringValue: aws.String(rec.ID),
			},
			"type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(rec.Type),
			},
		},
	}

	result, err := p.client.SendMessage(ctx, input)
	if err != nil {
		p.logger.Error("failed to send message to sqs",
			zap.Error(err),
			zap.String("notification_id", rec.ID),
		)
		return fmt.Errorf("sqs send failed: %w", err)
	}

	p.logger.Debug("notification forwarded to sqs",
		zap.String("notification_id", rec.ID),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return nil
}

func (p *Producer) Supports(recordType string) bool {
	return p.types.Allows(recordType)
}
