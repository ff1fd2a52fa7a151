package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/config"
	"github.com/lalithlochan/courier/internal/delivery"
	"github.com/lalithlochan/courier/internal/sns"
	"github.com/lalithlochan/courier/internal/sqs"
)

// buildSender assembles the configured drivers into one router. Drivers
// are consulted in the order they are listed.
func buildSender(ctx context.Context, cfg *config.Config, logger *zap.Logger) (delivery.Sender, error) {
	senders := make([]delivery.Sender, 0, len(cfg.DeliveryDrivers))

	for _, driver := range cfg.DeliveryDrivers {
		switch driver {
		case "log":
			senders = append(senders, delivery.NewLogSender(logger))

		case "webhook":
			senders = append(senders, delivery.NewWebhookSender(logger, delivery.WebhookConfig{
				URL:     cfg.WebhookURL,
				Timeout: cfg.WebhookTimeout,
				Types:   delivery.ParseTypeFilter(cfg.WebhookTypes),
			}))

		case "sns":
			publisher, err := sns.NewPublisher(ctx, sns.Config{
				Region:   cfg.AWSRegion,
				TopicARN: cfg.SNSTopicARN,
				Endpoint: cfg.AWSEndpoint,
				Types:    delivery.ParseTypeFilter(cfg.SNSTypes),
			}, logger)
			if err != nil {
				return nil, fmt.Errorf("failed to create sns publisher: %w", err)
			}
			senders = append(senders, publisher)

		case "sqs":
			producer, err := sqs.NewProducer(ctx, sqs.Config{
				Region:   cfg.AWSRegion,
				QueueURL: cfg.SQSQueueURL,
				Endpoint: cfg.AWSEndpoint,
				Types:    delivery.ParseTypeFilter(cfg.SQSTypes),
			}, logger)
			if err != nil {
				return nil, fmt.Errorf("failed to create sqs producer: %w", err)
			}
			senders = append(senders, producer)

		default:
			return nil, fmt.Errorf("unknown delivery driver %q", driver)
		}
	}

	logger.Info("initialized delivery drivers", zap.Strings("drivers", cfg.DeliveryDrivers))

	return delivery.NewMultiSender(logger, senders...), nil
}
