package queues

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"feedmedia/internal/domain"
)

type Config struct {
	QueueURL        string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

// SendMessageAPI is the part of the SQS client the notifier uses.
type SendMessageAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// FeedNotifier publishes a message to the new-feed queue for every recorded post.
type FeedNotifier struct {
	client   SendMessageAPI
	queueURL string
}

func NewFeedNotifier(client SendMessageAPI, queueURL string) *FeedNotifier {
	return &FeedNotifier{client: client, queueURL: queueURL}
}

// NewSQSClient builds the SQS client from static credentials.
func NewSQSClient(cfg Config) *sqs.Client {
	opts := sqs.Options{
		Region: cfg.Region,
		Credentials: aws.NewCredentialsCache(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
		RetryMode:        aws.RetryModeStandard,
		RetryMaxAttempts: 3,
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	return sqs.New(opts)
}

func (n *FeedNotifier) PublishFeedCreated(ctx context.Context, event domain.FeedCreatedEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode feed event: %w", err)
	}

	out, err := n.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(n.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"event_type": {
				DataType:    aws.String("String"),
				StringValue: aws.String("feed.created"),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to send feed event %s: %w", event.EventID, err)
	}

	log.Printf("[Queue] feed event %s sent as message %s", event.EventID, aws.ToString(out.MessageId))
	return nil
}
