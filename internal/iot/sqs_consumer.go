package iot

import (
	"context"
	"log"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// SQSAPI is the subset of *sqs.Client the consumer uses.
type SQSAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// EventHandler processes one device envelope. A non-nil error leaves the
// message on the queue for redelivery.
type EventHandler interface {
	HandleDeviceEvent(ctx context.Context, body string) error
}

// SQSConsumer long-polls the device event queue that the IoT rule forwards
// envelopes to.
type SQSConsumer struct {
	sqsClient  SQSAPI
	queueURL   string
	handler    EventHandler
	retryDelay time.Duration
}

func NewSQSConsumer(client SQSAPI, queueURL string, handler EventHandler) *SQSConsumer {
	return &SQSConsumer{
		sqsClient:  client,
		queueURL:   queueURL,
		handler:    handler,
		retryDelay: 5 * time.Second,
	}
}

func (c *SQSConsumer) Start(ctx context.Context) {
	log.Printf("SQS Consumer: listening on queue %s", c.queueURL)
	for {
		select {
		case <-ctx.Done():
			log.Println("SQS Consumer: context cancelled, stopping.")
			return
		default:
		}
		if !c.poll(ctx) {
			select {
			case <-time.After(c.retryDelay):
			case <-ctx.Done():
				log.Println("SQS Consumer: context cancelled while waiting for retry.")
				return
			}
		}
	}
}

// poll receives and handles one batch. It returns false if the receive failed.
func (c *SQSConsumer) poll(ctx context.Context) bool {
	result, err := c.sqsClient.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: 10,
		WaitTimeSeconds:     20,
		VisibilityTimeout:   60,
	})
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("SQS Consumer: receive failed: %v", err)
		}
		return false
	}
	if len(result.Messages) == 0 {
		return true
	}
	log.Printf("SQS Consumer: received %d message(s)", len(result.Messages))

	for _, message := range result.Messages {
		if message.Body == nil {
			log.Println("SQS Consumer: message with empty body, deleting.")
			c.deleteMessage(ctx, message.ReceiptHandle)
			continue
		}
		if err := c.handler.HandleDeviceEvent(ctx, *message.Body); err != nil {
			log.Printf("SQS Consumer: message %s failed, leaving it for redelivery after the visibility timeout: %v",
				aws.ToString(message.MessageId), err)
			continue
		}
		c.deleteMessage(ctx, message.ReceiptHandle)
	}
	return true
}

func (c *SQSConsumer) deleteMessage(ctx context.Context, receiptHandle *string) {
	if receiptHandle == nil {
		log.Println("SQS Consumer: empty receipt handle, cannot delete message.")
		return
	}
	_, err := c.sqsClient.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: receiptHandle,
	})
	if err != nil {
		log.Printf("SQS Consumer: delete failed: %v", err)
	}
}
