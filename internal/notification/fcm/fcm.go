package fcm

import (
	"context"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"

	"go-wisp/internal/notification"
)

const alertTitle = "WISP fleet alert"

// Sender is the part of the messaging client the sink uses
type Sender interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

// Client pushes alerts to an FCM topic the operator apps subscribe to
type Client struct {
	sender Sender
	topic  string
	logger zerolog.Logger
}

// New creates a new FCM client. Without credentials it returns a client
// whose Notify is a no-op.
func New(ctx context.Context, credentialsFile, topic string, logger zerolog.Logger) *Client {
	c := &Client{topic: topic, logger: logger}
	if credentialsFile == "" {
		logger.Info().Msg("FCM credentials not set, push alerts disabled")
		return c
	}

	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(credentialsFile))
	if err != nil {
		logger.Warn().Err(err).Msg("failed to initialize Firebase app, push alerts disabled")
		return c
	}

	msg, err := app.Messaging(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to get messaging client, push alerts disabled")
		return c
	}

	logger.Info().Str("topic", topic).Msg("Firebase initialized")
	c.sender = msg
	return c
}

// NewWithSender builds a client around an existing sender
func NewWithSender(sender Sender, topic string, logger zerolog.Logger) *Client {
	return &Client{sender: sender, topic: topic, logger: logger}
}

func (c *Client) Enabled() bool {
	return c.sender != nil
}

// Notify publishes message to the topic with Markdown markers stripped
func (c *Client) Notify(ctx context.Context, message string) error {
	if c.sender == nil {
		return nil
	}

	response, err := c.sender.Send(ctx, &messaging.Message{
		Notification: &messaging.Notification{
			Title: alertTitle,
			Body:  notification.PlainText(message),
		},
		Topic: c.topic,
	})
	if err != nil {
		return fmt.Errorf("FCM: error sending message: %w", err)
	}

	c.logger.Debug().Str("id", response).Msg("FCM alert sent")
	return nil
}
