package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/chatgate/gatekeeper/internal/config"
	"github.com/chatgate/gatekeeper/internal/logging"
)

const (
	// NotificationQueueName is consumed by the external transport worker
	// that owns the actual chat connection.
	NotificationQueueName = "gatekeeper_notifications"
	ExchangeName          = "gatekeeper"
)

// Message is the envelope published for the transport worker.
type Message struct {
	ID        string    `json:"id"`
	UserID    int64     `json:"user_id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// AMQPNotifier publishes notifications to RabbitMQ for the external
// transport to deliver.
type AMQPNotifier struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	log     *logging.Logger
}

// NewAMQPNotifier connects to RabbitMQ and declares the notification
// queue.
func NewAMQPNotifier(cfg config.QueueConfig, log *logging.Logger) (*AMQPNotifier, error) {
	url := fmt.Sprintf("amqp://%s:%s@%s:%d%s",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Vhost)

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	err = channel.ExchangeDeclare(
		ExchangeName,
		"direct",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	_, err = channel.QueueDeclare(
		NotificationQueueName,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	err = channel.QueueBind(
		NotificationQueueName,
		NotificationQueueName,
		ExchangeName,
		false,
		nil,
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to bind queue: %w", err)
	}

	return &AMQPNotifier{conn: conn, channel: channel, log: log}, nil
}

// Notify publishes the message. Failures are logged, never propagated.
func (n *AMQPNotifier) Notify(ctx context.Context, userID int64, text string) {
	msg := Message{
		ID:        uuid.New().String(),
		UserID:    userID,
		Text:      text,
		CreatedAt: time.Now().UTC(),
	}

	body, err := json.Marshal(msg)
	if err != nil {
		n.log.WithUserID(userID).ErrorWithErr("Failed to marshal notification", err)
		return
	}

	err = n.channel.PublishWithContext(ctx,
		ExchangeName,
		NotificationQueueName,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    msg.ID,
			Timestamp:    msg.CreatedAt,
			Body:         body,
		},
	)
	if err != nil {
		n.log.WithUserID(userID).ErrorWithErr("Failed to publish notification", err)
	}
}

// Close closes the queue connection.
func (n *AMQPNotifier) Close() error {
	if err := n.channel.Close(); err != nil {
		return err
	}
	return n.conn.Close()
}
