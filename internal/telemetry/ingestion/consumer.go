package ingestion

import (
	"context"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/lvonguyen/sentinelforge/internal/telemetry/normalization"
)

// PartitionHeader is the optional AMQP header carrying the sender's agent
// id. When absent the key is read from the body.
const PartitionHeader = "agentId"

// ConsumerConfig configures the RabbitMQ consumer.
type ConsumerConfig struct {
	URL        string
	Exchange   string
	Queue      string
	RoutingKey string
	Prefetch   int
}

// Acknowledger settles one delivery. amqp.Delivery satisfies it.
type Acknowledger interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

// Consumer reads telemetry from a durable RabbitMQ queue with manual
// acknowledgements. A message is acked only after Process finishes with it.
type Consumer struct {
	config     ConsumerConfig
	pipeline   *Pipeline
	dispatcher *Dispatcher
	logger     *zap.Logger

	mu       sync.Mutex
	conn     *amqp.Connection
	channel  *amqp.Channel
	isClosed bool
}

// NewConsumer creates a Consumer. Call Connect before Run.
func NewConsumer(cfg ConsumerConfig, pipeline *Pipeline, dispatcher *Dispatcher, logger *zap.Logger) *Consumer {
	if cfg.Exchange == "" {
		cfg.Exchange = "sentinel.telemetry"
	}
	if cfg.Queue == "" {
		cfg.Queue = "agent-data"
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 32
	}
	return &Consumer{
		config:     cfg,
		pipeline:   pipeline,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// Connect dials RabbitMQ and declares the exchange, queue and binding.
func (c *Consumer) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isClosed {
		return fmt.Errorf("consumer is closed")
	}
	if c.conn != nil {
		return nil
	}

	conn, err := amqp.Dial(c.config.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(c.config.Exchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	q, err := ch.QueueDeclare(c.config.Queue, true, false, false, false, nil)
	if err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	if err := ch.QueueBind(q.Name, c.config.RoutingKey, c.config.Exchange, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("failed to bind queue to exchange: %w", err)
	}

	if err := ch.Qos(c.config.Prefetch, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("failed to set prefetch: %w", err)
	}

	c.conn = conn
	c.channel = ch

	c.logger.Info("Connected to RabbitMQ",
		zap.String("exchange", c.config.Exchange),
		zap.String("queue", q.Name),
		zap.Int("prefetch", c.config.Prefetch),
	)
	return nil
}

// Run consumes until ctx is done or the broker closes the channel.
// Deliveries are dispatched by partition key so one agent's messages are
// processed in arrival order.
func (c *Consumer) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.isClosed || c.channel == nil {
		c.mu.Unlock()
		return fmt.Errorf("consumer is closed or not connected")
	}
	channel := c.channel
	c.mu.Unlock()

	deliveries, err := channel.ConsumeWithContext(ctx, c.config.Queue, "sentinelforge", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	c.logger.Info("Started consuming telemetry", zap.String("queue", c.config.Queue))

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Telemetry consumer stopped")
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed by broker")
			}
			key := deliveryKey(d.Headers, d.Body, d.ContentEncoding)
			err := c.dispatcher.Submit(ctx, key, func(ctx context.Context) {
				c.Handle(ctx, Envelope{
					Body:            d.Body,
					ContentEncoding: d.ContentEncoding,
					MessageID:       d.MessageId,
				}, d)
			})
			if err != nil {
				// Unacked deliveries are redelivered when the channel closes.
				c.logger.Warn("Delivery not dispatched", zap.Error(err))
				return nil
			}
		}
	}
}

// Handle processes one message and settles it: ack on success, rejection
// or duplicate; nack without requeue for malformed bodies; nack with
// requeue for any other failure.
func (c *Consumer) Handle(ctx context.Context, env Envelope, ack Acknowledger) {
	_, err := c.pipeline.Process(ctx, env)

	switch {
	case err == nil:
		if ackErr := ack.Ack(false); ackErr != nil {
			c.logger.Error("Failed to ack delivery", zap.Error(ackErr))
		}
	case errors.Is(err, normalization.ErrMalformed):
		if nackErr := ack.Nack(false, false); nackErr != nil {
			c.logger.Error("Failed to reject delivery", zap.Error(nackErr))
		}
	default:
		c.logger.Error("Telemetry processing failed, requeueing",
			zap.String("message_id", env.MessageID),
			zap.Error(err),
		)
		if nackErr := ack.Nack(false, true); nackErr != nil {
			c.logger.Error("Failed to requeue delivery", zap.Error(nackErr))
		}
	}
}

// Close closes the channel and connection.
func (c *Consumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isClosed {
		return nil
	}
	c.isClosed = true

	var errs []error
	if c.channel != nil {
		if err := c.channel.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func deliveryKey(headers amqp.Table, body []byte, contentEncoding string) string {
	if v, ok := headers[PartitionHeader].(string); ok && v != "" {
		return v
	}
	return normalization.PartitionKey(body, contentEncoding)
}
