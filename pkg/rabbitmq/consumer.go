package rabbitmq

import (
	"fmt"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Handler processes one delivery. Returning false asks for another attempt.
type Handler func(body []byte) bool

// deadLetterSuffix names the queue a command lands in after its retry is spent.
const deadLetterSuffix = ".dead"

// Consumer reads commands from a durable queue bound to a topic exchange. A failed
// delivery is requeued once; a second failure moves it to "<queue>.dead" for an operator.
type Consumer struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	logger *zap.Logger
}

// sanitizeURL normalizes amqpURL the way the producer does and guarantees a vhost path.
func sanitizeURL(raw string) (string, error) {
	clean, err := sanitizeAMQPURL(raw)
	if err != nil {
		return "", err
	}
	if !strings.HasSuffix(clean, "/") {
		clean += "/"
	}
	return clean, nil
}

func NewConsumer(amqpURL string, logger *zap.Logger) (*Consumer, error) {
	cleanURL, err := sanitizeURL(amqpURL)
	if err != nil {
		return nil, err
	}

	conn, err := amqp.Dial(cleanURL)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	// One unacked command at a time per consumer.
	if err := ch.Qos(1, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("set qos: %w", err)
	}

	return &Consumer{conn: conn, ch: ch, logger: logger.With(zap.String("component", "rabbitmq_consumer"))}, nil
}

// ConsumeWithBindings declares queueName (with its dead-letter queue), binds it to exchange
// for each routing key and dispatches deliveries on a background goroutine.
func (c *Consumer) ConsumeWithBindings(exchange, queueName string, bindings map[string]Handler) error {
	handlers := make(map[string]Handler, len(bindings))
	for routingKey, handler := range bindings {
		if handler != nil {
			handlers[routingKey] = handler
		}
	}
	if len(handlers) == 0 {
		return fmt.Errorf("no bindings provided")
	}

	if err := c.ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", exchange, err)
	}

	deadLetterQueue := queueName + deadLetterSuffix
	if _, err := c.ch.QueueDeclare(deadLetterQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", deadLetterQueue, err)
	}
	q, err := c.ch.QueueDeclare(queueName, true, false, false, false, amqp.Table{
		// The default exchange routes by queue name.
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": deadLetterQueue,
	})
	if err != nil {
		return fmt.Errorf("declare queue %s: %w", queueName, err)
	}

	for routingKey := range handlers {
		if err := c.ch.QueueBind(q.Name, routingKey, exchange, false, nil); err != nil {
			return fmt.Errorf("bind %s to %s: %w", routingKey, q.Name, err)
		}
	}

	msgs, err := c.ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", q.Name, err)
	}

	c.logger.Info("consuming", zap.String("queue", q.Name), zap.Int("bindings", len(handlers)))
	go func() {
		for d := range msgs {
			c.dispatch(handlers, d)
		}
		c.logger.Warn("delivery channel closed", zap.String("queue", q.Name))
	}()
	return nil
}

func (c *Consumer) dispatch(handlers map[string]Handler, d amqp.Delivery) {
	log := c.logger.With(zap.String("routing_key", d.RoutingKey), zap.Uint64("delivery_tag", d.DeliveryTag))

	handler, ok := handlers[d.RoutingKey]
	if !ok {
		log.Warn("no handler for routing key; acknowledging to drop")
		_ = d.Ack(false)
		return
	}
	if handler(d.Body) {
		_ = d.Ack(false)
		return
	}
	if d.Redelivered {
		log.Error("handler failed on redelivery; dead-lettering")
		_ = d.Nack(false, false)
		return
	}
	log.Warn("handler failed; re-queuing")
	_ = d.Nack(false, true)
}

func (c *Consumer) Close() {
	if c.ch != nil {
		c.ch.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}
