package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/streadway/amqp"

	"github.com/tkcreddy/dibba/pkg/config"
)

// TaskMessage is the §6 queue wire format: {task_id, func, args, kwargs}.
type TaskMessage struct {
	TaskID string         `json:"task_id"`
	Func   string         `json:"func"`
	Args   []any          `json:"args"`
	Kwargs map[string]any `json:"kwargs"`
}

// Publisher publishes task messages to routing-key-named queues bound to
// the one direct exchange dibba uses for all task transport.
type Publisher struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
}

// NewPublisher dials the broker at cfg.URL, opens a channel, and declares
// the direct exchange cfg.Exchange defaults to if unset.
func NewPublisher(cfg config.AMQPConfig) (*Publisher, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("dispatcher: open amqp channel: %w", err)
	}
	exchange := cfg.Exchange
	if exchange == "" {
		exchange = config.DefaultExchange
	}
	if err := ch.ExchangeDeclare(exchange, "direct", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("dispatcher: declare exchange %s: %w", exchange, err)
	}
	return &Publisher{conn: conn, ch: ch, exchange: exchange}, nil
}

// Channel exposes the underlying AMQP channel so callers can wire a
// ResultConsumer onto the same connection without dialing twice.
func (p *Publisher) Channel() *amqp.Channel {
	return p.ch
}

// Close tears down the channel and connection.
func (p *Publisher) Close() error {
	chErr := p.ch.Close()
	connErr := p.conn.Close()
	if chErr != nil {
		return chErr
	}
	return connErr
}

// Publish declares routingKey's queue (idempotent, matching the queue's own
// name), binds it to the exchange, and publishes msg as a persistent JSON
// message. routingKey is always the output of router.RouteKey — callers
// never publish to a plaintext logical name.
func (p *Publisher) Publish(ctx context.Context, routingKey string, msg TaskMessage) error {
	if _, err := p.ch.QueueDeclare(routingKey, true, false, false, false, nil); err != nil {
		return fmt.Errorf("dispatcher: declare queue %s: %w", routingKey, err)
	}
	if err := p.ch.QueueBind(routingKey, routingKey, p.exchange, false, nil); err != nil {
		return fmt.Errorf("dispatcher: bind queue %s: %w", routingKey, err)
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("dispatcher: encode task message: %w", err)
	}
	return p.ch.Publish(p.exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
}
