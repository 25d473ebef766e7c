package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/containerd/log"
	"github.com/streadway/amqp"

	"github.com/tkcreddy/dibba/pkg/dispatcher"
)

// AMQPConsumer adapts a *amqp.Channel bound to the agent's own hostname
// queue to the Consumer interface Agent.Run drives.
type AMQPConsumer struct {
	Channel  *amqp.Channel
	Exchange string
	Queue    string // route_key(local_hostname)
}

// Consume declares and binds the hostname queue, then returns a channel of
// decoded task messages, acking each delivery as it is handed off.
func (c *AMQPConsumer) Consume(ctx context.Context) (<-chan dispatcher.TaskMessage, error) {
	if _, err := c.Channel.QueueDeclare(c.Queue, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("agent: declare queue %s: %w", c.Queue, err)
	}
	if err := c.Channel.QueueBind(c.Queue, c.Queue, c.Exchange, false, nil); err != nil {
		return nil, fmt.Errorf("agent: bind queue %s: %w", c.Queue, err)
	}
	deliveries, err := c.Channel.Consume(c.Queue, "worker-agent", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("agent: consume queue %s: %w", c.Queue, err)
	}

	out := make(chan dispatcher.TaskMessage)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				var msg dispatcher.TaskMessage
				if err := json.Unmarshal(d.Body, &msg); err != nil {
					log.G(ctx).WithError(err).Warn("agent: malformed task message, dropping")
					_ = d.Nack(false, false)
					continue
				}
				_ = d.Ack(false)
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// AMQPResultPublisher adapts a *amqp.Channel to ResultPublisher, publishing
// to the dispatcher's well-known results queue.
type AMQPResultPublisher struct {
	Channel  *amqp.Channel
	Exchange string
}

func (p *AMQPResultPublisher) PublishResult(ctx context.Context, msg dispatcher.ResultMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("agent: encode task result: %w", err)
	}
	return p.Channel.Publish(p.Exchange, dispatcher.ResultsQueue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
}
