package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/containerd/log"
	"github.com/streadway/amqp"
)

// ResultsQueue is the single well-known queue worker agents publish task
// results to, distinct from the per-target task queues route_key derives.
// It is not itself route-keyed: every agent in the fleet reports back to
// the same dispatcher-owned result sink.
const ResultsQueue = "dibba_task_results"

// ResultMessage is what a worker agent posts back once it finishes
// executing a dispatched task, closing the loop get_task_status reads from.
type ResultMessage struct {
	TaskID    string `json:"task_id"`
	Status    string `json:"status"` // "SUCCESS" or "FAILURE"
	Result    any    `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// ResultConsumer drains ResultsQueue and applies each message to a TaskStore,
// giving get_task_status something other than PENDING to report once a
// worker agent finishes.
type ResultConsumer struct {
	ch    *amqp.Channel
	tasks *TaskStore
}

// NewResultConsumer declares ResultsQueue, binds it to exchange, and
// returns a consumer ready to Run.
func NewResultConsumer(ch *amqp.Channel, exchange string, tasks *TaskStore) (*ResultConsumer, error) {
	if _, err := ch.QueueDeclare(ResultsQueue, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("dispatcher: declare results queue: %w", err)
	}
	if err := ch.QueueBind(ResultsQueue, ResultsQueue, exchange, false, nil); err != nil {
		return nil, fmt.Errorf("dispatcher: bind results queue: %w", err)
	}
	return &ResultConsumer{ch: ch, tasks: tasks}, nil
}

// Tasks exposes the TaskStore this consumer applies results to, so callers
// can hand the same store to Server without constructing it twice.
func (c *ResultConsumer) Tasks() *TaskStore {
	return c.tasks
}

// Run consumes deliveries until ctx is cancelled or the channel closes.
func (c *ResultConsumer) Run(ctx context.Context) error {
	deliveries, err := c.ch.Consume(ResultsQueue, "dispatcher", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("dispatcher: consume results queue: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			c.apply(ctx, d)
		}
	}
}

func (c *ResultConsumer) apply(ctx context.Context, d amqp.Delivery) {
	var msg ResultMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		log.G(ctx).WithError(err).Warn("dispatcher: malformed task result, dropping")
		_ = d.Nack(false, false)
		return
	}
	switch TaskState(msg.Status) {
	case TaskSuccess:
		c.tasks.Complete(msg.TaskID, msg.Result)
	default:
		c.tasks.Fail(msg.TaskID, msg.Error, msg.Retryable)
	}
	_ = d.Ack(false)
}
