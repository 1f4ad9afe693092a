package rabbitmq

import (
	"context"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AttemptHeader counts deliveries of a job across retries.
const AttemptHeader = "x-attempt"

type Publisher struct {
	mu    sync.Mutex // amqp channels are not safe for concurrent publishing
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
}

// RetryQueue and DeadLetterQueue name the queues paired with queue.
func RetryQueue(queue string) string { return queue + ".retry" }
func DeadLetterQueue(queue string) string { return queue + ".dlq" }

// DeclareTopology declares the main queue with its retry and dead-letter
// queues. Publisher and worker both call it so the arguments always match.
func DeclareTopology(ch *amqp.Channel, queue string) error {
	mainQ := queue
	retryQ := RetryQueue(queue)
	dlqQ := DeadLetterQueue(queue)

	// DLQ
	if _, err := ch.QueueDeclare(
		dlqQ,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false,
		nil,
	); err != nil {
		return err
	}

	// Retry queue: message TTL -> dead-letter back to main queue
	if _, err := ch.QueueDeclare(
		retryQ,
		true,
		false,
		false,
		false,
		amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": mainQ,
		},
	); err != nil {
		return err
	}

	// Main queue: dead-letter to DLQ on reject/nack(requeue=false)
	_, err := ch.QueueDeclare(
		mainQ,
		true,
		false,
		false,
		false,
		amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": dlqQ,
		},
	)
	return err
}

func NewPublisher(url, queue string) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := DeclareTopology(ch, queue); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	return &Publisher{conn: conn, ch: ch, queue: queue}, nil
}

func (p *Publisher) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// Publish enqueues a JSON job body on the main queue.
func (p *Publisher) Publish(ctx context.Context, body []byte) error {
	return p.publish(ctx, p.queue, body, 1, 0)
}

// Retry re-enqueues body on the retry queue; it returns to the main queue
// after delay.
func (p *Publisher) Retry(ctx context.Context, body []byte, attempt int, delay time.Duration) error {
	return p.publish(ctx, RetryQueue(p.queue), body, attempt, delay)
}

func (p *Publisher) publish(ctx context.Context, queue string, body []byte, attempt int, delay time.Duration) error {
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
		Timestamp:    time.Now(),
		Headers:      amqp.Table{AttemptHeader: int32(attempt)},
	}
	if delay > 0 {
		msg.Expiration = strconv.FormatInt(delay.Milliseconds(), 10)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ch.PublishWithContext(cctx,
		"",    // default exchange
		queue, // routing key = queue
		false,
		false,
		msg,
	)
}

// Attempt reads the delivery count stamped by the publisher.
func Attempt(d amqp.Delivery) int {
	switch v := d.Headers[AttemptHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	}
	return 1
}
