// internal/queue/rabbitmq.go
package queue

import (
	"fmt"
	"time"

	"github.com/streadway/amqp"
)

// Logical queues shared with the transfer agent.
const (
	// OutgoingMailQueue carries accepted messages to the transfer agent,
	// priority-ordered 0-3.
	OutgoingMailQueue = "mail::outgoing_mails"
	// OutgoingMailStatusQueue carries queue_ok/bounce/deferred/delivered
	// events back from the transfer agent.
	OutgoingMailStatusQueue = "mail_agent::outgoing_mails_status"

	maxQueuePriority = 3
	dialTimeout      = 10 * time.Second
)

// Delivery is one message pulled off a queue. Tag must be acked after the
// event has been applied locally.
type Delivery struct {
	Body  []byte
	Tag   uint64
	AppID string
}

// Client is the broker surface the pipeline depends on. *RabbitMQ implements
// it; tests substitute in-memory fakes.
type Client interface {
	Publish(queueName string, body []byte, priority uint8) error
	Get(queueName string) (*Delivery, error)
	Ack(tag uint64) error
	Close() error
}

// RabbitMQ wraps one AMQP connection and channel.
type RabbitMQ struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

// Dial connects to the broker and declares the relay's queues. The outgoing
// queue is declared with x-max-priority so priority-3 publishes overtake
// lower bands.
func Dial(url string) (*RabbitMQ, error) {
	conn, err := amqp.DialConfig(url, amqp.Config{Dial: amqp.DefaultDial(dialTimeout)})
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	_, err = ch.QueueDeclare(
		OutgoingMailQueue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		amqp.Table{"x-max-priority": int32(maxQueuePriority)},
	)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare %s: %w", OutgoingMailQueue, err)
	}

	_, err = ch.QueueDeclare(OutgoingMailStatusQueue, true, false, false, false, nil)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare %s: %w", OutgoingMailStatusQueue, err)
	}

	return &RabbitMQ{conn: conn, ch: ch}, nil
}

// Publish sends a persistent message to the named queue.
func (r *RabbitMQ) Publish(queueName string, body []byte, priority uint8) error {
	return r.ch.Publish(
		"", // default exchange
		queueName,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Priority:     priority,
			Body:         body,
		},
	)
}

// Get pulls a single message without auto-ack. Returns nil when the queue is
// empty.
func (r *RabbitMQ) Get(queueName string) (*Delivery, error) {
	msg, ok, err := r.ch.Get(queueName, false)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return &Delivery{Body: msg.Body, Tag: msg.DeliveryTag, AppID: msg.AppId}, nil
}

func (r *RabbitMQ) Ack(tag uint64) error {
	return r.ch.Ack(tag, false)
}

func (r *RabbitMQ) Close() error {
	if r.ch != nil {
		r.ch.Close()
	}
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}

func (r *RabbitMQ) healthy() bool {
	return r.conn != nil && !r.conn.IsClosed()
}
