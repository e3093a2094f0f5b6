package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/suPer8Hu/orientation-assistant/internal/audit"
)

const (
	attemptHeader = "x-attempt"
	// retry delay before a failed record goes back to the main queue
	retryTTL = 5 * time.Second
)

// Publisher ships audit records to a durable queue. It satisfies
// audit.Sink so the recorder can hand records off to cmd/worker instead of
// writing to the database inline.
type Publisher struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
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

// DeclareTopology declares the main queue plus its retry and dead-letter
// queues. Publisher and consumer must agree on these arguments.
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

func RetryQueue(queue string) string      { return queue + ".retry" }
func DeadLetterQueue(queue string) string { return queue + ".dlq" }

func (p *Publisher) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// Write publishes rec to the main queue.
func (p *Publisher) Write(ctx context.Context, rec audit.Record) error {
	body, err := Encode(rec)
	if err != nil {
		return err
	}
	return p.publish(ctx, p.queue, body, 0, "")
}

// Retry parks body on the retry queue; it returns to the main queue after
// retryTTL with the attempt counter bumped.
func (p *Publisher) Retry(ctx context.Context, body []byte, attempt int) error {
	return p.publish(ctx, RetryQueue(p.queue), body, attempt, strconv.FormatInt(retryTTL.Milliseconds(), 10))
}

func (p *Publisher) publish(ctx context.Context, queue string, body []byte, attempt int, expiration string) error {
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return p.ch.PublishWithContext(cctx,
		"",    // default exchange
		queue, // routing key = queue
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
			Timestamp:    time.Now(),
			Expiration:   expiration,
			Headers:      amqp.Table{attemptHeader: int32(attempt)},
		},
	)
}

func Encode(rec audit.Record) ([]byte, error) {
	return json.Marshal(rec)
}

// Decode parses a queued record and rejects bodies missing the fields the
// audit table requires.
func Decode(body []byte) (audit.Record, error) {
	var rec audit.Record
	if err := json.Unmarshal(body, &rec); err != nil {
		return audit.Record{}, err
	}
	if rec.ID == "" || rec.PseudonymPatientID == "" || rec.Kind == "" {
		return audit.Record{}, errors.New("rabbitmq: incomplete audit record")
	}
	return rec, nil
}

// Attempt reads the delivery attempt counter set by Retry.
func Attempt(headers amqp.Table) int {
	switch v := headers[attemptHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	}
	return 0
}
