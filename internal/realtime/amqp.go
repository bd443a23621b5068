// Package realtime delivers chat-activity notifications to interested
// consumers: a RabbitMQ queue for backend workers and a websocket hub for
// connected frontends.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"

	"zapcrm/internal/ingest"
)

// AMQPPublisher publishes chat activity to a durable RabbitMQ queue.
type AMQPPublisher struct {
	conn  *amqp091.Connection
	ch    *amqp091.Channel
	queue string

	// amqp091 channels are not safe for concurrent publish.
	mu sync.Mutex
}

// NewAMQPPublisher connects, opens a channel and declares the queue once at
// startup. The declare is idempotent, so a pre-existing queue is fine.
func NewAMQPPublisher(url, queue string) (*AMQPPublisher, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if _, err := ch.QueueDeclare(
		queue,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,
	); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	log.Info().Str("queue", queue).Msg("RabbitMQ connection established")
	return &AMQPPublisher{conn: conn, ch: ch, queue: queue}, nil
}

func (p *AMQPPublisher) PublishActivity(ctx context.Context, activity ingest.ChatActivity) error {
	body, err := json.Marshal(activity)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	err = p.ch.PublishWithContext(ctx,
		"",      // default exchange
		p.queue, // routing key = queue
		false,   // mandatory
		false,   // immediate
		amqp091.Publishing{
			ContentType: "application/json",
			Body:        body,
		},
	)
	if err != nil {
		log.Error().Err(err).Str("queue", p.queue).Msg("Could not publish to RabbitMQ")
		return err
	}
	log.Debug().
		Str("queue", p.queue).
		Int64("chatID", activity.ChatID).
		Msg("Published chat activity to RabbitMQ")
	return nil
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	chErr := p.ch.Close()
	connErr := p.conn.Close()
	return errors.Join(chErr, connErr)
}

// NopPublisher drops activity. Used when no RabbitMQ URL is configured.
type NopPublisher struct{}

func (NopPublisher) PublishActivity(context.Context, ingest.ChatActivity) error { return nil }

// Fanout publishes to every target, attempting all of them even when one
// fails.
type Fanout struct {
	targets []ingest.Publisher
}

func NewFanout(targets ...ingest.Publisher) *Fanout {
	return &Fanout{targets: targets}
}

func (f *Fanout) PublishActivity(ctx context.Context, activity ingest.ChatActivity) error {
	var errs []error
	for _, t := range f.targets {
		if err := t.PublishActivity(ctx, activity); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
