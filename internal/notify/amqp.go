package notify

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
)

// amqpChannel is the part of *amqp091.Channel the notifier uses.
type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	NotifyClose(c chan *amqp091.Error) chan *amqp091.Error
	IsClosed() bool
	Close() error
}

// AMQPNotifier publishes envelopes to a durable topic exchange. The routing
// key is the event type. One channel is shared by all publishes and reopened
// after the broker closes it.
type AMQPNotifier struct {
	conn     *amqp091.Connection
	exchange string
	log      *slog.Logger
	open     func() (amqpChannel, error)

	mu sync.Mutex
	ch amqpChannel
}

func NewAMQPNotifier(url, exchange string, logger *slog.Logger) (*AMQPNotifier, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, err
	}

	n := newAMQPNotifier(exchange, logger, func() (amqpChannel, error) {
		ch, err := conn.Channel()
		if err != nil {
			return nil, err
		}
		return ch, nil
	})
	n.conn = conn
	n.mu.Lock()
	n.watch(ch)
	n.mu.Unlock()
	return n, nil
}

func newAMQPNotifier(exchange string, logger *slog.Logger, open func() (amqpChannel, error)) *AMQPNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &AMQPNotifier{exchange: exchange, log: logger, open: open}
}

// channel returns the shared channel, opening a new one when there is none
// or the current one was closed. n.mu must be held.
func (n *AMQPNotifier) channel() (amqpChannel, error) {
	if n.ch != nil && !n.ch.IsClosed() {
		return n.ch, nil
	}
	ch, err := n.open()
	if err != nil {
		return nil, err
	}
	n.watch(ch)
	return ch, nil
}

// watch makes ch the shared channel and forgets it once the broker closes it.
// n.mu must be held.
func (n *AMQPNotifier) watch(ch amqpChannel) {
	n.ch = ch
	closed := ch.NotifyClose(make(chan *amqp091.Error, 1))
	go func() {
		amqpErr, ok := <-closed
		if ok && amqpErr != nil {
			n.log.Warn("amqp channel closed", slog.String("exchange", n.exchange), slog.String("reason", amqpErr.Reason))
		}
		n.mu.Lock()
		if n.ch == ch {
			n.ch = nil
		}
		n.mu.Unlock()
	}()
}

func (n *AMQPNotifier) Publish(ctx context.Context, eventType, contactID string, data any) error {
	env := newEnvelope(eventType, contactID, data)
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	ch, err := n.channel()
	if err != nil {
		return err
	}

	err = ch.PublishWithContext(ctx, n.exchange, eventType, false, false, amqp091.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp091.Transient,
		MessageId:     env.Meta.ID,
		CorrelationId: contactID,
		Timestamp:     env.Meta.Time,
		Body:          body,
	})
	if err != nil {
		if errors.Is(err, amqp091.ErrClosed) {
			n.ch = nil
		}
		return err
	}
	n.log.Debug("published", slog.String("key", eventType), slog.String("exchange", n.exchange))
	return nil
}

func (n *AMQPNotifier) Close() error {
	n.mu.Lock()
	if n.ch != nil {
		_ = n.ch.Close()
		n.ch = nil
	}
	n.mu.Unlock()
	if n.conn == nil {
		return nil
	}
	return n.conn.Close()
}

func newEnvelope(eventType, contactID string, data any) Envelope {
	p := producer
	meta := Meta{
		ID:       uuid.NewString(),
		Producer: &p,
		Time:     time.Now().UTC(),
		Type:     eventType,
	}
	if contactID != "" {
		cid := contactID
		meta.CorrelationID = &cid
	}
	return Envelope{Meta: meta, Data: data}
}
