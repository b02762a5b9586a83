package broker

import (
	"context"
	"errors"
	"fmt"
	"log"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Broker topology. Withdraw/control/virtual are direct exchanges keyed by
// the target identity so each agent only ever sees its own work; deposit,
// execute and notify are shared durable queues.
const (
	ExchangeWithdraw = "skne.withdraw"
	ExchangeControl  = "skne.control"
	ExchangeVirtual  = "skne.virtual.withdraw"

	QueueDeposit = "skne.deposit"
	QueueExecute = "skne.execute"
	QueueNotify  = "skne.notify"
	QueueEngine  = "skne"
)

// ErrRetry tells the consumer loop to negatively acknowledge the message
// for redelivery instead of dropping it.
var ErrRetry = errors.New("retry delivery")

// Handler processes one delivery. Returning nil acknowledges the message;
// ErrRetry requeues it; any other error drops it. Either way the message is
// settled only after the handler returned, i.e. after the state mutation
// committed.
type Handler func(ctx context.Context, d amqp.Delivery) error

// Broker wraps the AMQP connection and the engine's exchange/queue
// topology. All components receive it by injection.
type Broker struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

// Connect dials the broker, opens a channel with the given prefetch and
// declares the shared topology.
func Connect(url string, prefetch int) (*Broker, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := ch.Qos(prefetch, 0, false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to set prefetch: %w", err)
	}

	b := &Broker{conn: conn, ch: ch}
	if err := b.declareTopology(); err != nil {
		conn.Close()
		return nil, err
	}

	log.Printf("[Broker] Connected (prefetch %d)", prefetch)
	return b, nil
}

func (b *Broker) declareTopology() error {
	for _, exchange := range []string{ExchangeWithdraw, ExchangeControl, ExchangeVirtual} {
		if err := b.ch.ExchangeDeclare(exchange, "direct", true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
		}
	}
	for _, queue := range []string{QueueDeposit, QueueExecute, QueueNotify, QueueEngine} {
		if _, err := b.ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", queue, err)
		}
	}
	return nil
}

// DeclareAgentQueue creates the agent's private queue and binds it to the
// withdraw and control exchanges under the agent's own identity.
func (b *Broker) DeclareAgentQueue(steamID64 string) (string, error) {
	name := "skne.bot." + steamID64
	if _, err := b.ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
		return "", fmt.Errorf("failed to declare agent queue: %w", err)
	}
	for _, exchange := range []string{ExchangeWithdraw, ExchangeControl} {
		if err := b.ch.QueueBind(name, steamID64, exchange, false, nil); err != nil {
			return "", fmt.Errorf("failed to bind agent queue to %s: %w", exchange, err)
		}
	}
	return name, nil
}

// DeclareDepositGroupQueue creates the group-suffixed deposit queue.
func (b *Broker) DeclareDepositGroupQueue(group string) (string, error) {
	name := QueueDeposit + "." + group
	if _, err := b.ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
		return "", fmt.Errorf("failed to declare deposit group queue: %w", err)
	}
	return name, nil
}

// BindEngineToVirtual routes virtual-withdraw work for the given provider
// to the coordinator's queue.
func (b *Broker) BindEngineToVirtual(provider string) error {
	if err := b.ch.QueueBind(QueueEngine, provider, ExchangeVirtual, false, nil); err != nil {
		return fmt.Errorf("failed to bind engine queue: %w", err)
	}
	return nil
}

// Publish sends a persistent message on an exchange with a routing key.
func (b *Broker) Publish(ctx context.Context, exchange, key string, body []byte) error {
	err := b.ch.PublishWithContext(ctx, exchange, key, false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish to %s/%s: %w", exchange, key, err)
	}
	return nil
}

// SendToQueue sends a persistent message directly to a queue.
func (b *Broker) SendToQueue(ctx context.Context, queue string, body []byte) error {
	return b.Publish(ctx, "", queue, body)
}

// SendReply answers an execute request on its reply-to queue, echoing the
// request's correlation id.
func (b *Broker) SendReply(ctx context.Context, replyTo, correlationID string, body []byte) error {
	err := b.ch.PublishWithContext(ctx, "", replyTo, false, false, amqp.Publishing{
		CorrelationId: correlationID,
		Body:          body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish reply: %w", err)
	}
	return nil
}

// sendRequest publishes an execute request with correlation metadata.
func (b *Broker) sendRequest(ctx context.Context, queue, replyTo, correlationID string, body []byte) error {
	err := b.ch.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		DeliveryMode:  amqp.Persistent,
		CorrelationId: correlationID,
		ReplyTo:       replyTo,
		Body:          body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish request: %w", err)
	}
	return nil
}

// Consume runs the handler for every delivery on the queue until the
// context is cancelled. Acknowledgement follows the Handler contract.
func (b *Broker) Consume(ctx context.Context, queue string, handler Handler) error {
	deliveries, err := b.ch.ConsumeWithContext(ctx, queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to consume %s: %w", queue, err)
	}

	go func() {
		for d := range deliveries {
			err := handler(ctx, d)
			switch {
			case err == nil:
				_ = d.Ack(false)
			case errors.Is(err, ErrRetry):
				_ = d.Nack(false, true)
			default:
				log.Printf("[Broker] %s handler: %v", queue, err)
				_ = d.Nack(false, false)
			}
		}
	}()
	return nil
}

// Close shuts down the channel and connection.
func (b *Broker) Close() error {
	if err := b.ch.Close(); err != nil {
		return err
	}
	return b.conn.Close()
}
