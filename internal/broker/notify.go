package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/valyala/fasthttp"
)

// notification is the queued unit of delivery: one method call to one
// partner server.
type notification struct {
	Server string `json:"server"`
	Method string `json:"method"`
	Params any    `json:"params"`
}

// Notifier fans offer-change events out to partner servers through the
// notify queue, so delivery survives engine restarts and partner outages.
type Notifier struct {
	broker  *Broker
	servers []string
}

// NewNotifier creates a notifier with the default partner server set.
func NewNotifier(b *Broker, servers []string) *Notifier {
	return &Notifier{broker: b, servers: servers}
}

// Publish enqueues one delivery per default server plus each extra URL.
// Enqueue failures are logged, never propagated; a notification must not
// roll back the state change it describes.
func (n *Notifier) Publish(ctx context.Context, method string, params any, extra ...string) {
	targets := append(append([]string{}, n.servers...), extra...)
	for _, server := range targets {
		if server == "" {
			continue
		}
		body, err := json.Marshal(notification{Server: server, Method: method, Params: params})
		if err != nil {
			log.Printf("[Notifier] Failed to marshal %s notification: %v", method, err)
			continue
		}
		if err := n.broker.SendToQueue(ctx, QueueNotify, body); err != nil {
			log.Printf("[Notifier] Failed to enqueue %s notification for %s: %v", method, server, err)
		}
	}
}

// NotifyWorker drains the notify queue, delivering each notification as a
// JSON-RPC call to its partner server. Failed deliveries are requeued after
// a short delay.
type NotifyWorker struct {
	broker     *Broker
	client     *fasthttp.Client
	retryDelay time.Duration
	timeout    time.Duration
}

// NewNotifyWorker creates a delivery worker.
func NewNotifyWorker(b *Broker, retryDelay, requestTimeout time.Duration) *NotifyWorker {
	return &NotifyWorker{
		broker:     b,
		client:     &fasthttp.Client{},
		retryDelay: retryDelay,
		timeout:    requestTimeout,
	}
}

// Start begins consuming the notify queue.
func (w *NotifyWorker) Start(ctx context.Context) error {
	return w.broker.Consume(ctx, QueueNotify, w.handle)
}

func (w *NotifyWorker) handle(ctx context.Context, d amqp.Delivery) error {
	var note notification
	if err := json.Unmarshal(d.Body, &note); err != nil {
		return fmt.Errorf("malformed notification: %w", err)
	}

	if err := w.deliver(&note); err != nil {
		log.Printf("[Notifier] Delivery of %s to %s failed: %v", note.Method, note.Server, err)
		time.Sleep(w.retryDelay)
		return ErrRetry
	}
	return nil
}

func (w *NotifyWorker) deliver(note *notification) error {
	payload, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"method":  note.Method,
		"params":  note.Params,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(note.Server)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.SetBody(payload)

	if err := w.client.DoTimeout(req, resp, w.timeout); err != nil {
		return err
	}
	if code := resp.StatusCode(); code >= 300 {
		return fmt.Errorf("unexpected status %d", code)
	}
	return nil
}
