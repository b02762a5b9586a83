package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"skne-engine/pkg/uid"
)

// ErrRPCTimeout is returned when an execute request gets no reply within
// the configured deadline.
var ErrRPCTimeout = errors.New("rpc request timed out")

// rpcMaxPending caps the correlation table so a stalled responder cannot
// grow it without bound.
const rpcMaxPending = 1024

// CallError is a responder-reported failure. Payload carries the reply's
// error string verbatim so callers can inspect structured payloads without
// stripping the method prefix back off.
type CallError struct {
	Method  string
	Payload string
}

func (e *CallError) Error() string {
	return e.Method + ": " + e.Payload
}

// Request is the envelope published to the execute queue.
type Request struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Reply is the envelope sent back on the reply-to queue.
type Reply struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// RPCClient issues request/reply calls over the execute queue, matching
// replies to callers by correlation id.
type RPCClient struct {
	broker  *Broker
	replyTo string
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]chan Reply
}

// NewRPCClient creates a client that receives replies on the given queue.
// The owner must route that queue's correlated deliveries into HandleReply.
func NewRPCClient(b *Broker, replyTo string, timeout time.Duration) *RPCClient {
	return &RPCClient{
		broker:  b,
		replyTo: replyTo,
		timeout: timeout,
		pending: make(map[string]chan Reply),
	}
}

// Call publishes a request and blocks until the correlated reply arrives,
// the timeout elapses or the context is cancelled.
func (c *RPCClient) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
		raw = data
	}

	body, err := json.Marshal(Request{Method: method, Params: raw})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	corrID := uid.New()
	ch := make(chan Reply, 1)

	c.mu.Lock()
	if len(c.pending) >= rpcMaxPending {
		c.mu.Unlock()
		return nil, errors.New("too many pending rpc requests")
	}
	c.pending[corrID] = ch
	c.mu.Unlock()
	defer c.forget(corrID)

	if err := c.broker.sendRequest(ctx, QueueExecute, c.replyTo, corrID, body); err != nil {
		return nil, err
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case reply := <-ch:
		if reply.Error != "" {
			return nil, &CallError{Method: method, Payload: reply.Error}
		}
		return reply.Result, nil
	case <-timer.C:
		return nil, fmt.Errorf("%s: %w", method, ErrRPCTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// HandleReply resolves a pending call from a correlated delivery. It
// returns false when no caller is waiting, e.g. a reply that arrived after
// its timeout.
func (c *RPCClient) HandleReply(d amqp.Delivery) bool {
	if d.CorrelationId == "" {
		return false
	}

	c.mu.Lock()
	ch, ok := c.pending[d.CorrelationId]
	delete(c.pending, d.CorrelationId)
	c.mu.Unlock()
	if !ok {
		return false
	}

	var reply Reply
	if err := json.Unmarshal(d.Body, &reply); err != nil {
		reply = Reply{Error: fmt.Sprintf("malformed reply: %v", err)}
	}
	ch <- reply
	return true
}

func (c *RPCClient) forget(corrID string) {
	c.mu.Lock()
	delete(c.pending, corrID)
	c.mu.Unlock()
}

// RPCHandler serves one execute method.
type RPCHandler func(ctx context.Context, params json.RawMessage) (any, error)

// RPCServer consumes the execute queue and dispatches requests to
// registered method handlers.
type RPCServer struct {
	broker   *Broker
	handlers map[string]RPCHandler
}

// NewRPCServer creates an execute-queue server.
func NewRPCServer(b *Broker) *RPCServer {
	return &RPCServer{broker: b, handlers: make(map[string]RPCHandler)}
}

// Register adds a method handler. Must be called before Start.
func (s *RPCServer) Register(method string, handler RPCHandler) {
	s.handlers[method] = handler
}

// Start begins consuming the execute queue.
func (s *RPCServer) Start(ctx context.Context) error {
	return s.broker.Consume(ctx, QueueExecute, s.handle)
}

func (s *RPCServer) handle(ctx context.Context, d amqp.Delivery) error {
	var req Request
	if err := json.Unmarshal(d.Body, &req); err != nil {
		return fmt.Errorf("malformed request: %w", err)
	}

	handler, ok := s.handlers[req.Method]
	if !ok {
		return s.reply(ctx, d, Reply{Error: "unknown method: " + req.Method})
	}

	result, err := handler(ctx, req.Params)
	if err != nil {
		return s.reply(ctx, d, Reply{Error: err.Error()})
	}

	data, err := json.Marshal(result)
	if err != nil {
		return s.reply(ctx, d, Reply{Error: fmt.Sprintf("failed to marshal result: %v", err)})
	}
	return s.reply(ctx, d, Reply{Result: data})
}

func (s *RPCServer) reply(ctx context.Context, d amqp.Delivery, reply Reply) error {
	if d.ReplyTo == "" {
		return nil
	}
	body, err := json.Marshal(reply)
	if err != nil {
		return fmt.Errorf("failed to marshal reply: %w", err)
	}
	return s.broker.SendReply(ctx, d.ReplyTo, d.CorrelationId, body)
}
