package rabbit

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/curtisnewbie/lakepersist/core"
	"github.com/curtisnewbie/lakepersist/encoding/json"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/spf13/cast"
)

var (
	_ Handler = HandlerFunc(nil)
)

// Event is a decoded delivery.
type Event struct {
	RoutingKey  string
	Queue       string
	MessageId   string
	Redelivered bool
	Timestamp   time.Time
	Payload     map[string]any
	Body        []byte // raw json body
}

// Bind the json body to ptr.
func (e Event) Bind(ptr any) error {
	return json.ParseJson(e.Body, ptr)
}

// Handler of deliveries from one queue.
//
// Deliveries are at-least-once, handler must tolerate duplicates.
type Handler interface {
	Handle(rail core.Rail, evt Event) Outcome
}

type HandlerFunc func(rail core.Rail, evt Event) Outcome

func (f HandlerFunc) Handle(rail core.Rail, evt Event) Outcome {
	return f(rail, evt)
}

// Subscription binds Queue to the exchange with Pattern, deliveries from Queue are handled by Handler.
type Subscription struct {
	Pattern string
	Queue   string
	Handler Handler
}

type SubscriptionStats struct {
	Pattern   string
	Queue     string
	Delivered uint64
	Failed    uint64
	Acked     uint64
	Requeued  uint64
	Rejected  uint64
}

type subscription struct {
	Subscription

	// held while a delivery is handled, consumers of the lost and the restored session never overlap
	handling sync.Mutex

	delivered atomic.Uint64
	failed    atomic.Uint64
	acked     atomic.Uint64
	requeued  atomic.Uint64
	rejected  atomic.Uint64
}

func (s *subscription) stats() SubscriptionStats {
	return SubscriptionStats{
		Pattern:   s.Pattern,
		Queue:     s.Queue,
		Delivered: s.delivered.Load(),
		Failed:    s.failed.Load(),
		Acked:     s.acked.Load(),
		Requeued:  s.requeued.Load(),
		Rejected:  s.rejected.Load(),
	}
}

/*
Subscribe to the exchange.

The durable queue is declared and bound to the exchange using the pattern, then the handler starts consuming
from it in a dedicated goroutine, deliveries of the queue are handled one at a time in order.

The subscription is remembered and restored on reconnect. Each queue can only be subscribed once.
*/
func (c *Client) Subscribe(rail core.Rail, sub Subscription) error {
	if err := ValidatePattern(sub.Pattern); err != nil {
		return &BindingError{Queue: sub.Queue, Pattern: sub.Pattern, Op: "validate", Err: err}
	}
	if strings.TrimSpace(sub.Queue) == "" {
		return &BindingError{Queue: sub.Queue, Pattern: sub.Pattern, Op: "validate", Err: ErrInvalidQueue}
	}
	if sub.Handler == nil {
		return &BindingError{Queue: sub.Queue, Pattern: sub.Pattern, Op: "validate", Err: errors.New("handler is nil")}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if s := c.State(); s != Connected || c.sess == nil {
		return &ConnectionError{Op: "subscribe", State: s, Err: stateErr(s)}
	}
	for _, s := range c.subs {
		if s.Queue == sub.Queue {
			return &BindingError{Queue: sub.Queue, Pattern: sub.Pattern, Op: "register", Err: ErrDuplicateQueue}
		}
	}

	rs := &subscription{Subscription: sub}
	if err := c.startConsumer(rail, c.sess, rs); err != nil {
		rail.Errorf("Failed to subscribe to '%s' on queue '%s', %v", sub.Pattern, sub.Queue, err)
		return err
	}
	c.subs = append(c.subs, rs)
	rail.Infof("Subscribed to '%s' on queue '%s'", sub.Pattern, sub.Queue)
	return nil
}

// Subscribe using HandlerFunc.
func (c *Client) SubscribeFunc(rail core.Rail, pattern string, queue string, f HandlerFunc) error {
	var h Handler
	if f != nil {
		h = f
	}
	return c.Subscribe(rail, Subscription{Pattern: pattern, Queue: queue, Handler: h})
}

// Registered subscriptions.
func (c *Client) Subscriptions() []Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	subs := make([]Subscription, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s.Subscription)
	}
	return subs
}

// Delivery counters of each subscription.
func (c *Client) Stats() []SubscriptionStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := make([]SubscriptionStats, 0, len(c.subs))
	for _, s := range c.subs {
		st = append(st, s.stats())
	}
	return st
}

// caller must hold c.mu
func (c *Client) restoreSubscriptions(rail core.Rail, sess *session) error {
	for _, s := range c.subs {
		if err := c.startConsumer(rail, sess, s); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) startConsumer(rail core.Rail, sess *session, sub *subscription) error {
	if err := c.declareQueue(rail, sess.ch, sub.Subscription); err != nil {
		return err
	}
	deliveries, err := sess.ch.Consume(sub.Queue, "", false, false, false, false, nil)
	if err != nil {
		return &BindingError{Queue: sub.Queue, Pattern: sub.Pattern, Op: "consume", Err: err}
	}
	go c.consume(sess, sub, deliveries)
	return nil
}

// deliveries channel is closed when the channel or the connection is closed.
func (c *Client) consume(sess *session, sub *subscription, deliveries <-chan amqp.Delivery) {
	core.Debugf("Consumer of queue '%s' started", sub.Queue)
	defer core.Debugf("Consumer of queue '%s' stopped", sub.Queue)

	for d := range deliveries {
		sub.handling.Lock()
		c.dispatch(sess, sub, d)
		sub.handling.Unlock()
	}
}

func (c *Client) dispatch(sess *session, sub *subscription, d amqp.Delivery) {
	start := time.Now()
	rail := deliveryRail(sess.ctx, d)
	sub.delivered.Add(1)
	c.metrics.observeDelivery(sub.Queue)

	if rail.IsDone() {
		rail.Warnf("Session is closed, abandoned message '%s' from queue '%s'", d.MessageId, sub.Queue)
		return
	}

	out, failure := c.handle(rail, sub, d)
	if failure != nil {
		sub.failed.Add(1)
		c.metrics.observeFailure(sub.Queue, failure.Stage)
		rail.Errorf("Failed to handle message, outcome: %s, %v", out.Kind, failure)
	}

	action := c.ackPolicy.Decide(out, d.Redelivered)
	if rail.IsDone() {
		rail.Warnf("Session is closed, message '%s' from queue '%s' is not acked", d.MessageId, sub.Queue)
		return
	}
	c.ack(rail, sub, d, action)
	c.metrics.observeAck(sub.Queue, action, time.Since(start))
}

// Rail of the delivery, trace id is propagated from message headers.
func deliveryRail(ctx context.Context, d amqp.Delivery) core.Rail {
	rail := core.NewRail(ctx)
	if v, ok := d.Headers[core.XTraceId]; ok && v != nil {
		if traceId := cast.ToString(v); traceId != "" {
			rail = rail.WithCtxVal(core.XTraceId, traceId)
		}
	}
	return rail
}

func (c *Client) handle(rail core.Rail, sub *subscription, d amqp.Delivery) (Outcome, *HandlerFailure) {
	newFailure := func(stage string, err error) *HandlerFailure {
		return &HandlerFailure{Queue: sub.Queue, RoutingKey: d.RoutingKey, MessageId: d.MessageId, Stage: stage, Err: err}
	}

	evt, err := decodeEvent(sub.Queue, d)
	if err != nil {
		f := newFailure(StageDecode, err)
		return Permanent(f), f
	}
	if core.IsDebugLevel() {
		rail.Debugf("Received message '%s' from '%s' on queue '%s': %s", d.MessageId, d.RoutingKey, sub.Queue, d.Body)
	}

	out := invokeHandler(rail, sub.Handler, evt)
	if out.IsSuccess() {
		return out, nil
	}
	if out.Err == nil {
		out.Err = fmt.Errorf("handler reported %s failure", out.Kind)
	}
	f := newFailure(StageHandle, out.Err)
	return Outcome{Kind: out.Kind, Err: f}, f
}

func invokeHandler(rail core.Rail, h Handler, evt Event) (out Outcome) {
	defer func() {
		if v := recover(); v != nil {
			rail.Errorf("Panic recovered, %v\n%s", v, debug.Stack())
			out = Permanent(fmt.Errorf("handler panic recovered, %v", v))
		}
	}()
	return h.Handle(rail, evt)
}

func (c *Client) ack(rail core.Rail, sub *subscription, d amqp.Delivery, action AckAction) {
	var err error
	switch action {
	case AckActionRequeue:
		err = d.Nack(false, true)
	case AckActionReject:
		err = d.Reject(false)
	default:
		err = d.Ack(false)
	}
	if err != nil {
		rail.Errorf("Failed to %s message '%s' from queue '%s', it will be redelivered, %v", action, d.MessageId, sub.Queue, err)
		return
	}

	switch action {
	case AckActionRequeue:
		sub.requeued.Add(1)
		rail.Warnf("Requeued message '%s' from queue '%s'", d.MessageId, sub.Queue)
	case AckActionReject:
		sub.rejected.Add(1)
		rail.Warnf("Rejected message '%s' from queue '%s'", d.MessageId, sub.Queue)
	default:
		sub.acked.Add(1)
	}
}

func decodeEvent(queue string, d amqp.Delivery) (Event, error) {
	evt := Event{
		RoutingKey:  d.RoutingKey,
		Queue:       queue,
		MessageId:   d.MessageId,
		Redelivered: d.Redelivered,
		Timestamp:   d.Timestamp,
		Body:        d.Body,
	}

	ct := d.ContentType
	if i := strings.IndexByte(ct, ';'); i > -1 {
		ct = ct[:i]
	}
	ct = strings.ToLower(strings.TrimSpace(ct))
	if ct != "" && ct != ContentTypeJson {
		return evt, fmt.Errorf("%w: '%s'", ErrUnsupportedContentType, d.ContentType)
	}

	p, err := json.ParseObject(d.Body)
	if err != nil {
		return evt, fmt.Errorf("failed to decode message body, %w", err)
	}
	evt.Payload = p
	return evt, nil
}
