package rabbit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/curtisnewbie/lakepersist/core"
	"github.com/curtisnewbie/lakepersist/encoding/json"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	ContentTypeJson = "application/json"
)

/*
Publish payload as a persistent json message to the exchange.

It returns nil only after the broker confirms the message. Queues bound later don't receive it. Nothing is
buffered or retried, any failure is returned as *PublishError and the caller decides what to do.

Trace id of the rail is propagated through message headers.
*/
func (c *Client) Publish(rail core.Rail, routingKey string, payload any) (err error) {
	defer func() { c.metrics.observePublish(routingKey, err) }()

	if err := ValidateRoutingKey(routingKey); err != nil {
		return c.publishErr(routingKey, err)
	}
	body, err := json.WriteJson(payload)
	if err != nil {
		return c.publishErr(routingKey, fmt.Errorf("failed to encode payload, %w", err))
	}

	c.pubMu.Lock()
	defer c.pubMu.Unlock()

	c.mu.Lock()
	sess, s := c.sess, c.State()
	c.mu.Unlock()
	if s != Connected || sess == nil {
		return c.publishErr(routingKey, &ConnectionError{Op: "publish", State: s, Err: stateErr(s)})
	}

	msg := amqp.Publishing{
		Headers: amqp.Table{
			core.XTraceId: rail.TraceId(),
			core.XSpanId:  rail.SpanId(),
		},
		ContentType:  ContentTypeJson,
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now(),
		AppId:        c.connName,
		Body:         body,
	}

	ctx, cancel := context.WithTimeout(rail.Context(), c.confirmTimeout)
	defer cancel()

	if err := sess.ch.PublishWithContext(ctx, c.exchange, routingKey, false, false, msg); err != nil {
		return c.publishErr(routingKey, err)
	}
	sess.published++
	if err := c.waitConfirm(ctx, sess, sess.published); err != nil {
		return c.publishErr(routingKey, err)
	}

	rail.Debugf("Published message '%s' to exchange '%s' with routing key '%s'", msg.MessageId, c.exchange, routingKey)
	return nil
}

func (c *Client) waitConfirm(ctx context.Context, sess *session, tag uint64) error {
	for {
		select {
		case conf, ok := <-sess.confirms:
			if !ok {
				return &ConnectionError{Op: "publish confirm", State: c.State(), Err: ErrNotConnected}
			}
			if conf.DeliveryTag < tag {
				continue // late confirm of a timed-out publish
			}
			if !conf.Ack {
				return ErrPublishNacked
			}
			return nil
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return ErrPublishTimeout
			}
			return ctx.Err()
		}
	}
}

func (c *Client) publishErr(routingKey string, err error) error {
	return &PublishError{Exchange: c.exchange, RoutingKey: routingKey, Err: err}
}
