package rabbit

import (
	"fmt"

	"github.com/curtisnewbie/lakepersist/core"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	argDeadLetterExchange   = "x-dead-letter-exchange"
	argDeadLetterRoutingKey = "x-dead-letter-routing-key"
)

// Name of the dead letter queue for the queue.
func DeadLetterQueue(queue string) string {
	return queue + ".dlq"
}

// Declare the durable topic exchange, and the dead letter exchange if DeadLetter policy is used.
func (c *Client) declareExchange(rail core.Rail, ch Channel) error {
	if err := ch.ExchangeDeclare(c.exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange '%s', %w", c.exchange, err)
	}
	rail.Debugf("Declared topic exchange '%s'", c.exchange)

	if c.ackPolicy.DeadLettering() {
		if err := ch.ExchangeDeclare(c.dlx, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare dead letter exchange '%s', %w", c.dlx, err)
		}
		rail.Debugf("Declared dead letter exchange '%s'", c.dlx)
	}
	return nil
}

// Declare the subscription's durable queue and bind it to the exchange.
func (c *Client) declareQueue(rail core.Rail, ch Channel, sub Subscription) error {
	bindingErr := func(op string, err error) error {
		return &BindingError{Queue: sub.Queue, Pattern: sub.Pattern, Op: op, Err: err}
	}

	var args amqp.Table
	if c.ackPolicy.DeadLettering() {
		dlq := DeadLetterQueue(sub.Queue)
		if _, err := ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
			return bindingErr("declare dead letter queue", err)
		}
		if err := ch.QueueBind(dlq, sub.Queue, c.dlx, false, nil); err != nil {
			return bindingErr("bind dead letter queue", err)
		}
		rail.Debugf("Declared dead letter queue '%s' on exchange '%s'", dlq, c.dlx)
		args = amqp.Table{
			argDeadLetterExchange:   c.dlx,
			argDeadLetterRoutingKey: sub.Queue,
		}
	}

	q, err := ch.QueueDeclare(sub.Queue, true, false, false, false, args)
	if err != nil {
		return bindingErr("declare queue", err)
	}
	rail.Debugf("Declared queue '%s', messages: %d, consumers: %d", q.Name, q.Messages, q.Consumers)

	if err := ch.QueueBind(sub.Queue, sub.Pattern, c.exchange, false, nil); err != nil {
		return bindingErr("bind queue", err)
	}
	rail.Debugf("Declared binding for queue '%s' to exchange '%s' using pattern '%s'", sub.Queue, c.exchange, sub.Pattern)
	return nil
}
