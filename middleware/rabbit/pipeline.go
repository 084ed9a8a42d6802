package rabbit

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/curtisnewbie/lakepersist/core"
)

// EventPipeline is a typed wrapper of Client.Publish and Client.Subscribe for one routing key.
//
// Use NewEventPipeline to instantiate.
type EventPipeline[T any] struct {
	client     *Client
	routingKey string
	desc       string
	logPayload bool
}

// Create new EventPipeline publishing T using the routing key.
func NewEventPipeline[T any](client *Client, routingKey string) *EventPipeline[T] {
	return &EventPipeline[T]{client: client, routingKey: routingKey}
}

func (ep *EventPipeline[T]) RoutingKey() string {
	return ep.routingKey
}

// Log payload in the listener.
func (ep *EventPipeline[T]) LogPayload() *EventPipeline[T] {
	ep.logPayload = true
	return ep
}

// Describe the pipeline, see Desc().
func (ep *EventPipeline[T]) Document(desc string) *EventPipeline[T] {
	ep.desc = desc
	return ep
}

// Call Client.Publish.
func (ep *EventPipeline[T]) Send(rail core.Rail, event T) error {
	return ep.client.Publish(rail, ep.routingKey, event)
}

/*
Subscribe listener to the pipeline on the queue, the queue is bound using the pipeline's routing key.

The body is bound to T, a body that can't be bound is a permanent failure. Errors returned by listener are retryable
unless marked by MarkPermanent.
*/
func (ep *EventPipeline[T]) Listen(rail core.Rail, queue string, listener func(rail core.Rail, t T) error) error {
	return ep.client.Subscribe(rail, Subscription{
		Pattern: ep.routingKey,
		Queue:   queue,
		Handler: ep.Handler(listener),
	})
}

// Build Handler that binds the body to T and calls listener, see Listen.
func (ep *EventPipeline[T]) Handler(listener func(rail core.Rail, t T) error) HandlerFunc {
	return func(rail core.Rail, evt Event) Outcome {
		var t T
		if err := evt.Bind(&t); err != nil {
			return Permanent(fmt.Errorf("failed to bind payload to %v, %w", reflect.TypeOf(t), err))
		}
		if ep.logPayload {
			rail.Infof("Pipeline %s receive %+v", ep.routingKey, t)
		} else {
			rail.Infof("Pipeline %s receive event", ep.routingKey)
		}
		return OutcomeOf(listener(rail, t))
	}
}

type EventPipelineDesc struct {
	Desc        string `json:"desc"`
	Exchange    string `json:"exchange"`
	RoutingKey  string `json:"routingKey"`
	PayloadType string `json:"payloadType"`
}

func (ep *EventPipeline[T]) Desc() EventPipelineDesc {
	var t T
	return EventPipelineDesc{
		Desc:        ep.desc,
		Exchange:    ep.client.Exchange(),
		RoutingKey:  ep.routingKey,
		PayloadType: reflect.TypeOf(&t).Elem().String(),
	}
}

type permanentErr struct {
	err error
}

func (e permanentErr) Error() string {
	return e.err.Error()
}

func (e permanentErr) Unwrap() error {
	return e.err
}

// Mark err as permanent, OutcomeOf(err) is Permanent.
func MarkPermanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentErr{err}
}

// Whether err is marked by MarkPermanent.
func IsPermanent(err error) bool {
	var pe permanentErr
	return errors.As(err, &pe)
}
