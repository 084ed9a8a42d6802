package rabbit

import (
	"errors"
	"fmt"
)

var (
	ErrNotConnected           = errors.New("not connected to broker")
	ErrClosed                 = errors.New("client is closed")
	ErrInvalidRoutingKey      = errors.New("invalid routing key")
	ErrInvalidPattern         = errors.New("invalid binding pattern")
	ErrInvalidQueue           = errors.New("invalid queue name")
	ErrDuplicateQueue         = errors.New("queue is already subscribed")
	ErrPublishNacked          = errors.New("publish was nacked by broker")
	ErrPublishTimeout         = errors.New("publish confirm timed out")
	ErrUnsupportedContentType = errors.New("unsupported content type")
)

// ConnectionError is returned when the connection or channel can't be established, or when an operation
// requires a connection that is not available.
type ConnectionError struct {
	Op    string
	State State
	Err   error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error (op: %s, state: %s): %v", e.Op, e.State, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// PublishError is returned when a message is not confirmed by the broker.
type PublishError struct {
	Exchange   string
	RoutingKey string
	Err        error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("failed to publish to exchange '%s' with routing key '%s': %v", e.Exchange, e.RoutingKey, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// BindingError is returned when a subscription's queue or binding can't be declared.
type BindingError struct {
	Queue   string
	Pattern string
	Op      string
	Err     error
}

func (e *BindingError) Error() string {
	return fmt.Sprintf("binding error (op: %s, queue: '%s', pattern: '%s'): %v", e.Op, e.Queue, e.Pattern, e.Err)
}

func (e *BindingError) Unwrap() error {
	return e.Err
}

const (
	StageDecode = "decode"
	StageHandle = "handle"
)

// HandlerFailure describes a delivery that couldn't be decoded or handled.
//
// It's only created and logged by the dispatcher.
type HandlerFailure struct {
	Queue      string
	RoutingKey string
	MessageId  string
	Stage      string
	Err        error
}

func (e *HandlerFailure) Error() string {
	return fmt.Sprintf("handler failure (stage: %s, queue: '%s', routing key: '%s', message id: '%s'): %v",
		e.Stage, e.Queue, e.RoutingKey, e.MessageId, e.Err)
}

func (e *HandlerFailure) Unwrap() error {
	return e.Err
}

// IsConnectionError checks whether err is or wraps a *ConnectionError.
func IsConnectionError(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}

// IsPublishError checks whether err is or wraps a *PublishError.
func IsPublishError(err error) bool {
	var pe *PublishError
	return errors.As(err, &pe)
}

// IsBindingError checks whether err is or wraps a *BindingError.
func IsBindingError(err error) bool {
	var be *BindingError
	return errors.As(err, &be)
}

func stateErr(s State) error {
	switch s {
	case Closing, Closed:
		return ErrClosed
	}
	return ErrNotConnected
}
