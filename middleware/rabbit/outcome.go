package rabbit

import (
	"fmt"
	"strings"
)

type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeRetryable
	OutcomePermanent
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetryable:
		return "retryable"
	case OutcomePermanent:
		return "permanent"
	}
	return "unknown"
}

// Outcome of handling a delivery, the AckPolicy turns it into an AckAction.
type Outcome struct {
	Kind OutcomeKind
	Err  error
}

func Success() Outcome {
	return Outcome{Kind: OutcomeSuccess}
}

// Failure that may succeed if the delivery is handled again.
func Retryable(err error) Outcome {
	return Outcome{Kind: OutcomeRetryable, Err: err}
}

// Failure that will never succeed for the same delivery, e.g., malformed payload.
func Permanent(err error) Outcome {
	return Outcome{Kind: OutcomePermanent, Err: err}
}

// Outcome from error, nil is success, errors marked by MarkPermanent are permanent, otherwise it's retryable.
func OutcomeOf(err error) Outcome {
	if err == nil {
		return Success()
	}
	if IsPermanent(err) {
		return Permanent(err)
	}
	return Retryable(err)
}

func (o Outcome) IsSuccess() bool {
	return o.Kind == OutcomeSuccess
}

func (o Outcome) String() string {
	if o.Err == nil {
		return o.Kind.String()
	}
	return fmt.Sprintf("%s: %v", o.Kind, o.Err)
}

type AckAction int

const (
	AckActionAck     AckAction = iota // basic.ack
	AckActionRequeue                  // basic.nack with requeue
	AckActionReject                   // basic.reject without requeue, dead-lettered if the queue has a DLX
)

func (a AckAction) String() string {
	switch a {
	case AckActionAck:
		return "ack"
	case AckActionRequeue:
		return "requeue"
	case AckActionReject:
		return "reject"
	}
	return "unknown"
}

// AckPolicy maps the Outcome of a delivery to an AckAction.
type AckPolicy string

const (
	// Ack every delivery regardless of outcome, failures are logged and dropped.
	AlwaysAck AckPolicy = "always-ack"

	// Requeue retryable failures, permanent failures are acked and dropped.
	RequeueRetryable AckPolicy = "requeue"

	// Requeue retryable failures once, a redelivered retryable failure or a permanent failure is rejected and routed
	// to the queue's dead letter queue.
	DeadLetter AckPolicy = "dead-letter"
)

// Parse AckPolicy name, empty string is AlwaysAck.
func ParseAckPolicy(s string) (AckPolicy, error) {
	switch p := AckPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return AlwaysAck, nil
	case AlwaysAck, RequeueRetryable, DeadLetter:
		return p, nil
	}
	return AlwaysAck, fmt.Errorf("unknown ack policy '%s', expected one of: %s, %s, %s", s, AlwaysAck, RequeueRetryable, DeadLetter)
}

func (p AckPolicy) Decide(o Outcome, redelivered bool) AckAction {
	if o.IsSuccess() {
		return AckActionAck
	}
	switch p {
	case RequeueRetryable:
		if o.Kind == OutcomeRetryable {
			return AckActionRequeue
		}
	case DeadLetter:
		if o.Kind == OutcomeRetryable && !redelivered {
			return AckActionRequeue
		}
		return AckActionReject
	}
	return AckActionAck
}

// Whether queues should be declared with a dead letter exchange.
func (p AckPolicy) DeadLettering() bool {
	return p == DeadLetter
}
