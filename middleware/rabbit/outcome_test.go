package rabbit

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAckPolicyDecide(t *testing.T) {
	errStore := errors.New("store unavailable")
	tests := []struct {
		name        string
		policy      AckPolicy
		outcome     Outcome
		redelivered bool
		want        AckAction
	}{
		{"always-ack success", AlwaysAck, Success(), false, AckActionAck},
		{"always-ack retryable", AlwaysAck, Retryable(errStore), false, AckActionAck},
		{"always-ack permanent", AlwaysAck, Permanent(errStore), true, AckActionAck},
		{"requeue success", RequeueRetryable, Success(), true, AckActionAck},
		{"requeue retryable", RequeueRetryable, Retryable(errStore), false, AckActionRequeue},
		{"requeue retryable redelivered", RequeueRetryable, Retryable(errStore), true, AckActionRequeue},
		{"requeue permanent", RequeueRetryable, Permanent(errStore), false, AckActionAck},
		{"dead-letter success", DeadLetter, Success(), false, AckActionAck},
		{"dead-letter retryable first", DeadLetter, Retryable(errStore), false, AckActionRequeue},
		{"dead-letter retryable redelivered", DeadLetter, Retryable(errStore), true, AckActionReject},
		{"dead-letter permanent", DeadLetter, Permanent(errStore), false, AckActionReject},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.policy.Decide(tc.outcome, tc.redelivered))
		})
	}
}

func TestParseAckPolicy(t *testing.T) {
	p, err := ParseAckPolicy("")
	require.NoError(t, err)
	assert.Equal(t, AlwaysAck, p)

	p, err = ParseAckPolicy(" Dead-Letter ")
	require.NoError(t, err)
	assert.Equal(t, DeadLetter, p)
	assert.True(t, p.DeadLettering())

	p, err = ParseAckPolicy("requeue")
	require.NoError(t, err)
	assert.Equal(t, RequeueRetryable, p)
	assert.False(t, p.DeadLettering())

	_, err = ParseAckPolicy("nack-everything")
	assert.Error(t, err)
}

func TestOutcomeOf(t *testing.T) {
	assert.True(t, OutcomeOf(nil).IsSuccess())
	o := OutcomeOf(errors.New("timeout"))
	assert.Equal(t, OutcomeRetryable, o.Kind)
	assert.Equal(t, "retryable: timeout", o.String())
	assert.Equal(t, "success", Success().String())
}

func TestMarkPermanent(t *testing.T) {
	assert.Nil(t, MarkPermanent(nil))

	cause := errors.New("missing id")
	err := MarkPermanent(cause)
	assert.True(t, IsPermanent(err))
	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, "missing id", err.Error())
	assert.Equal(t, OutcomePermanent, OutcomeOf(err).Kind)
	assert.Equal(t, OutcomePermanent, OutcomeOf(fmt.Errorf("wrapped, %w", err)).Kind)
	assert.False(t, IsPermanent(cause))
}
