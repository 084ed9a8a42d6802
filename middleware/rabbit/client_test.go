package rabbit_test

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/curtisnewbie/lakepersist/core"
	"github.com/curtisnewbie/lakepersist/middleware/rabbit"
	"github.com/curtisnewbie/lakepersist/middleware/rabbit/rabbittest"
	"github.com/prometheus/client_golang/prometheus"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 3 * time.Second
	tick    = 5 * time.Millisecond

	auditQueue   = "persistence_audit_queue"
	outingQueue  = "persistence_outing_queue"
	weatherQueue = "persistence_weather_queue"
)

func newTestClient(t *testing.T, b *rabbittest.Broker, opts ...rabbit.Option) *rabbit.Client {
	t.Helper()
	opts = append([]rabbit.Option{
		rabbit.WithDialer(b.Dial),
		rabbit.WithRegisterer(nil),
		rabbit.WithConfirmTimeout(time.Second),
		rabbit.WithReconnectDelay(10*time.Millisecond, 50*time.Millisecond),
	}, opts...)
	c := rabbit.New(opts...)
	t.Cleanup(func() { _ = c.Close(core.EmptyRail()) })
	return c
}

func connectedClient(t *testing.T, b *rabbittest.Broker, opts ...rabbit.Option) *rabbit.Client {
	t.Helper()
	c := newTestClient(t, b, opts...)
	require.NoError(t, c.Connect(core.EmptyRail()))
	return c
}

// records events received by a handler
type recorder struct {
	mu     sync.Mutex
	events []rabbit.Event
	rails  []core.Rail
}

func (r *recorder) handler(f func(n int, evt rabbit.Event) rabbit.Outcome) rabbit.HandlerFunc {
	return func(rail core.Rail, evt rabbit.Event) rabbit.Outcome {
		r.mu.Lock()
		r.events = append(r.events, evt)
		r.rails = append(r.rails, rail)
		n := len(r.events)
		r.mu.Unlock()
		if f == nil {
			return rabbit.Success()
		}
		return f(n, evt)
	}
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *recorder) get(i int) rabbit.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[i]
}

func (r *recorder) keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.events))
	for _, e := range r.events {
		keys = append(keys, e.RoutingKey)
	}
	sort.Strings(keys)
	return keys
}

func waitAcked(t *testing.T, b *rabbittest.Broker, queue string, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return b.Stats(queue).Acked == n }, waitFor, tick,
		"queue '%s' expected %d acked, stats: %+v", queue, n, b.Stats(queue))
}

func TestConnect(t *testing.T) {
	b := rabbittest.NewBroker()
	c := newTestClient(t, b)
	assert.Equal(t, rabbit.Disconnected, c.State())

	rail := core.EmptyRail()
	require.NoError(t, c.Connect(rail))
	assert.True(t, c.Connected())
	kind, ok := b.ExchangeKind(rabbit.DefaultExchange)
	assert.True(t, ok)
	assert.Equal(t, amqp.ExchangeTopic, kind)

	// already connected
	require.NoError(t, c.Connect(rail))
	assert.Equal(t, 1, b.Dials())
	assert.Equal(t, 1, b.OpenConnections())
}

func TestConnectFailure(t *testing.T) {
	b := rabbittest.NewBroker()
	b.SetDialError(errors.New("dial tcp 127.0.0.1:5672: connect: connection refused"))
	c := newTestClient(t, b)

	err := c.Connect(core.EmptyRail())
	require.Error(t, err)
	var ce *rabbit.ConnectionError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "dial", ce.Op)
	assert.Equal(t, rabbit.Disconnected, c.State())

	// not retried in background
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, b.Dials())

	b.SetDialError(nil)
	require.NoError(t, c.Connect(core.EmptyRail()))
	assert.True(t, c.Connected())
}

func TestConnectExchangeConflict(t *testing.T) {
	b := rabbittest.NewBroker()
	b.DeclareExchange(rabbit.DefaultExchange, amqp.ExchangeDirect)
	c := newTestClient(t, b)

	err := c.Connect(core.EmptyRail())
	var ce *rabbit.ConnectionError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "declare exchange", ce.Op)
	assert.Equal(t, rabbit.Disconnected, c.State())
	assert.Equal(t, 0, b.OpenConnections())
}

func TestPersistenceSubscriptions(t *testing.T) {
	b := rabbittest.NewBroker()
	c := connectedClient(t, b)
	rail := core.EmptyRail()

	var audit, outing, weather recorder
	require.NoError(t, c.SubscribeFunc(rail, "audit.*", auditQueue, audit.handler(nil)))
	require.NoError(t, c.SubscribeFunc(rail, "outing.created", outingQueue, outing.handler(nil)))
	require.NoError(t, c.SubscribeFunc(rail, "weather.alert", weatherQueue, weather.handler(nil)))

	for _, key := range []string{"audit.create", "audit.delete.user", "outing.created", "outing.updated", "weather.alert", "weather"} {
		require.NoError(t, c.Publish(rail, key, map[string]any{"event_type": key}))
	}

	waitAcked(t, b, auditQueue, 1)
	waitAcked(t, b, outingQueue, 1)
	waitAcked(t, b, weatherQueue, 1)

	assert.Equal(t, []string{"audit.create"}, audit.keys())
	assert.Equal(t, []string{"outing.created"}, outing.keys())
	assert.Equal(t, []string{"weather.alert"}, weather.keys())
	for _, q := range []string{auditQueue, outingQueue, weatherQueue} {
		assert.Equal(t, 1, b.Stats(q).Delivered)
		assert.Len(t, b.Bindings(rabbit.DefaultExchange, q), 1)
	}

	evt := audit.get(0)
	assert.Equal(t, "audit.create", evt.Payload["event_type"])
	assert.Equal(t, auditQueue, evt.Queue)
	assert.NotEmpty(t, evt.MessageId)
	assert.False(t, evt.Redelivered)

	var p struct {
		EventType string `json:"event_type"`
	}
	require.NoError(t, evt.Bind(&p))
	assert.Equal(t, "audit.create", p.EventType)
}

func TestDeliveredIffPatternMatches(t *testing.T) {
	keys := []string{"audit", "audit.create", "audit.create.user", "outing.created", "outing.updated",
		"weather.alert", "lake.tahoe.alert", "lake.alert", "alert", "created"}
	cases := []struct {
		pattern  string
		expected []string
	}{
		{"audit.*", []string{"audit.create"}},
		{"audit.#", []string{"audit", "audit.create", "audit.create.user"}},
		{"#", keys},
		{"*.created", []string{"outing.created"}},
		{"#.alert", []string{"weather.alert", "lake.tahoe.alert", "lake.alert", "alert"}},
		{"lake.*.alert", []string{"lake.tahoe.alert"}},
		{"outing.created", []string{"outing.created"}},
	}

	b := rabbittest.NewBroker()
	c := connectedClient(t, b, rabbit.WithPrefetch(0))
	rail := core.EmptyRail()

	recs := make([]*recorder, len(cases))
	for i, tc := range cases {
		recs[i] = &recorder{}
		require.NoError(t, c.SubscribeFunc(rail, tc.pattern, fmt.Sprintf("q%d", i), recs[i].handler(nil)))
	}
	for _, k := range keys {
		require.NoError(t, c.Publish(rail, k, map[string]any{"k": k}))
	}

	for i, tc := range cases {
		expected := append([]string{}, tc.expected...)
		sort.Strings(expected)
		waitAcked(t, b, fmt.Sprintf("q%d", i), len(expected))
		assert.Equal(t, expected, recs[i].keys(), "pattern: %s", tc.pattern)
	}
}

func TestNoReplayOfEarlierMessages(t *testing.T) {
	b := rabbittest.NewBroker()
	c := connectedClient(t, b)
	rail := core.EmptyRail()

	// nobody is bound yet, the message is confirmed and dropped
	require.NoError(t, c.Publish(rail, "audit.create", map[string]any{"n": 1}))

	var rec recorder
	require.NoError(t, c.SubscribeFunc(rail, "audit.*", auditQueue, rec.handler(nil)))
	require.NoError(t, c.Publish(rail, "audit.create", map[string]any{"n": 2}))

	waitAcked(t, b, auditQueue, 1)
	assert.Equal(t, 1, rec.count())
	assert.EqualValues(t, 2, rec.get(0).Payload["n"])
	assert.Equal(t, 1, b.Stats(auditQueue).Delivered)
}

func TestFailingHandlerAckedOnce(t *testing.T) {
	b := rabbittest.NewBroker()
	c := connectedClient(t, b)
	rail := core.EmptyRail()

	var rec recorder
	require.NoError(t, c.SubscribeFunc(rail, "outing.created", outingQueue, rec.handler(func(n int, evt rabbit.Event) rabbit.Outcome {
		return rabbit.Retryable(errors.New("database is down"))
	})))
	require.NoError(t, c.Publish(rail, "outing.created", map[string]any{"id": "o-1"}))

	waitAcked(t, b, outingQueue, 1)
	st := b.Stats(outingQueue)
	assert.Equal(t, 1, st.Delivered)
	assert.Equal(t, 0, st.Requeued)
	assert.Equal(t, 0, st.Ready)
	assert.Equal(t, 1, rec.count())

	stats := c.Stats()
	require.Len(t, stats, 1)
	assert.EqualValues(t, 1, stats[0].Failed)
	assert.EqualValues(t, 1, stats[0].Acked)
}

func TestPrefetchBound(t *testing.T) {
	b := rabbittest.NewBroker()
	c := connectedClient(t, b, rabbit.WithPrefetch(2))
	rail := core.EmptyRail()

	release := make(chan struct{})
	var rec recorder
	require.NoError(t, c.SubscribeFunc(rail, "audit.*", auditQueue, rec.handler(func(n int, evt rabbit.Event) rabbit.Outcome {
		<-release
		return rabbit.Success()
	})))
	for i := 0; i < 10; i++ {
		require.NoError(t, c.Publish(rail, "audit.create", map[string]any{"n": i}))
	}

	require.Eventually(t, func() bool { st := b.Stats(auditQueue); return st.Unacked == 2 && st.Ready == 8 }, waitFor, tick)
	close(release)

	waitAcked(t, b, auditQueue, 10)
	assert.LessOrEqual(t, b.Stats(auditQueue).MaxUnacked, 2)
	for i := 0; i < 10; i++ {
		assert.EqualValues(t, i, rec.get(i).Payload["n"], "deliveries of a queue are handled in order")
	}
}

func TestRedeliveredAfterConnectionLoss(t *testing.T) {
	b := rabbittest.NewBroker()
	reg := prometheus.NewRegistry()
	c := connectedClient(t, b, rabbit.WithPrefetch(1), rabbit.WithRegisterer(reg))
	rail := core.EmptyRail()

	var mu sync.Mutex
	var transitions []string
	c.OnStateChange(func(from, to rabbit.State) {
		mu.Lock()
		defer mu.Unlock()
		transitions = append(transitions, from.String()+"->"+to.String())
	})

	started := make(chan struct{})
	release := make(chan struct{})
	var rec recorder
	require.NoError(t, c.SubscribeFunc(rail, "weather.alert", weatherQueue, rec.handler(func(n int, evt rabbit.Event) rabbit.Outcome {
		if n == 1 {
			close(started)
			<-release
		}
		return rabbit.Success()
	})))
	require.NoError(t, c.Publish(rail, "weather.alert", map[string]any{"level": "red"}))

	<-started
	assert.Equal(t, 1, b.DropConnections())
	close(release) // ack of the first delivery fails, the channel is gone

	waitAcked(t, b, weatherQueue, 1)
	require.Eventually(t, c.Connected, waitFor, tick)

	st := b.Stats(weatherQueue)
	assert.Equal(t, 2, st.Delivered)
	assert.Equal(t, 1, st.Redelivered)
	assert.Equal(t, 2, rec.count())
	assert.False(t, rec.get(0).Redelivered)
	assert.True(t, rec.get(1).Redelivered)
	assert.Equal(t, 2, b.Dials())

	mu.Lock()
	assert.Equal(t, []string{"connected->reconnecting", "reconnecting->connected"}, transitions)
	mu.Unlock()
	assert.Equal(t, 1.0, gatherValue(t, reg, "lakepersist_bus_reconnects_total", nil))

	// subscription is restored
	require.NoError(t, c.Publish(rail, "weather.alert", map[string]any{"level": "amber"}))
	waitAcked(t, b, weatherQueue, 2)
	assert.Equal(t, 1, b.Consumers(weatherQueue))
}

// The consumer of the restored session waits for the handler still running on the lost session, the lost
// session's rail is cancelled.
func TestHandlersOfQueueDoNotOverlapAcrossReconnect(t *testing.T) {
	b := rabbittest.NewBroker()
	c := connectedClient(t, b, rabbit.WithPrefetch(1))
	rail := core.EmptyRail()

	started := make(chan struct{})
	release := make(chan struct{})
	var active, maxActive atomic.Int32
	var rec recorder
	require.NoError(t, c.SubscribeFunc(rail, "weather.alert", weatherQueue, rec.handler(func(n int, evt rabbit.Event) rabbit.Outcome {
		cur := active.Add(1)
		defer active.Add(-1)
		for {
			m := maxActive.Load()
			if cur <= m || maxActive.CompareAndSwap(m, cur) {
				break
			}
		}
		if n == 1 {
			close(started)
			<-release
		}
		return rabbit.Success()
	})))
	require.NoError(t, c.Publish(rail, "weather.alert", map[string]any{"level": "red"}))

	<-started
	assert.Equal(t, 1, b.DropConnections())
	require.Eventually(t, c.Connected, waitFor, tick)

	// redelivered to the restored consumer, but not handled yet
	require.Eventually(t, func() bool { return b.Stats(weatherQueue).Redelivered == 1 }, waitFor, tick)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, rec.count())

	rec.mu.Lock()
	first := rec.rails[0]
	rec.mu.Unlock()
	assert.True(t, first.IsDone())

	close(release)
	waitAcked(t, b, weatherQueue, 1)
	assert.Equal(t, 2, rec.count())
	assert.True(t, rec.get(1).Redelivered)
	assert.EqualValues(t, 1, maxActive.Load())
}

func TestReconnectRetriesUntilBrokerIsBack(t *testing.T) {
	b := rabbittest.NewBroker()
	c := connectedClient(t, b)
	rail := core.EmptyRail()

	var rec recorder
	require.NoError(t, c.SubscribeFunc(rail, "audit.*", auditQueue, rec.handler(nil)))

	b.SetDialError(errors.New("connection refused"))
	b.DropConnections()
	require.Eventually(t, func() bool { return b.Dials() >= 4 }, waitFor, tick)
	assert.Equal(t, rabbit.Reconnecting, c.State())

	err := c.Publish(rail, "audit.create", map[string]any{})
	assert.True(t, rabbit.IsPublishError(err))
	assert.True(t, errors.Is(err, rabbit.ErrNotConnected))

	b.SetDialError(nil)
	require.Eventually(t, c.Connected, waitFor, tick)
	require.NoError(t, c.Publish(rail, "audit.create", map[string]any{}))
	waitAcked(t, b, auditQueue, 1)
}

func TestPublishErrors(t *testing.T) {
	b := rabbittest.NewBroker()
	c := newTestClient(t, b, rabbit.WithConfirmTimeout(50*time.Millisecond))
	rail := core.EmptyRail()

	err := c.Publish(rail, "audit.create", map[string]any{})
	require.Error(t, err)
	assert.True(t, rabbit.IsPublishError(err))
	assert.True(t, rabbit.IsConnectionError(err))
	assert.True(t, errors.Is(err, rabbit.ErrNotConnected))

	require.NoError(t, c.Connect(rail))

	for _, key := range []string{"", "audit..create", "audit."} {
		err = c.Publish(rail, key, map[string]any{})
		assert.True(t, errors.Is(err, rabbit.ErrInvalidRoutingKey), "key: '%s'", key)
	}

	err = c.Publish(rail, "audit.create", func() {})
	assert.True(t, rabbit.IsPublishError(err), "unencodable payload")

	b.SetNackPublishes(true)
	err = c.Publish(rail, "audit.create", map[string]any{})
	assert.True(t, errors.Is(err, rabbit.ErrPublishNacked))
	b.SetNackPublishes(false)

	b.SetHoldConfirms(true)
	err = c.Publish(rail, "audit.create", map[string]any{})
	assert.True(t, errors.Is(err, rabbit.ErrPublishTimeout))
	var pe *rabbit.PublishError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, rabbit.DefaultExchange, pe.Exchange)
	assert.Equal(t, "audit.create", pe.RoutingKey)
	b.SetHoldConfirms(false)

	// confirm of the timed-out publish never arrives, the next one is still matched
	assert.NoError(t, c.Publish(rail, "audit.create", map[string]any{}))

	require.NoError(t, c.Close(rail))
	err = c.Publish(rail, "audit.create", map[string]any{})
	assert.True(t, errors.Is(err, rabbit.ErrClosed))
}

func TestSubscribeErrors(t *testing.T) {
	b := rabbittest.NewBroker()
	c := newTestClient(t, b)
	rail := core.EmptyRail()
	h := rabbit.HandlerFunc(func(rail core.Rail, evt rabbit.Event) rabbit.Outcome { return rabbit.Success() })

	err := c.SubscribeFunc(rail, "audit.*", auditQueue, h)
	assert.True(t, rabbit.IsConnectionError(err))
	assert.True(t, errors.Is(err, rabbit.ErrNotConnected))

	require.NoError(t, c.Connect(rail))

	err = c.SubscribeFunc(rail, "audit.cr*", auditQueue, h)
	assert.True(t, rabbit.IsBindingError(err))
	assert.True(t, errors.Is(err, rabbit.ErrInvalidPattern))

	err = c.SubscribeFunc(rail, "audit.*", " ", h)
	assert.True(t, errors.Is(err, rabbit.ErrInvalidQueue))

	err = c.SubscribeFunc(rail, "audit.*", auditQueue, nil)
	assert.True(t, rabbit.IsBindingError(err))

	require.NoError(t, c.SubscribeFunc(rail, "audit.*", auditQueue, h))
	err = c.SubscribeFunc(rail, "audit.#", auditQueue, h)
	assert.True(t, errors.Is(err, rabbit.ErrDuplicateQueue))

	subs := c.Subscriptions()
	require.Len(t, subs, 1)
	assert.Equal(t, "audit.*", subs[0].Pattern)
	assert.Equal(t, []string{"audit.*"}, b.Bindings(rabbit.DefaultExchange, auditQueue))
}

func TestSubscribeQueueConflict(t *testing.T) {
	b := rabbittest.NewBroker()
	b.DeclareQueue(outingQueue, amqp.Table{"x-max-length": 10})
	c := connectedClient(t, b)
	rail := core.EmptyRail()

	err := c.SubscribeFunc(rail, "outing.created", outingQueue, func(rail core.Rail, evt rabbit.Event) rabbit.Outcome {
		return rabbit.Success()
	})
	var be *rabbit.BindingError
	require.True(t, errors.As(err, &be))
	assert.Equal(t, "declare queue", be.Op)
	assert.Empty(t, c.Subscriptions())

	// the broker closed the shared channel, the client recovers
	require.Eventually(t, c.Connected, waitFor, tick)
	require.Eventually(t, func() bool { return b.Dials() == 2 }, waitFor, tick)
}

func TestCloseIsIdempotent(t *testing.T) {
	b := rabbittest.NewBroker()
	rail := core.EmptyRail()

	never := newTestClient(t, b)
	assert.NoError(t, never.Close(rail))
	assert.Equal(t, rabbit.Closed, never.State())

	c := connectedClient(t, b)
	assert.NoError(t, c.Close(rail))
	assert.NoError(t, c.Close(rail))
	assert.Equal(t, rabbit.Closed, c.State())
	assert.Equal(t, 0, b.OpenConnections())

	err := c.Connect(rail)
	assert.True(t, errors.Is(err, rabbit.ErrClosed))
	err = c.SubscribeFunc(rail, "audit.*", auditQueue, func(rail core.Rail, evt rabbit.Event) rabbit.Outcome { return rabbit.Success() })
	assert.True(t, errors.Is(err, rabbit.ErrClosed))
}

func TestCloseAbandonsInFlightDelivery(t *testing.T) {
	b := rabbittest.NewBroker()
	c := connectedClient(t, b)
	rail := core.EmptyRail()

	started := make(chan struct{})
	release := make(chan struct{})
	var rec recorder
	require.NoError(t, c.SubscribeFunc(rail, "audit.*", auditQueue, rec.handler(func(n int, evt rabbit.Event) rabbit.Outcome {
		close(started)
		<-release
		return rabbit.Success()
	})))
	require.NoError(t, c.Publish(rail, "audit.create", map[string]any{}))

	<-started
	require.NoError(t, c.Close(rail))
	close(release)

	// never acked, left to the broker for redelivery
	require.Eventually(t, func() bool { return b.Stats(auditQueue).Ready == 1 }, waitFor, tick)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, b.Stats(auditQueue).Acked)
	assert.Equal(t, 1, rec.count())
}

func TestRequeuePolicy(t *testing.T) {
	b := rabbittest.NewBroker()
	c := connectedClient(t, b, rabbit.WithAckPolicy(rabbit.RequeueRetryable))
	rail := core.EmptyRail()

	var rec recorder
	require.NoError(t, c.SubscribeFunc(rail, "outing.created", outingQueue, rec.handler(func(n int, evt rabbit.Event) rabbit.Outcome {
		if n == 1 {
			return rabbit.Retryable(errors.New("store unavailable"))
		}
		return rabbit.Success()
	})))
	require.NoError(t, c.Publish(rail, "outing.created", map[string]any{"id": "o-1"}))

	waitAcked(t, b, outingQueue, 1)
	st := b.Stats(outingQueue)
	assert.Equal(t, 1, st.Requeued)
	assert.Equal(t, 2, st.Delivered)
	assert.True(t, rec.get(1).Redelivered)
	assert.False(t, b.QueueExists(rabbit.DeadLetterQueue(outingQueue)))
}

func TestDeadLetterPolicy(t *testing.T) {
	b := rabbittest.NewBroker()
	c := connectedClient(t, b, rabbit.WithAckPolicy(rabbit.DeadLetter))
	rail := core.EmptyRail()

	var rec recorder
	require.NoError(t, c.SubscribeFunc(rail, "audit.*", auditQueue, rec.handler(func(n int, evt rabbit.Event) rabbit.Outcome {
		switch evt.Payload["kind"] {
		case "permanent":
			return rabbit.Permanent(errors.New("missing event_type"))
		case "retryable":
			return rabbit.Retryable(errors.New("store unavailable"))
		}
		return rabbit.Success()
	})))

	dlq := rabbit.DeadLetterQueue(auditQueue)
	assert.Equal(t, "persistence_audit_queue.dlq", dlq)
	kind, _ := b.ExchangeKind(rabbit.DefaultDeadLetterExchange)
	assert.Equal(t, amqp.ExchangeDirect, kind)
	args := b.QueueArgs(auditQueue)
	assert.Equal(t, rabbit.DefaultDeadLetterExchange, args["x-dead-letter-exchange"])
	assert.Equal(t, auditQueue, args["x-dead-letter-routing-key"])

	require.NoError(t, c.Publish(rail, "audit.create", map[string]any{"kind": "permanent"}))
	require.NoError(t, c.Publish(rail, "audit.update", map[string]any{"kind": "retryable"}))
	require.NoError(t, c.Publish(rail, "audit.delete", map[string]any{"kind": "ok"}))

	waitAcked(t, b, auditQueue, 1)
	require.Eventually(t, func() bool { return b.Stats(dlq).Ready == 2 }, waitFor, tick)
	st := b.Stats(auditQueue)
	assert.Equal(t, 2, st.Rejected)
	assert.Equal(t, 1, st.Requeued, "retryable failure is requeued once before dead lettering")
	assert.Equal(t, 2, st.DeadLettered)
}

func TestUndecodableDelivery(t *testing.T) {
	b := rabbittest.NewBroker()
	reg := prometheus.NewRegistry()
	c := connectedClient(t, b, rabbit.WithRegisterer(reg))
	rail := core.EmptyRail()

	var rec recorder
	require.NoError(t, c.SubscribeFunc(rail, "audit.*", auditQueue, rec.handler(nil)))

	require.NoError(t, b.Publish(rabbit.DefaultExchange, "audit.create", amqp.Publishing{ContentType: "text/plain", Body: []byte("hello")}))
	require.NoError(t, b.Publish(rabbit.DefaultExchange, "audit.create", amqp.Publishing{ContentType: rabbit.ContentTypeJson, Body: []byte("{not json")}))
	require.NoError(t, b.Publish(rabbit.DefaultExchange, "audit.create", amqp.Publishing{Body: []byte(`{"event_type":"create"}`)}))

	waitAcked(t, b, auditQueue, 3)
	assert.Equal(t, 1, rec.count(), "undecodable deliveries never reach the handler")
	assert.Equal(t, 2.0, gatherValue(t, reg, "lakepersist_bus_handler_failures_total", map[string]string{"queue": auditQueue, "stage": rabbit.StageDecode}))
}

func TestHandlerPanicIsRecovered(t *testing.T) {
	b := rabbittest.NewBroker()
	c := connectedClient(t, b)
	rail := core.EmptyRail()

	var calls atomic.Int32
	require.NoError(t, c.SubscribeFunc(rail, "weather.alert", weatherQueue, func(rail core.Rail, evt rabbit.Event) rabbit.Outcome {
		if calls.Add(1) == 1 {
			panic("nil map")
		}
		return rabbit.Success()
	}))
	require.NoError(t, c.Publish(rail, "weather.alert", map[string]any{}))
	require.NoError(t, c.Publish(rail, "weather.alert", map[string]any{}))

	waitAcked(t, b, weatherQueue, 2)
	assert.EqualValues(t, 2, calls.Load())
	stats := c.Stats()
	require.Len(t, stats, 1)
	assert.EqualValues(t, 1, stats[0].Failed)
}

func TestTraceIdPropagation(t *testing.T) {
	b := rabbittest.NewBroker()
	c := connectedClient(t, b)
	rail := core.EmptyRail()

	var rec recorder
	require.NoError(t, c.SubscribeFunc(rail, "outing.created", outingQueue, rec.handler(nil)))
	require.NoError(t, c.Publish(rail, "outing.created", map[string]any{"id": "o-1"}))

	waitAcked(t, b, outingQueue, 1)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, rail.TraceId(), rec.rails[0].TraceId())
}

func TestPublishMetrics(t *testing.T) {
	b := rabbittest.NewBroker()
	reg := prometheus.NewRegistry()
	c := connectedClient(t, b, rabbit.WithRegisterer(reg))
	rail := core.EmptyRail()

	require.NoError(t, c.Publish(rail, "audit.create", map[string]any{}))
	require.NoError(t, c.Publish(rail, "audit.create", map[string]any{}))
	_ = c.Publish(rail, "audit..create", map[string]any{})

	assert.Equal(t, 2.0, gatherValue(t, reg, "lakepersist_bus_published_total", map[string]string{"routing_key": "audit.create", "result": "ok"}))
	assert.Equal(t, 1.0, gatherValue(t, reg, "lakepersist_bus_published_total", map[string]string{"routing_key": "", "result": "invalid"}))
	assert.Equal(t, float64(rabbit.Connected), gatherValue(t, reg, "lakepersist_bus_connection_state", nil))

	// collectors are shared by clients on the same registry
	other := newTestClient(t, b, rabbit.WithRegisterer(reg))
	require.NoError(t, other.Connect(rail))
	require.NoError(t, other.Publish(rail, "audit.create", map[string]any{}))
	assert.Equal(t, 3.0, gatherValue(t, reg, "lakepersist_bus_published_total", map[string]string{"routing_key": "audit.create", "result": "ok"}))
}

// value of the counter or gauge with exactly the given labels
func gatherValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
	metrics:
		for _, m := range mf.GetMetric() {
			if len(m.GetLabel()) != len(labels) {
				continue
			}
			for _, lp := range m.GetLabel() {
				if labels[lp.GetName()] != lp.GetValue() {
					continue metrics
				}
			}
			if m.GetCounter() != nil {
				return m.GetCounter().GetValue()
			}
			return m.GetGauge().GetValue()
		}
	}
	t.Fatalf("metric %s %v not found", name, labels)
	return 0
}

func amqpJson(body string) amqp.Publishing {
	return amqp.Publishing{ContentType: rabbit.ContentTypeJson, Body: []byte(body)}
}
