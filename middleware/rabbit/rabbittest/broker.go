// Package rabbittest provides an in-memory broker for testing rabbit.Client without RabbitMQ.
package rabbittest

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/curtisnewbie/lakepersist/middleware/rabbit"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	// deliveries outstanding per consumer when prefetch is 0
	unlimitedPrefetch = 1024
)

var (
	_ rabbit.Connection = (*Conn)(nil)
	_ rabbit.Channel    = (*Chan)(nil)
	_ amqp.Acknowledger = (*Chan)(nil)
	_ rabbit.Dialer     = (*Broker)(nil).Dial
)

// Broker routes messages the way RabbitMQ does for direct, fanout and topic exchanges.
//
// It supports durable queues, prefetch, publisher confirms, ack / nack / reject, dead lettering and connection
// drops with redelivery of unacked messages.
type Broker struct {
	mu sync.Mutex

	exchanges map[string]*exchange
	queues    map[string]*queue
	conns     map[*Conn]struct{}

	dialErr       error
	nackPublishes bool
	holdConfirms  bool
	dials         int
	seq           uint64
}

type QueueStats struct {
	Ready        int // messages waiting to be delivered
	Unacked      int // messages delivered but not settled
	MaxUnacked   int // highest Unacked observed
	Delivered    int // deliveries, including redeliveries
	Redelivered  int
	Acked        int
	Requeued     int
	Rejected     int // rejected or nacked without requeue
	DeadLettered int
}

type exchange struct {
	name     string
	kind     string
	durable  bool
	bindings []binding
}

type binding struct {
	queue string
	key   string
}

type message struct {
	seq         uint64
	exchange    string
	routingKey  string
	pub         amqp.Publishing
	redelivered bool
}

type queue struct {
	name      string
	durable   bool
	args      amqp.Table
	ready     []*message
	consumers []*consumer
	rr        int
	unacked   int
	stats     QueueStats
}

type consumer struct {
	tag     string
	ch      *Chan
	q       *queue
	out     chan amqp.Delivery
	limit   int
	unacked int
}

type inflight struct {
	msg *message
	q   *queue
	c   *consumer
}

func NewBroker() *Broker {
	return &Broker{
		exchanges: map[string]*exchange{},
		queues:    map[string]*queue{},
		conns:     map[*Conn]struct{}{},
	}
}

// Dial is a rabbit.Dialer.
func (b *Broker) Dial(url string, cfg amqp.Config) (rabbit.Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dials++
	if b.dialErr != nil {
		return nil, b.dialErr
	}
	c := &Conn{b: b}
	b.conns[c] = struct{}{}
	return c, nil
}

// Make every Dial fail with err, nil to recover.
func (b *Broker) SetDialError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dialErr = err
}

// Nack every publish.
func (b *Broker) SetNackPublishes(nack bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nackPublishes = nack
}

// Never send publisher confirms.
func (b *Broker) SetHoldConfirms(hold bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.holdConfirms = hold
}

// Close every open connection as if the broker went away, unacked messages are requeued.
//
// Returns the number of connections dropped.
func (b *Broker) DropConnections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for c := range b.conns {
		b.closeConnLocked(c, &amqp.Error{
			Code:    amqp.ConnectionForced,
			Reason:  "CONNECTION_FORCED - broker forced connection closure",
			Server:  true,
			Recover: true,
		})
		n++
	}
	b.dispatchLocked()
	return n
}

// Declare exchange directly on the broker.
func (b *Broker) DeclareExchange(name string, kind string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.exchanges[name]; !ok {
		b.exchanges[name] = &exchange{name: name, kind: kind, durable: true}
	}
}

// Declare durable queue directly on the broker.
func (b *Broker) DeclareQueue(name string, args amqp.Table) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.queues[name]; !ok {
		b.queues[name] = &queue{name: name, durable: true, args: args}
	}
}

// Publish message directly on the broker, bypassing any client.
func (b *Broker) Publish(exchange string, routingKey string, pub amqp.Publishing) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.exchanges[exchange]; !ok && exchange != "" {
		return fmt.Errorf("exchange '%s' not found", exchange)
	}
	b.routeLocked(exchange, routingKey, pub)
	b.dispatchLocked()
	return nil
}

func (b *Broker) Stats(queue string) QueueStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queue]
	if !ok {
		return QueueStats{}
	}
	st := q.stats
	st.Ready = len(q.ready)
	st.Unacked = q.unacked
	return st
}

func (b *Broker) QueueExists(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.queues[name]
	return ok
}

func (b *Broker) QueueArgs(name string) amqp.Table {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return q.args
	}
	return nil
}

// Binding keys of the queue on the exchange.
func (b *Broker) Bindings(exchange string, queue string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var keys []string
	if ex, ok := b.exchanges[exchange]; ok {
		for _, bd := range ex.bindings {
			if bd.queue == queue {
				keys = append(keys, bd.key)
			}
		}
	}
	return keys
}

func (b *Broker) ExchangeKind(name string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ex, ok := b.exchanges[name]; ok {
		return ex.kind, true
	}
	return "", false
}

func (b *Broker) Consumers(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[queue]; ok {
		return len(q.consumers)
	}
	return 0
}

func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

func (b *Broker) OpenConnections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

func (b *Broker) nextSeq() uint64 {
	b.seq++
	return b.seq
}

func (b *Broker) routeLocked(exchangeName string, routingKey string, pub amqp.Publishing) int {
	var targets []string
	if exchangeName == "" {
		if _, ok := b.queues[routingKey]; ok {
			targets = append(targets, routingKey)
		}
	} else if ex, ok := b.exchanges[exchangeName]; ok {
		seen := map[string]struct{}{}
		for _, bd := range ex.bindings {
			if _, dup := seen[bd.queue]; dup {
				continue
			}
			if matches(ex.kind, bd.key, routingKey) {
				seen[bd.queue] = struct{}{}
				targets = append(targets, bd.queue)
			}
		}
	}

	for _, t := range targets {
		q := b.queues[t]
		q.ready = append(q.ready, &message{
			seq:        b.nextSeq(),
			exchange:   exchangeName,
			routingKey: routingKey,
			pub:        pub,
		})
	}
	return len(targets)
}

func matches(kind string, bindingKey string, routingKey string) bool {
	switch kind {
	case amqp.ExchangeFanout:
		return true
	case amqp.ExchangeTopic:
		return topicMatches(bindingKey, routingKey)
	}
	return bindingKey == routingKey
}

// m[i][j]: the first i words of binding key match the first j words of routing key.
func topicMatches(bindingKey string, routingKey string) bool {
	bw := strings.Split(bindingKey, ".")
	kw := strings.Split(routingKey, ".")
	m := make([][]bool, len(bw)+1)
	for i := range m {
		m[i] = make([]bool, len(kw)+1)
	}
	m[0][0] = true
	for i := 1; i <= len(bw); i++ {
		w := bw[i-1]
		for j := 0; j <= len(kw); j++ {
			switch {
			case w == "#":
				m[i][j] = m[i-1][j] || (j > 0 && m[i][j-1])
			case j > 0:
				m[i][j] = m[i-1][j-1] && (w == "*" || w == kw[j-1])
			}
		}
	}
	return m[len(bw)][len(kw)]
}

// deliver ready messages to consumers that have capacity, round-robin per queue.
func (b *Broker) dispatchLocked() {
	for _, q := range b.queues {
		for len(q.ready) > 0 {
			c := q.nextConsumer()
			if c == nil {
				break
			}
			m := q.ready[0]
			q.ready = q.ready[1:]
			b.deliverLocked(q, c, m)
		}
	}
}

func (q *queue) nextConsumer() *consumer {
	n := len(q.consumers)
	for i := 0; i < n; i++ {
		c := q.consumers[(q.rr+i)%n]
		if c.unacked < c.limit {
			q.rr = (q.rr + i + 1) % n
			return c
		}
	}
	return nil
}

func (b *Broker) deliverLocked(q *queue, c *consumer, m *message) {
	ch := c.ch
	ch.deliveryTag++
	tag := ch.deliveryTag
	ch.inflight[tag] = &inflight{msg: m, q: q, c: c}

	c.unacked++
	q.unacked++
	q.stats.Delivered++
	if m.redelivered {
		q.stats.Redelivered++
	}
	if q.unacked > q.stats.MaxUnacked {
		q.stats.MaxUnacked = q.unacked
	}

	p := m.pub
	c.out <- amqp.Delivery{ // never blocks, buffer size is the consumer's limit
		Acknowledger:    ch,
		Headers:         p.Headers,
		ContentType:     p.ContentType,
		ContentEncoding: p.ContentEncoding,
		DeliveryMode:    p.DeliveryMode,
		Priority:        p.Priority,
		CorrelationId:   p.CorrelationId,
		ReplyTo:         p.ReplyTo,
		Expiration:      p.Expiration,
		MessageId:       p.MessageId,
		Timestamp:       p.Timestamp,
		Type:            p.Type,
		UserId:          p.UserId,
		AppId:           p.AppId,
		ConsumerTag:     c.tag,
		DeliveryTag:     tag,
		Redelivered:     m.redelivered,
		Exchange:        m.exchange,
		RoutingKey:      m.routingKey,
		Body:            p.Body,
	}
}

// put message back to the queue in publish order.
func (q *queue) requeue(m *message) {
	m.redelivered = true
	i := sort.Search(len(q.ready), func(i int) bool { return q.ready[i].seq > m.seq })
	q.ready = append(q.ready, nil)
	copy(q.ready[i+1:], q.ready[i:])
	q.ready[i] = m
}

func (b *Broker) deadLetterLocked(q *queue, m *message) {
	dlx, ok := q.args["x-dead-letter-exchange"].(string)
	if !ok {
		return
	}
	key := m.routingKey
	if k, ok := q.args["x-dead-letter-routing-key"].(string); ok && k != "" {
		key = k
	}
	if b.routeLocked(dlx, key, m.pub) > 0 {
		q.stats.DeadLettered++
	}
}

func (b *Broker) closeConnLocked(c *Conn, err *amqp.Error) {
	if c.closed {
		return
	}
	for len(c.channels) > 0 {
		b.closeChanLocked(c.channels[0], err)
	}
	c.closed = true
	delete(b.conns, c)
	notifyClose(c.notifyClose, err)
	c.notifyClose = nil
}

func (b *Broker) closeChanLocked(ch *Chan, err *amqp.Error) {
	if ch.closed {
		return
	}
	ch.closed = true

	for _, c := range ch.consumers {
		// deliveries not yet received by the consumer are dropped, they are requeued below
	drain:
		for {
			select {
			case <-c.out:
			default:
				break drain
			}
		}
		close(c.out)
		c.q.removeConsumer(c)
	}
	ch.consumers = nil

	tags := make([]uint64, 0, len(ch.inflight))
	for t := range ch.inflight {
		tags = append(tags, t)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })
	for _, t := range tags {
		inf := ch.inflight[t]
		inf.q.unacked--
		inf.q.requeue(inf.msg)
	}
	ch.inflight = map[uint64]*inflight{}

	notifyClose(ch.notifyClose, err)
	ch.notifyClose = nil
	for _, np := range ch.notifyPublish {
		close(np)
	}
	ch.notifyPublish = nil

	conn := ch.conn
	for i, c := range conn.channels {
		if c == ch {
			conn.channels = append(conn.channels[:i], conn.channels[i+1:]...)
			break
		}
	}
}

// close the channel with a soft error, like the broker does on 404 or 406.
func (b *Broker) channelErrLocked(ch *Chan, code int, reason string) *amqp.Error {
	err := &amqp.Error{Code: code, Reason: reason, Server: true}
	b.closeChanLocked(ch, err)
	b.dispatchLocked()
	return err
}

func (q *queue) removeConsumer(c *consumer) {
	for i, qc := range q.consumers {
		if qc == c {
			q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
			break
		}
	}
	if q.rr >= len(q.consumers) {
		q.rr = 0
	}
}

func notifyClose(listeners []chan *amqp.Error, err *amqp.Error) {
	for _, l := range listeners {
		if err != nil {
			select {
			case l <- err:
			default:
			}
		}
		close(l)
	}
}

// Conn is a connection to Broker.
type Conn struct {
	b           *Broker
	closed      bool
	channels    []*Chan
	notifyClose []chan *amqp.Error
}

func (c *Conn) Channel() (rabbit.Channel, error) {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	ch := &Chan{b: c.b, conn: c, inflight: map[uint64]*inflight{}}
	c.channels = append(c.channels, ch)
	return ch, nil
}

func (c *Conn) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	if c.closed {
		close(receiver)
		return receiver
	}
	c.notifyClose = append(c.notifyClose, receiver)
	return receiver
}

func (c *Conn) IsClosed() bool {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	return c.closed
}

func (c *Conn) Close() error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}
	c.b.closeConnLocked(c, nil)
	c.b.dispatchLocked()
	return nil
}

// Chan is a channel of Conn, it's also the amqp.Acknowledger of its deliveries.
type Chan struct {
	b             *Broker
	conn          *Conn
	closed        bool
	prefetch      int
	confirming    bool
	publishSeq    uint64
	deliveryTag   uint64
	inflight      map[uint64]*inflight
	consumers     []*consumer
	notifyClose   []chan *amqp.Error
	notifyPublish []chan amqp.Confirmation
}

func (ch *Chan) Qos(prefetchCount, prefetchSize int, global bool) error {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	ch.prefetch = prefetchCount
	return nil
}

func (ch *Chan) Confirm(noWait bool) error {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	ch.confirming = true
	return nil
}

func (ch *Chan) NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	if ch.closed {
		close(confirm)
		return confirm
	}
	ch.notifyPublish = append(ch.notifyPublish, confirm)
	return confirm
}

func (ch *Chan) NotifyClose(c chan *amqp.Error) chan *amqp.Error {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	if ch.closed {
		close(c)
		return c
	}
	ch.notifyClose = append(ch.notifyClose, c)
	return c
}

func (ch *Chan) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	b := ch.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	if ex, ok := b.exchanges[name]; ok {
		if ex.kind != kind || ex.durable != durable {
			return b.channelErrLocked(ch, amqp.PreconditionFailed,
				fmt.Sprintf("PRECONDITION_FAILED - inequivalent arg 'type' for exchange '%s'", name))
		}
		return nil
	}
	b.exchanges[name] = &exchange{name: name, kind: kind, durable: durable}
	return nil
}

func (ch *Chan) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	b := ch.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}
	if name == "" {
		name = fmt.Sprintf("amq.gen-%d", b.nextSeq())
	}
	q, ok := b.queues[name]
	if ok {
		if q.durable != durable || !equalArgs(q.args, args) {
			return amqp.Queue{}, b.channelErrLocked(ch, amqp.PreconditionFailed,
				fmt.Sprintf("PRECONDITION_FAILED - inequivalent arg for queue '%s'", name))
		}
	} else {
		q = &queue{name: name, durable: durable, args: args}
		b.queues[name] = q
	}
	return amqp.Queue{Name: name, Messages: len(q.ready), Consumers: len(q.consumers)}, nil
}

func equalArgs(a, b amqp.Table) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}

func (ch *Chan) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	b := ch.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	ex, ok := b.exchanges[exchange]
	if !ok {
		return b.channelErrLocked(ch, amqp.NotFound, fmt.Sprintf("NOT_FOUND - no exchange '%s'", exchange))
	}
	if _, ok := b.queues[name]; !ok {
		return b.channelErrLocked(ch, amqp.NotFound, fmt.Sprintf("NOT_FOUND - no queue '%s'", name))
	}
	for _, bd := range ex.bindings {
		if bd.queue == name && bd.key == key {
			return nil
		}
	}
	ex.bindings = append(ex.bindings, binding{queue: name, key: key})
	return nil
}

func (ch *Chan) Consume(queue, consumerTag string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	b := ch.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return nil, amqp.ErrClosed
	}
	if autoAck {
		return nil, errors.New("autoAck is not supported")
	}
	q, ok := b.queues[queue]
	if !ok {
		return nil, b.channelErrLocked(ch, amqp.NotFound, fmt.Sprintf("NOT_FOUND - no queue '%s'", queue))
	}
	if consumerTag == "" {
		consumerTag = fmt.Sprintf("ctag-%d", b.nextSeq())
	}
	limit := ch.prefetch
	if limit <= 0 {
		limit = unlimitedPrefetch
	}
	c := &consumer{tag: consumerTag, ch: ch, q: q, out: make(chan amqp.Delivery, limit), limit: limit}
	q.consumers = append(q.consumers, c)
	ch.consumers = append(ch.consumers, c)
	b.dispatchLocked()
	return c.out, nil
}

func (ch *Chan) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b := ch.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	if _, ok := b.exchanges[exchange]; !ok && exchange != "" {
		// the broker closes the channel asynchronously, publish itself succeeds
		b.channelErrLocked(ch, amqp.NotFound, fmt.Sprintf("NOT_FOUND - no exchange '%s'", exchange))
		return nil
	}
	b.routeLocked(exchange, key, msg)

	if ch.confirming {
		ch.publishSeq++
		if !b.holdConfirms {
			conf := amqp.Confirmation{DeliveryTag: ch.publishSeq, Ack: !b.nackPublishes}
			for _, np := range ch.notifyPublish {
				select {
				case np <- conf:
				default:
				}
			}
		}
	}
	b.dispatchLocked()
	return nil
}

func (ch *Chan) Close() error {
	b := ch.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	b.closeChanLocked(ch, nil)
	b.dispatchLocked()
	return nil
}

func (ch *Chan) Ack(tag uint64, multiple bool) error {
	return ch.settle(tag, multiple, func(b *Broker, inf *inflight) {
		inf.q.stats.Acked++
	})
}

func (ch *Chan) Nack(tag uint64, multiple bool, requeue bool) error {
	return ch.settle(tag, multiple, func(b *Broker, inf *inflight) {
		if requeue {
			inf.q.stats.Requeued++
			inf.q.requeue(inf.msg)
			return
		}
		inf.q.stats.Rejected++
		b.deadLetterLocked(inf.q, inf.msg)
	})
}

func (ch *Chan) Reject(tag uint64, requeue bool) error {
	return ch.Nack(tag, false, requeue)
}

func (ch *Chan) settle(tag uint64, multiple bool, f func(b *Broker, inf *inflight)) error {
	b := ch.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}

	var tags []uint64
	if multiple {
		for t := range ch.inflight {
			if t <= tag {
				tags = append(tags, t)
			}
		}
		sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })
	} else if _, ok := ch.inflight[tag]; ok {
		tags = append(tags, tag)
	}
	if len(tags) == 0 {
		return b.channelErrLocked(ch, amqp.PreconditionFailed, fmt.Sprintf("PRECONDITION_FAILED - unknown delivery tag %d", tag))
	}

	for _, t := range tags {
		inf := ch.inflight[t]
		delete(ch.inflight, t)
		inf.c.unacked--
		inf.q.unacked--
		f(b, inf)
	}
	b.dispatchLocked()
	return nil
}
