package events

import (
	"errors"
	"sort"
	"sync"

	"github.com/curtisnewbie/lakepersist/audit"
	"github.com/curtisnewbie/lakepersist/core"
	"github.com/curtisnewbie/lakepersist/middleware/rabbit"
	"github.com/curtisnewbie/lakepersist/middleware/redis"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher publishes payload to the exchange.
type Publisher interface {
	Publish(rail core.Rail, routingKey string, payload any) error
}

type Option func(c *Controller)

// Skip duplicate deliveries using store, see redis.Dedupe.
func WithDedupe(store redis.DedupeStore, conf redis.DedupeConf) Option {
	return func(c *Controller) {
		c.dedupe = store
		c.dedupeConf = conf
	}
}

/*
Controller starts and stops the persistence event bus.

Start connects the client and subscribes the persistence queues, Stop closes the client. A bus that fails to start
doesn't stop the service, the controller stays degraded instead.

A failed subscription doesn't affect the others. Subscriptions that failed because the connection was not
available are subscribed again once the client reconnects, those rejected by the broker (e.g., PRECONDITION_FAILED)
are not.
*/
type Controller struct {
	client     *rabbit.Client
	store      audit.Store
	dedupe     redis.DedupeStore
	dedupeConf redis.DedupeConf

	outingCreated *rabbit.EventPipeline[OutingCreated]
	weatherAlert  *rabbit.EventPipeline[WeatherAlert]

	startOnce sync.Once
	stopOnce  sync.Once

	mu         sync.RWMutex
	connectErr error
	subErrs    map[string]error // failed subscriptions by queue

	resubMu sync.Mutex
}

func NewController(client *rabbit.Client, store audit.Store, opts ...Option) *Controller {
	c := &Controller{
		client:  client,
		store:   store,
		subErrs: map[string]error{},
		outingCreated: rabbit.NewEventPipeline[OutingCreated](client, RoutingKeyOutingCreated).
			Document("Outing is created by a user"),
		weatherAlert: rabbit.NewEventPipeline[WeatherAlert](client, RoutingKeyWeatherAlert).
			Document("Weather alert of a lake"),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Subscriptions of the persistence service.
func (c *Controller) Subscriptions() []rabbit.Subscription {
	subs := []rabbit.Subscription{
		{Pattern: audit.Pattern, Queue: AuditQueue, Handler: audit.Handler(c.store)},
		{Pattern: RoutingKeyOutingCreated, Queue: OutingQueue, Handler: c.outingCreated.Handler(OnOutingCreated)},
		{Pattern: RoutingKeyWeatherAlert, Queue: WeatherQueue, Handler: c.weatherAlert.Handler(OnWeatherAlert)},
	}
	if c.dedupe != nil {
		for i := range subs {
			subs[i].Handler = redis.Dedupe(c.dedupe, c.dedupeConf, subs[i].Handler)
		}
	}
	return subs
}

/*
Start the event bus, it only runs once.

Failures are logged and recorded, see Degraded() and StartErr(), Start itself always returns nil.
*/
func (c *Controller) Start(rail core.Rail) error {
	c.startOnce.Do(func() {
		rail.Info("Starting persistence event bus")
		c.start(rail)
		if err := c.StartErr(); err != nil {
			rail.Errorf("Failed to start persistence event bus, service is degraded, %v", err)
			return
		}
		rail.Info("Persistence event bus started successfully")
	})
	return nil
}

func (c *Controller) start(rail core.Rail) {
	c.client.OnStateChange(func(from, to rabbit.State) {
		if from == rabbit.Reconnecting && to == rabbit.Connected {
			go c.resubscribe(core.EmptyRail())
		}
	})

	if err := c.client.Connect(rail); err != nil {
		c.mu.Lock()
		c.connectErr = err
		c.mu.Unlock()
		return
	}
	for _, s := range c.Subscriptions() {
		if err := c.client.Subscribe(rail, s); err != nil {
			c.setSubErr(s.Queue, err)
		}
	}

	// the client may have reconnected before the failures were recorded
	c.resubscribe(rail)
}

// subscribe again the queues that failed because the connection was not available.
func (c *Controller) resubscribe(rail core.Rail) {
	c.resubMu.Lock()
	defer c.resubMu.Unlock()

	for _, s := range c.Subscriptions() {
		if !c.client.Connected() {
			return
		}
		if err := c.subErr(s.Queue); err == nil || !isTransientSubErr(err) {
			continue
		}
		if err := c.client.Subscribe(rail, s); err != nil && !errors.Is(err, rabbit.ErrDuplicateQueue) {
			c.setSubErr(s.Queue, err)
			continue
		}
		c.setSubErr(s.Queue, nil)
		rail.Infof("Queue '%s' is subscribed after reconnect", s.Queue)
	}
}

// whether the subscription failed because the connection or channel was not available.
func isTransientSubErr(err error) bool {
	if rabbit.IsConnectionError(err) {
		return true
	}
	var ae *amqp.Error
	if !errors.As(err, &ae) {
		return false
	}
	switch ae.Code {
	case amqp.PreconditionFailed, amqp.NotFound, amqp.AccessRefused:
		return false
	}
	return true
}

func (c *Controller) setSubErr(queue string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		delete(c.subErrs, queue)
		return
	}
	c.subErrs[queue] = err
}

func (c *Controller) subErr(queue string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.subErrs[queue]
}

// Failed subscriptions by queue.
func (c *Controller) SubscriptionErrs() map[string]error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m := make(map[string]error, len(c.subErrs))
	for q, err := range c.subErrs {
		m[q] = err
	}
	return m
}

// Stop the event bus, it only runs once.
func (c *Controller) Stop(rail core.Rail) {
	c.stopOnce.Do(func() {
		rail.Info("Shutting down persistence event bus")
		if err := c.client.Close(rail); err != nil {
			rail.Errorf("Failed to close event bus client, %v", err)
		}
	})
}

// Connect error of Start, or the subscriptions that are still failing.
func (c *Controller) StartErr() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.connectErr != nil {
		return c.connectErr
	}
	if len(c.subErrs) < 1 {
		return nil
	}
	queues := make([]string, 0, len(c.subErrs))
	for q := range c.subErrs {
		queues = append(queues, q)
	}
	sort.Strings(queues)
	errs := make([]error, 0, len(queues))
	for _, q := range queues {
		errs = append(errs, c.subErrs[q])
	}
	return errors.Join(errs...)
}

// Whether the bus failed to connect, is not connected, or has queues that are not subscribed.
func (c *Controller) Degraded() bool {
	return c.StartErr() != nil || !c.client.Connected()
}

func (c *Controller) Publisher() Publisher {
	return c.client
}

func (c *Controller) Publish(rail core.Rail, routingKey string, payload any) error {
	return c.client.Publish(rail, routingKey, payload)
}

func (c *Controller) OutingCreated() *rabbit.EventPipeline[OutingCreated] {
	return c.outingCreated
}

func (c *Controller) WeatherAlert() *rabbit.EventPipeline[WeatherAlert] {
	return c.weatherAlert
}

// Descriptions of typed pipelines.
func (c *Controller) Pipelines() []rabbit.EventPipelineDesc {
	return []rabbit.EventPipelineDesc{c.outingCreated.Desc(), c.weatherAlert.Desc()}
}
