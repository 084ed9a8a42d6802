package events

import (
	"sync"
	"time"

	"github.com/curtisnewbie/lakepersist/audit"
	"github.com/curtisnewbie/lakepersist/core"
	"github.com/curtisnewbie/lakepersist/middleware/rabbit"
	"github.com/curtisnewbie/lakepersist/middleware/redis"
)

const (
	// the bus is closed before the other hooks, e.g., the audit store
	busShutdownOrder = 1
)

// Module wires the audit store and the Controller into App's bootstrap and shutdown.
type Module struct {
	app *core.App

	mu    sync.RWMutex
	ctrl  *Controller
	store *audit.GormStore
}

/*
Register the event bus components on app.

The audit store is opened before the web server, the bus starts after it. Both are skipped when 'rabbitmq.enabled'
is false.
*/
func Register(app *core.App) *Module {
	m := &Module{app: app}
	app.RegisterBootstrapCallback(core.ComponentBootstrap{
		Name:      "Bootstrap Audit Store",
		Condition: m.enabled,
		Bootstrap: m.bootstrapStore,
		Order:     core.BootstrapOrderL1 + 1,
	})
	app.RegisterBootstrapCallback(core.ComponentBootstrap{
		Name:      "Bootstrap Event Bus",
		Condition: m.enabled,
		Bootstrap: m.bootstrapBus,
		Order:     core.BootstrapOrderL4,
	})
	return m
}

func (m *Module) enabled(rail core.Rail) (bool, error) {
	return m.app.Config().GetPropBool(PropRabbitMqEnabled), nil
}

func (m *Module) bootstrapStore(rail core.Rail) error {
	s, err := audit.OpenStoreFromProp(rail)
	if err != nil {
		return core.WrapErrf(err, "failed to open audit store")
	}
	m.mu.Lock()
	m.store = s
	m.mu.Unlock()

	m.app.AddShutdownHook(func() {
		if err := s.Close(); err != nil {
			core.Errorf("Failed to close audit store, %v", err)
		}
	})
	return nil
}

func (m *Module) bootstrapBus(rail core.Rail) error {
	conf := m.app.Config()
	client, err := rabbit.NewFromProps()
	if err != nil {
		return err
	}

	var opts []Option
	if conf.GetPropBool(PropDedupeEnabled) {
		if redis.IsInitialized() {
			opts = append(opts, WithDedupe(redis.GetRedis(), redis.DedupeConf{
				Ttl:   conf.GetPropDur(PropDedupeTtlSec, time.Second),
				Lease: conf.GetPropDur(PropDedupeLeaseSec, time.Second),
			}))
		} else {
			rail.Warnf("Property '%s' is enabled but redis is not initialized, duplicate deliveries are not skipped", PropDedupeEnabled)
		}
	}

	m.mu.RLock()
	store := m.store
	m.mu.RUnlock()

	ctrl := NewController(client, store, opts...)
	m.mu.Lock()
	m.ctrl = ctrl
	m.mu.Unlock()

	m.app.AddOrderedShutdownHook(busShutdownOrder, func() { ctrl.Stop(core.EmptyRail()) })
	core.AddHealthIndicator(core.NewHealthIndicator("Event Bus", func(rail core.Rail) bool { return !ctrl.Degraded() }))
	if err := core.ScheduleCron(StatsJob(ctrl, conf.GetPropStr(PropStatsLogCron))); err != nil {
		rail.Warnf("Failed to schedule event bus stats job, %v", err)
	}

	return ctrl.Start(rail)
}

// Controller of the bus, nil if the bus is disabled or not bootstrapped yet.
func (m *Module) Controller() *Controller {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ctrl
}

// Whether the bus is enabled but not working.
func (m *Module) Degraded() bool {
	if ok, _ := m.enabled(core.EmptyRail()); !ok {
		return false
	}
	c := m.Controller()
	return c == nil || c.Degraded()
}

func (m *Module) Publish(rail core.Rail, routingKey string, payload any) error {
	c := m.Controller()
	if c == nil {
		return &rabbit.PublishError{
			RoutingKey: routingKey,
			Err:        &rabbit.ConnectionError{Op: "publish", State: rabbit.Disconnected, Err: rabbit.ErrNotConnected},
		}
	}
	return c.Publish(rail, routingKey, payload)
}

func (m *Module) Pipelines() []rabbit.EventPipelineDesc {
	c := m.Controller()
	if c == nil {
		return []rabbit.EventPipelineDesc{}
	}
	return c.Pipelines()
}
