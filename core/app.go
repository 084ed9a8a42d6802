package core

import (
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"
)

const (
	// Default shutdown hook execution order.
	DefShutdownOrder = 5

	// Components like database that are essential and must be ready before anything else.
	BootstrapOrderL1 = -20

	// Components that are bootstraped before the web server, such as metrics stuff.
	BootstrapOrderL2 = -15

	// The web server or anything similar.
	BootstrapOrderL3 = -10

	// Components that introduce inbound messages or job scheduling, e.g., the event bus.
	//
	// When these components bootstrap, the service is considered truly running.
	BootstrapOrderL4 = -5
)

var (
	globalApp = newApp(globalConf)
)

type ComponentBootstrap struct {
	// name of the component.
	Name string
	// the actual bootstrap function.
	Bootstrap func(rail Rail) error
	// check whether component should be bootstraped
	Condition func(rail Rail) (bool, error)
	// order of which the components are bootstraped, natural order, it's by default 0.
	Order int
}

type OrderedShutdownHook struct {
	Hook  func()
	Order int
}

type App struct {
	configLoaded bool

	// channel for signaling manual shutdown
	manualSigQuit chan int

	shuttingDown   bool
	shutingDownRwm sync.RWMutex

	shutdownHook []OrderedShutdownHook
	shmu         sync.Mutex
	shutdownOnce sync.Once

	bootstrapCallbacks []ComponentBootstrap
	bcmu               sync.Mutex

	config *AppConfig
}

// Get global app.
func GetApp() *App {
	return globalApp
}

// Create new App with its own config, the global App is returned by GetApp().
func NewApp() *App {
	return newApp(NewAppConfig())
}

func newApp(c *AppConfig) *App {
	return &App{
		manualSigQuit: make(chan int, 15),
		config:        c,
	}
}

func (a *App) Config() *AppConfig {
	return a.config
}

// Bootstrap app, load config, bootstrap all registered components and block until
// OS signal (Interrupt, SIGTERM) or Shutdown() is called.
//
// Shutdown hooks are always triggered before Bootstrap returns.
func (a *App) Bootstrap(args []string) {
	if err := a.LoadConfig(args); err != nil {
		Errorf("Failed to load config, %v", err)
		return
	}

	osSigQuit := make(chan os.Signal, 2)
	signal.Notify(osSigQuit, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(osSigQuit)

	defer a.triggerShutdownHook()

	rail := EmptyRail()
	if err := a.bootstrapComponents(rail); err != nil {
		rail.Errorf("Failed to bootstrap %v, %v", a.config.GetPropStr(PropAppName), err)
		return
	}

	select {
	case sig := <-osSigQuit:
		rail.Infof("Received OS signal: %v, exiting", sig)
	case <-a.manualSigQuit:
		rail.Infof("Received manual shutdown signal, exiting")
	}
}

func (a *App) bootstrapComponents(rail Rail) error {
	a.AddOrderedShutdownHook(0, a.markShuttingDown) // the first hook to be called

	appName := a.config.GetPropStr(PropAppName)
	if appName == "" {
		return fmt.Errorf("property '%s' is required", PropAppName)
	}
	start := time.Now()
	rail.Infof("\n\n---------------------------------------------- starting %s -------------------------------------------------------\n", appName)

	a.bcmu.Lock()
	callbacks := a.bootstrapCallbacks
	a.bootstrapCallbacks = nil
	a.bcmu.Unlock()

	sort.SliceStable(callbacks, func(i, j int) bool { return callbacks[i].Order < callbacks[j].Order })
	for _, c := range callbacks {
		if c.Condition != nil {
			ok, err := c.Condition(rail)
			if err != nil {
				return fmt.Errorf("component %v failed on condition check, %w", c.Name, err)
			}
			if !ok {
				rail.Debugf("Component %v is disabled, skipped", c.Name)
				continue
			}
		}

		rail.Debugf("Starting to bootstrap component %-30s", c.Name)
		cs := time.Now()
		if err := c.Bootstrap(rail); err != nil {
			return fmt.Errorf("failed to bootstrap component %v, %w", c.Name, err)
		}
		took := time.Since(cs)
		rail.Debugf("Component %-30s - took %v", c.Name, took)
		if took >= 5*time.Second {
			rail.Warnf("Component '%s' might be too slow to bootstrap, took: %v", c.Name, took)
		}
	}

	rail.Infof("\n\n---------------------------------------------- %s started (took: %dms) --------------------------------------------\n",
		appName, time.Since(start).Milliseconds())
	return nil
}

// Load app configuration and configure logging, config is only loaded once.
func (a *App) LoadConfig(args []string) error {
	if a.configLoaded {
		return nil
	}
	a.config.DefaultReadConfig(args)
	if err := a.configureLogging(); err != nil {
		return fmt.Errorf("configure logging failed, %w", err)
	}
	a.configLoaded = true
	return nil
}

func (a *App) configureLogging() error {
	c := a.config
	if f := c.GetPropStr(PropLoggingRollingFile); f != "" {
		SetLogOutput(BuildRollingLogFileWriter(RollingLogFileParam{
			Filename:   f,
			MaxSize:    c.GetPropInt(PropLoggingRollingFileMaxSize),
			MaxAge:     c.GetPropInt(PropLoggingRollingFileMaxAge),
			MaxBackups: c.GetPropInt(PropLoggingRollingFileMaxBackups),
		}))
	}
	if lv := c.GetPropStr(PropLoggingLevel); lv != "" {
		if _, ok := ParseLogLevel(lv); !ok {
			return fmt.Errorf("invalid log level '%v'", lv)
		}
		SetLogLevel(lv)
	}
	return nil
}

// Trigger shutdown hooks in order, hooks are executed only once.
//
// Waits at most 'app.graceful-shutdown-time-sec' seconds for the hooks to finish.
func (a *App) triggerShutdownHook() {
	a.shutdownOnce.Do(func() {
		done := make(chan struct{})
		go func() {
			defer close(done)
			a.shmu.Lock()
			defer a.shmu.Unlock()

			sort.SliceStable(a.shutdownHook, func(i, j int) bool { return a.shutdownHook[i].Order < a.shutdownHook[j].Order })
			for _, hook := range a.shutdownHook {
				panicSafe(hook.Hook)
			}
		}()

		timeout := a.config.GetPropDur(PropGracefulShutdownTimeSec, time.Second)
		if timeout <= 0 {
			<-done
			return
		}
		select {
		case <-done:
		case <-time.After(timeout):
			Warnf("Exceeded graceful shutdown period (%v), stop waiting for shutdown hook execution", timeout)
		}
	})
}

func panicSafe(f func()) {
	defer func() {
		if v := recover(); v != nil {
			Errorf("Shutdown hook panicked, %v", v)
		}
	}()
	f()
}

// Register shutdown hook, hook should never panic.
func (a *App) AddShutdownHook(hook func()) {
	a.AddOrderedShutdownHook(DefShutdownOrder, hook)
}

func (a *App) AddOrderedShutdownHook(order int, hook func()) {
	a.shmu.Lock()
	defer a.shmu.Unlock()
	a.shutdownHook = append(a.shutdownHook, OrderedShutdownHook{
		Order: order,
		Hook:  hook,
	})
}

func (a *App) RegisterBootstrapCallback(c ComponentBootstrap) {
	a.bcmu.Lock()
	defer a.bcmu.Unlock()
	a.bootstrapCallbacks = append(a.bootstrapCallbacks, c)
}

// check if the app is shutting down
func (a *App) IsShuttingDown() bool {
	a.shutingDownRwm.RLock()
	defer a.shutingDownRwm.RUnlock()
	return a.shuttingDown
}

func (a *App) markShuttingDown() {
	a.shutingDownRwm.Lock()
	defer a.shutingDownRwm.Unlock()
	a.shuttingDown = true
}

// Signal the app to shutdown.
func (a *App) Shutdown() {
	a.manualSigQuit <- 1
}

// Bootstrap the global app, blocks until the app is shutdown.
func Bootstrap(args []string) {
	globalApp.Bootstrap(args)
}

// Register component bootstrap callback on the global app.
func RegisterBootstrapCallback(c ComponentBootstrap) {
	globalApp.RegisterBootstrapCallback(c)
}

// Register shutdown hook on the global app, hook should never panic.
func AddShutdownHook(hook func()) {
	globalApp.AddShutdownHook(hook)
}

func AddOrderedShutdownHook(order int, hook func()) {
	globalApp.AddOrderedShutdownHook(order, hook)
}

func IsShuttingDown() bool {
	return globalApp.IsShuttingDown()
}

func Shutdown() {
	globalApp.Shutdown()
}
