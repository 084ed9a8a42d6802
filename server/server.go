package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/curtisnewbie/lakepersist/core"
	"github.com/curtisnewbie/lakepersist/middleware/rabbit"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	ServiceName = "persistence"

	StatusUp       = "UP"
	StatusDegraded = "DEGRADED"

	HealthRoute    = "/health"
	EventsRoute    = "/api/v1/events"
	PipelinesRoute = "/api/v1/pipelines"
)

// Event bus as seen by the http server.
type Bus interface {
	Degraded() bool
	Publish(rail core.Rail, routingKey string, payload any) error
	Pipelines() []rabbit.EventPipelineDesc
}

type HealthResp struct {
	Status     string              `json:"status"`
	Service    string              `json:"service"`
	Components []core.HealthStatus `json:"components"`
}

type PublishReq struct {
	RoutingKey string         `json:"routingKey"`
	Payload    map[string]any `json:"payload"`
}

type PublishResp struct {
	RoutingKey string `json:"routingKey"`
}

type ErrorResp struct {
	Code  string `json:"code,omitempty"`
	Error string `json:"error"`
}

func errResp(code *core.Err, msg string) ErrorResp {
	return ErrorResp{Code: code.Code(), Error: msg}
}

type EngineOptions struct {
	Health         *core.HealthRegistry
	MetricsEnabled bool
	MetricsRoute   string
	PerfEnabled    bool
}

// Create gin engine with all the routes registered.
func NewEngine(bus Bus, opts EngineOptions) *gin.Engine {
	if opts.Health == nil {
		opts.Health = core.Health()
	}

	engine := gin.New()
	engine.Use(TraceMiddleware(), gin.CustomRecovery(DefaultRecovery))
	if opts.PerfEnabled {
		engine.Use(PerfMiddleware(HealthRoute, opts.MetricsRoute))
	}

	engine.GET(HealthRoute, healthHandler(bus, opts.Health))
	engine.POST(EventsRoute, publishHandler(bus))
	engine.GET(PipelinesRoute, func(c *gin.Context) {
		c.JSON(http.StatusOK, bus.Pipelines())
	})
	if opts.MetricsEnabled && opts.MetricsRoute != "" {
		engine.GET(opts.MetricsRoute, gin.WrapH(promhttp.Handler()))
	}
	return engine
}

func healthHandler(bus Bus, health *core.HealthRegistry) gin.HandlerFunc {
	return func(c *gin.Context) {
		components := health.Check(GetRail(c))
		status := StatusUp
		if bus.Degraded() || !core.AllHealthy(components) {
			status = StatusDegraded
		}
		c.JSON(http.StatusOK, HealthResp{Status: status, Service: ServiceName, Components: components})
	}
}

func publishHandler(bus Bus) gin.HandlerFunc {
	return func(c *gin.Context) {
		rail := GetRail(c)

		var req PublishReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, errResp(core.ErrIllegalArgument, fmt.Sprintf("invalid request body, %v", err)))
			return
		}
		if err := rabbit.ValidateRoutingKey(req.RoutingKey); err != nil {
			c.JSON(http.StatusBadRequest, errResp(core.ErrIllegalArgument, err.Error()))
			return
		}
		if req.Payload == nil {
			c.JSON(http.StatusBadRequest, errResp(core.ErrIllegalArgument, "payload is required"))
			return
		}

		if err := bus.Publish(rail, req.RoutingKey, req.Payload); err != nil {
			rail.Warnf("Failed to publish event '%s', %v", req.RoutingKey, err)
			status, code := publishErrStatus(err)
			c.JSON(status, errResp(code, err.Error()))
			return
		}
		c.JSON(http.StatusAccepted, PublishResp{RoutingKey: req.RoutingKey})
	}
}

func publishErrStatus(err error) (int, *core.Err) {
	switch {
	case errors.Is(err, rabbit.ErrInvalidRoutingKey):
		return http.StatusBadRequest, core.ErrIllegalArgument
	case rabbit.IsPublishError(err), rabbit.IsConnectionError(err):
		return http.StatusServiceUnavailable, core.ErrServiceDegraded
	default:
		return http.StatusInternalServerError, core.ErrUnknownError
	}
}

// Register http server bootstrap component, the server is shutdown gracefully when the app exits.
func Register(app *core.App, bus Bus) {
	conf := app.Config()
	app.RegisterBootstrapCallback(core.ComponentBootstrap{
		Name:      "Bootstrap HTTP Server",
		Condition: func(rail core.Rail) (bool, error) { return conf.GetPropBool(PropServerEnabled), nil },
		Order:     core.BootstrapOrderL3,
		Bootstrap: func(rail core.Rail) error {
			gin.SetMode(gin.ReleaseMode)
			engine := NewEngine(bus, EngineOptions{
				MetricsEnabled: conf.GetPropBool(PropMetricsEnabled),
				MetricsRoute:   conf.GetPropStr(PropMetricsRoute),
				PerfEnabled:    conf.GetPropBool(PropServerPerfEnabled),
			})
			addr := fmt.Sprintf("%s:%d", conf.GetPropStr(PropServerHost), conf.GetPropInt(PropServerPort))
			server := &http.Server{Addr: addr, Handler: engine}
			if err := startHttpServer(rail, server); err != nil {
				return err
			}
			graceful := conf.GetPropDur(core.PropGracefulShutdownTimeSec, time.Second)
			app.AddShutdownHook(func() { shutdownHttpServer(server, graceful/2) })
			return nil
		},
	})
}

func startHttpServer(rail core.Rail, server *http.Server) error {
	ln, err := net.Listen("tcp", server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %v, %w", server.Addr, err)
	}
	rail.Infof("Serving HTTP on %s", ln.Addr())
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			rail.Errorf("HTTP server stopped unexpectedly, %v", err)
		}
	}()
	return nil
}

func shutdownHttpServer(server *http.Server, timeout time.Duration) {
	core.Infof("Shutting down http server gracefully")
	ctx := context.Background()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := server.Shutdown(ctx); err != nil {
		core.Errorf("Failed to shutdown http server, %v", err)
		return
	}
	core.Infof("HTTP server exited")
}
