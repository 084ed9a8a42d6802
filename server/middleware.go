package server

import (
	"context"
	"net/http"
	"time"

	"github.com/curtisnewbie/lakepersist/core"
	"github.com/gin-gonic/gin"
)

const railKey = "lakepersist.rail"

// Build a Rail for each request, trace id is taken from the request header if present.
func TraceMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		if tid := c.GetHeader(core.XTraceId); tid != "" {
			ctx = context.WithValue(ctx, core.XTraceId, tid) //lint:ignore SA1029 keys are exposed for propagation
		}
		rail := core.NewRail(ctx)
		c.Set(railKey, rail)
		c.Header(core.XTraceId, rail.TraceId())
		c.Next()
	}
}

// Rail of the request, a new one is created if TraceMiddleware is not installed.
func GetRail(c *gin.Context) core.Rail {
	if v, ok := c.Get(railKey); ok {
		if r, ok := v.(core.Rail); ok {
			return r
		}
	}
	return core.NewRail(c.Request.Context())
}

// Perf Middleware that calculates how much time each request takes
func PerfMiddleware(excluded ...string) gin.HandlerFunc {
	excl := make(map[string]struct{}, len(excluded))
	for _, p := range excluded {
		excl[p] = struct{}{}
	}
	return func(c *gin.Context) {
		if _, ok := excl[c.Request.URL.Path]; ok {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()
		GetRail(c).Infof("%-6v %-60v [%d] [%s]", c.Request.Method, c.Request.RequestURI, c.Writer.Status(), time.Since(start))
	}
}

func DefaultRecovery(c *gin.Context, e any) {
	GetRail(c).Errorf("Recovered from panic, %v", e)
	c.AbortWithStatusJSON(http.StatusInternalServerError, errResp(core.ErrUnknownError, "internal server error"))
}
