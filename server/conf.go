package server

import "github.com/curtisnewbie/lakepersist/core"

// HTTP Server Configuration
const (

	// enable http server | true
	PropServerEnabled = "server.enabled"

	// http server host | 0.0.0.0
	PropServerHost = "server.host"

	// http server port | 8000
	PropServerPort = "server.port"

	// log the time taken by each request | false
	PropServerPerfEnabled = "server.perf.enabled"

	// expose prometheus metrics | true
	PropMetricsEnabled = "metrics.enabled"

	// route of the prometheus metrics endpoint | /metrics
	PropMetricsRoute = "metrics.route"
)

func init() {
	core.SetDefProp(PropServerEnabled, true)
	core.SetDefProp(PropServerHost, "0.0.0.0")
	core.SetDefProp(PropServerPort, 8000)
	core.SetDefProp(PropServerPerfEnabled, false)
	core.SetDefProp(PropMetricsEnabled, true)
	core.SetDefProp(PropMetricsRoute, "/metrics")
}
