package main

import (
	"os"

	"github.com/curtisnewbie/lakepersist/core"
	"github.com/curtisnewbie/lakepersist/events"
	"github.com/curtisnewbie/lakepersist/server"
	_ "go.uber.org/automaxprocs"
)

func main() {
	app := core.GetApp()
	bus := events.Register(app)
	server.Register(app, bus)
	app.Bootstrap(os.Args[1:])
}
