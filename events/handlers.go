package events

import (
	"errors"
	"strings"

	"github.com/curtisnewbie/lakepersist/core"
	"github.com/curtisnewbie/lakepersist/middleware/rabbit"
)

const (
	AuditQueue   = "persistence_audit_queue"
	OutingQueue  = "persistence_outing_queue"
	WeatherQueue = "persistence_weather_queue"

	RoutingKeyOutingCreated = "outing.created"
	RoutingKeyWeatherAlert  = "weather.alert"
)

var (
	ErrMissingOutingId = errors.New("outing id is missing")
)

type OutingCreated struct {
	Id          string `json:"id"`
	UserId      string `json:"user_id"`
	LakeId      string `json:"lake_id"`
	PlannedDate string `json:"planned_date"`
	TimeSlot    string `json:"time_slot"`
	Notes       string `json:"notes"`
}

type WeatherAlert struct {
	LakeId   string `json:"lake_id"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

func OnOutingCreated(rail core.Rail, o OutingCreated) error {
	if strings.TrimSpace(o.Id) == "" {
		return rabbit.MarkPermanent(ErrMissingOutingId)
	}
	rail.Infof("Outing created event received: %+v", o)
	return nil
}

func OnWeatherAlert(rail core.Rail, a WeatherAlert) error {
	rail.Infof("Weather alert received: %+v", a)
	return nil
}
