package core

import "sync"

// Indicator of health status
type HealthIndicator interface {
	Name() string               // name of the indicator
	CheckHealth(rail Rail) bool // Check health
}

type HealthStatus struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
}

type healthIndicatorFunc struct {
	name  string
	check func(rail Rail) bool
}

func (h healthIndicatorFunc) Name() string {
	return h.name
}

func (h healthIndicatorFunc) CheckHealth(rail Rail) bool {
	return h.check(rail)
}

// Create HealthIndicator from func.
func NewHealthIndicator(name string, check func(rail Rail) bool) HealthIndicator {
	return healthIndicatorFunc{name: name, check: check}
}

type HealthRegistry struct {
	sync.RWMutex
	indicators []HealthIndicator
}

var (
	aggIndi = &HealthRegistry{indicators: make([]HealthIndicator, 0, 5)}
)

func NewHealthRegistry() *HealthRegistry {
	return &HealthRegistry{}
}

func (h *HealthRegistry) Add(hi HealthIndicator) {
	h.Lock()
	defer h.Unlock()
	h.indicators = append(h.indicators, hi)
}

func (h *HealthRegistry) Check(rail Rail) []HealthStatus {
	h.RLock()
	defer h.RUnlock()
	hs := make([]HealthStatus, 0, len(h.indicators))
	for _, indi := range h.indicators {
		hs = append(hs, HealthStatus{
			Name:    indi.Name(),
			Healthy: indi.CheckHealth(rail),
		})
	}
	return hs
}

// Global health registry.
func Health() *HealthRegistry {
	return aggIndi
}

// Add health indicator.
func AddHealthIndicator(hi HealthIndicator) {
	aggIndi.Add(hi)
}

// Check health status.
func CheckHealth(rail Rail) []HealthStatus {
	return aggIndi.Check(rail)
}

// Whether all statuses are healthy.
func AllHealthy(hs []HealthStatus) bool {
	for _, s := range hs {
		if !s.Healthy {
			return false
		}
	}
	return true
}
