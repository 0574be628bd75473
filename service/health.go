package service

import "context"

// HealthState is the service's coarse operational state.
type HealthState string

const (
	Healthy   HealthState = "healthy"
	Degraded  HealthState = "degraded"
	Unhealthy HealthState = "unhealthy"
)

// Health pairs a state with a reason when not healthy.
type Health struct {
	State  HealthState `json:"state"`
	Reason string      `json:"reason,omitempty"`
}

// Health reports the service's current health: storage reachability first,
// then quarantine and breaker pressure.
func (s *Service) Health(ctx context.Context) Health {
	if s.isShuttingDown() {
		return Health{State: Unhealthy, Reason: "shutting down"}
	}
	if err := s.store.Ping(ctx); err != nil {
		return Health{State: Unhealthy, Reason: "storage unreachable"}
	}

	s.mu.RLock()
	quarantined := len(s.quarantined)
	s.mu.RUnlock()
	if quarantined > 0 {
		return Health{State: Degraded, Reason: "groups quarantined"}
	}
	if ratio := s.admission.OpenBreakerRatio(); ratio > 0.5 {
		return Health{State: Degraded, Reason: "majority of peer breakers open"}
	}
	return Health{State: Healthy}
}
