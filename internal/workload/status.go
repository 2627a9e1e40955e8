package workload

// Health is the aggregate health of an application pod, derived from the
// engine's per-container health reports.
type Health string

const (
	HealthStarting  Health = "starting"
	HealthHealthy   Health = "healthy"
	HealthDegraded  Health = "degraded"
	HealthUnhealthy Health = "unhealthy"
	HealthNone      Health = "none"
)

// PlaygroundPhase is the lifecycle state of a playground container.
type PlaygroundPhase string

const (
	PhaseNone     PlaygroundPhase = "none"
	PhaseStarting PlaygroundPhase = "starting"
	PhaseRunning  PlaygroundPhase = "running"
	PhaseStopping PlaygroundPhase = "stopping"
	PhaseStopped  PlaygroundPhase = "stopped"
	PhaseError    PlaygroundPhase = "error"
)
