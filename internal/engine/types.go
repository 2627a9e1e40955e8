package engine

// Mount binds a host path into a container.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// PortBinding publishes one container port on a host port.
type PortBinding struct {
	ContainerPort int
	HostPort      int
}

// DeviceRequest asks the engine for device capabilities (e.g. gpu).
type DeviceRequest struct {
	Capabilities []string
	Count        int
}

// ContainerSpec is everything needed to create one container.
type ContainerSpec struct {
	Name           string
	Image          string
	PodID          string
	Env            map[string]string
	Labels         map[string]string
	Mounts         []Mount
	Ports          []PortBinding
	Entrypoint     []string
	Cmd            []string
	User           string
	Devices        []string
	DeviceRequests []DeviceRequest
	// HealthCmd, when set, installs a shell-command health check on the
	// container. It is passed verbatim as the single CMD-SHELL argument.
	HealthCmd      string
	HealthInterval string
}

// PodSpec is everything needed to create one pod.
type PodSpec struct {
	Name   string
	Labels map[string]string
	Ports  []PortBinding
}

// BuildOptions describe one image build.
type BuildOptions struct {
	ContextDir    string
	Containerfile string
	Tag           string
	Arch          string
}

// ContainerSummary is one row of ListContainers.
type ContainerSummary struct {
	ID     string
	Name   string
	Image  string
	State  string
	PodID  string
	Labels map[string]string
	Ports  []PortBinding
}

// ContainerDetail is the inspect view of one container.
type ContainerDetail struct {
	ID       string
	Running  bool
	ExitCode int
	// Health is the engine-reported health: none, starting, healthy or
	// unhealthy. Empty when no health check is installed.
	Health string
}

// PodContainer is one container inside a pod listing.
type PodContainer struct {
	ID     string
	Name   string
	Status string
}

// PodInfo is one row of ListPods.
type PodInfo struct {
	ID         string
	Name       string
	Status     string
	Labels     map[string]string
	Containers []PodContainer
}

// Engine-reported container/pod states we branch on.
const (
	StateRunning = "running"
	StateExited  = "exited"

	HealthNone      = "none"
	HealthStarting  = "starting"
	HealthHealthy   = "healthy"
	HealthUnhealthy = "unhealthy"
)

// Event is one lifecycle event from the engine stream.
type Event struct {
	// Type is the resource kind: container or pod.
	Type string
	// Action is the lifecycle transition: start, die, remove or cleanup.
	Action string
	// ID of the resource the event concerns.
	ID string
	// Labels carried by the resource, when the engine reports them.
	Labels map[string]string
}

// Event types and actions.
const (
	TypeContainer = "container"
	TypePod       = "pod"

	ActionStart   = "start"
	ActionDie     = "die"
	ActionRemove  = "remove"
	ActionCleanup = "cleanup"
)

// MatchesLabels reports whether labels contain every pair in filter.
func MatchesLabels(labels, filter map[string]string) bool {
	for k, v := range filter {
		if labels[k] != v {
			return false
		}
	}
	return true
}
