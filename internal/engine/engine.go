// Package engine abstracts the container engine the orchestrators drive.
// The orchestrators depend only on Client; the daemon wires a libpod REST
// implementation and tests wire the in-memory engine.
package engine

import "context"

// Client is the capability set consumed from the container engine.
type Client interface {
	// ID identifies this engine connection; recorded on workload state so a
	// workload can be traced back to the engine that runs it.
	ID() string
	// Ping reports whether the engine is reachable and healthy.
	Ping(ctx context.Context) error

	PullImage(ctx context.Context, name string) error
	ImageExists(ctx context.Context, name string) (bool, error)
	BuildImage(ctx context.Context, opts BuildOptions) (string, error)

	CreateContainer(ctx context.Context, spec ContainerSpec) (string, error)
	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id string) error
	RemoveContainer(ctx context.Context, id string) error
	InspectContainer(ctx context.Context, id string) (ContainerDetail, error)
	// ListContainers returns containers carrying every label pair in filter.
	ListContainers(ctx context.Context, filter map[string]string) ([]ContainerSummary, error)

	CreatePod(ctx context.Context, spec PodSpec) (string, error)
	StartPod(ctx context.Context, id string) error
	StopPod(ctx context.Context, id string) error
	RemovePod(ctx context.Context, id string) error
	// ListPods returns pods carrying every label pair in filter.
	ListPods(ctx context.Context, filter map[string]string) ([]PodInfo, error)

	// Events streams lifecycle events until ctx is cancelled. The returned
	// channel is closed when the stream ends.
	Events(ctx context.Context) (<-chan Event, error)
}

// SelectHealthy returns the first engine that answers Ping, in the order the
// clients were configured. There is no load balancing across engines.
func SelectHealthy(ctx context.Context, clients []Client) (Client, bool) {
	for _, c := range clients {
		if err := c.Ping(ctx); err == nil {
			return c, true
		}
	}
	return nil, false
}
