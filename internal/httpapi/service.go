// Package httpapi exposes the orchestrators over HTTP: lifecycle routes,
// state snapshots, a server-sent event stream of state changes, health probes
// and prometheus metrics.
package httpapi

import (
	"context"

	"applabd/pkg/types"
)

// Service defines the methods required by the HTTP API layer.
type Service interface {
	Models() []types.ModelInfo

	Applications() []types.ApplicationStatus
	PullApplication(ctx context.Context, req types.ApplicationRequest) error
	StopApplication(ctx context.Context, recipeID, modelID string) error
	RemoveApplication(ctx context.Context, recipeID, modelID string) error
	RestartApplication(ctx context.Context, recipeID, modelID string) error

	Playgrounds() []types.PlaygroundStatus
	StartPlayground(ctx context.Context, modelID string) error
	StopPlayground(ctx context.Context, modelID string) error
	Query(ctx context.Context, req types.QueryRequest) (types.QueryStatus, error)
	Queries() []types.QueryStatus

	Tasks() []types.TaskStatus

	// Watch delivers one token per state-change notification until ctx ends.
	Watch(ctx context.Context) <-chan string
	// Ready reports whether the daemon finished startup adoption.
	Ready() bool
}
