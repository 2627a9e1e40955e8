// Package provider turns a declarative inference-server configuration into an
// engine container. One variant exists per backend; the CPU variant is always
// usable, accelerated variants only when their hardware is present.
package provider

import (
	"context"

	"applabd/internal/engine"
	"applabd/internal/gpu"
	"applabd/pkg/types"
)

// ServerConfig is the declarative configuration of one inference server.
type ServerConfig struct {
	// Models to serve. Exactly one is supported; multi-model serving is not.
	Models []types.ModelInfo
	// Host port to publish the server on.
	Port int
	// GPULayers > 0 requests GPU offload.
	GPULayers int
	// Image overrides the provider's default image when set.
	Image string
	// Labels written on the created container; they carry workload identity.
	Labels map[string]string
	// Name for the created container; optional.
	Name string
}

// Server locates a created inference server container.
type Server struct {
	ContainerID string
	EngineID    string
}

// Provider is one inference backend variant.
type Provider interface {
	// Enabled reports whether this variant is usable in the current
	// environment.
	Enabled() bool
	// BuildSpec produces the engine container spec for config, serving via
	// resolvedImage, optionally on dev.
	BuildSpec(config ServerConfig, resolvedImage string, dev *gpu.Device) (engine.ContainerSpec, error)
	// Perform discovers hardware, resolves the image and creates and starts
	// the server container.
	Perform(ctx context.Context, config ServerConfig) (Server, error)
}
