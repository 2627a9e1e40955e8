// Package recipes implements the recipe collaborators consumed by the
// application orchestrator: repository checkout and declarative
// container-configuration loading.
package recipes

import (
	"os"

	"gopkg.in/yaml.v3"

	"applabd/internal/workload"
)

// ContainerConfig is one declared container in a recipe's ai-lab.yaml.
type ContainerConfig struct {
	Name          string   `yaml:"name"`
	ContextDir    string   `yaml:"contextdir"`
	Containerfile string   `yaml:"containerfile"`
	ModelService  bool     `yaml:"model-service"`
	Arch          []string `yaml:"arch"`
	GPUEnv        []string `yaml:"gpu-env"`
	Ports         []int    `yaml:"ports"`
	Image         string   `yaml:"image"`
}

// AppConfig is the declarative application section of a recipe.
type AppConfig struct {
	Name       string            `yaml:"name"`
	Containers []ContainerConfig `yaml:"containers"`
}

type recipeFile struct {
	Version     string    `yaml:"version"`
	Application AppConfig `yaml:"application"`
}

// Load parses a recipe's declarative config file.
func Load(path string) (AppConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return AppConfig{}, workload.ErrConfiguration("read recipe config: %v", err)
	}
	var f recipeFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return AppConfig{}, workload.ErrConfiguration("parse recipe config %s: %v", path, err)
	}
	if len(f.Application.Containers) == 0 {
		return AppConfig{}, workload.ErrConfiguration("recipe config %s declares no containers", path)
	}
	return f.Application, nil
}

// Filter keeps containers matching arch (or declaring no arch constraint) and
// requiring no GPU environment. GPU-gated containers are always excluded; a
// recipe whose remaining set is empty cannot be provisioned on this host.
func Filter(cfg AppConfig, arch string) ([]ContainerConfig, error) {
	var out []ContainerConfig
	for _, c := range cfg.Containers {
		if len(c.GPUEnv) > 0 {
			continue
		}
		if len(c.Arch) > 0 && !contains(c.Arch, arch) {
			continue
		}
		out = append(out, c)
	}
	if len(out) == 0 {
		return nil, workload.ErrConfiguration("no container in recipe %q is eligible for arch %s", cfg.Name, arch)
	}
	return out, nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// LoadFiltered loads and filters in one step, the shape the orchestrator
// consumes.
func LoadFiltered(path, arch string) ([]ContainerConfig, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	filtered, err := Filter(cfg, arch)
	if err != nil {
		return nil, err
	}
	return filtered, nil
}

// ModelServiceOf returns the model-service container of a filtered set.
func ModelServiceOf(containers []ContainerConfig) (ContainerConfig, error) {
	for _, c := range containers {
		if c.ModelService {
			return c, nil
		}
	}
	return ContainerConfig{}, workload.ErrConfiguration("recipe declares no model-service container")
}
