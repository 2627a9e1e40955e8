package provider

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"applabd/internal/engine"
	"applabd/internal/gpu"
	"applabd/internal/workload"
)

// Default llama.cpp server images per backend.
const (
	cpuImage  = "quay.io/ai-lab/llamacpp_python:latest"
	cudaImage = "quay.io/ai-lab/llamacpp_python_cuda:latest"

	// serverPort is the port llama.cpp listens on inside the container.
	serverPort = 8000

	// modelMountDir is where the model file is bind-mounted.
	modelMountDir = "/models"

	// wslLibDir holds the host GPU driver libraries that must be visible
	// inside accelerated containers.
	wslLibDir = "/usr/lib/wsl/lib"
)

// gpuEntrypoint symlinks the host driver libraries into the loader path
// before invoking the image's normal launch script. Everything in this branch
// is a consequence of running on a GPU, not an independent option.
const gpuEntrypoint = "ln -sfn " + wslLibDir + "/* /usr/lib64/ 2>/dev/null; exec sh /usr/bin/run.sh"

// LlamaCPP serves models with a llama.cpp server container.
type LlamaCPP struct {
	engine   engine.Client
	detector gpu.Detector
	log      zerolog.Logger
	cuda     bool
}

// NewLlamaCPP returns the CPU variant; it is usable everywhere.
func NewLlamaCPP(eng engine.Client, log zerolog.Logger) *LlamaCPP {
	return &LlamaCPP{engine: eng, detector: gpu.Static(nil), log: log.With().Str("provider", "llamacpp").Logger()}
}

// NewLlamaCPPCUDA returns the CUDA variant backed by detector.
func NewLlamaCPPCUDA(eng engine.Client, detector gpu.Detector, log zerolog.Logger) *LlamaCPP {
	return &LlamaCPP{engine: eng, detector: detector, log: log.With().Str("provider", "llamacpp-cuda").Logger(), cuda: true}
}

func (p *LlamaCPP) Enabled() bool {
	if !p.cuda {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	devices, err := p.detector.Detect(ctx)
	return err == nil && len(devices) > 0
}

func (p *LlamaCPP) BuildSpec(config ServerConfig, resolvedImage string, dev *gpu.Device) (engine.ContainerSpec, error) {
	if len(config.Models) != 1 {
		return engine.ContainerSpec{}, workload.ErrConfiguration("exactly one model is required, got %d", len(config.Models))
	}
	model := config.Models[0]
	if model.Path == "" {
		return engine.ContainerSpec{}, workload.ErrConfiguration("model %q has no file reference", model.ID)
	}

	spec := engine.ContainerSpec{
		Name:   config.Name,
		Image:  resolvedImage,
		Labels: config.Labels,
		Env: map[string]string{
			"MODEL_PATH": filepath.Join(modelMountDir, filepath.Base(model.Path)),
			"HOST":       "0.0.0.0",
			"PORT":       strconv.Itoa(serverPort),
		},
		Mounts: []engine.Mount{
			{Source: filepath.Dir(model.Path), Target: modelMountDir, ReadOnly: true},
		},
		Ports: []engine.PortBinding{
			{ContainerPort: serverPort, HostPort: config.Port},
		},
		HealthCmd:      fmt.Sprintf("curl -sSf localhost:%d > /dev/null", serverPort),
		HealthInterval: "5s",
	}
	if dev != nil {
		spec.Env["GPU_LAYERS"] = strconv.Itoa(config.GPULayers)
		spec.Mounts = append(spec.Mounts, engine.Mount{Source: wslLibDir, Target: wslLibDir, ReadOnly: true})
		spec.Devices = append(spec.Devices, "/dev/dxg")
		spec.DeviceRequests = append(spec.DeviceRequests, engine.DeviceRequest{Capabilities: []string{"gpu"}, Count: 1})
		spec.Entrypoint = []string{"/usr/bin/sh", "-c", gpuEntrypoint}
		spec.User = "root"
	}
	return spec, nil
}

func (p *LlamaCPP) Perform(ctx context.Context, config ServerConfig) (Server, error) {
	// GPU discovery comes first: a GPU request on a GPU-less host must fail
	// before any image is pulled or container created.
	var dev *gpu.Device
	if config.GPULayers > 0 {
		devices, err := p.detector.Detect(ctx)
		if err != nil {
			return Server{}, err
		}
		if len(devices) == 0 {
			return Server{}, workload.ErrNoGPU
		}
		if len(devices) > 1 {
			p.log.Warn().Int("count", len(devices)).Msg("multiple GPUs found, using the first")
		}
		dev = &devices[0]
	}

	image := config.Image
	if image == "" {
		if dev != nil {
			image = cudaImage
		} else {
			image = cpuImage
		}
	}
	exists, err := p.engine.ImageExists(ctx, image)
	if err != nil {
		return Server{}, workload.ErrEngine("image lookup", err)
	}
	if !exists {
		p.log.Info().Str("image", image).Msg("pulling inference image")
		if err := p.engine.PullImage(ctx, image); err != nil {
			return Server{}, workload.ErrEngine("image pull", err)
		}
	}

	spec, err := p.BuildSpec(config, image, dev)
	if err != nil {
		return Server{}, err
	}
	id, err := p.engine.CreateContainer(ctx, spec)
	if err != nil {
		return Server{}, workload.ErrEngine("container create", err)
	}
	if err := p.engine.StartContainer(ctx, id); err != nil {
		return Server{}, workload.ErrEngine("container start", err)
	}
	return Server{ContainerID: id, EngineID: p.engine.ID()}, nil
}
