// Package gpu enumerates GPUs for the inference provider.
package gpu

import (
	"bytes"
	"context"
	"os/exec"
	"strconv"
	"strings"
)

// Device is one discovered GPU.
type Device struct {
	Index int
	Name  string
}

// Detector enumerates GPUs available to the engine.
type Detector interface {
	Detect(ctx context.Context) ([]Device, error)
}

// Nvidia detects NVIDIA GPUs by querying nvidia-smi. A missing binary means
// zero GPUs, not an error.
type Nvidia struct{}

func (Nvidia) Detect(ctx context.Context) ([]Device, error) {
	bin, err := exec.LookPath("nvidia-smi")
	if err != nil {
		return nil, nil
	}
	cmd := exec.CommandContext(ctx, bin, "--query-gpu=index,name", "--format=csv,noheader")
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return nil, nil
	}
	var devices []Device
	for _, line := range strings.Split(out.String(), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, ",", 2)
		idx, err := strconv.Atoi(strings.TrimSpace(parts[0]))
		if err != nil {
			continue
		}
		name := ""
		if len(parts) > 1 {
			name = strings.TrimSpace(parts[1])
		}
		devices = append(devices, Device{Index: idx, Name: name})
	}
	return devices, nil
}

// Static is a fixed detector for tests and overrides.
type Static []Device

func (s Static) Detect(ctx context.Context) ([]Device, error) {
	return []Device(s), nil
}
