package application

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"applabd/internal/engine"
	"applabd/internal/recipes"
	"applabd/internal/workload"
	"applabd/pkg/types"
)

// modelMountDir is where the model file is bound inside the model-service
// container.
const modelMountDir = "/model"

// Pull provisions an application end to end: checkout, config, model, image
// builds, pod creation, container attachment and startup. Every stage is
// recorded in the ledger; prior tasks for the same key are superseded first.
func (m *Manager) Pull(ctx context.Context, recipe types.Recipe, model types.ModelInfo) error {
	if recipe.ID == "" || model.ID == "" {
		return workload.ErrConfiguration("pull requires a recipe id and a model id")
	}
	key := workload.ApplicationKey{RecipeID: recipe.ID, ModelID: model.ID}
	labels := keyLabels(key)
	m.ledger.ClearByLabels(labels)

	m.mu.Lock()
	m.last[key] = pullRequest{recipe: recipe, model: model}
	m.mu.Unlock()

	// The umbrella task reports the pull as a whole; the per-stage tasks
	// underneath it pinpoint where a failed pull died.
	task := m.ledger.Create(fmt.Sprintf("Pulling application %s with model %s", recipe.ID, model.ID), labels)
	if err := m.pull(ctx, key, recipe, model, labels); err != nil {
		m.ledger.Fail(task.ID, err.Error())
		m.log.Error().Err(err).Str("recipe", recipe.ID).Str("model", model.ID).Msg("application pull failed")
		return err
	}
	m.ledger.Succeed(task.ID)
	m.notify()
	return nil
}

// stage runs one pipeline step under a ledger task.
func (m *Manager) stage(name string, labels map[string]string, fn func() error) error {
	task := m.ledger.Create(name, labels)
	if err := fn(); err != nil {
		m.ledger.Fail(task.ID, err.Error())
		return err
	}
	m.ledger.Succeed(task.ID)
	return nil
}

type builtImage struct {
	config recipes.ContainerConfig
	tag    string
}

func (m *Manager) pull(ctx context.Context, key workload.ApplicationKey, recipe types.Recipe, model types.ModelInfo, labels map[string]string) error {
	dir := filepath.Join(m.recipesDir, recipe.ID)

	err := m.stage(fmt.Sprintf("Checking out repository %s", recipe.RepoURL), labels, func() error {
		if err := m.checkout.Checkout(ctx, recipe.RepoURL, recipe.Ref, dir); err != nil {
			return err
		}
		m.mu.Lock()
		m.localRepos[recipe.ID] = dir
		m.mu.Unlock()
		return nil
	})
	if err != nil {
		return err
	}

	var containers []recipes.ContainerConfig
	err = m.stage("Loading recipe configuration", labels, func() error {
		configPath := recipe.ConfigPath
		if configPath == "" {
			configPath = defaultConfigFile
		}
		var lerr error
		containers, lerr = m.loadRecipe(filepath.Join(dir, configPath), m.arch)
		if lerr != nil {
			return lerr
		}
		_, lerr = recipes.ModelServiceOf(containers)
		return lerr
	})
	if err != nil {
		return err
	}

	err = m.stage(fmt.Sprintf("Resolving model %s", model.ID), labels, func() error {
		resolved, rerr := m.models.Ensure(ctx, model)
		if rerr != nil {
			return rerr
		}
		model = resolved
		return nil
	})
	if err != nil {
		return err
	}

	images := make([]builtImage, 0, len(containers))
	for _, c := range containers {
		c := c
		err = m.stage(fmt.Sprintf("Building image for %s", c.Name), labels, func() error {
			tag := c.Image
			if tag == "" {
				tag = fmt.Sprintf("%s-%s:latest", recipe.ID, c.Name)
			}
			_, berr := m.engine.BuildImage(ctx, engine.BuildOptions{
				ContextDir:    filepath.Join(dir, c.ContextDir),
				Containerfile: c.Containerfile,
				Tag:           tag,
				Arch:          m.arch,
			})
			if berr != nil {
				return workload.ErrEngine("build image", berr)
			}
			images = append(images, builtImage{config: c, tag: tag})
			return nil
		})
		if err != nil {
			return err
		}
	}

	err = m.stage("Removing existing application pod", labels, func() error {
		return m.removeExistingPods(ctx, labels)
	})
	if err != nil {
		return err
	}

	var (
		podID      string
		appPorts   []int
		modelPorts []int
	)
	err = m.stage("Creating application pod", labels, func() error {
		var allBindings []engine.PortBinding
		for i := range images {
			for _, port := range images[i].config.Ports {
				host, perr := m.freePort()
				if perr != nil {
					return workload.ErrEngine("allocate host port", perr)
				}
				allBindings = append(allBindings, engine.PortBinding{ContainerPort: port, HostPort: host})
				if images[i].config.ModelService {
					modelPorts = append(modelPorts, host)
				} else {
					appPorts = append(appPorts, host)
				}
			}
		}
		podLabels := workload.ApplicationLabels(key)
		podLabels[workload.LabelAppPorts] = workload.EncodePorts(appPorts)
		podLabels[workload.LabelModelPorts] = workload.EncodePorts(modelPorts)
		var cerr error
		podID, cerr = m.engine.CreatePod(ctx, engine.PodSpec{
			Name:   fmt.Sprintf("%s-%s", key.RecipeID, key.ModelID),
			Labels: podLabels,
			Ports:  allBindings,
		})
		if cerr != nil {
			return workload.ErrEngine("create pod", cerr)
		}
		return nil
	})
	if err != nil {
		return err
	}

	err = m.stage("Creating application containers", labels, func() error {
		return m.attachContainers(ctx, podID, key, model, images, modelPorts)
	})
	if err != nil {
		return err
	}

	err = m.stage("Starting application", labels, func() error {
		if serr := m.engine.StartPod(ctx, podID); serr != nil {
			return workload.ErrEngine("start pod", serr)
		}
		return m.waitRunning(ctx, labels, podID)
	})
	if err != nil {
		return err
	}

	pod, err := m.findPod(ctx, labels, podID)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.states.Set(key, &State{
		Key:        key,
		Pod:        pod,
		AppPorts:   appPorts,
		ModelPorts: modelPorts,
		Health:     workload.HealthStarting,
	})
	m.mu.Unlock()
	m.log.Info().Str("recipe", key.RecipeID).Str("model", key.ModelID).Str("pod", podID).Msg("application running")
	return nil
}

// removeExistingPods stops and deletes any pod already carrying this key. The
// ids go into the protect set first so their disappearance is not reported as
// a manual stop.
func (m *Manager) removeExistingPods(ctx context.Context, labels map[string]string) error {
	pods, err := m.engine.ListPods(ctx, labels)
	if err != nil {
		return workload.ErrEngine("list pods", err)
	}
	for _, pod := range pods {
		m.mu.Lock()
		m.protect[pod.ID] = struct{}{}
		m.mu.Unlock()
		// A stop failure is tolerated, the pod may already be down.
		if err := m.engine.StopPod(ctx, pod.ID); err != nil {
			m.log.Warn().Err(err).Str("pod", pod.ID).Msg("stop of existing pod failed")
		}
		if err := m.engine.RemovePod(ctx, pod.ID); err != nil {
			return workload.ErrEngine("remove existing pod", err)
		}
	}
	return nil
}

// attachContainers creates every container in the pod concurrently. The
// model-service container gets the model file bind-mounted and served; the
// remaining containers get MODEL_ENDPOINT pointing at the model service's
// published port.
func (m *Manager) attachContainers(ctx context.Context, podID string, key workload.ApplicationKey, model types.ModelInfo, images []builtImage, modelPorts []int) error {
	labels := workload.ApplicationLabels(key)
	errs := make([]error, len(images))
	var wg sync.WaitGroup
	for i, img := range images {
		wg.Add(1)
		go func(i int, img builtImage) {
			defer wg.Done()
			spec := engine.ContainerSpec{
				Name:   fmt.Sprintf("%s-%s-%s", key.RecipeID, key.ModelID, img.config.Name),
				Image:  img.tag,
				PodID:  podID,
				Labels: labels,
				Env:    map[string]string{},
			}
			if img.config.ModelService {
				target := filepath.Join(modelMountDir, filepath.Base(model.Path))
				spec.Mounts = []engine.Mount{{Source: model.Path, Target: target, ReadOnly: true}}
				spec.Env["MODEL_PATH"] = target
				spec.Env["HOST"] = "0.0.0.0"
				if len(img.config.Ports) > 0 {
					spec.Env["PORT"] = strconv.Itoa(img.config.Ports[0])
				}
			} else if len(modelPorts) > 0 {
				spec.Env["MODEL_ENDPOINT"] = fmt.Sprintf("http://localhost:%d", modelPorts[0])
			}
			if len(img.config.Ports) > 0 {
				spec.HealthCmd = fmt.Sprintf("curl -sSf localhost:%d > /dev/null || exit 1", img.config.Ports[0])
				spec.HealthInterval = "5s"
			}
			if _, err := m.engine.CreateContainer(ctx, spec); err != nil {
				errs[i] = workload.ErrEngine(fmt.Sprintf("create container %s", img.config.Name), err)
			}
		}(i, img)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// waitRunning polls the pod until every container reports running, bounded by
// the running timeout.
func (m *Manager) waitRunning(ctx context.Context, labels map[string]string, podID string) error {
	deadline := time.Now().Add(m.runningTimeout)
	for {
		pod, err := m.findPod(ctx, labels, podID)
		if err == nil && allRunning(pod) {
			return nil
		}
		if time.Now().After(deadline) {
			return workload.ErrStartupTimeout("application pod %s did not reach running within %s", podID, m.runningTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.runningPoll):
		}
	}
}

func (m *Manager) findPod(ctx context.Context, labels map[string]string, podID string) (engine.PodInfo, error) {
	pods, err := m.engine.ListPods(ctx, labels)
	if err != nil {
		return engine.PodInfo{}, workload.ErrEngine("list pods", err)
	}
	for _, pod := range pods {
		if pod.ID == podID {
			return pod, nil
		}
	}
	return engine.PodInfo{}, workload.ErrNotFound("pod %s is no longer known to the engine", podID)
}

func allRunning(pod engine.PodInfo) bool {
	if len(pod.Containers) == 0 {
		return false
	}
	for _, c := range pod.Containers {
		if c.Status != engine.StateRunning {
			return false
		}
	}
	return true
}
