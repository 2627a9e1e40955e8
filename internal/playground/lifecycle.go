package playground

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"applabd/internal/engine"
	"applabd/internal/provider"
	"applabd/internal/workload"
	"applabd/pkg/types"
)

// Start provisions a playground container for modelID and waits for it to
// answer HTTP before reporting success. The readiness wait is bounded; on
// timeout the container is stopped so no orphan keeps running.
func (m *Manager) Start(ctx context.Context, modelID string) error {
	key := workload.PlaygroundKey{ModelID: modelID}

	m.mu.Lock()
	if s, ok := m.states.Get(key); ok {
		switch s.Phase {
		case workload.PhaseRunning:
			m.mu.Unlock()
			return workload.ErrStateConflict("playground for model %s is already running", modelID)
		case workload.PhaseStarting, workload.PhaseStopping:
			m.mu.Unlock()
			return workload.ErrStateConflict("playground for model %s has a transition in progress (%s)", modelID, s.Phase)
		}
	}
	m.states.Set(key, &State{ModelID: modelID, Phase: workload.PhaseStarting})
	m.mu.Unlock()
	m.notify()

	err := m.start(ctx, key, modelID)
	if err != nil {
		m.mu.Lock()
		m.states.Set(key, &State{ModelID: modelID, Phase: workload.PhaseError, Error: err.Error()})
		m.mu.Unlock()
		m.notify()
	}
	return err
}

func (m *Manager) start(ctx context.Context, key workload.PlaygroundKey, modelID string) error {
	labels := map[string]string{workload.LabelKind: workload.KindPlayground, workload.LabelModelID: modelID}
	m.ledger.ClearByLabels(labels)
	task := m.ledger.Create(fmt.Sprintf("Starting playground for %s", modelID), labels)

	model, ok := m.catalog.Get(modelID)
	if !ok {
		m.ledger.Fail(task.ID, "model not found: "+modelID)
		return workload.ErrNotFound("model %s is not in the local catalog", modelID)
	}

	eng, ok := engine.SelectHealthy(ctx, m.engines)
	if !ok {
		m.ledger.Fail(task.ID, "no healthy container engine")
		return workload.ErrEngine("select", errors.New("no healthy container engine"))
	}

	port, err := m.freePort()
	if err != nil {
		m.ledger.Fail(task.ID, err.Error())
		return fmt.Errorf("allocate port: %w", err)
	}

	srv, err := m.newProvider(eng).Perform(ctx, provider.ServerConfig{
		Models:    []types.ModelInfo{model},
		Port:      port,
		GPULayers: m.gpuLayers,
		Labels:    workload.PlaygroundLabels(key, port),
		Name:      "playground-" + modelID,
	})
	if err != nil {
		m.ledger.Fail(task.ID, err.Error())
		return err
	}

	// Watch lifecycle events from here on: an externally triggered death or
	// removal must demote the state even mid-wait.
	go m.watchContainer(eng, srv.ContainerID, key)

	if err := m.waitReady(ctx, port); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if stopErr := eng.StopContainer(stopCtx, srv.ContainerID); stopErr != nil {
			m.log.Warn().Err(stopErr).Str("container", srv.ContainerID).Msg("stopping container after readiness timeout failed")
		}
		m.ledger.Fail(task.ID, err.Error())
		return err
	}

	m.mu.Lock()
	m.states.Set(key, &State{
		ModelID:   modelID,
		Phase:     workload.PhaseRunning,
		Container: &Container{ID: srv.ContainerID, EngineID: srv.EngineID, Port: port},
	})
	m.mu.Unlock()
	m.notify()
	m.ledger.Succeed(task.ID)
	m.log.Info().Str("model", modelID).Int("port", port).Msg("playground running")
	return nil
}

// waitReady probes the published port until an HTTP response arrives or the
// ceiling elapses.
func (m *Manager) waitReady(ctx context.Context, port int) error {
	deadline := time.Now().Add(m.readyTimeout)
	url := fmt.Sprintf("http://127.0.0.1:%d/", port)
	for {
		if time.Now().After(deadline) {
			return workload.ErrStartupTimeout("playground on port %d not ready within %s", port, m.readyTimeout)
		}
		probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		req, _ := http.NewRequestWithContext(probeCtx, http.MethodGet, url, nil)
		resp, err := m.httpClient.Do(req)
		cancel()
		if err == nil {
			resp.Body.Close()
			return nil
		}
		select {
		case <-time.After(m.probeInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Stop transitions the playground to stopping and issues an asynchronous
// engine stop. The outcome surfaces through the state transition, not through
// Stop's return value.
func (m *Manager) Stop(ctx context.Context, modelID string) error {
	key := workload.PlaygroundKey{ModelID: modelID}

	m.mu.Lock()
	s, ok := m.states.Get(key)
	if !ok || s.Container == nil {
		m.mu.Unlock()
		return workload.ErrNotFound("playground for model %s is not running", modelID)
	}
	ctr := *s.Container
	m.states.Set(key, &State{ModelID: modelID, Phase: workload.PhaseStopping, Container: s.Container})
	m.mu.Unlock()
	m.notify()

	eng := m.engineByID(ctr.EngineID)
	go func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		err := eng.StopContainer(stopCtx, ctr.ID)

		m.mu.Lock()
		if err != nil {
			m.states.Set(key, &State{ModelID: modelID, Phase: workload.PhaseError, Error: err.Error(), Container: &ctr})
		} else {
			m.states.Set(key, &State{ModelID: modelID, Phase: workload.PhaseStopped})
		}
		m.mu.Unlock()
		m.notify()
		if err != nil {
			m.log.Warn().Err(err).Str("model", modelID).Msg("playground stop failed")
		}
	}()
	return nil
}

// Adopt rebuilds playground state from running containers that carry our
// identity labels, so a daemon restart does not lose track of live servers.
func (m *Manager) Adopt(ctx context.Context) error {
	for _, eng := range m.engines {
		containers, err := eng.ListContainers(ctx, map[string]string{workload.LabelSchema: workload.SchemaV1})
		if err != nil {
			return workload.ErrEngine("list containers", err)
		}
		for _, c := range containers {
			if c.State != engine.StateRunning {
				continue
			}
			key, port, ok := workload.ParsePlaygroundKey(c.Labels)
			if !ok {
				// Not a playground container, or a malformed label set;
				// either way adoption skips it.
				continue
			}
			m.mu.Lock()
			if m.states.Has(key) {
				m.mu.Unlock()
				continue
			}
			m.states.Set(key, &State{
				ModelID:   key.ModelID,
				Phase:     workload.PhaseRunning,
				Container: &Container{ID: c.ID, EngineID: eng.ID(), Port: port},
			})
			m.mu.Unlock()
			m.log.Info().Str("model", key.ModelID).Str("container", c.ID).Msg("adopted running playground")
			go m.watchContainer(eng, c.ID, key)
		}
	}
	m.notify()
	return nil
}

// watchContainer demotes the state to none when the engine reports the
// container died, was removed or cleaned up outside our own stop path. A
// dropped event stream is re-established with backoff: playgrounds have no
// polling fallback, so the watch must outlive engine restarts.
func (m *Manager) watchContainer(eng engine.Client, containerID string, key workload.PlaygroundKey) {
	backoff := time.Second
	for {
		events, err := eng.Events(m.watchCtx)
		if err != nil {
			m.log.Warn().Err(err).Str("container", containerID).Msg("event subscription failed, retrying")
		} else {
			backoff = time.Second
			if m.consumeEvents(events, containerID, key) {
				return
			}
			if m.watchCtx.Err() != nil {
				return
			}
			m.log.Warn().Str("container", containerID).Msg("event stream closed, resubscribing")
		}

		// While the stream was down the container may have gone unobserved.
		inspectCtx, cancel := context.WithTimeout(m.watchCtx, 10*time.Second)
		detail, ierr := eng.InspectContainer(inspectCtx, containerID)
		cancel()
		if m.watchCtx.Err() != nil {
			return
		}
		if ierr != nil || !detail.Running {
			m.demote(key, "lost")
			return
		}

		select {
		case <-m.watchCtx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

// consumeEvents drains one event stream. It reports true when the watch is
// over: the container was removed or cleaned up.
func (m *Manager) consumeEvents(events <-chan engine.Event, containerID string, key workload.PlaygroundKey) bool {
	for ev := range events {
		if ev.Type != engine.TypeContainer || ev.ID != containerID {
			continue
		}
		switch ev.Action {
		case engine.ActionDie, engine.ActionRemove, engine.ActionCleanup:
			m.demote(key, ev.Action)
			if ev.Action == engine.ActionRemove || ev.Action == engine.ActionCleanup {
				return true
			}
		}
	}
	return false
}

// demote resets the state to none. An in-flight Stop owns the outcome and is
// left alone.
func (m *Manager) demote(key workload.PlaygroundKey, action string) {
	m.mu.Lock()
	s, ok := m.states.Get(key)
	if !ok || s.Phase == workload.PhaseStopping {
		m.mu.Unlock()
		return
	}
	m.states.Set(key, &State{ModelID: key.ModelID, Phase: workload.PhaseNone})
	m.mu.Unlock()
	m.notify()
	m.log.Info().Str("model", key.ModelID).Str("action", action).Msg("playground container gone")
}
