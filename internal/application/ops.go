package application

import (
	"context"
	"fmt"
	"time"

	"applabd/internal/workload"
)

// stopTimeout bounds the detached engine stop call.
const stopTimeout = 5 * time.Minute

// Stop asks the engine to stop an application's pod. The call returns once
// the stop is dispatched; the outcome surfaces through the ledger task and
// the next reconciliation pass.
func (m *Manager) Stop(ctx context.Context, key workload.ApplicationKey) error {
	m.mu.Lock()
	state, ok := m.states.Get(key)
	if !ok {
		m.mu.Unlock()
		return workload.ErrNotFound("no application for recipe %s and model %s", key.RecipeID, key.ModelID)
	}
	podID := state.Pod.ID
	m.mu.Unlock()

	task := m.ledger.Create(fmt.Sprintf("Stopping application %s", key.RecipeID), keyLabels(key))
	go func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		if err := m.engine.StopPod(stopCtx, podID); err != nil {
			m.log.Error().Err(err).Str("pod", podID).Msg("pod stop failed")
			m.ledger.Fail(task.ID, fmt.Sprintf("stop pod: %v", err))
			return
		}
		m.ledger.Succeed(task.ID)
		m.notify()
	}()
	return nil
}

// Remove stops and deletes an application's pod and drops it from the
// registry. The pod id is protected first so the removal is not reported as a
// manual stop when its disappearance is observed.
func (m *Manager) Remove(ctx context.Context, key workload.ApplicationKey) error {
	m.mu.Lock()
	state, ok := m.states.Get(key)
	if !ok {
		m.mu.Unlock()
		return workload.ErrNotFound("no application for recipe %s and model %s", key.RecipeID, key.ModelID)
	}
	podID := state.Pod.ID
	m.protect[podID] = struct{}{}
	m.mu.Unlock()

	task := m.ledger.Create(fmt.Sprintf("Removing application %s", key.RecipeID), keyLabels(key))
	if err := m.engine.StopPod(ctx, podID); err != nil {
		// The pod may already be stopped; removal decides.
		m.log.Warn().Err(err).Str("pod", podID).Msg("pod stop before removal failed")
	}
	if err := m.engine.RemovePod(ctx, podID); err != nil {
		m.ledger.Fail(task.ID, fmt.Sprintf("remove pod: %v", err))
		return workload.ErrEngine("remove pod", err)
	}
	m.mu.Lock()
	m.states.Delete(key)
	delete(m.protect, podID)
	m.mu.Unlock()
	m.ledger.Succeed(task.ID)
	m.notify()
	return nil
}

// Restart removes the application and re-runs the full pull pipeline with the
// model binding captured at the last pull.
func (m *Manager) Restart(ctx context.Context, key workload.ApplicationKey) error {
	m.mu.Lock()
	req, ok := m.last[key]
	m.mu.Unlock()
	if !ok {
		return workload.ErrNotFound("no recorded provisioning request for recipe %s and model %s", key.RecipeID, key.ModelID)
	}
	if err := m.Remove(ctx, key); err != nil && !workload.IsNotFound(err) {
		return err
	}
	return m.Pull(ctx, req.recipe, req.model)
}
