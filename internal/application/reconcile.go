package application

import (
	"context"
	"fmt"
	"time"

	"applabd/internal/engine"
	"applabd/internal/workload"
)

// Run starts the reconciliation loop and the engine event watcher. Both exit
// when ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	go m.pollLoop(ctx)
	go m.eventLoop(ctx)
}

// pollLoop fires a reconciliation pass on a fixed interval. The next pass is
// scheduled only after the previous one returns, so passes never overlap. A
// failed pass is logged and the loop keeps going.
func (m *Manager) pollLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(m.reconcileInterval):
		}
		if err := m.reconcile(ctx); err != nil {
			m.log.Error().Err(err).Msg("reconciliation pass failed")
			continue
		}
		if m.onReconcile != nil {
			m.onReconcile()
		}
	}
}

// reconcile re-fetches every labelled pod, recomputes health for pods already
// registered, and forgets entries whose pod is gone. Pods carrying our labels
// but not yet registered are left alone; adoption happens at startup and on
// pod start events, and a pod mid-pipeline must not be second-guessed here.
// Observers are notified at most once per pass, and only on change.
func (m *Manager) reconcile(ctx context.Context) error {
	pods, err := m.engine.ListPods(ctx, map[string]string{workload.LabelSchema: workload.SchemaV1})
	if err != nil {
		return workload.ErrEngine("list pods", err)
	}
	byID := make(map[string]engine.PodInfo, len(pods))
	for _, pod := range pods {
		byID[pod.ID] = pod
	}
	// Health is computed outside the lock: it inspects containers.
	health := make(map[string]workload.Health, len(pods))
	for _, pod := range pods {
		health[pod.ID] = m.podHealth(ctx, pod)
	}

	changed := false
	type forgotten struct {
		key      workload.ApplicationKey
		podID    string
		reported bool
	}
	var gone []forgotten

	m.mu.Lock()
	for _, key := range m.states.Keys() {
		state, _ := m.states.Get(key)
		pod, present := byID[state.Pod.ID]
		if !present {
			_, protected := m.protect[state.Pod.ID]
			delete(m.protect, state.Pod.ID)
			m.states.Delete(key)
			gone = append(gone, forgotten{key: key, podID: state.Pod.ID, reported: !protected})
			changed = true
			continue
		}
		h := health[pod.ID]
		if state.Health != h || state.Pod.Status != pod.Status || len(state.Pod.Containers) != len(pod.Containers) {
			state.Pod = pod
			state.Health = h
			changed = true
		}
	}
	m.mu.Unlock()

	for _, f := range gone {
		if f.reported {
			task := m.ledger.Create(fmt.Sprintf("Application %s stopped manually", f.key.RecipeID), keyLabels(f.key))
			m.ledger.Succeed(task.ID)
		}
		m.log.Info().Str("recipe", f.key.RecipeID).Str("model", f.key.ModelID).Str("pod", f.podID).Msg("application pod gone, entry removed")
	}
	if changed {
		m.notify()
	}
	return nil
}

// eventLoop reacts to pod lifecycle events between reconciliation passes:
// a started pod carrying our labels is adopted immediately, a removed pod is
// forgotten immediately. The subscription is re-established with backoff when
// the stream errors or closes; the poll loop covers anything missed in between.
func (m *Manager) eventLoop(ctx context.Context) {
	backoff := time.Second
	for {
		events, err := m.engine.Events(ctx)
		if err != nil {
			m.log.Warn().Err(err).Msg("engine event stream unavailable, retrying")
		} else {
			backoff = time.Second
			for ev := range events {
				if ev.Type != engine.TypePod {
					continue
				}
				switch ev.Action {
				case engine.ActionStart:
					m.adoptByID(ctx, ev.ID)
				case engine.ActionRemove:
					m.forgetByID(ev.ID)
				}
			}
			if ctx.Err() != nil {
				return
			}
			m.log.Warn().Msg("engine event stream closed, resubscribing")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (m *Manager) adoptByID(ctx context.Context, podID string) {
	pods, err := m.engine.ListPods(ctx, map[string]string{workload.LabelSchema: workload.SchemaV1})
	if err != nil {
		m.log.Error().Err(err).Msg("list pods after start event failed")
		return
	}
	for _, pod := range pods {
		if pod.ID != podID {
			continue
		}
		key, ok := workload.ParseApplicationKey(pod.Labels)
		if !ok {
			return
		}
		health := m.podHealth(ctx, pod)
		m.mu.Lock()
		if m.states.Has(key) {
			m.mu.Unlock()
			return
		}
		m.states.Set(key, &State{
			Key:        key,
			Pod:        pod,
			AppPorts:   workload.ParsePorts(pod.Labels[workload.LabelAppPorts]),
			ModelPorts: workload.ParsePorts(pod.Labels[workload.LabelModelPorts]),
			Health:     health,
		})
		m.mu.Unlock()
		m.log.Info().Str("recipe", key.RecipeID).Str("model", key.ModelID).Str("pod", podID).Msg("adopted started pod")
		m.notify()
		return
	}
}

func (m *Manager) forgetByID(podID string) {
	m.mu.Lock()
	var match *State
	for _, s := range m.states.Values() {
		if s.Pod.ID == podID {
			match = s
			break
		}
	}
	if match == nil {
		m.mu.Unlock()
		return
	}
	_, protected := m.protect[podID]
	delete(m.protect, podID)
	m.states.Delete(match.Key)
	m.mu.Unlock()

	if !protected {
		task := m.ledger.Create(fmt.Sprintf("Application %s stopped manually", match.Key.RecipeID), keyLabels(match.Key))
		m.ledger.Succeed(task.ID)
	}
	m.log.Info().Str("recipe", match.Key.RecipeID).Str("pod", podID).Msg("pod removed, entry forgotten")
	m.notify()
}

// podHealth aggregates per-container health reports into one pod health.
// Any starting container dominates; otherwise unhealthy containers degrade
// the pod, all-unhealthy marks it unhealthy, and a pod with no health checks
// reports none.
func (m *Manager) podHealth(ctx context.Context, pod engine.PodInfo) workload.Health {
	var healthy, unhealthy, starting, checked int
	for _, c := range pod.Containers {
		detail, err := m.engine.InspectContainer(ctx, c.ID)
		if err != nil {
			continue
		}
		switch detail.Health {
		case engine.HealthHealthy:
			healthy++
			checked++
		case engine.HealthUnhealthy:
			unhealthy++
			checked++
		case engine.HealthStarting:
			starting++
			checked++
		}
	}
	switch {
	case starting > 0:
		return workload.HealthStarting
	case unhealthy > 0 && healthy > 0:
		return workload.HealthDegraded
	case unhealthy > 0:
		return workload.HealthUnhealthy
	case healthy > 0:
		return workload.HealthHealthy
	case checked == 0:
		return workload.HealthNone
	default:
		return workload.HealthNone
	}
}
