package application

import (
	"context"
	"errors"
	"testing"

	"applabd/internal/engine"
	"applabd/internal/tasks"
	"applabd/internal/workload"
)

func pullOne(t *testing.T, env *testEnv) string {
	t.Helper()
	if err := env.manager.Pull(context.Background(), testRecipe(), testModel()); err != nil {
		t.Fatalf("Pull: %v", err)
	}
	return env.manager.States()[0].Pod.ID
}

func TestStopDispatchesAsynchronously(t *testing.T) {
	eng := engine.NewMemory("default")
	env := newTestManager(t, eng, nil)
	podID := pullOne(t, env)

	if err := env.manager.Stop(context.Background(), testKey()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	waitFor(t, "pod stop", func() bool {
		for _, id := range eng.Stopped() {
			if id == podID {
				return true
			}
		}
		return false
	})
	waitFor(t, "stop task success", func() bool {
		for _, task := range env.ledger.Tasks() {
			if task.Name == "Stopping application r1" && task.State == tasks.StateSuccess {
				return true
			}
		}
		return false
	})
	// Stop does not drop the entry; reconciliation owns that.
	if got := len(env.manager.States()); got != 1 {
		t.Fatalf("expected entry retained after stop, got %d states", got)
	}
}

func TestStopFailureSurfacesInLedger(t *testing.T) {
	eng := engine.NewMemory("default")
	env := newTestManager(t, eng, nil)
	pullOne(t, env)
	eng.FailWith("StopPod", errors.New("engine busy"))

	if err := env.manager.Stop(context.Background(), testKey()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	waitFor(t, "stop task failure", func() bool {
		for _, task := range env.ledger.Tasks() {
			if task.State == tasks.StateError && task.Name == "Stopping application r1" {
				return true
			}
		}
		return false
	})
}

func TestStopUnknownApplication(t *testing.T) {
	env := newTestManager(t, engine.NewMemory("default"), nil)
	err := env.manager.Stop(context.Background(), testKey())
	if !workload.IsNotFound(err) {
		t.Fatalf("expected not-found, got %v", err)
	}
}

func TestRemoveDeletesPodAndEntry(t *testing.T) {
	eng := engine.NewMemory("default")
	env := newTestManager(t, eng, nil)
	podID := pullOne(t, env)

	if err := env.manager.Remove(context.Background(), testKey()); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if got := len(env.manager.States()); got != 0 {
		t.Fatalf("expected no states after remove, got %d", got)
	}
	var removed bool
	for _, id := range eng.Removed() {
		if id == podID {
			removed = true
		}
	}
	if !removed {
		t.Fatalf("pod %s was not removed", podID)
	}

	// The removal was ours: a reconciliation pass must not report it as a
	// manual stop.
	if err := env.manager.reconcile(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	for _, task := range env.ledger.Tasks() {
		if task.State == tasks.StateError {
			t.Fatalf("unexpected failed task %q: %s", task.Name, task.Error)
		}
		if task.Name == "Application r1 stopped manually" {
			t.Fatal("orchestrator-initiated removal reported as manual stop")
		}
	}
}

func TestRemoveUnknownApplication(t *testing.T) {
	env := newTestManager(t, engine.NewMemory("default"), nil)
	err := env.manager.Remove(context.Background(), testKey())
	if !workload.IsNotFound(err) {
		t.Fatalf("expected not-found, got %v", err)
	}
}

func TestRestartReprovisionsWithCapturedBinding(t *testing.T) {
	eng := engine.NewMemory("default")
	env := newTestManager(t, eng, nil)
	oldPod := pullOne(t, env)

	if err := env.manager.Restart(context.Background(), testKey()); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	states := env.manager.States()
	if len(states) != 1 {
		t.Fatalf("expected 1 application after restart, got %d", len(states))
	}
	if states[0].Pod.ID == oldPod {
		t.Fatal("restart must provision a fresh pod")
	}
	if len(env.checkout.dirs) != 2 {
		t.Fatalf("expected a second checkout on restart, got %d", len(env.checkout.dirs))
	}
}

func TestRestartWithoutRecordedRequest(t *testing.T) {
	env := newTestManager(t, engine.NewMemory("default"), nil)
	err := env.manager.Restart(context.Background(), testKey())
	if !workload.IsNotFound(err) {
		t.Fatalf("expected not-found, got %v", err)
	}
}
