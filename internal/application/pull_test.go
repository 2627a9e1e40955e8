package application

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"applabd/internal/engine"
	"applabd/internal/recipes"
	"applabd/internal/tasks"
	"applabd/internal/workload"
)

func TestPullProvisionsPod(t *testing.T) {
	eng := engine.NewMemory("default")
	env := newTestManager(t, eng, nil)
	ctx := context.Background()

	if err := env.manager.Pull(ctx, testRecipe(), testModel()); err != nil {
		t.Fatalf("Pull: %v", err)
	}

	states := env.manager.States()
	if len(states) != 1 {
		t.Fatalf("expected 1 application, got %d", len(states))
	}
	st := states[0]
	if st.Key != testKey() {
		t.Fatalf("unexpected key %+v", st.Key)
	}
	if st.Health != workload.HealthStarting {
		t.Fatalf("expected starting health, got %s", st.Health)
	}
	if len(st.ModelPorts) != 1 || len(st.AppPorts) != 1 {
		t.Fatalf("expected one model port and one app port, got %v / %v", st.ModelPorts, st.AppPorts)
	}

	pods, err := eng.ListPods(ctx, workload.ApplicationLabels(testKey()))
	if err != nil {
		t.Fatalf("ListPods: %v", err)
	}
	if len(pods) != 1 {
		t.Fatalf("expected 1 pod, got %d", len(pods))
	}
	pod := pods[0]
	if pod.Labels[workload.LabelModelPorts] != workload.EncodePorts(st.ModelPorts) {
		t.Fatalf("pod model-ports label %q does not match state %v", pod.Labels[workload.LabelModelPorts], st.ModelPorts)
	}
	if pod.Labels[workload.LabelAppPorts] != workload.EncodePorts(st.AppPorts) {
		t.Fatalf("pod app-ports label %q does not match state %v", pod.Labels[workload.LabelAppPorts], st.AppPorts)
	}
	if len(pod.Containers) != 2 {
		t.Fatalf("expected 2 containers in pod, got %d", len(pod.Containers))
	}
	for _, c := range pod.Containers {
		if c.Status != engine.StateRunning {
			t.Fatalf("container %s not running: %s", c.ID, c.Status)
		}
	}

	if builds := eng.Built(); len(builds) != 2 {
		t.Fatalf("expected 2 image builds, got %d", len(builds))
	}
	if len(env.checkout.dirs) != 1 {
		t.Fatalf("expected 1 checkout, got %d", len(env.checkout.dirs))
	}
	for _, task := range env.ledger.Tasks() {
		if task.State != tasks.StateSuccess {
			t.Fatalf("task %q ended in state %s (%s)", task.Name, task.State, task.Error)
		}
	}
}

func TestPullWiresModelAndEndpointEnv(t *testing.T) {
	eng := engine.NewMemory("default")
	env := newTestManager(t, eng, nil)
	ctx := context.Background()

	if err := env.manager.Pull(ctx, testRecipe(), testModel()); err != nil {
		t.Fatalf("Pull: %v", err)
	}
	st := env.manager.States()[0]

	var sawModel, sawApp bool
	for _, c := range st.Pod.Containers {
		spec, ok := eng.ContainerSpecFor(c.ID)
		if !ok {
			t.Fatalf("no spec recorded for %s", c.ID)
		}
		switch {
		case len(spec.Mounts) == 1:
			sawModel = true
			if spec.Env["MODEL_PATH"] != spec.Mounts[0].Target {
				t.Fatalf("MODEL_PATH %q does not match mount target %q", spec.Env["MODEL_PATH"], spec.Mounts[0].Target)
			}
			if !spec.Mounts[0].ReadOnly {
				t.Fatal("model mount should be read-only")
			}
			if spec.Env["PORT"] != "8001" {
				t.Fatalf("model service PORT = %q", spec.Env["PORT"])
			}
			if spec.HealthCmd != "curl -sSf localhost:8001 > /dev/null || exit 1" {
				t.Fatalf("model service health command = %q", spec.HealthCmd)
			}
		default:
			sawApp = true
			want := "http://localhost:" + strconv.Itoa(st.ModelPorts[0])
			if spec.Env["MODEL_ENDPOINT"] != want {
				t.Fatalf("MODEL_ENDPOINT = %q, want %q", spec.Env["MODEL_ENDPOINT"], want)
			}
			if spec.HealthCmd != "curl -sSf localhost:8501 > /dev/null || exit 1" {
				t.Fatalf("app health command = %q", spec.HealthCmd)
			}
		}
	}
	if !sawModel || !sawApp {
		t.Fatalf("expected one model-service and one app container (model=%v app=%v)", sawModel, sawApp)
	}
}

func TestPullRecordsUmbrellaTask(t *testing.T) {
	eng := engine.NewMemory("default")
	env := newTestManager(t, eng, nil)
	ctx := context.Background()

	if err := env.manager.Pull(ctx, testRecipe(), testModel()); err != nil {
		t.Fatalf("Pull: %v", err)
	}
	var found bool
	for _, task := range env.ledger.Tasks() {
		if task.Name == "Pulling application r1 with model m1" {
			found = true
			if task.State != tasks.StateSuccess {
				t.Fatalf("pull task ended in state %s (%s)", task.State, task.Error)
			}
		}
	}
	if !found {
		t.Fatal("no task reports the pull as a whole")
	}

	eng.FailWith("BuildImage", errors.New("no space left"))
	if err := env.manager.Pull(ctx, testRecipe(), testModel()); err == nil {
		t.Fatal("expected second Pull to fail")
	}
	found = false
	for _, task := range env.ledger.Tasks() {
		if task.Name == "Pulling application r1 with model m1" {
			found = true
			if task.State != tasks.StateError {
				t.Fatalf("pull task after failure in state %s", task.State)
			}
		}
	}
	if !found {
		t.Fatal("failed pull left no task reporting it")
	}
}

func TestPullRejectsRecipeWithoutModelService(t *testing.T) {
	eng := engine.NewMemory("default")
	env := newTestManager(t, eng, func(cfg *Config) {
		cfg.LoadRecipe = staticRecipe(
			recipes.ContainerConfig{Name: "app", ContextDir: "app", Containerfile: "Containerfile", Ports: []int{8501}},
		)
	})

	err := env.manager.Pull(context.Background(), testRecipe(), testModel())
	if !workload.IsConfiguration(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if builds := eng.Built(); len(builds) != 0 {
		t.Fatalf("no image should be built for an invalid recipe, got %d builds", len(builds))
	}
}

func TestPullSupersedesPriorTasks(t *testing.T) {
	eng := engine.NewMemory("default")
	env := newTestManager(t, eng, nil)
	ctx := context.Background()

	if err := env.manager.Pull(ctx, testRecipe(), testModel()); err != nil {
		t.Fatalf("first Pull: %v", err)
	}
	first := len(env.ledger.Tasks())
	if err := env.manager.Pull(ctx, testRecipe(), testModel()); err != nil {
		t.Fatalf("second Pull: %v", err)
	}
	if got := len(env.ledger.Tasks()); got != first {
		t.Fatalf("expected prior tasks superseded (want %d, got %d)", first, got)
	}
}

func TestPullReplacesExistingPod(t *testing.T) {
	eng := engine.NewMemory("default")
	env := newTestManager(t, eng, nil)
	ctx := context.Background()

	if err := env.manager.Pull(ctx, testRecipe(), testModel()); err != nil {
		t.Fatalf("first Pull: %v", err)
	}
	oldPod := env.manager.States()[0].Pod.ID
	if err := env.manager.Pull(ctx, testRecipe(), testModel()); err != nil {
		t.Fatalf("second Pull: %v", err)
	}
	newPod := env.manager.States()[0].Pod.ID
	if newPod == oldPod {
		t.Fatal("expected a fresh pod on re-pull")
	}
	removed := eng.Removed()
	found := false
	for _, id := range removed {
		if id == oldPod {
			found = true
		}
	}
	if !found {
		t.Fatalf("old pod %s was not removed (removed: %v)", oldPod, removed)
	}
}

func TestPullBuildFailureFailsStage(t *testing.T) {
	eng := engine.NewMemory("default")
	eng.FailWith("BuildImage", errors.New("no space left"))
	env := newTestManager(t, eng, nil)

	err := env.manager.Pull(context.Background(), testRecipe(), testModel())
	if !workload.IsEngine(err) {
		t.Fatalf("expected engine error, got %v", err)
	}
	if len(env.manager.States()) != 0 {
		t.Fatal("failed pull must not register state")
	}
	var failed bool
	for _, task := range env.ledger.Tasks() {
		if task.State == tasks.StateError {
			failed = true
		}
	}
	if !failed {
		t.Fatal("expected a failed ledger task")
	}
}

func TestPullRejectsMissingIdentity(t *testing.T) {
	eng := engine.NewMemory("default")
	env := newTestManager(t, eng, nil)

	recipe := testRecipe()
	recipe.ID = ""
	if err := env.manager.Pull(context.Background(), recipe, testModel()); !workload.IsConfiguration(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestPullTimesOutWhenPodNeverRuns(t *testing.T) {
	eng := &stuckEngine{Memory: engine.NewMemory("default")}
	env := newTestManager(t, eng, func(cfg *Config) {
		cfg.RunningTimeout = 50 * time.Millisecond
		cfg.RunningPollInterval = 10 * time.Millisecond
	})

	err := env.manager.Pull(context.Background(), testRecipe(), testModel())
	if !workload.IsStartupTimeout(err) {
		t.Fatalf("expected startup timeout, got %v", err)
	}
	if len(env.manager.States()) != 0 {
		t.Fatal("timed-out pull must not register state")
	}
}

// stuckEngine accepts the start call but never transitions containers to
// running.
type stuckEngine struct {
	*engine.Memory
}

func (e *stuckEngine) StartPod(ctx context.Context, id string) error { return nil }
