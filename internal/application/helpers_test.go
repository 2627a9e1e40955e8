package application

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"applabd/internal/engine"
	"applabd/internal/recipes"
	"applabd/internal/tasks"
	"applabd/internal/workload"
	"applabd/pkg/types"
)

// fakeCheckout records checkout requests instead of running git.
type fakeCheckout struct {
	mu   sync.Mutex
	dirs []string
	err  error
}

func (f *fakeCheckout) Checkout(ctx context.Context, repoURL, ref, dir string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.dirs = append(f.dirs, dir)
	return nil
}

// staticRecipe is a RecipeLoader returning a fixed container set.
func staticRecipe(containers ...recipes.ContainerConfig) RecipeLoader {
	return func(path, arch string) ([]recipes.ContainerConfig, error) {
		return containers, nil
	}
}

// staticResolver hands back the model with a fixed local path.
type staticResolver struct {
	path string
}

func (r staticResolver) Ensure(ctx context.Context, model types.ModelInfo) (types.ModelInfo, error) {
	model.Path = r.path
	return model, nil
}

// seqPorts allocates deterministic host ports starting at base.
func seqPorts(base int) func() (int, error) {
	next := base
	return func() (int, error) {
		next++
		return next - 1, nil
	}
}

type testEnv struct {
	manager  *Manager
	ledger   *tasks.MemoryLedger
	checkout *fakeCheckout
	notified func() int
}

func newTestManager(t *testing.T, eng engine.Client, mutate func(*Config)) *testEnv {
	t.Helper()
	ledger := tasks.NewMemoryLedger()
	checkout := &fakeCheckout{}
	var mu sync.Mutex
	notifications := 0
	cfg := Config{
		Engine:   eng,
		Ledger:   ledger,
		Checkout: checkout,
		LoadRecipe: staticRecipe(
			recipes.ContainerConfig{Name: "model", ContextDir: "model", Containerfile: "Containerfile", ModelService: true, Ports: []int{8001}},
			recipes.ContainerConfig{Name: "app", ContextDir: "app", Containerfile: "Containerfile", Ports: []int{8501}},
		),
		Models:              staticResolver{path: filepath.Join(t.TempDir(), "m1.gguf")},
		Log:                 zerolog.Nop(),
		RecipesDir:          t.TempDir(),
		Arch:                "amd64",
		FreePort:            seqPorts(42000),
		ReconcileInterval:   10 * time.Millisecond,
		RunningPollInterval: 5 * time.Millisecond,
		RunningTimeout:      2 * time.Second,
		OnChange: func() {
			mu.Lock()
			notifications++
			mu.Unlock()
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return &testEnv{
		manager:  New(cfg),
		ledger:   ledger,
		checkout: checkout,
		notified: func() int {
			mu.Lock()
			defer mu.Unlock()
			return notifications
		},
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testRecipe() types.Recipe {
	return types.Recipe{ID: "r1", Name: "Chat", RepoURL: "https://example.com/recipes.git", Ref: "main"}
}

func testModel() types.ModelInfo {
	return types.ModelInfo{ID: "m1"}
}

func testKey() workload.ApplicationKey {
	return workload.ApplicationKey{RecipeID: "r1", ModelID: "m1"}
}
