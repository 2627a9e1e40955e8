// Package application manages pod-based applications: one pod per
// (recipe, model) pair, provisioned by a task-tracked pipeline and kept
// consistent with the engine by periodic reconciliation plus lifecycle
// events. The engine is the only durable store; identity is recovered from
// pod labels.
package application

import (
	"context"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"applabd/internal/catalog"
	"applabd/internal/common/netutil"
	"applabd/internal/engine"
	"applabd/internal/recipes"
	"applabd/internal/registry"
	"applabd/internal/tasks"
	"applabd/internal/workload"
	"applabd/pkg/types"
)

// Defaults applied when corresponding Config fields are unset.
const (
	defaultReconcileInterval = 10 * time.Second
	defaultRunningPoll       = 5 * time.Second
	defaultRunningTimeout    = time.Hour
	defaultConfigFile        = "ai-lab.yaml"
)

// State tracks one application.
type State struct {
	Key        workload.ApplicationKey
	Pod        engine.PodInfo
	AppPorts   []int
	ModelPorts []int
	Health     workload.Health
}

// Checkout fetches a recipe repository into a local directory.
type Checkout interface {
	Checkout(ctx context.Context, repoURL, ref, dir string) error
}

// RecipeLoader loads a recipe's declarative config, filtered for arch.
type RecipeLoader func(path, arch string) ([]recipes.ContainerConfig, error)

// ModelResolver resolves a model reference to a locally usable file.
type ModelResolver interface {
	Ensure(ctx context.Context, model types.ModelInfo) (types.ModelInfo, error)
}

// CatalogResolver resolves models against the local catalog.
type CatalogResolver struct {
	Catalog *catalog.Catalog
}

func (r CatalogResolver) Ensure(ctx context.Context, model types.ModelInfo) (types.ModelInfo, error) {
	if model.Path != "" {
		return model, nil
	}
	m, ok := r.Catalog.Get(model.ID)
	if !ok {
		return types.ModelInfo{}, workload.ErrNotFound("model %s is not in the local catalog", model.ID)
	}
	return m, nil
}

// Config carries the collaborators and tunables for a Manager.
type Config struct {
	Engine     engine.Client
	Ledger     tasks.Ledger
	Checkout   Checkout
	LoadRecipe RecipeLoader
	Models     ModelResolver
	Log        zerolog.Logger
	// RecipesDir is where recipe repositories are checked out, one
	// subdirectory per recipe id.
	RecipesDir string
	// Arch filters recipe containers; defaults to runtime.GOARCH.
	Arch string
	// FreePort allocates a host port. Defaults to netutil.FreePort.
	FreePort func() (int, error)
	// OnChange fires after every tracked-state mutation.
	OnChange func()
	// OnReconcile fires after every completed reconciliation pass.
	OnReconcile func()

	ReconcileInterval   time.Duration
	RunningPollInterval time.Duration
	RunningTimeout      time.Duration
}

// pullRequest remembers the last provisioning arguments per key so Restart
// can re-run the pipeline.
type pullRequest struct {
	recipe types.Recipe
	model  types.ModelInfo
}

// Manager is the application orchestrator. One mutex serializes state
// transitions; reconciliation and event handling take the same mutex and only
// ever make additive or corrective updates.
type Manager struct {
	mu      sync.Mutex
	states  *registry.Store[workload.ApplicationKey, *State]
	last    map[workload.ApplicationKey]pullRequest
	protect map[string]struct{}
	// localRepos records per-recipe checkout directories.
	localRepos map[string]string

	engine      engine.Client
	ledger      tasks.Ledger
	checkout    Checkout
	loadRecipe  RecipeLoader
	models      ModelResolver
	recipesDir  string
	arch        string
	freePort    func() (int, error)
	onChange    func()
	onReconcile func()
	log         zerolog.Logger

	reconcileInterval time.Duration
	runningPoll       time.Duration
	runningTimeout    time.Duration
}

// New constructs a Manager, applying defaults for unset tunables.
func New(cfg Config) *Manager {
	m := &Manager{
		states:            registry.New[workload.ApplicationKey, *State](),
		last:              make(map[workload.ApplicationKey]pullRequest),
		protect:           make(map[string]struct{}),
		localRepos:        make(map[string]string),
		engine:            cfg.Engine,
		ledger:            cfg.Ledger,
		checkout:          cfg.Checkout,
		loadRecipe:        cfg.LoadRecipe,
		models:            cfg.Models,
		recipesDir:        cfg.RecipesDir,
		arch:              cfg.Arch,
		freePort:          cfg.FreePort,
		onChange:          cfg.OnChange,
		onReconcile:       cfg.OnReconcile,
		log:               cfg.Log.With().Str("component", "application").Logger(),
		reconcileInterval: cfg.ReconcileInterval,
		runningPoll:       cfg.RunningPollInterval,
		runningTimeout:    cfg.RunningTimeout,
	}
	if m.loadRecipe == nil {
		m.loadRecipe = recipes.LoadFiltered
	}
	if m.arch == "" {
		m.arch = runtime.GOARCH
	}
	if m.freePort == nil {
		m.freePort = netutil.FreePort
	}
	if m.reconcileInterval <= 0 {
		m.reconcileInterval = defaultReconcileInterval
	}
	if m.runningPoll <= 0 {
		m.runningPoll = defaultRunningPoll
	}
	if m.runningTimeout <= 0 {
		m.runningTimeout = defaultRunningTimeout
	}
	return m
}

func (m *Manager) notify() {
	if m.onChange != nil {
		m.onChange()
	}
}

// States returns a snapshot of all tracked applications, ordered by key.
func (m *Manager) States() []State {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]State, 0, m.states.Len())
	for _, s := range m.states.Values() {
		cp := *s
		cp.AppPorts = append([]int(nil), s.AppPorts...)
		cp.ModelPorts = append([]int(nil), s.ModelPorts...)
		cp.Pod.Containers = append([]engine.PodContainer(nil), s.Pod.Containers...)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key.RecipeID != out[j].Key.RecipeID {
			return out[i].Key.RecipeID < out[j].Key.RecipeID
		}
		return out[i].Key.ModelID < out[j].Key.ModelID
	})
	return out
}

// LocalRepoDir returns the checkout directory registered for a recipe id.
func (m *Manager) LocalRepoDir(recipeID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dir, ok := m.localRepos[recipeID]
	return dir, ok
}

// Adopt rebuilds application state from pods that carry our identity labels.
func (m *Manager) Adopt(ctx context.Context) error {
	pods, err := m.engine.ListPods(ctx, map[string]string{workload.LabelSchema: workload.SchemaV1})
	if err != nil {
		return workload.ErrEngine("list pods", err)
	}
	changed := false
	for _, pod := range pods {
		key, ok := workload.ParseApplicationKey(pod.Labels)
		if !ok {
			continue
		}
		health := m.podHealth(ctx, pod)
		m.mu.Lock()
		if m.states.Has(key) {
			m.mu.Unlock()
			continue
		}
		m.states.Set(key, &State{
			Key:        key,
			Pod:        pod,
			AppPorts:   workload.ParsePorts(pod.Labels[workload.LabelAppPorts]),
			ModelPorts: workload.ParsePorts(pod.Labels[workload.LabelModelPorts]),
			Health:     health,
		})
		m.mu.Unlock()
		changed = true
		m.log.Info().Str("recipe", key.RecipeID).Str("model", key.ModelID).Str("pod", pod.ID).Msg("adopted application pod")
	}
	if changed {
		m.notify()
	}
	return nil
}

func keyLabels(key workload.ApplicationKey) map[string]string {
	return map[string]string{
		workload.LabelKind:     workload.KindApplication,
		workload.LabelRecipeID: key.RecipeID,
		workload.LabelModelID:  key.ModelID,
	}
}
