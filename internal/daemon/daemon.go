// Package daemon composes the orchestrators, catalog, ledger and notification
// broker into the single service surface the HTTP layer consumes.
package daemon

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"applabd/internal/application"
	"applabd/internal/catalog"
	"applabd/internal/engine"
	"applabd/internal/gpu"
	"applabd/internal/notify"
	"applabd/internal/playground"
	"applabd/internal/provider"
	"applabd/internal/recipes"
	"applabd/internal/tasks"
	"applabd/internal/workload"
	"applabd/pkg/types"
)

// defaultGPULayers asks llama.cpp to offload every layer; a value above the
// model's layer count means "all of them".
const defaultGPULayers = 999

// Options configure a Daemon.
type Options struct {
	Engines    []engine.Client
	Catalog    *catalog.Catalog
	RecipesDir string
	Log        zerolog.Logger
	// GPU requests the CUDA playground provider. It only takes effect when
	// the detector actually finds a device; otherwise inference stays on
	// the CPU.
	GPU bool
	// GPUDetector overrides device discovery. Defaults to gpu.Nvidia.
	GPUDetector gpu.Detector

	ReconcileInterval time.Duration
	ReadyTimeout      time.Duration

	// OnChange, when set, fires alongside the broker on every state change.
	OnChange func()
	// OnReconcile, when set, fires after each completed reconciliation pass.
	OnReconcile func()
	// OnTaskUpdate, when set, fires on every ledger mutation.
	OnTaskUpdate func()
}

// Daemon owns the orchestrators and fans state-change notifications out to
// HTTP subscribers.
type Daemon struct {
	catalog *catalog.Catalog
	ledger  *tasks.MemoryLedger
	apps    *application.Manager
	plays   *playground.Manager
	broker  *notify.Broker[string]
	log     zerolog.Logger
	ready   atomic.Bool
}

// New wires the orchestrators together. The application orchestrator binds to
// the first healthy engine; the playground orchestrator selects per start.
func New(ctx context.Context, opts Options) (*Daemon, error) {
	d := &Daemon{
		catalog: opts.Catalog,
		ledger:  tasks.NewMemoryLedger(),
		broker:  notify.NewBroker[string](),
		log:     opts.Log,
	}
	if opts.OnTaskUpdate != nil {
		d.ledger.OnChange(opts.OnTaskUpdate)
	}
	onChange := func() {
		d.broker.Publish("state")
		if opts.OnChange != nil {
			opts.OnChange()
		}
	}

	eng, ok := engine.SelectHealthy(ctx, opts.Engines)
	if !ok {
		return nil, workload.ErrEngine("select engine", errors.New("no healthy engine"))
	}

	newProvider, gpuLayers := providerFactory(opts, eng)

	d.apps = application.New(application.Config{
		Engine:            eng,
		Ledger:            d.ledger,
		Checkout:          recipes.NewGitCheckout(opts.Log),
		Models:            application.CatalogResolver{Catalog: opts.Catalog},
		Log:               opts.Log,
		RecipesDir:        opts.RecipesDir,
		OnChange:          onChange,
		OnReconcile:       opts.OnReconcile,
		ReconcileInterval: opts.ReconcileInterval,
		RunningTimeout:    opts.ReadyTimeout,
	})
	d.plays = playground.New(playground.Config{
		Engines:      opts.Engines,
		Catalog:      opts.Catalog,
		Ledger:       d.ledger,
		Log:          opts.Log,
		NewProvider:  newProvider,
		GPULayers:    gpuLayers,
		OnChange:     onChange,
		ReadyTimeout: opts.ReadyTimeout,
	})
	return d, nil
}

// providerFactory picks the inference provider variant and the GPU layer
// count handed to it on every start. A GPU request only sticks when the
// detector actually finds a device; otherwise the CPU variant serves with
// zero offloaded layers.
func providerFactory(opts Options, eng engine.Client) (func(engine.Client) provider.Provider, int) {
	detector := opts.GPUDetector
	if detector == nil {
		detector = gpu.Nvidia{}
	}
	if opts.GPU {
		if provider.NewLlamaCPPCUDA(eng, detector, opts.Log).Enabled() {
			return func(e engine.Client) provider.Provider {
				return provider.NewLlamaCPPCUDA(e, detector, opts.Log)
			}, defaultGPULayers
		}
		opts.Log.Warn().Msg("GPU requested but none detected, falling back to CPU inference")
	}
	return func(e engine.Client) provider.Provider {
		return provider.NewLlamaCPP(e, opts.Log)
	}, 0
}

// Start adopts pre-existing workloads and launches the reconciliation loop.
// Readiness flips only after adoption so /readyz reflects a populated
// registry.
func (d *Daemon) Start(ctx context.Context) error {
	if err := d.apps.Adopt(ctx); err != nil {
		return err
	}
	if err := d.plays.Adopt(ctx); err != nil {
		return err
	}
	d.apps.Run(ctx)
	d.ready.Store(true)
	return nil
}

// Close stops the playground event watchers and the notification broker.
func (d *Daemon) Close() {
	d.plays.Close()
	d.broker.Close()
}

func (d *Daemon) Models() []types.ModelInfo { return d.catalog.Models() }

func (d *Daemon) Applications() []types.ApplicationStatus {
	states := d.apps.States()
	out := make([]types.ApplicationStatus, 0, len(states))
	for _, s := range states {
		out = append(out, types.ApplicationStatus{
			RecipeID:   s.Key.RecipeID,
			ModelID:    s.Key.ModelID,
			PodID:      s.Pod.ID,
			PodName:    s.Pod.Name,
			PodStatus:  s.Pod.Status,
			Health:     string(s.Health),
			AppPorts:   s.AppPorts,
			ModelPorts: s.ModelPorts,
		})
	}
	return out
}

func (d *Daemon) PullApplication(ctx context.Context, req types.ApplicationRequest) error {
	return d.apps.Pull(ctx, req.Recipe, req.Model)
}

func (d *Daemon) StopApplication(ctx context.Context, recipeID, modelID string) error {
	return d.apps.Stop(ctx, workload.ApplicationKey{RecipeID: recipeID, ModelID: modelID})
}

func (d *Daemon) RemoveApplication(ctx context.Context, recipeID, modelID string) error {
	return d.apps.Remove(ctx, workload.ApplicationKey{RecipeID: recipeID, ModelID: modelID})
}

func (d *Daemon) RestartApplication(ctx context.Context, recipeID, modelID string) error {
	return d.apps.Restart(ctx, workload.ApplicationKey{RecipeID: recipeID, ModelID: modelID})
}

func (d *Daemon) Playgrounds() []types.PlaygroundStatus {
	states := d.plays.States()
	out := make([]types.PlaygroundStatus, 0, len(states))
	for _, s := range states {
		st := types.PlaygroundStatus{
			ModelID: s.ModelID,
			Status:  string(s.Phase),
			Error:   s.Error,
		}
		if s.Container != nil {
			st.ContainerID = s.Container.ID
			st.EngineID = s.Container.EngineID
			st.Port = s.Container.Port
		}
		out = append(out, st)
	}
	return out
}

func (d *Daemon) StartPlayground(ctx context.Context, modelID string) error {
	return d.plays.Start(ctx, modelID)
}

func (d *Daemon) StopPlayground(ctx context.Context, modelID string) error {
	return d.plays.Stop(ctx, modelID)
}

func (d *Daemon) Query(ctx context.Context, req types.QueryRequest) (types.QueryStatus, error) {
	id, err := d.plays.Query(ctx, req.ModelID, req.Prompt)
	if err != nil {
		return types.QueryStatus{}, err
	}
	return types.QueryStatus{ID: id, ModelID: req.ModelID, Prompt: req.Prompt}, nil
}

func (d *Daemon) Queries() []types.QueryStatus {
	sessions := d.plays.Sessions()
	out := make([]types.QueryStatus, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, types.QueryStatus{
			ID:       s.ID,
			ModelID:  s.ModelID,
			Prompt:   s.Prompt,
			Response: s.Response,
			Error:    s.Error,
		})
	}
	return out
}

func (d *Daemon) Tasks() []types.TaskStatus {
	entries := d.ledger.Tasks()
	out := make([]types.TaskStatus, 0, len(entries))
	for _, t := range entries {
		out = append(out, types.TaskStatus{
			ID:     t.ID,
			Name:   t.Name,
			State:  string(t.State),
			Error:  t.Error,
			Labels: t.Labels,
		})
	}
	return out
}

func (d *Daemon) Watch(ctx context.Context) <-chan string {
	return d.broker.Subscribe(ctx)
}

func (d *Daemon) Ready() bool { return d.ready.Load() }
