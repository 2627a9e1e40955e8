package playground

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"applabd/internal/catalog"
	"applabd/internal/common/netutil"
	"applabd/internal/engine"
	"applabd/internal/gpu"
	"applabd/internal/provider"
	"applabd/internal/tasks"
	"applabd/internal/workload"
)

// newTestCatalog builds a catalog holding one model file named m1.gguf.
func newTestCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "m1.gguf"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write model: %v", err)
	}
	c, err := catalog.LoadDir(dir)
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	return c
}

func newTestManager(t *testing.T, eng *engine.Memory, mutate func(*Config)) (*Manager, *tasks.MemoryLedger) {
	t.Helper()
	ledger := tasks.NewMemoryLedger()
	cfg := Config{
		Engines:       []engine.Client{eng},
		Catalog:       newTestCatalog(t),
		Ledger:        ledger,
		Log:           zerolog.Nop(),
		ReadyTimeout:  2 * time.Second,
		ProbeInterval: 10 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	m := New(cfg)
	t.Cleanup(m.Close)
	return m, ledger
}

func serverPort(t *testing.T, ts *httptest.Server) int {
	t.Helper()
	u, err := url.Parse(ts.URL)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}
	return port
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestStartHappyPath(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()
	port := serverPort(t, ts)

	eng := engine.NewMemory("e1")
	m, ledger := newTestManager(t, eng, func(c *Config) {
		c.FreePort = func() (int, error) { return port, nil }
	})

	if err := m.Start(context.Background(), "m1.gguf"); err != nil {
		t.Fatalf("start: %v", err)
	}
	states := m.States()
	if len(states) != 1 {
		t.Fatalf("expected one state, got %d", len(states))
	}
	s := states[0]
	if s.Phase != workload.PhaseRunning || s.Container == nil || s.Container.Port != port {
		t.Fatalf("unexpected state %+v", s)
	}
	if s.Container.EngineID != "e1" {
		t.Fatalf("expected engine id recorded, got %q", s.Container.EngineID)
	}

	// The created container carries the adoption labels.
	spec, ok := eng.ContainerSpecFor(s.Container.ID)
	if !ok {
		t.Fatalf("container spec not recorded")
	}
	key, gotPort, ok := workload.ParsePlaygroundKey(spec.Labels)
	if !ok || key.ModelID != "m1.gguf" || gotPort != port {
		t.Fatalf("labels do not round-trip: %+v", spec.Labels)
	}

	entries := ledger.Tasks()
	if len(entries) != 1 || entries[0].State != tasks.StateSuccess {
		t.Fatalf("expected one successful task, got %+v", entries)
	}
}

// captureProvider records the configuration it is asked to serve and backs it
// with a plain container on the given engine.
type captureProvider struct {
	eng  engine.Client
	last *provider.ServerConfig
}

func (p *captureProvider) Enabled() bool { return true }

func (p *captureProvider) BuildSpec(cfg provider.ServerConfig, image string, dev *gpu.Device) (engine.ContainerSpec, error) {
	return engine.ContainerSpec{Image: image, Labels: cfg.Labels}, nil
}

func (p *captureProvider) Perform(ctx context.Context, cfg provider.ServerConfig) (provider.Server, error) {
	*p.last = cfg
	id, err := p.eng.CreateContainer(ctx, engine.ContainerSpec{Image: "img", Labels: cfg.Labels, Name: cfg.Name})
	if err != nil {
		return provider.Server{}, err
	}
	if err := p.eng.StartContainer(ctx, id); err != nil {
		return provider.Server{}, err
	}
	return provider.Server{ContainerID: id, EngineID: p.eng.ID()}, nil
}

func TestStartForwardsGPULayersToProvider(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()
	port := serverPort(t, ts)

	eng := engine.NewMemory("e1")
	var got provider.ServerConfig
	m, _ := newTestManager(t, eng, func(c *Config) {
		c.GPULayers = 33
		c.FreePort = func() (int, error) { return port, nil }
		c.NewProvider = func(e engine.Client) provider.Provider {
			return &captureProvider{eng: e, last: &got}
		}
	})

	if err := m.Start(context.Background(), "m1.gguf"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if got.GPULayers != 33 {
		t.Fatalf("provider saw %d GPU layers, want 33", got.GPULayers)
	}
}

func TestStartSupersedesOnlyPlaygroundTasks(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()
	port := serverPort(t, ts)

	eng := engine.NewMemory("e1")
	m, ledger := newTestManager(t, eng, func(c *Config) {
		c.FreePort = func() (int, error) { return port, nil }
	})

	// An application sharing the model keeps its task history across
	// playground starts.
	appTask := ledger.Create("Pulling application r1 with model m1.gguf", map[string]string{
		workload.LabelKind:     workload.KindApplication,
		workload.LabelRecipeID: "r1",
		workload.LabelModelID:  "m1.gguf",
	})
	ledger.Succeed(appTask.ID)

	if err := m.Start(context.Background(), "m1.gguf"); err != nil {
		t.Fatalf("start: %v", err)
	}

	var sawApp bool
	for _, task := range ledger.Tasks() {
		if task.ID == appTask.ID {
			sawApp = true
			continue
		}
		if task.Labels[workload.LabelKind] != workload.KindPlayground {
			t.Fatalf("playground task lacks its kind label: %+v", task.Labels)
		}
	}
	if !sawApp {
		t.Fatal("application task was wiped by a playground start")
	}
}

func TestStartRejectedWhileRunningLeavesStateUntouched(t *testing.T) {
	eng := engine.NewMemory("e1")
	m, _ := newTestManager(t, eng, nil)
	key := workload.PlaygroundKey{ModelID: "m1.gguf"}
	running := &State{ModelID: "m1.gguf", Phase: workload.PhaseRunning, Container: &Container{ID: "c1", EngineID: "e1", Port: 1234}}
	m.states.Set(key, running)

	err := m.Start(context.Background(), "m1.gguf")
	if err == nil || !workload.IsStateConflict(err) {
		t.Fatalf("expected state conflict, got %v", err)
	}
	got, _ := m.states.Get(key)
	if got.Phase != workload.PhaseRunning || got.Container.ID != "c1" {
		t.Fatalf("state mutated by rejected start: %+v", got)
	}
}

func TestStartRejectedMidTransition(t *testing.T) {
	eng := engine.NewMemory("e1")
	m, _ := newTestManager(t, eng, nil)
	for _, phase := range []workload.PlaygroundPhase{workload.PhaseStarting, workload.PhaseStopping} {
		m.states.Set(workload.PlaygroundKey{ModelID: "m1.gguf"}, &State{ModelID: "m1.gguf", Phase: phase})
		if err := m.Start(context.Background(), "m1.gguf"); err == nil || !workload.IsStateConflict(err) {
			t.Fatalf("phase %s: expected state conflict, got %v", phase, err)
		}
	}
}

func TestStartUnknownModel(t *testing.T) {
	m, _ := newTestManager(t, engine.NewMemory("e1"), nil)
	err := m.Start(context.Background(), "missing.gguf")
	if err == nil || !workload.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestStartTimeoutStopsContainer(t *testing.T) {
	port, err := freeUnboundPort()
	if err != nil {
		t.Fatalf("free port: %v", err)
	}
	eng := engine.NewMemory("e1")
	m, ledger := newTestManager(t, eng, func(c *Config) {
		c.FreePort = func() (int, error) { return port, nil }
		c.ReadyTimeout = 80 * time.Millisecond
		c.ProbeInterval = 10 * time.Millisecond
	})

	err = m.Start(context.Background(), "m1.gguf")
	if err == nil || !workload.IsStartupTimeout(err) {
		t.Fatalf("expected startup timeout, got %v", err)
	}
	if len(eng.Stopped()) != 1 {
		t.Fatalf("expected the container to be stopped on timeout, got %v", eng.Stopped())
	}
	states := m.States()
	if len(states) != 1 || states[0].Phase != workload.PhaseError {
		t.Fatalf("expected error state, got %+v", states)
	}
	entries := ledger.Tasks()
	if len(entries) != 1 || entries[0].State != tasks.StateError {
		t.Fatalf("expected failed task, got %+v", entries)
	}
}

func TestStopTransitionsAsynchronously(t *testing.T) {
	eng := engine.NewMemory("e1")
	id, err := eng.CreateContainer(context.Background(), engine.ContainerSpec{Image: "img"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	_ = eng.StartContainer(context.Background(), id)

	m, _ := newTestManager(t, eng, nil)
	key := workload.PlaygroundKey{ModelID: "m1.gguf"}
	m.states.Set(key, &State{ModelID: "m1.gguf", Phase: workload.PhaseRunning, Container: &Container{ID: id, EngineID: "e1", Port: 1234}})

	if err := m.Stop(context.Background(), "m1.gguf"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	waitFor(t, "stopped phase", func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		s, _ := m.states.Get(key)
		return s != nil && s.Phase == workload.PhaseStopped
	})
	if got := eng.Stopped(); len(got) != 1 || got[0] != id {
		t.Fatalf("expected engine stop for %s, got %v", id, got)
	}
}

func TestStopFailureSurfacesViaState(t *testing.T) {
	eng := engine.NewMemory("e1")
	eng.FailWith("StopContainer", contextError("stop refused"))
	m, _ := newTestManager(t, eng, nil)
	key := workload.PlaygroundKey{ModelID: "m1.gguf"}
	m.states.Set(key, &State{ModelID: "m1.gguf", Phase: workload.PhaseRunning, Container: &Container{ID: "c1", EngineID: "e1", Port: 1234}})

	if err := m.Stop(context.Background(), "m1.gguf"); err != nil {
		t.Fatalf("stop must not report engine failure synchronously, got %v", err)
	}
	waitFor(t, "error phase", func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		s, _ := m.states.Get(key)
		return s != nil && s.Phase == workload.PhaseError
	})
}

func TestStopWithoutContainer(t *testing.T) {
	m, _ := newTestManager(t, engine.NewMemory("e1"), nil)
	err := m.Stop(context.Background(), "m1.gguf")
	if err == nil || !workload.IsNotFound(err) {
		t.Fatalf("expected not running error, got %v", err)
	}
}

func TestAdoptReconstructsFromLabels(t *testing.T) {
	eng := engine.NewMemory("e1")
	eng.AddRunningContainer("c1", workload.PlaygroundLabels(workload.PlaygroundKey{ModelID: "m1"}, 35001), nil)
	// Malformed port: skipped, not fatal.
	eng.AddRunningContainer("c2", map[string]string{
		workload.LabelSchema:    workload.SchemaV1,
		workload.LabelModelID:   "m2",
		workload.LabelModelPort: "bogus",
	}, nil)
	// Application container: no model-port label, skipped.
	eng.AddRunningContainer("c3", workload.ApplicationLabels(workload.ApplicationKey{RecipeID: "r1", ModelID: "m3"}), nil)

	m, _ := newTestManager(t, eng, nil)
	if err := m.Adopt(context.Background()); err != nil {
		t.Fatalf("adopt: %v", err)
	}
	states := m.States()
	if len(states) != 1 {
		t.Fatalf("expected exactly one adopted state, got %+v", states)
	}
	s := states[0]
	if s.ModelID != "m1" || s.Phase != workload.PhaseRunning || s.Container.Port != 35001 || s.Container.ID != "c1" {
		t.Fatalf("unexpected adopted state %+v", s)
	}
}

func TestAdoptSkipsAlreadyTracked(t *testing.T) {
	eng := engine.NewMemory("e1")
	eng.AddRunningContainer("c1", workload.PlaygroundLabels(workload.PlaygroundKey{ModelID: "m1"}, 35001), nil)
	m, _ := newTestManager(t, eng, nil)
	key := workload.PlaygroundKey{ModelID: "m1"}
	existing := &State{ModelID: "m1", Phase: workload.PhaseStopping}
	m.states.Set(key, existing)
	if err := m.Adopt(context.Background()); err != nil {
		t.Fatalf("adopt: %v", err)
	}
	got, _ := m.states.Get(key)
	if got != existing {
		t.Fatalf("adopt overwrote a tracked state")
	}
}

func TestExternalDieEventDemotesToNone(t *testing.T) {
	eng := engine.NewMemory("e1")
	eng.AddRunningContainer("c1", workload.PlaygroundLabels(workload.PlaygroundKey{ModelID: "m1"}, 35001), nil)
	m, _ := newTestManager(t, eng, nil)
	if err := m.Adopt(context.Background()); err != nil {
		t.Fatalf("adopt: %v", err)
	}
	// Give the watcher a moment to subscribe before publishing.
	time.Sleep(20 * time.Millisecond)
	eng.Publish(engine.Event{Type: engine.TypeContainer, Action: engine.ActionDie, ID: "c1"})
	waitFor(t, "demotion to none", func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		s, ok := m.states.Get(workload.PlaygroundKey{ModelID: "m1"})
		return ok && s.Phase == workload.PhaseNone
	})
}

// gatedEvents holds the first event subscription until released, then closes
// it immediately, as if the engine restarted under the watcher. Later
// subscriptions behave normally.
type gatedEvents struct {
	*engine.Memory
	release chan struct{}
	mu      sync.Mutex
	calls   int
}

func (e *gatedEvents) Events(ctx context.Context) (<-chan engine.Event, error) {
	e.mu.Lock()
	e.calls++
	first := e.calls == 1
	e.mu.Unlock()
	if first {
		<-e.release
		ch := make(chan engine.Event)
		close(ch)
		return ch, nil
	}
	return e.Memory.Events(ctx)
}

func TestWatcherDemotesContainerLostDuringStreamOutage(t *testing.T) {
	mem := engine.NewMemory("e1")
	mem.AddRunningContainer("c1", workload.PlaygroundLabels(workload.PlaygroundKey{ModelID: "m1"}, 35001), nil)
	eng := &gatedEvents{Memory: mem, release: make(chan struct{})}
	m, _ := newTestManager(t, mem, func(c *Config) {
		c.Engines = []engine.Client{eng}
	})
	if err := m.Adopt(context.Background()); err != nil {
		t.Fatalf("adopt: %v", err)
	}
	// The container vanishes while the watcher's stream is down; no event
	// ever reports it.
	if err := mem.RemoveContainer(context.Background(), "c1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	close(eng.release)
	waitFor(t, "demotion to none", func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		s, ok := m.states.Get(workload.PlaygroundKey{ModelID: "m1"})
		return ok && s.Phase == workload.PhaseNone
	})
}

// contextError is a trivial error value for failure injection.
type contextError string

func (e contextError) Error() string { return string(e) }

// freeUnboundPort picks a port and leaves it unbound so probes fail.
func freeUnboundPort() (int, error) {
	return netutil.FreePort()
}
