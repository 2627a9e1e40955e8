// Package playground manages one inference-server container per model for
// interactive querying. All durable truth lives in the engine: state is
// rebuilt from container labels on startup and corrected by lifecycle events.
package playground

import (
	"context"
	"net"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"

	"applabd/internal/catalog"
	"applabd/internal/common/netutil"
	"applabd/internal/engine"
	"applabd/internal/provider"
	"applabd/internal/registry"
	"applabd/internal/tasks"
	"applabd/internal/workload"
)

// Defaults applied when corresponding Config fields are unset.
const (
	defaultReadyTimeout  = time.Hour
	defaultProbeInterval = time.Second
	defaultSessionTTL    = 24 * time.Hour
)

// State tracks one playground.
type State struct {
	ModelID   string
	Phase     workload.PlaygroundPhase
	Error     string
	Container *Container
}

// Container locates the engine container backing a running playground.
type Container struct {
	ID       string
	EngineID string
	Port     int
}

// Session is one query against a playground: the prompt and the response as
// accumulated so far. Sessions are append-only; chunks grow Response until
// the stream ends.
type Session struct {
	ID       int64
	ModelID  string
	Prompt   string
	Response string
	Error    string
}

// Config carries the collaborators and tunables for a Manager.
type Config struct {
	Engines []engine.Client
	Catalog *catalog.Catalog
	Ledger  tasks.Ledger
	Log     zerolog.Logger
	// NewProvider builds the inference provider for the selected engine.
	// Defaults to the llama.cpp CPU variant.
	NewProvider func(engine.Client) provider.Provider
	// GPULayers is passed to the provider on every start. Zero keeps
	// inference on the CPU.
	GPULayers int
	// FreePort allocates a host port. Defaults to netutil.FreePort.
	FreePort func() (int, error)
	// OnChange fires after every tracked-state mutation.
	OnChange func()

	ReadyTimeout  time.Duration
	ProbeInterval time.Duration
	SessionTTL    time.Duration
}

// Manager is the playground orchestrator. One mutex serializes every state
// transition, including the event-driven corrections, closing the per-key
// race between callers and background updates.
type Manager struct {
	mu       sync.Mutex
	states   *registry.Store[workload.PlaygroundKey, *State]
	sessions *gocache.Cache
	nextID   int64

	engines     []engine.Client
	catalog     *catalog.Catalog
	ledger      tasks.Ledger
	newProvider func(engine.Client) provider.Provider
	gpuLayers   int
	freePort    func() (int, error)
	onChange    func()
	log         zerolog.Logger

	readyTimeout  time.Duration
	probeInterval time.Duration
	httpClient    *http.Client

	watchCtx    context.Context
	watchCancel context.CancelFunc
}

// New constructs a Manager, applying defaults for unset tunables.
func New(cfg Config) *Manager {
	m := &Manager{
		states:        registry.New[workload.PlaygroundKey, *State](),
		engines:       cfg.Engines,
		catalog:       cfg.Catalog,
		ledger:        cfg.Ledger,
		newProvider:   cfg.NewProvider,
		gpuLayers:     cfg.GPULayers,
		freePort:      cfg.FreePort,
		onChange:      cfg.OnChange,
		log:           cfg.Log.With().Str("component", "playground").Logger(),
		readyTimeout:  cfg.ReadyTimeout,
		probeInterval: cfg.ProbeInterval,
	}
	if m.newProvider == nil {
		m.newProvider = func(eng engine.Client) provider.Provider {
			return provider.NewLlamaCPP(eng, m.log)
		}
	}
	if m.freePort == nil {
		m.freePort = netutil.FreePort
	}
	if m.readyTimeout <= 0 {
		m.readyTimeout = defaultReadyTimeout
	}
	if m.probeInterval <= 0 {
		m.probeInterval = defaultProbeInterval
	}
	ttl := cfg.SessionTTL
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	m.sessions = gocache.New(ttl, ttl)
	m.httpClient = &http.Client{
		Transport: &http.Transport{
			DialContext:     (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
			MaxIdleConns:    10,
			IdleConnTimeout: 90 * time.Second,
		},
		Timeout: 0,
	}
	m.watchCtx, m.watchCancel = context.WithCancel(context.Background())
	return m
}

// Close stops every event watcher.
func (m *Manager) Close() {
	m.watchCancel()
}

func (m *Manager) notify() {
	if m.onChange != nil {
		m.onChange()
	}
}

// States returns a snapshot of all tracked playgrounds, ordered by model id.
func (m *Manager) States() []State {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]State, 0, m.states.Len())
	for _, s := range m.states.Values() {
		cp := *s
		if s.Container != nil {
			c := *s.Container
			cp.Container = &c
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModelID < out[j].ModelID })
	return out
}

// Sessions returns a snapshot of all live query sessions, ordered by id.
func (m *Manager) Sessions() []Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.sessions.Items()
	out := make([]Session, 0, len(items))
	for _, item := range items {
		if s, ok := item.Object.(*Session); ok {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Manager) engineByID(id string) engine.Client {
	for _, e := range m.engines {
		if e.ID() == id {
			return e
		}
	}
	if len(m.engines) > 0 {
		return m.engines[0]
	}
	return nil
}

func sessionKey(id int64) string { return strconv.FormatInt(id, 10) }
