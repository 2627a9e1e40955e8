package engine

import (
	"context"
	"fmt"
	"sync"
)

// Memory is an in-memory Client used by tests. Mutations are recorded so
// tests can assert which engine calls were made, and lifecycle events can be
// published by hand to simulate external actors.
type Memory struct {
	mu         sync.Mutex
	id         string
	nextID     int
	images     map[string]bool
	containers map[string]*memContainer
	pods       map[string]*PodInfo
	subs       []chan Event
	failures   map[string]error

	pulled   []string
	built    []BuildOptions
	stopped  []string
	removed  []string
	started  []string
	pingErr  error
}

type memContainer struct {
	summary ContainerSummary
	detail  ContainerDetail
	spec    ContainerSpec
}

// NewMemory returns an empty in-memory engine with the given connection id.
func NewMemory(id string) *Memory {
	return &Memory{
		id:         id,
		images:     make(map[string]bool),
		containers: make(map[string]*memContainer),
		pods:       make(map[string]*PodInfo),
		failures:   make(map[string]error),
	}
}

func (m *Memory) ID() string { return m.id }

// FailWith makes every subsequent call of op return err. Pass nil to clear.
func (m *Memory) FailWith(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, op)
		return
	}
	m.failures[op] = err
}

// SetPingError controls Ping results for engine selection tests.
func (m *Memory) SetPingError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pingErr = err
}

func (m *Memory) fail(op string) error {
	return m.failures[op]
}

func (m *Memory) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pingErr
}

func (m *Memory) PullImage(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("PullImage"); err != nil {
		return err
	}
	m.images[name] = true
	m.pulled = append(m.pulled, name)
	return nil
}

func (m *Memory) ImageExists(ctx context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("ImageExists"); err != nil {
		return false, err
	}
	return m.images[name], nil
}

// AddImage marks an image as locally present.
func (m *Memory) AddImage(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.images[name] = true
}

func (m *Memory) BuildImage(ctx context.Context, opts BuildOptions) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("BuildImage"); err != nil {
		return "", err
	}
	m.built = append(m.built, opts)
	m.images[opts.Tag] = true
	return opts.Tag, nil
}

func (m *Memory) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("CreateContainer"); err != nil {
		return "", err
	}
	m.nextID++
	id := fmt.Sprintf("ctr-%d", m.nextID)
	m.containers[id] = &memContainer{
		summary: ContainerSummary{
			ID:     id,
			Name:   spec.Name,
			Image:  spec.Image,
			State:  "created",
			PodID:  spec.PodID,
			Labels: spec.Labels,
			Ports:  spec.Ports,
		},
		detail: ContainerDetail{ID: id, Health: HealthNone},
		spec:   spec,
	}
	if spec.PodID != "" {
		if pod, ok := m.pods[spec.PodID]; ok {
			pod.Containers = append(pod.Containers, PodContainer{ID: id, Name: spec.Name, Status: "created"})
		}
	}
	return id, nil
}

func (m *Memory) StartContainer(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("StartContainer"); err != nil {
		return err
	}
	c, ok := m.containers[id]
	if !ok {
		return fmt.Errorf("no such container: %s", id)
	}
	c.summary.State = StateRunning
	c.detail.Running = true
	m.started = append(m.started, id)
	return nil
}

func (m *Memory) StopContainer(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("StopContainer"); err != nil {
		return err
	}
	c, ok := m.containers[id]
	if !ok {
		return fmt.Errorf("no such container: %s", id)
	}
	c.summary.State = StateExited
	c.detail.Running = false
	m.stopped = append(m.stopped, id)
	return nil
}

func (m *Memory) RemoveContainer(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("RemoveContainer"); err != nil {
		return err
	}
	delete(m.containers, id)
	m.removed = append(m.removed, id)
	return nil
}

func (m *Memory) InspectContainer(ctx context.Context, id string) (ContainerDetail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("InspectContainer"); err != nil {
		return ContainerDetail{}, err
	}
	c, ok := m.containers[id]
	if !ok {
		return ContainerDetail{}, fmt.Errorf("no such container: %s", id)
	}
	return c.detail, nil
}

func (m *Memory) ListContainers(ctx context.Context, filter map[string]string) ([]ContainerSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("ListContainers"); err != nil {
		return nil, err
	}
	var out []ContainerSummary
	for _, c := range m.containers {
		if MatchesLabels(c.summary.Labels, filter) {
			out = append(out, c.summary)
		}
	}
	return out, nil
}

func (m *Memory) CreatePod(ctx context.Context, spec PodSpec) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("CreatePod"); err != nil {
		return "", err
	}
	m.nextID++
	id := fmt.Sprintf("pod-%d", m.nextID)
	m.pods[id] = &PodInfo{ID: id, Name: spec.Name, Status: "Created", Labels: spec.Labels}
	return id, nil
}

func (m *Memory) StartPod(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("StartPod"); err != nil {
		return err
	}
	pod, ok := m.pods[id]
	if !ok {
		return fmt.Errorf("no such pod: %s", id)
	}
	pod.Status = "Running"
	for i := range pod.Containers {
		pod.Containers[i].Status = StateRunning
		if c, ok := m.containers[pod.Containers[i].ID]; ok {
			c.summary.State = StateRunning
			c.detail.Running = true
		}
	}
	return nil
}

func (m *Memory) StopPod(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("StopPod"); err != nil {
		return err
	}
	pod, ok := m.pods[id]
	if !ok {
		return fmt.Errorf("no such pod: %s", id)
	}
	pod.Status = "Exited"
	m.stopped = append(m.stopped, id)
	return nil
}

func (m *Memory) RemovePod(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("RemovePod"); err != nil {
		return err
	}
	if _, ok := m.pods[id]; !ok {
		return fmt.Errorf("no such pod: %s", id)
	}
	delete(m.pods, id)
	m.removed = append(m.removed, id)
	return nil
}

func (m *Memory) ListPods(ctx context.Context, filter map[string]string) ([]PodInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("ListPods"); err != nil {
		return nil, err
	}
	var out []PodInfo
	for _, p := range m.pods {
		if MatchesLabels(p.Labels, filter) {
			cp := *p
			cp.Containers = append([]PodContainer(nil), p.Containers...)
			out = append(out, cp)
		}
	}
	return out, nil
}

func (m *Memory) Events(ctx context.Context) (<-chan Event, error) {
	m.mu.Lock()
	ch := make(chan Event, 64)
	m.subs = append(m.subs, ch)
	m.mu.Unlock()
	go func() {
		<-ctx.Done()
		m.mu.Lock()
		for i, sub := range m.subs {
			if sub == ch {
				m.subs = append(m.subs[:i], m.subs[i+1:]...)
				close(ch)
				break
			}
		}
		m.mu.Unlock()
	}()
	return ch, nil
}

// Publish delivers an event to every subscriber, simulating engine-side
// lifecycle changes. Slow subscribers drop events rather than block.
func (m *Memory) Publish(e Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sub := range m.subs {
		select {
		case sub <- e:
		default:
		}
	}
}

// SetHealth overrides the inspect health of a container.
func (m *Memory) SetHealth(id, health string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.containers[id]; ok {
		c.detail.Health = health
	}
}

// SetPodStatus overrides the listed status of a pod.
func (m *Memory) SetPodStatus(id, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pods[id]; ok {
		p.Status = status
	}
}

// AddRunningContainer seeds a running container, as adoption tests need.
func (m *Memory) AddRunningContainer(id string, labels map[string]string, ports []PortBinding) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.containers[id] = &memContainer{
		summary: ContainerSummary{ID: id, State: StateRunning, Labels: labels, Ports: ports},
		detail:  ContainerDetail{ID: id, Running: true, Health: HealthNone},
	}
}

// AddPod seeds a pod, as adoption/reconciliation tests need.
func (m *Memory) AddPod(info PodInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := info
	cp.Containers = append([]PodContainer(nil), info.Containers...)
	m.pods[info.ID] = &cp
}

// ContainerSpecFor returns the creation spec recorded for a container id.
func (m *Memory) ContainerSpecFor(id string) (ContainerSpec, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.containers[id]
	if !ok {
		return ContainerSpec{}, false
	}
	return c.spec, true
}

// Stopped returns the ids passed to StopContainer/StopPod, in order.
func (m *Memory) Stopped() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.stopped...)
}

// Removed returns the ids passed to RemoveContainer/RemovePod, in order.
func (m *Memory) Removed() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.removed...)
}

// Pulled returns the image names passed to PullImage, in order.
func (m *Memory) Pulled() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.pulled...)
}

// Built returns the recorded build invocations, in order.
func (m *Memory) Built() []BuildOptions {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]BuildOptions(nil), m.built...)
}
