package tasks

import (
	"sync"

	"github.com/google/uuid"
)

// MemoryLedger keeps tasks in memory, oldest first. It is the default ledger
// for the daemon and the only one tests need.
type MemoryLedger struct {
	mu      sync.Mutex
	entries []Task
	// onChange, when set, fires after every mutation.
	onChange func()
}

// NewMemoryLedger returns an empty ledger.
func NewMemoryLedger() *MemoryLedger { return &MemoryLedger{} }

// OnChange installs a notification hook fired after each mutation.
func (l *MemoryLedger) OnChange(fn func()) {
	l.mu.Lock()
	l.onChange = fn
	l.mu.Unlock()
}

func (l *MemoryLedger) notify() {
	if l.onChange != nil {
		l.onChange()
	}
}

func (l *MemoryLedger) Create(name string, labels map[string]string) Task {
	l.mu.Lock()
	defer l.mu.Unlock()
	cp := make(map[string]string, len(labels))
	for k, v := range labels {
		cp[k] = v
	}
	t := Task{ID: uuid.NewString(), Name: name, State: StateLoading, Labels: cp}
	l.entries = append(l.entries, t)
	l.notify()
	return t
}

func (l *MemoryLedger) Succeed(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.entries {
		if l.entries[i].ID == id {
			l.entries[i].State = StateSuccess
			l.entries[i].Error = ""
			l.notify()
			return
		}
	}
}

func (l *MemoryLedger) Fail(id string, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.entries {
		if l.entries[i].ID == id {
			l.entries[i].State = StateError
			l.entries[i].Error = msg
			l.notify()
			return
		}
	}
}

func (l *MemoryLedger) ClearByLabels(labels map[string]string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kept := l.entries[:0]
	for _, t := range l.entries {
		if !containsAll(t.Labels, labels) {
			kept = append(kept, t)
		}
	}
	l.entries = kept
	l.notify()
}

func (l *MemoryLedger) Tasks() []Task {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Task, len(l.entries))
	copy(out, l.entries)
	return out
}

func containsAll(labels, want map[string]string) bool {
	if len(want) == 0 {
		return false
	}
	for k, v := range want {
		if labels[k] != v {
			return false
		}
	}
	return true
}
