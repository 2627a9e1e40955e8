// Package tasks defines the progress ledger contract the orchestrators record
// into. Labels are the only correlation between a task and the workload it
// concerns; clearing by labels supersedes every prior task for a key before a
// new operation starts.
package tasks

// State of one ledger entry.
type State string

const (
	StateLoading State = "loading"
	StateSuccess State = "success"
	StateError   State = "error"
)

// Task is one human-readable progress entry.
type Task struct {
	ID     string
	Name   string
	State  State
	Error  string
	Labels map[string]string
}

// Ledger records progress and error entries tagged with labels.
type Ledger interface {
	// Create inserts a new task in the loading state and returns it.
	Create(name string, labels map[string]string) Task
	// Succeed marks the task as successful. Unknown ids are ignored.
	Succeed(id string)
	// Fail marks the task as failed with a human-readable message.
	Fail(id string, msg string)
	// ClearByLabels removes every task carrying all given label pairs.
	ClearByLabels(labels map[string]string)
	// Tasks returns a snapshot of all entries, oldest first.
	Tasks() []Task
}
