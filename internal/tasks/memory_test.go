package tasks

import "testing"

func TestCreateAndTransition(t *testing.T) {
	l := NewMemoryLedger()
	task := l.Create("Pulling image", map[string]string{"model-id": "m1"})
	if task.ID == "" || task.State != StateLoading {
		t.Fatalf("expected loading task with id, got %+v", task)
	}
	l.Succeed(task.ID)
	got := l.Tasks()
	if len(got) != 1 || got[0].State != StateSuccess {
		t.Fatalf("expected one successful task, got %+v", got)
	}
	l.Fail(task.ID, "boom")
	got = l.Tasks()
	if got[0].State != StateError || got[0].Error != "boom" {
		t.Fatalf("expected failed task, got %+v", got[0])
	}
}

func TestClearByLabelsRemovesMatchingOnly(t *testing.T) {
	l := NewMemoryLedger()
	key := map[string]string{"recipe-id": "r1", "model-id": "m1"}
	l.Create("step 1", key)
	l.Create("step 2", key)
	l.Create("other", map[string]string{"recipe-id": "r2", "model-id": "m1"})

	l.ClearByLabels(key)
	got := l.Tasks()
	if len(got) != 1 || got[0].Name != "other" {
		t.Fatalf("expected only the other recipe's task to survive, got %+v", got)
	}
}

func TestClearByEmptyLabelsIsNoop(t *testing.T) {
	l := NewMemoryLedger()
	l.Create("step", map[string]string{"model-id": "m1"})
	l.ClearByLabels(nil)
	if len(l.Tasks()) != 1 {
		t.Fatalf("expected empty filter to clear nothing")
	}
}

func TestOnChangeFires(t *testing.T) {
	l := NewMemoryLedger()
	var calls int
	l.OnChange(func() { calls++ })
	task := l.Create("step", map[string]string{"model-id": "m1"})
	l.Succeed(task.ID)
	if calls != 2 {
		t.Fatalf("expected 2 notifications, got %d", calls)
	}
}
