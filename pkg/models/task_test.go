package models

import "testing"

func TestTaskStatusValid(t *testing.T) {
	valid := []TaskStatus{
		TaskStatusPending, TaskStatusGated, TaskStatusRunning,
		TaskStatusSuccess, TaskStatusBlocked,
	}
	for _, s := range valid {
		if !s.Valid() {
			t.Errorf("expected %q to be valid", s)
		}
	}

	if TaskStatus("done").Valid() {
		t.Error("expected unknown status to be invalid")
	}
}

func TestTaskStatusTerminal(t *testing.T) {
	if !TaskStatusSuccess.Terminal() || !TaskStatusBlocked.Terminal() {
		t.Error("success and blocked should be terminal")
	}
	if TaskStatusRunning.Terminal() || TaskStatusPending.Terminal() {
		t.Error("running and pending should not be terminal")
	}
}

func TestTaskKindDefaultsToWork(t *testing.T) {
	task := &Task{ID: "a"}
	if task.Kind() != TaskTypeWork {
		t.Errorf("expected work, got %s", task.Kind())
	}

	task.Type = TaskTypePrompt
	if task.Kind() != TaskTypePrompt {
		t.Errorf("expected prompt, got %s", task.Kind())
	}
}

func TestTaskDependsOn(t *testing.T) {
	task := &Task{ID: "c", Dependencies: []string{"a", "b"}}
	if !task.DependsOn("a") {
		t.Error("expected dependency on a")
	}
	if task.DependsOn("z") {
		t.Error("did not expect dependency on z")
	}
}

func TestBuildEdges(t *testing.T) {
	tasks := []*Task{
		{ID: "a"},
		{ID: "b"},
		{ID: "c", Dependencies: []string{"a", "b"}},
	}

	edges := BuildEdges(tasks)
	if len(edges) != 2 {
		t.Fatalf("expected 2 edges, got %d", len(edges))
	}
	if edges[0].Source != "a" || edges[0].Target != "c" {
		t.Errorf("unexpected first edge: %+v", edges[0])
	}
	if edges[1].ID != "b->c" {
		t.Errorf("unexpected edge id: %s", edges[1].ID)
	}
}
