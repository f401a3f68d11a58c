package models

import (
	"fmt"
	"testing"
	"time"
)

func TestAppendEventBounded(t *testing.T) {
	s := &Session{ID: "s1"}

	for i := 0; i < MaxTimelineEvents+250; i++ {
		s.AppendEvent(TimelineEvent{
			TS:      time.Now(),
			Type:    "TASK_STATUS",
			Payload: map[string]any{"seq": i},
		})
	}

	events := s.Events()
	if len(events) != MaxTimelineEvents {
		t.Fatalf("expected timeline capped at %d, got %d", MaxTimelineEvents, len(events))
	}

	// Oldest events are dropped FIFO: the first survivor is seq 250.
	if got := events[0].Payload["seq"].(int); got != 250 {
		t.Errorf("expected oldest surviving event seq 250, got %v", got)
	}
}

func TestTailEvents(t *testing.T) {
	s := &Session{ID: "s1"}
	for i := 0; i < 10; i++ {
		s.AppendEvent(TimelineEvent{Type: fmt.Sprintf("ev-%d", i)})
	}

	tail := s.TailEvents(3)
	if len(tail) != 3 {
		t.Fatalf("expected 3 events, got %d", len(tail))
	}
	if tail[2].Type != "ev-9" {
		t.Errorf("expected newest event last, got %s", tail[2].Type)
	}

	all := s.TailEvents(100)
	if len(all) != 10 {
		t.Errorf("expected clamp to 10, got %d", len(all))
	}
}

func TestSessionLeaves(t *testing.T) {
	s := &Session{
		Plan: []*Task{
			{ID: "a"},
			{ID: "b", Dependencies: []string{"a"}},
			{ID: "c", Dependencies: []string{"a"}},
		},
	}

	leaves := s.Leaves()
	if len(leaves) != 2 {
		t.Fatalf("expected 2 leaves, got %v", leaves)
	}
	for _, l := range leaves {
		if l != "b" && l != "c" {
			t.Errorf("unexpected leaf %s", l)
		}
	}
}

func TestSkillsMerge(t *testing.T) {
	s := Skills{BuildCommands: []string{"go build ./..."}}
	s.Merge(Skills{
		BuildCommands: []string{"go build ./...", "make build"},
		TestCommands:  []string{"go test ./..."},
	})

	if len(s.BuildCommands) != 2 {
		t.Errorf("expected union of build commands, got %v", s.BuildCommands)
	}
	if len(s.TestCommands) != 1 {
		t.Errorf("expected test command merged, got %v", s.TestCommands)
	}
}
