package events

import (
	"fmt"
	"testing"
	"time"
)

func TestHub_SnapshotThenTail(t *testing.T) {
	hub := NewHub(16, 100, time.Hour)
	defer hub.Close()

	hub.Register("ex-1")
	hub.Publish(NewExecutionStartedEvent("ex-1", "d"))
	hub.Publish(NewBlockStartedEvent("ex-1", "b1", "sequential"))

	snapshot, tail := hub.Subscribe("ex-1")
	defer hub.Unsubscribe(tail)

	if len(snapshot) != 2 {
		t.Fatalf("expected snapshot of 2 events, got %d", len(snapshot))
	}
	if snapshot[0].EventType() != TypeExecutionStarted {
		t.Errorf("snapshot out of order: %s first", snapshot[0].EventType())
	}

	hub.Publish(NewExecutionCompletedEvent("ex-1", "completed", ""))
	ev := recv(t, tail)
	if ev.EventType() != TypeExecutionCompleted {
		t.Errorf("tail delivered %s", ev.EventType())
	}
}

func TestHub_RingBounded(t *testing.T) {
	hub := NewHub(16, 10, time.Hour)
	defer hub.Close()

	hub.Register("ex-1")
	for i := 0; i < 25; i++ {
		hub.Publish(NewAgentChunkEvent("ex-1", "b", "a", fmt.Sprintf("c%d", i)))
	}

	log, ok := hub.Log("ex-1")
	if !ok {
		t.Fatal("expected log for registered execution")
	}
	if len(log) != 10 {
		t.Fatalf("expected ring capped at 10, got %d", len(log))
	}
	if log[len(log)-1].(AgentChunkEvent).Text != "c24" {
		t.Errorf("newest event missing from ring: %s", log[len(log)-1].(AgentChunkEvent).Text)
	}
	if log[0].(AgentChunkEvent).Text != "c15" {
		t.Errorf("oldest surviving event wrong: %s", log[0].(AgentChunkEvent).Text)
	}
}

func TestHub_UnregisteredExecutionNotLogged(t *testing.T) {
	hub := NewHub(16, 10, time.Hour)
	defer hub.Close()

	hub.Publish(NewExecutionStartedEvent("ghost", "d"))
	if _, ok := hub.Log("ghost"); ok {
		t.Error("unregistered execution should have no log")
	}
}

func TestHub_SweepReclaimsClosedLogs(t *testing.T) {
	hub := NewHub(16, 10, time.Millisecond)
	defer hub.Close()

	hub.Register("ex-1")
	hub.Publish(NewExecutionStartedEvent("ex-1", "d"))
	hub.CloseExecution("ex-1")

	time.Sleep(5 * time.Millisecond)
	if n := hub.Sweep(); n != 1 {
		t.Fatalf("expected 1 log reclaimed, got %d", n)
	}
	if _, ok := hub.Log("ex-1"); ok {
		t.Error("log should be gone after sweep")
	}
}

func TestHub_EventsOrderedPerExecution(t *testing.T) {
	hub := NewHub(64, 100, time.Hour)
	defer hub.Close()

	hub.Register("ex-1")
	_, tail := hub.Subscribe("ex-1")
	defer hub.Unsubscribe(tail)

	for i := 0; i < 20; i++ {
		hub.Publish(NewAgentChunkEvent("ex-1", "b", "a", fmt.Sprintf("c%d", i)))
	}
	for i := 0; i < 20; i++ {
		ev := recv(t, tail)
		if got := ev.(AgentChunkEvent).Text; got != fmt.Sprintf("c%d", i) {
			t.Fatalf("events out of order: expected c%d, got %s", i, got)
		}
	}
}
