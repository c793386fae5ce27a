package events

import (
	"fmt"
	"testing"
	"time"
)

func recv(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
		return nil
	}
}

func TestBus_Subscribe(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	ch := bus.Subscribe()
	bus.Publish(NewExecutionStartedEvent("ex-1", "d-1"))

	ev := recv(t, ch)
	if ev.EventType() != TypeExecutionStarted {
		t.Errorf("expected %s, got %s", TypeExecutionStarted, ev.EventType())
	}
	if ev.ExecutionID() != "ex-1" {
		t.Errorf("expected ex-1, got %s", ev.ExecutionID())
	}
}

func TestBus_TypeFilter(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	chunks := bus.Subscribe(TypeAgentChunk)
	bus.Publish(NewExecutionStartedEvent("ex-1", "d-1"))
	bus.Publish(NewAgentChunkEvent("ex-1", "b-1", "a-1", "hello"))

	ev := recv(t, chunks)
	if ev.EventType() != TypeAgentChunk {
		t.Errorf("filter leaked %s", ev.EventType())
	}
}

func TestBus_ExecutionFilter(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	mine := bus.SubscribeForExecution("ex-1")
	bus.Publish(NewExecutionStartedEvent("ex-2", "d"))
	bus.Publish(NewExecutionStartedEvent("ex-1", "d"))

	ev := recv(t, mine)
	if ev.ExecutionID() != "ex-1" {
		t.Errorf("execution filter leaked %s", ev.ExecutionID())
	}
}

func TestBus_DropsOldestWhenFull(t *testing.T) {
	bus := NewBus(2)
	defer bus.Close()

	ch := bus.Subscribe()
	for i := 0; i < 5; i++ {
		bus.Publish(NewAgentChunkEvent("ex", "b", "a", fmt.Sprintf("c%d", i)))
	}

	if bus.DroppedCount() == 0 {
		t.Error("expected drops for a full subscriber")
	}
	// The newest event survives ring behavior.
	var last Event
	for i := 0; i < 2; i++ {
		last = recv(t, ch)
	}
	if last.(AgentChunkEvent).Text != "c4" {
		t.Errorf("expected newest chunk to survive, got %s", last.(AgentChunkEvent).Text)
	}
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	ch := bus.Subscribe()
	bus.Unsubscribe(ch)

	if _, ok := <-ch; ok {
		t.Error("expected closed channel after unsubscribe")
	}
}

func TestBus_CloseIsIdempotent(t *testing.T) {
	bus := NewBus(10)
	ch := bus.Subscribe()
	bus.Close()
	bus.Close()

	if _, ok := <-ch; ok {
		t.Error("expected closed channel after bus close")
	}
	bus.Publish(NewExecutionStartedEvent("ex", "d")) // must not panic
}
