package service

import (
	"strings"
	"testing"
	"time"

	"github.com/ensemble-ai/ensemble/internal/core"
	"github.com/ensemble-ai/ensemble/internal/events"
	"github.com/ensemble-ai/ensemble/internal/testutil"
	"github.com/ensemble-ai/ensemble/internal/workspace"
)

func newTestScheduler(model core.ModelClient) (*Scheduler, *events.Hub, *Registry) {
	hub := events.NewHub(256, 500, time.Hour)
	registry := NewRegistry()
	ws := workspace.NewManager("/tmp/ensemble_test_isolated_", nil)
	runner := NewAgentRunner(model, hub, time.Minute, nil)
	executor := NewBlockExecutor(runner, ws, hub, nil, time.Minute, "test-model", 1024, "", nil)
	scheduler := NewScheduler(executor, hub, ws, registry, nil, time.Minute, 0, false, nil)
	return scheduler, hub, registry
}

func waitTerminal(t *testing.T, registry *Registry, id string) *core.Execution {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		exec, ok := registry.Get(id)
		if ok && exec.Status.IsTerminal() {
			return exec
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("execution did not reach a terminal state")
	return nil
}

func workerBlock(id, system string) core.Block {
	return core.Block{
		ID:     id,
		Type:   core.BlockSequential,
		Task:   "task for " + id,
		Agents: []core.AgentDef{{Name: id + "-agent", Role: core.RoleWorker, SystemPrompt: system}},
	}
}

func TestSchedulerPropagatesOutputs(t *testing.T) {
	model := &testutil.ScriptedModelClient{Respond: func(opts core.StreamOptions) testutil.Turn {
		if strings.Contains(opts.System, "up") {
			return testutil.Turn{Final: "UPSTREAM-RESULT"}
		}
		return testutil.Turn{Final: "downstream saw: " + opts.Messages[0].Content}
	}}
	scheduler, hub, registry := newTestScheduler(model)
	defer hub.Close()

	design := &core.Design{
		ID: "d",
		Blocks: []core.Block{
			workerBlock("a", "up"),
			workerBlock("b", "down"),
		},
		Connections: []core.Connection{
			{SourceBlock: "a", TargetBlock: "b", Kind: core.ConnBlock},
		},
	}
	exec, err := scheduler.Start(design, "", "user prompt")
	if err != nil {
		t.Fatal(err)
	}
	final := waitTerminal(t, registry, exec.ID)

	if final.Status != core.ExecutionCompleted {
		t.Fatalf("status = %s", final.Status)
	}
	b := final.BlockResults["b"]
	if b == nil || !strings.Contains(b.FinalOutput, "UPSTREAM-RESULT") {
		t.Errorf("downstream did not receive upstream output: %+v", b)
	}
	// Source block ran to completion.
	a := final.BlockResults["a"]
	if a == nil || a.Status != core.BlockCompleted {
		t.Errorf("source block result: %+v", a)
	}
}

func TestSchedulerSkipsDownstreamOnFailure(t *testing.T) {
	model := &testutil.ScriptedModelClient{Respond: func(opts core.StreamOptions) testutil.Turn {
		if strings.Contains(opts.System, "boom") {
			return testutil.Turn{Err: core.ErrModel("kaput", nil)}
		}
		return testutil.Turn{Final: "fine"}
	}}
	scheduler, hub, registry := newTestScheduler(model)
	defer hub.Close()

	design := &core.Design{
		ID: "d",
		Blocks: []core.Block{
			workerBlock("a", "boom"),
			workerBlock("b", "ok"),
			workerBlock("c", "ok"),
			workerBlock("solo", "ok"),
		},
		Connections: []core.Connection{
			{SourceBlock: "a", TargetBlock: "b", Kind: core.ConnBlock},
			{SourceBlock: "b", TargetBlock: "c", Kind: core.ConnBlock},
		},
	}
	exec, _ := scheduler.Start(design, "", "p")
	final := waitTerminal(t, registry, exec.ID)

	if final.Status != core.ExecutionFailed {
		t.Fatalf("status = %s", final.Status)
	}
	if final.BlockResults["a"].Status != core.BlockFailed {
		t.Error("a should fail")
	}
	for _, id := range []string{"b", "c"} {
		r := final.BlockResults[id]
		if r == nil || r.Status != core.BlockSkipped || r.SkipReason != "upstream_failure" {
			t.Errorf("%s = %+v, want skipped/upstream_failure", id, r)
		}
	}
	// Blocks off the failed path still run.
	if final.BlockResults["solo"].Status != core.BlockCompleted {
		t.Errorf("solo = %+v", final.BlockResults["solo"])
	}
}

func TestSchedulerAgentLevelConnection(t *testing.T) {
	model := &testutil.ScriptedModelClient{Respond: func(opts core.StreamOptions) testutil.Turn {
		switch opts.System {
		case "src":
			return testutil.Turn{Final: "SRC-AGENT-OUT"}
		default:
			return testutil.Turn{Final: opts.System + " got: " + opts.Messages[0].Content}
		}
	}}
	scheduler, hub, registry := newTestScheduler(model)
	defer hub.Close()

	design := &core.Design{
		ID: "d",
		Blocks: []core.Block{
			{
				ID: "a", Type: core.BlockSequential, Task: "t",
				Agents: []core.AgentDef{{Name: "producer", Role: core.RoleWorker, SystemPrompt: "src"}},
			},
			{
				ID: "b", Type: core.BlockParallel, Task: "t",
				Agents: []core.AgentDef{
					{Name: "targeted", Role: core.RoleWorker, SystemPrompt: "targeted"},
					{Name: "untargeted", Role: core.RoleWorker, SystemPrompt: "untargeted"},
				},
			},
		},
		Connections: []core.Connection{
			{SourceBlock: "a", TargetBlock: "b", SourceAgent: "producer", TargetAgent: "targeted", Kind: core.ConnAgent},
		},
	}
	exec, _ := scheduler.Start(design, "", "p")
	final := waitTerminal(t, registry, exec.ID)

	var targeted, untargeted string
	for _, out := range final.BlockResults["b"].PerAgentOutputs {
		switch out.Agent {
		case "targeted":
			targeted = out.Output
		case "untargeted":
			untargeted = out.Output
		}
	}
	if !strings.Contains(targeted, "SRC-AGENT-OUT") {
		t.Errorf("targeted agent missed its input: %q", targeted)
	}
	if strings.Contains(untargeted, "SRC-AGENT-OUT") {
		t.Errorf("untargeted agent received the agent-level input: %q", untargeted)
	}
}

func TestSchedulerCancellation(t *testing.T) {
	model := &testutil.ScriptedModelClient{
		ChunkDelay: 200 * time.Millisecond,
		Respond: func(core.StreamOptions) testutil.Turn {
			return testutil.Turn{Chunks: []string{"c1", "c2", "c3", "c4", "c5", "c6", "c7", "c8"}}
		},
	}
	scheduler, hub, registry := newTestScheduler(model)
	defer hub.Close()

	design := &core.Design{
		ID:     "d",
		Blocks: []core.Block{workerBlock("slow", "s")},
	}
	exec, _ := scheduler.Start(design, "", "p")

	// Wait for the first chunk, then cancel.
	_, tail := hub.Subscribe(exec.ID)
	defer hub.Unsubscribe(tail)
	deadline := time.After(3 * time.Second)
	for waiting := true; waiting; {
		select {
		case ev := <-tail:
			if ev.EventType() == events.TypeAgentChunk {
				waiting = false
			}
		case <-deadline:
			t.Fatal("no chunk arrived")
		}
	}
	if err := registry.Cancel(exec.ID); err != nil {
		t.Fatal(err)
	}

	final := waitTerminal(t, registry, exec.ID)
	if final.Status != core.ExecutionCancelled {
		t.Errorf("status = %s, want cancelled", final.Status)
	}

	// Terminal event closes the stream.
	log, _ := hub.Log(exec.ID)
	last := log[len(log)-1]
	if last.EventType() != events.TypeExecutionCompleted {
		t.Errorf("last event = %s", last.EventType())
	}
}

func TestSchedulerEventOrdering(t *testing.T) {
	model := &testutil.ScriptedModelClient{}
	scheduler, hub, registry := newTestScheduler(model)
	defer hub.Close()

	design := &core.Design{
		ID: "d",
		Blocks: []core.Block{
			workerBlock("a", "s"),
			workerBlock("b", "s"),
		},
		Connections: []core.Connection{
			{SourceBlock: "a", TargetBlock: "b", Kind: core.ConnBlock},
		},
	}
	exec, _ := scheduler.Start(design, "", "p")
	waitTerminal(t, registry, exec.ID)

	log, _ := hub.Log(exec.ID)
	var types []string
	for _, ev := range log {
		types = append(types, ev.EventType())
	}
	if types[0] != events.TypeExecutionStarted {
		t.Errorf("first event = %s", types[0])
	}
	if types[len(types)-1] != events.TypeExecutionCompleted {
		t.Errorf("last event = %s", types[len(types)-1])
	}
	// block a completes before block b starts (sequential by level).
	aDone, bStart := -1, -1
	for i, ev := range log {
		if e, ok := ev.(events.BlockCompletedEvent); ok && e.BlockID == "a" {
			aDone = i
		}
		if e, ok := ev.(events.BlockStartedEvent); ok && e.BlockID == "b" {
			bStart = i
		}
	}
	if aDone < 0 || bStart < 0 || aDone > bStart {
		t.Errorf("block ordering wrong: a done at %d, b start at %d", aDone, bStart)
	}

	// Timestamps are monotonically non-decreasing.
	for i := 1; i < len(log); i++ {
		if log[i].Timestamp().Before(log[i-1].Timestamp()) {
			t.Errorf("timestamps regressed at %d", i)
		}
	}
}

func TestSchedulerRejectsInvalidDesign(t *testing.T) {
	scheduler, hub, _ := newTestScheduler(&testutil.ScriptedModelClient{})
	defer hub.Close()

	design := &core.Design{
		ID:     "d",
		Blocks: []core.Block{workerBlock("a", "s"), workerBlock("b", "s")},
		Connections: []core.Connection{
			{SourceBlock: "a", TargetBlock: "b", Kind: core.ConnBlock},
			{SourceBlock: "b", TargetBlock: "a", Kind: core.ConnBlock},
		},
	}
	if _, err := scheduler.Start(design, "", "p"); !core.IsCategory(err, core.ErrCatValidation) {
		t.Errorf("cycle start error = %v", err)
	}
}
