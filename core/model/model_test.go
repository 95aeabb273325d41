package model

import (
	"testing"
)

func samplePipeline() *Pipeline {
	return &Pipeline{
		ID:   "p-1",
		Name: "news",
		Steps: map[string]*PipelineStep{
			"s-fetch":   {ID: "s-fetch", Kind: StepKindFetch, ExecutionOrder: 1},
			"s-ai":      {ID: "s-ai", Kind: StepKindAI, ExecutionOrder: 2},
			"s-publish": {ID: "s-publish", Kind: StepKindPublish, ExecutionOrder: 3},
		},
	}
}

func TestOrderedSteps(t *testing.T) {
	p := samplePipeline()
	steps := p.OrderedSteps()
	want := []string{"s-fetch", "s-ai", "s-publish"}
	if len(steps) != len(want) {
		t.Fatalf("got %d steps", len(steps))
	}
	for i, id := range want {
		if steps[i].ID != id {
			t.Fatalf("step %d = %s, want %s", i, steps[i].ID, id)
		}
	}
}

func TestPipelineValidateDuplicateOrder(t *testing.T) {
	p := samplePipeline()
	p.Steps["s-ai"].ExecutionOrder = 1
	if err := p.Validate(); err == nil {
		t.Fatal("expected duplicate execution_order error")
	}
}

func TestInstantiateFlowDerivesStepIDs(t *testing.T) {
	p := samplePipeline()
	f := InstantiateFlow("f-1", "daily news", p)
	if len(f.Steps) != 3 {
		t.Fatalf("got %d flow steps", len(f.Steps))
	}
	fs := f.StepFor("s-fetch")
	if fs == nil {
		t.Fatal("flow step for s-fetch missing")
	}
	if fs.ID != FlowStepID("s-fetch", "f-1") {
		t.Fatalf("derived id = %s", fs.ID)
	}
	if err := f.Validate(p); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestFlowValidateRejectsUnknownPipelineStep(t *testing.T) {
	p := samplePipeline()
	f := InstantiateFlow("f-1", "daily news", p)
	f.Steps["rogue"] = &FlowStep{ID: "rogue", PipelineStepID: "missing"}
	if err := f.Validate(p); err == nil {
		t.Fatal("expected unknown pipeline step error")
	}
}

func TestDataPacketFrontInsertion(t *testing.T) {
	var p DataPacket
	p.PushFront(PacketEntry{Kind: StepKindFetch, Content: "first"})
	p.PushFront(PacketEntry{Kind: StepKindAI, Content: "second"})
	if p.Latest().Content != "second" {
		t.Fatalf("latest = %q", p.Latest().Content)
	}
	if got := p.LatestOfKind(StepKindFetch); got == nil || got.Content != "first" {
		t.Fatalf("latest fetch = %v", got)
	}
}

func TestSnapshotMergeImmutable(t *testing.T) {
	base := &EngineSnapshot{Version: 1, Params: map[string]string{"source_url": "https://a"}}
	next := base.Merge(&SnapshotDelta{
		Params:         map[string]string{"image_path": "/tmp/x.jpg"},
		StatusOverride: JobStatusAgentSkipped,
		OverrideReason: "duplicate content",
	})
	if next.Version != 2 {
		t.Fatalf("version = %d", next.Version)
	}
	if next.Params["image_path"] != "/tmp/x.jpg" || next.Params["source_url"] != "https://a" {
		t.Fatalf("params = %v", next.Params)
	}
	if next.StatusOverride != JobStatusAgentSkipped {
		t.Fatalf("override = %s", next.StatusOverride)
	}
	if _, ok := base.Params["image_path"]; ok {
		t.Fatal("base snapshot was mutated")
	}
	if base.Version != 1 || base.StatusOverride != "" {
		t.Fatal("base snapshot was mutated")
	}
}

func TestCompoundStatus(t *testing.T) {
	j := &Job{Status: JobStatusAgentSkipped, Reason: "low relevance"}
	if got := j.CompoundStatus(); got != "agent_skipped - low relevance" {
		t.Fatalf("compound = %q", got)
	}
	j.Reason = ""
	if got := j.CompoundStatus(); got != "agent_skipped" {
		t.Fatalf("compound = %q", got)
	}
}

func TestTerminalImmutabilityFlags(t *testing.T) {
	for _, s := range []JobStatus{JobStatusCompleted, JobStatusCompletedNoItems, JobStatusFailed, JobStatusAgentSkipped} {
		if !s.Terminal() {
			t.Fatalf("%s should be terminal", s)
		}
	}
	for _, s := range []JobStatus{JobStatusPending, JobStatusRunning} {
		if s.Terminal() {
			t.Fatalf("%s should not be terminal", s)
		}
	}
	if JobStatusFailed.Success() {
		t.Fatal("failed is not success")
	}
	if !JobStatusAgentSkipped.Success() {
		t.Fatal("agent_skipped is success-adjacent")
	}
}
