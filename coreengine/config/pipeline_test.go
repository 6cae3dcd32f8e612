package config

import (
	"strings"
	"testing"
)

func linearPipeline() *PipelineConfig {
	p := NewPipelineConfig("review")
	p.AddAgent(&AgentConfig{Name: "fetch", StageOrder: 1})
	p.AddAgent(&AgentConfig{Name: "analyze", StageOrder: 2, HasLLM: true, ModelRole: "analyst", Requires: []string{"fetch"}})
	p.AddAgent(&AgentConfig{Name: "report", StageOrder: 3, Requires: []string{"analyze"}})
	return p
}

// =============================================================================
// Agent validation
// =============================================================================

func TestAgentConfig_Validate(t *testing.T) {
	agent := &AgentConfig{Name: "fetch"}
	if err := agent.Validate(); err != nil {
		t.Fatalf("valid agent rejected: %v", err)
	}
	if agent.OutputKey != "fetch" {
		t.Errorf("OutputKey should default to Name, got %q", agent.OutputKey)
	}
	if agent.JoinStrategy != JoinAll {
		t.Errorf("JoinStrategy should default to all, got %q", agent.JoinStrategy)
	}
}

func TestAgentConfig_Validate_Errors(t *testing.T) {
	if err := (&AgentConfig{}).Validate(); err == nil {
		t.Error("empty name should be rejected")
	}
	if err := (&AgentConfig{Name: "llm", HasLLM: true}).Validate(); err == nil {
		t.Error("has_llm without model_role should be rejected")
	}
}

// =============================================================================
// Pipeline validation
// =============================================================================

func TestPipelineConfig_Validate(t *testing.T) {
	p := linearPipeline()
	if err := p.Validate(); err != nil {
		t.Fatalf("valid pipeline rejected: %v", err)
	}

	order := p.GetStageOrder()
	want := []string{"fetch", "analyze", "report"}
	for i, name := range want {
		if order[i] != name {
			t.Errorf("stage %d: expected %s, got %s", i, name, order[i])
		}
	}

	topo := p.TopologicalOrder()
	if len(topo) != 3 || topo[0] != "fetch" {
		t.Errorf("unexpected topological order: %v", topo)
	}
}

func TestPipelineConfig_Validate_Errors(t *testing.T) {
	empty := NewPipelineConfig("empty")
	if err := empty.Validate(); err == nil {
		t.Error("pipeline without agents should be rejected")
	}

	unnamed := &PipelineConfig{Agents: []*AgentConfig{{Name: "a"}}}
	if err := unnamed.Validate(); err == nil {
		t.Error("pipeline without name should be rejected")
	}

	dup := NewPipelineConfig("dup")
	dup.AddAgent(&AgentConfig{Name: "a", StageOrder: 1})
	dup.AddAgent(&AgentConfig{Name: "a", StageOrder: 2})
	if err := dup.Validate(); err == nil {
		t.Error("duplicate agent name should be rejected")
	}
}

func TestPipelineConfig_Validate_RoutingTargets(t *testing.T) {
	p := NewPipelineConfig("routing")
	p.AddAgent(&AgentConfig{
		Name:       "check",
		StageOrder: 1,
		RoutingRules: []RoutingRule{
			{Condition: "verdict", Value: "bad", Target: "ghost"},
		},
	})
	if err := p.Validate(); err == nil {
		t.Error("routing to unknown target should be rejected")
	}

	p2 := NewPipelineConfig("routing2")
	p2.AddAgent(&AgentConfig{Name: "check", StageOrder: 1, DefaultNext: "nowhere"})
	if err := p2.Validate(); err == nil {
		t.Error("unknown default_next should be rejected")
	}

	// StageEnd is always a valid target
	p3 := NewPipelineConfig("routing3")
	p3.AddAgent(&AgentConfig{
		Name:       "check",
		StageOrder: 1,
		RoutingRules: []RoutingRule{
			{Condition: "verdict", Value: "done", Target: StageEnd},
		},
		DefaultNext: StageEnd,
		ErrorNext:   StageEnd,
	})
	if err := p3.Validate(); err != nil {
		t.Errorf("end target rejected: %v", err)
	}
}

func TestPipelineConfig_Validate_CycleDetection(t *testing.T) {
	p := NewPipelineConfig("cyclic")
	p.AddAgent(&AgentConfig{Name: "a", StageOrder: 1, Requires: []string{"c"}})
	p.AddAgent(&AgentConfig{Name: "b", StageOrder: 2, Requires: []string{"a"}})
	p.AddAgent(&AgentConfig{Name: "c", StageOrder: 3, Requires: []string{"b"}})

	err := p.Validate()
	if err == nil {
		t.Fatal("dependency cycle should be rejected")
	}
	if !strings.Contains(err.Error(), "cycle") {
		t.Errorf("expected cycle error, got: %v", err)
	}
}

func TestPipelineConfig_Validate_DependencyErrors(t *testing.T) {
	unknown := NewPipelineConfig("unknown-dep")
	unknown.AddAgent(&AgentConfig{Name: "a", StageOrder: 1, Requires: []string{"ghost"}})
	if err := unknown.Validate(); err == nil {
		t.Error("unknown dependency should be rejected")
	}

	self := NewPipelineConfig("self-dep")
	self.AddAgent(&AgentConfig{Name: "a", StageOrder: 1, Requires: []string{"a"}})
	if err := self.Validate(); err == nil {
		t.Error("self-dependency should be rejected")
	}
}

// =============================================================================
// Ready stages
// =============================================================================

func TestPipelineConfig_GetReadyStages(t *testing.T) {
	p := linearPipeline()
	if err := p.Validate(); err != nil {
		t.Fatal(err)
	}

	ready := p.GetReadyStages(map[string]bool{})
	if len(ready) != 1 || ready[0] != "fetch" {
		t.Errorf("expected only fetch ready, got %v", ready)
	}

	ready = p.GetReadyStages(map[string]bool{"fetch": true})
	if len(ready) != 1 || ready[0] != "analyze" {
		t.Errorf("expected only analyze ready, got %v", ready)
	}
}

func TestPipelineConfig_GetReadyStages_JoinAny(t *testing.T) {
	p := NewPipelineConfig("join")
	p.AddAgent(&AgentConfig{Name: "a", StageOrder: 1})
	p.AddAgent(&AgentConfig{Name: "b", StageOrder: 2})
	p.AddAgent(&AgentConfig{
		Name:         "merge",
		StageOrder:   3,
		Requires:     []string{"a", "b"},
		JoinStrategy: JoinAny,
	})
	if err := p.Validate(); err != nil {
		t.Fatal(err)
	}

	ready := p.GetReadyStages(map[string]bool{"a": true})
	found := false
	for _, name := range ready {
		if name == "merge" {
			found = true
		}
	}
	if !found {
		t.Errorf("join-any stage should unblock on one prerequisite, got %v", ready)
	}
}

// =============================================================================
// Edges and loops
// =============================================================================

func TestPipelineConfig_GetEdgeLimit(t *testing.T) {
	p := linearPipeline()
	p.EdgeLimits = map[string]int{"report->analyze": 5}

	if got := p.GetEdgeLimit("report", "analyze"); got != 5 {
		t.Errorf("expected explicit limit 5, got %d", got)
	}
	if got := p.GetEdgeLimit("fetch", "analyze"); got != p.DefaultEdgeLimit {
		t.Errorf("expected default limit %d, got %d", p.DefaultEdgeLimit, got)
	}
}

func TestPipelineConfig_IsLoopBack(t *testing.T) {
	p := linearPipeline()

	if p.IsLoopBack("fetch", "analyze") {
		t.Error("forward edge is not a loop-back")
	}
	if !p.IsLoopBack("report", "analyze") {
		t.Error("backward edge is a loop-back")
	}
	if !p.IsLoopBack("analyze", "analyze") {
		t.Error("self edge is a loop-back")
	}
	if p.IsLoopBack("report", StageEnd) {
		t.Error("edge to end is never a loop-back")
	}
}

func TestPipelineConfig_GetAgent(t *testing.T) {
	p := linearPipeline()

	if agent := p.GetAgent("analyze"); agent == nil || agent.Name != "analyze" {
		t.Error("GetAgent should find analyze")
	}
	if agent := p.GetAgent("ghost"); agent != nil {
		t.Error("GetAgent should return nil for unknown name")
	}
}
