// Package config provides pipeline and kernel runtime configuration.
package config

import (
	"fmt"
	"sort"
)

// RoutingRule defines a conditional transition between stages.
type RoutingRule struct {
	Condition string `json:"condition"` // Key in agent output to check
	Value     any    `json:"value"`     // Expected value
	Target    string `json:"target"`    // Next stage to route to
}

// JoinStrategy defines how a stage with multiple prerequisites unblocks.
type JoinStrategy string

const (
	JoinAll JoinStrategy = "all" // Wait for ALL prerequisites (default)
	JoinAny JoinStrategy = "any" // Proceed when ANY prerequisite completes
)

// ToolAccess represents tool access levels for agents.
type ToolAccess string

const (
	ToolAccessNone  ToolAccess = "none"
	ToolAccessRead  ToolAccess = "read"
	ToolAccessWrite ToolAccess = "write"
	ToolAccessAll   ToolAccess = "all"
)

// AgentConfig is the declarative configuration for one pipeline stage. The
// kernel never executes an agent; the config is handed to external workers
// as part of an Execute instruction.
type AgentConfig struct {
	Name       string `json:"name"`
	StageOrder int    `json:"stage_order"`

	// Requires: hard dependencies, these stages must complete before this runs.
	Requires []string `json:"requires,omitempty"`
	// After: soft ordering relative to stages that may be in the pipeline.
	After []string `json:"after,omitempty"`
	// RunsWith: stages this one may execute concurrently with.
	RunsWith []string `json:"runs_with,omitempty"`

	JoinStrategy JoinStrategy `json:"join_strategy,omitempty"`

	HasLLM     bool       `json:"has_llm"`
	HasTools   bool       `json:"has_tools"`
	ToolAccess ToolAccess `json:"tool_access,omitempty"`

	ModelRole   string   `json:"model_role,omitempty"`
	PromptKey   string   `json:"prompt_key,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`

	OutputKey string `json:"output_key"`

	RoutingRules []RoutingRule `json:"routing_rules,omitempty"`
	DefaultNext  string        `json:"default_next,omitempty"`
	ErrorNext    string        `json:"error_next,omitempty"`

	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
	MaxRetries     int `json:"max_retries,omitempty"`
}

// Validate checks the agent configuration and fills defaults.
func (c *AgentConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("AgentConfig.Name is required")
	}
	if c.OutputKey == "" {
		c.OutputKey = c.Name
	}
	if c.HasLLM && c.ModelRole == "" {
		return fmt.Errorf("agent %q has_llm=true but no model_role", c.Name)
	}
	if c.JoinStrategy == "" {
		c.JoinStrategy = JoinAll
	}
	return nil
}

// Dependencies returns all stages this agent depends on (Requires + After).
func (c *AgentConfig) Dependencies() []string {
	deps := make([]string, 0, len(c.Requires)+len(c.After))
	deps = append(deps, c.Requires...)
	deps = append(deps, c.After...)
	return deps
}

// StageEnd is the routing target that ends the pipeline.
const StageEnd = "end"

// PipelineConfig describes a pipeline as an ordered stage/agent graph with
// routing and loop rules, plus the execution bounds bound to each run.
type PipelineConfig struct {
	Name   string         `json:"name"`
	Agents []*AgentConfig `json:"agents"`

	MaxIterations         int `json:"max_iterations"`
	MaxLLMCalls           int `json:"max_llm_calls"`
	MaxAgentHops          int `json:"max_agent_hops"`
	DefaultTimeoutSeconds int `json:"default_timeout_seconds"`

	// EdgeLimits bounds traversals of individual "from->to" edges; loop-back
	// routes hit their edge limit before the global iteration bound does.
	EdgeLimits       map[string]int `json:"edge_limits,omitempty"`
	DefaultEdgeLimit int            `json:"default_edge_limit,omitempty"`

	// Computed at validation time.
	topologicalOrder []string
	adjacencyList    map[string][]string
}

// NewPipelineConfig creates a pipeline config with default bounds.
func NewPipelineConfig(name string) *PipelineConfig {
	return &PipelineConfig{
		Name:                  name,
		Agents:                make([]*AgentConfig, 0),
		MaxIterations:         3,
		MaxLLMCalls:           10,
		MaxAgentHops:          21,
		DefaultTimeoutSeconds: 300,
		DefaultEdgeLimit:      3,
	}
}

// AddAgent validates and appends an agent to the pipeline.
func (p *PipelineConfig) AddAgent(agent *AgentConfig) error {
	if err := agent.Validate(); err != nil {
		return err
	}
	p.Agents = append(p.Agents, agent)
	return nil
}

// Validate checks the whole pipeline: agent validity, unique names, routing
// targets, and dependency acyclicity.
func (p *PipelineConfig) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("PipelineConfig.Name is required")
	}
	if len(p.Agents) == 0 {
		return fmt.Errorf("pipeline %q has no agents", p.Name)
	}

	sort.SliceStable(p.Agents, func(i, j int) bool {
		return p.Agents[i].StageOrder < p.Agents[j].StageOrder
	})

	names := make(map[string]bool)
	for _, agent := range p.Agents {
		if err := agent.Validate(); err != nil {
			return err
		}
		if names[agent.Name] {
			return fmt.Errorf("duplicate agent name: %s", agent.Name)
		}
		names[agent.Name] = true
	}

	validTargets := make(map[string]bool, len(names)+1)
	for name := range names {
		validTargets[name] = true
	}
	validTargets[StageEnd] = true

	for _, agent := range p.Agents {
		for _, rule := range agent.RoutingRules {
			if !validTargets[rule.Target] {
				return fmt.Errorf("agent %q routes to unknown target %q", agent.Name, rule.Target)
			}
		}
		if agent.DefaultNext != "" && !validTargets[agent.DefaultNext] {
			return fmt.Errorf("agent %q default_next %q not found", agent.Name, agent.DefaultNext)
		}
		if agent.ErrorNext != "" && !validTargets[agent.ErrorNext] {
			return fmt.Errorf("agent %q error_next %q not found", agent.Name, agent.ErrorNext)
		}
	}

	return p.validateDependencies(names)
}

// validateDependencies checks dependency references and computes the
// topological order via Kahn's algorithm, rejecting cycles.
func (p *PipelineConfig) validateDependencies(validNames map[string]bool) error {
	for _, agent := range p.Agents {
		for _, dep := range agent.Dependencies() {
			if !validNames[dep] {
				return fmt.Errorf("agent %q depends on unknown stage %q", agent.Name, dep)
			}
			if dep == agent.Name {
				return fmt.Errorf("agent %q cannot depend on itself", agent.Name)
			}
		}
		for _, dep := range agent.RunsWith {
			if !validNames[dep] {
				return fmt.Errorf("agent %q runs_with unknown stage %q", agent.Name, dep)
			}
		}
	}

	p.adjacencyList = make(map[string][]string)
	inDegree := make(map[string]int)
	for _, agent := range p.Agents {
		p.adjacencyList[agent.Name] = []string{}
		inDegree[agent.Name] = 0
	}
	for _, agent := range p.Agents {
		for _, dep := range agent.Dependencies() {
			p.adjacencyList[dep] = append(p.adjacencyList[dep], agent.Name)
			inDegree[agent.Name]++
		}
	}

	queue := make([]string, 0)
	for _, agent := range p.Agents {
		if inDegree[agent.Name] == 0 {
			queue = append(queue, agent.Name)
		}
	}

	p.topologicalOrder = make([]string, 0, len(p.Agents))
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		p.topologicalOrder = append(p.topologicalOrder, current)
		for _, dependent := range p.adjacencyList[current] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if len(p.topologicalOrder) != len(p.Agents) {
		cycleNodes := []string{}
		for name, degree := range inDegree {
			if degree > 0 {
				cycleNodes = append(cycleNodes, name)
			}
		}
		sort.Strings(cycleNodes)
		return fmt.Errorf("dependency cycle detected involving stages: %v", cycleNodes)
	}
	return nil
}

// TopologicalOrder returns the order computed during Validate, or nil.
func (p *PipelineConfig) TopologicalOrder() []string {
	return p.topologicalOrder
}

// GetReadyStages returns stages whose prerequisites are satisfied by the
// given completed set and which have not themselves completed.
func (p *PipelineConfig) GetReadyStages(completed map[string]bool) []string {
	ready := make([]string, 0)
	for _, agent := range p.Agents {
		if completed[agent.Name] {
			continue
		}

		requiresSatisfied := true
		for _, req := range agent.Requires {
			if !completed[req] {
				requiresSatisfied = false
				break
			}
		}
		if agent.JoinStrategy == JoinAny && len(agent.Requires) > 0 {
			requiresSatisfied = false
			for _, req := range agent.Requires {
				if completed[req] {
					requiresSatisfied = true
					break
				}
			}
		}

		afterSatisfied := true
		for _, after := range agent.After {
			if !completed[after] {
				afterSatisfied = false
				break
			}
		}

		if requiresSatisfied && afterSatisfied {
			ready = append(ready, agent.Name)
		}
	}
	return ready
}

// MayRunWith reports whether two stages are declared safe to execute
// concurrently. The declaration counts in either direction.
func (p *PipelineConfig) MayRunWith(a, b string) bool {
	for _, pair := range [][2]string{{a, b}, {b, a}} {
		agent := p.GetAgent(pair[0])
		if agent == nil {
			continue
		}
		for _, name := range agent.RunsWith {
			if name == pair[1] {
				return true
			}
		}
	}
	return false
}

// GetAgent returns the agent config with the given name, or nil.
func (p *PipelineConfig) GetAgent(name string) *AgentConfig {
	for _, agent := range p.Agents {
		if agent.Name == name {
			return agent
		}
	}
	return nil
}

// GetStageOrder returns the agent names in pipeline order.
func (p *PipelineConfig) GetStageOrder() []string {
	order := make([]string, len(p.Agents))
	for i, agent := range p.Agents {
		order[i] = agent.Name
	}
	return order
}

// GetEdgeLimit returns the traversal ceiling for the from->to edge.
func (p *PipelineConfig) GetEdgeLimit(from, to string) int {
	if limit, ok := p.EdgeLimits[from+"->"+to]; ok {
		return limit
	}
	return p.DefaultEdgeLimit
}

// IsLoopBack reports whether routing from one stage to another moves
// backwards in the pipeline order.
func (p *PipelineConfig) IsLoopBack(from, to string) bool {
	fromIdx, toIdx := -1, -1
	for i, agent := range p.Agents {
		if agent.Name == from {
			fromIdx = i
		}
		if agent.Name == to {
			toIdx = i
		}
	}
	return fromIdx >= 0 && toIdx >= 0 && toIdx <= fromIdx
}
