package core

import (
	"fmt"
	"sort"
)

// BlockType identifies the coordination pattern a block runs under.
type BlockType string

const (
	BlockSequential   BlockType = "sequential"
	BlockParallel     BlockType = "parallel"
	BlockHierarchical BlockType = "hierarchical"
	BlockDebate       BlockType = "debate"
	BlockRouting      BlockType = "routing"
	BlockReflection   BlockType = "reflection"
)

// ValidBlockTypes lists all supported block types.
var ValidBlockTypes = []BlockType{
	BlockSequential, BlockParallel, BlockHierarchical,
	BlockDebate, BlockRouting, BlockReflection,
}

// AgentRole identifies an agent's function within a block.
type AgentRole string

const (
	RoleWorker     AgentRole = "worker"
	RoleManager    AgentRole = "manager"
	RoleSpecialist AgentRole = "specialist"
	RoleModerator  AgentRole = "moderator"
	RoleRouter     AgentRole = "router"
	RoleReflector  AgentRole = "reflector"
	RoleAggregator AgentRole = "aggregator"
)

// AgentDef defines one LLM agent inside a block.
type AgentDef struct {
	Name         string    `json:"name" yaml:"name"`
	Role         AgentRole `json:"role" yaml:"role"`
	SystemPrompt string    `json:"system_prompt" yaml:"system_prompt"`
	UseTools     bool      `json:"use_tools" yaml:"use_tools"`
	Model        string    `json:"model,omitempty" yaml:"model,omitempty"`
}

// Block is one node in a design.
type Block struct {
	ID                     string     `json:"id" yaml:"id"`
	Type                   BlockType  `json:"type" yaml:"type"`
	Agents                 []AgentDef `json:"agents" yaml:"agents"`
	Task                   string     `json:"task" yaml:"task"`
	GitRepo                string     `json:"git_repo,omitempty" yaml:"git_repo,omitempty"`
	IsolateAgentWorkspaces bool       `json:"isolate_agent_workspaces,omitempty" yaml:"isolate_agent_workspaces,omitempty"`
	Rounds                 int        `json:"rounds,omitempty" yaml:"rounds,omitempty"`
}

// ConnectionKind distinguishes block-level from agent-level data flow.
type ConnectionKind string

const (
	ConnBlock ConnectionKind = "block"
	ConnAgent ConnectionKind = "agent"
)

// Connection is a directed data-flow edge between two blocks.
type Connection struct {
	SourceBlock string         `json:"source_block" yaml:"source_block"`
	TargetBlock string         `json:"target_block" yaml:"target_block"`
	SourceAgent string         `json:"source_agent,omitempty" yaml:"source_agent,omitempty"`
	TargetAgent string         `json:"target_agent,omitempty" yaml:"target_agent,omitempty"`
	Kind        ConnectionKind `json:"kind" yaml:"kind"`
}

// Design is a DAG of blocks with connections.
type Design struct {
	ID          string       `json:"id" yaml:"id"`
	Blocks      []Block      `json:"blocks" yaml:"blocks"`
	Connections []Connection `json:"connections,omitempty" yaml:"connections,omitempty"`
}

// Agent looks up an agent by name within the block.
func (b *Block) Agent(name string) (*AgentDef, bool) {
	for i := range b.Agents {
		if b.Agents[i].Name == name {
			return &b.Agents[i], true
		}
	}
	return nil, false
}

// AgentsByRole returns the block's agents holding the given role,
// in declaration order.
func (b *Block) AgentsByRole(role AgentRole) []AgentDef {
	var out []AgentDef
	for _, a := range b.Agents {
		if a.Role == role {
			out = append(out, a)
		}
	}
	return out
}

// Block looks up a block by id.
func (d *Design) Block(id string) (*Block, bool) {
	for i := range d.Blocks {
		if d.Blocks[i].ID == id {
			return &d.Blocks[i], true
		}
	}
	return nil, false
}

// Validate checks structural invariants: unique agent names per block,
// role requirements per block type, connection endpoints, and acyclicity.
func (d *Design) Validate() error {
	if len(d.Blocks) == 0 {
		return ErrInvalidDesign(CodeNoAgents, "design has no blocks")
	}

	seen := make(map[string]bool, len(d.Blocks))
	for i := range d.Blocks {
		b := &d.Blocks[i]
		if b.ID == "" {
			return ErrInvalidDesign(CodeUnknownBlock, "block without id")
		}
		if seen[b.ID] {
			return ErrInvalidDesign(CodeUnknownBlock, fmt.Sprintf("duplicate block id %q", b.ID))
		}
		seen[b.ID] = true
		if err := b.validate(); err != nil {
			return err
		}
	}

	for _, c := range d.Connections {
		if err := d.validateConnection(c); err != nil {
			return err
		}
	}

	return d.checkAcyclic()
}

func (b *Block) validate() error {
	valid := false
	for _, t := range ValidBlockTypes {
		if b.Type == t {
			valid = true
			break
		}
	}
	if !valid {
		return ErrInvalidDesign("INVALID_BLOCK_TYPE", fmt.Sprintf("block %s: unknown type %q", b.ID, b.Type))
	}
	if len(b.Agents) == 0 {
		return ErrInvalidDesign(CodeNoAgents, fmt.Sprintf("block %s has no agents", b.ID))
	}

	names := make(map[string]bool, len(b.Agents))
	for _, a := range b.Agents {
		if a.Name == "" {
			return ErrInvalidDesign(CodeDuplicateAgent, fmt.Sprintf("block %s: agent without name", b.ID))
		}
		if names[a.Name] {
			return ErrInvalidDesign(CodeDuplicateAgent, fmt.Sprintf("block %s: duplicate agent name %q", b.ID, a.Name))
		}
		names[a.Name] = true
	}

	return b.validateRoles()
}

// validateRoles enforces the role requirements of each pattern.
func (b *Block) validateRoles() error {
	switch b.Type {
	case BlockHierarchical:
		if n := len(b.AgentsByRole(RoleManager)); n != 1 {
			return ErrInvalidDesign(CodeMissingRole, fmt.Sprintf("block %s: hierarchical requires exactly one manager, got %d", b.ID, n))
		}
		if len(b.Agents) < 2 {
			return ErrInvalidDesign(CodeMissingRole, fmt.Sprintf("block %s: hierarchical requires at least one worker", b.ID))
		}
	case BlockRouting:
		if n := len(b.AgentsByRole(RoleRouter)); n != 1 {
			return ErrInvalidDesign(CodeMissingRole, fmt.Sprintf("block %s: routing requires exactly one router, got %d", b.ID, n))
		}
		if len(b.AgentsByRole(RoleSpecialist)) < 1 {
			return ErrInvalidDesign(CodeMissingRole, fmt.Sprintf("block %s: routing requires at least one specialist", b.ID))
		}
	case BlockDebate:
		if len(b.participants()) < 2 {
			return ErrInvalidDesign(CodeMissingRole, fmt.Sprintf("block %s: debate requires at least two participants", b.ID))
		}
	case BlockReflection:
		if len(b.AgentsByRole(RoleReflector)) < 1 {
			return ErrInvalidDesign(CodeMissingRole, fmt.Sprintf("block %s: reflection requires a reflector", b.ID))
		}
		if len(b.Agents) < 2 {
			return ErrInvalidDesign(CodeMissingRole, fmt.Sprintf("block %s: reflection requires a worker and a reflector", b.ID))
		}
	}
	return nil
}

// participants returns debate participants: non-moderator agents.
func (b *Block) participants() []AgentDef {
	var out []AgentDef
	for _, a := range b.Agents {
		if a.Role != RoleModerator {
			out = append(out, a)
		}
	}
	return out
}

func (d *Design) validateConnection(c Connection) error {
	if c.SourceBlock == c.TargetBlock {
		return ErrInvalidDesign(CodeSelfLoop, fmt.Sprintf("self-loop on block %q", c.SourceBlock))
	}
	src, ok := d.Block(c.SourceBlock)
	if !ok {
		return ErrInvalidDesign(CodeUnknownBlock, fmt.Sprintf("connection references unknown block %q", c.SourceBlock))
	}
	dst, ok := d.Block(c.TargetBlock)
	if !ok {
		return ErrInvalidDesign(CodeUnknownBlock, fmt.Sprintf("connection references unknown block %q", c.TargetBlock))
	}
	if c.Kind == ConnAgent {
		if c.SourceAgent != "" {
			if _, ok := src.Agent(c.SourceAgent); !ok {
				return ErrInvalidDesign(CodeUnknownAgent, fmt.Sprintf("connection source agent %q not in block %q", c.SourceAgent, src.ID))
			}
		}
		if c.TargetAgent == "" {
			return ErrInvalidDesign(CodeUnknownAgent, "agent connection without target agent")
		}
		if _, ok := dst.Agent(c.TargetAgent); !ok {
			return ErrInvalidDesign(CodeUnknownAgent, fmt.Sprintf("connection target agent %q not in block %q", c.TargetAgent, dst.ID))
		}
	}
	return nil
}

// checkAcyclic rejects cycles via DFS over the block graph.
func (d *Design) checkAcyclic() error {
	adj := make(map[string][]string)
	for _, c := range d.Connections {
		adj[c.SourceBlock] = append(adj[c.SourceBlock], c.TargetBlock)
	}

	visited := make(map[string]bool)
	recStack := make(map[string]bool)

	var dfs func(id string) bool
	dfs = func(id string) bool {
		visited[id] = true
		recStack[id] = true
		for _, next := range adj[id] {
			if !visited[next] {
				if dfs(next) {
					return true
				}
			} else if recStack[next] {
				return true
			}
		}
		recStack[id] = false
		return false
	}

	for _, b := range d.Blocks {
		if !visited[b.ID] {
			if dfs(b.ID) {
				return ErrInvalidDesign(CodeCycleDetected, "design graph contains a cycle")
			}
		}
	}
	return nil
}

// Upstream returns connections targeting the given block, ordered by
// source block id for deterministic input aggregation.
func (d *Design) Upstream(blockID string) []Connection {
	var out []Connection
	for _, c := range d.Connections {
		if c.TargetBlock == blockID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceBlock < out[j].SourceBlock })
	return out
}
