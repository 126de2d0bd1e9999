package multiagent

import "time"

// SwarmRole records the role an AGENTS.md-defined agent was authored
// for, in the vocabulary the manifest format already uses. Execution
// itself happens in internal/orchestrator's wave scheduler, not here;
// this package only parses and validates agent manifests (config.go)
// for the "nexus agents" CLI surface, so the role is carried through
// as metadata rather than driving any scheduling decision.
type SwarmRole string

const (
	RoleGatherer    SwarmRole = "gatherer"
	RoleProcessor   SwarmRole = "processor"
	RoleSynthesizer SwarmRole = "synthesizer"
	RoleValidator   SwarmRole = "validator"
)

// SwarmConfig is the AGENTS.md/YAML-manifest knob for how many agents
// listed in a manifest may be handed to the orchestrator's wave
// scheduler at once, and how their shared-context backend is
// described in the manifest. The orchestrator reads AgentDefinition
// values resolved through this config; it does not execute SwarmConfig
// itself.
type SwarmConfig struct {
	Enabled           bool                     `json:"enabled" yaml:"enabled"`
	MaxParallelAgents int                      `json:"max_parallel_agents,omitempty" yaml:"max_parallel_agents"`
	SharedContext     SwarmSharedContextConfig `json:"shared_context,omitempty" yaml:"shared_context"`
}

// SwarmSharedContextConfig names the shared-context backend a manifest
// declares. Only "memory" is implemented; other values round-trip
// through config parsing without effect.
type SwarmSharedContextConfig struct {
	Backend string        `json:"backend,omitempty" yaml:"backend"` // memory, redis (future)
	TTL     time.Duration `json:"ttl,omitempty" yaml:"ttl"`
}
