package protocol

import "encoding/json"

// AgentCard is the static self-description served at /.well-known/agent.json.
// Field names use camelCase JSON tags to match the agent-to-agent dialect.
type AgentCard struct {
	// Name is the human-readable agent name (one per role).
	Name string `json:"name"`
	// Description is a short human-readable description of the agent.
	Description string `json:"description"`
	// Version is the agent implementation version.
	Version string `json:"version"`
	// URL is the absolute URL of the JSON-RPC protocol endpoint (…/a2a).
	URL string `json:"url"`
	// Provider identifies the operating organisation.
	Provider Provider `json:"provider"`
	// Skills enumerates the skills the agent exposes via message/send.
	Skills []SkillDescriptor `json:"skills"`
}

// Provider identifies the organisation operating an agent.
type Provider struct {
	Organization string `json:"organization"`
	URL          string `json:"url"`
}

// SkillDescriptor is the card entry for a single skill.
type SkillDescriptor struct {
	// ID is the canonical skill identifier, e.g. "fetch_posts".
	ID string `json:"id"`
	// Name is the human-readable skill name.
	Name string `json:"name"`
	// Description explains what the skill does.
	Description string `json:"description,omitempty"`
	// Tags are optional labels describing the skill.
	Tags []string `json:"tags,omitempty"`
	// InputModes and OutputModes list the supported content modes. All skills
	// here speak JSON only.
	InputModes  []string `json:"inputModes"`
	OutputModes []string `json:"outputModes"`
	// Examples contains example parameter documents.
	Examples []string `json:"examples,omitempty"`
	// Parameters is an informal JSON schema of the skill parameters.
	Parameters json.RawMessage `json:"parameters,omitempty"`
}
