package models

import "time"

// OwnerType distinguishes personal and organization installations.
type OwnerType string

const (
	OwnerTypeUser         OwnerType = "User"
	OwnerTypeOrganization OwnerType = "Organization"
)

// AgentNames is the fixed set of review agents, in priority order.
// The order matters: when two agents report the same finding at the
// same severity, the one listed earlier wins during deduplication.
var AgentNames = []string{"security", "logic", "performance", "style"}

// Settings holds per-installation review configuration.
type Settings struct {
	Agents      map[string]bool `json:"agents"`
	AutoApprove bool            `json:"auto_approve"`
}

// DefaultSettings returns settings with every agent enabled and
// auto-approve off.
func DefaultSettings() Settings {
	agents := make(map[string]bool, len(AgentNames))
	for _, name := range AgentNames {
		agents[name] = true
	}
	return Settings{Agents: agents}
}

// Normalize returns a copy containing exactly the known agent keys.
// Missing keys default to enabled; unknown keys are dropped.
func (s Settings) Normalize() Settings {
	agents := make(map[string]bool, len(AgentNames))
	for _, name := range AgentNames {
		enabled, ok := s.Agents[name]
		if !ok {
			enabled = true
		}
		agents[name] = enabled
	}
	return Settings{Agents: agents, AutoApprove: s.AutoApprove}
}

// EnabledAgents returns the enabled agent names in priority order.
func (s Settings) EnabledAgents() []string {
	norm := s.Normalize()
	var enabled []string
	for _, name := range AgentNames {
		if norm.Agents[name] {
			enabled = append(enabled, name)
		}
	}
	return enabled
}

// Installation is a connected repository owner's configuration and
// credential record. Uninstalls disable the row rather than delete it
// so review history survives.
type Installation struct {
	ID              string
	ExternalID      int64 // installation ID assigned by GitHub, unique
	OwnerLogin      string
	OwnerType       OwnerType
	EncryptedAPIKey []byte // sealed by the vault, empty when not configured
	Enabled         bool
	Settings        Settings
	CreatedAt       time.Time
	UpdatedAt       time.Time
}
