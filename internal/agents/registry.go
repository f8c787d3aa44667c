// Package agents holds the fixed set of review agent definitions and
// the dispatcher that fans a diff out to them.
package agents

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/joescharf/critic/internal/models"
)

//go:embed roles.yaml
var rolesYAML []byte

// Role defines one review agent: its name and the system prompt that
// shapes its analysis.
type Role struct {
	Name   string `yaml:"name"`
	Title  string `yaml:"title"`
	Prompt string `yaml:"prompt"`
}

// Registry holds the fixed agent role table. Roles are loaded once from
// the embedded definition file and never mutated.
type Registry struct {
	roles []Role
	index map[string]Role
}

// NewRegistry loads the embedded role definitions. The set must match
// models.AgentNames exactly; a drifted definition file is a build
// defect, not a runtime condition.
func NewRegistry() (*Registry, error) {
	var doc struct {
		Roles []Role `yaml:"roles"`
	}
	if err := yaml.Unmarshal(rolesYAML, &doc); err != nil {
		return nil, fmt.Errorf("parse role definitions: %w", err)
	}

	index := make(map[string]Role, len(doc.Roles))
	for _, role := range doc.Roles {
		if role.Name == "" || role.Prompt == "" {
			return nil, fmt.Errorf("role definition missing name or prompt: %+v", role)
		}
		index[role.Name] = role
	}
	for _, name := range models.AgentNames {
		if _, ok := index[name]; !ok {
			return nil, fmt.Errorf("role definition missing for agent %q", name)
		}
	}
	if len(doc.Roles) != len(models.AgentNames) {
		return nil, fmt.Errorf("expected %d roles, got %d", len(models.AgentNames), len(doc.Roles))
	}

	return &Registry{roles: doc.Roles, index: index}, nil
}

// Get returns the role for an agent name.
func (r *Registry) Get(name string) (Role, bool) {
	role, ok := r.index[name]
	return role, ok
}

// Roles returns all roles in priority order (security, logic,
// performance, style).
func (r *Registry) Roles() []Role {
	ordered := make([]Role, 0, len(models.AgentNames))
	for _, name := range models.AgentNames {
		ordered = append(ordered, r.index[name])
	}
	return ordered
}
