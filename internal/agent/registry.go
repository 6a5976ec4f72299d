// Package agent holds the static registry of agent definitions this
// server can dispatch to, grounded on the teacher's
// registry.AgentTypeConfig (internal/agent/registry/defaults.go)
// generalized from a Docker image reference to a local worker-cli command
// line, since the spec's worker is a child process, not a container.
package agent

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Definition describes one agent this server can route A2A messages to:
// which worker command to spawn, how to constrain it, and who may
// address it.
type Definition struct {
	Name               string   `yaml:"name"`
	Description        string   `yaml:"description"`
	Command            string   `yaml:"command"`
	Args               []string `yaml:"args"`
	Model              string   `yaml:"model"`
	SettingsFile       string   `yaml:"settingsFile"`
	PermissionMode     string   `yaml:"permissionMode"`
	AllowedTools       []string `yaml:"allowedTools"`
	MaxTurnCostUSD     float64  `yaml:"maxTurnCostUsd"`
	SystemPromptSuffix string   `yaml:"systemPromptSuffix"`
	WorkDir            string   `yaml:"workDir"`
	RequiredScopes     []string `yaml:"requiredScopes"`
	Enabled            bool     `yaml:"enabled"`
}

// WorkerArgs assembles the worker-cli command line for this agent: any
// literal args from configuration, the stream-json protocol-mode flags,
// and one flag per constraint the definition sets.
func (d *Definition) WorkerArgs() []string {
	args := append([]string{}, d.Args...)
	args = append(args,
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--verbose",
	)
	if d.Model != "" {
		args = append(args, "--model", d.Model)
	}
	if d.SettingsFile != "" {
		args = append(args, "--settings", d.SettingsFile)
	}
	if d.PermissionMode != "" {
		args = append(args, "--permission-mode", d.PermissionMode)
	}
	if len(d.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(d.AllowedTools, ","))
	}
	if d.MaxTurnCostUSD > 0 {
		args = append(args, "--max-cost", strconv.FormatFloat(d.MaxTurnCostUSD, 'f', -1, 64))
	}
	if d.SystemPromptSuffix != "" {
		args = append(args, "--append-system-prompt", d.SystemPromptSuffix)
	}
	return args
}

// Registry is the set of configured Definitions, keyed by name. order
// preserves configuration order so agent selection (e.g. the first
// enabled agent for a brand-new conversation) is deterministic rather
// than dependent on map iteration.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]*Definition
	order  []string
}

// LoadFromFile parses a YAML agent-definition file, the way §3's agent
// registry is expected to be configured in SPEC_FULL's AgentsConfig.
func LoadFromFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("agent: reading registry file: %w", err)
	}

	var defs []*Definition
	if err := yaml.Unmarshal(data, &defs); err != nil {
		return nil, fmt.Errorf("agent: parsing registry file: %w", err)
	}

	r := &Registry{byName: make(map[string]*Definition)}
	for _, d := range defs {
		r.byName[d.Name] = d
		r.order = append(r.order, d.Name)
	}
	return r, nil
}

// New constructs a Registry holding defs in the order given (empty when
// none are passed), for tests and programmatic wiring.
func New(defs ...*Definition) *Registry {
	r := &Registry{byName: make(map[string]*Definition)}
	for _, d := range defs {
		r.byName[d.Name] = d
		r.order = append(r.order, d.Name)
	}
	return r
}

// Get looks up an agent by name.
func (r *Registry) Get(name string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byName[name]
	return d, ok
}

// Enabled lists every enabled Definition, for the public agent-card
// discovery document.
func (r *Registry) Enabled() []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Definition
	for _, d := range r.byName {
		if d.Enabled {
			out = append(out, d)
		}
	}
	return out
}

// All lists every configured Definition, enabled or not, for the admin
// surface's GET /admin/agents.
func (r *Registry) All() []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Definition, 0, len(r.byName))
	for _, d := range r.byName {
		out = append(out, d)
	}
	return out
}

// FirstEnabled returns the first enabled Definition in configuration
// order, used to pick a default agent when a new conversation's message
// does not name one.
func (r *Registry) FirstEnabled() (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range r.order {
		if d := r.byName[name]; d.Enabled {
			return d, true
		}
	}
	return nil, false
}
