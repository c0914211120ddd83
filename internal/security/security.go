// Package security decides which commands a host exposes to remote clients.
package security

import (
	"maps"
	"slices"
	"sync"

	"github.com/wagiedev/hostbridge-go/internal/registry"
)

// Setting names an opt-in capability a command may require.
type Setting string

const (
	// SettingShell allows commands that spawn processes.
	SettingShell Setting = "allowShellCommands"
	// SettingFileWrite allows commands that modify project files.
	SettingFileWrite Setting = "allowFileWrites"
	// SettingMenuExecution allows commands that trigger arbitrary host menu items.
	SettingMenuExecution Setting = "allowMenuExecution"
	// SettingCodeExecution allows commands that evaluate code inside the host.
	SettingCodeExecution Setting = "allowCodeExecution"
)

// Settings is the serialisable form of a Policy.
type Settings struct {
	Enabled         []Setting `json:"enabled,omitempty" yaml:"enabled" toml:"enabled"`
	Blocked         []string  `json:"blocked,omitempty" yaml:"blocked" toml:"blocked"`
	DevelopmentMode bool      `json:"developmentMode,omitempty" yaml:"development_mode" toml:"development_mode"`
}

// Policy is a mutable, concurrency-safe security predicate.
type Policy struct {
	mu          sync.RWMutex
	enabled     map[Setting]bool
	blocked     map[string]bool
	development bool
}

// NewPolicy creates a policy from settings.
func NewPolicy(s Settings) *Policy {
	p := &Policy{}
	p.Apply(s)

	return p
}

// Apply replaces the policy state with s.
func (p *Policy) Apply(s Settings) {
	enabled := make(map[Setting]bool, len(s.Enabled))
	for _, setting := range s.Enabled {
		enabled[setting] = true
	}

	blocked := make(map[string]bool, len(s.Blocked))
	for _, name := range s.Blocked {
		blocked[registry.NormalizeName(name)] = true
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.enabled = enabled
	p.blocked = blocked
	p.development = s.DevelopmentMode
}

// Settings returns a copy of the current state.
func (p *Policy) Settings() Settings {
	p.mu.RLock()
	defer p.mu.RUnlock()

	enabled := slices.Sorted(maps.Keys(p.enabled))
	blocked := slices.Sorted(maps.Keys(p.blocked))

	return Settings{Enabled: enabled, Blocked: blocked, DevelopmentMode: p.development}
}

// Enable turns on a setting.
func (p *Policy) Enable(s Setting) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.enabled[s] = true
}

// Disable turns off a setting.
func (p *Policy) Disable(s Setting) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.enabled, s)
}

// Block hides a command by name regardless of its settings.
func (p *Policy) Block(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.blocked[registry.NormalizeName(name)] = true
}

// Allows reports whether d may be listed and executed.
func (p *Policy) Allows(d *registry.Descriptor) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.blocked[registry.NormalizeName(d.Name)] {
		return false
	}

	if d.DevelopmentOnly && !p.development {
		return false
	}

	if d.RequiredSecuritySetting == "" {
		return true
	}

	return p.enabled[Setting(d.RequiredSecuritySetting)]
}

// Predicate returns Allows as a registry predicate.
func (p *Policy) Predicate() registry.Predicate {
	return p.Allows
}
