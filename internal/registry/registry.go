package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/wagiedev/hostbridge-go/internal/errors"
)

// Descriptor is the metadata advertised for a command.
type Descriptor struct {
	Name                    string             `json:"name"`
	Description             string             `json:"description"`
	ParameterSchema         *jsonschema.Schema `json:"parameterSchema,omitempty"`
	RequiredSecuritySetting string             `json:"requiredSecuritySetting,omitempty"`
	DevelopmentOnly         bool               `json:"developmentOnly,omitempty"`

	// Internal commands serve the protocol itself and are never advertised
	// as tools.
	Internal bool `json:"-"`
}

// Caller identifies the connected client that issued an invocation.
type Caller struct {
	ConnectionID string
	Endpoint     string
	ProcessID    int
	ClientName   string
}

// Invocation is everything a handler learns about one call.
type Invocation struct {
	Command   string
	Params    json.RawMessage
	Caller    Caller
	RequestID string

	// Timeout is advisory. The dispatcher does not cancel handlers that
	// exceed it; long-running handlers are expected to honour it themselves.
	Timeout time.Duration
}

// Bind unmarshals the invocation params into v. Empty params leave v untouched.
func (inv *Invocation) Bind(v any) error {
	if len(inv.Params) == 0 || string(inv.Params) == "null" {
		return nil
	}

	if err := json.Unmarshal(inv.Params, v); err != nil {
		return fmt.Errorf("%w: %v", errors.ErrInvalidParams, err)
	}

	return nil
}

// Handler executes a command.
type Handler interface {
	Execute(ctx context.Context, inv *Invocation) (any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, inv *Invocation) (any, error)

// Execute implements Handler.
func (f HandlerFunc) Execute(ctx context.Context, inv *Invocation) (any, error) {
	return f(ctx, inv)
}

// Predicate decides whether a descriptor may be listed or executed.
type Predicate func(d *Descriptor) bool

// AllowAll is a Predicate that accepts every descriptor.
func AllowAll(*Descriptor) bool { return true }

type entry struct {
	descriptor Descriptor
	handler    Handler
	typeKey    string
}

// Registry is a concurrency-safe command table keyed by lower-cased name.
type Registry struct {
	log *slog.Logger

	mu      sync.RWMutex
	entries map[string]*entry
	types   map[string]string

	listenersMu sync.RWMutex
	listeners   []func()
}

// New creates an empty registry.
func New(log *slog.Logger) *Registry {
	return &Registry{
		log:     log.With("component", "registry"),
		entries: make(map[string]*entry, 16),
		types:   make(map[string]string, 16),
	}
}

// NormalizeName returns the canonical registry key for a command name.
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Register adds or replaces a command.
func (r *Registry) Register(d Descriptor, h Handler) error {
	return r.register(d, h, "")
}

func (r *Registry) register(d Descriptor, h Handler, typeKey string) error {
	name := NormalizeName(d.Name)
	if name == "" {
		return fmt.Errorf("register command: empty name")
	}

	if h == nil {
		return fmt.Errorf("register command %s: nil handler", name)
	}

	d.Name = name

	r.mu.Lock()

	if old, ok := r.entries[name]; ok {
		r.log.Debug("Replacing command", "command", name)

		if old.typeKey != "" {
			delete(r.types, old.typeKey)
		}
	}

	r.entries[name] = &entry{descriptor: d, handler: h, typeKey: typeKey}

	if typeKey != "" {
		r.types[typeKey] = name
	}

	r.mu.Unlock()

	r.log.Debug("Registered command", "command", name)
	r.notify()

	return nil
}

// Unregister removes a command. It reports whether the command existed.
func (r *Registry) Unregister(name string) bool {
	name = NormalizeName(name)

	r.mu.Lock()

	old, ok := r.entries[name]
	if ok {
		delete(r.entries, name)

		if old.typeKey != "" {
			delete(r.types, old.typeKey)
		}
	}

	r.mu.Unlock()

	if ok {
		r.log.Debug("Unregistered command", "command", name)
		r.notify()
	}

	return ok
}

// Reset removes every command. Used when the host reloads.
func (r *Registry) Reset() {
	r.mu.Lock()
	clear(r.entries)
	clear(r.types)
	r.mu.Unlock()

	r.notify()
}

// Resolve looks up a command by name.
func (r *Registry) Resolve(name string) (Handler, Descriptor, error) {
	key := NormalizeName(name)

	r.mu.RLock()
	e, ok := r.entries[key]
	r.mu.RUnlock()

	if !ok {
		return nil, Descriptor{}, fmt.Errorf("%w: %s", errors.ErrUnknownCommand, name)
	}

	return e.handler, e.descriptor, nil
}

// List returns descriptors accepted by allow, sorted by name.
// A nil predicate lists everything.
func (r *Registry) List(allow Predicate) []Descriptor {
	if allow == nil {
		allow = AllowAll
	}

	r.mu.RLock()

	result := make([]Descriptor, 0, len(r.entries))
	for _, e := range r.entries {
		if allow(&e.descriptor) {
			result = append(result, e.descriptor)
		}
	}

	r.mu.RUnlock()

	slices.SortFunc(result, func(a, b Descriptor) int {
		return strings.Compare(a.Name, b.Name)
	})

	return result
}

// Len returns the number of registered commands.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.entries)
}

// HasType reports whether a command of the given discovered type is registered.
func (r *Registry) HasType(typeKey string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.types[typeKey]

	return ok
}

// OnChange registers fn to run after every mutation. Listeners run on the
// mutating goroutine after the registry lock is released.
func (r *Registry) OnChange(fn func()) {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()

	r.listeners = append(r.listeners, fn)
}

func (r *Registry) notify() {
	r.listenersMu.RLock()
	listeners := slices.Clone(r.listeners)
	r.listenersMu.RUnlock()

	for _, fn := range listeners {
		fn()
	}
}
