package registry

import (
	"fmt"
	"reflect"
	"slices"
	"strings"
	"sync"

	"github.com/wagiedev/hostbridge-go/internal/errors"
)

// Command is a self-describing handler that discovery can instantiate.
type Command interface {
	Handler
	Descriptor() Descriptor
}

// Marker flags a type as a discoverable command. Embed it in the command
// struct; unmarked types are rejected by Discover.
type Marker struct{}

// IsBridgeCommand implements the discovery marker.
func (Marker) IsBridgeCommand() {}

type marked interface {
	IsBridgeCommand()
}

var markedType = reflect.TypeFor[marked]()

// Candidate describes a type offered to discovery.
type Candidate struct {
	// TypeName is the fully qualified type name; registration is idempotent per TypeName.
	TypeName string
	// Namespace is the package path used for allow-list checks.
	Namespace string
	Marked    bool
	Abstract  bool
	// New constructs an instance. A nil New marks the type as not constructible.
	New func() Command
}

// CandidateFor builds a candidate for T by reflection. T may be a struct
// type or a pointer to one; interface types produce abstract candidates.
func CandidateFor[T Command]() Candidate {
	t := reflect.TypeFor[T]()

	if t.Kind() == reflect.Interface {
		return Candidate{
			TypeName:  t.PkgPath() + "." + t.Name(),
			Namespace: t.PkgPath(),
			Abstract:  true,
		}
	}

	base := t
	if base.Kind() == reflect.Pointer {
		base = base.Elem()
	}

	c := Candidate{
		TypeName:  base.PkgPath() + "." + base.Name(),
		Namespace: base.PkgPath(),
		Marked:    t.Implements(markedType),
	}

	if t.Kind() == reflect.Pointer {
		c.New = func() Command {
			v, _ := reflect.New(base).Interface().(Command)

			return v
		}
	} else {
		c.New = func() Command {
			var zero T

			return zero
		}
	}

	return c
}

// Source yields discovery candidates.
type Source interface {
	Candidates() []Candidate
}

// Catalog is a Source populated by explicit Provide calls, typically from
// package init functions of command packages.
type Catalog struct {
	mu         sync.Mutex
	candidates []Candidate
}

// Provide appends candidates to the catalog.
func (c *Catalog) Provide(candidates ...Candidate) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.candidates = append(c.candidates, candidates...)
}

// Candidates implements Source.
func (c *Catalog) Candidates() []Candidate {
	c.mu.Lock()
	defer c.mu.Unlock()

	return slices.Clone(c.candidates)
}

// Report summarises one discovery pass.
type Report struct {
	Registered []string
	Skipped    []string
	Rejected   []error
}

// Discover validates and registers every candidate from src. Candidates
// outside allowedNamespaces are rejected; an empty allow-list accepts every
// namespace. Failures are logged and collected; they never abort the pass.
func (r *Registry) Discover(src Source, allowedNamespaces []string) Report {
	var report Report

	for _, c := range src.Candidates() {
		if r.HasType(c.TypeName) {
			report.Skipped = append(report.Skipped, c.TypeName)

			continue
		}

		name, err := r.discoverOne(c, allowedNamespaces)
		if err != nil {
			r.log.Warn("Skipping command candidate", "candidate", c.TypeName, "error", err)
			report.Rejected = append(report.Rejected, err)

			continue
		}

		report.Registered = append(report.Registered, name)
	}

	r.log.Info("Command discovery finished",
		"registered", len(report.Registered),
		"skipped", len(report.Skipped),
		"rejected", len(report.Rejected),
	)

	return report
}

func (r *Registry) discoverOne(c Candidate, allowedNamespaces []string) (string, error) {
	reject := func(reason string, err error) (string, error) {
		return "", &errors.DiscoveryError{Candidate: c.TypeName, Reason: reason, Err: err}
	}

	switch {
	case c.Abstract:
		return reject("not a concrete type", nil)
	case !c.Marked:
		return reject("not marked as a command", nil)
	case !namespaceAllowed(c.Namespace, allowedNamespaces):
		return reject("namespace "+c.Namespace+" not allowed", nil)
	case c.New == nil:
		return reject("no constructor", nil)
	}

	cmd, err := instantiate(c)
	if err != nil {
		return reject("constructor failed", err)
	}

	if err := r.register(cmd.Descriptor(), cmd, c.TypeName); err != nil {
		return reject("registration failed", err)
	}

	return NormalizeName(cmd.Descriptor().Name), nil
}

func instantiate(c Candidate) (cmd Command, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()

	cmd = c.New()
	if cmd == nil {
		return nil, fmt.Errorf("constructor returned nil")
	}

	return cmd, nil
}

func namespaceAllowed(ns string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}

	for _, prefix := range allowed {
		if ns == prefix || strings.HasPrefix(ns, prefix+"/") {
			return true
		}
	}

	return false
}
