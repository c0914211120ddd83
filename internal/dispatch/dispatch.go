// Package dispatch executes registered commands on the host's main loop and
// turns their outcomes into response envelopes.
package dispatch

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/wagiedev/hostbridge-go/internal/errors"
	"github.com/wagiedev/hostbridge-go/internal/mainthread"
	"github.com/wagiedev/hostbridge-go/internal/registry"
	"github.com/wagiedev/hostbridge-go/internal/wire"
)

// Outcome is the result of one Execute call.
type Outcome struct {
	Command   string
	Result    any
	Err       error
	StartedAt time.Time
	EndedAt   time.Time
}

// Duration returns the handler execution time.
func (o *Outcome) Duration() time.Duration {
	return o.EndedAt.Sub(o.StartedAt)
}

// Dispatcher resolves, authorises, validates and runs commands.
type Dispatcher struct {
	log       *slog.Logger
	registry  *registry.Registry
	allow     registry.Predicate
	scheduler mainthread.Scheduler

	schemaMu sync.Mutex
	schemas  map[*jsonschema.Schema]*jsonschema.Resolved
}

// New creates a dispatcher. A nil allow predicate permits every command.
func New(
	log *slog.Logger,
	reg *registry.Registry,
	allow registry.Predicate,
	scheduler mainthread.Scheduler,
) *Dispatcher {
	if allow == nil {
		allow = registry.AllowAll
	}

	return &Dispatcher{
		log:       log.With("component", "dispatch"),
		registry:  reg,
		allow:     allow,
		scheduler: scheduler,
		schemas:   make(map[*jsonschema.Schema]*jsonschema.Resolved, 16),
	}
}

// Execute runs one invocation. It never panics and never returns nil.
//
// The handler is invoked on the main loop through the scheduler. The
// invocation timeout is advisory: overruns are logged, not cancelled.
func (d *Dispatcher) Execute(ctx context.Context, inv *registry.Invocation) *Outcome {
	now := time.Now()
	out := &Outcome{Command: registry.NormalizeName(inv.Command), StartedAt: now, EndedAt: now}

	handler, desc, err := d.registry.Resolve(inv.Command)
	if err != nil {
		out.Err = err

		return out
	}

	if !d.allow(&desc) {
		d.log.Info("Command blocked by security settings", "command", desc.Name, "client", inv.Caller.ClientName)
		out.Err = fmt.Errorf("%w: %s", errors.ErrCommandBlocked, desc.Name)

		return out
	}

	if err := d.validate(&desc, inv.Params); err != nil {
		out.Err = err

		return out
	}

	var result any

	runErr := d.scheduler.Run(ctx, func() {
		out.StartedAt = time.Now()
		result, err = invoke(ctx, handler, inv, desc.Name)
		out.EndedAt = time.Now()
	})
	if runErr != nil {
		d.log.Warn("Command did not reach the main thread", "command", desc.Name, "error", runErr)
		out.Err = runErr
		out.EndedAt = time.Now()

		return out
	}

	out.Result = result
	out.Err = err

	if inv.Timeout > 0 && out.Duration() > inv.Timeout {
		d.log.Warn("Command exceeded its advisory timeout",
			"command", desc.Name,
			"timeout", inv.Timeout,
			"duration", out.Duration(),
		)
	}

	if err != nil {
		d.log.Debug("Command failed", "command", desc.Name, "error", err)
	}

	return out
}

func invoke(ctx context.Context, h registry.Handler, inv *registry.Invocation, name string) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			result = nil
			err = &errors.HandlerError{Command: name, Panic: true, Err: fmt.Errorf("%v", p)}
		}
	}()

	result, err = h.Execute(ctx, inv)
	if err != nil {
		return nil, &errors.HandlerError{Command: name, Err: err}
	}

	return result, nil
}

func (d *Dispatcher) validate(desc *registry.Descriptor, params json.RawMessage) error {
	if desc.ParameterSchema == nil {
		return nil
	}

	resolved, err := d.resolveSchema(desc.ParameterSchema)
	if err != nil {
		return fmt.Errorf("%w for %s: schema: %v", errors.ErrInvalidParams, desc.Name, err)
	}

	var instance any = map[string]any{}
	if len(params) > 0 && string(params) != "null" {
		if err := json.Unmarshal(params, &instance); err != nil {
			return fmt.Errorf("%w for %s: %v", errors.ErrInvalidParams, desc.Name, err)
		}
	}

	if err := resolved.Validate(instance); err != nil {
		return fmt.Errorf("%w for %s: %v", errors.ErrInvalidParams, desc.Name, err)
	}

	return nil
}

func (d *Dispatcher) resolveSchema(s *jsonschema.Schema) (*jsonschema.Resolved, error) {
	d.schemaMu.Lock()
	defer d.schemaMu.Unlock()

	if r, ok := d.schemas[s]; ok {
		return r, nil
	}

	r, err := s.Resolve(nil)
	if err != nil {
		return nil, err
	}

	d.schemas[s] = r

	return r, nil
}

// Timing member names merged into every response.
const (
	FieldStartedAt  = "executionStartedAt"
	FieldEndedAt    = "executionEndedAt"
	FieldDurationMs = "executionDurationMs"
)

// Respond builds the response envelope for an outcome.
//
// Object results gain the timing members; any other result is wrapped as
// {"value": result} first. Errors carry the timing members in error.data.
func Respond(id wire.ID, o *Outcome) *wire.Response {
	timing := map[string]any{
		FieldStartedAt:  o.StartedAt.UTC().Format(time.RFC3339Nano),
		FieldEndedAt:    o.EndedAt.UTC().Format(time.RFC3339Nano),
		FieldDurationMs: float64(o.Duration().Microseconds()) / 1000,
	}

	if o.Err != nil {
		data := map[string]any{
			"command": o.Command,
			"error":   o.Err.Error(),
		}
		maps.Copy(data, timing)

		return wire.NewErrorResponse(id, wire.CodeInternalError, ErrorMessage(o.Command, o.Err), data)
	}

	body, err := withTiming(o.Result, timing)
	if err != nil {
		return wire.NewErrorResponse(id, wire.CodeInternalError, "Failed to encode result: "+err.Error(), timing)
	}

	return &wire.Response{JSONRPC: wire.Version, ID: id, Result: body}
}

// ErrorMessage renders the human-readable message for a failed command.
func ErrorMessage(command string, err error) string {
	switch {
	case stderrors.Is(err, errors.ErrUnknownCommand):
		return "Unknown command: " + command
	case stderrors.Is(err, errors.ErrCommandBlocked):
		return "Command blocked by security settings: " + command
	default:
		return err.Error()
	}
}

func withTiming(result any, timing map[string]any) (json.RawMessage, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}

	obj := make(map[string]any, len(timing)+1)

	var members map[string]json.RawMessage
	if len(raw) > 0 && raw[0] == '{' && json.Unmarshal(raw, &members) == nil {
		for k, v := range members {
			obj[k] = v
		}
	} else {
		obj["value"] = json.RawMessage(raw)
	}

	maps.Copy(obj, timing)

	return json.Marshal(obj)
}
