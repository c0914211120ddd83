package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/wagiedev/hostbridge-go/internal/errors"
	"github.com/wagiedev/hostbridge-go/internal/registry"
)

// Fallback command names.
const (
	NamePing     = "ping"
	NameCompile  = "compile"
	NameGetLogs  = "get-logs"
	NameRunTests = "run-tests"
)

// CompileReport is the outcome of a host compilation.
type CompileReport struct {
	Success  bool     `json:"success"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// Compiler requests a compilation from the host.
type Compiler interface {
	Compile(ctx context.Context) (*CompileReport, error)
}

// LogEntry is one host console message.
type LogEntry struct {
	Type       string    `json:"type"`
	Message    string    `json:"message"`
	StackTrace string    `json:"stackTrace,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// LogQuery filters host console messages.
type LogQuery struct {
	// Type is "error", "warning", "log" or empty for all.
	Type  string `json:"type,omitempty"`
	Count int    `json:"count,omitempty"`
}

// LogSource reads the host console.
type LogSource interface {
	Logs(ctx context.Context, q LogQuery) ([]LogEntry, error)
}

// TestRequest selects which tests to run.
type TestRequest struct {
	Mode   string `json:"mode,omitempty"`
	Filter string `json:"filter,omitempty"`

	// Timeout is advisory; runners should stop collecting results after it.
	Timeout time.Duration `json:"-"`
}

// TestResult is the outcome of a single test.
type TestResult struct {
	Name     string  `json:"name"`
	Status   string  `json:"status"`
	Message  string  `json:"message,omitempty"`
	Duration float64 `json:"durationMs"`
}

// TestReport summarises a test run.
type TestReport struct {
	Passed  int          `json:"passed"`
	Failed  int          `json:"failed"`
	Skipped int          `json:"skipped"`
	Results []TestResult `json:"results,omitempty"`
}

// TestRunner runs host tests.
type TestRunner interface {
	RunTests(ctx context.Context, req TestRequest) (*TestReport, error)
}

// Services are the host collaborators behind the fallback commands. Any
// of them may be nil; the matching command then reports that the service
// is unavailable.
type Services struct {
	Compiler Compiler
	Logs     LogSource
	Tests    TestRunner
}

func objectSchema(props map[string]*jsonschema.Schema, required ...string) *jsonschema.Schema {
	return &jsonschema.Schema{Type: "object", Properties: props, Required: required}
}

// RegisterFallback registers ping, compile, get-logs and run-tests.
func RegisterFallback(reg *registry.Registry, svc Services) error {
	fallback := []struct {
		descriptor registry.Descriptor
		handler    registry.HandlerFunc
	}{
		{
			descriptor: registry.Descriptor{
				Name:        NamePing,
				Description: "Checks that the host is responsive and echoes a message back.",
				ParameterSchema: objectSchema(map[string]*jsonschema.Schema{
					"message": {Type: "string", Description: "Text to echo back."},
				}),
			},
			handler: ping,
		},
		{
			descriptor: registry.Descriptor{
				Name:            NameCompile,
				Description:     "Requests a compilation of the host project and reports errors and warnings.",
				ParameterSchema: objectSchema(nil),
			},
			handler: func(ctx context.Context, _ *registry.Invocation) (any, error) {
				if svc.Compiler == nil {
					return nil, fmt.Errorf("%w: compiler", errors.ErrCollaboratorMissing)
				}

				return svc.Compiler.Compile(ctx)
			},
		},
		{
			descriptor: registry.Descriptor{
				Name:        NameGetLogs,
				Description: "Returns recent host console messages.",
				ParameterSchema: objectSchema(map[string]*jsonschema.Schema{
					"type":  {Type: "string", Enum: []any{"error", "warning", "log", "all"}},
					"count": {Type: "integer", Description: "Maximum number of entries."},
				}),
			},
			handler: func(ctx context.Context, inv *registry.Invocation) (any, error) {
				if svc.Logs == nil {
					return nil, fmt.Errorf("%w: log source", errors.ErrCollaboratorMissing)
				}

				var q LogQuery
				if err := inv.Bind(&q); err != nil {
					return nil, err
				}

				if q.Type == "all" {
					q.Type = ""
				}

				entries, err := svc.Logs.Logs(ctx, q)
				if err != nil {
					return nil, err
				}

				return map[string]any{"logs": entries, "count": len(entries)}, nil
			},
		},
		{
			descriptor: registry.Descriptor{
				Name:        NameRunTests,
				Description: "Runs host tests and returns a summary.",
				ParameterSchema: objectSchema(map[string]*jsonschema.Schema{
					"mode":    {Type: "string"},
					"filter":  {Type: "string"},
					"timeout": {Type: "number", Description: "Advisory timeout in seconds."},
				}),
			},
			handler: func(ctx context.Context, inv *registry.Invocation) (any, error) {
				if svc.Tests == nil {
					return nil, fmt.Errorf("%w: test runner", errors.ErrCollaboratorMissing)
				}

				var req TestRequest
				if err := inv.Bind(&req); err != nil {
					return nil, err
				}

				req.Timeout = inv.Timeout

				return svc.Tests.RunTests(ctx, req)
			},
		},
	}

	for _, f := range fallback {
		if err := reg.Register(f.descriptor, f.handler); err != nil {
			return fmt.Errorf("register %s: %w", f.descriptor.Name, err)
		}
	}

	return nil
}

func ping(_ context.Context, inv *registry.Invocation) (any, error) {
	var params struct {
		Message string `json:"message"`
	}

	if err := inv.Bind(&params); err != nil {
		return nil, err
	}

	reply := "pong"
	if params.Message != "" {
		reply += ": " + params.Message
	}

	return map[string]any{"message": reply}, nil
}
