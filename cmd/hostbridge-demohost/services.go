package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	hostbridge "github.com/wagiedev/hostbridge-go"
)

type demoCompiler struct {
	log *slog.Logger
}

var _ hostbridge.Compiler = (*demoCompiler)(nil)

// Compile pretends to rebuild the project on the main thread.
func (c *demoCompiler) Compile(ctx context.Context) (*hostbridge.CompileReport, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(50 * time.Millisecond):
	}

	c.log.Info("Compilation finished")

	return &hostbridge.CompileReport{Success: true}, nil
}

type demoTests struct{}

var _ hostbridge.TestRunner = demoTests{}

var demoSuite = []string{"Physics.Gravity", "Physics.Collision", "UI.MainMenu", "Save.RoundTrip"}

// RunTests reports a synthetic run of the demo suite.
func (demoTests) RunTests(ctx context.Context, req hostbridge.TestRequest) (*hostbridge.TestReport, error) {
	report := &hostbridge.TestReport{}

	deadline := time.Time{}
	if req.Timeout > 0 {
		deadline = time.Now().Add(req.Timeout)
	}

	for _, name := range demoSuite {
		if req.Filter != "" && !matches(name, req.Filter) {
			continue
		}

		if err := ctx.Err(); err != nil {
			return report, err
		}

		if !deadline.IsZero() && time.Now().After(deadline) {
			report.Skipped++
			report.Results = append(report.Results, hostbridge.TestResult{Name: name, Status: "skipped", Message: "timeout"})

			continue
		}

		ms := 1 + rand.Float64()*20
		report.Passed++
		report.Results = append(report.Results, hostbridge.TestResult{
			Name:     name,
			Status:   "passed",
			Duration: ms,
			Message:  fmt.Sprintf("mode=%s", modeOrDefault(req.Mode)),
		})
	}

	return report, nil
}

func matches(name, filter string) bool {
	return len(filter) <= len(name) && name[:len(filter)] == filter
}

func modeOrDefault(mode string) string {
	if mode == "" {
		return "EditMode"
	}

	return mode
}
