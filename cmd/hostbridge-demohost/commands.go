package main

import (
	"context"
	"fmt"
	"runtime"
	"time"

	hostbridge "github.com/wagiedev/hostbridge-go"
)

var startedAt = time.Now()

// catalog offers the demo commands to discovery.
var catalog = &hostbridge.Catalog{}

func init() {
	catalog.Provide(
		hostbridge.CandidateFor[*echoCommand](),
		hostbridge.CandidateFor[*hostInfoCommand](),
		hostbridge.CandidateFor[*panicCommand](),
	)
}

type echoCommand struct {
	hostbridge.Marker
}

func (*echoCommand) Descriptor() hostbridge.Descriptor {
	return hostbridge.Descriptor{
		Name:            "echo",
		Description:     "Returns the given text together with the caller's name.",
		ParameterSchema: hostbridge.SimpleSchema(map[string]string{"text": "string"}),
	}
}

func (*echoCommand) Execute(_ context.Context, inv *hostbridge.Invocation) (any, error) {
	var params struct {
		Text string `json:"text"`
	}

	if err := inv.Bind(&params); err != nil {
		return nil, err
	}

	return map[string]any{
		"text":   params.Text,
		"caller": inv.Caller.ClientName,
	}, nil
}

type hostInfoCommand struct {
	hostbridge.Marker
}

func (*hostInfoCommand) Descriptor() hostbridge.Descriptor {
	return hostbridge.Descriptor{
		Name:        "host-info",
		Description: "Reports runtime information about the demo host.",
	}
}

func (*hostInfoCommand) Execute(context.Context, *hostbridge.Invocation) (any, error) {
	return map[string]any{
		"goVersion":  runtime.Version(),
		"goroutines": runtime.NumGoroutine(),
		"uptime":     time.Since(startedAt).String(),
	}, nil
}

type panicCommand struct {
	hostbridge.Marker
}

func (*panicCommand) Descriptor() hostbridge.Descriptor {
	return hostbridge.Descriptor{
		Name:            "panic",
		Description:     "Panics inside the handler to exercise error reporting.",
		DevelopmentOnly: true,
	}
}

func (*panicCommand) Execute(context.Context, *hostbridge.Invocation) (any, error) {
	panic(fmt.Sprintf("demo panic at %s", time.Now().Format(time.RFC3339)))
}
