package commands

import (
	"context"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/wagiedev/hostbridge-go/internal/commlog"
	"github.com/wagiedev/hostbridge-go/internal/registry"
	"github.com/wagiedev/hostbridge-go/internal/server"
)

// Protocol command names.
const (
	NameListCommands        = "list-commands"
	NameSetClientInfo       = "set-client-info"
	NameListClients         = "list-clients"
	NameGetCommunicationLog = "get-communication-log"
)

// ClientDirectory exposes the connection manager's client set.
type ClientDirectory interface {
	Clients() []server.Client
	Identify(connID string, processID int, name string) (server.Client, error)
}

// ListCommandsResult is the list-commands response body.
type ListCommandsResult struct {
	Commands []registry.Descriptor `json:"commands"`
}

// RegisterProtocol registers the introspection commands. allow filters the
// descriptors returned by list-commands; comm may be nil.
func RegisterProtocol(
	reg *registry.Registry,
	allow registry.Predicate,
	clients ClientDirectory,
	comm *commlog.Logger,
) error {
	if allow == nil {
		allow = registry.AllowAll
	}

	protocol := []struct {
		descriptor registry.Descriptor
		handler    registry.HandlerFunc
	}{
		{
			descriptor: registry.Descriptor{
				Name:        NameListCommands,
				Description: "Lists the commands this host currently exposes.",
				Internal:    true,
			},
			handler: func(context.Context, *registry.Invocation) (any, error) {
				visible := reg.List(func(d *registry.Descriptor) bool {
					return !d.Internal && allow(d)
				})

				return ListCommandsResult{Commands: visible}, nil
			},
		},
		{
			descriptor: registry.Descriptor{
				Name:        NameSetClientInfo,
				Description: "Identifies the calling bridge by name and process id.",
				Internal:    true,
				ParameterSchema: objectSchema(map[string]*jsonschema.Schema{
					"clientName": {Type: "string"},
					"processId":  {Type: "integer"},
				}, "clientName"),
			},
			handler: func(_ context.Context, inv *registry.Invocation) (any, error) {
				var params struct {
					ClientName string `json:"clientName"`
					ProcessID  int    `json:"processId"`
				}

				if err := inv.Bind(&params); err != nil {
					return nil, err
				}

				return clients.Identify(inv.Caller.ConnectionID, params.ProcessID, params.ClientName)
			},
		},
		{
			descriptor: registry.Descriptor{
				Name:        NameListClients,
				Description: "Lists the bridges connected to this host.",
			},
			handler: func(context.Context, *registry.Invocation) (any, error) {
				return map[string]any{"clients": clients.Clients()}, nil
			},
		},
		{
			descriptor: registry.Descriptor{
				Name:        NameGetCommunicationLog,
				Description: "Returns recent request/response pairs handled by this host.",
				ParameterSchema: objectSchema(map[string]*jsonschema.Schema{
					"count": {Type: "integer", Description: "Maximum number of entries, newest last."},
				}),
			},
			handler: func(_ context.Context, inv *registry.Invocation) (any, error) {
				if comm == nil {
					return map[string]any{"entries": []commlog.Entry{}}, nil
				}

				var params struct {
					Count int `json:"count"`
				}

				if err := inv.Bind(&params); err != nil {
					return nil, err
				}

				entries := comm.Snapshot()
				if params.Count > 0 && params.Count < len(entries) {
					entries = entries[len(entries)-params.Count:]
				}

				return map[string]any{"entries": entries}, nil
			},
		},
	}

	for _, p := range protocol {
		if err := reg.Register(p.descriptor, p.handler); err != nil {
			return fmt.Errorf("register %s: %w", p.descriptor.Name, err)
		}
	}

	return nil
}
