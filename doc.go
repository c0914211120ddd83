// Package hostbridge lets an external tool-calling client drive commands
// inside a long-lived, single-main-thread host application.
//
// The two sides talk newline-delimited JSON-RPC 2.0 over a loopback TCP
// socket. The host side embeds a Host: it listens, discovers and registers
// commands, runs each command on the host's main thread and logs every
// request/response pair. The remote side runs a Bridge: it correlates
// calls, follows the host through restarts by polling, and republishes
// the host's live command list as Model Context Protocol tools.
//
// # Host
//
//	host, err := hostbridge.NewHost(
//	    hostbridge.WithLogger(slog.Default()),
//	    hostbridge.WithCompiler(myCompiler),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer host.Stop()
//
//	host.Discover(catalog)
//	if err := host.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
//	for running {
//	    host.Drain() // once per frame on the main thread
//	}
//
// Commands embed hostbridge.Marker and are offered to discovery through a
// Catalog:
//
//	type Echo struct{ hostbridge.Marker }
//
//	func (Echo) Descriptor() hostbridge.Descriptor { ... }
//	func (Echo) Execute(ctx context.Context, inv *hostbridge.Invocation) (any, error) { ... }
//
//	catalog.Provide(hostbridge.CandidateFor[*Echo]())
//
// # Bridge
//
//	b, err := hostbridge.NewBridge(hostbridge.WithLogger(log))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer b.Close()
//
//	b.Start(ctx)
//	raw, err := b.Call(ctx, "ping", map[string]any{"message": "hi"})
//
// Serve the host's commands to an MCP client on stdio:
//
//	err = b.ServeStdio(ctx)
//
// # Configuration
//
// Both sides read the port from WithPort, the HOSTBRIDGE_PORT environment
// variable, a YAML or TOML file given to WithConfigFile, or the default
// 6400, in that order of precedence.
package hostbridge
