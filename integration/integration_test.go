//go:build integration

package integration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	hostbridge "github.com/wagiedev/hostbridge-go"
)

// startHost runs a host on an ephemeral port with a background main loop.
func startHost(t *testing.T, opts ...hostbridge.Option) *hostbridge.Host {
	t.Helper()

	host, err := hostbridge.NewHost(append([]hostbridge.Option{hostbridge.WithPort(0)}, opts...)...)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())

	go func() { _ = host.RunMainLoop(ctx) }()

	require.NoError(t, host.Start(ctx))

	t.Cleanup(func() {
		cancel()
		_ = host.Stop()
	})

	return host
}

func newBridge(t *testing.T, port int) *hostbridge.Bridge {
	t.Helper()

	b, err := hostbridge.NewBridge(
		hostbridge.WithPort(port),
		hostbridge.WithPortScanLimit(0),
		hostbridge.WithReconnectInterval(25*time.Millisecond),
		hostbridge.WithTimeoutMargin(500*time.Millisecond),
	)
	require.NoError(t, err)

	t.Cleanup(func() { _ = b.Close() })

	return b
}
