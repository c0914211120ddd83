package hostbridge

import (
	"context"
	"fmt"
)

// WithBridge manages bridge lifecycle with automatic cleanup.
//
// This helper creates a bridge, connects it to the host, runs fn and closes
// the bridge afterwards. If the host cannot be reached fn is not called.
// A Close failure is logged and does not override fn's error.
//
// Example usage:
//
//	err := hostbridge.WithBridge(ctx, func(b *hostbridge.Bridge) error {
//	    raw, err := b.Call(ctx, "compile", nil)
//	    if err != nil {
//	        return err
//	    }
//	    fmt.Println(string(raw))
//	    return nil
//	},
//	    hostbridge.WithLogger(log),
//	    hostbridge.WithPort(6400),
//	)
func WithBridge(ctx context.Context, fn func(*Bridge) error, opts ...Option) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	b, err := NewBridge(opts...)
	if err != nil {
		return err
	}

	defer func() {
		if closeErr := b.Close(); closeErr != nil {
			b.log.Warn("failed to close bridge", "error", closeErr)
		}
	}()

	if err := b.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect bridge: %w", err)
	}

	return fn(b)
}
