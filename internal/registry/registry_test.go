package registry

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wagiedev/hostbridge-go/internal/errors"
)

func echoHandler() Handler {
	return HandlerFunc(func(_ context.Context, inv *Invocation) (any, error) {
		return string(inv.Params), nil
	})
}

func TestRegister_ResolveIsCaseInsensitive(t *testing.T) {
	r := New(nopLogger())

	require.NoError(t, r.Register(Descriptor{Name: "Read-Console", Description: "reads"}, echoHandler()))

	h, d, err := r.Resolve("READ-console")
	require.NoError(t, err)
	require.NotNil(t, h)
	require.Equal(t, "read-console", d.Name)
}

func TestRegister_ReplacesExisting(t *testing.T) {
	r := New(nopLogger())

	require.NoError(t, r.Register(Descriptor{Name: "ping", Description: "first"}, echoHandler()))
	require.NoError(t, r.Register(Descriptor{Name: "ping", Description: "second"}, echoHandler()))

	_, d, err := r.Resolve("ping")
	require.NoError(t, err)
	require.Equal(t, "second", d.Description)
	require.Equal(t, 1, r.Len())
}

func TestRegister_RejectsInvalid(t *testing.T) {
	r := New(nopLogger())

	require.Error(t, r.Register(Descriptor{Name: "  "}, echoHandler()))
	require.Error(t, r.Register(Descriptor{Name: "x"}, nil))
	require.Zero(t, r.Len())
}

func TestResolve_Unknown(t *testing.T) {
	r := New(nopLogger())

	_, _, err := r.Resolve("nope")
	require.ErrorIs(t, err, errors.ErrUnknownCommand)
	require.Contains(t, err.Error(), "nope")
}

func TestUnregister(t *testing.T) {
	r := New(nopLogger())
	require.NoError(t, r.Register(Descriptor{Name: "ping"}, echoHandler()))

	require.True(t, r.Unregister("PING"))
	require.False(t, r.Unregister("ping"))

	_, _, err := r.Resolve("ping")
	require.ErrorIs(t, err, errors.ErrUnknownCommand)
}

func TestList_SortedAndFiltered(t *testing.T) {
	r := New(nopLogger())

	for _, name := range []string{"zeta", "alpha", "shell"} {
		d := Descriptor{Name: name}
		if name == "shell" {
			d.RequiredSecuritySetting = "allowShell"
		}

		require.NoError(t, r.Register(d, echoHandler()))
	}

	all := r.List(nil)
	require.Equal(t, []string{"alpha", "shell", "zeta"}, names(all))

	safe := r.List(func(d *Descriptor) bool { return d.RequiredSecuritySetting == "" })
	require.Equal(t, []string{"alpha", "zeta"}, names(safe))
}

func TestOnChange_FiresAfterMutation(t *testing.T) {
	r := New(nopLogger())

	var calls atomic.Int32

	r.OnChange(func() {
		// Listeners run outside the registry lock.
		_ = r.List(nil)

		calls.Add(1)
	})

	require.NoError(t, r.Register(Descriptor{Name: "a"}, echoHandler()))
	r.Unregister("a")
	r.Unregister("a")
	r.Reset()

	require.Equal(t, int32(3), calls.Load())
}

func TestInvocation_Bind(t *testing.T) {
	var params struct {
		Message string `json:"message"`
	}

	inv := &Invocation{Params: json.RawMessage(`{"message":"hi"}`)}
	require.NoError(t, inv.Bind(&params))
	require.Equal(t, "hi", params.Message)

	empty := &Invocation{}
	require.NoError(t, empty.Bind(&params))

	bad := &Invocation{Params: json.RawMessage(`{"message":1}`)}
	require.ErrorIs(t, bad.Bind(&params), errors.ErrInvalidParams)
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := New(nopLogger())

	var wg sync.WaitGroup

	for i := range 100 {
		wg.Go(func() {
			name := []string{"a", "b", "c"}[i%3]
			_ = r.Register(Descriptor{Name: name}, echoHandler())
			_, _, _ = r.Resolve(name)
			_ = r.List(nil)
			r.Unregister(name)
		})
	}

	wg.Wait()
}

func names(ds []Descriptor) []string {
	out := make([]string, len(ds))
	for i, d := range ds {
		out[i] = d.Name
	}

	return out
}
