package registry

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wagiedev/hostbridge-go/internal/errors"
)

const thisPackage = "github.com/wagiedev/hostbridge-go/internal/registry"

func nopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type greetCommand struct {
	Marker
}

func (*greetCommand) Descriptor() Descriptor {
	return Descriptor{Name: "greet", Description: "says hello"}
}

func (*greetCommand) Execute(context.Context, *Invocation) (any, error) {
	return "hello", nil
}

type valueCommand struct {
	Marker
}

func (valueCommand) Descriptor() Descriptor { return Descriptor{Name: "value"} }

func (valueCommand) Execute(context.Context, *Invocation) (any, error) { return nil, nil }

type unmarkedCommand struct{}

func (*unmarkedCommand) Descriptor() Descriptor { return Descriptor{Name: "unmarked"} }

func (*unmarkedCommand) Execute(context.Context, *Invocation) (any, error) { return nil, nil }

type abstractCommand interface {
	Command
	Kind() string
}

func TestCandidateFor_Reflection(t *testing.T) {
	c := CandidateFor[*greetCommand]()
	require.Equal(t, thisPackage+".greetCommand", c.TypeName)
	require.Equal(t, thisPackage, c.Namespace)
	require.True(t, c.Marked)
	require.False(t, c.Abstract)
	require.NotNil(t, c.New)
	require.Equal(t, "greet", c.New().Descriptor().Name)

	v := CandidateFor[valueCommand]()
	require.True(t, v.Marked)
	require.Equal(t, "value", v.New().Descriptor().Name)

	require.False(t, CandidateFor[*unmarkedCommand]().Marked)
	require.True(t, CandidateFor[abstractCommand]().Abstract)
}

func TestDiscover_RegistersValidAndRejectsBad(t *testing.T) {
	r := New(nopLogger())

	var catalog Catalog
	catalog.Provide(
		CandidateFor[*greetCommand](),
		CandidateFor[*unmarkedCommand](),
		CandidateFor[abstractCommand](),
		Candidate{TypeName: "acme.NoCtor", Namespace: thisPackage, Marked: true},
		Candidate{TypeName: "acme.Panics", Namespace: thisPackage, Marked: true, New: func() Command {
			panic("constructor exploded")
		}},
		Candidate{TypeName: "acme.Nil", Namespace: thisPackage, Marked: true, New: func() Command { return nil }},
	)

	report := r.Discover(&catalog, []string{"github.com/wagiedev/hostbridge-go/internal"})

	require.Equal(t, []string{"greet"}, report.Registered)
	require.Len(t, report.Rejected, 5)

	for _, err := range report.Rejected {
		var de *errors.DiscoveryError

		require.ErrorAs(t, err, &de)
	}

	_, _, err := r.Resolve("greet")
	require.NoError(t, err)
}

func TestDiscover_NamespaceAllowList(t *testing.T) {
	r := New(nopLogger())

	var catalog Catalog
	catalog.Provide(CandidateFor[*greetCommand]())

	report := r.Discover(&catalog, []string{"github.com/acme"})
	require.Empty(t, report.Registered)
	require.Len(t, report.Rejected, 1)
	require.Contains(t, report.Rejected[0].Error(), "not allowed")

	// A prefix must match a whole path segment.
	report = r.Discover(&catalog, []string{"github.com/wagiedev/hostbridge"})
	require.Empty(t, report.Registered)

	report = r.Discover(&catalog, nil)
	require.Equal(t, []string{"greet"}, report.Registered)
}

func TestDiscover_IdempotentPerType(t *testing.T) {
	r := New(nopLogger())

	var catalog Catalog
	catalog.Provide(CandidateFor[*greetCommand](), CandidateFor[*greetCommand]())

	first := r.Discover(&catalog, nil)
	require.Equal(t, []string{"greet"}, first.Registered)
	require.Equal(t, []string{thisPackage + ".greetCommand"}, first.Skipped)

	second := r.Discover(&catalog, nil)
	require.Empty(t, second.Registered)
	require.Len(t, second.Skipped, 2)
	require.Equal(t, 1, r.Len())
}

func TestDiscover_ReplacedCommandCanBeRediscovered(t *testing.T) {
	r := New(nopLogger())

	var catalog Catalog
	catalog.Provide(CandidateFor[*greetCommand]())

	r.Discover(&catalog, nil)
	require.True(t, r.HasType(thisPackage+".greetCommand"))

	require.NoError(t, r.Register(Descriptor{Name: "greet"}, echoHandler()))
	require.False(t, r.HasType(thisPackage+".greetCommand"))

	report := r.Discover(&catalog, nil)
	require.Equal(t, []string{"greet"}, report.Registered)
}
