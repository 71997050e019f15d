package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/renraku/internal/model"
)

func TestRegistryLookupUnknownName(t *testing.T) {
	r := NewRegistry()
	_, err := r.Lookup("create_ticket")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "create_ticket")
}

func TestRegistryRegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	r.Register("create_ticket", func(_ context.Context, th model.Thread, _ map[string]any) (model.Thread, error) {
		return th, nil
	})

	fn, err := r.Lookup("create_ticket")
	require.NoError(t, err)
	require.NotNil(t, fn)

	out, err := fn(context.Background(), model.Thread{}, nil)
	require.NoError(t, err)
	assert.Empty(t, out.Events)
}

func TestRegistryReplaceBinding(t *testing.T) {
	r := NewRegistry()
	r.Register("fn", func(_ context.Context, th model.Thread, _ map[string]any) (model.Thread, error) {
		return th, assert.AnError
	})
	r.Register("fn", func(_ context.Context, th model.Thread, _ map[string]any) (model.Thread, error) {
		return th, nil
	})

	fn, err := r.Lookup("fn")
	require.NoError(t, err)
	_, err = fn(context.Background(), model.Thread{}, nil)
	assert.NoError(t, err)
}

func TestRegistryNamesSorted(t *testing.T) {
	r := NewRegistry()
	noop := func(_ context.Context, th model.Thread, _ map[string]any) (model.Thread, error) { return th, nil }
	r.Register("zeta", noop)
	r.Register("alpha", noop)

	assert.Equal(t, []string{"alpha", "zeta"}, r.Names())
}
