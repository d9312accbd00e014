package action

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calderdb/calder/internal/session"
)

func TestBeforeRegistryDrainsInRegistrationOrder(t *testing.T) {
	var r beforeRegistry
	var order []string

	r.register(func(context.Context) error {
		order = append(order, "first")
		// Callbacks registered while draining still run, in this drain.
		r.register(func(context.Context) error {
			order = append(order, "nested")
			return nil
		})
		return nil
	})
	r.register(func(context.Context) error {
		order = append(order, "second")
		return nil
	})
	r.register(nil) // ignored

	require.Equal(t, 2, r.size())
	require.NoError(t, r.drain(context.Background()))
	assert.Equal(t, []string{"first", "second", "nested"}, order)
	assert.Equal(t, 0, r.size())
}

func TestBeforeRegistryErrorStopsDrainButClears(t *testing.T) {
	var r beforeRegistry
	var ran []string
	boom := errors.New("boom")

	r.register(func(context.Context) error {
		ran = append(ran, "first")
		return nil
	})
	r.register(func(context.Context) error {
		ran = append(ran, "second")
		return boom
	})
	r.register(func(context.Context) error {
		ran = append(ran, "third")
		return nil
	})

	err := r.drain(context.Background())
	require.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"first", "second"}, ran)
	// A transaction completes exactly once: the registry is spent.
	assert.Equal(t, 0, r.size())
	require.NoError(t, r.drain(context.Background()))
	assert.Equal(t, []string{"first", "second"}, ran)
}

func TestAfterRegistryRunsEveryCallbackDespiteErrors(t *testing.T) {
	var r afterRegistry
	var ran []string
	e1 := errors.New("e1")
	e2 := errors.New("e2")

	r.register(func(_ context.Context, success bool, _ *session.Session) error {
		ran = append(ran, "first")
		assert.True(t, success)
		return e1
	})
	r.register(func(context.Context, bool, *session.Session) error {
		ran = append(ran, "second")
		return e2
	})
	r.register(func(context.Context, bool, *session.Session) error {
		ran = append(ran, "third")
		return nil
	})
	r.register(nil) // ignored

	_, err := r.drain(context.Background(), true, nil)
	require.ErrorIs(t, err, e1)
	assert.Equal(t, []string{"first", "second", "third"}, ran)
}

func TestAfterRegistryAggregatesSpacesAndClears(t *testing.T) {
	var r afterRegistry
	r.addSpaces(map[string]struct{}{"orders": {}, "lines": {}})
	r.addSpaces(map[string]struct{}{"lines": {}, "customers": {}})
	r.addSpaces(nil) // ignored

	spaces, err := r.drain(context.Background(), true, nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"orders", "lines", "customers"}, spaces)

	spaces, err = r.drain(context.Background(), true, nil)
	require.NoError(t, err)
	assert.Empty(t, spaces)
	assert.Equal(t, 0, r.size())
}

func TestAfterRegistryReentrantRegistrationRunsInSameDrain(t *testing.T) {
	var r afterRegistry
	var ran []string

	r.register(func(context.Context, bool, *session.Session) error {
		ran = append(ran, "outer")
		r.register(func(context.Context, bool, *session.Session) error {
			ran = append(ran, "inner")
			return nil
		})
		return nil
	})

	_, err := r.drain(context.Background(), false, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"outer", "inner"}, ran)
}
