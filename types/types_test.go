package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConfigErrorFormatting(t *testing.T) {
	err := NewConfigError("insertOne", "unrecognized argument %q", "bogus")
	require.Contains(t, err.Error(), "configuration error in insertOne")
	require.Contains(t, err.Error(), `unrecognized argument "bogus"`)
}

func TestConfigErrorUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := &ConfigError{Op: "createEntities", Reason: "bad spec", Cause: cause}
	require.ErrorIs(t, err, cause)
	require.True(t, IsConfigError(err))
	require.True(t, IsConfigError(fmt.Errorf("wrapped: %w", err)))
	require.False(t, IsConfigError(cause))
}

func TestAssertionErrorTrail(t *testing.T) {
	err := &AssertionError{
		Msg:   "values do not match",
		Trail: []string{"Test: example", "Operation: find"},
	}
	require.Contains(t, err.Error(), "values do not match")
	require.Contains(t, err.Error(), "Test: example")
	require.Contains(t, err.Error(), "Operation: find")
}

func TestAssertionErrorUnwrap(t *testing.T) {
	cause := errors.New("socket closed")
	err := &AssertionError{Msg: "task failed", Cause: cause, Timeout: false}
	require.ErrorIs(t, err, cause)
	require.True(t, IsAssertionError(err))
	require.False(t, IsAssertionError(errors.New("plain")))
}

func TestEntityKindString(t *testing.T) {
	require.Equal(t, "client", EntityClient.String())
	require.Equal(t, "topologyDescription", EntityTopologyDescription.String())
}
