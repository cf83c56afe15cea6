package engine

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConfigError_IsErrInvalidOption(t *testing.T) {
	t.Parallel()
	err := &ConfigError{Field: "min-ttl", Err: errors.New("must be >= 1")}
	require.True(t, errors.Is(err, ErrInvalidOption))
	require.Contains(t, err.Error(), "min-ttl")
}

func TestConfigError_NoField(t *testing.T) {
	t.Parallel()
	err := &ConfigError{Err: errors.New("boom")}
	require.Equal(t, "invalid config: boom", err.Error())
}

func TestResourceError_WrapsUnderlying(t *testing.T) {
	t.Parallel()
	underlying := errors.New("permission denied")
	err := &ResourceError{Op: "socket", Err: underlying}
	require.ErrorIs(t, err, underlying)
	require.Contains(t, err.Error(), "socket")
}
