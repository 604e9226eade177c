package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultsSatisfiesValidate(t *testing.T) {
	require.NoError(t, Defaults().Validate())
}

func TestValidateRejectsSlowHeartbeat(t *testing.T) {
	c := Defaults()
	c.HeartbeatInterval = c.TimeoutInterval
	require.Error(t, c.Validate())
}

func TestValidateAcceptsHeartbeatAtQuarterBoundary(t *testing.T) {
	c := Defaults()
	c.TimeoutInterval = 4 * time.Minute
	c.HeartbeatInterval = time.Minute
	require.NoError(t, c.Validate())
}
