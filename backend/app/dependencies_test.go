package app

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/policy-gate/backend/config"
	"github.com/upb/policy-gate/backend/services/reservation"
)

func TestDriftTolerance_Relative(t *testing.T) {
	tol, err := driftTolerance(config.DriftConfig{Mode: "relative", Ratio: 0.1})

	require.NoError(t, err)
	assert.Equal(t, reservation.ToleranceRelative, tol.Mode)
	assert.Equal(t, 0.1, tol.Ratio)
}

func TestDriftTolerance_Absolute(t *testing.T) {
	tol, err := driftTolerance(config.DriftConfig{Mode: "absolute", AbsoluteUSD: 50})

	require.NoError(t, err)
	assert.Equal(t, reservation.ToleranceAbsolute, tol.Mode)
	assert.Equal(t, 50.0, tol.AbsoluteUSD)
}

func TestDriftTolerance_UnknownMode(t *testing.T) {
	_, err := driftTolerance(config.DriftConfig{Mode: "fuzzy"})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown drift tolerance mode")
}
