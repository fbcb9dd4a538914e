package geo

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHaversineMeters_SamePoint(t *testing.T) {
	d := HaversineMeters(-17.0523, 36.8714, -17.0523, 36.8714)
	assert.InDelta(t, 0, d, 1e-6)
}

func TestHaversineMeters_KnownDistance(t *testing.T) {
	// London to Paris, roughly 343km.
	d := HaversineKM(51.5074, -0.1278, 48.8566, 2.3522)
	assert.InDelta(t, 343, d, 5)
}

func TestHaversineMeters_AerialTolerance(t *testing.T) {
	// Boundary scenario 1: drop within ~1m of target must clear 30m tolerance.
	target := Point{LatE7: -170523000, LngE7: 368714000}
	drop := FromDegrees(-17.05231, 36.87138)
	d := HaversinePoints(target, drop)
	require.Less(t, d, 30.0)
}

func TestHaversineMeters_AerialOutsideTolerance(t *testing.T) {
	// Boundary scenario 5: ~95m drop must fail 30m tolerance.
	target := FromDegrees(-17.0523, 36.8714)
	drop := FromDegrees(-17.0530, 36.8720)
	d := HaversinePoints(target, drop)
	assert.Greater(t, d, 30.0)
	assert.InDelta(t, 95, d, 15)
}

func TestFromDegreesRoundTrip(t *testing.T) {
	p := FromDegrees(-17.0523123, 36.8714456)
	lat, lng := p.Degrees()
	assert.True(t, math.Abs(lat-(-17.0523123)) < 1e-6)
	assert.True(t, math.Abs(lng-36.8714456) < 1e-6)
}
