// Package geo implements the coordinate arithmetic shared by every
// attestation component: GNSS cross-checking (C2), disaster-event scoring
// (C3) and delivery-proof verification (C5). All three specify distance in
// terms of the haversine great-circle formula over the same Earth radius, so
// it lives in one place rather than being re-derived per component.
package geo

import "math"

// EarthRadiusMeters is the sphere radius used for every haversine
// computation in the orchestrator.
const EarthRadiusMeters = 6371000.0

// Scale1e7 converts decimal degrees to the signed fixed-point integer
// representation (scale 10^7) that crosses the ledger-adapter boundary.
const Scale1e7 = 1e7

// Point is a coordinate pair in signed fixed-point form (degrees × 10^7).
type Point struct {
	LatE7 int64
	LngE7 int64
}

// Degrees returns the point as decimal degrees.
func (p Point) Degrees() (lat, lng float64) {
	return float64(p.LatE7) / Scale1e7, float64(p.LngE7) / Scale1e7
}

// FromDegrees builds a fixed-point Point from decimal degrees.
func FromDegrees(lat, lng float64) Point {
	return Point{
		LatE7: int64(math.Round(lat * Scale1e7)),
		LngE7: int64(math.Round(lng * Scale1e7)),
	}
}

// HaversineMeters returns the great-circle distance between two decimal
// degree coordinates in metres.
func HaversineMeters(lat1, lng1, lat2, lng2 float64) float64 {
	const toRad = math.Pi / 180

	phi1, phi2 := lat1*toRad, lat2*toRad
	dPhi := (lat2 - lat1) * toRad
	dLambda := (lng2 - lng1) * toRad

	sinDPhi2 := math.Sin(dPhi / 2)
	sinDLambda2 := math.Sin(dLambda / 2)

	a := sinDPhi2*sinDPhi2 + math.Cos(phi1)*math.Cos(phi2)*sinDLambda2*sinDLambda2
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusMeters * c
}

// HaversinePoints is HaversineMeters over two fixed-point Points.
func HaversinePoints(a, b Point) float64 {
	lat1, lng1 := a.Degrees()
	lat2, lng2 := b.Degrees()
	return HaversineMeters(lat1, lng1, lat2, lng2)
}

// HaversineKM is HaversineMeters expressed in kilometres, the unit the
// event-attestation engine (C3) scores and reports distances in.
func HaversineKM(lat1, lng1, lat2, lng2 float64) float64 {
	return HaversineMeters(lat1, lng1, lat2, lng2) / 1000.0
}
