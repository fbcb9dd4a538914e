// Package gnss drives the upstream GNSS authentication backend (C2):
// satellite coverage, navigation-message authentication, anti-spoofing,
// and a haversine cross-check against the claimed coordinates.
package gnss

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/aidchain/orchestrator/internal/canonical"
	"github.com/aidchain/orchestrator/internal/domain"
	"github.com/aidchain/orchestrator/internal/geo"
	"github.com/aidchain/orchestrator/internal/logging"
)

// FailureKind enumerates the ways verify_location can fail (§4.2).
type FailureKind string

const (
	FailInsufficientCoverage FailureKind = "InsufficientCoverage"
	FailAuthenticationFailed FailureKind = "AuthenticationFailed"
	FailSpoofingDetected     FailureKind = "SpoofingDetected"
	FailPositionMismatch     FailureKind = "PositionMismatch"
)

// Failure carries a FailureKind plus a human-readable reason for audit logs.
type Failure struct {
	Kind   FailureKind
	Reason string
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s", f.Kind, f.Reason)
}

// SatelliteSample is one authenticated satellite observation in the raw
// signal bundle, as delegated from the upstream authenticator.
type SatelliteSample struct {
	PRN            int     `json:"prn"`
	ElevationDeg   float64 `json:"elevation_deg"`
	CNRatioDB      float64 `json:"cnr_db"`
	AuthChainValid bool    `json:"auth_chain_valid"`
}

// RawSignalBundle is the device-supplied payload for a location claim.
type RawSignalBundle struct {
	DeviceID           string             `json:"device_id"`
	Satellites         []SatelliteSample  `json:"satellites"`
	AuthKeyID          string             `json:"auth_key_id"`
	PseudorangeLatE7   int64              `json:"pseudorange_lat_e7"`
	PseudorangeLngE7   int64              `json:"pseudorange_lng_e7"`
	AtomicTimestampRaw int64              `json:"atomic_timestamp_unix"`
}

// LocationClaim is the request passed to VerifyLocation.
type LocationClaim struct {
	RequestID      uint64
	ClaimedLatE7   int64
	ClaimedLngE7   int64
	DeviceID       string
	RawSignal      RawSignalBundle
}

// Config bounds the anti-spoofing thresholds and timeouts (§7 "GNSS").
type Config struct {
	MinSatellites        int
	CNRStdDevThresholdDB float64
	ElevationDeltaDB     float64
	PositionToleranceM   float64
	Timeout              time.Duration
}

// Client verifies location claims, optionally delegating the pseudorange
// fix computation to an upstream HTTP authenticator when AuthenticatorURL
// is set; otherwise it trusts the pseudorange fields already present on
// the raw signal bundle (useful for simulators and tests).
type Client struct {
	httpClient      *http.Client
	authenticatorURL string
	cfg             Config
	log             logging.Logger
}

// New constructs a GNSS Client.
func New(authenticatorURL string, cfg Config, log logging.Logger) *Client {
	return &Client{
		httpClient:       &http.Client{Timeout: cfg.Timeout},
		authenticatorURL: authenticatorURL,
		cfg:              cfg,
		log:              log.WithComponent("gnss"),
	}
}

// VerifyLocation runs the §4.2 algorithm and returns a proof bundle or a
// typed Failure. The failure, if any, is still meaningful for the audit
// trail — callers must record it even though it halts the pipeline.
func (c *Client) VerifyLocation(ctx context.Context, claim LocationClaim) (*domain.GnssProofBundle, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	satCount := countAuthenticated(claim.RawSignal.Satellites)
	if satCount < c.cfg.MinSatellites {
		return nil, &Failure{Kind: FailInsufficientCoverage, Reason: fmt.Sprintf("%d authenticated satellites, need %d", satCount, c.cfg.MinSatellites)}
	}

	if !authChainValid(claim.RawSignal.Satellites) {
		return nil, &Failure{Kind: FailAuthenticationFailed, Reason: "navigation-message authentication chain broken"}
	}

	if reason := c.antiSpoofBattery(claim.RawSignal.Satellites); reason != "" {
		return nil, &Failure{Kind: FailSpoofingDetected, Reason: reason}
	}

	authLat, authLng, err := c.resolvePosition(ctx, claim)
	if err != nil {
		return nil, err
	}

	distance := geo.HaversineMeters(
		float64(claim.ClaimedLatE7)/geo.Scale1e7, float64(claim.ClaimedLngE7)/geo.Scale1e7,
		authLat, authLng,
	)
	if distance > c.cfg.PositionToleranceM {
		return nil, &Failure{Kind: FailPositionMismatch, Reason: fmt.Sprintf("%.1fm", distance)}
	}

	authTime := c.authenticatedTime(claim.RawSignal)
	authPoint := geo.FromDegrees(authLat, authLng)

	bundle := &domain.GnssProofBundle{
		AuthenticatedLatE7: authPoint.LatE7,
		AuthenticatedLngE7: authPoint.LngE7,
		AccuracyMeters:     distance,
		SatelliteCount:     satCount,
		AuthKeyID:          claim.RawSignal.AuthKeyID,
		AntiSpoofPassed:    true,
		AuthenticatedAt:    authTime,
		DeviceID:           claim.DeviceID,
	}
	return bundle, nil
}

// Digest returns the canonical hash of a proof bundle. The orchestrator
// anchors this digest on-ledger together with the event attestation digest,
// in the single SubmitVerification write made at EventVerify (stage 3) exit.
func (c *Client) Digest(bundle *domain.GnssProofBundle) (canonical.Digest, error) {
	return bundle.Digest()
}

func countAuthenticated(samples []SatelliteSample) int {
	n := 0
	for _, s := range samples {
		if s.AuthChainValid {
			n++
		}
	}
	return n
}

// authChainValid requires every satellite in the snapshot to carry a valid
// navigation-message authentication chain (§4.2 step 2) — a bundle mixing
// authenticated and broken-chain satellites must fail here, not just a
// bundle with zero authenticated satellites (that's the coverage gate above).
func authChainValid(samples []SatelliteSample) bool {
	if len(samples) == 0 {
		return false
	}
	for _, s := range samples {
		if !s.AuthChainValid {
			return false
		}
	}
	return true
}

// antiSpoofBattery runs the two checks from §4.2 step 3 and returns a
// non-empty reason string on failure.
func (c *Client) antiSpoofBattery(samples []SatelliteSample) string {
	if len(samples) == 0 {
		return "no satellite samples"
	}

	stddev := cnrStdDev(samples)
	if stddev <= c.cfg.CNRStdDevThresholdDB {
		return fmt.Sprintf("carrier-to-noise dispersion %.2fdB below threshold %.2fdB", stddev, c.cfg.CNRStdDevThresholdDB)
	}

	lowMean, highMean, ok := elevationPowerMeans(samples)
	if ok && lowMean-highMean > c.cfg.ElevationDeltaDB {
		return fmt.Sprintf("low-elevation/high-elevation power delta %.2fdB exceeds %.2fdB", lowMean-highMean, c.cfg.ElevationDeltaDB)
	}

	return ""
}

func cnrStdDev(samples []SatelliteSample) float64 {
	n := float64(len(samples))
	var sum float64
	for _, s := range samples {
		sum += s.CNRatioDB
	}
	mean := sum / n

	var sqDiff float64
	for _, s := range samples {
		d := s.CNRatioDB - mean
		sqDiff += d * d
	}
	return math.Sqrt(sqDiff / n)
}

// elevationPowerMeans splits samples at the median elevation and returns
// the mean CNR of the low-elevation half vs the high-elevation half.
func elevationPowerMeans(samples []SatelliteSample) (low, high float64, ok bool) {
	if len(samples) < 2 {
		return 0, 0, false
	}
	sorted := make([]SatelliteSample, len(samples))
	copy(sorted, samples)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j-1].ElevationDeg > sorted[j].ElevationDeg; j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}

	mid := len(sorted) / 2
	lowHalf, highHalf := sorted[:mid], sorted[mid:]
	if len(lowHalf) == 0 || len(highHalf) == 0 {
		return 0, 0, false
	}

	var lowSum, highSum float64
	for _, s := range lowHalf {
		lowSum += s.CNRatioDB
	}
	for _, s := range highHalf {
		highSum += s.CNRatioDB
	}
	return lowSum / float64(len(lowHalf)), highSum / float64(len(highHalf)), true
}

// resolvePosition delegates to the upstream authenticator when configured;
// otherwise it trusts the pseudorange fields on the bundle (fixture mode).
func (c *Client) resolvePosition(ctx context.Context, claim LocationClaim) (lat, lng float64, err error) {
	if c.authenticatorURL == "" {
		return float64(claim.RawSignal.PseudorangeLatE7) / geo.Scale1e7,
			float64(claim.RawSignal.PseudorangeLngE7) / geo.Scale1e7, nil
	}

	body, err := json.Marshal(claim.RawSignal)
	if err != nil {
		return 0, 0, fmt.Errorf("gnss: marshal signal bundle: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.authenticatorURL+"/v1/position-fix", bytes.NewReader(body))
	if err != nil {
		return 0, 0, fmt.Errorf("gnss: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, 0, &Failure{Kind: FailAuthenticationFailed, Reason: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, 0, &Failure{Kind: FailAuthenticationFailed, Reason: fmt.Sprintf("authenticator returned %d", resp.StatusCode)}
	}

	var fix struct {
		LatE7 int64 `json:"lat_e7"`
		LngE7 int64 `json:"lng_e7"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&fix); err != nil {
		return 0, 0, fmt.Errorf("gnss: decode position fix: %w", err)
	}
	return float64(fix.LatE7) / geo.Scale1e7, float64(fix.LngE7) / geo.Scale1e7, nil
}

func (c *Client) authenticatedTime(bundle RawSignalBundle) time.Time {
	if bundle.AtomicTimestampRaw == 0 {
		return time.Now().UTC()
	}
	return time.Unix(bundle.AtomicTimestampRaw, 0).UTC()
}
