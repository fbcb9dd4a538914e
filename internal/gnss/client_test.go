package gnss

import (
	"context"
	"testing"
	"time"

	"github.com/aidchain/orchestrator/internal/logging"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		MinSatellites:        4,
		CNRStdDevThresholdDB: 0.5,
		ElevationDeltaDB:     5,
		PositionToleranceM:   50,
		Timeout:              5 * time.Second,
	}
}

func fourHealthySatellites() []SatelliteSample {
	return []SatelliteSample{
		{PRN: 1, ElevationDeg: 10, CNRatioDB: 38, AuthChainValid: true},
		{PRN: 2, ElevationDeg: 25, CNRatioDB: 44, AuthChainValid: true},
		{PRN: 3, ElevationDeg: 55, CNRatioDB: 41, AuthChainValid: true},
		{PRN: 4, ElevationDeg: 70, CNRatioDB: 47, AuthChainValid: true},
	}
}

func TestVerifyLocation_HappyPath(t *testing.T) {
	client := New("", testConfig(), logging.New(logging.Options{}))

	claim := LocationClaim{
		RequestID:    1,
		ClaimedLatE7: -170523000,
		ClaimedLngE7: 368714000,
		DeviceID:     "dev-1",
		RawSignal: RawSignalBundle{
			DeviceID:           "dev-1",
			Satellites:         fourHealthySatellites(),
			AuthKeyID:          "key-1",
			PseudorangeLatE7:   -170523000,
			PseudorangeLngE7:   368714000,
			AtomicTimestampRaw: 1700000000,
		},
	}

	bundle, err := client.VerifyLocation(context.Background(), claim)
	require.NoError(t, err)
	require.True(t, bundle.AntiSpoofPassed)
	require.Equal(t, 4, bundle.SatelliteCount)
}

func TestVerifyLocation_InsufficientCoverage(t *testing.T) {
	client := New("", testConfig(), logging.New(logging.Options{}))

	claim := LocationClaim{
		RawSignal: RawSignalBundle{
			Satellites: fourHealthySatellites()[:3],
		},
	}

	_, err := client.VerifyLocation(context.Background(), claim)
	require.Error(t, err)
	var f *Failure
	require.ErrorAs(t, err, &f)
	require.Equal(t, FailInsufficientCoverage, f.Kind)
}

func TestVerifyLocation_SpoofingDetected_LowDispersion(t *testing.T) {
	client := New("", testConfig(), logging.New(logging.Options{}))

	sats := []SatelliteSample{
		{PRN: 1, ElevationDeg: 10, CNRatioDB: 40.0, AuthChainValid: true},
		{PRN: 2, ElevationDeg: 25, CNRatioDB: 40.1, AuthChainValid: true},
		{PRN: 3, ElevationDeg: 55, CNRatioDB: 39.9, AuthChainValid: true},
		{PRN: 4, ElevationDeg: 70, CNRatioDB: 40.0, AuthChainValid: true},
	}
	claim := LocationClaim{
		RawSignal: RawSignalBundle{Satellites: sats, PseudorangeLatE7: -170523000, PseudorangeLngE7: 368714000},
		ClaimedLatE7: -170523000,
		ClaimedLngE7: 368714000,
	}

	_, err := client.VerifyLocation(context.Background(), claim)
	require.Error(t, err)
	var f *Failure
	require.ErrorAs(t, err, &f)
	require.Equal(t, FailSpoofingDetected, f.Kind)
}

func TestVerifyLocation_AuthenticationFailed_MixedChainValidity(t *testing.T) {
	client := New("", testConfig(), logging.New(logging.Options{}))

	// Five satellites so four authenticated ones still clear the
	// MinSatellites coverage gate even with one broken chain mixed in.
	sats := append(fourHealthySatellites(), SatelliteSample{PRN: 5, ElevationDeg: 40, CNRatioDB: 42, AuthChainValid: false})

	claim := LocationClaim{
		ClaimedLatE7: -170523000,
		ClaimedLngE7: 368714000,
		RawSignal: RawSignalBundle{
			Satellites:       sats,
			PseudorangeLatE7: -170523000,
			PseudorangeLngE7: 368714000,
		},
	}

	_, err := client.VerifyLocation(context.Background(), claim)
	require.Error(t, err)
	var f *Failure
	require.ErrorAs(t, err, &f)
	require.Equal(t, FailAuthenticationFailed, f.Kind)
}

func TestVerifyLocation_PositionMismatch(t *testing.T) {
	client := New("", testConfig(), logging.New(logging.Options{}))

	claim := LocationClaim{
		ClaimedLatE7: -170523000,
		ClaimedLngE7: 368714000,
		RawSignal: RawSignalBundle{
			Satellites:       fourHealthySatellites(),
			PseudorangeLatE7: -171523000,
			PseudorangeLngE7: 368714000,
		},
	}

	_, err := client.VerifyLocation(context.Background(), claim)
	require.Error(t, err)
	var f *Failure
	require.ErrorAs(t, err, &f)
	require.Equal(t, FailPositionMismatch, f.Kind)
}
