package fulfill

import (
	"testing"

	"github.com/aidchain/orchestrator/internal/canonical"
	"github.com/aidchain/orchestrator/internal/domain"
	"github.com/aidchain/orchestrator/internal/geo"
	"github.com/stretchr/testify/require"
)

func TestVerifyDelivery_AerialWithinTolerance(t *testing.T) {
	target := geo.FromDegrees(-17.0523, 36.8714)
	drop := geo.FromDegrees(-17.05231, 36.87138)

	digest, err := canonical.Hash(map[string]string{"image": "present"})
	require.NoError(t, err)

	proof := domain.DeliveryProof{
		Class:         domain.FulfillerAerial,
		DropLatE7:     drop.LatE7,
		DropLngE7:     drop.LngE7,
		PayloadDigest: digest,
	}

	result := VerifyDelivery(domain.FulfillerAerial, proof, target.LatE7, target.LngE7, 30)
	require.True(t, result.Verified)
	require.Less(t, result.DistanceM, 30.0)
}

func TestVerifyDelivery_AerialOutsideTolerance(t *testing.T) {
	target := geo.FromDegrees(-17.0523, 36.8714)
	drop := geo.FromDegrees(-17.0532, 36.8714)

	digest, _ := canonical.Hash(map[string]string{"image": "present"})
	proof := domain.DeliveryProof{Class: domain.FulfillerAerial, DropLatE7: drop.LatE7, DropLngE7: drop.LngE7, PayloadDigest: digest}

	result := VerifyDelivery(domain.FulfillerAerial, proof, target.LatE7, target.LngE7, 30)
	require.False(t, result.Verified)
}

func TestVerifyDelivery_AerialMissingImageDigest(t *testing.T) {
	target := geo.FromDegrees(-17.0523, 36.8714)
	proof := domain.DeliveryProof{Class: domain.FulfillerAerial, DropLatE7: target.LatE7, DropLngE7: target.LngE7}

	result := VerifyDelivery(domain.FulfillerAerial, proof, target.LatE7, target.LngE7, 30)
	require.False(t, result.Verified)
	require.Contains(t, result.Reason, "image digest")
}

func TestVerifyDelivery_HumanVerified(t *testing.T) {
	proof := domain.DeliveryProof{Class: domain.FulfillerHuman, OfficerID: "officer-1", Signature: []byte("sig")}
	result := VerifyDelivery(domain.FulfillerHuman, proof, 0, 0, 30)
	require.True(t, result.Verified)
}

func TestVerifyDelivery_HumanMissingOfficer(t *testing.T) {
	proof := domain.DeliveryProof{Class: domain.FulfillerHuman, Signature: []byte("sig")}
	result := VerifyDelivery(domain.FulfillerHuman, proof, 0, 0, 30)
	require.False(t, result.Verified)
	require.Contains(t, result.Reason, "officer")
}
