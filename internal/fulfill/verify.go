package fulfill

import (
	"github.com/aidchain/orchestrator/internal/canonical"
	"github.com/aidchain/orchestrator/internal/domain"
	"github.com/aidchain/orchestrator/internal/geo"
)

const aerialToleranceMetersDefault = 30.0

// VerifyDelivery is verify_delivery() (§4.5): a pure function over proof
// inputs, no network calls.
func VerifyDelivery(class domain.FulfillerClass, proof domain.DeliveryProof, targetLatE7, targetLngE7 int64, aerialToleranceM float64) domain.DeliveryVerification {
	if aerialToleranceM <= 0 {
		aerialToleranceM = aerialToleranceMetersDefault
	}

	switch class {
	case domain.FulfillerAerial:
		return verifyAerial(proof, targetLatE7, targetLngE7, aerialToleranceM)
	default:
		return verifyHuman(proof)
	}
}

func verifyAerial(proof domain.DeliveryProof, targetLatE7, targetLngE7 int64, toleranceM float64) domain.DeliveryVerification {
	distance := geo.HaversineMeters(
		float64(targetLatE7)/geo.Scale1e7, float64(targetLngE7)/geo.Scale1e7,
		float64(proof.DropLatE7)/geo.Scale1e7, float64(proof.DropLngE7)/geo.Scale1e7,
	)
	gpsOK := distance < toleranceM
	imageOK := !proof.PayloadDigest.IsZero()

	if gpsOK && imageOK {
		return domain.DeliveryVerification{Verified: true, DistanceM: distance}
	}

	reason := "gps out of tolerance"
	if !imageOK {
		reason = "missing delivery image digest"
	}
	if !gpsOK && !imageOK {
		reason = "gps out of tolerance and missing image digest"
	}
	return domain.DeliveryVerification{Verified: false, Reason: reason, DistanceM: distance}
}

func verifyHuman(proof domain.DeliveryProof) domain.DeliveryVerification {
	signatureOK := len(proof.Signature) > 0
	officerOK := proof.OfficerID != ""

	if signatureOK && officerOK {
		return domain.DeliveryVerification{Verified: true}
	}

	switch {
	case !signatureOK && !officerOK:
		return domain.DeliveryVerification{Verified: false, Reason: "missing signature and officer id"}
	case !signatureOK:
		return domain.DeliveryVerification{Verified: false, Reason: "missing signature"}
	default:
		return domain.DeliveryVerification{Verified: false, Reason: "missing officer id"}
	}
}

// Digest returns the canonical hash of the verification record, submitted
// on-ledger (§4.5).
func Digest(v domain.DeliveryVerification) (canonical.Digest, error) {
	return v.Digest()
}
