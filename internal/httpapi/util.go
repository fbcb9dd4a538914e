package httpapi

import (
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"sync/atomic"

	"github.com/gin-gonic/gin"

	"github.com/aidchain/orchestrator/internal/canonical"
	"github.com/aidchain/orchestrator/internal/domain"
	"github.com/aidchain/orchestrator/internal/geo"
)

func latLngToE7(lat, lng float64) geo.Point {
	return geo.FromDegrees(lat, lng)
}

func parseRequestID(c *gin.Context) (uint64, error) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid request id: %w", err)
	}
	return id, nil
}

// nextRequestID hands out process-local sequential ids for newly submitted
// requests; the ledger assigns the authoritative id on-chain, this is a
// placeholder the orchestrator uses before the write commits.
func (s *Server) nextRequestID() uint64 {
	return atomic.AddUint64(&s.requestSeq, 1)
}

var deliverableRefPattern = regexp.MustCompile(`^aidchain-(\d+)$`)

// parseDeliverableRef extracts the request id from a webhook's deliverable
// reference, which must match the pattern aidchain-{id} (§6).
func parseDeliverableRef(ref string) (uint64, bool) {
	m := deliverableRefPattern.FindStringSubmatch(ref)
	if m == nil {
		return 0, false
	}
	id, err := strconv.ParseUint(m[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

func deliveryProofFromBody(body confirmDeliveryBody) domain.DeliveryProof {
	class := domain.FulfillerClass(body.Class)
	proof := domain.DeliveryProof{Class: class}

	if class == domain.FulfillerAerial {
		point := geo.FromDegrees(body.DropLat, body.DropLng)
		proof.DropLatE7 = point.LatE7
		proof.DropLngE7 = point.LngE7
		proof.PayloadDigest = digestFromHex(body.ImageHex)
	} else {
		proof.OfficerID = body.OfficerID
		proof.Signature = []byte(body.Signature)
	}
	return proof
}

func digestFromHex(s string) canonical.Digest {
	var d canonical.Digest
	if s == "" {
		return d
	}
	decoded, err := hex.DecodeString(s)
	if err != nil || len(decoded) != len(d) {
		return d
	}
	copy(d[:], decoded)
	return d
}
