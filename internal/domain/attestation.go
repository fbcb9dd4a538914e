package domain

import (
	"time"

	"github.com/aidchain/orchestrator/internal/canonical"
)

// GnssProofBundle is C2's output: an authenticated position+time fix plus
// the anti-spoofing battery's outcome, content-addressed for on-ledger
// anchoring.
type GnssProofBundle struct {
	AuthenticatedLatE7 int64     `json:"authenticated_lat_e7"`
	AuthenticatedLngE7 int64     `json:"authenticated_lng_e7"`
	AccuracyMeters     float64   `json:"accuracy_meters"`
	SatelliteCount     int       `json:"satellite_count"`
	AuthKeyID          string    `json:"auth_key_id"`
	AntiSpoofPassed    bool      `json:"anti_spoof_passed"`
	AuthenticatedAt    time.Time `json:"authenticated_at"`
	DeviceID           string    `json:"device_id"`
}

// Digest computes the bundle's canonical content-address.
func (b GnssProofBundle) Digest() (canonical.Digest, error) {
	return canonical.Hash(struct {
		Lat      int64 `json:"authenticated_lat_e7"`
		Lng      int64 `json:"authenticated_lng_e7"`
		Accuracy int64 `json:"accuracy_millimetres"`
		Sats     int   `json:"satellite_count"`
		KeyID    string `json:"auth_key_id"`
		Spoof    bool  `json:"anti_spoof_passed"`
		AuthAt   int64 `json:"authenticated_at_unix"`
		Device   string `json:"device_id"`
	}{
		Lat:      b.AuthenticatedLatE7,
		Lng:      b.AuthenticatedLngE7,
		Accuracy: int64(b.AccuracyMeters * 1000),
		Sats:     b.SatelliteCount,
		KeyID:    b.AuthKeyID,
		Spoof:    b.AntiSpoofPassed,
		AuthAt:   b.AuthenticatedAt.Unix(),
		Device:   b.DeviceID,
	})
}

// EventSeverity enumerates disaster-event severity (§3).
type EventSeverity uint8

const (
	SeverityLow EventSeverity = iota
	SeverityModerate
	SeveritySevere
	SeverityCritical
)

func (s EventSeverity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityModerate:
		return "moderate"
	case SeveritySevere:
		return "severe"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Score returns the severity component of the C3 scoring formula.
func (s EventSeverity) Score() float64 {
	switch s {
	case SeverityCritical:
		return 1.0
	case SeveritySevere:
		return 0.75
	case SeverityModerate:
		return 0.5
	case SeverityLow:
		return 0.25
	default:
		return 0
	}
}

// EventAttestation is C3's output.
type EventAttestation struct {
	EventID          string        `json:"event_id"`
	Class            string        `json:"class"`
	Severity         EventSeverity `json:"severity"`
	Region           string        `json:"region"`
	CentreLatE7      int64         `json:"centre_lat_e7"`
	CentreLngE7      int64         `json:"centre_lng_e7"`
	RadiusKM         float64       `json:"radius_km"`
	Sources          []string      `json:"sources"`
	DistanceKM       float64       `json:"distance_km"`
	Active           bool          `json:"active"`
	Timestamp        time.Time     `json:"timestamp"`
}

// Digest computes the attestation's canonical content-address.
func (e EventAttestation) Digest() (canonical.Digest, error) {
	sources := append([]string(nil), e.Sources...)
	return canonical.Hash(struct {
		EventID  string   `json:"event_id"`
		Class    string   `json:"class"`
		Severity string   `json:"severity"`
		Region   string   `json:"region"`
		Lat      int64    `json:"centre_lat_e7"`
		Lng      int64    `json:"centre_lng_e7"`
		RadiusM  int64    `json:"radius_metres"`
		Sources  []string `json:"sources"`
		Active   bool     `json:"active"`
		Ts       int64    `json:"timestamp_unix"`
	}{
		EventID: e.EventID,
		Class:   e.Class,
		Severity: e.Severity.String(),
		Region:  e.Region,
		Lat:     e.CentreLatE7,
		Lng:     e.CentreLngE7,
		RadiusM: int64(e.RadiusKM * 1000),
		Sources: sources,
		Active:  e.Active,
		Ts:      e.Timestamp.Unix(),
	})
}

// NodeVerdict is one LLM panel member's parsed, per-node response (§4.4).
type NodeVerdict struct {
	NodeID          string        `json:"node_id"`
	ModelID         string        `json:"model_id"`
	Valid           bool          `json:"valid"`
	Approved        bool          `json:"approved"`
	Reason          string        `json:"reason,omitempty"`
	RecommendedAid  AidClass      `json:"recommended_aid"`
	FulfillerType   FulfillerClass `json:"fulfiller_type"`
	EstimatedCost   int64         `json:"estimated_cost"`
	Confidence      int           `json:"confidence"`
	PriorityScore   int           `json:"priority_score"`
	Latency         time.Duration `json:"latency"`
}

// ConsensusTranscript is C4's output (§3/§4.4).
type ConsensusTranscript struct {
	NodeCount       int            `json:"node_count"`
	ValidCount      int            `json:"valid_count"`
	ApprovalCount   int            `json:"approval_count"`
	Approved        bool           `json:"approved"`
	RejectReason    string         `json:"reject_reason,omitempty"`
	ChosenAidClass  AidClass       `json:"chosen_aid_class"`
	ChosenFulfiller FulfillerClass `json:"chosen_fulfiller_class"`
	CostEstimate    int64          `json:"cost_estimate"`
	AverageConfidence float64      `json:"average_confidence"`
	Nodes           []NodeVerdict  `json:"nodes"`
}

// Digest computes the transcript's canonical content-address.
func (c ConsensusTranscript) Digest() (canonical.Digest, error) {
	type nodeDigestView struct {
		NodeID   string `json:"node_id"`
		ModelID  string `json:"model_id"`
		Valid    bool   `json:"valid"`
		Approved bool   `json:"approved"`
		Aid      string `json:"recommended_aid"`
		Cost     int64  `json:"estimated_cost"`
		Conf     int    `json:"confidence"`
	}
	nodes := make([]nodeDigestView, 0, len(c.Nodes))
	for _, n := range c.Nodes {
		nodes = append(nodes, nodeDigestView{
			NodeID: n.NodeID, ModelID: n.ModelID, Valid: n.Valid, Approved: n.Approved,
			Aid: n.RecommendedAid.String(), Cost: n.EstimatedCost, Conf: n.Confidence,
		})
	}
	return canonical.Hash(struct {
		NodeCount int              `json:"node_count"`
		Valid     int              `json:"valid_count"`
		Approvals int              `json:"approval_count"`
		Approved  bool             `json:"approved"`
		Aid       string           `json:"chosen_aid_class"`
		Fulfiller string           `json:"chosen_fulfiller_class"`
		Cost      int64            `json:"cost_estimate"`
		Nodes     []nodeDigestView `json:"nodes"`
	}{
		NodeCount: c.NodeCount, Valid: c.ValidCount, Approvals: c.ApprovalCount,
		Approved: c.Approved, Aid: c.ChosenAidClass.String(), Fulfiller: c.ChosenFulfiller.String(),
		Cost: c.CostEstimate, Nodes: nodes,
	})
}

// DeliveryProof is one of two variants (§3). Exactly one of Aerial/Human is
// set, discriminated by Class.
type DeliveryProof struct {
	Class FulfillerClass `json:"class"`

	// Aerial fields.
	DropLatE7      int64            `json:"drop_lat_e7,omitempty"`
	DropLngE7      int64            `json:"drop_lng_e7,omitempty"`
	PayloadDigest  canonical.Digest `json:"payload_digest,omitempty"`
	DroneID        string           `json:"drone_id,omitempty"`

	// Human-fulfilled fields.
	OfficerID string `json:"officer_id,omitempty"`
	Signature []byte `json:"signature,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// DeliveryVerification is C5's output for a single delivery proof.
type DeliveryVerification struct {
	Verified   bool    `json:"verified"`
	Reason     string  `json:"reason,omitempty"`
	DistanceM  float64 `json:"distance_m,omitempty"`
}

// Digest computes the verification record's canonical content-address.
func (v DeliveryVerification) Digest() (canonical.Digest, error) {
	return canonical.Hash(struct {
		Verified bool   `json:"verified"`
		Reason   string `json:"reason,omitempty"`
	}{Verified: v.Verified, Reason: v.Reason})
}
