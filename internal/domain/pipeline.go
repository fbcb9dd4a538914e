package domain

import "time"

// Stage numbers the eight pipeline stages plus the AwaitingDelivery wait
// state (§4.6), so logs and the wire API can report a plain integer.
type Stage int

const (
	StageRequest Stage = iota + 1
	StageGnssVerify
	StageEventVerify
	StageConsensus
	StageContract
	StageFulfillment
	StageAwaitingDelivery
	StageReceipt
	StageSettlement
)

func (s Stage) String() string {
	switch s {
	case StageRequest:
		return "request"
	case StageGnssVerify:
		return "gnss_verify"
	case StageEventVerify:
		return "event_verify"
	case StageConsensus:
		return "consensus"
	case StageContract:
		return "contract"
	case StageFulfillment:
		return "fulfillment"
	case StageAwaitingDelivery:
		return "awaiting_delivery"
	case StageReceipt:
		return "receipt"
	case StageSettlement:
		return "settlement"
	default:
		return "unknown"
	}
}

// StageAttestations collects the attestations attached to a pipeline record
// as it advances (§3 Pipeline Record).
type StageAttestations struct {
	GnssProof             *GnssProofBundle
	EventAttestation      *EventAttestation
	ConsensusTranscript   *ConsensusTranscript
	DeliveryProof         *DeliveryProof
	DeliveryVerification  *DeliveryVerification
}

// PipelineRecord is the orchestrator's in-memory, transient per-request
// state (§3). It exists iff the on-ledger status is in
// {Submitted...DeliverySubmitted} and the orchestrator is still driving it.
type PipelineRecord struct {
	RequestID       uint64
	CurrentStage    Stage
	StageEnteredAt  map[Stage]time.Time
	StageExitedAt   map[Stage]time.Time
	Attestations    StageAttestations
	LastError       error
	CreatedAt       time.Time
	AwaitingSince   time.Time

	// deliveryCh is the rendezvous point for the webhook handler (C8) to
	// hand a proof to the goroutine blocked at StageAwaitingDelivery.
	deliveryCh chan DeliveryProof
}

// NewPipelineRecord creates a fresh record at StageRequest.
func NewPipelineRecord(requestID uint64, now time.Time) *PipelineRecord {
	return &PipelineRecord{
		RequestID:      requestID,
		CurrentStage:   StageRequest,
		StageEnteredAt: map[Stage]time.Time{StageRequest: now},
		StageExitedAt:  map[Stage]time.Time{},
		CreatedAt:      now,
		deliveryCh:     make(chan DeliveryProof, 1),
	}
}

// EnterStage records stage entry and advances CurrentStage.
func (p *PipelineRecord) EnterStage(stage Stage, now time.Time) {
	p.CurrentStage = stage
	if p.StageEnteredAt == nil {
		p.StageEnteredAt = map[Stage]time.Time{}
	}
	p.StageEnteredAt[stage] = now
}

// ExitStage records stage completion.
func (p *PipelineRecord) ExitStage(stage Stage, now time.Time) {
	if p.StageExitedAt == nil {
		p.StageExitedAt = map[Stage]time.Time{}
	}
	p.StageExitedAt[stage] = now
}

// DeliveryChannel returns the channel the AwaitingDelivery stage receives
// on, and the one the webhook handler sends on. It is buffered (size 1) so
// the webhook handler never blocks on a slow orchestrator.
func (p *PipelineRecord) DeliveryChannel() chan DeliveryProof {
	return p.deliveryCh
}

// ElapsedMillis returns the time since the record was created, in
// milliseconds, for the /api/requests/{id}/pipeline query surface.
func (p *PipelineRecord) ElapsedMillis(now time.Time) int64 {
	return now.Sub(p.CreatedAt).Milliseconds()
}
