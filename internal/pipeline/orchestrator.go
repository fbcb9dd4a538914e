package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/aidchain/orchestrator/internal/attestation"
	"github.com/aidchain/orchestrator/internal/bus"
	"github.com/aidchain/orchestrator/internal/consensus"
	"github.com/aidchain/orchestrator/internal/domain"
	"github.com/aidchain/orchestrator/internal/fulfill"
	"github.com/aidchain/orchestrator/internal/gnss"
	"github.com/aidchain/orchestrator/internal/ledger"
	"github.com/aidchain/orchestrator/internal/logging"
	"github.com/aidchain/orchestrator/internal/metrics"
)

// SubmissionRequest is the input at stage 1, sourced from POST
// /api/requests (§6).
type SubmissionRequest struct {
	RequestID uint64
	Requester string
	AidClass  domain.AidClass
	Urgency   domain.Urgency
	LatE7     int64
	LngE7     int64
	DeviceID  string
	RawSignal gnss.RawSignalBundle
}

// Config bounds the orchestrator's own policy: delivery timeout window and
// aerial verification tolerance.
type Config struct {
	DeliveryTimeoutWindow time.Duration
	AerialToleranceMeters float64
	EventSearchRadiusKM   float64
}

// Orchestrator is C6: the state machine that drives one request through
// GnssVerify, EventVerify, Consensus, Contract, Fulfillment,
// AwaitingDelivery, Receipt and Settlement.
type Orchestrator struct {
	registry   *Registry
	ledgerAdp  *ledger.Adapter
	gnssClient *gnss.Client
	attest     *attestation.Engine
	consensus  *consensus.Engine
	dispatcher *fulfill.Dispatcher
	bus        *bus.Bus
	cfg        Config
	log        logging.Logger
}

// New wires C6 over its dependencies.
func New(
	ledgerAdp *ledger.Adapter,
	gnssClient *gnss.Client,
	attest *attestation.Engine,
	consensusEngine *consensus.Engine,
	dispatcher *fulfill.Dispatcher,
	eventBus *bus.Bus,
	cfg Config,
	log logging.Logger,
) *Orchestrator {
	return &Orchestrator{
		registry:   NewRegistry(),
		ledgerAdp:  ledgerAdp,
		gnssClient: gnssClient,
		attest:     attest,
		consensus:  consensusEngine,
		dispatcher: dispatcher,
		bus:        eventBus,
		cfg:        cfg,
		log:        log.WithComponent("pipeline.orchestrator"),
	}
}

// Registry exposes the pipeline registry for the HTTP surface's read
// endpoints.
func (o *Orchestrator) Registry() *Registry {
	return o.registry
}

// Submit starts a new pipeline for a freshly created ledger request. It
// runs to completion (or a terminal failure) in its own goroutine; Submit
// itself returns as soon as the record is created (stage 1 "exits
// immediate", §4.6).
func (o *Orchestrator) Submit(ctx context.Context, req SubmissionRequest) *domain.PipelineRecord {
	now := time.Now()
	rec := o.registry.Create(req.RequestID, now)
	o.emit(rec, bus.StatusStarted, "request submitted", nil)

	go o.run(context.Background(), rec, req)

	return rec
}

// ConfirmDelivery hands a delivery proof to the pipeline blocked at
// StageAwaitingDelivery, the rendezvous named in §5. It returns false if no
// pipeline is currently awaiting delivery for the request.
func (o *Orchestrator) ConfirmDelivery(requestID uint64, proof domain.DeliveryProof) bool {
	rec, ok := o.registry.Get(requestID)
	if !ok || rec.CurrentStage != domain.StageAwaitingDelivery {
		return false
	}
	select {
	case rec.DeliveryChannel() <- proof:
		return true
	default:
		return false
	}
}

// SweepTimeouts scans active pipelines for delivery windows that have
// elapsed and invokes timeout_request on each (§5 cancellation rule).
func (o *Orchestrator) SweepTimeouts(ctx context.Context) {
	for _, rec := range o.registry.Active() {
		if rec.CurrentStage != domain.StageAwaitingDelivery || rec.AwaitingSince.IsZero() {
			continue
		}
		if time.Since(rec.AwaitingSince) < o.cfg.DeliveryTimeoutWindow {
			continue
		}
		o.timeoutRequest(ctx, rec)
	}
}

func (o *Orchestrator) run(ctx context.Context, rec *domain.PipelineRecord, req SubmissionRequest) {
	defer o.registry.Remove(req.RequestID)

	if !o.stageGnssVerify(ctx, rec, req) {
		return
	}
	eventAttestation, ok := o.stageEventVerify(ctx, rec, req)
	if !ok {
		return
	}
	transcript, ok := o.stageConsensus(ctx, rec, req, eventAttestation)
	if !ok {
		return
	}
	if !o.stageContract(ctx, rec, req, transcript) {
		return
	}
	dispatchResult, ok := o.stageFulfillment(ctx, rec, req, transcript)
	if !ok {
		return
	}
	proof, ok := o.stageAwaitingDelivery(ctx, rec)
	if !ok {
		return
	}
	verification, ok := o.stageReceipt(ctx, rec, req, transcript, proof)
	if !ok {
		return
	}
	o.stageSettlement(ctx, rec, req, dispatchResult, verification)
}

// ---- Stage 2: GnssVerify -----------------------------------------------

func (o *Orchestrator) stageGnssVerify(ctx context.Context, rec *domain.PipelineRecord, req SubmissionRequest) bool {
	now := time.Now()
	rec.EnterStage(domain.StageGnssVerify, now)
	o.emit(rec, bus.StatusStarted, "verifying gnss location", nil)

	bundle, err := o.gnssClient.VerifyLocation(ctx, gnss.LocationClaim{
		RequestID:    req.RequestID,
		ClaimedLatE7: req.LatE7,
		ClaimedLngE7: req.LngE7,
		DeviceID:     req.DeviceID,
		RawSignal:    req.RawSignal,
	})
	if err != nil {
		o.fail(rec, domain.StageGnssVerify, err)
		return false
	}

	rec.Attestations.GnssProof = bundle
	rec.ExitStage(domain.StageGnssVerify, time.Now())
	metrics.ObserveStage(domain.StageGnssVerify.String(), "ok", now)
	o.emit(rec, bus.StatusCompleted, "gnss location authenticated", nil)
	return true
}

// ---- Stage 3: EventVerify -----------------------------------------------

func (o *Orchestrator) stageEventVerify(ctx context.Context, rec *domain.PipelineRecord, req SubmissionRequest) (*domain.EventAttestation, bool) {
	now := time.Now()
	rec.EnterStage(domain.StageEventVerify, now)
	o.emit(rec, bus.StatusStarted, "cross-referencing disaster events", nil)

	eventAttestation, err := o.attest.VerifyEvent(ctx, attestation.Query{
		RequestID:    req.RequestID,
		LatE7:        req.LatE7,
		LngE7:        req.LngE7,
		ClaimedClass: req.AidClass.String(),
		RadiusKM:     o.cfg.EventSearchRadiusKM,
	})
	if err != nil {
		o.fail(rec, domain.StageEventVerify, err)
		return nil, false
	}

	rec.Attestations.EventAttestation = eventAttestation

	gnssDigest, gErr := rec.Attestations.GnssProof.Digest()
	eventDigest, eErr := eventAttestation.Digest()
	if gErr != nil || eErr != nil {
		o.fail(rec, domain.StageEventVerify, fmt.Errorf("digest computation failed"))
		return nil, false
	}

	// §9 resolution (a): the stage-2 GNSS anchor and the stage-3 event
	// attestation are combined into one ledger write here.
	if _, err := o.ledgerAdp.SubmitVerification(ctx, req.RequestID, gnssDigest, eventDigest); err != nil {
		o.fail(rec, domain.StageEventVerify, err)
		return nil, false
	}

	rec.ExitStage(domain.StageEventVerify, time.Now())
	metrics.ObserveStage(domain.StageEventVerify.String(), "ok", now)
	o.emit(rec, bus.StatusCompleted, "event attestation recorded", nil)
	return eventAttestation, true
}

// ---- Stage 4: Consensus --------------------------------------------------

func (o *Orchestrator) stageConsensus(ctx context.Context, rec *domain.PipelineRecord, req SubmissionRequest, event *domain.EventAttestation) (*domain.ConsensusTranscript, bool) {
	now := time.Now()
	rec.EnterStage(domain.StageConsensus, now)
	o.emit(rec, bus.StatusStarted, "running llm consensus panel", nil)

	proof := rec.Attestations.GnssProof
	transcript, err := o.consensus.RunConsensus(ctx, consensus.RequestContext{
		RequestID:         req.RequestID,
		AidClass:          req.AidClass,
		Urgency:           req.Urgency,
		AuthenticatedLat:  float64(proof.AuthenticatedLatE7) / 1e7,
		AuthenticatedLng:  float64(proof.AuthenticatedLngE7) / 1e7,
		AccuracyMeters:    proof.AccuracyMeters,
		EventClass:        event.Class,
		EventSeverity:     event.Severity.String(),
		EventRegion:       event.Region,
		DistanceToEventKM: event.DistanceKM,
		SourceCount:       len(event.Sources),
	})
	if err != nil {
		o.fail(rec, domain.StageConsensus, err)
		return nil, false
	}

	rec.Attestations.ConsensusTranscript = transcript

	digest, err := transcript.Digest()
	if err != nil {
		o.fail(rec, domain.StageConsensus, err)
		return nil, false
	}
	if _, err := o.ledgerAdp.SubmitConsensus(ctx, req.RequestID, *transcript, digest); err != nil {
		o.fail(rec, domain.StageConsensus, err)
		return nil, false
	}

	rec.ExitStage(domain.StageConsensus, time.Now())

	if !transcript.Approved {
		metrics.ObserveStage(domain.StageConsensus.String(), "rejected", now)
		o.emit(rec, bus.StatusFailed, "consensus rejected: "+transcript.RejectReason, nil)
		return nil, false
	}

	metrics.ObserveStage(domain.StageConsensus.String(), "ok", now)
	o.emit(rec, bus.StatusCompleted, "consensus approved", nil)
	return transcript, true
}

// ---- Stage 5: Contract ----------------------------------------------------

func (o *Orchestrator) stageContract(ctx context.Context, rec *domain.PipelineRecord, req SubmissionRequest, transcript *domain.ConsensusTranscript) bool {
	now := time.Now()
	rec.EnterStage(domain.StageContract, now)
	o.emit(rec, bus.StatusStarted, "assigning fulfiller and escrowing funds", nil)

	fulfillers, err := o.ledgerAdp.ApprovedFulfillers(ctx)
	if err != nil {
		o.fail(rec, domain.StageContract, err)
		return false
	}

	var addr string
	for _, f := range fulfillers {
		if f.Class == transcript.ChosenFulfiller {
			addr = f.Address
			break
		}
	}
	if addr == "" {
		o.fail(rec, domain.StageContract, fmt.Errorf("no approved fulfiller for class %s", transcript.ChosenFulfiller))
		return false
	}

	if _, err := o.ledgerAdp.AssignFulfiller(ctx, req.RequestID, addr, transcript.CostEstimate); err != nil {
		o.fail(rec, domain.StageContract, err)
		return false
	}

	rec.ExitStage(domain.StageContract, time.Now())
	metrics.ObserveStage(domain.StageContract.String(), "ok", now)
	o.emit(rec, bus.StatusCompleted, "fulfiller assigned", nil)
	return true
}

// ---- Stage 6: Fulfillment -------------------------------------------------

func (o *Orchestrator) stageFulfillment(ctx context.Context, rec *domain.PipelineRecord, req SubmissionRequest, transcript *domain.ConsensusTranscript) (*fulfill.DispatchResult, bool) {
	now := time.Now()
	rec.EnterStage(domain.StageFulfillment, now)
	o.emit(rec, bus.StatusStarted, "dispatching fulfiller", nil)

	result, err := o.dispatcher.Dispatch(ctx, fulfill.DispatchRequest{
		RequestID:      req.RequestID,
		FulfillerClass: transcript.ChosenFulfiller,
		AidClass:       transcript.ChosenAidClass,
		LatE7:          req.LatE7,
		LngE7:          req.LngE7,
		EstimatedCost:  transcript.CostEstimate,
	})
	if err != nil {
		// Fatal per §4.6: dispatch failure requires operator intervention,
		// no retry (the fulfiller call is not idempotent in general).
		o.fail(rec, domain.StageFulfillment, err)
		return nil, false
	}

	rec.ExitStage(domain.StageFulfillment, time.Now())
	metrics.ObserveStage(domain.StageFulfillment.String(), "ok", now)
	o.emit(rec, bus.StatusCompleted, "fulfiller dispatched", nil)
	return result, true
}

// ---- AwaitingDelivery (rendezvous, not a numbered ledger stage) ----------

func (o *Orchestrator) stageAwaitingDelivery(ctx context.Context, rec *domain.PipelineRecord) (domain.DeliveryProof, bool) {
	rec.EnterStage(domain.StageAwaitingDelivery, time.Now())
	rec.AwaitingSince = time.Now()
	o.emit(rec, bus.StatusPending, "awaiting delivery proof", nil)

	select {
	case proof := <-rec.DeliveryChannel():
		rec.ExitStage(domain.StageAwaitingDelivery, time.Now())
		metrics.ObserveStage(domain.StageAwaitingDelivery.String(), "ok", rec.AwaitingSince)
		return proof, true
	case <-time.After(o.cfg.DeliveryTimeoutWindow):
		metrics.ObserveStage(domain.StageAwaitingDelivery.String(), "timeout", rec.AwaitingSince)
		o.timeoutRequest(ctx, rec)
		return domain.DeliveryProof{}, false
	case <-ctx.Done():
		return domain.DeliveryProof{}, false
	}
}

func (o *Orchestrator) timeoutRequest(ctx context.Context, rec *domain.PipelineRecord) {
	if _, err := o.ledgerAdp.TimeoutRequest(ctx, rec.RequestID); err != nil {
		o.log.Error().Err(err).Uint64("request_id", rec.RequestID).Msg("timeout_request failed")
	}
	o.emit(rec, bus.StatusFailed, "delivery window elapsed, funds returned to pool", nil)
	o.registry.Remove(rec.RequestID)
}

// ---- Stage 7: Receipt -----------------------------------------------------

func (o *Orchestrator) stageReceipt(ctx context.Context, rec *domain.PipelineRecord, req SubmissionRequest, transcript *domain.ConsensusTranscript, proof domain.DeliveryProof) (domain.DeliveryVerification, bool) {
	now := time.Now()
	rec.EnterStage(domain.StageReceipt, now)
	o.emit(rec, bus.StatusStarted, "verifying delivery proof", nil)

	rec.Attestations.DeliveryProof = &proof
	verification := fulfill.VerifyDelivery(transcript.ChosenFulfiller, proof, req.LatE7, req.LngE7, o.cfg.AerialToleranceMeters)
	rec.Attestations.DeliveryVerification = &verification

	digest, err := verification.Digest()
	if err != nil {
		o.fail(rec, domain.StageReceipt, err)
		return verification, false
	}
	if _, err := o.ledgerAdp.VerifyDelivery(ctx, req.RequestID, verification.Verified, digest); err != nil {
		o.fail(rec, domain.StageReceipt, err)
		return verification, false
	}

	rec.ExitStage(domain.StageReceipt, time.Now())

	if !verification.Verified {
		metrics.ObserveStage(domain.StageReceipt.String(), "unverified", now)
		o.emit(rec, bus.StatusFailed, "delivery verification failed: "+verification.Reason, nil)
		o.registry.Remove(req.RequestID)
		return verification, false
	}

	metrics.ObserveStage(domain.StageReceipt.String(), "ok", now)
	o.emit(rec, bus.StatusCompleted, "delivery verified", nil)
	return verification, true
}

// ---- Stage 8: Settlement --------------------------------------------------

func (o *Orchestrator) stageSettlement(ctx context.Context, rec *domain.PipelineRecord, req SubmissionRequest, dispatch *fulfill.DispatchResult, verification domain.DeliveryVerification) {
	now := time.Now()
	rec.EnterStage(domain.StageSettlement, now)
	o.emit(rec, bus.StatusStarted, "releasing payout", nil)

	if _, err := o.ledgerAdp.ReleasePayout(ctx, req.RequestID); err != nil {
		o.fail(rec, domain.StageSettlement, err)
		return
	}

	rec.ExitStage(domain.StageSettlement, time.Now())
	metrics.ObserveStage(domain.StageSettlement.String(), "ok", now)
	o.emit(rec, bus.StatusCompleted, "payout released", nil)
}

func (o *Orchestrator) fail(rec *domain.PipelineRecord, stage domain.Stage, err error) {
	rec.LastError = err
	o.log.Error().Err(err).Uint64("request_id", rec.RequestID).Str("stage", stage.String()).Msg("pipeline stage failed")
	metrics.ObserveStage(stage.String(), "error", rec.StageEnteredAt[stage])
	o.emit(rec, bus.StatusFailed, err.Error(), nil)
	o.registry.Remove(rec.RequestID)
}

func (o *Orchestrator) emit(rec *domain.PipelineRecord, status bus.Status, message string, payload interface{}) {
	o.bus.Publish(bus.Event{
		RequestID: rec.RequestID,
		Stage:     rec.CurrentStage.String(),
		Status:    status,
		Message:   message,
		Timestamp: time.Now(),
		Payload:   payload,
	})
}
