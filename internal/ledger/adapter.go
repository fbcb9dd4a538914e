// Package ledger implements C1, the typed read/write interface to the
// on-ledger escrow and registry contracts, plus the event-poll subscription
// that backfills from a persisted cursor (§4.1, §6 "Persisted state").
//
// The adapter never holds orchestrator-private data: every write takes only
// the fields the ledger accepts, monetary values cross as integer minor
// units, and coordinates cross as signed int64 at scale 10^7.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/aidchain/orchestrator/internal/canonical"
	"github.com/aidchain/orchestrator/internal/domain"
	"github.com/aidchain/orchestrator/internal/logging"
	"github.com/aidchain/orchestrator/internal/metrics"
)

// observeWrite records a ledger write's outcome for the /metrics surface.
func observeWrite(method string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
		if e, ok := err.(*Error); ok && e.IsTransient() {
			outcome = "transient_retry"
		}
	}
	metrics.LedgerWrites.WithLabelValues(method, outcome).Inc()
}

// Config controls adapter-level policy independent of the backend
// transport (retry schedule, contract addresses, RPC timeout).
type Config struct {
	GatewayHash  string
	RegistryHash string
	EscrowHash   string
	RPCTimeout   time.Duration
	Retry        BackoffSchedule
}

// Adapter is C1. It is constructed with an explicit Backend rather than
// dialing a node itself, so tests can substitute a fake (§9 "Replacing
// global singletons": no package-level client).
type Adapter struct {
	backend Backend
	cfg     Config
	log     logging.Logger
}

// New builds an Adapter over the given Backend.
func New(backend Backend, cfg Config, log logging.Logger) *Adapter {
	if cfg.Retry == (BackoffSchedule{}) {
		cfg.Retry = DefaultBackoff()
	}
	return &Adapter{backend: backend, cfg: cfg, log: log.WithComponent("ledger.adapter")}
}

func (a *Adapter) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := a.cfg.RPCTimeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}

// ---- Reads -----------------------------------------------------------

// GetRequest reads one aid request by id.
func (a *Adapter) GetRequest(ctx context.Context, id uint64) (domain.AidRequest, error) {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	var req domain.AidRequest
	err := withRetry(ctx, a.cfg.Retry, func(ctx context.Context) error {
		raw, err := a.backend.InvokeRead(ctx, a.cfg.GatewayHash, "getRequest", []interface{}{id})
		if err != nil {
			return err
		}
		parsed, err := parseAidRequest(raw)
		if err != nil {
			return newError(ErrKindRevert, "get_request", err)
		}
		req = parsed
		return nil
	})
	return req, err
}

// GetUserRequests returns the request ids submitted by addr.
func (a *Adapter) GetUserRequests(ctx context.Context, addr string) ([]uint64, error) {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	var ids []uint64
	err := withRetry(ctx, a.cfg.Retry, func(ctx context.Context) error {
		raw, err := a.backend.InvokeRead(ctx, a.cfg.GatewayHash, "getUserRequests", []interface{}{addr})
		if err != nil {
			return err
		}
		parsed, err := parseUint64List(raw)
		if err != nil {
			return newError(ErrKindRevert, "get_user_requests", err)
		}
		ids = parsed
		return nil
	})
	return ids, err
}

// GetRequestCount returns the total number of submitted requests.
func (a *Adapter) GetRequestCount(ctx context.Context) (uint64, error) {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	var count uint64
	err := withRetry(ctx, a.cfg.Retry, func(ctx context.Context) error {
		raw, err := a.backend.InvokeRead(ctx, a.cfg.GatewayHash, "getRequestCount", nil)
		if err != nil {
			return err
		}
		n, err := parseUint64(raw)
		if err != nil {
			return newError(ErrKindRevert, "get_request_count", err)
		}
		count = n
		return nil
	})
	return count, err
}

// IsIdentityVerified consults the registry contract — the authority for
// identity verification (§9: the bearer token's flag is a hint only).
func (a *Adapter) IsIdentityVerified(ctx context.Context, addr string) (bool, error) {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	var verified bool
	err := withRetry(ctx, a.cfg.Retry, func(ctx context.Context) error {
		raw, err := a.backend.InvokeRead(ctx, a.cfg.RegistryHash, "isIdentityVerified", []interface{}{addr})
		if err != nil {
			return err
		}
		b, ok := raw.(bool)
		if !ok {
			return newError(ErrKindRevert, "is_identity_verified", fmt.Errorf("unexpected return shape %T", raw))
		}
		verified = b
		return nil
	})
	return verified, err
}

// GetPoolStats reads the escrow pool's aggregate accounting.
func (a *Adapter) GetPoolStats(ctx context.Context) (domain.PoolStats, error) {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	var stats domain.PoolStats
	err := withRetry(ctx, a.cfg.Retry, func(ctx context.Context) error {
		raw, err := a.backend.InvokeRead(ctx, a.cfg.EscrowHash, "getPoolStats", nil)
		if err != nil {
			return err
		}
		parsed, err := parsePoolStats(raw)
		if err != nil {
			return newError(ErrKindRevert, "get_pool_stats", err)
		}
		stats = parsed
		return nil
	})
	return stats, err
}

// ApprovedFulfillers reads the ledger's approved-fulfiller set (§9 Open
// Questions: production reads this from the ledger rather than a hard-coded
// process-local registry).
func (a *Adapter) ApprovedFulfillers(ctx context.Context) ([]FulfillerRecord, error) {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	var out []FulfillerRecord
	err := withRetry(ctx, a.cfg.Retry, func(ctx context.Context) error {
		raw, err := a.backend.InvokeRead(ctx, a.cfg.RegistryHash, "getApprovedFulfillers", nil)
		if err != nil {
			return err
		}
		parsed, err := parseFulfillerRecords(raw)
		if err != nil {
			return newError(ErrKindRevert, "approved_fulfillers", err)
		}
		out = parsed
		return nil
	})
	return out, err
}

// FulfillerRecord is one entry of the ledger's approved-fulfiller registry.
type FulfillerRecord struct {
	Address  string
	Class    domain.FulfillerClass
	Endpoint string
}

// ---- Writes ------------------------------------------------------------
//
// Every write awaits confirmation (one block minimum) before returning; the
// transaction hash is returned to the caller for audit logging.

// SubmitVerification anchors the GNSS proof digest for stage 2 (§4.6).
// Per §9's resolution of the source's open question, this call is folded
// into the stage-3 exit write together with the event attestation, so it is
// exposed here but the orchestrator invokes it once, at EventVerify exit.
func (a *Adapter) SubmitVerification(ctx context.Context, requestID uint64, gnssDigest, eventDigest canonical.Digest) (string, error) {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	var txHash string
	err := withRetry(ctx, a.cfg.Retry, func(ctx context.Context) error {
		hash, err := a.backend.InvokeWrite(ctx, a.cfg.GatewayHash, "submitVerification",
			[]interface{}{requestID, gnssDigest.String(), eventDigest.String()})
		if err != nil {
			return err
		}
		txHash = hash
		return nil
	})
	observeWrite("submitVerification", err)
	return txHash, err
}

// SubmitConsensus anchors the consensus transcript digest and its
// aggregate decision fields for stage 4 (§4.4 step 7, §4.6).
func (a *Adapter) SubmitConsensus(ctx context.Context, requestID uint64, transcript domain.ConsensusTranscript, digest canonical.Digest) (string, error) {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	var txHash string
	err := withRetry(ctx, a.cfg.Retry, func(ctx context.Context) error {
		hash, err := a.backend.InvokeWrite(ctx, a.cfg.GatewayHash, "submitConsensus", []interface{}{
			requestID, digest.String(), transcript.Approved, uint8(transcript.ChosenAidClass),
			uint8(transcript.ChosenFulfiller), transcript.CostEstimate, transcript.NodeCount, transcript.ApprovalCount,
		})
		if err != nil {
			return err
		}
		txHash = hash
		return nil
	})
	observeWrite("submitConsensus", err)
	return txHash, err
}

// AssignFulfiller binds the request to a fulfiller address and escrows the
// consensus-approved cost, for stage 5 (§4.6, §3 invariant: escrow equals
// the consensus-approved cost at the moment of funding).
func (a *Adapter) AssignFulfiller(ctx context.Context, requestID uint64, fulfillerAddr string, escrowAmount int64) (string, error) {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	var txHash string
	err := withRetry(ctx, a.cfg.Retry, func(ctx context.Context) error {
		hash, err := a.backend.InvokeWrite(ctx, a.cfg.EscrowHash, "assignFulfiller",
			[]interface{}{requestID, fulfillerAddr, escrowAmount})
		if err != nil {
			return err
		}
		txHash = hash
		return nil
	})
	observeWrite("assignFulfiller", err)
	return txHash, err
}

// VerifyDelivery anchors the delivery verification digest for stage 7.
func (a *Adapter) VerifyDelivery(ctx context.Context, requestID uint64, verified bool, digest canonical.Digest) (string, error) {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	var txHash string
	err := withRetry(ctx, a.cfg.Retry, func(ctx context.Context) error {
		hash, err := a.backend.InvokeWrite(ctx, a.cfg.GatewayHash, "verifyDelivery",
			[]interface{}{requestID, verified, digest.String()})
		if err != nil {
			return err
		}
		txHash = hash
		return nil
	})
	observeWrite("verifyDelivery", err)
	return txHash, err
}

// ReleasePayout settles escrow to the fulfiller for stage 8.
func (a *Adapter) ReleasePayout(ctx context.Context, requestID uint64) (string, error) {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	var txHash string
	err := withRetry(ctx, a.cfg.Retry, func(ctx context.Context) error {
		hash, err := a.backend.InvokeWrite(ctx, a.cfg.EscrowHash, "releasePayout", []interface{}{requestID})
		if err != nil {
			return err
		}
		txHash = hash
		return nil
	})
	observeWrite("releasePayout", err)
	return txHash, err
}

// TimeoutRequest returns escrowed funds to the pool after the delivery
// window has elapsed without a verified delivery.
func (a *Adapter) TimeoutRequest(ctx context.Context, requestID uint64) (string, error) {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	var txHash string
	err := withRetry(ctx, a.cfg.Retry, func(ctx context.Context) error {
		hash, err := a.backend.InvokeWrite(ctx, a.cfg.EscrowHash, "timeoutRequest", []interface{}{requestID})
		if err != nil {
			return err
		}
		txHash = hash
		return nil
	})
	observeWrite("timeoutRequest", err)
	return txHash, err
}
