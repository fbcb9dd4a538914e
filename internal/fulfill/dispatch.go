// Package fulfill implements Fulfiller Dispatch & Verification (C5):
// picking the configured fulfiller for a class, issuing the dispatch call,
// and pure-function verification of delivery proofs.
package fulfill

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/aidchain/orchestrator/internal/domain"
	"github.com/aidchain/orchestrator/internal/logging"
)

// Registry maps a fulfiller class to its configured endpoint, sourced from
// the ledger's approved-fulfiller set with a YAML fallback for classes the
// registry has not yet onboarded (§9 resolution: "production requires
// reading the ledger's approved-fulfiller set").
type Registry interface {
	Resolve(class domain.FulfillerClass) (Entry, bool)
}

// Entry is one resolved fulfiller endpoint.
type Entry struct {
	Address       string
	Endpoint      string
	SharedSecret  string
}

// StaticRegistry is a fixed in-process fallback, built from the YAML
// fulfillers file when the ledger has no approved entry for a class.
type StaticRegistry struct {
	byClass map[domain.FulfillerClass]Entry
}

// NewStaticRegistry builds a StaticRegistry from configured fallback
// entries.
func NewStaticRegistry(entries map[domain.FulfillerClass]Entry) *StaticRegistry {
	return &StaticRegistry{byClass: entries}
}

// Resolve implements Registry.
func (r *StaticRegistry) Resolve(class domain.FulfillerClass) (Entry, bool) {
	e, ok := r.byClass[class]
	return e, ok
}

// LedgerRegistry prefers ledger-approved fulfillers, falling back to a
// static registry when the ledger has nothing for the class.
type LedgerRegistry struct {
	approved map[domain.FulfillerClass]Entry
	fallback Registry
}

// NewLedgerRegistry builds a registry from the ledger's approved-fulfiller
// records, with fallback for unresolved classes.
func NewLedgerRegistry(records []LedgerFulfillerRecord, fallback Registry) *LedgerRegistry {
	approved := make(map[domain.FulfillerClass]Entry, len(records))
	for _, r := range records {
		approved[r.Class] = Entry{Address: r.Address, Endpoint: r.Endpoint}
	}
	return &LedgerRegistry{approved: approved, fallback: fallback}
}

// LedgerFulfillerRecord mirrors ledger.FulfillerRecord without importing
// the ledger package, keeping fulfill free of a dependency on the chain
// client.
type LedgerFulfillerRecord struct {
	Address  string
	Class    domain.FulfillerClass
	Endpoint string
}

// Resolve implements Registry.
func (r *LedgerRegistry) Resolve(class domain.FulfillerClass) (Entry, bool) {
	if e, ok := r.approved[class]; ok {
		return e, true
	}
	if r.fallback != nil {
		return r.fallback.Resolve(class)
	}
	return Entry{}, false
}

// DispatchRequest is the dispatch() input (§4.5).
type DispatchRequest struct {
	RequestID      uint64
	FulfillerClass domain.FulfillerClass
	AidClass       domain.AidClass
	LatE7          int64
	LngE7          int64
	EstimatedCost  int64
}

// DispatchResult is the dispatch() success output.
type DispatchResult struct {
	DispatchID string
	ETA        time.Duration
	Address    string
}

// Dispatcher issues dispatch calls against the resolved fulfiller endpoint.
type Dispatcher struct {
	registry Registry
	client   *http.Client
	log      logging.Logger
}

// New constructs a Dispatcher.
func New(registry Registry, timeout time.Duration, log logging.Logger) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		client:   &http.Client{Timeout: timeout},
		log:      log.WithComponent("fulfill.dispatcher"),
	}
}

// Dispatch picks the configured fulfiller matching the class and issues the
// dispatch call.
func (d *Dispatcher) Dispatch(ctx context.Context, req DispatchRequest) (*DispatchResult, error) {
	entry, ok := d.registry.Resolve(req.FulfillerClass)
	if !ok {
		return nil, fmt.Errorf("fulfill: no fulfiller configured for class %s", req.FulfillerClass)
	}

	dispatchID := "aidchain-" + uuid.NewString()

	payload, err := json.Marshal(map[string]interface{}{
		"dispatch_id":    dispatchID,
		"request_id":     req.RequestID,
		"aid_class":      req.AidClass.String(),
		"lat_e7":         req.LatE7,
		"lng_e7":         req.LngE7,
		"estimated_cost": req.EstimatedCost,
	})
	if err != nil {
		return nil, fmt.Errorf("fulfill: marshal dispatch payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, entry.Endpoint+"/dispatch", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("fulfill: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if entry.SharedSecret != "" {
		httpReq.Header.Set("X-AidChain-Secret", entry.SharedSecret)
	}

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("fulfill: dispatch call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return nil, fmt.Errorf("fulfill: dispatch endpoint returned %d", resp.StatusCode)
	}

	var body struct {
		ETASeconds int64 `json:"eta_seconds"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)

	return &DispatchResult{
		DispatchID: dispatchID,
		ETA:        time.Duration(body.ETASeconds) * time.Second,
		Address:    entry.Address,
	}, nil
}
