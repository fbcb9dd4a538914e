// Package pipeline implements the Pipeline Orchestrator (C6): the
// per-request state machine that drives GNSS verification, event
// attestation, LLM consensus, ledger writes, fulfiller dispatch, and
// delivery verification to settlement.
package pipeline

import (
	"sync"
	"time"

	"github.com/aidchain/orchestrator/internal/domain"
	"github.com/aidchain/orchestrator/internal/metrics"
)

// Registry is the single shared mutable structure named in §5: a map of
// request id to pipeline record, guarded by one lock held only for
// lookup/insert/delete, never across suspensions.
type Registry struct {
	mu      sync.RWMutex
	records map[uint64]*domain.PipelineRecord
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{records: make(map[uint64]*domain.PipelineRecord)}
}

// Create inserts a fresh record at StageRequest and returns it.
func (r *Registry) Create(requestID uint64, now time.Time) *domain.PipelineRecord {
	rec := domain.NewPipelineRecord(requestID, now)
	r.mu.Lock()
	r.records[requestID] = rec
	r.mu.Unlock()
	metrics.ActivePipelines.Set(float64(r.Len()))
	return rec
}

// Get returns the active record for a request, if any.
func (r *Registry) Get(requestID uint64) (*domain.PipelineRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[requestID]
	return rec, ok
}

// Remove deletes a terminal or abandoned record.
func (r *Registry) Remove(requestID uint64) {
	r.mu.Lock()
	delete(r.records, requestID)
	r.mu.Unlock()
	metrics.ActivePipelines.Set(float64(r.Len()))
}

// Active returns a snapshot of all active records for /api/pipeline/active.
func (r *Registry) Active() []*domain.PipelineRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*domain.PipelineRecord, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec)
	}
	return out
}

// Len reports the number of active pipelines.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}
