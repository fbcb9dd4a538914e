// Package domain holds the canonical aid-pipeline data model shared by every
// component: the on-ledger-mirrored aid request, its status lattice, the
// attestation bundles attached at each stage, and the in-memory pipeline
// record the orchestrator (C6) owns for a request's active lifetime.
package domain

import (
	"time"

	"github.com/aidchain/orchestrator/internal/canonical"
)

// AidClass enumerates the wire-encoded aid categories (§6 "Aid-class
// encoding on wire").
type AidClass uint8

const (
	AidMedical AidClass = iota
	AidFood
	AidShelter
	AidRescue
	AidComms
	AidEvacuation
)

func (c AidClass) String() string {
	switch c {
	case AidMedical:
		return "medical"
	case AidFood:
		return "food"
	case AidShelter:
		return "shelter"
	case AidRescue:
		return "rescue"
	case AidComms:
		return "comms"
	case AidEvacuation:
		return "evacuation"
	default:
		return "unknown"
	}
}

// ParseAidClass maps the wire string form back to AidClass.
func ParseAidClass(s string) (AidClass, bool) {
	switch s {
	case "medical":
		return AidMedical, true
	case "food":
		return AidFood, true
	case "shelter":
		return AidShelter, true
	case "rescue":
		return AidRescue, true
	case "comms":
		return AidComms, true
	case "evacuation":
		return AidEvacuation, true
	default:
		return 0, false
	}
}

// Urgency enumerates request urgency (§6 wire encoding: 0 medium | 1 high | 2 critical).
type Urgency uint8

const (
	UrgencyMedium Urgency = iota
	UrgencyHigh
	UrgencyCritical
)

func (u Urgency) String() string {
	switch u {
	case UrgencyMedium:
		return "medium"
	case UrgencyHigh:
		return "high"
	case UrgencyCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// FulfillerClass enumerates the two delivery modalities.
type FulfillerClass uint8

const (
	FulfillerAerial FulfillerClass = iota
	FulfillerHuman
)

func (f FulfillerClass) String() string {
	if f == FulfillerHuman {
		return "human"
	}
	return "aerial"
}

// Status is the linear on-ledger request lifecycle (§3), with two failure
// branches. The ledger enforces the transition constraint; Status.CanAdvance
// mirrors that graph off-ledger for early validation.
type Status uint8

const (
	StatusSubmitted Status = iota
	StatusVerified
	StatusApproved
	StatusFunded
	StatusDeliverySubmitted
	StatusDeliveryVerified
	StatusSettled
	StatusRejected
	StatusDeliveryFailed
	StatusTimedOut
)

func (s Status) String() string {
	switch s {
	case StatusSubmitted:
		return "submitted"
	case StatusVerified:
		return "verified"
	case StatusApproved:
		return "approved"
	case StatusFunded:
		return "funded"
	case StatusDeliverySubmitted:
		return "delivery_submitted"
	case StatusDeliveryVerified:
		return "delivery_verified"
	case StatusSettled:
		return "settled"
	case StatusRejected:
		return "rejected"
	case StatusDeliveryFailed:
		return "delivery_failed"
	case StatusTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether the status is a terminal ledger state.
func (s Status) IsTerminal() bool {
	return s == StatusSettled || s == StatusRejected || s == StatusTimedOut
}

// forwardEdges encodes the permitted transition graph from §3, including
// the two failure branches (Rejected off Approved-pending, DeliveryFailed
// off DeliverySubmitted, TimedOut off DeliveryFailed or AwaitingDelivery).
var forwardEdges = map[Status][]Status{
	StatusSubmitted:         {StatusVerified, StatusRejected},
	StatusVerified:          {StatusApproved, StatusRejected},
	StatusApproved:          {StatusFunded},
	StatusFunded:            {StatusDeliverySubmitted, StatusTimedOut},
	StatusDeliverySubmitted: {StatusDeliveryVerified, StatusDeliveryFailed},
	StatusDeliveryVerified:  {StatusSettled},
	StatusDeliveryFailed:    {StatusTimedOut},
}

// CanTransition reports whether from -> to is a permitted forward edge.
// The ledger is the authority; this exists so the orchestrator can reject
// obviously-invalid transitions before spending a write attempt.
func CanTransition(from, to Status) bool {
	for _, allowed := range forwardEdges[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// AidRequest mirrors the on-ledger canonical record (§3).
type AidRequest struct {
	ID              uint64    `json:"id"`
	Requester       string    `json:"requester"`
	AidClass        AidClass  `json:"aid_class"`
	Urgency         Urgency   `json:"urgency"`
	LatE7           int64     `json:"lat_e7"`
	LngE7           int64     `json:"lng_e7"`
	DetailsDigest   canonical.Digest `json:"details_digest"`
	Status          Status    `json:"status"`
	CreatedAt       time.Time `json:"created_at"`
}

// Lat returns the request latitude in decimal degrees.
func (r AidRequest) Lat() float64 { return float64(r.LatE7) / 1e7 }

// Lng returns the request longitude in decimal degrees.
func (r AidRequest) Lng() float64 { return float64(r.LngE7) / 1e7 }

// PoolStats mirrors the ledger's fund-pool accounting, in integer minor
// units (6 decimals, the stablecoin convention).
type PoolStats struct {
	Deposited int64 `json:"deposited"`
	Escrowed  int64 `json:"escrowed"`
	PaidOut   int64 `json:"paid_out"`
	Available int64 `json:"available"`
}
