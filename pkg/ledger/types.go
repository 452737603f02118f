// Package ledger implements the append-only trust ledger.
//
// One TrustProfile per actor, projected from an immutable, hash-chained
// stream of TrustEvents. No score moves without an event; replaying an
// actor's events from empty reproduces the projection exactly.
package ledger

import (
	"time"
)

// Domain is a trust domain. Scores are never comparable across domains.
type Domain string

const (
	DomainHuman   Domain = "HUMAN"
	DomainMachine Domain = "MACHINE"
)

// Status is the lifecycle state of an actor.
type Status string

const (
	StatusActive         Status = "ACTIVE"
	StatusQuarantine     Status = "QUARANTINE"
	StatusProbation      Status = "PROBATION"
	StatusDecommissioned Status = "DECOMMISSIONED"
)

// EvidenceKind classifies submitted evidence. PROOF_OF_WORK alone never
// moves a score; only PROOF_OF_TRUST authorizes a gain.
type EvidenceKind string

const (
	ProofOfWork  EvidenceKind = "PROOF_OF_WORK"
	ProofOfTrust EvidenceKind = "PROOF_OF_TRUST"
)

// Severity grades a violation reported by the compliance subsystem.
type Severity string

const (
	SeverityMinor     Severity = "MINOR"
	SeverityModerate  Severity = "MODERATE"
	SeveritySevere    Severity = "SEVERE"
	SeverityEgregious Severity = "EGREGIOUS"
)

// QualityHistory is the rolling view of an actor's evidence components.
type QualityHistory struct {
	Quality     float64 `json:"quality"`
	Reliability float64 `json:"reliability"`
	Volume      float64 `json:"volume"`
	Effort      float64 `json:"effort"`
	Samples     uint64  `json:"samples"`
}

// ProfileState is the replayable dynamic state of an actor. Every event
// records the state it produced, so folding events from empty rebuilds
// the projection bit for bit.
type ProfileState struct {
	Score              float64        `json:"score"`
	Status             Status         `json:"status"`
	Deferred           float64        `json:"deferred"`
	EpochConsumed      float64        `json:"epoch_consumed"`
	LastUpdateEpoch    uint64         `json:"last_update_epoch"`
	History            QualityHistory `json:"history"`
	ZeroSinceEpoch     uint64         `json:"zero_since_epoch"`
	RecertAttempts     int            `json:"recert_attempts"`
	ProbationRemaining int            `json:"probation_remaining"`
}

// TrustProfile is the current-state projection for one actor.
type TrustProfile struct {
	ActorID         string    `json:"actor_id"`
	Domain          Domain    `json:"domain"`
	Region          string    `json:"region"`
	OrganizationIDs []string  `json:"organization_ids"`
	Tier            int       `json:"tier"` // reputation tier R0..R3
	SuccessorOf     string    `json:"successor_of,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	Version         uint64    `json:"version"`
	ProfileState
}

// Clone returns a deep copy safe to mutate.
func (p *TrustProfile) Clone() *TrustProfile {
	cp := *p
	cp.OrganizationIDs = append([]string(nil), p.OrganizationIDs...)
	return &cp
}

// EventType categorizes ledger events.
type EventType string

const (
	EventRegistered    EventType = "REGISTERED"
	EventQualitySignal EventType = "QUALITY_SIGNAL"
	EventViolation     EventType = "VIOLATION"
	EventDecay         EventType = "DECAY"
	EventQuarantined   EventType = "QUARANTINED"
	EventRecertified   EventType = "RECERTIFIED"
	EventRecertFailed  EventType = "RECERT_FAILED"
	EventDecommission  EventType = "DECOMMISSIONED"
	EventGuardSuspend  EventType = "GUARD_SUSPENDED"
	EventGuardRelease  EventType = "GUARD_RELEASED"
	EventRejected      EventType = "REJECTED"
)

// TrustEvent is one immutable, hash-chained ledger entry. Events are
// never mutated or deleted; corrections are new compensating events.
type TrustEvent struct {
	EventID      string       `json:"event_id"`
	ActorID      string       `json:"actor_id"`
	Version      uint64       `json:"version"`
	Type         EventType    `json:"type"`
	EvidenceKind EvidenceKind `json:"evidence_kind,omitempty"`
	Severity     Severity     `json:"severity,omitempty"`
	Epoch        uint64       `json:"epoch"`
	ScoreBefore  float64      `json:"score_before"`
	Delta        float64      `json:"delta"`
	Result       ProfileState `json:"result"`
	Signatures   []string     `json:"signatures,omitempty"`
	ParamVersion string       `json:"param_version"`
	Gate         string       `json:"gate,omitempty"` // populated when a gate rejected the gain
	Note         string       `json:"note,omitempty"`
	PrevHash     string       `json:"prev_hash"`
	Hash         string       `json:"hash"`
	Timestamp    time.Time    `json:"timestamp"`
}

// QualitySignal carries one evidence submission from a collaborator.
// Components are clamped to [0,1]; their exact upstream computation is a
// collaborator concern.
type QualitySignal struct {
	Quality     float64      `json:"quality"`
	Reliability float64      `json:"reliability"`
	Volume      float64      `json:"volume"`
	Effort      float64      `json:"effort"`
	Kind        EvidenceKind `json:"evidence_kind"`
	Signatures  []string     `json:"signatures"`
	EnvDrift    float64      `json:"env_drift"` // machine freshness input
}

// RecertificationRecord is the evidence bundle a quarantined machine
// must present to re-enter service.
type RecertificationRecord struct {
	Correctness     float64  `json:"correctness"`
	SevereErrorRate float64  `json:"severe_error_rate"`
	Reproducibility float64  `json:"reproducibility"`
	Signatures      []string `json:"signatures"`
}

// ApplyResult reports what an update actually did, including expected
// gate outcomes that yielded zero gain.
type ApplyResult struct {
	Applied     float64 `json:"applied"`
	Deferred    float64 `json:"deferred"`
	Suspended   float64 `json:"suspended"`
	Gate        string  `json:"gate,omitempty"`
	Threshold   float64 `json:"threshold,omitempty"`
	CapApplied  float64 `json:"cap_applied"`
	DecayLoss   float64 `json:"decay_loss"`
	Quarantined bool    `json:"quarantined"`
}
