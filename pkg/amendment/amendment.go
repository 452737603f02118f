// Package amendment runs the three-chamber amendment protocol: the only
// path to changing system rules. Proposals advance through proposal,
// ratification and challenge chambers on vote tallies and deadlines;
// entrenched provisions additionally serve a cooling-off interval and a
// fresh confirmation panel at elevated thresholds.
package amendment

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/concordlabs/concord/pkg/chamber"
	"github.com/concordlabs/concord/pkg/config"
)

var (
	// ErrInvalidTransition means the requested change violates the
	// amendment state machine. Fatal to the request, not the system.
	ErrInvalidTransition = errors.New("invalid amendment transition")

	ErrUnknownAmendment = errors.New("unknown amendment")
	ErrNotProposer      = errors.New("only the proposer may withdraw")
	ErrVotesCast        = errors.New("withdrawal barred once any vote is cast")
	ErrPayloadInvalid   = errors.New("amendment payload failed schema validation")
)

// Stage is the position of an in-flight amendment.
type Stage string

const (
	StageProposed           Stage = "PROPOSED"
	StageProposalVoting     Stage = "PROPOSAL_VOTING"
	StageRatificationVoting Stage = "RATIFICATION_VOTING"
	StageChallengeWindow    Stage = "CHALLENGE_WINDOW"
	StageChallengeVoting    Stage = "CHALLENGE_VOTING"
	StageCoolingOff         Stage = "COOLING_OFF"
	StageConfirmationVoting Stage = "CONFIRMATION_VOTING"
	StageResolved           Stage = "RESOLVED"
)

// Outcome is the terminal status of an amendment. Lapse, rejection and
// withdrawal carry different re-proposal rights and are never
// conflated.
type Outcome string

const (
	OutcomePending   Outcome = "IN_PROGRESS"
	OutcomeRatified  Outcome = "RATIFIED"
	OutcomeRejected  Outcome = "REJECTED"
	OutcomeLapsed    Outcome = "LAPSED"
	OutcomeWithdrawn Outcome = "WITHDRAWN"
)

// Amendment is one rule-change proposal and its full chamber history.
type Amendment struct {
	mu sync.Mutex

	ID         string          `json:"id"`
	ProposerID string          `json:"proposer_id"`
	Entrenched bool            `json:"entrenched"`
	Payload    json.RawMessage `json:"payload"`

	Stage   Stage   `json:"stage"`
	Outcome Outcome `json:"outcome"`

	// Phase captures which governance phase's thresholds apply. It may
	// reset on a phase boundary only while zero votes have been cast.
	Phase            config.Phase `json:"phase"`
	ThresholdsLocked bool         `json:"thresholds_locked"`
	AuditNotes       []string     `json:"audit_notes,omitempty"`

	Chambers          map[config.ChamberType]*chamber.Chamber `json:"chambers"`
	ChambersCompleted []config.ChamberType                    `json:"chambers_completed"`

	ChallengeUntil  uint64 `json:"challenge_until,omitempty"`
	CoolingOffUntil uint64 `json:"cooling_off_until,omitempty"`

	ProposedAt time.Time `json:"proposed_at"`
	ResolvedAt time.Time `json:"resolved_at,omitempty"`
	Version    uint64    `json:"version"`
}

// activeChamber returns the chamber currently collecting votes, if any.
// Caller holds a.mu.
func (a *Amendment) activeChamber() *chamber.Chamber {
	switch a.Stage {
	case StageProposalVoting:
		return a.Chambers[config.ChamberProposal]
	case StageRatificationVoting:
		return a.Chambers[config.ChamberRatification]
	case StageChallengeVoting:
		return a.Chambers[config.ChamberChallenge]
	case StageConfirmationVoting:
		return a.Chambers[config.ChamberConfirmation]
	}
	return nil
}

// anyVotesCast reports whether any ballot has landed in any chamber of
// this amendment. Caller holds a.mu.
func (a *Amendment) anyVotesCast() bool {
	for _, c := range a.Chambers {
		if c.VoteCount() > 0 {
			return true
		}
	}
	return false
}

// seatedAnywhere collects every actor already seated on any chamber of
// this amendment, plus the proposer. Caller holds a.mu.
func (a *Amendment) seatedAnywhere() map[string]struct{} {
	out := map[string]struct{}{a.ProposerID: {}}
	for _, c := range a.Chambers {
		for _, id := range c.MemberIDs() {
			out[id] = struct{}{}
		}
	}
	return out
}

// Snapshot returns a deep copy taken under the amendment's lock,
// safe to serialize while votes and ticks keep mutating the original.
func (a *Amendment) Snapshot() *Amendment {
	a.mu.Lock()
	defer a.mu.Unlock()

	cp := &Amendment{
		ID:               a.ID,
		ProposerID:       a.ProposerID,
		Entrenched:       a.Entrenched,
		Stage:            a.Stage,
		Outcome:          a.Outcome,
		Phase:            a.Phase,
		ThresholdsLocked: a.ThresholdsLocked,
		ChallengeUntil:   a.ChallengeUntil,
		CoolingOffUntil:  a.CoolingOffUntil,
		ProposedAt:       a.ProposedAt,
		ResolvedAt:       a.ResolvedAt,
		Version:          a.Version,
	}
	cp.Payload = append(json.RawMessage(nil), a.Payload...)
	cp.AuditNotes = append([]string(nil), a.AuditNotes...)
	cp.ChambersCompleted = append([]config.ChamberType(nil), a.ChambersCompleted...)
	cp.Chambers = make(map[config.ChamberType]*chamber.Chamber, len(a.Chambers))
	for ct, c := range a.Chambers {
		cp.Chambers[ct] = c.Clone()
	}
	return cp
}

// Terminal reports whether the amendment has resolved.
func (a *Amendment) Terminal() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.Outcome != OutcomePending
}
