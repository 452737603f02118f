// Package eligibility derives voting and proposal rights from ledger
// state. It owns no state of its own: everything here is a read-only
// view over TrustProfiles and the active parameter snapshot.
package eligibility

import (
	"fmt"
	"sort"

	"github.com/concordlabs/concord/pkg/config"
	"github.com/concordlabs/concord/pkg/ledger"
)

// Eligibility is the resolved rights of one actor.
type Eligibility struct {
	ActorID    string        `json:"actor_id"`
	CanVote    bool          `json:"can_vote"`
	CanPropose bool          `json:"can_propose"`
	Domain     ledger.Domain `json:"domain"`
	Status     ledger.Status `json:"status"`
	Tier       int           `json:"tier"`
	Reason     string        `json:"reason,omitempty"`
}

// Candidate is one eligible pool member, tagged for diversity
// constraints.
type Candidate struct {
	ActorID string   `json:"actor_id"`
	Region  string   `json:"region"`
	OrgIDs  []string `json:"org_ids"`
	Score   float64  `json:"score"`
}

// Resolver computes eligibility from the ledger.
type Resolver struct {
	ledger *ledger.Ledger
	cfg    *config.Store
}

// NewResolver creates a Resolver.
func NewResolver(l *ledger.Ledger, cfg *config.Store) *Resolver {
	return &Resolver{ledger: l, cfg: cfg}
}

// tierFloor returns the minimum score for the actor's reputation tier,
// clamping out-of-range tiers to the nearest defined one.
func tierFloor(params config.Params, tier int) float64 {
	if tier < 0 {
		tier = 0
	}
	if tier >= len(params.EMinPerTier) {
		tier = len(params.EMinPerTier) - 1
	}
	return params.EMinPerTier[tier]
}

// Resolve returns the actor's current rights. Constitutional voting is
// a human-domain right; machine trust is operational and never grants
// a chamber seat.
func (r *Resolver) Resolve(actorID string) (Eligibility, error) {
	p, err := r.ledger.Profile(actorID)
	if err != nil {
		return Eligibility{}, err
	}
	e := Eligibility{
		ActorID: p.ActorID,
		Domain:  p.Domain,
		Status:  p.Status,
		Tier:    p.Tier,
	}
	params := r.cfg.Active().Params

	switch {
	case p.Status != ledger.StatusActive:
		e.Reason = fmt.Sprintf("status %s", p.Status)
	case p.Domain != ledger.DomainHuman:
		e.Reason = "machine trust is operational, not constitutional"
	case p.Score < tierFloor(params, p.Tier):
		e.Reason = fmt.Sprintf("score %.3f below tier floor %.3f", p.Score, tierFloor(params, p.Tier))
	default:
		e.CanVote = true
		// Proposing requires standing beyond the entry tier.
		e.CanPropose = p.Tier >= 1
	}
	return e, nil
}

// RequirePrivileged rejects reads on behalf of quarantined or
// decommissioned actors. The rejection itself is part of the audit
// history; callers record it.
func (r *Resolver) RequirePrivileged(actorID string) error {
	p, err := r.ledger.Profile(actorID)
	if err != nil {
		return err
	}
	if p.Status == ledger.StatusQuarantine || p.Status == ledger.StatusDecommissioned {
		return fmt.Errorf("%w: status %s", ledger.ErrQuarantineViolation, p.Status)
	}
	return nil
}

// GenesisMember reports whether the actor holds genesis-phase
// membership: registered standing at tier R2 or higher while the
// constitution is still in its genesis phase.
func (r *Resolver) GenesisMember(actorID string) (bool, error) {
	p, err := r.ledger.Profile(actorID)
	if err != nil {
		return false, err
	}
	params := r.cfg.Active().Params
	return params.Phase == config.PhaseGenesis && p.Status == ledger.StatusActive && p.Tier >= 2, nil
}

// Pool returns the current eligible voting pool as diversity-tagged
// candidates, sorted by actor id for deterministic downstream draws.
func (r *Resolver) Pool() []Candidate {
	params := r.cfg.Active().Params
	var out []Candidate
	for _, p := range r.ledger.Profiles() {
		if p.Status != ledger.StatusActive || p.Domain != ledger.DomainHuman {
			continue
		}
		if p.Score < tierFloor(params, p.Tier) {
			continue
		}
		out = append(out, Candidate{
			ActorID: p.ActorID,
			Region:  p.Region,
			OrgIDs:  append([]string(nil), p.OrganizationIDs...),
			Score:   p.Score,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ActorID < out[j].ActorID })
	return out
}

// Ranked returns the eligible pool ordered by score descending, for
// allocation ranking reads. Ties break on actor id.
func (r *Resolver) Ranked() []Candidate {
	pool := r.Pool()
	sort.Slice(pool, func(i, j int) bool {
		if pool[i].Score != pool[j].Score {
			return pool[i].Score > pool[j].Score
		}
		return pool[i].ActorID < pool[j].ActorID
	})
	return pool
}
