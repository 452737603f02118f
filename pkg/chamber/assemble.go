package chamber

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/concordlabs/concord/pkg/beacon"
	"github.com/concordlabs/concord/pkg/config"
	"github.com/concordlabs/concord/pkg/eligibility"
)

// AssembleRequest carries everything one panel draw needs.
type AssembleRequest struct {
	AmendmentID     string
	Type            config.ChamberType
	Params          config.ChamberParams
	Pool            []eligibility.Candidate
	Exclude         map[string]struct{} // proposer, seated elsewhere, conflicts
	OpenedEpoch     uint64
	SeedFingerprint string
}

// Assemble draws a diversity-constrained panel. The draw is fully
// determined by the drawer's seed: replaying the same pool and seed
// reproduces the same panel.
//
// Greedy diversity-first selection: draw the next candidate by seeded
// index into the remaining pool; accept if the pick keeps every
// region's share within the cap and leaves the organisation-diversity
// minimum reachable; otherwise discard and redraw without replacement.
func Assemble(req AssembleRequest, drawer *beacon.Drawer, clock func() time.Time) (*Chamber, error) {
	p := req.Params

	remaining := make([]eligibility.Candidate, 0, len(req.Pool))
	for _, c := range req.Pool {
		if _, skip := req.Exclude[c.ActorID]; skip {
			continue
		}
		remaining = append(remaining, c)
	}

	maxSeats := int(p.MaxRegionShare * float64(p.Size))
	if maxSeats < 1 {
		maxSeats = 1
	}
	if err := feasible(remaining, p.Size, maxSeats, p.MinOrgDiversity); err != nil {
		return nil, err
	}

	var members []Member
	regionCount := make(map[string]int)
	orgSet := make(map[string]struct{})

	distinctWith := func(orgs []string) int {
		extra := 0
		for _, o := range orgs {
			if _, ok := orgSet[o]; !ok {
				extra++
			}
		}
		return len(orgSet) + extra
	}

	for len(members) < p.Size {
		if len(remaining) == 0 {
			return nil, fmt.Errorf("%w: pool exhausted with %d of %d seats filled",
				ErrInsufficientDiversity, len(members), p.Size)
		}
		idx := drawer.Intn(len(remaining))
		cand := remaining[idx]
		remaining = append(remaining[:idx], remaining[idx+1:]...)

		if regionCount[cand.Region]+1 > maxSeats {
			continue
		}
		// The org minimum must stay reachable with the seats left after
		// this pick, each able to contribute at most one new org.
		seatsAfter := p.Size - len(members) - 1
		if distinctWith(cand.OrgIDs)+seatsAfter < p.MinOrgDiversity {
			continue
		}

		members = append(members, Member{
			ActorID: cand.ActorID,
			Region:  cand.Region,
			OrgIDs:  append([]string(nil), cand.OrgIDs...),
		})
		regionCount[cand.Region]++
		for _, o := range cand.OrgIDs {
			orgSet[o] = struct{}{}
		}
	}

	if len(orgSet) < p.MinOrgDiversity {
		return nil, fmt.Errorf("%w: panel spans %d organisations, need %d",
			ErrInsufficientDiversity, len(orgSet), p.MinOrgDiversity)
	}

	lapseMin := int(math.Ceil(p.LapseFraction * float64(p.Size)))
	return &Chamber{
		ID:              uuid.New().String(),
		AmendmentID:     req.AmendmentID,
		Type:            req.Type,
		Members:         members,
		PassThreshold:   p.PassThreshold,
		LapseMin:        lapseMin,
		Votes:           make(map[string]Vote),
		OpenedAt:        clock(),
		OpenedEpoch:     req.OpenedEpoch,
		DeadlineEpoch:   req.OpenedEpoch + p.WindowEpochs,
		Status:          StatusOpen,
		SeedFingerprint: req.SeedFingerprint,
	}, nil
}

// feasible rejects a draw that cannot possibly satisfy the constraints,
// so impossibility surfaces as an explicit error rather than a stuck
// loop.
func feasible(pool []eligibility.Candidate, size, maxSeatsPerRegion, minOrgs int) error {
	if len(pool) < size {
		return fmt.Errorf("%w: pool has %d candidates, chamber needs %d",
			ErrInsufficientDiversity, len(pool), size)
	}
	regionCount := make(map[string]int)
	orgs := make(map[string]struct{})
	for _, c := range pool {
		regionCount[c.Region]++
		for _, o := range c.OrgIDs {
			orgs[o] = struct{}{}
		}
	}
	usable := 0
	for _, n := range regionCount {
		if n > maxSeatsPerRegion {
			n = maxSeatsPerRegion
		}
		usable += n
	}
	if usable < size {
		return fmt.Errorf("%w: region cap %d admits only %d of %d seats",
			ErrInsufficientDiversity, maxSeatsPerRegion, usable, size)
	}
	if len(orgs) < minOrgs {
		return fmt.Errorf("%w: pool spans %d organisations, need %d",
			ErrInsufficientDiversity, len(orgs), minOrgs)
	}
	return nil
}
