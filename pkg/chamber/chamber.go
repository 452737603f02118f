// Package chamber builds and tallies the randomly assembled,
// diversity-constrained voting panels that decide amendments.
package chamber

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/concordlabs/concord/pkg/config"
)

var (
	// ErrInsufficientDiversity means the eligible pool cannot satisfy
	// the region/organisation minimums. Surfaced to operators, never
	// silently relaxed.
	ErrInsufficientDiversity = errors.New("insufficient diversity in eligible pool")

	ErrNotMember    = errors.New("actor is not seated in this chamber")
	ErrVotingClosed = errors.New("chamber is not open for voting")
	ErrAlreadyVoted = errors.New("actor has already voted")
)

// Vote is one member's ballot.
type Vote string

const (
	VoteYes     Vote = "YES"
	VoteNo      Vote = "NO"
	VoteAbstain Vote = "ABSTAIN"
)

// Status is the chamber lifecycle state.
type Status string

const (
	StatusOpen   Status = "OPEN"
	StatusPassed Status = "PASSED"
	StatusFailed Status = "FAILED"
	StatusLapsed Status = "LAPSED"
)

// Member is one seated panelist with diversity tags.
type Member struct {
	ActorID string   `json:"actor_id"`
	Region  string   `json:"region"`
	OrgIDs  []string `json:"org_ids"`
}

// Chamber is an ephemeral voting panel for one amendment stage.
type Chamber struct {
	mu sync.Mutex

	ID              string             `json:"id"`
	AmendmentID     string             `json:"amendment_id"`
	Type            config.ChamberType `json:"type"`
	Members         []Member           `json:"members"`
	PassThreshold   int                `json:"pass_threshold"`
	LapseMin        int                `json:"lapse_min"` // minimum ballots for a valid tally
	Votes           map[string]Vote    `json:"votes"`
	OpenedAt        time.Time          `json:"opened_at"`
	OpenedEpoch     uint64             `json:"opened_epoch"`
	DeadlineEpoch   uint64             `json:"deadline_epoch"`
	Status          Status             `json:"status"`
	SeedFingerprint string             `json:"seed_fingerprint"`
}

// Seated reports whether the actor holds a seat.
func (c *Chamber) Seated(actorID string) bool {
	for _, m := range c.Members {
		if m.ActorID == actorID {
			return true
		}
	}
	return false
}

// Cast records one ballot. Members vote once; there is no vote
// changing.
func (c *Chamber) Cast(actorID string, v Vote) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.Status != StatusOpen {
		return fmt.Errorf("%w: status %s", ErrVotingClosed, c.Status)
	}
	if !c.Seated(actorID) {
		return fmt.Errorf("%w: %s", ErrNotMember, actorID)
	}
	if _, voted := c.Votes[actorID]; voted {
		return fmt.Errorf("%w: %s", ErrAlreadyVoted, actorID)
	}
	switch v {
	case VoteYes, VoteNo, VoteAbstain:
	default:
		return fmt.Errorf("unknown vote %q", v)
	}
	c.Votes[actorID] = v
	return nil
}

// VoteCount returns the number of ballots cast so far.
func (c *Chamber) VoteCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Votes)
}

// Tally closes the chamber at its deadline. Participation below the
// lapse minimum yields LAPSED, a distinct re-proposable outcome, not
// a rejection. Otherwise the chamber passes iff yes votes reach the
// pass threshold. Before the deadline the chamber stays OPEN.
func (c *Chamber) Tally(epoch uint64) Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.Status != StatusOpen {
		return c.Status
	}
	if epoch < c.DeadlineEpoch {
		return StatusOpen
	}
	if len(c.Votes) < c.LapseMin {
		c.Status = StatusLapsed
		return c.Status
	}
	yes := 0
	for _, v := range c.Votes {
		if v == VoteYes {
			yes++
		}
	}
	if yes >= c.PassThreshold {
		c.Status = StatusPassed
	} else {
		c.Status = StatusFailed
	}
	return c.Status
}

// Clone returns a deep copy safe to read and serialize while the
// original keeps receiving ballots.
func (c *Chamber) Clone() *Chamber {
	c.mu.Lock()
	defer c.mu.Unlock()

	cp := &Chamber{
		ID:              c.ID,
		AmendmentID:     c.AmendmentID,
		Type:            c.Type,
		Members:         make([]Member, len(c.Members)),
		PassThreshold:   c.PassThreshold,
		LapseMin:        c.LapseMin,
		Votes:           make(map[string]Vote, len(c.Votes)),
		OpenedAt:        c.OpenedAt,
		OpenedEpoch:     c.OpenedEpoch,
		DeadlineEpoch:   c.DeadlineEpoch,
		Status:          c.Status,
		SeedFingerprint: c.SeedFingerprint,
	}
	copy(cp.Members, c.Members)
	for id, v := range c.Votes {
		cp.Votes[id] = v
	}
	return cp
}

// MemberIDs returns the seated actor ids.
func (c *Chamber) MemberIDs() []string {
	out := make([]string, len(c.Members))
	for i, m := range c.Members {
		out[i] = m.ActorID
	}
	return out
}
