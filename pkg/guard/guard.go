// Package guard implements the anti-capture guard: large trust deltas
// are suspended pending independent quorum revalidation, and the
// worst-case capture probability is exposed as a calibration function.
package guard

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/concordlabs/concord/pkg/config"
	"github.com/concordlabs/concord/pkg/ledger"
)

var (
	ErrSuspensionNotFound = errors.New("suspension not found")
	ErrAlreadyReleased    = errors.New("suspension already released")
	ErrDuplicateSignoff   = errors.New("signer already signed off")
	ErrSelfSignoff        = errors.New("beneficiary cannot sign off its own suspension")
)

// Decision is the guard's verdict on a proposed delta.
type Decision string

const (
	Allow   Decision = "ALLOW"
	Suspend Decision = "SUSPEND"
)

// SuspensionStatus tracks a held delta.
type SuspensionStatus string

const (
	SuspensionPending  SuspensionStatus = "PENDING"
	SuspensionReleased SuspensionStatus = "RELEASED"
)

// Signoff is one independent quorum member's approval.
type Signoff struct {
	ActorID string    `json:"actor_id"`
	Region  string    `json:"region"`
	OrgID   string    `json:"org_id"`
	At      time.Time `json:"at"`
}

// Suspension is a held score delta, invisible to eligibility until an
// independent quorum releases it. Suspensions persist indefinitely; a
// quorum that never forms simply never releases.
type Suspension struct {
	ID         string           `json:"id"`
	ActorID    string           `json:"actor_id"`
	Delta      float64          `json:"delta"`
	Epoch      uint64           `json:"epoch"`
	Status     SuspensionStatus `json:"status"`
	Signoffs   []Signoff        `json:"signoffs"`
	CreatedAt  time.Time        `json:"created_at"`
	ReleasedAt time.Time        `json:"released_at,omitempty"`
}

// Releaser applies a released delta back to the trust ledger.
type Releaser interface {
	ReleaseSuspended(actorID, suspensionID string, delta float64) (*ledger.TrustProfile, error)
}

// AuditSink mirrors the ledger's audit interface.
type AuditSink interface {
	Record(kind, subject string, payload any) error
}

// Guard intercepts fast trust movements.
type Guard struct {
	mu          sync.Mutex
	cfg         *config.Store
	suspensions map[string]*Suspension
	byActor     map[string][]string
	releaser    Releaser
	audit       AuditSink
	clock       func() time.Time
}

// New creates a Guard over the active parameter store.
func New(cfg *config.Store) *Guard {
	return &Guard{
		cfg:         cfg,
		suspensions: make(map[string]*Suspension),
		byActor:     make(map[string][]string),
		clock:       time.Now,
	}
}

// BindReleaser wires the ledger back-channel after construction; the
// ledger itself is built with this guard injected, so binding happens
// second.
func (g *Guard) BindReleaser(r Releaser) { g.releaser = r }

// WithAudit wires the audit trail.
func (g *Guard) WithAudit(a AuditSink) *Guard {
	g.audit = a
	return g
}

// WithClock overrides the clock for testing.
func (g *Guard) WithClock(clock func() time.Time) *Guard {
	g.clock = clock
	return g
}

func (g *Guard) record(kind, subject string, payload any) {
	if g.audit != nil {
		_ = g.audit.Record(kind, subject, payload)
	}
}

// CheckDelta returns the verdict for a proposed delta without creating
// a suspension.
func (g *Guard) CheckDelta(delta float64) Decision {
	if delta > g.cfg.Active().Params.Guard.DeltaFast {
		return Suspend
	}
	return Allow
}

// Intercept implements the ledger's DeltaGuard hook. A delta above
// delta_fast within one epoch is held in a pending suspension.
func (g *Guard) Intercept(actorID string, delta float64, epoch uint64) (bool, string) {
	if g.CheckDelta(delta) == Allow {
		return false, ""
	}

	s := &Suspension{
		ID:        uuid.New().String(),
		ActorID:   actorID,
		Delta:     delta,
		Epoch:     epoch,
		Status:    SuspensionPending,
		CreatedAt: g.clock(),
	}
	g.mu.Lock()
	g.suspensions[s.ID] = s
	g.byActor[actorID] = append(g.byActor[actorID], s.ID)
	g.mu.Unlock()

	g.record("guard.suspended", actorID, s)
	return true, s.ID
}

// quorumMet checks the suspension's sign-offs against the configured
// size, region and organisation minimums.
func quorumMet(p config.GuardParams, signoffs []Signoff) bool {
	regions := make(map[string]struct{})
	orgs := make(map[string]struct{})
	for _, s := range signoffs {
		regions[s.Region] = struct{}{}
		orgs[s.OrgID] = struct{}{}
	}
	return len(signoffs) >= p.QuorumSize &&
		len(regions) >= p.MinRegions &&
		len(orgs) >= p.MinOrgs
}

// AddSignoff records one quorum member's approval. When the quorum
// composition requirement is met, the held delta is released back to
// the ledger.
func (g *Guard) AddSignoff(suspensionID string, so Signoff) (*Suspension, error) {
	p := g.cfg.Active().Params.Guard

	g.mu.Lock()
	s, ok := g.suspensions[suspensionID]
	if !ok {
		g.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSuspensionNotFound, suspensionID)
	}
	if s.Status == SuspensionReleased {
		g.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyReleased, suspensionID)
	}
	if so.ActorID == s.ActorID {
		g.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSelfSignoff, so.ActorID)
	}
	for _, prev := range s.Signoffs {
		if prev.ActorID == so.ActorID {
			g.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrDuplicateSignoff, so.ActorID)
		}
	}
	so.At = g.clock()
	s.Signoffs = append(s.Signoffs, so)
	release := quorumMet(p, s.Signoffs)
	if release {
		s.Status = SuspensionReleased
		s.ReleasedAt = g.clock()
	}
	cp := *s
	g.mu.Unlock()

	g.record("guard.signoff", s.ActorID, map[string]any{
		"suspension_id": suspensionID,
		"signer":        so.ActorID,
		"released":      release,
	})

	if release && g.releaser != nil {
		if _, err := g.releaser.ReleaseSuspended(s.ActorID, s.ID, s.Delta); err != nil {
			return &cp, fmt.Errorf("release suspended delta: %w", err)
		}
	}
	return &cp, nil
}

// Get returns a suspension by id.
func (g *Guard) Get(suspensionID string) (*Suspension, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.suspensions[suspensionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSuspensionNotFound, suspensionID)
	}
	cp := *s
	return &cp, nil
}

// Pending returns an actor's unreleased suspensions.
func (g *Guard) Pending(actorID string) []*Suspension {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []*Suspension
	for _, id := range g.byActor[actorID] {
		if s := g.suspensions[id]; s.Status == SuspensionPending {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out
}
