package amendment

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/concordlabs/concord/pkg/beacon"
	"github.com/concordlabs/concord/pkg/chamber"
	"github.com/concordlabs/concord/pkg/config"
	"github.com/concordlabs/concord/pkg/eligibility"
	"github.com/concordlabs/concord/pkg/ledger"
)

// AuditSink mirrors the ledger's audit interface.
type AuditSink interface {
	Record(kind, subject string, payload any) error
}

// Engine drives amendments through their lifecycle. Chamber voting
// spans days; nothing blocks. State persists and Tick re-examines
// deadlines on each scheduler pass. Operations on one amendment are
// serialized through its own lock; different amendments proceed in
// parallel.
type Engine struct {
	mu         sync.RWMutex
	amendments map[string]*Amendment
	conflicts  map[string]struct{}

	resolver   *eligibility.Resolver
	cfg        *config.Store
	epochs     ledger.EpochSource
	source     beacon.Source
	seeds      *beacon.Registry
	commitment func() string
	audit      AuditSink
	log        *slog.Logger
	schema     *jsonschema.Schema
	clock      func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithAudit wires the audit trail.
func WithAudit(a AuditSink) Option { return func(e *Engine) { e.audit = a } }

// WithLogger overrides the operator logger.
func WithLogger(lg *slog.Logger) Option { return func(e *Engine) { e.log = lg } }

// WithClock overrides the clock for testing.
func WithClock(clock func() time.Time) Option { return func(e *Engine) { e.clock = clock } }

// WithCommitment supplies the audit chain head used as the
// previous-commitment input of every randomness seed.
func WithCommitment(head func() string) Option { return func(e *Engine) { e.commitment = head } }

// NewEngine creates the amendment engine.
func NewEngine(resolver *eligibility.Resolver, cfg *config.Store, epochs ledger.EpochSource, source beacon.Source, opts ...Option) (*Engine, error) {
	schema, err := compilePayloadSchema()
	if err != nil {
		return nil, err
	}
	e := &Engine{
		amendments: make(map[string]*Amendment),
		conflicts:  make(map[string]struct{}),
		resolver:   resolver,
		cfg:        cfg,
		epochs:     epochs,
		source:     source,
		seeds:      beacon.NewRegistry(),
		commitment: func() string { return "genesis" },
		log:        slog.Default(),
		schema:     schema,
		clock:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func (e *Engine) record(kind, subject string, payload any) {
	if e.audit == nil {
		return
	}
	if err := e.audit.Record(kind, subject, payload); err != nil {
		e.log.Error("audit record failed", "kind", kind, "subject", subject, "error", err)
	}
}

// FlagConflict marks an actor as carrying a recorded conflict of
// interest; flagged actors are never seated.
func (e *Engine) FlagConflict(actorID string) {
	e.mu.Lock()
	e.conflicts[actorID] = struct{}{}
	e.mu.Unlock()
}

// Get returns an amendment by id.
func (e *Engine) Get(amendmentID string) (*Amendment, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	a, ok := e.amendments[amendmentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAmendment, amendmentID)
	}
	return a, nil
}

// List returns all amendment ids in proposal order.
func (e *Engine) List() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.amendments))
	for id := range e.amendments {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// chamberParams resolves sizing for one chamber under the amendment's
// phase, applying the entrenchment elevation to confirmation panels.
func (e *Engine) chamberParams(a *Amendment, ct config.ChamberType) (config.ChamberParams, error) {
	params := e.cfg.Active().Params
	pc, err := params.ChambersFor(a.Phase)
	if err != nil {
		return config.ChamberParams{}, err
	}
	var cp config.ChamberParams
	switch ct {
	case config.ChamberProposal:
		cp = pc.Proposal
	case config.ChamberRatification:
		cp = pc.Ratification
	case config.ChamberChallenge:
		cp = pc.Challenge
	case config.ChamberConfirmation:
		cp = pc.Confirmation
		ent := params.Entrenchment
		if elevated := int(math.Ceil(ent.Supermajority * float64(cp.Size))); elevated > cp.PassThreshold {
			cp.PassThreshold = elevated
		}
		if ent.ParticipationFloor > cp.LapseFraction {
			cp.LapseFraction = ent.ParticipationFloor
		}
	default:
		return config.ChamberParams{}, fmt.Errorf("unknown chamber type %q", ct)
	}
	return cp, nil
}

// openChamber assembles a panel for the given stage. Caller holds a.mu.
// The seed nonce includes the amendment's version counter so a retried
// assembly never reuses a committed seed.
func (e *Engine) openChamber(a *Amendment, ct config.ChamberType) error {
	cp, err := e.chamberParams(a, ct)
	if err != nil {
		return err
	}

	a.Version++
	nonce := fmt.Sprintf("%s/%s/%d", a.ID, ct, a.Version)
	seed, err := beacon.NewSeed(e.source, e.commitment(), nonce)
	if err != nil {
		return err
	}
	drawer, err := e.seeds.Consume(seed, nonce)
	if err != nil {
		return err
	}

	exclude := a.seatedAnywhere()
	exclude[a.ProposerID] = struct{}{}
	e.mu.RLock()
	for id := range e.conflicts {
		exclude[id] = struct{}{}
	}
	e.mu.RUnlock()

	ch, err := chamber.Assemble(chamber.AssembleRequest{
		AmendmentID:     a.ID,
		Type:            ct,
		Params:          cp,
		Pool:            e.resolver.Pool(),
		Exclude:         exclude,
		OpenedEpoch:     e.epochs.Current(),
		SeedFingerprint: seed.Fingerprint(),
	}, drawer, e.clock)
	if err != nil {
		e.log.Error("chamber assembly failed", "amendment", a.ID, "chamber", ct, "error", err)
		e.record("amendment.assembly_failed", a.ID, map[string]any{
			"chamber": ct,
			"error":   err.Error(),
		})
		return err
	}

	a.Chambers[ct] = ch
	e.record("amendment.chamber_opened", a.ID, map[string]any{
		"chamber":  ct,
		"members":  ch.MemberIDs(),
		"deadline": ch.DeadlineEpoch,
		"seed":     ch.SeedFingerprint,
	})
	return nil
}

// mergedParams decodes the payload's optional params object over the
// active parameter set and validates the result.
func (e *Engine) mergedParams(doc map[string]any) (*config.Params, error) {
	raw, ok := doc["params"]
	if !ok {
		return nil, nil
	}
	buf, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPayloadInvalid, err)
	}
	merged := e.cfg.Active().Params
	if err := json.Unmarshal(buf, &merged); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPayloadInvalid, err)
	}
	if err := merged.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPayloadInvalid, err)
	}
	return &merged, nil
}

// Propose files a new amendment and opens its proposal chamber. The
// proposer is seated in no chamber of their own amendment.
func (e *Engine) Propose(proposerID string, payload json.RawMessage, entrenched bool) (*Amendment, error) {
	if err := e.resolver.RequirePrivileged(proposerID); err != nil {
		e.record("amendment.rejected", proposerID, map[string]any{"reason": err.Error()})
		return nil, err
	}
	el, err := e.resolver.Resolve(proposerID)
	if err != nil {
		return nil, err
	}
	if !el.CanPropose {
		e.record("amendment.rejected", proposerID, map[string]any{"reason": el.Reason})
		return nil, fmt.Errorf("proposer %s lacks standing: %s", proposerID, el.Reason)
	}

	doc, err := validatePayload(e.schema, payload)
	if err != nil {
		return nil, err
	}
	if _, err := e.mergedParams(doc); err != nil {
		return nil, err
	}

	a := &Amendment{
		ID:         uuid.New().String(),
		ProposerID: proposerID,
		Entrenched: entrenched,
		Payload:    append(json.RawMessage(nil), payload...),
		Stage:      StageProposed,
		Outcome:    OutcomePending,
		Phase:      e.cfg.Active().Params.Phase,
		Chambers:   make(map[config.ChamberType]*chamber.Chamber),
		ProposedAt: e.clock(),
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if err := e.openChamber(a, config.ChamberProposal); err != nil {
		return nil, err
	}
	a.Stage = StageProposalVoting

	e.mu.Lock()
	e.amendments[a.ID] = a
	e.mu.Unlock()

	e.record("amendment.proposed", a.ID, map[string]any{
		"proposer":   proposerID,
		"entrenched": entrenched,
		"phase":      a.Phase,
	})
	return a, nil
}

// CastVote records one ballot in the amendment's open chamber.
func (e *Engine) CastVote(amendmentID, actorID string, v chamber.Vote) error {
	a, err := e.Get(amendmentID)
	if err != nil {
		return err
	}
	if err := e.resolver.RequirePrivileged(actorID); err != nil {
		e.record("amendment.vote_rejected", amendmentID, map[string]any{
			"actor":  actorID,
			"reason": err.Error(),
		})
		return err
	}
	el, err := e.resolver.Resolve(actorID)
	if err != nil {
		return err
	}
	if !el.CanVote {
		e.record("amendment.vote_rejected", amendmentID, map[string]any{
			"actor":  actorID,
			"reason": el.Reason,
		})
		return fmt.Errorf("actor %s cannot vote: %s", actorID, el.Reason)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	ch := a.activeChamber()
	if ch == nil {
		return fmt.Errorf("%w: no chamber open in stage %s", ErrInvalidTransition, a.Stage)
	}
	if err := ch.Cast(actorID, v); err != nil {
		return err
	}
	a.Version++
	e.record("amendment.vote_cast", amendmentID, map[string]any{
		"chamber": ch.Type,
		"actor":   actorID,
	})
	return nil
}

// Withdraw cancels an amendment. Permitted only to the proposer and
// only while zero votes have been cast anywhere.
func (e *Engine) Withdraw(amendmentID, proposerID string) error {
	a, err := e.Get(amendmentID)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.Outcome != OutcomePending {
		return fmt.Errorf("%w: amendment already %s", ErrInvalidTransition, a.Outcome)
	}
	if a.ProposerID != proposerID {
		return fmt.Errorf("%w: %s", ErrNotProposer, proposerID)
	}
	if a.anyVotesCast() {
		return ErrVotesCast
	}
	e.resolve(a, OutcomeWithdrawn)
	return nil
}

// Challenge opens the challenge chamber during the challenge window.
func (e *Engine) Challenge(amendmentID, challengerID string) error {
	a, err := e.Get(amendmentID)
	if err != nil {
		return err
	}
	el, err := e.resolver.Resolve(challengerID)
	if err != nil {
		return err
	}
	if !el.CanVote {
		return fmt.Errorf("challenger %s lacks standing: %s", challengerID, el.Reason)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.Stage != StageChallengeWindow {
		return fmt.Errorf("%w: challenge only during the challenge window, stage is %s", ErrInvalidTransition, a.Stage)
	}
	if err := e.openChamber(a, config.ChamberChallenge); err != nil {
		return err
	}
	a.Stage = StageChallengeVoting
	e.record("amendment.challenged", a.ID, map[string]any{"challenger": challengerID})
	return nil
}

// resolve marks an amendment terminal. Caller holds a.mu.
func (e *Engine) resolve(a *Amendment, outcome Outcome) {
	a.Outcome = outcome
	a.Stage = StageResolved
	a.ResolvedAt = e.clock()
	a.Version++
	e.record("amendment.resolved", a.ID, map[string]any{
		"outcome":  outcome,
		"chambers": a.ChambersCompleted,
	})
}

// ratify finalizes passage and pushes any parameter change as a new
// immutable snapshot.
func (e *Engine) ratify(a *Amendment) {
	doc, err := validatePayload(e.schema, a.Payload)
	if err == nil {
		var merged *config.Params
		merged, err = e.mergedParams(doc)
		if err == nil && merged != nil {
			bump := config.BumpMinor
			if a.Entrenched {
				bump = config.BumpMajor
			}
			if snap, rerr := e.cfg.Ratify(*merged, bump, a.ID); rerr != nil {
				err = rerr
			} else {
				e.record("amendment.params_activated", a.ID, map[string]any{
					"version": snap.Version,
				})
			}
		}
	}
	if err != nil {
		// The vote stands; the parameter push failure is an operator
		// problem, recorded loudly.
		a.AuditNotes = append(a.AuditNotes, fmt.Sprintf("parameter activation failed: %v", err))
		e.log.Error("parameter activation failed", "amendment", a.ID, "error", err)
		e.record("amendment.params_failed", a.ID, map[string]any{"error": err.Error()})
	}
	e.resolve(a, OutcomeRatified)
}

// finalizePassage routes a fully passed amendment: entrenched
// provisions serve the cooling-off interval first. Caller holds a.mu.
func (e *Engine) finalizePassage(a *Amendment, epoch uint64) {
	if a.Entrenched && a.Chambers[config.ChamberConfirmation] == nil {
		cooling := e.cfg.Active().Params.Entrenchment.CoolingOffEpochs
		a.Stage = StageCoolingOff
		a.CoolingOffUntil = epoch + cooling
		a.Version++
		e.record("amendment.cooling_off", a.ID, map[string]any{"until_epoch": a.CoolingOffUntil})
		return
	}
	e.ratify(a)
}

// maybeResetPhase handles a governance-phase boundary. With zero votes
// cast anywhere, thresholds reset to the new phase and the open chamber
// is redrawn under them; once any chamber has completed, the original
// thresholds persist with an audit note. Caller holds a.mu.
func (e *Engine) maybeResetPhase(a *Amendment) {
	current := e.cfg.Active().Params.Phase
	if a.Phase == current {
		return
	}
	if a.ThresholdsLocked || a.anyVotesCast() {
		note := fmt.Sprintf("phase boundary %s->%s crossed after voting began; original thresholds persist", a.Phase, current)
		for _, existing := range a.AuditNotes {
			if existing == note {
				return
			}
		}
		a.AuditNotes = append(a.AuditNotes, note)
		e.record("amendment.phase_note", a.ID, map[string]any{"note": note})
		return
	}

	old := a.Phase
	a.Phase = current
	if ch := a.activeChamber(); ch != nil {
		ct := ch.Type
		delete(a.Chambers, ct)
		if err := e.openChamber(a, ct); err != nil {
			// Redraw failed; restore the old panel rather than leave the
			// amendment chamber-less.
			a.Chambers[ct] = ch
			a.Phase = old
			return
		}
	}
	e.record("amendment.phase_reset", a.ID, map[string]any{"from": old, "to": current})
}

// Tick advances every in-flight amendment against the current epoch:
// expiring deadlines, tallying closed chambers and opening the next
// stage. Invoked by a scheduler; never blocks on voting windows.
func (e *Engine) Tick() {
	epoch := e.epochs.Current()

	e.mu.RLock()
	ids := make([]string, 0, len(e.amendments))
	for id := range e.amendments {
		ids = append(ids, id)
	}
	e.mu.RUnlock()
	sort.Strings(ids)

	for _, id := range ids {
		a, err := e.Get(id)
		if err != nil {
			continue
		}
		a.mu.Lock()
		if a.Outcome == OutcomePending {
			e.maybeResetPhase(a)
			e.step(a, epoch)
		}
		a.mu.Unlock()
	}
}

// step advances one amendment. Caller holds a.mu.
func (e *Engine) step(a *Amendment, epoch uint64) {
	switch a.Stage {
	case StageChallengeWindow:
		if epoch >= a.ChallengeUntil {
			e.record("amendment.unchallenged", a.ID, map[string]any{"epoch": epoch})
			e.finalizePassage(a, epoch)
		}
		return

	case StageCoolingOff:
		if epoch < a.CoolingOffUntil {
			return
		}
		// Fresh confirmation panel: zero membership overlap with every
		// earlier chamber is enforced through the exclusion set.
		if err := e.openChamber(a, config.ChamberConfirmation); err != nil {
			return
		}
		a.Stage = StageConfirmationVoting
		return

	case StageProposalVoting, StageRatificationVoting, StageChallengeVoting, StageConfirmationVoting:
		ch := a.activeChamber()
		if ch == nil {
			// A failed assembly left this stage chamber-less; retry.
			e.retryChamber(a)
			return
		}
		switch ch.Tally(epoch) {
		case chamber.StatusOpen:
			return
		case chamber.StatusPassed:
			a.ChambersCompleted = append(a.ChambersCompleted, ch.Type)
			a.ThresholdsLocked = true
			a.Version++
			e.record("amendment.chamber_passed", a.ID, map[string]any{"chamber": ch.Type})
			e.advance(a, ch.Type, epoch)
		case chamber.StatusFailed:
			a.ChambersCompleted = append(a.ChambersCompleted, ch.Type)
			a.ThresholdsLocked = true
			e.record("amendment.chamber_failed", a.ID, map[string]any{"chamber": ch.Type})
			e.resolve(a, OutcomeRejected)
		case chamber.StatusLapsed:
			e.record("amendment.chamber_lapsed", a.ID, map[string]any{
				"chamber": ch.Type,
				"votes":   ch.VoteCount(),
			})
			e.resolve(a, OutcomeLapsed)
		}
	}
}

// retryChamber re-attempts the assembly for the current voting stage.
// Caller holds a.mu.
func (e *Engine) retryChamber(a *Amendment) {
	var ct config.ChamberType
	switch a.Stage {
	case StageProposalVoting:
		ct = config.ChamberProposal
	case StageRatificationVoting:
		ct = config.ChamberRatification
	case StageChallengeVoting:
		ct = config.ChamberChallenge
	case StageConfirmationVoting:
		ct = config.ChamberConfirmation
	default:
		return
	}
	_ = e.openChamber(a, ct)
}

// advance opens the next stage after a passed chamber. Caller holds
// a.mu.
func (e *Engine) advance(a *Amendment, passed config.ChamberType, epoch uint64) {
	switch passed {
	case config.ChamberProposal:
		if err := e.openChamber(a, config.ChamberRatification); err != nil {
			a.Stage = StageRatificationVoting // retried by later ticks
			return
		}
		a.Stage = StageRatificationVoting

	case config.ChamberRatification:
		cp, err := e.chamberParams(a, config.ChamberChallenge)
		if err != nil {
			e.log.Error("challenge window sizing failed", "amendment", a.ID, "error", err)
			return
		}
		a.Stage = StageChallengeWindow
		a.ChallengeUntil = epoch + cp.WindowEpochs
		a.Version++
		e.record("amendment.challenge_window", a.ID, map[string]any{"until_epoch": a.ChallengeUntil})

	case config.ChamberChallenge:
		// Challenge chamber passing upholds the amendment.
		e.finalizePassage(a, epoch)

	case config.ChamberConfirmation:
		e.ratify(a)
	}
}

// Finalize attempts to complete an amendment ahead of its own clock.
// There is no acceleration path: a cooling-off interval that has not
// elapsed is an invalid transition.
func (e *Engine) Finalize(amendmentID string) error {
	a, err := e.Get(amendmentID)
	if err != nil {
		return err
	}
	epoch := e.epochs.Current()

	a.mu.Lock()
	defer a.mu.Unlock()
	switch {
	case a.Outcome != OutcomePending:
		return nil
	case a.Stage == StageCoolingOff && epoch < a.CoolingOffUntil:
		return fmt.Errorf("%w: cooling-off runs until epoch %d", ErrInvalidTransition, a.CoolingOffUntil)
	case a.Stage == StageChallengeWindow && epoch >= a.ChallengeUntil:
		e.finalizePassage(a, epoch)
		return nil
	default:
		return fmt.Errorf("%w: amendment in stage %s cannot be finalized directly", ErrInvalidTransition, a.Stage)
	}
}
