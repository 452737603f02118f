package ledger

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/concordlabs/concord/pkg/config"
)

// maxCommitRetries bounds optimistic-version retry before surfacing
// ErrConcurrentModification.
const maxCommitRetries = 5

// machineReentryScore is the score a machine restarts at after a
// successful re-certification. Strictly positive so the actor does not
// immediately re-trip the zero-score quarantine transition.
const machineReentryScore = 0.10

// EpochSource supplies the current governance epoch.
type EpochSource interface {
	Current() uint64
}

// WallClockEpochs derives epochs from elapsed wall time.
type WallClockEpochs struct {
	Start    time.Time
	Duration time.Duration
}

func (w WallClockEpochs) Current() uint64 {
	if w.Duration <= 0 {
		return 0
	}
	elapsed := time.Since(w.Start)
	if elapsed < 0 {
		return 0
	}
	return uint64(elapsed / w.Duration)
}

// ManualEpochs is a settable epoch source for tests and simulations.
type ManualEpochs struct {
	mu    sync.Mutex
	epoch uint64
}

func (m *ManualEpochs) Current() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.epoch
}

func (m *ManualEpochs) Set(e uint64) {
	m.mu.Lock()
	m.epoch = e
	m.mu.Unlock()
}

// DeltaGuard intercepts large score movements. A suspended delta is held
// outside the score until an independent quorum releases it.
type DeltaGuard interface {
	Intercept(actorID string, delta float64, epoch uint64) (suspended bool, suspensionID string)
}

// AuditSink receives a record for every decision, including rejected
// and suspended actions that changed no state.
type AuditSink interface {
	Record(kind, subject string, payload any) error
}

// Ledger owns all TrustProfiles and their event chains. Updates for a
// single actor are serialized through optimistic versioning; updates
// for different actors proceed independently.
type Ledger struct {
	mu       sync.RWMutex
	profiles map[string]*TrustProfile

	store  EventStore
	cfg    *config.Store
	epochs EpochSource
	guard  DeltaGuard
	audit  AuditSink
	log    *slog.Logger
	clock  func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithGuard wires the anti-capture guard.
func WithGuard(g DeltaGuard) Option { return func(l *Ledger) { l.guard = g } }

// WithAudit wires the audit trail.
func WithAudit(a AuditSink) Option { return func(l *Ledger) { l.audit = a } }

// WithLogger overrides the operator logger.
func WithLogger(lg *slog.Logger) Option { return func(l *Ledger) { l.log = lg } }

// WithClock overrides the clock for testing.
func WithClock(clock func() time.Time) Option { return func(l *Ledger) { l.clock = clock } }

// New creates a Ledger over the given event store and parameter store.
func New(store EventStore, cfg *config.Store, epochs EpochSource, opts ...Option) *Ledger {
	l := &Ledger{
		profiles: make(map[string]*TrustProfile),
		store:    store,
		cfg:      cfg,
		epochs:   epochs,
		log:      slog.Default(),
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) record(kind, subject string, payload any) {
	if l.audit == nil {
		return
	}
	if err := l.audit.Record(kind, subject, payload); err != nil {
		l.log.Error("audit record failed", "kind", kind, "subject", subject, "error", err)
	}
}

// Registration describes a new actor.
type Registration struct {
	ActorID         string   `json:"actor_id"`
	Domain          Domain   `json:"domain"`
	Region          string   `json:"region"`
	OrganizationIDs []string `json:"organization_ids"`
	Tier            int      `json:"tier"`
	SuccessorOf     string   `json:"successor_of,omitempty"`
	InitialScore    float64  `json:"initial_score"`
}

// Register creates a profile and its genesis event. A successor of a
// decommissioned machine starts in probation from scratch; lineage is a
// back-reference only and never bypasses quarantine state.
func (l *Ledger) Register(reg Registration) (*TrustProfile, error) {
	if reg.Domain != DomainHuman && reg.Domain != DomainMachine {
		return nil, fmt.Errorf("registration for %s: unknown domain %q", reg.ActorID, reg.Domain)
	}
	params := l.cfg.Active()
	dp, err := params.Params.Domain(string(reg.Domain))
	if err != nil {
		return nil, err
	}
	epoch := l.epochs.Current()

	state := ProfileState{
		Score:           math.Max(dp.Floor, math.Min(dp.AbsMax, reg.InitialScore)),
		Status:          StatusActive,
		LastUpdateEpoch: epoch,
	}
	if reg.SuccessorOf != "" {
		if prev, ok := l.profile(reg.SuccessorOf); !ok || prev.Status != StatusDecommissioned {
			return nil, fmt.Errorf("%w: successor_of must name a decommissioned actor", ErrInvalidTransition)
		}
		state.Status = StatusProbation
		state.ProbationRemaining = params.Params.Quarantine.ProbationTasks
		state.Score = math.Max(dp.Floor, machineReentryScore)
	}

	profile := &TrustProfile{
		ActorID:         reg.ActorID,
		Domain:          reg.Domain,
		Region:          reg.Region,
		OrganizationIDs: append([]string(nil), reg.OrganizationIDs...),
		Tier:            reg.Tier,
		SuccessorOf:     reg.SuccessorOf,
		CreatedAt:       l.clock(),
		Version:         1,
		ProfileState:    state,
	}

	ev := &TrustEvent{
		EventID:      uuid.New().String(),
		ActorID:      reg.ActorID,
		Version:      1,
		Type:         EventRegistered,
		Epoch:        epoch,
		ScoreBefore:  0,
		Delta:        state.Score,
		Result:       state,
		ParamVersion: params.Version,
		PrevHash:     genesisHash,
		Timestamp:    l.clock(),
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.profiles[reg.ActorID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrActorExists, reg.ActorID)
	}
	if err := l.sealAndAppend(ev); err != nil {
		return nil, err
	}
	l.profiles[reg.ActorID] = profile
	l.record("ledger.registered", reg.ActorID, reg)
	return profile.Clone(), nil
}

// sealAndAppend hashes and persists an event. Caller holds l.mu.
func (l *Ledger) sealAndAppend(ev *TrustEvent) error {
	hash, err := EventHash(ev)
	if err != nil {
		return err
	}
	ev.Hash = hash
	return l.store.Append(ev)
}

func (l *Ledger) profile(actorID string) (*TrustProfile, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.profiles[actorID]
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

// Profile returns a copy of an actor's current projection.
func (l *Ledger) Profile(actorID string) (*TrustProfile, error) {
	p, ok := l.profile(actorID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownActor, actorID)
	}
	return p, nil
}

// Score returns an actor's current trust score. Read-only; never used
// for financial computation.
func (l *Ledger) Score(actorID string) (float64, error) {
	p, err := l.Profile(actorID)
	if err != nil {
		return 0, err
	}
	return p.Score, nil
}

// Profiles returns a copy of every projection.
func (l *Ledger) Profiles() []*TrustProfile {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*TrustProfile, 0, len(l.profiles))
	for _, p := range l.profiles {
		out = append(out, p.Clone())
	}
	return out
}

// peerScores collects ACTIVE same-domain scores excluding the actor,
// for the population-aware cap.
func (l *Ledger) peerScores(actorID string, domain Domain) []float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []float64
	for id, p := range l.profiles {
		if id == actorID || p.Domain != domain || p.Status != StatusActive {
			continue
		}
		out = append(out, p.Score)
	}
	return out
}

// SubmitQualitySignal applies one evidence submission. Exactly one
// TrustEvent is appended per successful call. Quality-gate and
// rate-limit outcomes are expected conditions reported in ApplyResult,
// not errors.
func (l *Ledger) SubmitQualitySignal(actorID string, sig QualitySignal) (*TrustProfile, *ApplyResult, error) {
	params := l.cfg.Active()

	for attempt := 0; attempt < maxCommitRetries; attempt++ {
		base, ok := l.profile(actorID)
		if !ok {
			return nil, nil, fmt.Errorf("%w: %s", ErrUnknownActor, actorID)
		}
		if base.Status == StatusQuarantine || base.Status == StatusDecommissioned {
			l.record("ledger.rejected", actorID, map[string]any{
				"reason": "quarantine_violation",
				"status": base.Status,
			})
			return nil, nil, fmt.Errorf("%w: status %s", ErrQuarantineViolation, base.Status)
		}

		dp, err := params.Params.Domain(string(base.Domain))
		if err != nil {
			return nil, nil, err
		}

		epoch := l.epochs.Current()
		st := base.ProfileState
		res := &ApplyResult{}
		evType := EventQualitySignal

		if epoch > st.LastUpdateEpoch {
			st.EpochConsumed = 0
		}
		idle := uint64(0)
		if epoch > st.LastUpdateEpoch {
			idle = epoch - st.LastUpdateEpoch
		}

		// Decay first; it applies whether or not the gain clears the gates.
		var decay float64
		if base.Domain == DomainHuman {
			decay = HumanDecay(dp, idle)
		} else {
			decay = MachineDecay(dp, idle, sig.EnvDrift)
		}
		res.DecayLoss = decay

		// Gates. PROOF_OF_WORK alone never authorizes a gain; a
		// PROOF_OF_TRUST needs its independent-signature floor; the
		// quality gate is absolute; volume cannot compensate.
		var gain float64
		switch {
		case sig.Kind != ProofOfTrust:
			res.Gate = "evidence_kind"
		case len(sig.Signatures) < dp.MinSigs:
			res.Gate = "signatures"
			res.Threshold = float64(dp.MinSigs)
		case clamp01(sig.Quality) < dp.QMin:
			res.Gate = "quality"
			res.Threshold = dp.QMin
		default:
			gain = Gain(dp, WeightedScore(params.Params.Weights, sig))
		}

		// Per-epoch rate limit with carry-over. Excess is deferred to
		// the next epoch, never dropped. A gated submission carries no
		// gain component at all: the deferred backlog stays held until
		// a submission passes every gate.
		var applied float64
		if res.Gate == "" {
			available := gain + st.Deferred
			budget := math.Max(0, dp.DeltaMax-st.EpochConsumed)
			applied = math.Min(available, budget)
			st.Deferred = available - applied
		}
		res.Deferred = st.Deferred

		// Anti-capture interception of the about-to-apply delta. A
		// suspended amount is held by the guard, not deferred.
		var suspensionNote string
		if applied > 0 && l.guard != nil {
			if suspended, suspensionID := l.guard.Intercept(actorID, applied, epoch); suspended {
				res.Suspended = applied
				applied = 0
				evType = EventGuardSuspend
				res.Gate = "guard"
				suspensionNote = suspensionID
			}
		}

		cap := PeerCap(dp, l.peerScores(actorID, base.Domain))
		res.CapApplied = cap

		score := st.Score - decay + applied
		score = math.Min(score, cap)
		score = math.Max(score, dp.Floor)
		delta := score - st.Score

		st.Score = score
		st.EpochConsumed += applied
		st.LastUpdateEpoch = epoch
		st.History = foldHistory(st.History, sig)

		if base.Domain == DomainMachine && st.Score == 0 && st.Status == StatusActive {
			st.Status = StatusQuarantine
			st.ZeroSinceEpoch = epoch
			res.Quarantined = true
		}
		if st.Status == StatusProbation && st.ProbationRemaining > 0 {
			st.ProbationRemaining--
			if st.ProbationRemaining == 0 {
				st.Status = StatusActive
			}
		}

		res.Applied = applied

		ev := &TrustEvent{
			EventID:      uuid.New().String(),
			ActorID:      actorID,
			Version:      base.Version + 1,
			Type:         evType,
			EvidenceKind: sig.Kind,
			Epoch:        epoch,
			ScoreBefore:  base.Score,
			Delta:        delta,
			Result:       st,
			Signatures:   sig.Signatures,
			ParamVersion: params.Version,
			Gate:         res.Gate,
			Note:         suspensionNote,
			Timestamp:    l.clock(),
		}

		updated, committed, err := l.commit(base, st, ev)
		if err != nil {
			return nil, nil, err
		}
		if !committed {
			continue
		}
		l.record("ledger.quality_signal", actorID, map[string]any{
			"event_id": ev.EventID,
			"result":   res,
		})
		return updated, res, nil
	}
	return nil, nil, fmt.Errorf("%w: %s", ErrConcurrentModification, actorID)
}

// commit writes the event and projection atomically if the profile
// version is unchanged since read. Returns committed=false on conflict.
func (l *Ledger) commit(base *TrustProfile, st ProfileState, ev *TrustEvent) (*TrustProfile, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cur, ok := l.profiles[base.ActorID]
	if !ok {
		return nil, false, fmt.Errorf("%w: %s", ErrUnknownActor, base.ActorID)
	}
	if cur.Version != base.Version {
		return nil, false, nil
	}
	head, _, err := l.store.Head(base.ActorID)
	if err != nil {
		return nil, false, err
	}
	ev.PrevHash = head
	if err := l.sealAndAppend(ev); err != nil {
		return nil, false, err
	}
	cur.ProfileState = st
	cur.Version = ev.Version
	return cur.Clone(), true, nil
}

// SubmitViolation applies a compliance verdict. Penalties are not rate
// limited; loss dominates gain by construction.
func (l *Ledger) SubmitViolation(actorID string, sev Severity) (*TrustProfile, error) {
	params := l.cfg.Active()

	for attempt := 0; attempt < maxCommitRetries; attempt++ {
		base, ok := l.profile(actorID)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownActor, actorID)
		}
		if base.Status == StatusDecommissioned {
			l.record("ledger.rejected", actorID, map[string]any{"reason": "decommissioned"})
			return nil, fmt.Errorf("%w: actor decommissioned", ErrQuarantineViolation)
		}
		dp, err := params.Params.Domain(string(base.Domain))
		if err != nil {
			return nil, err
		}

		epoch := l.epochs.Current()
		st := base.ProfileState
		if epoch > st.LastUpdateEpoch {
			st.EpochConsumed = 0
		}

		penalty := Penalty(dp, sev)
		score := math.Max(dp.Floor, st.Score-penalty)
		delta := score - st.Score
		st.Score = score
		st.LastUpdateEpoch = epoch

		// MODERATE and above also moves status.
		switch sev {
		case SeverityModerate:
			if st.Status == StatusActive {
				st.Status = StatusProbation
				st.ProbationRemaining = params.Params.Quarantine.ProbationTasks
			}
		case SeveritySevere:
			if base.Domain == DomainMachine {
				st.Status = StatusQuarantine
				st.ZeroSinceEpoch = epoch
			} else if st.Status == StatusActive {
				st.Status = StatusProbation
				st.ProbationRemaining = params.Params.Quarantine.ProbationTasks
			}
		case SeverityEgregious:
			if base.Domain == DomainMachine {
				st.Status = StatusDecommissioned
			} else {
				st.Status = StatusProbation
				st.ProbationRemaining = params.Params.Quarantine.ProbationTasks
			}
		}
		if base.Domain == DomainMachine && st.Score == 0 && st.Status == StatusActive {
			st.Status = StatusQuarantine
			st.ZeroSinceEpoch = epoch
		}

		ev := &TrustEvent{
			EventID:      uuid.New().String(),
			ActorID:      actorID,
			Version:      base.Version + 1,
			Type:         EventViolation,
			Severity:     sev,
			Epoch:        epoch,
			ScoreBefore:  base.Score,
			Delta:        delta,
			Result:       st,
			ParamVersion: params.Version,
			Timestamp:    l.clock(),
		}
		updated, committed, err := l.commit(base, st, ev)
		if err != nil {
			return nil, err
		}
		if !committed {
			continue
		}
		l.record("ledger.violation", actorID, map[string]any{
			"severity": sev,
			"penalty":  penalty,
			"status":   st.Status,
		})
		return updated, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrConcurrentModification, actorID)
}

// Recertify processes a quarantined machine's re-certification bundle.
// Failure past the retry cap decommissions the identity irreversibly.
func (l *Ledger) Recertify(actorID string, rec RecertificationRecord) (*TrustProfile, error) {
	params := l.cfg.Active()
	q := params.Params.Quarantine

	for attempt := 0; attempt < maxCommitRetries; attempt++ {
		base, ok := l.profile(actorID)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownActor, actorID)
		}
		if base.Domain != DomainMachine {
			return nil, fmt.Errorf("%w: re-certification applies to machine actors only", ErrInvalidTransition)
		}
		if base.Status != StatusQuarantine {
			return nil, fmt.Errorf("%w: re-certification requires QUARANTINE, have %s", ErrInvalidTransition, base.Status)
		}

		epoch := l.epochs.Current()
		st := base.ProfileState

		passed := rec.Correctness >= q.MinCorrectness &&
			rec.SevereErrorRate <= q.MaxSevereErrorRate &&
			rec.Reproducibility >= q.MinReproducibility &&
			len(rec.Signatures) >= q.MinSignatures

		var evType EventType
		if passed {
			evType = EventRecertified
			st.Status = StatusProbation
			st.ProbationRemaining = q.ProbationTasks
			st.Score = machineReentryScore
			st.ZeroSinceEpoch = 0
			st.RecertAttempts = 0
		} else {
			evType = EventRecertFailed
			st.RecertAttempts++
			if st.RecertAttempts > q.RetryCap {
				evType = EventDecommission
				st.Status = StatusDecommissioned
			}
		}
		st.LastUpdateEpoch = epoch
		delta := st.Score - base.Score

		ev := &TrustEvent{
			EventID:      uuid.New().String(),
			ActorID:      actorID,
			Version:      base.Version + 1,
			Type:         evType,
			Epoch:        epoch,
			ScoreBefore:  base.Score,
			Delta:        delta,
			Result:       st,
			Signatures:   rec.Signatures,
			ParamVersion: params.Version,
			Timestamp:    l.clock(),
		}
		updated, committed, err := l.commit(base, st, ev)
		if err != nil {
			return nil, err
		}
		if !committed {
			continue
		}
		l.record("ledger.recertification", actorID, map[string]any{
			"passed": passed,
			"status": st.Status,
		})
		if !passed && st.Status != StatusDecommissioned {
			return updated, fmt.Errorf("%w: re-certification minimums not met", ErrInsufficientEvidence)
		}
		return updated, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrConcurrentModification, actorID)
}

// ReleaseSuspended applies a guard-released delta after quorum sign-off.
// The release is quorum-authorized, so the per-epoch rate limit does not
// re-apply; caps and floors still do.
func (l *Ledger) ReleaseSuspended(actorID, suspensionID string, delta float64) (*TrustProfile, error) {
	params := l.cfg.Active()

	for attempt := 0; attempt < maxCommitRetries; attempt++ {
		base, ok := l.profile(actorID)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownActor, actorID)
		}
		if base.Status == StatusDecommissioned {
			return nil, fmt.Errorf("%w: actor decommissioned", ErrQuarantineViolation)
		}
		dp, err := params.Params.Domain(string(base.Domain))
		if err != nil {
			return nil, err
		}

		epoch := l.epochs.Current()
		st := base.ProfileState
		cap := PeerCap(dp, l.peerScores(actorID, base.Domain))
		score := math.Max(dp.Floor, math.Min(cap, st.Score+delta))
		applied := score - st.Score
		st.Score = score
		st.LastUpdateEpoch = epoch

		ev := &TrustEvent{
			EventID:      uuid.New().String(),
			ActorID:      actorID,
			Version:      base.Version + 1,
			Type:         EventGuardRelease,
			Epoch:        epoch,
			ScoreBefore:  base.Score,
			Delta:        applied,
			Result:       st,
			ParamVersion: params.Version,
			Note:         suspensionID,
			Timestamp:    l.clock(),
		}
		updated, committed, err := l.commit(base, st, ev)
		if err != nil {
			return nil, err
		}
		if !committed {
			continue
		}
		l.record("ledger.guard_release", actorID, map[string]any{
			"suspension_id": suspensionID,
			"applied":       applied,
		})
		return updated, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrConcurrentModification, actorID)
}

// Tick advances lifecycle deadlines: machines stuck at zero past the
// duration threshold are decommissioned irreversibly.
func (l *Ledger) Tick() error {
	params := l.cfg.Active()
	epoch := l.epochs.Current()
	maxZero := params.Params.Quarantine.MaxZeroEpochs

	for _, p := range l.Profiles() {
		if p.Domain != DomainMachine || p.Status != StatusQuarantine {
			continue
		}
		if epoch < p.ZeroSinceEpoch || epoch-p.ZeroSinceEpoch <= maxZero {
			continue
		}
		st := p.ProfileState
		st.Status = StatusDecommissioned
		st.LastUpdateEpoch = epoch

		ev := &TrustEvent{
			EventID:      uuid.New().String(),
			ActorID:      p.ActorID,
			Version:      p.Version + 1,
			Type:         EventDecommission,
			Epoch:        epoch,
			ScoreBefore:  p.Score,
			Delta:        0,
			Result:       st,
			ParamVersion: params.Version,
			Note:         "quarantine duration exceeded",
			Timestamp:    l.clock(),
		}
		if _, committed, err := l.commit(p, st, ev); err != nil {
			return err
		} else if committed {
			l.record("ledger.decommissioned", p.ActorID, map[string]any{
				"zero_since_epoch": p.ZeroSinceEpoch,
				"epoch":            epoch,
			})
		}
	}
	return nil
}

// ReplayChain rebuilds an actor's dynamic state from its stored event
// chain alone, checking hash integrity and score continuity.
func ReplayChain(store EventStore, actorID string) (*ProfileState, uint64, error) {
	if err := VerifyChain(store, actorID); err != nil {
		return nil, 0, err
	}
	events, err := store.Events(actorID)
	if err != nil {
		return nil, 0, err
	}
	if len(events) == 0 {
		return nil, 0, fmt.Errorf("%w: %s has no events", ErrUnknownActor, actorID)
	}

	var st ProfileState
	score := 0.0
	for _, ev := range events {
		if ev.ScoreBefore != score {
			return nil, 0, fmt.Errorf("replay divergence for %s at version %d: score before %v, chain says %v",
				actorID, ev.Version, score, ev.ScoreBefore)
		}
		st = ev.Result
		score = st.Score
	}
	return &st, events[len(events)-1].Version, nil
}

// Replay rebuilds an actor's dynamic state from its event chain and
// checks it against the live projection. Any divergence is a defect.
func (l *Ledger) Replay(actorID string) (*ProfileState, error) {
	st, headVersion, err := ReplayChain(l.store, actorID)
	if err != nil {
		return nil, err
	}

	live, err := l.Profile(actorID)
	if err != nil {
		return nil, err
	}
	if live.Version != headVersion {
		return nil, fmt.Errorf("replay divergence for %s: projection version %d, chain head %d",
			actorID, live.Version, headVersion)
	}
	if live.ProfileState != *st {
		return nil, fmt.Errorf("replay divergence for %s: projection state does not match chain", actorID)
	}
	return st, nil
}
