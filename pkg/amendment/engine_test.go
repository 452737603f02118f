package amendment

import (
	"bytes"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/concordlabs/concord/pkg/beacon"
	"github.com/concordlabs/concord/pkg/chamber"
	"github.com/concordlabs/concord/pkg/config"
	"github.com/concordlabs/concord/pkg/eligibility"
	"github.com/concordlabs/concord/pkg/ledger"
)

type fixture struct {
	cfg    *config.Store
	ledger *ledger.Ledger
	epochs *ledger.ManualEpochs
	engine *Engine
}

// newFixture seats a pool of sixty voters across five regions, each in
// its own organization, plus a standing proposer.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg, err := config.NewStore(config.Default())
	require.NoError(t, err)
	epochs := &ledger.ManualEpochs{}
	l := ledger.New(ledger.NewMemoryStore(), cfg, epochs)

	for i := 0; i < 60; i++ {
		_, err := l.Register(ledger.Registration{
			ActorID:         fmt.Sprintf("voter-%02d", i),
			Domain:          ledger.DomainHuman,
			Region:          fmt.Sprintf("region-%d", i%5),
			OrganizationIDs: []string{fmt.Sprintf("org-%02d", i)},
			Tier:            1,
			InitialScore:    0.5,
		})
		require.NoError(t, err)
	}
	_, err = l.Register(ledger.Registration{
		ActorID: "proposer-1", Domain: ledger.DomainHuman, Region: "region-0",
		OrganizationIDs: []string{"org-p"}, Tier: 2, InitialScore: 0.5,
	})
	require.NoError(t, err)

	resolver := eligibility.NewResolver(l, cfg)
	source := beacon.StaticSource{RoundNumber: 7, Value: bytes.Repeat([]byte{0x4D}, 32)}
	engine, err := NewEngine(resolver, cfg, epochs, source)
	require.NoError(t, err)
	return &fixture{cfg: cfg, ledger: l, epochs: epochs, engine: engine}
}

func payload() json.RawMessage {
	return json.RawMessage(`{
		"title": "Raise machine quality floor",
		"rationale": "Padded evidence bundles were admitted under the current floor."
	}`)
}

func paramsPayload() json.RawMessage {
	return json.RawMessage(`{
		"title": "Tighten beta dominance",
		"rationale": "The penalty multiplier should outweigh gains by a wider margin.",
		"params": {"beta_dominance": 6.0}
	}`)
}

// vote casts ballots from the chamber's first len(votes) members.
func (f *fixture) vote(t *testing.T, a *Amendment, ct config.ChamberType, votes []chamber.Vote) {
	t.Helper()
	members := a.Chambers[ct].MemberIDs()
	require.GreaterOrEqual(t, len(members), len(votes))
	for i, v := range votes {
		require.NoError(t, f.engine.CastVote(a.ID, members[i], v))
	}
}

func yes(n int) []chamber.Vote {
	out := make([]chamber.Vote, n)
	for i := range out {
		out[i] = chamber.VoteYes
	}
	return out
}

// passToChallengeWindow drives an amendment through proposal and
// ratification passage. Epoch bookkeeping assumes a fresh fixture.
func (f *fixture) passToChallengeWindow(t *testing.T, a *Amendment) {
	t.Helper()
	f.vote(t, a, config.ChamberProposal, yes(5))
	f.epochs.Set(3)
	f.engine.Tick()
	require.Equal(t, StageRatificationVoting, a.Stage)

	f.vote(t, a, config.ChamberRatification, yes(8))
	f.epochs.Set(8)
	f.engine.Tick()
	require.Equal(t, StageChallengeWindow, a.Stage)
	require.Equal(t, uint64(11), a.ChallengeUntil)
}

func TestProposeOpensProposalChamber(t *testing.T) {
	f := newFixture(t)
	a, err := f.engine.Propose("proposer-1", payload(), false)
	require.NoError(t, err)

	assert.Equal(t, StageProposalVoting, a.Stage)
	assert.Equal(t, OutcomePending, a.Outcome)
	assert.Equal(t, config.PhaseGenesis, a.Phase)

	ch := a.Chambers[config.ChamberProposal]
	require.NotNil(t, ch)
	assert.Len(t, ch.MemberIDs(), 7)
	assert.False(t, ch.Seated("proposer-1"), "proposer never sits on their own amendment")
}

func TestProposeRequiresStanding(t *testing.T) {
	f := newFixture(t)
	_, err := f.ledger.Register(ledger.Registration{
		ActorID: "rookie", Domain: ledger.DomainHuman, Region: "region-0",
		OrganizationIDs: []string{"org-r"}, Tier: 0, InitialScore: 0.5,
	})
	require.NoError(t, err)

	_, err = f.engine.Propose("rookie", payload(), false)
	assert.Error(t, err)

	_, err = f.engine.Propose("no-such-actor", payload(), false)
	assert.ErrorIs(t, err, ledger.ErrUnknownActor)
}

func TestProposePayloadValidation(t *testing.T) {
	f := newFixture(t)
	cases := []json.RawMessage{
		json.RawMessage(`{"rationale": "long enough rationale here"}`),
		json.RawMessage(`{"title": "ab", "rationale": "long enough rationale here"}`),
		json.RawMessage(`{"title": "Valid title", "rationale": "short"}`),
		json.RawMessage(`["not", "an", "object"]`),
		json.RawMessage(`{"title": "Valid title", "rationale": "long enough rationale", "params": {"e_min_per_tier": [0.5, 0.1]}}`),
	}
	for _, raw := range cases {
		_, err := f.engine.Propose("proposer-1", raw, false)
		assert.ErrorIs(t, err, ErrPayloadInvalid, string(raw))
	}
	assert.Empty(t, f.engine.List())
}

func TestFullPassageUnchallenged(t *testing.T) {
	f := newFixture(t)
	a, err := f.engine.Propose("proposer-1", paramsPayload(), false)
	require.NoError(t, err)

	f.passToChallengeWindow(t, a)

	// An expired challenge window ratifies on the next tick.
	f.epochs.Set(11)
	f.engine.Tick()
	assert.Equal(t, StageResolved, a.Stage)
	assert.Equal(t, OutcomeRatified, a.Outcome)
	assert.ElementsMatch(t,
		[]config.ChamberType{config.ChamberProposal, config.ChamberRatification},
		a.ChambersCompleted)

	// The parameter change activated as a new minor snapshot.
	snap := f.cfg.Active()
	assert.Equal(t, "1.1.0", snap.Version)
	assert.Equal(t, a.ID, snap.AmendmentID)
	assert.Equal(t, 6.0, snap.Params.BetaDominance)
}

func TestChamberDisjointness(t *testing.T) {
	f := newFixture(t)
	a, err := f.engine.Propose("proposer-1", payload(), false)
	require.NoError(t, err)
	f.passToChallengeWindow(t, a)

	seen := map[string]config.ChamberType{}
	for ct, ch := range a.Chambers {
		for _, id := range ch.MemberIDs() {
			prev, dup := seen[id]
			require.False(t, dup, "%s seated in both %s and %s", id, prev, ct)
			seen[id] = ct
		}
	}
}

func TestProposalRejected(t *testing.T) {
	f := newFixture(t)
	a, err := f.engine.Propose("proposer-1", payload(), false)
	require.NoError(t, err)

	f.vote(t, a, config.ChamberProposal, []chamber.Vote{
		chamber.VoteYes, chamber.VoteYes, chamber.VoteYes,
		chamber.VoteNo, chamber.VoteNo, chamber.VoteNo, chamber.VoteNo,
	})
	f.epochs.Set(3)
	f.engine.Tick()

	assert.Equal(t, OutcomeRejected, a.Outcome)
	assert.Equal(t, "1.0.0", f.cfg.Active().Version)
}

func TestProposalLapses(t *testing.T) {
	f := newFixture(t)
	a, err := f.engine.Propose("proposer-1", payload(), false)
	require.NoError(t, err)

	// Three ballots of seven is below the participation floor of four.
	f.vote(t, a, config.ChamberProposal, yes(3))
	f.epochs.Set(3)
	f.engine.Tick()

	assert.Equal(t, OutcomeLapsed, a.Outcome)
	assert.NotEqual(t, OutcomeRejected, a.Outcome)
}

func TestWithdraw(t *testing.T) {
	f := newFixture(t)
	a, err := f.engine.Propose("proposer-1", payload(), false)
	require.NoError(t, err)

	assert.ErrorIs(t, f.engine.Withdraw(a.ID, "voter-00"), ErrNotProposer)

	require.NoError(t, f.engine.Withdraw(a.ID, "proposer-1"))
	assert.Equal(t, OutcomeWithdrawn, a.Outcome)

	err = f.engine.Withdraw(a.ID, "proposer-1")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestWithdrawBarredAfterFirstVote(t *testing.T) {
	f := newFixture(t)
	a, err := f.engine.Propose("proposer-1", payload(), false)
	require.NoError(t, err)

	f.vote(t, a, config.ChamberProposal, yes(1))
	assert.ErrorIs(t, f.engine.Withdraw(a.ID, "proposer-1"), ErrVotesCast)
	assert.Equal(t, OutcomePending, a.Outcome)
}

func TestChallengeOnlyDuringWindow(t *testing.T) {
	f := newFixture(t)
	a, err := f.engine.Propose("proposer-1", payload(), false)
	require.NoError(t, err)

	err = f.engine.Challenge(a.ID, "voter-00")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestChallengeUpheldRatifies(t *testing.T) {
	f := newFixture(t)
	a, err := f.engine.Propose("proposer-1", payload(), false)
	require.NoError(t, err)
	f.passToChallengeWindow(t, a)

	require.NoError(t, f.engine.Challenge(a.ID, "voter-59"))
	assert.Equal(t, StageChallengeVoting, a.Stage)

	ch := a.Chambers[config.ChamberChallenge]
	require.NotNil(t, ch)
	assert.Len(t, ch.MemberIDs(), 9)

	// Seven of nine uphold the amendment.
	f.vote(t, a, config.ChamberChallenge, yes(7))
	f.epochs.Set(11)
	f.engine.Tick()
	assert.Equal(t, OutcomeRatified, a.Outcome)
}

func TestChallengeSustainedRejects(t *testing.T) {
	f := newFixture(t)
	a, err := f.engine.Propose("proposer-1", payload(), false)
	require.NoError(t, err)
	f.passToChallengeWindow(t, a)

	require.NoError(t, f.engine.Challenge(a.ID, "voter-59"))
	f.vote(t, a, config.ChamberChallenge, []chamber.Vote{
		chamber.VoteNo, chamber.VoteNo, chamber.VoteNo, chamber.VoteNo,
		chamber.VoteNo, chamber.VoteYes, chamber.VoteYes,
	})
	f.epochs.Set(11)
	f.engine.Tick()
	assert.Equal(t, OutcomeRejected, a.Outcome)
}

func TestEntrenchedCoolingOffAndConfirmation(t *testing.T) {
	f := newFixture(t)
	a, err := f.engine.Propose("proposer-1", paramsPayload(), true)
	require.NoError(t, err)
	f.passToChallengeWindow(t, a)

	// Passage of an entrenched provision opens cooling-off, not
	// ratification.
	f.epochs.Set(11)
	f.engine.Tick()
	require.Equal(t, StageCoolingOff, a.Stage)
	require.Equal(t, uint64(25), a.CoolingOffUntil)

	// No acceleration path exists.
	err = f.engine.Finalize(a.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	f.epochs.Set(24)
	f.engine.Tick()
	assert.Equal(t, StageCoolingOff, a.Stage)

	f.epochs.Set(25)
	f.engine.Tick()
	require.Equal(t, StageConfirmationVoting, a.Stage)

	conf := a.Chambers[config.ChamberConfirmation]
	require.NotNil(t, conf)
	assert.Len(t, conf.MemberIDs(), 11)
	assert.Equal(t, 9, conf.PassThreshold)
	for _, id := range conf.MemberIDs() {
		assert.False(t, a.Chambers[config.ChamberProposal].Seated(id))
		assert.False(t, a.Chambers[config.ChamberRatification].Seated(id))
		assert.NotEqual(t, "proposer-1", id)
	}

	f.vote(t, a, config.ChamberConfirmation, yes(9))
	f.epochs.Set(30)
	f.engine.Tick()
	assert.Equal(t, OutcomeRatified, a.Outcome)

	// Entrenched parameter changes land as a major version.
	assert.Equal(t, "2.0.0", f.cfg.Active().Version)
}

func TestEntrenchedConfirmationLapses(t *testing.T) {
	f := newFixture(t)
	a, err := f.engine.Propose("proposer-1", payload(), true)
	require.NoError(t, err)
	f.passToChallengeWindow(t, a)

	f.epochs.Set(11)
	f.engine.Tick()
	f.epochs.Set(25)
	f.engine.Tick()
	require.Equal(t, StageConfirmationVoting, a.Stage)

	// Seven ballots of eleven is below the 0.66 participation floor of
	// eight.
	f.vote(t, a, config.ChamberConfirmation, yes(7))
	f.epochs.Set(30)
	f.engine.Tick()
	assert.Equal(t, OutcomeLapsed, a.Outcome)
	assert.Equal(t, "1.0.0", f.cfg.Active().Version)
}

func TestFinalizeExpiredChallengeWindow(t *testing.T) {
	f := newFixture(t)
	a, err := f.engine.Propose("proposer-1", payload(), false)
	require.NoError(t, err)
	f.passToChallengeWindow(t, a)

	// Before the window elapses Finalize has nothing to do.
	assert.ErrorIs(t, f.engine.Finalize(a.ID), ErrInvalidTransition)

	f.epochs.Set(11)
	require.NoError(t, f.engine.Finalize(a.ID))
	assert.Equal(t, OutcomeRatified, a.Outcome)

	// Terminal amendments finalize idempotently.
	assert.NoError(t, f.engine.Finalize(a.ID))
}

func TestVoteValidation(t *testing.T) {
	f := newFixture(t)
	a, err := f.engine.Propose("proposer-1", payload(), false)
	require.NoError(t, err)

	member := a.Chambers[config.ChamberProposal].MemberIDs()[0]
	require.NoError(t, f.engine.CastVote(a.ID, member, chamber.VoteYes))
	assert.ErrorIs(t, f.engine.CastVote(a.ID, member, chamber.VoteNo), chamber.ErrAlreadyVoted)

	outsider := "proposer-1"
	assert.ErrorIs(t, f.engine.CastVote(a.ID, outsider, chamber.VoteYes), chamber.ErrNotMember)

	err = f.engine.CastVote("no-such-amendment", member, chamber.VoteYes)
	assert.ErrorIs(t, err, ErrUnknownAmendment)
}

func TestConflictedActorsNeverSeated(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 10; i++ {
		f.engine.FlagConflict(fmt.Sprintf("voter-%02d", i))
	}
	a, err := f.engine.Propose("proposer-1", payload(), false)
	require.NoError(t, err)

	for _, id := range a.Chambers[config.ChamberProposal].MemberIDs() {
		for i := 0; i < 10; i++ {
			assert.NotEqual(t, fmt.Sprintf("voter-%02d", i), id)
		}
	}
}

func TestPhaseResetBeforeVotes(t *testing.T) {
	f := newFixture(t)
	a, err := f.engine.Propose("proposer-1", payload(), false)
	require.NoError(t, err)
	require.Len(t, a.Chambers[config.ChamberProposal].MemberIDs(), 7)

	mature := f.cfg.Active().Params
	mature.Phase = config.PhaseMature
	_, err = f.cfg.Ratify(mature, config.BumpMinor, "phase-transition")
	require.NoError(t, err)

	// With zero votes cast the open chamber redraws at mature sizing.
	f.engine.Tick()
	assert.Equal(t, config.PhaseMature, a.Phase)
	assert.Len(t, a.Chambers[config.ChamberProposal].MemberIDs(), 21)
}

func TestPhaseBoundaryAfterVotesKeepsThresholds(t *testing.T) {
	f := newFixture(t)
	a, err := f.engine.Propose("proposer-1", payload(), false)
	require.NoError(t, err)
	f.vote(t, a, config.ChamberProposal, yes(1))

	mature := f.cfg.Active().Params
	mature.Phase = config.PhaseMature
	_, err = f.cfg.Ratify(mature, config.BumpMinor, "phase-transition")
	require.NoError(t, err)

	f.engine.Tick()
	f.engine.Tick()
	assert.Equal(t, config.PhaseGenesis, a.Phase)
	assert.Len(t, a.Chambers[config.ChamberProposal].MemberIDs(), 7)
	require.Len(t, a.AuditNotes, 1, "the boundary note is recorded once")
	assert.Contains(t, a.AuditNotes[0], "original thresholds persist")
}

func TestListOrdersIDs(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		_, err := f.engine.Propose("proposer-1", payload(), false)
		require.NoError(t, err)
	}
	ids := f.engine.List()
	require.Len(t, ids, 3)
	assert.True(t, sortedStrings(ids))

	_, err := f.engine.Get("missing")
	assert.ErrorIs(t, err, ErrUnknownAmendment)
}

func TestSnapshotIsolatedFromLiveVoting(t *testing.T) {
	f := newFixture(t)
	a, err := f.engine.Propose("proposer-1", payload(), false)
	require.NoError(t, err)

	snap := a.Snapshot()
	require.Len(t, snap.Chambers[config.ChamberProposal].MemberIDs(), 7)

	f.vote(t, a, config.ChamberProposal, yes(5))
	f.epochs.Set(3)
	f.engine.Tick()
	require.Equal(t, StageRatificationVoting, a.Stage)

	// The copy holds the state at capture time.
	assert.Equal(t, StageProposalVoting, snap.Stage)
	assert.Empty(t, snap.Chambers[config.ChamberProposal].Votes)
	assert.Nil(t, snap.Chambers[config.ChamberRatification])

	// Writes to the copy never reach the live amendment.
	snap.Chambers[config.ChamberProposal].Votes["intruder"] = chamber.VoteYes
	snap.AuditNotes = append(snap.AuditNotes, "scribble")
	assert.Equal(t, 5, a.Chambers[config.ChamberProposal].VoteCount())
	assert.Empty(t, a.AuditNotes)

	// A snapshot of the advanced amendment serializes cleanly.
	after := a.Snapshot()
	raw, err := json.Marshal(after)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"RATIFICATION_VOTING"`)
}

func sortedStrings(xs []string) bool {
	for i := 1; i < len(xs); i++ {
		if xs[i-1] > xs[i] {
			return false
		}
	}
	return true
}
