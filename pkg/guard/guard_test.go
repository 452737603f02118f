package guard

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/concordlabs/concord/pkg/config"
	"github.com/concordlabs/concord/pkg/ledger"
)

type fakeReleaser struct {
	released []string
	deltas   []float64
}

func (f *fakeReleaser) ReleaseSuspended(actorID, suspensionID string, delta float64) (*ledger.TrustProfile, error) {
	f.released = append(f.released, suspensionID)
	f.deltas = append(f.deltas, delta)
	return &ledger.TrustProfile{ActorID: actorID}, nil
}

func newTestGuard(t *testing.T) (*Guard, *fakeReleaser) {
	t.Helper()
	cfg, err := config.NewStore(config.Default())
	require.NoError(t, err)
	g := New(cfg)
	r := &fakeReleaser{}
	g.BindReleaser(r)
	return g, r
}

// signer builds a quorum member in a distinct region and organisation.
func signer(i int) Signoff {
	return Signoff{
		ActorID: fmt.Sprintf("signer-%d", i),
		Region:  fmt.Sprintf("region-%d", i%3),
		OrgID:   fmt.Sprintf("org-%d", i%3),
	}
}

func TestCheckDelta(t *testing.T) {
	g, _ := newTestGuard(t)
	assert.Equal(t, Allow, g.CheckDelta(0.02), "delta_fast itself passes")
	assert.Equal(t, Suspend, g.CheckDelta(0.021))
}

func TestInterceptBelowThresholdAllows(t *testing.T) {
	g, _ := newTestGuard(t)
	suspended, id := g.Intercept("m1", 0.01, 1)
	assert.False(t, suspended)
	assert.Empty(t, id)
	assert.Empty(t, g.Pending("m1"))
}

func TestInterceptCreatesPendingSuspension(t *testing.T) {
	g, _ := newTestGuard(t)
	suspended, id := g.Intercept("m1", 0.05, 7)
	require.True(t, suspended)

	s, err := g.Get(id)
	require.NoError(t, err)
	assert.Equal(t, SuspensionPending, s.Status)
	assert.Equal(t, "m1", s.ActorID)
	assert.InDelta(t, 0.05, s.Delta, 1e-12)
	assert.Len(t, g.Pending("m1"), 1)
}

func TestQuorumReleasesSuspension(t *testing.T) {
	g, r := newTestGuard(t)
	_, id := g.Intercept("m1", 0.05, 1)

	// Four diverse sign-offs are not enough for quorum size 5.
	for i := 0; i < 4; i++ {
		s, err := g.AddSignoff(id, signer(i))
		require.NoError(t, err)
		assert.Equal(t, SuspensionPending, s.Status)
	}
	assert.Empty(t, r.released)

	s, err := g.AddSignoff(id, signer(4))
	require.NoError(t, err)
	assert.Equal(t, SuspensionReleased, s.Status)
	require.Equal(t, []string{id}, r.released)
	assert.InDelta(t, 0.05, r.deltas[0], 1e-12)
	assert.Empty(t, g.Pending("m1"))
}

func TestQuorumRequiresRegionDiversity(t *testing.T) {
	g, r := newTestGuard(t)
	_, id := g.Intercept("m1", 0.05, 1)

	// Five signers from only two regions and two organisations never
	// release, regardless of count.
	for i := 0; i < 5; i++ {
		so := Signoff{
			ActorID: fmt.Sprintf("clone-%d", i),
			Region:  fmt.Sprintf("region-%d", i%2),
			OrgID:   fmt.Sprintf("org-%d", i%2),
		}
		s, err := g.AddSignoff(id, so)
		require.NoError(t, err)
		assert.Equal(t, SuspensionPending, s.Status)
	}
	assert.Empty(t, r.released)
}

func TestSelfSignoffRejected(t *testing.T) {
	g, _ := newTestGuard(t)
	_, id := g.Intercept("m1", 0.05, 1)

	_, err := g.AddSignoff(id, Signoff{ActorID: "m1", Region: "r", OrgID: "o"})
	assert.ErrorIs(t, err, ErrSelfSignoff)
}

func TestDuplicateSignoffRejected(t *testing.T) {
	g, _ := newTestGuard(t)
	_, id := g.Intercept("m1", 0.05, 1)

	_, err := g.AddSignoff(id, signer(0))
	require.NoError(t, err)
	_, err = g.AddSignoff(id, signer(0))
	assert.ErrorIs(t, err, ErrDuplicateSignoff)
}

func TestSignoffUnknownSuspension(t *testing.T) {
	g, _ := newTestGuard(t)
	_, err := g.AddSignoff("nope", signer(0))
	assert.ErrorIs(t, err, ErrSuspensionNotFound)
}

func TestSignoffAfterRelease(t *testing.T) {
	g, _ := newTestGuard(t)
	_, id := g.Intercept("m1", 0.05, 1)
	for i := 0; i < 5; i++ {
		_, err := g.AddSignoff(id, signer(i))
		require.NoError(t, err)
	}
	_, err := g.AddSignoff(id, signer(7))
	assert.ErrorIs(t, err, ErrAlreadyReleased)
}

// Suspensions persist until quorum; there is no timeout path.
func TestSuspensionPersists(t *testing.T) {
	g, _ := newTestGuard(t)
	_, id := g.Intercept("m1", 0.05, 1)
	for i := 0; i < 3; i++ {
		_, err := g.AddSignoff(id, signer(i))
		require.NoError(t, err)
	}
	s, err := g.Get(id)
	require.NoError(t, err)
	assert.Equal(t, SuspensionPending, s.Status)
	assert.Len(t, s.Signoffs, 3)
}
