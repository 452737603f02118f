package chamber

import (
	"bytes"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/concordlabs/concord/pkg/beacon"
	"github.com/concordlabs/concord/pkg/config"
	"github.com/concordlabs/concord/pkg/eligibility"
)

func drawerFor(t *testing.T, nonce string) *beacon.Drawer {
	t.Helper()
	src := beacon.StaticSource{RoundNumber: 9, Value: bytes.Repeat([]byte{0x5C}, 32)}
	seed, err := beacon.NewSeed(src, "audit-head", nonce)
	require.NoError(t, err)
	key, err := seed.Derive()
	require.NoError(t, err)
	d, err := beacon.NewDrawer(key)
	require.NoError(t, err)
	return d
}

// diversePool spreads candidates across five regions and distinct orgs.
func diversePool(n int) []eligibility.Candidate {
	pool := make([]eligibility.Candidate, n)
	for i := range pool {
		pool[i] = eligibility.Candidate{
			ActorID: fmt.Sprintf("actor-%03d", i),
			Region:  fmt.Sprintf("region-%d", i%5),
			OrgIDs:  []string{fmt.Sprintf("org-%d", i%11)},
		}
	}
	return pool
}

func genesisProposal() config.ChamberParams {
	return config.Default().Chambers[config.PhaseGenesis].Proposal
}

func assembleRequest(pool []eligibility.Candidate) AssembleRequest {
	return AssembleRequest{
		AmendmentID:     "amd-1",
		Type:            config.ChamberProposal,
		Params:          genesisProposal(),
		Pool:            pool,
		Exclude:         map[string]struct{}{},
		OpenedEpoch:     4,
		SeedFingerprint: "fp-1",
	}
}

func TestAssembleDeterministic(t *testing.T) {
	pool := diversePool(60)
	req := assembleRequest(pool)

	c1, err := Assemble(req, drawerFor(t, "draw-1"), time.Now)
	require.NoError(t, err)
	c2, err := Assemble(req, drawerFor(t, "draw-1"), time.Now)
	require.NoError(t, err)

	assert.Equal(t, c1.MemberIDs(), c2.MemberIDs(), "same seed and pool must reproduce the panel")
	assert.Len(t, c1.Members, req.Params.Size)
	assert.Equal(t, req.OpenedEpoch+req.Params.WindowEpochs, c1.DeadlineEpoch)
	assert.Equal(t, 4, c1.LapseMin) // ceil(0.5 * 7)
}

func TestAssembleSeedChangesPanel(t *testing.T) {
	pool := diversePool(60)
	req := assembleRequest(pool)

	c1, err := Assemble(req, drawerFor(t, "draw-1"), time.Now)
	require.NoError(t, err)
	c2, err := Assemble(req, drawerFor(t, "draw-2"), time.Now)
	require.NoError(t, err)
	assert.NotEqual(t, c1.MemberIDs(), c2.MemberIDs())
}

func TestAssembleHonorsExclusions(t *testing.T) {
	pool := diversePool(60)
	req := assembleRequest(pool)
	req.Exclude["actor-000"] = struct{}{}
	req.Exclude["actor-001"] = struct{}{}

	c, err := Assemble(req, drawerFor(t, "draw-1"), time.Now)
	require.NoError(t, err)
	for _, id := range c.MemberIDs() {
		assert.NotContains(t, []string{"actor-000", "actor-001"}, id)
	}
}

func TestAssembleRegionCap(t *testing.T) {
	pool := diversePool(60)
	req := assembleRequest(pool)

	c, err := Assemble(req, drawerFor(t, "draw-1"), time.Now)
	require.NoError(t, err)

	maxSeats := int(req.Params.MaxRegionShare * float64(req.Params.Size))
	perRegion := make(map[string]int)
	for _, m := range c.Members {
		perRegion[m.Region]++
	}
	for region, n := range perRegion {
		assert.LessOrEqual(t, n, maxSeats, "region %s exceeds its seat cap", region)
	}
}

func TestAssembleOrgDiversity(t *testing.T) {
	pool := diversePool(60)
	req := assembleRequest(pool)

	c, err := Assemble(req, drawerFor(t, "draw-1"), time.Now)
	require.NoError(t, err)

	orgs := make(map[string]struct{})
	for _, m := range c.Members {
		for _, o := range m.OrgIDs {
			orgs[o] = struct{}{}
		}
	}
	assert.GreaterOrEqual(t, len(orgs), req.Params.MinOrgDiversity)
}

func TestAssemblePoolTooSmall(t *testing.T) {
	req := assembleRequest(diversePool(5))
	_, err := Assemble(req, drawerFor(t, "draw-1"), time.Now)
	assert.ErrorIs(t, err, ErrInsufficientDiversity)
}

func TestAssembleSingleRegionInfeasible(t *testing.T) {
	pool := make([]eligibility.Candidate, 30)
	for i := range pool {
		pool[i] = eligibility.Candidate{
			ActorID: fmt.Sprintf("actor-%03d", i),
			Region:  "only-region",
			OrgIDs:  []string{fmt.Sprintf("org-%d", i)},
		}
	}
	req := assembleRequest(pool)
	_, err := Assemble(req, drawerFor(t, "draw-1"), time.Now)
	assert.ErrorIs(t, err, ErrInsufficientDiversity)
}

func TestAssembleSingleOrgInfeasible(t *testing.T) {
	pool := make([]eligibility.Candidate, 30)
	for i := range pool {
		pool[i] = eligibility.Candidate{
			ActorID: fmt.Sprintf("actor-%03d", i),
			Region:  fmt.Sprintf("region-%d", i%5),
			OrgIDs:  []string{"mono-org"},
		}
	}
	req := assembleRequest(pool)
	_, err := Assemble(req, drawerFor(t, "draw-1"), time.Now)
	assert.ErrorIs(t, err, ErrInsufficientDiversity)
}
