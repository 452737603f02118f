package beacon

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSource() StaticSource {
	return StaticSource{RoundNumber: 42, Value: bytes.Repeat([]byte{0xAB}, 32)}
}

func TestSeedDeriveDeterministic(t *testing.T) {
	s1, err := NewSeed(testSource(), "head-1", "draw-1")
	require.NoError(t, err)
	s2, err := NewSeed(testSource(), "head-1", "draw-1")
	require.NoError(t, err)

	k1, err := s1.Derive()
	require.NoError(t, err)
	k2, err := s2.Derive()
	require.NoError(t, err)
	assert.Equal(t, k1, k2)
	assert.Equal(t, s1.Fingerprint(), s2.Fingerprint())
}

func TestSeedInputsChangeKey(t *testing.T) {
	base, err := NewSeed(testSource(), "head-1", "draw-1")
	require.NoError(t, err)
	baseKey, err := base.Derive()
	require.NoError(t, err)

	otherNonce, err := NewSeed(testSource(), "head-1", "draw-2")
	require.NoError(t, err)
	k, err := otherNonce.Derive()
	require.NoError(t, err)
	assert.NotEqual(t, baseKey, k, "nonce must change the derived key")

	otherHead, err := NewSeed(testSource(), "head-2", "draw-1")
	require.NoError(t, err)
	k, err = otherHead.Derive()
	require.NoError(t, err)
	assert.NotEqual(t, baseKey, k, "prior commitment must change the derived key")
}

func TestDrawerSequenceReproducible(t *testing.T) {
	seed, err := NewSeed(testSource(), "head", "nonce")
	require.NoError(t, err)
	key, err := seed.Derive()
	require.NoError(t, err)

	d1, err := NewDrawer(key)
	require.NoError(t, err)
	d2, err := NewDrawer(key)
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		assert.Equal(t, d1.Uint64(), d2.Uint64())
	}
}

func TestDrawerIntnBounds(t *testing.T) {
	seed, err := NewSeed(testSource(), "head", "bounds")
	require.NoError(t, err)
	key, err := seed.Derive()
	require.NoError(t, err)
	d, err := NewDrawer(key)
	require.NoError(t, err)

	for i := 0; i < 1000; i++ {
		v := d.Intn(7)
		assert.GreaterOrEqual(t, v, 0)
		assert.Less(t, v, 7)
	}
	assert.Zero(t, d.Intn(0))
}

func TestRegistrySingleUse(t *testing.T) {
	reg := NewRegistry()
	seed, err := NewSeed(testSource(), "head", "one-shot")
	require.NoError(t, err)

	_, err = reg.Consume(seed, "amendment-1/PROPOSAL")
	require.NoError(t, err)

	_, err = reg.Consume(seed, "amendment-2/PROPOSAL")
	require.ErrorIs(t, err, ErrSeedConsumed)
}

func TestEmptySeedRejected(t *testing.T) {
	_, err := NewSeed(StaticSource{}, "head", "nonce")
	assert.ErrorIs(t, err, ErrEmptySeed)

	_, err = NewDrawer(nil)
	assert.ErrorIs(t, err, ErrEmptySeed)
}
