// Package beacon derives deterministic, reproducible randomness for
// chamber assembly. A seed binds a public beacon round, the previous
// audit commitment and a per-decision nonce; anyone holding those three
// inputs can replay every draw.
package beacon

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrSeedConsumed = errors.New("randomness seed already consumed")
	ErrEmptySeed    = errors.New("randomness seed has no entropy inputs")
)

// Source supplies public beacon values. Production wires an external
// beacon client; tests supply fixed rounds.
type Source interface {
	// Round returns the latest published beacon round and its value.
	Round() (uint64, []byte, error)
}

// StaticSource is a fixed-value Source for tests and offline replay.
type StaticSource struct {
	RoundNumber uint64
	Value       []byte
}

func (s StaticSource) Round() (uint64, []byte, error) {
	if len(s.Value) == 0 {
		return 0, nil, ErrEmptySeed
	}
	return s.RoundNumber, s.Value, nil
}

// Seed is the committed input tuple for one chamber assembly.
type Seed struct {
	BeaconRound    uint64 `json:"beacon_round"`
	BeaconValue    string `json:"beacon_value"`
	PrevCommitment string `json:"prev_commitment"`
	Nonce          string `json:"nonce"`
}

// NewSeed captures the current beacon round together with the audit
// chain head and a per-decision nonce.
func NewSeed(src Source, prevCommitment, nonce string) (Seed, error) {
	round, value, err := src.Round()
	if err != nil {
		return Seed{}, fmt.Errorf("beacon round unavailable: %w", err)
	}
	return Seed{
		BeaconRound:    round,
		BeaconValue:    hex.EncodeToString(value),
		PrevCommitment: prevCommitment,
		Nonce:          nonce,
	}, nil
}

// Derive collapses the seed tuple into 32 key bytes via HMAC-SHA256.
func (s Seed) Derive() ([]byte, error) {
	if s.BeaconValue == "" && s.PrevCommitment == "" && s.Nonce == "" {
		return nil, ErrEmptySeed
	}
	value, err := hex.DecodeString(s.BeaconValue)
	if err != nil {
		return nil, fmt.Errorf("beacon value not hex: %w", err)
	}
	h := hmac.New(sha256.New, value)
	roundBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(roundBytes, s.BeaconRound)
	h.Write(roundBytes)
	h.Write([]byte(s.PrevCommitment))
	h.Write([]byte{0})
	h.Write([]byte(s.Nonce))
	return h.Sum(nil), nil
}

// Fingerprint identifies a seed tuple for single-use tracking.
func (s Seed) Fingerprint() string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d|%s|%s|%s", s.BeaconRound, s.BeaconValue, s.PrevCommitment, s.Nonce)))
	return hex.EncodeToString(sum[:])
}

// Drawer produces a deterministic index stream from a derived seed.
// Values come from HMAC(seed, counter); the same seed always yields the
// same sequence.
type Drawer struct {
	mu      sync.Mutex
	key     []byte
	counter uint64
}

// NewDrawer builds a drawer from a derived seed.
func NewDrawer(key []byte) (*Drawer, error) {
	if len(key) == 0 {
		return nil, ErrEmptySeed
	}
	d := &Drawer{key: make([]byte, len(key))}
	copy(d.key, key)
	return d, nil
}

// Uint64 returns the next deterministic value.
func (d *Drawer) Uint64() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.counter++
	counterBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(counterBytes, d.counter)
	h := hmac.New(sha256.New, d.key)
	h.Write(counterBytes)
	sum := h.Sum(nil)
	return binary.BigEndian.Uint64(sum[:8])
}

// Intn returns the next deterministic int in [0, n).
func (d *Drawer) Intn(n int) int {
	if n <= 0 {
		return 0
	}
	return int(d.Uint64() % uint64(n))
}

// Registry enforces single use: a seed fingerprint that has already
// backed one chamber assembly can never back another.
type Registry struct {
	mu   sync.Mutex
	used map[string]string // fingerprint -> purpose
}

// NewRegistry creates an empty single-use registry.
func NewRegistry() *Registry {
	return &Registry{used: make(map[string]string)}
}

// Consume marks the seed as spent for the given purpose. A second call
// with the same seed fails regardless of purpose.
func (r *Registry) Consume(seed Seed, purpose string) (*Drawer, error) {
	fp := seed.Fingerprint()

	r.mu.Lock()
	if prev, ok := r.used[fp]; ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: first consumed for %s", ErrSeedConsumed, prev)
	}
	r.used[fp] = purpose
	r.mu.Unlock()

	key, err := seed.Derive()
	if err != nil {
		return nil, err
	}
	return NewDrawer(key)
}
