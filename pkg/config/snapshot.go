package config

import (
	"fmt"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
)

// Bump selects how a ratified change moves the constitution version.
type Bump string

const (
	BumpMajor Bump = "MAJOR" // entrenched provision changed
	BumpMinor Bump = "MINOR" // standard amendment
	BumpPatch Bump = "PATCH" // corrective re-issue
)

// Snapshot is one immutable version of the constitutional parameters.
// Snapshots are never mutated; ratified amendments append a new version
// and atomically move the active pointer.
type Snapshot struct {
	Version     string    `json:"version"`
	PrevVersion string    `json:"prev_version,omitempty"`
	Params      Params    `json:"params"`
	CreatedAt   time.Time `json:"created_at"`
	AmendmentID string    `json:"amendment_id,omitempty"`
}

// Store holds every parameter snapshot ever activated.
type Store struct {
	mu        sync.RWMutex
	snapshots map[string]*Snapshot
	order     []string
	active    string
	clock     func() time.Time
}

// NewStore validates the initial parameters and seeds version 1.0.0.
func NewStore(initial Params) (*Store, error) {
	if err := initial.Validate(); err != nil {
		return nil, fmt.Errorf("initial parameters invalid: %w", err)
	}
	s := &Store{
		snapshots: make(map[string]*Snapshot),
		clock:     time.Now,
	}
	snap := &Snapshot{
		Version:   "1.0.0",
		Params:    initial,
		CreatedAt: s.clock(),
	}
	s.snapshots[snap.Version] = snap
	s.order = append(s.order, snap.Version)
	s.active = snap.Version
	return s, nil
}

// WithClock overrides the clock for testing.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

// Active returns the currently active snapshot.
func (s *Store) Active() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshots[s.active]
}

// Get returns a snapshot by version.
func (s *Store) Get(version string) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[version]
	if !ok {
		return nil, fmt.Errorf("no parameter snapshot for version %s", version)
	}
	return snap, nil
}

// Versions returns all snapshot versions in activation order.
func (s *Store) Versions() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Ratify validates the new parameter set, appends it as a fresh snapshot
// and atomically swings the active pointer. The previous snapshot remains
// readable forever; events recorded under it stay attributable.
func (s *Store) Ratify(next Params, bump Bump, amendmentID string) (*Snapshot, error) {
	if err := next.Validate(); err != nil {
		return nil, fmt.Errorf("ratified parameters invalid: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := semver.NewVersion(s.active)
	if err != nil {
		return nil, fmt.Errorf("active version %s unparsable: %w", s.active, err)
	}
	var nv semver.Version
	switch bump {
	case BumpMajor:
		nv = cur.IncMajor()
	case BumpPatch:
		nv = cur.IncPatch()
	default:
		nv = cur.IncMinor()
	}

	snap := &Snapshot{
		Version:     nv.String(),
		PrevVersion: s.active,
		Params:      next,
		CreatedAt:   s.clock(),
		AmendmentID: amendmentID,
	}
	s.snapshots[snap.Version] = snap
	s.order = append(s.order, snap.Version)
	s.active = snap.Version
	return snap, nil
}
