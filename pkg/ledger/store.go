package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/gowebpki/jcs"
)

// genesisHash anchors each actor's event chain.
const genesisHash = "genesis"

// EventStore persists the append-only trust event stream. Events for
// one actor are totally ordered by version; cross-actor order is not
// guaranteed and not required.
type EventStore interface {
	// Append persists one event. The event's version must be exactly
	// one past the actor's current head.
	Append(ev *TrustEvent) error
	// Events returns an actor's events in version order.
	Events(actorID string) ([]*TrustEvent, error)
	// Head returns the actor's chain head hash and version.
	Head(actorID string) (hash string, version uint64, err error)
	// Actors lists every actor with at least one event.
	Actors() ([]string, error)
}

// EventHash computes the canonical hash of an event with its Hash field
// cleared. Canonical JSON (RFC 8785) keeps the digest byte-stable across
// marshal order.
func EventHash(ev *TrustEvent) (string, error) {
	cp := *ev
	cp.Hash = ""
	raw, err := json.Marshal(&cp)
	if err != nil {
		return "", fmt.Errorf("marshal event: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize event: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// MemoryStore is the in-process EventStore.
type MemoryStore struct {
	mu     sync.RWMutex
	events map[string][]*TrustEvent
}

// NewMemoryStore creates an empty in-memory event store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{events: make(map[string][]*TrustEvent)}
}

func (s *MemoryStore) Append(ev *TrustEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	chain := s.events[ev.ActorID]
	wantVersion := uint64(len(chain)) + 1
	if ev.Version != wantVersion {
		return fmt.Errorf("event version %d for %s, head is %d", ev.Version, ev.ActorID, wantVersion-1)
	}
	wantPrev := genesisHash
	if len(chain) > 0 {
		wantPrev = chain[len(chain)-1].Hash
	}
	if ev.PrevHash != wantPrev {
		return fmt.Errorf("event prev_hash mismatch for %s at version %d", ev.ActorID, ev.Version)
	}
	cp := *ev
	s.events[ev.ActorID] = append(chain, &cp)
	return nil
}

func (s *MemoryStore) Events(actorID string) ([]*TrustEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chain := s.events[actorID]
	out := make([]*TrustEvent, len(chain))
	for i, ev := range chain {
		cp := *ev
		out[i] = &cp
	}
	return out, nil
}

func (s *MemoryStore) Head(actorID string) (string, uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chain := s.events[actorID]
	if len(chain) == 0 {
		return genesisHash, 0, nil
	}
	last := chain[len(chain)-1]
	return last.Hash, last.Version, nil
}

func (s *MemoryStore) Actors() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.events))
	for id := range s.events {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// VerifyChain walks an actor's full chain checking linkage and hashes.
func VerifyChain(store EventStore, actorID string) error {
	events, err := store.Events(actorID)
	if err != nil {
		return err
	}
	prev := genesisHash
	for i, ev := range events {
		if ev.Version != uint64(i)+1 {
			return fmt.Errorf("%s: version gap at position %d", actorID, i)
		}
		if ev.PrevHash != prev {
			return fmt.Errorf("%s: chain broken at version %d", actorID, ev.Version)
		}
		computed, err := EventHash(ev)
		if err != nil {
			return err
		}
		if computed != ev.Hash {
			return fmt.Errorf("%s: hash mismatch at version %d", actorID, ev.Version)
		}
		prev = ev.Hash
	}
	return nil
}
