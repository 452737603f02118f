// Package audit implements the externally verifiable decision history:
// an append-only, hash-chained stream of every trust event, guard
// decision, chamber outcome and amendment transition, including
// rejected and suspended actions that changed no state.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
)

var (
	ErrEntryNotFound = errors.New("audit entry not found")
	ErrChainBroken   = errors.New("audit chain is broken")
)

// Entry is one immutable audit record.
type Entry struct {
	EntryID      string          `json:"entry_id"`
	Sequence     uint64          `json:"sequence"`
	Kind         string          `json:"kind"`
	Subject      string          `json:"subject"`
	Payload      json.RawMessage `json:"payload"`
	PreviousHash string          `json:"previous_hash"`
	EntryHash    string          `json:"entry_hash"`
	Timestamp    time.Time       `json:"timestamp"`
}

// EntryHandler is notified of each appended entry.
type EntryHandler func(*Entry)

// Trail is the append-only, hash-chained audit log.
type Trail struct {
	mu       sync.RWMutex
	entries  []*Entry
	head     string
	handlers []EntryHandler
	clock    func() time.Time
}

// NewTrail creates an empty trail.
func NewTrail() *Trail {
	return &Trail{head: "genesis", clock: time.Now}
}

// WithClock overrides the clock for testing.
func (t *Trail) WithClock(clock func() time.Time) *Trail {
	t.clock = clock
	return t
}

// OnAppend registers a handler called for every new entry.
func (t *Trail) OnAppend(h EntryHandler) {
	t.mu.Lock()
	t.handlers = append(t.handlers, h)
	t.mu.Unlock()
}

// entryHash computes the canonical hash of an entry with EntryHash
// cleared.
func entryHash(e *Entry) (string, error) {
	cp := *e
	cp.EntryHash = ""
	raw, err := json.Marshal(&cp)
	if err != nil {
		return "", fmt.Errorf("marshal audit entry: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize audit entry: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// Append records a new entry and returns it.
func (t *Trail) Append(kind, subject string, payload any) (*Entry, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal audit payload: %w", err)
	}

	t.mu.Lock()
	entry := &Entry{
		EntryID:      uuid.New().String(),
		Sequence:     uint64(len(t.entries)) + 1,
		Kind:         kind,
		Subject:      subject,
		Payload:      raw,
		PreviousHash: t.head,
		Timestamp:    t.clock(),
	}
	hash, err := entryHash(entry)
	if err != nil {
		t.mu.Unlock()
		return nil, err
	}
	entry.EntryHash = hash
	t.entries = append(t.entries, entry)
	t.head = hash
	handlers := append([]EntryHandler(nil), t.handlers...)
	t.mu.Unlock()

	for _, h := range handlers {
		h(entry)
	}
	return entry, nil
}

// Record satisfies the sink interfaces of the ledger, guard and
// amendment engine.
func (t *Trail) Record(kind, subject string, payload any) error {
	_, err := t.Append(kind, subject, payload)
	return err
}

// Head returns the current chain head hash, usable as the
// previous-commitment input of a randomness seed.
func (t *Trail) Head() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.head
}

// Get returns an entry by sequence number.
func (t *Trail) Get(seq uint64) (*Entry, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if seq == 0 || seq > uint64(len(t.entries)) {
		return nil, fmt.Errorf("%w: sequence %d", ErrEntryNotFound, seq)
	}
	return t.entries[seq-1], nil
}

// Length returns the number of entries.
func (t *Trail) Length() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Entries returns entries from sequence number after (exclusive).
func (t *Trail) Entries(after uint64) []*Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if after >= uint64(len(t.entries)) {
		return nil
	}
	out := make([]*Entry, len(t.entries)-int(after))
	copy(out, t.entries[after:])
	return out
}

// Verify walks the entire chain checking linkage and hashes.
func (t *Trail) Verify() error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	prev := "genesis"
	for i, e := range t.entries {
		if e.PreviousHash != prev {
			return fmt.Errorf("%w: at sequence %d", ErrChainBroken, i+1)
		}
		computed, err := entryHash(e)
		if err != nil {
			return err
		}
		if computed != e.EntryHash {
			return fmt.Errorf("%w: hash mismatch at sequence %d", ErrChainBroken, i+1)
		}
		prev = e.EntryHash
	}
	return nil
}

// Export writes the trail as JSONL for external anchoring.
func (t *Trail) Export(w io.Writer) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	enc := json.NewEncoder(w)
	for _, e := range t.entries {
		if err := enc.Encode(e); err != nil {
			return err
		}
	}
	return nil
}
