package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists trust events in SQLite. The table is append-only
// by construction: there are no UPDATE or DELETE paths.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates the store and its schema.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS trust_events (
		actor_id   TEXT NOT NULL,
		version    INTEGER NOT NULL,
		event_id   TEXT NOT NULL UNIQUE,
		prev_hash  TEXT NOT NULL,
		hash       TEXT NOT NULL,
		payload    JSON NOT NULL,
		PRIMARY KEY (actor_id, version)
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteStore) Append(ev *TrustEvent) error {
	head, version, err := s.Head(ev.ActorID)
	if err != nil {
		return err
	}
	if ev.Version != version+1 {
		return fmt.Errorf("event version %d for %s, head is %d", ev.Version, ev.ActorID, version)
	}
	if ev.PrevHash != head {
		return fmt.Errorf("event prev_hash mismatch for %s at version %d", ev.ActorID, ev.Version)
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = s.db.ExecContext(context.Background(),
		`INSERT INTO trust_events (actor_id, version, event_id, prev_hash, hash, payload) VALUES (?, ?, ?, ?, ?, ?)`,
		ev.ActorID, ev.Version, ev.EventID, ev.PrevHash, ev.Hash, payload)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Events(actorID string) ([]*TrustEvent, error) {
	rows, err := s.db.QueryContext(context.Background(),
		`SELECT payload FROM trust_events WHERE actor_id = ? ORDER BY version ASC`, actorID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []*TrustEvent
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var ev TrustEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Head(actorID string) (string, uint64, error) {
	row := s.db.QueryRowContext(context.Background(),
		`SELECT hash, version FROM trust_events WHERE actor_id = ? ORDER BY version DESC LIMIT 1`, actorID)
	var hash string
	var version uint64
	switch err := row.Scan(&hash, &version); err {
	case nil:
		return hash, version, nil
	case sql.ErrNoRows:
		return genesisHash, 0, nil
	default:
		return "", 0, fmt.Errorf("query head: %w", err)
	}
}

func (s *SQLiteStore) Actors() ([]string, error) {
	rows, err := s.db.QueryContext(context.Background(),
		`SELECT DISTINCT actor_id FROM trust_events ORDER BY actor_id`)
	if err != nil {
		return nil, fmt.Errorf("query actors: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
