package ledger

import (
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*SQLiteStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS trust_events").
		WillReturnResult(sqlmock.NewResult(0, 0))
	store, err := NewSQLiteStore(db)
	require.NoError(t, err)
	return store, mock
}

func TestSQLiteAppendFirstEvent(t *testing.T) {
	store, mock := newMockStore(t)
	ev := sealedEvent(t, 1, "genesis", 0.1)

	mock.ExpectQuery("SELECT hash, version FROM trust_events").
		WithArgs("m1").
		WillReturnRows(sqlmock.NewRows([]string{"hash", "version"}))
	mock.ExpectExec("INSERT INTO trust_events").
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, store.Append(ev))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteAppendRejectsStaleVersion(t *testing.T) {
	store, mock := newMockStore(t)
	e1 := sealedEvent(t, 1, "genesis", 0.1)
	stale := sealedEvent(t, 1, e1.Hash, 0.1)

	mock.ExpectQuery("SELECT hash, version FROM trust_events").
		WithArgs("m1").
		WillReturnRows(sqlmock.NewRows([]string{"hash", "version"}).AddRow(e1.Hash, 1))

	err := store.Append(stale)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "event version")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteAppendRejectsPrevHashMismatch(t *testing.T) {
	store, mock := newMockStore(t)
	e1 := sealedEvent(t, 1, "genesis", 0.1)
	forged := sealedEvent(t, 2, "sha256:forged", 0.1)

	mock.ExpectQuery("SELECT hash, version FROM trust_events").
		WithArgs("m1").
		WillReturnRows(sqlmock.NewRows([]string{"hash", "version"}).AddRow(e1.Hash, 1))

	err := store.Append(forged)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "prev_hash mismatch")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteHeadEmpty(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT hash, version FROM trust_events").
		WithArgs("nobody").
		WillReturnRows(sqlmock.NewRows([]string{"hash", "version"}))

	hash, version, err := store.Head("nobody")
	require.NoError(t, err)
	assert.Equal(t, "genesis", hash)
	assert.Zero(t, version)
}

func TestSQLiteEventsRoundTrip(t *testing.T) {
	store, mock := newMockStore(t)
	ev := sealedEvent(t, 1, "genesis", 0.1)

	payload := `{"event_id":"` + ev.EventID + `","actor_id":"m1","version":1,"type":"QUALITY_SIGNAL","delta":0.1,"prev_hash":"genesis","hash":"` + ev.Hash + `"}`
	mock.ExpectQuery("SELECT payload FROM trust_events").
		WithArgs("m1").
		WillReturnRows(sqlmock.NewRows([]string{"payload"}).AddRow([]byte(payload)))

	events, err := store.Events("m1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, ev.EventID, events[0].EventID)
	assert.Equal(t, ev.Hash, events[0].Hash)
}

func TestSQLiteActors(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT DISTINCT actor_id FROM trust_events").
		WillReturnRows(sqlmock.NewRows([]string{"actor_id"}).AddRow("a1").AddRow("a2"))

	actors, err := store.Actors()
	require.NoError(t, err)
	assert.Equal(t, []string{"a1", "a2"}, actors)
}
