package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	syncErrors "github.com/c0deZ3R0/quotesync/errors"
	"github.com/c0deZ3R0/quotesync/logging"
	"github.com/c0deZ3R0/quotesync/storage/storagetest"
	"github.com/c0deZ3R0/quotesync/synckit"
)

func openTestDB(t *testing.T, path string) *DB {
	t.Helper()
	config := DefaultConfig(path)
	config.Logger = logging.Discard()
	db, err := New(config)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func tempPath(t *testing.T) string {
	return filepath.Join(t.TempDir(), "quotesync.db")
}

func TestRecordStoreContract(t *testing.T) {
	storagetest.RunRecordStore(t, func(t *testing.T) synckit.RecordStore {
		return openTestDB(t, tempPath(t)).RecordStore()
	})
}

func TestJournalContract(t *testing.T) {
	storagetest.RunJournal(t, func(t *testing.T) synckit.ChangeJournal {
		return openTestDB(t, tempPath(t)).Journal()
	})
}

func TestNew_InvalidConfig(t *testing.T) {
	_, err := New(nil)
	assert.True(t, syncErrors.IsKind(err, syncErrors.KindInvalid))

	_, err = New(&Config{})
	assert.True(t, syncErrors.IsKind(err, syncErrors.KindInvalid))
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig("file:test.db")
	assert.True(t, config.EnableWAL)
	assert.Equal(t, 25, config.MaxOpenConns)
	assert.Equal(t, 5, config.MaxIdleConns)
	assert.Equal(t, time.Hour, config.ConnMaxLifetime)
	assert.Equal(t, 5*time.Minute, config.ConnMaxIdleTime)
	assert.Equal(t, "file:test.db?_txlock=immediate&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", config.DataSourceName)

	mem := DefaultConfig(":memory:")
	assert.Equal(t, 1, mem.MaxOpenConns)

	// Applying defaults twice must not duplicate parameters.
	config.setDefaults()
	assert.Equal(t, "file:test.db?_txlock=immediate&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", config.DataSourceName)
}

func TestWALPragmas(t *testing.T) {
	db := openTestDB(t, tempPath(t))

	var journalMode string
	require.NoError(t, db.db.QueryRow("PRAGMA journal_mode").Scan(&journalMode))
	assert.Equal(t, "wal", journalMode)

	var busyTimeout int
	require.NoError(t, db.db.QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout))
	assert.Equal(t, 5000, busyTimeout)

	var synchronous int
	require.NoError(t, db.db.QueryRow("PRAGMA synchronous").Scan(&synchronous))
	assert.Equal(t, 1, synchronous, "NORMAL")
}

func TestJournalSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := tempPath(t)

	config := DefaultConfig(path)
	config.Logger = logging.Discard()
	first, err := New(config)
	require.NoError(t, err)

	_, err = first.RecordStore().Put(ctx, synckit.Record{
		ID: "q-1", Kind: synckit.KindQuote, Version: 3,
		Payload: synckit.Payload{"price": 10.0}, Origin: synckit.OriginRemote,
	})
	require.NoError(t, err)
	appended, err := first.Journal().Append(ctx, synckit.ChangeEntry{
		RecordID: "q-1", Kind: synckit.KindQuote, PreviousVersion: 3,
		BasePayload: synckit.Payload{"price": 10.0},
		NewPayload:  synckit.Payload{"price": 11.0},
	})
	require.NoError(t, err)
	require.NoError(t, first.Journal().MarkState(ctx, appended.ID, synckit.StateInFlight))
	require.NoError(t, first.Close())

	second := openTestDB(t, path)
	rec, found, err := second.RecordStore().Get(ctx, synckit.KindQuote, "q-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, uint64(3), rec.Version)

	inFlight, err := second.Journal().Entries(ctx, synckit.StateInFlight)
	require.NoError(t, err)
	require.Len(t, inFlight, 1)
	assert.Equal(t, appended.ID, inFlight[0].ID)
	assert.Equal(t, appended.Seq, inFlight[0].Seq)
	assert.True(t, synckit.ValuesEqual(11.0, inFlight[0].NewPayload["price"]))

	next, err := second.Journal().Append(ctx, synckit.ChangeEntry{RecordID: "q-2", Kind: synckit.KindQuote, NewPayload: synckit.Payload{}})
	require.NoError(t, err)
	assert.Greater(t, next.Seq, appended.Seq)
}

func TestNewRecordHasNilBasePayload(t *testing.T) {
	ctx := context.Background()
	j := openTestDB(t, tempPath(t)).Journal()

	e, err := j.Append(ctx, synckit.ChangeEntry{RecordID: "q-new", Kind: synckit.KindQuote, NewPayload: synckit.Payload{"price": 1.0}})
	require.NoError(t, err)

	got, err := j.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Nil(t, got.BasePayload)
	assert.True(t, got.RetryAt.IsZero())
}

func TestClosedStore(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, tempPath(t))
	require.NoError(t, db.Close())
	require.NoError(t, db.Close())

	_, _, err := db.RecordStore().Get(ctx, synckit.KindQuote, "q-1")
	assert.True(t, syncErrors.IsKind(err, syncErrors.KindClosed))

	_, err = db.Journal().Append(ctx, synckit.ChangeEntry{RecordID: "q-1", Kind: synckit.KindQuote})
	assert.True(t, syncErrors.IsKind(err, syncErrors.KindClosed))
	assert.Zero(t, db.Stats().OpenConnections)
}

func TestConfirmedEntriesArePurged(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, tempPath(t))
	store, journal := db.RecordStore(), db.Journal()

	entry, err := journal.Append(ctx, synckit.ChangeEntry{RecordID: "q-9", Kind: synckit.KindQuote, NewPayload: synckit.Payload{"price": 4.0}})
	require.NoError(t, err)
	entry.State = synckit.StateConfirmed
	require.NoError(t, journal.Update(ctx, entry))
	_, err = store.Put(ctx, synckit.Record{ID: "q-9", Kind: synckit.KindQuote, Version: 1, Payload: entry.NewPayload, Origin: synckit.OriginLocal})
	require.NoError(t, err)

	n, err := journal.PurgeConfirmed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	recs, err := store.List(ctx, synckit.KindQuote)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, synckit.OriginLocal, recs[0].Origin)
}
