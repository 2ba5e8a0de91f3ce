package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	syncErrors "github.com/c0deZ3R0/quotesync/errors"
	"github.com/c0deZ3R0/quotesync/synckit"
)

// RecordStore is the SQLite-backed synckit.RecordStore.
type RecordStore struct {
	db *DB
}

var _ synckit.RecordStore = (*RecordStore)(nil)

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(sc rowScanner) (synckit.Record, error) {
	var (
		rec       synckit.Record
		kind      string
		payload   string
		updatedAt string
		origin    string
	)
	if err := sc.Scan(&kind, &rec.ID, &rec.Version, &payload, &updatedAt, &origin); err != nil {
		return synckit.Record{}, err
	}
	rec.Kind = synckit.Kind(kind)
	rec.Origin = synckit.Origin(origin)
	if err := json.Unmarshal([]byte(payload), &rec.Payload); err != nil {
		return synckit.Record{}, fmt.Errorf("failed to decode payload of %s/%s: %w", kind, rec.ID, err)
	}
	t, err := parseTime(updatedAt)
	if err != nil {
		return synckit.Record{}, fmt.Errorf("failed to parse updated_at of %s/%s: %w", kind, rec.ID, err)
	}
	rec.UpdatedAt = t
	return rec, nil
}

const selectRecord = `SELECT kind, id, version, payload, updated_at, origin FROM records`

func (s *RecordStore) Get(ctx context.Context, kind synckit.Kind, id string) (synckit.Record, bool, error) {
	if err := s.db.checkOpen(ctx); err != nil {
		return synckit.Record{}, false, err
	}
	row := s.db.db.QueryRowContext(ctx, selectRecord+` WHERE kind = ? AND id = ?`, string(kind), id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return synckit.Record{}, false, nil
	}
	if err != nil {
		return synckit.Record{}, false, syncErrors.WrapOpComponent(err, string(syncErrors.OpGet), component)
	}
	return rec, true, nil
}

func (s *RecordStore) Put(ctx context.Context, rec synckit.Record) (*synckit.Record, error) {
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return nil, syncErrors.WrapOpComponentKind(err, string(syncErrors.OpPut), component, syncErrors.KindInvalid)
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}

	var prev *synckit.Record
	err = s.db.write(ctx, string(syncErrors.OpPut), func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, selectRecord+` WHERE kind = ? AND id = ?`, string(rec.Kind), rec.ID)
		current, err := scanRecord(row)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return syncErrors.WrapOpComponent(err, string(syncErrors.OpPut), component)
		case rec.Version <= current.Version:
			return syncErrors.E(syncErrors.OpPut, syncErrors.Component(component),
				&synckit.VersionConflictError{Key: rec.Key(), Attempted: rec.Version, Current: current})
		default:
			prev = &current
		}

		_, err = tx.ExecContext(ctx, `
            INSERT INTO records (kind, id, version, payload, updated_at, origin)
            VALUES (?, ?, ?, ?, ?, ?)
            ON CONFLICT (kind, id) DO UPDATE SET
                version = excluded.version,
                payload = excluded.payload,
                updated_at = excluded.updated_at,
                origin = excluded.origin`,
			string(rec.Kind), rec.ID, rec.Version, string(payload), formatTime(rec.UpdatedAt), string(rec.Origin))
		if err != nil {
			return syncErrors.WrapOpComponent(err, string(syncErrors.OpPut), component)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return prev, nil
}

func (s *RecordStore) List(ctx context.Context, kind synckit.Kind) ([]synckit.Record, error) {
	if err := s.db.checkOpen(ctx); err != nil {
		return nil, err
	}
	rows, err := s.db.db.QueryContext(ctx, selectRecord+` WHERE kind = ? ORDER BY id`, string(kind))
	if err != nil {
		return nil, syncErrors.WrapOpComponent(err, string(syncErrors.OpList), component)
	}
	defer rows.Close()

	out := make([]synckit.Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, syncErrors.WrapOpComponent(err, string(syncErrors.OpList), component)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, syncErrors.WrapOpComponent(err, string(syncErrors.OpList), component)
	}
	return out, nil
}
