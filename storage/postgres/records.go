package postgres

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

// RecordStore is the PostgreSQL-backed synckit.RecordStore.
type RecordStore struct {
	db *DB
}

var _ synckit.RecordStore = (*RecordStore)(nil)

type rowScanner interface {
	Scan(dest ...interface{}) error
}

const selectRecord = `SELECT kind, id, version, payload, updated_at, origin FROM records`

func scanRecord(sc rowScanner) (synckit.Record, error) {
	var (
		rec     synckit.Record
		kind    string
		origin  string
		payload []byte
	)
	if err := sc.Scan(&kind, &rec.ID, &rec.Version, &payload, &rec.UpdatedAt, &origin); err != nil {
		return synckit.Record{}, err
	}
	rec.Kind = synckit.Kind(kind)
	rec.Origin = synckit.Origin(origin)
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	if err := json.Unmarshal(payload, &rec.Payload); err != nil {
		return synckit.Record{}, fmt.Errorf("failed to decode payload of %s/%s: %w", kind, rec.ID, err)
	}
	return rec, nil
}

func (s *RecordStore) Get(ctx context.Context, kind synckit.Kind, id string) (synckit.Record, bool, error) {
	if err := s.db.checkOpen(ctx); err != nil {
		return synckit.Record{}, false, err
	}
	rec, err := scanRecord(s.db.db.QueryRowContext(ctx, selectRecord+` WHERE kind = $1 AND id = $2`, string(kind), id))
	if errors.Is(err, sql.ErrNoRows) {
		return synckit.Record{}, false, nil
	}
	if err != nil {
		return synckit.Record{}, false, syncErrors.WrapOpComponent(err, string(syncErrors.OpGet), component)
	}
	return rec, true, nil
}

// Put locks the current row, if any, so the version check and the write are atomic.
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

	op := string(syncErrors.OpPut)
	conflict := func(current synckit.Record) error {
		return syncErrors.E(syncErrors.OpPut, syncErrors.Component(component),
			&synckit.VersionConflictError{Key: rec.Key(), Attempted: rec.Version, Current: current})
	}

	var prev *synckit.Record
	err = s.db.write(ctx, op, func(tx *sql.Tx) error {
		current, err := scanRecord(tx.QueryRowContext(ctx,
			selectRecord+` WHERE kind = $1 AND id = $2 FOR UPDATE`, string(rec.Kind), rec.ID))
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return syncErrors.WrapOpComponent(err, op, component)
		case rec.Version <= current.Version:
			return conflict(current)
		default:
			prev = &current
		}

		// The WHERE clause catches a concurrent insert of the same new key.
		res, err := tx.ExecContext(ctx, `
            INSERT INTO records (kind, id, version, payload, updated_at, origin, writer)
            VALUES ($1, $2, $3, $4, $5, $6, $7)
            ON CONFLICT (kind, id) DO UPDATE SET
                version = EXCLUDED.version,
                payload = EXCLUDED.payload,
                updated_at = EXCLUDED.updated_at,
                origin = EXCLUDED.origin,
                writer = EXCLUDED.writer
            WHERE records.version < EXCLUDED.version`,
			string(rec.Kind), rec.ID, rec.Version, string(payload), rec.UpdatedAt.UTC(), string(rec.Origin), s.db.writer)
		if err != nil {
			return syncErrors.WrapOpComponent(err, op, component)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return syncErrors.WrapOpComponent(err, op, component)
		}
		if n == 0 {
			winner, err := scanRecord(tx.QueryRowContext(ctx,
				selectRecord+` WHERE kind = $1 AND id = $2`, string(rec.Kind), rec.ID))
			if err != nil {
				return syncErrors.WrapOpComponent(err, op, component)
			}
			return conflict(winner)
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
	rows, err := s.db.db.QueryContext(ctx, selectRecord+` WHERE kind = $1 ORDER BY id`, string(kind))
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
