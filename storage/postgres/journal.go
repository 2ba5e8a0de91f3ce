package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	syncErrors "github.com/c0deZ3R0/quotesync/errors"
	"github.com/c0deZ3R0/quotesync/synckit"
)

// Journal is the PostgreSQL-backed synckit.ChangeJournal.
type Journal struct {
	db *DB
}

var _ synckit.ChangeJournal = (*Journal)(nil)

const selectEntry = `SELECT seq, id, record_id, kind, previous_version, base_payload, new_payload,
    parent_seq, created_at, state, attempts, retry_at, last_error FROM change_journal`

func scanEntry(sc rowScanner) (synckit.ChangeEntry, error) {
	var (
		e          synckit.ChangeEntry
		kind       string
		state      string
		base       []byte
		newPayload []byte
		retryAt    sql.NullTime
	)
	err := sc.Scan(&e.Seq, &e.ID, &e.RecordID, &kind, &e.PreviousVersion, &base, &newPayload,
		&e.ParentSeq, &e.CreatedAt, &state, &e.Attempts, &retryAt, &e.LastError)
	if err != nil {
		return synckit.ChangeEntry{}, err
	}
	e.Kind = synckit.Kind(kind)
	e.State = synckit.SyncState(state)
	e.CreatedAt = e.CreatedAt.UTC()
	if retryAt.Valid {
		e.RetryAt = retryAt.Time.UTC()
	}
	if base != nil {
		if err := json.Unmarshal(base, &e.BasePayload); err != nil {
			return synckit.ChangeEntry{}, fmt.Errorf("failed to decode base payload of entry %s: %w", e.ID, err)
		}
	}
	if err := json.Unmarshal(newPayload, &e.NewPayload); err != nil {
		return synckit.ChangeEntry{}, fmt.Errorf("failed to decode payload of entry %s: %w", e.ID, err)
	}
	return e, nil
}

// encodePayloads returns a nil base for new records so the column stays NULL.
func encodePayloads(e synckit.ChangeEntry) (base interface{}, next string, err error) {
	if e.BasePayload != nil {
		b, err := json.Marshal(e.BasePayload)
		if err != nil {
			return nil, "", err
		}
		base = string(b)
	}
	n, err := json.Marshal(e.NewPayload)
	if err != nil {
		return nil, "", err
	}
	return base, string(n), nil
}

func (j *Journal) Append(ctx context.Context, entry synckit.ChangeEntry) (synckit.ChangeEntry, error) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	entry.State = synckit.StatePending

	op := string(syncErrors.OpAppend)
	base, next, err := encodePayloads(entry)
	if err != nil {
		return synckit.ChangeEntry{}, syncErrors.WrapOpComponentKind(err, op, component, syncErrors.KindInvalid)
	}

	err = j.db.write(ctx, op, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
            INSERT INTO change_journal (id, record_id, kind, previous_version, base_payload, new_payload,
                parent_seq, created_at, state, attempts, retry_at, last_error)
            VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
            RETURNING seq`,
			entry.ID, entry.RecordID, string(entry.Kind), entry.PreviousVersion, base, next,
			entry.ParentSeq, entry.CreatedAt.UTC(), string(entry.State), entry.Attempts,
			nullTime(entry.RetryAt), entry.LastError).Scan(&entry.Seq)
		return syncErrors.WrapOpComponent(err, op, component)
	})
	if err != nil {
		return synckit.ChangeEntry{}, err
	}
	return entry, nil
}

func (j *Journal) PendingEntries(ctx context.Context) ([]synckit.ChangeEntry, error) {
	return j.Entries(ctx, synckit.StatePending)
}

func (j *Journal) Entries(ctx context.Context, states ...synckit.SyncState) ([]synckit.ChangeEntry, error) {
	if err := j.db.checkOpen(ctx); err != nil {
		return nil, err
	}
	var (
		rows *sql.Rows
		err  error
	)
	if len(states) == 0 {
		rows, err = j.db.db.QueryContext(ctx, selectEntry+` ORDER BY seq`)
	} else {
		names := make([]string, len(states))
		for i, s := range states {
			names[i] = string(s)
		}
		rows, err = j.db.db.QueryContext(ctx, selectEntry+` WHERE state = ANY($1) ORDER BY seq`, pq.Array(names))
	}
	if err != nil {
		return nil, syncErrors.WrapOpComponent(err, string(syncErrors.OpList), component)
	}
	defer rows.Close()

	out := make([]synckit.ChangeEntry, 0)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, syncErrors.WrapOpComponent(err, string(syncErrors.OpList), component)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, syncErrors.WrapOpComponent(err, string(syncErrors.OpList), component)
	}
	return out, nil
}

func (j *Journal) Get(ctx context.Context, id string) (synckit.ChangeEntry, error) {
	if err := j.db.checkOpen(ctx); err != nil {
		return synckit.ChangeEntry{}, err
	}
	e, err := scanEntry(j.db.db.QueryRowContext(ctx, selectEntry+` WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return synckit.ChangeEntry{}, synckit.ErrUnknownEntry(syncErrors.OpGet, id)
	}
	if err != nil {
		return synckit.ChangeEntry{}, syncErrors.WrapOpComponent(err, string(syncErrors.OpGet), component)
	}
	return e, nil
}

func (j *Journal) MarkState(ctx context.Context, id string, state synckit.SyncState) error {
	if !state.Valid() {
		return syncErrors.NewValidationError(syncErrors.OpMarkState, fmt.Errorf("invalid sync state %q", state))
	}
	return j.exec(ctx, syncErrors.OpMarkState, id,
		`UPDATE change_journal SET state = $1 WHERE id = $2`, string(state), id)
}

func (j *Journal) Update(ctx context.Context, entry synckit.ChangeEntry) error {
	if !entry.State.Valid() {
		return syncErrors.NewValidationError(syncErrors.OpMarkState, fmt.Errorf("invalid sync state %q", entry.State))
	}
	base, next, err := encodePayloads(entry)
	if err != nil {
		return syncErrors.WrapOpComponentKind(err, string(syncErrors.OpMarkState), component, syncErrors.KindInvalid)
	}
	return j.exec(ctx, syncErrors.OpMarkState, entry.ID, `
        UPDATE change_journal SET previous_version = $1, base_payload = $2, new_payload = $3,
            parent_seq = $4, state = $5, attempts = $6, retry_at = $7, last_error = $8
        WHERE id = $9`,
		entry.PreviousVersion, base, next, entry.ParentSeq, string(entry.State), entry.Attempts,
		nullTime(entry.RetryAt), entry.LastError, entry.ID)
}

func (j *Journal) Discard(ctx context.Context, id string) error {
	return j.exec(ctx, syncErrors.OpDiscard, id, `DELETE FROM change_journal WHERE id = $1`, id)
}

func (j *Journal) PurgeConfirmed(ctx context.Context) (int, error) {
	op := string(syncErrors.OpPurge)
	var n int64
	err := j.db.write(ctx, op, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM change_journal WHERE state = $1`, string(synckit.StateConfirmed))
		if err != nil {
			return syncErrors.WrapOpComponent(err, op, component)
		}
		n, err = res.RowsAffected()
		return syncErrors.WrapOpComponent(err, op, component)
	})
	return int(n), err
}

func (j *Journal) exec(ctx context.Context, op syncErrors.Operation, id, query string, args ...interface{}) error {
	return j.db.write(ctx, string(op), func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return syncErrors.WrapOpComponent(err, string(op), component)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return syncErrors.WrapOpComponent(err, string(op), component)
		}
		if n == 0 {
			return synckit.ErrUnknownEntry(op, id)
		}
		return nil
	})
}
