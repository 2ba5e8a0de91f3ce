package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	syncErrors "github.com/c0deZ3R0/quotesync/errors"
	"github.com/c0deZ3R0/quotesync/synckit"
)

// Journal is the SQLite-backed synckit.ChangeJournal. Sequence numbers come from
// the AUTOINCREMENT key, so they are never reused after a discard or purge.
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
		base       sql.NullString
		newPayload string
		createdAt  string
		retryAt    sql.NullString
	)
	err := sc.Scan(&e.Seq, &e.ID, &e.RecordID, &kind, &e.PreviousVersion, &base, &newPayload,
		&e.ParentSeq, &createdAt, &state, &e.Attempts, &retryAt, &e.LastError)
	if err != nil {
		return synckit.ChangeEntry{}, err
	}
	e.Kind = synckit.Kind(kind)
	e.State = synckit.SyncState(state)

	if base.Valid {
		if err := json.Unmarshal([]byte(base.String), &e.BasePayload); err != nil {
			return synckit.ChangeEntry{}, fmt.Errorf("failed to decode base payload of entry %s: %w", e.ID, err)
		}
	}
	if err := json.Unmarshal([]byte(newPayload), &e.NewPayload); err != nil {
		return synckit.ChangeEntry{}, fmt.Errorf("failed to decode payload of entry %s: %w", e.ID, err)
	}
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return synckit.ChangeEntry{}, err
	}
	if retryAt.Valid {
		if e.RetryAt, err = parseTime(retryAt.String); err != nil {
			return synckit.ChangeEntry{}, err
		}
	}
	return e, nil
}

func encodePayloads(e synckit.ChangeEntry) (base sql.NullString, next string, err error) {
	if e.BasePayload != nil {
		b, err := json.Marshal(e.BasePayload)
		if err != nil {
			return base, "", err
		}
		base = sql.NullString{String: string(b), Valid: true}
	}
	n, err := json.Marshal(e.NewPayload)
	if err != nil {
		return base, "", err
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

	base, next, err := encodePayloads(entry)
	if err != nil {
		return synckit.ChangeEntry{}, syncErrors.WrapOpComponentKind(err, string(syncErrors.OpAppend), component, syncErrors.KindInvalid)
	}

	err = j.db.write(ctx, string(syncErrors.OpAppend), func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
            INSERT INTO change_journal (id, record_id, kind, previous_version, base_payload, new_payload,
                parent_seq, created_at, state, attempts, retry_at, last_error)
            VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			entry.ID, entry.RecordID, string(entry.Kind), entry.PreviousVersion, base, next,
			entry.ParentSeq, formatTime(entry.CreatedAt), string(entry.State), entry.Attempts,
			nullTime(entry.RetryAt), entry.LastError)
		if err != nil {
			return syncErrors.WrapOpComponent(err, string(syncErrors.OpAppend), component)
		}
		seq, err := res.LastInsertId()
		if err != nil {
			return syncErrors.WrapOpComponent(err, string(syncErrors.OpAppend), component)
		}
		entry.Seq = uint64(seq)
		return nil
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
	query := selectEntry
	args := make([]interface{}, 0, len(states))
	if len(states) > 0 {
		marks := make([]string, len(states))
		for i, s := range states {
			marks[i] = "?"
			args = append(args, string(s))
		}
		query += ` WHERE state IN (` + strings.Join(marks, ", ") + `)`
	}
	query += ` ORDER BY seq`

	rows, err := j.db.db.QueryContext(ctx, query, args...)
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
	e, err := scanEntry(j.db.db.QueryRowContext(ctx, selectEntry+` WHERE id = ?`, id))
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
		`UPDATE change_journal SET state = ? WHERE id = ?`, string(state), id)
}

// Update rewrites the mutable columns. Seq, record id, kind and creation time are
// fixed at append time.
func (j *Journal) Update(ctx context.Context, entry synckit.ChangeEntry) error {
	if !entry.State.Valid() {
		return syncErrors.NewValidationError(syncErrors.OpMarkState, fmt.Errorf("invalid sync state %q", entry.State))
	}
	base, next, err := encodePayloads(entry)
	if err != nil {
		return syncErrors.WrapOpComponentKind(err, string(syncErrors.OpMarkState), component, syncErrors.KindInvalid)
	}
	return j.exec(ctx, syncErrors.OpMarkState, entry.ID, `
        UPDATE change_journal SET previous_version = ?, base_payload = ?, new_payload = ?,
            parent_seq = ?, state = ?, attempts = ?, retry_at = ?, last_error = ?
        WHERE id = ?`,
		entry.PreviousVersion, base, next, entry.ParentSeq, string(entry.State), entry.Attempts,
		nullTime(entry.RetryAt), entry.LastError, entry.ID)
}

func (j *Journal) Discard(ctx context.Context, id string) error {
	return j.exec(ctx, syncErrors.OpDiscard, id, `DELETE FROM change_journal WHERE id = ?`, id)
}

func (j *Journal) PurgeConfirmed(ctx context.Context) (int, error) {
	var n int64
	err := j.db.write(ctx, string(syncErrors.OpPurge), func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM change_journal WHERE state = ?`, string(synckit.StateConfirmed))
		if err != nil {
			return syncErrors.WrapOpComponent(err, string(syncErrors.OpPurge), component)
		}
		n, err = res.RowsAffected()
		return syncErrors.WrapOpComponent(err, string(syncErrors.OpPurge), component)
	})
	return int(n), err
}

// exec runs a single-row write and reports an unknown entry when no row matched.
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
