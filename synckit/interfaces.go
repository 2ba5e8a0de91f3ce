package synckit

import (
	"context"
	"errors"
	"time"
)

// RecordStore is the durable local cache of records.
type RecordStore interface {
	// Get returns the stored record and true, or false when the key is absent.
	Get(ctx context.Context, kind Kind, id string) (Record, bool, error)

	// Put writes rec and returns the record it replaced (nil for a new key).
	// It fails with *VersionConflictError, leaving the store untouched, when
	// rec.Version is not greater than the stored version.
	Put(ctx context.Context, rec Record) (*Record, error)

	// List returns a snapshot of every record of kind ordered by id.
	List(ctx context.Context, kind Kind) ([]Record, error)
}

// ChangeJournal is the append-only log of unconfirmed local edits.
type ChangeJournal interface {
	// Append always accepts the entry. It assigns the next sequence number, an ID when
	// empty, and resets the state to Pending.
	Append(ctx context.Context, entry ChangeEntry) (ChangeEntry, error)

	// PendingEntries returns Pending entries in sequence order.
	PendingEntries(ctx context.Context) ([]ChangeEntry, error)

	// Entries returns entries in any of the given states, or all entries when none
	// are given, in sequence order.
	Entries(ctx context.Context, states ...SyncState) ([]ChangeEntry, error)

	Get(ctx context.Context, id string) (ChangeEntry, error)
	MarkState(ctx context.Context, id string, state SyncState) error

	// Update replaces the mutable fields of an existing entry.
	Update(ctx context.Context, entry ChangeEntry) error

	// Discard removes an entry on operator request.
	Discard(ctx context.Context, id string) error

	// PurgeConfirmed deletes Confirmed entries and reports how many were removed.
	PurgeConfirmed(ctx context.Context) (int, error)
}

// QuoteGateway is the client of the remote quoting system of record.
type QuoteGateway interface {
	// Fetch returns the authoritative record. Unknown records fail with KindNotFound.
	Fetch(ctx context.Context, kind Kind, id string) (Record, error)

	// Submit writes payload on top of baseVersion. A stale base fails with
	// *VersionConflictError carrying the current record; network trouble fails with
	// an error of KindTransient.
	Submit(ctx context.Context, kind Kind, id string, baseVersion uint64, payload Payload) (Record, error)
}

// ErrListingUnsupported is returned by a RecordLister whose remote end cannot list.
var ErrListingUnsupported = errors.New("record listing is not supported")

// RecordLister is implemented by gateways that can enumerate the records of a kind.
// Refresh uses it to discover records the local store has never seen.
type RecordLister interface {
	List(ctx context.Context, kind Kind) ([]Record, error)
}

// HealthChecker is implemented by gateways that can tell whether the remote system
// is operational.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// ConflictResolver merges a local edit with a newer remote record. Implementations must
// be deterministic.
type ConflictResolver interface {
	Resolve(ctx context.Context, c ConflictCase) (Resolution, error)
}

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }
